// Package jsonfile implements collection.Collection as a JSON-file
// database with one file per collection, atomic writes via temp-file +
// rename (spec §6 "Persistence layout"), grounded on the teacher's
// memory_storage.go for the in-process map shape and on
// internal/infrastructure/repository for the metrics/logging wrapper
// style.
package jsonfile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/proformatique/provd/internal/apierr"
	"github.com/proformatique/provd/internal/collection"
	"github.com/proformatique/provd/internal/document"
)

// Store is a JSON-file-backed collection.Collection. One Store per
// collection (devices, configs); callers should not share a path between
// two Stores.
type Store struct {
	mu         sync.RWMutex
	path       string
	docs       map[string]document.Document
	deletable  collection.DeletableFunc
	logger     *slog.Logger
	indexHints map[string]bool
}

// Open loads (or creates) the JSON file at path as a collection.
func Open(path string, deletable collection.DeletableFunc, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deletable == nil {
		deletable = collection.AlwaysDeletable
	}
	s := &Store{
		path:       path,
		docs:       make(map[string]document.Document),
		deletable:  deletable,
		logger:     logger.With("component", "jsonfile", "path", path),
		indexHints: make(map[string]bool),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return apierr.IOError(fmt.Errorf("read %s: %w", s.path, err))
	}
	if len(data) == 0 {
		return nil
	}
	var raw map[string]document.Document
	if err := json.Unmarshal(data, &raw); err != nil {
		return apierr.IOError(fmt.Errorf("decode %s: %w", s.path, err))
	}
	s.docs = raw
	return nil
}

// persist writes the whole collection atomically: temp-file + rename, so
// a crash mid-write never leaves a truncated collection file on disk.
func (s *Store) persist() error {
	data, err := json.MarshalIndent(s.docs, "", "  ")
	if err != nil {
		return apierr.Internal(fmt.Errorf("marshal collection: %w", err))
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apierr.IOError(fmt.Errorf("mkdir %s: %w", dir, err))
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return apierr.IOError(fmt.Errorf("create temp file: %w", err))
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apierr.IOError(fmt.Errorf("write temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apierr.IOError(fmt.Errorf("close temp file: %w", err))
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return apierr.IOError(fmt.Errorf("rename temp file: %w", err))
	}
	return nil
}

func (s *Store) Insert(_ context.Context, doc document.Document) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := doc.ID()
	if id == "" {
		id = uuid.NewString()
		doc = doc.Clone()
		doc.SetID(id)
	} else if _, exists := s.docs[id]; exists {
		return "", apierr.New(apierr.CodeInvalidParameter, fmt.Sprintf("duplicate id %q", id))
	}

	s.docs[id] = doc
	if err := s.persist(); err != nil {
		delete(s.docs, id)
		return "", err
	}
	s.logger.Debug("inserted", "id", id)
	return id, nil
}

func (s *Store) Update(_ context.Context, doc document.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := doc.ID()
	prev, exists := s.docs[id]
	if !exists {
		return apierr.InvalidID(id)
	}
	s.docs[id] = doc
	if err := s.persist(); err != nil {
		s.docs[id] = prev
		return err
	}
	return nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, exists := s.docs[id]
	if !exists {
		return apierr.InvalidID(id)
	}
	if !s.deletable(doc) {
		return apierr.NonDeletable(id)
	}
	delete(s.docs, id)
	if err := s.persist(); err != nil {
		s.docs[id] = doc
		return err
	}
	return nil
}

func (s *Store) Retrieve(_ context.Context, id string) (document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, exists := s.docs[id]
	if !exists {
		return nil, nil
	}
	return doc.Clone(), nil
}

func (s *Store) Find(_ context.Context, selector collection.Selector, opts collection.FindOptions) ([]document.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]document.Document, 0, len(s.docs))
	for _, doc := range s.docs {
		if selector.Match(doc) {
			matched = append(matched, doc)
		}
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID() < matched[j].ID() })
	if opts.Sort != "" {
		field := opts.Sort
		asc := opts.Order != collection.Desc
		sort.SliceStable(matched, func(i, j int) bool {
			vi, vj := matched[i][field], matched[j][field]
			less := fmt.Sprint(vi) < fmt.Sprint(vj)
			if asc {
				return less
			}
			return !less
		})
	}

	if opts.Skip > 0 {
		if opts.Skip >= len(matched) {
			matched = nil
		} else {
			matched = matched[opts.Skip:]
		}
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	out := make([]document.Document, len(matched))
	for i, doc := range matched {
		out[i] = project(doc.Clone(), opts.Fields)
	}
	return out, nil
}

func project(doc document.Document, fields []string) document.Document {
	if len(fields) == 0 {
		return doc
	}
	out := document.New()
	out.SetID(doc.ID())
	for _, f := range fields {
		if v, ok := doc[f]; ok {
			out[f] = v
		}
	}
	return out
}

func (s *Store) FindOne(ctx context.Context, selector collection.Selector) (document.Document, error) {
	docs, err := s.Find(ctx, selector, collection.FindOptions{Limit: 1})
	if err != nil || len(docs) == 0 {
		return nil, err
	}
	return docs[0], nil
}

// EnsureIndex records the hint; the in-memory scan backend has no use
// for it beyond bookkeeping (kept so callers written against a real
// index-aware backend behave identically against this one).
func (s *Store) EnsureIndex(_ context.Context, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.indexHints[field] = true
	return nil
}

var _ collection.Collection = (*Store)(nil)
