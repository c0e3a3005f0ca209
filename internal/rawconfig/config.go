// Package rawconfig implements the config resolver (spec §4.1's
// get_descendants/get_raw_config, §3's merge rule) and the §4.2
// raw-config validator. Grounded on the teacher's
// internal/infrastructure/routing config-merge/parse idiom (layered
// validation, structured errors) and internal/core/silencing's matcher
// style for the raw document walk.
package rawconfig

import (
	"context"
	"fmt"

	"github.com/proformatique/provd/internal/apierr"
	"github.com/proformatique/provd/internal/collection"
	"github.com/proformatique/provd/internal/document"
)

// Config is the typed view over a config document (spec §3).
type Config struct {
	ID         string
	ParentIDs  []string // ordered, shallowest last
	RawConfig  document.Document
	Role       string
	Transient  bool
	Deletable  bool
}

// FromDocument extracts the typed fields of a config document.
func FromDocument(doc document.Document) Config {
	raw, _ := doc.GetDocument("raw_config")
	deletable := true
	if v, ok := doc["deletable"]; ok {
		if b, ok := v.(bool); ok {
			deletable = b
		}
	}
	return Config{
		ID:        doc.ID(),
		ParentIDs: doc.GetStringSlice("parent_ids"),
		RawConfig: raw,
		Role:      doc.GetString("role"),
		Transient: doc.GetBool("transient"),
		Deletable: deletable,
	}
}

// Merge applies spec §3's merge rule: per-key override where a child's
// key replaces a parent's; nested mappings merge key-by-key; any other
// value (including slices) replaces wholesale. dst is mutated and
// returned; src is never mutated.
func Merge(dst, src document.Document) document.Document {
	if dst == nil {
		dst = document.New()
	}
	for k, sv := range src {
		if dm, ok := asDocument(dst[k]); ok {
			if sm, ok := asDocument(sv); ok {
				dst[k] = Merge(dm.Clone(), sm)
				continue
			}
		}
		dst[k] = sv
	}
	return dst
}

func asDocument(v any) (document.Document, bool) {
	switch t := v.(type) {
	case document.Document:
		return t, true
	case map[string]any:
		return document.Document(t), true
	default:
		return nil, false
	}
}

// Resolver flattens a config's parent chain plus the process-wide base
// into one raw_config document, and answers descendant queries for
// cascade invalidation (spec §4.6).
type Resolver struct {
	configs collection.Collection
	base    document.Document
}

// NewResolver builds a resolver over the configs collection. base is the
// site-wide raw-config merged in under everything else.
func NewResolver(configs collection.Collection, base document.Document) *Resolver {
	return &Resolver{configs: configs, base: base}
}

// GetRawConfig resolves id's chain into one flattened raw_config. Returns
// (nil, nil) if id does not exist. Idempotent and order-independent
// within a generation: resolving the same chain twice yields identical
// documents, since Merge is deterministic for a fixed parent_ids order.
func (r *Resolver) GetRawConfig(ctx context.Context, id string) (document.Document, error) {
	chain, err := r.resolveChain(ctx, id, make(map[string]bool))
	if err != nil {
		return nil, err
	}
	if chain == nil {
		return nil, nil
	}
	result := r.base.Clone()
	for i := len(chain) - 1; i >= 0; i-- {
		result = Merge(result, chain[i].RawConfig)
	}
	return result, nil
}

// resolveChain returns the list of configs from id up through its
// ancestors, id first, ordered so index 0 is the most specific (id
// itself) and later entries are progressively shallower ancestors —
// i.e. the reverse of merge-application order.
func (r *Resolver) resolveChain(ctx context.Context, id string, visiting map[string]bool) ([]Config, error) {
	if visiting[id] {
		return nil, apierr.New(apierr.CodeInvalidParameter, fmt.Sprintf("cyclic config parents at %q", id))
	}
	doc, err := r.configs.Retrieve(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	cfg := FromDocument(doc)
	visiting[id] = true
	defer delete(visiting, id)

	chain := []Config{cfg}
	// parent_ids is shallowest-last; walk it in list order so that, once
	// the caller merges chain back-to-front (see GetRawConfig), the
	// first-listed (most specific) parent is applied last among parents
	// and cfg's own raw_config applies last overall.
	for _, parentID := range cfg.ParentIDs {
		parentChain, err := r.resolveChain(ctx, parentID, visiting)
		if err != nil {
			return nil, err
		}
		chain = append(chain, parentChain...)
	}
	return chain, nil
}

// ValidateNoCycle walks parentIDs (as they would be for a config being
// inserted/updated as selfID) and fails if the chain would cycle back to
// selfID. Used by cfg_insert/cfg_update per spec §9.
func (r *Resolver) ValidateNoCycle(ctx context.Context, selfID string, parentIDs []string) error {
	visited := map[string]bool{selfID: true}
	queue := append([]string{}, parentIDs...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == selfID {
			return apierr.New(apierr.CodeInvalidParameter, fmt.Sprintf("cyclic config parents: %q", id))
		}
		if visited[id] {
			continue
		}
		visited[id] = true
		doc, err := r.configs.Retrieve(ctx, id)
		if err != nil {
			return err
		}
		if doc == nil {
			continue
		}
		queue = append(queue, FromDocument(doc).ParentIDs...)
	}
	return nil
}

// GetDescendants returns the set of config ids transitively inheriting
// from id (spec §4.1), used to invalidate/cascade on a config mutation.
func (r *Resolver) GetDescendants(ctx context.Context, id string) (map[string]bool, error) {
	all, err := r.configs.Find(ctx, collection.Selector{}, collection.FindOptions{})
	if err != nil {
		return nil, err
	}

	children := make(map[string][]string) // parent id -> direct children ids
	for _, doc := range all {
		cfg := FromDocument(doc)
		for _, p := range cfg.ParentIDs {
			children[p] = append(children[p], cfg.ID)
		}
	}

	descendants := make(map[string]bool)
	queue := append([]string{}, children[id]...)
	for len(queue) > 0 {
		child := queue[0]
		queue = queue[1:]
		if descendants[child] {
			continue
		}
		descendants[child] = true
		queue = append(queue, children[child]...)
	}
	return descendants, nil
}
