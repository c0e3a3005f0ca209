// Package collection defines the persistent-mapping abstraction used for
// the devices and configs collections (spec §4.1): find/insert/update/
// delete plus a small selector language rich enough to express
// {config: {$in: [...]}} and {ip: X, id: {$ne: Y}}.
package collection

import (
	"context"

	"github.com/proformatique/provd/internal/document"
)

// SortOrder is the direction for a Find's sort field.
type SortOrder string

const (
	Asc  SortOrder = "ASC"
	Desc SortOrder = "DESC"
)

// FindOptions controls pagination, projection and ordering of a Find.
type FindOptions struct {
	Fields []string // nil/empty means "all fields"
	Skip   int
	Limit  int // 0 means "no limit"
	Sort   string
	Order  SortOrder
}

// Collection is the persistent mapping contract. Implementations must be
// safe for concurrent use; callers serialize writes through the engine's
// reader/writer lock (spec §5), so Collection itself need not re-lock,
// but must not corrupt state under concurrent reads.
type Collection interface {
	// Insert assigns an id (via google/uuid) if absent, and persists doc.
	// Fails with apierr.CodeInvalidParameter on a duplicate id.
	Insert(ctx context.Context, doc document.Document) (string, error)

	// Update replaces the stored document sharing doc's id.
	// Fails with apierr.InvalidID if no such document exists.
	Update(ctx context.Context, doc document.Document) error

	// Delete removes a document by id. Fails with apierr.InvalidID if
	// absent, or apierr.NonDeletable if the implementation's deletable
	// predicate rejects it (configs collection: deletable == false).
	Delete(ctx context.Context, id string) error

	// Retrieve fetches a single document by id, (nil, nil) if absent.
	Retrieve(ctx context.Context, id string) (document.Document, error)

	// Find streams documents matching selector.
	Find(ctx context.Context, selector Selector, opts FindOptions) ([]document.Document, error)

	// FindOne is Find with an implicit Limit: 1.
	FindOne(ctx context.Context, selector Selector) (document.Document, error)

	// EnsureIndex is a hint; backends that don't need indices no-op it.
	EnsureIndex(ctx context.Context, field string) error
}

// DeletableFunc decides whether a document may be deleted. The configs
// collection uses this to honor the `deletable` field (spec §3); the
// devices collection has no such restriction and passes AlwaysDeletable.
type DeletableFunc func(document.Document) bool

// AlwaysDeletable permits every delete.
func AlwaysDeletable(document.Document) bool { return true }

// RespectDeletableField rejects a delete when the document's "deletable"
// field is present and false.
func RespectDeletableField(doc document.Document) bool {
	v, ok := doc["deletable"]
	if !ok {
		return true
	}
	b, ok := v.(bool)
	return !ok || b
}
