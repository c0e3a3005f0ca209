// Package identify implements the request-identification pipeline (spec
// §4.7): extract → retrieve → update, mapping an anonymous TFTP/HTTP/DHCP
// request to a known device, possibly auto-inserting one. Grounded on
// the teacher's internal/core/services/classification package for the
// "chain of strategies, first match wins" shape and on
// internal/core/services/fingerprint for the merge-with-policy idiom.
package identify

import (
	"context"
	"log/slog"

	"github.com/proformatique/provd/internal/collection"
	"github.com/proformatique/provd/internal/device"
	"github.com/proformatique/provd/internal/document"
	"github.com/proformatique/provd/internal/plugin"
)

// MergePolicy resolves a key conflict between two extractors' results
// (spec §4.7 step 1).
type MergePolicy int

const (
	// LastSeen: on conflict, the later value wins; non-conflicting keys
	// accumulate.
	LastSeen MergePolicy = iota
	// Voting: per key, the value with the most votes wins; ties leave the
	// key unset.
	Voting
)

// Extract runs every extractor over the request and merges their partial
// results according to policy.
func Extract(ctx context.Context, extractors []plugin.InfoExtractor, req plugin.Request, policy MergePolicy) (document.Document, error) {
	var parts []document.Document
	for _, e := range extractors {
		if e == nil {
			continue
		}
		part, err := e.Extract(ctx, req)
		if err != nil || part == nil {
			continue
		}
		parts = append(parts, part)
	}

	switch policy {
	case Voting:
		return mergeVoting(parts), nil
	default:
		return mergeLastSeen(parts), nil
	}
}

func mergeLastSeen(parts []document.Document) document.Document {
	out := document.New()
	for _, p := range parts {
		for k, v := range p {
			out[k] = v
		}
	}
	return out
}

func mergeVoting(parts []document.Document) document.Document {
	votes := make(map[string]map[any]int)
	for _, p := range parts {
		for k, v := range p {
			if votes[k] == nil {
				votes[k] = make(map[any]int)
			}
			votes[k][v]++
		}
	}
	out := document.New()
	for k, counts := range votes {
		var best any
		bestCount := 0
		tie := false
		for v, c := range counts {
			switch {
			case c > bestCount:
				best, bestCount, tie = v, c, false
			case c == bestCount:
				tie = true
			}
		}
		if !tie {
			out[k] = best
		}
	}
	return out
}

// Retriever maps extracted info to an existing (or newly created)
// device. Returns (nil, nil) when it has no opinion, deferring to the
// next retriever in the chain.
type Retriever interface {
	Retrieve(ctx context.Context, info document.Document) (document.Document, error)
}

// RetrieverFunc adapts a function to Retriever.
type RetrieverFunc func(ctx context.Context, info document.Document) (document.Document, error)

func (f RetrieverFunc) Retrieve(ctx context.Context, info document.Document) (document.Document, error) {
	return f(ctx, info)
}

// FieldRetriever matches an existing device by exact equality on one
// field (mac, ip, sn — spec §4.7 step 2).
func FieldRetriever(devices collection.Collection, field string) Retriever {
	return RetrieverFunc(func(ctx context.Context, info document.Document) (document.Document, error) {
		value, ok := info[field]
		if !ok || value == "" {
			return nil, nil
		}
		matches, err := devices.Find(ctx, collection.Selector{field: value}, collection.FindOptions{Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			return nil, nil
		}
		return matches[0], nil
	})
}

// AddNewRetriever auto-inserts a device bearing only the observed fields
// plus added="auto" when no prior retriever matched (spec §4.7 step 2).
// It always matches, so it must be last in the chain.
func AddNewRetriever(lc *device.Lifecycle, tenant string) Retriever {
	return RetrieverFunc(func(ctx context.Context, info document.Document) (document.Document, error) {
		doc := info.Clone()
		doc["added"] = "auto"
		id, err := lc.Insert(ctx, doc, tenant)
		if err != nil {
			return nil, err
		}
		doc.SetID(id)
		lc.RecordAutoCreate(doc)
		return doc, nil
	})
}

// Retrieve runs the chain, returning the first non-nil match.
func Retrieve(ctx context.Context, chain []Retriever, info document.Document) (document.Document, error) {
	for _, r := range chain {
		doc, err := r.Retrieve(ctx, info)
		if err != nil {
			return nil, err
		}
		if doc != nil {
			return doc, nil
		}
	}
	return nil, nil
}

// Updater augments a stored device document in place from fresh info. It
// reports whether it made any change.
type Updater interface {
	Update(ctx context.Context, doc document.Document, info document.Document) (bool, error)
}

// UpdaterFunc adapts a function to Updater.
type UpdaterFunc func(ctx context.Context, doc, info document.Document) (bool, error)

func (f UpdaterFunc) Update(ctx context.Context, doc, info document.Document) (bool, error) {
	return f(ctx, doc, info)
}

// AddInfoUpdater merges only keys missing from doc (spec §4.7 step 3).
func AddInfoUpdater() Updater {
	return UpdaterFunc(func(ctx context.Context, doc, info document.Document) (bool, error) {
		changed := false
		for k, v := range info {
			if _, present := doc[k]; !present {
				doc[k] = v
				changed = true
			}
		}
		return changed, nil
	})
}

// OverwriteUpdater applies last-seen semantics: fresh info always wins
// on conflict (spec §4.7 step 3, "voting/last-seen").
func OverwriteUpdater() Updater {
	return UpdaterFunc(func(ctx context.Context, doc, info document.Document) (bool, error) {
		changed := false
		for k, v := range info {
			if doc[k] != v {
				doc[k] = v
				changed = true
			}
		}
		return changed, nil
	})
}

// RemoveOutdatedIPUpdater clears a conflicting device's ip field when
// another device now claims it, unless NAT is enabled (spec §4.7 step 3).
func RemoveOutdatedIPUpdater(devices collection.Collection, natEnabled func() bool) Updater {
	return UpdaterFunc(func(ctx context.Context, doc, info document.Document) (bool, error) {
		if natEnabled != nil && natEnabled() {
			return false, nil
		}
		ip, ok := info["ip"]
		if !ok {
			return false, nil
		}
		others, err := devices.Find(ctx, collection.Selector{"ip": ip}, collection.FindOptions{})
		if err != nil {
			return false, err
		}
		for _, other := range others {
			if other.ID() == doc.ID() {
				continue
			}
			other = other.Clone()
			delete(other, "ip")
			if err := devices.Update(ctx, other); err != nil {
				return false, err
			}
		}
		return false, nil
	})
}

// RemoteStateUpdate is the outcome of detecting a plugin's remote-state
// trigger filename fetch (spec §4.4/§4.7 step 3).
type RemoteStateUpdate struct {
	Field string
	Value any
}

// RemoteStateUpdater records the remote_state_sip_username-style field
// when the fetched filename matches the owning plugin's trigger. Callers
// compute the (field, value) pair from the resolved raw_config since
// doing so requires the resolver, which the updater chain does not
// otherwise need.
func RemoteStateUpdater(update *RemoteStateUpdate) Updater {
	return UpdaterFunc(func(ctx context.Context, doc, info document.Document) (bool, error) {
		if update == nil {
			return false, nil
		}
		if doc[update.Field] == update.Value {
			return false, nil
		}
		doc[update.Field] = update.Value
		return true, nil
	})
}

// RunUpdaters applies each updater in order, folding their "changed"
// results; logger is used only for debug tracing.
func RunUpdaters(ctx context.Context, chain []Updater, doc, info document.Document, logger *slog.Logger) (bool, error) {
	changed := false
	for _, u := range chain {
		didChange, err := u.Update(ctx, doc, info)
		if err != nil {
			return changed, err
		}
		changed = changed || didChange
	}
	if logger != nil && changed {
		logger.Debug("identification updated device", "device", doc.ID())
	}
	return changed, nil
}

// Pipeline ties extraction, retrieval and update together for one
// incoming request (spec §4.7).
type Pipeline struct {
	Extractors    []plugin.InfoExtractor
	ExtractPolicy MergePolicy
	Retrievers    []Retriever
	Updaters      []Updater
	Lifecycle     *device.Lifecycle
	Tenant        string
	Logger        *slog.Logger
}

// Handle runs the full pipeline for one request, returning the resolved
// device document.
func (p *Pipeline) Handle(ctx context.Context, req plugin.Request) (document.Document, error) {
	info, err := Extract(ctx, p.Extractors, req, p.ExtractPolicy)
	if err != nil {
		return nil, err
	}

	doc, err := Retrieve(ctx, p.Retrievers, info)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}

	changed, err := RunUpdaters(ctx, p.Updaters, doc, info, p.Logger)
	if err != nil {
		return nil, err
	}
	if changed && p.Lifecycle != nil {
		if err := p.Lifecycle.Update(ctx, doc, p.Tenant); err != nil {
			return nil, err
		}
	}
	return doc, nil
}
