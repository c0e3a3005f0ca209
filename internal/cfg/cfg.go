// Package cfg implements config lifecycle and cascade (spec §4.6):
// cfg_insert/cfg_update/cfg_delete, each followed by a deconfigure/
// configure pass over every device whose config is the mutated one or a
// descendant of it, plus cfg_create_new's autocreate factory. Grounded on
// the teacher's internal/infrastructure/routing config-parsing package for
// the "validate before committing" shape and on internal/core/services for
// the orchestrator-with-collaborators shape.
package cfg

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/proformatique/provd/internal/apierr"
	"github.com/proformatique/provd/internal/collection"
	"github.com/proformatique/provd/internal/document"
	"github.com/proformatique/provd/internal/rawconfig"
)

// DeviceReconfigurer is the slice of the device lifecycle the cascade
// needs. Declared locally to avoid an import cycle between cfg and
// device (device does not depend on cfg).
type DeviceReconfigurer interface {
	Reconfigure(ctx context.Context, id string) error
}

// Lifecycle orchestrates config mutations and their device cascades.
type Lifecycle struct {
	configs  collection.Collection
	devices  collection.Collection
	resolver *rawconfig.Resolver
	devLC    DeviceReconfigurer
	logger   *slog.Logger
}

// New builds a config Lifecycle.
func New(configs, devices collection.Collection, resolver *rawconfig.Resolver, devLC DeviceReconfigurer, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{configs: configs, devices: devices, resolver: resolver, devLC: devLC, logger: logger}
}

// Insert validates parent_ids form no cycle, persists the config, then
// cascades (a freshly inserted config's own cascade is normally empty,
// but autocreate-derived configs may already have descendants prepared
// by callers, so the cascade still runs for consistency).
func (l *Lifecycle) Insert(ctx context.Context, doc document.Document) (string, error) {
	if err := l.resolver.ValidateNoCycle(ctx, doc.ID(), doc.GetStringSlice("parent_ids")); err != nil {
		return "", err
	}
	id, err := l.configs.Insert(ctx, doc)
	if err != nil {
		return "", err
	}
	if err := l.cascade(ctx, id); err != nil {
		return id, err
	}
	return id, nil
}

// Update persists doc and cascades to every device reachable from id or
// its descendants.
func (l *Lifecycle) Update(ctx context.Context, doc document.Document) error {
	id := doc.ID()
	if err := l.resolver.ValidateNoCycle(ctx, id, doc.GetStringSlice("parent_ids")); err != nil {
		return err
	}
	if err := l.configs.Update(ctx, doc); err != nil {
		return err
	}
	return l.cascade(ctx, id)
}

// Delete removes the config (refusing a non-deletable one, spec §4.6),
// then cascades — descendants will see their chain lose an ancestor, so
// their resolved raw-config may now be invalid, producing configured=false
// for devices that depended on it.
func (l *Lifecycle) Delete(ctx context.Context, id string) error {
	doc, err := l.configs.Retrieve(ctx, id)
	if err != nil {
		return err
	}
	if doc == nil {
		return apierr.InvalidID(id)
	}
	if !rawconfig.FromDocument(doc).Deletable {
		return apierr.NonDeletable(id)
	}
	if err := l.configs.Delete(ctx, id); err != nil {
		return err
	}
	return l.cascade(ctx, id)
}

// cascade recomputes configuration for every device whose config is id
// or a descendant of id, in deterministic id-sorted order, best-effort:
// a failure on one device does not abort the batch (spec §9 open
// question, "best-effort batch" semantics).
func (l *Lifecycle) cascade(ctx context.Context, id string) error {
	descendants, err := l.resolver.GetDescendants(ctx, id)
	if err != nil {
		return err
	}
	affected := make([]string, 0, len(descendants)+1)
	affected = append(affected, id)
	for d := range descendants {
		affected = append(affected, d)
	}

	anyAny := make([]any, len(affected))
	for i, a := range affected {
		anyAny[i] = a
	}
	devices, err := l.devices.Find(ctx, collection.Selector{"config": collection.In(anyAny...)}, collection.FindOptions{})
	if err != nil {
		return err
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID() < devices[j].ID() })

	var firstErr error
	for _, dev := range devices {
		if err := l.devLC.Reconfigure(ctx, dev.ID()); err != nil {
			l.logger.Error("cascade: failed to reconfigure device", "device", dev.ID(), "config", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// CreateFromAutocreate implements cfg_create_new (spec §4.6): finds the
// config with role=autocreate, strips the role, fills defaults via
// factory, inserts it, and returns its new id.
func (l *Lifecycle) CreateFromAutocreate(ctx context.Context, factory func(document.Document) document.Document) (string, error) {
	template, err := l.configs.FindOne(ctx, collection.Selector{"role": "autocreate"})
	if err != nil {
		return "", err
	}
	if template == nil {
		return "", apierr.New(apierr.CodeInvalidParameter, "no autocreate config configured")
	}
	fresh := template.Clone()
	delete(fresh, "id")
	delete(fresh, "role")
	fresh = factory(fresh)
	return l.Insert(ctx, fresh)
}

// DefaultAutocreateFactory stamps a fresh unique marker onto a config
// derived from the autocreate template (spec §4.6).
func DefaultAutocreateFactory(uniqueID string) func(document.Document) document.Document {
	return func(doc document.Document) document.Document {
		doc["transient"] = true
		doc["label"] = fmt.Sprintf("autocreate-%s", uniqueID)
		return doc
	}
}
