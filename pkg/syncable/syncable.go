// Package syncable replaces the dynamic ORM-model discovery the original
// implementation performs at Django app-load time with an explicit,
// process-wide registry: a host application registers one Descriptor per
// syncable model, per profile, and this package keeps them in the
// dependency order pkg/serialize's deserializer must walk them in.
package syncable

import (
	"context"

	"github.com/zeebo/errs"
)

// Error is the error class for the syncable package.
var Error = errs.Class("syncable")

// Instance is one row of a syncable model, as loaded into or read back
// from the host application's own storage. Morango never looks inside
// Fields beyond what Serialize/Deserialize expose: the host model owns
// its schema, validation, and persistence.
type Instance interface {
	// Serialize returns every field that should be persisted into the
	// Store row's JSON payload, keyed by field name.
	Serialize() (map[string]any, error)

	// Deserialize populates the instance's fields from a previously
	// serialized payload. Called on a zero-value instance.
	Deserialize(fields map[string]any) error

	// Validate runs the host application's field/FK validation. A
	// non-nil error here triggers the deserializer's FK-probing fallback.
	Validate(ctx context.Context) error

	// ForeignKeys returns this instance's foreign key field names mapped
	// to the Store id they reference, so the deserializer can check
	// whether a validation failure is explained by a deleted parent.
	ForeignKeys() map[string]string

	// SelfReferentialFK returns the Store id of this instance's
	// self-referential parent, or "" if it has none or is a root.
	SelfReferentialFK() string

	// Save persists the instance. hardDeleted indicates the app model
	// should be fully purged rather than soft-deleted, when deleted is
	// also true.
	Save(ctx context.Context, deleted, hardDeleted bool) error
}

// Descriptor describes one syncable model within one profile: how to
// construct a blank Instance for deserialization, and which other models
// (by name) it depends on.
type Descriptor struct {
	Profile      string
	ModelName    string
	Dependencies []string
	New          func() Instance
}

// Registry holds the syncable Descriptors for every profile, keeping each
// profile's models in dependency order: a model is always inserted
// immediately after the last of its dependencies already present, or at
// the front if it has none, exactly as the original's
// `_insert_model_in_dependency_order` does.
type Registry struct {
	order map[string][]string          // profile -> model names, in dependency order
	descs map[string]map[string]Descriptor // profile -> model name -> descriptor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		order: map[string][]string{},
		descs: map[string]map[string]Descriptor{},
	}
}

// Register adds a Descriptor, positioning it after its last already-
// registered dependency. Dependencies must be registered before the
// models that depend on them, or they are silently skipped when ordering
// (the host application is expected to register in a sensible order;
// mirroring the original, which relies on apps being walked in an order
// Django itself guarantees via its own app registry).
func (r *Registry) Register(d Descriptor) error {
	if d.ModelName == "" {
		return Error.New("descriptor must name a model")
	}
	if r.descs[d.Profile] == nil {
		r.descs[d.Profile] = map[string]Descriptor{}
	}
	if _, exists := r.descs[d.Profile][d.ModelName]; exists {
		return Error.New("model %q already registered for profile %q", d.ModelName, d.Profile)
	}
	r.descs[d.Profile][d.ModelName] = d

	order := r.order[d.Profile]
	insertAfter := -1
	for _, dep := range d.Dependencies {
		for i, existing := range order {
			if existing == dep && i > insertAfter {
				insertAfter = i
			}
		}
	}
	pos := insertAfter + 1
	order = append(order, "")
	copy(order[pos+1:], order[pos:])
	order[pos] = d.ModelName
	r.order[d.Profile] = order

	return nil
}

// Get returns the Descriptor for a profile/model pair.
func (r *Registry) Get(profile, modelName string) (Descriptor, bool) {
	d, ok := r.descs[profile][modelName]
	return d, ok
}

// ModelsInDependencyOrder returns every model name registered for a
// profile, dependencies first.
func (r *Registry) ModelsInDependencyOrder(profile string) []string {
	order := r.order[profile]
	out := make([]string, len(order))
	copy(out, order)
	return out
}
