// Package registry tracks which legacy records have already been recreated
// on the target site, keyed by entity kind and legacy numeric identifier.
package registry

import (
	"errors"
	"fmt"
)

// Sentinel errors for registry lookups. Check with errors.Is.
var (
	// ErrDuplicateRegistration indicates the same (kind, legacy id) pair was
	// registered twice. Entries are never overwritten, so this is a logic bug.
	ErrDuplicateRegistration = errors.New("duplicate registration")

	// ErrUnknownReference indicates a lookup for a (kind, legacy id) pair that
	// has not been registered. Legacy content is allowed to contain dangling
	// references, so callers decide whether this is fatal.
	ErrUnknownReference = errors.New("unknown reference")
)

// Kind names a class of legacy identifiers. Node and term identifiers come
// from separate sequences in the legacy database, so they get separate
// namespaces here.
type Kind string

const (
	KindNode Kind = "node"
	KindTerm Kind = "term"
	KindUser Kind = "user"
)

// Ref points at an entity that exists on the target site.
type Ref struct {
	// Type is the target entity type tag, e.g. "node--page".
	Type string
	// ID is the target site's opaque identifier (a UUID).
	ID string
	// InternalID is the target site's stable numeric identifier, used when
	// rewriting internal links. Zero when the target entity has none we care
	// about (users, files).
	InternalID int64
}

type key struct {
	kind Kind
	id   int64
}

// Registry is the single-owner mapping from legacy identifiers to target
// entities, threaded explicitly through every component of a run. It is not
// safe for concurrent use; the migration is fully sequential.
type Registry struct {
	refs map[key]Ref
}

func New() *Registry {
	return &Registry{refs: make(map[key]Ref)}
}

// Register records the target entity created for a legacy identifier.
// Entries are write-once: registering an existing key fails with
// ErrDuplicateRegistration.
func (r *Registry) Register(kind Kind, legacyID int64, ref Ref) error {
	k := key{kind, legacyID}
	if _, ok := r.refs[k]; ok {
		return fmt.Errorf("%s %d: %w", kind, legacyID, ErrDuplicateRegistration)
	}
	r.refs[k] = ref
	return nil
}

// Resolve returns the target entity created for a legacy identifier, or
// ErrUnknownReference if none has been registered.
func (r *Registry) Resolve(kind Kind, legacyID int64) (Ref, error) {
	ref, ok := r.refs[key{kind, legacyID}]
	if !ok {
		return Ref{}, fmt.Errorf("%s %d: %w", kind, legacyID, ErrUnknownReference)
	}
	return ref, nil
}

// Has reports whether a legacy identifier has been registered.
func (r *Registry) Has(kind Kind, legacyID int64) bool {
	_, ok := r.refs[key{kind, legacyID}]
	return ok
}

// Len returns the number of registered entries.
func (r *Registry) Len() int {
	return len(r.refs)
}

// Walk calls fn for every registered entry of the given kind, in no
// particular order.
func (r *Registry) Walk(kind Kind, fn func(legacyID int64, ref Ref)) {
	for k, ref := range r.refs {
		if k.kind == kind {
			fn(k.id, ref)
		}
	}
}
