package entity

import (
	"sync"
)

// Repository is a keyed in-memory store of entities with
// last-write-wins-by-timestamp merge semantics. A payload whose uts is not
// strictly newer than the stored one is discarded and the stored entity is
// returned unchanged.
type Repository struct {
	mu      sync.RWMutex
	byKind  map[Kind]map[string]*Entity
}

// NewRepository creates an empty repository.
func NewRepository() *Repository {
	return &Repository{byKind: make(map[Kind]map[string]*Entity)}
}

// GetByID returns the stored entity, or nil when absent.
func (r *Repository) GetByID(kind Kind, id string) *Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byKind[kind][normalizeID(kind, id)]
}

// GetByParentID returns all entities of kind whose parent identifier matches.
func (r *Repository) GetByParentID(kind Kind, parentID string) []*Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Entity
	for _, e := range r.byKind[kind] {
		if e.ParentID() == parentID {
			out = append(out, e)
		}
	}
	return out
}

// InsertOrUpdate stores the payload as an entity of kind. An existing entity
// with the same identifier is overwritten only when the incoming uts is
// strictly greater; otherwise the existing (newer or equal) entity wins.
func (r *Repository) InsertOrUpdate(kind Kind, data map[string]any) (*Entity, error) {
	incoming, err := New(kind, data)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	bucket := r.byKind[kind]
	if bucket == nil {
		bucket = make(map[string]*Entity)
		r.byKind[kind] = bucket
	}
	if existing, ok := bucket[incoming.ID()]; ok && !incoming.FresherThan(existing) {
		return existing, nil
	}
	bucket[incoming.ID()] = incoming
	return incoming, nil
}

// Replace stores the payload unconditionally, bypassing the uts merge. It is
// for local mutations of fields the server does not track yet, such as the
// optimistic session nonce; server payloads go through InsertOrUpdate.
func (r *Repository) Replace(kind Kind, data map[string]any) (*Entity, error) {
	incoming, err := New(kind, data)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	bucket := r.byKind[kind]
	if bucket == nil {
		bucket = make(map[string]*Entity)
		r.byKind[kind] = bucket
	}
	bucket[incoming.ID()] = incoming
	return incoming, nil
}

// Delete removes the entity; removing a missing entity is a no-op.
func (r *Repository) Delete(kind Kind, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byKind[kind], normalizeID(kind, id))
}

func normalizeID(kind Kind, id string) string {
	e := Entity{kind: kind, data: map[string]any{kind.idKey(): id}}
	return e.ID()
}
