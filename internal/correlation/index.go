// Package correlation keeps the entity id to pending job mapping used to find
// reminders without scanning the delayed queue.
//
// The index is a cache. The queue is the source of truth and Reset reloads
// one entity's entries from it.
package correlation

import (
	"sync"

	"ms-reminders/internal/models"
)

// Index maps entity ids to their pending jobs by reminder kind
type Index struct {
	mu      sync.RWMutex
	entries map[string]map[models.ReminderKind]models.JobRef

	locks *keyedMutex
}

func NewIndex() *Index {
	return &Index{
		entries: make(map[string]map[models.ReminderKind]models.JobRef),
		locks:   newKeyedMutex(),
	}
}

// Lock serializes mutations for one entity. The returned func releases it.
func (x *Index) Lock(entityID string) func() {
	return x.locks.lock(entityID)
}

// Put records ref as the pending job for its (entity, kind) pair and returns
// the ref it replaced, if any
func (x *Index) Put(ref models.JobRef) (models.JobRef, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	byKind, ok := x.entries[ref.EntityID]
	if !ok {
		byKind = make(map[models.ReminderKind]models.JobRef, len(models.ReminderKinds))
		x.entries[ref.EntityID] = byKind
	}
	prev, had := byKind[ref.Kind]
	byKind[ref.Kind] = ref
	return prev, had
}

// Get returns the indexed job for an (entity, kind) pair
func (x *Index) Get(entityID string, kind models.ReminderKind) (models.JobRef, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ref, ok := x.entries[entityID][kind]
	return ref, ok
}

// Jobs returns a copy of all indexed jobs for an entity
func (x *Index) Jobs(entityID string) []models.JobRef {
	x.mu.RLock()
	defer x.mu.RUnlock()

	byKind := x.entries[entityID]
	refs := make([]models.JobRef, 0, len(byKind))
	for _, kind := range models.ReminderKinds {
		if ref, ok := byKind[kind]; ok {
			refs = append(refs, ref)
		}
	}
	return refs
}

// Remove drops the entry for ref if it still points at the same job
func (x *Index) Remove(ref models.JobRef) {
	x.mu.Lock()
	defer x.mu.Unlock()

	byKind, ok := x.entries[ref.EntityID]
	if !ok {
		return
	}
	if cur, ok := byKind[ref.Kind]; ok && cur.JobID == ref.JobID {
		delete(byKind, ref.Kind)
	}
	if len(byKind) == 0 {
		delete(x.entries, ref.EntityID)
	}
}

// Forget drops every entry of an entity
func (x *Index) Forget(entityID string) {
	x.mu.Lock()
	delete(x.entries, entityID)
	x.mu.Unlock()
}

// Len returns the number of indexed entities
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// Entities returns the ids of every indexed entity
func (x *Index) Entities() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	ids := make([]string, 0, len(x.entries))
	for id := range x.entries {
		ids = append(ids, id)
	}
	return ids
}

// Reset replaces one entity's entries with the given pending jobs. Callers
// hold the entity lock. When jobs hold more than one job for a kind, the
// latest fire time wins.
func (x *Index) Reset(entityID string, jobs []models.ReminderJob) {
	byKind := make(map[models.ReminderKind]models.JobRef, len(models.ReminderKinds))
	latest := make(map[models.ReminderKind]models.ReminderJob, len(models.ReminderKinds))
	for _, job := range jobs {
		if job.EntityID != entityID {
			continue
		}
		if prev, ok := latest[job.Kind]; ok && prev.FireAt.After(job.FireAt) {
			continue
		}
		latest[job.Kind] = job
		byKind[job.Kind] = job.Ref()
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if len(byKind) == 0 {
		delete(x.entries, entityID)
		return
	}
	x.entries[entityID] = byKind
}
