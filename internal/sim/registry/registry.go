// Package registry indexes claimant records by identity, by name, and by
// every cell their claims cover.
//
// All methods are safe for concurrent use. Index updates for one operation
// happen under a single write lock, so readers observe either none or all of
// a claim's cells.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shipyard.ai/internal/sim/claim"
)

type entry struct {
	rec   Record
	cache Cache
}

type indexes struct {
	byID   map[uuid.UUID]*entry
	byName map[string]uuid.UUID
	byCell map[claim.Cell]uuid.UUID
}

func newIndexes() indexes {
	return indexes{
		byID:   map[uuid.UUID]*entry{},
		byName: map[string]uuid.UUID{},
		byCell: map[claim.Cell]uuid.UUID{},
	}
}

// conflict returns the first cell of g owned by someone other than id.
func (ix *indexes) conflict(id uuid.UUID, g claim.Geometry) error {
	for c := range g.Cells() {
		if owner, ok := ix.byCell[c]; ok && owner != id {
			return &ConflictError{Cell: c, Owner: owner}
		}
	}
	return nil
}

type Registry struct {
	log *zap.Logger

	mu sync.RWMutex
	indexes
}

func New(log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		log:     log,
		indexes: newIndexes(),
	}
}

// CreateOrGet returns the record for id, creating an unclaimed one with a
// generated unique name if none exists. Concurrent callers with the same id
// all observe the same record.
func (r *Registry) CreateOrGet(id uuid.UUID) Record {
	r.mu.RLock()
	if e := r.byID[id]; e != nil {
		rec := e.rec.clone()
		r.mu.RUnlock()
		return rec
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createLocked(id).rec.clone()
}

func (r *Registry) createLocked(id uuid.UUID) *entry {
	if e := r.byID[id]; e != nil {
		return e
	}
	name := r.uniqueNameLocked(id)
	e := &entry{rec: Record{ID: id, Name: name}}
	r.byID[id] = e
	r.byName[name] = id
	return e
}

func (r *Registry) uniqueNameLocked(id uuid.UUID) string {
	name := defaultName(id)
	if _, taken := r.byName[name]; !taken {
		return name
	}
	name = id.String()
	for n := 2; ; n++ {
		if _, taken := r.byName[name]; !taken {
			return name
		}
		name = fmt.Sprintf("%s-%d", id.String(), n)
	}
}

func (r *Registry) GetByIdentity(id uuid.UUID) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e := r.byID[id]
	if e == nil {
		return Record{}, false
	}
	return e.rec.clone(), true
}

func (r *Registry) GetByName(name string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return Record{}, false
	}
	return r.byID[id].rec.clone(), true
}

func (r *Registry) GetByCell(x, z int32) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byCell[claim.Cell{X: x, Z: z}]
	if !ok {
		return Record{}, false
	}
	return r.byID[id].rec.clone(), true
}

// LocateOwner answers "which claimant owns cell (x,z)" without copying the record.
func (r *Registry) LocateOwner(x, z int32) (uuid.UUID, bool) {
	r.mu.RLock()
	id, ok := r.byCell[claim.Cell{X: x, Z: z}]
	r.mu.RUnlock()
	return id, ok
}

// LocateOwnerAtPoint is LocateOwner for a fine-grained world coordinate.
func (r *Registry) LocateOwnerAtPoint(worldX, worldZ int32) (uuid.UUID, bool) {
	c := claim.CellOf(worldX, worldZ)
	return r.LocateOwner(c.X, c.Z)
}

// Rename gives the record newName if no other record holds it. Renaming a
// record to its current name succeeds without change.
func (r *Registry) Rename(id uuid.UUID, newName string) bool {
	if newName == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.byID[id]
	if e == nil {
		return false
	}
	if holder, taken := r.byName[newName]; taken {
		return holder == id
	}
	delete(r.byName, e.rec.Name)
	rec := e.rec
	rec.Name = newName
	e.rec = rec
	r.byName[newName] = id
	return true
}

// CheckClaim reports the conflict InsertClaim would hit, without mutating anything.
func (r *Registry) CheckClaim(id uuid.UUID, g claim.Geometry) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conflict(id, g)
}

// InsertClaim makes g the record's claim. Either every cell of g is indexed
// to id or nothing changes. Cells the record already owns do not conflict.
func (r *Registry) InsertClaim(id uuid.UUID, g claim.Geometry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.byID[id]
	if e == nil {
		return fmt.Errorf("insert claim %s: %w", id, ErrNotFound)
	}
	if err := r.conflict(id, g); err != nil {
		return err
	}
	if e.cache != nil && e.cache.Geometry() != g {
		return fmt.Errorf("insert claim %s: %w", id, ErrCacheAttached)
	}
	if e.rec.Claimed {
		for c := range e.rec.Claim.Cells() {
			delete(r.byCell, c)
		}
	}
	for c := range g.Cells() {
		r.byCell[c] = id
	}
	rec := e.rec
	rec.Claim = g
	rec.Claimed = true
	e.rec = rec
	return nil
}

// ReleaseClaim drops the record's claim and any attached cache, returning the cache.
func (r *Registry) ReleaseClaim(id uuid.UUID) (Cache, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.byID[id]
	if e == nil {
		return nil, false
	}
	r.releaseLocked(e)
	cache := e.cache
	e.cache = nil
	return cache, cache != nil
}

func (r *Registry) releaseLocked(e *entry) {
	if !e.rec.Claimed {
		return
	}
	for c := range e.rec.Claim.Cells() {
		if r.byCell[c] == e.rec.ID {
			delete(r.byCell, c)
		}
	}
	rec := e.rec
	rec.Claim = claim.Geometry{}
	rec.Claimed = false
	e.rec = rec
}

// AttachCache publishes a fully built cache for the record. The cache must
// cover exactly the record's current claim.
func (r *Registry) AttachCache(id uuid.UUID, c Cache) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.byID[id]
	if e == nil {
		return fmt.Errorf("attach cache %s: %w", id, ErrNotFound)
	}
	if !e.rec.Claimed || e.rec.Claim != c.Geometry() {
		return fmt.Errorf("attach cache %s: cache covers %s: %w", id, c.Geometry(), ErrCacheAttached)
	}
	e.cache = c
	return nil
}

func (r *Registry) CacheFor(id uuid.UUID) (Cache, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e := r.byID[id]
	if e == nil || e.cache == nil {
		return nil, false
	}
	return e.cache, true
}

// UpdatePosition replaces the record's position metadata, creating the record if needed.
func (r *Registry) UpdatePosition(id uuid.UUID, p PositionData) Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.createLocked(id)
	rec := e.rec
	rec.Position = &p
	e.rec = rec
	return rec.clone()
}

// Remove deletes the record from every index. It reports whether a record existed.
func (r *Registry) Remove(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.byID[id]
	if e == nil {
		return false
	}
	r.releaseLocked(e)
	delete(r.byName, e.rec.Name)
	delete(r.byID, id)
	return true
}

// All returns a snapshot of every record ordered by identity.
func (r *Registry) All() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e.rec.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// ClaimedCells is the size of the cell index.
func (r *Registry) ClaimedCells() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byCell)
}
