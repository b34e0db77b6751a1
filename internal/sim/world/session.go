package world

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shipyard.ai/internal/sim/claim"
	"shipyard.ai/internal/sim/regioncache"
	"shipyard.ai/internal/sim/registry"
	"shipyard.ai/internal/sim/terrain/store"
)

// MetaStore holds keyed blobs inside the world save.
type MetaStore interface {
	PutMeta(ctx context.Context, key string, value []byte) error
	// GetMeta reports ok=false when the key was never written.
	GetMeta(ctx context.Context, key string) (value []byte, ok bool, err error)
}

type SessionDeps struct {
	Loop     *Loop
	Registry *registry.Registry
	Store    *store.Store
	Tracker  *Tracker
	// Meta may be nil for a world that is never saved.
	Meta MetaStore
	Log  *zap.Logger
	// MaxClaimRadius caps activations; zero means no cap.
	MaxClaimRadius int32
}

// Session ties the registry, the shared store and region caches together
// for one running world.
type Session struct {
	loop    *Loop
	reg     *registry.Registry
	store   *store.Store
	tracker *Tracker
	meta    MetaStore
	log     *zap.Logger
	maxR    int32

	// Loop-confined.
	active map[uuid.UUID]Claimant
}

func NewSession(d SessionDeps) *Session {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Tracker == nil {
		d.Tracker = NewTracker(d.Loop.Tick)
	}
	return &Session{
		loop:    d.Loop,
		reg:     d.Registry,
		store:   d.Store,
		tracker: d.Tracker,
		meta:    d.Meta,
		log:     d.Log,
		maxR:    d.MaxClaimRadius,
		active:  map[uuid.UUID]Claimant{},
	}
}

func (s *Session) Registry() *registry.Registry { return s.reg }
func (s *Session) Tracker() *Tracker            { return s.tracker }

func (s *Session) cacheDeps() regioncache.Deps {
	return regioncache.Deps{
		Store:    s.store,
		Tracker:  s.tracker,
		Affinity: s.loop,
		Log:      s.log,
	}
}

// Activate claims c.Geometry() for c and builds its region cache. Activating
// an already active claimant with the same geometry returns its cache.
func (s *Session) Activate(ctx context.Context, c Claimant, mode regioncache.Mode) (*regioncache.Cache, []regioncache.Warning, error) {
	id := c.ID()
	g := c.Geometry()
	if err := s.checkRadius(g); err != nil {
		return nil, nil, err
	}
	s.reg.CreateOrGet(id)
	if err := s.reg.CheckClaim(id, g); err != nil {
		return nil, nil, err
	}

	var (
		cache    *regioncache.Cache
		warnings []regioncache.Warning
	)
	err := s.loop.Do(ctx, func(ctx context.Context) error {
		var err error
		cache, warnings, err = s.activateOnLoop(ctx, c, g, mode)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return cache, warnings, nil
}

func (s *Session) checkRadius(g claim.Geometry) error {
	if s.maxR > 0 && g.Radius() > s.maxR {
		return fmt.Errorf("%w: radius %d exceeds max %d", claim.ErrInvalidGeometry, g.Radius(), s.maxR)
	}
	return nil
}

func (s *Session) activateOnLoop(ctx context.Context, c Claimant, g claim.Geometry, mode regioncache.Mode) (*regioncache.Cache, []regioncache.Warning, error) {
	id := c.ID()
	if existing, ok := s.cacheOf(id); ok {
		if existing.Geometry() == g {
			return existing, nil, nil
		}
		return nil, nil, fmt.Errorf("activate %s: active over %s: %w", id, existing.Geometry(), registry.ErrCacheAttached)
	}

	cache, warnings, err := regioncache.New(ctx, g, c, mode, s.cacheDeps())
	if err != nil {
		return nil, nil, fmt.Errorf("activate %s: %w", id, err)
	}
	if err := s.reg.InsertClaim(id, g); err != nil {
		// Lost a race with a concurrent claim after CheckClaim.
		s.discard(ctx, cache)
		return nil, nil, err
	}
	if err := s.reg.AttachCache(id, cache); err != nil {
		s.discard(ctx, cache)
		s.reg.ReleaseClaim(id)
		return nil, nil, err
	}
	s.active[id] = c
	s.log.Info("claimant activated",
		zap.Stringer("id", id),
		zap.Stringer("claim", g),
		zap.Stringer("mode", mode),
		zap.Int("warnings", len(warnings)),
	)
	return cache, warnings, nil
}

func (s *Session) discard(ctx context.Context, cache *regioncache.Cache) {
	if err := cache.Detach(ctx); err != nil {
		s.log.Error("detach discarded region cache", zap.Stringer("owner", cache.Owner()), zap.Error(err))
	}
}

// Cache returns the region cache published for id, if any.
func (s *Session) Cache(id uuid.UUID) (*regioncache.Cache, bool) {
	return s.cacheOf(id)
}

func (s *Session) cacheOf(id uuid.UUID) (*regioncache.Cache, bool) {
	c, ok := s.reg.CacheFor(id)
	if !ok {
		return nil, false
	}
	rc, ok := c.(*regioncache.Cache)
	return rc, ok
}

// Remove detaches id's cache, tells the claimant, and drops its record.
// It reports whether a record existed.
func (s *Session) Remove(ctx context.Context, id uuid.UUID) (bool, error) {
	var existed bool
	err := s.loop.Do(ctx, func(ctx context.Context) error {
		if cache, ok := s.cacheOf(id); ok {
			if err := cache.Detach(ctx); err != nil {
				return err
			}
		}
		if c := s.active[id]; c != nil {
			delete(s.active, id)
			c.OnClaimRemoved()
		}
		existed = s.reg.Remove(id)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("remove %s: %w", id, err)
	}
	if existed {
		s.log.Info("claimant removed", zap.Stringer("id", id))
	}
	return existed, nil
}

// Recenter moves c's claim to g with a fresh cache. Moving block data
// between the old and new cells is up to the caller. If the new claim cannot
// be built, the old one is rehydrated from the store.
func (s *Session) Recenter(ctx context.Context, c Claimant, g claim.Geometry) (*regioncache.Cache, error) {
	id := c.ID()
	if err := s.checkRadius(g); err != nil {
		return nil, err
	}
	s.reg.CreateOrGet(id)
	if err := s.reg.CheckClaim(id, g); err != nil {
		return nil, err
	}
	var cache *regioncache.Cache
	err := s.loop.Do(ctx, func(ctx context.Context) error {
		old, hadOld := s.cacheOf(id)
		if hadOld {
			if err := old.Detach(ctx); err != nil {
				return err
			}
		}
		s.reg.ReleaseClaim(id)
		delete(s.active, id)

		var err error
		cache, _, err = s.activateOnLoop(ctx, c, g, regioncache.Fresh)
		if err == nil || !hadOld {
			return err
		}
		if _, _, rerr := s.activateOnLoop(ctx, c, old.Geometry(), regioncache.Rehydrate); rerr != nil {
			return errors.Join(err, fmt.Errorf("restore previous claim: %w", rerr))
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("recenter %s: %w", id, err)
	}
	return cache, nil
}

func (s *Session) Locate(x, z int32) (uuid.UUID, bool) {
	return s.reg.LocateOwner(x, z)
}

// BlockAt reads the block at world (x, z) on the loop. Claimed cells answer
// from their region cache; anywhere else the cell is loaded, or generated
// and kept for the next save.
func (s *Session) BlockAt(ctx context.Context, x, z int32) (uint16, error) {
	var b uint16
	err := s.loop.Do(ctx, func(ctx context.Context) error {
		var err error
		b, err = s.store.GetBlock(ctx, x, z)
		return err
	})
	if err != nil {
		return store.Air, fmt.Errorf("block at %d,%d: %w", x, z, err)
	}
	return b, nil
}

// Save writes the registry blob under registry.SnapshotKey and flushes
// unsaved cells. It returns the number of cells written.
func (s *Session) Save(ctx context.Context) (int, error) {
	if s.meta == nil {
		return 0, nil
	}
	start := time.Now()
	var cells int
	err := s.loop.Do(ctx, func(ctx context.Context) error {
		blob, err := s.reg.Serialize()
		if err != nil {
			return err
		}
		if err := s.meta.PutMeta(ctx, registry.SnapshotKey, blob); err != nil {
			return fmt.Errorf("put %s: %w", registry.SnapshotKey, err)
		}
		cells, err = s.store.Flush(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("save: %w", err)
	}
	s.log.Info("world saved",
		zap.Int("claimants", s.reg.Len()),
		zap.Int("cells", cells),
		zap.Duration("took", time.Since(start)),
	)
	return cells, nil
}

// Restore replaces the registry with the saved blob. A missing blob leaves
// an empty registry. A corrupt blob also leaves an empty registry and the
// decode error is returned so the host can run degraded.
func (s *Session) Restore(ctx context.Context) error {
	if s.meta == nil {
		return nil
	}
	return s.loop.Do(ctx, func(ctx context.Context) error {
		if len(s.active) > 0 {
			return fmt.Errorf("restore: %d claimants already active", len(s.active))
		}
		blob, ok, err := s.meta.GetMeta(ctx, registry.SnapshotKey)
		if err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		if !ok {
			s.log.Info("no registry snapshot; starting empty")
			return s.reg.Deserialize(nil)
		}
		return s.reg.Deserialize(blob)
	})
}

// RehydrateAll rebuilds a Rehydrate cache for every claimed record that is
// not active yet. Records that fail are logged and skipped; their errors are
// joined into the result. It stops early once ctx ends.
func (s *Session) RehydrateAll(ctx context.Context) (int, []regioncache.Warning, error) {
	var (
		n        int
		warnings []regioncache.Warning
		errs     []error
	)
	for _, rec := range s.reg.All() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("rehydrate: %w", err))
			break
		}
		if !rec.Claimed {
			continue
		}
		if _, ok := s.cacheOf(rec.ID); ok {
			continue
		}
		_, w, err := s.Activate(ctx, NewRecordClaimant(rec), regioncache.Rehydrate)
		if err != nil {
			s.log.Warn("rehydrate claimant", zap.Stringer("id", rec.ID), zap.Stringer("claim", rec.Claim), zap.Error(err))
			errs = append(errs, fmt.Errorf("rehydrate %s: %w", rec.ID, err))
			continue
		}
		n++
		warnings = append(warnings, w...)
	}
	s.log.Info("claimants rehydrated", zap.Int("count", n), zap.Int("warnings", len(warnings)), zap.Int("failed", len(errs)))
	return n, warnings, errors.Join(errs...)
}
