// Package regioncache holds the cell data of one claimant's claim.
//
// A Cache is populated eagerly when it is built and splices every cell into
// the shared world store. Construction and Detach mutate that store and
// therefore must run on the coordination loop. Once New has returned, Get
// and GetRelative may be called from any goroutine; writes to the same slot
// must be serialized by the caller.
package regioncache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shipyard.ai/internal/sim/claim"
	"shipyard.ai/internal/sim/terrain/store"
)

var (
	ErrOutOfClaim     = errors.New("coordinate outside claim")
	ErrCellLoad       = errors.New("cell load failed")
	ErrThreadAffinity = errors.New("not on coordination loop")
	ErrCellOwned      = errors.New("cell owned by another claimant")
	ErrDetached       = errors.New("region cache detached")
)

type Mode uint8

const (
	// Fresh generates empty cells; nothing existed at these positions before.
	Fresh Mode = iota
	// Rehydrate loads cells the claimant owned in an earlier session.
	Rehydrate
)

func (m Mode) String() string {
	switch m {
	case Fresh:
		return "fresh"
	case Rehydrate:
		return "rehydrate"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// Store is the part of the shared world store a cache splices into.
type Store interface {
	Cell(pos claim.Cell) (*store.Cell, bool)
	LoadCell(ctx context.Context, pos claim.Cell) (*store.Cell, error)
	StoreCell(pos claim.Cell, c *store.Cell)
	AdoptCell(pos claim.Cell, c *store.Cell)
	NewCell(pos claim.Cell) *store.Cell
}

// Tracker receives ownership changes for the visibility system.
type Tracker interface {
	Assign(pos claim.Cell, owner uuid.UUID, watchers []string)
	Release(pos claim.Cell)
}

type Affinity interface {
	CheckAffinity(ctx context.Context) error
}

// Owner is the claimant a cache is built for.
type Owner interface {
	ID() uuid.UUID
	Watchers() []string
	OnTileData(pos claim.Cell, t store.TileEntity)
}

type Deps struct {
	Store    Store
	Tracker  Tracker
	Affinity Affinity
	Log      *zap.Logger
}

// Warning records a cell that was rebuilt with less than its saved data:
// either an empty cell because none was saved, or the saved blocks without
// their tiles.
type Warning struct {
	Cell claim.Cell
	Err  error
}

func (w Warning) Error() string {
	return fmt.Sprintf("cell %s: %v", w.Cell, w.Err)
}

func (w Warning) Unwrap() error { return w.Err }

type Cache struct {
	geom  claim.Geometry
	owner uuid.UUID
	deps  Deps

	// slots[rx + rz*dim]; never resized after New.
	slots []*store.Cell
	// keep marks slots whose saved copy holds data the slot lacks; they
	// are never scheduled for a save by the cache.
	keep     []bool
	detached atomic.Bool
}

// New builds a fully populated cache over geom. It splices every cell or
// none; ownership of the whole claim is checked before the store is touched.
// A cancelled ctx or a store failure other than a missing cell or unreadable
// tiles fails the build. The owner hears about tile entities only after a
// successful build.
func New(ctx context.Context, geom claim.Geometry, owner Owner, mode Mode, deps Deps) (*Cache, []Warning, error) {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	c := &Cache{
		geom:  geom,
		owner: owner.ID(),
		deps:  deps,
		slots: make([]*store.Cell, geom.Count()),
		keep:  make([]bool, geom.Count()),
	}
	if err := c.checkAffinity(ctx, "build"); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("build region cache for %s: %w", c.owner, err)
	}

	var (
		warnings []Warning
		tiles    []tileNote
	)
	if mode == Rehydrate {
		var err error
		if warnings, tiles, err = c.load(ctx); err != nil {
			return nil, nil, fmt.Errorf("build region cache for %s: %w", c.owner, err)
		}
	} else {
		c.generate()
	}
	if err := c.spliceAll(owner); err != nil {
		return nil, nil, err
	}
	for _, n := range tiles {
		owner.OnTileData(n.pos, n.tile)
	}
	deps.Log.Debug("region cache built",
		zap.Stringer("owner", c.owner),
		zap.Stringer("claim", geom),
		zap.Stringer("mode", mode),
		zap.Int("cells", len(c.slots)),
		zap.Int("warnings", len(warnings)),
	)
	return c, warnings, nil
}

func (c *Cache) Geometry() claim.Geometry { return c.geom }

func (c *Cache) Owner() uuid.UUID { return c.owner }

// Get returns the cached cell at absolute cell coordinates. It never loads.
func (c *Cache) Get(x, z int32) (*store.Cell, error) {
	if !c.geom.ContainsCell(x, z) {
		return nil, fmt.Errorf("%w: cell (%d,%d) not in %s", ErrOutOfClaim, x, z, c.geom)
	}
	rx, rz := c.geom.ToRelative(x, z)
	return c.GetRelative(int(rx), int(rz))
}

func (c *Cache) Set(x, z int32, cell *store.Cell) error {
	if !c.geom.ContainsCell(x, z) {
		return fmt.Errorf("%w: cell (%d,%d) not in %s", ErrOutOfClaim, x, z, c.geom)
	}
	rx, rz := c.geom.ToRelative(x, z)
	return c.SetRelative(int(rx), int(rz), cell)
}

func (c *Cache) GetRelative(rx, rz int) (*store.Cell, error) {
	i, err := c.slot(rx, rz)
	if err != nil {
		return nil, err
	}
	return c.slots[i], nil
}

func (c *Cache) SetRelative(rx, rz int, cell *store.Cell) error {
	i, err := c.slot(rx, rz)
	if err != nil {
		return err
	}
	c.slots[i] = cell
	c.keep[i] = false
	return nil
}

func (c *Cache) slot(rx, rz int) (int, error) {
	if c.detached.Load() {
		return 0, ErrDetached
	}
	d := c.geom.Dimension()
	if rx < 0 || rz < 0 || rx >= d || rz >= d {
		return 0, fmt.Errorf("%w: relative (%d,%d) outside [0,%d)", ErrOutOfClaim, rx, rz, d)
	}
	return rx + rz*d, nil
}

// Detach hands every cell back to the ordinary grid: the owner stamp and
// claimed flag are cleared and the tracker entries released. The cells stay
// in the store. Detaching twice is a no-op.
func (c *Cache) Detach(ctx context.Context) error {
	if err := c.checkAffinity(ctx, "detach"); err != nil {
		return err
	}
	if c.detached.Swap(true) {
		return nil
	}
	c.unsplice()
	c.deps.Log.Debug("region cache detached", zap.Stringer("owner", c.owner), zap.Stringer("claim", c.geom))
	return nil
}

func (c *Cache) Detached() bool { return c.detached.Load() }

func (c *Cache) checkAffinity(ctx context.Context, op string) error {
	if c.deps.Affinity == nil {
		return nil
	}
	if err := c.deps.Affinity.CheckAffinity(ctx); err != nil {
		err = fmt.Errorf("%w: %s region cache for %s: %w", ErrThreadAffinity, op, c.owner, err)
		c.deps.Log.Error("region cache mutation off the coordination loop",
			zap.String("op", op),
			zap.Stringer("owner", c.owner),
			zap.Stringer("claim", c.geom),
			zap.Error(err),
		)
		return err
	}
	return nil
}
