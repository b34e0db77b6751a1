package regioncache

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shipyard.ai/internal/sim/claim"
	"shipyard.ai/internal/sim/terrain/store"
)

type tileNote struct {
	pos  claim.Cell
	tile store.TileEntity
}

// load fills every slot from the store. A cell that was never saved becomes
// an empty one, and a cell whose tiles are unreadable keeps its blocks; both
// are reported as warnings. Any other failure, a cancelled ctx included,
// aborts the build. Tile entities are returned for delivery once the cells
// have been spliced.
func (c *Cache) load(ctx context.Context) ([]Warning, []tileNote, error) {
	var (
		warnings []Warning
		tiles    []tileNote
	)
	i := 0
	for pos := range c.geom.Cells() {
		if err := ctx.Err(); err != nil {
			return nil, nil, fmt.Errorf("rehydrate %s: %w", pos, err)
		}
		cell, err := c.deps.Store.LoadCell(ctx, pos)
		switch {
		case err == nil:
		case cell != nil && errors.Is(err, store.ErrTileData):
			// The saved tiles are still in the backend; never flush over them.
			c.keep[i] = true
		case errors.Is(err, store.ErrCellNotFound):
			cell = c.deps.Store.NewCell(pos)
		default:
			return nil, nil, fmt.Errorf("rehydrate %s: %w", pos, err)
		}
		if err != nil {
			warnings = append(warnings, Warning{Cell: pos, Err: fmt.Errorf("%w: %w", ErrCellLoad, err)})
			c.deps.Log.Warn("rehydrate: cell degraded",
				zap.Stringer("owner", c.owner),
				zap.Stringer("cell", pos),
				zap.Bool("blocks_kept", c.keep[i]),
				zap.Error(err),
			)
		}
		for _, k := range tileKeys(cell.Tiles) {
			tiles = append(tiles, tileNote{pos: pos, tile: cell.Tiles[k]})
		}
		c.slots[i] = cell
		i++
	}
	return warnings, tiles, nil
}

func (c *Cache) generate() {
	i := 0
	for pos := range c.geom.Cells() {
		c.slots[i] = c.deps.Store.NewCell(pos)
		i++
	}
}

// spliceAll registers every slot in the store and the tracker. Ownership is
// checked for the whole claim before anything is mutated.
func (c *Cache) spliceAll(owner Owner) error {
	for i, cell := range c.slots {
		pos := c.posOf(i)
		if foreignOwner(cell, c.owner) {
			return fmt.Errorf("%w: %s held by %s", ErrCellOwned, pos, cell.Owner)
		}
		if prev, ok := c.deps.Store.Cell(pos); ok && foreignOwner(prev, c.owner) {
			return fmt.Errorf("%w: %s held by %s", ErrCellOwned, pos, prev.Owner)
		}
	}
	watchers := owner.Watchers()
	for i, cell := range c.slots {
		pos := c.posOf(i)
		cell.Flags |= store.FlagPopulated | store.FlagLit | store.FlagClaimed
		cell.Owner = c.owner
		if c.keep[i] {
			c.deps.Store.AdoptCell(pos, cell)
		} else {
			c.deps.Store.StoreCell(pos, cell)
		}
		if c.deps.Tracker != nil {
			c.deps.Tracker.Assign(pos, c.owner, watchers)
		}
	}
	return nil
}

// unsplice returns every slot to the ordinary grid. The release is saved
// even for tile-lost cells; those are written without their tiles.
func (c *Cache) unsplice() {
	for i, cell := range c.slots {
		pos := c.posOf(i)
		if cell != nil && cell.Owner == c.owner {
			cell.Owner = uuid.Nil
			cell.Flags &^= store.FlagClaimed
			cell.MarkUnsaved()
		}
		if c.deps.Tracker != nil {
			c.deps.Tracker.Release(pos)
		}
	}
}

func (c *Cache) posOf(i int) claim.Cell {
	d := c.geom.Dimension()
	x, z := c.geom.ToAbsolute(int32(i%d), int32(i/d))
	return claim.Cell{X: x, Z: z}
}

func foreignOwner(cell *store.Cell, owner uuid.UUID) bool {
	return cell.Has(store.FlagClaimed) && cell.Owner != uuid.Nil && cell.Owner != owner
}

func tileKeys(tiles map[int]store.TileEntity) []int {
	if len(tiles) == 0 {
		return nil
	}
	keys := make([]int, 0, len(tiles))
	for k := range tiles {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
