// Package store is the shared world store: every loaded cell, claimed or
// not, indexed by position. It is not synchronized; callers must confine it
// to the coordination loop goroutine.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"shipyard.ai/internal/sim/claim"
)

var (
	ErrCellNotFound = errors.New("cell not found")
	ErrTileData     = errors.New("tile data unreadable")
)

// Backend is durable storage behind the in-memory index.
type Backend interface {
	// LoadCell returns ErrCellNotFound when the cell was never saved.
	LoadCell(ctx context.Context, pos claim.Cell) (*Cell, error)
	// SaveCells must leave the stored tiles of a cell with TilesLost set
	// untouched.
	SaveCells(ctx context.Context, cells []*Cell) error
}

type Params struct {
	Seed int64

	BiomeRegionSize             int
	SpawnClearRadius            int
	OreClusterProbScalePermille int
	SprinkleStonePermille       int
	SprinkleDirtPermille        int
}

type Store struct {
	terrain *terrain
	backend Backend

	// Accessed only from the coordination loop goroutine.
	cells map[claim.Cell]*Cell
}

// New returns an empty store. backend may be nil for a memory-only world.
func New(params Params, backend Backend) *Store {
	return &Store{
		terrain: newTerrain(params),
		backend: backend,
		cells:   map[claim.Cell]*Cell{},
	}
}

// NewCell returns an all-air cell that is not yet registered anywhere.
func (s *Store) NewCell(pos claim.Cell) *Cell {
	return newCell(pos)
}

// LoadCell returns the cell registered at pos, reading it from the backend
// on a miss.
//
// When only the tile data is unreadable the cell is registered without its
// tiles and returned together with an error wrapping ErrTileData.
func (s *Store) LoadCell(ctx context.Context, pos claim.Cell) (*Cell, error) {
	if c, ok := s.cells[pos]; ok {
		return c, nil
	}
	if s.backend == nil {
		return nil, fmt.Errorf("load cell %s: %w", pos, ErrCellNotFound)
	}
	c, err := s.backend.LoadCell(ctx, pos)
	var tileErr error
	if err != nil {
		if c == nil || !errors.Is(err, ErrTileData) {
			return nil, fmt.Errorf("load cell %s: %w", pos, err)
		}
		c.Tiles = nil
		c.tilesLost = true
		tileErr = fmt.Errorf("load cell %s: %w", pos, err)
	}
	if len(c.Blocks) != cellArea {
		return nil, fmt.Errorf("load cell %s: blocks length %d want %d", pos, len(c.Blocks), cellArea)
	}
	c.Pos = pos
	c.rehash = true
	s.cells[pos] = c
	return c, tileErr
}

// StoreCell registers c at pos, replacing whatever was there.
func (s *Store) StoreCell(pos claim.Cell, c *Cell) {
	c.Pos = pos
	c.unsaved = true
	s.cells[pos] = c
}

// AdoptCell registers c at pos without scheduling it for the next Flush.
// It is for cells whose durable copy holds data c lacks.
func (s *Store) AdoptCell(pos claim.Cell, c *Cell) {
	c.Pos = pos
	s.cells[pos] = c
}

// Cell returns the in-memory cell at pos without touching the backend.
func (s *Store) Cell(pos claim.Cell) (*Cell, bool) {
	c, ok := s.cells[pos]
	return c, ok
}

// GetOrGenCell loads the cell at pos, generating ordinary terrain if it has
// never existed. A cell whose tiles could not be read is returned with its
// blocks.
func (s *Store) GetOrGenCell(ctx context.Context, pos claim.Cell) (*Cell, error) {
	c, err := s.LoadCell(ctx, pos)
	if err == nil || (c != nil && errors.Is(err, ErrTileData)) {
		return c, nil
	}
	if !errors.Is(err, ErrCellNotFound) {
		return nil, err
	}
	c = newCell(pos)
	s.terrain.fill(c)
	c.Flags |= FlagPopulated
	_ = c.Digest()
	s.StoreCell(pos, c)
	return c, nil
}

// GetBlock reads one block by world coordinates, loading or generating its
// cell as needed.
func (s *Store) GetBlock(ctx context.Context, worldX, worldZ int32) (uint16, error) {
	c, err := s.GetOrGenCell(ctx, claim.CellOf(worldX, worldZ))
	if err != nil {
		return Air, err
	}
	return c.Get(claim.LocalOf(worldX, worldZ)), nil
}

func (s *Store) SetBlock(ctx context.Context, worldX, worldZ int32, b uint16) error {
	c, err := s.GetOrGenCell(ctx, claim.CellOf(worldX, worldZ))
	if err != nil {
		return err
	}
	lx, lz := claim.LocalOf(worldX, worldZ)
	c.Set(lx, lz, b)
	return nil
}

func (s *Store) Len() int {
	return len(s.cells)
}

func (s *Store) LoadedCellKeys() []claim.Cell {
	keys := make([]claim.Cell, 0, len(s.cells))
	for k := range s.cells {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].X != keys[j].X {
			return keys[i].X < keys[j].X
		}
		return keys[i].Z < keys[j].Z
	})
	return keys
}

// Flush writes every unsaved cell to the backend and returns how many were written.
func (s *Store) Flush(ctx context.Context) (int, error) {
	if s.backend == nil {
		return 0, nil
	}
	var pending []*Cell
	for _, k := range s.LoadedCellKeys() {
		if c := s.cells[k]; c.unsaved {
			pending = append(pending, c)
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}
	if err := s.backend.SaveCells(ctx, pending); err != nil {
		return 0, fmt.Errorf("flush %d cells: %w", len(pending), err)
	}
	for _, c := range pending {
		c.unsaved = false
	}
	return len(pending), nil
}
