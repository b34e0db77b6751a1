package world

import (
	"github.com/google/uuid"

	"shipyard.ai/internal/sim/claim"
	"shipyard.ai/internal/sim/registry"
	"shipyard.ai/internal/sim/terrain/store"
)

// Claimant is the capability the session needs from a mobile structure.
// Host-specific objects adapt to it; the session never sees them directly.
type Claimant interface {
	ID() uuid.UUID
	Geometry() claim.Geometry
	// Watchers are the observer ids that should receive the claimant's cells.
	Watchers() []string
	// OnTileData reports every tile entity found while rehydrating.
	OnTileData(pos claim.Cell, t store.TileEntity)
	OnClaimRemoved()
}

// RecordClaimant stands in for a claimant known only from its registry
// record, as after a restart.
type RecordClaimant struct {
	Record registry.Record

	Tiles   []store.TileEntity
	Removed bool
}

func NewRecordClaimant(rec registry.Record) *RecordClaimant {
	return &RecordClaimant{Record: rec}
}

func (c *RecordClaimant) ID() uuid.UUID            { return c.Record.ID }
func (c *RecordClaimant) Geometry() claim.Geometry { return c.Record.Claim }
func (c *RecordClaimant) Watchers() []string       { return nil }

func (c *RecordClaimant) OnTileData(_ claim.Cell, t store.TileEntity) {
	c.Tiles = append(c.Tiles, t)
}

func (c *RecordClaimant) OnClaimRemoved() { c.Removed = true }
