package registry

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"shipyard.ai/internal/sim/claim"
)

var (
	ErrNotFound        = errors.New("claimant not found")
	ErrClaimConflict   = errors.New("claim conflict")
	ErrCacheAttached   = errors.New("region cache attached for a different geometry")
	ErrDeserialization = errors.New("registry deserialization failed")
)

// ConflictError names the first cell that was already owned by another claimant.
type ConflictError struct {
	Cell  claim.Cell
	Owner uuid.UUID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("claim conflict: cell %s already owned by %s", e.Cell, e.Owner)
}

func (e *ConflictError) Unwrap() error { return ErrClaimConflict }

// PositionData is the metadata the physics collaborator reports for a claimant.
type PositionData struct {
	Pos  [3]float64
	Rot  [3]float64
	Tick uint64
}

// Record is an immutable view of one claimant. The registry replaces records
// wholesale; a Record value never changes after it is returned.
type Record struct {
	ID   uuid.UUID
	Name string

	// Claim is meaningful only when Claimed is true.
	Claim   claim.Geometry
	Claimed bool

	Position *PositionData
}

func (r Record) clone() Record {
	if r.Position != nil {
		p := *r.Position
		r.Position = &p
	}
	return r
}

// Cache is the part of a region cache the registry keeps track of.
type Cache interface {
	Geometry() claim.Geometry
}

func defaultName(id uuid.UUID) string {
	return "claimant-" + id.String()[:8]
}
