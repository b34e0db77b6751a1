package registry

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"shipyard.ai/internal/persistence/snapshot"
	"shipyard.ai/internal/sim/claim"
)

// SnapshotKey is the key the serialized registry is stored under in the host save.
const SnapshotKey = "shipyard.claimant_registry"

const snapshotVersion = 1

// Serialize encodes every record into a single opaque blob.
func (r *Registry) Serialize() ([]byte, error) {
	start := time.Now()

	r.mu.RLock()
	claimants := make([]snapshot.ClaimantV1, 0, len(r.byID))
	for _, e := range r.byID {
		claimants = append(claimants, exportRecord(e.rec))
	}
	r.mu.RUnlock()

	sort.Slice(claimants, func(i, j int) bool { return claimants[i].ID < claimants[j].ID })
	snap := snapshot.RegistryV1{
		Header: snapshot.Header{
			Version: snapshotVersion,
			Kind:    snapshot.KindRegistry,
			Count:   len(claimants),
		},
		Claimants: claimants,
	}
	blob, err := snapshot.Marshal(snap.Header, &snap)
	if err != nil {
		return nil, fmt.Errorf("serialize registry: %w", err)
	}
	r.log.Debug("registry serialized",
		zap.Int("claimants", len(claimants)),
		zap.Int("bytes", len(blob)),
		zap.Duration("took", time.Since(start)))
	return blob, nil
}

// Deserialize replaces every index with the contents of blob. An empty blob
// yields an empty registry. If the blob cannot be decoded the registry is
// left empty, the failure is logged, and an ErrDeserialization is returned.
func (r *Registry) Deserialize(blob []byte) error {
	start := time.Now()
	if len(blob) == 0 {
		r.swap(newIndexes())
		return nil
	}

	ix, dropped, err := decodeIndexes(blob)
	if err != nil {
		r.swap(newIndexes())
		r.log.Error("registry snapshot unreadable; continuing with an empty registry", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrDeserialization, err)
	}
	for _, d := range dropped {
		r.log.Warn("dropping overlapping claim from snapshot",
			zap.Stringer("claimant", d.id),
			zap.Stringer("claim", d.claim),
			zap.Error(d.err))
	}
	r.swap(ix)
	r.log.Info("registry restored",
		zap.Int("claimants", len(ix.byID)),
		zap.Int("cells", len(ix.byCell)),
		zap.Duration("took", time.Since(start)))
	return nil
}

func (r *Registry) swap(ix indexes) {
	r.mu.Lock()
	r.indexes = ix
	r.mu.Unlock()
}

type droppedClaim struct {
	id    uuid.UUID
	claim claim.Geometry
	err   error
}

func decodeIndexes(blob []byte) (indexes, []droppedClaim, error) {
	var snap snapshot.RegistryV1
	if _, err := snapshot.Unmarshal(blob, snapshot.KindRegistry, &snap); err != nil {
		return indexes{}, nil, err
	}
	if snap.Header.Version != snapshotVersion {
		return indexes{}, nil, fmt.Errorf("unsupported registry snapshot version %d", snap.Header.Version)
	}

	ix := newIndexes()
	var dropped []droppedClaim
	for _, c := range snap.Claimants {
		id, err := uuid.Parse(c.ID)
		if err != nil {
			return indexes{}, nil, fmt.Errorf("claimant %q: %w", c.ID, err)
		}
		if _, dup := ix.byID[id]; dup {
			return indexes{}, nil, fmt.Errorf("duplicate claimant %s", id)
		}
		if c.Name == "" {
			return indexes{}, nil, fmt.Errorf("claimant %s has no name", id)
		}
		if _, dup := ix.byName[c.Name]; dup {
			return indexes{}, nil, fmt.Errorf("duplicate claimant name %q", c.Name)
		}

		rec := Record{ID: id, Name: c.Name}
		if c.Position != nil {
			rec.Position = &PositionData{Pos: c.Position.Pos, Rot: c.Position.Rot, Tick: c.Position.Tick}
		}
		if c.Claim != nil {
			g, err := claim.New(c.Claim.CenterX, c.Claim.CenterZ, c.Claim.Radius)
			if err != nil {
				return indexes{}, nil, fmt.Errorf("claimant %s: %w", id, err)
			}
			if err := ix.conflict(id, g); err != nil {
				var ce *ConflictError
				if !errors.As(err, &ce) {
					return indexes{}, nil, err
				}
				dropped = append(dropped, droppedClaim{id: id, claim: g, err: err})
			} else {
				for cell := range g.Cells() {
					ix.byCell[cell] = id
				}
				rec.Claim = g
				rec.Claimed = true
			}
		}
		ix.byID[id] = &entry{rec: rec}
		ix.byName[c.Name] = id
	}
	return ix, dropped, nil
}

func exportRecord(rec Record) snapshot.ClaimantV1 {
	out := snapshot.ClaimantV1{
		ID:   rec.ID.String(),
		Name: rec.Name,
	}
	if rec.Claimed {
		f := rec.Claim.Fields()
		out.Claim = &snapshot.ClaimV1{CenterX: f.CenterX, CenterZ: f.CenterZ, Radius: f.Radius}
	}
	if rec.Position != nil {
		out.Position = &snapshot.PositionV1{Pos: rec.Position.Pos, Rot: rec.Position.Rot, Tick: rec.Position.Tick}
	}
	return out
}
