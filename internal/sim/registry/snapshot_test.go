package registry

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"shipyard.ai/internal/persistence/snapshot"
	"shipyard.ai/internal/sim/claim"
)

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	src := New(nil)
	a := src.CreateOrGet(uuid.New())
	b := src.CreateOrGet(uuid.New())
	c := src.CreateOrGet(uuid.New())
	src.Rename(a.ID, "alpha")
	if err := src.InsertClaim(a.ID, mustGeom(t, 10, 10, 1)); err != nil {
		t.Fatal(err)
	}
	if err := src.InsertClaim(b.ID, mustGeom(t, -20, 4, 3)); err != nil {
		t.Fatal(err)
	}
	src.UpdatePosition(c.ID, PositionData{Pos: [3]float64{1.5, 64, -2}, Rot: [3]float64{0, 90, 0}, Tick: 42})

	blob, err := src.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	dst := New(nil)
	dst.CreateOrGet(uuid.New()) // replaced wholesale
	if err := dst.Deserialize(blob); err != nil {
		t.Fatalf("deserialize: %v", err)
	}

	opts := cmp.Comparer(func(x, y claim.Geometry) bool { return x == y })
	if diff := cmp.Diff(src.All(), dst.All(), opts); diff != "" {
		t.Fatalf("records differ (-src +dst):\n%s", diff)
	}
	if dst.ClaimedCells() != src.ClaimedCells() {
		t.Fatalf("cell index size: got %d want %d", dst.ClaimedCells(), src.ClaimedCells())
	}
	if got, ok := dst.GetByCell(-22, 7); !ok || got.ID != b.ID {
		t.Fatalf("restored cell index does not resolve (-22,7)")
	}
	if _, ok := dst.GetByName("alpha"); !ok {
		t.Fatalf("restored name index missing alpha")
	}
}

func TestDeserializeCorruptFallsBackToEmpty(t *testing.T) {
	r := New(nil)
	r.CreateOrGet(uuid.New())

	err := r.Deserialize([]byte("definitely not zstd"))
	if !errors.Is(err, ErrDeserialization) {
		t.Fatalf("expected ErrDeserialization, got %v", err)
	}
	if r.Len() != 0 || r.ClaimedCells() != 0 {
		t.Fatalf("registry should be empty after a failed decode")
	}
}

func TestDeserializeEmptyBlob(t *testing.T) {
	r := New(nil)
	r.CreateOrGet(uuid.New())
	if err := r.Deserialize(nil); err != nil {
		t.Fatalf("empty blob: %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("expected an empty registry")
	}
}

func TestDeserializeRejectsDuplicateNames(t *testing.T) {
	snap := snapshot.RegistryV1{
		Header: snapshot.Header{Version: snapshotVersion, Kind: snapshot.KindRegistry},
		Claimants: []snapshot.ClaimantV1{
			{ID: uuid.NewString(), Name: "same"},
			{ID: uuid.NewString(), Name: "same"},
		},
	}
	blob, err := snapshot.Marshal(snap.Header, &snap)
	if err != nil {
		t.Fatal(err)
	}
	r := New(nil)
	if err := r.Deserialize(blob); !errors.Is(err, ErrDeserialization) {
		t.Fatalf("expected ErrDeserialization, got %v", err)
	}
}

func TestDeserializeDropsOverlappingClaim(t *testing.T) {
	first, second := uuid.New(), uuid.New()
	snap := snapshot.RegistryV1{
		Header: snapshot.Header{Version: snapshotVersion, Kind: snapshot.KindRegistry},
		Claimants: []snapshot.ClaimantV1{
			{ID: first.String(), Name: "first", Claim: &snapshot.ClaimV1{CenterX: 0, CenterZ: 0, Radius: 1}},
			{ID: second.String(), Name: "second", Claim: &snapshot.ClaimV1{CenterX: 1, CenterZ: 1, Radius: 1}},
		},
	}
	blob, err := snapshot.Marshal(snap.Header, &snap)
	if err != nil {
		t.Fatal(err)
	}
	r := New(nil)
	if err := r.Deserialize(blob); err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("both records should survive, got %d", r.Len())
	}
	rec, _ := r.GetByIdentity(second)
	if rec.Claimed {
		t.Fatalf("overlapping claim should be dropped")
	}
	if id, ok := r.LocateOwner(1, 1); !ok || id != first {
		t.Fatalf("shared cell should stay with the first claimant")
	}
}
