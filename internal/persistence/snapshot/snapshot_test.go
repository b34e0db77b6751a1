package snapshot

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMarshalUnmarshalRegistry(t *testing.T) {
	in := RegistryV1{
		Header: Header{Version: 1, Kind: KindRegistry, Count: 2},
		Claimants: []ClaimantV1{
			{ID: "a", Name: "alpha", Claim: &ClaimV1{CenterX: 3, CenterZ: -4, Radius: 1}},
			{ID: "b", Name: "bravo", Position: &PositionV1{Pos: [3]float64{1, 2, 3}, Tick: 9}},
		},
	}
	blob, err := Marshal(in.Header, &in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out RegistryV1
	h, err := Unmarshal(blob, KindRegistry, &out)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if h.Count != 2 || h.Kind != KindRegistry {
		t.Fatalf("unexpected header: %+v", h)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestUnmarshalRejectsGarbageAndWrongKind(t *testing.T) {
	var out RegistryV1
	if _, err := Unmarshal([]byte("not a snapshot"), KindRegistry, &out); err == nil {
		t.Fatalf("expected error for garbage input")
	}

	blob, err := Marshal(Header{Version: 1, Kind: "other"}, &RegistryV1{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Unmarshal(blob, KindRegistry, &out); !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("expected ErrKindMismatch, got %v", err)
	}
}

func TestWriteReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "registry.snap")
	blob, err := Marshal(Header{Version: 1, Kind: KindRegistry}, &RegistryV1{})
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteFile(path, blob); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !cmp.Equal(blob, got) {
		t.Fatalf("file contents differ")
	}
}
