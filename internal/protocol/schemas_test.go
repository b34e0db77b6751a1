package protocol_test

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"shipyard.ai/internal/protocol"
)

func compile(t *testing.T, name string) *jsonschema.Schema {
	t.Helper()
	raw, err := protocol.Schema(name)
	if err != nil {
		t.Fatal(err)
	}
	s, err := jsonschema.CompileString(name+".schema.json", string(raw))
	if err != nil {
		t.Fatalf("compile %s: %v", name, err)
	}
	return s
}

// roundTrip encodes v the way the server does and decodes it generically.
func roundTrip(t *testing.T, v any) any {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestSchemas_ValidateSamples(t *testing.T) {
	validate := func(s *jsonschema.Schema, v any) {
		t.Helper()
		if err := s.Validate(v); err != nil {
			t.Fatalf("validate: %v", err)
		}
	}

	validate(compile(t, "subscribe"), roundTrip(t, protocol.SubscribeMsg{
		Type: protocol.TypeSubscribe, ProtocolVersion: protocol.Version, Watcher: "obs-1",
	}))
	validate(compile(t, "ownership"), roundTrip(t, protocol.OwnershipMsg{
		Type: protocol.TypeOwnership, ProtocolVersion: protocol.Version, Tick: 9, CX: -3, CZ: 4, Owner: uuid.NewString(),
	}))
	validate(compile(t, "ownership"), roundTrip(t, protocol.OwnershipMsg{
		Type: protocol.TypeOwnership, ProtocolVersion: protocol.Version, Tick: 10, CX: -3, CZ: 4,
	}))
	validate(compile(t, "claimants"), roundTrip(t, []protocol.ClaimantInfo{
		{ID: uuid.NewString(), Name: "flagship", Active: true, Claim: &protocol.ClaimInfo{CenterX: 10, CenterZ: 10, Radius: 1}},
		{ID: uuid.NewString(), Name: "claimant-0badf00d"},
	}))
	validate(compile(t, "owner"), roundTrip(t, protocol.OwnerResponse{X: 1, Z: 2}))
	validate(compile(t, "block"), roundTrip(t, protocol.BlockResponse{X: -1, Z: 40, Block: 5, Name: "stone", Owner: uuid.NewString()}))
	validate(compile(t, "block"), roundTrip(t, protocol.BlockResponse{X: 0, Z: 0, Name: "air"}))
	validate(compile(t, "error"), roundTrip(t, protocol.ErrorMsg{
		Type: protocol.TypeError, ProtocolVersion: protocol.Version, Code: protocol.ErrProtoVersion, Message: "want 1.0",
	}))
}

func TestSchemas_RejectBadSamples(t *testing.T) {
	var bad any
	_ = json.Unmarshal([]byte(`{"type":"SUBSCRIBE","protocol_version":"1.0","watchers":["x"]}`), &bad)
	if err := compile(t, "subscribe").Validate(bad); err == nil {
		t.Fatalf("unknown field should be rejected")
	}
	_ = json.Unmarshal([]byte(`[{"id":"x","name":"a","active":true,"claim":{"center_x":0,"center_z":0,"radius":-1}}]`), &bad)
	if err := compile(t, "claimants").Validate(bad); err == nil {
		t.Fatalf("negative radius should be rejected")
	}
}

func TestBlockSchemaRejectsOutOfRangeID(t *testing.T) {
	var bad any
	_ = json.Unmarshal([]byte(`{"x":0,"z":0,"block":70000,"name":"block_70000"}`), &bad)
	if err := compile(t, "block").Validate(bad); err == nil {
		t.Fatalf("block ids are 16-bit")
	}
}

func TestDecodeBase(t *testing.T) {
	m, err := protocol.DecodeBase([]byte(`{"type":"SUBSCRIBE","protocol_version":"1.0","all":true}`))
	if err != nil || m.Type != protocol.TypeSubscribe || m.ProtocolVersion != protocol.Version {
		t.Fatalf("DecodeBase = %+v, %v", m, err)
	}
}
