package observer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"shipyard.ai/internal/protocol"
	"shipyard.ai/internal/sim/claim"
	"shipyard.ai/internal/sim/registry"
	"shipyard.ai/internal/sim/terrain/store"
	"shipyard.ai/internal/sim/world"
)

type stubCache struct{ g claim.Geometry }

func (c stubCache) Geometry() claim.Geometry { return c.g }

func newTestServer(t *testing.T, opts Options) (*Server, *registry.Registry, *httptest.Server) {
	t.Helper()
	reg := registry.New(nil)
	s := NewServer(reg, nil, opts)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, reg, ts
}

func dial(t *testing.T, ts *httptest.Server, sub protocol.SubscribeMsg) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return conn
}

func waitSubscribers(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Subscribers() != n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d want %d", s.Subscribers(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readOwnership(t *testing.T, conn *websocket.Conn) protocol.OwnershipMsg {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.OwnershipMsg
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestWSFiltersByWatcher(t *testing.T) {
	s, _, ts := newTestServer(t, Options{})
	mine := dial(t, ts, protocol.SubscribeMsg{Type: protocol.TypeSubscribe, ProtocolVersion: protocol.Version, Watcher: "w1"})
	everything := dial(t, ts, protocol.SubscribeMsg{Type: protocol.TypeSubscribe, ProtocolVersion: protocol.Version, All: true})
	waitSubscribers(t, s, 2)

	owner := uuid.New()
	s.OwnershipChanged(world.OwnershipChange{Cell: claim.Cell{X: 1, Z: 1}, Owner: owner, Watchers: []string{"w2"}, Tick: 3})
	s.OwnershipChanged(world.OwnershipChange{Cell: claim.Cell{X: 2, Z: -2}, Owner: owner, Watchers: []string{"w1"}, Tick: 4})
	s.OwnershipChanged(world.OwnershipChange{Cell: claim.Cell{X: 2, Z: -2}, Watchers: []string{"w1"}, Tick: 5})

	got := readOwnership(t, mine)
	if got.Tick != 4 || got.CX != 2 || got.CZ != -2 || got.Owner != owner.String() {
		t.Fatalf("w1 first message = %+v", got)
	}
	if got := readOwnership(t, mine); got.Tick != 5 || got.Owner != "" {
		t.Fatalf("release should carry no owner: %+v", got)
	}

	for _, tick := range []uint64{3, 4, 5} {
		if got := readOwnership(t, everything); got.Tick != tick {
			t.Fatalf("all-subscriber got tick %d want %d", got.Tick, tick)
		}
	}
}

func TestWSRejectsWrongVersion(t *testing.T) {
	s, _, ts := newTestServer(t, Options{})
	conn := dial(t, ts, protocol.SubscribeMsg{Type: protocol.TypeSubscribe, ProtocolVersion: "0.1", All: true})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg protocol.ErrorMsg
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Code != protocol.ErrProtoVersion {
		t.Fatalf("code = %q", msg.Code)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("connection should be closed after a rejected handshake")
	}
	if s.Subscribers() != 0 {
		t.Fatalf("rejected session must not be registered")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	s, _, ts := newTestServer(t, Options{QueueSize: 1})
	_ = dial(t, ts, protocol.SubscribeMsg{Type: protocol.TypeSubscribe, ProtocolVersion: protocol.Version, All: true})
	waitSubscribers(t, s, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			s.OwnershipChanged(world.OwnershipChange{Cell: claim.Cell{X: int32(i)}, Tick: uint64(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("fan-out blocked on a slow subscriber")
	}
}

func TestClaimantsAndOwner(t *testing.T) {
	_, reg, ts := newTestServer(t, Options{})
	id := uuid.New()
	reg.CreateOrGet(id)
	reg.Rename(id, "flagship")
	g, _ := claim.New(10, 10, 1)
	if err := reg.InsertClaim(id, g); err != nil {
		t.Fatal(err)
	}
	if err := reg.AttachCache(id, stubCache{g}); err != nil {
		t.Fatal(err)
	}
	idle := uuid.New()
	reg.CreateOrGet(idle)

	resp, err := http.Get(ts.URL + "/v1/claimants")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var list []protocol.ClaimantInfo
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("claimants = %d want 2", len(list))
	}
	for _, c := range list {
		switch c.ID {
		case id.String():
			if c.Name != "flagship" || !c.Active || c.Claim == nil || c.Claim.Radius != 1 {
				t.Fatalf("active claimant = %+v", c)
			}
		case idle.String():
			if c.Active || c.Claim != nil {
				t.Fatalf("idle claimant = %+v", c)
			}
		default:
			t.Fatalf("unexpected claimant %s", c.ID)
		}
	}

	var owner protocol.OwnerResponse
	r2, err := http.Get(ts.URL + "/v1/owner?x=11&z=9")
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Body.Close()
	if err := json.NewDecoder(r2.Body).Decode(&owner); err != nil {
		t.Fatal(err)
	}
	if owner.Owner != id.String() || owner.Name != "flagship" {
		t.Fatalf("owner = %+v", owner)
	}

	r3, err := http.Get(ts.URL + "/v1/owner?x=abc&z=1")
	if err != nil {
		t.Fatal(err)
	}
	r3.Body.Close()
	if r3.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d want 400", r3.StatusCode)
	}
}

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:5000": true,
		"[::1]:80":       true,
		"10.0.0.4:5000":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		if got := isLoopbackRemote(addr); got != want {
			t.Fatalf("isLoopbackRemote(%q) = %v want %v", addr, got, want)
		}
	}
}

type stoppedBlocks struct{}

func (stoppedBlocks) BlockAt(context.Context, int32, int32) (uint16, error) {
	return 0, world.ErrLoopStopped
}

func getBlock(t *testing.T, ts *httptest.Server, query string) (int, protocol.BlockResponse) {
	t.Helper()
	resp, err := http.Get(ts.URL + "/v1/block?" + query)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out protocol.BlockResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode, out
}

func TestBlockLookupThroughSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	params := store.Params{Seed: 9, BiomeRegionSize: 64, SprinkleStonePermille: 200, SprinkleDirtPermille: 200}

	loop := world.NewLoop(world.LoopConfig{TickRateHz: 50}, nil)
	go func() { _ = loop.Run(ctx) }()
	reg := registry.New(nil)
	sess := world.NewSession(world.SessionDeps{Loop: loop, Registry: reg, Store: store.New(params, nil)})
	s := NewServer(reg, nil, Options{Blocks: sess})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	want, err := store.New(params, nil).GetBlock(ctx, -5, 33)
	if err != nil {
		t.Fatal(err)
	}
	code, got := getBlock(t, ts, "x=-5&z=33")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if got.Block != want || got.Name != store.BlockName(want) || got.Owner != "" {
		t.Fatalf("block = %+v want id %d", got, want)
	}

	id := uuid.New()
	reg.CreateOrGet(id)
	g, _ := claim.New(-1, 2, 1)
	if err := reg.InsertClaim(id, g); err != nil {
		t.Fatal(err)
	}
	if _, got := getBlock(t, ts, "x=-5&z=33"); got.Owner != id.String() {
		t.Fatalf("claimed block owner = %q", got.Owner)
	}
	if code, _ := getBlock(t, ts, "x=1&z=nope"); code != http.StatusBadRequest {
		t.Fatalf("bad coordinate status = %d", code)
	}
}

func TestBlockLookupUnavailable(t *testing.T) {
	_, _, plain := newTestServer(t, Options{})
	if code, _ := getBlock(t, plain, "x=0&z=0"); code != http.StatusNotFound {
		t.Fatalf("route without a block source: status = %d want 404", code)
	}

	s := NewServer(registry.New(nil), nil, Options{Blocks: stoppedBlocks{}})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	if code, _ := getBlock(t, ts, "x=0&z=0"); code != http.StatusServiceUnavailable {
		t.Fatalf("stopped loop: status = %d want 503", code)
	}
}
