package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"shipyard.ai/internal/protocol"
	"shipyard.ai/internal/sim/claim"
	"shipyard.ai/internal/sim/registry"
	"shipyard.ai/internal/sim/terrain/store"
	"shipyard.ai/internal/sim/world"
)

// Directory is the read side of the claimant registry.
type Directory interface {
	All() []registry.Record
	GetByIdentity(id uuid.UUID) (registry.Record, bool)
	LocateOwner(x, z int32) (uuid.UUID, bool)
	LocateOwnerAtPoint(worldX, worldZ int32) (uuid.UUID, bool)
	CacheFor(id uuid.UUID) (registry.Cache, bool)
}

// BlockSource reads blocks by world coordinates.
type BlockSource interface {
	BlockAt(ctx context.Context, x, z int32) (uint16, error)
}

type Options struct {
	// QueueSize bounds each subscriber's outbound queue; zero means 256.
	QueueSize int
	// AllowRemote admits non-loopback clients.
	AllowRemote bool
	// Blocks serves /v1/block; the route is not registered when nil.
	Blocks BlockSource
}

type Server struct {
	dir  Directory
	log  *zap.Logger
	opts Options

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu   sync.RWMutex
	subs map[string]*subscriber
}

type subscriber struct {
	id      string
	watcher string
	all     bool
	out     chan []byte
	dropped atomic.Uint64
}

var _ world.Listener = (*Server)(nil)

func NewServer(dir Directory, logger *zap.Logger, opts Options) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &Server{
		dir:  dir,
		log:  logger,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		subs: map[string]*subscriber{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/claimants", s.ClaimantsHandler())
	mux.HandleFunc("/v1/owner", s.OwnerHandler())
	if s.opts.Blocks != nil {
		mux.HandleFunc("/v1/block", s.BlockHandler())
	}
	mux.HandleFunc("/v1/ws", s.WSHandler())
	return mux
}

func (s *Server) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// OwnershipChanged fans ch out to matching subscribers. It runs on the
// coordination loop and never blocks: a full queue drops the message.
func (s *Server) OwnershipChanged(ch world.OwnershipChange) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.subs) == 0 {
		return
	}

	msg := protocol.OwnershipMsg{
		Type:            protocol.TypeOwnership,
		ProtocolVersion: protocol.Version,
		Tick:            ch.Tick,
		CX:              ch.Cell.X,
		CZ:              ch.Cell.Z,
	}
	if ch.Owner != uuid.Nil {
		msg.Owner = ch.Owner.String()
	}
	b, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("encode ownership message", zap.Error(err))
		return
	}

	for _, sub := range s.subs {
		if !sub.all && !slices.Contains(ch.Watchers, sub.watcher) {
			continue
		}
		select {
		case sub.out <- b:
		default:
			if n := sub.dropped.Add(1); n == 1 || n%1000 == 0 {
				s.log.Warn("observer queue full; dropping", zap.String("session", sub.id), zap.Uint64("dropped", n))
			}
		}
	}
}

func (s *Server) ClaimantsHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		recs := s.dir.All()
		out := make([]protocol.ClaimantInfo, 0, len(recs))
		for _, rec := range recs {
			info := protocol.ClaimantInfo{ID: rec.ID.String(), Name: rec.Name}
			if rec.Claimed {
				info.Claim = &protocol.ClaimInfo{
					CenterX: rec.Claim.CenterX(),
					CenterZ: rec.Claim.CenterZ(),
					Radius:  rec.Claim.Radius(),
				}
				_, info.Active = s.dir.CacheFor(rec.ID)
			}
			out = append(out, info)
		}
		writeJSON(rw, http.StatusOK, out)
	}
}

func (s *Server) OwnerHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		x, errX := parseCoord(r.URL.Query().Get("x"))
		z, errZ := parseCoord(r.URL.Query().Get("z"))
		if errX != nil || errZ != nil {
			writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, "x and z must be 32-bit integers")
			return
		}
		resp := protocol.OwnerResponse{X: x, Z: z}
		if id, ok := s.dir.LocateOwner(x, z); ok {
			resp.Owner = id.String()
			if rec, ok := s.dir.GetByIdentity(id); ok {
				resp.Name = rec.Name
			}
		}
		writeJSON(rw, http.StatusOK, resp)
	}
}

func (s *Server) BlockHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		x, errX := parseCoord(r.URL.Query().Get("x"))
		z, errZ := parseCoord(r.URL.Query().Get("z"))
		if errX != nil || errZ != nil {
			writeError(rw, http.StatusBadRequest, protocol.ErrBadRequest, "x and z must be 32-bit integers")
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		b, err := s.opts.Blocks.BlockAt(ctx, x, z)
		switch {
		case errors.Is(err, world.ErrLoopStopped), errors.Is(err, context.DeadlineExceeded):
			writeError(rw, http.StatusServiceUnavailable, protocol.ErrBusy, "world is busy")
			return
		case err != nil:
			s.log.Warn("block lookup failed", zap.Stringer("cell", claim.CellOf(x, z)), zap.Error(err))
			writeError(rw, http.StatusInternalServerError, protocol.ErrInternal, "block lookup failed")
			return
		}
		resp := protocol.BlockResponse{X: x, Z: z, Block: b, Name: store.BlockName(b)}
		if id, ok := s.dir.LocateOwnerAtPoint(x, z); ok {
			resp.Owner = id.String()
		}
		writeJSON(rw, http.StatusOK, resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.opts.AllowRemote && !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, code, reason := parseSubscribe(msg)
		if code != "" {
			s.rejectHandshake(conn, code, reason)
			return
		}

		sess := &subscriber{
			id:      fmt.Sprintf("O%d", s.nextID.Add(1)),
			watcher: sub.Watcher,
			all:     sub.All,
			out:     make(chan []byte, s.opts.QueueSize),
		}
		s.mu.Lock()
		s.subs[sess.id] = sess
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.subs, sess.id)
			s.mu.Unlock()
		}()
		s.log.Info("observer subscribed",
			zap.String("session", sess.id),
			zap.String("watcher", sess.watcher),
			zap.Bool("all", sess.all),
			zap.String("remote", r.RemoteAddr),
		)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-sess.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			upd, code, _ := parseSubscribe(msg)
			if code != "" {
				continue
			}
			s.mu.Lock()
			sess.watcher, sess.all = upd.Watcher, upd.All
			s.mu.Unlock()
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
		s.log.Info("observer left", zap.String("session", sess.id), zap.Uint64("dropped", sess.dropped.Load()))
	}
}

func (s *Server) rejectHandshake(conn *websocket.Conn, code, reason string) {
	b, _ := json.Marshal(protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         reason,
	})
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.TextMessage, b)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

// parseSubscribe returns a non-empty protocol error code when msg is not an
// acceptable SUBSCRIBE.
func parseSubscribe(msg []byte) (protocol.SubscribeMsg, string, string) {
	var sub protocol.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, protocol.ErrProtoBadRequest, "bad subscribe"
	}
	if sub.Type != protocol.TypeSubscribe {
		return sub, protocol.ErrProtoBadRequest, "expected SUBSCRIBE"
	}
	if sub.ProtocolVersion != protocol.Version {
		return sub, protocol.ErrProtoVersion, "protocol_version must be " + protocol.Version
	}
	if !sub.All && sub.Watcher == "" {
		return sub, protocol.ErrProtoBadRequest, "watcher or all required"
	}
	return sub, "", ""
}

func parseCoord(s string) (int32, error) {
	v, err := strconv.ParseInt(s, 10, 32)
	return int32(v), err
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, code, msg string) {
	writeJSON(rw, status, protocol.ErrorMsg{
		Type:            protocol.TypeError,
		ProtocolVersion: protocol.Version,
		Code:            code,
		Message:         msg,
	})
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
