// ============================================================================
// Bridge - websocket link to the in-page companion
// ============================================================================
//
// Package: internal/bridge
// File: bridge.go
//
// The companion script runs inside the game page. It connects here and
// relays four kinds of frames:
//
//	{"t":"feed","at":<ms>,"data":<raw feed frame>}   authoritative position feed
//	{"t":"mutation","at":<ms>}                       board DOM changed
//	{"t":"socket","state":"open"|1}                  page socket readyState
//	{"t":"game","id":"<game id>"}                    a new game started
//
// Outbound, the bridge writes move frames that the companion forwards to the
// page socket verbatim:
//
//	{"t":"move","d":{"u":"e2e4","b":1,"l":57,"a":1}}
//
// Only one companion is served at a time; a new connection replaces the old
// one. With no companion connected the channel reports closed.
//
// ============================================================================

package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ChuLiYu/plysync/pkg/types"
)

var (
	ErrNotOpen  = errors.New("bridge: page socket is not open")
	ErrNoClient = errors.New("bridge: no companion connected")
)

// Sink receives everything the companion reports. Calls come from the
// connection's read goroutine.
type Sink interface {
	OnFeed(raw []byte, at time.Time)
	OnVisualChange(at time.Time)
	OnChannelState(state types.ChannelState)
	OnNewGame(id string)
}

// Config tunes the bridge.
type Config struct {
	LagMin       time.Duration
	LagMax       time.Duration
	WriteTimeout time.Duration
	MaxFrameSize int64
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		LagMin:       40 * time.Millisecond,
		LagMax:       90 * time.Millisecond,
		WriteTimeout: 2 * time.Second,
		MaxFrameSize: 1 << 20,
	}
}

type inbound struct {
	Type  string          `json:"t"`
	At    int64           `json:"at,omitempty"` // unix ms, browser clock
	Data  json.RawMessage `json:"data,omitempty"`
	State json.RawMessage `json:"state,omitempty"`
	ID    string          `json:"id,omitempty"`
}

type moveFrame struct {
	Type string      `json:"t"`
	Data movePayload `json:"d"`
}

type movePayload struct {
	Move string `json:"u"`
	Blur int    `json:"b"`
	Lag  int64  `json:"l"`
	Ack  int    `json:"a"`
}

type helloFrame struct {
	Type    string `json:"t"`
	Session string `json:"session"`
}

type client struct {
	conn    *websocket.Conn
	session string
	writeMu sync.Mutex
}

// Server is the bridge endpoint and the outbound move channel.
type Server struct {
	cfg      Config
	sink     Sink
	upgrader websocket.Upgrader
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	active *client
	state  types.ChannelState
}

// New builds a bridge that reports to sink.
func New(cfg Config, sink Sink) *Server {
	return &Server{
		cfg:  cfg,
		sink: sink,
		upgrader: websocket.Upgrader{
			// The companion runs on the game's origin.
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 16 * 1024,
		},
		now:    time.Now,
		logger: slog.With("component", "bridge"),
		state:  types.ChannelClosed,
	}
}

// State reports the page socket state, or closed when no companion is
// connected.
func (s *Server) State() types.ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return types.ChannelClosed
	}
	return s.state
}

// Session returns the active companion session id, or "".
func (s *Server) Session() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.session
}

// Send writes a move frame to the companion.
func (s *Server) Send(m types.Move) error {
	s.mu.Lock()
	c, state := s.active, s.state
	s.mu.Unlock()
	if c == nil {
		return ErrNoClient
	}
	if state != types.ChannelOpen {
		return fmt.Errorf("%w: %s", ErrNotOpen, state)
	}

	frame := moveFrame{Type: "move", Data: movePayload{
		Move: string(m),
		Blur: 1,
		Lag:  s.lag().Milliseconds(),
		Ack:  1,
	}}
	return c.write(frame, s.cfg.WriteTimeout)
}

func (s *Server) lag() time.Duration {
	lo, hi := s.cfg.LagMin, s.cfg.LagMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int63n(int64(hi-lo+1)))
}

func (c *client) write(v any, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return c.conn.WriteJSON(v)
}

// ServeHTTP upgrades the companion connection and reads until it drops.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade companion connection", "error", err)
		return
	}
	if s.cfg.MaxFrameSize > 0 {
		conn.SetReadLimit(s.cfg.MaxFrameSize)
	}
	c := &client{conn: conn, session: uuid.New().String()}
	s.attach(c)
	defer s.detach(c)

	if err := c.write(helloFrame{Type: "hello", Session: c.session}, s.cfg.WriteTimeout); err != nil {
		s.logger.Warn("Failed to greet companion", "session", c.session, "error", err)
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.logger.Info("Companion disconnected", "session", c.session, "error", err.Error())
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Warn("Dropping unreadable companion frame", "session", c.session, "error", err)
			continue
		}
		s.dispatch(c, msg)
	}
}

func (s *Server) attach(c *client) {
	s.mu.Lock()
	prev := s.active
	s.active = c
	s.state = types.ChannelConnecting
	s.mu.Unlock()

	if prev != nil {
		s.logger.Info("Companion replaced", "old", prev.session, "new", c.session)
		_ = prev.conn.Close()
	}
	s.logger.Info("Companion connected", "session", c.session)
	s.sink.OnChannelState(types.ChannelConnecting)
}

func (s *Server) detach(c *client) {
	_ = c.conn.Close()
	s.mu.Lock()
	if s.active != c {
		s.mu.Unlock()
		return
	}
	s.active = nil
	s.state = types.ChannelClosed
	s.mu.Unlock()
	s.sink.OnChannelState(types.ChannelClosed)
}

func (s *Server) dispatch(c *client, msg inbound) {
	s.mu.Lock()
	current := s.active == c
	s.mu.Unlock()
	if !current {
		return
	}

	switch msg.Type {
	case "feed":
		raw := bytes.TrimSpace(msg.Data)
		if len(raw) == 0 {
			return
		}
		// The companion may relay the page frame as a JSON string.
		if raw[0] == '"' {
			var text string
			if err := json.Unmarshal(raw, &text); err != nil {
				s.logger.Warn("Dropping unreadable feed relay", "error", err)
				return
			}
			raw = []byte(text)
		}
		s.sink.OnFeed(raw, s.stamp(msg.At))
	case "mutation":
		s.sink.OnVisualChange(s.stamp(msg.At))
	case "socket":
		token := string(bytes.Trim(bytes.TrimSpace(msg.State), `"`))
		state, ok := types.ParseChannelState(token)
		if !ok {
			s.logger.Warn("Unknown socket state", "state", token)
			return
		}
		s.mu.Lock()
		changed := s.state != state
		s.state = state
		s.mu.Unlock()
		if changed {
			s.logger.Info("Page socket state changed", "state", state.String())
		}
		s.sink.OnChannelState(state)
	case "game":
		s.logger.Info("New game", "id", msg.ID)
		s.sink.OnNewGame(msg.ID)
	default:
		s.logger.Debug("Ignoring companion frame", "type", strings.TrimSpace(msg.Type))
	}
}

// stamp converts a browser timestamp, falling back to local time.
func (s *Server) stamp(ms int64) time.Time {
	if ms <= 0 {
		return s.now()
	}
	return time.UnixMilli(ms)
}
