// Package types defines the core domain model shared by plysync packages.
package types

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Side identifies the player to move.
type Side string

const (
	White Side = "w" // first player
	Black Side = "b" // second player
)

// Opposite returns the other side. An unknown side stays unknown.
func (s Side) Opposite() Side {
	switch s {
	case White:
		return Black
	case Black:
		return White
	default:
		return s
	}
}

// Valid reports whether s is White or Black.
func (s Side) Valid() bool {
	return s == White || s == Black
}

func (s Side) String() string {
	switch s {
	case White:
		return "white"
	case Black:
		return "black"
	default:
		return "unknown"
	}
}

// ParseSide accepts "w", "b", "white" and "black" (case-insensitive).
func ParseSide(token string) (Side, bool) {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "w", "white":
		return White, true
	case "b", "black":
		return Black, true
	default:
		return "", false
	}
}

// Phase is the coarse stage of the game.
type Phase string

const (
	PhaseOpening    Phase = "opening"
	PhaseMiddlegame Phase = "middlegame"
	PhaseEndgame    Phase = "endgame"
)

// PhaseForMove maps a move number onto a Phase.
func PhaseForMove(moveNumber int) Phase {
	switch {
	case moveNumber <= 12:
		return PhaseOpening
	case moveNumber <= 35:
		return PhaseMiddlegame
	default:
		return PhaseEndgame
	}
}

// ============================================================================
// Position
// ============================================================================

// Position is an immutable snapshot of the authoritative game state.
// A new Position is created for every accepted feed version.
type Position struct {
	Board      string        `json:"board"`                // piece placement (first FEN field)
	SideToMove Side          `json:"side_to_move"`         // derived from FEN or version parity
	Castling   string        `json:"castling,omitempty"`   // FEN castling field, "-" when unknown
	EnPassant  string        `json:"en_passant,omitempty"` // FEN en-passant field, "-" when unknown
	Version    int64         `json:"version"`              // monotonic feed version
	MoveNumber int           `json:"move_number"`          // floor((version+1)/2)
	Phase      Phase         `json:"phase"`
	Remaining  time.Duration `json:"remaining,omitempty"` // mover's clock, zero when the feed omits it
}

// FEN renders the position as a full FEN string for the engine.
func (p Position) FEN() string {
	castling := p.Castling
	if castling == "" {
		castling = "-"
	}
	ep := p.EnPassant
	if ep == "" {
		ep = "-"
	}
	full := p.MoveNumber
	if full < 1 {
		full = 1
	}
	return fmt.Sprintf("%s %s %s %s 0 %d", p.Board, p.SideToMove, castling, ep, full)
}

// BookKey is the first four FEN fields, used for opening book lookups.
func (p Position) BookKey() string {
	castling := p.Castling
	if castling == "" {
		castling = "-"
	}
	ep := p.EnPassant
	if ep == "" {
		ep = "-"
	}
	return fmt.Sprintf("%s %s %s %s", p.Board, p.SideToMove, castling, ep)
}

// IsZero reports whether p was never populated.
func (p Position) IsZero() bool {
	return p.Board == "" && p.Version == 0
}

// ============================================================================
// Moves and candidates
// ============================================================================

var moveFormat = regexp.MustCompile(`^[a-h][1-8][a-h][1-8][qrbn]?$`)

// Move is a move in long algebraic coordinate form, e.g. "e2e4" or "e7e8q".
type Move string

// WellFormed reports whether m matches the coordinate move format.
func (m Move) WellFormed() bool {
	return moveFormat.MatchString(string(m))
}

// From returns the origin square ("e2" for "e2e4"), or "" for malformed moves.
func (m Move) From() string {
	if !m.WellFormed() {
		return ""
	}
	return string(m[:2])
}

// To returns the destination square, or "" for malformed moves.
func (m Move) To() string {
	if !m.WellFormed() {
		return ""
	}
	return string(m[2:4])
}

// CandidateMove is one engine proposal.
type CandidateMove struct {
	Move  Move `json:"move"`
	Score int  `json:"score"` // centipawns, mate mapped to ±(10000-n)
	Depth int  `json:"depth"`
}

// CandidateSet is ordered best-first.
type CandidateSet []CandidateMove

// Top returns the best candidate.
func (s CandidateSet) Top() (CandidateMove, bool) {
	if len(s) == 0 {
		return CandidateMove{}, false
	}
	return s[0], true
}

// Moves lists the move identifiers in rank order.
func (s CandidateSet) Moves() []Move {
	out := make([]Move, len(s))
	for i, c := range s {
		out[i] = c.Move
	}
	return out
}

// Budget bounds a single engine search.
type Budget struct {
	Depth    int           `json:"depth"`
	MoveTime time.Duration `json:"move_time"`
	Ceiling  time.Duration `json:"ceiling"` // hard wall-clock limit for the whole computation
}

// ============================================================================
// Origin classification
// ============================================================================

// Origin tells who produced an observed board change.
type Origin int

const (
	OriginRemote Origin = iota
	OriginSelf
	OriginHuman
)

func (o Origin) String() string {
	switch o {
	case OriginRemote:
		return "REMOTE"
	case OriginSelf:
		return "SELF"
	case OriginHuman:
		return "HUMAN"
	default:
		return "UNKNOWN"
	}
}

// ============================================================================
// Move channel
// ============================================================================

// ChannelState mirrors the transport's ready state.
type ChannelState int

const (
	ChannelConnecting ChannelState = iota
	ChannelOpen
	ChannelClosing
	ChannelClosed
)

func (c ChannelState) String() string {
	switch c {
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	case ChannelClosing:
		return "closing"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ParseChannelState accepts the names above or a WebSocket readyState (0-3).
func ParseChannelState(token string) (ChannelState, bool) {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "connecting", "0":
		return ChannelConnecting, true
	case "open", "1":
		return ChannelOpen, true
	case "closing", "2":
		return ChannelClosing, true
	case "closed", "3":
		return ChannelClosed, true
	default:
		return ChannelClosed, false
	}
}

// PendingSubmission tracks a sent move until the feed confirms it.
type PendingSubmission struct {
	ID        string    `json:"id"`
	Move      Move      `json:"move"`
	Before    Position  `json:"before"`
	SentAt    time.Time `json:"sent_at"`
	Confirmed bool      `json:"confirmed"`
}

// ConfirmedBy reports whether next proves the move was applied: the board
// changed and the side to move flipped.
func (p PendingSubmission) ConfirmedBy(next Position) bool {
	return next.Board != p.Before.Board && next.SideToMove == p.Before.SideToMove.Opposite()
}
