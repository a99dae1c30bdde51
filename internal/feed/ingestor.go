// Package feed turns raw position notifications into Positions and keeps
// the accepted versions strictly increasing.
package feed

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ChuLiYu/plysync/internal/board"
	"github.com/ChuLiYu/plysync/pkg/types"
)

// Progress receives forward-progress marks.
type Progress interface {
	MarkProgress(at time.Time)
}

// Config tunes side-to-move reconstruction.
type Config struct {
	// EvenVersionSide is the side to move when the feed omits it and the
	// version is even. The upstream feed starts at v=0 with White to move.
	EvenVersionSide types.Side
	// DefaultCastling fills the castling field of reconstructed FENs.
	DefaultCastling string
}

// DefaultConfig matches the observed feed.
func DefaultConfig() Config {
	return Config{
		EvenVersionSide: types.White,
		DefaultCastling: "KQkq",
	}
}

// Ingestor is the single owner of the version high-water mark.
// Not safe for concurrent use; the controller loop owns it.
type Ingestor struct {
	cfg      Config
	progress Progress
	logger   *slog.Logger

	last    int64
	hasLast bool
}

// NewIngestor builds an ingestor. progress may be nil.
func NewIngestor(cfg Config, progress Progress) *Ingestor {
	if !cfg.EvenVersionSide.Valid() {
		cfg.EvenVersionSide = types.White
	}
	return &Ingestor{
		cfg:      cfg,
		progress: progress,
		logger:   slog.With("component", "feed"),
	}
}

// Ingest decodes and accepts a raw frame. Errors are ErrNotPosition,
// ErrMalformed or ErrStale; callers log and drop them.
func (in *Ingestor) Ingest(raw []byte, at time.Time) (types.Position, error) {
	n, err := Decode(raw)
	if err != nil {
		return types.Position{}, err
	}
	return in.Accept(n, at)
}

// Accept applies an already decoded notification.
func (in *Ingestor) Accept(n Notification, at time.Time) (types.Position, error) {
	pos, err := in.build(n)
	if err != nil {
		return types.Position{}, err
	}
	if in.hasLast && n.Version <= in.last {
		return types.Position{}, fmt.Errorf("%w: v=%d, last=%d", ErrStale, n.Version, in.last)
	}

	in.last = n.Version
	in.hasLast = true
	if in.progress != nil {
		in.progress.MarkProgress(at)
	}
	in.logger.Debug("Position accepted",
		"version", pos.Version,
		"side", pos.SideToMove.String(),
		"move", pos.MoveNumber,
		"phase", pos.Phase)
	return pos, nil
}

// Reset forgets the high-water mark. Used when a new game starts.
func (in *Ingestor) Reset() {
	in.hasLast = false
	in.last = 0
}

// LastVersion returns the high-water mark and whether one exists.
func (in *Ingestor) LastVersion() (int64, bool) {
	return in.last, in.hasLast
}

func (in *Ingestor) build(n Notification) (types.Position, error) {
	fields := strings.Fields(n.Board)
	if len(fields) == 0 {
		return types.Position{}, fmt.Errorf("%w: empty board", ErrMalformed)
	}
	placement := fields[0]
	if _, err := board.Parse(placement); err != nil {
		return types.Position{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	pos := types.Position{
		Board:      placement,
		Castling:   in.cfg.DefaultCastling,
		EnPassant:  "-",
		Version:    n.Version,
		MoveNumber: int((n.Version + 1) / 2),
	}
	pos.Phase = types.PhaseForMove(pos.MoveNumber)

	// An explicit side in the FEN wins, then the "turn" token, then parity.
	side, ok := types.Side(""), false
	if len(fields) >= 2 {
		side, ok = types.ParseSide(fields[1])
		if !ok {
			return types.Position{}, fmt.Errorf("%w: side %q", ErrMalformed, fields[1])
		}
		if len(fields) >= 3 {
			pos.Castling = fields[2]
		}
		if len(fields) >= 4 {
			pos.EnPassant = fields[3]
		}
	}
	if !ok && n.Turn != "" {
		side, ok = types.ParseSide(n.Turn)
	}
	if !ok {
		side = in.paritySide(n.Version)
	}
	pos.SideToMove = side

	if n.Clock != nil {
		if side == types.White {
			pos.Remaining = n.Clock.White
		} else {
			pos.Remaining = n.Clock.Black
		}
	}
	return pos, nil
}

func (in *Ingestor) paritySide(version int64) types.Side {
	if version%2 == 0 {
		return in.cfg.EvenVersionSide
	}
	return in.cfg.EvenVersionSide.Opposite()
}
