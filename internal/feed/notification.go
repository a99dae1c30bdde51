package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotPosition marks frames that carry no board at all (chat, pings,
	// crowd counts). They are ignored without a warning.
	ErrNotPosition = errors.New("feed: not a position notification")
	// ErrMalformed marks position frames that cannot be used.
	ErrMalformed = errors.New("feed: malformed notification")
	// ErrStale marks versions at or below the high-water mark.
	ErrStale = errors.New("feed: stale version")
)

// Notification is one decoded feed frame.
//
//	{"t":"move","v":12,"d":{"fen":"<placement>[ <side> ...]","turn":"w","clock":{"white":54.2,"black":60}}}
type Notification struct {
	Type    string
	Version int64
	Board   string // full "fen" field as sent, placement first
	Turn    string // optional explicit side token
	Clock   *Clock
}

// Clock carries both players' remaining time.
type Clock struct {
	White time.Duration
	Black time.Duration
}

type wireFrame struct {
	Type    string          `json:"t"`
	Version json.RawMessage `json:"v"`
	Data    json.RawMessage `json:"d"`
}

type wirePayload struct {
	FEN   *string    `json:"fen"`
	Turn  string     `json:"turn,omitempty"`
	Clock *wireClock `json:"clock,omitempty"`
}

// seconds, fractional allowed
type wireClock struct {
	White float64 `json:"white"`
	Black float64 `json:"black"`
}

// Decode parses a raw frame.
func Decode(raw []byte) (Notification, error) {
	var frame wireFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	data := bytes.TrimSpace(frame.Data)
	if len(data) == 0 || data[0] != '{' {
		return Notification{}, ErrNotPosition
	}
	var payload wirePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Notification{}, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	if payload.FEN == nil {
		return Notification{}, ErrNotPosition
	}
	board := strings.TrimSpace(*payload.FEN)
	if board == "" {
		return Notification{}, fmt.Errorf("%w: empty board", ErrMalformed)
	}

	version, err := parseVersion(frame.Version)
	if err != nil {
		return Notification{}, err
	}

	n := Notification{
		Type:    frame.Type,
		Version: version,
		Board:   board,
		Turn:    payload.Turn,
	}
	if payload.Clock != nil {
		n.Clock = &Clock{
			White: time.Duration(payload.Clock.White * float64(time.Second)),
			Black: time.Duration(payload.Clock.Black * float64(time.Second)),
		}
	}
	return n, nil
}

func parseVersion(raw json.RawMessage) (int64, error) {
	token := string(bytes.TrimSpace(raw))
	if token == "" || token == "null" {
		return 0, fmt.Errorf("%w: missing version", ErrMalformed)
	}
	v, err := strconv.ParseInt(token, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: version %s is not an integer", ErrMalformed, token)
	}
	return v, nil
}
