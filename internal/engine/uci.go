package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/plysync/pkg/types"
)

var _ Engine = (*UCI)(nil)

// UCI drives a UCI-speaking engine over a line protocol. One goroutine reads
// engine output; the search owning the engine consumes it.
type UCI struct {
	w       io.Writer
	writeMu sync.Mutex
	lines   chan string
	sem     chan struct{} // held by Configure and by each search
	done    chan struct{} // closed when output ends

	readyTimeout time.Duration
	drainTimeout time.Duration

	mu        sync.Mutex
	searching bool
	closed    bool

	cmd    *exec.Cmd
	closer io.Closer
	logger *slog.Logger
}

// Launch starts the engine binary and returns a UCI bound to its pipes.
func Launch(path string, args ...string) (*UCI, error) {
	cmd := exec.Command(path, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("engine stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine %s: %w", path, err)
	}
	u := NewUCI(stdout, stdin)
	u.cmd = cmd
	u.logger = u.logger.With("path", path, "pid", cmd.Process.Pid)
	return u, nil
}

// NewUCI wraps an already connected engine. w is closed by Close when it
// implements io.Closer.
func NewUCI(r io.Reader, w io.Writer) *UCI {
	u := &UCI{
		w:            w,
		lines:        make(chan string, 256),
		sem:          make(chan struct{}, 1),
		done:         make(chan struct{}),
		readyTimeout: 10 * time.Second,
		drainTimeout: 3 * time.Second,
		logger:       slog.With("component", "engine"),
	}
	if c, ok := w.(io.Closer); ok {
		u.closer = c
	}
	go u.readLoop(r)
	return u
}

// SetTimeouts overrides the handshake and stop-drain timeouts.
func (u *UCI) SetTimeouts(ready, drain time.Duration) {
	if ready > 0 {
		u.readyTimeout = ready
	}
	if drain > 0 {
		u.drainTimeout = drain
	}
}

func (u *UCI) readLoop(r io.Reader) {
	defer close(u.done)
	defer close(u.lines)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		u.lines <- strings.TrimSpace(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		u.logger.Warn("Engine output ended", "error", err)
	}
}

func (u *UCI) send(format string, args ...any) error {
	u.mu.Lock()
	closed := u.closed
	u.mu.Unlock()
	if closed {
		return ErrEngineClosed
	}
	line := fmt.Sprintf(format, args...)
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	if _, err := io.WriteString(u.w, line+"\n"); err != nil {
		return fmt.Errorf("engine write %q: %w", line, err)
	}
	return nil
}

// acquire waits for the engine. Giving up while a search still holds it
// yields ErrSearchActive.
func (u *UCI) acquire(ctx context.Context) error {
	select {
	case u.sem <- struct{}{}:
		return nil
	case <-u.done:
		return ErrEngineClosed
	case <-ctx.Done():
		if len(u.sem) > 0 {
			return fmt.Errorf("%w: %w", ErrSearchActive, ctx.Err())
		}
		return ctx.Err()
	}
}

func (u *UCI) release() { <-u.sem }

// waitFor consumes lines until one starts with token.
func (u *UCI) waitFor(ctx context.Context, token string) error {
	timer := time.NewTimer(u.readyTimeout)
	defer timer.Stop()
	for {
		select {
		case line, ok := <-u.lines:
			if !ok {
				return ErrEngineClosed
			}
			if strings.HasPrefix(line, token) {
				return nil
			}
		case <-timer.C:
			return fmt.Errorf("engine: no %q within %s", token, u.readyTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Configure performs the UCI handshake and applies opts.
func (u *UCI) Configure(ctx context.Context, opts []Option) error {
	if err := u.acquire(ctx); err != nil {
		return err
	}
	defer u.release()

	if err := u.send("uci"); err != nil {
		return err
	}
	if err := u.waitFor(ctx, "uciok"); err != nil {
		return err
	}
	for _, opt := range opts {
		if err := u.send("setoption name %s value %s", opt.Name, opt.Value); err != nil {
			return err
		}
	}
	if err := u.send("isready"); err != nil {
		return err
	}
	if err := u.waitFor(ctx, "readyok"); err != nil {
		return err
	}
	u.logger.Info("Engine configured", "options", len(opts))
	return nil
}

// Search starts a bounded search. It waits for any previous search to drain.
func (u *UCI) Search(ctx context.Context, pos types.Position, budget types.Budget) (<-chan Snapshot, error) {
	if err := u.acquire(ctx); err != nil {
		return nil, err
	}
	// Discard anything a previous search left behind.
	if err := u.send("isready"); err != nil {
		u.release()
		return nil, err
	}
	if err := u.waitFor(ctx, "readyok"); err != nil {
		u.release()
		return nil, err
	}
	if err := u.send("position fen %s", pos.FEN()); err != nil {
		u.release()
		return nil, err
	}
	if err := u.send("go depth %d movetime %d", budget.Depth, budget.MoveTime.Milliseconds()); err != nil {
		u.release()
		return nil, err
	}
	u.mu.Lock()
	u.searching = true
	u.mu.Unlock()

	out := make(chan Snapshot, 16)
	go u.collect(ctx, out)
	return out, nil
}

func (u *UCI) collect(ctx context.Context, out chan<- Snapshot) {
	defer u.release()
	defer close(out)
	defer func() {
		u.mu.Lock()
		u.searching = false
		u.mu.Unlock()
	}()

	byPV := make(map[int]types.CandidateMove)
	snapshot := func() types.CandidateSet {
		keys := make([]int, 0, len(byPV))
		for k := range byPV {
			keys = append(keys, k)
		}
		sort.Ints(keys)
		set := make(types.CandidateSet, 0, len(keys))
		for _, k := range keys {
			set = append(set, byPV[k])
		}
		return set
	}

	cancelled := ctx.Done()
	var drain <-chan time.Time
	for {
		select {
		case line, ok := <-u.lines:
			if !ok {
				return
			}
			if l, ok := ParseInfo(line); ok {
				byPV[l.MultiPV] = l.Candidate
				if cancelled != nil {
					select {
					case out <- Snapshot{Candidates: snapshot()}:
					default: // progress is best effort
					}
				}
				continue
			}
			if best, ok := ParseBestMove(line); ok {
				if cancelled == nil {
					return
				}
				select {
				case out <- Snapshot{Candidates: snapshot(), BestMove: best, Final: true}:
				case <-ctx.Done():
				}
				return
			}
		case <-cancelled:
			// Stop the engine and swallow its bestmove so the next search
			// starts clean.
			cancelled = nil
			if err := u.send("stop"); err != nil {
				return
			}
			timer := time.NewTimer(u.drainTimeout)
			defer timer.Stop()
			drain = timer.C
		case <-drain:
			u.logger.Warn("Engine did not answer stop", "timeout", u.drainTimeout)
			return
		}
	}
}

// Stop asks a running search to finish now. The search still reports its
// final snapshot.
func (u *UCI) Stop() error {
	u.mu.Lock()
	searching := u.searching
	u.mu.Unlock()
	if !searching {
		return nil
	}
	return u.send("stop")
}

// Close quits the engine and reaps the process.
func (u *UCI) Close() error {
	_ = u.send("quit")
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()
	if u.closer != nil {
		_ = u.closer.Close()
	}
	if u.cmd == nil {
		return nil
	}
	waitErr := make(chan error, 1)
	go func() { waitErr <- u.cmd.Wait() }()
	select {
	case err := <-waitErr:
		return err
	case <-time.After(u.drainTimeout):
		_ = u.cmd.Process.Kill()
		return <-waitErr
	}
}
