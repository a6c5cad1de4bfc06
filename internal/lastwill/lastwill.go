// Package lastwill runs deferred writes when a connection ends without
// cleaning up after itself.
//
// Each handle holds at most one write set. Exactly one of Commit or
// automatic execution at teardown consumes it.
package lastwill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/4xmen/peyk/internal/metrics"
	"github.com/4xmen/peyk/internal/session"
)

const executeTimeout = 5 * time.Second

var (
	ErrUnknownHandle = errors.New("unknown connection handle")
	ErrEmptyWriteSet = errors.New("empty write set")
)

type serverTimestamp struct{}

// ServerTimestamp may be used as a Write value; it is replaced by the
// execution time when the write set runs.
var ServerTimestamp = serverTimestamp{}

// Write is a single idempotent key-value assignment.
type Write struct {
	Key   string
	Value any
}

// Writer applies an ordered write set.
type Writer interface {
	Apply(ctx context.Context, writes []Write) error
}

type Engine struct {
	registry *session.Registry
	writer   Writer
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	pending map[session.Handle][]Write
}

// New creates an Engine and hooks it into the registry's teardown path.
func New(registry *session.Registry, writer Writer, clock clockwork.Clock, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		registry: registry,
		writer:   writer,
		clock:    clock,
		logger:   logger,
		metrics:  m,
		pending:  make(map[session.Handle][]Write),
	}
	registry.OnDisconnect(func(conn session.Conn) {
		ctx, cancel := context.WithTimeout(context.Background(), executeTimeout)
		defer cancel()
		e.Execute(ctx, conn.Handle)
	})
	return e
}

// Register stores writes to run if h is torn down. It replaces any write
// set previously registered for h.
func (e *Engine) Register(h session.Handle, writes []Write) error {
	if len(writes) == 0 {
		return ErrEmptyWriteSet
	}
	ws := make([]Write, len(writes))
	copy(ws, writes)

	// Lookup and insert under one lock: a concurrent teardown either
	// rejects the set or executes it.
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.registry.Lookup(h); !ok {
		return fmt.Errorf("register last will for %s: %w", h, ErrUnknownHandle)
	}
	e.pending[h] = ws
	return nil
}

// Commit cancels the write set registered for h without running it.
// It returns false if nothing was pending.
func (e *Engine) Commit(h session.Handle) bool {
	if _, ok := e.take(h); !ok {
		return false
	}
	e.metrics.LastWillCancelled()
	e.logger.Debug("last will cancelled", "conn", h)
	return true
}

// Pending reports whether h still holds an unconsumed write set.
func (e *Engine) Pending(h session.Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[h]
	return ok
}

// Execute runs and consumes the write set for h. It reports whether a
// write set was run. Failures are logged and otherwise ignored.
func (e *Engine) Execute(ctx context.Context, h session.Handle) bool {
	writes, ok := e.take(h)
	if !ok {
		return false
	}

	now := e.clock.Now()
	resolved := make([]Write, len(writes))
	for i, w := range writes {
		if _, ok := w.Value.(serverTimestamp); ok {
			w.Value = now
		}
		resolved[i] = w
	}

	e.metrics.LastWillExecuted()
	if err := e.writer.Apply(ctx, resolved); err != nil {
		e.metrics.LastWillFailed()
		e.logger.Warn("last will execution failed", "conn", h, "error", err)
		return true
	}
	e.logger.Debug("last will executed", "conn", h, "writes", len(resolved))
	return true
}

func (e *Engine) take(h session.Handle) ([]Write, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	writes, ok := e.pending[h]
	if ok {
		delete(e.pending, h)
	}
	return writes, ok
}
