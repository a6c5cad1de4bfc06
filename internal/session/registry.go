package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/4xmen/peyk/internal/models"
)

// DefaultHeartbeatTimeout matches the websocket read deadline used by the transport.
const DefaultHeartbeatTimeout = 60 * time.Second

var ErrInvalidUser = errors.New("invalid user id")

// Handle identifies one open connection.
type Handle string

type Conn struct {
	Handle      Handle
	UserID      string
	ConnectedAt time.Time
}

// Hook is called after a connection is opened or torn down.
type Hook func(conn Conn)

type entry struct {
	conn     Conn
	lastBeat time.Time
	closers  []io.Closer
}

// Registry maps connections to users. It is the source of truth for
// whether a user is connected.
type Registry struct {
	clock   clockwork.Clock
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	conns  map[Handle]*entry
	byUser map[string]map[Handle]struct{}

	hookMu       sync.RWMutex
	onConnect    []Hook
	onDisconnect []Hook
}

func NewRegistry(clock clockwork.Clock, timeout time.Duration, logger *slog.Logger) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		clock:   clock,
		timeout: timeout,
		logger:  logger,
		conns:   make(map[Handle]*entry),
		byUser:  make(map[string]map[Handle]struct{}),
	}
}

// OnConnect registers fn to run after every Connect.
func (r *Registry) OnConnect(fn Hook) {
	r.hookMu.Lock()
	r.onConnect = append(r.onConnect, fn)
	r.hookMu.Unlock()
}

// OnDisconnect registers fn to run after a connection is torn down.
// Hooks run in registration order, after the connection's attached
// closers have been closed.
func (r *Registry) OnDisconnect(fn Hook) {
	r.hookMu.Lock()
	r.onDisconnect = append(r.onDisconnect, fn)
	r.hookMu.Unlock()
}

func (r *Registry) Connect(userID string) (Handle, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || strings.Contains(userID, models.ConversationSeparator) {
		return "", ErrInvalidUser
	}

	now := r.clock.Now()
	conn := Conn{
		Handle:      Handle(uuid.NewString()),
		UserID:      userID,
		ConnectedAt: now,
	}

	r.mu.Lock()
	r.conns[conn.Handle] = &entry{conn: conn, lastBeat: now}
	set, ok := r.byUser[userID]
	if !ok {
		set = make(map[Handle]struct{})
		r.byUser[userID] = set
	}
	set[conn.Handle] = struct{}{}
	total := len(r.conns)
	r.mu.Unlock()

	r.logger.Info("connection opened", "user_id", userID, "conn", conn.Handle, "total", total)

	r.hookMu.RLock()
	hooks := append([]Hook(nil), r.onConnect...)
	r.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(conn)
	}

	return conn.Handle, nil
}

// Lookup returns the connection for h if it is still open.
func (r *Registry) Lookup(h Handle) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[h]
	if !ok {
		return Conn{}, false
	}
	return e.conn, true
}

// Heartbeat records liveness for h. It returns false if h is not open.
func (r *Registry) Heartbeat(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[h]
	if !ok {
		return false
	}
	e.lastBeat = r.clock.Now()
	return true
}

// Attach ties c to the lifetime of h. If h is already gone, c is closed
// immediately and Attach returns false.
func (r *Registry) Attach(h Handle, c io.Closer) bool {
	r.mu.Lock()
	e, ok := r.conns[h]
	if ok {
		e.closers = append(e.closers, c)
	}
	r.mu.Unlock()

	if !ok {
		c.Close()
	}
	return ok
}

// Disconnect tears h down. Calling it for an unknown or already closed
// handle is a no-op that returns false.
func (r *Registry) Disconnect(h Handle) bool {
	r.mu.Lock()
	e, ok := r.conns[h]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, h)
	if set := r.byUser[e.conn.UserID]; set != nil {
		delete(set, h)
		if len(set) == 0 {
			delete(r.byUser, e.conn.UserID)
		}
	}
	total := len(r.conns)
	r.mu.Unlock()

	for _, c := range e.closers {
		if err := c.Close(); err != nil {
			r.logger.Warn("failed to close subscription", "conn", h, "error", err)
		}
	}

	r.logger.Info("connection closed", "user_id", e.conn.UserID, "conn", h, "total", total)

	r.hookMu.RLock()
	hooks := append([]Hook(nil), r.onDisconnect...)
	r.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(e.conn)
	}
	return true
}

// IsConnected reports whether userID holds at least one open connection.
func (r *Registry) IsConnected(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[userID]) > 0
}

// Connections returns the number of open connections held by userID.
func (r *Registry) Connections(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[userID])
}

// Count returns the total number of open connections.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Reap disconnects every connection whose last heartbeat is older than
// the timeout and returns how many were torn down.
func (r *Registry) Reap() int {
	deadline := r.clock.Now().Add(-r.timeout)

	r.mu.Lock()
	var expired []Handle
	for h, e := range r.conns {
		if e.lastBeat.Before(deadline) {
			expired = append(expired, h)
		}
	}
	r.mu.Unlock()

	n := 0
	for _, h := range expired {
		r.logger.Info("heartbeat timeout", "conn", h)
		if r.Disconnect(h) {
			n++
		}
	}
	return n
}

// Run reaps dead connections until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.timeout / 4)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.Reap()
		}
	}
}
