// Package typing keeps the ephemeral "is typing" flag per
// (conversation, user) and expires it after a short idle period.
package typing

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/4xmen/peyk/internal/models"
	"github.com/4xmen/peyk/internal/stream"
)

// DefaultTimeout is how long a typing flag survives without a refresh.
const DefaultTimeout = 1500 * time.Millisecond

type key struct {
	conversationID string
	userID         string
}

type flag struct {
	typing bool
	gen    uint64
	timer  clockwork.Timer
}

type Service struct {
	clock   clockwork.Clock
	timeout time.Duration
	logger  *slog.Logger
	hub     *stream.Hub[key, bool]

	mu    sync.Mutex
	flags map[key]*flag
}

func New(clock clockwork.Clock, timeout time.Duration, logger *slog.Logger) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		clock:   clock,
		timeout: timeout,
		logger:  logger,
		hub:     stream.New[key, bool](0),
		flags:   make(map[key]*flag),
	}
}

// SetTyping sets the flag for userID in conversationID. A true value
// (re)starts the idle timer.
func (s *Service) SetTyping(conversationID, userID string, isTyping bool) error {
	if conversationID == "" || userID == "" {
		return fmt.Errorf("%w: conversation and user are required", models.ErrValidation)
	}
	k := key{conversationID, userID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !isTyping {
		s.clearLocked(k)
		return nil
	}

	f, ok := s.flags[k]
	if !ok {
		f = &flag{}
		s.flags[k] = f
	}
	if f.timer != nil {
		f.timer.Stop()
	}
	f.gen++
	gen := f.gen
	f.timer = s.clock.AfterFunc(s.timeout, func() { s.expire(k, gen) })

	if !f.typing {
		f.typing = true
		s.hub.Publish(k, true)
	}
	return nil
}

// ClearOnLeave forces the flag off and cancels its timer.
func (s *Service) ClearOnLeave(conversationID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked(key{conversationID, userID})
}

func (s *Service) clearLocked(k key) {
	f, ok := s.flags[k]
	if !ok {
		return
	}
	if f.timer != nil {
		f.timer.Stop()
	}
	delete(s.flags, k)
	if f.typing {
		s.hub.Publish(k, false)
	}
}

func (s *Service) expire(k key, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flags[k]
	if !ok || f.gen != gen {
		return
	}
	s.logger.Debug("typing expired", "conversation_id", k.conversationID, "user_id", k.userID)
	s.clearLocked(k)
}

// IsTyping reports the current flag.
func (s *Service) IsTyping(conversationID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flags[key{conversationID, userID}]
	return ok && f.typing
}

// Subscribe streams the flag of userID in conversationID, starting with
// its current value.
func (s *Service) Subscribe(conversationID, userID string) *stream.Subscription[bool] {
	k := key{conversationID, userID}

	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flags[k]
	return s.hub.Subscribe(k, ok && f.typing)
}
