// Package presence projects the session registry into per-user
// online/last-seen records and streams changes to subscribers.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/4xmen/peyk/internal/lastwill"
	"github.com/4xmen/peyk/internal/metrics"
	"github.com/4xmen/peyk/internal/models"
	"github.com/4xmen/peyk/internal/session"
	"github.com/4xmen/peyk/internal/stream"
)

var ErrUnknownKey = errors.New("unknown presence key")

const (
	keyPrefix      = "users/"
	onlineField    = "online"
	lastSeenField  = "lastSeen"
	fieldSeparator = "/"
)

// OnlineKey is the last-will key for a user's online flag.
func OnlineKey(userID string) string {
	return keyPrefix + userID + fieldSeparator + onlineField
}

// LastSeenKey is the last-will key for a user's last-seen time.
func LastSeenKey(userID string) string {
	return keyPrefix + userID + fieldSeparator + lastSeenField
}

// Store persists presence records.
type Store interface {
	LoadPresence(ctx context.Context, userID string) (models.PresenceRecord, bool, error)
	SavePresence(ctx context.Context, rec models.PresenceRecord) error
}

type Service struct {
	registry *session.Registry
	store    Store
	clock    clockwork.Clock
	logger   *slog.Logger
	wills    *lastwill.Engine
	hub      *stream.Hub[string, models.PresenceRecord]

	mu      sync.Mutex
	records map[string]models.PresenceRecord
}

// New creates the service together with the last-will engine that
// writes back into it on connection teardown.
func New(registry *session.Registry, store Store, clock clockwork.Clock, logger *slog.Logger, m *metrics.Metrics) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		registry: registry,
		store:    store,
		clock:    clock,
		logger:   logger,
		hub:      stream.New[string, models.PresenceRecord](0),
		records:  make(map[string]models.PresenceRecord),
	}
	s.wills = lastwill.New(registry, s, clock, logger, m)
	return s
}

// Wills returns the last-will engine backing the service.
func (s *Service) Wills() *lastwill.Engine {
	return s.wills
}

// Online marks the owner of h online and registers the write set that
// marks them offline when h goes away.
func (s *Service) Online(ctx context.Context, h session.Handle) error {
	conn, ok := s.registry.Lookup(h)
	if !ok {
		return fmt.Errorf("presence online %s: %w", h, lastwill.ErrUnknownHandle)
	}

	if err := s.wills.Register(h, offlineWrites(conn.UserID, lastwill.ServerTimestamp)); err != nil {
		return err
	}

	return s.Apply(ctx, []lastwill.Write{
		{Key: OnlineKey(conn.UserID), Value: true},
		{Key: LastSeenKey(conn.UserID), Value: s.clock.Now()},
	})
}

// Logout performs the offline write directly and cancels the pending
// last will so teardown does not write it a second time.
func (s *Service) Logout(ctx context.Context, h session.Handle) error {
	conn, ok := s.registry.Lookup(h)
	if !ok {
		return fmt.Errorf("presence logout %s: %w", h, lastwill.ErrUnknownHandle)
	}

	s.wills.Commit(h)
	s.registry.Disconnect(h)
	return s.Apply(ctx, offlineWrites(conn.UserID, s.clock.Now()))
}

func offlineWrites(userID string, lastSeen any) []lastwill.Write {
	return []lastwill.Write{
		{Key: OnlineKey(userID), Value: false},
		{Key: LastSeenKey(userID), Value: lastSeen},
	}
}

type update struct {
	online   *bool
	lastSeen *time.Time
}

// Apply implements lastwill.Writer. The online flag is always re-derived
// from the registry, so a late offline write cannot hide a session that
// is still open on another device.
func (s *Service) Apply(ctx context.Context, writes []lastwill.Write) error {
	order, updates, err := parseWrites(writes)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, userID := range order {
		u := updates[userID]
		rec, err := s.recordLocked(ctx, userID)
		if err != nil {
			return err
		}

		if u.online != nil {
			online := s.registry.IsConnected(userID)
			if online != *u.online {
				s.logger.Debug("presence write overridden by registry", "user_id", userID, "requested", *u.online, "online", online)
			}
			rec.Online = online
		}
		if u.lastSeen != nil {
			rec.LastSeen = *u.lastSeen
		}

		if err := s.store.SavePresence(ctx, rec); err != nil {
			return fmt.Errorf("save presence for %s: %w", userID, err)
		}
		s.records[userID] = rec
		s.hub.Publish(userID, rec)
	}
	return nil
}

func parseWrites(writes []lastwill.Write) ([]string, map[string]*update, error) {
	var order []string
	updates := make(map[string]*update)

	for _, w := range writes {
		rest, ok := strings.CutPrefix(w.Key, keyPrefix)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownKey, w.Key)
		}
		userID, field, ok := strings.Cut(rest, fieldSeparator)
		if !ok || userID == "" {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownKey, w.Key)
		}

		u, seen := updates[userID]
		if !seen {
			u = &update{}
			updates[userID] = u
			order = append(order, userID)
		}

		switch field {
		case onlineField:
			v, ok := w.Value.(bool)
			if !ok {
				return nil, nil, fmt.Errorf("%w: %s wants bool, got %T", models.ErrValidation, w.Key, w.Value)
			}
			u.online = &v
		case lastSeenField:
			v, ok := w.Value.(time.Time)
			if !ok {
				return nil, nil, fmt.Errorf("%w: %s wants time, got %T", models.ErrValidation, w.Key, w.Value)
			}
			u.lastSeen = &v
		default:
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownKey, w.Key)
		}
	}
	return order, updates, nil
}

func (s *Service) recordLocked(ctx context.Context, userID string) (models.PresenceRecord, error) {
	if rec, ok := s.records[userID]; ok {
		return rec, nil
	}
	rec, found, err := s.store.LoadPresence(ctx, userID)
	if err != nil {
		return models.PresenceRecord{}, fmt.Errorf("load presence for %s: %w", userID, err)
	}
	rec.UserID = userID
	// Unknown ids come straight from clients; only real users are cached.
	if found {
		s.records[userID] = rec
	}
	return rec, nil
}

// Get returns the current presence record of userID.
func (s *Service) Get(ctx context.Context, userID string) (models.PresenceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordLocked(ctx, userID)
}

// Subscribe streams the presence of userID, starting with its current record.
func (s *Service) Subscribe(ctx context.Context, userID string) (*stream.Subscription[models.PresenceRecord], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.recordLocked(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.hub.Subscribe(userID, rec), nil
}

// GetOnlineCount returns how many of userIDs are currently online.
func (s *Service) GetOnlineCount(ctx context.Context, userIDs []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, id := range userIDs {
		rec, err := s.recordLocked(ctx, id)
		if err != nil {
			s.logger.Warn("failed to load presence", "user_id", id, "error", err)
			continue
		}
		if rec.Online {
			count++
		}
	}
	return count
}
