// Package chat is the entry point for client actions on conversations.
// It applies participant checks, the send throttle and the rename
// cascade on top of the timeline, typing and identity services.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/4xmen/peyk/internal/metrics"
	"github.com/4xmen/peyk/internal/models"
	"github.com/4xmen/peyk/internal/ratelimit"
	"github.com/4xmen/peyk/internal/suggest"
	"github.com/4xmen/peyk/internal/timeline"
	"github.com/4xmen/peyk/internal/typing"
)

// Identity is the user profile store.
type Identity interface {
	GetUser(ctx context.Context, userID string) (models.User, error)
	RenameUser(ctx context.Context, userID, newName string) (string, error)
}

type Deps struct {
	Timeline  *timeline.Timeline
	Limiter   *ratelimit.Limiter
	Typing    *typing.Service
	Identity  Identity
	Suggester *suggest.Suggester
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

type Service struct {
	timeline  *timeline.Timeline
	limiter   *ratelimit.Limiter
	typing    *typing.Service
	identity  Identity
	suggester *suggest.Suggester
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Service{
		timeline:  d.Timeline,
		limiter:   d.Limiter,
		typing:    d.Typing,
		identity:  d.Identity,
		suggester: d.Suggester,
		metrics:   d.Metrics,
		logger:    d.Logger,
	}
}

// OpenConversation returns the conversation id shared by userID and peerID.
func (s *Service) OpenConversation(userID, peerID string) (string, error) {
	if userID == "" || peerID == "" ||
		strings.Contains(userID, models.ConversationSeparator) ||
		strings.Contains(peerID, models.ConversationSeparator) {
		return "", models.Invalid("invalid participants")
	}
	if userID == peerID {
		return "", models.Invalid("cannot create conversation with yourself")
	}
	return models.ConversationID(userID, peerID), nil
}

func checkParticipant(conversationID, userID string) error {
	if !models.IsParticipant(conversationID, userID) {
		return models.Forbidden("not a participant")
	}
	return nil
}

// Send appends a message unless the sender is throttled. A throttled
// send returns accepted=false and no error.
func (s *Service) Send(ctx context.Context, conversationID, senderID, text, imageRef string) (models.Message, bool, error) {
	if err := checkParticipant(conversationID, senderID); err != nil {
		return models.Message{}, false, err
	}
	if strings.TrimSpace(text) == "" && strings.TrimSpace(imageRef) == "" {
		return models.Message{}, false, models.Invalid("message text or image required")
	}

	release, ok := s.limiter.Reserve(senderID)
	if !ok {
		s.metrics.SendDropped()
		s.logger.Debug("send dropped by rate limiter", "user_id", senderID, "conversation_id", conversationID)
		return models.Message{}, false, nil
	}

	sender, err := s.identity.GetUser(ctx, senderID)
	if err != nil {
		release()
		return models.Message{}, false, err
	}

	m, err := s.timeline.Append(ctx, conversationID, senderID, sender.Username, text, imageRef)
	if err != nil {
		release()
		return models.Message{}, false, err
	}

	if s.typing != nil {
		s.typing.ClearOnLeave(conversationID, senderID)
	}
	return m, true, nil
}

func (s *Service) Edit(ctx context.Context, conversationID string, messageID int64, editorID, text string) error {
	if err := checkParticipant(conversationID, editorID); err != nil {
		return err
	}
	return s.timeline.Edit(ctx, conversationID, messageID, editorID, text)
}

func (s *Service) Delete(ctx context.Context, conversationID string, messageID int64, requesterID string) error {
	if err := checkParticipant(conversationID, requesterID); err != nil {
		return err
	}
	return s.timeline.SoftDelete(ctx, conversationID, messageID, requesterID)
}

// ClearMine soft-deletes every message requesterID sent in the conversation.
func (s *Service) ClearMine(ctx context.Context, conversationID, requesterID string) (int, error) {
	if err := checkParticipant(conversationID, requesterID); err != nil {
		return 0, err
	}
	return s.timeline.BulkSoftDeleteOwn(ctx, conversationID, requesterID)
}

// Messages returns the ordered timeline of a conversation userID takes part in.
func (s *Service) Messages(ctx context.Context, conversationID, userID string) ([]models.Message, error) {
	if err := checkParticipant(conversationID, userID); err != nil {
		return nil, err
	}
	return s.timeline.Snapshot(ctx, conversationID)
}

// Rename changes the username and rewrites it on every message the
// user has sent.
func (s *Service) Rename(ctx context.Context, userID, newName string) (string, error) {
	name, err := s.identity.RenameUser(ctx, userID, newName)
	if err != nil {
		return "", err
	}
	n, err := s.timeline.RenameSender(ctx, userID, name)
	if err != nil {
		return "", fmt.Errorf("rename cascade for %s: %w", userID, err)
	}
	s.logger.Info("user renamed", "user_id", userID, "messages", n)
	return name, nil
}

// Suggest proposes a reply for userID from the latest messages. It
// returns "" when no suggestion is available.
func (s *Service) Suggest(ctx context.Context, conversationID, userID string) (string, error) {
	if err := checkParticipant(conversationID, userID); err != nil {
		return "", err
	}
	if !s.suggester.Enabled() {
		return "", nil
	}

	msgs, err := s.timeline.Snapshot(ctx, conversationID)
	if err != nil {
		return "", err
	}
	var lines []suggest.Line
	for _, m := range msgs {
		if m.Deleted || m.Text == "" {
			continue
		}
		lines = append(lines, suggest.Line{SenderName: m.SenderName, Text: m.Text})
	}

	user, err := s.identity.GetUser(ctx, userID)
	if err != nil {
		s.logger.Warn("suggestion without username", "user_id", userID, "error", err)
	}
	return s.suggester.Suggest(ctx, user.Username, lines), nil
}
