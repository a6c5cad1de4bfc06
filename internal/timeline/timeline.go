// Package timeline keeps the ordered message log of every conversation.
//
// Mutations of one conversation are serialized on that conversation's
// lock and written through to the persister before they become visible,
// so subscribers only ever see complete states. Different conversations
// proceed in parallel.
package timeline

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/4xmen/peyk/internal/metrics"
	"github.com/4xmen/peyk/internal/models"
	"github.com/4xmen/peyk/internal/stream"
)

// Persister is the durable backing of the timeline. A nil Persister
// keeps everything in memory.
type Persister interface {
	LoadConversation(ctx context.Context, conversationID string) ([]models.Message, error)
	InsertMessage(ctx context.Context, m models.Message) error
	UpdateMessages(ctx context.Context, msgs []models.Message) error
	SenderConversations(ctx context.Context, userID string) ([]string, error)
}

type conversation struct {
	mu     sync.Mutex
	loaded bool
	msgs   []models.Message
	index  map[int64]int
	nextID int64
	lastTS time.Time
}

type Timeline struct {
	persister Persister
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
	hub       *stream.Hub[string, []models.Message]

	mu    sync.Mutex
	convs map[string]*conversation
	// names holds the latest sender name set by RenameSender. Append
	// prefers it over the name its caller resolved.
	names map[string]string
}

func New(persister Persister, clock clockwork.Clock, logger *slog.Logger, m *metrics.Metrics) *Timeline {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Timeline{
		persister: persister,
		clock:     clock,
		logger:    logger,
		metrics:   m,
		hub:       stream.New[string, []models.Message](0),
		convs:     make(map[string]*conversation),
		names:     make(map[string]string),
	}
}

func (t *Timeline) conversation(id string) *conversation {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.convs[id]
	if !ok {
		c = &conversation{index: make(map[int64]int), nextID: 1}
		t.convs[id] = c
	}
	return c
}

// lock returns the conversation locked and loaded.
func (t *Timeline) lock(ctx context.Context, id string) (*conversation, error) {
	if id == "" {
		return nil, models.Invalid("invalid conversation id")
	}
	c := t.conversation(id)
	c.mu.Lock()
	if c.loaded || t.persister == nil {
		c.loaded = true
		return c, nil
	}

	msgs, err := t.persister.LoadConversation(ctx, id)
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	models.SortMessages(msgs)
	c.msgs = msgs
	for i, m := range msgs {
		c.index[m.ID] = i
		if m.ID >= c.nextID {
			c.nextID = m.ID + 1
		}
	}
	if n := len(msgs); n > 0 {
		c.lastTS = msgs[n-1].ServerTimestamp
	}
	c.loaded = true
	return c, nil
}

func (c *conversation) snapshot() []models.Message {
	out := make([]models.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *conversation) find(id int64) (int, bool) {
	i, ok := c.index[id]
	return i, ok
}

// Append adds a message and assigns its id and server timestamp.
func (t *Timeline) Append(ctx context.Context, conversationID, senderID, senderName, text, imageRef string) (models.Message, error) {
	text = strings.TrimSpace(text)
	imageRef = strings.TrimSpace(imageRef)
	if text == "" && imageRef == "" {
		return models.Message{}, models.Invalid("message text or image required")
	}
	if senderID == "" {
		return models.Message{}, models.Invalid("sender required")
	}

	c, err := t.lock(ctx, conversationID)
	if err != nil {
		return models.Message{}, err
	}
	defer c.mu.Unlock()

	if name, ok := t.renamed(senderID); ok {
		senderName = name
	}
	ts := t.clock.Now()
	if ts.Before(c.lastTS) {
		ts = c.lastTS
	}
	m := models.Message{
		ID:              c.nextID,
		ConversationID:  conversationID,
		SenderID:        senderID,
		SenderName:      senderName,
		Text:            text,
		ImageRef:        imageRef,
		ServerTimestamp: ts,
	}

	if t.persister != nil {
		if err := t.persister.InsertMessage(ctx, m); err != nil {
			return models.Message{}, fmt.Errorf("append to %s: %w", conversationID, err)
		}
	}

	c.nextID++
	c.lastTS = ts
	c.index[m.ID] = len(c.msgs)
	c.msgs = append(c.msgs, m)
	t.metrics.MessageAppended()
	t.hub.Publish(conversationID, c.snapshot())

	t.logger.Debug("message appended", "conversation_id", conversationID, "message_id", m.ID)
	return m, nil
}

func (t *Timeline) renamed(userID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	name, ok := t.names[userID]
	return name, ok
}

func (t *Timeline) owned(c *conversation, messageID int64, userID string) (int, error) {
	i, ok := c.find(messageID)
	if !ok {
		return 0, models.Missing("message not found")
	}
	if c.msgs[i].SenderID != userID {
		return 0, models.Forbidden("can only modify own messages")
	}
	return i, nil
}

// commit persists updated and then replaces the in-memory copies.
// Caller holds c.mu.
func (t *Timeline) commit(ctx context.Context, c *conversation, conversationID string, updated []models.Message) error {
	if t.persister != nil {
		if err := t.persister.UpdateMessages(ctx, updated); err != nil {
			return fmt.Errorf("update %s: %w", conversationID, err)
		}
	}
	for _, m := range updated {
		c.msgs[c.index[m.ID]] = m
	}
	t.hub.Publish(conversationID, c.snapshot())
	return nil
}

// Edit replaces the text of a message owned by editorID.
func (t *Timeline) Edit(ctx context.Context, conversationID string, messageID int64, editorID, newText string) error {
	c, err := t.lock(ctx, conversationID)
	if err != nil {
		return err
	}
	defer c.mu.Unlock()

	i, err := t.owned(c, messageID, editorID)
	if err != nil {
		return err
	}

	m := c.msgs[i]
	newText = strings.TrimSpace(newText)
	switch {
	case m.Deleted:
		return models.Invalid("cannot edit a deleted message")
	case newText == m.Text:
		return models.Invalid("message text unchanged")
	case newText == "" && m.ImageRef == "":
		return models.Invalid("message text or image required")
	}

	m.Text = newText
	m.Edited = true
	return t.commit(ctx, c, conversationID, []models.Message{m})
}

// SoftDelete replaces a message with the deletion placeholder. Deleting
// an already deleted message does nothing.
func (t *Timeline) SoftDelete(ctx context.Context, conversationID string, messageID int64, requesterID string) error {
	c, err := t.lock(ctx, conversationID)
	if err != nil {
		return err
	}
	defer c.mu.Unlock()

	i, err := t.owned(c, messageID, requesterID)
	if err != nil {
		return err
	}
	if c.msgs[i].Deleted {
		return nil
	}
	return t.commit(ctx, c, conversationID, []models.Message{tombstone(c.msgs[i])})
}

func tombstone(m models.Message) models.Message {
	m.Text = models.DeletedText
	m.ImageRef = ""
	m.Deleted = true
	return m
}

// BulkSoftDeleteOwn soft-deletes every message requesterID sent in the
// conversation as one batch and returns how many changed.
func (t *Timeline) BulkSoftDeleteOwn(ctx context.Context, conversationID, requesterID string) (int, error) {
	c, err := t.lock(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	defer c.mu.Unlock()

	var updated []models.Message
	for _, m := range c.msgs {
		if m.SenderID == requesterID && !m.Deleted {
			updated = append(updated, tombstone(m))
		}
	}
	if len(updated) == 0 {
		return 0, nil
	}
	if err := t.commit(ctx, c, conversationID, updated); err != nil {
		return 0, err
	}
	return len(updated), nil
}

// RenameSender rewrites the sender name on every message userID has
// sent. Each conversation is rewritten atomically; it returns the
// number of messages changed.
func (t *Timeline) RenameSender(ctx context.Context, userID, newSenderName string) (int, error) {
	if userID == "" || strings.TrimSpace(newSenderName) == "" {
		return 0, models.Invalid("username required")
	}

	// Set before scanning so an Append that misses the scan of its
	// conversation still writes the new name.
	t.mu.Lock()
	t.names[userID] = newSenderName
	t.mu.Unlock()

	ids := make(map[string]struct{})
	if t.persister != nil {
		persisted, err := t.persister.SenderConversations(ctx, userID)
		if err != nil {
			return 0, fmt.Errorf("rename %s: %w", userID, err)
		}
		for _, id := range persisted {
			ids[id] = struct{}{}
		}
	}
	t.mu.Lock()
	for id := range t.convs {
		ids[id] = struct{}{}
	}
	t.mu.Unlock()

	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	total := 0
	for _, id := range sorted {
		n, err := t.renameIn(ctx, id, userID, newSenderName)
		if err != nil {
			return total, err
		}
		total += n
	}
	t.logger.Info("sender renamed", "user_id", userID, "messages", total)
	return total, nil
}

func (t *Timeline) renameIn(ctx context.Context, conversationID, userID, name string) (int, error) {
	c, err := t.lock(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	defer c.mu.Unlock()

	var updated []models.Message
	for _, m := range c.msgs {
		if m.SenderID == userID && m.SenderName != name {
			m.SenderName = name
			updated = append(updated, m)
		}
	}
	if len(updated) == 0 {
		return 0, nil
	}
	if err := t.commit(ctx, c, conversationID, updated); err != nil {
		return 0, err
	}
	return len(updated), nil
}

// Snapshot returns the current ordered message list.
func (t *Timeline) Snapshot(ctx context.Context, conversationID string) ([]models.Message, error) {
	c, err := t.lock(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer c.mu.Unlock()
	return c.snapshot(), nil
}

// Last returns up to n of the newest messages, oldest first.
func (t *Timeline) Last(ctx context.Context, conversationID string, n int) ([]models.Message, error) {
	msgs, err := t.Snapshot(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if n >= 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs, nil
}

// Subscribe streams the full ordered list of the conversation, starting
// with its current state.
func (t *Timeline) Subscribe(ctx context.Context, conversationID string) (*stream.Subscription[[]models.Message], error) {
	c, err := t.lock(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	defer c.mu.Unlock()
	return t.hub.Subscribe(conversationID, c.snapshot()), nil
}
