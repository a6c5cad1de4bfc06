// Package notify decides, for every timeline state a subscriber
// receives, which sound cue to play and whether to raise a notification.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/4xmen/peyk/internal/metrics"
	"github.com/4xmen/peyk/internal/models"
)

type Cue string

const (
	CueNone    Cue = ""
	CueSend    Cue = "send"
	CueReceive Cue = "receive"
)

// Subscriber is one viewer of a conversation. Key identifies the
// viewing connection; visibility and watermarks are tracked per key.
type Subscriber struct {
	Key    string
	UserID string
}

type Notification struct {
	ConversationID string `json:"conversation_id"`
	MessageID      int64  `json:"message_id"`
	Title          string `json:"title"`
	Body           string `json:"body"`
}

type Alert struct {
	Cue          Cue           `json:"cue"`
	Notification *Notification `json:"notification,omitempty"`
}

// Sink receives notifications in addition to the caller, e.g. to push
// them to devices that are not connected.
type Sink interface {
	Notify(ctx context.Context, userID string, n Notification) error
}

// watermarkKey is keyed by connection for alerts and by user for sinks.
type watermarkKey struct {
	subscriber     string
	conversationID string
}

type watermark struct {
	ts time.Time
	id int64
}

type Dispatcher struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	sinks   []Sink

	mu      sync.Mutex
	hidden  map[string]bool
	marks   map[watermarkKey]watermark
	touched map[string][]watermarkKey
	// pushed is the newest message handed to the sinks per user and
	// conversation, so several hidden devices of one user push once.
	pushed map[watermarkKey]watermark
}

func New(logger *slog.Logger, m *metrics.Metrics, sinks ...Sink) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:  logger,
		metrics: m,
		sinks:   sinks,
		hidden:  make(map[string]bool),
		marks:   make(map[watermarkKey]watermark),
		touched: make(map[string][]watermarkKey),
		pushed:  make(map[watermarkKey]watermark),
	}
}

// SetVisible records whether the subscriber's client is in the foreground.
// Subscribers are visible until they report otherwise.
func (d *Dispatcher) SetVisible(key string, visible bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if visible {
		delete(d.hidden, key)
	} else {
		d.hidden[key] = true
	}
}

// Forget drops all state kept for key.
func (d *Dispatcher) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.hidden, key)
	for _, k := range d.touched[key] {
		delete(d.marks, k)
	}
	delete(d.touched, key)
}

// Observe evaluates a timeline state delivered to sub. The first state
// seen for a conversation only sets the watermark. Later states produce
// an alert when their newest message is past the watermark.
func (d *Dispatcher) Observe(ctx context.Context, sub Subscriber, conversationID string, msgs []models.Message) (Alert, bool) {
	wk := watermarkKey{sub.Key, conversationID}
	if len(msgs) == 0 {
		d.prime(wk)
		return Alert{}, false
	}
	newest := msgs[len(msgs)-1]
	mark := watermark{ts: newest.ServerTimestamp, id: newest.ID}

	d.mu.Lock()
	prev, seen := d.marks[wk]
	if seen && !after(mark, prev) {
		d.mu.Unlock()
		return Alert{}, false
	}
	d.marks[wk] = mark
	if !seen {
		d.touched[sub.Key] = append(d.touched[sub.Key], wk)
	}
	hidden := d.hidden[sub.Key]
	d.mu.Unlock()

	if !seen {
		return Alert{}, false
	}

	alert := Alert{Cue: CueReceive}
	if newest.SenderID == sub.UserID {
		alert.Cue = CueSend
		return alert, true
	}
	if !hidden || newest.Deleted {
		return alert, true
	}

	n := Notification{
		ConversationID: conversationID,
		MessageID:      newest.ID,
		Title:          newest.SenderName,
		Body:           newest.Text,
	}
	if n.Body == "" {
		n.Body = models.ImageNotificationBody
	}
	alert.Notification = &n
	d.metrics.NotificationSent()

	uk := watermarkKey{sub.UserID, conversationID}
	d.mu.Lock()
	fresh := after(mark, d.pushed[uk])
	if fresh {
		d.pushed[uk] = mark
	}
	d.mu.Unlock()
	if !fresh {
		return alert, true
	}

	for _, s := range d.sinks {
		if err := s.Notify(ctx, sub.UserID, n); err != nil {
			d.logger.Warn("notification sink failed", "user_id", sub.UserID, "conversation_id", conversationID, "error", err)
		}
	}
	return alert, true
}

// prime starts tracking an empty conversation so its first message alerts.
func (d *Dispatcher) prime(wk watermarkKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, seen := d.marks[wk]; !seen {
		d.marks[wk] = watermark{}
		d.touched[wk.subscriber] = append(d.touched[wk.subscriber], wk)
	}
}

func after(a, b watermark) bool {
	if !a.ts.Equal(b.ts) {
		return a.ts.After(b.ts)
	}
	return a.id > b.id
}
