package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/4xmen/peyk/internal/db"
	"github.com/4xmen/peyk/internal/notify"
)

// Store holds the push subscriptions of each user.
type Store interface {
	PushSubscriptions(ctx context.Context, userID string) ([]db.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, endpoint string) error
}

type sendFunc func(message []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error)

// Notifier delivers notifications to subscribed browsers over Web Push.
type Notifier struct {
	store           Store
	vapidPublicKey  string
	vapidPrivateKey string
	logger          *slog.Logger
	send            sendFunc
	wg              sync.WaitGroup
}

// NewNotifier creates a push Notifier. Returns nil if VAPID keys are empty.
func NewNotifier(store Store, vapidPublicKey, vapidPrivateKey string, logger *slog.Logger) *Notifier {
	if vapidPublicKey == "" || vapidPrivateKey == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		store:           store,
		vapidPublicKey:  vapidPublicKey,
		vapidPrivateKey: vapidPrivateKey,
		logger:          logger,
		send:            webpush.SendNotification,
	}
}

// VAPIDPublicKey returns the public VAPID key for the frontend.
func (n *Notifier) VAPIDPublicKey() string {
	if n == nil {
		return ""
	}
	return n.vapidPublicKey
}

// payload is the JSON structure sent inside the push notification.
type payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

// Notify implements notify.Sink. Delivery to each subscription happens
// in the background.
func (n *Notifier) Notify(ctx context.Context, userID string, note notify.Notification) error {
	if n == nil {
		return nil
	}

	subs, err := n.store.PushSubscriptions(ctx, userID)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	if len(subs) == 0 {
		n.logger.Debug("push: no active subscriptions", "user_id", userID)
		return nil
	}

	data, err := json.Marshal(payload{
		Title: note.Title,
		Body:  note.Body,
		URL:   "/?c=" + url.QueryEscape(note.ConversationID),
	})
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}

	n.logger.Debug("push: sending notification", "user_id", userID, "subscriptions", len(subs))
	for _, sub := range subs {
		n.wg.Add(1)
		go func(sub db.PushSubscription) {
			defer n.wg.Done()
			n.sendToSubscription(sub, data)
		}(sub)
	}
	return nil
}

// Wait blocks until in-flight deliveries finish.
func (n *Notifier) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}

func (n *Notifier) sendToSubscription(sub db.PushSubscription, data []byte) {
	s := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}

	resp, err := n.send(data, s, &webpush.Options{
		VAPIDPublicKey:  n.vapidPublicKey,
		VAPIDPrivateKey: n.vapidPrivateKey,
		Subscriber:      "mailto:push@peyk.local",
		TTL:             86400,
	})
	if err != nil {
		n.logger.Warn("push: failed to send", "endpoint", sub.Endpoint, "error", err)
		return
	}
	defer resp.Body.Close()

	// 410 Gone or 404 means the subscription is expired
	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		if err := n.store.DeletePushSubscription(context.Background(), sub.Endpoint); err != nil {
			n.logger.Warn("push: failed to remove expired subscription", "endpoint", sub.Endpoint, "error", err)
			return
		}
		n.logger.Info("push: removed expired subscription", "endpoint", sub.Endpoint, "status", resp.StatusCode)
	}
}
