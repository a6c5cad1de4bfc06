package push

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/4xmen/peyk/internal/db"
	"github.com/4xmen/peyk/internal/notify"
)

type fakeStore struct {
	mu      sync.Mutex
	subs    map[string][]db.PushSubscription
	deleted []string
}

func (s *fakeStore) PushSubscriptions(_ context.Context, userID string) ([]db.PushSubscription, error) {
	return s.subs[userID], nil
}

func (s *fakeStore) DeletePushSubscription(_ context.Context, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, endpoint)
	return nil
}

func TestNewNotifierRequiresKeys(t *testing.T) {
	if n := NewNotifier(&fakeStore{}, "", "", nil); n != nil {
		t.Fatal("expected nil notifier without VAPID keys")
	}
	var n *Notifier
	if err := n.Notify(context.Background(), "u1", notify.Notification{}); err != nil {
		t.Fatalf("nil notifier Notify: %v", err)
	}
}

func TestNotifySendsAndPrunesExpired(t *testing.T) {
	store := &fakeStore{subs: map[string][]db.PushSubscription{
		"u2": {
			{Endpoint: "https://push.example/live", P256dh: "k", Auth: "a"},
			{Endpoint: "https://push.example/gone", P256dh: "k", Auth: "a"},
		},
	}}
	n := NewNotifier(store, "pub", "priv", nil)

	var mu sync.Mutex
	var payloads []payload
	n.send = func(message []byte, s *webpush.Subscription, opts *webpush.Options) (*http.Response, error) {
		var p payload
		json.Unmarshal(message, &p)
		mu.Lock()
		payloads = append(payloads, p)
		mu.Unlock()

		status := http.StatusCreated
		if strings.HasSuffix(s.Endpoint, "/gone") {
			status = http.StatusGone
		}
		return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(""))}, nil
	}

	err := n.Notify(context.Background(), "u2", notify.Notification{ConversationID: "u1_u2", Title: "alice", Body: "hi"})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	n.Wait()

	if len(payloads) != 2 || payloads[0].Title != "alice" || payloads[0].Body != "hi" {
		t.Fatalf("payloads = %+v", payloads)
	}
	if len(store.deleted) != 1 || store.deleted[0] != "https://push.example/gone" {
		t.Fatalf("deleted = %v", store.deleted)
	}
}
