package ws

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/4xmen/peyk/internal/auth"
	"github.com/4xmen/peyk/internal/chat"
	"github.com/4xmen/peyk/internal/db"
	"github.com/4xmen/peyk/internal/metrics"
	"github.com/4xmen/peyk/internal/models"
	"github.com/4xmen/peyk/internal/notify"
	"github.com/4xmen/peyk/internal/presence"
	"github.com/4xmen/peyk/internal/ratelimit"
	"github.com/4xmen/peyk/internal/session"
	"github.com/4xmen/peyk/internal/timeline"
	"github.com/4xmen/peyk/internal/typing"
	"github.com/4xmen/peyk/pkg/i18n"
)

type testServer struct {
	hub      *Hub
	registry *session.Registry
	presence *presence.Service
	server   *httptest.Server
	alice    string
	bob      string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	authSvc := auth.New(database.GetConn(), "test-secret")
	ctx := context.Background()
	alice, err := authSvc.Register(ctx, "alice", "password123")
	if err != nil {
		t.Fatalf("Failed to register alice: %v", err)
	}
	bob, err := authSvc.Register(ctx, "bob", "password123")
	if err != nil {
		t.Fatalf("Failed to register bob: %v", err)
	}

	registry := session.NewRegistry(nil, 0, nil)
	pres := presence.New(registry, database, nil, nil, nil)
	tl := timeline.New(database, nil, nil, nil)
	ty := typing.New(nil, 0, nil)
	chatSvc := chat.New(chat.Deps{
		Timeline: tl,
		Limiter:  ratelimit.New(nil, time.Nanosecond),
		Typing:   ty,
		Identity: authSvc,
	})

	hub := NewHub(Deps{
		Registry:   registry,
		Presence:   pres,
		Timeline:   tl,
		Typing:     ty,
		Chat:       chatSvc,
		Dispatcher: notify.New(nil, nil),
	})

	router := gin.New()
	router.GET("/ws", func(c *gin.Context) {
		if uid := c.Query("uid"); uid != "" {
			c.Set("user_id", uid)
		}
		hub.HandleWebSocket(c)
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testServer{hub: hub, registry: registry, presence: pres, server: server, alice: alice, bob: bob}
}

func (s *testServer) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws?uid=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	waitFor(t, func() bool { return s.registry.IsConnected(userID) })
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// readUntil reads events until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(Event) bool) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("Failed to read event: %v", err)
		}
		if match(ev) {
			return ev
		}
	}
}

// readAll reads events until every matcher has accepted one, in any order.
func readAll(t *testing.T, conn *websocket.Conn, matchers ...func(Event) bool) []Event {
	t.Helper()
	got := make([]Event, len(matchers))
	done := make([]bool, len(matchers))
	remaining := len(matchers)
	readUntil(t, conn, func(ev Event) bool {
		for i, match := range matchers {
			if !done[i] && match(ev) {
				got[i], done[i] = ev, true
				remaining--
				break
			}
		}
		return remaining == 0
	})
	return got
}

func isTimeline(ev Event) bool { return ev.Type == EventTimeline }

func ackFor(ref string) func(Event) bool {
	return func(ev Event) bool {
		return (ev.Type == EventAck || ev.Type == EventError) && ev.Ref == ref
	}
}

func TestWebSocketRequiresUser(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Get(s.server.URL + "/ws")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", resp.StatusCode)
	}
}

func TestWebSocketConnectMarksOnline(t *testing.T) {
	s := newTestServer(t)
	s.dial(t, s.alice)

	if got := s.hub.ConnectionCount(); got != 1 {
		t.Errorf("Expected 1 connection, got %d", got)
	}
	waitFor(t, func() bool {
		rec, err := s.presence.Get(context.Background(), s.alice)
		return err == nil && rec.Online
	})
}

func TestWebSocketDisconnectRunsLastWill(t *testing.T) {
	s := newTestServer(t)
	aliceConn := s.dial(t, s.alice)
	bobConn := s.dial(t, s.bob)

	bobConn.WriteJSON(Request{Type: RequestSubscribePresence, Ref: "p1", UserID: s.alice})
	got := readAll(t, bobConn, ackFor("p1"), func(ev Event) bool {
		return ev.Type == EventPresence && ev.Presence != nil && ev.Presence.Online
	})
	if got[0].Type != EventAck {
		t.Fatalf("Expected ack, got %+v", got[0])
	}

	aliceConn.Close()

	ev := readUntil(t, bobConn, func(ev Event) bool {
		return ev.Type == EventPresence && ev.Presence != nil && !ev.Presence.Online
	})
	if ev.Presence.LastSeen.IsZero() {
		t.Error("Expected last seen to be stamped by the last will")
	}
	waitFor(t, func() bool { return s.hub.ConnectionCount() == 1 })
}

func TestWebSocketSendDeliversTimelineAndAlert(t *testing.T) {
	s := newTestServer(t)
	aliceConn := s.dial(t, s.alice)
	bobConn := s.dial(t, s.bob)
	conv := models.ConversationID(s.alice, s.bob)

	for _, conn := range []*websocket.Conn{aliceConn, bobConn} {
		conn.WriteJSON(Request{Type: RequestSubscribeTimeline, Ref: "t1", ConversationID: conv})
		if got := readAll(t, conn, ackFor("t1"), isTimeline); got[0].Type != EventAck {
			t.Fatalf("Expected ack, got %+v", got[0])
		}
	}

	aliceConn.WriteJSON(Request{Type: RequestSend, Ref: "s1", ConversationID: conv, Text: "hi"})
	ack := readUntil(t, aliceConn, ackFor("s1"))
	if ack.Type != EventAck || ack.Accepted == nil || !*ack.Accepted {
		t.Fatalf("Expected accepted ack, got %+v", ack)
	}
	if ack.Message == nil || ack.Message.SenderName != "alice" {
		t.Fatalf("Expected message from alice, got %+v", ack.Message)
	}

	ev := readUntil(t, bobConn, func(ev Event) bool {
		return ev.Type == EventTimeline && len(ev.Messages) == 1
	})
	if ev.Messages[0].Text != "hi" {
		t.Errorf("Expected 'hi', got '%s'", ev.Messages[0].Text)
	}

	alert := readUntil(t, bobConn, func(ev Event) bool { return ev.Type == EventAlert })
	if alert.Alert.Cue != notify.CueReceive {
		t.Errorf("Expected receive cue, got %q", alert.Alert.Cue)
	}
	if alert.Alert.Notification != nil {
		t.Error("Visible subscriber should not get a notification")
	}

	sendAlert := readUntil(t, aliceConn, func(ev Event) bool { return ev.Type == EventAlert })
	if sendAlert.Alert.Cue != notify.CueSend {
		t.Errorf("Expected send cue, got %q", sendAlert.Alert.Cue)
	}
}

func TestWebSocketHiddenSubscriberGetsNotification(t *testing.T) {
	s := newTestServer(t)
	aliceConn := s.dial(t, s.alice)
	bobConn := s.dial(t, s.bob)
	conv := models.ConversationID(s.alice, s.bob)

	bobConn.WriteJSON(Request{Type: RequestSubscribeTimeline, Ref: "t1", ConversationID: conv})
	readAll(t, bobConn, ackFor("t1"), isTimeline)
	bobConn.WriteJSON(Request{Type: RequestVisibility, Visible: false})

	// leave gives the visibility frame time to be handled before the send
	bobConn.WriteJSON(Request{Type: RequestLeave, Ref: "l1", ConversationID: "unrelated"})
	readUntil(t, bobConn, ackFor("l1"))

	aliceConn.WriteJSON(Request{Type: RequestSend, Ref: "s1", ConversationID: conv, Text: "ping"})
	readUntil(t, aliceConn, ackFor("s1"))

	alert := readUntil(t, bobConn, func(ev Event) bool { return ev.Type == EventAlert })
	if alert.Alert.Notification == nil {
		t.Fatal("Expected a notification for a hidden subscriber")
	}
	if alert.Alert.Notification.Title != "alice" || alert.Alert.Notification.Body != "ping" {
		t.Errorf("Unexpected notification %+v", alert.Alert.Notification)
	}
}

func TestWebSocketTyping(t *testing.T) {
	s := newTestServer(t)
	aliceConn := s.dial(t, s.alice)
	bobConn := s.dial(t, s.bob)
	conv := models.ConversationID(s.alice, s.bob)

	bobConn.WriteJSON(Request{Type: RequestSubscribeTyping, Ref: "ty", ConversationID: conv, UserID: s.alice})
	readUntil(t, bobConn, ackFor("ty"))

	aliceConn.WriteJSON(Request{Type: RequestTyping, ConversationID: conv, IsTyping: true})
	readUntil(t, bobConn, func(ev Event) bool {
		return ev.Type == EventTyping && ev.Typing != nil && *ev.Typing
	})

	aliceConn.WriteJSON(Request{Type: RequestLeave, Ref: "l1", ConversationID: conv})
	readUntil(t, bobConn, func(ev Event) bool {
		return ev.Type == EventTyping && ev.Typing != nil && !*ev.Typing
	})
}

func TestWebSocketRejectsNonParticipant(t *testing.T) {
	s := newTestServer(t)
	aliceConn := s.dial(t, s.alice)

	aliceConn.WriteJSON(Request{Type: RequestSubscribeTimeline, Ref: "t1", ConversationID: models.ConversationID("x", "y")})
	ev := readUntil(t, aliceConn, ackFor("t1"))
	if ev.Type != EventError {
		t.Fatalf("Expected error, got %+v", ev)
	}
	if ev.Error != i18n.Translate("not a participant") {
		t.Errorf("Unexpected error %q", ev.Error)
	}
}

func TestWebSocketUnknownType(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t, s.alice)

	conn.WriteJSON(Request{Type: "mark_read", Ref: "x"})
	ev := readUntil(t, conn, ackFor("x"))
	if ev.Error != i18n.Translate("unknown event type") {
		t.Errorf("Unexpected error %q", ev.Error)
	}

	conn.WriteMessage(websocket.TextMessage, []byte("{not json"))
	ev = readUntil(t, conn, func(ev Event) bool { return ev.Type == EventError })
	if ev.Error != i18n.Translate("invalid request") {
		t.Errorf("Unexpected error %q", ev.Error)
	}
}

func TestWebSocketLogout(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t, s.alice)

	conn.WriteJSON(Request{Type: RequestLogout})

	waitFor(t, func() bool { return !s.registry.IsConnected(s.alice) })
	waitFor(t, func() bool { return s.hub.ConnectionCount() == 0 })

	waitFor(t, func() bool {
		rec, err := s.presence.Get(context.Background(), s.alice)
		return err == nil && !rec.Online && !rec.LastSeen.IsZero()
	})
}

func TestUnsubscribe(t *testing.T) {
	s := newTestServer(t)
	conn := s.dial(t, s.alice)

	conn.WriteJSON(Request{Type: RequestSubscribePresence, Ref: "p1", UserID: s.bob})
	readUntil(t, conn, ackFor("p1"))

	conn.WriteJSON(Request{Type: RequestUnsubscribe, Ref: "u1", Topic: PresenceTopic(s.bob)})
	if ev := readUntil(t, conn, ackFor("u1")); ev.Type != EventAck {
		t.Fatalf("Expected ack, got %+v", ev)
	}

	conn.WriteJSON(Request{Type: RequestUnsubscribe, Ref: "u2", Topic: PresenceTopic(s.bob)})
	if ev := readUntil(t, conn, ackFor("u2")); ev.Type != EventError {
		t.Fatalf("Expected error for unknown topic, got %+v", ev)
	}
}

func TestTornDownBeforeAttachLeavesNoClient(t *testing.T) {
	s := newTestServer(t)
	s.hub.metrics = metrics.New()
	s.registry.OnConnect(func(conn session.Conn) {
		s.registry.Disconnect(conn.Handle)
	})

	wsURL := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws?uid=" + s.alice
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the server to close the connection")
	}

	if n := s.hub.ConnectionCount(); n != 0 {
		t.Errorf("ConnectionCount = %d, want 0", n)
	}

	srv := httptest.NewServer(s.hub.metrics.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "peyk_connections 0") {
		t.Errorf("connections gauge not back to 0:\n%s", body)
	}
}
