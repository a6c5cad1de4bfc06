package session

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newTestRegistry(t *testing.T) (*Registry, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegistry(clock, 10*time.Second, logger), clock
}

type closeCounter struct{ n int }

func (c *closeCounter) Close() error {
	c.n++
	return nil
}

func TestConnectDisconnect(t *testing.T) {
	reg, _ := newTestRegistry(t)

	h1, err := reg.Connect("u1")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	h2, err := reg.Connect("u1")
	if err != nil {
		t.Fatalf("Connect second device: %v", err)
	}
	if h1 == h2 {
		t.Fatal("handles must be unique")
	}

	if !reg.IsConnected("u1") {
		t.Fatal("u1 should be connected")
	}
	if n := reg.Connections("u1"); n != 2 {
		t.Fatalf("Connections = %d, want 2", n)
	}

	if !reg.Disconnect(h1) {
		t.Fatal("first Disconnect should tear down")
	}
	if reg.Disconnect(h1) {
		t.Fatal("second Disconnect should be a no-op")
	}
	if !reg.IsConnected("u1") {
		t.Fatal("u1 still has a second device")
	}

	reg.Disconnect(h2)
	if reg.IsConnected("u1") {
		t.Fatal("u1 should be disconnected")
	}
	if reg.Count() != 0 {
		t.Fatalf("Count = %d, want 0", reg.Count())
	}
}

func TestConnectRejectsInvalidUser(t *testing.T) {
	reg, _ := newTestRegistry(t)

	for _, id := range []string{"", "   ", "a_b"} {
		if _, err := reg.Connect(id); err == nil {
			t.Errorf("Connect(%q) should fail", id)
		}
	}
}

func TestDisconnectClosesAttachedAndRunsHooks(t *testing.T) {
	reg, _ := newTestRegistry(t)

	var order []string
	reg.OnDisconnect(func(c Conn) { order = append(order, "first:"+c.UserID) })
	reg.OnDisconnect(func(c Conn) { order = append(order, "second:"+c.UserID) })

	h, _ := reg.Connect("u1")
	closer := &closeCounter{}
	if !reg.Attach(h, closer) {
		t.Fatal("Attach to open handle should succeed")
	}

	reg.Disconnect(h)
	reg.Disconnect(h)

	if closer.n != 1 {
		t.Fatalf("closer closed %d times, want 1", closer.n)
	}
	if len(order) != 2 || order[0] != "first:u1" || order[1] != "second:u1" {
		t.Fatalf("hook order = %v", order)
	}

	late := &closeCounter{}
	if reg.Attach(h, late) {
		t.Fatal("Attach to closed handle should fail")
	}
	if late.n != 1 {
		t.Fatal("closer attached to a closed handle should be closed immediately")
	}
}

func TestReapDisconnectsSilentConnections(t *testing.T) {
	reg, clock := newTestRegistry(t)

	quiet, _ := reg.Connect("u1")
	chatty, _ := reg.Connect("u2")

	clock.Advance(6 * time.Second)
	reg.Heartbeat(chatty)
	clock.Advance(6 * time.Second)

	if n := reg.Reap(); n != 1 {
		t.Fatalf("Reap = %d, want 1", n)
	}
	if _, ok := reg.Lookup(quiet); ok {
		t.Fatal("quiet connection should be reaped")
	}
	if _, ok := reg.Lookup(chatty); !ok {
		t.Fatal("connection with recent heartbeat should survive")
	}
	if reg.Heartbeat(quiet) {
		t.Fatal("Heartbeat on reaped handle should return false")
	}
}
