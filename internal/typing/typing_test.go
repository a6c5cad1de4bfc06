package typing

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/4xmen/peyk/internal/models"
)

func next(t *testing.T, c <-chan bool) bool {
	t.Helper()
	select {
	case v := <-c:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for typing update")
		return false
	}
}

func TestTypingExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc := New(clock, 0, nil)

	sub := svc.Subscribe("u1_u2", "u1")
	defer sub.Close()
	if next(t, sub.C) {
		t.Fatal("initial flag should be false")
	}

	svc.SetTyping("u1_u2", "u1", true)
	if !next(t, sub.C) {
		t.Fatal("expected typing=true")
	}

	clock.Advance(DefaultTimeout)
	if next(t, sub.C) {
		t.Fatal("expected typing=false after expiry")
	}
	if svc.IsTyping("u1_u2", "u1") {
		t.Fatal("flag still set after expiry")
	}
}

func TestTypingRefreshExtendsTimer(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc := New(clock, 0, nil)

	svc.SetTyping("u1_u2", "u1", true)
	clock.Advance(time.Second)
	svc.SetTyping("u1_u2", "u1", true)
	clock.Advance(time.Second)

	if !svc.IsTyping("u1_u2", "u1") {
		t.Fatal("refreshed flag expired too early")
	}

	sub := svc.Subscribe("u1_u2", "u1")
	defer sub.Close()
	next(t, sub.C)

	clock.Advance(time.Second)
	if next(t, sub.C) {
		t.Fatal("expected typing=false once idle")
	}
}

func TestClearOnLeave(t *testing.T) {
	clock := clockwork.NewFakeClock()
	svc := New(clock, 0, nil)

	sub := svc.Subscribe("u1_u2", "u1")
	defer sub.Close()
	next(t, sub.C)

	svc.SetTyping("u1_u2", "u1", true)
	next(t, sub.C)

	svc.ClearOnLeave("u1_u2", "u1")
	if next(t, sub.C) {
		t.Fatal("expected typing=false after leave")
	}

	// The cancelled timer must not publish again.
	clock.Advance(DefaultTimeout)
	select {
	case v := <-sub.C:
		t.Fatalf("unexpected update %v after leave", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTypingKeysAreIndependent(t *testing.T) {
	svc := New(clockwork.NewFakeClock(), 0, nil)

	svc.SetTyping("u1_u2", "u1", true)
	if svc.IsTyping("u1_u2", "u2") || svc.IsTyping("u1_u3", "u1") {
		t.Fatal("typing leaked into another key")
	}
}

func TestSetTypingValidation(t *testing.T) {
	svc := New(clockwork.NewFakeClock(), 0, nil)
	if err := svc.SetTyping("", "u1", true); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("SetTyping error = %v, want ErrValidation", err)
	}
}
