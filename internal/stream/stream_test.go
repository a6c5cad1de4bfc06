package stream

import "testing"

func TestSubscribeDeliversInitialThenUpdates(t *testing.T) {
	hub := New[string, int](4)
	sub := hub.Subscribe("k", 1)
	defer sub.Close()

	hub.Publish("k", 2)
	hub.Publish("other", 99)

	for _, want := range []int{1, 2} {
		select {
		case got := <-sub.C:
			if got != want {
				t.Fatalf("got %d, want %d", got, want)
			}
		default:
			t.Fatalf("expected value %d", want)
		}
	}

	select {
	case got := <-sub.C:
		t.Fatalf("unexpected value %d", got)
	default:
	}
}

func TestFullMailboxKeepsNewest(t *testing.T) {
	hub := New[string, int](2)
	sub := hub.Subscribe("k", 0)
	defer sub.Close()

	for i := 1; i <= 10; i++ {
		hub.Publish("k", i)
	}

	var last int
	for len(sub.C) > 0 {
		last = <-sub.C
	}
	if last != 10 {
		t.Fatalf("last delivered = %d, want 10", last)
	}
}

func TestCloseDetachesAndClosesChannel(t *testing.T) {
	hub := New[string, int](0)
	sub := hub.Subscribe("k", 0)
	<-sub.C

	if n := hub.Count("k"); n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}

	sub.Close()
	sub.Close()
	hub.Publish("k", 1)

	if n := hub.Count("k"); n != 0 {
		t.Fatalf("Count after close = %d, want 0", n)
	}
	if _, ok := <-sub.C; ok {
		t.Fatal("expected closed channel")
	}
}
