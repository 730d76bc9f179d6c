package cache

import (
	"testing"
	"time"
)

func TestSetGetRoundtrip(t *testing.T) {
	c := New(2 * time.Second)
	c.Set(Entry{FrameID: 42, Payload: []byte("hi"), SessionID: "rec-1"})

	e, ok := c.Get(42)
	if !ok {
		t.Fatal("expected hit")
	}
	if string(e.Payload) != "hi" || e.SessionID != "rec-1" {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestGetMissing(t *testing.T) {
	c := New(2 * time.Second)
	if _, ok := c.Get(1); ok {
		t.Fatal("expected miss on empty cache")
	}
}

func TestReinsertReplaces(t *testing.T) {
	c := New(2 * time.Second)
	c.Set(Entry{FrameID: 1, Payload: []byte("a")})
	c.Set(Entry{FrameID: 1, Payload: []byte("b")})

	e, ok := c.Get(1)
	if !ok || string(e.Payload) != "b" {
		t.Fatalf("expected replaced entry, got %+v ok=%v", e, ok)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry after replace, got %d", c.Len())
	}
}

func TestTTLExpiryObservedOnGet(t *testing.T) {
	fakeNow := time.Now()
	c := New(100 * time.Millisecond)
	c.now = func() time.Time { return fakeNow }

	c.Set(Entry{FrameID: 7, Payload: []byte("x")})
	if _, ok := c.Get(7); !ok {
		t.Fatal("expected hit before TTL elapses")
	}

	fakeNow = fakeNow.Add(150 * time.Millisecond)
	if _, ok := c.Get(7); ok {
		t.Fatal("expected miss after TTL elapses, even if not yet swept")
	}
}

func TestSweepRemovesExpiredOnly(t *testing.T) {
	fakeNow := time.Now()
	c := New(100 * time.Millisecond)
	c.now = func() time.Time { return fakeNow }

	c.Set(Entry{FrameID: 1})
	fakeNow = fakeNow.Add(150 * time.Millisecond)
	c.Set(Entry{FrameID: 2})

	removed := c.sweepExpired()
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 remaining entry, got %d", c.Len())
	}
	if _, ok := c.Get(2); !ok {
		t.Fatal("expected frame 2 to survive the sweep")
	}
}

func TestDelete(t *testing.T) {
	c := New(2 * time.Second)
	c.Set(Entry{FrameID: 5})
	c.Delete(5)
	if _, ok := c.Get(5); ok {
		t.Fatal("expected miss after delete")
	}
}
