package common

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type closeCounter struct {
	closes atomic.Int32
}

func (c *closeCounter) Close() error {
	c.closes.Add(1)
	return nil
}

func TestSessionRegistryAddRemove(t *testing.T) {
	r := NewSessionRegistry(time.Minute)
	conn := &closeCounter{}

	s := r.Add(SessionWebSocket, "/ws", "db1", conn)
	if s.ID == "" {
		t.Fatal("session should get an ID")
	}
	if got, ok := r.Get(s.ID); !ok || got != s {
		t.Fatal("Get should return the registered session")
	}
	r.Add(SessionSSE, "/events", "db2", &closeCounter{})

	if r.Count("") != 2 || r.Count(SessionWebSocket) != 1 || r.Count(SessionSSE) != 1 {
		t.Errorf("unexpected counts: all=%d ws=%d sse=%d", r.Count(""), r.Count(SessionWebSocket), r.Count(SessionSSE))
	}

	r.Remove(s.ID)
	if _, ok := r.Get(s.ID); ok {
		t.Error("session still registered after Remove")
	}
	if conn.closes.Load() != 0 {
		t.Error("Remove must not close the connection")
	}
}

func TestSessionCloseOnce(t *testing.T) {
	conn := &closeCounter{}
	s := NewSessionRegistry(0).Add(SessionSSE, "/events", "db1", conn)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
	if conn.closes.Load() != 1 {
		t.Errorf("expected one close, got %d", conn.closes.Load())
	}
}

func TestSessionRegistryCleanupStale(t *testing.T) {
	r := NewSessionRegistry(50 * time.Millisecond)
	staleConn := &closeCounter{}
	freshConn := &closeCounter{}

	stale := r.Add(SessionWebSocket, "/ws", "db1", staleConn)
	fresh := r.Add(SessionWebSocket, "/ws", "db1", freshConn)
	stale.lastActivity.Store(time.Now().Add(-time.Second).UnixNano())

	if n := r.CleanupStale(); n != 1 {
		t.Fatalf("expected 1 stale session, got %d", n)
	}
	if staleConn.closes.Load() != 1 {
		t.Error("stale session should be closed")
	}
	if _, ok := r.Get(fresh.ID); !ok {
		t.Error("fresh session should survive cleanup")
	}
}

func TestSessionRegistryCleanupDisabled(t *testing.T) {
	r := NewSessionRegistry(0)
	s := r.Add(SessionWebSocket, "/ws", "db1", &closeCounter{})
	s.lastActivity.Store(0)
	if n := r.CleanupStale(); n != 0 {
		t.Errorf("cleanup should be disabled, removed %d", n)
	}
}

func TestSessionRegistryCloseAll(t *testing.T) {
	r := NewSessionRegistry(time.Minute)
	conns := []*closeCounter{{}, {}, {}}
	for _, c := range conns {
		r.Add(SessionWebSocket, "/ws", "db1", c)
	}
	r.CloseAll()
	if r.Count("") != 0 {
		t.Errorf("expected empty registry, got %d", r.Count(""))
	}
	for i, c := range conns {
		if c.closes.Load() != 1 {
			t.Errorf("conn %d closed %d times", i, c.closes.Load())
		}
	}
}

func TestTouchUpdatesActivity(t *testing.T) {
	s := NewSessionRegistry(0).Add(SessionSSE, "/events", "db1", nil)
	s.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())
	s.Touch()
	if s.IdleFor() > time.Second {
		t.Errorf("Touch should reset idle time, got %v", s.IdleFor())
	}
	s.Close()
}
