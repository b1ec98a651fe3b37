package server

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestClient(t *testing.T, hub *Hub) *Client {
	t.Helper()
	client := NewClient(nil, hub, nil, "127.0.0.1:12345", zap.NewNop())
	hub.mu.Lock()
	hub.conns[client] = struct{}{}
	hub.mu.Unlock()
	return client
}

func recvPayload(t *testing.T, client *Client) []byte {
	t.Helper()
	select {
	case payload := <-client.send:
		return payload
	case <-time.After(100 * time.Millisecond):
		t.Fatal("expected a queued frame, got none")
		return nil
	}
}

func expectNoPayload(t *testing.T, client *Client) {
	t.Helper()
	select {
	case payload := <-client.send:
		t.Fatalf("expected no queued frame, got %s", payload)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRegisterReplacesPriorEntry(t *testing.T) {
	hub := NewHub(zap.NewNop())
	first := newTestClient(t, hub)
	second := newTestClient(t, hub)

	hub.Register("alice@x.com", first)
	hub.Register("alice@x.com", second)

	if hub.Len() != 1 {
		t.Fatalf("expected a single presence entry, got %d", hub.Len())
	}

	current, ok := hub.Get("alice@x.com")
	if !ok {
		t.Fatal("expected an entry for alice@x.com")
	}
	if current != second {
		t.Error("expected the newer connection to be the registered one")
	}
}

func TestUnregisterCompareAndRemove(t *testing.T) {
	hub := NewHub(zap.NewNop())
	stale := newTestClient(t, hub)
	newer := newTestClient(t, hub)

	hub.Register("alice@x.com", stale)
	hub.Register("alice@x.com", newer)

	if hub.Unregister("alice@x.com", stale) {
		t.Error("stale handle must not remove the newer entry")
	}
	if _, ok := hub.Get("alice@x.com"); !ok {
		t.Fatal("entry removed by a stale disconnect")
	}

	if !hub.Unregister("alice@x.com", newer) {
		t.Error("expected the current handle to remove its entry")
	}
	if hub.Unregister("alice@x.com", newer) {
		t.Error("expected a second unregister to be a no-op")
	}
	if hub.Len() != 0 {
		t.Errorf("expected empty registry, got %d entries", hub.Len())
	}
}

func TestSnapshotReturnsSortedIdentifiers(t *testing.T) {
	hub := NewHub(zap.NewNop())
	for _, email := range []string{"c@x.com", "a@x.com", "b@x.com"} {
		hub.Register(email, newTestClient(t, hub))
	}

	snapshot := hub.Snapshot()
	want := []string{"a@x.com", "b@x.com", "c@x.com"}
	if len(snapshot) != len(want) {
		t.Fatalf("expected %d identifiers, got %d", len(want), len(snapshot))
	}
	for i, email := range want {
		if snapshot[i] != email {
			t.Errorf("snapshot[%d] = %q, want %q", i, snapshot[i], email)
		}
	}
}

func TestConcurrentLoginsKeepSingleEntry(t *testing.T) {
	hub := NewHub(zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Register("alice@x.com", newTestClient(t, hub))
		}()
	}
	wg.Wait()

	if hub.Len() != 1 {
		t.Fatalf("expected exactly one presence entry after concurrent logins, got %d", hub.Len())
	}
}

func TestSafeSendToDroppedConnection(t *testing.T) {
	hub := NewHub(zap.NewNop())
	client := newTestClient(t, hub)

	if !hub.safeSend(client, []byte("hello")) {
		t.Fatal("send to a live connection failed")
	}

	hub.dropConn(client)
	hub.dropConn(client) // idempotent

	if hub.safeSend(client, []byte("hello")) {
		t.Error("send to a dropped connection must report failure")
	}
}

func TestBroadcastOnlineUsers(t *testing.T) {
	hub := NewHub(zap.NewNop())
	alice := newTestClient(t, hub)
	bob := newTestClient(t, hub)
	hub.Register("alice@x.com", alice)
	hub.Register("bob@x.com", bob)

	hub.BroadcastOnlineUsers()

	for _, client := range []*Client{alice, bob} {
		var frame OnlineUsersFrame
		if err := json.Unmarshal(recvPayload(t, client), &frame); err != nil {
			t.Fatalf("failed to decode broadcast frame: %v", err)
		}
		if frame.Type != FrameOnlineUsers {
			t.Errorf("frame type = %q, want %q", frame.Type, FrameOnlineUsers)
		}
		if len(frame.Online) != 2 || frame.Online[0] != "alice@x.com" || frame.Online[1] != "bob@x.com" {
			t.Errorf("unexpected online set: %v", frame.Online)
		}
	}
}

func TestBroadcastSkipsFullQueues(t *testing.T) {
	hub := NewHub(zap.NewNop())
	alice := newTestClient(t, hub)
	stuck := newTestClient(t, hub)
	hub.Register("alice@x.com", alice)
	hub.Register("stuck@x.com", stuck)

	// Fill the stuck client's queue completely.
	for i := 0; i < cap(stuck.send); i++ {
		stuck.send <- []byte(fmt.Sprintf("filler %d", i))
	}

	done := make(chan struct{})
	go func() {
		hub.BroadcastOnlineUsers()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a full send queue")
	}

	recvPayload(t, alice)
}

func TestShutdownIdleHub(t *testing.T) {
	hub := NewHub(zap.NewNop())
	hub.Register("alice@x.com", newTestClient(t, hub))

	if err := hub.Shutdown(100 * time.Millisecond); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if hub.Len() != 0 {
		t.Errorf("expected empty registry after shutdown, got %d entries", hub.Len())
	}
}
