package control

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/NodePath81/fbping/internal/config"
)

func newAuthServer(token string) *ControlServer {
	cfg := config.ControlConfig{BindAddr: "127.0.0.1", BindPort: 9321, AuthToken: token}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewControlServer(cfg, nil, nil, logger)
}

func newRequest() *http.Request {
	return &http.Request{Host: "local.test:9321", Header: http.Header{}}
}

func TestCheckAuthBearer(t *testing.T) {
	c := newAuthServer("secret")

	r := newRequest()
	if c.checkAuth(r) {
		t.Error("expected missing header to fail auth")
	}

	r.Header.Set("Authorization", "Bearer secret")
	if !c.checkAuth(r) {
		t.Error("expected valid bearer token to pass auth")
	}

	r.Header.Set("Authorization", "Bearer wrong!")
	if c.checkAuth(r) {
		t.Error("expected wrong token to fail auth")
	}

	r.Header.Set("Authorization", "Basic c2VjcmV0")
	if c.checkAuth(r) {
		t.Error("expected non-bearer scheme to fail auth")
	}

	r.Header.Set("Authorization", "Bearer ")
	if c.checkAuth(r) {
		t.Error("expected empty token to fail auth")
	}
}

func TestCheckStatusAuthSubprotocol(t *testing.T) {
	c := newAuthServer("secret")

	r := newRequest()
	encoded := base64.RawURLEncoding.EncodeToString([]byte("secret"))
	r.Header.Set("Sec-Websocket-Protocol", wsPrimaryProtocol+", "+wsTokenPrefix+encoded)
	if !c.checkStatusAuth(r) {
		t.Error("expected subprotocol token to pass auth")
	}

	r = newRequest()
	r.Header.Set("Sec-Websocket-Protocol", wsTokenPrefix+"!!not-base64!!")
	if c.checkStatusAuth(r) {
		t.Error("expected undecodable subprotocol token to fail auth")
	}

	r = newRequest()
	r.Header.Set("Authorization", "Bearer secret")
	if !c.checkStatusAuth(r) {
		t.Error("expected bearer fallback to pass status auth")
	}
}

func TestOriginAllowed(t *testing.T) {
	c := newAuthServer("secret")
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://local.test:9321", true},
		{"https://LOCAL.TEST:9321", true},
		{"http://evil.test", false},
		{"://broken", false},
	}
	for _, tt := range tests {
		r := newRequest()
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := c.originAllowed(r); got != tt.want {
			t.Errorf("originAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestRateLimiterBurstAndRefill(t *testing.T) {
	rl := newRateLimiter(1, 2, time.Minute)

	if rl.Allow("") {
		t.Error("expected empty key to be rejected")
	}
	if !rl.Allow("10.0.0.1") {
		t.Error("expected first request to pass")
	}
	if !rl.Allow("10.0.0.1") {
		t.Error("expected second request within burst to pass")
	}
	if rl.Allow("10.0.0.1") {
		t.Error("expected third immediate request to be limited")
	}
	if !rl.Allow("10.0.0.2") {
		t.Error("expected distinct client to have its own bucket")
	}
}

func TestStatusStoreClientSnapshot(t *testing.T) {
	store := NewStatusStore(RoleClient, nil)
	store.SetServer("ping.example.com:9320")
	store.SetTCPState("connected")
	store.ObserveReport(ChannelStatus{Proto: "TCP", Lost: 1, Total: 60, LossPct: 1.67, AvgMs: 23, MaxMs: 31, MinMs: 19})
	store.ObserveReport(ChannelStatus{Proto: "UDP", Total: 60})

	snap := store.Snapshot()
	if snap.Role != RoleClient || snap.Type != "status" || snap.SchemaVersion != 1 {
		t.Fatalf("unexpected snapshot envelope: %+v", snap)
	}
	if snap.Client == nil {
		t.Fatal("expected client section in snapshot")
	}
	if snap.Client.Server != "ping.example.com:9320" || snap.Client.TCPState != "connected" {
		t.Errorf("unexpected client state: %+v", snap.Client)
	}
	if snap.Client.TCP == nil || snap.Client.TCP.Lost != 1 || snap.Client.TCP.MaxMs != 31 {
		t.Errorf("unexpected tcp report: %+v", snap.Client.TCP)
	}
	if snap.Client.UDP == nil || snap.Client.UDP.Total != 60 {
		t.Errorf("unexpected udp report: %+v", snap.Client.UDP)
	}
	if len(snap.Sessions) != 0 {
		t.Errorf("client snapshot should carry no sessions, got %d", len(snap.Sessions))
	}
}

func TestStatusStoreSessionLifecycle(t *testing.T) {
	store := NewStatusStore(RoleServer, nil)
	store.AddSession("b-session", "203.0.113.9:41000", "US/Dallas")
	store.AddSession("a-session", "198.51.100.4:52144", "")
	store.SetSessionRTT("b-session", 12.5)
	store.TouchSession("b-session")
	store.TouchSession("missing")
	store.SetSessionRTT("missing", 1)

	if n := store.SessionCount(); n != 2 {
		t.Fatalf("SessionCount = %d, want 2", n)
	}
	snap := store.Snapshot()
	if snap.Role != RoleServer || len(snap.Sessions) != 2 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Sessions[0].ID != "a-session" || snap.Sessions[1].ID != "b-session" {
		t.Errorf("sessions not sorted by id: %q, %q", snap.Sessions[0].ID, snap.Sessions[1].ID)
	}
	if snap.Sessions[1].RTTMs != 12.5 || snap.Sessions[1].Location != "US/Dallas" {
		t.Errorf("unexpected session entry: %+v", snap.Sessions[1])
	}

	store.RemoveSession("b-session")
	store.RemoveSession("b-session")
	if n := store.SessionCount(); n != 1 {
		t.Errorf("SessionCount after remove = %d, want 1", n)
	}
}

func TestStatusStoreNilSafe(t *testing.T) {
	var store *StatusStore
	store.SetServer("x")
	store.SetTCPState("connected")
	store.ObserveReport(ChannelStatus{Proto: "TCP"})
	store.AddSession("id", "addr", "")
	store.TouchSession("id")
	store.SetSessionRTT("id", 1)
	store.RemoveSession("id")
	store.Publish()
	if n := store.SessionCount(); n != 0 {
		t.Errorf("nil store SessionCount = %d, want 0", n)
	}
	if snap := store.Snapshot(); snap.SchemaVersion != 0 {
		t.Errorf("nil store snapshot should be zero, got %+v", snap)
	}
}

func TestStatusHubDeliversSnapshots(t *testing.T) {
	done := make(chan struct{})
	hub := NewStatusHub(done)
	client := &statusClient{send: make(chan []byte, 4)}
	hub.Register(client)

	store := NewStatusStore(RoleServer, hub)
	store.AddSession("abc", "192.0.2.1:5000", "")

	select {
	case data := <-client.send:
		var snap StatusSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			t.Fatalf("broadcast payload not valid JSON: %v", err)
		}
		if snap.Type != "status" || snap.Role != RoleServer || len(snap.Sessions) != 1 {
			t.Errorf("unexpected broadcast snapshot: %+v", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast")
	}

	close(done)
	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("expected send channel to be closed after hub shutdown")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for hub shutdown")
	}
}
