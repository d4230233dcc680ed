package control

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	RoleClient = "client"
	RoleServer = "server"
)

// ChannelStatus is the most recent completed report for one probe channel.
type ChannelStatus struct {
	Proto    string  `json:"proto"`
	Lost     uint64  `json:"lost"`
	Total    uint64  `json:"total"`
	LossPct  float64 `json:"loss_pct"`
	AvgMs    float64 `json:"avg_ms"`
	MaxMs    uint32  `json:"max_ms"`
	MinMs    uint32  `json:"min_ms"`
	JitterMs float64 `json:"jitter_ms"`
	// ReportedAt is Unix milliseconds of the report boundary.
	ReportedAt int64 `json:"reported_at"`
}

type ClientStatus struct {
	Server   string         `json:"server"`
	TCPState string         `json:"tcp_state"`
	TCP      *ChannelStatus `json:"tcp,omitempty"`
	UDP      *ChannelStatus `json:"udp,omitempty"`
}

type SessionStatus struct {
	ID         string  `json:"id"`
	RemoteAddr string  `json:"remote_addr"`
	Location   string  `json:"location,omitempty"`
	RTTMs      float64 `json:"rtt_ms,omitempty"`
	// LastAlive is Unix milliseconds; Age is seconds since accept.
	LastAlive int64 `json:"last_alive"`
	Age       int64 `json:"age"`
}

type StatusSnapshot struct {
	SchemaVersion int             `json:"schema_version"`
	Type          string          `json:"type"`
	Timestamp     int64           `json:"timestamp"`
	Role          string          `json:"role"`
	Client        *ClientStatus   `json:"client,omitempty"`
	Sessions      []SessionStatus `json:"sessions,omitempty"`
}

type sessionEntry struct {
	id         string
	remoteAddr string
	location   string
	rttMs      float64
	lastAlive  time.Time
	created    time.Time
}

// StatusStore holds the live state published over /api/status and
// /ws/status. The client binary uses the Set*/ObserveReport half, the
// server binary the *Session half. A nil store ignores all updates so
// callers need no guards when the control endpoint is disabled.
type StatusStore struct {
	mu       sync.Mutex
	role     string
	client   ClientStatus
	sessions map[string]*sessionEntry
	hub      *StatusHub
}

func NewStatusStore(role string, hub *StatusHub) *StatusStore {
	return &StatusStore{
		role:     role,
		sessions: make(map[string]*sessionEntry),
		hub:      hub,
	}
}

func (s *StatusStore) SetServer(addr string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.client.Server = addr
	s.mu.Unlock()
}

func (s *StatusStore) SetTCPState(state string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	changed := s.client.TCPState != state
	s.client.TCPState = state
	s.mu.Unlock()
	if changed {
		s.Publish()
	}
}

func (s *StatusStore) ObserveReport(ch ChannelStatus) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if strings.EqualFold(ch.Proto, "udp") {
		s.client.UDP = &ch
	} else {
		s.client.TCP = &ch
	}
	s.mu.Unlock()
	s.Publish()
}

func (s *StatusStore) AddSession(id, remoteAddr, location string) {
	if s == nil {
		return
	}
	now := time.Now()
	s.mu.Lock()
	s.sessions[id] = &sessionEntry{
		id:         id,
		remoteAddr: remoteAddr,
		location:   location,
		lastAlive:  now,
		created:    now,
	}
	s.mu.Unlock()
	s.Publish()
}

func (s *StatusStore) TouchSession(id string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if entry := s.sessions[id]; entry != nil {
		entry.lastAlive = time.Now()
	}
	s.mu.Unlock()
}

func (s *StatusStore) SetSessionRTT(id string, rttMs float64) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if entry := s.sessions[id]; entry != nil {
		entry.rttMs = rttMs
	}
	s.mu.Unlock()
}

func (s *StatusStore) RemoveSession(id string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if ok {
		s.Publish()
	}
}

func (s *StatusStore) SessionCount() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *StatusStore) Snapshot() StatusSnapshot {
	if s == nil {
		return StatusSnapshot{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Publish pushes a full snapshot to all websocket subscribers. The
// server reaper calls it once per tick; client-side mutations call it
// on every change.
func (s *StatusStore) Publish() {
	if s == nil || s.hub == nil {
		return
	}
	s.mu.Lock()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.hub.Broadcast(snap)
}

func (s *StatusStore) snapshotLocked() StatusSnapshot {
	snap := StatusSnapshot{
		SchemaVersion: 1,
		Type:          "status",
		Timestamp:     time.Now().UnixMilli(),
		Role:          s.role,
	}
	if s.role == RoleClient {
		client := s.client
		snap.Client = &client
		return snap
	}
	sessions := make([]SessionStatus, 0, len(s.sessions))
	for _, entry := range s.sessions {
		sessions = append(sessions, entry.toStatus())
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	snap.Sessions = sessions
	return snap
}

func (e *sessionEntry) toStatus() SessionStatus {
	return SessionStatus{
		ID:         e.id,
		RemoteAddr: e.remoteAddr,
		Location:   e.location,
		RTTMs:      e.rttMs,
		LastAlive:  e.lastAlive.UnixMilli(),
		Age:        int64(time.Since(e.created).Seconds()),
	}
}

type StatusHub struct {
	mu        sync.Mutex
	clients   map[*statusClient]struct{}
	broadcast chan StatusSnapshot
	ctxDone   <-chan struct{}
}

type statusClient struct {
	send      chan []byte
	closeOnce sync.Once
}

func NewStatusHub(ctxDone <-chan struct{}) *StatusHub {
	h := &StatusHub{
		clients:   make(map[*statusClient]struct{}),
		broadcast: make(chan StatusSnapshot, 128),
		ctxDone:   ctxDone,
	}
	go h.run()
	return h
}

func (h *StatusHub) run() {
	for {
		select {
		case <-h.ctxDone:
			h.mu.Lock()
			for client := range h.clients {
				client.close()
			}
			h.clients = make(map[*statusClient]struct{})
			h.mu.Unlock()
			return
		case snap := <-h.broadcast:
			h.mu.Lock()
			data, _ := json.Marshal(snap)
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *StatusHub) Register(client *statusClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
}

func (h *StatusHub) Unregister(client *statusClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.close()
}

func (h *StatusHub) Broadcast(snap StatusSnapshot) {
	select {
	case h.broadcast <- snap:
	default:
	}
}

func (c *statusClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
