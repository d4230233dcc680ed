package server

import (
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// session is one accepted TCP probe channel. Liveness is two-phase:
// readers and the idle check only mark a session dead, removal happens
// on the following sweep.
type session struct {
	id        string
	conn      net.Conn
	remote    string
	lastAlive time.Time
	dead      bool
}

type registry struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func newRegistry() *registry {
	return &registry{sessions: make(map[string]*session)}
}

func (r *registry) add(conn net.Conn, now time.Time) *session {
	sess := &session{
		id:        uuid.NewString(),
		conn:      conn,
		remote:    conn.RemoteAddr().String(),
		lastAlive: now,
	}
	r.mu.Lock()
	r.sessions[sess.id] = sess
	r.mu.Unlock()
	return sess
}

func (r *registry) touch(id string, now time.Time) {
	r.mu.Lock()
	if sess := r.sessions[id]; sess != nil {
		sess.lastAlive = now
	}
	r.mu.Unlock()
}

func (r *registry) markDead(id string) {
	r.mu.Lock()
	if sess := r.sessions[id]; sess != nil {
		sess.dead = true
	}
	r.mu.Unlock()
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// sweep drops sessions already marked dead and closes the ones idle
// past the timeout. Closed sessions stay registered until the next
// sweep so their readers can observe the close first.
func (r *registry) sweep(now time.Time, idle time.Duration) (removed, expired, live []*session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sess := range r.sessions {
		if sess.dead {
			delete(r.sessions, id)
			removed = append(removed, sess)
			continue
		}
		if !sess.lastAlive.Add(idle).After(now) {
			_ = sess.conn.Close()
			sess.dead = true
			expired = append(expired, sess)
			continue
		}
		live = append(live, sess)
	}
	return removed, expired, live
}

func (r *registry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sess := range r.sessions {
		_ = sess.conn.Close()
	}
}
