package server

import (
	"io"
	"net"
	"testing"
	"time"
)

type stubConn struct {
	closed bool
}

func (c *stubConn) Read(b []byte) (int, error)  { return 0, io.EOF }
func (c *stubConn) Write(b []byte) (int, error) { return len(b), nil }

func (c *stubConn) Close() error {
	c.closed = true
	return nil
}

func (c *stubConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 40000}
}

func (c *stubConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (c *stubConn) SetDeadline(t time.Time) error      { return nil }
func (c *stubConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *stubConn) SetWriteDeadline(t time.Time) error { return nil }

func TestRegistrySweepTwoPhase(t *testing.T) {
	r := newRegistry()
	conn := &stubConn{}
	t0 := time.Now()
	sess := r.add(conn, t0)
	if r.count() != 1 {
		t.Fatalf("count = %d, want 1", r.count())
	}
	if sess.remote != "192.0.2.1:40000" {
		t.Fatalf("remote = %q", sess.remote)
	}

	// exactly at the idle boundary the session is closed but stays
	// registered for one more sweep
	removed, expired, live := r.sweep(t0.Add(60*time.Second), 60*time.Second)
	if len(removed) != 0 || len(expired) != 1 || len(live) != 0 {
		t.Fatalf("first sweep = %d removed, %d expired, %d live", len(removed), len(expired), len(live))
	}
	if !conn.closed {
		t.Fatal("idle session was not closed")
	}
	if r.count() != 1 {
		t.Fatalf("count after first sweep = %d, want 1", r.count())
	}

	removed, expired, live = r.sweep(t0.Add(61*time.Second), 60*time.Second)
	if len(removed) != 1 || removed[0].id != sess.id || len(expired) != 0 || len(live) != 0 {
		t.Fatalf("second sweep = %d removed, %d expired, %d live", len(removed), len(expired), len(live))
	}
	if r.count() != 0 {
		t.Fatalf("count after second sweep = %d, want 0", r.count())
	}
}

func TestRegistryTouchDefersExpiry(t *testing.T) {
	r := newRegistry()
	t0 := time.Now()
	sess := r.add(&stubConn{}, t0)
	r.touch(sess.id, t0.Add(30*time.Second))
	r.touch("no-such-id", t0)

	_, expired, live := r.sweep(t0.Add(60*time.Second), 60*time.Second)
	if len(expired) != 0 || len(live) != 1 {
		t.Fatalf("sweep after touch = %d expired, %d live", len(expired), len(live))
	}

	_, expired, _ = r.sweep(t0.Add(90*time.Second), 60*time.Second)
	if len(expired) != 1 {
		t.Fatalf("sweep at pushed-back deadline = %d expired, want 1", len(expired))
	}
}

func TestRegistryMarkDeadRemovesOnSweep(t *testing.T) {
	r := newRegistry()
	t0 := time.Now()
	sess := r.add(&stubConn{}, t0)
	r.markDead(sess.id)
	r.markDead("no-such-id")

	removed, expired, live := r.sweep(t0, 60*time.Second)
	if len(removed) != 1 || len(expired) != 0 || len(live) != 0 {
		t.Fatalf("sweep = %d removed, %d expired, %d live", len(removed), len(expired), len(live))
	}
	if r.count() != 0 {
		t.Fatalf("count = %d, want 0", r.count())
	}
}

func TestRegistryCloseAll(t *testing.T) {
	r := newRegistry()
	now := time.Now()
	a := &stubConn{}
	b := &stubConn{}
	r.add(a, now)
	r.add(b, now)
	r.closeAll()
	if !a.closed || !b.closed {
		t.Fatal("closeAll left sessions open")
	}
}
