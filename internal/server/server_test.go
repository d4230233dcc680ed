package server

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/NodePath81/fbping/internal/config"
	"github.com/NodePath81/fbping/internal/control"
	"github.com/NodePath81/fbping/internal/metrics"
	"github.com/NodePath81/fbping/internal/probe"
	"github.com/NodePath81/fbping/internal/util"
)

func quietLogger() util.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// findFreePort picks a loopback port that is currently free for both
// TCP and UDP.
func findFreePort(t *testing.T) int {
	t.Helper()
	for attempt := 0; attempt < 5; attempt++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		port := ln.Addr().(*net.TCPAddr).Port
		uc, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
		_ = ln.Close()
		if err == nil {
			_ = uc.Close()
			return port
		}
	}
	t.Fatal("no free tcp+udp port pair")
	return 0
}

func testServerConfig(port int, idle, reap time.Duration, maxSessions int) config.ServerConfig {
	return config.ServerConfig{
		Listen: config.ListenConfig{Addr: "127.0.0.1", Port: port},
		Sessions: config.SessionConfig{
			IdleTimeout: config.Duration(idle),
			ReaperTick:  config.Duration(reap),
			MaxSessions: maxSessions,
		},
	}
}

func startServer(t *testing.T, cfg config.ServerConfig, store *control.StatusStore) (*Server, context.CancelFunc, chan error) {
	t.Helper()
	srv := New(cfg, metrics.NewServerMetrics(), store, nil, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	return srv, cancel, done
}

func dialWithRetry(t *testing.T, addr string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		conn, err := net.DialTimeout("tcp", addr, time.Second)
		if err == nil {
			return conn
		}
		if time.Now().After(deadline) {
			t.Fatalf("dial %s: %v", addr, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func echoRoundTrip(t *testing.T, conn net.Conn, rec probe.Record) {
	t.Helper()
	frame := probe.AppendFrame(nil, rec)
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	echo := make([]byte, len(frame))
	if _, err := io.ReadFull(conn, echo); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if !bytes.Equal(echo, frame) {
		t.Fatalf("echo = %x, want %x", echo, frame)
	}
}

func shutdown(t *testing.T, cancel context.CancelFunc, done chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestServerEchoesTCPAndUDP(t *testing.T) {
	port := findFreePort(t)
	store := control.NewStatusStore(control.RoleServer, nil)
	srv, cancel, done := startServer(t, testServerConfig(port, 5*time.Second, 50*time.Millisecond, 4), store)
	addr := util.NetJoin("127.0.0.1", port)

	conn := dialWithRetry(t, addr)
	defer conn.Close()
	echoRoundTrip(t, conn, probe.Record{Seq: 7, SendTime: 12345})

	uc, err := net.Dial("udp", addr)
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}
	defer uc.Close()
	payload := probe.AppendRecord(nil, probe.Record{Seq: 9, SendTime: 99})
	if _, err := uc.Write(payload); err != nil {
		t.Fatalf("udp write: %v", err)
	}
	_ = uc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := uc.Read(buf)
	if err != nil {
		t.Fatalf("udp echo: %v", err)
	}
	if !bytes.Equal(buf[:n], payload) {
		t.Fatalf("udp echo = %x, want %x", buf[:n], payload)
	}

	if got := srv.reg.count(); got != 1 {
		t.Errorf("session count = %d, want 1", got)
	}
	if got := store.SessionCount(); got != 1 {
		t.Errorf("status session count = %d, want 1", got)
	}

	shutdown(t, cancel, done)
}

func TestServerReapsIdleSessions(t *testing.T) {
	port := findFreePort(t)
	store := control.NewStatusStore(control.RoleServer, nil)
	srv, cancel, done := startServer(t, testServerConfig(port, 150*time.Millisecond, 25*time.Millisecond, 4), store)
	addr := util.NetJoin("127.0.0.1", port)

	conn := dialWithRetry(t, addr)
	defer conn.Close()
	echoRoundTrip(t, conn, probe.Record{Seq: 1, SendTime: 1})

	deadline := time.Now().Add(5 * time.Second)
	for srv.reg.count() != 0 || store.SessionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("idle session was not reaped: registry=%d status=%d", srv.reg.count(), store.SessionCount())
		}
		time.Sleep(20 * time.Millisecond)
	}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Errorf("read after reap = %v, want EOF", err)
	}

	if render := srv.metrics.Render(); !strings.Contains(render, "fbpingd_sessions_expired_total 1") {
		t.Errorf("expired counter missing from:\n%s", render)
	}

	shutdown(t, cancel, done)
}

func TestServerEnforcesSessionLimit(t *testing.T) {
	port := findFreePort(t)
	srv, cancel, done := startServer(t, testServerConfig(port, 5*time.Second, 50*time.Millisecond, 1), nil)
	addr := util.NetJoin("127.0.0.1", port)

	first := dialWithRetry(t, addr)
	defer first.Close()
	echoRoundTrip(t, first, probe.Record{Seq: 1, SendTime: 1})

	second, err := net.DialTimeout("tcp", addr, time.Second)
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()
	_ = second.SetReadDeadline(time.Now().Add(3 * time.Second))
	n, err := second.Read(make([]byte, 1))
	if err == nil || n > 0 {
		t.Fatalf("over-limit connection read = (%d, %v), want close", n, err)
	}

	if got := srv.reg.count(); got != 1 {
		t.Errorf("session count = %d, want 1", got)
	}
	echoRoundTrip(t, first, probe.Record{Seq: 2, SendTime: 2})

	shutdown(t, cancel, done)
}

func TestServerRunFailsWhenPortBusy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	srv := New(testServerConfig(port, time.Second, time.Second, 1), metrics.NewServerMetrics(), nil, nil, quietLogger())
	if err := srv.Run(context.Background()); err == nil {
		t.Fatal("expected listen failure on busy port")
	}
}
