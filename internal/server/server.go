// Package server implements the echo side of fbping. Every byte
// received on an accepted TCP session and every UDP datagram is
// reflected back to its sender so clients can resolve their probes.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/NodePath81/fbping/internal/config"
	"github.com/NodePath81/fbping/internal/control"
	"github.com/NodePath81/fbping/internal/geo"
	"github.com/NodePath81/fbping/internal/metrics"
	"github.com/NodePath81/fbping/internal/util"
)

type Server struct {
	cfg     config.ServerConfig
	logger  util.Logger
	metrics *metrics.ServerMetrics
	status  *control.StatusStore
	geo     *geo.Resolver

	reg       *registry
	sem       chan struct{}
	sessionWg sync.WaitGroup
}

func New(cfg config.ServerConfig, m *metrics.ServerMetrics, status *control.StatusStore, resolver *geo.Resolver, logger util.Logger) *Server {
	return &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		status:  status,
		geo:     resolver,
		reg:     newRegistry(),
		sem:     make(chan struct{}, cfg.Sessions.MaxSessions),
	}
}

// Run binds the shared TCP and UDP port and serves until ctx is
// cancelled. Listener failures are fatal and returned to the caller;
// per-session errors only end that session.
func (s *Server) Run(ctx context.Context) error {
	addr := util.NetJoin(s.cfg.Listen.Addr, s.cfg.Listen.Port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("listen udp %s: %w", addr, err)
	}
	s.logger.Info("server listening", "addr", addr, "max_sessions", s.cfg.Sessions.MaxSessions)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-runCtx.Done()
		_ = ln.Close()
		_ = pc.Close()
	}()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := s.acceptLoop(ln); err != nil {
			errCh <- err
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		if err := s.udpLoop(pc); err != nil {
			errCh <- err
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		s.reaperLoop(runCtx)
	}()
	wg.Wait()

	s.reg.closeAll()
	s.sessionWg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (s *Server) acceptLoop(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("tcp accept: %w", err)
		}
		select {
		case s.sem <- struct{}{}:
		default:
			s.logger.Debug("session limit reached, closing connection", "remote", conn.RemoteAddr().String())
			_ = conn.Close()
			continue
		}
		s.onAccept(conn)
	}
}

func (s *Server) onAccept(conn net.Conn) {
	sess := s.reg.add(conn, time.Now())
	location := s.lookupLocation(sess.remote)
	count := s.reg.count()
	s.metrics.IncAccepted()
	s.metrics.SetSessionsActive(count)
	s.status.AddSession(sess.id, sess.remote, location)
	if location != "" {
		s.logger.Info("session accepted", "remote", sess.remote, "sessions", count, "id", sess.id, "location", location)
	} else {
		s.logger.Info("session accepted", "remote", sess.remote, "sessions", count, "id", sess.id)
	}
	s.sessionWg.Add(1)
	go func() {
		defer s.sessionWg.Done()
		defer func() { <-s.sem }()
		s.serveSession(sess)
	}()
}

// serveSession echoes the session's bytes back until the peer goes
// away. The reader never removes the session itself; it marks it dead
// for the reaper.
func (s *Server) serveSession(sess *session) {
	defer func() { _ = sess.conn.Close() }()
	buf := make([]byte, 4096)
	for {
		n, err := sess.conn.Read(buf)
		if n > 0 {
			s.reg.touch(sess.id, time.Now())
			s.status.TouchSession(sess.id)
			if _, werr := sess.conn.Write(buf[:n]); werr != nil {
				s.logger.Warn("session socket error", "remote", sess.remote, "id", sess.id, "error", werr)
				s.reg.markDead(sess.id)
				return
			}
			s.metrics.AddTCPEchoedBytes(uint64(n))
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.logger.Info("session closed by remote", "remote", sess.remote, "id", sess.id)
			case errors.Is(err, net.ErrClosed):
				// reaper or shutdown closed it already
			default:
				s.logger.Warn("session socket error", "remote", sess.remote, "id", sess.id, "error", err)
			}
			s.reg.markDead(sess.id)
			return
		}
	}
}

func (s *Server) udpLoop(pc net.PacketConn) error {
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("udp read: %w", err)
		}
		if _, err := pc.WriteTo(buf[:n], addr); err != nil {
			s.logger.Warn("udp echo failed", "remote", addr.String(), "error", err)
			continue
		}
		s.metrics.IncUDPEchoed()
	}
}

func (s *Server) reaperLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Sessions.ReaperTick.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapOnce(time.Now())
		}
	}
}

func (s *Server) reapOnce(now time.Time) {
	removed, expired, live := s.reg.sweep(now, s.cfg.Sessions.IdleTimeout.Duration())
	for _, sess := range expired {
		s.metrics.IncExpired()
		s.logger.Info("session idle timeout", "remote", sess.remote, "id", sess.id)
	}
	for _, sess := range removed {
		s.status.RemoveSession(sess.id)
	}
	if len(removed) > 0 || len(expired) > 0 {
		s.metrics.SetSessionsActive(s.reg.count())
	}
	for _, sess := range live {
		if rtt, err := kernelRTT(sess.conn); err == nil {
			s.status.SetSessionRTT(sess.id, rtt)
		}
	}
	s.status.Publish()
}

func (s *Server) lookupLocation(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return ""
	}
	return s.geo.Lookup(net.ParseIP(host))
}
