// Package client drives the probing side of fbping: a single
// supervisor goroutine ticks two loss estimators, keeps the TCP
// channel connected, and flushes periodic reports.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/NodePath81/fbping/internal/config"
	"github.com/NodePath81/fbping/internal/control"
	"github.com/NodePath81/fbping/internal/metrics"
	"github.com/NodePath81/fbping/internal/probe"
	"github.com/NodePath81/fbping/internal/util"
)

const tcpDialTimeout = 5 * time.Second

type tcpState int

const (
	stateNotConnected tcpState = iota
	stateConnecting
	stateConnected
)

func (s tcpState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	default:
		return "not_connected"
	}
}

type dialResult struct {
	gen  int
	conn net.Conn
	err  error
}

// netEvent carries either a decoded echo (err nil) or a terminal
// channel error from a reader goroutine. Events tagged with an old
// generation belong to an already discarded socket and are dropped.
type netEvent struct {
	gen int
	rec probe.Record
	err error
}

// Supervisor owns all probing state. Socket readers and the dialer run
// on their own goroutines but every state transition happens on the
// Run loop, so none of the fields need locking.
type Supervisor struct {
	cfg    config.ClientConfig
	logger util.Logger

	metrics *metrics.ClientMetrics
	status  *control.StatusStore

	serverAddr string
	start      time.Time
	clock      func() int64

	tcpEst    *probe.Estimator
	udpEst    *probe.Estimator
	tcpJitter *probe.RTTSampler
	udpJitter *probe.RTTSampler

	state      tcpState
	nextRetry  int64
	nextReport int64

	tcpConn net.Conn
	udpConn net.Conn
	gen     int
	udpGen  int

	dialCh    chan dialResult
	tcpEvents chan netEvent
	udpEvents chan netEvent

	stats  *statsWriter
	encBuf []byte
}

func NewSupervisor(cfg config.ClientConfig, m *metrics.ClientMetrics, status *control.StatusStore, logger util.Logger) *Supervisor {
	s := &Supervisor{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		status:     status,
		serverAddr: util.NetJoin(cfg.Server.Host, cfg.Server.Port),
		start:      time.Now(),
		dialCh:     make(chan dialResult, 1),
		tcpEvents:  make(chan netEvent, 64),
		udpEvents:  make(chan netEvent, 64),
		stats:      newStatsWriter(cfg.Report.Output, logger),
	}
	s.clock = func() int64 { return time.Since(s.start).Milliseconds() }
	interval := cfg.Probe.Interval.Duration()
	timeout := cfg.Probe.Timeout.Duration()
	s.tcpEst = probe.NewEstimator(interval, timeout, s.now)
	s.udpEst = probe.NewEstimator(interval, timeout, s.now)
	s.tcpJitter = probe.NewRTTSampler()
	s.udpJitter = probe.NewRTTSampler()
	s.status.SetServer(s.serverAddr)
	s.status.SetTCPState(s.state.String())
	return s
}

// now is the supervisor's monotonic clock in milliseconds. Send times
// cross the wire and come back, so both ends of the latency math must
// read this same clock.
func (s *Supervisor) now() int64 {
	return s.clock()
}

func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("probing started",
		"server", s.serverAddr,
		"interval", s.cfg.Probe.Interval.Duration().String(),
		"timeout", s.cfg.Probe.Timeout.Duration().String(),
	)

	if err := s.openUDP(); err != nil {
		return fmt.Errorf("open udp socket: %w", err)
	}
	defer s.closeAll()

	ticker := time.NewTicker(s.cfg.Probe.Tick.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case res := <-s.dialCh:
			s.onDialDone(res)
		case ev := <-s.tcpEvents:
			s.onTCPEvent(ev)
		case ev := <-s.udpEvents:
			s.onUDPEvent(ev)
		case <-ticker.C:
			s.step(s.now())
		}
	}
}

// step runs one probe tick: reconnect if due, advance both estimators,
// put emitted records on the wire, and flush reports at the boundary.
func (s *Supervisor) step(now int64) {
	if s.state == stateNotConnected && now >= s.nextRetry {
		s.startDial()
	}

	tcpRec, tcpOK := s.tcpEst.Tick(now)
	udpRec, udpOK := s.udpEst.Tick(now)

	if tcpOK {
		s.metrics.AddSent("tcp")
		if s.state == stateConnected {
			s.writeTCP(tcpRec)
		}
	}
	if udpOK {
		s.metrics.AddSent("udp")
		s.writeUDP(udpRec)
	}

	if now >= s.nextReport {
		s.nextReport = now + s.cfg.Report.Interval.Duration().Milliseconds()
		s.flushReports()
	}
}

func (s *Supervisor) startDial() {
	s.state = stateConnecting
	s.status.SetTCPState(s.state.String())
	gen := s.gen
	addr := s.serverAddr
	go func() {
		d := net.Dialer{Timeout: tcpDialTimeout}
		conn, err := d.Dial("tcp", addr)
		s.dialCh <- dialResult{gen: gen, conn: conn, err: err}
	}()
}

func (s *Supervisor) onDialDone(res dialResult) {
	if res.gen != s.gen || s.state != stateConnecting {
		if res.conn != nil {
			_ = res.conn.Close()
		}
		return
	}
	if res.err != nil {
		s.logger.Warn("connect failed", "server", s.serverAddr, "error", res.err)
		s.state = stateNotConnected
		s.status.SetTCPState(s.state.String())
		s.nextRetry = s.now() + s.cfg.Probe.ReconnectBackoff.Duration().Milliseconds()
		return
	}
	if tc, ok := res.conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(s.cfg.Probe.NoDelay())
	}
	s.tcpConn = res.conn
	s.state = stateConnected
	s.status.SetTCPState(s.state.String())
	s.metrics.SetConnected(true)
	s.tcpEst.Reset()
	s.logger.Info("ping server connected", "server", s.serverAddr)
	go s.readTCP(res.conn, s.gen)
}

func (s *Supervisor) readTCP(conn net.Conn, gen int) {
	fr := probe.NewFrameReader(conn)
	for {
		payload, err := fr.Next()
		if err != nil {
			s.tcpEvents <- netEvent{gen: gen, err: err}
			return
		}
		rec, err := probe.DecodeRecord(payload)
		if err != nil {
			s.logger.Warn("bad tcp record", "error", err)
			s.metrics.AddDecodeError("tcp")
			continue
		}
		s.tcpEvents <- netEvent{gen: gen, rec: rec}
	}
}

func (s *Supervisor) onTCPEvent(ev netEvent) {
	if ev.gen != s.gen {
		return
	}
	if ev.err != nil {
		if errors.Is(ev.err, io.EOF) {
			s.logger.Warn("tcp remote eof", "server", s.serverAddr)
		} else {
			s.logger.Warn("tcp socket error", "error", ev.err)
		}
		s.dropTCP()
		return
	}
	if latency, counted := s.tcpEst.OnAck(ev.rec); counted {
		s.tcpJitter.Add(time.Duration(latency) * time.Millisecond)
	}
}

func (s *Supervisor) writeTCP(rec probe.Record) {
	s.encBuf = probe.AppendFrame(s.encBuf[:0], rec)
	if _, err := s.tcpConn.Write(s.encBuf); err != nil {
		s.logger.Warn("tcp socket error", "error", err)
		s.dropTCP()
	}
}

// dropTCP discards the connected channel and schedules a reconnect.
// Bumping the generation makes the dying reader's trailing events
// no-ops.
func (s *Supervisor) dropTCP() {
	if s.tcpConn != nil {
		_ = s.tcpConn.Close()
		s.tcpConn = nil
	}
	s.gen++
	s.state = stateNotConnected
	s.status.SetTCPState(s.state.String())
	s.metrics.SetConnected(false)
	s.metrics.IncReconnects()
	s.nextRetry = s.now() + s.cfg.Probe.ReconnectBackoff.Duration().Milliseconds()
}

func (s *Supervisor) openUDP() error {
	conn, err := net.Dial("udp", s.serverAddr)
	if err != nil {
		return err
	}
	s.udpConn = conn
	s.udpGen++
	go s.readUDP(conn, s.udpGen)
	return nil
}

func (s *Supervisor) readUDP(conn net.Conn, gen int) {
	buf := make([]byte, 2048)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			s.udpEvents <- netEvent{gen: gen, err: err}
			return
		}
		rec, err := probe.DecodeRecord(buf[:n])
		if err != nil {
			s.logger.Warn("bad udp record", "error", err)
			s.metrics.AddDecodeError("udp")
			continue
		}
		s.udpEvents <- netEvent{gen: gen, rec: rec}
	}
}

func (s *Supervisor) onUDPEvent(ev netEvent) {
	if ev.gen != s.udpGen {
		return
	}
	if ev.err != nil {
		s.logger.Warn("udp socket error", "error", ev.err)
		s.recreateUDP()
		return
	}
	if latency, counted := s.udpEst.OnAck(ev.rec); counted {
		s.udpJitter.Add(time.Duration(latency) * time.Millisecond)
	}
}

func (s *Supervisor) writeUDP(rec probe.Record) {
	if s.udpConn == nil {
		s.recreateUDP()
		if s.udpConn == nil {
			return
		}
	}
	s.encBuf = probe.AppendRecord(s.encBuf[:0], rec)
	if _, err := s.udpConn.Write(s.encBuf); err != nil {
		s.logger.Warn("udp socket error", "error", err)
		s.recreateUDP()
	}
}

func (s *Supervisor) recreateUDP() {
	if s.udpConn != nil {
		_ = s.udpConn.Close()
		s.udpConn = nil
	}
	if err := s.openUDP(); err != nil {
		s.logger.Warn("udp socket error", "error", err)
	}
}

func (s *Supervisor) flushReports() {
	now := time.Now()
	s.flushChannel(now, "TCP", s.tcpEst, s.tcpJitter)
	s.flushChannel(now, "UDP", s.udpEst, s.udpJitter)
}

func (s *Supervisor) flushChannel(now time.Time, proto string, est *probe.Estimator, jitter *probe.RTTSampler) {
	counters := est.Snapshot()
	r := probe.BuildReport(proto, counters)
	s.logger.Info("ping report",
		"proto", proto,
		"lost", r.Lost,
		"total", r.Total,
		"loss", r.LossString(),
		"avg_ms", r.AvgString(),
		"max_ms", r.MaxMs,
		"min_ms", r.MinMs,
	)
	s.stats.Append(now, r)
	rtt := jitter.Stats()
	s.metrics.ObserveReport(proto, counters, r, rtt.StdDev)
	s.status.ObserveReport(control.ChannelStatus{
		Proto:      proto,
		Lost:       r.Lost,
		Total:      r.Total,
		LossPct:    r.LossPct,
		AvgMs:      r.AvgMs,
		MaxMs:      r.MaxMs,
		MinMs:      r.MinMs,
		JitterMs:   float64(rtt.StdDev.Microseconds()) / 1000.0,
		ReportedAt: now.UnixMilli(),
	})
	est.Reset()
	jitter.Reset()
}

func (s *Supervisor) closeAll() {
	if s.tcpConn != nil {
		_ = s.tcpConn.Close()
		s.tcpConn = nil
	}
	if s.udpConn != nil {
		_ = s.udpConn.Close()
		s.udpConn = nil
	}
	select {
	case res := <-s.dialCh:
		if res.conn != nil {
			_ = res.conn.Close()
		}
	default:
	}
	s.stats.Close()
}
