package metrics

import (
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NodePath81/fbping/internal/probe"
)

type channelCounters struct {
	sent         atomic.Uint64
	lost         atomic.Uint64
	acked        atomic.Uint64
	decodeErrors atomic.Uint64
}

type channelReport struct {
	lossPct  float64
	avgMs    float64
	maxMs    uint32
	minMs    uint32
	jitterMs float64
}

// ClientMetrics exposes the prober's counters in Prometheus text form.
// Sent and decode-error counters advance per event; loss, ack and
// latency figures advance at each reporting boundary, when the
// estimators resolve them.
type ClientMetrics struct {
	tcp channelCounters
	udp channelCounters

	reconnects atomic.Uint64

	mu        sync.Mutex
	tcpReport channelReport
	udpReport channelReport
	connected bool

	startTime time.Time
}

func NewClientMetrics() *ClientMetrics {
	return &ClientMetrics{startTime: time.Now()}
}

func (m *ClientMetrics) channel(proto string) *channelCounters {
	if strings.EqualFold(proto, "udp") {
		return &m.udp
	}
	return &m.tcp
}

func (m *ClientMetrics) AddSent(proto string) {
	m.channel(proto).sent.Add(1)
}

func (m *ClientMetrics) AddDecodeError(proto string) {
	m.channel(proto).decodeErrors.Add(1)
}

func (m *ClientMetrics) SetConnected(up bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = up
}

func (m *ClientMetrics) IncReconnects() {
	m.reconnects.Add(1)
}

// ObserveReport folds one reporting period into the totals and updates
// the last-report gauges.
func (m *ClientMetrics) ObserveReport(proto string, c probe.Counters, r probe.Report, jitter time.Duration) {
	ch := m.channel(proto)
	ch.lost.Add(c.Lost)
	ch.acked.Add(c.Acked)

	rep := channelReport{
		lossPct:  r.LossPct,
		avgMs:    r.AvgMs,
		maxMs:    r.MaxMs,
		minMs:    r.MinMs,
		jitterMs: float64(jitter.Microseconds()) / 1000,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if strings.EqualFold(proto, "udp") {
		m.udpReport = rep
	} else {
		m.tcpReport = rep
	}
}

func (m *ClientMetrics) Handler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(m.Render()))
}

func (m *ClientMetrics) Render() string {
	m.mu.Lock()
	tcpRep := m.tcpReport
	udpRep := m.udpReport
	connected := m.connected
	startTime := m.startTime
	m.mu.Unlock()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var b strings.Builder
	writeCounter := func(name string, tcp, udp uint64) {
		b.WriteString("# TYPE " + name + " counter\n")
		b.WriteString(name + "{proto=\"tcp\"} " + strconv.FormatUint(tcp, 10) + "\n")
		b.WriteString(name + "{proto=\"udp\"} " + strconv.FormatUint(udp, 10) + "\n")
	}
	writeGauge := func(name string, tcp, udp float64) {
		b.WriteString("# TYPE " + name + " gauge\n")
		b.WriteString(name + "{proto=\"tcp\"} " + formatFloat(tcp) + "\n")
		b.WriteString(name + "{proto=\"udp\"} " + formatFloat(udp) + "\n")
	}

	writeCounter("fbping_probes_sent_total", m.tcp.sent.Load(), m.udp.sent.Load())
	writeCounter("fbping_probes_lost_total", m.tcp.lost.Load(), m.udp.lost.Load())
	writeCounter("fbping_probes_acked_total", m.tcp.acked.Load(), m.udp.acked.Load())
	writeCounter("fbping_decode_errors_total", m.tcp.decodeErrors.Load(), m.udp.decodeErrors.Load())
	writeGauge("fbping_loss_percent", tcpRep.lossPct, udpRep.lossPct)
	writeGauge("fbping_latency_avg_ms", tcpRep.avgMs, udpRep.avgMs)
	writeGauge("fbping_latency_max_ms", float64(tcpRep.maxMs), float64(udpRep.maxMs))
	writeGauge("fbping_latency_min_ms", float64(tcpRep.minMs), float64(udpRep.minMs))
	writeGauge("fbping_jitter_ms", tcpRep.jitterMs, udpRep.jitterMs)

	b.WriteString("# TYPE fbping_tcp_connected gauge\n")
	if connected {
		b.WriteString("fbping_tcp_connected 1\n")
	} else {
		b.WriteString("fbping_tcp_connected 0\n")
	}
	b.WriteString("# TYPE fbping_tcp_reconnects_total counter\n")
	b.WriteString("fbping_tcp_reconnects_total " + strconv.FormatUint(m.reconnects.Load(), 10) + "\n")
	b.WriteString("# TYPE fbping_memory_alloc_bytes gauge\n")
	b.WriteString("fbping_memory_alloc_bytes " + strconv.FormatUint(mem.Alloc, 10) + "\n")
	b.WriteString("# TYPE fbping_uptime_seconds gauge\n")
	b.WriteString("fbping_uptime_seconds " + formatFloat(time.Since(startTime).Seconds()) + "\n")
	return b.String()
}

// ServerMetrics exposes the echo server's counters in Prometheus text
// form.
type ServerMetrics struct {
	sessionsActive atomic.Int64
	accepted       atomic.Uint64
	expired        atomic.Uint64
	tcpEchoedBytes atomic.Uint64
	udpEchoed      atomic.Uint64

	startTime time.Time
}

func NewServerMetrics() *ServerMetrics {
	return &ServerMetrics{startTime: time.Now()}
}

func (m *ServerMetrics) SetSessionsActive(n int) {
	m.sessionsActive.Store(int64(n))
}

func (m *ServerMetrics) IncAccepted() {
	m.accepted.Add(1)
}

func (m *ServerMetrics) IncExpired() {
	m.expired.Add(1)
}

func (m *ServerMetrics) AddTCPEchoedBytes(n uint64) {
	m.tcpEchoedBytes.Add(n)
}

func (m *ServerMetrics) IncUDPEchoed() {
	m.udpEchoed.Add(1)
}

func (m *ServerMetrics) Handler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_, _ = w.Write([]byte(m.Render()))
}

func (m *ServerMetrics) Render() string {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var b strings.Builder
	b.WriteString("# TYPE fbpingd_sessions_active gauge\n")
	b.WriteString("fbpingd_sessions_active " + strconv.FormatInt(m.sessionsActive.Load(), 10) + "\n")
	b.WriteString("# TYPE fbpingd_sessions_accepted_total counter\n")
	b.WriteString("fbpingd_sessions_accepted_total " + strconv.FormatUint(m.accepted.Load(), 10) + "\n")
	b.WriteString("# TYPE fbpingd_sessions_expired_total counter\n")
	b.WriteString("fbpingd_sessions_expired_total " + strconv.FormatUint(m.expired.Load(), 10) + "\n")
	b.WriteString("# TYPE fbpingd_tcp_echoed_bytes_total counter\n")
	b.WriteString("fbpingd_tcp_echoed_bytes_total " + strconv.FormatUint(m.tcpEchoedBytes.Load(), 10) + "\n")
	b.WriteString("# TYPE fbpingd_udp_echoed_datagrams_total counter\n")
	b.WriteString("fbpingd_udp_echoed_datagrams_total " + strconv.FormatUint(m.udpEchoed.Load(), 10) + "\n")
	b.WriteString("# TYPE fbpingd_memory_alloc_bytes gauge\n")
	b.WriteString("fbpingd_memory_alloc_bytes " + strconv.FormatUint(mem.Alloc, 10) + "\n")
	b.WriteString("# TYPE fbpingd_uptime_seconds gauge\n")
	b.WriteString("fbpingd_uptime_seconds " + formatFloat(time.Since(m.startTime).Seconds()) + "\n")
	return b.String()
}

func formatFloat(val float64) string {
	return strconv.FormatFloat(val, 'f', 6, 64)
}
