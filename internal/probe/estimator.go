package probe

import (
	"math"
	"time"
)

// Counters is a point-in-time view of one channel's statistics within a
// reporting period.
type Counters struct {
	TotalSent  uint64
	Lost       uint64
	Acked      uint64
	LatencySum uint64
	LatencyMax uint32
	LatencyMin uint32
}

// Estimator tracks probe loss and latency for one transport channel.
// It keeps a sliding window of outstanding probes, oldest first, one
// bool per probe (true once acked). A probe's outcome is counted
// exactly once: acked on the first matching echo, or lost when its slot
// ages out of the window.
//
// Not safe for concurrent use; the owner serializes Tick and OnAck.
type Estimator struct {
	interval int64
	timeout  int64
	nowFn    func() int64

	window   []bool
	nextSeq  uint32
	nextSend int64

	totalSent  uint64
	lost       uint64
	acked      uint64
	latencySum uint64
	latencyMax uint32
	latencyMin uint32
}

// NewEstimator builds an estimator for one channel. nowFn must return
// milliseconds on the same monotonic clock used for Tick timestamps.
func NewEstimator(interval, timeout time.Duration, nowFn func() int64) *Estimator {
	return &Estimator{
		interval:   interval.Milliseconds(),
		timeout:    timeout.Milliseconds(),
		nowFn:      nowFn,
		latencyMin: math.MaxUint32,
	}
}

// Tick advances the estimator to now. On ticks where the send interval
// has elapsed it first evicts slots older than the timeout, counting
// still-unacked ones as lost, then returns the record to send next.
// The bool is false on non-sending ticks.
//
// Eviction is by window length: a slot falls out once the window spans
// the timeout, so an unacked probe is declared lost at the send that
// pushes it past the deadline rather than on a free-running age check.
func (e *Estimator) Tick(now int64) (Record, bool) {
	if now < e.nextSend {
		return Record{}, false
	}
	for len(e.window) > 0 && int64(len(e.window))*e.interval >= e.timeout {
		if !e.window[0] {
			e.lost++
		}
		e.window = e.window[1:]
	}
	rec := Record{Seq: e.nextSeq, SendTime: now}
	e.nextSeq++
	e.window = append(e.window, false)
	e.totalSent++
	e.nextSend = now + e.interval
	return rec, true
}

// OnAck resolves an echoed record against the window and returns the
// measured latency in milliseconds. Stale, future, wrapped, and
// duplicate sequences are no-ops and report counted=false. Latency is
// measured against the estimator's clock at the time of the call.
func (e *Estimator) OnAck(rec Record) (latency uint32, counted bool) {
	idx := len(e.window) - int(e.nextSeq-rec.Seq)
	if idx < 0 || idx >= len(e.window) {
		return 0, false
	}
	if e.window[idx] {
		return 0, false
	}
	elapsed := uint32(e.nowFn() - rec.SendTime)
	e.window[idx] = true
	e.acked++
	e.latencySum += uint64(elapsed)
	if elapsed > e.latencyMax {
		e.latencyMax = elapsed
	}
	if elapsed < e.latencyMin {
		e.latencyMin = elapsed
	}
	return elapsed, true
}

// Snapshot returns the counters accumulated since the last Reset.
// LatencyMin reports 0 until at least one probe has been acked; the
// internal sentinel never leaks.
func (e *Estimator) Snapshot() Counters {
	c := Counters{
		TotalSent:  e.totalSent,
		Lost:       e.lost,
		Acked:      e.acked,
		LatencySum: e.latencySum,
		LatencyMax: e.latencyMax,
		LatencyMin: e.latencyMin,
	}
	if e.acked == 0 {
		c.LatencyMin = 0
	}
	return c
}

// Reset clears the window and counters for a new reporting period.
// Sequence numbers keep increasing across periods, and the next Tick
// sends immediately regardless of prior spacing.
func (e *Estimator) Reset() {
	e.window = e.window[:0]
	e.nextSend = 0
	e.totalSent = 0
	e.lost = 0
	e.acked = 0
	e.latencySum = 0
	e.latencyMax = 0
	e.latencyMin = math.MaxUint32
}
