package probe

import "fmt"

// Report holds the per-channel figures emitted at a reporting boundary.
// Total counts resolved probes (lost + acked); probes still waiting in
// the window are excluded from the loss percentage.
type Report struct {
	Proto   string
	Lost    uint64
	Total   uint64
	LossPct float64
	AvgMs   float64
	MaxMs   uint32
	MinMs   uint32
}

// BuildReport derives the reportable figures from a counters snapshot.
// The average divides LatencySum by Acked in integer milliseconds
// before widening, so sub-millisecond precision is truncated.
func BuildReport(proto string, c Counters) Report {
	r := Report{
		Proto: proto,
		Lost:  c.Lost,
		Total: c.Lost + c.Acked,
		MaxMs: c.LatencyMax,
		MinMs: c.LatencyMin,
	}
	if r.Total > 0 {
		r.LossPct = 100 * float64(c.Lost) / float64(r.Total)
	}
	if c.Acked > 0 {
		r.AvgMs = float64(c.LatencySum / c.Acked)
	}
	return r
}

// LossString renders the loss percentage with two decimals, e.g. "1.67%".
func (r Report) LossString() string {
	return fmt.Sprintf("%.2f%%", r.LossPct)
}

// AvgString renders the average latency with two decimals, e.g. "23.00".
func (r Report) AvgString() string {
	return fmt.Sprintf("%.2f", r.AvgMs)
}

// StatLine renders the pipe-delimited stats file form:
//
//	TCP|1|60|1.67%|23.00|31|19
//
// fields being proto, lost, total, loss percent, average, max and min
// latency in milliseconds.
func (r Report) StatLine() string {
	return fmt.Sprintf("%s|%d|%d|%s|%s|%d|%d",
		r.Proto, r.Lost, r.Total, r.LossString(), r.AvgString(), r.MaxMs, r.MinMs)
}
