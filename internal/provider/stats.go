package provider

import "time"

// latencyAlpha weights the newest sample in the latency moving average.
const latencyAlpha = 0.2

// BackendStatus is a snapshot of one backend's routing state and counters.
type BackendStatus struct {
	ID                  string    `json:"id"`
	Kind                string    `json:"kind"`
	Rank                int       `json:"rank"`
	Health              Health    `json:"health"`
	Active              bool      `json:"active"`
	Requests            uint64    `json:"requests"`
	Errors              uint64    `json:"errors"`
	Probes              uint64    `json:"probes"`
	ProbeFailures       uint64    `json:"probe_failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	AvgLatencyMS        float64   `json:"avg_latency_ms"`
	ErrorRatio          float64   `json:"error_ratio"`
	LastError           string    `json:"last_error,omitempty"`
	LastChecked         time.Time `json:"last_checked,omitempty"`
	Since               time.Time `json:"since"`
}

// stats are guarded by the router mutex.
type stats struct {
	requests      uint64
	errors        uint64
	probes        uint64
	probeFailures uint64
	latencyMS     float64
	sampled       bool
	window        []bool // true is a failure
	next          int
	filled        bool
	since         time.Time
}

func newStats(window int, now time.Time) stats {
	return stats{window: make([]bool, window), since: now}
}

func (s *stats) observe(failed bool, latency time.Duration) {
	s.window[s.next] = failed
	s.next = (s.next + 1) % len(s.window)
	if s.next == 0 {
		s.filled = true
	}
	if failed {
		return
	}
	ms := float64(latency) / float64(time.Millisecond)
	if !s.sampled {
		s.latencyMS = ms
		s.sampled = true
		return
	}
	s.latencyMS = latencyAlpha*ms + (1-latencyAlpha)*s.latencyMS
}

func (s *stats) errorRatio() float64 {
	n := s.next
	if s.filled {
		n = len(s.window)
	}
	if n == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < n; i++ {
		if s.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(n)
}

func (s *stats) reset(now time.Time) {
	*s = newStats(len(s.window), now)
}
