package dispatcher

import (
	"sync/atomic"
	"time"
)

// metrics tracks request counts and timing
type metrics struct {
	totalRequests  int64
	failures       int64
	totalDurationN int64 // nanoseconds
}

func (m *metrics) record(d time.Duration, failed bool) {
	atomic.AddInt64(&m.totalRequests, 1)
	atomic.AddInt64(&m.totalDurationN, int64(d))
	if failed {
		atomic.AddInt64(&m.failures, 1)
	}
}

// Stats is a snapshot of dispatcher activity.
type Stats struct {
	TotalRequests   int64
	Failures        int64
	AverageDuration time.Duration
	State           State
	Database        string
}

// Stats returns current metrics
func (d *Dispatcher) Stats() Stats {
	total := atomic.LoadInt64(&d.metrics.totalRequests)
	s := Stats{
		TotalRequests: total,
		Failures:      atomic.LoadInt64(&d.metrics.failures),
		State:         d.State(),
		Database:      d.Database(),
	}
	if total > 0 {
		s.AverageDuration = time.Duration(atomic.LoadInt64(&d.metrics.totalDurationN) / total)
	}
	return s
}
