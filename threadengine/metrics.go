package threadengine

import "time"

// Queue identifies one of the engine's two queues.
type Queue string

const (
	QueueSubmit Queue = "submit"
	QueueResult Queue = "result"
)

// Reasons passed to Metrics.RecordJobRejected.
const (
	RejectClosed   = "closed"
	RejectNilJob   = "nil_job"
	RejectNotifier = "notifier"
	RejectRunner   = "runner"
)

// Metrics receives engine instrumentation. Implementations must be safe for
// concurrent use, and should be fast, as some methods are called with the
// engine lock held.
type Metrics interface {
	RecordJobSubmitted()
	RecordJobRejected(reason string)
	RecordJobDuration(phase Phase, d time.Duration)
	RecordJobPanic(phase Phase)
	RecordQueueDepth(queue Queue, depth int)
	RecordRunners(n int)
	// RecordWakeup is called each time ResultLoop drains a non-zero count
	// from the notifier.
	RecordWakeup(count uint64)
}

// NilMetrics discards everything.
type NilMetrics struct{}

var _ Metrics = NilMetrics{}

func (NilMetrics) RecordJobSubmitted()                    {}
func (NilMetrics) RecordJobRejected(string)               {}
func (NilMetrics) RecordJobDuration(Phase, time.Duration) {}
func (NilMetrics) RecordJobPanic(Phase)                   {}
func (NilMetrics) RecordQueueDepth(Queue, int)            {}
func (NilMetrics) RecordRunners(int)                      {}
func (NilMetrics) RecordWakeup(uint64)                    {}
