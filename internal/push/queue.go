package push

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/edutap-eu/esc-native-wallet/internal/domain"
)

const (
	DefaultQueueSize  = 256
	DefaultJobTimeout = 2 * time.Minute
)

// Queue runs notifications in the background so issuer requests never wait on
// the push transport. Jobs are processed one at a time; the fan-out inside a
// job is already concurrent.
type Queue struct {
	notifier Notifier
	jobs     chan domain.PassKey
	timeout  time.Duration
	logger   glog.Logger
	done     chan struct{}
}

func NewQueue(notifier Notifier, size int, timeout time.Duration, logger glog.Logger) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	if logger == nil {
		logger = glog.Nop()
	}
	return &Queue{
		notifier: notifier,
		jobs:     make(chan domain.PassKey, size),
		timeout:  timeout,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Enqueue schedules a notification for key. It never blocks and reports
// false when the queue is full.
func (q *Queue) Enqueue(key domain.PassKey) bool {
	select {
	case q.jobs <- key:
		return true
	default:
		q.logger.Warn("notification queue full, dropping job", "pass", key.String())
		return false
	}
}

func (q *Queue) Pending() int {
	return len(q.jobs)
}

// Run processes jobs until ctx is cancelled. Jobs still queued at that point
// are dropped; their passes are picked up on the device's next list call.
func (q *Queue) Run(ctx context.Context) {
	defer close(q.done)

	for {
		select {
		case <-ctx.Done():
			if n := len(q.jobs); n > 0 {
				q.logger.Warn("notification queue stopped with pending jobs", "pending", n)
			}
			return

		case key := <-q.jobs:
			q.process(ctx, key)
		}
	}
}

// Done is closed once Run has returned.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

func (q *Queue) process(ctx context.Context, key domain.PassKey) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	report, err := q.notifier.NotifyHolders(ctx, key)
	if err != nil {
		q.logger.Error("notification failed", "pass", key.String(), "error", err)
		return
	}

	if failed := report.Count(domain.DeliveryFailed); failed > 0 {
		q.logger.Warn("notification finished with failures",
			"pass", key.String(), "devices", len(report.Deliveries), "failed", failed)
	}
}
