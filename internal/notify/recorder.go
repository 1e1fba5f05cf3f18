package notify

import (
	"context"
	"sync"

	"procodus.dev/watermeter/internal/evaluator"
)

// Recorder is a Notifier that records every call, for tests.
type Recorder struct {
	mu sync.Mutex

	// Err, when set, is returned by every call.
	Err error

	Opened []evaluator.Alert
	Closed []evaluator.Alert
}

func (r *Recorder) AlertOpened(_ context.Context, a evaluator.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Opened = append(r.Opened, a)
	return r.Err
}

func (r *Recorder) AlertClosed(_ context.Context, a evaluator.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Closed = append(r.Closed, a)
	return r.Err
}

// OpenedCount returns the number of recorded open notifications.
func (r *Recorder) OpenedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Opened)
}

// ClosedCount returns the number of recorded close notifications.
func (r *Recorder) ClosedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Closed)
}

var _ Notifier = (*Recorder)(nil)
var _ Notifier = Noop{}
var _ Notifier = (*Webhook)(nil)
