package validation

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/flowsim/pkg/schema"
)

// DefaultQuietPeriod is the debounce window used when none is given.
const DefaultQuietPeriod = 300 * time.Millisecond

// FlowSource supplies the graph to re-validate. *graph.Model satisfies it.
type FlowSource interface {
	FlowData() schema.FlowData
}

// Watcher re-validates a FlowSource once change notifications have been quiet
// for the debounce period, and hands the latest findings to a callback.
// Bursts of Notify calls produce a single validation.
type Watcher struct {
	ctx       context.Context
	validator *Validator
	source    FlowSource
	quiet     time.Duration
	deliver   func([]schema.Warning)

	mu      sync.Mutex
	timer   *time.Timer
	latest  []schema.Warning
	stopped bool
}

// NewWatcher creates a Watcher. Notifications after ctx is done are ignored.
func NewWatcher(ctx context.Context, v *Validator, src FlowSource, quiet time.Duration, deliver func([]schema.Warning)) *Watcher {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	return &Watcher{
		ctx:       ctx,
		validator: v,
		source:    src,
		quiet:     quiet,
		deliver:   deliver,
	}
}

// Notify signals that the source changed, restarting the quiet period.
func (w *Watcher) Notify() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.ctx.Err() != nil {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.quiet, w.run)
}

// Flush validates immediately, cancelling any pending run.
func (w *Watcher) Flush() []schema.Warning {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	return w.validate()
}

// Latest returns the findings from the most recent validation.
func (w *Watcher) Latest() []schema.Warning {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]schema.Warning(nil), w.latest...)
}

// Stop cancels any pending validation. Further notifications are ignored.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

func (w *Watcher) run() {
	w.mu.Lock()
	if w.stopped || w.ctx.Err() != nil {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.mu.Unlock()
	w.validate()
}

func (w *Watcher) validate() []schema.Warning {
	ws := w.validator.Validate(w.ctx, w.source.FlowData())
	w.mu.Lock()
	w.latest = ws
	w.mu.Unlock()
	if w.deliver != nil {
		w.deliver(ws)
	}
	return ws
}
