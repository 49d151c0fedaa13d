package visibility

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of Trigger calls into a single call of fn,
// made once delay has passed without a new trigger.
type Debouncer struct {
	delay time.Duration
	fn    func()

	mu      sync.Mutex
	timer   *time.Timer
	seq     uint64
	pending bool
	stopped bool
}

// NewDebouncer returns a Debouncer calling fn on the trailing edge.
func NewDebouncer(delay time.Duration, fn func()) *Debouncer {
	return &Debouncer{delay: delay, fn: fn}
}

// Trigger (re)arms the timer.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.seq++
	seq := d.seq
	d.pending = true
	d.timer = time.AfterFunc(d.delay, func() { d.fire(seq) })
}

func (d *Debouncer) fire(seq uint64) {
	d.mu.Lock()
	if d.stopped || !d.pending || seq != d.seq {
		d.mu.Unlock()
		return
	}
	d.pending = false
	d.mu.Unlock()

	d.fn()
}

// Flush runs a pending call immediately on the calling goroutine.
// It reports whether a call was pending.
func (d *Debouncer) Flush() bool {
	d.mu.Lock()
	if d.stopped || !d.pending {
		d.mu.Unlock()
		return false
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.seq++
	d.pending = false
	d.mu.Unlock()

	d.fn()
	return true
}

// Stop cancels any pending call. Later triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	d.pending = false
	if d.timer != nil {
		d.timer.Stop()
	}
}
