// Package app wires the Importer Orchestrator into a batch-capable
// Runner with CLI-friendly progress reporting.
package app

import (
	"sync"
	"sync/atomic"

	"github.com/threesd-go/threesd/internal/copier"
)

// Reporter tracks one in-flight batch's status and progress, and exposes
// a copier.Flag the three-stage pipeline checks for cooperative
// cancellation.
type Reporter struct {
	mu       sync.RWMutex
	status   string
	progress float32
	info     string
	flag     *copier.Flag

	onUpdate func()
}

// NewReporter returns a Reporter whose onUpdate callback (if non-nil) is
// invoked after every state change, e.g. to refresh a terminal line.
func NewReporter(onUpdate func()) *Reporter {
	return &Reporter{flag: copier.NewFlag(), onUpdate: onUpdate}
}

// Flag returns the copier.Flag backing this reporter's cancellation.
func (r *Reporter) Flag() *copier.Flag { return r.flag }

// SetStatus updates the current status line.
func (r *Reporter) SetStatus(text string) {
	r.mu.Lock()
	r.status = text
	r.mu.Unlock()
	r.notify()
}

// SetProgress updates the progress fraction and an accompanying info
// string (e.g. "12.4 MiB/s").
func (r *Reporter) SetProgress(fraction float32, info string) {
	r.mu.Lock()
	r.progress = fraction
	r.info = info
	r.mu.Unlock()
	r.notify()
}

// Progress returns the current fraction and info string.
func (r *Reporter) Progress() (float32, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.progress, r.info
}

// Status returns the current status line.
func (r *Reporter) Status() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

func (r *Reporter) notify() {
	if r.onUpdate != nil {
		r.onUpdate()
	}
}

// Cancel requests cooperative cancellation of the in-flight batch.
func (r *Reporter) Cancel() { r.flag.Cancel() }

// IsCancelled reports whether Cancel has been called.
func (r *Reporter) IsCancelled() bool { return !r.flag.Running() }

// Reset prepares the reporter for a new batch, replacing its Flag.
func (r *Reporter) Reset() {
	r.mu.Lock()
	r.status = ""
	r.progress = 0
	r.info = ""
	r.mu.Unlock()
	r.flag = copier.NewFlag()
}

// ProgressFunc adapts this reporter into a copier.ProgressFunc over a
// known total size, for a single transfer's progress callback.
func (r *Reporter) ProgressFunc(total int64) copier.ProgressFunc {
	var done atomic.Int64
	return func(bytesDone int64) {
		done.Store(bytesDone)
		frac := float32(0)
		if total > 0 {
			frac = float32(bytesDone) / float32(total)
		}
		r.SetProgress(frac, "")
	}
}
