package client

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// SaveFunc persists the named scene. Invoked off the orchestrator's timer
// goroutine.
type SaveFunc func(sceneID int64)

// SaveOrchestrator turns observed local mutations into coalesced
// whole-document saves. Rapid-fire changes (a drag sequence) collapse into a
// single trailing-edge write per scene; remote-origin mutations never
// schedule a write at all. A scene switch flushes the pending write
// immediately instead of waiting out the delay.
type SaveOrchestrator struct {
	clock clockwork.Clock
	delay time.Duration
	save  SaveFunc

	mu      sync.Mutex
	timer   clockwork.Timer
	pending int64 // scene id awaiting a save; 0 means none
}

// NewSaveOrchestrator builds an orchestrator around the given clock so tests
// can drive the coalescing window deterministically.
func NewSaveOrchestrator(clock clockwork.Clock, delay time.Duration, save SaveFunc) *SaveOrchestrator {
	if delay <= 0 {
		delay = 300 * time.Millisecond
	}
	return &SaveOrchestrator{clock: clock, delay: delay, save: save}
}

// Observe records that scene-affecting state changed. Remote-origin changes
// are acknowledged but never persisted; local ones (re)arm the trailing-edge
// timer. Observing a different scene than the pending one flushes the old
// scene's save first so it is not lost.
func (o *SaveOrchestrator) Observe(sceneID int64, origin Origin) {
	if origin == OriginRemote {
		return
	}

	o.mu.Lock()
	var stale int64
	if o.pending != 0 && o.pending != sceneID {
		stale = o.takeLocked()
	}
	o.pending = sceneID
	if o.timer == nil {
		o.timer = o.clock.AfterFunc(o.delay, o.fire)
	} else {
		o.timer.Reset(o.delay)
	}
	o.mu.Unlock()

	if stale != 0 {
		o.save(stale)
	}
}

// Flush persists any pending save immediately. Called before switching the
// active scene.
func (o *SaveOrchestrator) Flush() {
	o.mu.Lock()
	id := o.takeLocked()
	o.mu.Unlock()

	if id != 0 {
		o.save(id)
	}
}

// fire runs on the timer goroutine. A Reset racing an already-firing timer
// means fire can pick up a pending scene set just after the reset; that save
// lands one window early, never late and never dropped.
func (o *SaveOrchestrator) fire() {
	o.mu.Lock()
	id := o.pending
	o.pending = 0
	o.timer = nil
	o.mu.Unlock()

	if id != 0 {
		o.save(id)
	}
}

// takeLocked disarms the timer and returns the pending scene id.
func (o *SaveOrchestrator) takeLocked() int64 {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	id := o.pending
	o.pending = 0
	return id
}
