package share

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type debounceEntry struct {
	timer *clock.Timer
	fn    func()
}

// per-key trailing-edge debouncer. Each trigger within the window
// replaces the pending function and restarts the window, so a burst
// coalesces to one call carrying the last function. The final trigger
// is never dropped: `Flush` runs it immediately, and `Close` flushes
// every pending key.
type Debouncer struct {
	clock  clock.Clock
	window time.Duration

	mutex   sync.Mutex
	closed  bool
	pending map[string]*debounceEntry
}

func NewDebouncer(clk clock.Clock, window time.Duration) *Debouncer {
	return &Debouncer{
		clock:   clk,
		window:  window,
		pending: map[string]*debounceEntry{},
	}
}

func (self *Debouncer) Trigger(key string, fn func()) {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		// past close, run inline so the write is not lost
		fn()
		return
	}
	if entry, ok := self.pending[key]; ok {
		entry.timer.Stop()
	}
	entry := &debounceEntry{
		fn: fn,
	}
	entry.timer = self.clock.AfterFunc(self.window, func() {
		self.fire(key, entry)
	})
	self.pending[key] = entry
	self.mutex.Unlock()
}

func (self *Debouncer) fire(key string, entry *debounceEntry) {
	self.mutex.Lock()
	current, ok := self.pending[key]
	if !ok || current != entry {
		// superseded by a later trigger
		self.mutex.Unlock()
		return
	}
	delete(self.pending, key)
	self.mutex.Unlock()

	entry.fn()
}

// runs a pending call for the key immediately, if any
func (self *Debouncer) Flush(key string) {
	self.mutex.Lock()
	entry, ok := self.pending[key]
	if ok {
		entry.timer.Stop()
		delete(self.pending, key)
	}
	self.mutex.Unlock()

	if ok {
		entry.fn()
	}
}

// drops a pending call for the key without running it
func (self *Debouncer) Cancel(key string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if entry, ok := self.pending[key]; ok {
		entry.timer.Stop()
		delete(self.pending, key)
	}
}

// flushes all pending calls and rejects future scheduling
func (self *Debouncer) Close() {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	self.closed = true
	entries := []*debounceEntry{}
	for _, entry := range self.pending {
		entry.timer.Stop()
		entries = append(entries, entry)
	}
	self.pending = map[string]*debounceEntry{}
	self.mutex.Unlock()

	for _, entry := range entries {
		entry.fn()
	}
}
