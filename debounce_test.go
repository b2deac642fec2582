package share

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/assert/v2"
)

type countingTarget struct {
	mutex sync.Mutex
	calls []string
}

func (self *countingTarget) hit(tag string) func() {
	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		self.calls = append(self.calls, tag)
	}
}

func (self *countingTarget) snapshot() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return append([]string{}, self.calls...)
}

func TestDebouncerCoalescesTrailingEdge(t *testing.T) {
	mock := clock.NewMock()
	debouncer := NewDebouncer(mock, 500*time.Millisecond)
	target := &countingTarget{}

	// a burst collapses to the last call
	debouncer.Trigger("doc", target.hit("first"))
	mock.Add(100 * time.Millisecond)
	debouncer.Trigger("doc", target.hit("second"))
	mock.Add(100 * time.Millisecond)
	debouncer.Trigger("doc", target.hit("last"))

	mock.Add(499 * time.Millisecond)
	assert.Equal(t, len(target.snapshot()), 0)

	mock.Add(1 * time.Millisecond)
	assert.Equal(t, target.snapshot(), []string{"last"})

	// a later trigger fires again
	debouncer.Trigger("doc", target.hit("again"))
	mock.Add(500 * time.Millisecond)
	assert.Equal(t, target.snapshot(), []string{"last", "again"})
}

func TestDebouncerKeysAreIndependent(t *testing.T) {
	mock := clock.NewMock()
	debouncer := NewDebouncer(mock, 500*time.Millisecond)
	target := &countingTarget{}

	debouncer.Trigger("a", target.hit("a"))
	mock.Add(250 * time.Millisecond)
	debouncer.Trigger("b", target.hit("b"))

	mock.Add(250 * time.Millisecond)
	assert.Equal(t, target.snapshot(), []string{"a"})
	mock.Add(250 * time.Millisecond)
	assert.Equal(t, target.snapshot(), []string{"a", "b"})
}

func TestDebouncerFlushAndCancel(t *testing.T) {
	mock := clock.NewMock()
	debouncer := NewDebouncer(mock, 500*time.Millisecond)
	target := &countingTarget{}

	debouncer.Trigger("doc", target.hit("flushed"))
	debouncer.Flush("doc")
	assert.Equal(t, target.snapshot(), []string{"flushed"})

	// the timer that was stopped does not fire again
	mock.Add(time.Second)
	assert.Equal(t, target.snapshot(), []string{"flushed"})

	debouncer.Trigger("doc", target.hit("cancelled"))
	debouncer.Cancel("doc")
	mock.Add(time.Second)
	assert.Equal(t, target.snapshot(), []string{"flushed"})

	// flush with nothing pending is a no-op
	debouncer.Flush("doc")
	assert.Equal(t, target.snapshot(), []string{"flushed"})
}

func TestDebouncerCloseKeepsFinalWrite(t *testing.T) {
	mock := clock.NewMock()
	debouncer := NewDebouncer(mock, 500*time.Millisecond)
	target := &countingTarget{}

	debouncer.Trigger("a", target.hit("a"))
	debouncer.Trigger("b", target.hit("b"))
	debouncer.Close()

	calls := target.snapshot()
	assert.Equal(t, len(calls), 2)

	// post-close triggers run inline rather than being dropped
	debouncer.Trigger("c", target.hit("c"))
	assert.Equal(t, len(target.snapshot()), 3)
}
