package share

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCallbackList(t *testing.T) {
	callbacks := NewCallbackList[func()]()

	calls := []string{}
	removeA := callbacks.Add(func() {
		calls = append(calls, "a")
	})
	callbacks.Add(func() {
		calls = append(calls, "b")
	})

	for _, callback := range callbacks.Get() {
		callback()
	}
	assert.Equal(t, calls, []string{"a", "b"})

	removeA()
	// remove is idempotent
	removeA()

	calls = nil
	for _, callback := range callbacks.Get() {
		callback()
	}
	assert.Equal(t, calls, []string{"b"})

	callbacks.Clear()
	assert.Equal(t, len(callbacks.Get()), 0)
}

func TestMonitor(t *testing.T) {
	monitor := NewMonitor()

	notify := monitor.NotifyChannel()
	select {
	case <-notify:
		t.Fatalf("notify channel closed early")
	default:
	}

	monitor.NotifyAll()
	select {
	case <-notify:
	case <-time.After(time.Second):
		t.Fatalf("notify channel not closed")
	}

	// a new channel is armed after each notify
	next := monitor.NotifyChannel()
	select {
	case <-next:
		t.Fatalf("fresh notify channel closed")
	default:
	}
}

func TestReconnectExpires(t *testing.T) {
	reconnect := NewReconnect(10 * time.Millisecond)
	select {
	case <-reconnect.After():
	case <-time.After(time.Second):
		t.Fatalf("reconnect never fired")
	}

	// an elapsed window fires immediately
	reconnect = NewReconnect(1 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	select {
	case <-reconnect.After():
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("elapsed reconnect did not fire")
	}
}

func TestIdRoundTrip(t *testing.T) {
	id := NewId()
	assert.Equal(t, len(id.Bytes()), 16)

	parsed, err := ParseId(id.String())
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed, id)

	_, err = IdFromBytes([]byte("short"))
	assert.NotEqual(t, err, nil)

	jsonBytes, err := id.MarshalJSON()
	assert.Equal(t, err, nil)
	var decoded Id
	assert.Equal(t, decoded.UnmarshalJSON(jsonBytes), nil)
	assert.Equal(t, decoded, id)
}
