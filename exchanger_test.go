package share

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-playground/assert/v2"
	"github.com/stretchr/testify/require"
)

func TestExchangerTypedDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	relay := newTestRelay()

	a := newTestSignalingClient(ctx, relay, 'a')
	defer a.Close()
	b := newTestSignalingClient(ctx, relay, 'b')
	defer b.Close()

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	require.NoError(t, a.WaitForConnection(waitCtx))
	require.NoError(t, b.WaitForConnection(waitCtx))

	aExchanger := NewMessageExchanger(a)
	defer aExchanger.Close()
	bExchanger := NewMessageExchanger(b)
	defer bExchanger.Close()

	var mutex sync.Mutex
	requests := []*ExchangerMessage{}
	signals := []*ExchangerMessage{}
	bExchanger.Receive(MessageTypeRequestDocument, func(message *ExchangerMessage) {
		mutex.Lock()
		defer mutex.Unlock()
		requests = append(requests, message)
	})
	bExchanger.Receive(MessageTypeSignal, func(message *ExchangerMessage) {
		mutex.Lock()
		defer mutex.Unlock()
		signals = append(signals, message)
	})

	require.NoError(t, aExchanger.SendMessage(
		&Message{
			Type:       MessageTypeRequestDocument,
			DocumentId: "doc-1",
		},
		nil,
	))

	ok := waitFor(2*time.Second, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(requests) == 1
	})
	require.True(t, ok)

	mutex.Lock()
	assert.Equal(t, requests[0].Message.DocumentId, "doc-1")
	assert.Equal(t, requests[0].From.PublicKey, a.Session().PublicKey())
	// only the matching type's subscribers fired
	assert.Equal(t, len(signals), 0)
	mutex.Unlock()
}

func TestExchangerSendRejectsSchemaViolations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	relay := newTestRelay()

	a := newTestSignalingClient(ctx, relay, 'a')
	defer a.Close()
	exchanger := NewMessageExchanger(a)
	defer exchanger.Close()

	err := exchanger.SendMessage(
		&Message{
			Type: MessageTypeRequestDocument,
		},
		nil,
	)
	require.ErrorIs(t, err, ErrSchemaRejected)
}

// inbound payloads failing the union schema emit nothing and do not
// crash the exchanger
func TestExchangerDropsInvalidInbound(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	relay := newTestRelay()

	a := newTestSignalingClient(ctx, relay, 'a')
	defer a.Close()
	b := newTestSignalingClient(ctx, relay, 'b')
	defer b.Close()

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	require.NoError(t, a.WaitForConnection(waitCtx))
	require.NoError(t, b.WaitForConnection(waitCtx))

	bExchanger := NewMessageExchanger(b)
	defer bExchanger.Close()

	var mutex sync.Mutex
	requests := 0
	bExchanger.Receive(MessageTypeRequestDocument, func(message *ExchangerMessage) {
		mutex.Lock()
		defer mutex.Unlock()
		requests += 1
	})

	// documentId of the wrong type, straight onto the wire
	badPayload, err := cbor.Marshal(map[string]any{
		"type":       "request-document",
		"documentId": 42,
	})
	require.NoError(t, err)
	require.NoError(t, a.SendMessage(nil, badPayload))

	// not cbor at all
	require.NoError(t, a.SendMessage(nil, []byte{0xff, 0x00, 0x13, 0x37}))

	// a valid message after the garbage still dispatches
	valid, err := EncodeMessage(&Message{
		Type:       MessageTypeRequestDocument,
		DocumentId: "doc-after-garbage",
	})
	require.NoError(t, err)
	require.NoError(t, a.SendMessage(nil, valid))

	ok := waitFor(2*time.Second, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return requests == 1
	})
	require.True(t, ok)

	mutex.Lock()
	assert.Equal(t, requests, 1)
	mutex.Unlock()
}
