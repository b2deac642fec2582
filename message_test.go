package share

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-playground/assert/v2"
)

func TestMessageRoundTrip(t *testing.T) {
	message := &Message{
		Type:       MessageTypeSignal,
		DocumentId: "doc-1",
		Sdp: &SdpDescription{
			Type: "offer",
			Sdp:  "v=0...",
		},
	}
	messageBytes, err := EncodeMessage(message)
	assert.Equal(t, err, nil)

	decoded, err := DecodeMessage(messageBytes)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded.Type, MessageTypeSignal)
	assert.Equal(t, decoded.DocumentId, "doc-1")
	assert.Equal(t, decoded.Sdp.Type, "offer")
}

func TestMessageValidate(t *testing.T) {
	// unknown discriminant
	_, err := EncodeMessage(&Message{
		Type: "no-such-type",
	})
	assert.NotEqual(t, err, nil)

	// request-document without an id
	_, err = EncodeMessage(&Message{
		Type: MessageTypeRequestDocument,
	})
	assert.NotEqual(t, err, nil)

	// response without a document
	_, err = EncodeMessage(&Message{
		Type: MessageTypeDocumentResponse,
	})
	assert.NotEqual(t, err, nil)

	// signal must carry exactly one of sdp, ice, bye
	_, err = EncodeMessage(&Message{
		Type:       MessageTypeSignal,
		DocumentId: "doc-1",
	})
	assert.NotEqual(t, err, nil)
	_, err = EncodeMessage(&Message{
		Type:       MessageTypeSignal,
		DocumentId: "doc-1",
		Bye:        true,
		Ice: &IceCandidate{
			Candidate: "candidate",
		},
	})
	assert.NotEqual(t, err, nil)

	// sdp type must be offer or answer
	_, err = EncodeMessage(&Message{
		Type:       MessageTypeSignal,
		DocumentId: "doc-1",
		Sdp: &SdpDescription{
			Type: "rollback",
			Sdp:  "v=0...",
		},
	})
	assert.NotEqual(t, err, nil)

	// valid bye
	_, err = EncodeMessage(&Message{
		Type:       MessageTypeSignal,
		DocumentId: "doc-1",
		Bye:        true,
	})
	assert.Equal(t, err, nil)
}

// a documentId of the wrong cbor type fails the schema parse
func TestMessageDecodeRejectsWrongFieldType(t *testing.T) {
	payload, err := cbor.Marshal(map[string]any{
		"type":       "request-document",
		"documentId": 42,
	})
	assert.Equal(t, err, nil)

	_, err = DecodeMessage(payload)
	assert.NotEqual(t, err, nil)

	// non-map payloads are rejected too
	payload, err = cbor.Marshal([]string{"request-document"})
	assert.Equal(t, err, nil)
	_, err = DecodeMessage(payload)
	assert.NotEqual(t, err, nil)

	_, err = DecodeMessage([]byte("not cbor at all"))
	assert.NotEqual(t, err, nil)
}
