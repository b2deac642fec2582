package share

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// tagged-union message cores carried between clients, after the
// signaling layer has decrypted the envelope payload
type MessageType string

const (
	MessageTypeRequestDocument  MessageType = "request-document"
	MessageTypeDocumentResponse MessageType = "document-response"
	MessageTypeSignal           MessageType = "signal"
)

var messageTypes = map[MessageType]bool{
	MessageTypeRequestDocument:  true,
	MessageTypeDocumentResponse: true,
	MessageTypeSignal:           true,
}

type SdpDescription struct {
	// "offer" or "answer"
	Type string `cbor:"type"`
	Sdp  string `cbor:"sdp"`
}

type IceCandidate struct {
	Candidate     string `cbor:"candidate"`
	SdpMid        string `cbor:"sdpMid,omitempty"`
	SdpMLineIndex uint16 `cbor:"sdpMLineIndex,omitempty"`
}

// one message of the union. The `type` discriminant selects which
// fields are meaningful.
type Message struct {
	Type MessageType `cbor:"type"`

	// request-document, signal
	DocumentId string `cbor:"documentId,omitempty"`

	// document-response: encoded {header, content, signature}
	Document []byte `cbor:"document,omitempty"`

	// signal: exactly one of sdp, ice, bye
	Sdp *SdpDescription `cbor:"sdp,omitempty"`
	Ice *IceCandidate   `cbor:"ice,omitempty"`
	Bye bool            `cbor:"bye,omitempty"`
}

// schema check for the union. Messages failing this are never
// dispatched to subscribers.
func ValidateMessage(message *Message) error {
	if !messageTypes[message.Type] {
		return fmt.Errorf("%w: unknown type %q", ErrSchemaRejected, message.Type)
	}
	switch message.Type {
	case MessageTypeRequestDocument:
		if message.DocumentId == "" {
			return fmt.Errorf("%w: request-document requires documentId", ErrSchemaRejected)
		}
	case MessageTypeDocumentResponse:
		if len(message.Document) == 0 {
			return fmt.Errorf("%w: document-response requires document", ErrSchemaRejected)
		}
	case MessageTypeSignal:
		if message.DocumentId == "" {
			return fmt.Errorf("%w: signal requires documentId", ErrSchemaRejected)
		}
		count := 0
		if message.Sdp != nil {
			count += 1
			if message.Sdp.Type != "offer" && message.Sdp.Type != "answer" {
				return fmt.Errorf("%w: bad sdp type %q", ErrSchemaRejected, message.Sdp.Type)
			}
			if message.Sdp.Sdp == "" {
				return fmt.Errorf("%w: empty sdp", ErrSchemaRejected)
			}
		}
		if message.Ice != nil {
			count += 1
			if message.Ice.Candidate == "" {
				return fmt.Errorf("%w: empty ice candidate", ErrSchemaRejected)
			}
		}
		if message.Bye {
			count += 1
		}
		if count != 1 {
			return fmt.Errorf("%w: signal requires exactly one of sdp, ice, bye", ErrSchemaRejected)
		}
	}
	return nil
}

func EncodeMessage(message *Message) ([]byte, error) {
	if err := ValidateMessage(message); err != nil {
		return nil, err
	}
	return cborEnc.Marshal(message)
}

func DecodeMessage(messageBytes []byte) (*Message, error) {
	var message Message
	if err := cbor.Unmarshal(messageBytes, &message); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSchemaRejected, err)
	}
	if err := ValidateMessage(&message); err != nil {
		return nil, err
	}
	return &message, nil
}
