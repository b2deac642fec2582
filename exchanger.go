package share

import (
	"sync"

	"github.com/golang/glog"
)

// an inbound message that passed the union schema
type ExchangerMessage struct {
	From    SignalingAddr
	Message *Message
}

// schema-verified dispatch over a signaling client. Subscribers for a
// type only ever see payloads whose schema parse for that type
// succeeded; anything else is logged and dropped at this boundary.
type MessageExchanger struct {
	client *SignalingClient

	mutex     sync.Mutex
	callbacks map[MessageType]*CallbackList[func(*ExchangerMessage)]

	removeMessageCallback func()
}

func NewMessageExchanger(client *SignalingClient) *MessageExchanger {
	exchanger := &MessageExchanger{
		client:    client,
		callbacks: map[MessageType]*CallbackList[func(*ExchangerMessage)]{},
	}
	exchanger.removeMessageCallback = client.AddMessageCallback(exchanger.handleMessage)
	return exchanger
}

func (self *MessageExchanger) handleMessage(signalingMessage *SignalingMessage) {
	message, err := DecodeMessage(signalingMessage.Data)
	if err != nil {
		// never throw to the connection layer
		glog.Infof("[ex]drop %s = %s\n", signalingMessage.From, err)
		return
	}

	exchangerMessage := &ExchangerMessage{
		From:    signalingMessage.From,
		Message: message,
	}
	for _, callback := range self.typeCallbacks(message.Type).Get() {
		callback(exchangerMessage)
	}
}

func (self *MessageExchanger) typeCallbacks(messageType MessageType) *CallbackList[func(*ExchangerMessage)] {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	callbacks, ok := self.callbacks[messageType]
	if !ok {
		callbacks = NewCallbackList[func(*ExchangerMessage)]()
		self.callbacks[messageType] = callbacks
	}
	return callbacks
}

// validates against the union, then delegates to the client.
// fails `ErrSchemaRejected` without sending when the message does not
// match its declared type.
func (self *MessageExchanger) SendMessage(message *Message, to *SignalingAddr) error {
	data, err := EncodeMessage(message)
	if err != nil {
		return err
	}
	return self.client.SendMessage(to, data)
}

// subscribes to one type of the union. Returns a remove function.
func (self *MessageExchanger) Receive(messageType MessageType, callback func(*ExchangerMessage)) func() {
	return self.typeCallbacks(messageType).Add(callback)
}

func (self *MessageExchanger) Close() {
	self.removeMessageCallback()
}
