package share

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/glog"
)

// relay address of a client. The client id narrows delivery to a
// single session of the key; a zero client id addresses all sessions.
type SignalingAddr struct {
	PublicKey PublicKey
	ClientId  Id
}

func (self SignalingAddr) HasClientId() bool {
	return self.ClientId != Id{}
}

func (self SignalingAddr) String() string {
	if self.HasClientId() {
		return fmt.Sprintf("%s/%s", self.PublicKey, self.ClientId)
	}
	return self.PublicKey.String()
}

// decrypted inbound payload
type SignalingMessage struct {
	From SignalingAddr
	Data []byte
}

// relay envelope. Addressed payloads are sealed with the
// sender-recipient shared secret; broadcasts are clear.
type envelopeWire struct {
	ToPublicKey   []byte `cbor:"to,omitempty"`
	ToClientId    []byte `cbor:"toClient,omitempty"`
	FromPublicKey []byte `cbor:"from"`
	FromClientId  []byte `cbor:"fromClient"`
	Sealed        bool   `cbor:"sealed,omitempty"`
	Data          []byte `cbor:"data"`
}

type SignalingClientSettings struct {
	HandshakeTimeout time.Duration
	ReconnectTimeout time.Duration
	SendTimeout      time.Duration
	Dialer           ConnectionDialer
}

func DefaultSignalingClientSettings() *SignalingClientSettings {
	return &SignalingClientSettings{
		HandshakeTimeout: 2 * time.Second,
		ReconnectTimeout: 5 * time.Second,
		SendTimeout:      5 * time.Second,
		Dialer:           WebSocketDialer(DefaultWebSocketConnectionSettings()),
	}
}

// authenticated session on the signaling relay.
// maintains one connection with reconnect and exponential-style backoff,
// performs the challenge/response handshake, and seals addressed
// payloads end to end.
type SignalingClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	url     string
	session *SessionManager

	settings *SignalingClientSettings

	stateMutex     sync.Mutex
	conn           Connection
	connected      bool
	connectMonitor *Monitor

	// exclusive send path
	sendMutex sync.Mutex

	messageCallbacks    *CallbackList[func(*SignalingMessage)]
	connectCallbacks    *CallbackList[func()]
	disconnectCallbacks *CallbackList[func(error)]
	errorCallbacks      *CallbackList[func(error)]
}

func NewSignalingClientWithDefaults(
	ctx context.Context,
	url string,
	session *SessionManager,
) *SignalingClient {
	return NewSignalingClient(ctx, url, session, DefaultSignalingClientSettings())
}

func NewSignalingClient(
	ctx context.Context,
	url string,
	session *SessionManager,
	settings *SignalingClientSettings,
) *SignalingClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &SignalingClient{
		ctx:                 cancelCtx,
		cancel:              cancel,
		url:                 url,
		session:             session,
		settings:            settings,
		connectMonitor:      NewMonitor(),
		messageCallbacks:    NewCallbackList[func(*SignalingMessage)](),
		connectCallbacks:    NewCallbackList[func()](),
		disconnectCallbacks: NewCallbackList[func(error)](),
		errorCallbacks:      NewCallbackList[func(error)](),
	}
	go client.run()
	return client
}

func (self *SignalingClient) run() {
	defer self.cancel()

	// the reconnect window doubles after each attempt that never reached
	// a connected session, up to 8x ReconnectTimeout, and resets to
	// ReconnectTimeout once a session is established
	reconnectTimeout := self.settings.ReconnectTimeout
	for {
		reconnect := NewReconnect(reconnectTimeout)
		connectNotify := self.connectMonitor.NotifyChannel()

		err := self.runOne()
		if err != nil {
			glog.Infof("[sg]connect error %s = %s\n", self.session.ClientId(), err)
			for _, callback := range self.errorCallbacks.Get() {
				callback(err)
			}
		}

		select {
		case <-connectNotify:
			reconnectTimeout = self.settings.ReconnectTimeout
		default:
			reconnectTimeout = min(2*reconnectTimeout, 8*self.settings.ReconnectTimeout)
		}

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

// one connect-handshake-pump cycle
func (self *SignalingClient) runOne() error {
	conn, err := self.settings.Dialer(
		self.ctx,
		self.url,
		self.session.PublicKey(),
		self.session.ClientId(),
	)
	if err != nil {
		return err
	}

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	frames := make(chan []byte, 32)
	removeData := conn.AddDataCallback(func(frame []byte) {
		select {
		case frames <- frame:
		case <-handleCtx.Done():
		}
	})
	defer removeData()

	var closeErr error
	removeClose := conn.AddCloseCallback(func(err error) {
		closeErr = err
		handleCancel()
	})
	defer removeClose()

	success := false
	defer func() {
		if !success {
			conn.Close(nil)
		}
	}()

	// challenge/response handshake: the relay opens with 32 random
	// bytes; it verifies our signature against the x-public-key header
	// before routing any messages
	var challenge []byte
	select {
	case challenge = <-frames:
	case <-handleCtx.Done():
		return fmt.Errorf("handshake: %w", ErrTransportClosed)
	case <-time.After(self.settings.HandshakeTimeout):
		return fmt.Errorf("handshake timeout")
	}
	if len(challenge) != 32 {
		return fmt.Errorf("handshake: bad challenge length %d", len(challenge))
	}
	if err := conn.Send(self.session.Sign(challenge)); err != nil {
		return err
	}
	// the relay acks by echoing the challenge back
	select {
	case ack := <-frames:
		if !bytes.Equal(ack, challenge) {
			return fmt.Errorf("handshake: bad ack")
		}
	case <-handleCtx.Done():
		return fmt.Errorf("handshake: %w", ErrTransportClosed)
	case <-time.After(self.settings.HandshakeTimeout):
		return fmt.Errorf("handshake timeout")
	}

	success = true
	self.setConnected(conn)
	defer self.setDisconnected(conn)

	for {
		select {
		case frame := <-frames:
			self.handleFrame(frame)
		case <-handleCtx.Done():
			if closeErr != nil {
				return closeErr
			}
			return nil
		}
	}
}

func (self *SignalingClient) setConnected(conn Connection) {
	self.stateMutex.Lock()
	self.conn = conn
	self.connected = true
	self.stateMutex.Unlock()
	self.connectMonitor.NotifyAll()

	glog.V(1).Infof("[sg]connected %s\n", self.session.ClientId())
	for _, callback := range self.connectCallbacks.Get() {
		callback()
	}
}

func (self *SignalingClient) setDisconnected(conn Connection) {
	self.stateMutex.Lock()
	if self.conn != conn {
		self.stateMutex.Unlock()
		return
	}
	self.conn = nil
	self.connected = false
	self.stateMutex.Unlock()
	self.connectMonitor.NotifyAll()

	glog.V(1).Infof("[sg]disconnected %s\n", self.session.ClientId())
	for _, callback := range self.disconnectCallbacks.Get() {
		callback(ErrTransportClosed)
	}
}

func (self *SignalingClient) handleFrame(frame []byte) {
	var envelope envelopeWire
	if err := cbor.Unmarshal(frame, &envelope); err != nil {
		glog.Infof("[sg]drop bad envelope = %s\n", err)
		return
	}

	fromPublicKey, err := PublicKeyFromBytes(envelope.FromPublicKey)
	if err != nil {
		glog.Infof("[sg]drop envelope without sender = %s\n", err)
		return
	}
	from := SignalingAddr{
		PublicKey: fromPublicKey,
	}
	if clientId, err := IdFromBytes(envelope.FromClientId); err == nil {
		from.ClientId = clientId
	}

	data := envelope.Data
	if envelope.Sealed {
		secret, err := self.session.SharedSecret(fromPublicKey)
		if err != nil {
			glog.Infof("[sg]drop sealed envelope %s = %s\n", from, err)
			return
		}
		aad := append(fromPublicKey.Bytes(), self.session.PublicKey().Bytes()...)
		data, err = Open(secret, envelope.Data, aad)
		if err != nil {
			// crypto failures are fatal for the message, never substituted
			glog.Infof("[sg]drop sealed envelope %s = %s\n", from, err)
			return
		}
	}

	message := &SignalingMessage{
		From: from,
		Data: data,
	}
	for _, callback := range self.messageCallbacks.Get() {
		callback(message)
	}
}

// sends a payload. With a recipient the payload is sealed with the
// pair's shared secret; without one it broadcasts in clear, reserved
// for public discovery messages.
func (self *SignalingClient) SendMessage(to *SignalingAddr, data []byte) error {
	self.stateMutex.Lock()
	conn := self.conn
	self.stateMutex.Unlock()
	if conn == nil {
		return ErrTransportClosed
	}

	envelope := &envelopeWire{
		FromPublicKey: self.session.PublicKey().Bytes(),
		FromClientId:  self.session.ClientId().Bytes(),
		Data:          data,
	}
	if to != nil {
		secret, err := self.session.SharedSecret(to.PublicKey)
		if err != nil {
			return err
		}
		aad := append(self.session.PublicKey().Bytes(), to.PublicKey.Bytes()...)
		sealed, err := Seal(secret, data, aad)
		if err != nil {
			return err
		}
		envelope.Sealed = true
		envelope.Data = sealed
		envelope.ToPublicKey = to.PublicKey.Bytes()
		if to.HasClientId() {
			envelope.ToClientId = to.ClientId.Bytes()
		}
	}

	frame, err := cborEnc.Marshal(envelope)
	if err != nil {
		return err
	}

	self.sendMutex.Lock()
	defer self.sendMutex.Unlock()
	return conn.Send(frame)
}

func (self *SignalingClient) IsConnected() bool {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.connected
}

func (self *SignalingClient) WaitForConnection(ctx context.Context) error {
	for {
		notify := self.connectMonitor.NotifyChannel()
		if self.IsConnected() {
			return nil
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return ctx.Err()
		case <-self.ctx.Done():
			return ErrTransportClosed
		}
	}
}

func (self *SignalingClient) Session() *SessionManager {
	return self.session
}

func (self *SignalingClient) AddMessageCallback(callback func(*SignalingMessage)) func() {
	return self.messageCallbacks.Add(callback)
}

func (self *SignalingClient) AddConnectCallback(callback func()) func() {
	return self.connectCallbacks.Add(callback)
}

func (self *SignalingClient) AddDisconnectCallback(callback func(error)) func() {
	return self.disconnectCallbacks.Add(callback)
}

func (self *SignalingClient) AddErrorCallback(callback func(error)) func() {
	return self.errorCallbacks.Add(callback)
}

func (self *SignalingClient) Close() {
	self.cancel()
	self.stateMutex.Lock()
	conn := self.conn
	self.stateMutex.Unlock()
	if conn != nil {
		conn.Close(nil)
	}
}
