package share

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// bidirectional byte-frame channel to the signaling relay
type Connection interface {
	Send(frame []byte) error
	Close(reason error)
	IsConnected() bool
	AddDataCallback(callback func(frame []byte)) func()
	AddCloseCallback(callback func(err error)) func()
}

// opens a connection identified by the client's public key and client id
type ConnectionDialer func(
	ctx context.Context,
	url string,
	publicKey PublicKey,
	clientId Id,
) (Connection, error)

type WebSocketConnectionSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	PingTimeout        time.Duration
}

func DefaultWebSocketConnectionSettings() *WebSocketConnectionSettings {
	return &WebSocketConnectionSettings{
		WsHandshakeTimeout: 2 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
		PingTimeout:        1 * time.Second,
	}
}

// websocket-backed connection. Identifies the client to the relay with
// the `x-public-key` and `x-client-id` headers (base58). An empty
// binary message is a ping in either direction.
type WebSocketConnection struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws       *websocket.Conn
	settings *WebSocketConnectionSettings

	sendMutex sync.Mutex

	stateMutex sync.Mutex
	connected  bool
	closeErr   error

	dataCallbacks  *CallbackList[func([]byte)]
	closeCallbacks *CallbackList[func(error)]
}

func DialWebSocketConnection(
	ctx context.Context,
	url string,
	publicKey PublicKey,
	clientId Id,
	settings *WebSocketConnectionSettings,
) (*WebSocketConnection, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.WsHandshakeTimeout,
	}
	header := http.Header{}
	header.Set("x-public-key", publicKey.String())
	header.Set("x-client-id", clientId.String())

	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return NewWebSocketConnection(ctx, ws, settings), nil
}

// default dialer for the signaling client
func WebSocketDialer(settings *WebSocketConnectionSettings) ConnectionDialer {
	return func(ctx context.Context, url string, publicKey PublicKey, clientId Id) (Connection, error) {
		return DialWebSocketConnection(ctx, url, publicKey, clientId, settings)
	}
}

func NewWebSocketConnection(
	ctx context.Context,
	ws *websocket.Conn,
	settings *WebSocketConnectionSettings,
) *WebSocketConnection {
	cancelCtx, cancel := context.WithCancel(ctx)
	connection := &WebSocketConnection{
		ctx:            cancelCtx,
		cancel:         cancel,
		ws:             ws,
		settings:       settings,
		connected:      true,
		dataCallbacks:  NewCallbackList[func([]byte)](),
		closeCallbacks: NewCallbackList[func(error)](),
	}
	go connection.readLoop()
	go connection.pingLoop()
	return connection
}

func (self *WebSocketConnection) readLoop() {
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			self.Close(err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				continue
			}
			for _, callback := range self.dataCallbacks.Get() {
				callback(message)
			}
		default:
			glog.V(2).Infof("[conn]other message type=%d\n", messageType)
		}
	}
}

func (self *WebSocketConnection) pingLoop() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.PingTimeout):
		}
		if err := self.send(make([]byte, 0)); err != nil {
			self.Close(err)
			return
		}
	}
}

func (self *WebSocketConnection) send(frame []byte) error {
	self.sendMutex.Lock()
	defer self.sendMutex.Unlock()
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	return self.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (self *WebSocketConnection) Send(frame []byte) error {
	if !self.IsConnected() {
		return ErrTransportClosed
	}
	if err := self.send(frame); err != nil {
		// a websocket write deadline cannot be recovered
		self.Close(err)
		return err
	}
	return nil
}

func (self *WebSocketConnection) Close(reason error) {
	self.stateMutex.Lock()
	if !self.connected {
		self.stateMutex.Unlock()
		return
	}
	self.connected = false
	self.closeErr = reason
	self.stateMutex.Unlock()

	self.cancel()
	self.ws.Close()

	for _, callback := range self.closeCallbacks.Get() {
		callback(reason)
	}
}

func (self *WebSocketConnection) IsConnected() bool {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.connected
}

func (self *WebSocketConnection) AddDataCallback(callback func([]byte)) func() {
	return self.dataCallbacks.Add(callback)
}

func (self *WebSocketConnection) AddCloseCallback(callback func(error)) func() {
	return self.closeCallbacks.Add(callback)
}
