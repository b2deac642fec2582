package share

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// in-process byte-frame pipe, one side of a pair
type pipeConnection struct {
	mutex     sync.Mutex
	connected bool
	other     *pipeConnection

	sendCh chan []byte
	done   chan struct{}

	dataCallbacks  *CallbackList[func([]byte)]
	closeCallbacks *CallbackList[func(error)]
}

func newPipeConnectionPair() (*pipeConnection, *pipeConnection) {
	a := newPipeConnection()
	b := newPipeConnection()
	a.other = b
	b.other = a
	go a.pump()
	go b.pump()
	return a, b
}

func newPipeConnection() *pipeConnection {
	return &pipeConnection{
		connected:      true,
		sendCh:         make(chan []byte, 1024),
		done:           make(chan struct{}),
		dataCallbacks:  NewCallbackList[func([]byte)](),
		closeCallbacks: NewCallbackList[func(error)](),
	}
}

func (self *pipeConnection) pump() {
	for {
		select {
		case <-self.done:
			return
		case frame := <-self.sendCh:
			for _, callback := range self.other.dataCallbacks.Get() {
				callback(frame)
			}
		}
	}
}

func (self *pipeConnection) Send(frame []byte) error {
	if !self.IsConnected() {
		return ErrTransportClosed
	}
	select {
	case self.sendCh <- frame:
		return nil
	case <-self.done:
		return ErrTransportClosed
	}
}

func (self *pipeConnection) Close(reason error) {
	self.mutex.Lock()
	if !self.connected {
		self.mutex.Unlock()
		return
	}
	self.connected = false
	self.mutex.Unlock()

	close(self.done)
	for _, callback := range self.closeCallbacks.Get() {
		callback(reason)
	}
	// a closed pipe closes the other end
	self.other.Close(reason)
}

func (self *pipeConnection) IsConnected() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.connected
}

func (self *pipeConnection) AddDataCallback(callback func([]byte)) func() {
	return self.dataCallbacks.Add(callback)
}

func (self *pipeConnection) AddCloseCallback(callback func(error)) func() {
	return self.closeCallbacks.Add(callback)
}

// comparable
type relayAddr struct {
	publicKey PublicKey
	clientId  Id
}

// in-process stand-in for the signaling relay. Performs the
// challenge/response handshake and routes envelopes by address without
// reading payloads.
type testRelay struct {
	mutex   sync.Mutex
	clients map[relayAddr]*pipeConnection
}

func newTestRelay() *testRelay {
	return &testRelay{
		clients: map[relayAddr]*pipeConnection{},
	}
}

func (self *testRelay) Dialer() ConnectionDialer {
	return func(ctx context.Context, url string, publicKey PublicKey, clientId Id) (Connection, error) {
		clientSide, serverSide := newPipeConnectionPair()
		go self.serve(serverSide, publicKey, clientId)
		return clientSide, nil
	}
}

func (self *testRelay) serve(conn *pipeConnection, publicKey PublicKey, clientId Id) {
	frames := make(chan []byte, 1024)
	removeData := conn.AddDataCallback(func(frame []byte) {
		select {
		case frames <- frame:
		case <-conn.done:
		}
	})
	defer removeData()

	challenge := make([]byte, 32)
	rand.Read(challenge)
	if err := conn.Send(challenge); err != nil {
		return
	}

	select {
	case signature := <-frames:
		if !Verify(publicKey, challenge, signature) {
			// 4401 in the websocket deployment
			conn.Close(ErrUnauthorized)
			return
		}
	case <-time.After(2 * time.Second):
		conn.Close(nil)
		return
	case <-conn.done:
		return
	}
	if err := conn.Send(challenge); err != nil {
		return
	}

	addr := relayAddr{
		publicKey: publicKey,
		clientId:  clientId,
	}
	self.mutex.Lock()
	self.clients[addr] = conn
	self.mutex.Unlock()

	defer func() {
		self.mutex.Lock()
		if self.clients[addr] == conn {
			delete(self.clients, addr)
		}
		self.mutex.Unlock()
	}()

	for {
		select {
		case frame := <-frames:
			self.route(addr, frame)
		case <-conn.done:
			return
		}
	}
}

func (self *testRelay) route(from relayAddr, frame []byte) {
	var envelope envelopeWire
	if err := cbor.Unmarshal(frame, &envelope); err != nil {
		return
	}

	self.mutex.Lock()
	targets := []*pipeConnection{}
	if envelope.ToPublicKey != nil {
		toPublicKey, err := PublicKeyFromBytes(envelope.ToPublicKey)
		if err == nil {
			for addr, conn := range self.clients {
				if addr.publicKey != toPublicKey {
					continue
				}
				if envelope.ToClientId != nil {
					toClientId, err := IdFromBytes(envelope.ToClientId)
					if err != nil || addr.clientId != toClientId {
						continue
					}
				}
				targets = append(targets, conn)
			}
		}
	} else {
		// broadcast to everyone else
		for addr, conn := range self.clients {
			if addr != from {
				targets = append(targets, conn)
			}
		}
	}
	self.mutex.Unlock()

	for _, conn := range targets {
		conn.Send(frame)
	}
}

// links pairs of in-memory rtc peers by offer token, standing in for
// the webrtc stack in tests
type memoryRtcHub struct {
	mutex  sync.Mutex
	offers map[string]*memoryRtcPeer
}

func newMemoryRtcHub() *memoryRtcHub {
	return &memoryRtcHub{
		offers: map[string]*memoryRtcPeer{},
	}
}

type memoryRtcFactory struct {
	hub *memoryRtcHub
}

func (self *memoryRtcHub) Factory() RtcFactory {
	return &memoryRtcFactory{
		hub: self,
	}
}

func (self *memoryRtcFactory) NewRtcPeer(ctx context.Context, initiator bool) (RtcPeer, error) {
	return &memoryRtcPeer{
		hub:            self.hub,
		initiator:      initiator,
		out:            make(chan []byte, 1024),
		done:           make(chan struct{}),
		iceCallbacks:   NewCallbackList[func(*IceCandidate)](),
		openCallbacks:  NewCallbackList[func()](),
		dataCallbacks:  NewCallbackList[func([]byte)](),
		drainCallbacks: NewCallbackList[func()](),
		closeCallbacks: NewCallbackList[func()](),
	}, nil
}

type memoryRtcPeer struct {
	hub       *memoryRtcHub
	initiator bool

	mutex  sync.Mutex
	remote *memoryRtcPeer
	closed bool

	out  chan []byte
	done chan struct{}

	iceCallbacks   *CallbackList[func(*IceCandidate)]
	openCallbacks  *CallbackList[func()]
	dataCallbacks  *CallbackList[func([]byte)]
	drainCallbacks *CallbackList[func()]
	closeCallbacks *CallbackList[func()]
}

func (self *memoryRtcPeer) CreateOffer() (string, error) {
	token := NewId().String()
	self.hub.mutex.Lock()
	self.hub.offers[token] = self
	self.hub.mutex.Unlock()
	return token, nil
}

func (self *memoryRtcPeer) HandleOffer(sdp string) (string, error) {
	self.hub.mutex.Lock()
	remote, ok := self.hub.offers[sdp]
	if ok {
		delete(self.hub.offers, sdp)
	}
	self.hub.mutex.Unlock()
	if !ok {
		return "", ErrTransportClosed
	}
	link(self, remote)
	return "answer/" + sdp, nil
}

func (self *memoryRtcPeer) HandleAnswer(sdp string) error {
	return nil
}

func link(a *memoryRtcPeer, b *memoryRtcPeer) {
	a.mutex.Lock()
	a.remote = b
	a.mutex.Unlock()
	b.mutex.Lock()
	b.remote = a
	b.mutex.Unlock()

	go a.pumpTo(b)
	go b.pumpTo(a)

	for _, callback := range a.openCallbacks.Get() {
		callback()
	}
	for _, callback := range b.openCallbacks.Get() {
		callback()
	}
}

func (self *memoryRtcPeer) pumpTo(remote *memoryRtcPeer) {
	for {
		select {
		case <-self.done:
			return
		case <-remote.done:
			return
		case data := <-self.out:
			for _, callback := range remote.dataCallbacks.Get() {
				callback(data)
			}
		}
	}
}

func (self *memoryRtcPeer) AddIceCandidate(candidate *IceCandidate) error {
	return nil
}

func (self *memoryRtcPeer) Send(data []byte) error {
	self.mutex.Lock()
	remote := self.remote
	closed := self.closed
	self.mutex.Unlock()
	if remote == nil || closed {
		return ErrTransportClosed
	}
	buffer := make([]byte, len(data))
	copy(buffer, data)
	select {
	case self.out <- buffer:
		return nil
	case <-self.done:
		return ErrTransportClosed
	}
}

func (self *memoryRtcPeer) BufferedAmount() ByteCount {
	return 0
}

func (self *memoryRtcPeer) SetBufferedAmountLowThreshold(threshold ByteCount) {
}

func (self *memoryRtcPeer) Close() {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	self.closed = true
	remote := self.remote
	self.mutex.Unlock()

	close(self.done)
	for _, callback := range self.closeCallbacks.Get() {
		callback()
	}
	if remote != nil {
		remote.Close()
	}
}

func (self *memoryRtcPeer) AddIceCandidateCallback(callback func(*IceCandidate)) func() {
	return self.iceCallbacks.Add(callback)
}

func (self *memoryRtcPeer) AddOpenCallback(callback func()) func() {
	return self.openCallbacks.Add(callback)
}

func (self *memoryRtcPeer) AddDataCallback(callback func([]byte)) func() {
	return self.dataCallbacks.Add(callback)
}

func (self *memoryRtcPeer) AddDrainCallback(callback func()) func() {
	return self.drainCallbacks.Add(callback)
}

func (self *memoryRtcPeer) AddCloseCallback(callback func()) func() {
	return self.closeCallbacks.Add(callback)
}

// polls until the condition holds or the deadline passes
func waitFor(timeout time.Duration, condition func() bool) bool {
	end := time.Now().Add(timeout)
	for time.Now().Before(end) {
		if condition() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return condition()
}

func testSeed(c byte) []byte {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = c
	}
	return seed
}
