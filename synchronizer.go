package share

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"

	"inkline.co/share/crdt"
)

// first byte of every data-channel message selects the stream
const (
	peerChannelSync     byte = 0
	peerChannelPresence byte = 1
)

type DocumentSynchronizerSettings struct {
	// outbound coalescing window (one animation frame)
	CoalesceTimeout time.Duration
	// pause outbound sync to a peer above this send-buffer level
	SendBufferHighWater ByteCount
}

func DefaultDocumentSynchronizerSettings() *DocumentSynchronizerSettings {
	return &DocumentSynchronizerSettings{
		CoalesceTimeout:     16 * time.Millisecond,
		SendBufferHighWater: mib(1),
	}
}

type syncPeerState struct {
	peer  *Peer
	state crdt.SyncState

	// protected by the synchronizer mutex
	pending bool
	paused  bool

	removeCallbacks []func()
}

// drives the crdt sync protocol for one document across all of its
// peers. Outbound messages per peer are strictly fifo and coalesced
// per tick; inbound processing is never paused. The synchronizer holds
// the document weakly: it detaches on `destroyed` and never keeps a
// destroyed document alive.
type DocumentSynchronizer struct {
	ctx    context.Context
	cancel context.CancelFunc

	document *Document
	manager  *PeerManager
	settings *DocumentSynchronizerSettings

	mutex sync.Mutex
	peers map[*Peer]*syncPeerState

	wake chan struct{}

	removeCallbacks []func()
}

func NewDocumentSynchronizerWithDefaults(
	ctx context.Context,
	document *Document,
	manager *PeerManager,
) *DocumentSynchronizer {
	return NewDocumentSynchronizer(ctx, document, manager, DefaultDocumentSynchronizerSettings())
}

func NewDocumentSynchronizer(
	ctx context.Context,
	document *Document,
	manager *PeerManager,
	settings *DocumentSynchronizerSettings,
) *DocumentSynchronizer {
	cancelCtx, cancel := context.WithCancel(ctx)
	synchronizer := &DocumentSynchronizer{
		ctx:      cancelCtx,
		cancel:   cancel,
		document: document,
		manager:  manager,
		settings: settings,
		peers:    map[*Peer]*syncPeerState{},
		wake:     make(chan struct{}, 1),
	}

	documentId := document.DocumentId()

	synchronizer.removeCallbacks = append(
		synchronizer.removeCallbacks,
		manager.AddPeerCreatedCallback(func(peer *Peer) {
			if peer.DocumentId() == documentId {
				synchronizer.attach(peer)
			}
		}),
		manager.AddPeerDestroyedCallback(func(peer *Peer) {
			if peer.DocumentId() == documentId {
				synchronizer.detach(peer)
			}
		}),
		document.AddChangeCallback(func() {
			synchronizer.markAllPending()
		}),
		document.AddDestroyCallback(func() {
			synchronizer.Close()
		}),
	)

	// adopt peers that already exist for the document
	for _, peer := range manager.Peers(documentId) {
		synchronizer.attach(peer)
	}

	go synchronizer.run()
	return synchronizer
}

func (self *DocumentSynchronizer) attach(peer *Peer) {
	self.mutex.Lock()
	if _, ok := self.peers[peer]; ok {
		self.mutex.Unlock()
		return
	}
	peerState := &syncPeerState{
		peer:  peer,
		state: self.document.NewSyncState(),
	}
	self.peers[peer] = peerState
	self.mutex.Unlock()

	peerState.removeCallbacks = append(
		peerState.removeCallbacks,
		peer.AddOpenCallback(func() {
			self.markPending(peer)
		}),
		peer.AddDataCallback(func(data []byte) {
			self.receive(peer, data)
		}),
		peer.AddDrainCallback(func() {
			self.resume(peer)
		}),
	)

	if peer.IsConnected() {
		self.markPending(peer)
	}
	glog.V(1).Infof("[sn]attach %s %s\n", peer.DocumentId(), peer.Remote())
}

func (self *DocumentSynchronizer) detach(peer *Peer) {
	self.mutex.Lock()
	peerState, ok := self.peers[peer]
	if ok {
		delete(self.peers, peer)
	}
	self.mutex.Unlock()
	if !ok {
		return
	}
	for _, remove := range peerState.removeCallbacks {
		remove()
	}
	glog.V(1).Infof("[sn]detach %s %s\n", peer.DocumentId(), peer.Remote())
}

// inbound sync bytes. Applying is local-only work, so it is never
// paused. A reply may be produced for the same peer on the next tick.
func (self *DocumentSynchronizer) receive(peer *Peer, data []byte) {
	if len(data) == 0 || data[0] != peerChannelSync {
		return
	}
	if self.document.IsDestroyed() {
		return
	}

	self.mutex.Lock()
	peerState, ok := self.peers[peer]
	self.mutex.Unlock()
	if !ok {
		return
	}

	if err := peerState.state.ReceiveMessage(data[1:]); err != nil {
		glog.Infof("[sn]receive error %s = %s\n", peer.Remote(), err)
		return
	}
	// the remote may need a reply (missing ops or an ack)
	self.markPending(peer)
}

func (self *DocumentSynchronizer) markAllPending() {
	self.mutex.Lock()
	for _, peerState := range self.peers {
		peerState.pending = true
	}
	self.mutex.Unlock()
	self.notify()
}

func (self *DocumentSynchronizer) markPending(peer *Peer) {
	self.mutex.Lock()
	if peerState, ok := self.peers[peer]; ok {
		peerState.pending = true
	}
	self.mutex.Unlock()
	self.notify()
}

func (self *DocumentSynchronizer) resume(peer *Peer) {
	self.mutex.Lock()
	if peerState, ok := self.peers[peer]; ok {
		peerState.paused = false
	}
	self.mutex.Unlock()
	self.notify()
}

func (self *DocumentSynchronizer) notify() {
	select {
	case self.wake <- struct{}{}:
	default:
	}
}

// single sender goroutine: coalesces one tick, then flushes every
// pending peer. fifo per peer holds because only this goroutine sends.
func (self *DocumentSynchronizer) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-self.wake:
		}

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.CoalesceTimeout):
		}

		self.mutex.Lock()
		pendingPeers := []*syncPeerState{}
		for _, peerState := range self.peers {
			if peerState.pending && !peerState.paused {
				pendingPeers = append(pendingPeers, peerState)
			}
		}
		self.mutex.Unlock()

		for _, peerState := range pendingPeers {
			self.flush(peerState)
		}
	}
}

func (self *DocumentSynchronizer) flush(peerState *syncPeerState) {
	peer := peerState.peer
	if !peer.IsConnected() {
		return
	}

	for {
		if self.settings.SendBufferHighWater <= peer.BufferedAmount() {
			// backpressure: stop sending until the buffer drains
			self.mutex.Lock()
			peerState.paused = true
			self.mutex.Unlock()
			glog.V(2).Infof("[sn]pause %s\n", peer.Remote())
			return
		}

		message, ok := peerState.state.GenerateMessage()
		if !ok {
			self.mutex.Lock()
			peerState.pending = false
			self.mutex.Unlock()
			return
		}

		frame := make([]byte, 0, 1+len(message))
		frame = append(frame, peerChannelSync)
		frame = append(frame, message...)
		if err := peer.Send(frame); err != nil {
			glog.V(1).Infof("[sn]send error %s = %s\n", peer.Remote(), err)
			return
		}
		glog.V(2).Infof("[sn]sync -> %s (%d)\n", peer.Remote(), len(message))
	}
}

func (self *DocumentSynchronizer) Close() {
	self.cancel()

	for _, remove := range self.removeCallbacks {
		remove()
	}
	self.removeCallbacks = nil

	self.mutex.Lock()
	peers := self.peers
	self.peers = map[*Peer]*syncPeerState{}
	self.mutex.Unlock()

	for _, peerState := range peers {
		for _, remove := range peerState.removeCallbacks {
			remove()
		}
	}
}
