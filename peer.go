package share

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

// transport-level peer endpoint produced by an RtcFactory.
// the factory boundary lets callers swap in a non-webrtc transport
// (the `wrtc` configuration hook).
type RtcPeer interface {
	// initiator side: local offer sdp
	CreateOffer() (string, error)
	// receiver side: applies the remote offer and returns the answer sdp
	HandleOffer(sdp string) (string, error)
	// initiator side: applies the remote answer
	HandleAnswer(sdp string) error
	AddIceCandidate(candidate *IceCandidate) error

	Send(data []byte) error
	BufferedAmount() ByteCount
	SetBufferedAmountLowThreshold(threshold ByteCount)
	Close()

	AddIceCandidateCallback(callback func(*IceCandidate)) func()
	AddOpenCallback(callback func()) func()
	AddDataCallback(callback func([]byte)) func()
	AddDrainCallback(callback func()) func()
	AddCloseCallback(callback func()) func()
}

type RtcFactory interface {
	NewRtcPeer(ctx context.Context, initiator bool) (RtcPeer, error)
}

// a direct bidirectional byte channel to one remote client, scoped to
// one document. Peers are never shared across documents.
type Peer struct {
	documentId DocumentId
	remote     SignalingAddr
	initiator  bool

	rtc RtcPeer

	stateMutex sync.Mutex
	connected  bool
	closed     bool
}

func (self *Peer) DocumentId() DocumentId {
	return self.documentId
}

func (self *Peer) Remote() SignalingAddr {
	return self.remote
}

func (self *Peer) IsConnected() bool {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.connected && !self.closed
}

func (self *Peer) Send(data []byte) error {
	if !self.IsConnected() {
		return ErrTransportClosed
	}
	return self.rtc.Send(data)
}

func (self *Peer) BufferedAmount() ByteCount {
	return self.rtc.BufferedAmount()
}

func (self *Peer) AddOpenCallback(callback func()) func() {
	return self.rtc.AddOpenCallback(callback)
}

func (self *Peer) AddDataCallback(callback func([]byte)) func() {
	return self.rtc.AddDataCallback(callback)
}

func (self *Peer) AddDrainCallback(callback func()) func() {
	return self.rtc.AddDrainCallback(callback)
}

func (self *Peer) AddCloseCallback(callback func()) func() {
	return self.rtc.AddCloseCallback(callback)
}

// comparable
type peerKey struct {
	documentId      DocumentId
	remotePublicKey PublicKey
	remoteClientId  Id
}

// accepts or drops an inbound signal before any peer state exists.
// the sharing client installs a check that the document is known and
// the sender is an allowed user.
type VerifySignalFunc func(from SignalingAddr, signal *Message) bool

type PeerManagerSettings struct {
	// not read by the peer manager; outbound sync pauses on
	// DocumentSynchronizerSettings.SendBufferHighWater
	SendBufferHighWater ByteCount
	// resume threshold reported through the drain callback
	SendBufferLowWater ByteCount
}

func DefaultPeerManagerSettings() *PeerManagerSettings {
	return &PeerManagerSettings{
		SendBufferHighWater: mib(1),
		SendBufferLowWater:  kib(256),
	}
}

// webrtc-like peer lifecycle keyed by (documentId, remotePublicKey,
// remoteClientId). Signaling rides the exchanger's `signal` messages.
type PeerManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	exchanger *MessageExchanger
	factory   RtcFactory
	settings  *PeerManagerSettings

	mutex  sync.Mutex
	peers  map[peerKey]*Peer
	verify VerifySignalFunc

	createdCallbacks   *CallbackList[func(*Peer)]
	destroyedCallbacks *CallbackList[func(*Peer)]

	removeSignalCallback func()
}

func NewPeerManagerWithDefaults(
	ctx context.Context,
	exchanger *MessageExchanger,
	factory RtcFactory,
) *PeerManager {
	return NewPeerManager(ctx, exchanger, factory, DefaultPeerManagerSettings())
}

func NewPeerManager(
	ctx context.Context,
	exchanger *MessageExchanger,
	factory RtcFactory,
	settings *PeerManagerSettings,
) *PeerManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	manager := &PeerManager{
		ctx:                cancelCtx,
		cancel:             cancel,
		exchanger:          exchanger,
		factory:            factory,
		settings:           settings,
		peers:              map[peerKey]*Peer{},
		createdCallbacks:   NewCallbackList[func(*Peer)](),
		destroyedCallbacks: NewCallbackList[func(*Peer)](),
	}
	manager.removeSignalCallback = exchanger.Receive(MessageTypeSignal, manager.handleSignal)
	return manager
}

func (self *PeerManager) SetVerifyIncomingSignal(verify VerifySignalFunc) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.verify = verify
}

func keyOf(documentId DocumentId, remote SignalingAddr) peerKey {
	return peerKey{
		documentId:      documentId,
		remotePublicKey: remote.PublicKey,
		remoteClientId:  remote.ClientId,
	}
}

// initiator side: builds a peer, sends the offer, and trickles ice
// candidates to the remote
func (self *PeerManager) CreatePeer(documentId DocumentId, remote SignalingAddr) (*Peer, error) {
	key := keyOf(documentId, remote)

	self.mutex.Lock()
	if peer, ok := self.peers[key]; ok {
		self.mutex.Unlock()
		return peer, nil
	}
	self.mutex.Unlock()

	peer, err := self.newPeer(documentId, remote, true)
	if err != nil {
		return nil, err
	}

	offer, err := peer.rtc.CreateOffer()
	if err != nil {
		peer.rtc.Close()
		return nil, err
	}

	self.mutex.Lock()
	if existing, ok := self.peers[key]; ok {
		// lost a race with an inbound offer
		self.mutex.Unlock()
		peer.rtc.Close()
		return existing, nil
	}
	self.peers[key] = peer
	self.mutex.Unlock()

	self.emitCreated(peer)

	err = self.exchanger.SendMessage(
		&Message{
			Type:       MessageTypeSignal,
			DocumentId: documentId,
			Sdp: &SdpDescription{
				Type: "offer",
				Sdp:  offer,
			},
		},
		&SignalingAddr{
			PublicKey: remote.PublicKey,
			ClientId:  remote.ClientId,
		},
	)
	if err != nil {
		self.DestroyPeer(documentId, remote)
		return nil, err
	}
	return peer, nil
}

func (self *PeerManager) newPeer(
	documentId DocumentId,
	remote SignalingAddr,
	initiator bool,
) (*Peer, error) {
	rtc, err := self.factory.NewRtcPeer(self.ctx, initiator)
	if err != nil {
		return nil, err
	}
	rtc.SetBufferedAmountLowThreshold(self.settings.SendBufferLowWater)

	peer := &Peer{
		documentId: documentId,
		remote:     remote,
		initiator:  initiator,
		rtc:        rtc,
	}

	rtc.AddIceCandidateCallback(func(candidate *IceCandidate) {
		err := self.exchanger.SendMessage(
			&Message{
				Type:       MessageTypeSignal,
				DocumentId: documentId,
				Ice:        candidate,
			},
			&SignalingAddr{
				PublicKey: remote.PublicKey,
				ClientId:  remote.ClientId,
			},
		)
		if err != nil {
			glog.V(1).Infof("[pm]ice send error %s = %s\n", remote, err)
		}
	})
	rtc.AddOpenCallback(func() {
		peer.stateMutex.Lock()
		peer.connected = true
		peer.stateMutex.Unlock()
		glog.V(1).Infof("[pm]peer open %s %s\n", documentId, remote)
	})
	rtc.AddCloseCallback(func() {
		self.removePeer(documentId, remote, peer)
	})
	return peer, nil
}

func (self *PeerManager) handleSignal(message *ExchangerMessage) {
	documentId := message.Message.DocumentId
	from := message.From
	key := keyOf(documentId, from)

	switch {
	case message.Message.Bye:
		self.DestroyPeer(documentId, from)

	case message.Message.Sdp != nil && message.Message.Sdp.Type == "offer":
		self.mutex.Lock()
		_, exists := self.peers[key]
		verify := self.verify
		self.mutex.Unlock()
		if exists {
			// one peer per (document, remote); keep the existing one
			glog.V(1).Infof("[pm]drop duplicate offer %s %s\n", documentId, from)
			return
		}
		if verify != nil && !verify(from, message.Message) {
			// silently dropped per the gating contract
			glog.V(1).Infof("[pm]drop unverified offer %s %s\n", documentId, from)
			return
		}

		peer, err := self.newPeer(documentId, from, false)
		if err != nil {
			glog.Infof("[pm]answer peer error %s = %s\n", from, err)
			return
		}
		answer, err := peer.rtc.HandleOffer(message.Message.Sdp.Sdp)
		if err != nil {
			glog.Infof("[pm]offer error %s = %s\n", from, err)
			peer.rtc.Close()
			return
		}

		self.mutex.Lock()
		if _, exists := self.peers[key]; exists {
			self.mutex.Unlock()
			peer.rtc.Close()
			return
		}
		self.peers[key] = peer
		self.mutex.Unlock()

		self.emitCreated(peer)

		err = self.exchanger.SendMessage(
			&Message{
				Type:       MessageTypeSignal,
				DocumentId: documentId,
				Sdp: &SdpDescription{
					Type: "answer",
					Sdp:  answer,
				},
			},
			&SignalingAddr{
				PublicKey: from.PublicKey,
				ClientId:  from.ClientId,
			},
		)
		if err != nil {
			glog.Infof("[pm]answer send error %s = %s\n", from, err)
			self.DestroyPeer(documentId, from)
		}

	case message.Message.Sdp != nil:
		// answer
		self.mutex.Lock()
		peer, ok := self.peers[key]
		self.mutex.Unlock()
		if !ok {
			glog.V(1).Infof("[pm]drop answer without peer %s %s\n", documentId, from)
			return
		}
		if err := peer.rtc.HandleAnswer(message.Message.Sdp.Sdp); err != nil {
			glog.Infof("[pm]answer error %s = %s\n", from, err)
			self.DestroyPeer(documentId, from)
		}

	case message.Message.Ice != nil:
		self.mutex.Lock()
		peer, ok := self.peers[key]
		self.mutex.Unlock()
		if !ok {
			glog.V(1).Infof("[pm]drop ice without peer %s %s\n", documentId, from)
			return
		}
		if err := peer.rtc.AddIceCandidate(message.Message.Ice); err != nil {
			glog.V(1).Infof("[pm]ice error %s = %s\n", from, err)
		}
	}
}

func (self *PeerManager) emitCreated(peer *Peer) {
	for _, callback := range self.createdCallbacks.Get() {
		callback(peer)
	}
}

// tears down a peer and notifies the remote with a bye
func (self *PeerManager) DestroyPeer(documentId DocumentId, remote SignalingAddr) {
	key := keyOf(documentId, remote)
	self.mutex.Lock()
	peer, ok := self.peers[key]
	if ok {
		delete(self.peers, key)
	}
	self.mutex.Unlock()
	if !ok {
		return
	}

	self.exchanger.SendMessage(
		&Message{
			Type:       MessageTypeSignal,
			DocumentId: documentId,
			Bye:        true,
		},
		&SignalingAddr{
			PublicKey: remote.PublicKey,
			ClientId:  remote.ClientId,
		},
	)

	self.closePeer(peer)
}

// removal without a bye, for transport-initiated closes
func (self *PeerManager) removePeer(documentId DocumentId, remote SignalingAddr, peer *Peer) {
	key := keyOf(documentId, remote)
	self.mutex.Lock()
	current, ok := self.peers[key]
	if ok && current == peer {
		delete(self.peers, key)
	} else {
		ok = false
	}
	self.mutex.Unlock()
	if !ok {
		return
	}
	self.closePeer(peer)
}

func (self *PeerManager) closePeer(peer *Peer) {
	peer.stateMutex.Lock()
	alreadyClosed := peer.closed
	peer.closed = true
	peer.stateMutex.Unlock()
	if alreadyClosed {
		return
	}

	peer.rtc.Close()
	glog.V(1).Infof("[pm]peer destroyed %s %s\n", peer.documentId, peer.remote)
	for _, callback := range self.destroyedCallbacks.Get() {
		callback(peer)
	}
}

func (self *PeerManager) Peers(documentId DocumentId) []*Peer {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	peers := []*Peer{}
	for key, peer := range self.peers {
		if key.documentId == documentId {
			peers = append(peers, peer)
		}
	}
	return peers
}

func (self *PeerManager) AddPeerCreatedCallback(callback func(*Peer)) func() {
	return self.createdCallbacks.Add(callback)
}

func (self *PeerManager) AddPeerDestroyedCallback(callback func(*Peer)) func() {
	return self.destroyedCallbacks.Add(callback)
}

func (self *PeerManager) Settings() *PeerManagerSettings {
	return self.settings
}

// tears down every peer with a bye and stops handling signals
func (self *PeerManager) Close() {
	self.removeSignalCallback()

	self.mutex.Lock()
	peers := map[peerKey]*Peer{}
	for key, peer := range self.peers {
		peers[key] = peer
	}
	self.peers = map[peerKey]*Peer{}
	self.mutex.Unlock()

	for _, peer := range peers {
		self.exchanger.SendMessage(
			&Message{
				Type:       MessageTypeSignal,
				DocumentId: peer.documentId,
				Bye:        true,
			},
			&SignalingAddr{
				PublicKey: peer.remote.PublicKey,
				ClientId:  peer.remote.ClientId,
			},
		)
		self.closePeer(peer)
	}

	self.cancel()
}
