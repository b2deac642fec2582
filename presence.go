package share

import (
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/glog"
)

// ephemeral per-peer state (cursor, selection, anything the app puts
// in). Never persisted; carried over the document data channels.
type presenceWire struct {
	PublicKey []byte         `cbor:"publicKey"`
	ClientId  []byte         `cbor:"clientId"`
	Seq       uint64         `cbor:"seq"`
	State     map[string]any `cbor:"state,omitempty"`
	Clear     bool           `cbor:"clear,omitempty"`
}

type RemotePresence struct {
	Remote     SignalingAddr
	State      map[string]any
	UpdateTime time.Time
}

// per-document presence exchange. Remote state is keyed by
// (publicKey, clientId) and versioned with a per-client sequence
// number; stale updates are discarded. A peer close clears the
// remote's entry.
type DocumentPresence struct {
	documentId DocumentId
	session    *SessionManager
	manager    *PeerManager

	mutex      sync.Mutex
	localSeq   uint64
	localState map[string]any
	remotes    map[SignalingAddr]*remotePresenceEntry
	peerRemove map[*Peer][]func()

	updateCallbacks *CallbackList[func(*RemotePresence)]

	removeCallbacks []func()
}

type remotePresenceEntry struct {
	seq        uint64
	state      map[string]any
	updateTime time.Time
}

func NewDocumentPresence(
	documentId DocumentId,
	session *SessionManager,
	manager *PeerManager,
) *DocumentPresence {
	presence := &DocumentPresence{
		documentId:      documentId,
		session:         session,
		manager:         manager,
		remotes:         map[SignalingAddr]*remotePresenceEntry{},
		peerRemove:      map[*Peer][]func(){},
		updateCallbacks: NewCallbackList[func(*RemotePresence)](),
	}

	presence.removeCallbacks = append(
		presence.removeCallbacks,
		manager.AddPeerCreatedCallback(func(peer *Peer) {
			if peer.DocumentId() == documentId {
				presence.attach(peer)
			}
		}),
		manager.AddPeerDestroyedCallback(func(peer *Peer) {
			if peer.DocumentId() == documentId {
				presence.detach(peer)
			}
		}),
	)

	for _, peer := range manager.Peers(documentId) {
		presence.attach(peer)
	}
	return presence
}

func (self *DocumentPresence) attach(peer *Peer) {
	self.mutex.Lock()
	if _, ok := self.peerRemove[peer]; ok {
		self.mutex.Unlock()
		return
	}
	self.peerRemove[peer] = nil
	self.mutex.Unlock()

	removes := []func(){
		peer.AddOpenCallback(func() {
			// introduce the local state to the new peer
			self.sendLocal(peer)
		}),
		peer.AddDataCallback(func(data []byte) {
			self.receive(peer, data)
		}),
	}

	self.mutex.Lock()
	self.peerRemove[peer] = removes
	self.mutex.Unlock()

	if peer.IsConnected() {
		self.sendLocal(peer)
	}
}

func (self *DocumentPresence) detach(peer *Peer) {
	self.mutex.Lock()
	removes, ok := self.peerRemove[peer]
	if ok {
		delete(self.peerRemove, peer)
	}
	_, hasEntry := self.remotes[peer.Remote()]
	if hasEntry {
		delete(self.remotes, peer.Remote())
	}
	self.mutex.Unlock()
	if !ok {
		return
	}
	for _, remove := range removes {
		remove()
	}
	if hasEntry {
		// a departed peer clears its presence
		for _, callback := range self.updateCallbacks.Get() {
			callback(&RemotePresence{
				Remote:     peer.Remote(),
				State:      nil,
				UpdateTime: time.Now(),
			})
		}
	}
}

func (self *DocumentPresence) receive(peer *Peer, data []byte) {
	if len(data) == 0 || data[0] != peerChannelPresence {
		return
	}

	var wire presenceWire
	if err := cbor.Unmarshal(data[1:], &wire); err != nil {
		glog.Infof("[dc]drop presence %s = %s\n", peer.Remote(), err)
		return
	}
	publicKey, err := PublicKeyFromBytes(wire.PublicKey)
	if err != nil {
		glog.Infof("[dc]drop presence %s = %s\n", peer.Remote(), err)
		return
	}
	clientId, err := IdFromBytes(wire.ClientId)
	if err != nil {
		glog.Infof("[dc]drop presence %s = %s\n", peer.Remote(), err)
		return
	}
	remote := SignalingAddr{
		PublicKey: publicKey,
		ClientId:  clientId,
	}

	self.mutex.Lock()
	entry, ok := self.remotes[remote]
	if ok && wire.Seq <= entry.seq {
		// stale
		self.mutex.Unlock()
		return
	}
	state := wire.State
	if wire.Clear {
		state = nil
	}
	self.remotes[remote] = &remotePresenceEntry{
		seq:        wire.Seq,
		state:      state,
		updateTime: time.Now(),
	}
	self.mutex.Unlock()

	for _, callback := range self.updateCallbacks.Get() {
		callback(&RemotePresence{
			Remote:     remote,
			State:      state,
			UpdateTime: time.Now(),
		})
	}
}

// replaces the local state and broadcasts it to every connected peer
// of the document
func (self *DocumentPresence) SetLocalState(state map[string]any) {
	self.mutex.Lock()
	self.localSeq += 1
	self.localState = state
	self.mutex.Unlock()

	for _, peer := range self.manager.Peers(self.documentId) {
		if peer.IsConnected() {
			self.sendLocal(peer)
		}
	}
}

func (self *DocumentPresence) sendLocal(peer *Peer) {
	self.mutex.Lock()
	if self.localState == nil && self.localSeq == 0 {
		self.mutex.Unlock()
		return
	}
	wire := &presenceWire{
		PublicKey: self.session.PublicKey().Bytes(),
		ClientId:  self.session.ClientId().Bytes(),
		Seq:       self.localSeq,
		State:     self.localState,
		Clear:     self.localState == nil,
	}
	self.mutex.Unlock()

	payload, err := cbor.Marshal(wire)
	if err != nil {
		glog.Infof("[dc]presence encode = %s\n", err)
		return
	}
	frame := make([]byte, 0, 1+len(payload))
	frame = append(frame, peerChannelPresence)
	frame = append(frame, payload...)
	if err := peer.Send(frame); err != nil {
		glog.V(2).Infof("[dc]presence send %s = %s\n", peer.Remote(), err)
	}
}

// snapshot of known remote states
func (self *DocumentPresence) Remotes() []*RemotePresence {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	remotes := make([]*RemotePresence, 0, len(self.remotes))
	for remote, entry := range self.remotes {
		if entry.state == nil {
			continue
		}
		remotes = append(remotes, &RemotePresence{
			Remote:     remote,
			State:      entry.state,
			UpdateTime: entry.updateTime,
		})
	}
	return remotes
}

func (self *DocumentPresence) AddUpdateCallback(callback func(*RemotePresence)) func() {
	return self.updateCallbacks.Add(callback)
}

func (self *DocumentPresence) Close() {
	for _, remove := range self.removeCallbacks {
		remove()
	}
	self.removeCallbacks = nil

	self.mutex.Lock()
	peerRemove := self.peerRemove
	self.peerRemove = map[*Peer][]func(){}
	self.remotes = map[SignalingAddr]*remotePresenceEntry{}
	self.mutex.Unlock()

	for _, removes := range peerRemove {
		for _, remove := range removes {
			remove()
		}
	}
}
