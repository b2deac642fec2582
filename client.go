package share

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/glog"

	"inkline.co/share/crdt"
)

type SharingClientSettings struct {
	// deadline for `RequestDocument`, from the first send
	RequestTimeout time.Duration
	Clock          clock.Clock

	// optional transport factory override (the `wrtc` hook).
	// nil selects the pion webrtc factory.
	RtcFactory RtcFactory

	SignalingClientSettings      *SignalingClientSettings
	PeerManagerSettings          *PeerManagerSettings
	DocumentSynchronizerSettings *DocumentSynchronizerSettings
	StorageSettings              *StorageSettings
	WebRtcSettings               *WebRtcSettings
}

func DefaultSharingClientSettings() *SharingClientSettings {
	return &SharingClientSettings{
		RequestTimeout:               5 * time.Second,
		Clock:                        clock.New(),
		SignalingClientSettings:      DefaultSignalingClientSettings(),
		PeerManagerSettings:          DefaultPeerManagerSettings(),
		DocumentSynchronizerSettings: DefaultDocumentSynchronizerSettings(),
		StorageSettings:              DefaultStorageSettings(),
		WebRtcSettings:               DefaultWebRtcSettings(),
	}
}

// public facade of the document-sharing core. Owns one signaling
// client, one exchanger, one peer manager, one storage pipeline, and
// the registry of live documents with their synchronizers and
// presence channels.
type SharingClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	signalingUrl string
	session      *SessionManager
	factory      crdt.Factory
	settings     *SharingClientSettings

	storage  *Storage
	registry *DocumentRegistry

	mutex         sync.Mutex
	signaling     *SignalingClient
	exchanger     *MessageExchanger
	peerManager   *PeerManager
	synchronizers map[DocumentId]*DocumentSynchronizer
	presences     map[DocumentId]*DocumentPresence
	waiters       map[DocumentId][]chan *Document
	connectRemove []func()

	removeRegistryCallbacks []func()
}

func NewSharingClientWithDefaults(
	ctx context.Context,
	signalingUrl string,
	privateKey ed25519.PrivateKey,
	provider StorageProvider,
	factory crdt.Factory,
) *SharingClient {
	return NewSharingClient(
		ctx,
		signalingUrl,
		NewSessionManager(privateKey),
		provider,
		factory,
		DefaultSharingClientSettings(),
	)
}

func NewSharingClient(
	ctx context.Context,
	signalingUrl string,
	session *SessionManager,
	provider StorageProvider,
	factory crdt.Factory,
	settings *SharingClientSettings,
) *SharingClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &SharingClient{
		ctx:           cancelCtx,
		cancel:        cancel,
		signalingUrl:  signalingUrl,
		session:       session,
		factory:       factory,
		settings:      settings,
		synchronizers: map[DocumentId]*DocumentSynchronizer{},
		presences:     map[DocumentId]*DocumentPresence{},
		waiters:       map[DocumentId][]chan *Document{},
	}
	client.storage = NewStorage(cancelCtx, session, provider, settings.StorageSettings)
	client.registry = NewDocumentRegistry(client.storage, factory)

	client.removeRegistryCallbacks = append(
		client.removeRegistryCallbacks,
		client.registry.AddDocumentAddedCallback(func(document *Document) {
			client.adoptDocument(document)
			client.resolveWaiters(document)
		}),
		client.registry.AddDocumentUpdatedCallback(func(document *Document) {
			client.resolveWaiters(document)
		}),
		client.registry.AddDocumentDestroyedCallback(func(document *Document) {
			client.dropDocument(document.DocumentId())
		}),
	)
	return client
}

// opens the signaling session and starts serving shared documents.
// idempotent while connected.
func (self *SharingClient) Connect() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.signaling != nil {
		return
	}

	self.signaling = NewSignalingClient(
		self.ctx,
		self.signalingUrl,
		self.session,
		self.settings.SignalingClientSettings,
	)
	self.exchanger = NewMessageExchanger(self.signaling)

	factory := self.settings.RtcFactory
	if factory == nil {
		factory = NewWebRtcFactory(self.settings.WebRtcSettings)
	}
	self.peerManager = NewPeerManager(
		self.ctx,
		self.exchanger,
		factory,
		self.settings.PeerManagerSettings,
	)
	self.peerManager.SetVerifyIncomingSignal(self.verifyIncomingSignal)

	self.connectRemove = append(
		self.connectRemove,
		self.exchanger.Receive(MessageTypeRequestDocument, self.handleRequestDocument),
		self.exchanger.Receive(MessageTypeDocumentResponse, self.handleDocumentResponse),
	)

	// wire up documents already live in the registry
	for _, document := range self.registry.LiveDocuments() {
		self.adoptDocumentLocked(document)
	}
}

// closes the connection and tears down all peers with a bye.
// documents and storage state are preserved.
func (self *SharingClient) Disconnect() {
	self.mutex.Lock()
	signaling := self.signaling
	exchanger := self.exchanger
	peerManager := self.peerManager
	connectRemove := self.connectRemove
	synchronizers := self.synchronizers
	presences := self.presences
	self.signaling = nil
	self.exchanger = nil
	self.peerManager = nil
	self.connectRemove = nil
	self.synchronizers = map[DocumentId]*DocumentSynchronizer{}
	self.presences = map[DocumentId]*DocumentPresence{}
	self.mutex.Unlock()

	if signaling == nil {
		return
	}

	for _, remove := range connectRemove {
		remove()
	}
	for _, synchronizer := range synchronizers {
		synchronizer.Close()
	}
	for _, presence := range presences {
		presence.Close()
	}
	peerManager.Close()
	exchanger.Close()
	signaling.Close()
}

func (self *SharingClient) WaitForConnection(ctx context.Context) error {
	self.mutex.Lock()
	signaling := self.signaling
	self.mutex.Unlock()
	if signaling == nil {
		return ErrTransportClosed
	}
	return signaling.WaitForConnection(ctx)
}

func (self *SharingClient) IsConnected() bool {
	self.mutex.Lock()
	signaling := self.signaling
	self.mutex.Unlock()
	return signaling != nil && signaling.IsConnected()
}

// attaches a synchronizer and a presence channel to a live document
func (self *SharingClient) adoptDocument(document *Document) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.adoptDocumentLocked(document)
}

func (self *SharingClient) adoptDocumentLocked(document *Document) {
	if self.peerManager == nil || document.IsDestroyed() {
		return
	}
	documentId := document.DocumentId()
	if _, ok := self.synchronizers[documentId]; ok {
		return
	}
	self.synchronizers[documentId] = NewDocumentSynchronizer(
		self.ctx,
		document,
		self.peerManager,
		self.settings.DocumentSynchronizerSettings,
	)
	self.presences[documentId] = NewDocumentPresence(
		documentId,
		self.session,
		self.peerManager,
	)
}

func (self *SharingClient) dropDocument(documentId DocumentId) {
	self.mutex.Lock()
	synchronizer, hasSynchronizer := self.synchronizers[documentId]
	if hasSynchronizer {
		delete(self.synchronizers, documentId)
	}
	presence, hasPresence := self.presences[documentId]
	if hasPresence {
		delete(self.presences, documentId)
	}
	peerManager := self.peerManager
	self.mutex.Unlock()

	if hasSynchronizer {
		synchronizer.Close()
	}
	if hasPresence {
		presence.Close()
	}
	if peerManager != nil {
		for _, peer := range peerManager.Peers(documentId) {
			peerManager.DestroyPeer(documentId, peer.Remote())
		}
	}
}

// a peer may open a data channel for a document only if the document
// is known locally and the sender is one of its allowed users
func (self *SharingClient) verifyIncomingSignal(from SignalingAddr, signal *Message) bool {
	document, err := self.registry.FindDocument(signal.DocumentId)
	if err != nil || document == nil {
		return false
	}
	return document.Header().HasAllowedUser(from.PublicKey)
}

func (self *SharingClient) handleRequestDocument(message *ExchangerMessage) {
	documentId := message.Message.DocumentId
	from := message.From

	document, err := self.registry.FindDocument(documentId)
	if err != nil || document == nil {
		return
	}
	if !document.Header().HasAllowedUser(from.PublicKey) {
		// acl gating: no response, no peer
		glog.V(1).Infof("[dc]drop request %s from %s\n", documentId, from)
		return
	}

	export, err := document.Export(self.session.PrivateKey())
	if err != nil {
		glog.Infof("[dc]export %s = %s\n", documentId, err)
		return
	}

	self.mutex.Lock()
	exchanger := self.exchanger
	peerManager := self.peerManager
	self.mutex.Unlock()
	if exchanger == nil {
		return
	}

	err = exchanger.SendMessage(
		&Message{
			Type:     MessageTypeDocumentResponse,
			Document: export,
		},
		&SignalingAddr{
			PublicKey: from.PublicKey,
			ClientId:  from.ClientId,
		},
	)
	if err != nil {
		glog.Infof("[dc]response send %s = %s\n", from, err)
		return
	}

	// open the data channel for live sync
	if _, err := peerManager.CreatePeer(documentId, from); err != nil {
		glog.Infof("[dc]peer create %s = %s\n", from, err)
	}
}

// a response is accepted whether or not it was requested;
// the registry merges normally
func (self *SharingClient) handleDocumentResponse(message *ExchangerMessage) {
	document, err := ImportDocument(message.Message.Document, self.factory)
	if err != nil {
		glog.Infof("[dc]drop response %s = %s\n", message.From, err)
		return
	}
	if _, err := self.registry.SetDocument(document); err != nil {
		glog.Infof("[dc]response merge %s = %s\n", document.DocumentId(), err)
	}
}

func (self *SharingClient) resolveWaiters(document *Document) {
	documentId := document.DocumentId()
	self.mutex.Lock()
	waiters := self.waiters[documentId]
	delete(self.waiters, documentId)
	self.mutex.Unlock()

	for _, waiter := range waiters {
		select {
		case waiter <- document:
		default:
		}
	}
}

// creates, persists, and serves a new document owned by this session
func (self *SharingClient) CreateDocument(
	allowedUsers []PublicKey,
	metadata map[string]string,
) (*Document, error) {
	document, err := CreateDocument(self.session.PrivateKey(), allowedUsers, metadata, self.factory)
	if err != nil {
		return nil, err
	}
	return self.registry.SetDocument(document)
}

// re-signs the document header with a new acl and metadata, bumping
// the version. Only the owner session can do this.
func (self *SharingClient) UpdateDocumentHeader(
	document *Document,
	allowedUsers []PublicKey,
	metadata map[string]string,
) error {
	next, err := document.Header().Upgraded(self.session.PrivateKey(), allowedUsers, metadata)
	if err != nil {
		return err
	}
	if !document.UpdateHeader(next) {
		return ErrHeaderUpgradeRejected
	}
	return self.storage.SetDocument(document)
}

// resolves a document by racing the local lookup, the network, and the
// request deadline. A copy that arrives after the deadline still
// registers normally.
func (self *SharingClient) RequestDocument(ctx context.Context, documentId DocumentId) (*Document, error) {
	waiter := make(chan *Document, 1)
	self.mutex.Lock()
	self.waiters[documentId] = append(self.waiters[documentId], waiter)
	exchanger := self.exchanger
	self.mutex.Unlock()

	removeWaiter := func() {
		self.mutex.Lock()
		waiters := self.waiters[documentId]
		for i, w := range waiters {
			if w == waiter {
				self.waiters[documentId] = append(waiters[0:i], waiters[i+1:]...)
				break
			}
		}
		self.mutex.Unlock()
	}

	// local lookup first
	if document, err := self.registry.FindDocument(documentId); err == nil && document != nil {
		removeWaiter()
		return document, nil
	}

	if exchanger == nil {
		removeWaiter()
		return nil, ErrTransportClosed
	}

	// public discovery broadcast
	err := exchanger.SendMessage(
		&Message{
			Type:       MessageTypeRequestDocument,
			DocumentId: documentId,
		},
		nil,
	)
	if err != nil {
		removeWaiter()
		return nil, err
	}

	timer := self.settings.Clock.Timer(self.settings.RequestTimeout)
	defer timer.Stop()

	select {
	case document := <-waiter:
		return document, nil
	case <-timer.C:
		removeWaiter()
		return nil, ErrDocumentRequestTimeout
	case <-ctx.Done():
		removeWaiter()
		return nil, ctx.Err()
	case <-self.ctx.Done():
		removeWaiter()
		return nil, ErrTransportClosed
	}
}

func (self *SharingClient) FindDocument(documentId DocumentId) (*Document, error) {
	return self.registry.FindDocument(documentId)
}

func (self *SharingClient) RemoveDocument(documentId DocumentId) error {
	return self.registry.RemoveDocument(documentId)
}

func (self *SharingClient) ListDocumentIds() ([]DocumentId, error) {
	return self.registry.ListDocumentIds()
}

// per-document presence channel, available while connected
func (self *SharingClient) Presence(documentId DocumentId) *DocumentPresence {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.presences[documentId]
}

func (self *SharingClient) Registry() *DocumentRegistry {
	return self.registry
}

func (self *SharingClient) Storage() *Storage {
	return self.storage
}

func (self *SharingClient) Session() *SessionManager {
	return self.session
}

// disconnects and flushes pending saves. The client cannot be reused.
func (self *SharingClient) Close() {
	self.Disconnect()
	for _, remove := range self.removeRegistryCallbacks {
		remove()
	}
	self.removeRegistryCallbacks = nil
	self.storage.Close()
	self.cancel()
}
