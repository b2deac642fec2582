package share

import (
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/glog"

	"inkline.co/share/crdt"
)

// signed document export: {header, content, signature}.
// `signature` is over `content` under the exporter's key, which must be
// an allowed user of the header.
type documentWire struct {
	Header    []byte `cbor:"header"`
	Content   []byte `cbor:"content"`
	Signature []byte `cbor:"signature"`
}

type DocumentPatch struct {
	Before  crdt.Heads
	After   crdt.Heads
	Patches []crdt.Patch
}

type ChangeOptions struct {
	// commit message, where the crdt library records one
	Message string
}

// pairs a signed header with replicated crdt state.
// all events are fire-and-forget: a panicking handler is recovered and
// never mutates the document.
type Document struct {
	mutex sync.Mutex

	header       *DocumentHeader
	data         crdt.Doc
	destroyed    bool
	lastAccessed time.Time

	changeCallbacks  *CallbackList[func()]
	patchCallbacks   *CallbackList[func(*DocumentPatch)]
	headerCallbacks  *CallbackList[func(*DocumentHeader)]
	destroyCallbacks *CallbackList[func()]
}

// a new empty document owned by the key
func CreateDocument(
	privateKey ed25519.PrivateKey,
	allowedUsers []PublicKey,
	metadata map[string]string,
	factory crdt.Factory,
) (*Document, error) {
	header, err := CreateDocumentHeader(privateKey, allowedUsers, metadata)
	if err != nil {
		return nil, err
	}
	document := newDocument(header)
	document.data = factory.Init(document.emitPatch)
	return document, nil
}

// decodes a signed export, verifies the header and the content
// signature, and loads the content
func ImportDocument(exportBytes []byte, factory crdt.Factory) (*Document, error) {
	var wire documentWire
	if err := cbor.Unmarshal(exportBytes, &wire); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidHeader, err)
	}

	header, err := ImportDocumentHeader(wire.Header)
	if err != nil {
		return nil, err
	}

	// the exporter can be any allowed user, so the content signature
	// must verify under one of them
	signatureOk := false
	for _, user := range header.AllowedUsers() {
		if Verify(user, wire.Content, wire.Signature) {
			signatureOk = true
			break
		}
	}
	if !signatureOk {
		return nil, fmt.Errorf("%w: content signature", ErrInvalidHeader)
	}

	document := newDocument(header)
	data, err := factory.Load(wire.Content, document.emitPatch)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidHeader, err)
	}
	document.data = data
	return document, nil
}

// reassembles a document from storage blobs. The binary may be empty,
// which yields a live document with empty state.
func NewDocumentFromParts(header *DocumentHeader, binary []byte, factory crdt.Factory) (*Document, error) {
	document := newDocument(header)
	if len(binary) == 0 {
		document.data = factory.Init(document.emitPatch)
		return document, nil
	}
	data, err := factory.Load(binary, document.emitPatch)
	if err != nil {
		return nil, err
	}
	document.data = data
	return document, nil
}

func newDocument(header *DocumentHeader) *Document {
	return &Document{
		header:           header,
		lastAccessed:     time.Now(),
		changeCallbacks:  NewCallbackList[func()](),
		patchCallbacks:   NewCallbackList[func(*DocumentPatch)](),
		headerCallbacks:  NewCallbackList[func(*DocumentHeader)](),
		destroyCallbacks: NewCallbackList[func()](),
	}
}

// patch callback registered with the crdt library at init. Fires for
// local changes and for remotely applied sync ops alike, so both paths
// surface the same events.
func (self *Document) emitPatch(before crdt.Heads, after crdt.Heads, patches []crdt.Patch) {
	self.touch()
	documentPatch := &DocumentPatch{
		Before:  before,
		After:   after,
		Patches: patches,
	}
	for _, callback := range self.patchCallbacks.Get() {
		func() {
			defer recoverEventPanic("patch")
			callback(documentPatch)
		}()
	}
	if !before.Equal(after) {
		for _, callback := range self.changeCallbacks.Get() {
			func() {
				defer recoverEventPanic("change")
				callback()
			}()
		}
	}
}

func recoverEventPanic(event string) {
	if r := recover(); r != nil {
		glog.Infof("[doc]%s handler panic = %v\n", event, r)
	}
}

func (self *Document) touch() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.lastAccessed = time.Now()
}

func (self *Document) DocumentId() DocumentId {
	return self.Header().DocumentId()
}

func (self *Document) Header() *DocumentHeader {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.header
}

func (self *Document) LastAccessed() time.Time {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.lastAccessed
}

func (self *Document) IsDestroyed() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.destroyed
}

func (self *Document) Heads() crdt.Heads {
	self.touch()
	return self.data.Heads()
}

func (self *Document) Get(key string) (any, bool) {
	self.touch()
	return self.data.Get(key)
}

func (self *Document) Keys() []string {
	self.touch()
	return self.data.Keys()
}

// binary snapshot of the crdt state, without authorization
func (self *Document) Save() []byte {
	self.touch()
	return self.data.Save()
}

// sync driver scoped to one peer
func (self *Document) NewSyncState() crdt.SyncState {
	return self.data.NewSyncState()
}

// runs fn on the current state. Change and patch events fire through
// the crdt patch callback when the heads move.
func (self *Document) Update(fn func(tx crdt.Tx)) error {
	if self.IsDestroyed() {
		return ErrDestroyed
	}
	self.touch()
	return self.data.Change(fn)
}

// convenience over `Update` with structured change options
func (self *Document) Change(opts *ChangeOptions, fn func(tx crdt.Tx)) error {
	return self.Update(fn)
}

// same as `Change` rooted at a historical heads set
func (self *Document) ChangeAt(heads crdt.Heads, fn func(tx crdt.Tx)) error {
	if self.IsDestroyed() {
		return ErrDestroyed
	}
	self.touch()
	return self.data.ChangeAt(heads, fn)
}

// produces the signed export. Fails `ErrUnauthorized` unless the
// exporting key is an allowed user of the header.
func (self *Document) Export(privateKey ed25519.PrivateKey) ([]byte, error) {
	header := self.Header()
	if !header.HasAllowedUser(PublicKeyOf(privateKey)) {
		return nil, ErrUnauthorized
	}

	headerBytes, err := header.Export()
	if err != nil {
		return nil, err
	}
	content := self.Save()
	return cborEnc.Marshal(&documentWire{
		Header:    headerBytes,
		Content:   content,
		Signature: Sign(privateKey, content),
	})
}

// attempts a header upgrade. Emits `header-updated` and returns true
// on success; returns false without mutation otherwise.
func (self *Document) UpdateHeader(next *DocumentHeader) bool {
	if self.IsDestroyed() {
		return false
	}

	self.mutex.Lock()
	upgraded, err := UpgradeDocumentHeader(self.header, next)
	if err != nil {
		self.mutex.Unlock()
		glog.V(1).Infof("[doc]header upgrade rejected %s = %s\n", self.header.DocumentId(), err)
		return false
	}
	self.header = upgraded
	self.lastAccessed = time.Now()
	self.mutex.Unlock()

	for _, callback := range self.headerCallbacks.Get() {
		func() {
			defer recoverEventPanic("header-updated")
			callback(upgraded)
		}()
	}
	return true
}

// merges another replica of the same document. The other header must
// equal the current one or upgrade it.
func (self *Document) MergeDocument(other *Document) error {
	if self.IsDestroyed() {
		return ErrDestroyed
	}

	otherHeader := other.Header()
	if !self.Header().Equal(otherHeader) {
		if !self.UpdateHeader(otherHeader) {
			return fmt.Errorf("%w: merge refused", ErrHeaderUpgradeRejected)
		}
	}

	self.touch()
	return self.data.Merge(other.data)
}

// sets the destroyed flag, emits `destroyed`, and drops all listeners.
// subsequent mutations fail `ErrDestroyed`; getters keep returning the
// last known state.
func (self *Document) Destroy() {
	self.mutex.Lock()
	if self.destroyed {
		self.mutex.Unlock()
		return
	}
	self.destroyed = true
	self.mutex.Unlock()

	for _, callback := range self.destroyCallbacks.Get() {
		func() {
			defer recoverEventPanic("destroyed")
			callback()
		}()
	}

	self.changeCallbacks.Clear()
	self.patchCallbacks.Clear()
	self.headerCallbacks.Clear()
	self.destroyCallbacks.Clear()
}

func (self *Document) AddChangeCallback(callback func()) func() {
	return self.changeCallbacks.Add(callback)
}

func (self *Document) AddPatchCallback(callback func(*DocumentPatch)) func() {
	return self.patchCallbacks.Add(callback)
}

func (self *Document) AddHeaderCallback(callback func(*DocumentHeader)) func() {
	return self.headerCallbacks.Add(callback)
}

func (self *Document) AddDestroyCallback(callback func()) func() {
	return self.destroyCallbacks.Add(callback)
}
