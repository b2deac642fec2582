package share

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/glog"

	"inkline.co/share/crdt"
)

const headerKeyPrefix = "hdr/"
const binaryKeyPrefix = "bin/"

type StorageSettings struct {
	// trailing-edge window for change-triggered saves
	SaveWindow time.Duration
	// background save attempts before surfacing a storage-error event
	SaveRetryCount   int
	SaveRetryTimeout time.Duration
	Clock            clock.Clock
}

func DefaultStorageSettings() *StorageSettings {
	return &StorageSettings{
		SaveWindow:       500 * time.Millisecond,
		SaveRetryCount:   3,
		SaveRetryTimeout: 1 * time.Second,
		Clock:            clock.New(),
	}
}

// content-encrypting persistence for documents:
// `hdr/<id>` holds the raw signed header bytes (plaintext, needed to
// bootstrap before any decryption context exists), `bin/<id>` holds the
// aead-sealed crdt binary with the document id as associated data.
type Storage struct {
	ctx context.Context

	provider StorageProvider
	secure   *SecureStorageProvider

	debouncer *Debouncer
	settings  *StorageSettings

	mutex sync.Mutex
	// serializes writes per document id
	saveLocks map[DocumentId]*sync.Mutex

	errorCallbacks *CallbackList[func(DocumentId, error)]
}

func NewStorageWithDefaults(
	ctx context.Context,
	session *SessionManager,
	provider StorageProvider,
) *Storage {
	return NewStorage(ctx, session, provider, DefaultStorageSettings())
}

func NewStorage(
	ctx context.Context,
	session *SessionManager,
	provider StorageProvider,
	settings *StorageSettings,
) *Storage {
	return &Storage{
		ctx:            ctx,
		provider:       provider,
		secure:         NewSecureStorageProvider(provider, binaryKeyPrefix, session.StorageSecret()),
		debouncer:      NewDebouncer(settings.Clock, settings.SaveWindow),
		settings:       settings,
		saveLocks:      map[DocumentId]*sync.Mutex{},
		errorCallbacks: NewCallbackList[func(DocumentId, error)](),
	}
}

func (self *Storage) saveLock(documentId DocumentId) *sync.Mutex {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	lock, ok := self.saveLocks[documentId]
	if !ok {
		lock = &sync.Mutex{}
		self.saveLocks[documentId] = lock
	}
	return lock
}

// writes the header blob, then the binary blob. A failed binary write
// after a successful header write is left partial; reload yields a
// live document with empty state.
func (self *Storage) SetDocument(document *Document) error {
	documentId := document.DocumentId()
	lock := self.saveLock(documentId)
	lock.Lock()
	defer lock.Unlock()

	headerBytes, err := document.Header().Export()
	if err != nil {
		return err
	}
	if err := self.provider.Put(self.ctx, headerKeyPrefix+documentId, headerBytes); err != nil {
		return err
	}
	return self.secure.Put(self.ctx, documentId, document.Save())
}

// writes only the binary blob
func (self *Storage) Save(document *Document) error {
	documentId := document.DocumentId()
	lock := self.saveLock(documentId)
	lock.Lock()
	defer lock.Unlock()

	return self.secure.Put(self.ctx, documentId, document.Save())
}

// change-triggered save: throttled per document on the trailing edge,
// retried in the background, surfaced as a storage-error event when
// the retries run out
func (self *Storage) ScheduleSave(document *Document) {
	documentId := document.DocumentId()
	self.debouncer.Trigger(documentId, func() {
		go self.saveWithRetry(document)
	})
}

func (self *Storage) saveWithRetry(document *Document) {
	documentId := document.DocumentId()
	var err error
	for i := 0; i < self.settings.SaveRetryCount; i += 1 {
		if i != 0 {
			self.settings.Clock.Sleep(self.settings.SaveRetryTimeout)
		}
		if err = self.Save(document); err == nil {
			glog.V(2).Infof("[st]save %s\n", documentId)
			return
		}
		glog.Infof("[st]save retry %s = %s\n", documentId, err)
	}
	for _, callback := range self.errorCallbacks.Get() {
		callback(documentId, err)
	}
}

// subscribes the document to change-triggered saves.
// destroy flushes the pending save so the final write is kept.
func (self *Storage) Watch(document *Document) func() {
	documentId := document.DocumentId()
	removeChange := document.AddChangeCallback(func() {
		self.ScheduleSave(document)
	})
	removeDestroy := document.AddDestroyCallback(func() {
		self.debouncer.Flush(documentId)
	})
	return func() {
		removeChange()
		removeDestroy()
		self.debouncer.Cancel(documentId)
	}
}

// missing id yields (nil, nil)
func (self *Storage) LoadHeader(documentId DocumentId) (*DocumentHeader, error) {
	headerBytes, ok, err := self.provider.Get(self.ctx, headerKeyPrefix+documentId)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return ImportDocumentHeader(headerBytes)
}

// missing id yields (nil, nil). The value is the decrypted crdt binary.
func (self *Storage) LoadBinary(documentId DocumentId) ([]byte, error) {
	binary, ok, err := self.secure.Get(self.ctx, documentId)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return binary, nil
}

// reassembles a stored document
func (self *Storage) LoadDocument(documentId DocumentId, factory crdt.Factory) (*Document, error) {
	header, err := self.LoadHeader(documentId)
	if err != nil {
		return nil, err
	}
	if header == nil {
		return nil, nil
	}
	binary, err := self.LoadBinary(documentId)
	if err != nil {
		return nil, err
	}
	return NewDocumentFromParts(header, binary, factory)
}

func (self *Storage) Remove(documentId DocumentId) error {
	self.debouncer.Cancel(documentId)

	lock := self.saveLock(documentId)
	lock.Lock()
	defer lock.Unlock()

	if err := self.provider.Remove(self.ctx, headerKeyPrefix+documentId); err != nil {
		return err
	}
	return self.secure.Remove(self.ctx, documentId)
}

func (self *Storage) List() ([]DocumentId, error) {
	keys, err := self.provider.List(self.ctx, headerKeyPrefix)
	if err != nil {
		return nil, err
	}
	documentIds := make([]DocumentId, 0, len(keys))
	for _, key := range keys {
		if len(key) <= len(headerKeyPrefix) {
			continue
		}
		documentIds = append(documentIds, key[len(headerKeyPrefix):])
	}
	return documentIds, nil
}

func (self *Storage) AddErrorCallback(callback func(DocumentId, error)) func() {
	return self.errorCallbacks.Add(callback)
}

// flushes pending throttled saves
func (self *Storage) Close() {
	self.debouncer.Close()
}
