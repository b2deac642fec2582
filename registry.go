package share

import (
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"

	"inkline.co/share/crdt"
)

// owns the live documents and keeps them persisted. Documents are
// shared by reference; destroy flows through `RemoveDocument`.
type DocumentRegistry struct {
	storage *Storage
	factory crdt.Factory

	mutex     sync.Mutex
	documents map[DocumentId]*Document
	unwatch   map[DocumentId]func()

	addedCallbacks     *CallbackList[func(*Document)]
	updatedCallbacks   *CallbackList[func(*Document)]
	destroyedCallbacks *CallbackList[func(*Document)]
}

func NewDocumentRegistry(storage *Storage, factory crdt.Factory) *DocumentRegistry {
	return &DocumentRegistry{
		storage:            storage,
		factory:            factory,
		documents:          map[DocumentId]*Document{},
		unwatch:            map[DocumentId]func(){},
		addedCallbacks:     NewCallbackList[func(*Document)](),
		updatedCallbacks:   NewCallbackList[func(*Document)](),
		destroyedCallbacks: NewCallbackList[func(*Document)](),
	}
}

// idempotent: a new id is stored and emits `document-added`; a known id
// merges into the existing document and emits `document-updated`.
// the merged-into document is returned.
func (self *DocumentRegistry) SetDocument(document *Document) (*Document, error) {
	documentId := document.DocumentId()

	self.mutex.Lock()
	existing, ok := self.documents[documentId]
	if !ok {
		self.documents[documentId] = document
		self.unwatch[documentId] = self.storage.Watch(document)
	}
	self.mutex.Unlock()

	if ok {
		if existing == document {
			return existing, nil
		}
		if err := existing.MergeDocument(document); err != nil {
			return existing, err
		}
		// keep the stored header current with any upgrade
		if err := self.storage.SetDocument(existing); err != nil {
			glog.Infof("[st]persist update %s = %s\n", documentId, err)
		}
		for _, callback := range self.updatedCallbacks.Get() {
			callback(existing)
		}
		return existing, nil
	}

	if err := self.storage.SetDocument(document); err != nil {
		glog.Infof("[st]persist %s = %s\n", documentId, err)
	}
	glog.V(1).Infof("[dc]document added %s\n", documentId)
	for _, callback := range self.addedCallbacks.Get() {
		callback(document)
	}
	return document, nil
}

// in-memory lookup with storage fall-through. A document found on disk
// is adopted into memory and emits `document-added`.
func (self *DocumentRegistry) FindDocument(documentId DocumentId) (*Document, error) {
	self.mutex.Lock()
	document, ok := self.documents[documentId]
	self.mutex.Unlock()
	if ok {
		return document, nil
	}

	document, err := self.storage.LoadDocument(documentId, self.factory)
	if err != nil {
		return nil, err
	}
	if document == nil {
		return nil, nil
	}

	self.mutex.Lock()
	if existing, ok := self.documents[documentId]; ok {
		// raced another load
		self.mutex.Unlock()
		return existing, nil
	}
	self.documents[documentId] = document
	self.unwatch[documentId] = self.storage.Watch(document)
	self.mutex.Unlock()

	for _, callback := range self.addedCallbacks.Get() {
		callback(document)
	}
	return document, nil
}

// destroys the document and removes its blobs
func (self *DocumentRegistry) RemoveDocument(documentId DocumentId) error {
	self.mutex.Lock()
	document, ok := self.documents[documentId]
	if ok {
		delete(self.documents, documentId)
	}
	unwatch, watched := self.unwatch[documentId]
	if watched {
		delete(self.unwatch, documentId)
	}
	self.mutex.Unlock()

	if watched {
		unwatch()
	}
	if err := self.storage.Remove(documentId); err != nil {
		return err
	}
	if ok {
		document.Destroy()
		for _, callback := range self.destroyedCallbacks.Get() {
			callback(document)
		}
	}
	return nil
}

// all persisted ids, in-memory or not
func (self *DocumentRegistry) ListDocumentIds() ([]DocumentId, error) {
	return self.storage.List()
}

func (self *DocumentRegistry) LiveDocuments() []*Document {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Values(self.documents)
}

// ids of live documents idle for at least maxIdle, for callers that
// implement eviction
func (self *DocumentRegistry) IdleDocumentIds(maxIdle time.Duration) []DocumentId {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	idle := []DocumentId{}
	for documentId, document := range self.documents {
		if maxIdle <= time.Since(document.LastAccessed()) {
			idle = append(idle, documentId)
		}
	}
	return idle
}

func (self *DocumentRegistry) AddDocumentAddedCallback(callback func(*Document)) func() {
	return self.addedCallbacks.Add(callback)
}

func (self *DocumentRegistry) AddDocumentUpdatedCallback(callback func(*Document)) func() {
	return self.updatedCallbacks.Add(callback)
}

func (self *DocumentRegistry) AddDocumentDestroyedCallback(callback func(*Document)) func() {
	return self.destroyedCallbacks.Add(callback)
}
