package share

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-playground/assert/v2"

	"inkline.co/share/crdt"
)

func newTestDocument(t *testing.T, seed byte) *Document {
	privateKey := PrivateKeyFromSeed(testSeed(seed))
	document, err := CreateDocument(
		privateKey,
		nil,
		map[string]string{
			"title": "x",
		},
		&crdt.LWWFactory{},
	)
	assert.Equal(t, err, nil)
	return document
}

// create a doc, apply one change, export, re-import: the state and
// heads survive
func TestDocumentCreateExportImport(t *testing.T) {
	privateKey := PrivateKeyFromSeed(testSeed('a'))
	document := newTestDocument(t, 'a')

	err := document.Update(func(tx crdt.Tx) {
		tx.Put("count", int64(1))
	})
	assert.Equal(t, err, nil)

	exportBytes, err := document.Export(privateKey)
	assert.Equal(t, err, nil)

	imported, err := ImportDocument(exportBytes, &crdt.LWWFactory{})
	assert.Equal(t, err, nil)
	assert.Equal(t, imported.DocumentId(), document.DocumentId())
	assert.Equal(t, imported.Heads(), document.Heads())

	count, ok := imported.Get("count")
	assert.Equal(t, ok, true)
	assert.Equal(t, count, int64(1))
	assert.Equal(t, imported.Header().Metadata()["title"], "x")
}

func TestDocumentExportUnauthorized(t *testing.T) {
	document := newTestDocument(t, 'a')

	strangerKey := PrivateKeyFromSeed(testSeed('b'))
	_, err := document.Export(strangerKey)
	assert.Equal(t, err, ErrUnauthorized)

	// an allowed non-owner can export, and the export re-imports
	ownerKey := PrivateKeyFromSeed(testSeed('a'))
	memberKey := PrivateKeyFromSeed(testSeed('c'))
	next, err := document.Header().Upgraded(
		ownerKey,
		[]PublicKey{PublicKeyOf(memberKey)},
		document.Header().Metadata(),
	)
	assert.Equal(t, err, nil)
	assert.Equal(t, document.UpdateHeader(next), true)

	exportBytes, err := document.Export(memberKey)
	assert.Equal(t, err, nil)
	imported, err := ImportDocument(exportBytes, &crdt.LWWFactory{})
	assert.Equal(t, err, nil)
	assert.Equal(t, imported.Header().Version(), uint64(2))
}

func TestDocumentImportRejectsBadSignature(t *testing.T) {
	privateKey := PrivateKeyFromSeed(testSeed('a'))
	document := newTestDocument(t, 'a')

	exportBytes, err := document.Export(privateKey)
	assert.Equal(t, err, nil)

	var wire documentWire
	assert.Equal(t, cbor.Unmarshal(exportBytes, &wire), nil)

	// signature from a key outside the acl
	strangerKey := PrivateKeyFromSeed(testSeed('z'))
	wire.Signature = Sign(strangerKey, wire.Content)
	forged, err := cborEnc.Marshal(&wire)
	assert.Equal(t, err, nil)

	_, err = ImportDocument(forged, &crdt.LWWFactory{})
	assert.NotEqual(t, err, nil)
}

func TestDocumentEvents(t *testing.T) {
	document := newTestDocument(t, 'a')

	changes := 0
	document.AddChangeCallback(func() {
		changes += 1
	})
	patches := []*DocumentPatch{}
	document.AddPatchCallback(func(patch *DocumentPatch) {
		patches = append(patches, patch)
	})

	err := document.Update(func(tx crdt.Tx) {
		tx.Put("k", "v")
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, changes, 1)
	assert.Equal(t, len(patches), 1)
	assert.Equal(t, patches[0].Patches[0].Key, "k")
	assert.Equal(t, patches[0].Before.Equal(patches[0].After), false)

	// a handler panic is contained and does not block other handlers
	document.AddChangeCallback(func() {
		panic("handler bug")
	})
	err = document.Update(func(tx crdt.Tx) {
		tx.Put("k2", "v2")
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, changes, 2)
}

func TestDocumentHeaderUpdateEvent(t *testing.T) {
	ownerKey := PrivateKeyFromSeed(testSeed('a'))
	document := newTestDocument(t, 'a')

	var updated *DocumentHeader
	document.AddHeaderCallback(func(header *DocumentHeader) {
		updated = header
	})

	memberKey := PrivateKeyFromSeed(testSeed('b'))
	next, err := document.Header().Upgraded(
		ownerKey,
		[]PublicKey{PublicKeyOf(memberKey)},
		nil,
	)
	assert.Equal(t, err, nil)
	assert.Equal(t, document.UpdateHeader(next), true)
	assert.Equal(t, updated.Version(), uint64(2))
	assert.Equal(t, document.Header().Version(), uint64(2))

	// an unrelated version-1 header is refused without mutation
	stale, err := CreateDocumentHeader(ownerKey, nil, nil)
	assert.Equal(t, err, nil)
	assert.Equal(t, document.UpdateHeader(stale), false)
	assert.Equal(t, document.Header().Version(), uint64(2))
}

func TestDocumentMerge(t *testing.T) {
	privateKey := PrivateKeyFromSeed(testSeed('a'))
	document := newTestDocument(t, 'a')
	document.Update(func(tx crdt.Tx) {
		tx.Put("a", int64(1))
	})

	exportBytes, err := document.Export(privateKey)
	assert.Equal(t, err, nil)
	replica, err := ImportDocument(exportBytes, &crdt.LWWFactory{})
	assert.Equal(t, err, nil)
	replica.Update(func(tx crdt.Tx) {
		tx.Put("b", int64(2))
	})

	assert.Equal(t, document.MergeDocument(replica), nil)
	b, ok := document.Get("b")
	assert.Equal(t, ok, true)
	assert.Equal(t, b, int64(2))

	// a replica of a different document never merges
	other := newTestDocument(t, 'a')
	assert.NotEqual(t, document.MergeDocument(other), nil)
}

func TestDocumentDestroy(t *testing.T) {
	document := newTestDocument(t, 'a')
	document.Update(func(tx crdt.Tx) {
		tx.Put("k", "v")
	})

	destroyed := 0
	document.AddDestroyCallback(func() {
		destroyed += 1
	})

	document.Destroy()
	assert.Equal(t, destroyed, 1)
	assert.Equal(t, document.IsDestroyed(), true)

	// destroy is idempotent and listeners are dropped
	document.Destroy()
	assert.Equal(t, destroyed, 1)

	// mutations are refused, getters keep the last known state
	err := document.Update(func(tx crdt.Tx) {
		tx.Put("k", "other")
	})
	assert.Equal(t, err, ErrDestroyed)
	value, ok := document.Get("k")
	assert.Equal(t, ok, true)
	assert.Equal(t, value, "v")
}
