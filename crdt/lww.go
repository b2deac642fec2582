package crdt

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// decode integers as int64 so values survive a save/load round trip
// with the same dynamic type
var lwwDec cbor.DecMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		IntDec: cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// one entry of the replicated op log
type lwwOp struct {
	Actor   string `cbor:"a"`
	Seq     uint64 `cbor:"s"`
	Lamport uint64 `cbor:"l"`
	Key     string `cbor:"k"`
	Value   []byte `cbor:"v,omitempty"`
	Delete  bool   `cbor:"d,omitempty"`
}

type lwwEntry struct {
	value   any
	lamport uint64
	actor   string
	deleted bool
}

type lwwSave struct {
	Ops []lwwOp `cbor:"ops"`
}

type lwwSyncMessage struct {
	VV  map[string]uint64 `cbor:"vv"`
	Ops []lwwOp           `cbor:"ops,omitempty"`
}

// operation-based last-writer-wins map document.
// Each replica appends ops under its own actor id; conflicts resolve by
// (lamport, actor) order. Convergent: applying the same op set in any
// order yields the same state.
type LWWDoc struct {
	mutex sync.Mutex

	actor   string
	seq     uint64
	lamport uint64

	// per actor, ordered by seq
	ops map[string][]lwwOp
	// max seq per actor
	vv map[string]uint64

	state map[string]*lwwEntry

	patchCallback PatchFunc
}

func NewLWWDoc(patchCallback PatchFunc) *LWWDoc {
	actorBytes := make([]byte, 8)
	if _, err := rand.Read(actorBytes); err != nil {
		panic(err)
	}
	return &LWWDoc{
		actor:         hex.EncodeToString(actorBytes),
		ops:           map[string][]lwwOp{},
		vv:            map[string]uint64{},
		state:         map[string]*lwwEntry{},
		patchCallback: patchCallback,
	}
}

func LoadLWWDoc(saved []byte, patchCallback PatchFunc) (*LWWDoc, error) {
	doc := NewLWWDoc(patchCallback)
	if err := doc.LoadIncremental(saved); err != nil {
		return nil, err
	}
	return doc, nil
}

// factory over the built-in doc
type LWWFactory struct{}

func (self *LWWFactory) Init(patchCallback PatchFunc) Doc {
	return NewLWWDoc(patchCallback)
}

func (self *LWWFactory) Load(saved []byte, patchCallback PatchFunc) (Doc, error) {
	return LoadLWWDoc(saved, patchCallback)
}

func (self *LWWDoc) Save() []byte {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.saveLocked()
}

func (self *LWWDoc) LoadIncremental(saved []byte) error {
	var decoded lwwSave
	if err := lwwDec.Unmarshal(saved, &decoded); err != nil {
		return fmt.Errorf("load incremental: %w", err)
	}
	self.mutex.Lock()
	emit := self.applyOpsLocked(decoded.Ops)
	self.mutex.Unlock()
	emit()
	return nil
}

func (self *LWWDoc) Clone() Doc {
	self.mutex.Lock()
	saved := self.saveLocked()
	self.mutex.Unlock()

	doc, err := LoadLWWDoc(saved, nil)
	if err != nil {
		panic(err)
	}
	return doc
}

func (self *LWWDoc) Merge(other Doc) error {
	return self.LoadIncremental(other.Save())
}

func (self *LWWDoc) Heads() Heads {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.headsLocked()
}

func (self *LWWDoc) Change(fn func(tx Tx)) error {
	return self.change(fn)
}

// the lww doc does not keep historical states.
// changes root at the current state regardless of heads.
func (self *LWWDoc) ChangeAt(heads Heads, fn func(tx Tx)) error {
	return self.change(fn)
}

func (self *LWWDoc) change(fn func(tx Tx)) error {
	self.mutex.Lock()

	tx := &lwwTx{
		doc: self,
	}
	fn(tx)

	if len(tx.ops) == 0 {
		self.mutex.Unlock()
		return nil
	}

	emit := self.applyOpsLocked(tx.ops)
	self.mutex.Unlock()
	emit()
	return nil
}

func (self *LWWDoc) Get(key string) (any, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	entry, ok := self.state[key]
	if !ok || entry.deleted {
		return nil, false
	}
	return entry.value, true
}

func (self *LWWDoc) Keys() []string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	keys := make([]string, 0, len(self.state))
	for key, entry := range self.state {
		if !entry.deleted {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (self *LWWDoc) NewSyncState() SyncState {
	return &lwwSyncState{
		doc:    self,
		sentVV: map[string]uint64{},
	}
}

// encode values through cbor once so that a live doc and a reloaded doc
// hold identical dynamic types
func encodeValue(value any) []byte {
	valueBytes, err := cbor.Marshal(value)
	if err != nil {
		panic(fmt.Sprintf("unsupported value: %v", err))
	}
	return valueBytes
}

func decodeValue(valueBytes []byte) any {
	var value any
	if err := lwwDec.Unmarshal(valueBytes, &value); err != nil {
		panic(fmt.Sprintf("corrupt value: %v", err))
	}
	return value
}

func (self *LWWDoc) saveLocked() []byte {
	saved, err := cbor.Marshal(&lwwSave{
		Ops: self.allOpsLocked(),
	})
	if err != nil {
		panic(err)
	}
	return saved
}

func (self *LWWDoc) allOpsLocked() []lwwOp {
	actors := make([]string, 0, len(self.ops))
	for actor := range self.ops {
		actors = append(actors, actor)
	}
	sort.Strings(actors)

	all := []lwwOp{}
	for _, actor := range actors {
		all = append(all, self.ops[actor]...)
	}
	return all
}

func (self *LWWDoc) headsLocked() Heads {
	heads := make(Heads, 0, len(self.vv))
	for actor, seq := range self.vv {
		heads = append(heads, fmt.Sprintf("%s:%d", actor, seq))
	}
	sort.Strings(heads)
	return heads
}

// appends and applies ops, skipping ones already present.
// returns an emit function for the patch callback; run it after
// releasing the doc mutex so patch handlers can read the doc.
func (self *LWWDoc) applyOpsLocked(ops []lwwOp) func() {
	before := self.headsLocked()
	patches := []Patch{}

	for _, op := range ops {
		if op.Seq <= self.vv[op.Actor] {
			// already have it
			continue
		}
		self.ops[op.Actor] = append(self.ops[op.Actor], op)
		self.vv[op.Actor] = op.Seq
		if self.lamport < op.Lamport {
			self.lamport = op.Lamport
		}

		if patch, changed := self.applyStateLocked(op); changed {
			patches = append(patches, patch)
		}
	}

	if len(patches) == 0 || self.patchCallback == nil {
		return func() {}
	}
	after := self.headsLocked()
	patchCallback := self.patchCallback
	return func() {
		patchCallback(before, after, patches)
	}
}

func (self *LWWDoc) applyStateLocked(op lwwOp) (Patch, bool) {
	current, ok := self.state[op.Key]
	if ok {
		// last writer wins by (lamport, actor)
		if op.Lamport < current.lamport {
			return Patch{}, false
		}
		if op.Lamport == current.lamport && op.Actor <= current.actor {
			return Patch{}, false
		}
	}

	if op.Delete {
		self.state[op.Key] = &lwwEntry{
			lamport: op.Lamport,
			actor:   op.Actor,
			deleted: true,
		}
		if !ok || current.deleted {
			return Patch{}, false
		}
		return Patch{
			Action: "delete",
			Key:    op.Key,
		}, true
	}

	value := decodeValue(op.Value)
	self.state[op.Key] = &lwwEntry{
		value:   value,
		lamport: op.Lamport,
		actor:   op.Actor,
	}
	return Patch{
		Action: "put",
		Key:    op.Key,
		Value:  value,
	}, true
}

// change transaction. Records ops; they apply when the function returns.
type lwwTx struct {
	doc *LWWDoc
	ops []lwwOp
}

func (self *lwwTx) Get(key string) (any, bool) {
	// reads see pending writes from the same tx
	for i := len(self.ops) - 1; 0 <= i; i -= 1 {
		if self.ops[i].Key == key {
			if self.ops[i].Delete {
				return nil, false
			}
			return decodeValue(self.ops[i].Value), true
		}
	}
	entry, ok := self.doc.state[key]
	if !ok || entry.deleted {
		return nil, false
	}
	return entry.value, true
}

func (self *lwwTx) Put(key string, value any) {
	self.doc.lamport += 1
	self.doc.seq += 1
	self.ops = append(self.ops, lwwOp{
		Actor:   self.doc.actor,
		Seq:     self.doc.seq,
		Lamport: self.doc.lamport,
		Key:     key,
		Value:   encodeValue(value),
	})
}

func (self *lwwTx) Delete(key string) {
	self.doc.lamport += 1
	self.doc.seq += 1
	self.ops = append(self.ops, lwwOp{
		Actor:   self.doc.actor,
		Seq:     self.doc.seq,
		Lamport: self.doc.lamport,
		Key:     key,
		Delete:  true,
	})
}

func (self *lwwTx) Keys() []string {
	keys := map[string]bool{}
	for key, entry := range self.doc.state {
		if !entry.deleted {
			keys[key] = true
		}
	}
	for _, op := range self.ops {
		if op.Delete {
			delete(keys, op.Key)
		} else {
			keys[op.Key] = true
		}
	}
	out := make([]string, 0, len(keys))
	for key := range keys {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// sync driver for one peer. Tracks what the remote holds and what was
// last advertised, so repeated generate calls do not resend ops.
type lwwSyncState struct {
	doc *LWWDoc

	mutex sync.Mutex
	// the opening message has been produced
	offered bool
	// remote's version vector from the last received message
	remoteVV map[string]uint64
	// our version vector as of the last sent message
	sentVV map[string]uint64
}

func (self *lwwSyncState) GenerateMessage() ([]byte, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.doc.mutex.Lock()
	vv := map[string]uint64{}
	for actor, seq := range self.doc.vv {
		vv[actor] = seq
	}

	// send ops the remote is missing and was not already sent.
	// deliveries are reliable and ordered per peer, so sent ops are
	// counted as known even before the remote confirms them.
	known := func(actor string) uint64 {
		seq := self.remoteVV[actor]
		if sent, ok := self.sentVV[actor]; ok && seq < sent {
			seq = sent
		}
		return seq
	}
	ops := []lwwOp{}
	for actor, actorOps := range self.doc.ops {
		from := known(actor)
		for _, op := range actorOps {
			if from < op.Seq {
				ops = append(ops, op)
			}
		}
	}
	self.doc.mutex.Unlock()

	if self.offered && len(ops) == 0 && vvEqual(vv, self.sentVV) {
		return nil, false
	}
	self.offered = true

	message, err := cbor.Marshal(&lwwSyncMessage{
		VV:  vv,
		Ops: ops,
	})
	if err != nil {
		panic(err)
	}
	self.sentVV = vv
	return message, true
}

func (self *lwwSyncState) ReceiveMessage(message []byte) error {
	var decoded lwwSyncMessage
	if err := lwwDec.Unmarshal(message, &decoded); err != nil {
		return fmt.Errorf("receive sync message: %w", err)
	}

	self.doc.mutex.Lock()
	emit := self.doc.applyOpsLocked(decoded.Ops)
	self.doc.mutex.Unlock()
	emit()

	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.remoteVV == nil {
		self.remoteVV = map[string]uint64{}
	}
	for actor, seq := range decoded.VV {
		if self.remoteVV[actor] < seq {
			self.remoteVV[actor] = seq
		}
	}
	// ops in the message advance the remote past its advertised vv
	for _, op := range decoded.Ops {
		if self.remoteVV[op.Actor] < op.Seq {
			self.remoteVV[op.Actor] = op.Seq
		}
	}
	return nil
}

func vvEqual(a map[string]uint64, b map[string]uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for actor, seq := range a {
		if b[actor] != seq {
			return false
		}
	}
	return true
}
