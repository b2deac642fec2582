package share

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"slices"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// deterministic encoding so that signatures over the canonical form
// are stable across implementations
var cborEnc cbor.EncMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// canonical header layout:
// [address_bytes, owner_pubkey, version, sorted_allowed_users, metadata, owner_signature]
type headerWire struct {
	_            struct{} `cbor:",toarray"`
	Address      []byte
	Owner        []byte
	Version      uint64
	AllowedUsers [][]byte
	Metadata     map[string]string
	Signature    []byte
}

type headerBody struct {
	_            struct{} `cbor:",toarray"`
	Address      []byte
	Owner        []byte
	Version      uint64
	AllowedUsers [][]byte
	Metadata     map[string]string
}

// signed authorization envelope for one document.
// immutable once created. Replacement goes through `UpgradeDocumentHeader`.
type DocumentHeader struct {
	address      *Address
	owner        PublicKey
	version      uint64
	allowedUsers map[PublicKey]bool
	metadata     map[string]string
	signature    []byte
}

// creates a version 1 header for a new document owned by the key.
// the owner is always an allowed user.
func CreateDocumentHeader(
	privateKey ed25519.PrivateKey,
	allowedUsers []PublicKey,
	metadata map[string]string,
) (*DocumentHeader, error) {
	owner := PublicKeyOf(privateKey)
	address, err := NewAddress(owner)
	if err != nil {
		return nil, err
	}
	return newSignedHeader(privateKey, address, 1, allowedUsers, metadata)
}

func newSignedHeader(
	privateKey ed25519.PrivateKey,
	address *Address,
	version uint64,
	allowedUsers []PublicKey,
	metadata map[string]string,
) (*DocumentHeader, error) {
	owner := PublicKeyOf(privateKey)

	users := map[PublicKey]bool{
		owner: true,
	}
	for _, user := range allowedUsers {
		users[user] = true
	}

	header := &DocumentHeader{
		address:      address,
		owner:        owner,
		version:      version,
		allowedUsers: users,
		metadata:     copyMetadata(metadata),
	}
	body, err := cborEnc.Marshal(header.body())
	if err != nil {
		return nil, err
	}
	header.signature = Sign(privateKey, body)
	return header, nil
}

// decodes and verifies a header. The signature must verify under the
// declared owner or the import fails with `ErrInvalidHeader`.
func ImportDocumentHeader(headerBytes []byte) (*DocumentHeader, error) {
	var wire headerWire
	if err := cbor.Unmarshal(headerBytes, &wire); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidHeader, err)
	}

	address, err := AddressFromBytes(wire.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidHeader, err)
	}
	owner, err := PublicKeyFromBytes(wire.Owner)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidHeader, err)
	}

	users := map[PublicKey]bool{}
	for _, userBytes := range wire.AllowedUsers {
		user, err := PublicKeyFromBytes(userBytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidHeader, err)
		}
		users[user] = true
	}
	if !users[owner] {
		return nil, fmt.Errorf("%w: owner not in allowed users", ErrInvalidHeader)
	}

	header := &DocumentHeader{
		address:      address,
		owner:        owner,
		version:      wire.Version,
		allowedUsers: users,
		metadata:     copyMetadata(wire.Metadata),
		signature:    wire.Signature,
	}

	body, err := cborEnc.Marshal(header.body())
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidHeader, err)
	}
	if !Verify(owner, body, wire.Signature) {
		return nil, fmt.Errorf("%w: bad signature", ErrInvalidHeader)
	}
	return header, nil
}

// enforces the upgrade rules between a current and a candidate header:
// same address, strictly greater version, valid signature under the
// current owner. Returns the candidate or fails `ErrHeaderUpgradeRejected`
// without mutating either header. On equal version the current header wins.
func UpgradeDocumentHeader(current *DocumentHeader, next *DocumentHeader) (*DocumentHeader, error) {
	if !current.address.Equal(next.address) {
		return nil, fmt.Errorf("%w: address mismatch", ErrHeaderUpgradeRejected)
	}
	if next.version <= current.version {
		return nil, fmt.Errorf(
			"%w: version %d <= %d",
			ErrHeaderUpgradeRejected,
			next.version,
			current.version,
		)
	}
	body, err := cborEnc.Marshal(next.body())
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrHeaderUpgradeRejected, err)
	}
	if !Verify(current.owner, body, next.signature) {
		return nil, fmt.Errorf("%w: bad signature", ErrHeaderUpgradeRejected)
	}
	return next, nil
}

func (self *DocumentHeader) body() *headerBody {
	return &headerBody{
		Address:      self.address.Bytes(),
		Owner:        self.owner.Bytes(),
		Version:      self.version,
		AllowedUsers: self.sortedAllowedUsers(),
		Metadata:     self.metadata,
	}
}

// sorted by raw byte order to make the signature deterministic
func (self *DocumentHeader) sortedAllowedUsers() [][]byte {
	users := make([][]byte, 0, len(self.allowedUsers))
	for user := range self.allowedUsers {
		users = append(users, user.Bytes())
	}
	sort.Slice(users, func(i int, j int) bool {
		return bytes.Compare(users[i], users[j]) < 0
	})
	return users
}

// canonical encoding, suitable for re-import
func (self *DocumentHeader) Export() ([]byte, error) {
	return cborEnc.Marshal(&headerWire{
		Address:      self.address.Bytes(),
		Owner:        self.owner.Bytes(),
		Version:      self.version,
		AllowedUsers: self.sortedAllowedUsers(),
		Metadata:     self.metadata,
		Signature:    self.signature,
	})
}

func RequireExportHeader(header *DocumentHeader) []byte {
	headerBytes, err := header.Export()
	if err != nil {
		panic(err)
	}
	return headerBytes
}

// verifies a content signature under the header owner
func (self *DocumentHeader) VerifySignature(content []byte, signature []byte) bool {
	return Verify(self.owner, content, signature)
}

func (self *DocumentHeader) HasAllowedUser(publicKey PublicKey) bool {
	return self.allowedUsers[publicKey]
}

func (self *DocumentHeader) Address() *Address {
	return self.address
}

func (self *DocumentHeader) DocumentId() DocumentId {
	return self.address.DocumentId()
}

func (self *DocumentHeader) Owner() PublicKey {
	return self.owner
}

func (self *DocumentHeader) Version() uint64 {
	return self.version
}

func (self *DocumentHeader) AllowedUsers() []PublicKey {
	users := make([]PublicKey, 0, len(self.allowedUsers))
	for user := range self.allowedUsers {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a PublicKey, b PublicKey) int {
		return bytes.Compare(a.Bytes(), b.Bytes())
	})
	return users
}

func (self *DocumentHeader) Metadata() map[string]string {
	return copyMetadata(self.metadata)
}

func (self *DocumentHeader) Equal(other *DocumentHeader) bool {
	if other == nil {
		return false
	}
	return self.address.Equal(other.address) &&
		self.version == other.version &&
		bytes.Equal(self.signature, other.signature)
}

// signs a replacement header with the next version number.
// only the owner key can produce an acceptable upgrade.
func (self *DocumentHeader) Upgraded(
	privateKey ed25519.PrivateKey,
	allowedUsers []PublicKey,
	metadata map[string]string,
) (*DocumentHeader, error) {
	if PublicKeyOf(privateKey) != self.owner {
		return nil, ErrUnauthorized
	}
	return newSignedHeader(privateKey, self.address, self.version+1, allowedUsers, metadata)
}

func copyMetadata(metadata map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range metadata {
		out[k] = v
	}
	return out
}
