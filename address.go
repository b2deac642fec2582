package share

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/mr-tron/base58"
)

// base58 of sha256(owner_pubkey || nonce)
type DocumentId = string

// immutable document identity: the owner public key plus a random
// 16 byte nonce. The document id is the hash of the two.
type Address struct {
	Owner PublicKey
	Nonce [16]byte

	// cached base58 form
	documentId DocumentId
}

func NewAddress(owner PublicKey) (*Address, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[0:16]); err != nil {
		return nil, err
	}
	return addressOf(owner, nonce), nil
}

func AddressFromParts(owner PublicKey, nonce [16]byte) *Address {
	return addressOf(owner, nonce)
}

func addressOf(owner PublicKey, nonce [16]byte) *Address {
	hash := sha256.Sum256(append(owner.Bytes(), nonce[0:16]...))
	return &Address{
		Owner:      owner,
		Nonce:      nonce,
		documentId: base58.Encode(hash[0:32]),
	}
}

func AddressFromBytes(addressBytes []byte) (*Address, error) {
	if len(addressBytes) != 48 {
		return nil, fmt.Errorf("address must be 48 bytes")
	}
	owner, err := PublicKeyFromBytes(addressBytes[0:32])
	if err != nil {
		return nil, err
	}
	var nonce [16]byte
	copy(nonce[0:16], addressBytes[32:48])
	return addressOf(owner, nonce), nil
}

func (self *Address) Bytes() []byte {
	return append(self.Owner.Bytes(), self.Nonce[0:16]...)
}

func (self *Address) DocumentId() DocumentId {
	return self.documentId
}

func (self *Address) Equal(other *Address) bool {
	if other == nil {
		return false
	}
	return self.Owner == other.Owner && self.Nonce == other.Nonce
}

func (self *Address) String() string {
	return self.documentId
}
