package share

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"io"
	"sync"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// comparable
// long-term identity public key (ed25519)
type PublicKey [32]byte

func PublicKeyFromBytes(keyBytes []byte) (PublicKey, error) {
	if len(keyBytes) != 32 {
		return PublicKey{}, fmt.Errorf("public key must be 32 bytes")
	}
	return PublicKey(keyBytes), nil
}

func RequirePublicKeyFromBytes(keyBytes []byte) PublicKey {
	publicKey, err := PublicKeyFromBytes(keyBytes)
	if err != nil {
		panic(err)
	}
	return publicKey
}

func ParsePublicKey(keyStr string) (PublicKey, error) {
	keyBytes, err := base58.Decode(keyStr)
	if err != nil {
		return PublicKey{}, err
	}
	return PublicKeyFromBytes(keyBytes)
}

func (self PublicKey) Bytes() []byte {
	return self[0:32]
}

func (self PublicKey) String() string {
	return base58.Encode(self[0:32])
}

func NewPrivateKey() (ed25519.PrivateKey, error) {
	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	return privateKey, err
}

// deterministic key for a 32 byte seed
func PrivateKeyFromSeed(seed []byte) ed25519.PrivateKey {
	return ed25519.NewKeyFromSeed(seed)
}

func PublicKeyOf(privateKey ed25519.PrivateKey) PublicKey {
	return PublicKey(privateKey.Public().(ed25519.PublicKey))
}

func Sign(privateKey ed25519.PrivateKey, content []byte) []byte {
	return ed25519.Sign(privateKey, content)
}

func Verify(publicKey PublicKey, content []byte, signature []byte) bool {
	return ed25519.Verify(ed25519.PublicKey(publicKey.Bytes()), content, signature)
}

// x25519 agreement between an ed25519 private key and a remote ed25519
// public key. Both sides derive the same 32 byte symmetric key.
func sharedSecret(privateKey ed25519.PrivateKey, remotePublicKey PublicKey) ([32]byte, error) {
	var key [32]byte

	h := sha512.Sum512(privateKey.Seed())
	xPrivateKey := h[0:32]
	xPrivateKey[0] &= 248
	xPrivateKey[31] &= 127
	xPrivateKey[31] |= 64

	point, err := new(edwards25519.Point).SetBytes(remotePublicKey.Bytes())
	if err != nil {
		return key, fmt.Errorf("%w: bad remote key: %s", ErrCrypto, err)
	}
	xRemotePublicKey := point.BytesMontgomery()

	raw, err := curve25519.X25519(xPrivateKey, xRemotePublicKey)
	if err != nil {
		return key, fmt.Errorf("%w: %s", ErrCrypto, err)
	}

	kdf := hkdf.New(sha256.New, raw, nil, []byte("share peer secret v1"))
	if _, err := io.ReadFull(kdf, key[0:32]); err != nil {
		return key, fmt.Errorf("%w: %s", ErrCrypto, err)
	}
	return key, nil
}

// aead seal with the nonce prepended to the ciphertext
func Seal(key [32]byte, plaintext []byte, associatedData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[0:32])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCrypto, err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCrypto, err)
	}
	return aead.Seal(nonce, nonce, plaintext, associatedData), nil
}

func Open(key [32]byte, sealed []byte, associatedData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[0:32])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCrypto, err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("%w: sealed value too short", ErrCrypto)
	}
	nonce := sealed[0:aead.NonceSize()]
	ciphertext := sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, associatedData)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrCrypto, err)
	}
	return plaintext, nil
}

// client-side ephemeral key set: the long-term identity key, a
// short-term client id, and cached per-peer shared secrets.
// sessions are process-lifetime. `Logout` clears all derived material.
type SessionManager struct {
	privateKey ed25519.PrivateKey
	publicKey  PublicKey

	mutex    sync.Mutex
	clientId Id
	secrets  map[PublicKey][32]byte
}

func NewSessionManager(privateKey ed25519.PrivateKey) *SessionManager {
	return &SessionManager{
		privateKey: privateKey,
		publicKey:  PublicKeyOf(privateKey),
		clientId:   NewId(),
		secrets:    map[PublicKey][32]byte{},
	}
}

func (self *SessionManager) PrivateKey() ed25519.PrivateKey {
	return self.privateKey
}

func (self *SessionManager) PublicKey() PublicKey {
	return self.publicKey
}

func (self *SessionManager) ClientId() Id {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.clientId
}

func (self *SessionManager) Sign(content []byte) []byte {
	return Sign(self.privateKey, content)
}

func (self *SessionManager) SharedSecret(remotePublicKey PublicKey) ([32]byte, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if secret, ok := self.secrets[remotePublicKey]; ok {
		return secret, nil
	}
	secret, err := sharedSecret(self.privateKey, remotePublicKey)
	if err != nil {
		return secret, err
	}
	self.secrets[remotePublicKey] = secret
	return secret, nil
}

// per-process secret for the storage pipeline. Derived from the
// identity seed so that the same user can reopen their store.
func (self *SessionManager) StorageSecret() [32]byte {
	var key [32]byte
	kdf := hkdf.New(sha256.New, self.privateKey.Seed(), nil, []byte("share storage secret v1"))
	if _, err := io.ReadFull(kdf, key[0:32]); err != nil {
		panic(err)
	}
	return key
}

// drops cached shared secrets and rotates the client id
func (self *SessionManager) Logout() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.secrets = map[PublicKey][32]byte{}
	self.clientId = NewId()
}
