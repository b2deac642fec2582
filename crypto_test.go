package share

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestSignVerify(t *testing.T) {
	privateKey := PrivateKeyFromSeed(testSeed('a'))
	publicKey := PublicKeyOf(privateKey)

	content := []byte("whiteboard")
	signature := Sign(privateKey, content)
	assert.Equal(t, Verify(publicKey, content, signature), true)
	assert.Equal(t, Verify(publicKey, []byte("other"), signature), false)

	otherKey := PublicKeyOf(PrivateKeyFromSeed(testSeed('b')))
	assert.Equal(t, Verify(otherKey, content, signature), false)
}

func TestSharedSecretSymmetry(t *testing.T) {
	aKey := PrivateKeyFromSeed(testSeed('a'))
	bKey := PrivateKeyFromSeed(testSeed('b'))

	ab, err := sharedSecret(aKey, PublicKeyOf(bKey))
	assert.Equal(t, err, nil)
	ba, err := sharedSecret(bKey, PublicKeyOf(aKey))
	assert.Equal(t, err, nil)
	assert.Equal(t, ab, ba)

	// a third party derives something else
	cKey := PrivateKeyFromSeed(testSeed('c'))
	cb, err := sharedSecret(cKey, PublicKeyOf(bKey))
	assert.Equal(t, err, nil)
	assert.NotEqual(t, cb, ab)
}

func TestSealOpen(t *testing.T) {
	aKey := PrivateKeyFromSeed(testSeed('a'))
	bKey := PrivateKeyFromSeed(testSeed('b'))
	secret, err := sharedSecret(aKey, PublicKeyOf(bKey))
	assert.Equal(t, err, nil)

	plaintext := []byte("per recipient payload")
	aad := []byte("doc-1")

	sealed, err := Seal(secret, plaintext, aad)
	assert.Equal(t, err, nil)
	assert.NotEqual(t, sealed, plaintext)

	opened, err := Open(secret, sealed, aad)
	assert.Equal(t, err, nil)
	assert.Equal(t, opened, plaintext)

	// wrong associated data fails
	_, err = Open(secret, sealed, []byte("doc-2"))
	assert.NotEqual(t, err, nil)

	// wrong key fails
	otherSecret, err := sharedSecret(PrivateKeyFromSeed(testSeed('c')), PublicKeyOf(bKey))
	assert.Equal(t, err, nil)
	_, err = Open(otherSecret, sealed, aad)
	assert.NotEqual(t, err, nil)

	// truncated box fails cleanly
	_, err = Open(secret, sealed[0:8], aad)
	assert.NotEqual(t, err, nil)
}

func TestSessionManager(t *testing.T) {
	session := NewSessionManager(PrivateKeyFromSeed(testSeed('a')))
	remote := PublicKeyOf(PrivateKeyFromSeed(testSeed('b')))

	secret1, err := session.SharedSecret(remote)
	assert.Equal(t, err, nil)
	secret2, err := session.SharedSecret(remote)
	assert.Equal(t, err, nil)
	assert.Equal(t, secret1, secret2)

	// storage secret is stable for the identity and distinct from
	// peer secrets
	assert.Equal(t, session.StorageSecret(), session.StorageSecret())
	assert.NotEqual(t, session.StorageSecret(), secret1)

	clientId := session.ClientId()
	session.Logout()
	assert.NotEqual(t, session.ClientId(), clientId)
}
