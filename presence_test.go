package share

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/stretchr/testify/require"
)

func TestPresenceExchange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newPeerTestEnv(t, ctx)
	defer env.close()

	documentId := DocumentId("doc-1")

	aPresence := NewDocumentPresence(documentId, env.aSignaling.Session(), env.aManager)
	defer aPresence.Close()
	bPresence := NewDocumentPresence(documentId, env.bSignaling.Session(), env.bManager)
	defer bPresence.Close()

	var mutex sync.Mutex
	bUpdates := []*RemotePresence{}
	bPresence.AddUpdateCallback(func(update *RemotePresence) {
		mutex.Lock()
		defer mutex.Unlock()
		bUpdates = append(bUpdates, update)
	})

	_, err := env.aManager.CreatePeer(documentId, env.bAddr())
	require.NoError(t, err)

	ok := waitFor(2*time.Second, func() bool {
		return len(env.aManager.Peers(documentId)) == 1 &&
			env.aManager.Peers(documentId)[0].IsConnected()
	})
	require.True(t, ok)

	aPresence.SetLocalState(map[string]any{
		"cursor": "12,7",
	})

	ok = waitFor(2*time.Second, func() bool {
		mutex.Lock()
		defer mutex.Unlock()
		return len(bUpdates) == 1
	})
	require.True(t, ok)

	mutex.Lock()
	assert.Equal(t, bUpdates[0].Remote.PublicKey, env.aSignaling.Session().PublicKey())
	assert.Equal(t, bUpdates[0].State["cursor"], "12,7")
	mutex.Unlock()

	remotes := bPresence.Remotes()
	assert.Equal(t, len(remotes), 1)
	assert.Equal(t, remotes[0].State["cursor"], "12,7")

	// a newer state replaces the previous one
	aPresence.SetLocalState(map[string]any{
		"cursor": "1,1",
	})
	ok = waitFor(2*time.Second, func() bool {
		remotes := bPresence.Remotes()
		return len(remotes) == 1 && remotes[0].State["cursor"] == "1,1"
	})
	require.True(t, ok)
}

func TestPresenceClearsOnPeerClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env := newPeerTestEnv(t, ctx)
	defer env.close()

	documentId := DocumentId("doc-1")

	aPresence := NewDocumentPresence(documentId, env.aSignaling.Session(), env.aManager)
	defer aPresence.Close()
	bPresence := NewDocumentPresence(documentId, env.bSignaling.Session(), env.bManager)
	defer bPresence.Close()

	_, err := env.aManager.CreatePeer(documentId, env.bAddr())
	require.NoError(t, err)

	aPresence.SetLocalState(map[string]any{
		"cursor": "3,4",
	})
	ok := waitFor(2*time.Second, func() bool {
		return len(bPresence.Remotes()) == 1
	})
	require.True(t, ok)

	// the presence entry goes away with the peer
	env.aManager.DestroyPeer(documentId, env.bAddr())
	ok = waitFor(2*time.Second, func() bool {
		return len(bPresence.Remotes()) == 0
	})
	require.True(t, ok)
}
