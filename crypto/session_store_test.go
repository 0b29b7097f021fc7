package crypto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStorePersistence(t *testing.T) {
	dir := t.TempDir()

	session := &Session{
		Peer:        "+15550001111",
		Established: time.Now(),
		SendChain:   chainState{Key: [32]byte{0x01}, Next: 4},
		RecvChain:   chainState{Key: [32]byte{0x02}, Next: 7},
		RecvLast:    6,
	}

	{
		secrets, err := NewMasterSecretCache(dir)
		require.NoError(t, err)
		require.NoError(t, secrets.Unlock([]byte("hunter2")))

		store, err := NewFileSessionStore(dir, secrets)
		require.NoError(t, err)

		require.NoError(t, store.StoreSession(session))
		assert.True(t, store.ContainsSession(session.Peer))
	}

	// Reopen with the same passphrase: the same salt derives the same key.
	{
		secrets, err := NewMasterSecretCache(dir)
		require.NoError(t, err)
		require.NoError(t, secrets.Unlock([]byte("hunter2")))

		store, err := NewFileSessionStore(dir, secrets)
		require.NoError(t, err)

		loaded, err := store.LoadSession(session.Peer)
		require.NoError(t, err)
		require.NotNil(t, loaded)
		assert.Equal(t, session.SendChain.Next, loaded.SendChain.Next)
		assert.Equal(t, session.RecvLast, loaded.RecvLast)
	}
}

func TestSessionStoreLockedAccess(t *testing.T) {
	dir := t.TempDir()

	secrets, err := NewMasterSecretCache(dir)
	require.NoError(t, err)

	store, err := NewFileSessionStore(dir, secrets)
	require.NoError(t, err)

	err = store.StoreSession(&Session{Peer: "+15550001111"})
	assert.ErrorIs(t, err, ErrMasterSecretLocked)

	require.NoError(t, secrets.Unlock([]byte("pw")))
	require.NoError(t, store.StoreSession(&Session{Peer: "+15550001111"}))

	secrets.Lock()
	_, err = store.LoadSession("+15550001111")
	assert.ErrorIs(t, err, ErrMasterSecretLocked)
}

func TestDeleteAllSessions(t *testing.T) {
	dir := t.TempDir()

	secrets, err := NewMasterSecretCache(dir)
	require.NoError(t, err)
	require.NoError(t, secrets.Unlock([]byte("pw")))

	store, err := NewFileSessionStore(dir, secrets)
	require.NoError(t, err)

	require.NoError(t, store.StoreSession(&Session{Peer: "peer"}))
	require.True(t, store.ContainsSession("peer"))

	require.NoError(t, store.DeleteAllSessions("peer"))
	assert.False(t, store.ContainsSession("peer"))

	loaded, err := store.LoadSession("peer")
	require.NoError(t, err)
	assert.Nil(t, loaded)

	// Deleting an absent session is not an error.
	assert.NoError(t, store.DeleteAllSessions("peer"))
}

func TestIdentityRegistryPersists(t *testing.T) {
	dir := t.TempDir()
	identity := [32]byte{0xAA, 0xBB}

	{
		secrets, err := NewMasterSecretCache(dir)
		require.NoError(t, err)
		store, err := NewFileSessionStore(dir, secrets)
		require.NoError(t, err)

		require.NoError(t, store.RegisterIdentity("peer", identity))
	}

	{
		secrets, err := NewMasterSecretCache(dir)
		require.NoError(t, err)
		store, err := NewFileSessionStore(dir, secrets)
		require.NoError(t, err)

		got, ok := store.IdentityOf("peer")
		require.True(t, ok)
		assert.Equal(t, identity, got)
	}
}

func TestMasterSecretLockWipes(t *testing.T) {
	dir := t.TempDir()

	secrets, err := NewMasterSecretCache(dir)
	require.NoError(t, err)
	assert.False(t, secrets.Available())

	require.NoError(t, secrets.Unlock([]byte("pw")))
	assert.True(t, secrets.Available())

	key, ok := secrets.Key()
	require.True(t, ok)
	assert.False(t, isZeroKey(key))

	secrets.Lock()
	assert.False(t, secrets.Available())
	_, ok = secrets.Key()
	assert.False(t, ok)
}
