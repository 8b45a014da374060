package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreLoadsCredential(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credential.json")
	cred, err := WriteCredential(path, "hunter2")
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm(), "credential file must be owner-only")

	store, err := NewStore(path)
	require.NoError(t, err)
	defer store.Close()

	assert.True(t, store.Loaded())

	salt, err := store.Salt()
	require.NoError(t, err)
	assert.Equal(t, cred.Salt, salt)

	fingerprint, err := store.Fingerprint()
	require.NoError(t, err)
	assert.Len(t, fingerprint, 16)

	var keyLen int
	require.NoError(t, store.WithKey(func(key []byte) {
		keyLen = len(key)
	}))
	assert.Equal(t, 32, keyLen)
}

func TestStoreStartsEmptyWithoutFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.json")

	store, err := NewStore(path)
	require.NoError(t, err)
	defer store.Close()

	assert.False(t, store.Loaded())
	assert.ErrorIs(t, store.WithKey(func([]byte) {}), ErrMissingCredential)
	_, err = store.Salt()
	assert.ErrorIs(t, err, ErrMissingCredential)
}

// TestStoreReloadsOnRotation verifies a replaced credential file takes
// effect without a restart.
func TestStoreReloadsOnRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credential.json")
	_, err := WriteCredential(path, "first secret")
	require.NoError(t, err)

	store, err := NewStore(path)
	require.NoError(t, err)
	defer store.Close()

	before, err := store.Fingerprint()
	require.NoError(t, err)

	_, err = WriteCredential(path, "second secret")
	require.NoError(t, err)

	// The watcher picks the change up asynchronously.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		after, err := store.Fingerprint()
		if err == nil && after != before {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("credential rotation never took effect")
}

// TestStoreFailsClosedOnRemoval verifies a deleted credential file disables
// authentication instead of keeping the stale key.
func TestStoreFailsClosedOnRemoval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credential.json")
	_, err := WriteCredential(path, "hunter2")
	require.NoError(t, err)

	store, err := NewStore(path)
	require.NoError(t, err)
	defer store.Close()
	require.True(t, store.Loaded())

	require.NoError(t, os.Remove(path))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if !store.Loaded() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("store kept the key after the credential file was removed")
}
