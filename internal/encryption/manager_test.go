package encryption

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/graphdb-core/internal/common"
)

func TestManager_InitAndUnlock(t *testing.T) {
	dir := t.TempDir()

	m := NewManager(dir)
	require.NoError(t, m.InitFromPassword("correct horse battery staple", nil))

	other := NewManager(dir)
	require.NoError(t, other.Unlock("correct horse battery staple"))
}

func TestManager_UnlockWrongPasswordFails(t *testing.T) {
	dir := t.TempDir()

	m := NewManager(dir)
	require.NoError(t, m.InitFromPassword("right-password", nil))

	other := NewManager(dir)
	err := other.Unlock("wrong-password")
	require.Error(t, err)
	assert.True(t, common.Is(err, common.ErrAuthFailed))
}

func TestManager_EncryptDecryptSegmentRoundtrip(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	require.NoError(t, m.InitFromPassword("pw", nil))

	plaintext := []byte("segment payload bytes")
	ciphertext, nonce, err := m.EncryptSegment(1, plaintext)
	require.NoError(t, err)

	decrypted, err := m.DecryptSegment(1, ciphertext, nonce)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestManager_DecryptTamperedCiphertextFailsIntegrity(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	require.NoError(t, m.InitFromPassword("pw", nil))

	ciphertext, nonce, err := m.EncryptSegment(1, []byte("hello"))
	require.NoError(t, err)
	ciphertext[0] ^= 0xFF

	_, err = m.DecryptSegment(1, ciphertext, nonce)
	require.Error(t, err)
	assert.True(t, common.Is(err, common.ErrIntegrityFailed))
}

func TestManager_RotateMasterPreservesSegmentKeys(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	require.NoError(t, m.InitFromPassword("pw", nil))

	ciphertext, nonce, err := m.EncryptSegment(1, []byte("data"))
	require.NoError(t, err)

	require.NoError(t, m.RotateMaster("new-pw"))

	decrypted, err := m.DecryptSegment(1, ciphertext, nonce)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), decrypted)

	reopened := NewManager(dir)
	require.NoError(t, reopened.Unlock("new-pw"))
}

func TestManager_RevokeDeviceTracksActor(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir)
	require.NoError(t, m.InitFromPassword("pw", nil))

	require.NoError(t, m.RevokeDevice("actor-bad"))
	assert.True(t, m.IsRevoked("actor-bad"))
	assert.False(t, m.IsRevoked("actor-good"))
}
