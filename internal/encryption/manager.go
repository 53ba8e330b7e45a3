// Package encryption implements the at-rest encryption layer (spec
// §4.4): an Argon2id key derived from the password wraps a randomly
// generated master key, the master key wraps per-segment keys, and those
// in turn seal segment payloads with AES-256-GCM.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"

	"github.com/cuemby/graphdb-core/internal/common"
)

const (
	keySize   = 32 // AES-256
	nonceSize = 12 // standard GCM nonce
	saltSize  = 16
)

var canaryPlaintext = []byte("graphdb-core:encryption-canary")

// Manager implements the encryption layer's exposed operations:
// init_from_password, unlock, rotate_master, revoke_device,
// encrypt_segment, decrypt_segment.
type Manager struct {
	mu       sync.RWMutex
	dataDir  string
	meta     Metadata
	password []byte // retained in memory only while unlocked, needed by revoke_device's implicit re-derivation
	master   []byte // unwrapped random master key, in memory only
	unlocked bool
}

func NewManager(dataDir string) *Manager {
	return &Manager{dataDir: dataDir}
}

// Enabled reports whether this store has ever been initialized for
// encryption.
func (m *Manager) Enabled() bool {
	_, err := loadMetadata(m.dataDir)
	return err == nil
}

// InitFromPassword derives a key-encryption key from password (and
// salt, or a fresh CSPRNG salt if nil), generates a random master key
// wrapped under it, and persists the store's encryption metadata. Never
// persists the derived key or password in cleartext.
func (m *Manager) InitFromPassword(password string, salt []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if salt == nil {
		salt = make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return common.WrapError(common.ErrAuthFailed, "encryption: generate salt", err)
		}
	}

	params := DefaultParams()
	kek := deriveKEK(password, salt, params)

	masterKey := make([]byte, keySize)
	if _, err := rand.Read(masterKey); err != nil {
		return common.WrapError(common.ErrAuthFailed, "encryption: generate master key", err)
	}
	masterKeyID := newKeyID()

	wrappedMaster, err := seal(kek, masterKeyID, masterKey)
	if err != nil {
		return common.WrapError(common.ErrAuthFailed, "encryption: wrap master key", err)
	}

	canary, err := seal(masterKey, masterKeyID, canaryPlaintext)
	if err != nil {
		return common.WrapError(common.ErrAuthFailed, "encryption: seal canary", err)
	}

	meta := Metadata{
		MasterSalt:    salt,
		ArgonParams:   params,
		MasterKeyID:   masterKeyID,
		WrappedMaster: wrappedMaster,
		Canary:        canary,
		SegmentKeys:   map[string]WrappedKey{},
	}
	if err := saveMetadata(m.dataDir, meta); err != nil {
		return common.WrapError(common.ErrWriteFailed, "encryption: persist metadata", err)
	}

	m.meta = meta
	m.password = []byte(password)
	m.master = masterKey
	m.unlocked = true
	return nil
}

// Unlock loads the store's encryption metadata and re-derives the
// master key from password, verifying it against the stored canary.
func (m *Manager) Unlock(password string) error {
	meta, err := loadMetadata(m.dataDir)
	if err != nil {
		return common.WrapError(common.ErrAuthFailed, "encryption: load metadata", err)
	}

	kek := deriveKEK(password, meta.MasterSalt, meta.ArgonParams)
	masterKey, err := open(kek, meta.WrappedMaster)
	if err != nil {
		return common.NewError(common.ErrAuthFailed, "encryption: wrong password")
	}
	if _, err := open(masterKey, meta.Canary); err != nil {
		return common.NewError(common.ErrAuthFailed, "encryption: canary verification failed")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta = meta
	m.password = []byte(password)
	m.master = masterKey
	m.unlocked = true
	return nil
}

// RotateMaster generates a fresh master key, re-wraps every known
// segment key under it, and atomically swaps the metadata file so a
// crash mid-rotation leaves either the old or the new state, never a
// mix (spec §4.4 "Rotation").
func (m *Manager) RotateMaster(newPassword string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.unlocked {
		return common.NewError(common.ErrAuthFailed, "encryption: store is locked")
	}
	return m.rotateLocked(newPassword)
}

func (m *Manager) rotateLocked(newPassword string) error {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return common.WrapError(common.ErrAuthFailed, "encryption: generate salt", err)
	}
	params := m.meta.ArgonParams
	kek := deriveKEK(newPassword, salt, params)

	newMasterKey := make([]byte, keySize)
	if _, err := rand.Read(newMasterKey); err != nil {
		return common.WrapError(common.ErrAuthFailed, "encryption: generate master key", err)
	}
	newMasterKeyID := newKeyID()

	wrappedMaster, err := seal(kek, newMasterKeyID, newMasterKey)
	if err != nil {
		return common.WrapError(common.ErrAuthFailed, "encryption: wrap master key", err)
	}
	canary, err := seal(newMasterKey, newMasterKeyID, canaryPlaintext)
	if err != nil {
		return common.WrapError(common.ErrAuthFailed, "encryption: seal canary", err)
	}

	rewrapped := make(map[string]WrappedKey, len(m.meta.SegmentKeys))
	for segIndex, wrapped := range m.meta.SegmentKeys {
		segKey, err := open(m.master, wrapped)
		if err != nil {
			return common.WrapError(common.ErrIntegrityFailed, fmt.Sprintf("encryption: unwrap segment key %s during rotation", segIndex), err)
		}
		newWrapped, err := seal(newMasterKey, newMasterKeyID, segKey)
		if err != nil {
			return common.WrapError(common.ErrAuthFailed, fmt.Sprintf("encryption: rewrap segment key %s", segIndex), err)
		}
		rewrapped[segIndex] = newWrapped
	}

	newMeta := Metadata{
		MasterSalt:     salt,
		ArgonParams:    params,
		MasterKeyID:    newMasterKeyID,
		WrappedMaster:  wrappedMaster,
		Canary:         canary,
		RevokedDevices: m.meta.RevokedDevices,
		SegmentKeys:    rewrapped,
	}
	if err := saveMetadata(m.dataDir, newMeta); err != nil {
		return common.WrapError(common.ErrWriteFailed, "encryption: persist rotated metadata", err)
	}

	m.meta = newMeta
	m.password = []byte(newPassword)
	m.master = newMasterKey
	return nil
}

// RevokeDevice appends actor to the revocation list and rotates the
// master key under the currently-unlocked password, so any of the
// revoked actor's un-merged future writes can no longer be wrapped
// into this store's key hierarchy (spec §4.4 "Revocation").
func (m *Manager) RevokeDevice(actor common.ActorID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.unlocked {
		return common.NewError(common.ErrAuthFailed, "encryption: store is locked")
	}

	for _, existing := range m.meta.RevokedDevices {
		if existing == actor {
			return nil // already revoked
		}
	}
	m.meta.RevokedDevices = append(m.meta.RevokedDevices, actor)
	return m.rotateLocked(string(m.password))
}

// IsRevoked reports whether actor is on the revocation list.
func (m *Manager) IsRevoked(actor common.ActorID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, revoked := range m.meta.RevokedDevices {
		if revoked == actor {
			return true
		}
	}
	return false
}

// EncryptSegment generates a fresh segment key (first use of
// segmentIndex) or reuses the existing wrapped one, and seals
// segmentBytes under it.
func (m *Manager) EncryptSegment(segmentIndex common.SegmentID, segmentBytes []byte) (ciphertext, nonce []byte, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.unlocked {
		return nil, nil, common.NewError(common.ErrAuthFailed, "encryption: store is locked")
	}

	key, err := m.segmentKeyLocked(segmentIndex, true)
	if err != nil {
		return nil, nil, err
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, common.WrapError(common.ErrWriteFailed, "encryption: build cipher", err)
	}
	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, common.WrapError(common.ErrWriteFailed, "encryption: generate nonce", err)
	}
	ciphertext = gcm.Seal(nil, nonce, segmentBytes, nil)
	return ciphertext, nonce, nil
}

// DecryptSegment opens a segment payload previously sealed by
// EncryptSegment. Tag failure is reported as IntegrityFailed — the
// caller treats it the same as a corrupt segment (spec §4.4/§7).
func (m *Manager) DecryptSegment(segmentIndex common.SegmentID, ciphertext, nonce []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.unlocked {
		return nil, common.NewError(common.ErrAuthFailed, "encryption: store is locked")
	}

	key, err := m.segmentKeyLocked(segmentIndex, false)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, common.WrapError(common.ErrReadFailed, "encryption: build cipher", err)
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, common.NewError(common.ErrIntegrityFailed, "encryption: segment authentication failed")
	}
	return plain, nil
}

// segmentKeyLocked returns the plaintext key for segmentIndex, minting
// and persisting a new wrapped key if createIfMissing is set.
func (m *Manager) segmentKeyLocked(segmentIndex common.SegmentID, createIfMissing bool) ([]byte, error) {
	idStr := segmentIndex.String()
	wrapped, ok := m.meta.SegmentKeys[idStr]
	if !ok {
		if !createIfMissing {
			return nil, common.NewError(common.ErrKeyNotFound, fmt.Sprintf("encryption: no key for segment %s", idStr))
		}
		key := make([]byte, keySize)
		if _, err := rand.Read(key); err != nil {
			return nil, common.WrapError(common.ErrWriteFailed, "encryption: generate segment key", err)
		}
		newWrapped, err := seal(m.master, m.meta.MasterKeyID, key)
		if err != nil {
			return nil, common.WrapError(common.ErrWriteFailed, "encryption: wrap segment key", err)
		}
		if m.meta.SegmentKeys == nil {
			m.meta.SegmentKeys = map[string]WrappedKey{}
		}
		m.meta.SegmentKeys[idStr] = newWrapped
		if err := saveMetadata(m.dataDir, m.meta); err != nil {
			return nil, common.WrapError(common.ErrWriteFailed, "encryption: persist segment key", err)
		}
		return key, nil
	}

	if wrapped.KeyID != m.meta.MasterKeyID {
		return nil, common.NewError(common.ErrKeyNotFound, fmt.Sprintf("encryption: segment %s wrapped under stale master key", idStr))
	}
	key, err := open(m.master, wrapped)
	if err != nil {
		return nil, common.NewError(common.ErrIntegrityFailed, "encryption: unwrap segment key failed")
	}
	return key, nil
}

func deriveKEK(password string, salt []byte, params Params) []byte {
	return argon2.IDKey([]byte(password), salt, params.TimeCost, params.MemoryKiB, params.Parallelism, keySize)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func seal(key []byte, keyID string, plaintext []byte) (WrappedKey, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return WrappedKey{}, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return WrappedKey{}, err
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return WrappedKey{Nonce: nonce, Ciphertext: ciphertext, KeyID: keyID}, nil
}

func open(key []byte, wrapped WrappedKey) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, wrapped.Nonce, wrapped.Ciphertext, nil)
}

func newKeyID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
