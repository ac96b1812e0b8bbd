// Package vault provides symmetric encryption of sensitive strings and
// deterministic keyed hashing for equality lookups over encrypted columns.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// blobVersion identifies the ciphertext blob layout.
const blobVersion = byte(1)

// keySize is the AES-256 key length in bytes.
const keySize = 32

// ErrDecryptFailed indicates a ciphertext could not be decrypted. Callers
// render the record's non-PII fields and mark the PII field unavailable
// instead of failing the whole read.
var ErrDecryptFailed = errors.New("vault: decrypt failed")

// ErrUnknownKey indicates a blob references a key id not loaded in the vault.
var ErrUnknownKey = errors.New("vault: unknown key id")

// Vault encrypts and decrypts sensitive strings with AES-256-GCM and
// computes deterministic HMAC-SHA256 hashes for exact-match search.
//
// Key material is loaded once at startup and read-only afterwards, so a
// single Vault is safe for concurrent use.
type Vault struct {
	keys     map[byte][]byte
	activeID byte
	hashKey  []byte
}

// New constructs a Vault from the given encryption keys, active key id, and
// hash key. Encryption always uses the active key; decryption resolves the
// key by the id embedded in each blob, which keeps old blobs readable after
// a rotation adds a new active key.
func New(keys map[byte][]byte, activeID byte, hashKey []byte) (*Vault, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("vault: no encryption keys")
	}
	for id, key := range keys {
		if len(key) != keySize {
			return nil, fmt.Errorf("vault: key %d: need %d bytes, got %d", id, keySize, len(key))
		}
	}
	if _, ok := keys[activeID]; !ok {
		return nil, fmt.Errorf("vault: active key %d not present", activeID)
	}
	if len(hashKey) < 16 {
		return nil, fmt.Errorf("vault: hash key too short")
	}
	copied := make(map[byte][]byte, len(keys))
	for id, key := range keys {
		keyCopy := make([]byte, len(key))
		copy(keyCopy, key)
		copied[id] = keyCopy
	}
	hashCopy := make([]byte, len(hashKey))
	copy(hashCopy, hashKey)
	return &Vault{keys: copied, activeID: activeID, hashKey: hashCopy}, nil
}

// KeyIDs returns the loaded key ids in ascending order.
func (v *Vault) KeyIDs() []byte {
	ids := make([]byte, 0, len(v.keys))
	for id := range v.keys {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Encrypt encrypts a plaintext with the active key and a fresh random nonce.
// Repeated calls on the same plaintext yield different blobs. The blob layout
// is version|key-id|nonce|ciphertext+tag.
func (v *Vault) Encrypt(plaintext string) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("vault: not initialized")
	}
	gcm, errCipher := v.cipherFor(v.activeID)
	if errCipher != nil {
		return nil, errCipher
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, errRead := io.ReadFull(rand.Reader, nonce); errRead != nil {
		return nil, fmt.Errorf("vault: nonce: %w", errRead)
	}
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	blob := make([]byte, 0, 2+len(nonce)+len(sealed))
	blob = append(blob, blobVersion, v.activeID)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)
	return blob, nil
}

// Decrypt decrypts a blob produced by Encrypt. Wrong keys, truncated blobs,
// and corrupted ciphertexts all yield ErrDecryptFailed.
func (v *Vault) Decrypt(blob []byte) (string, error) {
	if v == nil {
		return "", fmt.Errorf("vault: not initialized")
	}
	if len(blob) < 2 || blob[0] != blobVersion {
		return "", ErrDecryptFailed
	}
	keyID := blob[1]
	gcm, errCipher := v.cipherFor(keyID)
	if errCipher != nil {
		if errors.Is(errCipher, ErrUnknownKey) {
			return "", fmt.Errorf("%w: key id %d", ErrUnknownKey, keyID)
		}
		return "", errCipher
	}
	rest := blob[2:]
	if len(rest) < gcm.NonceSize() {
		return "", ErrDecryptFailed
	}
	nonce := rest[:gcm.NonceSize()]
	opened, errOpen := gcm.Open(nil, nonce, rest[gcm.NonceSize():], nil)
	if errOpen != nil {
		return "", ErrDecryptFailed
	}
	return string(opened), nil
}

// EncryptString encrypts a plaintext and base64-encodes the blob for
// storage in text columns.
func (v *Vault) EncryptString(plaintext string) (string, error) {
	blob, errEncrypt := v.Encrypt(plaintext)
	if errEncrypt != nil {
		return "", errEncrypt
	}
	return base64.StdEncoding.EncodeToString(blob), nil
}

// DecryptString decrypts a base64-encoded blob produced by EncryptString.
func (v *Vault) DecryptString(encoded string) (string, error) {
	blob, errDecode := base64.StdEncoding.DecodeString(encoded)
	if errDecode != nil {
		return "", ErrDecryptFailed
	}
	return v.Decrypt(blob)
}

// Hash computes the deterministic keyed hash of a plaintext, used solely as
// a search index over encrypted columns. The plaintext is normalized so
// lookups do not depend on caller formatting. The hash key is independent of
// the encryption keys and the result cannot be used to decrypt.
func (v *Vault) Hash(plaintext string) string {
	mac := hmac.New(sha256.New, v.hashKey)
	mac.Write([]byte(Normalize(plaintext)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Normalize canonicalizes a plaintext before deterministic hashing.
func Normalize(plaintext string) string {
	return strings.ToLower(strings.TrimSpace(plaintext))
}

// cipherFor builds an AEAD for the given key id.
func (v *Vault) cipherFor(keyID byte) (cipher.AEAD, error) {
	key, ok := v.keys[keyID]
	if !ok {
		return nil, ErrUnknownKey
	}
	block, errBlock := aes.NewCipher(key)
	if errBlock != nil {
		return nil, fmt.Errorf("vault: cipher: %w", errBlock)
	}
	gcm, errGCM := cipher.NewGCM(block)
	if errGCM != nil {
		return nil, fmt.Errorf("vault: gcm: %w", errGCM)
	}
	return gcm, nil
}
