// Package cryptox implements authenticated encryption for sync payloads:
// AES-256-GCM over a canonical JSON serialization, with an independent
// SHA-256 plaintext checksum and a PBKDF2-SHA256 key-derivation helper.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/clinicsync/clinicsync/internal/syncerr"
)

const (
	// AlgorithmAESGCM tags payloads produced by this codec.
	AlgorithmAESGCM = "aes-256-gcm"

	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	ivSize  = 12
	tagSize = 16

	// kdfIterations is the PBKDF2 iteration count. Changing it changes
	// derived keys, so it is part of the on-disk key format.
	kdfIterations = 100_000
)

var (
	// ErrUnsupportedAlgorithm is returned when a payload carries an
	// algorithm tag this codec does not recognize.
	ErrUnsupportedAlgorithm = syncerr.New(syncerr.KindIntegrity, syncerr.CodeVersionMismatch, "cryptox.decrypt")

	// ErrAuthenticationFailed is returned when AEAD verification fails.
	// Wrong key and tampered ciphertext are deliberately indistinguishable.
	ErrAuthenticationFailed = syncerr.New(syncerr.KindIntegrity, syncerr.CodeDecryptionFailed, "cryptox.decrypt")
)

// Payload is an encrypted byte payload plus everything needed to decrypt and
// verify it, except the key itself.
type Payload struct {
	Ciphertext []byte    `json:"ciphertext"`
	IV         []byte    `json:"iv"`
	AuthTag    []byte    `json:"auth_tag"`
	Algorithm  string    `json:"algorithm"`
	Checksum   string    `json:"checksum"`
	Timestamp  time.Time `json:"timestamp"`
}

// Encrypt serializes v to JSON and encrypts it under key with AES-256-GCM.
// A fresh random 12-byte IV is generated on every call, so the same (v, key)
// pair never produces the same ciphertext twice. The checksum digests the
// plaintext and is independent of the AEAD tag.
func Encrypt(v any, key []byte) (*Payload, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindIntegrity, syncerr.CodeEncryptionFailed, "cryptox.encrypt", err)
	}

	iv, err := RandBytes(ivSize)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindIntegrity, syncerr.CodeEncryptionFailed, "cryptox.encrypt", err)
	}

	aesgcm, err := newGCM(key)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.KindIntegrity, syncerr.CodeEncryptionFailed, "cryptox.encrypt", err)
	}

	sealed := aesgcm.Seal(nil, iv, plaintext, nil)
	split := len(sealed) - tagSize

	sum := sha256.Sum256(plaintext)

	return &Payload{
		Ciphertext: sealed[:split],
		AuthTag:    sealed[split:],
		IV:         iv,
		Algorithm:  AlgorithmAESGCM,
		Checksum:   hex.EncodeToString(sum[:]),
		Timestamp:  time.Now().UTC(),
	}, nil
}

// Decrypt verifies and decrypts p under key, unmarshalling the plaintext
// into v. Tag verification failure (wrong key or tampering) always yields
// ErrAuthenticationFailed; GCM's Open is constant-time over the tag, so the
// two causes do not differ in timing either.
func Decrypt(p *Payload, key []byte, v any) error {
	if p.Algorithm != AlgorithmAESGCM {
		return ErrUnsupportedAlgorithm
	}

	aesgcm, err := newGCM(key)
	if err != nil {
		return syncerr.Wrap(syncerr.KindIntegrity, syncerr.CodeDecryptionFailed, "cryptox.decrypt", err)
	}

	sealed := make([]byte, 0, len(p.Ciphertext)+len(p.AuthTag))
	sealed = append(sealed, p.Ciphertext...)
	sealed = append(sealed, p.AuthTag...)

	plaintext, err := aesgcm.Open(nil, p.IV, sealed, nil)
	if err != nil {
		return ErrAuthenticationFailed
	}

	if err := json.Unmarshal(plaintext, v); err != nil {
		return syncerr.Wrap(syncerr.KindIntegrity, syncerr.CodeCorruptedData, "cryptox.decrypt", err)
	}
	return nil
}

// ValidateIntegrity recomputes the SHA-256 digest of plain and compares it
// with the expected hex checksum. It complements, never replaces, AEAD
// verification.
func ValidateIntegrity(plain []byte, expectedChecksum string) bool {
	sum := sha256.Sum256(plain)
	return hex.EncodeToString(sum[:]) == expectedChecksum
}

// Checksum returns the hex SHA-256 digest of plain.
func Checksum(plain []byte) string {
	sum := sha256.Sum256(plain)
	return hex.EncodeToString(sum[:])
}

// DeriveKey derives a 32-byte AES key from a tenant id and salt using
// PBKDF2-SHA256. Deterministic for fixed inputs, which is what lets a key be
// re-derived for recovery from its stored salt.
func DeriveKey(tenantID string, salt []byte) []byte {
	return pbkdf2.Key([]byte(tenantID), salt, kdfIterations, KeySize, sha256.New)
}

// RandBytes returns n cryptographically random bytes.
func RandBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// WipeBytes overwrites b with zeros. Useful for removing key material from
// memory after use. A nil slice is a no-op.
func WipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
