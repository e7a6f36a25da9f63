// Package secrets provides authenticated encryption for ERP API keys at
// rest. The primary primitive is an XSalsa20-Poly1305 secret box; AES-256-GCM
// is accepted as a fallback producer, and a legacy AES-256-CBC format is
// decryptable for backward compatibility. Values re-encrypted after a legacy
// decrypt are re-emitted in the authenticated format.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// Format discriminator, first byte of the decoded blob. Legacy CBC values
// predate the discriminator and are recognised by exclusion.
const (
	formatSecretBox byte = 0x01
	formatAESGCM    byte = 0x02
)

const (
	secretboxNonceSize = 24
	gcmNonceSize       = 12
	cbcIVSize          = aes.BlockSize
)

var (
	// ErrDecrypt is returned when no format yields an authenticated plaintext.
	ErrDecrypt = errors.New("secrets: decryption failed")
	// ErrKeyMaterial is returned when no key material is available.
	ErrKeyMaterial = errors.New("secrets: key material missing")
)

// DeriveKey produces the 32-byte symmetric key. If an explicit key material
// constant is configured it wins; otherwise the key derives from the
// concatenation of the two platform salts. Either path is SHA-256.
func DeriveKey(explicit, saltA, saltB string) ([32]byte, error) {
	var key [32]byte
	switch {
	case explicit != "":
		key = sha256.Sum256([]byte(explicit))
	case saltA != "" || saltB != "":
		key = sha256.Sum256([]byte(saltA + saltB))
	default:
		return key, ErrKeyMaterial
	}
	return key, nil
}

// Box encrypts and decrypts API keys under a fixed key.
type Box struct {
	key [32]byte
}

// NewBox wraps the derived key.
func NewBox(key [32]byte) *Box { return &Box{key: key} }

// Encrypt seals plaintext with the secret-box primitive and returns
// base64(format ‖ nonce ‖ ciphertext+tag).
func (b *Box) Encrypt(plaintext string) (string, error) {
	var nonce [secretboxNonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("op=secrets.encrypt: %w", err)
	}
	sealed := secretbox.Seal(nil, []byte(plaintext), &nonce, &b.key)
	blob := make([]byte, 0, 1+secretboxNonceSize+len(sealed))
	blob = append(blob, formatSecretBox)
	blob = append(blob, nonce[:]...)
	blob = append(blob, sealed...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// EncryptGCM seals plaintext with AES-256-GCM. Kept for deployments where
// the secret-box primitive is unavailable; the output decrypts transparently.
func (b *Box) EncryptGCM(plaintext string) (string, error) {
	block, err := aes.NewCipher(b.key[:])
	if err != nil {
		return "", fmt.Errorf("op=secrets.encrypt_gcm: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("op=secrets.encrypt_gcm: %w", err)
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("op=secrets.encrypt_gcm: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	blob := make([]byte, 0, 1+gcmNonceSize+len(sealed))
	blob = append(blob, formatAESGCM)
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a value produced by Encrypt, EncryptGCM or the legacy CBC
// writer. The second return reports whether the value used the legacy format
// and should be re-encrypted by the caller.
func (b *Box) Decrypt(encoded string) (string, bool, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", false, fmt.Errorf("op=secrets.decrypt: %w", err)
	}
	if len(blob) > 1 {
		switch blob[0] {
		case formatSecretBox:
			if pt, ok := b.openSecretBox(blob[1:]); ok {
				return pt, false, nil
			}
		case formatAESGCM:
			if pt, ok := b.openGCM(blob[1:]); ok {
				return pt, false, nil
			}
		}
	}
	// Legacy AES-256-CBC: iv ‖ ciphertext, no discriminator, no tag.
	if pt, ok := b.openLegacyCBC(blob); ok {
		return pt, true, nil
	}
	return "", false, ErrDecrypt
}

func (b *Box) openSecretBox(blob []byte) (string, bool) {
	if len(blob) < secretboxNonceSize+secretbox.Overhead {
		return "", false
	}
	var nonce [secretboxNonceSize]byte
	copy(nonce[:], blob[:secretboxNonceSize])
	pt, ok := secretbox.Open(nil, blob[secretboxNonceSize:], &nonce, &b.key)
	if !ok {
		return "", false
	}
	return string(pt), true
}

func (b *Box) openGCM(blob []byte) (string, bool) {
	block, err := aes.NewCipher(b.key[:])
	if err != nil {
		return "", false
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil || len(blob) < gcmNonceSize+gcm.Overhead() {
		return "", false
	}
	pt, err := gcm.Open(nil, blob[:gcmNonceSize], blob[gcmNonceSize:], nil)
	if err != nil {
		return "", false
	}
	return string(pt), true
}

func (b *Box) openLegacyCBC(blob []byte) (string, bool) {
	if len(blob) < cbcIVSize+aes.BlockSize || (len(blob)-cbcIVSize)%aes.BlockSize != 0 {
		return "", false
	}
	block, err := aes.NewCipher(b.key[:])
	if err != nil {
		return "", false
	}
	iv, ct := blob[:cbcIVSize], blob[cbcIVSize:]
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)
	// PKCS#7 unpad with sanity checks; CBC has no tag so this is best effort.
	pad := int(pt[len(pt)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(pt) {
		return "", false
	}
	for _, p := range pt[len(pt)-pad:] {
		if int(p) != pad {
			return "", false
		}
	}
	return string(pt[:len(pt)-pad]), true
}

// EncryptLegacyCBC writes the legacy format. Only used by migration tests.
func (b *Box) EncryptLegacyCBC(plaintext string) (string, error) {
	block, err := aes.NewCipher(b.key[:])
	if err != nil {
		return "", err
	}
	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append([]byte(plaintext), make([]byte, pad)...)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(pad)
	}
	iv := make([]byte, cbcIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	return base64.StdEncoding.EncodeToString(append(iv, ct...)), nil
}

// Rotate decrypts encoded under oldKey and re-encrypts under the receiver's
// key in the authenticated format.
func Rotate(oldKey, newKey [32]byte, encoded string) (string, error) {
	pt, _, err := NewBox(oldKey).Decrypt(encoded)
	if err != nil {
		return "", fmt.Errorf("op=secrets.rotate: %w", err)
	}
	return NewBox(newKey).Encrypt(pt)
}
