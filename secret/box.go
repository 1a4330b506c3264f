// Package secret implements the keyed AEAD box for encrypting secrets at
// rest. Ciphertexts are bound to the owning secret id and key version via
// additional authenticated data, so a row copied between secrets fails to
// decrypt.
package secret

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/pi-agent/relay/model"
)

// ErrDecrypt is returned when a ciphertext fails authentication.
var ErrDecrypt = errors.New("secret: decryption failed")

// KeySize is the required key length in bytes.
const KeySize = chacha20poly1305.KeySize

// Box encrypts and decrypts secret values with XChaCha20-Poly1305.
type Box struct {
	key     []byte
	version int
}

// NewBox creates a Box from a 32-byte key and its version number.
func NewBox(key []byte, version int) (*Box, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("secret: key must be %d bytes, got %d", KeySize, len(key))
	}
	if version < 1 {
		return nil, fmt.Errorf("secret: key version must be >= 1, got %d", version)
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Box{key: k, version: version}, nil
}

// KeyFromBase64 decodes a standard-base64 32-byte key.
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("secret: decoding key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("secret: key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// Version returns the key version new ciphertexts are sealed under.
func (b *Box) Version() int {
	return b.version
}

// Seal encrypts plaintext bound to aad. The random nonce is prepended to
// the returned ciphertext.
func (b *Box) Seal(plaintext []byte, aad string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("secret: generating nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, []byte(aad)), nil
}

// Open decrypts a Seal-produced ciphertext with the same aad.
func (b *Box) Open(ciphertext []byte, aad string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(b.key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, ErrDecrypt
	}
	nonce, ct := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ct, []byte(aad))
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// aad derives the authenticated-data string for a secret row.
func aad(id string, version int) string {
	return fmt.Sprintf("relay:secret:%s:v%d", id, version)
}

// EncryptValue seals a plaintext value for the given secret id under the
// box's current key version.
func (b *Box) EncryptValue(id string, plaintext []byte) ([]byte, int, error) {
	ct, err := b.Seal(plaintext, aad(id, b.version))
	if err != nil {
		return nil, 0, err
	}
	return ct, b.version, nil
}

// DecryptValue opens a stored secret. The secret's recorded key version
// must match the box's key version; rotation re-encryption is the
// operator's concern.
func (b *Box) DecryptValue(sec *model.Secret) ([]byte, error) {
	if sec.KeyVersion != b.version {
		return nil, fmt.Errorf("secret: %s sealed under key version %d, box has %d",
			sec.ID, sec.KeyVersion, b.version)
	}
	return b.Open(sec.Ciphertext, aad(sec.ID, sec.KeyVersion))
}
