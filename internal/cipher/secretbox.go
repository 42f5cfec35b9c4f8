// Package cipher implements the timestamp token cipher on NaCl secretbox.
// Tokens are authenticated: a wrong key or a tampered token fails loudly
// instead of yielding a plausible wrong timestamp.
package cipher

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"

	"gitveil/internal/veil"
)

const (
	// KeySize is the secretbox key length in bytes.
	KeySize = 32
	// nonceSize is the secretbox nonce length in bytes.
	nonceSize = 24
	// saltSize matches the scrypt salt length of the legacy password scheme.
	saltSize = 32
)

// Legacy scrypt parameters, interactive profile. Changing them breaks
// decryption of keys derived from old password+salt configs.
const (
	scryptN = 1 << 14
	scryptR = 8
	scryptP = 1
)

// Key is opaque secret material plus a stable identifier derived from it.
// Keys never carry lifecycle state; that is the key manager's concern.
type Key struct {
	material [KeySize]byte
}

// GenerateKey returns a fresh random key.
func GenerateKey() (Key, error) {
	var k Key
	if _, err := rand.Read(k.material[:]); err != nil {
		return Key{}, fmt.Errorf("generating key: %w", err)
	}
	return k, nil
}

// DeriveKey deterministically derives a key from a legacy password and
// base64-encoded salt, for backward compatibility with tokens encrypted
// under the password scheme. New keys are always generated, never derived.
func DeriveKey(password, salt string) (Key, error) {
	rawSalt, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return Key{}, veil.Configf("malformed salt: %v", err)
	}
	material, err := scrypt.Key([]byte(password), rawSalt, scryptN, scryptR, scryptP, KeySize)
	if err != nil {
		return Key{}, fmt.Errorf("deriving key: %w", err)
	}
	var k Key
	copy(k.material[:], material)
	return k, nil
}

// GenerateSalt returns a fresh base64-encoded salt for the legacy scheme.
func GenerateSalt() (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(salt), nil
}

// ParseKey decodes a base64-encoded key as stored by the key manager.
func ParseKey(s string) (Key, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("malformed key: %w", err)
	}
	if len(raw) != KeySize {
		return Key{}, fmt.Errorf("malformed key: got %d bytes, want %d", len(raw), KeySize)
	}
	var k Key
	copy(k.material[:], raw)
	return k, nil
}

// Encode returns the base64 form for storage.
func (k Key) Encode() string {
	return base64.StdEncoding.EncodeToString(k.material[:])
}

// ID returns the key's stable identifier: the first 8 bytes of the SHA-256
// of the raw material, hex-encoded. The id is embedded alongside ciphertext
// so decryption can select the right key after rotation.
func (k Key) ID() string {
	sum := sha256.Sum256(k.material[:])
	return hex.EncodeToString(sum[:8])
}

// SecretBox encrypts timestamp plaintexts into compact base64 tokens with a
// single key. It implements veil.TokenCipher.
type SecretBox struct {
	key Key
}

var _ veil.TokenCipher = (*SecretBox)(nil)

// NewSecretBox creates a SecretBox around the given key.
func NewSecretBox(key Key) *SecretBox {
	return &SecretBox{key: key}
}

// KeyID identifies the encryption key.
func (b *SecretBox) KeyID() string { return b.key.ID() }

// Encrypt seals the plaintext under a random nonce and returns
// base64(nonce || box). The token contains only printable characters and no
// newlines, safe for embedding in commit message text.
func (b *SecretBox) Encrypt(plain string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plain), &nonce, &b.key.material)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open authenticates and decrypts a token produced by Encrypt.
func (b *SecretBox) Open(token string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", &veil.DecryptionError{Reason: "token is not valid base64"}
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return "", &veil.DecryptionError{Reason: "token is truncated"}
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &b.key.material)
	if !ok {
		return "", &veil.DecryptionError{Reason: "wrong key or corrupted token"}
	}
	return string(plain), nil
}

// MultiDecryptor opens tokens with any of a set of keys. Tokens carrying a
// key id are matched directly; legacy tokens without one are tried against
// every key, newest first. It implements veil.TokenDecrypter.
type MultiDecryptor struct {
	keys []Key
}

var _ veil.TokenDecrypter = (*MultiDecryptor)(nil)

// NewMultiDecryptor creates a MultiDecryptor over keys ordered newest
// first.
func NewMultiDecryptor(keys []Key) *MultiDecryptor {
	return &MultiDecryptor{keys: keys}
}

// Decrypt opens the token. A known keyID narrows the attempt to that key;
// an unknown keyID fails without trying others, so a wrong key never
// silently succeeds via an unrelated one.
func (m *MultiDecryptor) Decrypt(keyID, token string) (string, error) {
	if len(m.keys) == 0 {
		return "", &veil.DecryptionError{Reason: "no key available"}
	}
	if keyID != "" {
		for _, k := range m.keys {
			if k.ID() == keyID {
				return NewSecretBox(k).Open(token)
			}
		}
		return "", &veil.DecryptionError{Reason: fmt.Sprintf("no key with id %s", keyID)}
	}
	for _, k := range m.keys {
		plain, err := NewSecretBox(k).Open(token)
		if err == nil {
			return plain, nil
		}
	}
	return "", &veil.DecryptionError{Reason: "no available key opens the token"}
}
