package veil

import "time"

// TokenCipher encrypts a canonical timestamp string into a printable,
// newline-free token safe for embedding in commit message text. Encryption
// is authenticated: tampering is detected on decryption.
type TokenCipher interface {
	// Encrypt returns the token for the given plaintext.
	Encrypt(plain string) (string, error)

	// KeyID identifies the key used for encryption, so future decryption
	// can select the right key even after rotation.
	KeyID() string
}

// TokenDecrypter decrypts tokens produced by a TokenCipher. keyID selects
// the key recorded alongside the token; an empty keyID (legacy footers)
// means the implementation should try every key it knows. Failures are
// reported as *DecryptionError, never as a wrong plausible plaintext.
type TokenDecrypter interface {
	Decrypt(keyID, token string) (string, error)
}

// DateRedacter reduces a timestamp's precision. Implementations are pure:
// the returned value keeps the input's UTC offset and the input is never
// mutated.
type DateRedacter interface {
	Redact(t time.Time) time.Time
}
