package secrets

// Cipher protects credential payloads at rest. Seal and Open operate on the
// serialized credential data blob; the store never sees plaintext secrets.
type Cipher interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// Plaintext is the no-op cipher used when no encryption key is configured.
// Intended for local development and tests only.
type Plaintext struct{}

func (Plaintext) Seal(plaintext []byte) ([]byte, error)  { return plaintext, nil }
func (Plaintext) Open(ciphertext []byte) ([]byte, error) { return ciphertext, nil }
