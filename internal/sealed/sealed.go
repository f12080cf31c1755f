// Package sealed encrypts private-key material before it reaches the scratch
// store. Sealing is optional: without an identity file, Plain is used and the
// key is stored as PKCS#8 PEM.
package sealed

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
)

// Sealer protects and recovers small secrets.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
	// Sealed reports whether Seal changes its input.
	Sealed() bool
}

// Plain is the no-op Sealer.
type Plain struct{}

func (Plain) Seal(plaintext []byte) ([]byte, error) { return plaintext, nil }

func (Plain) Open(ciphertext []byte) ([]byte, error) {
	if bytes.HasPrefix(ciphertext, []byte(armor.Header)) {
		return nil, errors.New("value is age-sealed but no identity is configured")
	}
	return ciphertext, nil
}

func (Plain) Sealed() bool { return false }

// Age seals to the recipient of an X25519 identity and opens with the identity.
type Age struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewAge parses an AGE-SECRET-KEY-1... string.
func NewAge(secretKey string) (*Age, error) {
	identity, err := age.ParseX25519Identity(strings.TrimSpace(secretKey))
	if err != nil {
		return nil, fmt.Errorf("parsing age identity: %w", err)
	}
	return &Age{identity: identity, recipient: identity.Recipient()}, nil
}

// LoadIdentityFile reads the first X25519 identity from an age identity file.
func LoadIdentityFile(path string) (*Age, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening identity file: %w", err)
	}
	defer f.Close()

	identities, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parsing identity file %s: %w", path, err)
	}
	for _, id := range identities {
		if x, ok := id.(*age.X25519Identity); ok {
			return &Age{identity: x, recipient: x.Recipient()}, nil
		}
	}
	return nil, fmt.Errorf("identity file %s has no X25519 identity", path)
}

// GenerateIdentityFile writes a fresh identity to path with 0600 permissions.
// An existing file is never overwritten.
func GenerateIdentityFile(path string) (*Age, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating identity directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating identity file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "# public key: %s\n%s\n", identity.Recipient(), identity); err != nil {
		return nil, fmt.Errorf("writing identity file: %w", err)
	}
	return &Age{identity: identity, recipient: identity.Recipient()}, nil
}

// Recipient is the public half, safe to print.
func (a *Age) Recipient() string { return a.recipient.String() }

func (a *Age) Sealed() bool { return true }

// Seal returns ASCII-armored age ciphertext so it survives JSON encoding.
func (a *Age) Seal(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	aw := armor.NewWriter(&buf)
	w, err := age.Encrypt(aw, a.recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	if err := aw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing armor: %w", err)
	}
	return buf.Bytes(), nil
}

func (a *Age) Open(ciphertext []byte) ([]byte, error) {
	r, err := age.Decrypt(armor.NewReader(bytes.NewReader(ciphertext)), a.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading plaintext: %w", err)
	}
	return plaintext, nil
}
