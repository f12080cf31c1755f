package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
)

// symmetricKeySize matches what the provider sends: AES-256.
const symmetricKeySize = 32

// WrapSymmetricKey encrypts a symmetric key to pub with RSA-OAEP/SHA-1.
func WrapSymmetricKey(symmetric []byte, pub *rsa.PublicKey) ([]byte, error) {
	return rsa.EncryptOAEP(sha1.New(), rand.Reader, pub, symmetric, nil)
}

// EncryptPayload pads plaintext with PKCS#7 and encrypts it with AES-CBC,
// using the first block of the key as IV.
func EncryptPayload(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	n := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := make([]byte, len(plaintext)+n)
	copy(padded, plaintext)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, key[:aes.BlockSize]).CryptBlocks(out, padded)
	return out, nil
}

// Seal builds an envelope for plaintext the way the notification provider
// does. It exists for tests and the simulate command.
func Seal(plaintext []byte, certificateID string, pub *rsa.PublicKey) (*EncryptedEnvelope, error) {
	symmetric := make([]byte, symmetricKeySize)
	if _, err := rand.Read(symmetric); err != nil {
		return nil, fmt.Errorf("generating symmetric key: %w", err)
	}

	ciphertext, err := EncryptPayload(plaintext, symmetric)
	if err != nil {
		return nil, fmt.Errorf("encrypting payload: %w", err)
	}
	wrapped, err := WrapSymmetricKey(symmetric, pub)
	if err != nil {
		return nil, fmt.Errorf("wrapping symmetric key: %w", err)
	}

	return &EncryptedEnvelope{
		Data:                    base64.StdEncoding.EncodeToString(ciphertext),
		DataSignature:           base64.StdEncoding.EncodeToString(Sign(ciphertext, symmetric)),
		DataKey:                 base64.StdEncoding.EncodeToString(wrapped),
		EncryptionCertificateID: certificateID,
	}, nil
}
