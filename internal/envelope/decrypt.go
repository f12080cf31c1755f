package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// EncryptedEnvelope is the encryptedContent block of a resource notification.
type EncryptedEnvelope struct {
	Data                            string `json:"data"`
	DataSignature                   string `json:"dataSignature"`
	DataKey                         string `json:"dataKey"`
	EncryptionCertificateID         string `json:"encryptionCertificateId"`
	EncryptionCertificateThumbprint string `json:"encryptionCertificateThumbprint,omitempty"`
}

// Open unwraps the symmetric key, verifies the signature over the ciphertext
// and only then decrypts it. The order is fixed: no plaintext is produced for
// a payload that failed verification.
func (e *EncryptedEnvelope) Open(key *rsa.PrivateKey) ([]byte, error) {
	wrapped, err := base64.StdEncoding.DecodeString(e.DataKey)
	if err != nil {
		return nil, fmt.Errorf("%w: dataKey is not base64: %v", ErrKeyUnwrap, err)
	}
	symmetric, err := DecryptSymmetricKey(wrapped, key)
	if err != nil {
		return nil, err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(e.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data is not base64: %v", ErrIntegrityViolation, err)
	}
	signature, err := base64.StdEncoding.DecodeString(e.DataSignature)
	if err != nil {
		return nil, fmt.Errorf("%w: dataSignature is not base64: %v", ErrIntegrityViolation, err)
	}
	if !VerifyIntegrity(ciphertext, signature, symmetric) {
		return nil, ErrIntegrityViolation
	}

	return DecryptPayload(ciphertext, symmetric)
}

// DecryptSymmetricKey unwraps a symmetric key encrypted with RSA-OAEP/SHA-1.
func DecryptSymmetricKey(encryptedKey []byte, key *rsa.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: no private key", ErrKeyUnwrap)
	}
	plain, err := rsa.DecryptOAEP(sha1.New(), nil, key, encryptedKey, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnwrap, err)
	}
	return plain, nil
}

// VerifyIntegrity reports whether mac is the HMAC-SHA256 of content under macKey.
func VerifyIntegrity(content, mac, macKey []byte) bool {
	if len(mac) == 0 || len(macKey) == 0 {
		return false
	}
	return hmac.Equal(Sign(content, macKey), mac)
}

// DecryptPayload decrypts AES-CBC ciphertext and strips PKCS#7 padding.
// The IV is the first block of the key itself; the sender does the same.
func DecryptPayload(ciphertext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadDecrypt, err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a positive multiple of %d",
			ErrPayloadDecrypt, len(ciphertext), aes.BlockSize)
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, key[:aes.BlockSize]).CryptBlocks(plain, ciphertext)

	plain, err = unpad(plain)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadDecrypt, err)
	}
	return plain, nil
}

var errBadPadding = errors.New("invalid PKCS#7 padding")

func unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, errBadPadding
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errBadPadding
		}
	}
	return b[:len(b)-n], nil
}

// Sign computes the HMAC-SHA256 of content under key.
func Sign(content, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(content)
	return h.Sum(nil)
}
