package envelope

import "errors"

var (
	// ErrCryptoGeneration is fatal to the activation attempt that triggered it.
	ErrCryptoGeneration = errors.New("key material generation failed")

	// ErrKeyUnwrap means the RSA-OAEP ciphertext does not belong to the key
	// it was tried against. It is not, on its own, evidence of tampering: a
	// notification encrypted under a just-rotated key fails the same way.
	ErrKeyUnwrap = errors.New("symmetric key unwrap failed")

	// ErrIntegrityViolation means the HMAC over the ciphertext did not match.
	ErrIntegrityViolation = errors.New("integrity check failed")

	// ErrPayloadDecrypt means AES-CBC decryption or padding removal failed.
	ErrPayloadDecrypt = errors.New("payload decryption failed")
)
