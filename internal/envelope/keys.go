package envelope

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog"
)

// DefaultKeyBits is the RSA modulus size used when none is configured.
const DefaultKeyBits = 2048

const certificateCommonName = "teams-changefeed notification encryption"

// KeyMaterial is the keypair and self-signed certificate handed to the
// remote service for one subscription. The private key must never reach a
// log line; String and MarshalZerologObject expose only the fingerprint.
type KeyMaterial struct {
	CertificatePEM []byte
	PrivateKey     *rsa.PrivateKey
	Fingerprint    string
	NotBefore      time.Time
	NotAfter       time.Time
}

// GenerateKeyMaterial creates an RSA keypair of the given size and a
// self-signed certificate valid for exactly one year from now.
func GenerateKeyMaterial(bits int, now time.Time) (*KeyMaterial, error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("%w: generating %d-bit RSA key: %v", ErrCryptoGeneration, bits, err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, fmt.Errorf("%w: generating certificate serial: %v", ErrCryptoGeneration, err)
	}

	notBefore := now.UTC().Truncate(time.Second)
	notAfter := notBefore.AddDate(1, 0, 0)
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: certificateCommonName},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("%w: signing certificate: %v", ErrCryptoGeneration, err)
	}

	fingerprint, err := Fingerprint(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoGeneration, err)
	}

	return &KeyMaterial{
		CertificatePEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		PrivateKey:     key,
		Fingerprint:    fingerprint,
		NotBefore:      notBefore,
		NotAfter:       notAfter,
	}, nil
}

// Fingerprint is the hex SHA-256 digest of the DER SubjectPublicKeyInfo.
func Fingerprint(pub *rsa.PublicKey) (string, error) {
	spki, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("encoding public key: %w", err)
	}
	sum := sha256.Sum256(spki)
	return hex.EncodeToString(sum[:]), nil
}

// EncodedCertificate returns the certificate as base64 DER, the form the
// create-subscription request expects.
func (k *KeyMaterial) EncodedCertificate() (string, error) {
	block, _ := pem.Decode(k.CertificatePEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return "", errors.New("certificate PEM is malformed")
	}
	return base64.StdEncoding.EncodeToString(block.Bytes), nil
}

// MarshalPEM returns the certificate PEM and the private key as PKCS#8 PEM.
func (k *KeyMaterial) MarshalPEM() (certificatePEM, privateKeyPEM []byte, err error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.PrivateKey)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding private key: %w", err)
	}
	return k.CertificatePEM, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ParseKeyMaterial rebuilds KeyMaterial from its persisted PEM form and
// checks that the certificate belongs to the private key.
func ParseKeyMaterial(certificatePEM, privateKeyPEM []byte) (*KeyMaterial, error) {
	certBlock, _ := pem.Decode(certificatePEM)
	if certBlock == nil || certBlock.Type != "CERTIFICATE" {
		return nil, errors.New("certificate PEM is malformed")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(privateKeyPEM)
	if keyBlock == nil || keyBlock.Type != "PRIVATE KEY" {
		return nil, errors.New("private key PEM is malformed")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, want RSA", parsed)
	}

	certPub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok || !certPub.Equal(&key.PublicKey) {
		return nil, errors.New("certificate does not match private key")
	}

	fingerprint, err := Fingerprint(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &KeyMaterial{
		CertificatePEM: certificatePEM,
		PrivateKey:     key,
		Fingerprint:    fingerprint,
		NotBefore:      cert.NotBefore,
		NotAfter:       cert.NotAfter,
	}, nil
}

func (k *KeyMaterial) String() string {
	if k == nil {
		return "KeyMaterial(nil)"
	}
	return "KeyMaterial(" + k.Fingerprint + ")"
}

// GoString keeps %#v from dumping the private key.
func (k *KeyMaterial) GoString() string { return k.String() }

func (k *KeyMaterial) MarshalZerologObject(e *zerolog.Event) {
	e.Str("fingerprint", k.Fingerprint).Time("not_after", k.NotAfter)
}
