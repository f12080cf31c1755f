package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/NissesSenap/teams-changefeed/internal/envelope"
	"github.com/NissesSenap/teams-changefeed/internal/sealed"
	"github.com/NissesSenap/teams-changefeed/internal/storage"
)

// Scratch store keys owned by the manager.
const (
	KeySubscription = "subscription"
	KeyCurrent      = "keys/current"
	KeyPrevious     = "keys/previous"
)

// storedKey is the persisted form of envelope.KeyMaterial.
type storedKey struct {
	Fingerprint    string     `json:"fingerprint"`
	CertificatePEM string     `json:"certificatePem"`
	PrivateKey     string     `json:"privateKey"`
	Sealed         bool       `json:"sealed"`
	RetireAt       *time.Time `json:"retireAt,omitempty"`
}

// heldKey is key material plus the moment it stops being honoured.
// A zero retireAt means it is the current key.
type heldKey struct {
	km       *envelope.KeyMaterial
	retireAt time.Time
}

func encodeKey(k heldKey, s sealed.Sealer) (storedKey, error) {
	certPEM, keyPEM, err := k.km.MarshalPEM()
	if err != nil {
		return storedKey{}, err
	}
	protected, err := s.Seal(keyPEM)
	if err != nil {
		return storedKey{}, fmt.Errorf("sealing private key: %w", err)
	}
	out := storedKey{
		Fingerprint:    k.km.Fingerprint,
		CertificatePEM: string(certPEM),
		PrivateKey:     string(protected),
		Sealed:         s.Sealed(),
	}
	if !k.retireAt.IsZero() {
		t := k.retireAt
		out.RetireAt = &t
	}
	return out, nil
}

func decodeKey(sk storedKey, s sealed.Sealer) (heldKey, error) {
	keyPEM := []byte(sk.PrivateKey)
	if sk.Sealed {
		if !s.Sealed() {
			return heldKey{}, errors.New("stored key is sealed but no identity is configured")
		}
		var err error
		if keyPEM, err = s.Open(keyPEM); err != nil {
			return heldKey{}, fmt.Errorf("opening sealed key: %w", err)
		}
	}
	km, err := envelope.ParseKeyMaterial([]byte(sk.CertificatePEM), keyPEM)
	if err != nil {
		return heldKey{}, err
	}
	if sk.Fingerprint != "" && sk.Fingerprint != km.Fingerprint {
		return heldKey{}, fmt.Errorf("stored fingerprint %s does not match key %s", sk.Fingerprint, km.Fingerprint)
	}
	hk := heldKey{km: km}
	if sk.RetireAt != nil {
		hk.retireAt = *sk.RetireAt
	}
	return hk, nil
}

// loadKey reads and decodes one key slot. A missing slot returns
// storage.ErrNotFound.
func loadKey(ctx context.Context, scratch storage.Scratch, slot string, s sealed.Sealer) (heldKey, error) {
	var sk storedKey
	if err := scratch.GetJSON(ctx, slot, &sk); err != nil {
		return heldKey{}, err
	}
	hk, err := decodeKey(sk, s)
	if err != nil {
		return heldKey{}, fmt.Errorf("%s: %w", slot, err)
	}
	return hk, nil
}
