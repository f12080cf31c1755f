package ingress

import (
	"errors"

	"github.com/NissesSenap/teams-changefeed/internal/envelope"
)

var (
	ErrUnknownKeyFingerprint = errors.New("no key for encryption certificate")
	ErrClientStateMismatch   = errors.New("clientState does not match subscription")
	ErrInvalidPayload        = errors.New("decrypted payload is not JSON")
	ErrMalformedDelivery     = errors.New("delivery body is not JSON")
	ErrMalformedNotification = errors.New("notification fields have unexpected types")
	ErrValidationToken       = errors.New("validation token rejected")
)

// DropReason labels why an item was not emitted.
type DropReason string

const (
	DropClientState     DropReason = "client_state"
	DropUnknownKey      DropReason = "unknown_key"
	DropKeyUnwrap       DropReason = "key_unwrap"
	DropIntegrity       DropReason = "integrity"
	DropDecrypt         DropReason = "decrypt"
	DropInvalidPayload  DropReason = "invalid_payload"
	DropValidationToken DropReason = "validation_token"
	DropMalformed       DropReason = "malformed"
	DropOther           DropReason = "other"
)

func reasonFor(err error) DropReason {
	switch {
	case errors.Is(err, ErrClientStateMismatch):
		return DropClientState
	case errors.Is(err, ErrUnknownKeyFingerprint):
		return DropUnknownKey
	case errors.Is(err, envelope.ErrKeyUnwrap):
		return DropKeyUnwrap
	case errors.Is(err, envelope.ErrIntegrityViolation):
		return DropIntegrity
	case errors.Is(err, envelope.ErrPayloadDecrypt):
		return DropDecrypt
	case errors.Is(err, ErrInvalidPayload):
		return DropInvalidPayload
	case errors.Is(err, ErrValidationToken):
		return DropValidationToken
	case errors.Is(err, ErrMalformedNotification):
		return DropMalformed
	}
	return DropOther
}
