package service

import (
	"errors"

	"github.com/digkill/PresetStudio/internal/repository"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInvalidSession      = errors.New("invalid session")
	ErrSessionExpired      = errors.New("session expired")
	ErrDuplicateIndex      = errors.New("variation index already claimed")
	ErrGenerationFailed    = errors.New("generation failed")
	ErrPersistenceFailed   = errors.New("persistence failed")
	ErrNotFound            = errors.New("not found")
)

var (
	ErrPromoInvalid         = repository.ErrPromoInvalid
	ErrPromoExhausted       = repository.ErrPromoExhausted
	ErrPromoAlreadyRedeemed = repository.ErrPromoAlreadyRedeemed
)

// Code maps an error to the stable code clients see on the wire.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientCredits):
		return "INSUFFICIENT_CREDITS"
	case errors.Is(err, ErrInvalidInput):
		return "INVALID_INPUT"
	case errors.Is(err, ErrInvalidSession):
		return "INVALID_SESSION"
	case errors.Is(err, ErrSessionExpired):
		return "EXPIRED_SESSION"
	case errors.Is(err, ErrDuplicateIndex):
		return "DUPLICATE_INDEX"
	case errors.Is(err, ErrGenerationFailed):
		return "GENERATION_FAILED"
	case errors.Is(err, ErrPersistenceFailed):
		return "PERSISTENCE_FAILED"
	case errors.Is(err, ErrNotFound):
		return "NOT_FOUND"
	case errors.Is(err, ErrPromoInvalid), errors.Is(err, ErrPromoExhausted), errors.Is(err, ErrPromoAlreadyRedeemed):
		return "PROMO_REJECTED"
	default:
		return "INTERNAL"
	}
}

// Retryable reports whether the same call may succeed if simply repeated.
func Retryable(err error) bool {
	return errors.Is(err, ErrGenerationFailed) || errors.Is(err, ErrPersistenceFailed)
}
