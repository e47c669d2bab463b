// Package errs defines the domain error taxonomy for the job launcher.
// Every condition a lifecycle operation can fail with is a sentinel here so
// callers and the HTTP boundary can classify with errors.Is.
package errs

import "errors"

// Validation-class errors.
var (
	ErrInvalidChainID           = errors.New("unsupported chain id")
	ErrManifestValidationFailed = errors.New("manifest validation failed")
	ErrResultValidationFailed   = errors.New("result validation failed")
	ErrKycNotApproved           = errors.New("kyc not approved")
	ErrIncorrectAddress         = errors.New("incorrect address")
)

// Not-found-class errors.
var (
	ErrJobNotFound      = errors.New("job not found")
	ErrResultNotFound   = errors.New("result not found")
	ErrEscrowNotCreated = errors.New("escrow not created")
	ErrManifestNotFound = errors.New("manifest not found")
)

// Conflict-class errors.
var (
	ErrAccountCannotBeRegistered = errors.New("account cannot be registered")
	ErrIncorrectAmount           = errors.New("incorrect amount")
	ErrPaymentNotSuccessful      = errors.New("payment not successful")
	ErrInsufficientFunds         = errors.New("insufficient funds")
	ErrInvalidJobStatus          = errors.New("invalid job status")
)

// Upstream-failure-class errors.
var (
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrWebhookNotSent     = errors.New("webhook not sent")
)

// Class buckets errors for boundary mapping.
type Class int

const (
	ClassUnknown Class = iota
	ClassValidation
	ClassNotFound
	ClassConflict
	ClassUpstream
)

// Classify returns the taxonomy class of err, or ClassUnknown for errors
// outside the taxonomy.
func Classify(err error) Class {
	switch {
	case errors.Is(err, ErrInvalidChainID),
		errors.Is(err, ErrManifestValidationFailed),
		errors.Is(err, ErrResultValidationFailed),
		errors.Is(err, ErrKycNotApproved),
		errors.Is(err, ErrIncorrectAddress):
		return ClassValidation
	case errors.Is(err, ErrJobNotFound),
		errors.Is(err, ErrResultNotFound),
		errors.Is(err, ErrEscrowNotCreated),
		errors.Is(err, ErrManifestNotFound):
		return ClassNotFound
	case errors.Is(err, ErrAccountCannotBeRegistered),
		errors.Is(err, ErrIncorrectAmount),
		errors.Is(err, ErrPaymentNotSuccessful),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrInvalidJobStatus):
		return ClassConflict
	case errors.Is(err, ErrStorageUnavailable),
		errors.Is(err, ErrWebhookNotSent):
		return ClassUpstream
	default:
		return ClassUnknown
	}
}
