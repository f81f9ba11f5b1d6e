// Package errdefs holds the error taxonomy shared by the ledger, retention,
// registry and similarity components. Callers match with errors.Is.
package errdefs

import "errors"

var (
	// ErrChainBroken is returned when an append races another writer or the
	// stored tail does not match the caller's expected previous hash.
	ErrChainBroken = errors.New("audit chain broken")

	// ErrSignature is returned when the signer is unavailable or refuses to sign.
	ErrSignature = errors.New("signature error")

	// ErrRetentionBlocked is returned when a delete would violate retention policy.
	ErrRetentionBlocked = errors.New("retention blocked")

	// ErrNotFound is returned for unknown attachment, link, policy or entity ids.
	ErrNotFound = errors.New("not found")

	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation error")

	// ErrConflict is returned when a store uniqueness constraint rejects a write.
	ErrConflict = errors.New("conflict")
)
