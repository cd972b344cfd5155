package storefront

import "fmt"

// VerificationResult wraps a platform payload together with the platform's
// verdict on its authenticity. Reason is populated when unverified.
type VerificationResult[T any] struct {
	Value    T      `json:"value"`
	Verified bool   `json:"verified"`
	Reason   string `json:"reason,omitempty"`
}

// Verified wraps a payload the platform vouched for.
func Verified[T any](v T) VerificationResult[T] {
	return VerificationResult[T]{Value: v, Verified: true}
}

// Unverified wraps a payload that failed platform verification.
func Unverified[T any](v T, reason string) VerificationResult[T] {
	return VerificationResult[T]{Value: v, Reason: reason}
}

// CheckVerified unwraps a verification result. It returns
// ErrVerificationFailed when the platform could not vouch for the payload.
// Every transaction and renewal payload passes through here before any
// entitlement decision is made.
func CheckVerified[T any](r VerificationResult[T]) (T, error) {
	if !r.Verified {
		var zero T
		if r.Reason != "" {
			return zero, fmt.Errorf("%w: %s", ErrVerificationFailed, r.Reason)
		}
		return zero, ErrVerificationFailed
	}
	return r.Value, nil
}
