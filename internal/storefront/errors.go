package storefront

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	// ErrVerificationFailed marks a transaction or renewal payload the
	// platform could not vouch for. Entitlement is never granted for it.
	ErrVerificationFailed = errors.New("transaction verification failed")

	// ErrNoTransaction is returned by point lookups when the platform has
	// no transaction on record for the requested product.
	ErrNoTransaction = errors.New("no transaction for product")

	// ErrProductNotFound is returned when a purchase names a product the
	// platform catalog does not carry.
	ErrProductNotFound = errors.New("product not found")

	ErrUnauthorized = errors.New("unauthorized")
	ErrUnavailable  = errors.New("platform unavailable")
)

// RequestError is a structured error for failed platform requests.
type RequestError struct {
	Op         string // operation that failed (e.g. "products", "purchase")
	ProductID  string // product involved, if any
	Err        error  // underlying error
	StatusCode int    // HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *RequestError) Error() string {
	if e.ProductID != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.ProductID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *RequestError) Is(target error) bool {
	if target == nil {
		return false
	}
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == 401 || e.StatusCode == 403
	case ErrUnavailable:
		return e.StatusCode >= 500 || e.StatusCode == 429
	case ErrProductNotFound:
		if e.StatusCode == 404 {
			return true
		}
	}
	return errors.Is(e.Err, target)
}

// NewRequestError creates a RequestError for a platform operation.
func NewRequestError(op, productID string, err error) *RequestError {
	return &RequestError{
		Op:        op,
		ProductID: productID,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: true,
	}
}

// WithStatusCode records the HTTP status and derives retryability from it.
func (e *RequestError) WithStatusCode(code int) *RequestError {
	e.StatusCode = code
	if code >= 500 || code == 429 || code == 408 {
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Retryable = false
	}
	return e
}

// IsRetryable reports whether the request is worth retrying.
func IsRetryable(err error) bool {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Retryable
	}
	return errors.Is(err, ErrUnavailable)
}
