// Package ferrors implements the fabric's error taxonomy: a small set of
// machine-distinguishable kinds with HTTP-facing status codes, modeled on
// the reference repo's AppError but reshaped to the cluster fabric's own
// error kinds (spec.md's error handling design, not the reference's HTTP
// API error codes).
package ferrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the cluster fabric's distinguishable error categories.
type Kind string

const (
	Config            Kind = "CONFIG"
	AuthFail          Kind = "AUTH_FAIL"
	DialFail          Kind = "DIAL_FAIL"
	HandshakeTimeout  Kind = "HANDSHAKE_TIMEOUT"
	Malformed         Kind = "MALFORMED"
	Duplicate         Kind = "DUPLICATE"
	RngUnavailable    Kind = "RNG_UNAVAILABLE"
	ResolveFailed     Kind = "RESOLVE_FAILED"
	Internal          Kind = "INTERNAL"
)

// FabricError is the fabric-wide error type. It carries a Kind for
// programmatic dispatch (ferrors.Is) plus an HTTP status for the handful
// of error paths that surface through WireServer's HTTP route table.
type FabricError struct {
	Kind       Kind
	Message    string
	Err        error
	StatusCode int
}

func (e *FabricError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *FabricError) Unwrap() error {
	return e.Err
}

func statusFor(k Kind) int {
	switch k {
	case Config:
		return http.StatusInternalServerError
	case AuthFail:
		return http.StatusUnauthorized
	case DialFail, HandshakeTimeout:
		return http.StatusServiceUnavailable
	case Malformed:
		return http.StatusBadRequest
	case Duplicate:
		return http.StatusConflict
	case RngUnavailable, Internal:
		return http.StatusInternalServerError
	case ResolveFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// New builds a FabricError of the given kind with a plain message.
func New(kind Kind, message string) *FabricError {
	return &FabricError{Kind: kind, Message: message, StatusCode: statusFor(kind)}
}

// Wrap attaches an underlying error to a fabric error kind.
func Wrap(kind Kind, message string, err error) *FabricError {
	return &FabricError{Kind: kind, Message: message, Err: err, StatusCode: statusFor(kind)}
}

// Is reports whether err (or anything it wraps) is a FabricError of kind k.
func Is(err error, k Kind) bool {
	var fe *FabricError
	if errors.As(err, &fe) {
		return fe.Kind == k
	}
	return false
}
