package spark

import (
	"errors"
	"fmt"
)

// Kind classifies an Error.
type Kind int

const (
	// KindTransport covers connection, TLS and non-success HTTP responses.
	KindTransport Kind = iota + 1
	// KindDecode covers malformed or schema-mismatched JSON.
	KindDecode
	// KindWebhook covers webhook registration and deletion failures.
	KindWebhook
	// KindIO covers state store failures.
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindDecode:
		return "decode"
	case KindWebhook:
		return "webhook"
	case KindIO:
		return "io"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the bot's error type. Callers can use errors.As to extract it:
//
//	var sparkErr *spark.Error
//	if errors.As(err, &sparkErr) && sparkErr.StatusCode == http.StatusNotFound { ... }
type Error struct {
	Kind Kind
	// Op names the failed operation, e.g. "GET people/me".
	Op string
	// StatusCode is the HTTP status for transport errors caused by a
	// response, zero otherwise.
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%s: %s: HTTP %d: %v", e.Kind, e.Op, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: %s: HTTP %d", e.Kind, e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var sparkErr *Error
	if errors.As(err, &sparkErr) {
		return sparkErr.Kind == kind
	}
	return false
}

// StatusCode returns the HTTP status carried by err, or zero.
// The outermost *Error with a status wins.
func StatusCode(err error) int {
	for err != nil {
		var sparkErr *Error
		if !errors.As(err, &sparkErr) {
			return 0
		}
		if sparkErr.StatusCode != 0 {
			return sparkErr.StatusCode
		}
		err = sparkErr.Err
	}
	return 0
}
