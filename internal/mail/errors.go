package mail

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrNeedsInteraction is returned by a TokenProvider when the account must be
// signed in again interactively.
var ErrNeedsInteraction = errors.New("sign-in required")

// ErrorKind classifies normalized failures.
type ErrorKind int

const (
	KindCredential ErrorKind = iota + 1
	KindNetwork
	KindProviderAPI
	KindMapping
)

func (k ErrorKind) String() string {
	switch k {
	case KindCredential:
		return "credential"
	case KindNetwork:
		return "network"
	case KindProviderAPI:
		return "provider"
	case KindMapping:
		return "mapping"
	}
	return "unknown"
}

// Error is the normalized error every ErrorMapper produces.
type Error struct {
	Kind         ErrorKind
	Message      string
	Code         int
	AuthRequired bool
	Connectivity bool
	Err          error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s error (%d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func CredentialError(err error) *Error {
	return &Error{Kind: KindCredential, Message: errMessage(err), AuthRequired: true, Err: err}
}

func NetworkError(err error) *Error {
	return &Error{Kind: KindNetwork, Message: errMessage(err), Connectivity: true, Err: err}
}

func ProviderError(code int, msg string, err error) *Error {
	return &Error{Kind: KindProviderAPI, Message: msg, Code: code, AuthRequired: code == 401, Err: err}
}

func MappingError(err error) *Error {
	return &Error{Kind: KindMapping, Message: errMessage(err), Err: err}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsCanceled reports whether err is a cancellation, which is never a failure.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IsAuthRequired reports whether err demands re-authentication.
func IsAuthRequired(err error) bool {
	if errors.Is(err, ErrNeedsInteraction) {
		return true
	}
	var e *Error
	return errors.As(err, &e) && e.AuthRequired
}

// IsConnectivity reports whether err means the network was unreachable.
func IsConnectivity(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Connectivity
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// Normalize maps err with m unless it is already normalized. Cancellation is
// returned unchanged.
func Normalize(m ErrorMapper, err error) error {
	if err == nil || IsCanceled(err) {
		return err
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, ErrNeedsInteraction) {
		return CredentialError(err)
	}
	if m != nil {
		if mapped := m.Map(err); mapped != nil {
			return mapped
		}
	}
	return &Error{Kind: KindProviderAPI, Message: err.Error(), Err: err}
}

// BaseErrorMapper handles failures every transport shares: unreachable
// networks and deadline expiry. Provider mappers fall back to it.
type BaseErrorMapper struct{}

func (BaseErrorMapper) Map(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return NetworkError(err)
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return NetworkError(err)
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return NetworkError(err)
	}
	return nil
}
