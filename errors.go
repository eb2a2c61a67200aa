package clinicauth

import (
	"errors"
	"fmt"

	"github.com/MrEthical07/clinicauth/session"
	"github.com/MrEthical07/clinicauth/throttle"
)

var (
	// ErrInvalidInput is returned when the identifier or secret is malformed.
	ErrInvalidInput = errors.New("invalid sign-in input")
	// ErrInvalidCredentials is returned when the provider rejects the credentials.
	ErrInvalidCredentials = session.ErrInvalidCredentials
	// ErrLoginLocked is returned while the identifier is locked out.
	ErrLoginLocked = errors.New("login locked")
	// ErrEngineNotReady is returned by methods of a nil or closed Engine.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// LoginErrorKind classifies a failed sign-in.
type LoginErrorKind int

const (
	// LoginErrorCredentials means the password was rejected and the attempt counted.
	LoginErrorCredentials LoginErrorKind = iota
	// LoginErrorLocked means the identifier is locked out, either before the
	// attempt or because this attempt tripped the lockout.
	LoginErrorLocked
)

func (k LoginErrorKind) String() string {
	switch k {
	case LoginErrorCredentials:
		return "credentials"
	case LoginErrorLocked:
		return "locked"
	default:
		return "unknown"
	}
}

// LoginError is returned by Engine.SignIn for counted and locked attempts.
// Message is safe to show to the person signing in.
type LoginError struct {
	Kind              LoginErrorKind
	Message           string
	LockoutInfo       *throttle.LockInfo
	RemainingAttempts int
	Cause             error
}

func (e *LoginError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Is matches the sentinel of the error's kind.
func (e *LoginError) Is(target error) bool {
	switch e.Kind {
	case LoginErrorLocked:
		return target == ErrLoginLocked
	case LoginErrorCredentials:
		return target == ErrInvalidCredentials
	}
	return false
}

func (e *LoginError) Unwrap() error { return e.Cause }

const invalidCredentialsMessage = "Invalid email or password."

// lowAttemptsThreshold is the remaining-attempt count below which the
// message warns about the coming lockout.
const lowAttemptsThreshold = 3

func newLockedError(info *throttle.LockInfo) *LoginError {
	return &LoginError{
		Kind:        LoginErrorLocked,
		Message:     "Too many failed sign-in attempts. Try again in " + info.DurationText + ".",
		LockoutInfo: info,
	}
}

func newCredentialsError(remaining int, cause error) *LoginError {
	msg := invalidCredentialsMessage
	if remaining < lowAttemptsThreshold {
		unit := "attempts"
		if remaining == 1 {
			unit = "attempt"
		}
		msg = fmt.Sprintf("%s %d %s remaining before a temporary lockout.", invalidCredentialsMessage, remaining, unit)
	}
	return &LoginError{
		Kind:              LoginErrorCredentials,
		Message:           msg,
		RemainingAttempts: remaining,
		Cause:             cause,
	}
}
