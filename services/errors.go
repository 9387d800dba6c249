package services

import (
	"errors"
	"fmt"
)

// Kind classifies a service failure so the HTTP layer can pick a status code.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindAuthorization
	KindConflict
	KindExternal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindAuthorization:
		return "authorization"
	case KindConflict:
		return "conflict"
	case KindExternal:
		return "external"
	default:
		return "internal"
	}
}

// Error is the error type returned by every service operation for expected failures.
// Message is safe to show to the end user.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Named conditions, matched with errors.Is.
var (
	ErrSurveyNotFound      = errors.New("survey not found")
	ErrSurveyInactive      = errors.New("this survey is no longer active")
	ErrSurveyAlreadyEnded  = errors.New("survey has already been ended")
	ErrSelfVote            = errors.New("you cannot vote on your own survey")
	ErrNotOwner            = errors.New("only the survey creator can do this")
	ErrIncompleteBallot    = errors.New("please answer all questions")
	ErrAlreadyVoted        = errors.New("you have already voted on this question")
	ErrUserNotFound        = errors.New("user not found")
	ErrInvalidCredentials  = errors.New("invalid email or password")
	ErrEmailTaken          = errors.New("email already registered")
	ErrInvalidEmailCode    = errors.New("invalid or expired email verification code")
	ErrNoEmail             = errors.New("this account has no email address")
	ErrWalletTaken         = errors.New("wallet address already registered")
	ErrWalletNotRegistered = errors.New("wallet not registered, please sign up first")
	ErrInvalidSignature    = errors.New("invalid wallet signature")
	ErrInsufficientPoints  = errors.New("insufficient points")
	ErrNoWallet            = errors.New("link a wallet address before converting points")
	ErrWalletMismatch      = errors.New("wallet address does not match your linked wallet")
	ErrUnauthenticated     = errors.New("authentication required")
)

// KindOf returns the Kind of err, or zero when err is not a service error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

// IsKind reports whether err is a service error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Message returns the user facing message carried by err.
func Message(err error) string {
	var se *Error
	if errors.As(err, &se) {
		return se.Message
	}
	return "internal server error"
}

func newError(kind Kind, cause error) error {
	return &Error{Kind: kind, Message: cause.Error(), Err: cause}
}

func validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func notFound(cause error) error { return newError(KindNotFound, cause) }
func unauthorized(cause error) error { return newError(KindAuthorization, cause) }
func conflict(cause error) error { return newError(KindConflict, cause) }
func invalid(cause error) error { return newError(KindValidation, cause) }
func external(msg string, err error) error {
	return &Error{Kind: KindExternal, Message: msg, Err: err}
}
