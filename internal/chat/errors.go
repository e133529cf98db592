package chat

import (
	"context"
	"errors"
)

// Sentinel errors returned, wrapped, by the service and the stores.
var (
	ErrAuth          = errors.New("invalid token")
	ErrAuthorization = errors.New("not authorized")
	ErrNotFound      = errors.New("not found")
	ErrValidation    = errors.New("invalid input")
)

// Wire codes reported to clients in error frames.
const (
	CodeAuth          = "auth"
	CodeAuthorization = "authorization"
	CodeNotFound      = "not_found"
	CodeValidation    = "validation"
	CodeTimeout       = "timeout"
	CodeBadRequest    = "bad_request"
	CodeInternal      = "internal"
)

// Code maps an error returned by this package to its wire code.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrAuth):
		return CodeAuth
	case errors.Is(err, ErrAuthorization):
		return CodeAuthorization
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	default:
		return CodeInternal
	}
}

// PublicMessage returns text that is safe to show to the client that caused
// err. Only validation errors echo their own detail.
func PublicMessage(err error) string {
	switch Code(err) {
	case CodeAuth:
		return "token is invalid"
	case CodeAuthorization:
		return "you are not allowed to do that"
	case CodeNotFound:
		return "message not found"
	case CodeValidation:
		return err.Error()
	case CodeTimeout:
		return "the request timed out"
	default:
		return "internal error"
	}
}
