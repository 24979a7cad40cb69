package identity

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidCredentials = errors.New("identity: invalid credentials")
	ErrIdentityMismatch   = errors.New("identity: identity mismatch")
	ErrRequiresFullLogin  = errors.New("identity: full login required")
	ErrNetwork            = errors.New("identity: network unavailable")
	ErrServer             = errors.New("identity: server error")
	ErrNotAuthorized      = errors.New("identity: not authorized")
	ErrStorageFailure     = errors.New("identity: local storage failure")
	ErrBusy               = errors.New("identity: another operation is in progress")
	ErrCanceled           = errors.New("identity: canceled")
	ErrLockedOut          = errors.New("identity: too many failed attempts")
)

var taxonomy = []error{
	ErrInvalidCredentials, ErrIdentityMismatch, ErrRequiresFullLogin, ErrNetwork,
	ErrServer, ErrNotAuthorized, ErrStorageFailure, ErrBusy, ErrCanceled, ErrLockedOut,
}

// Known reports whether err wraps one of the identity errors.
func Known(err error) bool {
	for _, known := range taxonomy {
		if errors.Is(err, known) {
			return true
		}
	}
	return false
}

// UserMessage maps an error to text suitable for the end user. Mismatch and
// full-login errors share a message so the UI does not reveal which user
// owns the cached session.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidCredentials):
		return "The email or password is incorrect."
	case errors.Is(err, ErrIdentityMismatch), errors.Is(err, ErrRequiresFullLogin):
		return "Sign in with your password to continue."
	case errors.Is(err, ErrLockedOut):
		return "Too many incorrect PIN attempts. Sign in with your password."
	case errors.Is(err, ErrNetwork):
		return "No connection. Check your network and try again."
	case errors.Is(err, ErrNotAuthorized):
		return "You do not have permission to do that."
	case errors.Is(err, ErrStorageFailure):
		return "Could not save data on this device."
	case errors.Is(err, ErrBusy):
		return "Please wait for the current sign-in to finish."
	case errors.Is(err, ErrCanceled):
		return "The operation was canceled."
	default:
		return "Something went wrong. Please try again."
	}
}

// classify folds an arbitrary error into the taxonomy.
func classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		if errors.Is(err, ErrCanceled) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrCanceled, err)
	}
	if Known(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	return fmt.Errorf("%w: %v", ErrServer, err)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrIdentityMismatch):
		return "mismatch"
	case errors.Is(err, ErrRequiresFullLogin):
		return "requires_full_login"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrLockedOut):
		return "locked_out"
	default:
		return "error"
	}
}
