package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthenticationRequired is returned when no principal is logged in.
	ErrAuthenticationRequired = errors.New("chat: authentication required")
	// ErrNotFound is returned for missing or deleted conversations, messages and profiles.
	ErrNotFound = errors.New("chat: not found")
	// ErrPermissionDenied is returned when the principal may not act on a conversation.
	ErrPermissionDenied = errors.New("chat: permission denied")
	// ErrBlocked is returned when either side of a direct chat has blocked the other.
	ErrBlocked = errors.New("chat: blocked")
	// ErrEncryptionFailure wraps errors from the content cipher.
	ErrEncryptionFailure = errors.New("chat: encryption failure")
	// ErrStoreWriteFailure wraps a failed write acknowledgment.
	ErrStoreWriteFailure = errors.New("chat: store write failure")
	// ErrSubscriptionFailure wraps a failed live feed.
	ErrSubscriptionFailure = errors.New("chat: subscription failure")
	// ErrInvalidArgument is returned for malformed caller input.
	ErrInvalidArgument = errors.New("chat: invalid argument")
)

// Reason codes returned by Reason.
const (
	ReasonAuthenticationRequired = "authentication_required"
	ReasonNotFound               = "not_found"
	ReasonPermissionDenied       = "permission_denied"
	ReasonBlocked                = "blocked"
	ReasonEncryptionFailure      = "encryption_failure"
	ReasonStoreWriteFailure      = "store_write_failure"
	ReasonSubscriptionFailure    = "subscription_failure"
	ReasonInvalidArgument        = "invalid_argument"
	ReasonInternal               = "internal"
)

var reasons = []struct {
	err  error
	code string
}{
	{ErrAuthenticationRequired, ReasonAuthenticationRequired},
	{ErrBlocked, ReasonBlocked},
	{ErrPermissionDenied, ReasonPermissionDenied},
	{ErrNotFound, ReasonNotFound},
	{ErrEncryptionFailure, ReasonEncryptionFailure},
	{ErrStoreWriteFailure, ReasonStoreWriteFailure},
	{ErrSubscriptionFailure, ReasonSubscriptionFailure},
	{ErrInvalidArgument, ReasonInvalidArgument},
}

// Reason maps err to a stable code the UI can switch on. nil maps to "".
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.code
		}
	}
	return ReasonInternal
}

func writeFailure(path string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreWriteFailure, path, err)
}

func encryptionFailure(err error) error {
	return fmt.Errorf("%w: %w", ErrEncryptionFailure, err)
}
