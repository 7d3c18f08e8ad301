package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a pipeline failure.
type Kind string

const (
	KindValidation Kind = "validation"
	KindCrypto     Kind = "crypto"
	KindIntegrity  Kind = "integrity"
	KindTimestamp  Kind = "timestamp"
	KindStorage    Kind = "storage"
	KindLedger     Kind = "ledger"
	KindCanceled   Kind = "canceled"
)

// Validation causes.
var (
	ErrEmptyPayload     = errors.New("payload is empty")
	ErrMissingSender    = errors.New("sender is required")
	ErrMissingAddressee = errors.New("recipient is required")
	ErrSelfAddressed    = errors.New("sender and recipient are the same")
	ErrUnlockNotFuture  = errors.New("unlock time must be in the future")
	ErrEmptyPassphrase  = errors.New("passphrase is required")
	ErrMissingRecipient = errors.New("recipient key pair is required")
	ErrMissingMessage   = errors.New("descriptor or message ID is required")
)

// ErrDigestMismatch is the cause of every integrity failure.
var ErrDigestMismatch = errors.New("ciphertext digest mismatch")

// Error is the failure result of a pipeline run.
type Error struct {
	Stage Stage
	Kind  Kind
	Field string // set for validation failures
	Err   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s failed at %s", e.Kind, e.Stage)
	if e.Field != "" {
		msg += " (" + e.Field + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the same request may succeed later without
// changes.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTimestamp, KindStorage, KindLedger, KindCanceled:
		return true
	}
	return false
}

// UserMessage is safe to show to an end user. Crypto and integrity failures
// share one message so the caller cannot tell which check failed.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindValidation:
		if e.Field != "" {
			return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
		}
		return fmt.Sprintf("invalid request: %v", e.Err)
	case KindTimestamp:
		var locked *LockedError
		if errors.As(e.Err, &locked) {
			return fmt.Sprintf("this message is still locked, try again in %d minute(s)", locked.Minutes())
		}
		return "this message is still locked"
	case KindCrypto, KindIntegrity:
		return "cannot unlock this message"
	case KindStorage:
		switch e.Stage {
		case StageUploadingKey, StageUploadingMedia:
			return "upload failed, please try again"
		default:
			return "download failed, please try again"
		}
	case KindLedger:
		return "the ledger rejected or did not answer the request"
	case KindCanceled:
		return "operation canceled"
	}
	return "unexpected failure"
}

// LockedError reports an unlock attempted before the unlock time.
type LockedError struct {
	UnlockAt  time.Time
	Remaining time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("locked until %s (%d minute(s) remaining)", e.UnlockAt.UTC().Format(time.RFC3339), e.Minutes())
}

// Minutes returns the remaining time rounded up to whole minutes.
func (e *LockedError) Minutes() int64 {
	if e.Remaining <= 0 {
		return 0
	}
	return int64((e.Remaining + time.Minute - 1) / time.Minute)
}
