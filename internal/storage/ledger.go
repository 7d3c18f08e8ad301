package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/org/timecapsule/internal/keywrap"
	"github.com/org/timecapsule/pkg/models"
)

// Ledger anchors descriptors on a LedgerBackend. It assigns message IDs and
// anchor references and rejects descriptors that could never be unlocked.
type Ledger struct {
	backend LedgerBackend
}

// NewLedger wraps a backend.
func NewLedger(backend LedgerBackend) *Ledger {
	return &Ledger{backend: backend}
}

// Submit validates d, assigns its ID and anchor reference and stores it.
// d is not modified.
func (l *Ledger) Submit(ctx context.Context, d *models.MessageDescriptor) (*models.Anchor, error) {
	if err := validateDescriptor(d); err != nil {
		return nil, err
	}
	rec := *d
	rec.ID = uuid.NewString()
	// Postgres keeps microseconds; the anchor must survive a round trip.
	rec.UnlockAt = rec.UnlockAt.UTC().Truncate(time.Microsecond)
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Microsecond)
	ref, err := AnchorReference(&rec)
	if err != nil {
		return nil, err
	}
	rec.AnchorReference = ref

	if err := l.backend.InsertMessage(ctx, &rec); err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}
	return &models.Anchor{MessageID: rec.ID, AnchorReference: ref}, nil
}

// GetByID returns one descriptor or ErrNotFound.
func (l *Ledger) GetByID(ctx context.Context, messageID string) (*models.MessageDescriptor, error) {
	return l.backend.GetMessage(ctx, messageID)
}

// QueryBySender lists messages sent by identity, oldest first.
func (l *Ledger) QueryBySender(ctx context.Context, identity string) ([]*models.MessageDescriptor, error) {
	return l.backend.ListMessages(ctx, MessageFilter{Sender: identity})
}

// QueryByRecipient lists messages addressed to identity, oldest first.
func (l *Ledger) QueryByRecipient(ctx context.Context, identity string) ([]*models.MessageDescriptor, error) {
	return l.backend.ListMessages(ctx, MessageFilter{Recipient: identity})
}

// List exposes filtered, paged listing.
func (l *Ledger) List(ctx context.Context, filter MessageFilter) ([]*models.MessageDescriptor, error) {
	return l.backend.ListMessages(ctx, filter)
}

// Count returns the number of anchored messages.
func (l *Ledger) Count(ctx context.Context) (int64, error) {
	return l.backend.CountMessages(ctx)
}

func validateDescriptor(d *models.MessageDescriptor) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidDescriptor, fmt.Sprintf(format, args...))
	}
	if d == nil {
		return invalid("missing descriptor")
	}
	if _, err := keywrap.ResolveIdentityKey(d.Sender); err != nil {
		return invalid("sender: %v", err)
	}
	if _, err := keywrap.ResolveIdentityKey(d.Recipient); err != nil {
		return invalid("recipient: %v", err)
	}
	if d.Sender == d.Recipient {
		return invalid("sender and recipient are the same")
	}
	if d.KeyAddress == "" || d.MediaAddress == "" {
		return invalid("missing blob address")
	}
	if len(d.Digest) != keywrap.DigestHexLength {
		return invalid("digest must be %d hex characters", keywrap.DigestHexLength)
	}
	if d.UnlockAt.IsZero() {
		return invalid("missing unlock time")
	}
	switch keywrap.Mode(d.KeyMode) {
	case keywrap.ModeRecipient, keywrap.ModePassphrase:
	default:
		return invalid("unknown key mode %q", d.KeyMode)
	}
	if d.Size < 0 {
		return invalid("negative size")
	}
	return nil
}

// IsInvalid reports whether err is a descriptor rejection.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidDescriptor)
}
