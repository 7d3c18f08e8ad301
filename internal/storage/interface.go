package storage

import (
	"context"
	"errors"

	"github.com/org/timecapsule/pkg/models"
)

// ErrNotFound is returned when a requested blob or message does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned when a message ID or anchor reference is reused.
var ErrAlreadyExists = errors.New("already exists")

// ErrInvalidDescriptor is returned when a submitted descriptor is rejected.
var ErrInvalidDescriptor = errors.New("invalid descriptor")

// BlobBackend persists opaque blobs under their content address.
type BlobBackend interface {
	PutBlob(ctx context.Context, data []byte, name string) (string, error)
	GetBlob(ctx context.Context, address string) ([]byte, error)
	HasBlob(ctx context.Context, address string) (bool, error)
	BlobName(address string) (string, error)
	Close() error
}

// LedgerBackend persists anchored message descriptors.
type LedgerBackend interface {
	InsertMessage(ctx context.Context, d *models.MessageDescriptor) error
	GetMessage(ctx context.Context, id string) (*models.MessageDescriptor, error)
	ListMessages(ctx context.Context, filter MessageFilter) ([]*models.MessageDescriptor, error)
	CountMessages(ctx context.Context) (int64, error)
	Close()
}

// MessageFilter selects descriptors by sender or recipient. Exactly one of
// Sender and Recipient should be set.
type MessageFilter struct {
	Sender    string
	Recipient string
	Limit     int
	Offset    int
}

func (f MessageFilter) matches(d *models.MessageDescriptor) bool {
	if f.Sender != "" && d.Sender != f.Sender {
		return false
	}
	if f.Recipient != "" && d.Recipient != f.Recipient {
		return false
	}
	return true
}
