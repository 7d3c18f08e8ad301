// Package pipeline sequences the cipher and key-wrap primitives into the two
// message workflows: creating a time-locked message and unlocking it.
//
// Each run is a fixed series of stages. A run reports progress through an
// optional ProgressFunc, honors context cancellation between stages, and wipes
// every key and ciphertext buffer it allocated before returning, whether it
// succeeded or not. Failures are returned as *Error values carrying the stage
// and a Kind.
package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/org/timecapsule/internal/keywrap"
	"github.com/org/timecapsule/pkg/models"
)

// BlobStore is a content-addressed blob service. Put must not retain data
// after it returns; the pipeline wipes it. progress, when non-nil, receives
// 0..100.
type BlobStore interface {
	Put(ctx context.Context, data []byte, name string, progress func(percent int)) (string, error)
	Get(ctx context.Context, address string) ([]byte, error)
}

// Ledger anchors message descriptors.
type Ledger interface {
	Submit(ctx context.Context, d *models.MessageDescriptor) (*models.Anchor, error)
	GetByID(ctx context.Context, messageID string) (*models.MessageDescriptor, error)
	QueryBySender(ctx context.Context, identity string) ([]*models.MessageDescriptor, error)
	QueryByRecipient(ctx context.Context, identity string) ([]*models.MessageDescriptor, error)
}

// IdentityResolver maps an account identity to its X25519 public key.
type IdentityResolver interface {
	Resolve(ctx context.Context, identity string) ([keywrap.PublicKeySize]byte, error)
}

// IdentityValidator is implemented by resolvers that can reject a malformed
// identity without a lookup. Creation checks sender and recipient with it
// before generating keys. Resolvers without it only get the recipient
// checked, when it is resolved.
type IdentityValidator interface {
	ValidateIdentity(identity string) error
}

// Config holds the collaborators shared by both pipelines.
type Config struct {
	Blobs    BlobStore
	Ledger   Ledger
	Resolver IdentityResolver // defaults to keywrap.AccountResolver
	Logger   *zerolog.Logger  // nil disables logging
	Metrics  *Metrics         // optional
	Now      func() time.Time // defaults to time.Now
}

func (c Config) withDefaults() Config {
	if c.Resolver == nil {
		c.Resolver = keywrap.AccountResolver{}
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}
