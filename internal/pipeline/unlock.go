package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/org/timecapsule/internal/crypto"
	"github.com/org/timecapsule/internal/keywrap"
	"github.com/org/timecapsule/internal/secure"
	"github.com/org/timecapsule/pkg/models"
)

// UnlockRequest names a message and the credential that opens it. When
// Descriptor is nil the descriptor is fetched from the ledger by MessageID.
type UnlockRequest struct {
	MessageID  string
	Descriptor *models.MessageDescriptor

	// Recipient opens recipient-mode keys, Passphrase opens passphrase-mode
	// keys. The pipeline does not close Recipient.
	Recipient  *keywrap.KeyPair
	Passphrase string

	Progress ProgressFunc
}

// UnlockResult is returned by a successful unlock run. The caller must
// Release the resource.
type UnlockResult struct {
	Descriptor *models.MessageDescriptor
	Resource   *Resource
}

// UnlockPipeline fetches, verifies and decrypts messages. It holds no per-run
// state and is safe for concurrent use.
type UnlockPipeline struct {
	cfg Config
}

// NewUnlockPipeline returns a pipeline using cfg's collaborators. The ledger
// is only needed for requests without a descriptor.
func NewUnlockPipeline(cfg Config) (*UnlockPipeline, error) {
	if cfg.Blobs == nil {
		return nil, errors.New("unlock pipeline: blob store is required")
	}
	return &UnlockPipeline{cfg: cfg.withDefaults()}, nil
}

// Run executes one unlock. Failures are returned as *Error.
func (p *UnlockPipeline) Run(ctx context.Context, req UnlockRequest) (res *UnlockResult, err error) {
	r := newRun(ctx, "unlock", p.cfg.Logger, req.Progress)
	defer func() { p.cfg.Metrics.observe(r, err) }()

	var (
		wrappedJSON []byte
		wrapped     *keywrap.WrappedKey
		rawKey      []byte
		key         *crypto.SymmetricKey
		blob        []byte
		plaintext   []byte
		resource    *Resource
	)
	defer func() {
		key.Destroy()
		secure.Wipe(rawKey, blob, wrappedJSON)
		wrapped.Wipe()
		if resource == nil {
			secure.Wipe(plaintext)
		}
	}()

	if err := r.enter(StageVerifyTimestamp, 10); err != nil {
		return nil, err
	}
	desc, err := p.descriptor(r, &req)
	if err != nil {
		return nil, err
	}
	now := p.cfg.Now()
	if now.Before(desc.UnlockAt) {
		return nil, r.fail(KindTimestamp, &LockedError{
			UnlockAt:  desc.UnlockAt,
			Remaining: desc.UnlockAt.Sub(now),
		})
	}

	if err := r.enter(StageFetchWrappedKey, 20); err != nil {
		return nil, err
	}
	if wrappedJSON, err = p.cfg.Blobs.Get(ctx, desc.KeyAddress); err != nil {
		return nil, r.collaboratorFailure(KindStorage, err)
	}

	if err := r.enter(StageUnwrapKey, 40); err != nil {
		return nil, err
	}
	if wrapped, err = keywrap.ParseWrappedKey(wrappedJSON); err != nil {
		return nil, r.fail(KindCrypto, err)
	}
	if rawKey, err = p.unwrap(r, wrapped, &req); err != nil {
		return nil, err
	}
	if key, err = crypto.ImportKey(rawKey); err != nil {
		return nil, r.fail(KindCrypto, err)
	}

	if err := r.enter(StageFetchCiphertext, 60); err != nil {
		return nil, err
	}
	if blob, err = p.cfg.Blobs.Get(ctx, desc.MediaAddress); err != nil {
		return nil, r.collaboratorFailure(KindStorage, err)
	}

	// The digest is checked before decryption so tampering is reported as an
	// integrity failure rather than a generic authentication failure.
	if err := r.enter(StageVerifyIntegrity, 70); err != nil {
		return nil, err
	}
	if !keywrap.VerifyDigest(blob, desc.Digest) {
		r.log.Warn().Str("message_id", desc.ID).Msg("ciphertext digest mismatch")
		return nil, r.fail(KindIntegrity, ErrDigestMismatch)
	}

	if err := r.enter(StageDecrypt, 80); err != nil {
		return nil, err
	}
	payload, err := crypto.ParsePayload(blob)
	if err != nil {
		return nil, r.fail(KindCrypto, err)
	}
	if plaintext, err = crypto.Decrypt(payload, key); err != nil {
		return nil, r.fail(KindCrypto, err)
	}

	if err := r.enter(StageMaterializeResource, 90); err != nil {
		return nil, err
	}
	resource = newResource(plaintext, desc.MimeType, desc.Name)

	r.complete()
	r.log.Info().Str("message_id", desc.ID).Str("handle", resource.Handle).
		Int("size", resource.Size).Msg("message unlocked")

	return &UnlockResult{Descriptor: desc, Resource: resource}, nil
}

func (p *UnlockPipeline) descriptor(r *run, req *UnlockRequest) (*models.MessageDescriptor, error) {
	if req.Descriptor != nil {
		return req.Descriptor, nil
	}
	if req.MessageID == "" {
		return nil, &Error{Stage: r.stage, Kind: KindValidation, Field: "message_id", Err: ErrMissingMessage}
	}
	if p.cfg.Ledger == nil {
		return nil, r.fail(KindLedger, errors.New("no ledger configured"))
	}
	desc, err := p.cfg.Ledger.GetByID(r.ctx, req.MessageID)
	if err != nil {
		return nil, r.collaboratorFailure(KindLedger, err)
	}
	return desc, nil
}

// unwrap opens the message key with the credential matching the key's mode.
func (p *UnlockPipeline) unwrap(r *run, wrapped *keywrap.WrappedKey, req *UnlockRequest) ([]byte, error) {
	switch wrapped.Mode {
	case keywrap.ModeRecipient:
		if req.Recipient == nil {
			return nil, &Error{Stage: r.stage, Kind: KindValidation, Field: "recipient", Err: ErrMissingRecipient}
		}
		raw, err := keywrap.UnwrapKey(wrapped, req.Recipient)
		if err != nil {
			return nil, r.fail(KindCrypto, err)
		}
		return raw, nil
	case keywrap.ModePassphrase:
		if req.Passphrase == "" {
			return nil, &Error{Stage: r.stage, Kind: KindValidation, Field: "passphrase", Err: ErrEmptyPassphrase}
		}
		raw, err := keywrap.UnwrapKeyWithPassphrase(wrapped, req.Passphrase)
		if err != nil {
			return nil, r.fail(KindCrypto, err)
		}
		return raw, nil
	}
	return nil, r.fail(KindCrypto, fmt.Errorf("%w: unknown mode %q", keywrap.ErrMalformed, wrapped.Mode))
}
