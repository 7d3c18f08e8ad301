package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/org/timecapsule/internal/crypto"
	"github.com/org/timecapsule/internal/keywrap"
	"github.com/org/timecapsule/internal/secure"
	"github.com/org/timecapsule/pkg/models"
)

// CreationRequest describes one message to create. Payload is read, never
// modified.
type CreationRequest struct {
	Payload   []byte
	Name      string
	MimeType  string
	Sender    string
	Recipient string
	UnlockAt  time.Time

	// KeyMode selects how the message key is wrapped. When empty, a set
	// Passphrase selects keywrap.ModePassphrase and keywrap.ModeRecipient is
	// used otherwise.
	KeyMode    keywrap.Mode
	Passphrase string

	Progress ProgressFunc
}

// CreationResult is returned by a successful creation run.
type CreationResult struct {
	MessageID       string
	AnchorReference string
	KeyAddress      string
	MediaAddress    string
	Digest          string
	Descriptor      *models.MessageDescriptor
}

// CreationPipeline encrypts, stores and anchors new messages. It holds no
// per-run state and is safe for concurrent use.
type CreationPipeline struct {
	cfg Config
}

// NewCreationPipeline returns a pipeline using cfg's collaborators.
func NewCreationPipeline(cfg Config) (*CreationPipeline, error) {
	if cfg.Blobs == nil {
		return nil, errors.New("creation pipeline: blob store is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("creation pipeline: ledger is required")
	}
	return &CreationPipeline{cfg: cfg.withDefaults()}, nil
}

// Run executes one creation. Failures are returned as *Error.
func (p *CreationPipeline) Run(ctx context.Context, req CreationRequest) (res *CreationResult, err error) {
	r := newRun(ctx, "create", p.cfg.Logger, req.Progress)
	defer func() { p.cfg.Metrics.observe(r, err) }()

	if err := r.enter(StageValidating, 0); err != nil {
		return nil, err
	}
	mode, err := validateCreation(&req, p.cfg.Now(), p.cfg.Resolver)
	if err != nil {
		return nil, err
	}

	var (
		key         *crypto.SymmetricKey
		rawKey      []byte
		payload     *crypto.EncryptedPayload
		blob        []byte
		wrapped     *keywrap.WrappedKey
		wrappedJSON []byte
	)
	defer func() {
		key.Destroy()
		secure.Wipe(rawKey, blob, wrappedJSON)
		payload.Wipe()
		wrapped.Wipe()
	}()

	if err := r.enter(StageEncrypting, 10); err != nil {
		return nil, err
	}
	if key, err = crypto.GenerateKey(); err != nil {
		return nil, r.fail(KindCrypto, err)
	}
	if payload, err = crypto.Encrypt(req.Payload, key); err != nil {
		return nil, r.fail(KindCrypto, err)
	}

	if err := r.enter(StageHashing, 25); err != nil {
		return nil, err
	}
	blob = payload.Bytes()
	digest := keywrap.ComputeDigest(blob)

	if err := r.enter(StageResolvingRecipientKey, 35); err != nil {
		return nil, err
	}
	recipientKey, err := p.cfg.Resolver.Resolve(ctx, req.Recipient)
	if err != nil {
		if errors.Is(err, keywrap.ErrInvalidIdentity) {
			return nil, &Error{Stage: r.stage, Kind: KindValidation, Field: "recipient", Err: err}
		}
		return nil, r.collaboratorFailure(KindStorage, err)
	}

	if err := r.enter(StageWrappingKey, 50); err != nil {
		return nil, err
	}
	rawKey = crypto.ExportKey(key)
	key.Destroy()
	if mode == keywrap.ModePassphrase {
		wrapped, err = keywrap.WrapKeyWithPassphrase(rawKey, req.Passphrase)
	} else {
		wrapped, err = keywrap.WrapKey(rawKey, recipientKey)
	}
	if err != nil {
		return nil, r.fail(KindCrypto, err)
	}
	if wrappedJSON, err = json.Marshal(wrapped); err != nil {
		return nil, r.fail(KindCrypto, fmt.Errorf("encoding wrapped key: %w", err))
	}

	if err := r.enter(StageUploadingKey, 50); err != nil {
		return nil, err
	}
	keyAddr, err := p.cfg.Blobs.Put(ctx, wrappedJSON, "", r.progress.span(StageUploadingKey, 50, 60))
	if err != nil {
		return nil, r.collaboratorFailure(KindStorage, err)
	}

	if err := r.enter(StageUploadingMedia, 60); err != nil {
		return nil, err
	}
	mediaAddr, err := p.cfg.Blobs.Put(ctx, blob, req.Name, r.progress.span(StageUploadingMedia, 60, 85))
	if err != nil {
		return nil, r.collaboratorFailure(KindStorage, err)
	}
	r.log.Debug().Str("key_address", keyAddr).Str("media_address", mediaAddr).Msg("blobs stored")

	if err := r.enter(StageAnchoring, 90); err != nil {
		return nil, err
	}
	desc := &models.MessageDescriptor{
		KeyAddress:   keyAddr,
		MediaAddress: mediaAddr,
		Digest:       digest,
		UnlockAt:     req.UnlockAt.UTC(),
		Sender:       req.Sender,
		Recipient:    req.Recipient,
		CreatedAt:    p.cfg.Now().UTC(),
		MimeType:     req.MimeType,
		Name:         req.Name,
		Size:         int64(len(req.Payload)),
		KeyMode:      string(mode),
	}
	anchor, err := p.cfg.Ledger.Submit(ctx, desc)
	if err != nil {
		return nil, r.collaboratorFailure(KindLedger, err)
	}
	desc.ID = anchor.MessageID
	desc.AnchorReference = anchor.AnchorReference

	r.complete()
	r.log.Info().Str("message_id", desc.ID).Str("recipient", desc.Recipient).
		Time("unlock_at", desc.UnlockAt).Msg("message created")

	return &CreationResult{
		MessageID:       anchor.MessageID,
		AnchorReference: anchor.AnchorReference,
		KeyAddress:      keyAddr,
		MediaAddress:    mediaAddr,
		Digest:          digest,
		Descriptor:      desc,
	}, nil
}

// validateCreation checks a request before any key material exists. Identity
// formats are whatever the resolver accepts.
func validateCreation(req *CreationRequest, now time.Time, resolver IdentityResolver) (keywrap.Mode, error) {
	invalid := func(field string, err error) error {
		return &Error{Stage: StageValidating, Kind: KindValidation, Field: field, Err: err}
	}
	mode := req.KeyMode
	if mode == "" {
		mode = keywrap.ModeRecipient
		if req.Passphrase != "" {
			mode = keywrap.ModePassphrase
		}
	}

	switch {
	case len(req.Payload) == 0:
		return "", invalid("payload", ErrEmptyPayload)
	case req.Sender == "":
		return "", invalid("sender", ErrMissingSender)
	case req.Recipient == "":
		return "", invalid("recipient", ErrMissingAddressee)
	}
	if v, ok := resolver.(IdentityValidator); ok {
		if err := v.ValidateIdentity(req.Sender); err != nil {
			return "", invalid("sender", err)
		}
		if err := v.ValidateIdentity(req.Recipient); err != nil {
			return "", invalid("recipient", err)
		}
	}
	if !req.UnlockAt.After(now) {
		return "", invalid("unlock_at", ErrUnlockNotFuture)
	}
	if req.Sender == req.Recipient {
		return "", invalid("recipient", ErrSelfAddressed)
	}
	switch mode {
	case keywrap.ModeRecipient:
	case keywrap.ModePassphrase:
		if req.Passphrase == "" {
			return "", invalid("passphrase", ErrEmptyPassphrase)
		}
	default:
		return "", invalid("key_mode", fmt.Errorf("unknown key mode %q", mode))
	}
	return mode, nil
}
