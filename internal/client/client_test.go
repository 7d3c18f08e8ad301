package client

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/org/timecapsule/internal/api"
	"github.com/org/timecapsule/internal/keywrap"
	"github.com/org/timecapsule/internal/pipeline"
	"github.com/org/timecapsule/internal/storage"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	blobs, err := storage.OpenBadgerBlobStore("", nil)
	require.NoError(t, err)
	t.Cleanup(func() { blobs.Close() })

	srv := api.NewServer(blobs, storage.NewLedger(storage.NewMemoryLedger()), api.Config{}, zerolog.Nop())
	ts := httptest.NewServer(srv.BuildRouter())
	t.Cleanup(ts.Close)

	c, err := New(ts.URL, Options{Timeout: 10 * time.Second})
	require.NoError(t, err)
	return c
}

func newKeyPair(t *testing.T) *keywrap.KeyPair {
	t.Helper()
	kp, err := keywrap.GenerateKeyPair()
	require.NoError(t, err)
	t.Cleanup(func() { kp.Close() })
	return kp
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func TestBlobClientRoundTrip(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	data := bytes.Repeat([]byte("0123456789abcdef"), 4096)

	var seen []int
	addr, err := c.Blobs().Put(ctx, data, "frames.bin", func(p int) { seen = append(seen, p) })
	require.NoError(t, err)
	require.Equal(t, storage.BlobAddress(data), addr)
	require.NotEmpty(t, seen)
	require.Equal(t, 100, seen[len(seen)-1])
	for i := 1; i < len(seen); i++ {
		require.Greater(t, seen[i], seen[i-1], "upload progress must increase")
	}

	got, err := c.Blobs().Get(ctx, addr)
	require.NoError(t, err)
	require.Equal(t, data, got)

	ok, err := c.Blobs().Has(ctx, addr)
	require.NoError(t, err)
	require.True(t, ok)

	missing := storage.BlobAddress([]byte("absent"))
	ok, err = c.Blobs().Has(ctx, missing)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = c.Blobs().Get(ctx, missing)
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStatusErrorMapping(t *testing.T) {
	tests := []struct {
		code   int
		target error
	}{
		{http.StatusNotFound, storage.ErrNotFound},
		{http.StatusConflict, storage.ErrAlreadyExists},
		{http.StatusBadRequest, storage.ErrInvalidDescriptor},
	}
	for _, tc := range tests {
		err := error(&StatusError{Code: tc.code, Message: "x"})
		require.ErrorIs(t, err, tc.target)
		require.ErrorIs(t, err, ErrRequest)
		require.False(t, errors.Is(&StatusError{Code: http.StatusInternalServerError}, tc.target))
	}
	require.Equal(t, "HTTP 502", (&StatusError{Code: http.StatusBadGateway}).Error())
}

func TestErrorBodyIsParsed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"errors":["rate limit exceeded"]}`))
	}))
	defer ts.Close()

	c, err := New(ts.URL, Options{})
	require.NoError(t, err)
	_, err = c.Health(context.Background())
	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusTooManyRequests, se.Code)
	require.Equal(t, "rate limit exceeded", se.Message)
}

func TestNewRequiresAddress(t *testing.T) {
	_, err := New("", Options{})
	require.Error(t, err)
	_, err = New("http://localhost", Options{CACertFile: "/nonexistent/ca.pem"})
	require.Error(t, err)
}

func TestPipelinesOverHTTP(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	sender, recipient := newKeyPair(t), newKeyPair(t)
	clk := &clock{now: time.Now().UTC()}

	cfg := pipeline.Config{Blobs: c.Blobs(), Ledger: c.Ledger(), Now: clk.Now}
	create, err := pipeline.NewCreationPipeline(cfg)
	require.NoError(t, err)
	unlock, err := pipeline.NewUnlockPipeline(cfg)
	require.NoError(t, err)

	unlockAt := clk.Now().Add(time.Hour)
	res, err := create.Run(ctx, pipeline.CreationRequest{
		Payload:   []byte("see you next year"),
		Name:      "note.txt",
		Sender:    sender.AccountID(),
		Recipient: recipient.AccountID(),
		UnlockAt:  unlockAt,
	})
	require.NoError(t, err)

	d, err := c.Ledger().GetByID(ctx, res.MessageID)
	require.NoError(t, err)
	require.Equal(t, res.AnchorReference, d.AnchorReference)
	require.True(t, storage.VerifyAnchor(d))

	inbox, err := c.Ledger().QueryByRecipient(ctx, recipient.AccountID())
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	outbox, err := c.Ledger().QueryBySender(ctx, sender.AccountID())
	require.NoError(t, err)
	require.Len(t, outbox, 1)

	_, err = unlock.Run(ctx, pipeline.UnlockRequest{MessageID: res.MessageID, Recipient: recipient})
	var locked *pipeline.LockedError
	require.ErrorAs(t, err, &locked)

	clk.Set(unlockAt.Add(time.Second))
	out, err := unlock.Run(ctx, pipeline.UnlockRequest{MessageID: res.MessageID, Recipient: recipient})
	require.NoError(t, err)
	defer out.Resource.Release()
	got, err := out.Resource.Bytes()
	require.NoError(t, err)
	require.Equal(t, "see you next year", string(got))

	_, err = c.Ledger().GetByID(ctx, "no-such-message")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSubmitRejectedDescriptor(t *testing.T) {
	c := newTestClient(t)
	d, err := c.Ledger().Submit(context.Background(), nil)
	require.Nil(t, d)
	require.ErrorIs(t, err, storage.ErrInvalidDescriptor)
}

func TestPipelinesOverHTTPLargeMedia(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	sender, recipient := newKeyPair(t), newKeyPair(t)
	clk := &clock{now: time.Now().UTC()}

	cfg := pipeline.Config{Blobs: c.Blobs(), Ledger: c.Ledger(), Now: clk.Now}
	create, err := pipeline.NewCreationPipeline(cfg)
	require.NoError(t, err)
	unlock, err := pipeline.NewUnlockPipeline(cfg)
	require.NoError(t, err)

	// Several chunks and past Badger's value threshold.
	media := make([]byte, 6<<20+321)
	for i := range media {
		media[i] = byte(i ^ i>>8)
	}
	want := bytes.Clone(media)

	unlockAt := clk.Now().Add(time.Minute)
	res, err := create.Run(ctx, pipeline.CreationRequest{
		Payload:   media,
		Name:      "holiday.mp4",
		MimeType:  "video/mp4",
		Sender:    sender.AccountID(),
		Recipient: recipient.AccountID(),
		UnlockAt:  unlockAt,
	})
	require.NoError(t, err)
	require.Equal(t, int64(len(want)), res.Descriptor.Size)

	clk.Set(unlockAt)
	out, err := unlock.Run(ctx, pipeline.UnlockRequest{MessageID: res.MessageID, Recipient: recipient})
	require.NoError(t, err)
	defer out.Resource.Release()

	got, err := out.Resource.Bytes()
	require.NoError(t, err)
	require.True(t, bytes.Equal(want, got), "decrypted media differs from the original")
	require.Equal(t, "video/mp4", out.Resource.MimeType)
}
