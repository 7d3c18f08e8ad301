package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/org/timecapsule/internal/keywrap"
	"github.com/org/timecapsule/pkg/models"
)

func openMemBlobs(t *testing.T) *BadgerBlobStore {
	t.Helper()
	s, err := OpenBadgerBlobStore("", nil)
	if err != nil {
		t.Fatalf("OpenBadgerBlobStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func accountID(t *testing.T) string {
	t.Helper()
	kp, err := keywrap.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	defer kp.Close()
	return kp.AccountID()
}

func testDescriptor(t *testing.T, sender, recipient string) *models.MessageDescriptor {
	t.Helper()
	now := time.Date(2026, 5, 1, 9, 30, 0, 123456789, time.UTC)
	return &models.MessageDescriptor{
		KeyAddress:   BlobAddress([]byte("key")),
		MediaAddress: BlobAddress([]byte("media")),
		Digest:       keywrap.ComputeDigest([]byte("media")),
		UnlockAt:     now.Add(24 * time.Hour),
		Sender:       sender,
		Recipient:    recipient,
		CreatedAt:    now,
		MimeType:     "video/mp4",
		Name:         "birthday.mp4",
		Size:         5,
		KeyMode:      string(keywrap.ModeRecipient),
	}
}

func TestBadgerBlobRoundTrip(t *testing.T) {
	s := openMemBlobs(t)
	ctx := context.Background()
	data := []byte("ciphertext bytes")

	addr, err := s.PutBlob(ctx, data, "clip.bin")
	if err != nil {
		t.Fatalf("PutBlob: %v", err)
	}
	if addr != BlobAddress(data) {
		t.Errorf("address = %s, want content address", addr)
	}
	got, err := s.GetBlob(ctx, addr)
	if err != nil {
		t.Fatalf("GetBlob: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("blob differs")
	}

	// The store must not alias the caller's buffer.
	data[0] ^= 0xFF
	got, _ = s.GetBlob(ctx, addr)
	if got[0] == data[0] {
		t.Error("stored blob changed with the caller's buffer")
	}

	name, err := s.BlobName(addr)
	if err != nil || name != "clip.bin" {
		t.Errorf("BlobName = %q, %v", name, err)
	}
	ok, err := s.HasBlob(ctx, addr)
	if err != nil || !ok {
		t.Errorf("HasBlob = %v, %v", ok, err)
	}
}

func TestBadgerBlobIdempotentAndMissing(t *testing.T) {
	s := openMemBlobs(t)
	ctx := context.Background()

	a, err := s.PutBlob(ctx, []byte("same"), "")
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.PutBlob(ctx, []byte("same"), "")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("same bytes produced different addresses")
	}

	if _, err := s.GetBlob(ctx, BlobAddress([]byte("absent"))); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetBlob(absent) error = %v, want ErrNotFound", err)
	}
	if ok, _ := s.HasBlob(ctx, "nope"); ok {
		t.Error("HasBlob reported a missing blob")
	}
	if err := s.CollectGarbage(); err != nil {
		t.Errorf("CollectGarbage: %v", err)
	}
}

func TestBadgerBlobCanceled(t *testing.T) {
	s := openMemBlobs(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.PutBlob(ctx, []byte("x"), ""); !errors.Is(err, context.Canceled) {
		t.Errorf("PutBlob error = %v", err)
	}
}

func patterned(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i>>9)
	}
	return data
}

func TestBadgerBlobChunkBoundaries(t *testing.T) {
	sizes := []int{
		0,
		1,
		ChunkSize - 1,
		ChunkSize,
		ChunkSize + 1,
		1 << 20, // Badger's default value threshold
		5<<20 + 17,
	}
	stores := map[string]*BadgerBlobStore{"memory": openMemBlobs(t)}
	disk, err := OpenBadgerBlobStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("OpenBadgerBlobStore(disk): %v", err)
	}
	t.Cleanup(func() { disk.Close() })
	stores["disk"] = disk

	ctx := context.Background()
	for storeName, s := range stores {
		for _, size := range sizes {
			data := patterned(size)
			addr, err := s.PutBlob(ctx, data, "blob.bin")
			if err != nil {
				t.Fatalf("%s: PutBlob(%d bytes): %v", storeName, size, err)
			}
			got, err := s.GetBlob(ctx, addr)
			if err != nil {
				t.Fatalf("%s: GetBlob(%d bytes): %v", storeName, size, err)
			}
			if !bytes.Equal(got, data) {
				t.Errorf("%s: %d byte blob differs after round trip (got %d bytes)", storeName, size, len(got))
			}
		}
	}
}

func TestBadgerBlobMissingChunk(t *testing.T) {
	s := openMemBlobs(t)
	ctx := context.Background()
	addr, err := s.PutBlob(ctx, patterned(2*ChunkSize+5), "")
	if err != nil {
		t.Fatal(err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(chunkKey(addr, 1))
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetBlob(ctx, addr); !errors.Is(err, ErrCorruptBlob) {
		t.Errorf("GetBlob with a missing chunk: err = %v, want ErrCorruptBlob", err)
	}
}

func TestBackendErrorTruncates(t *testing.T) {
	raw := errors.New("Value with size 209715200 exceeded limit. Value: " + strings.Repeat("00 ", 100000))
	err := backendError("writing blob", raw)
	if !errors.Is(err, ErrBackend) {
		t.Errorf("error %v does not match ErrBackend", err)
	}
	if len(err.Error()) > 256 {
		t.Errorf("error text is %d bytes, want it truncated", len(err.Error()))
	}
}

func TestAnchorReference(t *testing.T) {
	d := testDescriptor(t, accountID(t), accountID(t))

	a, err := AnchorReference(d)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := AnchorReference(d)
	if a != b || len(a) != 64 {
		t.Errorf("anchor not deterministic or wrong length: %s %s", a, b)
	}

	// ID and the reference itself are excluded.
	withID := *d
	withID.ID = "some-id"
	withID.AnchorReference = a
	if c, _ := AnchorReference(&withID); c != a {
		t.Error("anchor depends on ID")
	}
	if !VerifyAnchor(&withID) {
		t.Error("VerifyAnchor rejected a correct reference")
	}

	// Same instant in another zone anchors identically.
	zoned := *d
	zoned.UnlockAt = d.UnlockAt.In(time.FixedZone("UTC+5", 5*3600))
	if c, _ := AnchorReference(&zoned); c != a {
		t.Error("anchor depends on time zone")
	}

	changed := *d
	changed.Digest = keywrap.ComputeDigest([]byte("other"))
	if c, _ := AnchorReference(&changed); c == a {
		t.Error("anchor ignores the digest")
	}
	withID.UnlockAt = withID.UnlockAt.Add(time.Second)
	if VerifyAnchor(&withID) {
		t.Error("VerifyAnchor accepted a modified descriptor")
	}
}

func TestLedgerSubmitAndQuery(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(NewMemoryLedger())
	alice, bob, carol := accountID(t), accountID(t), accountID(t)

	first := testDescriptor(t, alice, bob)
	anchor, err := l.Submit(ctx, first)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if anchor.MessageID == "" || anchor.AnchorReference == "" {
		t.Fatalf("empty anchor %+v", anchor)
	}
	if first.ID != "" {
		t.Error("Submit modified the caller's descriptor")
	}

	second := testDescriptor(t, carol, bob)
	second.CreatedAt = second.CreatedAt.Add(time.Minute)
	if _, err := l.Submit(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, err := l.GetByID(ctx, anchor.MessageID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.AnchorReference != anchor.AnchorReference || !VerifyAnchor(got) {
		t.Error("stored descriptor does not verify against its anchor")
	}
	if got.CreatedAt.Nanosecond()%1000 != 0 {
		t.Error("times should be truncated to microseconds")
	}

	inbox, err := l.QueryByRecipient(ctx, bob)
	if err != nil || len(inbox) != 2 {
		t.Fatalf("QueryByRecipient = %d, %v", len(inbox), err)
	}
	if inbox[0].Sender != alice {
		t.Error("inbox not ordered oldest first")
	}
	outbox, _ := l.QueryBySender(ctx, carol)
	if len(outbox) != 1 {
		t.Errorf("QueryBySender = %d", len(outbox))
	}
	paged, _ := l.List(ctx, MessageFilter{Recipient: bob, Offset: 1, Limit: 5})
	if len(paged) != 1 || paged[0].Sender != carol {
		t.Error("paging returned the wrong page")
	}
	if n, _ := l.Count(ctx); n != 2 {
		t.Errorf("Count = %d", n)
	}
	if _, err := l.GetByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID(missing) error = %v", err)
	}
}

func TestLedgerRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	l := NewLedger(NewMemoryLedger())
	alice, bob := accountID(t), accountID(t)

	cases := []struct {
		name   string
		mutate func(d *models.MessageDescriptor)
	}{
		{"bad sender", func(d *models.MessageDescriptor) { d.Sender = "alice" }},
		{"bad recipient", func(d *models.MessageDescriptor) { d.Recipient = "" }},
		{"self", func(d *models.MessageDescriptor) { d.Recipient = d.Sender }},
		{"no key address", func(d *models.MessageDescriptor) { d.KeyAddress = "" }},
		{"short digest", func(d *models.MessageDescriptor) { d.Digest = "abcd" }},
		{"no unlock", func(d *models.MessageDescriptor) { d.UnlockAt = time.Time{} }},
		{"bad mode", func(d *models.MessageDescriptor) { d.KeyMode = "plain" }},
		{"negative size", func(d *models.MessageDescriptor) { d.Size = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := testDescriptor(t, alice, bob)
			tc.mutate(d)
			_, err := l.Submit(ctx, d)
			if !IsInvalid(err) {
				t.Errorf("Submit error = %v, want ErrInvalidDescriptor", err)
			}
		})
	}
	if _, err := l.Submit(ctx, nil); !IsInvalid(err) {
		t.Errorf("Submit(nil) error = %v", err)
	}
}

func TestMemoryLedgerDuplicate(t *testing.T) {
	m := NewMemoryLedger()
	d := testDescriptor(t, accountID(t), accountID(t))
	d.ID, d.AnchorReference = "id-1", "ref-1"
	if err := m.InsertMessage(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	if err := m.InsertMessage(context.Background(), d); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("duplicate insert error = %v", err)
	}
}

// TestPostgresLedger runs against a real database when
// TIMECAPSULE_TEST_DATABASE_URL is set.
func TestPostgresLedger(t *testing.T) {
	dbURL := os.Getenv("TIMECAPSULE_TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TIMECAPSULE_TEST_DATABASE_URL not set")
	}
	if _, err := RunMigrations(dbURL, ""); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
	ctx := context.Background()
	pg, err := NewPostgresBackend(ctx, dbURL)
	if err != nil {
		t.Fatal(err)
	}
	defer pg.Close()

	l := NewLedger(pg)
	alice, bob := accountID(t), accountID(t)
	anchor, err := l.Submit(ctx, testDescriptor(t, alice, bob))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got, err := l.GetByID(ctx, anchor.MessageID)
	if err != nil {
		t.Fatal(err)
	}
	if !VerifyAnchor(got) {
		t.Error("descriptor read back from postgres does not verify")
	}
	inbox, err := l.QueryByRecipient(ctx, bob)
	if err != nil || len(inbox) != 1 {
		t.Errorf("QueryByRecipient = %d, %v", len(inbox), err)
	}
}
