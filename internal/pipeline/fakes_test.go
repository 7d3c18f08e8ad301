package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/org/timecapsule/internal/keywrap"
	"github.com/org/timecapsule/pkg/models"
)

var (
	errBlobDown   = errors.New("blob store unavailable")
	errLedgerDown = errors.New("ledger unavailable")
	errNoBlob     = errors.New("blob not found")
)

// memBlobs is an in-memory BlobStore. It records the slices it was handed
// and the slices it returned so tests can check that the pipeline wiped them.
type memBlobs struct {
	mu       sync.Mutex
	blobs    map[string][]byte
	puts     int
	failPut  int // 1-based index of the Put that fails; 0 never fails
	failGet  bool
	inputs   [][]byte
	returned [][]byte
}

func newMemBlobs() *memBlobs {
	return &memBlobs{blobs: map[string][]byte{}}
}

func (m *memBlobs) Put(_ context.Context, data []byte, _ string, progress func(int)) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	m.inputs = append(m.inputs, data)
	if m.failPut == m.puts {
		return "", errBlobDown
	}
	if progress != nil {
		progress(0)
		progress(40)
		progress(100)
	}
	cp := append([]byte(nil), data...)
	addr := keywrap.ComputeDigest(cp)
	m.blobs[addr] = cp
	return addr, nil
}

func (m *memBlobs) Get(_ context.Context, addr string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet {
		return nil, errBlobDown
	}
	data, ok := m.blobs[addr]
	if !ok {
		return nil, errNoBlob
	}
	out := append([]byte(nil), data...)
	m.returned = append(m.returned, out)
	return out, nil
}

func (m *memBlobs) tamper(addr string, fn func([]byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.blobs[addr])
}

func (m *memBlobs) putCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

func (m *memBlobs) getCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.returned)
}

// memLedger is an in-memory Ledger.
type memLedger struct {
	mu       sync.Mutex
	messages map[string]models.MessageDescriptor
	fail     bool
}

func newMemLedger() *memLedger {
	return &memLedger{messages: map[string]models.MessageDescriptor{}}
}

func (l *memLedger) Submit(_ context.Context, d *models.MessageDescriptor) (*models.Anchor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return nil, errLedgerDown
	}
	id := uuid.NewString()
	cp := *d
	cp.ID = id
	cp.AnchorReference = "anchor-" + id
	l.messages[id] = cp
	return &models.Anchor{MessageID: id, AnchorReference: cp.AnchorReference}, nil
}

func (l *memLedger) GetByID(_ context.Context, id string) (*models.MessageDescriptor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.messages[id]
	if !ok {
		return nil, errors.New("message not found")
	}
	return &d, nil
}

func (l *memLedger) QueryBySender(_ context.Context, identity string) ([]*models.MessageDescriptor, error) {
	return l.query(func(d models.MessageDescriptor) bool { return d.Sender == identity }), nil
}

func (l *memLedger) QueryByRecipient(_ context.Context, identity string) ([]*models.MessageDescriptor, error) {
	return l.query(func(d models.MessageDescriptor) bool { return d.Recipient == identity }), nil
}

func (l *memLedger) query(match func(models.MessageDescriptor) bool) []*models.MessageDescriptor {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*models.MessageDescriptor
	for _, d := range l.messages {
		if match(d) {
			cp := d
			out = append(out, &cp)
		}
	}
	return out
}

// clock is a settable time source.
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
	defer c.mu.Unlock()
	c.now = t
}

// env wires both pipelines to shared fakes.
type env struct {
	blobs     *memBlobs
	ledger    *memLedger
	clock     *clock
	create    *CreationPipeline
	unlock    *UnlockPipeline
	sender    *keywrap.KeyPair
	recipient *keywrap.KeyPair
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		blobs:  newMemBlobs(),
		ledger: newMemLedger(),
		clock:  &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	cfg := Config{Blobs: e.blobs, Ledger: e.ledger, Now: e.clock.Now}
	var err error
	if e.create, err = NewCreationPipeline(cfg); err != nil {
		t.Fatal(err)
	}
	if e.unlock, err = NewUnlockPipeline(cfg); err != nil {
		t.Fatal(err)
	}
	e.sender = newKeyPair(t)
	e.recipient = newKeyPair(t)
	return e
}

func newKeyPair(t *testing.T) *keywrap.KeyPair {
	t.Helper()
	kp, err := keywrap.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { kp.Close() })
	return kp
}

func (e *env) request(payload string) CreationRequest {
	return CreationRequest{
		Payload:   []byte(payload),
		Name:      "note.txt",
		Sender:    e.sender.AccountID(),
		Recipient: e.recipient.AccountID(),
		UnlockAt:  e.clock.Now().Add(time.Hour),
	}
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
