package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// Blobs are split into chunks kept below Badger's value threshold, so every
// value lives in the LSM tree. In-memory stores have no value log and cannot
// hold larger values at all.
const ChunkSize = 512 << 10

// MaxBlobSize is the largest blob PutBlob accepts.
const MaxBlobSize = 1 << 30

var (
	// ErrBlobTooLarge is returned for blobs above MaxBlobSize.
	ErrBlobTooLarge = errors.New("blob too large")
	// ErrBackend hides raw Badger errors, whose text may quote stored values.
	ErrBackend = errors.New("blob backend failure")
	// ErrCorruptBlob is returned when stored chunks do not match the address.
	ErrCorruptBlob = errors.New("corrupt blob")
)

var (
	blobPrefix  = []byte("blob/")
	chunkPrefix = []byte("chunk/")
	namePrefix  = []byte("name/")
)

// blobMeta is the value under blob/<addr>: total size and the chunk size the
// blob was written with. It is written last, so a blob is visible only once
// all of its chunks are.
type blobMeta struct {
	size      uint64
	chunkSize uint32
}

func (m blobMeta) encode() []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint64(b, m.size)
	binary.BigEndian.PutUint32(b[8:], m.chunkSize)
	return b
}

func decodeBlobMeta(b []byte) (blobMeta, error) {
	if len(b) != 12 {
		return blobMeta{}, fmt.Errorf("%w: metadata is %d bytes", ErrCorruptBlob, len(b))
	}
	m := blobMeta{size: binary.BigEndian.Uint64(b), chunkSize: binary.BigEndian.Uint32(b[8:])}
	if m.chunkSize == 0 || m.size > MaxBlobSize {
		return blobMeta{}, fmt.Errorf("%w: bad metadata", ErrCorruptBlob)
	}
	return m, nil
}

func (m blobMeta) chunks() uint32 {
	return uint32((m.size + uint64(m.chunkSize) - 1) / uint64(m.chunkSize))
}

// BadgerBlobStore is a BlobBackend on an embedded Badger database.
type BadgerBlobStore struct {
	db *badger.DB
}

// OpenBadgerBlobStore opens (or creates) a blob store in dir. An empty dir
// gives an in-memory store.
func OpenBadgerBlobStore(dir string, log *zerolog.Logger) (*BadgerBlobStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	if log != nil {
		opts = opts.WithLogger(badgerLogger{log: log.With().Str("component", "badger").Logger()})
	} else {
		opts = opts.WithLogger(nil)
	}
	opts.ValueLogFileSize = 100 << 20
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}
	return &BadgerBlobStore{db: db}, nil
}

// PutBlob stores data under its BLAKE3 address. Storing the same bytes twice
// is a no-op; a non-empty name is recorded as metadata.
func (s *BadgerBlobStore) PutBlob(ctx context.Context, data []byte, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) > MaxBlobSize {
		return "", ErrBlobTooLarge
	}
	addr := BlobAddress(data)
	exists, err := s.HasBlob(ctx, addr)
	if err != nil {
		return "", err
	}
	if exists {
		return addr, nil
	}

	// Chunks go through a WriteBatch, which splits them over as many
	// transactions as Badger's batch limits require.
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for n, off := uint32(0), 0; off < len(data); n, off = n+1, off+ChunkSize {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		end := min(off+ChunkSize, len(data))
		if err := wb.Set(chunkKey(addr, n), data[off:end]); err != nil {
			return "", backendError("writing blob", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return "", backendError("writing blob", err)
	}

	meta := blobMeta{size: uint64(len(data)), chunkSize: ChunkSize}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(blobKey(addr), meta.encode()); err != nil {
			return err
		}
		if name != "" {
			return txn.Set(prefixed(namePrefix, addr), []byte(name))
		}
		return nil
	})
	if err != nil {
		return "", backendError("writing blob", err)
	}
	return addr, nil
}

// GetBlob reassembles the blob at address and checks it against the address.
func (s *BadgerBlobStore) GetBlob(ctx context.Context, address string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(address))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		meta, err := decodeBlobMeta(raw)
		if err != nil {
			return err
		}

		out = make([]byte, 0, meta.size)
		for n := uint32(0); n < meta.chunks(); n++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			item, err := txn.Get(chunkKey(address, n))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: chunk %d missing", ErrCorruptBlob, n)
			}
			if err != nil {
				return err
			}
			if err := item.Value(func(v []byte) error {
				out = append(out, v...)
				return nil
			}); err != nil {
				return err
			}
		}
		if uint64(len(out)) != meta.size {
			return fmt.Errorf("%w: %d bytes stored, %d expected", ErrCorruptBlob, len(out), meta.size)
		}
		return nil
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return nil, ErrNotFound
	case errors.Is(err, ErrCorruptBlob), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return nil, err
	case err != nil:
		return nil, backendError("reading blob", err)
	}
	if BlobAddress(out) != address {
		return nil, fmt.Errorf("%w: content does not match address", ErrCorruptBlob)
	}
	return out, nil
}

// HasBlob reports whether address is stored.
func (s *BadgerBlobStore) HasBlob(ctx context.Context, address string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(blobKey(address))
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, backendError("checking blob", err)
	}
}

// BlobName returns the name recorded with a blob, if any.
func (s *BadgerBlobStore) BlobName(address string) (string, error) {
	var name string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(prefixed(namePrefix, address))
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		name = string(v)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", nil
	}
	return name, err
}

// CollectGarbage runs one value-log GC pass. Nothing to rewrite is not an
// error, and in-memory stores have no value log.
func (s *BadgerBlobStore) CollectGarbage() error {
	err := s.db.RunValueLogGC(0.5)
	if err == nil || errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return backendError("badger value log gc", err)
}

func (s *BadgerBlobStore) Close() error {
	return s.db.Close()
}

func blobKey(addr string) []byte {
	return prefixed(blobPrefix, addr)
}

// chunkKey is chunk/<addr>/<n> with n as a big-endian uint32, so a blob's
// chunks sort in order.
func chunkKey(addr string, n uint32) []byte {
	key := make([]byte, 0, len(chunkPrefix)+len(addr)+5)
	key = append(append(append(key, chunkPrefix...), addr...), '/')
	return binary.BigEndian.AppendUint32(key, n)
}

// backendError keeps the start of Badger's message. Some Badger errors quote
// the offending value in full.
func backendError(op string, err error) error {
	msg := err.Error()
	if len(msg) > 160 {
		msg = msg[:160] + "..."
	}
	return fmt.Errorf("%s: %w: %s", op, ErrBackend, msg)
}

func prefixed(prefix []byte, addr string) []byte {
	key := make([]byte, 0, len(prefix)+len(addr))
	return append(append(key, prefix...), addr...)
}

// badgerLogger routes Badger's logging through zerolog. Badger's info output
// is chatty, so it is logged at debug.
type badgerLogger struct {
	log zerolog.Logger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.log.Error().Msgf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.log.Warn().Msgf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.log.Debug().Msgf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.log.Trace().Msgf(f, v...) }
