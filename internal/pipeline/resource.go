package pipeline

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/org/timecapsule/internal/secure"
)

// ErrReleased is returned when a released resource is read.
var ErrReleased = errors.New("resource released")

// Resource is decrypted media held in memory. The caller owns it and must
// call Release once it is no longer displayed.
type Resource struct {
	Handle   string
	MimeType string
	Name     string
	Size     int

	mu       sync.Mutex
	data     []byte
	released bool
}

// newResource takes ownership of data.
func newResource(data []byte, mimeType, name string) *Resource {
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return &Resource{
		Handle:   uuid.NewString(),
		MimeType: mimeType,
		Name:     name,
		Size:     len(data),
		data:     data,
	}
}

// Bytes returns the plaintext. The slice is only valid until Release.
func (r *Resource) Bytes() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil, ErrReleased
	}
	return r.data, nil
}

// WriteTo copies the plaintext to w.
func (r *Resource) WriteTo(w io.Writer) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return 0, ErrReleased
	}
	return bytes.NewReader(r.data).WriteTo(w)
}

// Release wipes the plaintext. It is safe to call more than once.
func (r *Resource) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return
	}
	secure.Wipe(r.data)
	r.data = nil
	r.released = true
}
