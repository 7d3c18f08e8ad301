package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/org/timecapsule/internal/storage"
	"github.com/org/timecapsule/pkg/models"
)

const maxListLimit = 500

// MessageSubmitHandler handles POST /v1/messages
func (s *Server) MessageSubmitHandler(w http.ResponseWriter, r *http.Request) {
	var d models.MessageDescriptor
	if err := decodeJSON(r, &d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if d.ID != "" || d.AnchorReference != "" {
		writeError(w, http.StatusBadRequest, "id and anchor_reference are assigned by the ledger")
		return
	}

	for _, addr := range []string{d.KeyAddress, d.MediaAddress} {
		ok, err := s.blobs.HasBlob(r.Context(), addr)
		if err != nil {
			internalError(w, r, "checking blob failed", err)
			return
		}
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown blob address "+addr)
			return
		}
	}

	anchor, err := s.ledger.Submit(r.Context(), &d)
	if err != nil {
		switch {
		case storage.IsInvalid(err):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, storage.ErrAlreadyExists):
			writeError(w, http.StatusConflict, "message already anchored")
		default:
			internalError(w, r, "anchoring message failed", err)
		}
		return
	}
	messagesTotal.Inc()
	zerolog.Ctx(r.Context()).Info().
		Str("message_id", anchor.MessageID).
		Str("recipient", d.Recipient).
		Time("unlock_at", d.UnlockAt).
		Msg("message anchored")
	writeJSON(w, http.StatusCreated, anchor)
}

// MessageGetHandler handles GET /v1/messages/{id}
func (s *Server) MessageGetHandler(w http.ResponseWriter, r *http.Request) {
	d, err := s.ledger.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "message not found")
			return
		}
		internalError(w, r, "reading message failed", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// MessageListHandler handles GET /v1/messages?sender=|recipient=[&limit=&offset=]
func (s *Server) MessageListHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.MessageFilter{Sender: q.Get("sender"), Recipient: q.Get("recipient")}
	if filter.Sender == "" && filter.Recipient == "" {
		writeError(w, http.StatusBadRequest, "sender or recipient is required")
		return
	}
	limit, ok := queryInt(r, "limit", 100)
	if !ok || limit > maxListLimit {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	offset, ok := queryInt(r, "offset", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}
	filter.Limit, filter.Offset = limit, offset

	msgs, err := s.ledger.List(r.Context(), filter)
	if err != nil {
		internalError(w, r, "listing messages failed", err)
		return
	}
	if msgs == nil {
		msgs = []*models.MessageDescriptor{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}
