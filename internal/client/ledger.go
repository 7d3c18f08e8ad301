package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/org/timecapsule/pkg/models"
)

const pageSize = 500

// LedgerClient anchors and queries descriptors through /v1/messages.
type LedgerClient struct {
	c *Client
}

// Ledger returns the ledger API of c.
func (c *Client) Ledger() *LedgerClient {
	return &LedgerClient{c: c}
}

// Submit anchors d. ID and AnchorReference must be empty.
func (l *LedgerClient) Submit(ctx context.Context, d *models.MessageDescriptor) (*models.Anchor, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	header := http.Header{"Content-Type": {"application/json"}}
	resp, err := l.c.do(ctx, http.MethodPost, "/v1/messages", bytes.NewReader(data), int64(len(data)), header)
	if err != nil {
		return nil, fmt.Errorf("submitting message: %w", err)
	}
	defer resp.Body.Close()

	var anchor models.Anchor
	if err := json.NewDecoder(resp.Body).Decode(&anchor); err != nil {
		return nil, fmt.Errorf("decoding anchor: %w", err)
	}
	return &anchor, nil
}

// GetByID fetches one descriptor.
func (l *LedgerClient) GetByID(ctx context.Context, messageID string) (*models.MessageDescriptor, error) {
	var d models.MessageDescriptor
	if err := l.c.getJSON(ctx, "/v1/messages/"+url.PathEscape(messageID), &d); err != nil {
		return nil, fmt.Errorf("fetching message %s: %w", messageID, err)
	}
	return &d, nil
}

// QueryBySender returns every descriptor sent by identity.
func (l *LedgerClient) QueryBySender(ctx context.Context, identity string) ([]*models.MessageDescriptor, error) {
	return l.queryAll(ctx, "sender", identity)
}

// QueryByRecipient returns every descriptor addressed to identity.
func (l *LedgerClient) QueryByRecipient(ctx context.Context, identity string) ([]*models.MessageDescriptor, error) {
	return l.queryAll(ctx, "recipient", identity)
}

func (l *LedgerClient) queryAll(ctx context.Context, field, identity string) ([]*models.MessageDescriptor, error) {
	var all []*models.MessageDescriptor
	for offset := 0; ; offset += pageSize {
		q := url.Values{}
		q.Set(field, identity)
		q.Set("limit", strconv.Itoa(pageSize))
		q.Set("offset", strconv.Itoa(offset))

		var page struct {
			Messages []*models.MessageDescriptor `json:"messages"`
		}
		if err := l.c.getJSON(ctx, "/v1/messages?"+q.Encode(), &page); err != nil {
			return nil, fmt.Errorf("listing messages by %s: %w", field, err)
		}
		all = append(all, page.Messages...)
		if len(page.Messages) < pageSize {
			return all, nil
		}
	}
}
