package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Tyrowin/relaychat/internal/store"
)

// HTTPPersister talks to the messages API served by cmd/relay.
type HTTPPersister struct {
	base   string
	client *http.Client
}

// NewHTTPPersister creates a persister for the API rooted at base, for
// example "http://localhost:8080". A nil client uses a 10 second timeout.
func NewHTTPPersister(base string, client *http.Client) *HTTPPersister {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPPersister{base: strings.TrimRight(base, "/"), client: client}
}

// CreateMessage posts msg and returns the stored message.
func (p *HTTPPersister) CreateMessage(ctx context.Context, msg store.NewMessage) (store.Message, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return store.Message{}, fmt.Errorf("encode message: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+"/api/messages", bytes.NewReader(body))
	if err != nil {
		return store.Message{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var stored store.Message
	if err := p.do(req, http.StatusCreated, &stored); err != nil {
		return store.Message{}, err
	}
	return stored, nil
}

// ListMessages fetches a conversation's history.
func (p *HTTPPersister) ListMessages(ctx context.Context, q store.Query) ([]store.Message, error) {
	params := url.Values{}
	if q.GroupID != "" {
		params.Set("groupId", q.GroupID)
	}
	if q.UserID != "" {
		params.Set("userId", q.UserID)
	}
	if q.PeerID != "" {
		params.Set("peerId", q.PeerID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+"/api/messages?"+params.Encode(), http.NoBody)
	if err != nil {
		return nil, err
	}

	var messages []store.Message
	if err := p.do(req, http.StatusOK, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (p *HTTPPersister) do(req *http.Request, want int, out any) error {
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s %s: %s", req.Method, req.URL.Path, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
