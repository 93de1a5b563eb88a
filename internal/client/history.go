package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/matheus3301/dmhub/internal/chaterr"
	"github.com/matheus3301/dmhub/internal/wire"
)

// HistoryFetcher loads the persisted conversation with a peer, ordered by
// timestamp.
type HistoryFetcher interface {
	Conversation(ctx context.Context, peerID string) ([]wire.Message, error)
}

// HTTPHistory fetches history from the hub's REST endpoint.
type HTTPHistory struct {
	BaseURL    string
	Token      TokenSource
	HTTPClient *http.Client
}

func (h *HTTPHistory) Conversation(ctx context.Context, peerID string) ([]wire.Message, error) {
	var msgs []wire.Message
	path := "/api/messages/" + url.PathEscape(peerID)
	if err := h.do(ctx, http.MethodGet, path, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkAsRead calls the REST variant of MarkMessagesAsRead.
func (h *HTTPHistory) MarkAsRead(ctx context.Context, senderID string) (bool, error) {
	var res wire.MarkMessagesAsReadResult
	path := "/api/messages/markAsRead/" + url.PathEscape(senderID)
	if err := h.do(ctx, http.MethodPost, path, &res); err != nil {
		return false, err
	}
	return res.Updated, nil
}

func (h *HTTPHistory) do(ctx context.Context, method, path string, out any) error {
	token, err := h.Token(ctx)
	if err != nil {
		return fmt.Errorf("fetch token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(h.BaseURL, "/")+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	client := h.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return &chaterr.TransportError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &chaterr.TransportError{Op: "read " + path, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		var remote wire.Error
		if json.Unmarshal(body, &remote) == nil && remote.Kind != "" {
			return chaterr.FromKind(remote.Kind, remote.Message)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	return json.Unmarshal(body, out)
}
