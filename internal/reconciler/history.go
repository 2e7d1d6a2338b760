package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"dmsync/internal/domain/conversation"
	"dmsync/internal/domain/message"
	"dmsync/internal/transport/httpdto"
	dmsync_errors "dmsync/pkg/errors"
)

// HTTPHistory reads conversations through the server's read API.
type HTTPHistory struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPHistory(baseURL, token string) *HTTPHistory {
	return &HTTPHistory{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (h *HTTPHistory) Conversation(ctx context.Context, userA, userB string) ([]message.Message, error) {
	path := fmt.Sprintf("/v1/messages/conversation/%s/%s", url.PathEscape(userA), url.PathEscape(userB))
	return getData[[]message.Message](ctx, h, path)
}

func (h *HTTPHistory) Peers(ctx context.Context) ([]conversation.Peer, error) {
	return getData[[]conversation.Peer](ctx, h, "/v1/conversations")
}

func getData[T any](ctx context.Context, h *HTTPHistory, path string) (T, error) {
	var zero T
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+path, nil)
	if err != nil {
		return zero, err
	}
	req.Header.Set("Authorization", "Bearer "+h.token)
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return zero, fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	var body httpdto.Response[T]
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return zero, fmt.Errorf("GET %s: decode: %w", path, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK && body.Success:
		return body.Data, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return zero, fmt.Errorf("%w: %s", dmsync_errors.ErrUnauthorized, body.Error)
	case resp.StatusCode == http.StatusForbidden:
		return zero, fmt.Errorf("%w: %s", dmsync_errors.ErrForbidden, body.Error)
	default:
		return zero, fmt.Errorf("GET %s: %s: %s", path, resp.Status, body.Error)
	}
}
