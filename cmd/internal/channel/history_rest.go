package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chord/cmd/internal/auth"
	"chord/cmd/internal/realtime"
	v1 "chord/shared/contracts/realtime/v1"

	"github.com/go-resty/resty/v2"
)

// RESTHistory reads channel history from GET /messages/{channelId}?page=&size=.
type RESTHistory struct {
	log    *slog.Logger
	client *resty.Client
	tokens realtime.TokenSource
}

// NewRESTHistory constructs a history client for apiBase. timeout <= 0 leaves
// the per-request bound to the caller's context.
func NewRESTHistory(log *slog.Logger, apiBase string, tokens realtime.TokenSource, timeout time.Duration) *RESTHistory {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := resty.New().
		SetBaseURL(strings.TrimRight(apiBase, "/")).
		SetHeader("Accept", "application/json")
	if timeout > 0 {
		c.SetTimeout(timeout)
	}

	return &RESTHistory{log: log, client: c, tokens: tokens}
}

// FetchPage implements HistorySource.
func (h *RESTHistory) FetchPage(ctx context.Context, channelID v1.ID, page, size int) ([]v1.ChatMessage, error) {
	token, err := h.tokens.Token()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := h.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetPathParam("channelId", channelID.String()).
		SetQueryParams(map[string]string{
			"page": strconv.Itoa(page),
			"size": strconv.Itoa(size),
		}).
		Get("/messages/{channelId}")
	if err != nil {
		return nil, err
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		rerr := fmt.Errorf("%w: history status %d", auth.ErrRejected, code)
		h.tokens.Invalidate(rerr)
		return nil, rerr
	case resp.IsError():
		return nil, fmt.Errorf("history: unexpected status %d", code)
	}

	msgs, err := decodeHistory(resp.Body())
	if err != nil {
		return nil, err
	}

	h.log.Debug("channel.history.fetch",
		"channel_id", channelID.String(),
		"page", page,
		"size", size,
		"count", len(msgs),
		"ms", time.Since(start).Milliseconds(),
	)
	return msgs, nil
}

// decodeHistory accepts the page wrapper and, from older backends, a bare array.
func decodeHistory(body []byte) ([]v1.ChatMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}

	if body[0] == '[' {
		var msgs []v1.ChatMessage
		if err := json.Unmarshal(body, &msgs); err != nil {
			return nil, fmt.Errorf("history: bad json: %w", err)
		}
		return msgs, nil
	}

	var p v1.HistoryPage
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("history: bad json: %w", err)
	}
	return p.Content, nil
}
