package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/r3habb99/chatsync/internal/wire"
)

// Client talks to the chat REST API. It covers the two collaborator calls
// the sync engine needs: history pages and the send fallback used while
// the push channel is down.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     *slog.Logger
	now        func() time.Time
}

// NewClient creates an API client with the given http.Client.
// If httpClient is nil, http.DefaultClient is used.
func NewClient(httpClient *http.Client, baseURL, token string, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		logger:     logger,
		now:        time.Now,
	}
}

// do sends a request and returns the raw response body. Non-2xx statuses
// are returned as errors with the body included for context.
func (c *Client) do(ctx context.Context, method, endpoint string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("API %s returned status %d: %s", endpoint, resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// FetchHistory pulls one page of messages for a room. The response body
// may be a raw array or wrapped in one or two data envelopes; records are
// normalized before being returned, with unusable records dropped.
func (c *Client) FetchHistory(ctx context.Context, chatID string, limit, skip int) ([]wire.Message, error) {
	endpoint := fmt.Sprintf("/api/message/%s?limit=%d&skip=%d",
		url.PathEscape(chatID), limit, skip)

	body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching history for chat %s: %w", chatID, err)
	}

	payload := wire.UnwrapEnvelope(body)
	now := c.now()

	var messages []wire.Message
	dropped := 0
	payload.ForEach(func(_, raw gjson.Result) bool {
		msg, ok := wire.NormalizeMessage(raw, now)
		if !ok {
			dropped++
			return true
		}
		if msg.RoomID == "" {
			msg.RoomID = chatID
		}
		messages = append(messages, msg)
		return true
	})

	if dropped > 0 {
		c.logger.Debug("dropped unusable history records",
			slog.String("chat_id", chatID),
			slog.Int("dropped", dropped),
		)
	}

	return messages, nil
}

// SendMessage transmits a message over REST. Used as the fallback path
// when the push channel is not connected. The server-assigned message
// record is returned.
func (c *Client) SendMessage(ctx context.Context, chatID, content string, media []string) (wire.Message, error) {
	reqBody := map[string]any{
		"chatId":  chatID,
		"content": content,
	}
	if len(media) > 0 {
		reqBody["media"] = media
	}

	body, err := c.do(ctx, http.MethodPost, "/api/message", reqBody)
	if err != nil {
		return wire.Message{}, fmt.Errorf("sending message to chat %s: %w", chatID, err)
	}

	msg, ok := wire.NormalizeMessage(wire.UnwrapEnvelope(body), c.now())
	if !ok {
		return wire.Message{}, fmt.Errorf("send response for chat %s contained no usable message", chatID)
	}
	if msg.RoomID == "" {
		msg.RoomID = chatID
	}

	return msg, nil
}
