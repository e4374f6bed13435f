package xbroadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// Client sends and receives the messages of one channel.
// Poll advances an internal cursor, so each message is returned once.
type Client struct {
	log     *slog.Logger
	hc      *http.Client
	baseURL string
	channel string

	cursor int
}

func NewClient(log *slog.Logger, baseURL, channel string) *Client {
	return &Client{
		log:     log,
		hc:      &http.Client{},
		baseURL: baseURL,
		channel: channel,
	}
}

func (c *Client) messagesURL() string {
	return fmt.Sprintf("%s/channels/%s/messages", c.baseURL, c.channel)
}

// Send appends one message to the channel.
func (c *Client) Send(ctx context.Context, msg json.RawMessage) error {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.messagesURL(), bytes.NewReader(msg),
	)
	if err != nil {
		return fmt.Errorf("failed to build broadcast request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send broadcast message: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("broadcast host rejected message: %s: %s", resp.Status, body)
	}
	return nil
}

// Poll returns the messages appended since the previous Poll call.
func (c *Client) Poll(ctx context.Context) ([]json.RawMessage, error) {
	url := fmt.Sprintf("%s?after=%d", c.messagesURL(), c.cursor)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build broadcast request: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to poll broadcast host: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("broadcast host poll failed: %s: %s", resp.Status, body)
	}

	var out struct {
		Messages []json.RawMessage `json:"messages"`
		Next     int               `json:"next"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode broadcast response: %w", err)
	}

	c.cursor = out.Next
	if len(out.Messages) > 0 {
		c.log.Debug(
			"Received broadcast messages",
			"channel", c.channel, "n", len(out.Messages), "cursor", c.cursor,
		)
	}
	return out.Messages, nil
}
