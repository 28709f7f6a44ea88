// Package push sends mobile push notifications through the Expo push API.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DefaultURL = "https://exp.host/--/api/v2/push/send"

// chunkSize is the provider-imposed batch limit per request.
const chunkSize = 100

// ErrDeviceNotRegistered is the receipt detail Expo returns for tokens that
// must not be sent to again.
const ErrDeviceNotRegistered = "DeviceNotRegistered"

// Message is one push send. To may carry multiple recipient tokens.
type Message struct {
	To    []string          `json:"to"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
	Sound string            `json:"sound,omitempty"`
}

// Receipt is the per-recipient outcome. For a message with n tokens the
// provider returns n receipts in recipient order.
type Receipt struct {
	Status  string `json:"status"`
	ID      string `json:"id,omitempty"`
	Message string `json:"message,omitempty"`
	Details struct {
		Error string `json:"error,omitempty"`
	} `json:"details,omitempty"`
}

func (r Receipt) OK() bool {
	return r.Status == "ok"
}

func (r Receipt) DeviceNotRegistered() bool {
	return r.Details.Error == ErrDeviceNotRegistered
}

type Sender interface {
	Send(ctx context.Context, messages []Message) ([]Receipt, error)
}

type Client struct {
	url  string
	http *http.Client
}

func NewClient(url string) *Client {
	url = strings.TrimSpace(url)
	if url == "" {
		url = DefaultURL
	}
	return &Client{
		url:  url,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// Send posts messages in provider-sized chunks, awaiting each chunk before
// the next. Receipts come back flattened in message order; a transport or
// non-2xx failure on any chunk aborts the remainder and returns the receipts
// collected so far alongside the error.
func (c *Client) Send(ctx context.Context, messages []Message) ([]Receipt, error) {
	var receipts []Receipt
	for start := 0; start < len(messages); start += chunkSize {
		end := start + chunkSize
		if end > len(messages) {
			end = len(messages)
		}
		chunk, err := c.sendChunk(ctx, messages[start:end])
		receipts = append(receipts, chunk...)
		if err != nil {
			return receipts, err
		}
	}
	return receipts, nil
}

func (c *Client) sendChunk(ctx context.Context, messages []Message) ([]Receipt, error) {
	raw, err := json.Marshal(messages)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("expo push returned status %d: %s", resp.StatusCode, body)
	}

	var parsed struct {
		Data []Receipt `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("expo push response: %w", err)
	}
	return parsed.Data, nil
}

// IsValidToken reports whether a token looks like an Expo push token. Anything
// else is skipped before sending.
func IsValidToken(token string) bool {
	token = strings.TrimSpace(token)
	if !strings.HasSuffix(token, "]") {
		return false
	}
	return strings.HasPrefix(token, "ExponentPushToken[") || strings.HasPrefix(token, "ExpoPushToken[")
}
