package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// NtfySender publishes to an ntfy topic. Priority 5 bypasses do-not-disturb
// on most clients.
type NtfySender struct {
	server string
	topic  string
	token  string
	client *http.Client
}

// NewNtfySender creates an NtfySender for server (e.g. "https://ntfy.sh") and
// topic. token is optional.
func NewNtfySender(server, topic, token string) *NtfySender {
	return &NtfySender{
		server: strings.TrimRight(server, "/"),
		topic:  topic,
		token:  token,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts the body to {server}/{topic} with metadata in headers.
func (n *NtfySender) Send(ctx context.Context, msg Message) error {
	url := fmt.Sprintf("%s/%s", n.server, n.topic)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(msg.Body))
	if err != nil {
		return fmt.Errorf("ntfy: create request: %w", err)
	}
	req.Header.Set("Title", msg.Title)
	if msg.Priority > 0 {
		req.Header.Set("Priority", strconv.Itoa(msg.Priority))
	}
	if len(msg.Tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.Tags, ","))
	}
	if msg.Click != "" {
		req.Header.Set("Click", msg.Click)
	}
	if n.token != "" {
		req.Header.Set("Authorization", "Bearer "+n.token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("ntfy: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("ntfy: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Name returns the sender identifier.
func (n *NtfySender) Name() string {
	return "ntfy"
}
