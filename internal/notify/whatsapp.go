package notify

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

// WhatsAppNotifier posts messages to the WhatsApp bridge, which resolves the
// user id to a phone number
type WhatsAppNotifier struct {
	url    string
	token  string
	client *http.Client
}

// WhatsAppMessage is the bridge's request body
type WhatsAppMessage struct {
	UserID  string `json:"userId"`
	TaskID  string `json:"taskId,omitempty"`
	Message string `json:"message"`
}

// NewWhatsAppNotifier creates a notifier for the bridge at url
func NewWhatsAppNotifier(url, token string) *WhatsAppNotifier {
	return &WhatsAppNotifier{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send delivers n to its user. Notifications without a user are skipped.
func (w *WhatsAppNotifier) Send(ctx context.Context, n Notification) error {
	if w.url == "" || n.UserID == "" {
		return nil
	}

	text := n.Title
	if n.Message != "" {
		text += "\n\n" + n.Message
	}
	body, err := json.Marshal(WhatsAppMessage{UserID: n.UserID, TaskID: n.TaskID, Message: text})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("whatsapp returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
