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

// SlackNotifier posts task events to a Slack incoming webhook
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
	now        func() time.Time
}

// SlackMessage is an incoming-webhook payload
type SlackMessage struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment carries the task details under the headline
type SlackAttachment struct {
	Fallback  string       `json:"fallback"`
	Color     string       `json:"color"`
	Title     string       `json:"title,omitempty"`
	TitleLink string       `json:"title_link,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField is one short key/value cell of an attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

var slackColors = map[NotificationType]string{
	NotifySuccess: "good",
	NotifyWarning: "warning",
	NotifyError:   "danger",
}

// NewSlackNotifier creates a notifier for webhookURL; an empty URL disables it
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

// slackMessage lays out a task event: headline, the PR as a link, the
// summary and error as text, task and user as fields
func slackMessage(n Notification, at time.Time) SlackMessage {
	color, ok := slackColors[n.Type]
	if !ok {
		color = "#439FE0"
	}
	att := SlackAttachment{
		Fallback:  n.Title,
		Color:     color,
		Text:      n.Message,
		Footer:    "task-orch",
		Timestamp: at.Unix(),
	}
	if n.PRURL != "" {
		att.Title = "Pull request"
		att.TitleLink = n.PRURL
	}
	if n.TaskID != "" {
		att.Fields = append(att.Fields, SlackField{Title: "Task", Value: n.TaskID, Short: true})
	}
	if n.UserID != "" {
		att.Fields = append(att.Fields, SlackField{Title: "User", Value: n.UserID, Short: true})
	}
	return SlackMessage{Text: n.Title, Attachments: []SlackAttachment{att}}
}

// Send posts n to the channel behind the webhook
func (s *SlackNotifier) Send(ctx context.Context, n Notification) error {
	if s.webhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(slackMessage(n, s.now()))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	defer resp.Body.Close()

	// Slack answers "ok" with 200 and a short reason like "invalid_payload" otherwise
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
