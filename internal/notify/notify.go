// Package notify tells users about finished tasks over WhatsApp and Slack.
// Delivery is best-effort: failures are logged and never reach the caller.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// sendTimeout bounds one notification across all channels
const sendTimeout = 15 * time.Second

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	UserID  string
	TaskID  string
	PRURL   string // Optional PR URL
}

// Sender delivers a notification over one channel
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// MultiSender sends to multiple senders
type MultiSender struct {
	senders []Sender
}

// NewMultiSender creates a sender that sends to all provided senders
func NewMultiSender(senders ...Sender) *MultiSender {
	return &MultiSender{senders: senders}
}

// Send sends the notification to all senders and joins their errors
func (m *MultiSender) Send(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m.senders {
		if err := s.Send(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopSender does nothing (for testing or disabled notifications)
type NoopSender struct{}

func (NoopSender) Send(context.Context, Notification) error { return nil }

// Notifier is what the gateway calls when a task finishes
type Notifier interface {
	NotifyTaskComplete(ctx context.Context, c domain.TaskCompletion)
	NotifyTaskFailed(ctx context.Context, c domain.TaskCompletion)
}

// Async turns completions into notifications and sends them in the
// background so callback handlers never wait on a chat provider
type Async struct {
	sender Sender
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewAsync creates an async notifier over sender
func NewAsync(sender Sender, logger *zap.Logger) *Async {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Async{sender: sender, logger: logger.Named("notify")}
}

// NotifyTaskComplete announces a successful task
func (a *Async) NotifyTaskComplete(ctx context.Context, c domain.TaskCompletion) {
	a.send(ctx, CompletionNotification(c))
}

// NotifyTaskFailed announces a failed or cancelled task
func (a *Async) NotifyTaskFailed(ctx context.Context, c domain.TaskCompletion) {
	a.send(ctx, CompletionNotification(c))
}

func (a *Async) send(ctx context.Context, n Notification) {
	// Detached: the request that triggered this is about to return
	ctx = context.WithoutCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		if err := a.sender.Send(ctx, n); err != nil {
			a.logger.Warn("notification failed", zap.String("task_id", n.TaskID), zap.String("user_id", n.UserID), zap.Error(err))
			return
		}
		a.logger.Debug("notification sent", zap.String("task_id", n.TaskID))
	}()
}

// Wait blocks until in-flight notifications are done
func (a *Async) Wait() {
	a.wg.Wait()
}

// CompletionNotification renders the message for a finished task
func CompletionNotification(c domain.TaskCompletion) Notification {
	n := Notification{UserID: c.UserID, TaskID: c.TaskID}
	var lines []string

	switch {
	case c.Succeeded():
		n.Type = NotifySuccess
		n.Title = fmt.Sprintf("Task %s completed", c.TaskID)
	case c.Status == domain.StatusCancelled:
		n.Type = NotifyWarning
		n.Title = fmt.Sprintf("Task %s cancelled", c.TaskID)
	default:
		n.Type = NotifyError
		n.Title = fmt.Sprintf("Task %s failed", c.TaskID)
	}

	if r := c.Result; r != nil {
		if r.Summary != "" {
			lines = append(lines, r.Summary)
		}
		if r.PRURL != "" {
			n.PRURL = r.PRURL
			lines = append(lines, "PR: "+r.PRURL)
		}
		if r.CostUSD > 0 {
			lines = append(lines, "Cost: $"+humanize.FormatFloat("#,###.##", r.CostUSD))
		}
	}
	if c.Error != "" {
		lines = append(lines, "Error: "+c.Error)
	}
	n.Message = strings.Join(lines, "\n")
	return n
}
