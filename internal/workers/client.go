package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/signing"
)

// DefaultDispatchTimeout bounds one POST /tasks
const DefaultDispatchTimeout = 10 * time.Second

// DispatchRequest is the body sent to an orchestrator's POST /tasks
type DispatchRequest struct {
	TaskID           string            `json:"taskId"`
	UserID           string            `json:"userId"`
	WorkerType       domain.WorkerType `json:"workerType"`
	Prompt           string            `json:"prompt"`
	Repository       string            `json:"repository,omitempty"`
	BaseBranch       string            `json:"baseBranch,omitempty"`
	LinearIssueID    string            `json:"linearIssueId,omitempty"`
	LinearIssueTitle string            `json:"linearIssueTitle,omitempty"`
	Slug             string            `json:"slug,omitempty"`
	ActionID         string            `json:"actionId,omitempty"`
	WebhookURL       string            `json:"webhookUrl"`
	WebhookSecret    string            `json:"webhookSecret"`
	LogWebhookURL    string            `json:"logWebhookUrl,omitempty"`
}

// ErrDuplicate is returned when the worker already runs the same logical task
var ErrDuplicate = errors.New("worker rejected duplicate task")

// DispatchError carries a non-success response from a worker
type DispatchError struct {
	Worker     string
	StatusCode int
	Code       string
	Message    string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to %s failed: HTTP %d %s %s", e.Worker, e.StatusCode, e.Code, e.Message)
}

// Client sends signed dispatches
type Client struct {
	http   *http.Client
	signer *signing.Signer
	logger *zap.Logger
	now    func() time.Time
}

// NewClient creates a dispatch client. The signer must be configured.
func NewClient(signer *signing.Signer, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:   &http.Client{Timeout: DefaultDispatchTimeout},
		signer: signer,
		logger: logger.Named("dispatch"),
		now:    time.Now,
	}
}

// Dispatch POSTs req to w. It returns the task as accepted by the worker,
// ErrDuplicate for 409, a *WorkerError for 503 and a *DispatchError otherwise.
func (c *Client) Dispatch(ctx context.Context, w domain.WorkerConfig, req DispatchRequest) (*domain.Task, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding dispatch: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(w.BaseURL, "/")+"/tasks", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := signing.SignRequest(httpReq, c.signer, body, c.now()); err != nil {
		return nil, err
	}

	start := c.now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("dispatch to %s: %w", w.Name, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	c.logger.Info("dispatched task", zap.String("task_id", req.TaskID), zap.String("worker", w.Name),
		zap.Int("status", resp.StatusCode), zap.Duration("duration", c.now().Sub(start)))

	switch {
	case resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusOK:
		var task domain.Task
		if err := json.Unmarshal(respBody, &task); err != nil {
			return nil, fmt.Errorf("decoding dispatch response: %w", err)
		}
		return &task, nil
	case resp.StatusCode == http.StatusConflict:
		return nil, ErrDuplicate
	}

	var apiErr struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	_ = json.Unmarshal(respBody, &apiErr)
	if resp.StatusCode == http.StatusServiceUnavailable {
		return nil, &WorkerError{Code: CodeNoCapacity, Message: fmt.Sprintf("%s: %s", w.Name, apiErr.Error)}
	}
	return nil, &DispatchError{Worker: w.Name, StatusCode: resp.StatusCode, Code: apiErr.Code, Message: apiErr.Error}
}

// Cancel asks a worker to cancel a task
func (c *Client) Cancel(ctx context.Context, w domain.WorkerConfig, taskID, reason string) error {
	body, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return err
	}
	url := strings.TrimRight(w.BaseURL, "/") + "/tasks/" + taskID + "/cancel"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := signing.SignRequest(httpReq, c.signer, body, c.now()); err != nil {
		return err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("cancel on %s: %w", w.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &DispatchError{Worker: w.Name, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	return nil
}

// SelectAndDispatch picks a worker and dispatches to it. A worker that
// answers 503 is invalidated and the next candidate is tried.
func SelectAndDispatch(ctx context.Context, sel *Selector, client *Client, req DispatchRequest) (domain.WorkerConfig, *domain.Task, error) {
	tried := make(map[string]bool)
	for {
		w, err := sel.findExcluding(ctx, tried)
		if err != nil {
			return domain.WorkerConfig{}, nil, err
		}
		task, err := client.Dispatch(ctx, w, req)
		var werr *WorkerError
		if errors.As(err, &werr) {
			sel.Invalidate(w.Name)
			tried[w.Name] = true
			continue
		}
		return w, task, err
	}
}
