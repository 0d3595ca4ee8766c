package workers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/signing"
)

// do sends a signed request to w and decodes a JSON response into out.
// Non-2xx responses become a *DispatchError.
func (c *Client) do(ctx context.Context, w domain.WorkerConfig, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(w.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := signing.SignRequest(req, c.signer, body, c.now()); err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s on %s: %w", method, path, w.Name, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.Unmarshal(respBody, &apiErr)
		if apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(respBody))
		}
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s", domain.ErrNotFound, apiErr.Error)
		}
		return &DispatchError{Worker: w.Name, StatusCode: resp.StatusCode, Code: apiErr.Code, Message: apiErr.Error}
	}
	switch dst := out.(type) {
	case nil:
		return nil
	case *string:
		*dst = string(respBody)
		return nil
	default:
		return json.Unmarshal(respBody, out)
	}
}

// Report fetches a worker's full health report. A draining or degraded
// worker answers 503 with the same body, so that is not an error here.
func (c *Client) Report(ctx context.Context, w domain.WorkerConfig) (*domain.HealthReport, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(w.BaseURL, "/")+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("health of %s: %w", w.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, &DispatchError{Worker: w.Name, StatusCode: resp.StatusCode, Message: "unexpected health status"}
	}
	var report domain.HealthReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("decoding health of %s: %w", w.Name, err)
	}
	return &report, nil
}

// Tasks lists a worker's tasks, optionally filtered by status
func (c *Client) Tasks(ctx context.Context, w domain.WorkerConfig, status domain.TaskStatus) ([]*domain.Task, error) {
	path := "/tasks"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var tasks []*domain.Task
	if err := c.do(ctx, w, http.MethodGet, path, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Task fetches one task
func (c *Client) Task(ctx context.Context, w domain.WorkerConfig, taskID string) (*domain.Task, error) {
	var task domain.Task
	if err := c.do(ctx, w, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Retry requeues an interrupted task
func (c *Client) Retry(ctx context.Context, w domain.WorkerConfig, taskID string) (*domain.Task, error) {
	var task domain.Task
	if err := c.do(ctx, w, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/retry", struct{}{}, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// Logs returns a task's full agent log
func (c *Client) Logs(ctx context.Context, w domain.WorkerConfig, taskID string) (string, error) {
	var text string
	if err := c.do(ctx, w, http.MethodGet, "/tasks/"+url.PathEscape(taskID)+"/logs", nil, &text); err != nil {
		return "", err
	}
	return text, nil
}
