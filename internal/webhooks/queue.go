// Package webhooks delivers task notifications to the control plane at least
// once. Entries live in the orchestrator state, so a crash between attempts
// loses nothing; entries that keep failing end up in a dead-letter file.
package webhooks

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/metrics"
	"github.com/hochfrequenz/task-orchestrator/internal/retry"
	"github.com/hochfrequenz/task-orchestrator/internal/signing"
)

const (
	DefaultMaxAttempts  = 5
	DefaultTimeout      = 10 * time.Second
	DefaultPollInterval = 5 * time.Second
	// DeadLetterFile is created next to the state file
	DeadLetterFile = "dead-letters.jsonl"
)

// DefaultBackoff doubles from 2s up to 5 minutes
var DefaultBackoff = retry.Backoff{Base: 2 * time.Second, Max: 5 * time.Minute, Factor: 2}

// Store holds the pending entries. The orchestrator implements it on top of
// its persisted state.
type Store interface {
	PendingWebhooks() []domain.PendingWebhook
	EnqueueWebhook(ctx context.Context, wh domain.PendingWebhook) error
	UpdateWebhook(ctx context.Context, wh domain.PendingWebhook) error
	RemoveWebhook(ctx context.Context, id string) error
}

// Options tune delivery
type Options struct {
	MaxAttempts    int
	Backoff        retry.Backoff
	Timeout        time.Duration
	PollInterval   time.Duration
	DeadLetterPath string
}

// DeadLetter is one line of the dead-letter file
type DeadLetter struct {
	domain.PendingWebhook
	DeadAt time.Time `json:"deadAt"`
}

// Queue is the delivery loop
type Queue struct {
	store  Store
	opts   Options
	client *http.Client
	logger *zap.Logger
	now    func() time.Time

	wake chan struct{}
	dlMu sync.Mutex
}

// New creates a Queue over store
func New(store Store, opts Options, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Backoff.Base <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &Queue{
		store:  store,
		opts:   opts,
		client: &http.Client{},
		logger: logger.Named("webhooks"),
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
}

// NewPending builds an entry ready for immediate delivery
func NewPending(taskID string, kind domain.WebhookKind, url, secret string, payload any, now time.Time) (domain.PendingWebhook, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.PendingWebhook{}, fmt.Errorf("encoding webhook payload: %w", err)
	}
	return domain.PendingWebhook{
		ID:            uuid.NewString(),
		TaskID:        taskID,
		Kind:          kind,
		URL:           url,
		Secret:        secret,
		Payload:       body,
		CreatedAt:     now,
		NextAttemptAt: now,
	}, nil
}

// Enqueue persists wh and wakes the loop
func (q *Queue) Enqueue(ctx context.Context, wh domain.PendingWebhook) error {
	if wh.ID == "" {
		wh.ID = uuid.NewString()
	}
	if wh.CreatedAt.IsZero() {
		wh.CreatedAt = q.now()
	}
	if err := q.store.EnqueueWebhook(ctx, wh); err != nil {
		return err
	}
	q.Notify()
	return nil
}

// Notify wakes the loop without blocking
func (q *Queue) Notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of pending entries
func (q *Queue) Len() int {
	return len(q.store.PendingWebhooks())
}

// Run delivers due entries until ctx is done
func (q *Queue) Run(ctx context.Context) error {
	for {
		q.DeliverDue(ctx)

		wait := q.opts.PollInterval
		if next, ok := q.nextDue(); ok {
			if d := next.Sub(q.now()); d < wait {
				wait = d
			}
		}
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (q *Queue) nextDue() (time.Time, bool) {
	var next time.Time
	for _, wh := range q.store.PendingWebhooks() {
		if next.IsZero() || wh.NextAttemptAt.Before(next) {
			next = wh.NextAttemptAt
		}
	}
	return next, !next.IsZero()
}

// DeliverDue attempts every entry whose next attempt time has come, oldest
// first. It returns the number delivered.
func (q *Queue) DeliverDue(ctx context.Context) int {
	pending := q.store.PendingWebhooks()
	metrics.WebhookQueueDepth.Set(float64(len(pending)))
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	delivered := 0
	now := q.now()
	for _, wh := range pending {
		if ctx.Err() != nil {
			break
		}
		if wh.NextAttemptAt.After(now) {
			continue
		}
		if q.attempt(ctx, wh) {
			delivered++
		}
	}
	return delivered
}

// attempt sends wh once and records the outcome
func (q *Queue) attempt(ctx context.Context, wh domain.PendingWebhook) bool {
	log := q.logger.With(zap.String("task_id", wh.TaskID), zap.String("webhook_id", wh.ID),
		zap.String("kind", string(wh.Kind)))

	err := q.post(ctx, wh)
	if err == nil {
		metrics.WebhookDeliveries.WithLabelValues(string(wh.Kind), "ok").Inc()
		if err := q.store.RemoveWebhook(ctx, wh.ID); err != nil {
			// Delivered but still queued: the receiver sees it again later
			log.Warn("delivered webhook could not be removed", zap.Error(err))
		}
		log.Debug("webhook delivered", zap.Int("attempts", wh.Attempts+1))
		return true
	}

	// Shutdown interrupted the POST; the attempt does not count
	if ctx.Err() != nil {
		log.Debug("webhook delivery aborted by shutdown")
		return false
	}

	metrics.WebhookDeliveries.WithLabelValues(string(wh.Kind), "error").Inc()
	wh.Attempts++
	wh.LastError = err.Error()

	if wh.Attempts >= q.opts.MaxAttempts {
		q.deadLetter(ctx, wh, log)
		return false
	}

	wh.NextAttemptAt = q.now().Add(q.opts.Backoff.Delay(wh.Attempts))
	log.Warn("webhook delivery failed, will retry", zap.Int("attempts", wh.Attempts),
		zap.Time("next_attempt", wh.NextAttemptAt), zap.Error(err))
	if err := q.store.UpdateWebhook(ctx, wh); err != nil {
		log.Error("could not record webhook attempt", zap.Error(err))
	}
	return false
}

func (q *Queue) post(ctx context.Context, wh domain.PendingWebhook) error {
	ctx, cancel := context.WithTimeout(ctx, q.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(wh.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := signing.SignWebhook(req, wh.Secret, wh.Payload, q.now()); err != nil {
		return err
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("receiver returned %d", resp.StatusCode)
	}
	return nil
}

func (q *Queue) deadLetter(ctx context.Context, wh domain.PendingWebhook, log *zap.Logger) {
	if err := q.appendDeadLetter(DeadLetter{PendingWebhook: wh, DeadAt: q.now()}); err != nil {
		// Keep the entry queued rather than lose it
		log.Error("could not write dead letter, keeping webhook queued", zap.Error(err))
		wh.NextAttemptAt = q.now().Add(q.opts.Backoff.Delay(wh.Attempts))
		if err := q.store.UpdateWebhook(ctx, wh); err != nil {
			log.Error("could not reschedule undeliverable webhook", zap.Error(err))
		}
		return
	}
	metrics.WebhookDeadLetters.WithLabelValues(string(wh.Kind)).Inc()
	log.Error("webhook dead-lettered", zap.Int("attempts", wh.Attempts),
		zap.String("url", wh.URL), zap.String("last_error", wh.LastError))
	if err := q.store.RemoveWebhook(ctx, wh.ID); err != nil {
		log.Error("could not remove dead-lettered webhook", zap.Error(err))
	}
}

func (q *Queue) appendDeadLetter(dl DeadLetter) error {
	if q.opts.DeadLetterPath == "" {
		return errors.New("no dead-letter path configured")
	}
	q.dlMu.Lock()
	defer q.dlMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(q.opts.DeadLetterPath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(q.opts.DeadLetterPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	line, err := json.Marshal(dl)
	if err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadDeadLetters loads the dead-letter file. A missing file is empty.
func ReadDeadLetters(path string) ([]DeadLetter, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var out []DeadLetter
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var dl DeadLetter
		if err := json.Unmarshal(line, &dl); err != nil {
			return out, fmt.Errorf("parsing dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, scanner.Err()
}
