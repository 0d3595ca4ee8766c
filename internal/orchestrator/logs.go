package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/webhooks"
)

// maxBufferedChunks bounds out-of-order chunks held per task
const maxBufferedChunks = 1024

// ErrLogGap is returned when too many chunks arrive ahead of a missing one
var ErrLogGap = errors.New("too many out-of-order log chunks")

// ApplyLogChunk applies chunks in sequence order. A chunk ahead of the next
// expected sequence is held until the gap fills; a chunk already applied is
// a no-op. Applied chunks go to the task's log file, to live subscribers,
// and to the task's log webhook when it has one.
func (o *Orchestrator) ApplyLogChunk(ctx context.Context, chunk domain.LogChunk) error {
	if chunk.Sequence < 0 {
		return fmt.Errorf("%w: negative log sequence", ErrInvalidTask)
	}

	o.mu.Lock()
	applied, err := o.applyChunkLocked(ctx, chunk)
	o.mu.Unlock()
	if err != nil {
		return err
	}
	o.broadcast(applied)
	return nil
}

// appendLocalOutput logs output of an agent running on this host under the
// next expected sequence
func (o *Orchestrator) appendLocalOutput(ctx context.Context, taskID, content string) error {
	o.mu.Lock()
	t, ok := o.state.Tasks[taskID]
	if !ok {
		o.mu.Unlock()
		return domain.ErrNotFound
	}
	seq := t.LogSequence
	applied, err := o.applyChunkLocked(ctx, domain.LogChunk{TaskID: taskID, Sequence: seq, Content: content})
	o.mu.Unlock()
	if err != nil {
		return err
	}
	o.broadcast(applied)
	return nil
}

func (o *Orchestrator) applyChunkLocked(ctx context.Context, chunk domain.LogChunk) ([]domain.LogChunk, error) {
	t, ok := o.state.Tasks[chunk.TaskID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if chunk.Sequence < t.LogSequence {
		return nil, nil
	}

	held := o.pendingLogs[chunk.TaskID]
	if chunk.Sequence > t.LogSequence {
		if held == nil {
			held = make(map[int64]string)
			o.pendingLogs[chunk.TaskID] = held
		}
		if _, dup := held[chunk.Sequence]; dup {
			return nil, nil
		}
		if len(held) >= maxBufferedChunks {
			return nil, fmt.Errorf("%w: task %s waits for sequence %d", ErrLogGap, chunk.TaskID, t.LogSequence)
		}
		held[chunk.Sequence] = chunk.Content
		return nil, nil
	}

	now := o.now()
	applied := []domain.LogChunk{{TaskID: chunk.TaskID, Sequence: chunk.Sequence, Content: chunk.Content, ReceivedAt: now}}
	for next := chunk.Sequence + 1; ; next++ {
		content, ok := held[next]
		if !ok {
			break
		}
		applied = append(applied, domain.LogChunk{TaskID: chunk.TaskID, Sequence: next, Content: content, ReceivedAt: now})
	}

	var forwards []domain.PendingWebhook
	if t.LogWebhookURL != "" {
		for _, c := range applied {
			wh, err := webhooks.NewPending(t.ID, domain.WebhookLogChunk, t.LogWebhookURL, t.WebhookSecret, c, now)
			if err != nil {
				return nil, err
			}
			forwards = append(forwards, wh)
		}
	}

	if err := o.writeLog(chunk.TaskID, applied); err != nil {
		return nil, err
	}
	for _, c := range applied[1:] {
		delete(held, c.Sequence)
	}
	if len(held) == 0 {
		delete(o.pendingLogs, chunk.TaskID)
	}
	nextSeq := applied[len(applied)-1].Sequence + 1

	if len(forwards) == 0 {
		t.LogSequence = nextSeq
		if t.Status == domain.StatusRunning {
			if err := o.touchLocked(ctx, t.ID, now); err != nil {
				o.logger.Warn("saving log position failed", zap.String("task_id", t.ID), zap.Error(err))
			}
		}
		return applied, nil
	}

	err := o.mutate(ctx, func(st *domain.OrchestratorState) error {
		t := st.Tasks[chunk.TaskID]
		t.LogSequence = nextSeq
		if t.Status == domain.StatusRunning {
			t.LastHeartbeat = now
		}
		st.PendingWebhooks = append(st.PendingWebhooks, forwards...)
		return nil
	})
	if err != nil {
		// The file already has the lines. Position and forwards stay in
		// memory and are saved with the next successful write.
		t.LogSequence = nextSeq
		o.state.PendingWebhooks = append(o.state.PendingWebhooks, forwards...)
		o.logger.Warn("log position not saved, forwarding anyway", zap.String("task_id", t.ID), zap.Error(err))
	}
	o.webhookWake()
	return applied, nil
}

// LogPath returns the log file of a task, empty when file logging is off
func (o *Orchestrator) LogPath(taskID string) string {
	if o.cfg.LogDir == "" {
		return ""
	}
	return filepath.Join(o.cfg.LogDir, taskID+".log")
}

// ReadLog returns everything logged for a task so far
func (o *Orchestrator) ReadLog(taskID string) ([]byte, error) {
	data, _, err := o.LogBacklog(taskID)
	return data, err
}

// LogBacklog returns the task's log together with the sequence of the next
// chunk. Chunks below that sequence are already part of the returned text.
func (o *Orchestrator) LogBacklog(taskID string) ([]byte, int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.state.Tasks[taskID]
	if !ok {
		return nil, 0, domain.ErrNotFound
	}
	path := o.LogPath(taskID)
	if path == "" {
		return nil, t.LogSequence, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, t.LogSequence, nil
	}
	return data, t.LogSequence, err
}

func (o *Orchestrator) writeLog(taskID string, chunks []domain.LogChunk) error {
	path := o.LogPath(taskID)
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening task log: %w", err)
	}
	defer f.Close()
	for _, c := range chunks {
		if _, err := f.WriteString(c.Content); err != nil {
			return fmt.Errorf("writing task log: %w", err)
		}
	}
	return nil
}

// SubscribeLogs streams chunks applied from now on. The channel is closed
// when the task finishes or cancel is called.
func (o *Orchestrator) SubscribeLogs(taskID string) (<-chan domain.LogChunk, func()) {
	ch := make(chan domain.LogChunk, 256)
	o.subMu.Lock()
	subs := o.subscribers[taskID]
	if subs == nil {
		subs = make(map[chan domain.LogChunk]struct{})
		o.subscribers[taskID] = subs
	}
	subs[ch] = struct{}{}
	o.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			o.subMu.Lock()
			defer o.subMu.Unlock()
			if _, ok := o.subscribers[taskID][ch]; ok {
				delete(o.subscribers[taskID], ch)
				if len(o.subscribers[taskID]) == 0 {
					delete(o.subscribers, taskID)
				}
				close(ch)
			}
		})
	}
	return ch, cancel
}

// broadcast delivers chunks to subscribers; a full subscriber misses them
func (o *Orchestrator) broadcast(chunks []domain.LogChunk) {
	if len(chunks) == 0 {
		return
	}
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for ch := range o.subscribers[chunks[0].TaskID] {
		for _, c := range chunks {
			select {
			case ch <- c:
			default:
			}
		}
	}
}

// dropLogState closes subscribers and forgets held chunks of a finished task
func (o *Orchestrator) dropLogState(taskID string) {
	o.mu.Lock()
	delete(o.pendingLogs, taskID)
	o.mu.Unlock()

	o.subMu.Lock()
	defer o.subMu.Unlock()
	for ch := range o.subscribers[taskID] {
		close(ch)
	}
	delete(o.subscribers, taskID)
}
