package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/metrics"
)

// Heartbeat records that a running task is alive. The timestamp is saved at
// most once per HeartbeatPersistInterval; in between it rides along with the
// next save.
func (o *Orchestrator) Heartbeat(ctx context.Context, id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	t, ok := o.state.Tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	if t.Status != domain.StatusRunning {
		return fmt.Errorf("%w: task %s is %s", domain.ErrInvalidTransition, id, t.Status)
	}
	return o.touchLocked(ctx, id, o.now())
}

// touchLocked refreshes the heartbeat and saves if the throttle allows
func (o *Orchestrator) touchLocked(ctx context.Context, id string, now time.Time) error {
	o.state.Tasks[id].LastHeartbeat = now
	if now.Sub(o.lastPersist) < o.cfg.HeartbeatPersistInterval {
		return nil
	}
	return o.mutate(ctx, func(*domain.OrchestratorState) error { return nil })
}

// SweepZombies marks running tasks without a heartbeat for longer than the
// zombie threshold as interrupted and returns their ids. A task whose agent
// process is still alive on this host is not a zombie. The whole pass runs
// under the state lock, so a completion that got in first is never undone.
func (o *Orchestrator) SweepZombies(ctx context.Context) ([]string, error) {
	o.mu.Lock()
	now := o.now()
	var zombies []string
	for id, t := range o.state.Tasks {
		if t.Status != domain.StatusRunning {
			continue
		}
		if o.agents.IsRunning(id) {
			t.LastHeartbeat = now
			continue
		}
		if now.Sub(t.LastHeartbeat) > o.cfg.ZombieThreshold {
			zombies = append(zombies, id)
		}
	}
	if len(zombies) == 0 {
		o.mu.Unlock()
		return nil, nil
	}
	sort.Strings(zombies)

	err := o.mutate(ctx, func(st *domain.OrchestratorState) error {
		for _, id := range zombies {
			t := st.Tasks[id]
			if err := t.Transition(domain.StatusInterrupted, now); err != nil {
				return err
			}
			t.Error = fmt.Sprintf("no heartbeat since %s", t.LastHeartbeat.UTC().Format(time.RFC3339))
		}
		return nil
	})
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}

	metrics.ZombiesReclaimed.Add(float64(len(zombies)))
	metrics.TasksFinished.WithLabelValues(string(domain.StatusInterrupted)).Add(float64(len(zombies)))
	for _, id := range zombies {
		o.agents.Stop(id)
		o.logger.Warn("zombie task interrupted", zap.String("task_id", id))
	}
	return zombies, nil
}

// RunSweeper sweeps for zombies and pumps the queue every interval until
// ctx is done
func (o *Orchestrator) RunSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := o.SweepZombies(ctx); err != nil {
				o.logger.Error("zombie sweep failed", zap.Error(err))
			}
			o.pump()
		}
	}
}
