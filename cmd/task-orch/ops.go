package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/task-orchestrator/internal/config"
	"github.com/hochfrequenz/task-orchestrator/internal/domain"
	"github.com/hochfrequenz/task-orchestrator/internal/executor"
	"github.com/hochfrequenz/task-orchestrator/internal/reconcile"
	"github.com/hochfrequenz/task-orchestrator/internal/signing"
	"github.com/hochfrequenz/task-orchestrator/internal/statestore"
	"github.com/hochfrequenz/task-orchestrator/internal/webhooks"
	"github.com/hochfrequenz/task-orchestrator/internal/workers"
	"github.com/hochfrequenz/task-orchestrator/tui"
)

const opTimeout = 15 * time.Second

var (
	workerName   string
	tasksStatus  string
	cancelReason string
	topInterval  time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVar(&workerName, "worker", "", "limit operator commands to one worker")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the health of every worker",
		RunE:  runStatus,
	})

	tasksCmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks across workers",
		RunE:  runTasks,
	}
	tasksCmd.Flags().StringVar(&tasksStatus, "status", "", "filter by status")
	rootCmd.AddCommand(tasksCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "show TASK",
		Short: "Show one task as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runShow,
	})

	cancelCmd := &cobra.Command{
		Use:   "cancel TASK",
		Short: "Cancel a queued or running task",
		Args:  cobra.ExactArgs(1),
		RunE:  runCancel,
	}
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "cancelled by operator", "reason recorded on the task")
	rootCmd.AddCommand(cancelCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "retry TASK",
		Short: "Requeue an interrupted task",
		Args:  cobra.ExactArgs(1),
		RunE:  runRetry,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "logs TASK",
		Short: "Print a task's agent log",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "usage USER",
		Short: "Show a user's quota usage from the gateway",
		Args:  cobra.ExactArgs(1),
		RunE:  runUsage,
	})

	topCmd := &cobra.Command{
		Use:   "top",
		Short: "Live dashboard of workers and tasks",
		RunE:  runTop,
	}
	topCmd.Flags().DurationVar(&topInterval, "interval", 2*time.Second, "refresh interval")
	rootCmd.AddCommand(topCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "reconcile",
		Short: "List worktrees on this host that no task references",
		RunE:  runReconcile,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "dead-letters",
		Short: "List webhooks that exhausted their delivery attempts",
		RunE:  runDeadLetters,
	})
}

// operatorPool returns the workers operator commands talk to. Without a
// gateway worker list the local orchestrator is used.
func operatorPool(cfg *config.Config) ([]domain.WorkerConfig, *workers.Client, error) {
	pool := cfg.Gateway.Workers
	if len(pool) == 0 {
		host := cfg.Orchestrator.Host
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		pool = []domain.WorkerConfig{{
			Name:     "local",
			Location: domain.LocationMac,
			BaseURL:  "http://" + host + ":" + strconv.Itoa(cfg.Orchestrator.Port),
			Capacity: cfg.Orchestrator.Capacity,
		}}
	}
	if workerName != "" {
		var picked []domain.WorkerConfig
		for _, w := range pool {
			if w.Name == workerName {
				picked = append(picked, w)
			}
		}
		if len(picked) == 0 {
			return nil, nil, fmt.Errorf("unknown worker %q", workerName)
		}
		pool = picked
	}

	secret := cfg.Gateway.DispatchSecret
	if secret == "" {
		secret = cfg.Orchestrator.DispatchSecret
	}
	if secret == "" {
		return nil, nil, errors.New("no dispatch secret configured (gateway.dispatch_secret or orchestrator.dispatch_secret)")
	}
	return pool, workers.NewClient(signing.NewSigner(secret), nil), nil
}

func operatorSetup() (context.Context, context.CancelFunc, []domain.WorkerConfig, *workers.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	pool, client, err := operatorPool(cfg)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	return ctx, cancel, pool, client, nil
}

// locate finds the worker that holds taskID
func locate(ctx context.Context, client *workers.Client, pool []domain.WorkerConfig, taskID string) (domain.WorkerConfig, *domain.Task, error) {
	var errs []error
	for _, w := range pool {
		task, err := client.Task(ctx, w, taskID)
		if err == nil {
			return w, task, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return domain.WorkerConfig{}, nil, errors.Join(errs...)
	}
	return domain.WorkerConfig{}, nil, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel, pool, client, err := operatorSetup()
	if err != nil {
		return err
	}
	defer cancel()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WORKER\tLOCATION\tSTATUS\tRUNNING\tQUEUED\tWEBHOOKS\tTOKEN\tVERSION")
	for _, wk := range pool {
		report, err := client.Report(ctx, wk)
		if err != nil {
			fmt.Fprintf(w, "%s\t%s\tunreachable\t-\t-\t-\t-\t%s\n", wk.Name, wk.Location, err)
			continue
		}
		token := "-"
		if report.GitHubTokenExpiresAt != nil {
			token = "expires " + humanize.Time(*report.GitHubTokenExpiresAt)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%d\t%d\t%s\t%s\n",
			wk.Name, wk.Location, report.Status, report.Running, report.Capacity,
			report.Queued, report.PendingWebhooks, token, report.Version)
	}
	return w.Flush()
}

func runTasks(cmd *cobra.Command, args []string) error {
	status := domain.TaskStatus(tasksStatus)
	if status != "" && !status.Valid() {
		return fmt.Errorf("unknown status %q", tasksStatus)
	}
	ctx, cancel, pool, client, err := operatorSetup()
	if err != nil {
		return err
	}
	defer cancel()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tSTATUS\tWORKER\tUSER\tTYPE\tCREATED\tCOST")
	var errs []error
	for _, wk := range pool {
		tasks, err := client.Tasks(ctx, wk, status)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, t := range tasks {
			cost := "-"
			if t.Result != nil && t.Result.CostUSD > 0 {
				cost = "$" + humanize.FormatFloat("#,###.##", t.Result.CostUSD)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				t.ID, t.Status, wk.Name, t.UserID, t.WorkerType, humanize.Time(t.CreatedAt), cost)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return errors.Join(errs...)
}

func runShow(cmd *cobra.Command, args []string) error {
	ctx, cancel, pool, client, err := operatorSetup()
	if err != nil {
		return err
	}
	defer cancel()

	_, task, err := locate(ctx, client, pool, args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(task)
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx, cancel, pool, client, err := operatorSetup()
	if err != nil {
		return err
	}
	defer cancel()

	wk, _, err := locate(ctx, client, pool, args[0])
	if err != nil {
		return err
	}
	if err := client.Cancel(ctx, wk, args[0], cancelReason); err != nil {
		return err
	}
	fmt.Printf("Cancelled %s on %s\n", args[0], wk.Name)
	return nil
}

func runRetry(cmd *cobra.Command, args []string) error {
	ctx, cancel, pool, client, err := operatorSetup()
	if err != nil {
		return err
	}
	defer cancel()

	wk, _, err := locate(ctx, client, pool, args[0])
	if err != nil {
		return err
	}
	task, err := client.Retry(ctx, wk, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Requeued %s on %s (attempt %d, now %s)\n", task.ID, wk.Name, task.Attempts, task.Status)
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	ctx, cancel, pool, client, err := operatorSetup()
	if err != nil {
		return err
	}
	defer cancel()

	wk, _, err := locate(ctx, client, pool, args[0])
	if err != nil {
		return err
	}
	text, err := client.Logs(ctx, wk, args[0])
	if err != nil {
		return err
	}
	fmt.Print(text)
	return nil
}

func runUsage(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	base := cfg.Gateway.PublicURL
	if base == "" {
		base = "http://127.0.0.1:" + strconv.Itoa(cfg.Gateway.Port)
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(base, "/")+"/v1/users/"+url.PathEscape(args[0])+"/usage", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway answered %s", resp.Status)
	}
	var u domain.UserUsage
	if err := json.NewDecoder(resp.Body).Decode(&u); err != nil {
		return err
	}

	l := cfg.Admission
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "User\t%s\n", u.UserID)
	fmt.Fprintf(w, "Concurrent\t%d / %d\n", u.ConcurrentTasks, l.MaxConcurrent)
	fmt.Fprintf(w, "This hour\t%d / %d\t(since %s)\n", u.TasksThisHour, l.MaxPerHour, humanize.Time(u.HourStartedAt))
	fmt.Fprintf(w, "Today\t$%s / $%s\n", humanize.FormatFloat("#,###.##", u.CostToday), humanize.FormatFloat("#,###.##", l.DailyCostCap))
	fmt.Fprintf(w, "This month\t$%s / $%s\n", humanize.FormatFloat("#,###.##", u.CostThisMonth), humanize.FormatFloat("#,###.##", l.MonthlyCostCap))
	return w.Flush()
}

func runTop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	pool, client, err := operatorPool(cfg)
	if err != nil {
		return err
	}
	model := tui.NewModel(tui.ModelConfig{
		Source:   tui.NewClientSource(client, pool),
		Interval: topInterval,
	})
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err = p.Run()
	return err
}

// stateTasks adapts a loaded state file for the reconciler
type stateTasks struct {
	st *domain.OrchestratorState
}

func (s stateTasks) WorktreePaths() []string {
	var paths []string
	for _, t := range s.st.Tasks {
		if t.WorktreePath != "" {
			paths = append(paths, t.WorktreePath)
		}
	}
	return paths
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	o := cfg.Orchestrator
	st, err := statestore.New(o.StateFilePath, nil).Load()
	if err != nil {
		return err
	}
	worktrees := executor.NewWorktreeManager(o.WorktreeBasePath, o.RepoBasePath, o.DefaultRepository)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	report := reconcile.New(worktrees, stateTasks{st}, nil).Run(ctx)

	fmt.Printf("Checked %d repositories\n", len(report.Repos))
	if len(report.Orphans) == 0 {
		fmt.Println("No orphaned worktrees")
		return nil
	}
	fmt.Printf("%d orphaned worktrees:\n", len(report.Orphans))
	for _, p := range report.Orphans {
		fmt.Printf("  %s\n", p)
	}
	return nil
}

func runDeadLetters(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	entries, err := webhooks.ReadDeadLetters(cfg.DeadLetterPath())
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No dead letters")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tKIND\tATTEMPTS\tDEAD\tLAST ERROR")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", e.TaskID, e.Kind, e.Attempts, humanize.Time(e.DeadAt), e.LastError)
	}
	return w.Flush()
}
