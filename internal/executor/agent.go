package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
)

// DefaultGLMModel is the opencode model used for glm tasks
const DefaultGLMModel = "zai-coding-plan/glm-4.7"

var prURLRegex = regexp.MustCompile(`https://github\.com/[\w.-]+/[\w.-]+/pull/\d+`)

// ErrAlreadyRunning is returned when a task already has a live agent process
var ErrAlreadyRunning = errors.New("agent already running for task")

// RunSpec describes one agent run
type RunSpec struct {
	TaskID       string
	WorkerType   domain.WorkerType
	Prompt       string
	WorktreePath string
	Branch       string
	GitHubToken  string
	Timeout      time.Duration
}

// Exit reports how an agent run ended
type Exit struct {
	TaskID    string
	Err       error
	Result    domain.TaskResult
	TimedOut  bool
	Cancelled bool
}

// Failed reports whether the run should fail its task
func (e Exit) Failed() bool {
	return e.Err != nil || e.TimedOut
}

// Hooks receive agent output and the final exit. Both are called from
// runner goroutines; OnExit is called exactly once per started run.
type Hooks struct {
	OnOutput func(taskID, chunk string)
	OnExit   func(Exit)
}

// RunnerOptions configure how agent processes are launched
type RunnerOptions struct {
	// Command replaces the agent binary and its arguments. The prompt is
	// passed in TASK_PROMPT. Used for tests and custom wrappers.
	Command       []string
	OpenCodeModel string
	FlushInterval time.Duration
	FlushLines    int
}

// Runner launches one agent process per task and streams its output
type Runner struct {
	opts   RunnerOptions
	logger *zap.Logger

	mu   sync.Mutex
	runs map[string]*agentRun
}

// agentRun is a live agent process
type agentRun struct {
	spec      RunSpec
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	cancelled bool
	startedAt time.Time

	mu     sync.Mutex
	buf    []string
	output []string // tail kept for error extraction
	result domain.TaskResult
}

// NewRunner creates a Runner
func NewRunner(opts RunnerOptions, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.OpenCodeModel == "" {
		opts.OpenCodeModel = DefaultGLMModel
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.FlushLines <= 0 {
		opts.FlushLines = 64
	}
	return &Runner{
		opts:   opts,
		logger: logger.Named("runner"),
		runs:   make(map[string]*agentRun),
	}
}

// Command returns the executable and arguments for a worker type
func (r *Runner) Command(workerType domain.WorkerType, prompt string) (string, []string) {
	if len(r.opts.Command) > 0 {
		return r.opts.Command[0], append([]string(nil), r.opts.Command[1:]...)
	}
	switch workerType {
	case domain.WorkerGLM:
		return "opencode", []string{"run", "-m", r.opts.OpenCodeModel, prompt}
	case domain.WorkerOpus:
		return "claude", claudeArgs("opus", prompt)
	default:
		return "claude", claudeArgs("", prompt)
	}
}

func claudeArgs(model, prompt string) []string {
	args := []string{
		"--print",
		"--verbose",
		"--dangerously-skip-permissions",
		"--output-format", "stream-json",
	}
	if model != "" {
		args = append(args, "--model", model)
	}
	return append(args, "-p", prompt)
}

// Start launches the agent for spec. The process outlives the call; hooks
// report its output and exit. ctx bounds the process lifetime.
func (r *Runner) Start(ctx context.Context, spec RunSpec, hooks Hooks) error {
	r.mu.Lock()
	if _, ok := r.runs[spec.TaskID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, spec.TaskID)
	}
	r.mu.Unlock()

	if spec.Prompt == "" {
		return fmt.Errorf("task %s has no prompt", spec.TaskID)
	}

	var runCtx context.Context
	var cancel context.CancelFunc
	if spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}

	name, args := r.Command(spec.WorkerType, spec.Prompt)
	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = spec.WorktreePath
	cmd.Env = append(os.Environ(),
		"TASK_ID="+spec.TaskID,
		"TASK_PROMPT="+spec.Prompt,
		"TASK_WORKER_TYPE="+string(spec.WorkerType),
		"TASK_BRANCH="+spec.Branch,
	)
	if spec.GitHubToken != "" {
		cmd.Env = append(cmd.Env, "GH_TOKEN="+spec.GitHubToken, "GITHUB_TOKEN="+spec.GitHubToken)
	}
	// Children holding the pipes open must not block Wait forever
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("starting %s: %w", filepath.Base(name), err)
	}

	run := &agentRun{spec: spec, cmd: cmd, cancel: cancel, startedAt: time.Now()}
	r.mu.Lock()
	r.runs[spec.TaskID] = run
	r.mu.Unlock()

	r.logger.Info("agent started", zap.String("task_id", spec.TaskID),
		zap.String("command", filepath.Base(name)), zap.Int("pid", cmd.Process.Pid))

	go r.streamOutput(runCtx, run, stdout, stderr, hooks)
	return nil
}

func (r *Runner) streamOutput(ctx context.Context, run *agentRun, stdout, stderr io.ReadCloser, hooks Hooks) {
	var wg sync.WaitGroup
	wg.Add(2)

	flush := func() {
		run.mu.Lock()
		if len(run.buf) == 0 {
			run.mu.Unlock()
			return
		}
		chunk := strings.Join(run.buf, "\n") + "\n"
		run.buf = nil
		run.mu.Unlock()
		if hooks.OnOutput != nil {
			hooks.OnOutput(run.spec.TaskID, chunk)
		}
	}

	readLines := func(rd io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(rd)
		// Increase buffer size for long JSON lines
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			run.mu.Lock()
			parseResultLine(line, &run.result)
			run.buf = append(run.buf, line)
			run.output = append(run.output, line)
			if len(run.output) > 200 {
				run.output = run.output[len(run.output)-200:]
			}
			full := len(run.buf) >= r.opts.FlushLines
			run.mu.Unlock()
			if full {
				flush()
			}
		}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(r.opts.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				flush()
			case <-done:
				return
			}
		}
	}()

	go readLines(stdout)
	go readLines(stderr)
	wg.Wait()
	close(done)
	flush()

	err := run.cmd.Wait()

	r.mu.Lock()
	delete(r.runs, run.spec.TaskID)
	r.mu.Unlock()

	run.mu.Lock()
	exit := Exit{
		TaskID:    run.spec.TaskID,
		Result:    run.result,
		Cancelled: run.cancelled,
		TimedOut:  errors.Is(ctx.Err(), context.DeadlineExceeded),
	}
	if exit.Result.Branch == "" {
		exit.Result.Branch = run.spec.Branch
	}
	if exit.Result.Summary == "" {
		exit.Result.Summary = lastLine(run.output)
	}
	if err != nil {
		if extracted := extractErrorFromOutput(run.output); extracted != "" {
			exit.Err = fmt.Errorf("%w: %s", err, extracted)
		} else {
			exit.Err = err
		}
	}
	run.mu.Unlock()
	run.cancel()

	r.logger.Info("agent exited", zap.String("task_id", exit.TaskID), zap.Error(exit.Err),
		zap.Bool("timed_out", exit.TimedOut), zap.Bool("cancelled", exit.Cancelled),
		zap.Duration("duration", time.Since(run.startedAt)))

	if hooks.OnExit != nil {
		hooks.OnExit(exit)
	}
}

// Stop kills the agent for taskID. Reports whether one was running.
func (r *Runner) Stop(taskID string) bool {
	r.mu.Lock()
	run, ok := r.runs[taskID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	run.mu.Lock()
	run.cancelled = true
	run.mu.Unlock()
	run.cancel()
	return true
}

// StopAll kills every running agent
func (r *Runner) StopAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.runs))
	for id := range r.runs {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Stop(id)
	}
}

// Running returns the number of live agent processes
func (r *Runner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

// IsRunning reports whether taskID has a live agent
func (r *Runner) IsRunning(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.runs[taskID]
	return ok
}

// claudeResultMessage is the final stream-json message from claude
type claudeResultMessage struct {
	Type    string  `json:"type"`
	Subtype string  `json:"subtype,omitempty"`
	Result  string  `json:"result,omitempty"`
	IsError bool    `json:"is_error,omitempty"`
	CostUSD float64 `json:"total_cost_usd,omitempty"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
}

// parseResultLine picks usage, summary and PR links out of one output line
func parseResultLine(line string, res *domain.TaskResult) {
	if url := prURLRegex.FindString(line); url != "" {
		res.PRURL = url
	}
	if !strings.HasPrefix(line, "{") {
		return
	}
	var msg claudeResultMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil || msg.Type != "result" {
		return
	}
	res.TokensInput = msg.Usage.InputTokens
	res.TokensOutput = msg.Usage.OutputTokens
	res.CostUSD = msg.CostUSD
	if msg.Result != "" {
		res.Summary = truncate(msg.Result, 2000)
	}
}

// extractErrorFromOutput scans the tail of the output for an error message
// from opencode or claude
func extractErrorFromOutput(output []string) string {
	for i := len(output) - 1; i >= 0 && i >= len(output)-20; i-- {
		line := output[i]
		if !strings.HasPrefix(line, "{") {
			continue
		}

		var openCodeErr struct {
			Type  string `json:"type"`
			Error struct {
				Name string `json:"name"`
				Data struct {
					Message string `json:"message"`
				} `json:"data"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(line), &openCodeErr); err == nil && openCodeErr.Type == "error" {
			msg := openCodeErr.Error.Data.Message
			if msg == "" {
				msg = openCodeErr.Error.Name
			}
			if strings.Contains(msg, "CreditsError") || strings.Contains(msg, "No payment method") {
				return "opencode billing error: no payment method configured"
			}
			if msg != "" {
				return msg
			}
		}

		var claudeErr struct {
			Type    string `json:"type"`
			IsError bool   `json:"is_error"`
			Result  string `json:"result"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal([]byte(line), &claudeErr); err == nil {
			if claudeErr.Type == "error" && claudeErr.Error != "" {
				return claudeErr.Error
			}
			if claudeErr.Type == "result" && claudeErr.IsError && claudeErr.Result != "" {
				return truncate(claudeErr.Result, 500)
			}
		}
	}
	return ""
}

func lastLine(lines []string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if s := strings.TrimSpace(lines[i]); s != "" && !strings.HasPrefix(s, "{") {
			return truncate(s, 500)
		}
	}
	return ""
}

// truncate cuts s to at most n bytes without splitting a rune
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
