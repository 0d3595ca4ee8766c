package executor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/hochfrequenz/task-orchestrator/internal/domain"
)

type exitRecorder struct {
	mu     sync.Mutex
	chunks []string
	exits  chan Exit
}

func newExitRecorder() *exitRecorder {
	return &exitRecorder{exits: make(chan Exit, 1)}
}

func (r *exitRecorder) hooks() Hooks {
	return Hooks{
		OnOutput: func(_ string, chunk string) {
			r.mu.Lock()
			r.chunks = append(r.chunks, chunk)
			r.mu.Unlock()
		},
		OnExit: func(e Exit) { r.exits <- e },
	}
}

func (r *exitRecorder) output() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.chunks, "")
}

func (r *exitRecorder) wait(t *testing.T) Exit {
	t.Helper()
	select {
	case e := <-r.exits:
		return e
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not exit")
		return Exit{}
	}
}

func TestRunner_Command(t *testing.T) {
	r := NewRunner(RunnerOptions{}, nil)

	tests := []struct {
		wt       domain.WorkerType
		wantName string
		contains []string
		excludes []string
	}{
		{domain.WorkerOpus, "claude", []string{"--model", "opus", "-p"}, nil},
		{domain.WorkerAuto, "claude", []string{"-p"}, []string{"--model"}},
		{domain.WorkerGLM, "opencode", []string{"run", "-m", DefaultGLMModel}, nil},
	}
	for _, tt := range tests {
		name, args := r.Command(tt.wt, "fix it")
		if name != tt.wantName {
			t.Errorf("%s: command = %s, want %s", tt.wt, name, tt.wantName)
		}
		joined := strings.Join(args, " ")
		for _, c := range tt.contains {
			if !strings.Contains(joined, c) {
				t.Errorf("%s: args %q missing %q", tt.wt, joined, c)
			}
		}
		for _, c := range tt.excludes {
			if strings.Contains(joined, c) {
				t.Errorf("%s: args %q should not contain %q", tt.wt, joined, c)
			}
		}
		if args[len(args)-1] != "fix it" {
			t.Errorf("%s: prompt should be the last argument", tt.wt)
		}
	}
}

func TestRunner_StreamsOutputAndReportsResult(t *testing.T) {
	script := `echo "working on $TASK_ID"
echo "prompt: $TASK_PROMPT"
echo '{"type":"result","result":"Opened https://github.com/acme/api/pull/42","total_cost_usd":0.42,"usage":{"input_tokens":100,"output_tokens":20}}'`
	r := NewRunner(RunnerOptions{Command: []string{"sh", "-c", script}, FlushInterval: 10 * time.Millisecond}, nil)
	rec := newExitRecorder()

	err := r.Start(context.Background(), RunSpec{
		TaskID: "t1", WorkerType: domain.WorkerOpus, Prompt: "add tests",
		WorktreePath: t.TempDir(), Branch: "task/t1",
	}, rec.hooks())
	if err != nil {
		t.Fatal(err)
	}

	exit := rec.wait(t)
	if exit.Failed() {
		t.Fatalf("exit failed: %v", exit.Err)
	}
	if exit.Result.PRURL != "https://github.com/acme/api/pull/42" {
		t.Errorf("PRURL = %q", exit.Result.PRURL)
	}
	if exit.Result.CostUSD != 0.42 || exit.Result.TokensInput != 100 || exit.Result.TokensOutput != 20 {
		t.Errorf("usage = %+v", exit.Result)
	}
	if exit.Result.Branch != "task/t1" {
		t.Errorf("Branch = %q", exit.Result.Branch)
	}
	out := rec.output()
	if !strings.Contains(out, "working on t1") || !strings.Contains(out, "prompt: add tests") {
		t.Errorf("output = %q", out)
	}
	if r.Running() != 0 {
		t.Error("finished run should be forgotten")
	}
}

func TestRunner_FailureExtractsError(t *testing.T) {
	script := `echo '{"type":"error","error":{"name":"APIError","data":{"message":"rate limited"}}}'; exit 3`
	r := NewRunner(RunnerOptions{Command: []string{"sh", "-c", script}}, nil)
	rec := newExitRecorder()

	if err := r.Start(context.Background(), RunSpec{TaskID: "t1", Prompt: "x", WorktreePath: t.TempDir()}, rec.hooks()); err != nil {
		t.Fatal(err)
	}
	exit := rec.wait(t)
	if !exit.Failed() {
		t.Fatal("expected failure")
	}
	if !strings.Contains(exit.Err.Error(), "rate limited") {
		t.Errorf("error = %v", exit.Err)
	}
}

func TestRunner_Timeout(t *testing.T) {
	r := NewRunner(RunnerOptions{Command: []string{"sleep", "30"}}, nil)
	rec := newExitRecorder()

	err := r.Start(context.Background(), RunSpec{
		TaskID: "t1", Prompt: "x", WorktreePath: t.TempDir(), Timeout: 100 * time.Millisecond,
	}, rec.hooks())
	if err != nil {
		t.Fatal(err)
	}
	exit := rec.wait(t)
	if !exit.TimedOut || !exit.Failed() {
		t.Errorf("exit = %+v, want timed out", exit)
	}
}

func TestRunner_Stop(t *testing.T) {
	r := NewRunner(RunnerOptions{Command: []string{"sleep", "30"}}, nil)
	rec := newExitRecorder()

	if err := r.Start(context.Background(), RunSpec{TaskID: "t1", Prompt: "x", WorktreePath: t.TempDir()}, rec.hooks()); err != nil {
		t.Fatal(err)
	}
	if !r.IsRunning("t1") {
		t.Fatal("expected t1 running")
	}
	if err := r.Start(context.Background(), RunSpec{TaskID: "t1", Prompt: "x", WorktreePath: t.TempDir()}, rec.hooks()); err == nil {
		t.Error("second start of the same task should fail")
	}

	if !r.Stop("t1") {
		t.Fatal("Stop() = false")
	}
	exit := rec.wait(t)
	if !exit.Cancelled {
		t.Errorf("exit = %+v, want cancelled", exit)
	}
	if r.Stop("t1") {
		t.Error("Stop() after exit should report false")
	}
}

func TestParseResultLine(t *testing.T) {
	var res domain.TaskResult
	parseResultLine("not json", &res)
	parseResultLine(`{"type":"assistant","message":"hi"}`, &res)
	if res != (domain.TaskResult{}) {
		t.Errorf("non-result lines changed result: %+v", res)
	}

	parseResultLine(`{"type":"result","result":"done","total_cost_usd":1.5,"usage":{"input_tokens":7,"output_tokens":3}}`, &res)
	if res.Summary != "done" || res.CostUSD != 1.5 || res.TokensInput != 7 || res.TokensOutput != 3 {
		t.Errorf("result = %+v", res)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc..."},
		{"größe", 3, "gr..."}, // ö is two bytes starting at index 2
		{"日本語", 4, "日..."},
		{"日本語", 2, "..."},
	}
	for _, tt := range tests {
		got := truncate(tt.in, tt.n)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d) produced invalid UTF-8", tt.in, tt.n)
		}
	}
}
