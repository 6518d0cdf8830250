package runner_test

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"cpjudge/internal/judge/language"
	"cpjudge/internal/judge/model"
	"cpjudge/internal/judge/sandbox"
	"cpjudge/internal/judge/sandbox/engine"
	"cpjudge/internal/judge/sandbox/runner"
)

const testLanguages = `
languages:
  - key: python
    label: Python
    image: python:3.12-slim
    file_name: code.py
    command_template: "echo {input} | python /app/{file}"
    ace_mode: python
`

// containerScript drives the fake engine for one created container.
type containerScript struct {
	createErr         error
	startErr          error
	exitCode          int
	waitErr           error
	blockUntilCtxDone bool
	state             engine.State
	inspectErr        error
	logs              string
}

type fakeEngine struct {
	mu      sync.Mutex
	scripts []containerScript
	created []engine.ContainerSpec
	killed  []string
	removed []string
	pulled  []string
	next    int
}

func (f *fakeEngine) script(id string) containerScript {
	idx, err := strconv.Atoi(strings.TrimPrefix(id, "c"))
	if err != nil || idx >= len(f.scripts) {
		return containerScript{}
	}
	return f.scripts[idx]
}

func (f *fakeEngine) Ping(ctx context.Context) error { return nil }

func (f *fakeEngine) Pull(ctx context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, image)
	return nil
}

func (f *fakeEngine) Create(ctx context.Context, spec engine.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.next
	f.next++
	var sc containerScript
	if idx < len(f.scripts) {
		sc = f.scripts[idx]
	}
	if sc.createErr != nil {
		return "", sc.createErr
	}
	f.created = append(f.created, spec)
	id := fmt.Sprintf("c%d", idx)
	if sc.startErr != nil {
		return id, sc.startErr
	}
	return id, nil
}

func (f *fakeEngine) Wait(ctx context.Context, id string) (int, error) {
	sc := f.script(id)
	if sc.blockUntilCtxDone {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if sc.waitErr != nil {
		return 0, sc.waitErr
	}
	return sc.exitCode, nil
}

func (f *fakeEngine) Kill(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, id)
	return nil
}

func (f *fakeEngine) Inspect(ctx context.Context, id string) (engine.State, error) {
	sc := f.script(id)
	if sc.inspectErr != nil {
		return engine.State{}, sc.inspectErr
	}
	return sc.state, nil
}

func (f *fakeEngine) Logs(ctx context.Context, id string) (string, error) {
	return f.script(id).logs, nil
}

func (f *fakeEngine) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func newTestRunner(t *testing.T, eng *fakeEngine) (*runner.Runner, string) {
	t.Helper()
	registry, err := language.Parse([]byte(testLanguages), "inline")
	if err != nil {
		t.Fatalf("parse languages: %v", err)
	}
	workRoot := t.TempDir()
	r, err := runner.NewRunner(eng, registry, workRoot)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return r, workRoot
}

func oneTest(input, expected string) []model.TestCase {
	return []model.TestCase{{Input: input, ExpectedOutput: expected}}
}

func TestRunAccepted(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{scripts: []containerScript{{exitCode: 0, logs: "42\n"}}}
	r, _ := newTestRunner(t, eng)

	outcome := r.Run(context.Background(), "print(42)", "python", oneTest("", "42"), time.Second, 128)
	if outcome.Overall != sandbox.VerdictAC {
		t.Fatalf("expected AC, got %s", outcome.Overall)
	}
	if len(outcome.Tests) != 1 || outcome.Tests[0].Status != sandbox.VerdictAC {
		t.Fatalf("unexpected results: %+v", outcome.Tests)
	}
	if outcome.Tests[0].Time <= 0 {
		t.Fatal("expected positive elapsed time")
	}
	if len(eng.removed) != 1 {
		t.Fatalf("expected 1 removed container, got %d", len(eng.removed))
	}

	spec := eng.created[0]
	if spec.Image != "python:3.12-slim" {
		t.Fatalf("unexpected image: %s", spec.Image)
	}
	if spec.MemoryLimitBytes != 128*1024*1024 {
		t.Fatalf("unexpected memory limit: %d", spec.MemoryLimitBytes)
	}
	if spec.CPUQuota != 50000 {
		t.Fatalf("unexpected cpu quota: %d", spec.CPUQuota)
	}
	if len(spec.Binds) != 1 || !strings.HasSuffix(spec.Binds[0], ":/app") {
		t.Fatalf("unexpected binds: %v", spec.Binds)
	}
}

func TestRunWrongAnswer(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{scripts: []containerScript{{exitCode: 0, logs: "41\n"}}}
	r, _ := newTestRunner(t, eng)

	outcome := r.Run(context.Background(), "print(41)", "python", oneTest("", "42"), time.Second, 128)
	if outcome.Overall != sandbox.VerdictWA {
		t.Fatalf("expected WA, got %s", outcome.Overall)
	}
}

func TestRunOutputComparisonIgnoresSurroundingWhitespace(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{scripts: []containerScript{{exitCode: 0, logs: "  42\n\n"}}}
	r, _ := newTestRunner(t, eng)

	outcome := r.Run(context.Background(), "print(42)", "python", oneTest("", "\n42  "), time.Second, 128)
	if outcome.Overall != sandbox.VerdictAC {
		t.Fatalf("expected AC, got %s", outcome.Overall)
	}
}

func TestRunRuntimeError(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{scripts: []containerScript{{exitCode: 1, logs: "Traceback"}}}
	r, _ := newTestRunner(t, eng)

	outcome := r.Run(context.Background(), "raise", "python", oneTest("", "42"), time.Second, 128)
	if outcome.Overall != sandbox.VerdictRE {
		t.Fatalf("expected RE, got %s", outcome.Overall)
	}
	if outcome.Tests[0].Output != "Traceback" {
		t.Fatalf("expected captured output, got %q", outcome.Tests[0].Output)
	}
}

func TestRunOOMKilledDominatesZeroExit(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{scripts: []containerScript{{
		exitCode: 0,
		logs:     "42",
		state:    engine.State{OOMKilled: true},
	}}}
	r, _ := newTestRunner(t, eng)

	outcome := r.Run(context.Background(), "x = 'a' * 10**9", "python", oneTest("", "42"), time.Second, 128)
	if outcome.Overall != sandbox.VerdictMLE {
		t.Fatalf("expected MLE, got %s", outcome.Overall)
	}
}

func TestRunTimeLimitExceeded(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{scripts: []containerScript{{
		blockUntilCtxDone: true,
		state:             engine.State{ExitCode: 137},
	}}}
	r, _ := newTestRunner(t, eng)

	outcome := r.Run(context.Background(), "while True: pass", "python", oneTest("", "42"), 20*time.Millisecond, 128)
	if outcome.Overall != sandbox.VerdictTLE {
		t.Fatalf("expected TLE, got %s", outcome.Overall)
	}
	if len(eng.killed) != 1 {
		t.Fatalf("expected timed-out container to be killed, got %v", eng.killed)
	}
	if len(eng.removed) != 1 {
		t.Fatalf("expected container removal, got %v", eng.removed)
	}
}

func TestRunZeroTimeLimitTimesOutEveryTest(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{scripts: []containerScript{
		{exitCode: 0, logs: "42"},
		{exitCode: 0, logs: "42"},
	}}
	r, _ := newTestRunner(t, eng)

	tests := []model.TestCase{
		{Input: "", ExpectedOutput: "42"},
		{Input: "", ExpectedOutput: "42"},
	}
	outcome := r.Run(context.Background(), "print(42)", "python", tests, 0, 128)
	if outcome.Overall != sandbox.VerdictTLE {
		t.Fatalf("expected TLE, got %s", outcome.Overall)
	}
	for i, result := range outcome.Tests {
		if result.Status != sandbox.VerdictTLE {
			t.Fatalf("expected test %d TLE, got %s", i, result.Status)
		}
	}
	if len(eng.killed) != 2 {
		t.Fatalf("expected both containers killed, got %v", eng.killed)
	}
	if len(eng.removed) != 2 {
		t.Fatalf("expected both containers removed, got %v", eng.removed)
	}
}

func TestRunAggregatesWorstVerdict(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{scripts: []containerScript{
		{exitCode: 0, logs: "1"},
		{exitCode: 0, logs: "wrong"},
		{exitCode: 1, logs: "boom"},
		{exitCode: 0, logs: "4"},
	}}
	r, _ := newTestRunner(t, eng)

	tests := []model.TestCase{
		{Input: "1", ExpectedOutput: "1"},
		{Input: "2", ExpectedOutput: "2"},
		{Input: "3", ExpectedOutput: "3"},
		{Input: "4", ExpectedOutput: "4"},
	}
	outcome := r.Run(context.Background(), "code", "python", tests, time.Second, 128)
	if outcome.Overall != sandbox.VerdictRE {
		t.Fatalf("expected RE overall, got %s", outcome.Overall)
	}
	if len(outcome.Tests) != 4 {
		t.Fatalf("expected all 4 tests to run, got %d", len(outcome.Tests))
	}
	want := []sandbox.Verdict{sandbox.VerdictAC, sandbox.VerdictWA, sandbox.VerdictRE, sandbox.VerdictAC}
	for i, status := range want {
		if outcome.Tests[i].Status != status {
			t.Errorf("test %d: expected %s, got %s", i, status, outcome.Tests[i].Status)
		}
	}
	if len(eng.removed) != 4 {
		t.Fatalf("expected 4 removed containers, got %d", len(eng.removed))
	}
}

func TestRunUnknownLanguage(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{}
	r, _ := newTestRunner(t, eng)

	outcome := r.Run(context.Background(), "code", "rust", oneTest("", "42"), time.Second, 128)
	if outcome.Overall != sandbox.VerdictRE {
		t.Fatalf("expected RE, got %s", outcome.Overall)
	}
	if len(outcome.Tests) != 1 || !strings.Contains(outcome.Tests[0].Output, "Unsupported language: rust") {
		t.Fatalf("unexpected results: %+v", outcome.Tests)
	}
	if len(eng.created) != 0 {
		t.Fatal("expected no container launches")
	}
}

func TestRunLaunchFailureContinuesWithNextTest(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{scripts: []containerScript{
		{createErr: fmt.Errorf("no such image")},
		{exitCode: 0, logs: "2"},
	}}
	r, _ := newTestRunner(t, eng)

	tests := []model.TestCase{
		{Input: "1", ExpectedOutput: "1"},
		{Input: "2", ExpectedOutput: "2"},
	}
	outcome := r.Run(context.Background(), "code", "python", tests, time.Second, 128)
	if outcome.Overall != sandbox.VerdictRE {
		t.Fatalf("expected RE overall, got %s", outcome.Overall)
	}
	if outcome.Tests[0].Status != sandbox.VerdictRE {
		t.Fatalf("expected synthetic RE first, got %s", outcome.Tests[0].Status)
	}
	if outcome.Tests[1].Status != sandbox.VerdictAC {
		t.Fatalf("expected second test to still run, got %s", outcome.Tests[1].Status)
	}
}

func TestRunEmptyTestList(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{}
	r, _ := newTestRunner(t, eng)

	outcome := r.Run(context.Background(), "code", "python", nil, time.Second, 128)
	if outcome.Overall != sandbox.VerdictAC {
		t.Fatalf("expected AC for empty test list, got %s", outcome.Overall)
	}
	if outcome.MaxTime != 0 || len(outcome.Tests) != 0 {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestRunCleansScratchDirs(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{scripts: []containerScript{{exitCode: 0, logs: "42"}}}
	r, workRoot := newTestRunner(t, eng)

	r.Run(context.Background(), "print(42)", "python", oneTest("", "42"), time.Second, 128)

	entries, err := os.ReadDir(workRoot)
	if err != nil {
		t.Fatalf("read work root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty work root, found %d entries", len(entries))
	}
}

func TestRunCommandComposition(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{scripts: []containerScript{{exitCode: 0, logs: "42"}}}
	r, _ := newTestRunner(t, eng)

	r.Run(context.Background(), "code", "python", oneTest("42", "42"), time.Second, 128)

	cmd := eng.created[0].Cmd
	if len(cmd) != 3 || cmd[0] != "sh" || cmd[1] != "-c" {
		t.Fatalf("unexpected cmd shape: %v", cmd)
	}
	if cmd[2] != "echo 42 | python /app/code.py" {
		t.Fatalf("unexpected command line: %q", cmd[2])
	}
}

func TestRunQuotesHostileInput(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{scripts: []containerScript{{exitCode: 0, logs: "42"}}}
	r, _ := newTestRunner(t, eng)

	r.Run(context.Background(), "code", "python", oneTest("$(rm -rf /); true", "42"), time.Second, 128)

	cmd := eng.created[0].Cmd[2]
	if !strings.Contains(cmd, "'$(rm -rf /); true'") {
		t.Fatalf("expected input to be shell quoted, got %q", cmd)
	}
}

func TestRunMaxTimeIsWorstCase(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{scripts: []containerScript{
		{exitCode: 0, logs: "1"},
		{exitCode: 0, logs: "2"},
	}}
	r, _ := newTestRunner(t, eng)

	tests := []model.TestCase{
		{Input: "1", ExpectedOutput: "1"},
		{Input: "2", ExpectedOutput: "2"},
	}
	outcome := r.Run(context.Background(), "code", "python", tests, time.Second, 128)
	for _, res := range outcome.Tests {
		if outcome.MaxTime < res.Time {
			t.Fatalf("max_time %f below per-test time %f", outcome.MaxTime, res.Time)
		}
	}
}

func TestPrePullImages(t *testing.T) {
	t.Parallel()
	eng := &fakeEngine{}
	r, _ := newTestRunner(t, eng)

	r.PrePullImages(context.Background())
	if len(eng.pulled) != 1 || eng.pulled[0] != "python:3.12-slim" {
		t.Fatalf("unexpected pulled images: %v", eng.pulled)
	}
}
