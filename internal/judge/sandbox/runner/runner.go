// Package runner executes one solution against its test cases, one
// container per test, and maps raw outcomes to verdicts.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cpjudge/internal/judge/language"
	"cpjudge/internal/judge/model"
	"cpjudge/internal/judge/sandbox"
	"cpjudge/internal/judge/sandbox/engine"
	"cpjudge/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"mvdan.cc/sh/v3/syntax"
)

const (
	// Half of one core, in microseconds per 100ms scheduler period.
	defaultCPUQuota = 50000

	bindTarget = "/app"
)

// Runner drives per-test sandbox containers.
type Runner struct {
	engine   engine.Engine
	registry *language.Registry
	workRoot string
	cpuQuota int64
}

// NewRunner creates a sandbox runner. workRoot must be a directory visible
// to the container host so scratch dirs can be bind-mounted.
func NewRunner(eng engine.Engine, registry *language.Registry, workRoot string) (*Runner, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("language registry is required")
	}
	if workRoot == "" {
		return nil, fmt.Errorf("work root is required")
	}
	return &Runner{
		engine:   eng,
		registry: registry,
		workRoot: workRoot,
		cpuQuota: defaultCPUQuota,
	}, nil
}

// PrePullImages pulls every image the language registry references.
// Failures are logged and skipped; a missing image later surfaces as a
// per-test RE.
func (r *Runner) PrePullImages(ctx context.Context) {
	for _, image := range r.registry.RequiredImages() {
		logger.Info(ctx, "pulling sandbox image", zap.String("image", image))
		if err := r.engine.Pull(ctx, image); err != nil {
			logger.Error(ctx, "pull sandbox image failed", zap.String("image", image), zap.Error(err))
			continue
		}
		logger.Info(ctx, "sandbox image pulled", zap.String("image", image))
	}
}

// Run executes code against the given test cases under the given limits.
// It never fails for user-program problems: infrastructure errors become
// synthetic RE results and the loop continues with the next test case.
func (r *Runner) Run(ctx context.Context, code, languageKey string, tests []model.TestCase, timeLimit time.Duration, memoryLimitMiB int64) sandbox.Outcome {
	spec, ok := r.registry.Lookup(languageKey)
	if !ok {
		return sandbox.Outcome{
			Overall: sandbox.VerdictRE,
			Tests: []sandbox.TestResult{{
				Status: sandbox.VerdictRE,
				Output: fmt.Sprintf("Unsupported language: %s", languageKey),
			}},
		}
	}

	outcome := sandbox.Outcome{
		Overall: sandbox.VerdictAC,
		Tests:   make([]sandbox.TestResult, 0, len(tests)),
	}
	for i, tc := range tests {
		result := r.runTest(ctx, spec, code, tc, timeLimit, memoryLimitMiB)
		outcome.Tests = append(outcome.Tests, result)
		outcome.Overall = sandbox.Worse(outcome.Overall, result.Status)
		if result.Time > outcome.MaxTime {
			outcome.MaxTime = result.Time
		}
		logger.Info(ctx, "test case finished",
			zap.Int("test", i),
			zap.String("status", string(result.Status)),
			zap.Float64("time_used", result.Time),
		)
	}
	return outcome
}

// runTest runs one test case in its own container. Container removal and
// scratch deletion happen on every exit path, panics included.
func (r *Runner) runTest(ctx context.Context, spec language.Spec, code string, tc model.TestCase, timeLimit time.Duration, memoryLimitMiB int64) (result sandbox.TestResult) {
	// Cleanup must survive ctx cancellation and deadline expiry.
	cleanupCtx := context.WithoutCancel(ctx)
	containerID := ""
	scratchDir := filepath.Join(r.workRoot, uuid.NewString())

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error(ctx, "sandbox test panicked", zap.Any("panic", rec))
			result = syntheticRE(fmt.Sprintf("sandbox failure: %v", rec))
		}
		if containerID != "" {
			if err := r.engine.Remove(cleanupCtx, containerID); err != nil {
				logger.Warn(ctx, "remove container failed", zap.String("container", containerID), zap.Error(err))
			}
		}
		if err := os.RemoveAll(scratchDir); err != nil {
			logger.Warn(ctx, "remove scratch dir failed", zap.String("dir", scratchDir), zap.Error(err))
		}
	}()

	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return syntheticRE(fmt.Sprintf("create scratch dir: %v", err))
	}
	if err := os.WriteFile(filepath.Join(scratchDir, spec.FileName), []byte(code), 0o644); err != nil {
		return syntheticRE(fmt.Sprintf("write source file: %v", err))
	}

	command, err := composeCommand(spec, tc.Input)
	if err != nil {
		return syntheticRE(fmt.Sprintf("compose command: %v", err))
	}

	start := time.Now()
	containerID, err = r.engine.Create(ctx, engine.ContainerSpec{
		Image:            spec.Image,
		Cmd:              []string{"sh", "-c", command},
		MemoryLimitBytes: memoryLimitMiB * 1024 * 1024,
		CPUQuota:         r.cpuQuota,
		Binds:            []string{scratchDir + ":" + bindTarget},
	})
	if err != nil {
		return syntheticRE(fmt.Sprintf("launch container: %v", err))
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeLimit)
	defer cancel()

	// A non-positive limit expires the context up front; every test is a
	// timeout without consulting the engine.
	exitCode := 0
	waitErr := waitCtx.Err()
	if waitErr == nil {
		exitCode, waitErr = r.engine.Wait(waitCtx, containerID)
	}
	elapsed := time.Since(start).Seconds()
	exitObserved := waitErr == nil
	timedOut := waitErr != nil && waitCtx.Err() != nil

	if waitErr != nil {
		if err := r.engine.Kill(cleanupCtx, containerID); err != nil {
			logger.Debug(ctx, "kill container failed", zap.String("container", containerID), zap.Error(err))
		}
	}

	oomKilled := false
	if state, err := r.engine.Inspect(cleanupCtx, containerID); err != nil {
		logger.Warn(ctx, "inspect container failed", zap.String("container", containerID), zap.Error(err))
	} else {
		oomKilled = state.OOMKilled
		// A non-deadline wait failure can still leave a usable exit code.
		if !exitObserved && !timedOut {
			exitCode = state.ExitCode
			exitObserved = true
		}
	}

	output, err := r.engine.Logs(cleanupCtx, containerID)
	if err != nil {
		logger.Error(ctx, "read container logs failed", zap.String("container", containerID), zap.Error(err))
	}

	return sandbox.TestResult{
		Status: classify(exitObserved, oomKilled, exitCode, output, tc.ExpectedOutput),
		Time:   elapsed,
		Output: output,
	}
}

// classify maps the raw (exit code, OOM flag, wait outcome) triple to a
// verdict. The OOM flag dominates a zero exit code.
func classify(exitObserved, oomKilled bool, exitCode int, output, expected string) sandbox.Verdict {
	switch {
	case !exitObserved:
		return sandbox.VerdictTLE
	case oomKilled:
		return sandbox.VerdictMLE
	case exitCode != 0:
		return sandbox.VerdictRE
	case strings.TrimSpace(output) == strings.TrimSpace(expected):
		return sandbox.VerdictAC
	default:
		return sandbox.VerdictWA
	}
}

// composeCommand substitutes {file} and {input} in the command template.
// The test input is POSIX shell quoted so special characters cannot break
// out of or truncate the command line.
func composeCommand(spec language.Spec, input string) (string, error) {
	quoted, err := syntax.Quote(input, syntax.LangPOSIX)
	if err != nil {
		return "", fmt.Errorf("quote test input: %w", err)
	}
	command := strings.ReplaceAll(spec.CommandTemplate, "{file}", spec.FileName)
	command = strings.ReplaceAll(command, "{input}", quoted)
	return command, nil
}

func syntheticRE(message string) sandbox.TestResult {
	return sandbox.TestResult{Status: sandbox.VerdictRE, Output: message}
}
