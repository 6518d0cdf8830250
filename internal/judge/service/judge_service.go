// Package service orchestrates the judging pipeline: accept a submission,
// run it in the sandbox, persist the verdict and derived analytics.
package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"cpjudge/internal/judge/language"
	"cpjudge/internal/judge/model"
	"cpjudge/internal/judge/repository"
	"cpjudge/internal/judge/sandbox"
	appErr "cpjudge/pkg/errors"
	"cpjudge/pkg/utils/logger"

	"go.uber.org/zap"
)

// ContentClient is the upstream problem/contest API the service depends on.
type ContentClient interface {
	FetchProblem(ctx context.Context, problemID string) (*model.Problem, error)
	NotifySolved(ctx context.Context, problemID, userID string) error
	ContestTasks(ctx context.Context, contestID string) ([]string, error)
	ContestParticipants(ctx context.Context, contestID string) ([]string, error)
}

// SandboxRunner executes code against test cases and reports the outcome.
type SandboxRunner interface {
	Run(ctx context.Context, code, languageKey string, tests []model.TestCase, timeLimit time.Duration, memoryLimitMiB int64) sandbox.Outcome
}

// Service accepts submissions and judges them asynchronously.
type Service struct {
	repo         repository.SolutionRepository
	content      ContentClient
	runner       SandboxRunner
	registry     *language.Registry
	judgeTimeout time.Duration

	queue chan string
	quit  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// Config holds service dependencies and settings.
type Config struct {
	Repository   repository.SolutionRepository
	Content      ContentClient
	Runner       SandboxRunner
	Registry     *language.Registry
	Workers      int
	QueueSize    int
	JudgeTimeout time.Duration
}

// NewService validates the config and creates the service. Workers are not
// started until Start is called.
func NewService(cfg Config) (*Service, error) {
	if cfg.Repository == nil {
		return nil, fmt.Errorf("solution repository is required")
	}
	if cfg.Content == nil {
		return nil, fmt.Errorf("content client is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("sandbox runner is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("language registry is required")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = workers * 4
	}
	judgeTimeout := cfg.JudgeTimeout
	if judgeTimeout <= 0 {
		judgeTimeout = 5 * time.Minute
	}
	s := &Service{
		repo:         cfg.Repository,
		content:      cfg.Content,
		runner:       cfg.Runner,
		registry:     cfg.Registry,
		judgeTimeout: judgeTimeout,
		queue:        make(chan string, queueSize),
		quit:         make(chan struct{}),
	}
	s.start(workers)
	return s, nil
}

func (s *Service) start(workers int) {
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go func(worker int) {
			defer s.wg.Done()
			for {
				select {
				case solutionID := <-s.queue:
					ctx, cancel := context.WithTimeout(context.Background(), s.judgeTimeout)
					if err := s.Judge(ctx, solutionID); err != nil {
						logger.Error(ctx, "judge job failed",
							zap.Int("worker", worker),
							zap.String("solution_id", solutionID),
							zap.Error(err),
						)
					}
					cancel()
				case <-s.quit:
					return
				}
			}
		}(i)
	}
}

// Shutdown stops accepting submissions and waits for in-flight judging to
// finish or ctx to expire. Jobs still queued at shutdown stay pending in
// the store and are picked up again on redelivery.
func (s *Service) Shutdown(ctx context.Context) error {
	s.once.Do(func() { close(s.quit) })

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit validates and persists a new pending solution, then queues it for
// judging. The returned solution reflects the stored pending row.
func (s *Service) Submit(ctx context.Context, userID, problemID, code, languageKey string) (*model.Solution, error) {
	if strings.TrimSpace(code) == "" {
		return nil, appErr.New(appErr.CodeEmpty).WithMessage("code must not be empty")
	}
	if _, ok := s.registry.Lookup(languageKey); !ok {
		return nil, appErr.Newf(appErr.LanguageNotSupported, "language %q is not supported", languageKey)
	}
	if strings.TrimSpace(problemID) == "" {
		return nil, appErr.ValidationError("problem_id", "required")
	}

	solution := &model.Solution{
		CreatedBy: userID,
		ProblemID: problemID,
		Code:      code,
		Language:  languageKey,
	}
	if err := s.repo.Create(ctx, solution); err != nil {
		return nil, err
	}

	if err := s.enqueue(ctx, solution.ID); err != nil {
		logger.Error(ctx, "enqueue solution failed",
			zap.String("solution_id", solution.ID), zap.Error(err))
		return nil, err
	}
	logger.Info(ctx, "solution queued",
		zap.String("solution_id", solution.ID),
		zap.String("problem_id", problemID),
		zap.String("language", languageKey),
	)
	return solution, nil
}

// enqueue blocks when the queue is full: a backlogged pool slows intake
// down instead of dropping judging jobs. The stored row is already
// pending either way.
func (s *Service) enqueue(ctx context.Context, solutionID string) error {
	select {
	case s.queue <- solutionID:
		return nil
	case <-s.quit:
		return appErr.New(appErr.ServiceUnavailable).WithMessage("judge service is shutting down")
	case <-ctx.Done():
		return appErr.Wrapf(ctx.Err(), appErr.JudgeQueueFull, "judge queue saturated")
	}
}

// Judge runs the full judging pipeline for one stored solution. Judging a
// solution that already has a terminal status is a no-op, so redelivered
// jobs stay safe. A per-solution lock keeps two workers from judging the
// same submission concurrently; a lock-layer outage degrades to the
// terminal-status check alone.
func (s *Service) Judge(ctx context.Context, solutionID string) error {
	locked, err := s.repo.AcquireJudgeLock(ctx, solutionID, s.judgeTimeout)
	if err != nil {
		logger.Warn(ctx, "judge lock unavailable, proceeding unlocked",
			zap.String("solution_id", solutionID), zap.Error(err))
	} else if !locked {
		logger.Info(ctx, "solution is already being judged, skipping",
			zap.String("solution_id", solutionID))
		return nil
	} else {
		// Release must survive judge-timeout expiry; the TTL is the backstop.
		releaseCtx := context.WithoutCancel(ctx)
		defer func() {
			if err := s.repo.ReleaseJudgeLock(releaseCtx, solutionID); err != nil {
				logger.Warn(ctx, "release judge lock failed",
					zap.String("solution_id", solutionID), zap.Error(err))
			}
		}()
	}

	solution, err := s.repo.GetByID(ctx, solutionID)
	if err != nil {
		logger.Error(ctx, "load solution for judging failed",
			zap.String("solution_id", solutionID), zap.Error(err))
		return s.handleFailure(ctx, solutionID)
	}
	if solution.Status.Terminal() {
		logger.Info(ctx, "solution already judged, skipping",
			zap.String("solution_id", solutionID),
			zap.String("status", string(solution.Status)),
		)
		return nil
	}

	problem, err := s.content.FetchProblem(ctx, solution.ProblemID)
	if err != nil {
		logger.Error(ctx, "fetch problem failed, marking runtime error",
			zap.String("solution_id", solutionID),
			zap.String("problem_id", solution.ProblemID),
			zap.Error(err),
		)
		return s.handleFailure(ctx, solutionID)
	}

	outcome := s.runner.Run(ctx, solution.Code, solution.Language,
		problem.TestCases, problem.TimeLimit, problem.MemoryLimitMiB)
	logger.Info(ctx, "sandbox run finished",
		zap.String("solution_id", solutionID),
		zap.String("status", string(outcome.Overall)),
		zap.Float64("max_time", outcome.MaxTime),
		zap.Int("tests", len(outcome.Tests)),
	)

	update := model.TerminalUpdate{Status: model.Status(outcome.Overall)}
	if len(outcome.Tests) > 0 {
		timeUsed := outcome.Tests[0].Time
		update.TimeUsed = &timeUsed
	}

	if outcome.Overall == sandbox.VerdictAC {
		if update.TimeUsed != nil {
			if percentile, err := s.fasterThan(ctx, solution.ProblemID, *update.TimeUsed); err != nil {
				logger.Error(ctx, "compute faster-than percentile failed",
					zap.String("solution_id", solutionID), zap.Error(err))
			} else {
				update.FasterThan = &percentile
			}
		}
		if err := s.content.NotifySolved(ctx, solution.ProblemID, solution.CreatedBy); err != nil {
			logger.Error(ctx, "notify problem solved failed",
				zap.String("solution_id", solutionID),
				zap.String("problem_id", solution.ProblemID),
				zap.Error(err),
			)
		}
	}

	updated, err := s.repo.UpdateTerminal(ctx, solutionID, update)
	if err != nil {
		return err
	}
	if !updated {
		logger.Warn(ctx, "solution disappeared before verdict write",
			zap.String("solution_id", solutionID))
	}
	return nil
}

// handleFailure marks a solution as runtime error when the pipeline cannot
// produce a real verdict.
func (s *Service) handleFailure(ctx context.Context, solutionID string) error {
	update := model.TerminalUpdate{Status: model.StatusRE}
	if _, err := s.repo.UpdateTerminal(ctx, solutionID, update); err != nil {
		return err
	}
	return nil
}

// fasterThan returns the share, in percent, of previously accepted
// solutions for the problem that are strictly slower than elapsed. The
// first accepted solution scores 100.
func (s *Service) fasterThan(ctx context.Context, problemID string, elapsed float64) (float64, error) {
	total, err := s.repo.CountAccepted(ctx, problemID)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 100.0, nil
	}
	slower, err := s.repo.CountAcceptedSlowerThan(ctx, problemID, elapsed)
	if err != nil {
		return 0, err
	}
	return 100 * float64(slower) / float64(total), nil
}

// GetSolution loads one solution by id.
func (s *Service) GetSolution(ctx context.Context, id string) (*model.Solution, error) {
	return s.repo.GetByID(ctx, id)
}

// ListByProblem returns every solution for a problem.
func (s *Service) ListByProblem(ctx context.Context, problemID string) ([]*model.Solution, error) {
	return s.repo.ListByProblem(ctx, problemID)
}

// ListMyByProblem returns the calling user's solutions for a problem.
func (s *Service) ListMyByProblem(ctx context.Context, problemID, userID string) ([]*model.Solution, error) {
	return s.repo.ListByProblemAndUser(ctx, problemID, userID)
}

// Languages returns the UI-facing language list.
func (s *Service) Languages() []language.PublicSpec {
	return s.registry.PublicList()
}
