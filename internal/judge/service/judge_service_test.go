package service_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"cpjudge/internal/judge/language"
	"cpjudge/internal/judge/model"
	"cpjudge/internal/judge/sandbox"
	"cpjudge/internal/judge/service"
	pkgerrors "cpjudge/pkg/errors"
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

type fakeRepo struct {
	mu        sync.Mutex
	solutions map[string]*model.Solution
	updates   map[string]model.TerminalUpdate
	accepted  int64
	slower    int64
	contest   []*model.Solution

	contestProblems []string
	contestUsers    []string
	contestOffset   int
	contestLimit    int

	lockDenied   bool
	lockErr      error
	lockReleased int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		solutions: make(map[string]*model.Solution),
		updates:   make(map[string]model.TerminalUpdate),
	}
}

func (f *fakeRepo) Create(ctx context.Context, solution *model.Solution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if solution.ID == "" {
		solution.ID = fmt.Sprintf("s%d", len(f.solutions)+1)
	}
	if solution.Status == "" {
		solution.Status = model.StatusPending
	}
	solution.CreatedAt = time.Now()
	copied := *solution
	f.solutions[solution.ID] = &copied
	return nil
}

func (f *fakeRepo) GetByID(ctx context.Context, id string) (*model.Solution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	solution, ok := f.solutions[id]
	if !ok {
		return nil, pkgerrors.Newf(pkgerrors.SolutionNotFound, "solution %s not found", id)
	}
	copied := *solution
	return &copied, nil
}

func (f *fakeRepo) UpdateTerminal(ctx context.Context, id string, update model.TerminalUpdate) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[id] = update
	solution, ok := f.solutions[id]
	if !ok {
		return false, nil
	}
	solution.Status = update.Status
	solution.TimeUsed = update.TimeUsed
	solution.FasterThan = update.FasterThan
	return true, nil
}

func (f *fakeRepo) ListByProblem(ctx context.Context, problemID string) ([]*model.Solution, error) {
	return nil, nil
}

func (f *fakeRepo) ListByProblemAndUser(ctx context.Context, problemID, userID string) ([]*model.Solution, error) {
	return nil, nil
}

func (f *fakeRepo) CountAccepted(ctx context.Context, problemID string) (int64, error) {
	return f.accepted, nil
}

func (f *fakeRepo) CountAcceptedSlowerThan(ctx context.Context, problemID string, elapsed float64) (int64, error) {
	return f.slower, nil
}

func (f *fakeRepo) ListByContest(ctx context.Context, problemIDs, userIDs []string, offset, limit int) ([]*model.Solution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contestProblems = problemIDs
	f.contestUsers = userIDs
	f.contestOffset = offset
	f.contestLimit = limit
	return f.contest, nil
}

func (f *fakeRepo) AcquireJudgeLock(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lockErr != nil {
		return false, f.lockErr
	}
	return !f.lockDenied, nil
}

func (f *fakeRepo) ReleaseJudgeLock(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lockReleased++
	return nil
}

func (f *fakeRepo) releaseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lockReleased
}

func (f *fakeRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.solutions)
}

func (f *fakeRepo) lastUpdate(id string) (model.TerminalUpdate, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	update, ok := f.updates[id]
	return update, ok
}

type fakeContent struct {
	mu           sync.Mutex
	problem      *model.Problem
	fetchErr     error
	notifyErr    error
	notified     []string
	tasks        []string
	participants []string
	rosterErr    error
}

func (f *fakeContent) FetchProblem(ctx context.Context, problemID string) (*model.Problem, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.problem, nil
}

func (f *fakeContent) NotifySolved(ctx context.Context, problemID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, problemID+":"+userID)
	return f.notifyErr
}

func (f *fakeContent) ContestTasks(ctx context.Context, contestID string) ([]string, error) {
	if f.rosterErr != nil {
		return nil, f.rosterErr
	}
	return f.tasks, nil
}

func (f *fakeContent) ContestParticipants(ctx context.Context, contestID string) ([]string, error) {
	if f.rosterErr != nil {
		return nil, f.rosterErr
	}
	return f.participants, nil
}

func (f *fakeContent) notifyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notified)
}

type fakeRunner struct {
	mu      sync.Mutex
	outcome sandbox.Outcome
	calls   int
	started chan struct{}
	release chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, code, languageKey string, tests []model.TestCase, timeLimit time.Duration, memoryLimitMiB int64) sandbox.Outcome {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	return f.outcome
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func acOutcome(elapsed float64) sandbox.Outcome {
	return sandbox.Outcome{
		Overall: sandbox.VerdictAC,
		MaxTime: elapsed,
		Tests:   []sandbox.TestResult{{Status: sandbox.VerdictAC, Time: elapsed, Output: "42"}},
	}
}

func newTestService(t *testing.T, repo *fakeRepo, content *fakeContent, run *fakeRunner) *service.Service {
	t.Helper()
	registry, err := language.Parse([]byte(testLanguages), "inline")
	if err != nil {
		t.Fatalf("parse languages: %v", err)
	}
	svc, err := service.NewService(service.Config{
		Repository:   repo,
		Content:      content,
		Runner:       run,
		Registry:     registry,
		Workers:      1,
		QueueSize:    1,
		JudgeTimeout: time.Second,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc
}

func defaultProblem() *model.Problem {
	return &model.Problem{
		TestCases:      []model.TestCase{{Input: "", ExpectedOutput: "42"}},
		TimeLimit:      10 * time.Second,
		MemoryLimitMiB: 128,
	}
}

func TestSubmitRejectsEmptyCode(t *testing.T) {
	svc := newTestService(t, newFakeRepo(), &fakeContent{problem: defaultProblem()}, &fakeRunner{})

	_, err := svc.Submit(context.Background(), "u1", "p1", "   \n", "python")
	if !pkgerrors.Is(err, pkgerrors.CodeEmpty) {
		t.Fatalf("expected CodeEmpty, got %v", err)
	}
}

func TestSubmitRejectsUnknownLanguage(t *testing.T) {
	svc := newTestService(t, newFakeRepo(), &fakeContent{problem: defaultProblem()}, &fakeRunner{})

	_, err := svc.Submit(context.Background(), "u1", "p1", "code", "rust")
	if !pkgerrors.Is(err, pkgerrors.LanguageNotSupported) {
		t.Fatalf("expected LanguageNotSupported, got %v", err)
	}
}

func TestSubmitCreatesPendingSolution(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(t, repo, &fakeContent{problem: defaultProblem()}, &fakeRunner{outcome: acOutcome(0.1)})

	solution, err := svc.Submit(context.Background(), "u1", "p1", "print(42)", "python")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if solution.ID == "" || solution.Status != model.StatusPending {
		t.Fatalf("unexpected solution: %+v", solution)
	}
	if solution.CreatedBy != "u1" || solution.ProblemID != "p1" || solution.Language != "python" {
		t.Fatalf("unexpected solution fields: %+v", solution)
	}
}

func TestSubmitBlocksOnSaturatedQueue(t *testing.T) {
	repo := newFakeRepo()
	run := &fakeRunner{
		outcome: acOutcome(0.1),
		started: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	svc := newTestService(t, repo, &fakeContent{problem: defaultProblem()}, run)

	// First submission occupies the single worker.
	if _, err := svc.Submit(context.Background(), "u1", "p1", "code", "python"); err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	select {
	case <-run.started:
	case <-time.After(time.Second):
		t.Fatal("worker never started")
	}
	// Second fills the queue slot; the third blocks until its context
	// expires. The pending row is still persisted.
	if _, err := svc.Submit(context.Background(), "u1", "p1", "code", "python"); err != nil {
		t.Fatalf("submit 2: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := svc.Submit(ctx, "u1", "p1", "code", "python")
	if !pkgerrors.Is(err, pkgerrors.JudgeQueueFull) {
		t.Fatalf("expected JudgeQueueFull, got %v", err)
	}
	if got := repo.count(); got != 3 {
		t.Fatalf("expected 3 persisted solutions, got %d", got)
	}

	// Once the worker drains, submissions flow again.
	close(run.release)
	if _, err := svc.Submit(context.Background(), "u1", "p1", "code", "python"); err != nil {
		t.Fatalf("submit after drain: %v", err)
	}
}

func TestSubmitAfterShutdown(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(t, repo, &fakeContent{problem: defaultProblem()}, &fakeRunner{outcome: acOutcome(0.1)})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	_, err := svc.Submit(context.Background(), "u1", "p1", "code", "python")
	if !pkgerrors.Is(err, pkgerrors.ServiceUnavailable) {
		t.Fatalf("expected ServiceUnavailable, got %v", err)
	}
}

func TestJudgeAcceptedFlow(t *testing.T) {
	repo := newFakeRepo()
	repo.accepted = 4
	repo.slower = 2
	content := &fakeContent{problem: defaultProblem()}
	run := &fakeRunner{outcome: acOutcome(0.3)}
	svc := newTestService(t, repo, content, run)

	solution := &model.Solution{CreatedBy: "u1", ProblemID: "p1", Code: "c", Language: "python"}
	if err := repo.Create(context.Background(), solution); err != nil {
		t.Fatal(err)
	}

	if err := svc.Judge(context.Background(), solution.ID); err != nil {
		t.Fatalf("judge: %v", err)
	}

	update, ok := repo.lastUpdate(solution.ID)
	if !ok {
		t.Fatal("expected terminal update")
	}
	if update.Status != model.StatusAC {
		t.Fatalf("expected AC, got %s", update.Status)
	}
	if update.TimeUsed == nil || *update.TimeUsed != 0.3 {
		t.Fatalf("expected time_used 0.3, got %+v", update.TimeUsed)
	}
	if update.FasterThan == nil || *update.FasterThan != 50.0 {
		t.Fatalf("expected faster_than 50, got %+v", update.FasterThan)
	}
	if content.notifyCount() != 1 {
		t.Fatalf("expected 1 solved notification, got %d", content.notifyCount())
	}
}

func TestJudgeFirstAcceptedScoresHundred(t *testing.T) {
	repo := newFakeRepo()
	content := &fakeContent{problem: defaultProblem()}
	svc := newTestService(t, repo, content, &fakeRunner{outcome: acOutcome(1.2)})

	solution := &model.Solution{CreatedBy: "u1", ProblemID: "p1", Code: "c", Language: "python"}
	_ = repo.Create(context.Background(), solution)

	if err := svc.Judge(context.Background(), solution.ID); err != nil {
		t.Fatalf("judge: %v", err)
	}
	update, _ := repo.lastUpdate(solution.ID)
	if update.FasterThan == nil || *update.FasterThan != 100.0 {
		t.Fatalf("expected faster_than 100, got %+v", update.FasterThan)
	}
}

func TestJudgeRejectedSkipsNotifyAndPercentile(t *testing.T) {
	repo := newFakeRepo()
	content := &fakeContent{problem: defaultProblem()}
	outcome := sandbox.Outcome{
		Overall: sandbox.VerdictWA,
		MaxTime: 0.2,
		Tests:   []sandbox.TestResult{{Status: sandbox.VerdictWA, Time: 0.2, Output: "41"}},
	}
	svc := newTestService(t, repo, content, &fakeRunner{outcome: outcome})

	solution := &model.Solution{CreatedBy: "u1", ProblemID: "p1", Code: "c", Language: "python"}
	_ = repo.Create(context.Background(), solution)

	if err := svc.Judge(context.Background(), solution.ID); err != nil {
		t.Fatalf("judge: %v", err)
	}
	update, _ := repo.lastUpdate(solution.ID)
	if update.Status != model.StatusWA {
		t.Fatalf("expected WA, got %s", update.Status)
	}
	if update.FasterThan != nil {
		t.Fatalf("expected nil faster_than, got %v", *update.FasterThan)
	}
	if content.notifyCount() != 0 {
		t.Fatal("expected no solved notification")
	}
}

func TestJudgeProblemFetchFailureMarksRE(t *testing.T) {
	repo := newFakeRepo()
	content := &fakeContent{fetchErr: pkgerrors.New(pkgerrors.ProblemFetchFailed)}
	run := &fakeRunner{}
	svc := newTestService(t, repo, content, run)

	solution := &model.Solution{CreatedBy: "u1", ProblemID: "gone", Code: "c", Language: "python"}
	_ = repo.Create(context.Background(), solution)

	if err := svc.Judge(context.Background(), solution.ID); err != nil {
		t.Fatalf("judge: %v", err)
	}
	update, _ := repo.lastUpdate(solution.ID)
	if update.Status != model.StatusRE {
		t.Fatalf("expected RE, got %s", update.Status)
	}
	if run.callCount() != 0 {
		t.Fatal("expected sandbox not to run")
	}
}

func TestJudgeMissingSolutionMarksREBestEffort(t *testing.T) {
	repo := newFakeRepo()
	run := &fakeRunner{}
	svc := newTestService(t, repo, &fakeContent{problem: defaultProblem()}, run)

	if err := svc.Judge(context.Background(), "ghost"); err != nil {
		t.Fatalf("judge: %v", err)
	}
	update, ok := repo.lastUpdate("ghost")
	if !ok || update.Status != model.StatusRE {
		t.Fatalf("expected best-effort RE update, got %+v (ok=%v)", update, ok)
	}
	if run.callCount() != 0 {
		t.Fatal("expected sandbox not to run")
	}
}

func TestJudgeSkipsAlreadyTerminalSolution(t *testing.T) {
	repo := newFakeRepo()
	run := &fakeRunner{outcome: acOutcome(0.1)}
	svc := newTestService(t, repo, &fakeContent{problem: defaultProblem()}, run)

	solution := &model.Solution{CreatedBy: "u1", ProblemID: "p1", Code: "c", Language: "python", Status: model.StatusAC}
	_ = repo.Create(context.Background(), solution)

	if err := svc.Judge(context.Background(), solution.ID); err != nil {
		t.Fatalf("judge: %v", err)
	}
	if run.callCount() != 0 {
		t.Fatal("expected no rejudge of terminal solution")
	}
	if _, ok := repo.lastUpdate(solution.ID); ok {
		t.Fatal("expected no terminal update")
	}
}

func TestJudgeSkipsWhenLockHeld(t *testing.T) {
	repo := newFakeRepo()
	repo.lockDenied = true
	run := &fakeRunner{outcome: acOutcome(0.1)}
	svc := newTestService(t, repo, &fakeContent{problem: defaultProblem()}, run)

	solution := &model.Solution{CreatedBy: "u1", ProblemID: "p1", Code: "c", Language: "python"}
	_ = repo.Create(context.Background(), solution)

	if err := svc.Judge(context.Background(), solution.ID); err != nil {
		t.Fatalf("judge: %v", err)
	}
	if run.callCount() != 0 {
		t.Fatal("expected no sandbox run while lock is held elsewhere")
	}
	if _, ok := repo.lastUpdate(solution.ID); ok {
		t.Fatal("expected no terminal update")
	}
	if repo.releaseCount() != 0 {
		t.Fatal("expected no lock release when lock was not acquired")
	}
}

func TestJudgeProceedsWhenLockLayerDown(t *testing.T) {
	repo := newFakeRepo()
	repo.lockErr = pkgerrors.New(pkgerrors.LockFailed)
	svc := newTestService(t, repo, &fakeContent{problem: defaultProblem()}, &fakeRunner{outcome: acOutcome(0.1)})

	solution := &model.Solution{CreatedBy: "u1", ProblemID: "p1", Code: "c", Language: "python"}
	_ = repo.Create(context.Background(), solution)

	if err := svc.Judge(context.Background(), solution.ID); err != nil {
		t.Fatalf("judge: %v", err)
	}
	update, _ := repo.lastUpdate(solution.ID)
	if update.Status != model.StatusAC {
		t.Fatalf("expected AC despite lock outage, got %s", update.Status)
	}
}

func TestJudgeReleasesLock(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(t, repo, &fakeContent{problem: defaultProblem()}, &fakeRunner{outcome: acOutcome(0.1)})

	solution := &model.Solution{CreatedBy: "u1", ProblemID: "p1", Code: "c", Language: "python"}
	_ = repo.Create(context.Background(), solution)

	if err := svc.Judge(context.Background(), solution.ID); err != nil {
		t.Fatalf("judge: %v", err)
	}
	if repo.releaseCount() != 1 {
		t.Fatalf("expected 1 lock release, got %d", repo.releaseCount())
	}
}

func TestJudgeNotifyFailureIsNonFatal(t *testing.T) {
	repo := newFakeRepo()
	content := &fakeContent{
		problem:   defaultProblem(),
		notifyErr: pkgerrors.New(pkgerrors.UpstreamUnavailable),
	}
	svc := newTestService(t, repo, content, &fakeRunner{outcome: acOutcome(0.1)})

	solution := &model.Solution{CreatedBy: "u1", ProblemID: "p1", Code: "c", Language: "python"}
	_ = repo.Create(context.Background(), solution)

	if err := svc.Judge(context.Background(), solution.ID); err != nil {
		t.Fatalf("judge: %v", err)
	}
	update, _ := repo.lastUpdate(solution.ID)
	if update.Status != model.StatusAC {
		t.Fatalf("expected AC despite notify failure, got %s", update.Status)
	}
}

func TestLanguagesListsRegistry(t *testing.T) {
	svc := newTestService(t, newFakeRepo(), &fakeContent{}, &fakeRunner{})

	list := svc.Languages()
	if len(list) != 1 || list[0].Key != "python" {
		t.Fatalf("unexpected languages: %v", list)
	}
}
