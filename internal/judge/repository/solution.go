// Package repository persists solutions in PostgreSQL with a Redis
// cache-aside layer for single-row reads.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"cpjudge/internal/common/cache"
	"cpjudge/internal/common/db"
	"cpjudge/internal/judge/model"
	appErr "cpjudge/pkg/errors"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	solutionCacheKeyPrefix = "solution:id:"
	solutionLockKeyPrefix  = "solution:judging:"
	solutionCacheTTL       = 10 * time.Minute
	solutionEmptyCacheTTL  = time.Minute
)

const solutionColumns = `id, created_by, problem_id, code, language, status,
	time_used, memory_used, faster_than, created_at, updated_at`

// SolutionRepository is the persistence contract for solutions.
type SolutionRepository interface {
	// Create inserts a new pending solution, filling ID and CreatedAt.
	Create(ctx context.Context, solution *model.Solution) error

	// GetByID loads one solution or fails with SolutionNotFound.
	GetByID(ctx context.Context, id string) (*model.Solution, error)

	// UpdateTerminal writes the final verdict. It reports false when the
	// row no longer exists.
	UpdateTerminal(ctx context.Context, id string, update model.TerminalUpdate) (bool, error)

	// ListByProblem returns every solution for a problem, newest first.
	ListByProblem(ctx context.Context, problemID string) ([]*model.Solution, error)

	// ListByProblemAndUser returns one user's solutions for a problem,
	// newest first.
	ListByProblemAndUser(ctx context.Context, problemID, userID string) ([]*model.Solution, error)

	// CountAccepted counts accepted solutions for a problem.
	CountAccepted(ctx context.Context, problemID string) (int64, error)

	// CountAcceptedSlowerThan counts accepted solutions for a problem
	// whose recorded time strictly exceeds elapsed seconds.
	CountAcceptedSlowerThan(ctx context.Context, problemID string, elapsed float64) (int64, error)

	// ListByContest pages solutions restricted to the given problem and
	// author sets, ordered oldest first with id as tiebreaker.
	ListByContest(ctx context.Context, problemIDs, userIDs []string, offset, limit int) ([]*model.Solution, error)

	// AcquireJudgeLock takes the per-solution judging lock for at most ttl.
	// It reports false when another worker already holds it.
	AcquireJudgeLock(ctx context.Context, id string, ttl time.Duration) (bool, error)

	// ReleaseJudgeLock releases the per-solution judging lock.
	ReleaseJudgeLock(ctx context.Context, id string) error
}

type solutionRepository struct {
	provider db.Provider
	cache    cache.Cache
}

// NewSolutionRepository creates a PostgreSQL-backed solution repository.
func NewSolutionRepository(provider db.Provider, cacheClient cache.Cache) SolutionRepository {
	return &solutionRepository{provider: provider, cache: cacheClient}
}

func (r *solutionRepository) db() (db.Database, error) {
	database, err := db.CurrentDatabase(r.provider)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "database unavailable")
	}
	return database, nil
}

func solutionCacheKey(id string) string {
	return solutionCacheKeyPrefix + id
}

func solutionLockKey(id string) string {
	return solutionLockKeyPrefix + id
}

func (r *solutionRepository) AcquireJudgeLock(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	locked, err := r.cache.TryLock(ctx, solutionLockKey(id), ttl)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.LockFailed, "acquire judge lock failed")
	}
	return locked, nil
}

func (r *solutionRepository) ReleaseJudgeLock(ctx context.Context, id string) error {
	if err := r.cache.Unlock(ctx, solutionLockKey(id)); err != nil {
		return appErr.Wrapf(err, appErr.LockFailed, "release judge lock failed")
	}
	return nil
}

func (r *solutionRepository) Create(ctx context.Context, solution *model.Solution) error {
	if solution.ID == "" {
		solution.ID = uuid.NewString()
	}
	if solution.Status == "" {
		solution.Status = model.StatusPending
	}

	database, err := r.db()
	if err != nil {
		return err
	}
	query := `INSERT INTO solutions (id, created_by, problem_id, code, language, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`
	err = database.QueryRow(ctx, query,
		solution.ID, solution.CreatedBy, solution.ProblemID,
		solution.Code, solution.Language, solution.Status,
	).Scan(&solution.CreatedAt)
	if err != nil {
		return appErr.Wrapf(err, appErr.SolutionCreateFailed, "insert solution failed")
	}
	return nil
}

func (r *solutionRepository) GetByID(ctx context.Context, id string) (*model.Solution, error) {
	solution, err := cache.GetWithCached(ctx, r.cache, solutionCacheKey(id),
		cache.JitterTTL(solutionCacheTTL), solutionEmptyCacheTTL,
		func(s *model.Solution) bool { return s == nil },
		func(s *model.Solution) string {
			data, _ := json.Marshal(s)
			return string(data)
		},
		func(data string) (*model.Solution, error) {
			var s model.Solution
			if err := json.Unmarshal([]byte(data), &s); err != nil {
				return nil, err
			}
			return &s, nil
		},
		func(ctx context.Context) (*model.Solution, error) {
			return r.getByIDFromDB(ctx, id)
		},
	)
	if err != nil {
		return nil, err
	}
	if solution == nil {
		return nil, appErr.Newf(appErr.SolutionNotFound, "solution %s not found", id)
	}
	return solution, nil
}

func (r *solutionRepository) getByIDFromDB(ctx context.Context, id string) (*model.Solution, error) {
	database, err := r.db()
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + solutionColumns + ` FROM solutions WHERE id = $1`
	solution, err := scanSolution(database.QueryRow(ctx, query, id))
	if err != nil {
		if db.IsNoRows(err) {
			return nil, nil
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "query solution failed")
	}
	return solution, nil
}

func (r *solutionRepository) UpdateTerminal(ctx context.Context, id string, update model.TerminalUpdate) (bool, error) {
	database, err := r.db()
	if err != nil {
		return false, err
	}
	updated := false
	err = cache.UpdateCached(ctx, r.cache, solutionCacheKey(id), func(ctx context.Context) error {
		return database.Transaction(ctx, func(tx db.Transaction) error {
			query := `UPDATE solutions
				SET status = $2, time_used = $3, memory_used = $4, faster_than = $5, updated_at = now()
				WHERE id = $1`
			result, err := tx.Exec(ctx, query, id,
				update.Status, update.TimeUsed, update.MemoryUsed, update.FasterThan)
			if err != nil {
				return appErr.Wrapf(err, appErr.SolutionUpdateFailed, "update solution failed")
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return appErr.Wrapf(err, appErr.SolutionUpdateFailed, "read affected rows failed")
			}
			updated = affected > 0
			return nil
		})
	})
	if err != nil {
		return false, err
	}
	return updated, nil
}

func (r *solutionRepository) ListByProblem(ctx context.Context, problemID string) ([]*model.Solution, error) {
	query := `SELECT ` + solutionColumns + ` FROM solutions
		WHERE problem_id = $1
		ORDER BY created_at DESC, id`
	return r.querySolutions(ctx, query, problemID)
}

func (r *solutionRepository) ListByProblemAndUser(ctx context.Context, problemID, userID string) ([]*model.Solution, error) {
	query := `SELECT ` + solutionColumns + ` FROM solutions
		WHERE problem_id = $1 AND created_by = $2
		ORDER BY created_at DESC, id`
	return r.querySolutions(ctx, query, problemID, userID)
}

func (r *solutionRepository) CountAccepted(ctx context.Context, problemID string) (int64, error) {
	query := `SELECT COUNT(*) FROM solutions
		WHERE problem_id = $1 AND status = $2`
	return r.count(ctx, query, problemID, model.StatusAC)
}

func (r *solutionRepository) CountAcceptedSlowerThan(ctx context.Context, problemID string, elapsed float64) (int64, error) {
	query := `SELECT COUNT(*) FROM solutions
		WHERE problem_id = $1 AND status = $2 AND time_used > $3`
	return r.count(ctx, query, problemID, model.StatusAC, elapsed)
}

func (r *solutionRepository) ListByContest(ctx context.Context, problemIDs, userIDs []string, offset, limit int) ([]*model.Solution, error) {
	query := `SELECT ` + solutionColumns + ` FROM solutions
		WHERE problem_id = ANY($1) AND created_by = ANY($2)
		ORDER BY created_at, id
		OFFSET $3 LIMIT $4`
	return r.querySolutions(ctx, query, pq.Array(problemIDs), pq.Array(userIDs), offset, limit)
}

func (r *solutionRepository) count(ctx context.Context, query string, args ...interface{}) (int64, error) {
	database, err := r.db()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := database.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, appErr.Wrapf(err, appErr.DatabaseError, "count solutions failed")
	}
	return n, nil
}

func (r *solutionRepository) querySolutions(ctx context.Context, query string, args ...interface{}) ([]*model.Solution, error) {
	database, err := r.db()
	if err != nil {
		return nil, err
	}
	rows, err := database.Query(ctx, query, args...)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "query solutions failed")
	}
	defer rows.Close()

	solutions := make([]*model.Solution, 0)
	for rows.Next() {
		solution, err := scanSolution(rows)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "scan solution failed")
		}
		solutions = append(solutions, solution)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "iterate solutions failed")
	}
	return solutions, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSolution(row scanner) (*model.Solution, error) {
	var (
		solution   model.Solution
		timeUsed   sql.NullFloat64
		memoryUsed sql.NullInt64
		fasterThan sql.NullFloat64
		updatedAt  sql.NullTime
	)
	err := row.Scan(
		&solution.ID, &solution.CreatedBy, &solution.ProblemID,
		&solution.Code, &solution.Language, &solution.Status,
		&timeUsed, &memoryUsed, &fasterThan,
		&solution.CreatedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if timeUsed.Valid {
		solution.TimeUsed = &timeUsed.Float64
	}
	if memoryUsed.Valid {
		solution.MemoryUsed = &memoryUsed.Int64
	}
	if fasterThan.Valid {
		solution.FasterThan = &fasterThan.Float64
	}
	if updatedAt.Valid {
		solution.UpdatedAt = &updatedAt.Time
	}
	return &solution, nil
}
