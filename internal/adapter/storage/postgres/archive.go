package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	postgres "github.com/embedplan/embedplan/config/storage/postgresql"
	"github.com/embedplan/embedplan/internal/core/domain"
	"github.com/embedplan/embedplan/internal/core/port"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

type resultArchive struct {
	db  *postgres.DB
	log *zap.Logger
}

// NewResultArchive creates the Postgres-backed archive of terminal task
// records.
func NewResultArchive(db *postgres.DB, log *zap.Logger) port.ResultArchive {
	return &resultArchive{
		db:  db,
		log: log,
	}
}

func (r *resultArchive) Save(ctx context.Context, task *domain.Task) error {
	request, err := json.Marshal(task.Request)
	if err != nil {
		return err
	}

	var result, trajectory []byte
	if task.Result != nil {
		if result, err = json.Marshal(task.Result); err != nil {
			return err
		}
	}
	if task.Trajectory != nil {
		if trajectory, err = json.Marshal(task.Trajectory); err != nil {
			return err
		}
	}

	var startedAt any
	if !task.StartedAt.IsZero() {
		startedAt = task.StartedAt
	}

	query, args, err := r.db.QueryBuilder.
		Insert("planning_results").
		Columns("id", "kind", "model", "status", "request", "result", "trajectory", "error", "created_at", "started_at").
		Values(task.ID, task.Kind, task.Request.Model, task.Status, request, result, trajectory, nullable(task.Error), task.CreatedAt, startedAt).
		Suffix("ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, result = EXCLUDED.result, trajectory = EXCLUDED.trajectory, error = EXCLUDED.error").
		ToSql()
	if err != nil {
		return err
	}

	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		r.log.Error("Failed to archive planning result", zap.String("task_id", task.ID), zap.Error(err))
		return err
	}
	return nil
}

func (r *resultArchive) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	query, args, err := r.db.QueryBuilder.
		Select("id", "kind", "status", "request", "result", "trajectory", "error", "created_at", "started_at").
		From("planning_results").
		Where("id = ?", id).
		ToSql()
	if err != nil {
		return nil, err
	}

	task, err := scanTask(r.db.QueryRow(ctx, query, args...))
	if err == pgx.ErrNoRows {
		return nil, domain.ErrTaskNotFound
	}
	return task, err
}

func (r *resultArchive) ListRecent(ctx context.Context, limit int) ([]*domain.Task, error) {
	if limit <= 0 {
		limit = 20
	}
	query, args, err := r.db.QueryBuilder.
		Select("id", "kind", "status", "request", "result", "trajectory", "error", "created_at", "started_at").
		From("planning_results").
		OrderBy("created_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row pgx.Row) (*domain.Task, error) {
	var (
		task       domain.Task
		request    []byte
		result     []byte
		trajectory []byte
		taskErr    sql.NullString
		startedAt  sql.NullTime
	)
	if err := row.Scan(&task.ID, &task.Kind, &task.Status, &request, &result, &trajectory, &taskErr, &task.CreatedAt, &startedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(request, &task.Request); err != nil {
		return nil, err
	}
	if len(result) > 0 {
		task.Result = &domain.Result{}
		if err := json.Unmarshal(result, task.Result); err != nil {
			return nil, err
		}
	}
	if len(trajectory) > 0 {
		task.Trajectory = &domain.TrajectoryResult{}
		if err := json.Unmarshal(trajectory, task.Trajectory); err != nil {
			return nil, err
		}
	}
	task.Error = taskErr.String
	if startedAt.Valid {
		task.StartedAt = startedAt.Time.UTC()
	}
	task.CreatedAt = task.CreatedAt.In(time.UTC)
	return &task, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
