// Package postgres implements the sync source against the task store's
// database. The realtime layer only reads: rows are written by the CRUD
// service, and this adapter answers "what changed since" queries for
// reconnecting clients.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Edyrichards/todo-realtime/internal/config"
	"github.com/Edyrichards/todo-realtime/internal/core/domain"
	"github.com/Edyrichards/todo-realtime/internal/core/ports"
	"github.com/Edyrichards/todo-realtime/internal/core/utils"
)

// SyncSource answers catch-up requests from the tasks and workspaces tables.
type SyncSource struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ ports.SyncSource = (*SyncSource)(nil)

// NewPool creates a pgx pool from the database configuration.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	poolCfg.MinConns = int32(cfg.MaxIdleConns)
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	return pool, nil
}

// NewSyncSource creates a sync source backed by the given pool.
func NewSyncSource(pool *pgxpool.Pool, logger *slog.Logger) *SyncSource {
	return &SyncSource{
		pool:   pool,
		logger: logger.With("component", "sync_source"),
	}
}

// ChangesSince returns every change in the workspace newer than the
// watermark. A nil watermark returns a full snapshot of the live rows and no
// deletions, since a client with no watermark has nothing to delete.
func (s *SyncSource) ChangesSince(ctx context.Context, workspaceID string, since *time.Time) (*domain.ChangeSet, error) {
	changes := &domain.ChangeSet{}

	tasks, err := s.tasksSince(ctx, workspaceID, since)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	changes.Tasks = tasks

	workspaces, err := s.workspacesSince(ctx, workspaceID, since)
	if err != nil {
		return nil, fmt.Errorf("query workspaces: %w", err)
	}
	changes.Workspaces = workspaces

	if since != nil {
		changes.DeletedTaskIDs, err = s.deletedTaskIDs(ctx, workspaceID, *since)
		if err != nil {
			return nil, fmt.Errorf("query deleted tasks: %w", err)
		}

		changes.DeletedWorkspaceIDs, err = s.deletedWorkspaceIDs(ctx, workspaceID, *since)
		if err != nil {
			return nil, fmt.Errorf("query deleted workspaces: %w", err)
		}
	}

	s.logger.Debug("computed change set",
		"workspace_id", workspaceID,
		"tasks", len(changes.Tasks),
		"workspaces", len(changes.Workspaces),
		"deleted_tasks", len(changes.DeletedTaskIDs),
	)
	return changes, nil
}

// Ping checks database connectivity.
func (s *SyncSource) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the underlying pool.
func (s *SyncSource) Close() {
	s.pool.Close()
}

const taskColumns = `id, workspace_id, category_id, title, description,
	status, priority, position, due_at, completed_at, created_at, updated_at`

func (s *SyncSource) tasksSince(ctx context.Context, workspaceID string, since *time.Time) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + `
		FROM tasks
		WHERE workspace_id = $1
		  AND deleted_at IS NULL
		  AND ($2::timestamptz IS NULL OR updated_at > $2)
		ORDER BY updated_at`

	rows, err := s.pool.Query(ctx, query, workspaceID, utils.ToTimestamptz(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func scanTask(row pgx.Row) (domain.Task, error) {
	var (
		task        domain.Task
		categoryID  pgtype.Text
		description pgtype.Text
		dueAt       pgtype.Timestamptz
		completedAt pgtype.Timestamptz
	)

	err := row.Scan(
		&task.ID,
		&task.WorkspaceID,
		&categoryID,
		&task.Title,
		&description,
		&task.Status,
		&task.Priority,
		&task.Position,
		&dueAt,
		&completedAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return domain.Task{}, err
	}

	task.CategoryID = utils.FromString(categoryID)
	task.Description = utils.FromString(description)
	task.DueAt = utils.FromTimestamptz(dueAt)
	task.CompletedAt = utils.FromTimestamptz(completedAt)
	return task, nil
}

func (s *SyncSource) workspacesSince(ctx context.Context, workspaceID string, since *time.Time) ([]domain.Workspace, error) {
	query := `SELECT w.id, w.name, w.owner_id, w.created_at, w.updated_at,
			COALESCE(array_agg(m.user_id) FILTER (WHERE m.user_id IS NOT NULL), '{}') AS member_ids
		FROM workspaces w
		LEFT JOIN workspace_members m ON m.workspace_id = w.id
		WHERE w.id = $1
		  AND w.deleted_at IS NULL
		  AND ($2::timestamptz IS NULL OR w.updated_at > $2)
		GROUP BY w.id`

	rows, err := s.pool.Query(ctx, query, workspaceID, utils.ToTimestamptz(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workspaces []domain.Workspace
	for rows.Next() {
		var ws domain.Workspace
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.OwnerID, &ws.CreatedAt, &ws.UpdatedAt, &ws.MemberIDs); err != nil {
			return nil, err
		}
		workspaces = append(workspaces, ws)
	}
	return workspaces, rows.Err()
}

func (s *SyncSource) deletedTaskIDs(ctx context.Context, workspaceID string, since time.Time) ([]string, error) {
	query := `SELECT id FROM tasks
		WHERE workspace_id = $1 AND deleted_at IS NOT NULL AND deleted_at > $2`
	return s.queryIDs(ctx, query, workspaceID, since)
}

func (s *SyncSource) deletedWorkspaceIDs(ctx context.Context, workspaceID string, since time.Time) ([]string, error) {
	query := `SELECT id FROM workspaces
		WHERE id = $1 AND deleted_at IS NOT NULL AND deleted_at > $2`
	return s.queryIDs(ctx, query, workspaceID, since)
}

func (s *SyncSource) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
