package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joescharf/bugtrack/internal/models"
)

const taskSelect = `SELECT t.id, t.project_id, t.title, t.description, t.priority, t.status,
	cu.id, cu.username, cu.role, au.id, au.username, au.role,
	t.image_key, t.original_image_key, t.created_at, t.assigned_at, t.closed_at, t.version
	FROM tasks t
	LEFT JOIN users cu ON cu.id = t.created_by
	LEFT JOIN users au ON au.id = t.assigned_to`

func scanTask(row interface{ Scan(...any) error }) (*models.Task, error) {
	t := &models.Task{}
	var priority, status string
	var cID, cName, cRole, aID, aName, aRole sql.NullString
	var assignedAt, closedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &priority, &status,
		&cID, &cName, &cRole, &aID, &aName, &aRole,
		&t.ImageKey, &t.OriginalImageKey, &t.CreatedAt, &assignedAt, &closedAt, &t.Version); err != nil {
		return nil, err
	}
	t.Priority = models.Priority(priority)
	t.Status = models.TaskStatus(status)
	t.CreatedBy = userRef(cID, cName, cRole)
	t.AssignedTo = userRef(aID, aName, aRole)
	if assignedAt.Valid {
		t.AssignedAt = &assignedAt.Time
	}
	if closedAt.Valid {
		t.ClosedAt = &closedAt.Time
	}
	return t, nil
}

func (s *SQLiteStore) CreateTask(ctx context.Context, t *models.Task, entry *models.LogEntry) error {
	if t.ID == "" {
		t.ID = newULID()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.CreatedBy == nil {
		return fmt.Errorf("create task: missing creator")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (id, project_id, title, description, priority, status, created_by, assigned_to,
			image_key, original_image_key, created_at, assigned_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.Title, t.Description, string(t.Priority), string(t.Status),
		t.CreatedBy.ID, nullString(t.AssignedTo), t.ImageKey, t.OriginalImageKey,
		t.CreatedAt.UTC(), t.AssignedAt, t.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	if entry != nil {
		entry.EntityID = t.ID
		if err := insertLog(ctx, tx, "task_logs", "task_id", entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, taskSelect+` WHERE t.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskListFilter) ([]*models.Task, error) {
	query := taskSelect
	var conditions []string
	var args []any

	if filter.ProjectID != "" {
		conditions = append(conditions, "t.project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.CreatedBy != "" {
		conditions = append(conditions, "t.created_by = ?")
		args = append(args, filter.CreatedBy)
	}
	if filter.AssignedTo != "" {
		conditions = append(conditions, "t.assigned_to = ?")
		args = append(args, filter.AssignedTo)
	}
	if filter.Status != "" {
		conditions = append(conditions, "t.status = ?")
		args = append(args, string(filter.Status))
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY t.created_at DESC, t.id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) TransitionTask(ctx context.Context, t *models.Task, from models.TaskStatus, entry *models.LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status=?, assigned_to=?, image_key=?, assigned_at=?, closed_at=?, version=version+1
		WHERE id=? AND status=? AND version=?`,
		string(t.Status), nullString(t.AssignedTo), t.ImageKey, t.AssignedAt, t.ClosedAt,
		t.ID, string(from), t.Version,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, t.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		if models.TaskStatus(current) == from {
			return fmt.Errorf("task %s changed concurrently: %w", t.ID, ErrConflict)
		}
		return fmt.Errorf("task %s is now %s: %w", t.ID, current, ErrConflict)
	}

	if entry != nil {
		entry.EntityID = t.ID
		if err := insertLog(ctx, tx, "task_logs", "task_id", entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	t.Version++
	return nil
}

func (s *SQLiteStore) ListTaskLogs(ctx context.Context, taskID string) ([]*models.LogEntry, error) {
	return s.listLogs(ctx, "task_logs", "task_id", taskID)
}

func (s *SQLiteStore) GetTaskLog(ctx context.Context, id string) (*models.LogEntry, error) {
	return s.getLog(ctx, "task_logs", "task_id", id)
}
