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

const bugSelect = `SELECT b.id, b.project_id, b.title, b.description, b.priority, b.status,
	cu.id, cu.username, cu.role, au.id, au.username, au.role,
	b.resolution, b.breached, b.needs_attention, b.image_key, b.original_image_key,
	b.last_status_change, b.created_at, b.version
	FROM bugs b
	LEFT JOIN users cu ON cu.id = b.created_by
	LEFT JOIN users au ON au.id = b.assigned_to`

func scanBug(row interface{ Scan(...any) error }) (*models.Bug, error) {
	b := &models.Bug{}
	var priority, status string
	var cID, cName, cRole, aID, aName, aRole sql.NullString
	if err := row.Scan(&b.ID, &b.ProjectID, &b.Title, &b.Description, &priority, &status,
		&cID, &cName, &cRole, &aID, &aName, &aRole,
		&b.Resolution, &b.Breached, &b.NeedsAttention, &b.ImageKey, &b.OriginalImageKey,
		&b.LastStatusChange, &b.CreatedAt, &b.Version); err != nil {
		return nil, err
	}
	b.Priority = models.Priority(priority)
	b.Status = models.BugStatus(status)
	b.CreatedBy = userRef(cID, cName, cRole)
	b.AssignedTo = userRef(aID, aName, aRole)
	return b, nil
}

func (s *SQLiteStore) CreateBug(ctx context.Context, b *models.Bug, entry *models.LogEntry) error {
	if b.ID == "" {
		b.ID = newULID()
	}
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	if b.LastStatusChange.IsZero() {
		b.LastStatusChange = b.CreatedAt
	}
	if b.CreatedBy == nil {
		return fmt.Errorf("create bug: missing creator")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO bugs (id, project_id, title, description, priority, status, created_by, assigned_to,
			resolution, breached, needs_attention, image_key, original_image_key, last_status_change, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ProjectID, b.Title, b.Description, string(b.Priority), string(b.Status),
		b.CreatedBy.ID, nullString(b.AssignedTo), b.Resolution,
		boolToInt(b.Breached), boolToInt(b.NeedsAttention), b.ImageKey, b.OriginalImageKey,
		b.LastStatusChange.UTC(), b.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create bug: %w", err)
	}

	if entry != nil {
		entry.EntityID = b.ID
		if err := insertLog(ctx, tx, "bug_logs", "bug_id", entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetBug(ctx context.Context, id string) (*models.Bug, error) {
	b, err := scanBug(s.db.QueryRowContext(ctx, bugSelect+` WHERE b.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bug %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get bug: %w", err)
	}
	return b, nil
}

func (s *SQLiteStore) ListBugs(ctx context.Context, filter BugListFilter) ([]*models.Bug, error) {
	query := bugSelect
	var conditions []string
	var args []any

	if filter.ProjectID != "" {
		conditions = append(conditions, "b.project_id = ?")
		args = append(args, filter.ProjectID)
	}
	if filter.ProjectOwner != "" {
		conditions = append(conditions, "b.project_id IN (SELECT id FROM projects WHERE created_by = ?)")
		args = append(args, filter.ProjectOwner)
	}
	if filter.CreatedBy != "" {
		conditions = append(conditions, "b.created_by = ?")
		args = append(args, filter.CreatedBy)
	}
	if filter.AssignedTo != "" {
		conditions = append(conditions, "b.assigned_to = ?")
		args = append(args, filter.AssignedTo)
	}
	if filter.Status != "" {
		conditions = append(conditions, "b.status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Priority != "" {
		conditions = append(conditions, "b.priority = ?")
		args = append(args, string(filter.Priority))
	}
	if filter.Breached != nil {
		conditions = append(conditions, "b.breached = ?")
		args = append(args, boolToInt(*filter.Breached))
	}
	if filter.ExcludeClosed {
		conditions = append(conditions, "b.status <> ?")
		args = append(args, string(models.BugStatusClosed))
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "b.created_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY b.created_at DESC, b.id DESC"

	return s.queryBugs(ctx, query, args...)
}

func (s *SQLiteStore) ListActiveBugs(ctx context.Context) ([]*models.Bug, error) {
	return s.queryBugs(ctx, bugSelect+` WHERE b.status <> ? ORDER BY b.last_status_change`,
		string(models.BugStatusClosed))
}

func (s *SQLiteStore) queryBugs(ctx context.Context, query string, args ...any) ([]*models.Bug, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list bugs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var bugs []*models.Bug
	for rows.Next() {
		b, err := scanBug(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bug: %w", err)
		}
		bugs = append(bugs, b)
	}
	return bugs, rows.Err()
}

func (s *SQLiteStore) TransitionBug(ctx context.Context, b *models.Bug, guard BugGuard, entry *models.LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		`UPDATE bugs SET status=?, assigned_to=?, resolution=?, needs_attention=?, image_key=?, last_status_change=?,
		version=version+1
		WHERE id=? AND status=? AND needs_attention=? AND version=?`,
		string(b.Status), nullString(b.AssignedTo), b.Resolution, boolToInt(b.NeedsAttention),
		b.ImageKey, b.LastStatusChange.UTC(), b.ID, string(guard.Status), boolToInt(guard.NeedsAttention),
		guard.Version,
	)
	if err != nil {
		return fmt.Errorf("update bug: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		var current string
		var attention bool
		err := tx.QueryRowContext(ctx, `SELECT status, needs_attention FROM bugs WHERE id = ?`, b.ID).Scan(&current, &attention)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("bug %s: %w", b.ID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("update bug: %w", err)
		}
		switch {
		case models.BugStatus(current) != guard.Status:
			return fmt.Errorf("bug %s is now %s: %w", b.ID, current, ErrConflict)
		case attention != guard.NeedsAttention:
			return fmt.Errorf("bug %s attention flag changed: %w", b.ID, ErrConflict)
		default:
			return fmt.Errorf("bug %s changed concurrently: %w", b.ID, ErrConflict)
		}
	}

	if entry != nil {
		entry.EntityID = b.ID
		if err := insertLog(ctx, tx, "bug_logs", "bug_id", entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	b.Version = guard.Version + 1
	return nil
}

// MarkBugBreached sets the sticky breached flag. It never clears it.
func (s *SQLiteStore) MarkBugBreached(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE bugs SET breached = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark bug breached: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("bug %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) AddBugLog(ctx context.Context, entry *models.LogEntry) error {
	return insertLog(ctx, s.db, "bug_logs", "bug_id", entry)
}

func (s *SQLiteStore) ListBugLogs(ctx context.Context, bugID string) ([]*models.LogEntry, error) {
	return s.listLogs(ctx, "bug_logs", "bug_id", bugID)
}

func (s *SQLiteStore) GetBugLog(ctx context.Context, id string) (*models.LogEntry, error) {
	return s.getLog(ctx, "bug_logs", "bug_id", id)
}
