package store

import (
	"context"
	"errors"
	"time"

	"github.com/joescharf/bugtrack/internal/models"
)

var (
	// ErrNotFound is wrapped by every lookup that matches no row.
	ErrNotFound = errors.New("not found")
	// ErrConflict means the row changed between read and write.
	ErrConflict = errors.New("modified concurrently")
	// ErrDuplicate is returned for unique key violations.
	ErrDuplicate = errors.New("already exists")
)

// BugListFilter specifies filters for listing bugs. Zero values are ignored.
type BugListFilter struct {
	ProjectID     string
	ProjectOwner  string // admin who created the bug's project
	CreatedBy     string
	AssignedTo    string
	Status        models.BugStatus
	Priority      models.Priority
	Breached      *bool
	ExcludeClosed bool
	Since         time.Time // created at or after
}

// BugGuard is the stored state a bug transition expects to replace. A
// mismatch on any field fails the write with ErrConflict. Version catches
// transitions that leave status and flag unchanged, such as a reassignment.
type BugGuard struct {
	Status         models.BugStatus
	NeedsAttention bool
	Version        int64
}

// TaskListFilter specifies filters for listing tasks.
type TaskListFilter struct {
	ProjectID  string
	CreatedBy  string
	AssignedTo string
	Status     models.TaskStatus
}

// Store defines the persistence interface for bugtrack.
type Store interface {
	// Users
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	ListUsers(ctx context.Context, role models.Role) ([]*models.User, error)

	// Projects
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	GetProjectByName(ctx context.Context, name string) (*models.Project, error)
	ListProjects(ctx context.Context) ([]*models.Project, error)
	AddProjectMember(ctx context.Context, projectID, userID string) error
	ListProjectMembers(ctx context.Context, projectID string, role models.Role) ([]*models.User, error)
	IsProjectMember(ctx context.Context, projectID, userID string) (bool, error)

	// Bugs. CreateBug and TransitionBug write the bug and its log entry in one
	// transaction. TransitionBug only succeeds while the stored row still
	// matches guard.
	CreateBug(ctx context.Context, b *models.Bug, entry *models.LogEntry) error
	GetBug(ctx context.Context, id string) (*models.Bug, error)
	ListBugs(ctx context.Context, filter BugListFilter) ([]*models.Bug, error)
	ListActiveBugs(ctx context.Context) ([]*models.Bug, error)
	TransitionBug(ctx context.Context, b *models.Bug, guard BugGuard, entry *models.LogEntry) error
	MarkBugBreached(ctx context.Context, id string) error
	AddBugLog(ctx context.Context, entry *models.LogEntry) error
	ListBugLogs(ctx context.Context, bugID string) ([]*models.LogEntry, error)
	GetBugLog(ctx context.Context, id string) (*models.LogEntry, error)

	// Tasks. TransitionTask only succeeds while the stored row still has
	// status from and the version t was read at.
	CreateTask(ctx context.Context, t *models.Task, entry *models.LogEntry) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, filter TaskListFilter) ([]*models.Task, error)
	TransitionTask(ctx context.Context, t *models.Task, from models.TaskStatus, entry *models.LogEntry) error
	ListTaskLogs(ctx context.Context, taskID string) ([]*models.LogEntry, error)
	GetTaskLog(ctx context.Context, id string) (*models.LogEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
