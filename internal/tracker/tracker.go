// Package tracker applies lifecycle operations to stored bugs and tasks.
//
// A Service call validates the request against the lifecycle tables and the
// ownership rules, writes the entity and its log entry in one store
// transaction, and only then publishes events and queues notifications.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/bugtrack/internal/auth"
	"github.com/joescharf/bugtrack/internal/breach"
	"github.com/joescharf/bugtrack/internal/events"
	"github.com/joescharf/bugtrack/internal/lifecycle"
	"github.com/joescharf/bugtrack/internal/models"
	"github.com/joescharf/bugtrack/internal/notify"
	"github.com/joescharf/bugtrack/internal/storage"
	"github.com/joescharf/bugtrack/internal/store"
)

// ErrAlreadyAssigned is returned when an assignment would not change the
// assignee.
var ErrAlreadyAssigned = errors.New("already assigned")

// Service is the write path shared by the REST API and the CLI.
type Service struct {
	store    store.Store
	blobs    storage.Storage
	bus      *events.Bus
	notifier *notify.Notifier
	policy   breach.Policy
	logger   *slog.Logger

	// now is replaceable in tests.
	now func() time.Time
}

// Options configures a Service. Bus and Notifier may be nil.
type Options struct {
	Store    store.Store
	Blobs    storage.Storage
	Bus      *events.Bus
	Notifier *notify.Notifier
	Policy   breach.Policy
	Logger   *slog.Logger
}

func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := opts.Policy
	if policy == (breach.Policy{}) {
		policy = breach.DefaultPolicy()
	}
	return &Service{
		store:    opts.Store,
		blobs:    opts.Blobs,
		bus:      opts.Bus,
		notifier: opts.Notifier,
		policy:   policy,
		logger:   logger,
		now:      time.Now,
	}
}

// Policy returns the breach thresholds in effect.
func (s *Service) Policy() breach.Policy { return s.policy }

// Assess evaluates the breach state of b at the current time.
func (s *Service) Assess(b *models.Bug) breach.Assessment {
	return s.policy.Evaluate(b, s.now())
}

// Store exposes the underlying store for read-only callers.
func (s *Service) Store() store.Store { return s.store }

func (s *Service) publish(eventType, id string, meta map[string]string) {
	if s.bus == nil {
		return
	}
	s.bus.PublishNew(eventType, id, meta)
}

func forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", lifecycle.ErrForbidden, fmt.Sprintf(format, args...))
}

func invalid(msg string) error {
	return &lifecycle.ValidationError{Message: msg}
}

func requireRole(actor *models.UserRef, roles ...models.Role) error {
	if actor == nil {
		return forbidden("not signed in")
	}
	for _, r := range roles {
		if actor.Role == r {
			return nil
		}
	}
	return forbidden("%s cannot perform this action", actor.Role)
}

// putImage stores data under key and returns the key, or "" when there is
// no image.
func (s *Service) putImage(ctx context.Context, key string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	if s.blobs == nil {
		return "", fmt.Errorf("image storage is not configured")
	}
	if err := s.blobs.Write(ctx, key, data); err != nil {
		return "", fmt.Errorf("store image: %w", err)
	}
	return key, nil
}

// dropImage removes an image written for a transaction that failed.
func (s *Service) dropImage(ctx context.Context, key string) {
	if key == "" || s.blobs == nil {
		return
	}
	if err := s.blobs.Delete(ctx, key); err != nil {
		s.logger.Warn("remove orphaned image", "key", key, "error", err)
	}
}

func (s *Service) readImage(ctx context.Context, key string) ([]byte, error) {
	if key == "" || s.blobs == nil {
		return nil, fmt.Errorf("image: %w", storage.ErrNotFound)
	}
	return s.blobs.Read(ctx, key)
}

func newImageSuffix() string {
	return strings.ToLower(ulid.Make().String())
}

// lookupUser returns the user or nil, logging lookup failures. It feeds
// notifications, which must never fail a committed transition.
func (s *Service) lookupUser(ctx context.Context, id string) *models.User {
	if id == "" {
		return nil
	}
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		s.logger.Warn("notification recipient lookup failed", "user", id, "error", err)
		return nil
	}
	return u
}

func (s *Service) projectAdmin(ctx context.Context, projectID string) (*models.Project, *models.User) {
	p, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		s.logger.Warn("project lookup failed", "project", projectID, "error", err)
		return &models.Project{ID: projectID}, nil
	}
	return p, s.lookupUser(ctx, p.CreatedBy)
}

// --- Users ---

// CreateUserInput describes a new account.
type CreateUserInput struct {
	Username string
	Email    string
	Password string
	Role     models.Role
}

// CreateUser validates and stores a new account with a hashed password.
func (s *Service) CreateUser(ctx context.Context, in CreateUserInput) (*models.User, error) {
	in.Username = strings.TrimSpace(in.Username)
	if in.Username == "" {
		return nil, invalid("Please provide a username.")
	}
	if len(in.Password) < 6 {
		return nil, invalid("Password must be at least 6 characters.")
	}
	if !in.Role.IsValid() {
		return nil, invalid("Please select a role.")
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	u := &models.User{
		Username:     in.Username,
		Email:        strings.TrimSpace(in.Email),
		Role:         in.Role,
		PasswordHash: hash,
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info("user created", "user", u.Username, "role", u.Role)
	return u, nil
}

// Authenticate checks a username and password.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*models.User, error) {
	u, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if errors.Is(err, store.ErrNotFound) {
		return nil, auth.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := auth.CheckPassword(u.PasswordHash, password); err != nil {
		return nil, auth.ErrInvalidCredentials
	}
	return u, nil
}

// --- Projects ---

// CreateProject creates a project owned by the admin actor.
func (s *Service) CreateProject(ctx context.Context, actor *models.UserRef, name, description string) (*models.Project, error) {
	if err := requireRole(actor, models.RoleAdmin); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalid("Please provide a project name.")
	}
	p := &models.Project{Name: name, Description: strings.TrimSpace(description), CreatedBy: actor.ID}
	if err := s.store.CreateProject(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// AddMember adds a developer or tester to a project.
func (s *Service) AddMember(ctx context.Context, actor *models.UserRef, projectID, userID string) (*models.User, error) {
	if err := requireRole(actor, models.RoleAdmin); err != nil {
		return nil, err
	}
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	u, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.Role == models.RoleAdmin {
		return nil, invalid("Only developers and testers can be project members.")
	}
	if err := s.store.AddProjectMember(ctx, projectID, userID); err != nil {
		return nil, err
	}
	return u, nil
}

// ProjectMembers lists the project's members with the given role.
func (s *Service) ProjectMembers(ctx context.Context, projectID string, role models.Role) ([]*models.User, error) {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.store.ListProjectMembers(ctx, projectID, role)
}

func (s *Service) requireMember(ctx context.Context, actor *models.UserRef, projectID string) error {
	if _, err := s.store.GetProject(ctx, projectID); err != nil {
		return err
	}
	ok, err := s.store.IsProjectMember(ctx, projectID, actor.ID)
	if err != nil {
		return err
	}
	if !ok {
		return forbidden("%s is not a member of this project", actor.Username)
	}
	return nil
}
