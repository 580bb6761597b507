package tracker

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/joescharf/bugtrack/internal/events"
	"github.com/joescharf/bugtrack/internal/lifecycle"
	"github.com/joescharf/bugtrack/internal/models"
	"github.com/joescharf/bugtrack/internal/storage"
	"github.com/joescharf/bugtrack/internal/store"
)

// CreateBugInput is a tester's bug report.
type CreateBugInput struct {
	ProjectID   string
	Title       string
	Description string
	Priority    models.Priority
	Image       []byte
}

// CreateBug files a new OPEN bug. The image, if any, becomes both the
// current and the original image.
func (s *Service) CreateBug(ctx context.Context, actor *models.UserRef, in CreateBugInput) (*models.Bug, error) {
	if err := requireRole(actor, models.RoleTester); err != nil {
		return nil, err
	}
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return nil, invalid("Please provide a title.")
	}
	if in.Priority == "" {
		in.Priority = models.PriorityMedium
	}
	if !in.Priority.IsValid() {
		return nil, invalid("Please select a priority.")
	}
	if err := s.requireMember(ctx, actor, in.ProjectID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	b := &models.Bug{
		ID:               ulid.Make().String(),
		ProjectID:        in.ProjectID,
		Title:            in.Title,
		Description:      strings.TrimSpace(in.Description),
		Priority:         in.Priority,
		Status:           models.BugStatusOpen,
		CreatedBy:        actor,
		LastStatusChange: now,
		CreatedAt:        now,
	}
	key, err := s.putImage(ctx, storage.BugImageKey(b.ID, "original"), in.Image)
	if err != nil {
		return nil, err
	}
	b.ImageKey, b.OriginalImageKey = key, key

	entry := &models.LogEntry{
		User:      actor,
		Status:    string(b.Status),
		Text:      b.Description,
		ImageKey:  key,
		Timestamp: now,
	}
	if err := s.store.CreateBug(ctx, b, entry); err != nil {
		s.dropImage(ctx, key)
		return nil, err
	}

	s.logger.Info("bug created", "bug", b.ID, "project", b.ProjectID, "by", actor.Username)
	s.publish(events.TypeBugCreated, b.ID, map[string]string{"status": string(b.Status), "priority": string(b.Priority)})
	project, admin := s.projectAdmin(ctx, b.ProjectID)
	s.notifier.BugCreated(b, project, admin)
	return b, nil
}

// GetBug returns one bug.
func (s *Service) GetBug(ctx context.Context, id string) (*models.Bug, error) {
	return s.store.GetBug(ctx, id)
}

// BugQuery selects a role-scoped bug view.
type BugQuery struct {
	Breached bool // breached view instead of the active view
	Days     int  // only bugs created in the last Days days; 0 means no cutoff
}

// scope restricts a filter to the bugs actor is responsible for: admins see
// their projects, testers what they reported, developers what they hold.
func scope(actor *models.UserRef, f *store.BugListFilter) error {
	switch actor.Role {
	case models.RoleAdmin:
		f.ProjectOwner = actor.ID
	case models.RoleTester:
		f.CreatedBy = actor.ID
	case models.RoleDeveloper:
		f.AssignedTo = actor.ID
	default:
		return forbidden("unknown role %q", actor.Role)
	}
	return nil
}

// ListBugs returns the active view (not breached, not closed) or, with
// q.Breached, the breached view (breached, not closed).
func (s *Service) ListBugs(ctx context.Context, actor *models.UserRef, q BugQuery) ([]*models.Bug, error) {
	if err := requireRole(actor, models.RoleAdmin, models.RoleTester, models.RoleDeveloper); err != nil {
		return nil, err
	}
	breached := q.Breached
	f := store.BugListFilter{Breached: &breached, ExcludeClosed: true}
	if err := scope(actor, &f); err != nil {
		return nil, err
	}
	if q.Days > 0 {
		f.Since = s.now().UTC().AddDate(0, 0, -q.Days)
	}
	return s.store.ListBugs(ctx, f)
}

// AssignedBugs is the developer's work queue.
func (s *Service) AssignedBugs(ctx context.Context, actor *models.UserRef) ([]*models.Bug, error) {
	if err := requireRole(actor, models.RoleDeveloper); err != nil {
		return nil, err
	}
	breached := false
	return s.store.ListBugs(ctx, store.BugListFilter{AssignedTo: actor.ID, Breached: &breached, ExcludeClosed: true})
}

// BugFilter narrows FilterBugs. Zero values are ignored.
type BugFilter struct {
	Status    models.BugStatus
	ProjectID string
	Priority  models.Priority
}

// FilterBugs returns the actor's bugs matching f, most urgent priority first
// and then by id.
func (s *Service) FilterBugs(ctx context.Context, actor *models.UserRef, bf BugFilter) ([]*models.Bug, error) {
	if err := requireRole(actor, models.RoleAdmin, models.RoleTester, models.RoleDeveloper); err != nil {
		return nil, err
	}
	f := store.BugListFilter{Status: bf.Status, ProjectID: bf.ProjectID, Priority: bf.Priority}
	if err := scope(actor, &f); err != nil {
		return nil, err
	}
	bugs, err := s.store.ListBugs(ctx, f)
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(bugs, func(a, b *models.Bug) int {
		if c := cmp.Compare(a.Priority.Rank(), b.Priority.Rank()); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return bugs, nil
}

// bugChange is one validated transition waiting to be written.
type bugChange struct {
	bug    *models.Bug
	guard  store.BugGuard
	action lifecycle.Action
	entry  *models.LogEntry
	image  string

	// replaceImage makes an uploaded image the bug's current image.
	replaceImage bool

	attentionRaised  bool
	attentionCleared bool
}

// prepare loads the bug, runs the lifecycle check and returns a mutable copy
// with the guard taken from the stored row.
func (s *Service) prepare(ctx context.Context, actor *models.UserRef, id string, action lifecycle.Action, p lifecycle.Payload) (*bugChange, models.BugStatus, error) {
	if actor == nil {
		return nil, "", forbidden("not signed in")
	}
	b, err := s.store.GetBug(ctx, id)
	if err != nil {
		return nil, "", err
	}
	to, err := lifecycle.Bug(b.Status, action, actor.Role, p)
	if err != nil {
		return nil, "", err
	}
	return &bugChange{
		bug:    b,
		guard:  store.BugGuard{Status: b.Status, NeedsAttention: b.NeedsAttention, Version: b.Version},
		action: action,
	}, to, nil
}

// commit stores the image, writes the transition and emits its events.
func (s *Service) commit(ctx context.Context, actor *models.UserRef, c *bugChange, to models.BugStatus, text string, image []byte) error {
	now := s.now().UTC()
	b := c.bug
	if to != b.Status {
		b.Status = to
		b.LastStatusChange = now
	}
	if lifecycle.ClearsAttention(c.action) && b.NeedsAttention {
		b.NeedsAttention = false
		c.attentionCleared = true
	}
	if lifecycle.RaisesAttention(c.action) && !b.NeedsAttention {
		b.NeedsAttention = true
		c.attentionRaised = true
	}

	key, err := s.putImage(ctx, storage.BugImageKey(b.ID, newImageSuffix()), image)
	if err != nil {
		return err
	}
	c.image = key
	if key != "" && c.replaceImage {
		b.ImageKey = key
	}
	c.entry = &models.LogEntry{
		User:      actor,
		Status:    string(b.Status),
		Text:      text,
		ImageKey:  key,
		Timestamp: now,
	}
	if err := s.store.TransitionBug(ctx, b, c.guard, c.entry); err != nil {
		s.dropImage(ctx, key)
		return err
	}

	s.logger.Info("bug transition", "bug", b.ID, "action", c.action, "from", c.guard.Status, "to", b.Status, "by", actor.Username)
	s.publish(events.TypeBugUpdated, b.ID, map[string]string{
		"action": string(c.action),
		"status": string(b.Status),
	})
	if c.attentionRaised {
		s.publish(events.TypeBugAttentionRaised, b.ID, nil)
	}
	if c.attentionCleared {
		s.publish(events.TypeBugAttentionCleared, b.ID, nil)
	}
	return nil
}

// AssignBug assigns a developer. Admins may assign any open bug; a developer
// may only hand on a bug currently assigned to them.
func (s *Service) AssignBug(ctx context.Context, actor *models.UserRef, id, devID string) (*models.Bug, error) {
	c, to, err := s.prepare(ctx, actor, id, lifecycle.ActionAssign, lifecycle.Payload{AssigneeID: devID})
	if err != nil {
		return nil, err
	}
	b := c.bug
	if actor.Role == models.RoleDeveloper && !b.IsAssignedTo(actor.ID) {
		return nil, forbidden("only the assigned developer can reassign this bug")
	}
	dev, err := s.developer(ctx, devID)
	if err != nil {
		return nil, err
	}
	if b.IsAssignedTo(dev.ID) {
		return nil, fmt.Errorf("bug is %w to %s", ErrAlreadyAssigned, dev.Username)
	}

	previous := b.AssignedTo
	text := "Assigned to developer: " + dev.Username
	if previous != nil {
		text = "Reassigning bug to: " + dev.Username
	}
	b.AssignedTo = dev.Ref()
	if err := s.commit(ctx, actor, c, to, text, nil); err != nil {
		return nil, err
	}
	s.notifier.BugAssigned(b, dev, previous != nil)
	return b, nil
}

func (s *Service) developer(ctx context.Context, id string) (*models.User, error) {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Role != models.RoleDeveloper {
		return nil, invalid(lifecycle.MsgSelectDeveloper)
	}
	return u, nil
}

// UpdateStatusInput is a developer's status change.
type UpdateStatusInput struct {
	Status     models.BugStatus
	Resolution string
	Image      []byte
}

// UpdateStatus moves an assigned bug to IN_PROGRESS or RESOLVED. Only the
// assigned developer may do so, and the change clears a pending
// reassignment request.
func (s *Service) UpdateStatus(ctx context.Context, actor *models.UserRef, id string, in UpdateStatusInput) (*models.Bug, error) {
	action, err := lifecycle.ActionForStatus(in.Status)
	if err != nil {
		return nil, err
	}
	c, to, err := s.prepare(ctx, actor, id, action, lifecycle.Payload{Notes: in.Resolution, HasImage: len(in.Image) > 0})
	if err != nil {
		return nil, err
	}
	b := c.bug
	if !b.IsAssignedTo(actor.ID) {
		return nil, forbidden("only the assigned developer can update this bug")
	}
	c.replaceImage = true
	if text := strings.TrimSpace(in.Resolution); text != "" {
		b.Resolution = text
	}
	if err := s.commit(ctx, actor, c, to, strings.TrimSpace(in.Resolution), in.Image); err != nil {
		return nil, err
	}

	creator := s.lookupUser(ctx, b.CreatedBy.ID)
	_, admin := s.projectAdmin(ctx, b.ProjectID)
	s.notifier.BugStatusChanged(b, creator, admin, b.Resolution)
	return b, nil
}

// TesterInput is the free text and optional image of a tester action.
type TesterInput struct {
	Text  string
	Image []byte
}

func (s *Service) requireCreator(actor *models.UserRef, b *models.Bug) error {
	if !b.IsCreatedBy(actor.ID) {
		return forbidden("only the tester who reported this bug can do that")
	}
	return nil
}

// CloseByTester closes a resolved bug after verification.
func (s *Service) CloseByTester(ctx context.Context, actor *models.UserRef, id string, in TesterInput) (*models.Bug, error) {
	c, to, err := s.prepare(ctx, actor, id, lifecycle.ActionClose, lifecycle.Payload{Notes: in.Text, HasImage: len(in.Image) > 0})
	if err != nil {
		return nil, err
	}
	if err := s.requireCreator(actor, c.bug); err != nil {
		return nil, err
	}
	if err := s.commit(ctx, actor, c, to, strings.TrimSpace(in.Text), in.Image); err != nil {
		return nil, err
	}
	b := c.bug
	var dev *models.User
	if b.AssignedTo != nil {
		dev = s.lookupUser(ctx, b.AssignedTo.ID)
	}
	_, admin := s.projectAdmin(ctx, b.ProjectID)
	s.notifier.BugClosed(b, dev, admin, strings.TrimSpace(in.Text))
	return b, nil
}

// ReassignByTester sends a resolved bug back to a developer of the project
// and flags it for attention.
func (s *Service) ReassignByTester(ctx context.Context, actor *models.UserRef, id, devID string, in TesterInput) (*models.Bug, error) {
	c, to, err := s.prepare(ctx, actor, id, lifecycle.ActionReassignByTester, lifecycle.Payload{AssigneeID: devID, Notes: in.Text, HasImage: len(in.Image) > 0})
	if err != nil {
		return nil, err
	}
	b := c.bug
	if err := s.requireCreator(actor, b); err != nil {
		return nil, err
	}
	dev, err := s.developer(ctx, devID)
	if err != nil {
		return nil, err
	}
	member, err := s.store.IsProjectMember(ctx, b.ProjectID, dev.ID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, invalid(fmt.Sprintf("%s is not a developer on this project.", dev.Username))
	}

	text := "Reassigning bug to: " + dev.Username
	if note := strings.TrimSpace(in.Text); note != "" {
		text += "\n" + note
	}
	b.AssignedTo = dev.Ref()
	if err := s.commit(ctx, actor, c, to, text, in.Image); err != nil {
		return nil, err
	}
	s.notifier.BugAssigned(b, dev, true)
	return b, nil
}

// Reopen moves a resolved bug back to IN_PROGRESS for its developer.
func (s *Service) Reopen(ctx context.Context, actor *models.UserRef, id string, in TesterInput) (*models.Bug, error) {
	c, to, err := s.prepare(ctx, actor, id, lifecycle.ActionReopen, lifecycle.Payload{Notes: in.Text, HasImage: len(in.Image) > 0})
	if err != nil {
		return nil, err
	}
	if err := s.requireCreator(actor, c.bug); err != nil {
		return nil, err
	}
	if err := s.commit(ctx, actor, c, to, strings.TrimSpace(in.Text), in.Image); err != nil {
		return nil, err
	}
	b := c.bug
	if b.AssignedTo != nil {
		s.notifier.BugAssigned(b, s.lookupUser(ctx, b.AssignedTo.ID), true)
	}
	return b, nil
}

// RequestReassignment flags the bug for its developer without changing its
// status.
func (s *Service) RequestReassignment(ctx context.Context, actor *models.UserRef, id string) (*models.Bug, error) {
	c, to, err := s.prepare(ctx, actor, id, lifecycle.ActionRequestReassignment, lifecycle.Payload{})
	if err != nil {
		return nil, err
	}
	if err := s.requireCreator(actor, c.bug); err != nil {
		return nil, err
	}
	if err := s.commit(ctx, actor, c, to, "Reassignment requested", nil); err != nil {
		return nil, err
	}
	b := c.bug
	if c.attentionRaised && b.AssignedTo != nil {
		s.notifier.BugAttentionRequested(b, s.lookupUser(ctx, b.AssignedTo.ID))
	}
	return b, nil
}

// AddNote appends a developer note to the bug timeline with the bug's
// current status.
func (s *Service) AddNote(ctx context.Context, actor *models.UserRef, id string, in TesterInput) (*models.LogEntry, error) {
	c, _, err := s.prepare(ctx, actor, id, lifecycle.ActionAddNote, lifecycle.Payload{Notes: in.Text, HasImage: len(in.Image) > 0})
	if err != nil {
		return nil, err
	}
	b := c.bug
	if !b.IsAssignedTo(actor.ID) {
		return nil, forbidden("only the assigned developer can add notes")
	}
	key, err := s.putImage(ctx, storage.BugImageKey(b.ID, newImageSuffix()), in.Image)
	if err != nil {
		return nil, err
	}
	entry := &models.LogEntry{
		EntityID:  b.ID,
		User:      actor,
		Status:    string(b.Status),
		Text:      strings.TrimSpace(in.Text),
		ImageKey:  key,
		Timestamp: s.now().UTC(),
	}
	if err := s.store.AddBugLog(ctx, entry); err != nil {
		s.dropImage(ctx, key)
		return nil, err
	}
	s.publish(events.TypeBugUpdated, b.ID, map[string]string{"action": string(lifecycle.ActionAddNote), "status": string(b.Status)})
	return entry, nil
}

// BugLogs returns the bug's timeline, newest first.
func (s *Service) BugLogs(ctx context.Context, id string) ([]*models.LogEntry, error) {
	if _, err := s.store.GetBug(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListBugLogs(ctx, id)
}

// BugImage returns the bug's current image, or the first one when original
// is set.
func (s *Service) BugImage(ctx context.Context, id string, original bool) ([]byte, error) {
	b, err := s.store.GetBug(ctx, id)
	if err != nil {
		return nil, err
	}
	if original {
		return s.readImage(ctx, b.OriginalImageKey)
	}
	return s.readImage(ctx, b.ImageKey)
}

// BugLogImage returns the image attached to a bug log entry.
func (s *Service) BugLogImage(ctx context.Context, logID string) ([]byte, error) {
	l, err := s.store.GetBugLog(ctx, logID)
	if err != nil {
		return nil, err
	}
	return s.readImage(ctx, l.ImageKey)
}
