package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sourcegraph/conc"

	"github.com/joescharf/bugtrack/internal/models"
)

// Notifier turns lifecycle events into messages and sends them in the
// background. Delivery failures are logged and never reach the caller.
type Notifier struct {
	mailer Mailer
	logger *slog.Logger
	wg     conc.WaitGroup
}

// New returns a Notifier. A nil mailer disables delivery.
func New(mailer Mailer, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{mailer: mailer, logger: logger}
}

// Wait blocks until all queued messages have been handed to the mailer.
func (n *Notifier) Wait() {
	n.wg.Wait()
}

func (n *Notifier) dispatch(msg Message) {
	if n == nil || n.mailer == nil {
		return
	}
	msg.To = compact(msg.To)
	msg.Cc = compact(msg.Cc)
	if len(msg.To) == 0 {
		return
	}
	n.wg.Go(func() {
		if err := n.mailer.Send(context.Background(), msg); err != nil {
			n.logger.Warn("notification failed", "subject", msg.Subject, "error", err)
		}
	})
}

func compact(addrs []string) []string {
	var out []string
	for _, a := range addrs {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

func email(u *models.User) string {
	if u == nil {
		return ""
	}
	return u.Email
}

func username(r *models.UserRef) string {
	if r == nil {
		return "unknown"
	}
	return r.Username
}

// BugCreated tells the project admin about a new bug.
func (n *Notifier) BugCreated(b *models.Bug, project *models.Project, admin *models.User) {
	n.dispatch(Message{
		To:      []string{email(admin)},
		Subject: fmt.Sprintf("New bug reported: %s", b.Title),
		Body: fmt.Sprintf("A new bug was reported in project %s by %s.\n\nTitle: %s\nPriority: %s\n\n%s",
			project.Name, username(b.CreatedBy), b.Title, b.Priority, b.Description),
	})
}

// BugAssigned tells the developer a bug is now theirs.
func (n *Notifier) BugAssigned(b *models.Bug, dev *models.User, reassigned bool) {
	verb := "assigned to you"
	if reassigned {
		verb = "reassigned to you"
	}
	n.dispatch(Message{
		To:      []string{email(dev)},
		Subject: fmt.Sprintf("Bug %s: %s", verb, b.Title),
		Body:    fmt.Sprintf("Bug %q (priority %s) has been %s.", b.Title, b.Priority, verb),
	})
}

// BugStatusChanged tells the reporting tester (cc admin) that a developer
// resolved the bug.
func (n *Notifier) BugStatusChanged(b *models.Bug, creator, admin *models.User, notes string) {
	if b.Status != models.BugStatusResolved {
		return
	}
	n.dispatch(Message{
		To:      []string{email(creator)},
		Cc:      []string{email(admin)},
		Subject: fmt.Sprintf("Bug resolved: %s", b.Title),
		Body: fmt.Sprintf("%s resolved bug %q.\n\nResolution:\n%s",
			username(b.AssignedTo), b.Title, notes),
	})
}

// BugClosed tells the assigned developer (cc admin) the tester verified the fix.
func (n *Notifier) BugClosed(b *models.Bug, dev, admin *models.User, comment string) {
	n.dispatch(Message{
		To:      []string{email(dev)},
		Cc:      []string{email(admin)},
		Subject: fmt.Sprintf("Bug closed: %s", b.Title),
		Body:    fmt.Sprintf("Bug %q was verified and closed.\n\nComment:\n%s", b.Title, comment),
	})
}

// BugAttentionRequested tells the assignee the tester wants another look.
func (n *Notifier) BugAttentionRequested(b *models.Bug, dev *models.User) {
	n.dispatch(Message{
		To:      []string{email(dev)},
		Subject: fmt.Sprintf("Reassignment requested: %s", b.Title),
		Body:    fmt.Sprintf("%s asked for bug %q to be revisited.", username(b.CreatedBy), b.Title),
	})
}

// TaskCreated tells the project admin a developer filed a task.
func (n *Notifier) TaskCreated(t *models.Task, project *models.Project, admin *models.User) {
	n.dispatch(Message{
		To:      []string{email(admin)},
		Subject: fmt.Sprintf("New task: %s", t.Title),
		Body: fmt.Sprintf("%s created task %q in project %s.\n\n%s",
			username(t.CreatedBy), t.Title, project.Name, t.Description),
	})
}

// TaskAssigned tells the tester a task is theirs to verify.
func (n *Notifier) TaskAssigned(t *models.Task, tester *models.User) {
	n.dispatch(Message{
		To:      []string{email(tester)},
		Subject: fmt.Sprintf("Task assigned to you: %s", t.Title),
		Body:    fmt.Sprintf("Task %q (priority %s) has been assigned to you.", t.Title, t.Priority),
	})
}

// TaskClosed tells the creating developer (cc admin) the task is done.
func (n *Notifier) TaskClosed(t *models.Task, creator, admin *models.User, comment string) {
	n.dispatch(Message{
		To:      []string{email(creator)},
		Cc:      []string{email(admin)},
		Subject: fmt.Sprintf("Task closed: %s", t.Title),
		Body:    fmt.Sprintf("%s closed task %q.\n\nComment:\n%s", username(t.AssignedTo), t.Title, comment),
	})
}
