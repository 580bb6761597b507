package breach

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/bugtrack/internal/events"
	"github.com/joescharf/bugtrack/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func bugAt(status models.BugStatus, changed time.Time) *models.Bug {
	return &models.Bug{ID: "b1", Status: status, LastStatusChange: changed}
}

func TestStageFor_Boundaries(t *testing.T) {
	p := DemoPolicy()
	tests := []struct {
		elapsed time.Duration
		want    Stage
	}{
		{0, StageOnTrack},
		{29 * time.Second, StageOnTrack},
		{30 * time.Second, StageWarning1},
		{59 * time.Second, StageWarning1},
		{60 * time.Second, StageWarning2},
		{120 * time.Second, StageWarning3},
		{209 * time.Second, StageWarning3},
		{210 * time.Second, StageBreached},
		{10 * time.Hour, StageBreached},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.StageFor(tt.elapsed), "elapsed %s", tt.elapsed)
	}
}

func TestStageFor_Monotonic(t *testing.T) {
	for _, p := range []Policy{DemoPolicy(), DefaultPolicy()} {
		prev := StageOnTrack
		for d := time.Duration(0); d <= p.Limit+p.Stage1; d += p.Stage1 / 7 {
			s := p.StageFor(d)
			assert.GreaterOrEqual(t, int(s), int(prev), "stage regressed at %s", d)
			prev = s
		}
	}
}

func TestEvaluate_ThirtyFiveSecondsIsStageOne(t *testing.T) {
	b := bugAt(models.BugStatusAssigned, t0)
	a := DemoPolicy().Evaluate(b, t0.Add(35*time.Second))
	assert.Equal(t, StageWarning1, a.Stage)
	assert.Equal(t, 35*time.Second, a.Elapsed)
	assert.Equal(t, 175*time.Second, a.Remaining)
	assert.Equal(t, "2m 55s left", FormatRemaining(a))
}

func TestEvaluate_ExemptStatuses(t *testing.T) {
	for _, s := range []models.BugStatus{models.BugStatusResolved, models.BugStatusClosed} {
		a := DemoPolicy().Evaluate(bugAt(s, t0), t0.Add(time.Hour))
		assert.True(t, a.Exempt)
		assert.Equal(t, StageOnTrack, a.Stage)
		assert.Equal(t, "-", FormatRemaining(a))
	}
}

func TestEvaluate_StickyBreach(t *testing.T) {
	b := bugAt(models.BugStatusInProgress, t0)
	b.Breached = true
	a := DemoPolicy().Evaluate(b, t0.Add(time.Second))
	assert.Equal(t, StageBreached, a.Stage)
	assert.Equal(t, "Breached", FormatRemaining(a))

	b.Status = models.BugStatusResolved
	a = DemoPolicy().Evaluate(b, t0.Add(time.Second))
	assert.True(t, a.Exempt)
	assert.Equal(t, StageBreached, a.Stage)
}

func TestEvaluate_ClockSkew(t *testing.T) {
	a := DemoPolicy().Evaluate(bugAt(models.BugStatusOpen, t0), t0.Add(-time.Minute))
	assert.Equal(t, StageOnTrack, a.Stage)
	assert.Equal(t, time.Duration(0), a.Elapsed)
}

func TestFormatRemaining_Hours(t *testing.T) {
	a := DefaultPolicy().Evaluate(bugAt(models.BugStatusOpen, t0), t0.Add(90*time.Minute))
	assert.Equal(t, "22h 30m left", FormatRemaining(a))
}

func TestPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())
	assert.NoError(t, DemoPolicy().Validate())

	bad := DemoPolicy()
	bad.Stage3 = bad.Limit
	assert.Error(t, bad.Validate())

	assert.Error(t, Policy{}.Validate())
}

func TestPolicyFor(t *testing.T) {
	p, err := PolicyFor("demo")
	require.NoError(t, err)
	assert.Equal(t, DemoPolicy(), p)

	p, err = PolicyFor("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicy(), p)

	_, err = PolicyFor("fast")
	assert.Error(t, err)
}

func TestStage_String(t *testing.T) {
	assert.Equal(t, "stage-2", StageWarning2.String())
	text, err := StageBreached.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "breached", string(text))

	var st Stage
	require.NoError(t, st.UnmarshalText([]byte("stage-3")))
	assert.Equal(t, StageWarning3, st)
	assert.Error(t, st.UnmarshalText([]byte("stage-9")))
}

// fakeSource is an in-memory Source.
type fakeSource struct {
	mu     sync.Mutex
	bugs   []*models.Bug
	marked []string
}

func (f *fakeSource) ListActiveBugs(_ context.Context) ([]*models.Bug, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.Bug, len(f.bugs))
	for i, b := range f.bugs {
		cp := *b
		out[i] = &cp
	}
	return out, nil
}

func (f *fakeSource) MarkBugBreached(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, id)
	for _, b := range f.bugs {
		if b.ID == id {
			b.Breached = true
		}
	}
	return nil
}

func TestWatcher_ScanPublishesStageChanges(t *testing.T) {
	src := &fakeSource{bugs: []*models.Bug{
		{ID: "a", Status: models.BugStatusAssigned, LastStatusChange: t0},
		{ID: "r", Status: models.BugStatusResolved, LastStatusChange: t0},
	}}
	bus := events.New()
	subID, ch := bus.Subscribe(16)
	defer bus.Unsubscribe(subID)

	w := NewWatcher(src, bus, DemoPolicy(), time.Second, nil)
	clock := t0.Add(10 * time.Second)
	w.now = func() time.Time { return clock }

	n, err := w.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "on-track bugs are not announced on first sight")

	clock = t0.Add(35 * time.Second)
	n, err = w.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	ev := <-ch
	assert.Equal(t, events.TypeBugBreachStage, ev.Type)
	assert.Equal(t, "a", ev.ResourceID)
	assert.Equal(t, "stage-1", ev.Metadata["stage"])

	// Same stage on the next tick: nothing new.
	n, err = w.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	clock = t0.Add(211 * time.Second)
	n, err = w.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"a"}, src.marked)
	ev = <-ch
	assert.Equal(t, "breached", ev.Metadata["stage"])

	// Already breached bugs are not re-marked.
	_, err = w.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, src.marked)
}

func TestWatcher_RunStopsOnCancel(t *testing.T) {
	src := &fakeSource{}
	w := NewWatcher(src, nil, DemoPolicy(), 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}
