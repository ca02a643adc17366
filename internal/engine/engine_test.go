package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"revline/internal/config"
	"revline/internal/db"
	"revline/internal/domain"
	"revline/internal/engine"
	"revline/internal/metrics"
	"revline/internal/migrate"
	"revline/internal/notify"
)

const (
	testProject  = "proj-1"
	testClient   = "client-1"
	testDesigner = "designer-1"
)

type testEnv struct {
	Engine   engine.Engine
	Ctx      context.Context
	Recorder *notify.Recorder
	Metrics  *metrics.Metrics
}

func newTestEnv(t *testing.T, total int) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	eng := engine.New(conn, nil)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	rec := &notify.Recorder{}
	m := metrics.New()
	eng.Metrics = m
	eng.Notifier = notify.NewDispatcher(zerolog.Nop(), m, rec)

	fee := 200.0
	_, err = eng.InitProject(ctx, engine.ProjectInit{
		ID:                        testProject,
		Name:                      "Brand refresh",
		ClientID:                  testClient,
		DesignerID:                testDesigner,
		TotalModificationCount:    &total,
		AdditionalModificationFee: &fee,
		ActorID:                   testDesigner,
	})
	require.NoError(t, err)
	rec.Reset()
	return testEnv{Engine: eng, Ctx: ctx, Recorder: rec, Metrics: m}
}

func (env testEnv) submit(t *testing.T, urgency string) domain.ModificationRequest {
	t.Helper()
	m, err := env.Engine.CreateModificationRequest(env.Ctx, engine.RequestCreateOptions{
		ProjectID:   testProject,
		Description: "Change the header colour",
		Urgency:     urgency,
		ActorID:     testClient,
	})
	require.NoError(t, err)
	return m
}

func (env testEnv) remaining(t *testing.T) int {
	t.Helper()
	p, err := env.Engine.GetProject(env.Ctx, testProject)
	require.NoError(t, err)
	return p.RemainingModificationCount
}

func (env testEnv) tracker(t *testing.T) domain.ModificationTracker {
	t.Helper()
	tr, err := env.Engine.GetTracker(env.Ctx, testProject)
	require.NoError(t, err)
	require.True(t, tr.Balanced(), "tracker out of balance: %+v", tr)
	return tr
}

func TestInitProjectSeedsBudgetAndHeader(t *testing.T) {
	env := newTestEnv(t, 3)
	p, err := env.Engine.GetProject(env.Ctx, testProject)
	require.NoError(t, err)
	require.Equal(t, 3, p.TotalModificationCount)
	require.Equal(t, 3, p.RemainingModificationCount)
	require.Equal(t, 1, p.CurrentRevisionNumber)
	require.Equal(t, 200.0, p.AdditionalModificationFee)

	surface, err := env.Engine.ListActiveSurface(env.Ctx, testProject)
	require.NoError(t, err)
	require.Len(t, surface, 1)
	require.True(t, surface[0].IsRevisionHeader)
	require.Equal(t, 1, surface[0].RevisionNumber)

	_, err = env.Engine.InitProject(env.Ctx, engine.ProjectInit{ID: testProject})
	var invalid engine.InvalidStateError
	require.ErrorAs(t, err, &invalid)
}

func TestCreateRequestDeductsAndNumbers(t *testing.T) {
	env := newTestEnv(t, 3)
	first := env.submit(t, "")
	second := env.submit(t, domain.UrgencyUrgent)

	require.Equal(t, 1, first.RequestNumber)
	require.Equal(t, 2, second.RequestNumber)
	require.Equal(t, domain.StatusPending, first.Status)
	require.Equal(t, domain.UrgencyNormal, first.Urgency)
	require.False(t, first.IsAdditionalCost)
	require.Nil(t, first.AdditionalCostAmount)
	require.Equal(t, 1, env.remaining(t))

	tr := env.tracker(t)
	require.Equal(t, 2, tr.Reserved)
	require.Equal(t, []string{
		"request.submitted", "ledger.deducted",
		"request.submitted", "ledger.deducted",
	}, env.Recorder.Types())
}

func TestCreateRequestValidation(t *testing.T) {
	env := newTestEnv(t, 3)
	_, err := env.Engine.CreateModificationRequest(env.Ctx, engine.RequestCreateOptions{ProjectID: testProject})
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = env.Engine.CreateModificationRequest(env.Ctx, engine.RequestCreateOptions{ProjectID: testProject, Description: "x", Urgency: "asap"})
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "urgency", verr.Field)

	_, err = env.Engine.CreateModificationRequest(env.Ctx, engine.RequestCreateOptions{ProjectID: "missing", Description: "x"})
	var nf engine.NotFoundError
	require.ErrorAs(t, err, &nf)

	_, err = env.Engine.CreateModificationRequest(env.Ctx, engine.RequestCreateOptions{ProjectID: testProject, FeedbackIDs: []string{"nope"}})
	require.ErrorAs(t, err, &nf)
	require.Equal(t, 3, env.remaining(t))
}

func TestCreateRequestWithFeedbackReferences(t *testing.T) {
	env := newTestEnv(t, 3)
	fb, err := env.Engine.AddSurfaceItem(env.Ctx, engine.SurfaceItemInput{
		ProjectID: testProject, Kind: domain.SurfaceFeedback, Title: "Logo too small", ActorID: testClient,
	})
	require.NoError(t, err)
	m, err := env.Engine.CreateModificationRequest(env.Ctx, engine.RequestCreateOptions{
		ProjectID: testProject, FeedbackIDs: []string{fb.ID, fb.ID}, ActorID: testClient,
	})
	require.NoError(t, err)
	got, err := env.Engine.GetModificationRequest(env.Ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, []string{fb.ID}, got.FeedbackIDs)
	require.Empty(t, got.ClarificationRequests)
	require.Nil(t, got.WorkProgress)
}

func TestRejectRestoresBudget(t *testing.T) {
	env := newTestEnv(t, 3)
	m := env.submit(t, "")
	require.Equal(t, 2, env.remaining(t))

	_, err := env.Engine.Reject(env.Ctx, m.ID, "   ", testDesigner)
	var verr engine.ValidationError
	require.ErrorAs(t, err, &verr)

	rejected, err := env.Engine.Reject(env.Ctx, m.ID, "out of scope", testDesigner)
	require.NoError(t, err)
	require.Equal(t, domain.StatusRejected, rejected.Status)
	require.NotNil(t, rejected.RejectedAt)
	require.Nil(t, rejected.ApprovedAt)
	require.Equal(t, 3, env.remaining(t))
	env.tracker(t)

	_, err = env.Engine.Reject(env.Ctx, m.ID, "again", testDesigner)
	var invalid engine.InvalidStateError
	require.ErrorAs(t, err, &invalid)
	_, err = env.Engine.Approve(env.Ctx, m.ID, testDesigner)
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, 3, env.remaining(t))
}

func TestRejectAdditionalCostLeavesBudget(t *testing.T) {
	env := newTestEnv(t, 1)
	env.submit(t, "")
	extra := env.submit(t, "")
	require.True(t, extra.IsAdditionalCost)
	require.Equal(t, 0, env.remaining(t))

	_, err := env.Engine.Reject(env.Ctx, extra.ID, "not needed", testDesigner)
	require.NoError(t, err)
	require.Equal(t, 0, env.remaining(t))
	env.tracker(t)
}

func TestAdditionalCostAfterExhaustion(t *testing.T) {
	env := newTestEnv(t, 2)
	env.submit(t, "")
	env.Recorder.Reset()
	last := env.submit(t, "")
	require.False(t, last.IsAdditionalCost)
	require.Equal(t, 0, env.remaining(t))
	require.Contains(t, env.Recorder.Types(), "ledger.exhausted")

	normal := env.submit(t, domain.UrgencyNormal)
	urgent := env.submit(t, domain.UrgencyUrgent)
	require.True(t, normal.IsAdditionalCost)
	require.True(t, urgent.IsAdditionalCost)
	require.Equal(t, 200.0, *normal.AdditionalCostAmount)
	require.Equal(t, 300.0, *urgent.AdditionalCostAmount)
	require.Equal(t, 0, env.remaining(t))

	tr := env.tracker(t)
	require.Len(t, tr.AdditionalRequests, 2)
	require.Equal(t, 0.0, tr.TotalAdditionalCost)
}

func TestApproveAndCompleteManually(t *testing.T) {
	env := newTestEnv(t, 3)
	m := env.submit(t, "")

	_, err := env.Engine.Complete(env.Ctx, m.ID, testDesigner)
	var invalid engine.InvalidStateError
	require.ErrorAs(t, err, &invalid)

	approved, err := env.Engine.Approve(env.Ctx, m.ID, testDesigner)
	require.NoError(t, err)
	require.Equal(t, domain.StatusApproved, approved.Status)
	require.Equal(t, testDesigner, *approved.ApprovedBy)
	require.Equal(t, 1, env.tracker(t).InProgress)

	done, err := env.Engine.Complete(env.Ctx, m.ID, testDesigner)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCompleted, done.Status)
	require.NotNil(t, done.CompletedAt)
	require.Equal(t, 2, env.remaining(t))

	tr := env.tracker(t)
	require.Equal(t, 1, tr.Used)
	require.Equal(t, 0, tr.InProgress)

	history, err := env.Engine.ListHistory(env.Ctx, testProject)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, m.ID, history[0].RequestID)
	require.Equal(t, testDesigner, history[0].CompletedBy)

	_, err = env.Engine.Complete(env.Ctx, m.ID, testDesigner)
	require.ErrorAs(t, err, &invalid)
}

func TestAdditionalCostCountsOnCompletion(t *testing.T) {
	env := newTestEnv(t, 0)
	m := env.submit(t, domain.UrgencyUrgent)
	require.True(t, m.IsAdditionalCost)
	_, err := env.Engine.Approve(env.Ctx, m.ID, testDesigner)
	require.NoError(t, err)
	_, err = env.Engine.Complete(env.Ctx, m.ID, testDesigner)
	require.NoError(t, err)

	tr := env.tracker(t)
	require.Equal(t, 0, tr.Used)
	require.Equal(t, 300.0, tr.TotalAdditionalCost)
	history, err := env.Engine.ListHistory(env.Ctx, testProject)
	require.NoError(t, err)
	require.True(t, history[0].IsAdditionalCost)
	require.Equal(t, 300.0, *history[0].AdditionalCostAmount)
}

func TestCalculateAdditionalCost(t *testing.T) {
	env := newTestEnv(t, 1)
	q, err := env.Engine.CalculateAdditionalCost(env.Ctx, testProject, domain.UrgencyUrgent)
	require.NoError(t, err)
	require.False(t, q.IsAdditionalCost)
	require.Nil(t, q.Amount)

	env.submit(t, "")
	q, err = env.Engine.CalculateAdditionalCost(env.Ctx, testProject, domain.UrgencyUrgent)
	require.NoError(t, err)
	require.True(t, q.IsAdditionalCost)
	require.Equal(t, 300.0, *q.Amount)
	require.Equal(t, 0, env.remaining(t))

	_, err = env.Engine.CalculateAdditionalCost(env.Ctx, "missing", "")
	require.True(t, errors.As(err, new(engine.NotFoundError)))
}

func TestListModificationRequests(t *testing.T) {
	env := newTestEnv(t, 3)
	a := env.submit(t, "")
	env.submit(t, "")
	_, err := env.Engine.Approve(env.Ctx, a.ID, testDesigner)
	require.NoError(t, err)

	all, err := env.Engine.ListModificationRequests(env.Ctx, testProject, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	approved, err := env.Engine.ListModificationRequests(env.Ctx, testProject, domain.StatusApproved)
	require.NoError(t, err)
	require.Len(t, approved, 1)
	require.Equal(t, a.ID, approved[0].ID)

	_, err = env.Engine.ListModificationRequests(env.Ctx, testProject, "bogus")
	require.ErrorAs(t, err, new(engine.ValidationError))
}

func TestConcurrentSubmissionsNeverOverspend(t *testing.T) {
	env := newTestEnv(t, 3)
	const n = 8
	var wg sync.WaitGroup
	results := make([]domain.ModificationRequest, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.Engine.CreateModificationRequest(env.Ctx, engine.RequestCreateOptions{
				ProjectID: testProject, Description: "parallel", ActorID: testClient,
			})
		}(i)
	}
	wg.Wait()

	free, numbers := 0, map[int]bool{}
	for i := range results {
		require.NoError(t, errs[i])
		if !results[i].IsAdditionalCost {
			free++
		}
		numbers[results[i].RequestNumber] = true
	}
	require.Equal(t, 3, free)
	require.Len(t, numbers, n)
	require.Equal(t, 0, env.remaining(t))
	env.tracker(t)
}

func TestNotificationFailureDoesNotRollBack(t *testing.T) {
	env := newTestEnv(t, 3)
	env.Engine.Notifier = notify.NewDispatcher(zerolog.Nop(), env.Metrics,
		notify.SinkFunc(func(context.Context, notify.Notification) error { return errors.New("smtp down") }))
	m := env.submit(t, "")
	got, err := env.Engine.GetModificationRequest(env.Ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, got.Status)
	require.Equal(t, 2, env.remaining(t))
}

func TestSlowSinkDoesNotHoldProjectLock(t *testing.T) {
	env := newTestEnv(t, 3)
	entered := make(chan struct{})
	var once sync.Once
	env.Engine.Notifier = notify.NewDispatcher(zerolog.Nop(), env.Metrics,
		notify.SinkFunc(func(context.Context, notify.Notification) error {
			slow := false
			once.Do(func() {
				slow = true
				close(entered)
			})
			if slow {
				time.Sleep(300 * time.Millisecond)
			}
			return nil
		}))

	submitted := make(chan error, 1)
	go func() {
		_, err := env.Engine.CreateModificationRequest(env.Ctx, engine.RequestCreateOptions{
			ProjectID:   testProject,
			Description: "Tighten the kerning",
			ActorID:     testClient,
		})
		submitted <- err
	}()
	<-entered

	start := time.Now()
	_, err := env.Engine.AddSurfaceItem(env.Ctx, engine.SurfaceItemInput{
		ProjectID: testProject,
		Kind:      domain.SurfaceFeedback,
		Title:     "Kerning looks loose",
		ActorID:   testClient,
	})
	require.NoError(t, err)
	require.Less(t, time.Since(start), 200*time.Millisecond)
	require.NoError(t, <-submitted)
}

func TestNotificationsCarryProjectSubjectPrefix(t *testing.T) {
	env := newTestEnv(t, 3)
	cfg := config.Default(testProject)
	cfg.Notifications.SubjectPrefix = "acme.design"
	_, err := env.Engine.SetProjectConfig(env.Ctx, testProject, cfg, testDesigner)
	require.NoError(t, err)

	env.Recorder.Reset()
	env.submit(t, "")
	all := env.Recorder.All()
	require.NotEmpty(t, all)
	for _, n := range all {
		require.Equal(t, "acme.design", n.SubjectPrefix)
	}
}

func TestRecipients(t *testing.T) {
	env := newTestEnv(t, 3)
	m := env.submit(t, "")
	byType := map[string][]string{}
	for _, n := range env.Recorder.All() {
		byType[n.EventType] = append(byType[n.EventType], n.Recipient)
	}
	require.Equal(t, []string{testDesigner}, byType["request.submitted"])
	require.Equal(t, []string{testClient}, byType["ledger.deducted"])

	env.Recorder.Reset()
	_, err := env.Engine.Approve(env.Ctx, m.ID, testDesigner)
	require.NoError(t, err)
	all := env.Recorder.All()
	require.Len(t, all, 1)
	require.Equal(t, testClient, all[0].Recipient)
	require.Equal(t, testProject, all[0].ProjectID)
}

// Budget of 3: reject gives the unit back, a checklist-driven completion
// keeps it spent, and the request that drains the budget makes the next
// one billable.
func TestWorkedExample(t *testing.T) {
	env := newTestEnv(t, 3)

	first := env.submit(t, domain.UrgencyNormal)
	require.Equal(t, 1, first.RequestNumber)
	require.Equal(t, 2, env.remaining(t))
	_, err := env.Engine.Reject(env.Ctx, first.ID, "duplicate", testDesigner)
	require.NoError(t, err)
	require.Equal(t, 3, env.remaining(t))

	second := env.submit(t, domain.UrgencyNormal)
	_, err = env.Engine.Approve(env.Ctx, second.ID, testDesigner)
	require.NoError(t, err)
	wp, err := env.Engine.CreateWorkProgress(env.Ctx, second.ID, []engine.ChecklistItemInput{{Title: "Recolour header"}}, "", testDesigner)
	require.NoError(t, err)
	done := domain.ItemCompleted
	_, err = env.Engine.UpdateChecklistItem(env.Ctx, second.ID, wp.ChecklistItems[0].ID, engine.ChecklistItemPatch{Status: &done}, testDesigner)
	require.NoError(t, err)

	tr := env.tracker(t)
	require.Equal(t, 1, tr.Used)
	require.Equal(t, 2, tr.Remaining)
	require.Equal(t, 0, tr.InProgress)

	_, err = env.Engine.ApproveAndAdvanceRevision(env.Ctx, testProject, testDesigner)
	require.NoError(t, err)
	require.Equal(t, 1, env.remaining(t))

	third := env.submit(t, domain.UrgencyNormal)
	require.False(t, third.IsAdditionalCost)
	require.Equal(t, 0, env.remaining(t))
	fourth := env.submit(t, domain.UrgencyNormal)
	require.True(t, fourth.IsAdditionalCost)
	require.Equal(t, 4, fourth.RequestNumber)

	tr = env.tracker(t)
	require.Equal(t, 1, tr.Used)
	require.Equal(t, 1, tr.Reserved)
	require.Equal(t, 1, tr.RevisionsConsumed)
	require.Equal(t, 0, tr.Remaining)
	require.Len(t, tr.AdditionalRequests, 1)
}
