package engine_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"revline/internal/domain"
	"revline/internal/engine"
)

func TestClarificationGatesApproval(t *testing.T) {
	env := newTestEnv(t, 3)
	m := env.submit(t, "")

	_, err := env.Engine.RequestClarification(env.Ctx, m.ID, "", "  ", testDesigner)
	require.ErrorAs(t, err, new(engine.ValidationError))

	c, err := env.Engine.RequestClarification(env.Ctx, m.ID, "", "Which shade of blue?", testDesigner)
	require.NoError(t, err)
	require.Equal(t, domain.ClarificationPending, c.Status)

	got, err := env.Engine.GetModificationRequest(env.Ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusClarificationNeeded, got.Status)
	require.Len(t, got.ClarificationRequests, 1)

	var pending engine.ClarificationPendingError
	_, err = env.Engine.Approve(env.Ctx, m.ID, testDesigner)
	require.ErrorAs(t, err, &pending)
	require.Equal(t, 1, pending.Unresolved)

	_, err = env.Engine.ResolveClarification(env.Ctx, c.ID, testDesigner)
	require.ErrorAs(t, err, new(engine.InvalidStateError))

	answered, err := env.Engine.RespondClarification(env.Ctx, c.ID, "Navy", testClient)
	require.NoError(t, err)
	require.Equal(t, domain.ClarificationAnswered, answered.Status)
	require.Equal(t, "Navy", *answered.Response)

	_, err = env.Engine.Approve(env.Ctx, m.ID, testDesigner)
	require.ErrorAs(t, err, &pending)

	_, err = env.Engine.RespondClarification(env.Ctx, c.ID, "Teal", testClient)
	require.ErrorAs(t, err, new(engine.InvalidStateError))

	resolved, err := env.Engine.ResolveClarification(env.Ctx, c.ID, testDesigner)
	require.NoError(t, err)
	require.Equal(t, domain.ClarificationResolved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)

	// Resolution alone does not reopen the request.
	_, err = env.Engine.Approve(env.Ctx, m.ID, testDesigner)
	require.ErrorAs(t, err, new(engine.InvalidStateError))

	reopened, ok, err := env.Engine.ReconcileClarifications(env.Ctx, m.ID, testDesigner)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.StatusPending, reopened.Status)

	approved, err := env.Engine.Approve(env.Ctx, m.ID, testDesigner)
	require.NoError(t, err)
	require.Equal(t, domain.StatusApproved, approved.Status)
	require.Len(t, approved.ClarificationRequests, 1)
	env.tracker(t)
}

func TestClarificationOnlyFromPending(t *testing.T) {
	env := newTestEnv(t, 3)
	m := env.submit(t, "")
	_, err := env.Engine.RequestClarification(env.Ctx, m.ID, "", "First?", testDesigner)
	require.NoError(t, err)
	_, err = env.Engine.RequestClarification(env.Ctx, m.ID, "", "Second?", testDesigner)
	require.ErrorAs(t, err, new(engine.InvalidStateError))

	_, err = env.Engine.Reject(env.Ctx, m.ID, "unclear", testDesigner)
	require.ErrorAs(t, err, new(engine.InvalidStateError))

	_, err = env.Engine.RequestClarification(env.Ctx, "missing", "", "?", testDesigner)
	require.ErrorAs(t, err, new(engine.NotFoundError))
}

func TestReconcileIsNoopWhileUnresolved(t *testing.T) {
	env := newTestEnv(t, 3)
	m := env.submit(t, "")
	c, err := env.Engine.RequestClarification(env.Ctx, m.ID, "", "Size?", testDesigner)
	require.NoError(t, err)
	_, err = env.Engine.RespondClarification(env.Ctx, c.ID, "Large", testClient)
	require.NoError(t, err)

	got, ok, err := env.Engine.ReconcileClarifications(env.Ctx, m.ID, testDesigner)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, domain.StatusClarificationNeeded, got.Status)

	other := env.submit(t, "")
	_, ok, err = env.Engine.ReconcileClarifications(env.Ctx, other.ID, testDesigner)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClarificationFeedbackMustBelongToRequest(t *testing.T) {
	env := newTestEnv(t, 3)
	fb, err := env.Engine.AddSurfaceItem(env.Ctx, engine.SurfaceItemInput{ProjectID: testProject, Kind: domain.SurfaceMarkupFeedback, Title: "Arrow"})
	require.NoError(t, err)
	other, err := env.Engine.AddSurfaceItem(env.Ctx, engine.SurfaceItemInput{ProjectID: testProject, Kind: domain.SurfaceFeedback, Title: "Font"})
	require.NoError(t, err)
	m, err := env.Engine.CreateModificationRequest(env.Ctx, engine.RequestCreateOptions{ProjectID: testProject, FeedbackIDs: []string{fb.ID}})
	require.NoError(t, err)

	_, err = env.Engine.RequestClarification(env.Ctx, m.ID, other.ID, "Which arrow?", testDesigner)
	require.ErrorAs(t, err, new(engine.ValidationError))
	c, err := env.Engine.RequestClarification(env.Ctx, m.ID, fb.ID, "Which arrow?", testDesigner)
	require.NoError(t, err)
	require.Equal(t, fb.ID, c.FeedbackID)
}

func TestClarificationNotifications(t *testing.T) {
	env := newTestEnv(t, 3)
	m := env.submit(t, "")
	env.Recorder.Reset()
	c, err := env.Engine.RequestClarification(env.Ctx, m.ID, "", "Why?", testDesigner)
	require.NoError(t, err)
	_, err = env.Engine.RespondClarification(env.Ctx, c.ID, "Because", testClient)
	require.NoError(t, err)

	all := env.Recorder.All()
	require.Len(t, all, 2)
	require.Equal(t, "clarification.requested", all[0].EventType)
	require.Equal(t, testClient, all[0].Recipient)
	require.Equal(t, "clarification.answered", all[1].EventType)
	require.Equal(t, testDesigner, all[1].Recipient)
}
