package revlinesdk

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"revline/internal/db"
	"revline/internal/engine"
	"revline/internal/metrics"
	"revline/internal/migrate"
	"revline/internal/notify"
	"revline/internal/server"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)

	m := metrics.New()
	e := engine.New(conn, nil)
	e.Metrics = m
	e.Notifier = notify.NewDispatcher(zerolog.Nop(), m, &notify.Recorder{})
	total, fee := 1, 50.0
	_, err = e.InitProject(context.Background(), engine.ProjectInit{
		ID:                        "site",
		Name:                      "Website",
		ClientID:                  "client-1",
		DesignerID:                "designer-1",
		TotalModificationCount:    &total,
		AdditionalModificationFee: &fee,
		ActorID:                   "designer-1",
	})
	require.NoError(t, err)

	handler, err := server.New(server.Config{Engine: e, BasePath: "/v0", Metrics: m, Log: zerolog.Nop()})
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return New(ts.URL, "site", "client-1")
}

func TestClientRequestLifecycle(t *testing.T) {
	ctx := context.Background()
	client := newClient(t)
	designer := client.As("designer-1")

	q, err := client.Quote(ctx, "")
	require.NoError(t, err)
	require.False(t, q.IsAdditionalCost)
	require.Equal(t, 1, q.Remaining)

	m, err := client.Submit(ctx, "Swap hero image", "normal")
	require.NoError(t, err)
	require.Equal(t, "pending", m.Status)
	require.Equal(t, 1, m.RequestNumber)

	c, err := designer.Ask(ctx, m.ID, "Which image?")
	require.NoError(t, err)
	_, err = designer.Approve(ctx, m.ID)
	require.Equal(t, "clarification_pending", ErrorCode(err))

	_, err = client.Respond(ctx, c.ID, "The blue one")
	require.NoError(t, err)
	_, err = designer.Resolve(ctx, c.ID)
	require.NoError(t, err)
	m, reopened, err := designer.Reconcile(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, reopened)
	require.Equal(t, "pending", m.Status)

	m, err = designer.Approve(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, "approved", m.Status)

	wp, err := designer.StartWork(ctx, m.ID, []ItemInput{
		{Ref: "crop", Title: "Crop image", Category: "design"},
		{Title: "Publish", Category: "delivery", Dependencies: []string{"crop"}},
	})
	require.NoError(t, err)
	require.Len(t, wp.ChecklistItems, 2)

	done := "completed"
	for _, it := range wp.ChecklistItems {
		wp, err = designer.UpdateItem(ctx, m.ID, it.ID, ItemPatch{Status: &done})
		require.NoError(t, err)
	}
	require.Equal(t, 100, wp.OverallProgress)

	m, err = client.Request(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, "completed", m.Status)
	require.Equal(t, "client-1", m.RequestedBy)

	tr, err := client.Tracker(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, tr.Used)
	require.Equal(t, 0, tr.Remaining)

	q, err = client.Quote(ctx, "urgent")
	require.NoError(t, err)
	require.True(t, q.IsAdditionalCost)
	require.NotNil(t, q.Amount)
	require.InDelta(t, 75.0, *q.Amount, 0.001)
}

func TestClientRejectAndEvents(t *testing.T) {
	ctx := context.Background()
	client := newClient(t)
	designer := client.As("designer-1")

	m, err := client.Submit(ctx, "Different footer", "")
	require.NoError(t, err)

	_, err = designer.Reject(ctx, m.ID, "")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, 400, apiErr.StatusCode)

	m, err = designer.Reject(ctx, m.ID, "Already agreed")
	require.NoError(t, err)
	require.Equal(t, "rejected", m.Status)
	require.NotNil(t, m.RejectionReason)

	rejected, err := client.Requests(ctx, "rejected")
	require.NoError(t, err)
	require.Len(t, rejected, 1)

	_, err = designer.Complete(ctx, m.ID)
	require.Equal(t, "invalid_state", ErrorCode(err))

	first, err := client.EventsPage(ctx, 1, "")
	require.NoError(t, err)
	require.Len(t, first.Items, 1)
	require.NotEmpty(t, first.NextCursor)
	rest, err := client.EventsPage(ctx, 50, first.NextCursor)
	require.NoError(t, err)
	require.NotEmpty(t, rest.Items)
	for _, ev := range rest.Items {
		require.Less(t, ev.ID, first.Items[0].ID)
	}
}

func TestClientRevisionAdvance(t *testing.T) {
	ctx := context.Background()
	client := newClient(t)
	designer := client.As("designer-1")

	_, err := client.AddSurfaceItem(ctx, "feedback", "Logo too small")
	require.NoError(t, err)
	check, err := designer.AddSurfaceItem(ctx, "checklist", "Resize logo")
	require.NoError(t, err)

	_, err = designer.AdvanceRevision(ctx)
	require.Equal(t, "incomplete_checklist", ErrorCode(err))

	check, err = designer.CompleteSurfaceItem(ctx, check.ID, true)
	require.NoError(t, err)
	require.True(t, check.Completed)

	adv, err := designer.AdvanceRevision(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, adv.Archive.RevisionNumber)
	require.Equal(t, 2, adv.Project.CurrentRevisionNumber)
	require.Equal(t, 0, adv.Project.RemainingModificationCount)
	require.True(t, adv.NewHeader.IsRevisionHeader)

	_, err = designer.AdvanceRevision(ctx)
	require.Equal(t, "budget_exhausted", ErrorCode(err))
}
