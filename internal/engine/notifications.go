package engine

import (
	"context"

	"revline/internal/domain"
	"revline/internal/metrics"
	"revline/internal/notify"
)

const systemActor = "system"

// outbox collects side effects of a transition that must wait for commit.
type outbox struct {
	notes    []pendingNote
	observes []func(*metrics.Metrics)
}

type pendingNote struct {
	eventType  string
	entityKind string
	entityID   string
	actorID    string
	recipients []string
	payload    map[string]any
}

func (o *outbox) notify(eventType, entityKind, entityID, actorID string, payload map[string]any, recipients ...string) {
	o.notes = append(o.notes, pendingNote{
		eventType:  eventType,
		entityKind: entityKind,
		entityID:   entityID,
		actorID:    actorID,
		recipients: recipients,
		payload:    payload,
	})
}

func (o *outbox) metric(fn func(*metrics.Metrics)) {
	o.observes = append(o.observes, fn)
}

func (o *outbox) transition(entity, to string) {
	o.metric(func(m *metrics.Metrics) { m.ObserveTransition(entity, to) })
}

// flush records metrics and hands notifications to the dispatcher. Events
// disabled in the project config are dropped here.
func (e Engine) flush(ctx context.Context, projectID string, out *outbox) {
	for _, fn := range out.observes {
		fn(e.Metrics)
	}
	if e.Notifier == nil || len(out.notes) == 0 {
		return
	}
	cfg := e.projectConfig(ctx, projectID)
	ts := e.stamp()
	var batch []notify.Notification
	for _, n := range out.notes {
		if !cfg.EventEnabled(n.eventType) {
			continue
		}
		for _, r := range uniqueRecipients(n.recipients) {
			batch = append(batch, notify.Notification{
				EventType:     n.eventType,
				Recipient:     r,
				ProjectID:     projectID,
				EntityKind:    n.entityKind,
				EntityID:      n.entityID,
				ActorID:       n.actorID,
				TS:            ts,
				Payload:       n.payload,
				SubjectPrefix: cfg.Notifications.SubjectPrefix,
			})
		}
	}
	e.Notifier.Dispatch(ctx, batch...)
}

func uniqueRecipients(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range in {
		if r == "" || r == systemActor || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// clientSide is the project client plus whoever filed the request.
func clientSide(p domain.Project, m *domain.ModificationRequest) []string {
	out := []string{p.ClientID}
	if m != nil {
		out = append(out, m.RequestedBy)
	}
	return out
}

func designerSide(p domain.Project) []string {
	return []string{p.DesignerID}
}

func everyone(p domain.Project, m *domain.ModificationRequest) []string {
	return append(clientSide(p, m), designerSide(p)...)
}

func actorOr(actorID string) string {
	if actorID == "" {
		return systemActor
	}
	return actorID
}
