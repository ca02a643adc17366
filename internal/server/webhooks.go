package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"revline/internal/config"
	"revline/internal/domain"
	"revline/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

type hookKey struct {
	project string
	index   int
}

type webhookDispatcher struct {
	engine  engine.Engine
	log     zerolog.Logger
	client  *http.Client
	mu      sync.Mutex
	cursors map[hookKey]int64
}

func newWebhookDispatcher(e engine.Engine, log zerolog.Logger) *webhookDispatcher {
	return &webhookDispatcher{
		engine:  e,
		log:     log.With().Str("component", "webhooks").Logger(),
		client:  &http.Client{Timeout: defaultWebhookTimeout},
		cursors: make(map[hookKey]int64),
	}
}

// StartWebhookDispatcher delivers audit events to the webhooks configured
// on each project until ctx is done. A hook only sees events appended
// after it was first observed.
func StartWebhookDispatcher(ctx context.Context, e engine.Engine, log zerolog.Logger) {
	d := newWebhookDispatcher(e, log)
	go d.run(ctx)
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	projects, err := d.engine.ListProjects(ctx)
	if err != nil {
		d.log.Warn().Err(err).Msg("list projects failed")
		return
	}
	for _, p := range projects {
		cfg, err := d.engine.ProjectConfig(ctx, p.ID)
		if err != nil {
			d.log.Warn().Err(err).Str("project_id", p.ID).Msg("load project config failed")
			continue
		}
		for i, hook := range cfg.Webhooks {
			if hook.Enabled != nil && !*hook.Enabled {
				continue
			}
			if strings.TrimSpace(hook.URL) == "" {
				continue
			}
			d.dispatchWebhook(ctx, hookKey{project: p.ID, index: i}, hook)
		}
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, key hookKey, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, key)
	evts, err := d.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor, key.project)
	if err != nil {
		d.log.Warn().Err(err).Str("project_id", key.project).Msg("fetch events failed")
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evts {
		if !filter.match(evt.Type) {
			d.setCursor(key, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.log.Warn().Err(err).
				Str("project_id", key.project).
				Str("event_type", evt.Type).
				Str("url", hook.URL).
				Msg("webhook delivery failed")
			return
		}
		d.setCursor(key, evt.ID)
	}
}

func (d *webhookDispatcher) cursorFor(ctx context.Context, key hookKey) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[key]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventID(ctx, key.project)
	if err != nil {
		d.log.Warn().Err(err).Str("project_id", key.project).Msg("init cursor failed")
		cur = 0
	}
	d.cursors[key] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(key hookKey, value int64) {
	d.mu.Lock()
	d.cursors[key] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != d.client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Revline-Event", evt.Type)
	req.Header.Set("X-Revline-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Revline-Project", evt.ProjectID)
	if secret := strings.TrimSpace(hook.Secret); secret != "" {
		req.Header.Set("X-Revline-Signature", Sign(secret, data))
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// Sign returns the X-Revline-Signature value for a delivery body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
