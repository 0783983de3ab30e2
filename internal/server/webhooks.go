package server

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sethvargo/go-retry"

	"github.com/canukguy1974/franky-ai/internal/config"
	"github.com/canukguy1974/franky-ai/internal/domain"
	"github.com/canukguy1974/franky-ai/internal/engine"
	"github.com/canukguy1974/franky-ai/internal/logger"
	"github.com/canukguy1974/franky-ai/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
	webhookRetries         = 3
)

// Dispatcher forwards event-log entries to configured webhooks. Each hook
// keeps its own cursor, starting at the newest event when the dispatcher is
// created.
type Dispatcher struct {
	engine   engine.Engine
	hooks    []config.Webhook
	client   *resty.Client
	log      logger.Logger
	Interval time.Duration
	Backoff  func() retry.Backoff

	mu      sync.Mutex
	cursors map[int]int64
}

func NewDispatcher(ctx context.Context, e engine.Engine, hooks []config.Webhook, log logger.Logger) (*Dispatcher, error) {
	if log == nil {
		log = logger.Discard()
	}
	latest, err := e.Repo.LatestEventID(ctx)
	if err != nil {
		return nil, fmt.Errorf("init webhook cursor: %w", err)
	}
	d := &Dispatcher{
		engine:   e,
		hooks:    hooks,
		client:   resty.New().SetHeader("Content-Type", "application/json").SetHeader("User-Agent", "franky-webhooks"),
		log:      log,
		Interval: defaultWebhookInterval,
		Backoff: func() retry.Backoff {
			return retry.WithMaxRetries(webhookRetries, retry.NewExponential(200*time.Millisecond))
		},
		cursors: make(map[int]int64, len(hooks)),
	}
	for i := range hooks {
		d.cursors[i] = latest
	}
	return d, nil
}

// Run dispatches on every tick until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.hooks) == 0 {
		return nil
	}
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	for i, hook := range d.hooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *Dispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.Webhook) {
	events, err := d.engine.Repo.EventsAfter(ctx, repo.EventFilters{After: d.cursor(idx), Limit: defaultWebhookBatch})
	if err != nil {
		d.log.Warn("webhook: fetch events failed", "err", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if filter.match(evt.Type) {
			if err := d.postEvent(ctx, hook, evt); err != nil {
				var perm permanentError
				if !errors.As(err, &perm) {
					d.log.Warn("webhook: delivery failed, will retry", "url", hook.URL, "event", evt.ID, "err", err)
					return
				}
				d.log.Error("webhook: delivery rejected, skipping", "url", hook.URL, "event", evt.ID, "err", err)
			}
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *Dispatcher) cursor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cursors[idx]
}

func (d *Dispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

// permanentError marks a response the receiver will never accept.
type permanentError struct {
	status int
	body   string
}

func (e permanentError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.body)
}

// Sign returns the X-Franky-Signature value for body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *Dispatcher) postEvent(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
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
	})
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	err = retry.Do(ctx, d.Backoff(), func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		req := d.client.R().
			SetContext(attemptCtx).
			SetHeader("X-Franky-Event", evt.Type).
			SetHeader("X-Franky-Delivery", strconv.FormatInt(evt.ID, 10)).
			SetBody(data)
		if strings.TrimSpace(hook.Secret) != "" {
			req.SetHeader("X-Franky-Signature", Sign(hook.Secret, data))
		}
		res, err := req.Post(hook.URL)
		if err != nil {
			return retry.RetryableError(err)
		}
		switch code := res.StatusCode(); {
		case code >= 200 && code < 300:
			return nil
		case code == http.StatusTooManyRequests || code >= 500:
			return retry.RetryableError(fmt.Errorf("status %d", code))
		default:
			body := strings.TrimSpace(string(res.Body()))
			if len(body) > 512 {
				body = body[:512]
			}
			return permanentError{status: code, body: body}
		}
	})
	return err
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
