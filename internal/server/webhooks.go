package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"muster/internal/config"
	"muster/internal/domain"
	"muster/internal/metrics"
	"muster/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
	maxWebhookBackoff      = 5 * time.Minute
)

// hookState tracks one webhook's position in the event log and its failure
// streak. A hook that keeps failing is polled less often, doubling from the
// dispatch interval up to maxWebhookBackoff, and always resumes at the event
// that failed.
type hookState struct {
	ready    bool
	cursor   int64
	failures int
	retryAt  time.Time
}

func (h *hookState) backoff(base time.Duration) time.Duration {
	d := base
	for i := 1; i < h.failures && d < maxWebhookBackoff; i++ {
		d *= 2
	}
	if d > maxWebhookBackoff {
		d = maxWebhookBackoff
	}
	return d
}

// WebhookDispatcher forwards new request events to configured webhooks.
type WebhookDispatcher struct {
	repo     repo.Repo
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *zap.Logger
	interval time.Duration
	now      func() time.Time
	mu       sync.Mutex
	hooks    map[int]*hookState
}

func NewWebhookDispatcher(r repo.Repo, hooks []config.WebhookConfig, logger *zap.Logger) *WebhookDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookDispatcher{
		repo:     r,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger,
		interval: defaultWebhookInterval,
		now:      time.Now,
		hooks:    make(map[int]*hookState),
	}
}

// Run polls until ctx is done. It returns immediately when no hook is set.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if len(d.webhooks) == 0 {
		return
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll delivers pending events to every enabled hook that is not
// backing off.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.deliver(ctx, d.state(ctx, i), hook)
	}
}

func (d *WebhookDispatcher) state(ctx context.Context, idx int) *hookState {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.hooks[idx]
	if !ok {
		h = &hookState{}
		d.hooks[idx] = h
	}
	if !h.ready {
		// New hooks only see events written after the dispatcher started.
		cur, err := d.repo.LatestEventID(ctx)
		if err != nil {
			d.logger.Warn("webhook: init cursor failed", zap.Error(err))
			return h
		}
		h.cursor, h.ready = cur, true
	}
	return h
}

func (d *WebhookDispatcher) deliver(ctx context.Context, h *hookState, hook config.WebhookConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !h.ready || d.now().Before(h.retryAt) {
		return
	}
	events, err := d.repo.EventsAfter(ctx, defaultWebhookBatch, h.cursor, repo.EventFilter{})
	if err != nil {
		d.logger.Warn("webhook: fetch events failed", zap.Error(err))
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if filter.match(evt.Type) {
			if err := d.postEvent(ctx, hook, evt); err != nil {
				h.failures++
				wait := h.backoff(d.interval)
				h.retryAt = d.now().Add(wait)
				metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
				d.logger.Warn("webhook: delivery failed",
					zap.String("url", hook.URL),
					zap.Int64("event_id", evt.ID),
					zap.Int("failures", h.failures),
					zap.Duration("retry_in", wait),
					zap.Error(err))
				return
			}
			metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
		}
		h.cursor = evt.ID
		h.failures = 0
		h.retryAt = time.Time{}
	}
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	RequestID  string          `json:"request_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	body := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		RequestID:  evt.RequestID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Muster-Event", evt.Type)
	req.Header.Set("X-Muster-Delivery", fmt.Sprintf("%d", evt.ID))
	if evt.RequestID != "" {
		req.Header.Set("X-Muster-Request", evt.RequestID)
	}
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Muster-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
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
