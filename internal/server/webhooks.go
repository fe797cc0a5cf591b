package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"draftdesk/internal/app"
	"draftdesk/internal/config"
	"draftdesk/internal/domain"
	"draftdesk/internal/events"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher tails the event log and posts matching events to the
// configured endpoints. Delivery is at-least-once per process; cursors
// are not persisted across restarts.
type webhookDispatcher struct {
	desk     *app.Desk
	webhooks []config.WebhookConfig
	client   *http.Client
	mu       sync.Mutex
	cursors  map[int]int64
}

func startWebhookDispatcher(ctx context.Context, d *app.Desk) {
	if d.DB == nil || d.Config == nil || len(d.Config.Webhooks) == 0 {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	w := &webhookDispatcher{
		desk:     d,
		webhooks: d.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		cursors:  make(map[int]int64),
	}
	go w.run(ctx)
}

func (w *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		w.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *webhookDispatcher) dispatchAll(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, defaultWebhookTimeout)
	defer cancel()
	for i, hook := range w.webhooks {
		w.mu.Lock()
		cursor := w.cursors[i]
		w.mu.Unlock()
		batch, err := events.After(ctx, w.desk.DB, defaultWebhookBatch, cursor)
		if err != nil {
			log.Printf("webhook poll failed: %v", err)
			continue
		}
		if len(batch) == 0 {
			continue
		}
		matched := filterEvents(batch, hook.Events)
		if len(matched) > 0 {
			if err := w.post(ctx, hook.URL, matched); err != nil {
				log.Printf("webhook delivery to %s failed: %v", hook.URL, err)
				continue
			}
		}
		w.mu.Lock()
		w.cursors[i] = batch[len(batch)-1].ID
		w.mu.Unlock()
	}
}

func filterEvents(batch []domain.Event, types []string) []domain.Event {
	if len(types) == 0 {
		return batch
	}
	allowed := map[string]bool{}
	for _, t := range types {
		allowed[t] = true
	}
	var res []domain.Event
	for _, e := range batch {
		if allowed[e.Type] {
			res = append(res, e)
		}
	}
	return res
}

func (w *webhookDispatcher) post(ctx context.Context, url string, batch []domain.Event) error {
	payload, err := json.Marshal(map[string]any{"events": batch})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("webhook %s returned status %d", url, resp.StatusCode)
	}
	return nil
}
