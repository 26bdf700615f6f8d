package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"boardflow/internal/config"
	"boardflow/internal/domain"
	"boardflow/internal/engine"
)

const (
	webhookPollInterval  = 2 * time.Second
	webhookBatchSize     = 100
	defaultHookTimeout   = 5 * time.Second
	webhookEventHeader   = "X-Boardflow-Event"
	webhookDeliveryHdr   = "X-Boardflow-Delivery"
	webhookSignatureHdr  = "X-Boardflow-Signature"
	webhookUserAgentName = "boardflow-webhooks/1.0"
)

type webhookTarget struct {
	cfg    config.WebhookConfig
	client *http.Client
	cursor int64
}

// startWebhookDispatcher tails the event log and posts new events to every
// enabled webhook. Each hook keeps its own cursor so a slow endpoint does not
// hold the others back. Delivery is at-most-once; a failed post is logged and
// skipped, not retried.
func startWebhookDispatcher(e engine.Engine) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	var targets []*webhookTarget
	start, err := e.Repo.LatestEventID(context.Background(), "")
	if err != nil {
		log.Printf("webhooks: cursor init failed: %v", err)
		start = 0
	}
	for _, hook := range e.Config.Webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		timeout := defaultHookTimeout
		if hook.TimeoutSeconds > 0 {
			timeout = time.Duration(hook.TimeoutSeconds) * time.Second
		}
		targets = append(targets, &webhookTarget{
			cfg:    hook,
			client: &http.Client{Timeout: timeout},
			cursor: start,
		})
	}
	if len(targets) == 0 {
		return
	}
	go runWebhookDispatcher(e, targets)
}

func runWebhookDispatcher(e engine.Engine, targets []*webhookTarget) {
	ticker := time.NewTicker(webhookPollInterval)
	defer ticker.Stop()
	for range ticker.C {
		for _, t := range targets {
			events, err := e.Repo.EventsAfter(context.Background(), webhookBatchSize, t.cursor, "")
			if err != nil {
				log.Printf("webhooks: poll failed: %v", err)
				continue
			}
			for _, evt := range events {
				if eventMatches(t.cfg.Events, evt.Type) {
					postEvent(t, evt)
				}
				t.cursor = evt.ID
			}
		}
	}
}

// eventMatches supports exact types and a trailing-star prefix like "task.*".
func eventMatches(filters []string, eventType string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f == eventType || f == "*" {
			return true
		}
		if n := len(f); n > 1 && f[n-1] == '*' && len(eventType) >= n-1 && eventType[:n-1] == f[:n-1] {
			return true
		}
	}
	return false
}

func postEvent(t *webhookTarget, evt domain.Event) {
	body, err := json.Marshal(evt)
	if err != nil {
		return
	}
	req, err := http.NewRequest(http.MethodPost, t.cfg.URL, bytes.NewReader(body))
	if err != nil {
		log.Printf("webhooks: bad request for %s: %v", t.cfg.URL, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", webhookUserAgentName)
	req.Header.Set(webhookEventHeader, evt.Type)
	req.Header.Set(webhookDeliveryHdr, uuid.New().String())
	if t.cfg.Secret != "" {
		req.Header.Set(webhookSignatureHdr, "sha256="+signPayload(t.cfg.Secret, body))
	}
	resp, err := t.client.Do(req)
	if err != nil {
		log.Printf("webhooks: delivery to %s failed: %v", t.cfg.URL, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("webhooks: %s returned %d for event %d", t.cfg.URL, resp.StatusCode, evt.ID)
	}
}

func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
