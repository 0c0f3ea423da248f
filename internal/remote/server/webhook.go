package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/h3org/h3sync/internal/models"
	"golang.org/x/sync/errgroup"
)

// Webhook request headers. The signature is the hex HMAC-SHA256 of the
// body, prefixed with "sha256=", and is only sent when a secret is set.
const (
	SignatureHeader = "X-H3-Signature"
	EventHeader     = "X-H3-Event"
	DeliveryHeader  = "X-H3-Delivery"
)

// EventJournalAccepted is sent after every accepted commit.
const EventJournalAccepted = "journal.accepted"

// webhookQueueSize bounds the events waiting for delivery. Once full, new
// events are dropped and logged; receivers can catch up from the journal.
const webhookQueueSize = 256

// WebhookEvent is the JSON body posted to every webhook URL.
type WebhookEvent struct {
	Event     string           `json:"event"`
	Serial    int64            `json:"serial"`
	Type      models.EntryType `json:"type"`
	Table     models.Kind      `json:"table"`
	Key       string           `json:"key"`
	Scope     string           `json:"scope"`
	Origin    string           `json:"origin"`
	Timestamp string           `json:"timestamp"`
}

// WebhookConfig holds the webhook URLs and the optional signing secret.
type WebhookConfig struct {
	URLs   []string
	Secret string
}

// WebhookNotifier posts accepted journal entries to the configured URLs.
// Events are delivered one at a time in serial order by a single worker;
// each event goes to all URLs in parallel.
type WebhookNotifier struct {
	cfg    WebhookConfig
	client *http.Client
	logger *slog.Logger

	queue     chan *WebhookEvent
	done      chan struct{}
	closeOnce sync.Once

	// retryDelay scales the pause between delivery attempts.
	retryDelay time.Duration
	now        func() time.Time
}

// NewWebhookNotifier starts the delivery worker. It returns nil when no
// URLs are configured; a nil notifier ignores every call.
func NewWebhookNotifier(cfg *WebhookConfig, logger *slog.Logger) *WebhookNotifier {
	if cfg == nil || len(cfg.URLs) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	wn := &WebhookNotifier{
		cfg:        *cfg,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With("component", "webhooks"),
		queue:      make(chan *WebhookEvent, webhookQueueSize),
		done:       make(chan struct{}),
		retryDelay: time.Second,
		now:        time.Now,
	}
	go wn.run()
	return wn
}

// NotifyCommit queues an accepted journal item without blocking the commit.
func (wn *WebhookNotifier) NotifyCommit(item *models.JournalItem) {
	if wn == nil || item == nil || item.Entry == nil {
		return
	}

	event := &WebhookEvent{
		Event:     EventJournalAccepted,
		Serial:    item.Entry.Serial,
		Type:      item.Entry.Type,
		Table:     item.Entry.Table,
		Key:       item.Entry.Key,
		Origin:    item.Entry.Origin,
		Timestamp: wn.now().UTC().Format(time.RFC3339),
	}
	if item.Record != nil {
		event.Scope = item.Record.Scope
	}

	select {
	case wn.queue <- event:
	default:
		wn.logger.Warn("queue full, event dropped", "serial", event.Serial, "key", event.Key)
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (wn *WebhookNotifier) Close() {
	if wn == nil {
		return
	}
	wn.closeOnce.Do(func() { close(wn.queue) })
	<-wn.done
}

func (wn *WebhookNotifier) run() {
	defer close(wn.done)
	for event := range wn.queue {
		wn.deliver(context.Background(), event)
	}
}

func (wn *WebhookNotifier) deliver(ctx context.Context, event *WebhookEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		wn.logger.Error("marshal event", "error", err)
		return
	}
	delivery := uuid.NewString()

	var g errgroup.Group
	for _, url := range wn.cfg.URLs {
		g.Go(func() error {
			if err := wn.post(ctx, url, delivery, data); err != nil {
				wn.logger.Warn("delivery failed", "url", url, "serial", event.Serial, "delivery", delivery, "error", err)
				return nil
			}
			wn.logger.Debug("delivered", "url", url, "serial", event.Serial, "delivery", delivery)
			return nil
		})
	}
	g.Wait()
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// post delivers one body to one URL, retrying twice on 5xx and transport
// errors. 4xx answers are final.
func (wn *WebhookNotifier) post(ctx context.Context, url, delivery string, data []byte) error {
	const attempts = 3

	var err error
	for i := range attempts {
		if i > 0 {
			time.Sleep(time.Duration(i) * wn.retryDelay)
		}
		var status int
		status, err = wn.postOnce(ctx, url, delivery, data)
		switch {
		case err != nil:
			continue
		case status < 300:
			return nil
		case status < 500:
			return fmt.Errorf("HTTP %d", status)
		}
		err = fmt.Errorf("HTTP %d", status)
	}
	return err
}

func (wn *WebhookNotifier) postOnce(ctx context.Context, url, delivery string, data []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "h3-server")
	req.Header.Set(EventHeader, EventJournalAccepted)
	req.Header.Set(DeliveryHeader, delivery)
	if wn.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(wn.cfg.Secret, data))
	}

	resp, err := wn.client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
