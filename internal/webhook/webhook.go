// Package webhook fans raddec notifications out to external subscribers.
//
// The ingest path only calls Dispatcher.Dispatch, which enqueues a task.
// Deliverer.Deliver runs later on a queue worker and posts one signed JSON
// envelope to every enabled subscription.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"rfidgw/internal/metrics"
	"rfidgw/internal/model"
	"rfidgw/internal/queue"
	"rfidgw/internal/raddec"
)

const (
	EventName       = "rfid.raddec"
	EventHeader     = "X-RFID-Event"
	SignatureHeader = "X-RFID-Signature"
)

// Envelope is the JSON body posted to subscribers.
type Envelope struct {
	Event string             `json:"event"`
	Data  raddec.Raddec      `json:"data"`
	Meta  model.DeliveryMeta `json:"meta"`
}

// Sign returns the hex HMAC-SHA256 of body keyed by secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Dispatcher hands raddecs to the delivery queue.
type Dispatcher struct {
	pub     queue.Publisher
	metrics *metrics.Registry
	logger  *zap.Logger
	now     func() time.Time
}

func NewDispatcher(pub queue.Publisher, m *metrics.Registry, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{pub: pub, metrics: m, logger: logger, now: time.Now}
}

// Dispatch enqueues a delivery task. It never waits on subscribers; an
// enqueue failure is logged and counted.
func (d *Dispatcher) Dispatch(ctx context.Context, r raddec.Raddec, meta model.DeliveryMeta) {
	if r.TransmitterID == "" {
		return
	}
	t := queue.NewTask(r, meta, d.now())
	if err := d.pub.Publish(ctx, t); err != nil {
		d.metrics.QueueFailed.Inc()
		d.logger.Error("enqueue webhook delivery failed",
			zap.String("docname", meta.DocName),
			zap.String("task_id", t.ID),
			zap.Error(err),
		)
		return
	}
	d.metrics.QueueEnqueued.Inc()
}

// Deliverer posts queued tasks to subscribers.
type Deliverer struct {
	source  Source
	client  *resty.Client
	metrics *metrics.Registry
	logger  *zap.Logger
}

func NewDeliverer(src Source, m *metrics.Registry, logger *zap.Logger) *Deliverer {
	client := resty.New().
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader(EventHeader, EventName).
		SetLogger(logger.Sugar())
	return &Deliverer{source: src, client: client, metrics: m, logger: logger}
}

// Deliver posts t to every enabled subscription. Failures are isolated per
// subscriber and never returned; only a failure to list subscriptions or
// encode the envelope is.
func (d *Deliverer) Deliver(ctx context.Context, t queue.Task) error {
	subs, err := d.source.Enabled(ctx)
	if err != nil {
		return fmt.Errorf("load webhook subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil
	}
	body, err := json.Marshal(Envelope{Event: EventName, Data: t.Raddec, Meta: t.Meta})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	for _, sub := range subs {
		if sub.URL == "" {
			continue
		}
		d.post(ctx, sub, body, t)
	}
	return nil
}

func (d *Deliverer) post(ctx context.Context, sub Subscription, body []byte, t queue.Task) {
	ctx, cancel := context.WithTimeout(ctx, sub.timeout())
	defer cancel()

	req := d.client.R().SetContext(ctx).SetBody(body)
	if sub.Secret != "" {
		req.SetHeader(SignatureHeader, Sign(sub.Secret, body))
	}
	start := time.Now()
	resp, err := req.Post(sub.URL)
	d.metrics.WebhookLatencySec.Observe(time.Since(start).Seconds())
	if err != nil {
		d.metrics.WebhookFailed.Inc()
		d.logger.Error("webhook post failed",
			zap.String("webhook", sub.Name),
			zap.String("docname", t.Meta.DocName),
			zap.Error(err),
		)
		return
	}
	if !resp.IsSuccess() {
		d.metrics.WebhookRejected.Inc()
		d.logger.Warn("webhook rejected delivery",
			zap.String("webhook", sub.Name),
			zap.String("docname", t.Meta.DocName),
			zap.Int("status_code", resp.StatusCode()),
		)
		return
	}
	d.metrics.WebhookDelivered.Inc()
}
