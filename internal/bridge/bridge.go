// Package bridge forwards reader payloads consumed from Kafka to the gateway's
// ingest endpoint, committing each message once the gateway has taken it.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"rfidgw/internal/api"
	"rfidgw/internal/metrics"
)

// TransportKafka labels payloads received from the reader topic.
const TransportKafka = "kafka"

// ErrRejected marks payloads the gateway refused as malformed. They are
// committed and dropped.
var ErrRejected = errors.New("payload rejected by gateway")

// Forwarder posts raw payloads to the gateway.
type Forwarder struct {
	client *resty.Client
}

func NewForwarder(baseURL, key, secret string, timeout time.Duration, logger *zap.Logger) *Forwarder {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", "token "+key+":"+secret).
		SetLogger(logger.Sugar())
	return &Forwarder{client: client}
}

// Forward returns ErrRejected for 4xx answers and a plain error for transport
// failures and 5xx answers, which are worth retrying.
func (f *Forwarder) Forward(ctx context.Context, body []byte) error {
	resp, err := f.client.R().SetContext(ctx).SetBody(body).Post(api.EventsPath)
	if err != nil {
		return fmt.Errorf("post payload: %w", err)
	}
	switch code := resp.StatusCode(); {
	case code >= 200 && code < 300:
		return nil
	case code >= 400 && code < 500 && code != http.StatusUnauthorized && code != http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, code, resp.String())
	default:
		return fmt.Errorf("gateway answered %d", code)
	}
}

// messageSource is the slice of *ck.Consumer the bridge uses.
type messageSource interface {
	ReadMessage(timeout time.Duration) (*ck.Message, error)
	CommitMessage(m *ck.Message) ([]ck.TopicPartition, error)
}

type forwarder interface {
	Forward(ctx context.Context, body []byte) error
}

type Bridge struct {
	src     messageSource
	fwd     forwarder
	metrics *metrics.Registry
	logger  *zap.Logger

	// PollTimeout bounds each ReadMessage call.
	PollTimeout time.Duration
	// Backoff is the first retry delay; it doubles up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

func New(src messageSource, fwd forwarder, m *metrics.Registry, logger *zap.Logger) *Bridge {
	return &Bridge{
		src:         src,
		fwd:         fwd,
		metrics:     m,
		logger:      logger,
		PollTimeout: time.Second,
		Backoff:     500 * time.Millisecond,
		MaxBackoff:  30 * time.Second,
	}
}

// NewConsumer subscribes a manually committing consumer to topic.
func NewConsumer(bootstrap, groupID, topic string) (*ck.Consumer, error) {
	c, err := ck.NewConsumer(&ck.ConfigMap{
		"bootstrap.servers":  bootstrap,
		"group.id":           groupID,
		"enable.auto.commit": false,
		"auto.offset.reset":  "earliest",
	})
	if err != nil {
		return nil, fmt.Errorf("consumer: %w", err)
	}
	if err := c.SubscribeTopics([]string{topic}, nil); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return c, nil
}

// Run forwards messages until ctx is done. A message is committed only after
// the gateway accepted or rejected it; retryable failures hold the partition.
func (b *Bridge) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		msg, err := b.src.ReadMessage(b.PollTimeout)
		if err != nil {
			var kerr ck.Error
			if errors.As(err, &kerr) && kerr.Code() == ck.ErrTimedOut {
				continue
			}
			b.logger.Warn("kafka read failed", zap.Error(err))
			if !sleep(ctx, b.Backoff) {
				break
			}
			continue
		}
		b.metrics.IngressMessages.WithLabelValues(TransportKafka).Inc()
		if !b.deliver(ctx, msg) {
			break
		}
		if _, err := b.src.CommitMessage(msg); err != nil {
			b.logger.Warn("kafka commit failed", zap.String("partition", msg.TopicPartition.String()), zap.Error(err))
		}
	}
	return nil
}

// deliver retries until the gateway settles the message. It reports false
// when ctx ended first.
func (b *Bridge) deliver(ctx context.Context, msg *ck.Message) bool {
	delay := b.Backoff
	for {
		err := b.fwd.Forward(ctx, msg.Value)
		if err == nil {
			return true
		}
		if errors.Is(err, ErrRejected) {
			b.logger.Warn("dropping rejected payload", zap.String("partition", msg.TopicPartition.String()), zap.Error(err))
			return true
		}
		b.logger.Warn("forward failed, retrying", zap.Duration("backoff", delay), zap.Error(err))
		if !sleep(ctx, delay) {
			return false
		}
		delay = min(delay*2, b.MaxBackoff)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
