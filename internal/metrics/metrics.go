package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	// Ingest pipeline
	IngestProcessed  prometheus.Counter
	IngestDuplicates prometheus.Counter
	IngestErrors     prometheus.Counter
	IngestSkipped    prometheus.Counter
	IngestTimeless   prometheus.Counter
	IngestLatencySec prometheus.Histogram
	IngressMessages  *prometheus.CounterVec // by transport: http|mqtt|kafka

	// Delivery
	QueueEnqueued     prometheus.Counter
	QueueFailed       prometheus.Counter
	WebhookDelivered  prometheus.Counter
	WebhookRejected   prometheus.Counter
	WebhookFailed     prometheus.Counter
	WebhookLatencySec prometheus.Histogram

	// Changelog, snapshots, recovery
	ChangelogAppended  prometheus.Counter
	ChangelogFailed    prometheus.Counter
	SnapshotsWritten   prometheus.Counter
	LastManifestAgeSec prometheus.Gauge
	Applied            prometheus.Counter
	Skipped            prometheus.Counter
	TTRSec             prometheus.Gauge
	ReplayBytes        prometheus.Counter
}

func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
		r.MustRegister(c)
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
		r.MustRegister(g)
		return g
	}
	histogram := func(name, help string) prometheus.Histogram {
		h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: name, Help: help, Buckets: prometheus.DefBuckets})
		r.MustRegister(h)
		return h
	}
	ingress := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rfid_ingress_messages_total",
		Help: "Payloads received per ingress transport",
	}, []string{"transport"})
	r.MustRegister(ingress)

	return &Registry{
		reg:              r,
		IngestProcessed:  counter("rfid_ingest_processed_total", "Tag events stored"),
		IngestDuplicates: counter("rfid_ingest_duplicates_total", "Tag reads already stored"),
		IngestErrors:     counter("rfid_ingest_errors_total", "Tag reads that failed to persist"),
		IngestSkipped:    counter("rfid_ingest_skipped_total", "Payload nodes without a tag id"),
		IngestTimeless:   counter("rfid_ingest_time_defaulted_total", "Tag reads stamped with the ingest time"),
		IngestLatencySec: histogram("rfid_ingest_latency_seconds", "Time to process one payload"),
		IngressMessages:  ingress,

		QueueEnqueued:     counter("rfid_queue_enqueued_total", "Delivery tasks enqueued"),
		QueueFailed:       counter("rfid_queue_failed_total", "Delivery tasks that could not be enqueued"),
		WebhookDelivered:  counter("rfid_webhook_delivered_total", "Webhook posts answered with 2xx"),
		WebhookRejected:   counter("rfid_webhook_rejected_total", "Webhook posts answered with non-2xx"),
		WebhookFailed:     counter("rfid_webhook_failed_total", "Webhook posts that failed in transport"),
		WebhookLatencySec: histogram("rfid_webhook_latency_seconds", "Webhook post round trip"),

		ChangelogAppended:  counter("rfid_changelog_appended_total", "Events appended to the changelog"),
		ChangelogFailed:    counter("rfid_changelog_failed_total", "Changelog appends that failed"),
		SnapshotsWritten:   counter("rfid_snapshots_written_total", "Event store snapshots written"),
		LastManifestAgeSec: gauge("rfid_last_manifest_age_seconds", "Age of the latest manifest"),
		Applied:            counter("rfid_replay_applied_total", "Changelog entries applied on restore"),
		Skipped:            counter("rfid_replay_skipped_total", "Changelog entries already present on restore"),
		TTRSec:             gauge("rfid_recovery_ttr_seconds", "Duration of the last restore"),
		ReplayBytes:        counter("rfid_replay_bytes_total", "Changelog bytes replayed"),
	}
}

func (r *Registry) Handler() http.Handler { return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}) }
