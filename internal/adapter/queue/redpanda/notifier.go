// Package redpanda publishes sync lifecycle events to a Redpanda/Kafka
// topic. Delivery is best-effort and asynchronous: the engine never blocks
// or fails a job because an event could not be produced.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/odoo-sync-bridge/internal/domain"
)

// Event kinds on the sync events topic.
const (
	EventJobFailed        = "job_failed"
	EventBreakerOpened    = "breaker_opened"
	EventFailureThreshold = "failure_threshold"
)

// Event is the wire shape of one lifecycle event.
type Event struct {
	Kind       string    `json:"kind"`
	Tenant     string    `json:"tenant"`
	OccurredAt time.Time `json:"occurred_at"`

	JobID      string `json:"job_id,omitempty"`
	Module     string `json:"module,omitempty"`
	EntityType string `json:"entity_type,omitempty"`
	Direction  string `json:"direction,omitempty"`
	Action     string `json:"action,omitempty"`
	Reason     string `json:"reason,omitempty"`

	Scope       string `json:"scope,omitempty"`
	Consecutive int    `json:"consecutive_failures,omitempty"`
}

// Notifier implements domain.Notifier on top of a franz-go producer.
type Notifier struct {
	client *kgo.Client
	topic  string
}

// NewNotifier connects to the brokers and ensures the topic exists. Topic
// creation failure is tolerated; the broker may have auto-creation on or the
// topic may already exist.
func NewNotifier(brokers []string, topic string) (*Notifier, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic name cannot be empty")
	}

	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotel.NewTracer(
			kotel.TracerProvider(otel.GetTracerProvider()),
		)),
	)
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1_000_000),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("redpanda client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := createTopicIfNotExists(ctx, client, topic, 1, 1); err != nil {
		slog.Warn("failed to create topic, it may already exist",
			slog.String("topic", topic), slog.Any("error", err))
	}
	slog.Info("sync event notifier connected", slog.Any("brokers", brokers), slog.String("topic", topic))
	return &Notifier{client: client, topic: topic}, nil
}

// Close flushes outstanding events and releases the client.
func (n *Notifier) Close() {
	if n == nil || n.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.client.Flush(ctx); err != nil {
		slog.Warn("sync event flush failed", slog.Any("error", err))
	}
	n.client.Close()
}

// NotifyJobFailed publishes a terminal job failure.
func (n *Notifier) NotifyJobFailed(ctx context.Context, job domain.SyncJob, reason string) {
	n.publish(ctx, job.Tenant, Event{
		Kind:       EventJobFailed,
		Tenant:     job.Tenant,
		JobID:      job.ID,
		Module:     job.Module,
		EntityType: job.EntityType,
		Direction:  string(job.Direction),
		Action:     string(job.Action),
		Reason:     reason,
	})
}

// NotifyBreakerOpened publishes a breaker transition to open.
func (n *Notifier) NotifyBreakerOpened(ctx context.Context, scope string, failures int, reason string) {
	n.publish(ctx, "", Event{
		Kind:        EventBreakerOpened,
		Scope:       scope,
		Consecutive: failures,
		Reason:      reason,
	})
}

// NotifyFailureThreshold publishes a consecutive-failure threshold crossing.
func (n *Notifier) NotifyFailureThreshold(ctx context.Context, tenant string, consecutive int) {
	n.publish(ctx, tenant, Event{
		Kind:        EventFailureThreshold,
		Tenant:      tenant,
		Consecutive: consecutive,
	})
}

// publish fires the record asynchronously; errors are logged, never returned.
func (n *Notifier) publish(ctx context.Context, key string, ev Event) {
	if n == nil || n.client == nil {
		return
	}
	ev.OccurredAt = time.Now().UTC()
	b, err := json.Marshal(ev)
	if err != nil {
		slog.Error("sync event marshal failed", slog.String("kind", ev.Kind), slog.Any("error", err))
		return
	}
	if key == "" {
		key = ev.Scope
	}
	record := &kgo.Record{Topic: n.topic, Key: []byte(key), Value: b}
	n.client.Produce(context.WithoutCancel(ctx), record, func(_ *kgo.Record, err error) {
		if err != nil {
			slog.Warn("sync event produce failed",
				slog.String("kind", ev.Kind), slog.Any("error", err))
		}
	})
}
