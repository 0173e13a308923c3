package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"app-security/internal/client"
	"app-security/internal/util"
)

// ZapSink writes events to the structured log.
type ZapSink struct {
	logger *zap.Logger
}

func NewZapSink(logger *zap.Logger) *ZapSink {
	return &ZapSink{logger: util.OrNop(logger).Named("audit")}
}

func (s *ZapSink) Record(_ context.Context, e Event) error {
	fields := []zap.Field{
		zap.String("event_id", e.ID),
		zap.String("event_type", string(e.Type)),
		zap.String("device_id", e.DeviceID),
		zap.Time("event_time", e.Time),
	}
	if e.Outcome != "" {
		fields = append(fields, zap.String("outcome", e.Outcome))
	}
	if e.Reason != "" {
		fields = append(fields, zap.String("reason", e.Reason))
	}
	for k, v := range e.Details {
		fields = append(fields, zap.String(k, v))
	}
	s.logger.Info("Security event", fields...)
	return nil
}

// KafkaSink publishes events keyed by device id.
type KafkaSink struct {
	producer *client.KafkaProducer
}

func NewKafkaSink(p *client.KafkaProducer) *KafkaSink {
	return &KafkaSink{producer: p}
}

func (s *KafkaSink) Record(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}
	return s.producer.ProduceMessage(ctx, []byte(e.DeviceID), payload, map[string]string{
		"event_type": string(e.Type),
		"event_id":   e.ID,
	})
}

// ElasticsearchSink indexes events by id.
type ElasticsearchSink struct {
	es *client.ESClient
}

func NewElasticsearchSink(es *client.ESClient) *ElasticsearchSink {
	return &ElasticsearchSink{es: es}
}

func (s *ElasticsearchSink) Record(ctx context.Context, e Event) error {
	return s.es.IndexDocument(ctx, e.ID, e)
}

// MultiSink fans each event out to every sink concurrently.
type MultiSink struct {
	mu    sync.RWMutex
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Add(s Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// Record returns the first sink error; every sink still gets the event.
func (m *MultiSink) Record(ctx context.Context, e Event) error {
	m.mu.RLock()
	sinks := append([]Sink(nil), m.sinks...)
	m.mu.RUnlock()

	var g errgroup.Group
	for _, s := range sinks {
		g.Go(func() error {
			return s.Record(ctx, e)
		})
	}
	return g.Wait()
}

// Recorder is an in-memory sink used by tests and the status endpoint.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Record(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
