package export

import (
	"context"
	"fmt"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/oisp-project/oisp-sensor/internal/oisp"
	"github.com/oisp-project/oisp-sensor/internal/pipeline"
)

// KafkaSink batches events and produces them to a topic, one message per
// event keyed by event id so consumers can dedupe on redelivery.
type KafkaSink struct {
	writer   *kafka.Writer
	buffer   *batchBuffer
	counters pipeline.Counters
	log      *logrus.Logger
}

// KafkaOptions configures the producer and batching knobs.
type KafkaOptions struct {
	Brokers       []string
	Topic         string
	BatchSize     int
	MaxBuffered   int
	FlushInterval time.Duration
	MaxAttempts   int
}

func NewKafkaSink(opts KafkaOptions, log *logrus.Logger) (*KafkaSink, error) {
	if opts.Topic == "" {
		return nil, fmt.Errorf("export: kafka topic is required")
	}
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("export: at least one kafka broker is required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	s := &KafkaSink{writer: writer, log: logFor(log)}
	s.buffer = newBatchBuffer("kafka", opts.BatchSize, opts.MaxBuffered, opts.MaxAttempts, opts.FlushInterval, s.sendBatch, &s.counters, s.log)
	return s, nil
}

func (s *KafkaSink) Name() string  { return "export.kafka" }
func (s *KafkaSink) Priority() int { return 0 }

func (s *KafkaSink) Init(context.Context) error {
	s.buffer.start()
	return nil
}

func (s *KafkaSink) Shutdown(ctx context.Context) error {
	if err := s.buffer.stopAndFlush(ctx); err != nil {
		return err
	}
	return s.writer.Close()
}

func (s *KafkaSink) Process(ctx context.Context, ev *oisp.Event) (*oisp.Event, error) {
	s.counters.In.Add(1)
	s.buffer.add(ev)
	return ev, nil
}

func (s *KafkaSink) Export(_ context.Context, ev *oisp.Event) error {
	s.buffer.add(ev)
	return nil
}

func (s *KafkaSink) ExportBatch(_ context.Context, evs []*oisp.Event) error {
	for _, ev := range evs {
		s.buffer.add(ev)
	}
	return nil
}

func (s *KafkaSink) Flush(ctx context.Context) error {
	s.buffer.flush(ctx)
	return nil
}

func (s *KafkaSink) Stats() pipeline.Snapshot { return s.counters.Snapshot() }

func (s *KafkaSink) sendBatch(ctx context.Context, batch []*oisp.Event) error {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, ev := range batch {
		line, err := marshalLine(ev)
		if err != nil {
			return err
		}
		msgs = append(msgs, kafka.Message{Key: []byte(ev.EventID), Value: line, Time: ev.TS})
	}
	return s.writer.WriteMessages(ctx, msgs...)
}
