package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/cdcnorm/pkg/pipeline"
	"go.uber.org/zap"
)

var errProducerNotInitialized = errors.New("kafka producer not initialized")

// PeerKafka implements the source and sink for Kafka
type PeerKafka struct {
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	config   *Config
	logger   *zap.Logger

	// newBackOff paces Consume retries after errors, defaultConsumeBackOff when nil
	newBackOff func() backoff.BackOff
}

// defaultConsumeBackOff retries without limit, waiting up to 30s between attempts
func defaultConsumeBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func (p *PeerKafka) Connect(config json.RawMessage, args ...any) error {
	var cfg Config
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return fmt.Errorf("failed to unmarshal Kafka config: %w", err)
		}
	}
	cfg.SetDefaults()

	p.config = &cfg
	p.logger = pipeline.LoggerFromArgs(args)

	saramaConfig, err := cfg.ToSaramaConfig()
	if err != nil {
		return err
	}

	if cfg.IsSink() {
		if cfg.CreateTopic && cfg.Topic != "" {
			if err := NewClient(&cfg, p.logger).EnsureTopic(cfg.Topic); err != nil {
				return fmt.Errorf("failed to ensure topic: %w", err)
			}
		}

		p.producer, err = sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
		if err != nil {
			return fmt.Errorf("failed to create Kafka producer: %w", err)
		}
	}

	if cfg.IsSource() {
		p.group, err = sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
		if err != nil {
			p.Disconnect()
			return fmt.Errorf("failed to create Kafka consumer group: %w", err)
		}
	}

	p.logger.Info("Connected to Kafka",
		zap.Strings("brokers", cfg.Brokers),
		zap.Bool("source", cfg.IsSource()),
		zap.Bool("sink", cfg.IsSink()))
	return nil
}

// Pub sends the record to the configured topic, or to
// prefix.<db>.<coll>.<event_type>, keyed by entity id
func (p *PeerKafka) Pub(_ context.Context, record pipeline.Record) error {
	if p.producer == nil {
		return errProducerNotInitialized
	}

	msg := p.message(record)
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	p.logger.Debug("Published message",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

func (p *PeerKafka) topic(record pipeline.Record) string {
	if p.config.Topic != "" {
		return p.config.Topic
	}
	return strings.Join(append([]string{p.config.TopicPrefix}, pipeline.TopicSegments(record.Event)...), ".")
}

func (p *PeerKafka) message(record pipeline.Record) *sarama.ProducerMessage {
	msg := &sarama.ProducerMessage{
		Topic: p.topic(record),
		Value: sarama.ByteEncoder(record.Value),
	}
	if len(record.Key) > 0 {
		msg.Key = sarama.ByteEncoder(record.Key)
	}
	for k, v := range record.Headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(v)})
	}
	return msg
}

// Sub joins the consumer group and streams records from the configured topics.
// Offsets are marked once a record has been handed to the pipeline.
func (p *PeerKafka) Sub(ctx context.Context) (<-chan pipeline.Record, error) {
	if p.group == nil {
		return nil, pipeline.ErrConnectorTypeMismatch
	}

	records := make(chan pipeline.Record)
	handler := &groupHandler{records: records}

	go func() {
		for err := range p.group.Errors() {
			p.logger.Error("Consumer group error", zap.Error(err))
		}
	}()

	go func() {
		defer close(records)
		p.consume(ctx, handler)
	}()

	return records, nil
}

// consume runs group sessions until ctx ends or the group is closed. Each
// session returns on a rebalance; errors are retried with backoff, which is
// reset once a session ends cleanly.
func (p *PeerKafka) consume(ctx context.Context, handler sarama.ConsumerGroupHandler) {
	newBackOff := p.newBackOff
	if newBackOff == nil {
		newBackOff = defaultConsumeBackOff
	}
	b := backoff.WithContext(newBackOff(), ctx)

	for {
		err := p.group.Consume(ctx, p.config.Topics, handler)
		if ctx.Err() != nil || errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return
		}
		if err == nil {
			b.Reset()
			continue
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			p.logger.Error("Giving up consuming", zap.Strings("topics", p.config.Topics), zap.Error(err))
			return
		}
		p.logger.Warn("Consume error, retrying", zap.Error(err), zap.Duration("backoff", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *PeerKafka) Type() pipeline.ConnectorType {
	if p.config == nil {
		return pipeline.ConnectorTypeUnknown
	}
	switch source, sink := p.config.IsSource(), p.config.IsSink(); {
	case source && sink:
		return pipeline.ConnectorTypePubSub
	case source:
		return pipeline.ConnectorTypeSub
	default:
		return pipeline.ConnectorTypePub
	}
}

func (p *PeerKafka) Disconnect() error {
	var errs []error
	if p.producer != nil {
		errs = append(errs, p.producer.Close())
		p.producer = nil
	}
	if p.group != nil {
		errs = append(errs, p.group.Close())
		p.group = nil
	}
	return errors.Join(errs...)
}

// groupHandler implements sarama.ConsumerGroupHandler
type groupHandler struct {
	records chan<- pipeline.Record
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case h.records <- recordFromMessage(msg):
				session.MarkMessage(msg, "")
			case <-session.Context().Done():
				return nil
			}
		case <-session.Context().Done():
			return nil
		}
	}
}

func recordFromMessage(msg *sarama.ConsumerMessage) pipeline.Record {
	rec := pipeline.Record{
		Key:   msg.Key,
		Value: msg.Value,
		Topic: msg.Topic,
	}
	if len(msg.Headers) > 0 {
		rec.Headers = make(map[string]string, len(msg.Headers))
		for _, h := range msg.Headers {
			if h != nil {
				rec.Headers[string(h.Key)] = string(h.Value)
			}
		}
	}
	return rec
}

func init() {
	pipeline.RegisterConnector(pipeline.ConnectorKafka, func() pipeline.Connector { return &PeerKafka{} })
}
