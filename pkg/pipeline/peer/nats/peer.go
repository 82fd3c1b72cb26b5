package nats

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/edgeflare/cdcnorm/pkg/pipeline"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// PeerNATS implements the source and sink for NATS JetStream
type PeerNATS struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	subject string
	Config  Config
	logger  *zap.Logger
}

var (
	errConnNotInitialized = errors.New("NATS connection not initialized")
)

const fetchBatch = 10

// Config represents NATS configuration
type Config struct {
	Servers       []string `json:"servers"`
	Stream        string   `json:"stream"`
	SubjectPrefix string   `json:"subjectPrefix"`
	// Durable names the pull consumer used by Sub
	Durable  string `json:"durable,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	TLS      struct {
		Enabled  bool   `json:"enabled"`
		CertFile string `json:"certFile,omitempty"`
		KeyFile  string `json:"keyFile,omitempty"`
		CAFile   string `json:"caFile,omitempty"`
	} `json:"tls,omitempty"`
}

func (c *Config) setDefaults() {
	if len(c.Servers) == 0 {
		c.Servers = []string{nats.DefaultURL}
	}
	c.SubjectPrefix = cmp.Or(c.SubjectPrefix, "cdcnorm")
	c.Stream = cmp.Or(c.Stream, strings.ReplaceAll(c.SubjectPrefix, ".", "-")+"-stream")
	c.Durable = cmp.Or(c.Durable, strings.ReplaceAll(c.SubjectPrefix, ".", "-")+"-consumer")
}

// Connect establishes a connection to the NATS server and ensures the stream
// covering SubjectPrefix.> exists
func (p *PeerNATS) Connect(config json.RawMessage, args ...any) error {
	if len(config) > 0 {
		if err := json.Unmarshal(config, &p.Config); err != nil {
			return fmt.Errorf("unmarshal NATS config: %w", err)
		}
	}
	p.Config.setDefaults()
	p.logger = pipeline.LoggerFromArgs(args)

	p.subject = fmt.Sprintf("%s.>", p.Config.SubjectPrefix)
	opts := defaultOptions(p.Config)

	// Connect to first available server
	var err error
	for _, server := range p.Config.Servers {
		p.nc, err = nats.Connect(server, opts...)
		if err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("connect to NATS server: %w", err)
	}

	if p.js, err = p.nc.JetStream(); err != nil {
		p.nc.Close()
		return fmt.Errorf("create JetStream context: %w", err)
	}

	if err := p.ensureStream(); err != nil {
		p.nc.Close()
		return fmt.Errorf("ensure stream: %w", err)
	}

	return nil
}

// Pub publishes the record to SubjectPrefix.<db>.<coll>.<event_type>. The
// idempotency key doubles as the JetStream message id so that redelivered
// records are deduplicated by the server.
func (p *PeerNATS) Pub(ctx context.Context, record pipeline.Record) error {
	if p.js == nil {
		return errConnNotInitialized
	}

	msg := p.message(record)
	opts := []nats.PubOpt{nats.Context(ctx)}
	if id := record.Headers[pipeline.HeaderIdempotencyKey]; id != "" {
		opts = append(opts, nats.MsgId(id))
	}

	if _, err := p.js.PublishMsg(msg, opts...); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

func (p *PeerNATS) message(record pipeline.Record) *nats.Msg {
	msg := nats.NewMsg(strings.Join(append([]string{p.Config.SubjectPrefix}, pipeline.TopicSegments(record.Event)...), "."))
	msg.Data = record.Value
	for k, v := range record.Headers {
		msg.Header.Set(k, v)
	}
	return msg
}

// Sub pulls raw records from the stream with a durable consumer. Messages are
// acked once the pipeline has accepted them.
func (p *PeerNATS) Sub(ctx context.Context) (<-chan pipeline.Record, error) {
	if p.js == nil {
		return nil, errConnNotInitialized
	}

	_, err := p.js.AddConsumer(p.Config.Stream, &nats.ConsumerConfig{
		Durable:       p.Config.Durable,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    3,
		AckWait:       time.Minute,
		FilterSubject: p.subject,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}

	sub, err := p.js.PullSubscribe(p.subject, p.Config.Durable, nats.Bind(p.Config.Stream, p.Config.Durable))
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	records := make(chan pipeline.Record)
	go p.processMessages(ctx, sub, records)
	return records, nil
}

// processMessages handles subscription message processing
func (p *PeerNATS) processMessages(ctx context.Context, sub *nats.Subscription, records chan<- pipeline.Record) {
	defer close(records)
	defer sub.Unsubscribe()

	for ctx.Err() == nil {
		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(time.Second))
		if err != nil {
			if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
				return
			}
			if !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
				p.logger.Warn("Fetch messages", zap.Error(err))
			}
			continue
		}

		for _, msg := range msgs {
			select {
			case records <- recordFromMsg(msg):
				if err := msg.Ack(); err != nil {
					p.logger.Warn("Ack message", zap.String("subject", msg.Subject), zap.Error(err))
				}
			case <-ctx.Done():
				msg.Nak()
				return
			}
		}
	}
}

func recordFromMsg(msg *nats.Msg) pipeline.Record {
	rec := pipeline.Record{
		Value: msg.Data,
		Topic: msg.Subject,
	}
	if len(msg.Header) > 0 {
		rec.Headers = make(map[string]string, len(msg.Header))
		for k := range msg.Header {
			rec.Headers[k] = msg.Header.Get(k)
		}
	}
	return rec
}

// Type returns the connector type
func (p *PeerNATS) Type() pipeline.ConnectorType {
	return pipeline.ConnectorTypePubSub
}

// Disconnect closes the NATS connection
func (p *PeerNATS) Disconnect() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// ensureStream creates or updates the stream
func (p *PeerNATS) ensureStream() error {
	config := &nats.StreamConfig{
		Name:       p.Config.Stream,
		Subjects:   []string{p.subject},
		Storage:    nats.FileStorage,
		Replicas:   1,
		Duplicates: 2 * time.Minute,
	}

	stream, err := p.js.StreamInfo(p.Config.Stream)
	if err == nil {
		if !streamConfigEqual(stream.Config, *config) {
			if _, err = p.js.UpdateStream(config); err != nil {
				return fmt.Errorf("update stream: %w", err)
			}
			p.logger.Info("Updated stream", zap.String("stream", p.Config.Stream))
		}
		return nil
	}

	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("get stream info: %w", err)
	}

	if _, err := p.js.AddStream(config); err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	p.logger.Info("Created stream", zap.String("stream", p.Config.Stream))
	return nil
}

// streamConfigEqual checks if two nats.StreamConfig are equivalent
func streamConfigEqual(a, b nats.StreamConfig) bool {
	if a.Name != b.Name || a.Storage != b.Storage || a.Replicas != b.Replicas || a.Duplicates != b.Duplicates {
		return false
	}

	if len(a.Subjects) != len(b.Subjects) {
		return false
	}

	for i := range a.Subjects {
		if a.Subjects[i] != b.Subjects[i] {
			return false
		}
	}
	return true
}

func defaultOptions(c Config) []nats.Option {
	opts := []nats.Option{
		nats.Timeout(5 * time.Second),
		nats.PingInterval(10 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	}

	if c.Username != "" && c.Password != "" {
		opts = append(opts, nats.UserInfo(c.Username, c.Password))
	}

	if c.TLS.Enabled {
		if c.TLS.CAFile != "" {
			opts = append(opts, nats.RootCAs(c.TLS.CAFile))
		}
		if c.TLS.CertFile != "" && c.TLS.KeyFile != "" {
			opts = append(opts, nats.ClientCert(c.TLS.CertFile, c.TLS.KeyFile))
		}
	}

	return opts
}

func init() {
	pipeline.RegisterConnector(pipeline.ConnectorNATS, func() pipeline.Connector { return &PeerNATS{} })
}
