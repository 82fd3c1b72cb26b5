package mqtt

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edgeflare/cdcnorm/pkg/pipeline"
	"go.uber.org/zap"
)

const defaultTopicPrefix = "cdcnorm"

// PeerMQTT implements the source and sink functionality for MQTT
type PeerMQTT struct {
	*Client
	Config Config
}

type Config struct {
	Servers     []string `json:"servers"`
	TopicPrefix string   `json:"topicPrefix"`
	// Topics are subscribed to by the source side, eg. "mongo/changes/#"
	Topics        []string `json:"topics,omitempty"`
	QoS           byte     `json:"qos,omitempty"`
	Retained      bool     `json:"retained,omitempty"`
	ClientOptions `json:"clientOptions"`
}

func (p *PeerMQTT) Connect(config json.RawMessage, args ...any) error {
	if len(config) > 0 {
		if err := json.Unmarshal(config, &p.Config); err != nil {
			return fmt.Errorf("failed to unmarshal MQTT config: %w", err)
		}
	}
	if p.Config.QoS > 2 {
		return fmt.Errorf("invalid MQTT QoS %d", p.Config.QoS)
	}
	p.Config.TopicPrefix = strings.Trim(cmp.Or(p.Config.TopicPrefix, defaultTopicPrefix), "/")

	mqttOpts, err := convertToPahoOptions(p.Config.Servers, &p.Config.ClientOptions)
	if err != nil {
		return err
	}
	setDefaultOptions(mqttOpts)

	p.Client = NewClient(mqttOpts, pipeline.LoggerFromArgs(args))
	if err := p.Client.Connect(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	return nil
}

// Pub publishes the encoded event to prefix/<db>/<coll>/<event_type>. MQTT
// 3.1.1 has no message headers; dead letters go to
// prefix/deadletter/<drop reason> instead.
func (p *PeerMQTT) Pub(_ context.Context, record pipeline.Record) error {
	if p.Client == nil {
		return fmt.Errorf("MQTT client not connected")
	}
	return p.Client.Publish(p.topic(record), p.Config.QoS, p.Config.Retained, record.Value)
}

func (p *PeerMQTT) topic(record pipeline.Record) string {
	parts := append([]string{p.Config.TopicPrefix}, pipeline.TopicSegments(record.Event)...)
	if record.Event == nil {
		if reason := record.Headers[pipeline.HeaderDropReason]; reason != "" {
			parts = append(parts, reason)
		}
	}
	return strings.Join(parts, "/")
}

// Sub subscribes to the configured topics. Delivery blocks the paho callback
// until the pipeline accepts the record.
func (p *PeerMQTT) Sub(ctx context.Context) (<-chan pipeline.Record, error) {
	if len(p.Config.Topics) == 0 {
		return nil, pipeline.ErrConnectorTypeMismatch
	}
	if p.Client == nil {
		return nil, fmt.Errorf("MQTT client not connected")
	}

	var (
		records = make(chan pipeline.Record)
		mu      sync.RWMutex
		closed  bool
	)

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		mu.RLock()
		defer mu.RUnlock()
		if closed {
			return
		}
		select {
		case records <- recordFromMessage(msg):
		case <-ctx.Done():
		}
	}

	for _, topic := range p.Config.Topics {
		if err := p.Client.Subscribe(topic, p.Config.QoS, handler); err != nil {
			close(records)
			return nil, fmt.Errorf("mqtt subscribe failed: %w", err)
		}
	}

	go func() {
		<-ctx.Done()
		for _, topic := range p.Config.Topics {
			if err := p.Client.Unsubscribe(topic); err != nil {
				p.Client.logger.Warn("mqtt unsubscribe failed", zap.String("topic", topic), zap.Error(err))
			}
		}
		mu.Lock()
		closed = true
		close(records)
		mu.Unlock()
	}()

	return records, nil
}

func recordFromMessage(msg mqtt.Message) pipeline.Record {
	return pipeline.Record{
		Value: msg.Payload(),
		Topic: msg.Topic(),
	}
}

func (p *PeerMQTT) Type() pipeline.ConnectorType {
	if len(p.Config.Topics) > 0 {
		return pipeline.ConnectorTypePubSub
	}
	return pipeline.ConnectorTypePub
}

func (p *PeerMQTT) Disconnect() error {
	if p.Client != nil {
		p.Client.Disconnect()
	}
	return nil
}

func init() {
	pipeline.RegisterConnector(pipeline.ConnectorMQTT, func() pipeline.Connector { return &PeerMQTT{} })
}
