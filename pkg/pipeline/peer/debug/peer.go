package debug

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/edgeflare/cdcnorm/pkg/pipeline"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// PeerDebug is a debug peer that logs every record it receives
type PeerDebug struct {
	logger *zap.Logger
	level  zapcore.Level
}

type Config struct {
	// Level is the zap level records are logged at, "info" by default
	Level string `json:"level,omitempty"`
}

func (p *PeerDebug) Connect(config json.RawMessage, args ...any) error {
	var cfg Config
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return fmt.Errorf("failed to unmarshal debug config: %w", err)
		}
	}

	p.level = zapcore.InfoLevel
	if cfg.Level != "" {
		if err := p.level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	p.logger = pipeline.LoggerFromArgs(args).Named(pipeline.ConnectorDebug)
	return nil
}

func (p *PeerDebug) Pub(_ context.Context, record pipeline.Record) error {
	if p.logger == nil {
		return nil
	}
	p.logger.Log(p.level, "Record", fields(record)...)
	return nil
}

func fields(record pipeline.Record) []zap.Field {
	if e := record.Event; e != nil {
		return []zap.Field{
			zap.String("event_type", e.EventType),
			zap.String("entity_id", e.EntityID),
			zap.String("idempotency_key", e.IdempotencyKey),
			zap.String("ns", e.Source.Namespace.DB+"."+e.Source.Namespace.Coll),
			zap.ByteString("value", record.Value),
		}
	}
	return []zap.Field{
		zap.String("drop_reason", record.Headers[pipeline.HeaderDropReason]),
		zap.ByteString("value", record.Value),
	}
}

func (p *PeerDebug) Sub(context.Context) (<-chan pipeline.Record, error) {
	return nil, pipeline.ErrConnectorTypeMismatch
}

func (p *PeerDebug) Type() pipeline.ConnectorType {
	return pipeline.ConnectorTypePub
}

func (p *PeerDebug) Disconnect() error {
	if p.logger != nil {
		_ = p.logger.Sync()
	}
	return nil
}

func init() {
	pipeline.RegisterConnector(pipeline.ConnectorDebug, func() pipeline.Connector { return &PeerDebug{} })
}
