package pg

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/edgeflare/cdcnorm/pkg/pipeline"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var errNotConnected = errors.New("not connected")

// Execer is the subset of pgx.Conn / pgxpool.Pool the peer writes through
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PeerPG stores normalized events in a PostgreSQL table keyed by idempotency
// key, so replays are absorbed by the database
type PeerPG struct {
	pool   *pgxpool.Pool
	db     Execer
	cfg    Config
	logger *zap.Logger
}

type Config struct {
	ConnString string `json:"connString"`
	Schema     string `json:"schema,omitempty"`
	Table      string `json:"table,omitempty"`
	// DeadLetterTable receives records that could not be normalized
	DeadLetterTable string `json:"deadLetterTable,omitempty"`
	// CreateTables runs CREATE TABLE IF NOT EXISTS on connect
	CreateTables bool `json:"createTables,omitempty"`
}

func (c *Config) setDefaults() {
	c.Schema = cmp.Or(c.Schema, "public")
	c.Table = cmp.Or(c.Table, "events")
	c.DeadLetterTable = cmp.Or(c.DeadLetterTable, c.Table+"_dead_letters")
}

func (c *Config) table() string {
	return pgx.Identifier{c.Schema, c.Table}.Sanitize()
}

func (c *Config) deadLetterTable() string {
	return pgx.Identifier{c.Schema, c.DeadLetterTable}.Sanitize()
}

func (p *PeerPG) Connect(config json.RawMessage, args ...any) error {
	if len(config) > 0 {
		if err := json.Unmarshal(config, &p.cfg); err != nil {
			return fmt.Errorf("config parse: %w", err)
		}
	}
	p.cfg.setDefaults()
	p.logger = pipeline.LoggerFromArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, p.cfg.ConnString)
	if err != nil {
		return err
	}
	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("error connecting to database: %w", err)
	}

	if p.cfg.CreateTables {
		if err := createTables(ctx, pool, &p.cfg); err != nil {
			pool.Close()
			return err
		}
	}

	p.pool = pool
	p.db = pool
	p.logger.Info("Connected to PostgreSQL", zap.String("table", p.cfg.table()))
	return nil
}

func createTables(ctx context.Context, db Execer, cfg *Config) error {
	for _, ddl := range []string{eventsDDL(cfg), deadLettersDDL(cfg)} {
		if _, err := db.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

func eventsDDL(cfg *Config) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	idempotency_key TEXT PRIMARY KEY,
	ts TIMESTAMPTZ NOT NULL,
	event_type TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	correlation_id TEXT NOT NULL,
	tags JSONB NOT NULL,
	attrs JSONB NOT NULL,
	source JSONB NOT NULL,
	received_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, cfg.table())
}

func deadLettersDDL(cfg *Config) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	reason TEXT NOT NULL,
	key BYTEA,
	value BYTEA NOT NULL,
	headers JSONB NOT NULL,
	received_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, cfg.deadLetterTable())
}

// Pub inserts the event, ignoring rows whose idempotency key is already
// stored. Records without an event are written to the dead letter table.
func (p *PeerPG) Pub(ctx context.Context, record pipeline.Record) error {
	if p.db == nil {
		return errNotConnected
	}

	query, args, err := p.insert(record)
	if err != nil {
		return err
	}

	tag, err := p.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to insert record: %w", err)
	}
	if record.Event != nil && tag.RowsAffected() == 0 {
		p.logger.Debug("Duplicate event ignored", zap.String("idempotency_key", record.Event.IdempotencyKey))
	}
	return nil
}

func (p *PeerPG) insert(record pipeline.Record) (string, []any, error) {
	if record.Event == nil {
		h := record.Headers
		if h == nil {
			h = map[string]string{}
		}
		headers, err := json.Marshal(h)
		if err != nil {
			return "", nil, fmt.Errorf("failed to marshal headers: %w", err)
		}
		query := fmt.Sprintf(`INSERT INTO %s (reason, key, value, headers) VALUES ($1, $2, $3, $4)`, p.cfg.deadLetterTable())
		return query, []any{record.Headers[pipeline.HeaderDropReason], record.Key, record.Value, headers}, nil
	}

	e := record.Event
	ts, err := time.Parse(time.RFC3339Nano, e.Ts)
	if err != nil {
		return "", nil, fmt.Errorf("invalid event timestamp %q: %w", e.Ts, err)
	}

	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal tags: %w", err)
	}
	attrs, err := json.Marshal(e.Attrs)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal attrs: %w", err)
	}
	source, err := json.Marshal(e.Source)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal source: %w", err)
	}

	query := fmt.Sprintf(`INSERT INTO %s (idempotency_key, ts, event_type, entity_id, correlation_id, tags, attrs, source)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (idempotency_key) DO NOTHING`, p.cfg.table())
	return query, []any{e.IdempotencyKey, ts, e.EventType, e.EntityID, e.CorrelationID, tags, attrs, source}, nil
}

func (p *PeerPG) Sub(context.Context) (<-chan pipeline.Record, error) {
	return nil, pipeline.ErrConnectorTypeMismatch
}

func (p *PeerPG) Type() pipeline.ConnectorType {
	return pipeline.ConnectorTypePub
}

func (p *PeerPG) Disconnect() error {
	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}
	p.db = nil
	return nil
}

func init() {
	pipeline.RegisterConnector(pipeline.ConnectorPostgres, func() pipeline.Connector { return &PeerPG{} })
}
