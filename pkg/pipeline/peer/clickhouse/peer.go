package clickhouse

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/edgeflare/cdcnorm/pkg/pipeline"
	"github.com/edgeflare/cdcnorm/pkg/util"
	"go.uber.org/zap"
)

var (
	errNotConnected = errors.New("not connected")
	errNoEvent      = errors.New("clickhouse peer stores normalized events only")
)

// Config embeds clickhouse.Options, so connection settings use the driver's
// field names (Addr, Auth.Database, ...)
type Config struct {
	clickhouse.Options
	Table string `json:"table,omitempty"`
	// CreateTable runs CREATE TABLE IF NOT EXISTS on connect
	CreateTable bool `json:"createTable,omitempty"`
}

func (c *Config) setDefaults() {
	if len(c.Addr) == 0 {
		c.Addr = []string{util.GetEnvOrDefault("CDCNORM_CLICKHOUSE_ADDR", "localhost:9000")}
	}
	if c.Auth.Database == "" {
		c.Auth.Database = util.GetEnvOrDefault("CDCNORM_CLICKHOUSE_AUTH_DATABASE", "default")
	}
	if c.Auth.Username == "" {
		c.Auth.Username = util.GetEnvOrDefault("CDCNORM_CLICKHOUSE_AUTH_USERNAME", "default")
	}
	if c.Auth.Password == "" {
		c.Auth.Password = util.GetEnvOrDefault("CDCNORM_CLICKHOUSE_AUTH_PASSWORD", "")
	}
	c.Table = cmp.Or(c.Table, "events")
}

// table returns the quoted database.table name
func (c *Config) table() string {
	return quote(c.Auth.Database) + "." + quote(c.Table)
}

func quote(ident string) string {
	return "`" + strings.ReplaceAll(ident, "`", "\\`") + "`"
}

type PeerClickHouse struct {
	conn   driver.Conn
	config Config
	logger *zap.Logger
}

func (p *PeerClickHouse) Connect(config json.RawMessage, args ...any) error {
	if len(config) > 0 {
		if err := json.Unmarshal(config, &p.config); err != nil {
			return fmt.Errorf("failed to parse ClickHouse config: %w", err)
		}
	}
	p.config.setDefaults()
	p.logger = pipeline.LoggerFromArgs(args)

	conn, err := clickhouse.Open(&p.config.Options)
	if err != nil {
		return fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	if p.config.CreateTable {
		if err := conn.Exec(ctx, tableDDL(&p.config)); err != nil {
			conn.Close()
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	p.conn = conn
	return nil
}

// tableDDL uses ReplacingMergeTree ordered by idempotency key, so replayed
// events collapse on merge
func tableDDL(c *Config) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	ts DateTime64(9, 'UTC'),
	event_type LowCardinality(String),
	entity_id String,
	correlation_id String,
	tags String,
	attrs String,
	idempotency_key String,
	source_system LowCardinality(String),
	source_db LowCardinality(String),
	source_coll LowCardinality(String)
) ENGINE = ReplacingMergeTree
ORDER BY idempotency_key`, c.table())
}

func insertQuery(c *Config) string {
	return fmt.Sprintf("INSERT INTO %s (ts, event_type, entity_id, correlation_id, tags, attrs, idempotency_key, source_system, source_db, source_coll)", c.table())
}

// row flattens an event into column order of insertQuery. Tags and attrs are
// stored as JSON strings.
func row(record pipeline.Record) ([]any, error) {
	e := record.Event
	if e == nil {
		return nil, errNoEvent
	}

	ts, err := time.Parse(time.RFC3339Nano, e.Ts)
	if err != nil {
		return nil, fmt.Errorf("invalid event timestamp %q: %w", e.Ts, err)
	}
	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tags: %w", err)
	}
	attrs, err := json.Marshal(e.Attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attrs: %w", err)
	}

	return []any{
		ts,
		e.EventType,
		e.EntityID,
		e.CorrelationID,
		string(tags),
		string(attrs),
		e.IdempotencyKey,
		e.Source.System,
		e.Source.Namespace.DB,
		e.Source.Namespace.Coll,
	}, nil
}

func (p *PeerClickHouse) Pub(ctx context.Context, record pipeline.Record) error {
	if p.conn == nil {
		return errNotConnected
	}

	values, err := row(record)
	if err != nil {
		return err
	}

	batch, err := p.conn.PrepareBatch(ctx, insertQuery(&p.config))
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	if err := batch.Append(values...); err != nil {
		batch.Abort()
		return fmt.Errorf("failed to append row: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to insert data into ClickHouse: %w", err)
	}

	p.logger.Debug("Inserted event", zap.String("table", p.config.table()), zap.String("idempotency_key", record.Event.IdempotencyKey))
	return nil
}

func (p *PeerClickHouse) Sub(context.Context) (<-chan pipeline.Record, error) {
	return nil, pipeline.ErrConnectorTypeMismatch
}

func (p *PeerClickHouse) Type() pipeline.ConnectorType {
	return pipeline.ConnectorTypePub
}

func (p *PeerClickHouse) Disconnect() error {
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}

func init() {
	pipeline.RegisterConnector(pipeline.ConnectorClickHouse, func() pipeline.Connector { return &PeerClickHouse{} })
}
