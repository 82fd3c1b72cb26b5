package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/edgeflare/cdcnorm/pkg/mapping"
	"github.com/edgeflare/cdcnorm/pkg/normalize"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SourceSubscription links a source peer to a pipeline consuming it
type SourceSubscription struct {
	PipelineName string
	in           chan<- sourced
}

// Manager handles connectors and peers for data pipeline operations.
type Manager struct {
	id            string
	peers         map[string]*Peer
	subscriptions map[string][]SourceSubscription
	mu            sync.RWMutex
	normalizer    *normalize.Normalizer
	newBackOff    func() backoff.BackOff
	logger        *zap.Logger
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithLogger sets the manager's logger. Connectors receive a child logger
// through their Connect args.
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithNormalizer sets the normalizer shared by all pipelines
func WithNormalizer(n *normalize.Normalizer) ManagerOption {
	return func(m *Manager) {
		if n != nil {
			m.normalizer = n
		}
	}
}

// WithBackOff sets the retry policy used when connecting peers
func WithBackOff(newBackOff func() backoff.BackOff) ManagerOption {
	return func(m *Manager) {
		if newBackOff != nil {
			m.newBackOff = newBackOff
		}
	}
}

// DefaultBackOff retries peer connections for up to 30 seconds
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// NewManager returns a new Manager instance
func NewManager(opts ...ManagerOption) *Manager {
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		id:            uuid.NewString(),
		peers:         map[string]*Peer{},
		subscriptions: map[string][]SourceSubscription{},
		normalizer:    normalize.New(mapping.Empty()),
		newBackOff:    DefaultBackOff,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("instance", m.id))
	return m
}

// ID identifies this manager instance, eg as a Kafka client id suffix
func (m *Manager) ID() string {
	return m.id
}

// AddPeer creates a new Peer with a fresh connector instance
func (m *Manager) AddPeer(connector string, name string) (*Peer, error) {
	c, err := NewConnector(connector)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.peers[name]; exists {
		return nil, fmt.Errorf("peer %s already exists", name)
	}

	peer := &Peer{ConnectorName: connector, Name: name, connector: c}
	m.peers[name] = peer
	return peer, nil
}

func (m *Manager) Peers() []Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	peers := make([]Peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, *p)
	}
	return peers
}

func (m *Manager) GetPeer(name string) (*Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if peer, exists := m.peers[name]; exists {
		return peer, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrPeerNotFound, name)
}

// AddSubscription adds a new subscription for a source
func (m *Manager) AddSubscription(sourceName, pipelineName string, in chan<- sourced) {
	m.mu.Lock()
	m.subscriptions[sourceName] = append(m.subscriptions[sourceName], SourceSubscription{
		PipelineName: pipelineName,
		in:           in,
	})
	m.mu.Unlock()
}

// GetSubscriptions returns all subscriptions for a source
func (m *Manager) GetSubscriptions(sourceName string) []SourceSubscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.subscriptions[sourceName]
}

// IsFirstSubscription checks if this is the first subscription for a source
func (m *Manager) IsFirstSubscription(sourceName string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscriptions[sourceName]) == 0
}

// Init validates config and connects all peers, retrying each with the
// manager's backoff policy.
func (m *Manager) Init(ctx context.Context, config *Config) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid pipeline config: %w", err)
	}

	m.logger.Info("Initializing pipeline manager", zap.Int("peerCount", len(config.Peers)))
	for _, p := range config.Peers {
		m.logger.Debug("Adding peer",
			zap.String("name", p.Name),
			zap.String("connector", p.ConnectorName))

		peer, err := m.AddPeer(p.ConnectorName, p.Name)
		if err != nil {
			m.logger.Error("Failed to add peer",
				zap.String("name", p.Name),
				zap.String("connector", p.ConnectorName),
				zap.Error(err))
			return fmt.Errorf("failed to add peer %s: %w", p.Name, err)
		}

		peer.Config = p.Config
		peer.Args = p.Args
		configJSON, err := json.Marshal(peer.Config)
		if err != nil {
			return fmt.Errorf("failed to marshal config for peer %s: %w", peer.Name, err)
		}

		if err := m.connect(ctx, peer, configJSON); err != nil {
			return fmt.Errorf("failed to initialize connector %s: %w", peer.Name, err)
		}

		m.logger.Info("Successfully connected peer",
			zap.String("name", peer.Name),
			zap.String("connector", p.ConnectorName))
	}

	m.logger.Info("Successfully initialized all peers", zap.Int("totalPeers", len(config.Peers)))
	return nil
}

func (m *Manager) connect(ctx context.Context, peer *Peer, configJSON json.RawMessage) error {
	args := append([]any{m.logger.With(zap.String("peer", peer.Name))}, peer.Args...)

	operation := func() error {
		return peer.Connector().Connect(configJSON, args...)
	}
	notify := func(err error, delay time.Duration) {
		m.logger.Warn("Retrying connection",
			zap.String("name", peer.Name),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(m.newBackOff(), ctx), notify)
	if err != nil {
		m.logger.Error("Failed to initialize connector after retries",
			zap.String("name", peer.Name),
			zap.Error(err))
	}
	return err
}

// Close disconnects every peer
func (m *Manager) Close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for name, p := range m.peers {
		if err := p.Connector().Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// LoggerFromArgs returns the first *zap.Logger in args, or a no-op logger.
// Connectors use it to pick up the logger passed by the Manager.
func LoggerFromArgs(args []any) *zap.Logger {
	for _, arg := range args {
		if logger, ok := arg.(*zap.Logger); ok && logger != nil {
			return logger
		}
	}
	return zap.NewNop()
}
