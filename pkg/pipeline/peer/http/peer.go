package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/edgeflare/cdcnorm/pkg/httputil"
	"github.com/edgeflare/cdcnorm/pkg/pipeline"
	"go.uber.org/zap"
)

// AuthType represents supported authentication methods
type AuthType string

const (
	AuthTypeNone       AuthType = "none"
	AuthTypeAPIKey     AuthType = "apikey"
	AuthTypeBearer     AuthType = "bearer"
	AuthTypeBasic      AuthType = "basic"
	AuthTypeCloudflare AuthType = "cloudflare"
)

// AuthConfig holds authentication configuration
type AuthConfig struct {
	Type AuthType `json:"type"`
	// API Key settings
	APIKey     string `json:"apiKey,omitempty"`
	APIKeyName string `json:"apiKeyName,omitempty"` // Header name for API key
	// Basic auth settings
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	// Bearer settings
	Token     string `json:"token,omitempty"`
	TokenFile string `json:"tokenFile,omitempty"` // Path to token file
	// Cloudflare settings
	CloudflareToken string `json:"cloudflareToken,omitempty"`
	CloudflareKey   string `json:"cloudflareKey,omitempty"`
	CloudflareEmail string `json:"cloudflareEmail,omitempty"`
}

// RetryConfig holds retry settings for failed webhook attempts
type RetryConfig struct {
	MaxRetries  *uint64 `json:"maxRetries,omitempty"`
	InitialWait string  `json:"initialWait,omitempty"`
	MaxWait     string  `json:"maxWait,omitempty"`
}

// EndpointConfig represents configuration for a single endpoint
type EndpointConfig struct {
	Headers map[string]string `json:"headers,omitempty"`
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
}

// Config is the webhook peer configuration
type Config struct {
	Auth      AuthConfig       `json:"auth"`
	Timeout   string           `json:"timeout"`
	Endpoints []EndpointConfig `json:"endpoints"`
	Retry     RetryConfig      `json:"retry"`
}

// PeerHTTP delivers events as webhooks. Every endpoint receives every event.
type PeerHTTP struct {
	client      *http.Client
	logger      *zap.Logger
	auth        AuthConfig
	endpoints   []EndpointConfig
	maxRetries  uint64
	initialWait time.Duration
	maxWait     time.Duration
}

// Connect initializes the HTTP client with the provided configuration
func (p *PeerHTTP) Connect(config json.RawMessage, args ...any) error {
	var cfg Config
	if len(config) > 0 {
		if err := json.Unmarshal(config, &cfg); err != nil {
			return fmt.Errorf("failed to unmarshal HTTP config: %w", err)
		}
	}
	p.logger = pipeline.LoggerFromArgs(args)

	if len(cfg.Endpoints) == 0 {
		return fmt.Errorf("no endpoints configured")
	}

	setDefaultConfig(&cfg)

	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		return fmt.Errorf("invalid timeout duration: %w", err)
	}
	if p.initialWait, err = time.ParseDuration(cfg.Retry.InitialWait); err != nil {
		return fmt.Errorf("invalid retry initialWait: %w", err)
	}
	if p.maxWait, err = time.ParseDuration(cfg.Retry.MaxWait); err != nil {
		return fmt.Errorf("invalid retry maxWait: %w", err)
	}

	p.client = &http.Client{Timeout: timeout}
	p.endpoints = cfg.Endpoints
	p.auth = cfg.Auth
	p.maxRetries = *cfg.Retry.MaxRetries

	if err := p.validateConfig(); err != nil {
		return err
	}

	p.logger.Info("HTTP peer initialized",
		zap.Int("num_endpoints", len(cfg.Endpoints)),
		zap.String("auth_type", string(cfg.Auth.Type)),
		zap.Duration("timeout", timeout))

	return nil
}

func setDefaultConfig(cfg *Config) {
	if cfg.Timeout == "" {
		cfg.Timeout = "30s"
	}
	if cfg.Retry.MaxRetries == nil {
		n := uint64(3)
		cfg.Retry.MaxRetries = &n
	}
	if cfg.Retry.InitialWait == "" {
		cfg.Retry.InitialWait = "1s"
	}
	if cfg.Retry.MaxWait == "" {
		cfg.Retry.MaxWait = "30s"
	}

	for i := range cfg.Endpoints {
		if cfg.Endpoints[i].Method == "" {
			cfg.Endpoints[i].Method = http.MethodPost
		}
	}

	if cfg.Auth.Type == "" {
		cfg.Auth.Type = AuthTypeNone
	}
}

func (p *PeerHTTP) validateConfig() error {
	for _, e := range p.endpoints {
		if e.URL == "" {
			return fmt.Errorf("endpoint without url")
		}
	}

	switch p.auth.Type {
	case AuthTypeNone:
	case AuthTypeAPIKey:
		if p.auth.APIKey == "" {
			return fmt.Errorf("API key authentication requires an API key")
		}
		if p.auth.APIKeyName == "" {
			p.auth.APIKeyName = "X-API-Key" // default header name
		}
	case AuthTypeBasic:
		if p.auth.Username == "" || p.auth.Password == "" {
			return fmt.Errorf("basic authentication requires both username and password")
		}
	case AuthTypeBearer:
		if p.auth.Token == "" && p.auth.TokenFile == "" {
			return fmt.Errorf("bearer authentication requires either token or token file")
		}
		if p.auth.Token == "" {
			token, err := os.ReadFile(p.auth.TokenFile)
			if err != nil {
				return fmt.Errorf("failed to read token file: %w", err)
			}
			p.auth.Token = strings.TrimSpace(string(token))
		}
	case AuthTypeCloudflare:
		if p.auth.CloudflareToken == "" && (p.auth.CloudflareKey == "" || p.auth.CloudflareEmail == "") {
			return fmt.Errorf("cloudflare authentication requires either API token or API key with email")
		}
	default:
		return fmt.Errorf("unsupported auth type %q", p.auth.Type)
	}
	return nil
}

// Pub sends the encoded event to every configured endpoint. Record headers
// (Idempotency-Key, Event-Type, Drop-Reason) are forwarded as HTTP headers.
func (p *PeerHTTP) Pub(ctx context.Context, record pipeline.Record) error {
	var errs []error
	for _, endpoint := range p.endpoints {
		config := httputil.DefaultRequestConfig(endpoint.Method, endpoint.URL)
		config.Client = p.client
		config.Headers = p.buildHeaders(endpoint, record)
		config.Logger = p.logger
		config.MaxRetries = p.maxRetries
		config.InitialBackoff = p.initialWait
		config.MaxBackoff = p.maxWait

		resp, err := httputil.Request(ctx, config, record.Value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", endpoint.URL, err))
			continue
		}

		p.logger.Debug("Webhook delivered",
			zap.String("endpoint", endpoint.URL),
			zap.Int("status", resp.StatusCode),
			zap.Int("attempts", resp.Attempts))
	}

	return errors.Join(errs...)
}

func (p *PeerHTTP) buildHeaders(endpoint EndpointConfig, record pipeline.Record) http.Header {
	headers := make(http.Header)

	for key, value := range record.Headers {
		headers.Set(key, value)
	}
	for key, value := range endpoint.Headers {
		headers.Set(key, value)
	}

	switch p.auth.Type {
	case AuthTypeAPIKey:
		headers.Set(p.auth.APIKeyName, p.auth.APIKey)
	case AuthTypeBasic:
		headers.Set("Authorization", "Basic "+basicAuth(p.auth.Username, p.auth.Password))
	case AuthTypeBearer:
		headers.Set("Authorization", "Bearer "+p.auth.Token)
	case AuthTypeCloudflare:
		if p.auth.CloudflareToken != "" {
			headers.Set("Authorization", "Bearer "+p.auth.CloudflareToken)
		} else {
			headers.Set("X-Auth-Key", p.auth.CloudflareKey)
			headers.Set("X-Auth-Email", p.auth.CloudflareEmail)
		}
	}

	return headers
}

func basicAuth(username, password string) string {
	auth := username + ":" + password
	return base64.StdEncoding.EncodeToString([]byte(auth))
}

func (p *PeerHTTP) Type() pipeline.ConnectorType {
	return pipeline.ConnectorTypePub
}

func (p *PeerHTTP) Sub(context.Context) (<-chan pipeline.Record, error) {
	return nil, pipeline.ErrConnectorTypeMismatch
}

func (p *PeerHTTP) Disconnect() error {
	if p.client != nil {
		p.client.CloseIdleConnections()
	}
	return nil
}

func init() {
	pipeline.RegisterConnector(pipeline.ConnectorHTTP, func() pipeline.Connector { return &PeerHTTP{} })
}
