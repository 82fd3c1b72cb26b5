package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

const (
	defaultBroker      = "localhost:9092"
	defaultVersion     = "2.1.1"
	defaultGroupID     = "cdcnorm"
	defaultTopicPrefix = "cdcnorm"
	defaultRetentionMS = 7 * 24 * 60 * 60 * 1000 // 7 days
)

// Config represents Kafka-specific configuration. A peer with Topics is a
// source; a peer with Topic or TopicPrefix is a sink. Both may be set.
type Config struct {
	Brokers []string `json:"brokers"`
	// Topic receives every published event. When empty, events go to
	// TopicPrefix.<db>.<coll>.<event_type>.
	Topic       string `json:"topic,omitempty"`
	TopicPrefix string `json:"topicPrefix,omitempty"`
	// Topics are consumed by the source side with consumer group GroupID
	Topics  []string `json:"topics,omitempty"`
	GroupID string   `json:"groupID,omitempty"`
	// InitialOffset is "oldest" (default) or "newest"
	InitialOffset string `json:"initialOffset,omitempty"`
	ClientID      string `json:"clientID,omitempty"`
	Version       string `json:"version,omitempty"`
	SASL          *SASL  `json:"sasl,omitempty"`
	TLS           *TLS   `json:"tls,omitempty"`
	// CreateTopic creates Topic on connect if it does not exist
	CreateTopic bool  `json:"createTopic,omitempty"`
	Partitions  int32 `json:"partitions,omitempty"`
	Replicas    int16 `json:"replicas,omitempty"`
	RetentionMS int64 `json:"retentionMs,omitempty"`
}

// SASL represents SASL authentication configuration
type SASL struct {
	Username string `json:"username"`
	Password string `json:"password"`
	// Algorithm is "sha256", "sha512" or "plain"
	Algorithm string `json:"algorithm"`
	Enable    bool   `json:"enable"`
}

// TLS represents TLS configuration
type TLS struct {
	CertFile   string `json:"certFile,omitempty"`
	KeyFile    string `json:"keyFile,omitempty"`
	CAFile     string `json:"caFile,omitempty"`
	Enable     bool   `json:"enable"`
	SkipVerify bool   `json:"skipVerify,omitempty"`
}

// IsSource reports whether the peer consumes topics
func (c *Config) IsSource() bool {
	return len(c.Topics) > 0
}

// IsSink reports whether the peer publishes events
func (c *Config) IsSink() bool {
	return c.Topic != "" || c.TopicPrefix != "" || !c.IsSource()
}

// SetDefaults fills unset fields
func (c *Config) SetDefaults() {
	if len(c.Brokers) == 0 {
		c.Brokers = []string{defaultBroker}
	}
	if c.Version == "" {
		c.Version = defaultVersion
	}
	if c.IsSource() && c.GroupID == "" {
		c.GroupID = defaultGroupID
	}
	if c.Topic == "" && c.TopicPrefix == "" && !c.IsSource() {
		c.TopicPrefix = defaultTopicPrefix
	}
	if c.InitialOffset == "" {
		c.InitialOffset = "oldest"
	}
	if c.ClientID == "" {
		c.ClientID = "cdcnorm-" + uuid.NewString()[:8]
	}
	if c.Partitions == 0 {
		c.Partitions = 1
	}
	if c.Replicas == 0 {
		c.Replicas = 1
	}
	if c.RetentionMS == 0 {
		c.RetentionMS = defaultRetentionMS
	}
}

// ToSaramaConfig converts the Config to a sarama.Config
func (c *Config) ToSaramaConfig() (*sarama.Config, error) {
	conf := sarama.NewConfig()

	version, err := sarama.ParseKafkaVersion(c.Version)
	if err != nil {
		return nil, fmt.Errorf("error parsing Kafka version: %w", err)
	}
	conf.Version = version
	conf.ClientID = c.ClientID

	if c.SASL != nil && c.SASL.Enable {
		conf.Net.SASL.Enable = true
		conf.Net.SASL.User = c.SASL.Username
		conf.Net.SASL.Password = c.SASL.Password
		conf.Net.SASL.Handshake = true

		switch c.SASL.Algorithm {
		case "sha512":
			conf.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &XDGSCRAMClient{HashGeneratorFcn: SHA512} }
			conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		case "sha256":
			conf.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient { return &XDGSCRAMClient{HashGeneratorFcn: SHA256} }
			conf.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		case "plain", "":
			conf.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		default:
			return nil, fmt.Errorf("invalid SASL algorithm: %s", c.SASL.Algorithm)
		}
	}

	if c.TLS != nil && c.TLS.Enable {
		tlsConfig, err := createTLSConfiguration(*c.TLS)
		if err != nil {
			return nil, err
		}
		conf.Net.TLS.Enable = true
		conf.Net.TLS.Config = tlsConfig
	}

	conf.Producer.RequiredAcks = sarama.WaitForAll
	conf.Producer.Retry.Max = 5
	conf.Producer.Retry.Backoff = time.Second
	conf.Producer.Return.Successes = true
	conf.Producer.Return.Errors = true
	conf.Producer.Partitioner = sarama.NewHashPartitioner

	switch c.InitialOffset {
	case "newest":
		conf.Consumer.Offsets.Initial = sarama.OffsetNewest
	case "oldest", "":
		conf.Consumer.Offsets.Initial = sarama.OffsetOldest
	default:
		return nil, fmt.Errorf("invalid initial offset: %s", c.InitialOffset)
	}
	conf.Consumer.Return.Errors = true

	if err := conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sarama config: %w", err)
	}
	return conf, nil
}

func createTLSConfiguration(tlsCfg TLS) (*tls.Config, error) {
	t := &tls.Config{
		InsecureSkipVerify: tlsCfg.SkipVerify,
	}

	if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tlsCfg.CertFile, tlsCfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		t.Certificates = []tls.Certificate{cert}
	}

	if tlsCfg.CAFile != "" {
		caCert, err := os.ReadFile(tlsCfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("no certificates found in CA file")
		}
		t.RootCAs = caCertPool
	}

	return t, nil
}

// GetBrokers returns the list of Kafka brokers
func (c *Config) GetBrokers() []string {
	return c.Brokers
}
