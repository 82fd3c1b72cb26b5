package mqtt

import (
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edgeflare/cdcnorm/pkg/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Client wraps a paho client with blocking, logged operations
type Client struct {
	opts   *mqtt.ClientOptions
	client mqtt.Client
	logger *zap.Logger
}

// NewClient creates a new MQTT client with the given options and logger.
func NewClient(opts *mqtt.ClientOptions, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		opts:   opts,
		logger: logger,
	}
}

// Connect establishes a connection to the MQTT broker.
func (c *Client) Connect() error {
	c.client = mqtt.NewClient(c.opts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("broker connection error: %w", token.Error())
	}

	return nil
}

// Publish sends a message to the specified MQTT topic.
func (c *Client) Publish(topic string, qos byte, retained bool, payload any) error {
	token := c.client.Publish(topic, qos, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		c.logger.Error("Publish error", zap.Error(err))
		return err
	}
	c.logger.Debug("Message published", zap.String("topic", topic))
	return nil
}

// Disconnect closes the connection to the MQTT broker.
func (c *Client) Disconnect() {
	if c.client == nil {
		return
	}
	c.client.Disconnect(250)
	c.logger.Info("Disconnected from MQTT broker")
}

// Subscribe registers a callback for messages on the specified MQTT topic.
func (c *Client) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) error {
	token := c.client.Subscribe(topic, qos, callback)
	token.Wait()
	if err := token.Error(); err != nil {
		c.logger.Error("Subscribe error", zap.Error(err), zap.String("topic", topic))
		return fmt.Errorf("subscribe error: %w", err)
	}
	c.logger.Debug("Subscribed to topic", zap.String("topic", topic))
	return nil
}

// Unsubscribe removes the subscription for topic
func (c *Client) Unsubscribe(topic string) error {
	if c.client == nil || !c.client.IsConnected() {
		return nil
	}
	token := c.client.Unsubscribe(topic)
	token.Wait()
	return token.Error()
}

func convertToPahoOptions(servers []string, opts *ClientOptions) (*mqtt.ClientOptions, error) {
	pahoOpts := mqtt.NewClientOptions()

	for _, server := range servers {
		pahoOpts.AddBroker(server)
	}

	if opts.ClientID != "" {
		pahoOpts.SetClientID(opts.ClientID)
	}
	if opts.Username != "" {
		pahoOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		pahoOpts.SetPassword(opts.Password)
	}
	if opts.TLS != nil {
		tlsConfig, err := createTLSConfig(opts.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		pahoOpts.SetTLSConfig(tlsConfig)
	}
	if opts.KeepAlive > 0 {
		pahoOpts.SetKeepAlive(seconds(opts.KeepAlive))
	}
	if opts.ConnectTimeout > 0 {
		pahoOpts.SetConnectTimeout(seconds(opts.ConnectTimeout))
	}
	if opts.MaxReconnectInterval > 0 {
		pahoOpts.SetMaxReconnectInterval(seconds(opts.MaxReconnectInterval))
	}
	if opts.WriteTimeout > 0 {
		pahoOpts.SetWriteTimeout(seconds(opts.WriteTimeout))
	}
	if opts.CleanSession != nil {
		pahoOpts.SetCleanSession(*opts.CleanSession)
	}

	pahoOpts.SetOrderMatters(opts.OrderMatters)
	pahoOpts.SetAutoReconnect(true)
	pahoOpts.SetResumeSubs(true)

	return pahoOpts, nil
}

func setDefaultOptions(opts *mqtt.ClientOptions) {
	if len(opts.Servers) == 0 {
		opts.AddBroker(util.GetEnvOrDefault("CDCNORM_MQTT_BROKER", "tcp://127.0.0.1:1883"))
	}

	if opts.Username == "" {
		opts.SetUsername(util.GetEnvOrDefault("CDCNORM_MQTT_USERNAME", ""))
	}
	if opts.Password == "" {
		opts.SetPassword(util.GetEnvOrDefault("CDCNORM_MQTT_PASSWORD", ""))
	}
	if opts.ClientID == "" {
		opts.SetClientID("cdcnorm-" + uuid.NewString()[:8])
	}
}
