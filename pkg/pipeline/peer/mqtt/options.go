package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"
)

// TLSOptions holds TLS configuration that can be marshaled from JSON/YAML
type TLSOptions struct {
	InsecureSkipVerify bool   `json:"insecureSkipVerify" yaml:"insecureSkipVerify"`
	ServerName         string `json:"serverName,omitempty" yaml:"serverName,omitempty"`
	CAFile             string `json:"caFile,omitempty" yaml:"caFile,omitempty"`
	CertFile           string `json:"certFile,omitempty" yaml:"certFile,omitempty"`
	KeyFile            string `json:"keyFile,omitempty" yaml:"keyFile,omitempty"`
	CACert             string `json:"caCert,omitempty" yaml:"caCert,omitempty"`
	ClientCert         string `json:"clientCert,omitempty" yaml:"clientCert,omitempty"`
	ClientKey          string `json:"clientKey,omitempty" yaml:"clientKey,omitempty"`
}

// ClientOptions is the JSON-configurable subset of paho's ClientOptions.
// Durations are given in seconds.
type ClientOptions struct {
	TLS                  *TLSOptions `json:"tls,omitempty"`
	ClientID             string      `json:"clientID,omitempty"`
	Username             string      `json:"username,omitempty"`
	Password             string      `json:"password,omitempty"`
	KeepAlive            int64       `json:"keepAlive,omitempty"`
	ConnectTimeout       int64       `json:"connectTimeout,omitempty"`
	MaxReconnectInterval int64       `json:"maxReconnectInterval,omitempty"`
	WriteTimeout         int64       `json:"writeTimeout,omitempty"`
	CleanSession         *bool       `json:"cleanSession,omitempty"`
	OrderMatters         bool        `json:"orderMatters,omitempty"`
}

func seconds(n int64) time.Duration {
	return time.Duration(n) * time.Second
}

func createTLSConfig(tlsOpts *TLSOptions) (*tls.Config, error) {
	if tlsOpts == nil {
		return nil, nil
	}

	config := &tls.Config{
		InsecureSkipVerify: tlsOpts.InsecureSkipVerify,
		ServerName:         tlsOpts.ServerName,
	}

	// Load CA certificate
	if tlsOpts.CAFile != "" || tlsOpts.CACert != "" {
		caCertPool := x509.NewCertPool()

		var caCert []byte
		var err error

		if tlsOpts.CAFile != "" {
			caCert, err = os.ReadFile(tlsOpts.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read CA file: %w", err)
			}
		} else {
			caCert = []byte(tlsOpts.CACert)
		}

		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}

		config.RootCAs = caCertPool
	}

	// Load client certificate and key
	if (tlsOpts.CertFile != "" && tlsOpts.KeyFile != "") ||
		(tlsOpts.ClientCert != "" && tlsOpts.ClientKey != "") {

		var cert tls.Certificate
		var err error

		if tlsOpts.CertFile != "" && tlsOpts.KeyFile != "" {
			cert, err = tls.LoadX509KeyPair(tlsOpts.CertFile, tlsOpts.KeyFile)
		} else {
			cert, err = tls.X509KeyPair([]byte(tlsOpts.ClientCert), []byte(tlsOpts.ClientKey))
		}

		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}

		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}
