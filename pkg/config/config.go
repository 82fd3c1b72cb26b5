package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/edgeflare/cdcnorm/pkg/pipeline"
	"github.com/edgeflare/cdcnorm/pkg/util"
	"github.com/spf13/viper"
)

// Version is set at build time with -ldflags "-X github.com/edgeflare/cdcnorm/pkg/config.Version=..."
var Version = "dev"

// EnvPrefix prefixes every environment override, eg. CDCNORM_MAPPING_PATH
const EnvPrefix = "CDCNORM"

// Config holds application-wide configuration
type Config struct {
	LogLevel string          `mapstructure:"logLevel"`
	Mapping  MappingConfig   `mapstructure:"mapping"`
	Metrics  MetricsConfig   `mapstructure:"metrics"`
	Pipeline pipeline.Config `mapstructure:"pipeline"`
}

type MappingConfig struct {
	// Path to the mapping YAML; MAPPING_PATH is used when empty
	Path string `mapstructure:"path"`
	// Builtin names the bundled mapping used when Path cannot be loaded
	Builtin string `mapstructure:"builtin"`
	// Strict refuses to start when the mapping cannot be loaded or has
	// entries that would be ignored
	Strict bool `mapstructure:"strict"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// New returns a viper instance with defaults and environment overrides set up.
// Callers may bind flags on it before passing it to Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("logLevel", "info")
	v.SetDefault("mapping.path", "")
	v.SetDefault("mapping.builtin", "default.yml")
	v.SetDefault("mapping.strict", false)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9100")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads config from cfgFile, or from cdcnorm.yaml in $HOME/.config or the
// working directory when cfgFile is empty. A missing default file is not an
// error; environment variables and defaults still apply.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	if v == nil {
		v = New()
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("cdcnorm")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if cfg.Mapping.Path == "" {
		cfg.Mapping.Path = util.GetEnvOrDefault("MAPPING_PATH", "")
	}

	return &cfg, nil
}
