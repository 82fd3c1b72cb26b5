package transform

import (
	"fmt"

	"github.com/edgeflare/cdcnorm/pkg/cdc"
)

// ExtractConfig holds the configuration for the extract transformation
type ExtractConfig struct {
	// Fields are kept in both tags and attrs; everything else is removed
	Fields []string `mapstructure:"fields" json:"fields"`
}

// Validate validates the ExtractConfig
func (c *ExtractConfig) Validate() error {
	if len(c.Fields) == 0 {
		return fmt.Errorf("at least one field is required")
	}
	return nil
}

// Type returns the type of the transformation
func (c *ExtractConfig) Type() string {
	return "extract"
}

// Extract creates a Func that keeps only the configured tag and attr keys
func Extract(config *ExtractConfig) Func {
	if err := config.Validate(); err != nil {
		return func(event *cdc.Event) (*cdc.Event, error) {
			return event, fmt.Errorf("invalid extract configuration: %w", err)
		}
	}
	fields := append([]string(nil), config.Fields...)

	return func(event *cdc.Event) (*cdc.Event, error) {
		if event == nil {
			return nil, fmt.Errorf("cannot transform nil event")
		}
		current := event.Clone()
		current.Tags = keep(event.Tags, fields)
		current.Attrs = keep(event.Attrs, fields)
		return current, nil
	}
}

func keep(m map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, field := range fields {
		if value, exists := m[field]; exists {
			out[field] = value
		}
	}
	return out
}
