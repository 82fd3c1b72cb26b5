package pipeline

import (
	"errors"
	"fmt"

	"github.com/edgeflare/cdcnorm/pkg/pipeline/transform"
)

// DefaultSinkBuffer is the capacity of each sink's channel
const DefaultSinkBuffer = 100

// Source is a pipeline input with its transformations.
type Source struct {
	// Name must match one of configured peers
	Name string `mapstructure:"name"`
	// Source transformations are applied (in the order specified) to the normalized event before any pipeline transformations.
	Transformations []transform.Transformation `mapstructure:"transformations"`
}

// Sink is a pipeline output with its transformations.
type Sink struct {
	// Name must match one of configured peers
	Name string `mapstructure:"name"`
	// Sink-specific transformations are applied after source transformations, pipeline transformations and before sending to speceific sink
	Transformations []transform.Transformation `mapstructure:"transformations"`
}

// Pipeline configures a complete data processing pipeline.
type Pipeline struct {
	Name string `mapstructure:"name"`
	// Workers is the number of goroutines normalizing records, default 1
	Workers int      `mapstructure:"workers"`
	Sources []Source `mapstructure:"sources"`
	// Pipeline transformations are applied after source transformations and before sink transformations.
	// These are applied to all events flowing through a pipeline from its all sources to all sinks
	Transformations []transform.Transformation `mapstructure:"transformations"`
	Sinks           []Sink                     `mapstructure:"sinks"`
	// DeadLetter names a peer receiving raw records that could not be normalized
	DeadLetter string `mapstructure:"deadLetter"`
}

type Config struct {
	Peers     []Peer     `mapstructure:"peers"`
	Pipelines []Pipeline `mapstructure:"pipelines"`
}

func (c *Config) GetPeer(peerName string) *Peer {
	for i := range c.Peers {
		if c.Peers[i].Name == peerName {
			return &c.Peers[i]
		}
	}
	return nil
}

func (c *Config) GetPipeline(pipelineName string) *Pipeline {
	for i := range c.Pipelines {
		if c.Pipelines[i].Name == pipelineName {
			return &c.Pipelines[i]
		}
	}
	return nil
}

// Validate checks that names are unique and every pipeline references
// configured peers. Connector capabilities are checked when peers connect.
func (c *Config) Validate() error {
	var errs []error

	seen := make(map[string]bool, len(c.Peers))
	for _, p := range c.Peers {
		if p.Name == "" {
			errs = append(errs, errors.New("peer without name"))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("duplicate peer %s", p.Name))
		}
		seen[p.Name] = true
	}

	names := make(map[string]bool, len(c.Pipelines))
	for _, pl := range c.Pipelines {
		if names[pl.Name] {
			errs = append(errs, fmt.Errorf("duplicate pipeline %s", pl.Name))
		}
		names[pl.Name] = true

		if len(pl.Sources) == 0 {
			errs = append(errs, fmt.Errorf("pipeline %s: no sources", pl.Name))
		}
		if pl.Workers < 0 {
			errs = append(errs, fmt.Errorf("pipeline %s: workers must not be negative", pl.Name))
		}

		refs := make([]string, 0, len(pl.Sources)+len(pl.Sinks)+1)
		for _, s := range pl.Sources {
			refs = append(refs, s.Name)
		}
		for _, s := range pl.Sinks {
			refs = append(refs, s.Name)
		}
		if pl.DeadLetter != "" {
			refs = append(refs, pl.DeadLetter)
		}
		for _, ref := range refs {
			if !seen[ref] {
				errs = append(errs, fmt.Errorf("pipeline %s: %w: %s", pl.Name, ErrPeerNotFound, ref))
			}
		}
	}

	return errors.Join(errs...)
}
