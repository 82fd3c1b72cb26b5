package transform

import (
	"errors"
	"fmt"
	"sync"

	"github.com/edgeflare/cdcnorm/pkg/cdc"
	"github.com/mitchellh/mapstructure"
)

// Func is the signature for all transformation functions. Returning a nil
// event without error drops the event. A Func must not modify its input in
// place: events are shared between sinks, so changes are made on a Clone.
type Func func(*cdc.Event) (*cdc.Event, error)

// Transformation is one configured step of a chain (like Kafka SMT)
type Transformation struct {
	Config map[string]any `mapstructure:"config"`
	Type   string         `mapstructure:"type"`
}

// Config is implemented by every transformation's configuration
type Config interface {
	Validate() error
	Type() string
}

// Factory builds a Func from the raw config of a Transformation
type Factory func(raw map[string]any) (Func, error)

var ErrUnknownTransformation = errors.New("unknown transformation")

// Registry maps transformation types to factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for name
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Get(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if f, ok := r.factories[name]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTransformation, name)
}

// Chain builds every step up front and composes them. An empty list yields
// the identity.
func (r *Registry) Chain(configs []Transformation) (Func, error) {
	steps := make([]Func, 0, len(configs))
	for i, cfg := range configs {
		factory, err := r.Get(cfg.Type)
		if err != nil {
			return nil, fmt.Errorf("transformations[%d]: %w", i, err)
		}
		step, err := factory(cfg.Config)
		if err != nil {
			return nil, fmt.Errorf("transformations[%d] (%s): %w", i, cfg.Type, err)
		}
		steps = append(steps, step)
	}

	return func(event *cdc.Event) (*cdc.Event, error) {
		var err error
		for _, step := range steps {
			if event, err = step(event); err != nil {
				return nil, err
			}
			if event == nil {
				return nil, nil
			}
		}
		return event, nil
	}, nil
}

// Typed adapts a constructor taking a concrete config into a Factory. The
// raw map is decoded with mapstructure and validated before build runs.
func Typed[T any, PT interface {
	*T
	Config
}](build func(PT) Func) Factory {
	return func(raw map[string]any) (Func, error) {
		cfg := PT(new(T))
		if err := mapstructure.Decode(raw, cfg); err != nil {
			return nil, fmt.Errorf("decoding %s config: %w", cfg.Type(), err)
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid %s config: %w", cfg.Type(), err)
		}
		return build(cfg), nil
	}
}

var builtins = sync.OnceValue(func() *Registry {
	r := NewRegistry()
	r.Register("extract", Typed[ExtractConfig](Extract))
	r.Register("filter", Typed[FilterConfig](Filter))
	r.Register("replace", Typed[ReplaceConfig](Replace))
	return r
})

// Build chains configs using the built-in transformations
func Build(configs []Transformation) (Func, error) {
	return builtins().Chain(configs)
}
