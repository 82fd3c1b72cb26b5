package mapping

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultBuiltin is the name of the mapping bundled into the binary
const DefaultBuiltin = "default.yml"

//go:embed mappings/*.yml
var builtinMappings embed.FS

// Loader reads mapping specs from disk with a fallback to bundled mappings.
type Loader struct {
	builtin fs.FS
	logger  *zap.Logger
}

// LoaderOption configures a Loader
type LoaderOption func(*Loader)

// WithBuiltinFS replaces the bundled mappings
func WithBuiltinFS(fsys fs.FS) LoaderOption {
	return func(l *Loader) {
		l.builtin = fsys
	}
}

// WithLogger sets the logger used to report fallbacks
func WithLogger(logger *zap.Logger) LoaderOption {
	return func(l *Loader) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLoader returns a Loader backed by the bundled mappings
func NewLoader(opts ...LoaderOption) *Loader {
	builtin, _ := fs.Sub(builtinMappings, "mappings")
	l := &Loader{
		builtin: builtin,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads the mapping at explicitPath, falling back to the bundled mapping
// builtinName. If neither can be read and parsed it returns an empty Spec;
// it never fails.
func (l *Loader) Load(explicitPath, builtinName string) *Spec {
	if explicitPath != "" {
		spec, err := l.loadFile(explicitPath)
		if err == nil {
			l.report(spec, zap.String("path", explicitPath))
			return spec
		}
		l.logger.Warn("Failed to load mapping file, trying builtin",
			zap.String("path", explicitPath),
			zap.Error(err))
	}

	if builtinName != "" {
		spec, err := l.loadBuiltin(builtinName)
		if err == nil {
			l.report(spec, zap.String("builtin", builtinName))
			return spec
		}
		l.logger.Warn("Failed to load builtin mapping",
			zap.String("builtin", builtinName),
			zap.Error(err))
	}

	l.logger.Warn("No mapping loaded, records will pass through with default values")
	return Empty()
}

func (l *Loader) loadFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func (l *Loader) loadBuiltin(name string) (*Spec, error) {
	if l.builtin == nil {
		return nil, fs.ErrNotExist
	}
	data, err := fs.ReadFile(l.builtin, name)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func (l *Loader) report(spec *Spec, origin zap.Field) {
	l.logger.Info("Loaded mapping", origin, zap.Int("rules", spec.Len()))
	if err := spec.Validate(); err != nil {
		l.logger.Warn("Mapping has entries that will be ignored", origin, zap.Error(err))
	}
}

// LoadFile reads and parses the mapping at path without any fallback
func LoadFile(path string) (*Spec, error) {
	return NewLoader().loadFile(path)
}

// Load is shorthand for NewLoader().Load
func Load(explicitPath, builtinName string) *Spec {
	return NewLoader().Load(explicitPath, builtinName)
}

type document struct {
	Defaults struct {
		HashPII *bool `yaml:"hash_pii"`
	} `yaml:"defaults"`
	Mappings []ruleDocument `yaml:"mappings"`
}

type ruleDocument struct {
	Match    map[string]any    `yaml:"match"`
	Override *overrideDocument `yaml:"event_type_override"`
	Tags     []yaml.Node       `yaml:"tags"`
	Attrs    []yaml.Node       `yaml:"attrs"`
	PII      []yaml.Node       `yaml:"pii"`
}

type overrideDocument struct {
	When  string  `yaml:"when"`
	Value *string `yaml:"value"`
	Else  *string `yaml:"else"`
}

// Parse decodes a YAML (or JSON) mapping document. Only a document that is
// not valid YAML is an error; malformed entries are skipped and reported by
// Spec.Validate.
func Parse(data []byte) (*Spec, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse mapping: %w", err)
	}

	spec := Empty()
	if doc.Defaults.HashPII != nil {
		spec.defaults.HashPII = *doc.Defaults.HashPII
	}

	for i, rd := range doc.Mappings {
		rule, problems := rd.build()
		for _, p := range problems {
			spec.problems = append(spec.problems, fmt.Errorf("mappings[%d]: %w", i, p))
		}
		spec.rules = append(spec.rules, rule)
	}
	return spec, nil
}

func (rd ruleDocument) build() (Rule, []error) {
	var (
		rule     Rule
		problems []error
	)

	for _, field := range []string{"db", "coll"} {
		value, ok := matchValue(rd.Match, field)
		if !ok {
			problems = append(problems, fmt.Errorf("match.ns.%s is missing", field))
		}
		if field == "db" {
			rule.DB = value
		} else {
			rule.Coll = value
		}
	}

	if rd.Override != nil {
		when, err := ParsePredicate(rd.Override.When)
		if err != nil {
			problems = append(problems, fmt.Errorf("event_type_override.when: %w", err))
		}
		rule.Override = &Override{When: when, Value: rd.Override.Value, Else: rd.Override.Else}
	}

	rule.Tags, problems = scalarList("tags", rd.Tags, problems)
	rule.PII, problems = scalarList("pii", rd.PII, problems)

	for i, node := range rd.Attrs {
		attr, err := buildAttr(&node)
		if err != nil {
			problems = append(problems, fmt.Errorf("attrs[%d]: %w", i, err))
		}
		if attr != nil {
			rule.Attrs = append(rule.Attrs, attr)
		}
	}

	return rule, problems
}

// matchValue reads match.ns.<field> written either as a dotted key
// ("ns.db": shop) or nested (ns: {db: shop})
func matchValue(match map[string]any, field string) (string, bool) {
	if v, ok := match["ns."+field]; ok {
		return Text(v), true
	}
	if ns, ok := match["ns"].(map[string]any); ok {
		if v, ok := ns[field]; ok {
			return Text(v), true
		}
	}
	return "", false
}

func scalarList(key string, nodes []yaml.Node, problems []error) ([]string, []error) {
	var out []string
	for i, node := range nodes {
		if node.Kind != yaml.ScalarNode {
			problems = append(problems, fmt.Errorf("%s[%d]: expected a field name", key, i))
			continue
		}
		out = append(out, node.Value)
	}
	return out, problems
}

// buildAttr resolves an attrs entry: a bare name is a DirectField and a
// single-key mapping is a ComputedField. A ComputedField with a bad
// expression is still returned (holding an Invalid) alongside the error.
func buildAttr(node *yaml.Node) (Attr, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Value == "" {
			return nil, errors.New("empty field name")
		}
		return DirectField{Field: node.Value}, nil

	case yaml.MappingNode:
		if len(node.Content) < 2 {
			return nil, errors.New("empty mapping")
		}
		name, exprNode := node.Content[0].Value, node.Content[1]
		if exprNode.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("%s: expression must be a string", name)
		}

		calc, err := ParseCalc(exprNode.Value)
		attr := ComputedField{Field: name, Expr: calc}
		if err != nil {
			return attr, fmt.Errorf("%s: %w", name, err)
		}
		if len(node.Content) > 2 {
			return attr, fmt.Errorf("%s: only one computed field per entry is used", name)
		}
		return attr, nil

	default:
		return nil, errors.New("expected a field name or a single-key mapping")
	}
}
