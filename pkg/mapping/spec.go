package mapping

import "errors"

// Attr is an output attribute declared by a rule. It is either a DirectField
// or a ComputedField.
type Attr interface {
	Name() string
	isAttr()
}

// DirectField copies fullDocument[Field] into attrs
type DirectField struct {
	Field string
}

func (d DirectField) Name() string { return d.Field }
func (DirectField) isAttr() {}

// ComputedField stores the value of Expr, evaluated against the whole record,
// under Field
type ComputedField struct {
	Field string
	Expr  Calc
}

func (c ComputedField) Name() string { return c.Field }
func (ComputedField) isAttr() {}

// Override replaces the event type with Value when When holds and with Else
// otherwise. A nil branch keeps the caller's fallback.
type Override struct {
	When  Predicate
	Value *string
	Else  *string
}

// EventType evaluates the override against root
func (o *Override) EventType(root map[string]any, fallback string) string {
	if o == nil || o.When == nil {
		return fallback
	}

	matched, ok := o.When.Test(root)
	if !ok {
		return fallback
	}

	branch := o.Else
	if matched {
		branch = o.Value
	}
	if branch == nil {
		return fallback
	}
	return *branch
}

// Rule maps records of one namespace
type Rule struct {
	DB       string
	Coll     string
	Override *Override
	Tags     []string
	Attrs    []Attr
	// PII lists tag/attr keys whose values are replaced by a SHA-256 digest
	PII []string
}

// Matches reports whether the rule applies to the namespace. Comparison is
// exact and case-sensitive.
func (r Rule) Matches(db, coll string) bool {
	return r.DB == db && r.Coll == coll
}

// Defaults apply to every rule
type Defaults struct {
	HashPII bool
}

// Spec is an ordered, immutable list of rules. The zero value and nil are
// both usable and match nothing.
type Spec struct {
	rules    []Rule
	defaults Defaults
	problems []error
}

// Empty returns a spec without rules
func Empty() *Spec {
	return &Spec{defaults: Defaults{HashPII: true}}
}

// NewSpec builds a spec from already constructed rules
func NewSpec(defaults Defaults, rules ...Rule) *Spec {
	return &Spec{
		rules:    append([]Rule(nil), rules...),
		defaults: defaults,
	}
}

// Match returns the first rule declared for (db, coll), or the empty rule
// when there is none.
func (s *Spec) Match(db, coll string) Rule {
	if s == nil {
		return Rule{}
	}
	for _, r := range s.rules {
		if r.Matches(db, coll) {
			return r
		}
	}
	return Rule{}
}

// Rules returns a copy of the rules in declaration order
func (s *Spec) Rules() []Rule {
	if s == nil {
		return nil
	}
	return append([]Rule(nil), s.rules...)
}

// Len returns the number of rules
func (s *Spec) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Defaults returns the spec-wide defaults
func (s *Spec) Defaults() Defaults {
	if s == nil {
		return Defaults{HashPII: true}
	}
	return s.defaults
}

// Validate reports every problem found while loading the spec, such as
// unparsable expressions or malformed entries. Such entries are skipped or
// never yield a value at runtime; Validate lets callers fail fast instead.
func (s *Spec) Validate() error {
	if s == nil {
		return nil
	}
	return errors.Join(s.problems...)
}
