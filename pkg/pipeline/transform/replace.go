package transform

import (
	"fmt"
	"regexp"

	"github.com/edgeflare/cdcnorm/pkg/cdc"
)

// ReplaceConfig holds the configuration for the replace transformation
type ReplaceConfig struct {
	// Database replacements
	Databases map[string]string `mapstructure:"databases" json:"databases,omitempty"`

	// Collection replacements
	Collections map[string]string `mapstructure:"collections" json:"collections,omitempty"`

	// Tag and attr key replacements
	Fields map[string]string `mapstructure:"fields" json:"fields,omitempty"`

	// Event type replacements
	EventTypes map[string]string `mapstructure:"eventTypes" json:"eventTypes,omitempty"`

	// Regex replacements
	Regex []RegexReplacement `mapstructure:"regex" json:"regex,omitempty"`
}

// RegexReplacement defines a regex-based replacement rule
type RegexReplacement struct {
	Type    string `mapstructure:"type" json:"type"`       // "database", "collection", "field" or "event_type"
	Pattern string `mapstructure:"pattern" json:"pattern"` // Regex pattern to match
	Replace string `mapstructure:"replace" json:"replace"` // Replacement string (can use regex groups)
}

// Validate validates the ReplaceConfig
func (c *ReplaceConfig) Validate() error {
	if len(c.Databases) == 0 &&
		len(c.Collections) == 0 &&
		len(c.Fields) == 0 &&
		len(c.EventTypes) == 0 &&
		len(c.Regex) == 0 {
		return fmt.Errorf("at least one replacement configuration is required")
	}

	for _, regex := range c.Regex {
		if !isValidReplacementType(regex.Type) {
			return fmt.Errorf("invalid replacement type: %s", regex.Type)
		}
		if _, err := regexp.Compile(regex.Pattern); err != nil {
			return fmt.Errorf("invalid regex pattern %s: %w", regex.Pattern, err)
		}
	}

	return nil
}

func isValidReplacementType(t string) bool {
	switch t {
	case "database", "collection", "field", "event_type":
		return true
	}
	return false
}

// Type returns the type of the transformation
func (c *ReplaceConfig) Type() string {
	return "replace"
}

type compiledRegex struct {
	kind    string
	re      *regexp.Regexp
	replace string
}

// Replace creates a Func that performs the configured replacements
func Replace(config *ReplaceConfig) Func {
	if err := config.Validate(); err != nil {
		return func(event *cdc.Event) (*cdc.Event, error) {
			return event, fmt.Errorf("invalid replace configuration: %w", err)
		}
	}

	regexes := make([]compiledRegex, 0, len(config.Regex))
	for _, r := range config.Regex {
		regexes = append(regexes, compiledRegex{kind: r.Type, re: regexp.MustCompile(r.Pattern), replace: r.Replace})
	}

	return func(event *cdc.Event) (*cdc.Event, error) {
		if event == nil {
			return nil, fmt.Errorf("cannot transform nil event")
		}
		current := event.Clone()
		ns := &current.Source.Namespace

		if newDB, exists := config.Databases[ns.DB]; exists {
			ns.DB = newDB
		}
		if newColl, exists := config.Collections[ns.Coll]; exists {
			ns.Coll = newColl
		}
		if newType, exists := config.EventTypes[current.EventType]; exists {
			current.EventType = newType
		}

		if len(config.Fields) > 0 {
			current.Tags = replaceMapKeys(current.Tags, func(k string) string { return lookupOr(config.Fields, k) })
			current.Attrs = replaceMapKeys(current.Attrs, func(k string) string { return lookupOr(config.Fields, k) })
		}

		for _, r := range regexes {
			switch r.kind {
			case "database":
				ns.DB = r.re.ReplaceAllString(ns.DB, r.replace)
			case "collection":
				ns.Coll = r.re.ReplaceAllString(ns.Coll, r.replace)
			case "event_type":
				current.EventType = r.re.ReplaceAllString(current.EventType, r.replace)
			case "field":
				rename := func(k string) string { return r.re.ReplaceAllString(k, r.replace) }
				current.Tags = replaceMapKeys(current.Tags, rename)
				current.Attrs = replaceMapKeys(current.Attrs, rename)
			}
		}

		return current, nil
	}
}

func lookupOr(m map[string]string, k string) string {
	if v, ok := m[k]; ok {
		return v
	}
	return k
}

// replaceMapKeys creates a new map with keys renamed by rename
func replaceMapKeys(data map[string]any, rename func(string) string) map[string]any {
	newMap := make(map[string]any, len(data))
	for k, v := range data {
		newMap[rename(k)] = v
	}
	return newMap
}
