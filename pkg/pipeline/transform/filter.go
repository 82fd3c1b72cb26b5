package transform

import (
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/edgeflare/cdcnorm/pkg/cdc"
)

// FilterConfig keeps events by namespace and event type. Namespaces are
// "db.coll" references where either part may be a glob, eg "shop.*".
type FilterConfig struct {
	NamespacePattern  string   `mapstructure:"namespacePattern" json:"namespacePattern,omitempty"`
	Namespaces        []string `mapstructure:"namespaces" json:"namespaces,omitempty"`
	ExcludeNamespaces []string `mapstructure:"excludeNamespaces" json:"excludeNamespaces,omitempty"`
	EventTypes        []string `mapstructure:"eventTypes" json:"eventTypes,omitempty"`
}

func (c *FilterConfig) Validate() error {
	if len(c.Namespaces) == 0 && len(c.ExcludeNamespaces) == 0 &&
		c.NamespacePattern == "" && len(c.EventTypes) == 0 {
		return fmt.Errorf("at least one filter criteria required")
	}

	if c.NamespacePattern != "" {
		if _, err := regexp.Compile(c.NamespacePattern); err != nil {
			return fmt.Errorf("invalid namespace pattern: %w", err)
		}
	}

	for _, ns := range append(slices.Clone(c.Namespaces), c.ExcludeNamespaces...) {
		ref := parseNamespaceRef(ns)
		if _, err := filepath.Match(ref.db, ""); err != nil {
			return fmt.Errorf("invalid namespace %q: %w", ns, err)
		}
		if _, err := filepath.Match(ref.coll, ""); err != nil {
			return fmt.Errorf("invalid namespace %q: %w", ns, err)
		}
	}

	return nil
}

func (c *FilterConfig) Type() string {
	return "filter"
}

// Filter returns a Func that drops events not matching config
func Filter(config *FilterConfig) Func {
	if err := config.Validate(); err != nil {
		return func(event *cdc.Event) (*cdc.Event, error) {
			return nil, fmt.Errorf("invalid filter configuration: %w", err)
		}
	}

	var nsRegex *regexp.Regexp
	if config.NamespacePattern != "" {
		nsRegex = regexp.MustCompile(config.NamespacePattern)
	}

	var includeRefs, excludeRefs []namespaceRef
	for _, ns := range config.Namespaces {
		includeRefs = append(includeRefs, parseNamespaceRef(ns))
	}
	for _, ns := range config.ExcludeNamespaces {
		excludeRefs = append(excludeRefs, parseNamespaceRef(ns))
	}

	return func(event *cdc.Event) (*cdc.Event, error) {
		if event == nil {
			return nil, fmt.Errorf("cannot filter nil event")
		}
		ns := event.Source.Namespace

		if len(config.EventTypes) > 0 && !slices.Contains(config.EventTypes, event.EventType) {
			return nil, nil
		}

		for _, ref := range excludeRefs {
			if ref.matches(ns) {
				return nil, nil
			}
		}

		if len(includeRefs) > 0 && !slices.ContainsFunc(includeRefs, func(ref namespaceRef) bool {
			return ref.matches(ns)
		}) {
			return nil, nil
		}

		if nsRegex != nil && !nsRegex.MatchString(ns.DB+"."+ns.Coll) && !nsRegex.MatchString(ns.Coll) {
			return nil, nil
		}

		return event, nil
	}
}

type namespaceRef struct {
	db   string
	coll string
}

// parseNamespaceRef splits "db.coll" on the first dot. A reference without a
// dot names a collection in any database.
func parseNamespaceRef(ref string) namespaceRef {
	if db, coll, ok := strings.Cut(ref, "."); ok {
		return namespaceRef{db: db, coll: coll}
	}
	return namespaceRef{db: "*", coll: ref}
}

func (r namespaceRef) matches(ns cdc.Namespace) bool {
	dbMatched, _ := filepath.Match(r.db, ns.DB)
	collMatched, _ := filepath.Match(r.coll, ns.Coll)
	return dbMatched && collMatched
}
