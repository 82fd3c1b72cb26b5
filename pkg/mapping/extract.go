package mapping

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// ExtractTags copies the non-null values of the named fields of doc. A name
// that is not a top-level key but contains a dot is looked up as a nested
// path; the output key is always the declared name.
func ExtractTags(names []string, doc map[string]any) map[string]any {
	tags := make(map[string]any, len(names))
	for _, name := range names {
		if value, ok := documentField(doc, name); ok && value != nil {
			tags[name] = value
		}
	}
	return tags
}

// ExtractAttrs builds the attrs of a record. DirectFields copy
// fullDocument[name] when present (null included); ComputedFields are
// evaluated against the whole record and omitted when they yield no value.
func ExtractAttrs(attrs []Attr, record map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	doc, _ := record["fullDocument"].(map[string]any)

	for _, attr := range attrs {
		switch a := attr.(type) {
		case DirectField:
			if value, ok := documentField(doc, a.Field); ok {
				out[a.Field] = value
			}
		case ComputedField:
			if a.Expr == nil {
				continue
			}
			if value, ok := a.Expr.Eval(record); ok {
				out[a.Field] = value
			}
		}
	}
	return out
}

func documentField(doc map[string]any, name string) (any, bool) {
	if doc == nil {
		return nil, false
	}
	if value, ok := doc[name]; ok {
		return value, true
	}
	if strings.Contains(name, pathSeparator) {
		return Lookup(doc, name)
	}
	return nil, false
}

// HashPII replaces the values of the listed keys with the hex SHA-256 digest
// of their text form. null values are left alone.
func HashPII(values map[string]any, fields []string) {
	for _, field := range fields {
		value, ok := values[field]
		if !ok || value == nil {
			continue
		}
		values[field] = digest(value)
	}
}

func digest(value any) string {
	text := Text(value)
	if text == "" {
		if _, scalar := value.(string); !scalar {
			if b, err := json.Marshal(value); err == nil {
				text = string(b)
			}
		}
	}
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
