package mapping

import (
	"encoding/json"
	"strconv"
	"strings"
)

const pathSeparator = "."

// Lookup walks a dotted path through nested maps. A segment may carry an
// array index, eg "items[0].sku". The second return value is false when any
// segment is missing.
func Lookup(root map[string]any, path string) (any, bool) {
	if root == nil || path == "" {
		return nil, false
	}

	var current any = root
	for _, segment := range strings.Split(path, pathSeparator) {
		if segment == "" {
			return nil, false
		}

		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		key, index, indexed := splitIndex(segment)
		value, exists := m[key]
		if !exists {
			return nil, false
		}

		if indexed {
			array, ok := value.([]any)
			if !ok || index < 0 || index >= len(array) {
				return nil, false
			}
			value = array[index]
		}
		current = value
	}

	return current, true
}

// splitIndex separates "key[3]" into key and index
func splitIndex(segment string) (string, int, bool) {
	open := strings.IndexByte(segment, '[')
	if open <= 0 || !strings.HasSuffix(segment, "]") {
		return segment, 0, false
	}
	index, err := strconv.Atoi(segment[open+1 : len(segment)-1])
	if err != nil {
		return segment, 0, false
	}
	return segment[:open], index, true
}

// Resolve turns an expression token into text:
//   - 'quoted' tokens are literals with the quotes stripped
//   - tokens containing a dot are paths into root; a missing path is ""
//   - a bare token naming a top-level field of root is that field's value
//   - anything else is returned as is
func Resolve(token string, root map[string]any) string {
	t := strings.TrimSpace(token)
	if literal, ok := unquote(t); ok {
		return literal
	}
	if strings.Contains(t, pathSeparator) {
		value, _ := Lookup(root, t)
		return Text(value)
	}
	if value, ok := root[t]; ok {
		return Text(value)
	}
	return t
}

// resolveValue is Resolve without the text conversion. Literals resolve to
// themselves.
func resolveValue(token string, root map[string]any) (any, bool) {
	t := strings.TrimSpace(token)
	if literal, ok := unquote(t); ok {
		return literal, true
	}
	if strings.Contains(t, pathSeparator) {
		return Lookup(root, t)
	}
	value, ok := root[t]
	return value, ok
}

func unquote(token string) (string, bool) {
	if len(token) >= 2 && token[0] == '\'' && token[len(token)-1] == '\'' {
		return token[1 : len(token)-1], true
	}
	return "", false
}

// Text renders a scalar as text. Numbers use their shortest decimal form.
// null, objects and arrays render as the empty string.
func Text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
