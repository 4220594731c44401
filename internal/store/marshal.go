package store

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/roach88/policyengine/internal/schema"
)

// marshalJSON converts v to canonical JSON TEXT for storage.
func marshalJSON(what string, v any) (string, error) {
	data, err := schema.MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", what, err)
	}
	return string(data), nil
}

// unmarshalObject parses a stored JSON object.
// Numbers are decoded via json.Number and narrowed to int where they fit,
// the same shape DecodeRequest produces for request documents.
func unmarshalObject(what, data string) (map[string]any, error) {
	if data == "" || data == "{}" {
		return map[string]any{}, nil
	}
	var obj map[string]any
	if err := decodeJSON(data, &obj); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", what, err)
	}
	if obj == nil {
		return map[string]any{}, nil
	}
	return normalizeNumbers(obj).(map[string]any), nil
}

func unmarshalStrings(what, data string) (map[string]string, error) {
	out := map[string]string{}
	if data == "" || data == "{}" {
		return out, nil
	}
	if err := decodeJSON(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", what, err)
	}
	if out == nil {
		out = map[string]string{}
	}
	return out, nil
}

func unmarshalStringList(what, data string) ([]string, error) {
	var out []string
	if err := decodeJSON(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", what, err)
	}
	return out, nil
}

func decodeJSON(data string, v any) error {
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// normalizeNumbers replaces json.Number values throughout v.
func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = normalizeNumbers(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = normalizeNumbers(item)
		}
		return val
	case json.Number:
		return narrowNumber(val)
	default:
		return v
	}
}

func narrowNumber(n json.Number) any {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil && i == int64(int(i)) {
			return int(i)
		}
		if u, err := strconv.ParseUint(s, 10, 64); err == nil {
			return u
		}
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return s
}

var rawStatusPattern = regexp.MustCompile(`^status\((\d+)\)$`)

// parseStoredStatus reverses Status.String, including the raw form written
// for statuses that were rejected as invalid.
func parseStoredStatus(name string) schema.Status {
	if s, err := schema.ParseStatus(name); err == nil {
		return s
	}
	if m := rawStatusPattern.FindStringSubmatch(name); m != nil {
		if n, err := strconv.ParseUint(m[1], 10, 8); err == nil {
			return schema.Status(n)
		}
	}
	return schema.Status(0)
}
