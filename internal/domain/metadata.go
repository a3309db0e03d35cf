package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// Field is one metadata key/value pair. Values are restricted to strings,
// integers, floats and booleans.
type Field struct {
	Key   string
	Value any
}

// Metadata is an ordered list of fields. Insertion order is significant: it is
// preserved in the canonical encoding the entry hash is computed over.
type Metadata []Field

// String builds a string field.
func String(key, value string) Field { return Field{Key: key, Value: value} }

// Int builds an integer field.
func Int(key string, value int64) Field { return Field{Key: key, Value: value} }

// Bool builds a boolean field.
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Get returns the value stored under key.
func (m Metadata) Get(key string) (any, bool) {
	for _, f := range m {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// GetString returns the value under key formatted as a string.
func (m Metadata) GetString(key string) string {
	v, ok := m.Get(key)
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Validate rejects empty or duplicate keys and non-scalar values.
func (m Metadata) Validate() error {
	seen := make(map[string]bool, len(m))
	for _, f := range m {
		if f.Key == "" {
			return Invalid("metadata key must not be empty")
		}
		if seen[f.Key] {
			return Invalid("duplicate metadata key %q", f.Key)
		}
		seen[f.Key] = true
		switch f.Value.(type) {
		case string, bool, int, int64, float64:
		default:
			return Invalid("metadata %q: unsupported value type %T", f.Key, f.Value)
		}
	}
	return nil
}

// Canonical encodes m as a JSON object with keys in insertion order.
func (m Metadata) Canonical() (string, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := marshalNoEscape(f.Key)
		if err != nil {
			return "", err
		}
		v, err := marshalNoEscape(f.Value)
		if err != nil {
			return "", fmt.Errorf("metadata %q: %w", f.Key, err)
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.String(), nil
}

// MarshalJSON renders metadata as an ordered JSON object.
func (m Metadata) MarshalJSON() ([]byte, error) {
	s, err := m.Canonical()
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// UnmarshalJSON decodes an object while keeping key order.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	parsed, err := ParseMetadata(string(data))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMetadata decodes a canonical metadata string back into ordered
// fields. Integral numbers decode as int64, other numbers as float64.
func ParseMetadata(s string) (Metadata, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("parse metadata: expected object")
	}
	var out Metadata
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parse metadata: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("parse metadata: expected key")
		}
		tok, err = dec.Token()
		if err != nil {
			return nil, fmt.Errorf("parse metadata %q: %w", key, err)
		}
		var value any
		switch v := tok.(type) {
		case string, bool:
			value = v
		case json.Number:
			if n, err := strconv.ParseInt(v.String(), 10, 64); err == nil {
				value = n
			} else if f, err := v.Float64(); err == nil {
				value = f
			} else {
				return nil, fmt.Errorf("parse metadata %q: %w", key, err)
			}
		default:
			return nil, fmt.Errorf("parse metadata %q: unsupported value", key)
		}
		out = append(out, Field{Key: key, Value: value})
	}
	if _, err := dec.Token(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return out, nil
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
