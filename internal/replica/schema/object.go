package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Object is a materialized record.
type Object struct {
	Class  string         `json:"class"`
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// String returns the field as a string, or "" if absent.
func (o *Object) String(field string) string {
	s, _ := o.Fields[field].(string)
	return s
}

// Int returns the field as an int64, or 0 if absent.
func (o *Object) Int(field string) int64 {
	n, _ := o.Fields[field].(int64)
	return n
}

// Link returns the target ID of a to-one link, or "" if unset.
func (o *Object) Link(field string) string {
	s, _ := o.Fields[field].(string)
	return s
}

// List returns the target IDs of a list or linkingObjects property.
func (o *Object) List(field string) []string {
	l, _ := o.Fields[field].([]string)
	return l
}

// IDFor derives the object ID from its primary key field.
// Classes without a primary key get a fresh UUID.
func (c *ObjectSchema) IDFor(fields map[string]any) (string, error) {
	if c.PrimaryKey == "" {
		return uuid.NewString(), nil
	}
	raw, ok := fields[c.PrimaryKey]
	if !ok || raw == nil {
		return "", fmt.Errorf("%s: primary key %s is required", c.Name, c.PrimaryKey)
	}
	pk := c.props[c.PrimaryKey]
	v, err := Normalize(pk, raw)
	if err != nil {
		return "", err
	}
	switch id := v.(type) {
	case int64:
		return strconv.FormatInt(id, 10), nil
	case string:
		if id == "" {
			return "", fmt.Errorf("%s: primary key %s cannot be empty", c.Name, c.PrimaryKey)
		}
		return id, nil
	}
	return "", fmt.Errorf("%s: unsupported primary key value %v", c.Name, raw)
}

// ValidateFields checks a set of field values against the class.
// When creating is true, required properties must be present.
func (c *ObjectSchema) ValidateFields(fields map[string]any, creating bool) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for name, raw := range fields {
		p, ok := c.props[name]
		if !ok {
			return nil, fmt.Errorf("%s has no property %s", c.Name, name)
		}
		if p.Type == TypeLinkingObjects {
			return nil, fmt.Errorf("%s.%s is computed and cannot be written", c.Name, name)
		}
		v, err := Normalize(p, raw)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", c.Name, name, err)
		}
		if p.Required && v == nil {
			return nil, fmt.Errorf("%s.%s is required", c.Name, name)
		}
		out[name] = v
	}
	if creating {
		for _, p := range c.Properties {
			if !p.Required {
				continue
			}
			if _, ok := out[p.Name]; !ok {
				return nil, fmt.Errorf("%s.%s is required", c.Name, p.Name)
			}
		}
	}
	return out, nil
}

// Normalize converts a decoded value into the canonical Go type for p.
func Normalize(p *Property, v any) (any, error) {
	if v == nil {
		if p.Type == TypeList {
			return []string{}, nil
		}
		return nil, nil
	}
	if n, ok := v.(json.Number); ok {
		if p.Type == TypeInt {
			i, err := n.Int64()
			if err != nil {
				return nil, fmt.Errorf("expected int, got %s", n)
			}
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("expected number, got %s", n)
		}
		v = f
	}

	switch p.Type {
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case float64:
			if n == math.Trunc(n) {
				return int64(n), nil
			}
		}
	case TypeFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeDate:
		switch t := v.(type) {
		case time.Time:
			return t.UTC().Format(time.RFC3339Nano), nil
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, t)
			if err != nil {
				return nil, fmt.Errorf("invalid date %q: %w", t, err)
			}
			return parsed.UTC().Format(time.RFC3339Nano), nil
		}
	case TypeObject:
		return linkID(v)
	case TypeList:
		switch l := v.(type) {
		case []string:
			return append([]string{}, l...), nil
		case []any:
			ids := make([]string, 0, len(l))
			for _, item := range l {
				id, err := linkID(item)
				if err != nil {
					return nil, err
				}
				if id == nil {
					continue
				}
				ids = append(ids, id.(string))
			}
			return ids, nil
		}
	}
	return nil, fmt.Errorf("expected %s, got %T", p.Type, v)
}

func linkID(v any) (any, error) {
	switch id := v.(type) {
	case string:
		if id == "" {
			return nil, nil
		}
		return id, nil
	case int:
		return strconv.Itoa(id), nil
	case int64:
		return strconv.FormatInt(id, 10), nil
	case float64:
		if id == math.Trunc(id) {
			return strconv.FormatInt(int64(id), 10), nil
		}
	}
	return nil, fmt.Errorf("expected link id, got %T", v)
}
