package authz

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidTemplate is returned when a stored parameter template has a
// shape other than an array of literals and placeholders.
var ErrInvalidTemplate = errors.New("invalid parameter template")

// ParameterResolutionError names a placeholder that had neither a value
// in the request data nor a default.
type ParameterResolutionError struct {
	Name string
}

func (e *ParameterResolutionError) Error() string {
	return fmt.Sprintf("mandatory template parameter %q was not set", e.Name)
}

// Entry is one element of a parameter template: either a literal value
// or a named placeholder with an optional default.
type Entry struct {
	placeholder bool
	name        string
	value       interface{}
	hasDefault  bool
}

// Literal returns an entry emitted as-is
func Literal(v interface{}) Entry {
	return Entry{value: v}
}

// Placeholder returns an entry filled from request data by name
func Placeholder(name string) Entry {
	return Entry{placeholder: true, name: name}
}

// PlaceholderWithDefault returns a placeholder that falls back to def
func PlaceholderWithDefault(name string, def interface{}) Entry {
	return Entry{placeholder: true, name: name, value: def, hasDefault: true}
}

// IsPlaceholder reports whether the entry is a placeholder
func (e Entry) IsPlaceholder() bool { return e.placeholder }

// Name is the placeholder name; empty for literals
func (e Entry) Name() string { return e.name }

// Value is the literal value
func (e Entry) Value() interface{} {
	if e.placeholder {
		return nil
	}
	return e.value
}

// Default returns the placeholder default and whether one was declared
func (e Entry) Default() (interface{}, bool) {
	if !e.placeholder {
		return nil, false
	}
	return e.value, e.hasDefault
}

// UnmarshalJSON decodes a literal or a {"_name": ..., "default": ...}
// object. Objects carrying _name must have a non-empty string name and no
// keys other than default.
func (e *Entry) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &fields); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
		}
		if rawName, ok := fields["_name"]; ok {
			return e.decodePlaceholder(rawName, fields)
		}
	}

	var v interface{}
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	*e = Literal(v)
	return nil
}

func (e *Entry) decodePlaceholder(rawName json.RawMessage, fields map[string]json.RawMessage) error {
	var name *string
	if err := json.Unmarshal(rawName, &name); err != nil || name == nil {
		return fmt.Errorf("%w: _name must be a string", ErrInvalidTemplate)
	}
	if *name == "" {
		return fmt.Errorf("%w: _name must not be empty", ErrInvalidTemplate)
	}
	for key := range fields {
		if key != "_name" && key != "default" {
			return fmt.Errorf("%w: placeholder %q has unexpected key %q", ErrInvalidTemplate, *name, key)
		}
	}

	rawDefault, ok := fields["default"]
	if !ok {
		*e = Placeholder(*name)
		return nil
	}
	var def interface{}
	if err := json.Unmarshal(rawDefault, &def); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	*e = PlaceholderWithDefault(*name, def)
	return nil
}

// MarshalJSON encodes the entry in its stored form
func (e Entry) MarshalJSON() ([]byte, error) {
	if !e.placeholder {
		return json.Marshal(e.value)
	}
	obj := map[string]interface{}{"_name": e.name}
	if e.hasDefault {
		obj["default"] = e.value
	}
	return json.Marshal(obj)
}

// Template is an ordered parameter template. A nil Template resolves to
// an empty argument list.
type Template []Entry

// ParseTemplate decodes a stored template. Empty input and JSON null
// yield a nil Template.
func ParseTemplate(data []byte) (Template, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var t Template
	if err := json.Unmarshal(data, &t); err != nil {
		if errors.Is(err, ErrInvalidTemplate) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	return t, nil
}

// UnmarshalJSON accepts null or an array of entries
func (t *Template) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if bytes.Equal(trimmed, []byte("null")) {
		*t = nil
		return nil
	}
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return fmt.Errorf("%w: expected a JSON array", ErrInvalidTemplate)
	}
	var entries []Entry
	if err := json.Unmarshal(trimmed, &entries); err != nil {
		if errors.Is(err, ErrInvalidTemplate) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrInvalidTemplate, err)
	}
	*t = entries
	return nil
}

// Resolve fills the template from data. Placeholders take data[name]
// when the key is present (even with a nil value), then their default.
// A placeholder with neither fails with *ParameterResolutionError.
func (t Template) Resolve(data map[string]interface{}) ([]interface{}, error) {
	out := make([]interface{}, 0, len(t))
	for _, entry := range t {
		if !entry.placeholder {
			out = append(out, entry.value)
			continue
		}
		if v, ok := data[entry.name]; ok {
			out = append(out, v)
			continue
		}
		if entry.hasDefault {
			out = append(out, entry.value)
			continue
		}
		return nil, &ParameterResolutionError{Name: entry.name}
	}
	return out, nil
}

// Placeholders lists placeholder names in template order
func (t Template) Placeholders() []string {
	var names []string
	for _, entry := range t {
		if entry.placeholder {
			names = append(names, entry.name)
		}
	}
	return names
}
