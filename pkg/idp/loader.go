package idp

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// fileLayout is the identity provider configuration file. JSON files are
// accepted as well since JSON is valid YAML.
type fileLayout struct {
	IdentityProviders []Record `yaml:"identity_providers"`
}

// LoadFile reads and validates every record in path. The first invalid
// record aborts loading.
func LoadFile(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity provider config: %w", err)
	}
	return ParseConfigs(data)
}

// ParseConfigs decodes and validates identity provider records
func ParseConfigs(data []byte) ([]Config, error) {
	var layout fileLayout
	if err := yaml.Unmarshal(data, &layout); err != nil {
		return nil, err
	}
	configs := make([]Config, 0, len(layout.IdentityProviders))
	for _, rec := range layout.IdentityProviders {
		cfg, err := NewConfig(rec)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// UnmarshalYAML decodes a record checking the type of each field so a
// wrong type is reported as a ConfigValidationError naming the field.
// client_secret values are expanded with os.ExpandEnv.
func (r *Record) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return &ConfigValidationError{Field: "record", Reason: "must be a mapping"}
	}
	var raw struct {
		Name         yaml.Node `yaml:"name"`
		Alias        yaml.Node `yaml:"alias"`
		Icon         yaml.Node `yaml:"icon"`
		URI          yaml.Node `yaml:"uri"`
		ClientID     yaml.Node `yaml:"client_id"`
		ClientSecret yaml.Node `yaml:"client_secret"`
		CacheExpires yaml.Node `yaml:"cache_expires"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if isString(&raw.Alias) {
		r.Alias = raw.Alias.Value
	}
	steps := []func() error{
		func() error { return decodeString(&raw.Name, "name", &r.Name) },
		func() error { return decodeString(&raw.Alias, "alias", &r.Alias) },
		func() error { return decodeString(&raw.Icon, "icon", &r.Icon) },
		func() error { return r.decodeURI(&raw.URI) },
		func() error { return decodeString(&raw.ClientID, "client_id", &r.ClientID) },
		func() error {
			if err := decodeString(&raw.ClientSecret, "client_secret", &r.ClientSecret); err != nil {
				return err
			}
			r.ClientSecret = os.ExpandEnv(r.ClientSecret)
			return nil
		},
		func() error { return r.decodeCacheExpires(&raw.CacheExpires) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			var cv *ConfigValidationError
			if errors.As(err, &cv) {
				cv.Alias = r.Alias
			}
			return err
		}
	}
	return nil
}

func (r *Record) decodeURI(n *yaml.Node) error {
	if isAbsent(n) {
		return nil
	}
	if n.Kind != yaml.MappingNode {
		return &ConfigValidationError{Field: "uri", Reason: "must be an object"}
	}
	var raw struct {
		Base yaml.Node `yaml:"base"`
		API  yaml.Node `yaml:"api"`
	}
	if err := n.Decode(&raw); err != nil {
		return err
	}
	uri := &URIRecord{}
	if err := decodeString(&raw.Base, "uri.base", &uri.Base); err != nil {
		return err
	}
	if !isAbsent(&raw.API) {
		if raw.API.Kind != yaml.SequenceNode {
			return &ConfigValidationError{Field: "uri.api", Reason: "must be a list"}
		}
		for _, item := range raw.API.Content {
			if item.Kind != yaml.MappingNode {
				return &ConfigValidationError{Field: "uri.api", Reason: "entries must be objects"}
			}
			var entry struct {
				Name yaml.Node `yaml:"name"`
				URI  yaml.Node `yaml:"uri"`
			}
			if err := item.Decode(&entry); err != nil {
				return err
			}
			var api APIRecord
			if err := decodeString(&entry.Name, "uri.api.name", &api.Name); err != nil {
				return err
			}
			if err := decodeString(&entry.URI, "uri.api.uri", &api.URI); err != nil {
				return err
			}
			uri.API = append(uri.API, api)
		}
	}
	r.URI = uri
	return nil
}

func (r *Record) decodeCacheExpires(n *yaml.Node) error {
	if isAbsent(n) {
		return nil
	}
	if n.Kind != yaml.ScalarNode || n.ShortTag() != "!!int" {
		return &ConfigValidationError{Field: "cache_expires", Reason: "must be an integer"}
	}
	var v int
	if err := n.Decode(&v); err != nil {
		return &ConfigValidationError{Field: "cache_expires", Reason: "must be an integer"}
	}
	r.CacheExpires = &v
	return nil
}

func isAbsent(n *yaml.Node) bool {
	return n.Kind == 0 || (n.Kind == yaml.ScalarNode && n.ShortTag() == "!!null")
}

func isString(n *yaml.Node) bool {
	return n.Kind == yaml.ScalarNode && n.ShortTag() == "!!str"
}

func decodeString(n *yaml.Node, field string, dst *string) error {
	if isAbsent(n) {
		return nil
	}
	if !isString(n) {
		return &ConfigValidationError{Field: field, Reason: "must be a string"}
	}
	*dst = n.Value
	return nil
}
