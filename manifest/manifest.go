// Package manifest gives a typed view of plugin manifests.
//
// Sandboxes treat the manifest as an opaque protocol.Value; hosts that
// want to inspect it (list functions, read declared permissions) convert
// it with FromValue. Plugin authors usually keep the manifest next to the
// code as <name>.plug.yaml and load it with ParseFile.
package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/reglet-dev/plugos/protocol"
)

// validate is a package-level singleton; building one per call is expensive.
var validate = validator.New()

// Manifest describes a plugin.
type Manifest struct {
	Config              map[string]any         `json:"config,omitempty" yaml:"config,omitempty"`
	Functions           map[string]FunctionDef `json:"functions" yaml:"functions" validate:"dive,keys,required,endkeys"`
	Name                string                 `json:"name" yaml:"name" validate:"required"`
	Version             string                 `json:"version,omitempty" yaml:"version,omitempty" validate:"omitempty,semver"`
	Description         string                 `json:"description,omitempty" yaml:"description,omitempty"`
	RequiredPermissions []string               `json:"requiredPermissions,omitempty" yaml:"requiredPermissions,omitempty" validate:"dive,required"`
}

// FunctionDef describes one exported function.
type FunctionDef struct {
	Command     map[string]any `json:"command,omitempty" yaml:"command,omitempty"`
	Path        string         `json:"path,omitempty" yaml:"path,omitempty"`
	Env         string         `json:"env,omitempty" yaml:"env,omitempty" validate:"omitempty,oneof=client server"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Events      []string       `json:"events,omitempty" yaml:"events,omitempty"`
}

// Parse decodes a YAML manifest and validates it.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ParseFile reads and parses a YAML manifest file.
func ParseFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Validate checks the manifest's required fields.
func (m *Manifest) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	return nil
}

// FunctionNames returns the declared function names, sorted.
func (m *Manifest) FunctionNames() []string {
	names := make([]string, 0, len(m.Functions))
	for name := range m.Functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasPermission reports whether the plugin declares perm.
func (m *Manifest) HasPermission(perm string) bool {
	for _, p := range m.RequiredPermissions {
		if p == perm {
			return true
		}
	}
	return false
}

// FromValue converts a manifest received from a plugin. The result is
// not validated; call Validate when that matters.
func FromValue(v protocol.Value) (*Manifest, error) {
	if v.Kind() != protocol.KindMap {
		return nil, fmt.Errorf("manifest must be a map, got %s", v.Kind())
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return &m, nil
}

// ToValue converts the manifest to the form sent over the protocol.
func (m *Manifest) ToValue() (protocol.Value, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return protocol.Null(), fmt.Errorf("failed to encode manifest: %w", err)
	}
	var v protocol.Value
	if err := json.Unmarshal(data, &v); err != nil {
		return protocol.Null(), fmt.Errorf("failed to decode manifest: %w", err)
	}
	return v, nil
}

// DecodeConfig decodes the manifest's config section into target and
// validates it using the target's validate tags.
func (m *Manifest) DecodeConfig(target any) error {
	data, err := json.Marshal(m.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config map: %w", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal config into struct: %w", err)
	}
	if err := validate.Struct(target); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}
