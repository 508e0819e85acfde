// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Access is a bit set of file access classes.
type Access uint8

const (
	// AccessRead covers operations that observe file content (open
	// for read, read, readlink, exec image loads).
	AccessRead Access = 1 << iota

	// AccessWrite covers operations that change content or namespace
	// (write, create, truncate, rename, unlink, chmod).
	AccessWrite

	// AccessProbe covers existence and metadata checks that do not
	// read content (stat, access).
	AccessProbe

	// AccessEnumerate covers directory listing.
	AccessEnumerate
)

// AccessAll is every access class.
const AccessAll = AccessRead | AccessWrite | AccessProbe | AccessEnumerate

var accessNames = map[string]Access{
	"read":      AccessRead,
	"write":     AccessWrite,
	"probe":     AccessProbe,
	"enumerate": AccessEnumerate,
}

// String returns the access set as a comma-separated list.
func (a Access) String() string {
	if a == 0 {
		return "none"
	}
	var parts []string
	for _, name := range []string{"read", "write", "probe", "enumerate"} {
		if a&accessNames[name] != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, ",")
}

// Has reports whether every class in want is present in a.
func (a Access) Has(want Access) bool {
	return a&want == want
}

// parseAccessList converts a list of class names into an Access set.
func parseAccessList(names []string) (Access, error) {
	var access Access
	for _, name := range names {
		class, ok := accessNames[strings.ToLower(name)]
		if !ok {
			return 0, fmt.Errorf("unknown access class %q (want read, write, probe, or enumerate)", name)
		}
		access |= class
	}
	return access, nil
}

// UnmarshalYAML decodes an access set from a YAML sequence of class
// names, e.g. [read, write].
func (a *Access) UnmarshalYAML(value *yaml.Node) error {
	var names []string
	if err := value.Decode(&names); err != nil {
		return err
	}
	access, err := parseAccessList(names)
	if err != nil {
		return err
	}
	*a = access
	return nil
}

// UnmarshalJSON decodes an access set from a JSON array of class names.
func (a *Access) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	access, err := parseAccessList(names)
	if err != nil {
		return err
	}
	*a = access
	return nil
}

// Scope controls how far a manifest entry reaches.
type Scope uint8

const (
	// ScopeSubtree applies the entry to the path and everything under
	// it. This is the default scope.
	ScopeSubtree Scope = iota

	// ScopeExact applies the entry to the path only.
	ScopeExact
)

// String returns "subtree" or "exact".
func (s Scope) String() string {
	if s == ScopeExact {
		return "exact"
	}
	return "subtree"
}

func parseScope(name string) (Scope, error) {
	switch strings.ToLower(name) {
	case "", "subtree":
		return ScopeSubtree, nil
	case "exact":
		return ScopeExact, nil
	default:
		return 0, fmt.Errorf("unknown scope %q (want exact or subtree)", name)
	}
}

// UnmarshalYAML decodes a scope from a YAML string.
func (s *Scope) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	scope, err := parseScope(name)
	if err != nil {
		return err
	}
	*s = scope
	return nil
}

// UnmarshalJSON decodes a scope from a JSON string.
func (s *Scope) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	scope, err := parseScope(name)
	if err != nil {
		return err
	}
	*s = scope
	return nil
}

// Entry is one path-scoped permission rule.
type Entry struct {
	// Path is the absolute path the rule binds to. Must be rooted and
	// clean (no ".", "..", doubled or trailing slashes).
	Path string `yaml:"path" json:"path"`

	// Allow is the set of access classes permitted at this path. A
	// requested class outside this set is denied.
	Allow Access `yaml:"allow" json:"allow"`

	// Report is the set of access classes that, when allowed, still
	// emit an access report. Used for anti-dependency and
	// undeclared-access detection: the operation proceeds, but the
	// scheduler hears about it.
	Report Access `yaml:"report,omitempty" json:"report,omitempty"`

	// Scope is exact or subtree. Defaults to subtree.
	Scope Scope `yaml:"scope,omitempty" json:"scope,omitempty"`
}

// Manifest is the declarative rule set for one build step.
type Manifest struct {
	// DefaultAllow is the decision for paths no entry covers: true
	// allows them silently, false denies them. The zero value is
	// deny-by-default.
	DefaultAllow bool `yaml:"default_allow" json:"default_allow"`

	// Entries are the path rules. Order does not matter: the most
	// specific matching entry wins, not the first declared.
	Entries []Entry `yaml:"entries" json:"entries"`
}

// Load reads a manifest from a YAML (.yaml, .yml) or JSONC (.json,
// .jsonc) file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	var m Manifest
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
		}
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), &m); err != nil {
			return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("manifest %s: unsupported extension %q (want .yaml, .yml, .json, or .jsonc)", path, ext)
	}
	return &m, nil
}
