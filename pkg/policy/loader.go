package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/lonelycat-labs/lonelycat/core/pkg/contracts"
)

// schemaConstraint gates which policy files this build accepts.
var schemaConstraint = semver.MustParse(SchemaVersion)

// healthCheckSchema validates the five typed health-check shapes declared in
// plans. command_profile checks may only reference profiles by name.
const healthCheckSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {"enum": ["http_get", "process_alive", "command_profile", "database", "file_exists"]},
    "timeout_seconds": {"type": "number", "minimum": 0}
  },
  "allOf": [
    {"if": {"properties": {"type": {"const": "http_get"}}},
     "then": {"required": ["url", "expect_status"],
              "properties": {"url": {"type": "string", "format": "uri"},
                             "expect_status": {"type": "integer", "minimum": 100, "maximum": 599}}}},
    {"if": {"properties": {"type": {"const": "process_alive"}}},
     "then": {"required": ["process_name"], "properties": {"process_name": {"type": "string", "minLength": 1}}}},
    {"if": {"properties": {"type": {"const": "command_profile"}}},
     "then": {"required": ["profile_name"],
              "properties": {"profile_name": {"type": "string", "minLength": 1}},
              "not": {"required": ["command"]}}},
    {"if": {"properties": {"type": {"const": "database"}}},
     "then": {"required": ["db_type", "dsn"],
              "properties": {"db_type": {"enum": ["sqlite", "postgres", "redis"]},
                             "dsn": {"type": "string", "minLength": 1},
                             "test_query": {"type": "string"}}}},
    {"if": {"properties": {"type": {"const": "file_exists"}}},
     "then": {"required": ["paths"],
              "properties": {"paths": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1}}}}
  ]
}`

var compiledHealthCheckSchema = jsonschema.MustCompileString("health_check.json", healthCheckSchema)

// Load reads a policy snapshot from a YAML or JSON file and validates it.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}

	var snap Snapshot
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("policy: parse %s: %w", path, err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&snap); err != nil {
			return nil, fmt.Errorf("policy: parse %s: %w", path, err)
		}
	}

	if err := Validate(&snap); err != nil {
		return nil, fmt.Errorf("policy: %s: %w", path, err)
	}
	return &snap, nil
}

// Validate checks a snapshot for structural soundness.
func Validate(s *Snapshot) error {
	if s.SchemaVersion == "" {
		return fmt.Errorf("schema_version is required")
	}
	v, err := semver.NewVersion(s.SchemaVersion)
	if err != nil {
		return fmt.Errorf("schema_version %q: %w", s.SchemaVersion, err)
	}
	if v.Major() != schemaConstraint.Major() {
		return fmt.Errorf("schema_version %s incompatible with %s", s.SchemaVersion, SchemaVersion)
	}
	seen := map[string]struct{}{}
	for _, p := range s.CommandProfiles {
		if p.Name == "" {
			return fmt.Errorf("command profile with empty name")
		}
		if len(p.Argv) == 0 {
			return fmt.Errorf("command profile %q has empty argv", p.Name)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("duplicate command profile %q", p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	for _, r := range s.EscalationRules {
		if r.PathPattern == "" && len(r.Ops) == 0 && r.Expression == "" {
			return fmt.Errorf("escalation rule %q matches nothing", r.Name)
		}
		if !r.EscalateTo.Valid() {
			return fmt.Errorf("escalation rule %q: unknown risk level %q", r.Name, r.EscalateTo)
		}
	}
	return nil
}

// ValidateHealthCheck validates one health-check spec against the schema.
func ValidateHealthCheck(spec contracts.HealthCheckSpec) error {
	raw, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if err := compiledHealthCheckSchema.Validate(doc); err != nil {
		return fmt.Errorf("health check %q: %w", spec.Type, err)
	}
	return nil
}
