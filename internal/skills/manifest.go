// Package skills implements the declarative skill registry: manifest
// validation, scope authorization, policy enforcement and per-skill quotas.
package skills

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	permissionPattern = regexp.MustCompile(`^[a-z][a-z0-9_.-]*\.[a-z][a-z0-9_.-]*:[a-z0-9_.]+$`)
	versionPattern    = regexp.MustCompile(`^\d+\.\d+\.\d+([-+][0-9A-Za-z.-]+)?$`)
)

// manifestSchema guards the raw JSON shape before field-level validation.
const manifestSchema = `{
  "type": "object",
  "required": ["name", "version", "inputs", "permissions", "billing", "policy", "entry"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "minLength": 1},
    "inputs": {"type": "array", "items": {"type": "string"}},
    "permissions": {"type": "array", "items": {"type": "string"}},
    "billing": {"type": "string"},
    "policy": {"type": "object", "additionalProperties": {"type": "string"}},
    "entry": {"type": "string", "minLength": 1},
    "limits": {
      "type": "object",
      "properties": {
        "invocations": {"type": "integer", "minimum": 0},
        "cpu_ms": {"type": "integer", "minimum": 0},
        "wall_ms": {"type": "integer", "minimum": 0},
        "ram_mb": {"type": "integer", "minimum": 0},
        "net_bytes": {"type": "integer", "minimum": 0},
        "fs_bytes": {"type": "integer", "minimum": 0},
        "fs_ops": {"type": "integer", "minimum": 0}
      }
    }
  }
}`

var compiledManifestSchema = jsonschema.MustCompileString("manifest.schema.json", manifestSchema)

// ValidationError reports a manifest that failed schema or field validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid skill manifest: %s: %s", e.Field, e.Reason)
}

// Quota bounds a skill's resource usage. Zero means unlimited.
type Quota struct {
	Invocations int64 `json:"invocations,omitempty"`
	CPUMillis   int64 `json:"cpu_ms,omitempty"`
	WallMillis  int64 `json:"wall_ms,omitempty"`
	RAMMB       int64 `json:"ram_mb,omitempty"`
	NetBytes    int64 `json:"net_bytes,omitempty"`
	FSBytes     int64 `json:"fs_bytes,omitempty"`
	FSOps       int64 `json:"fs_ops,omitempty"`
}

// IsZero reports whether no limits are configured.
func (q Quota) IsZero() bool {
	return q == Quota{}
}

// Manifest declares a skill: its identity, required scopes, execution policy
// tags and optional resource limits.
type Manifest struct {
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Inputs      []string          `json:"inputs"`
	Permissions []string          `json:"permissions"`
	Billing     string            `json:"billing"`
	Policy      map[string]string `json:"policy"`
	Entry       string            `json:"entry"`
	Limits      Quota             `json:"limits,omitempty"`
}

// ParseManifest decodes and validates a JSON manifest.
func ParseManifest(raw []byte) (Manifest, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return Manifest{}, &ValidationError{Field: "manifest", Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if err := compiledManifestSchema.Validate(generic); err != nil {
		return Manifest{}, &ValidationError{Field: "manifest", Reason: err.Error()}
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return Manifest{}, &ValidationError{Field: "manifest", Reason: err.Error()}
	}
	if err := manifest.Validate(); err != nil {
		return Manifest{}, err
	}
	return manifest, nil
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(filename string) (Manifest, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return Manifest{}, fmt.Errorf("skills: read manifest %s: %w", filename, err)
	}
	return ParseManifest(raw)
}

// Validate applies the field-level rules that the JSON schema cannot express.
func (m Manifest) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if !versionPattern.MatchString(m.Version) {
		return &ValidationError{Field: "version", Reason: fmt.Sprintf("%q is not a valid semantic version", m.Version)}
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return &ValidationError{Field: "version", Reason: err.Error()}
	}
	for i, input := range m.Inputs {
		if strings.TrimSpace(input) == "" {
			return &ValidationError{Field: fmt.Sprintf("inputs[%d]", i), Reason: "must not be empty"}
		}
	}
	for i, permission := range m.Permissions {
		if !permissionPattern.MatchString(permission) {
			return &ValidationError{
				Field:  fmt.Sprintf("permissions[%d]", i),
				Reason: fmt.Sprintf("%q does not match ns.sub:verb", permission),
			}
		}
	}
	for tag, rule := range m.Policy {
		if strings.TrimSpace(tag) == "" {
			return &ValidationError{Field: "policy", Reason: "policy tag must not be empty"}
		}
		if strings.TrimSpace(rule) == "" {
			return &ValidationError{Field: "policy." + tag, Reason: "policy rule must not be empty"}
		}
	}
	if err := validateEntry(m.Entry); err != nil {
		return err
	}
	return nil
}

func validateEntry(entry string) error {
	if strings.TrimSpace(entry) == "" {
		return &ValidationError{Field: "entry", Reason: "must not be empty"}
	}
	if path.IsAbs(entry) || strings.HasPrefix(entry, "/") || strings.HasPrefix(entry, "\\") {
		return &ValidationError{Field: "entry", Reason: "must be a relative path"}
	}
	for _, segment := range strings.FieldsFunc(entry, func(r rune) bool { return r == '/' || r == '\\' }) {
		if segment == ".." {
			return &ValidationError{Field: "entry", Reason: "must not contain parent references"}
		}
	}
	if !strings.HasSuffix(entry, ".py") {
		return &ValidationError{Field: "entry", Reason: "must reference a .py module"}
	}
	return nil
}
