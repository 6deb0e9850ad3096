package skills

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"kolibri/internal/journal"
	"kolibri/internal/logging"
)

// auditLogCapacity bounds the in-memory decision ring buffer.
const auditLogCapacity = 512

// ErrSkillUnknown is returned when a skill name has no registered manifest.
var ErrSkillUnknown = errors.New("unknown skill")

// PermissionMissingError reports scopes the caller did not grant.
type PermissionMissingError struct {
	Skill   string
	Missing []string
}

func (e *PermissionMissingError) Error() string {
	return fmt.Sprintf("skill %q denied: missing scopes %v", e.Skill, e.Missing)
}

// PolicyViolationError reports a policy tag that rejected the execution
// context.
type PolicyViolationError struct {
	Skill  string
	Policy string
	Rule   string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("skill %q blocked by policy %q (%s)", e.Skill, e.Policy, e.Rule)
}

// AuditRecord is one authorization or policy decision.
type AuditRecord struct {
	Timestamp time.Time      `json:"timestamp"`
	Skill     string         `json:"skill"`
	Actor     string         `json:"actor,omitempty"`
	Decision  string         `json:"decision"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Store is the registry of validated skill manifests.
type Store struct {
	mu      sync.RWMutex
	skills  map[string]Manifest
	audit   []AuditRecord
	journal *journal.Journal
	clock   func() time.Time
}

// NewStore creates an empty registry. The journal may be nil.
func NewStore(j *journal.Journal) *Store {
	return &Store{
		skills:  make(map[string]Manifest),
		journal: j,
		clock:   time.Now,
	}
}

// Register validates and stores a manifest, replacing any prior version of
// the same name. Invalid manifests are journaled as skill_manifest.rejected
// and returned as errors.
func (s *Store) Register(manifest Manifest) error {
	if err := manifest.Validate(); err != nil {
		if s.journal != nil {
			s.journal.Append("skill_manifest.rejected", map[string]any{
				"skill":  manifest.Name,
				"reason": err.Error(),
			})
		}
		return err
	}
	s.mu.Lock()
	s.skills[manifest.Name] = manifest
	s.mu.Unlock()
	logging.Get(logging.CategorySkills).Debug("skill registered",
		zap.String("skill", manifest.Name), zap.String("version", manifest.Version))
	return nil
}

// RegisterAll registers manifests in order, stopping at the first failure.
func (s *Store) RegisterAll(manifests []Manifest) error {
	for _, manifest := range manifests {
		if err := s.Register(manifest); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the manifest for a skill name.
func (s *Store) Get(name string) (Manifest, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	manifest, ok := s.skills[name]
	return manifest, ok
}

// List returns all manifests sorted by name.
func (s *Store) List() []Manifest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Manifest, 0, len(s.skills))
	for _, manifest := range s.skills {
		out = append(out, manifest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Quota returns the configured limits for a skill.
func (s *Store) Quota(name string) (Quota, error) {
	manifest, ok := s.Get(name)
	if !ok {
		return Quota{}, fmt.Errorf("%w: %s", ErrSkillUnknown, name)
	}
	return manifest.Limits, nil
}

// AuthorizeExecution checks that every scope the manifest requires was
// granted. On success it returns the sorted required scopes; on failure it
// records a deny decision and returns PermissionMissingError.
func (s *Store) AuthorizeExecution(name string, grantedScopes []string, actor string) ([]string, error) {
	manifest, ok := s.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSkillUnknown, name)
	}
	granted := make(map[string]bool, len(grantedScopes))
	for _, scope := range grantedScopes {
		granted[scope] = true
	}
	var missing []string
	for _, required := range manifest.Permissions {
		if !granted[required] {
			missing = append(missing, required)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		s.recordAudit(name, "deny", actor, map[string]any{"missing_permissions": missing})
		return nil, &PermissionMissingError{Skill: name, Missing: missing}
	}
	required := append([]string(nil), manifest.Permissions...)
	sort.Strings(required)
	s.recordAudit(name, "allow", actor, map[string]any{"granted": required})
	return required, nil
}

// EnforcePolicy applies the manifest's policy rules to the context tags.
// deny/blocked/forbid rules reject contexts containing the tag;
// require/required rules reject contexts missing it.
func (s *Store) EnforcePolicy(name string, contextTags []string, actor string) error {
	manifest, ok := s.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSkillUnknown, name)
	}
	tags := make(map[string]bool, len(contextTags))
	for _, tag := range contextTags {
		tags[tag] = true
	}
	// Deterministic evaluation order over the policy map.
	policies := make([]string, 0, len(manifest.Policy))
	for policy := range manifest.Policy {
		policies = append(policies, policy)
	}
	sort.Strings(policies)
	for _, policy := range policies {
		rule := strings.ToLower(manifest.Policy[policy])
		switch rule {
		case "deny", "blocked", "forbid":
			if tags[policy] {
				s.recordAudit(name, "deny", actor, map[string]any{"policy": policy, "rule": rule})
				return &PolicyViolationError{Skill: name, Policy: policy, Rule: rule}
			}
		case "require", "required":
			if !tags[policy] {
				s.recordAudit(name, "deny", actor, map[string]any{"policy": policy, "rule": rule})
				return &PolicyViolationError{Skill: name, Policy: policy, Rule: rule}
			}
		}
	}
	s.recordAudit(name, "allow", actor, map[string]any{"policies": manifest.Policy})
	return nil
}

// AuditLog returns a copy of the retained decisions, oldest first.
func (s *Store) AuditLog() []AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AuditRecord, len(s.audit))
	copy(out, s.audit)
	return out
}

func (s *Store) recordAudit(skill, decision, actor string, detail map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, AuditRecord{
		Timestamp: s.clock().UTC(),
		Skill:     skill,
		Actor:     actor,
		Decision:  decision,
		Detail:    detail,
	})
	if len(s.audit) > auditLogCapacity {
		s.audit = s.audit[len(s.audit)-auditLogCapacity:]
	}
}
