// Package privacy tracks per-user consent, ordered policy layers, and access
// proofs. Consent is per data-type tag; explicit grants and denials overwrite
// each other, and layers decide tags with no explicit record.
package privacy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"kolibri/internal/logging"
)

// ConsentRecord captures a user's allowed and denied data types together with
// the deterministic proofs issued for each decision.
type ConsentRecord struct {
	UserID    string            `json:"user_id"`
	Allowed   map[string]bool   `json:"-"`
	Denied    map[string]bool   `json:"-"`
	Proofs    map[string]string `json:"proofs"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Snapshot returns a JSON-friendly view with sorted tag lists.
func (r *ConsentRecord) Snapshot() map[string]any {
	return map[string]any{
		"user_id":    r.UserID,
		"allowed":    sortedKeys(r.Allowed),
		"denied":     sortedKeys(r.Denied),
		"proofs":     copyStringMap(r.Proofs),
		"updated_at": r.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// PolicyLayer decides tags that carry no explicit consent. Layers are
// evaluated in registration order; the first layer whose scope contains the
// tag wins.
type PolicyLayer struct {
	Name          string
	Scope         map[string]bool
	DefaultAction string // "allow" or "deny"
}

// AccessProof is an opaque, deterministic receipt for a permitted access.
type AccessProof struct {
	UserID      string    `json:"user_id"`
	DataType    string    `json:"data_type"`
	PolicyLayer string    `json:"policy_layer"`
	ProofHash   string    `json:"proof_hash"`
	IssuedAt    time.Time `json:"issued_at"`
}

// SecurityIncident records a denied access attempt.
type SecurityIncident struct {
	Timestamp time.Time `json:"timestamp"`
	Skill     string    `json:"skill"`
	Detail    string    `json:"detail"`
}

// Operator tracks consent records, policy layers and the incident log.
type Operator struct {
	mu        sync.RWMutex
	records   map[string]*ConsentRecord
	layers    []PolicyLayer
	incidents []SecurityIncident
	clock     func() time.Time
}

// NewOperator creates an operator with no consent state and no layers.
func NewOperator() *Operator {
	return &Operator{
		records: make(map[string]*ConsentRecord),
		clock:   time.Now,
	}
}

// WithClock overrides the timestamp source for tests.
func (o *Operator) WithClock(clock func() time.Time) *Operator {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.clock = clock
	return o
}

// RegisterLayer appends a policy layer. Order of registration is the order of
// evaluation.
func (o *Operator) RegisterLayer(layer PolicyLayer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.layers = append(o.layers, layer)
}

// Grant allows the listed data types for the user, overriding prior denials.
func (o *Operator) Grant(userID string, dataTypes []string) *ConsentRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	record := o.record(userID)
	for _, tag := range dataTypes {
		record.Allowed[tag] = true
		delete(record.Denied, tag)
		record.Proofs[tag] = proofHash(userID, tag, "allow", "")
	}
	record.UpdatedAt = o.clock().UTC()
	logging.Get(logging.CategoryPrivacy).Debug("consent granted",
		zap.String("user", userID), zap.Strings("tags", dataTypes))
	return record
}

// Deny blocks the listed data types for the user, overriding prior grants.
func (o *Operator) Deny(userID string, dataTypes []string) *ConsentRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	record := o.record(userID)
	for _, tag := range dataTypes {
		record.Denied[tag] = true
		delete(record.Allowed, tag)
		record.Proofs[tag] = proofHash(userID, tag, "deny", "")
	}
	record.UpdatedAt = o.clock().UTC()
	return record
}

// IsAllowed reports whether the user may expose the data type. Explicit
// denial wins over everything, explicit grant over layers, and the first
// matching layer decides the rest. Unknown users and unmatched tags are
// denied.
func (o *Operator) IsAllowed(userID, dataType string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.isAllowedLocked(userID, dataType)
}

func (o *Operator) isAllowedLocked(userID, dataType string) bool {
	record, ok := o.records[userID]
	if !ok {
		return false
	}
	if record.Denied[dataType] {
		return false
	}
	if record.Allowed[dataType] {
		return true
	}
	if layer := o.layerFor(dataType); layer != nil {
		return layer.DefaultAction == "allow"
	}
	return false
}

// Enforce filters the requested tags to the allowed subset, preserving the
// input order.
func (o *Operator) Enforce(userID string, requested []string) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	allowed := make([]string, 0, len(requested))
	for _, tag := range requested {
		if o.isAllowedLocked(userID, tag) {
			allowed = append(allowed, tag)
		}
	}
	return allowed
}

// RecordAccess issues proofs for every allowed tag and logs an incident for
// every denied one.
func (o *Operator) RecordAccess(skill, userID string, dataTypes []string) []AccessProof {
	o.mu.Lock()
	defer o.mu.Unlock()
	proofs := make([]AccessProof, 0, len(dataTypes))
	for _, tag := range dataTypes {
		if !o.isAllowedLocked(userID, tag) {
			o.incidents = append(o.incidents, SecurityIncident{
				Timestamp: o.clock().UTC(),
				Skill:     skill,
				Detail:    fmt.Sprintf("access denied for %s", tag),
			})
			continue
		}
		layerName := "direct"
		if layer := o.layerFor(tag); layer != nil {
			layerName = layer.Name
		}
		proofs = append(proofs, AccessProof{
			UserID:      userID,
			DataType:    tag,
			PolicyLayer: layerName,
			ProofHash:   proofHash(userID, tag, "allow", layerName),
			IssuedAt:    o.clock().UTC(),
		})
	}
	return proofs
}

// RegisterIncident appends a security incident directly.
func (o *Operator) RegisterIncident(skill, detail string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.incidents = append(o.incidents, SecurityIncident{
		Timestamp: o.clock().UTC(),
		Skill:     skill,
		Detail:    detail,
	})
}

// AuditLog returns a copy of the incident log.
func (o *Operator) AuditLog() []SecurityIncident {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]SecurityIncident, len(o.incidents))
	copy(out, o.incidents)
	return out
}

// ExportState returns every consent record keyed by user id.
func (o *Operator) ExportState() map[string]map[string]any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]map[string]any, len(o.records))
	for userID, record := range o.records {
		out[userID] = record.Snapshot()
	}
	return out
}

func (o *Operator) record(userID string) *ConsentRecord {
	record, ok := o.records[userID]
	if !ok {
		record = &ConsentRecord{
			UserID:  userID,
			Allowed: make(map[string]bool),
			Denied:  make(map[string]bool),
			Proofs:  make(map[string]string),
		}
		o.records[userID] = record
	}
	return record
}

func (o *Operator) layerFor(dataType string) *PolicyLayer {
	for i := range o.layers {
		if o.layers[i].Scope[dataType] {
			return &o.layers[i]
		}
	}
	return nil
}

func proofHash(userID, dataType, action, layer string) string {
	digest := sha256.Sum256([]byte(userID + ":" + dataType + ":" + action + ":" + layer))
	return hex.EncodeToString(digest[:16])
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func copyStringMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}
