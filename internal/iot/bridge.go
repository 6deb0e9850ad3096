// Package iot validates, journals and dispatches device commands under a
// capability policy. Executed commands mirror into the sensor hub so later
// requests can reason over device state.
package iot

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"kolibri/internal/encoder"
	"kolibri/internal/journal"
)

// Sentinel errors returned by the bridge.
var (
	ErrNotAllowed           = errors.New("action not allowed for device")
	ErrRateLimited          = errors.New("iot command limit exceeded")
	ErrConfirmationRequired = errors.New("command requires confirmation")
	ErrBatchTooLarge        = errors.New("iot batch size exceeded")
	ErrQueueFull            = errors.New("deferred iot queue capacity exceeded")
)

// Command is a single device action requested by the runtime.
type Command struct {
	DeviceID             string         `json:"device_id"`
	Action               string         `json:"action"`
	Parameters           map[string]any `json:"parameters,omitempty"`
	RequiresConfirmation bool           `json:"requires_confirmation,omitempty"`
}

// Policy is the capability policy for device actions.
type Policy struct {
	Allowlist            map[string][]string
	ConfirmationRequired []string
	MaxActionsPerSession int
	MaxBatchSize         int
	MaxDeferredActions   int
}

// DefaultPolicy applies the stock session, batch and queue limits to an
// allowlist.
func DefaultPolicy(allowlist map[string][]string) Policy {
	return Policy{
		Allowlist:            allowlist,
		MaxActionsPerSession: 10,
		MaxBatchSize:         5,
		MaxDeferredActions:   25,
	}
}

// IsAllowed reports whether the allowlist permits (device, action).
func (p Policy) IsAllowed(deviceID, action string) bool {
	for _, allowed := range p.Allowlist[deviceID] {
		if allowed == action {
			return true
		}
	}
	return false
}

// NeedsConfirmation reports whether "device:action" is marked as requiring
// explicit confirmation.
func (p Policy) NeedsConfirmation(deviceID, action string) bool {
	token := deviceID + ":" + action
	for _, required := range p.ConfirmationRequired {
		if required == token {
			return true
		}
	}
	return false
}

// Ack is the deterministic acknowledgement for an executed command.
type Ack struct {
	DeviceID   string         `json:"device_id"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters"`
	Status     string         `json:"status"`
	SessionID  string         `json:"session_id"`
	Count      int            `json:"count"`
}

// Confirmer approves or rejects a command needing confirmation.
type Confirmer func(Command) bool

type deferredCommand struct {
	availableAt float64
	sessionID   string
	command     Command
}

// Bridge validates and journals IoT commands before dispatch.
type Bridge struct {
	mu            sync.Mutex
	policy        Policy
	journal       *journal.Journal
	sessionCounts map[string]int
	deferred      []deferredCommand
	sensorHub     *encoder.SensorHub
	signalPrefix  string
	now           func() time.Time
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithJournal binds an action journal for command outcomes.
func WithJournal(j *journal.Journal) Option {
	return func(b *Bridge) { b.journal = j }
}

// WithSensorHub mirrors executed commands into the hub under the given
// signal prefix.
func WithSensorHub(hub *encoder.SensorHub, prefix string) Option {
	return func(b *Bridge) {
		b.sensorHub = hub
		b.signalPrefix = prefix
	}
}

// WithClock injects a clock for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBridge builds a bridge enforcing the given policy.
func NewBridge(policy Policy, opts ...Option) *Bridge {
	b := &Bridge{
		policy:        policy,
		sessionCounts: make(map[string]int),
		signalPrefix:  "iot",
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// AttachSensorHub attaches or replaces the mirrored sensor hub.
func (b *Bridge) AttachSensorHub(hub *encoder.SensorHub, prefix string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sensorHub = hub
	if prefix != "" {
		b.signalPrefix = prefix
	}
}

// Dispatch validates one command and returns its acknowledgement.
func (b *Bridge) Dispatch(sessionID string, command Command, confirmer Confirmer) (Ack, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.executeLocked(sessionID, command, confirmer)
}

// DispatchBatch executes commands in order, stopping at the first failure.
// Oversized batches are rejected before any command runs.
func (b *Bridge) DispatchBatch(sessionID string, commands []Command, confirmer Confirmer) ([]Ack, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.policy.MaxBatchSize > 0 && len(commands) > b.policy.MaxBatchSize {
		if len(commands) > 0 {
			b.journalEvent("iot_batch_rejected", sessionID, commands[0], map[string]any{"size": len(commands)})
		}
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(commands), b.policy.MaxBatchSize)
	}
	acks := make([]Ack, 0, len(commands))
	for _, command := range commands {
		ack, err := b.executeLocked(sessionID, command, confirmer)
		if err != nil {
			return acks, err
		}
		acks = append(acks, ack)
	}
	return acks, nil
}

// QueueDelayed stores a command for later release. A zero availableAt means
// "available immediately".
func (b *Bridge) QueueDelayed(sessionID string, command Command, availableAt float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.policy.MaxDeferredActions > 0 && len(b.deferred) >= b.policy.MaxDeferredActions {
		b.journalEvent("iot_queue_overflow", sessionID, command, nil)
		return ErrQueueFull
	}
	if availableAt == 0 {
		availableAt = float64(b.now().UnixNano()) / float64(time.Second)
	}
	b.deferred = append(b.deferred, deferredCommand{availableAt: availableAt, sessionID: sessionID, command: command})
	b.journalEvent("iot_queued", sessionID, command, map[string]any{"available_at": availableAt})
	return nil
}

// ReleaseDelayed executes queued commands whose availability time has
// arrived, in timestamp order. A zero upto means "now". Commands that fail
// policy checks are dropped from the queue; their errors are journaled, not
// returned.
func (b *Bridge) ReleaseDelayed(upto float64, confirmer Confirmer) []Ack {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.deferred) == 0 {
		return nil
	}
	if upto == 0 {
		upto = float64(b.now().UnixNano()) / float64(time.Second)
	}
	var ready []deferredCommand
	var remainder []deferredCommand
	for _, record := range b.deferred {
		if record.availableAt <= upto {
			ready = append(ready, record)
		} else {
			remainder = append(remainder, record)
		}
	}
	b.deferred = remainder
	sort.SliceStable(ready, func(i, j int) bool { return ready[i].availableAt < ready[j].availableAt })

	var acks []Ack
	for _, record := range ready {
		ack, err := b.executeLocked(record.sessionID, record.command, confirmer)
		if err != nil {
			continue
		}
		acks = append(acks, ack)
	}
	if len(acks) > 0 {
		b.journalEvent("iot_release", acks[0].SessionID, ready[0].command, map[string]any{"released": len(acks)})
	}
	return acks
}

// MergeAfterOffline combines the session's queued commands with commands
// accumulated offline, deduplicates by (device, action, sorted parameters)
// and dispatches the survivors.
func (b *Bridge) MergeAfterOffline(sessionID string, incoming []Command, confirmer Confirmer) ([]Ack, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var carried []deferredCommand
	var remaining []deferredCommand
	for _, record := range b.deferred {
		if record.sessionID == sessionID {
			carried = append(carried, record)
		} else {
			remaining = append(remaining, record)
		}
	}
	b.deferred = remaining

	now := float64(b.now().UnixNano()) / float64(time.Second)
	combined := append([]deferredCommand(nil), carried...)
	for _, command := range incoming {
		combined = append(combined, deferredCommand{availableAt: now, sessionID: sessionID, command: command})
	}
	sort.SliceStable(combined, func(i, j int) bool { return combined[i].availableAt < combined[j].availableAt })

	seen := make(map[string]bool)
	var deduped []Command
	for _, record := range combined {
		signature := commandSignature(record.command)
		if seen[signature] {
			continue
		}
		seen[signature] = true
		deduped = append(deduped, record.command)
	}

	acks := make([]Ack, 0, len(deduped))
	for _, command := range deduped {
		ack, err := b.executeLocked(sessionID, command, confirmer)
		if err != nil {
			return acks, err
		}
		acks = append(acks, ack)
	}

	if len(carried) > 0 || len(incoming) > 0 || len(deduped) > 0 {
		reference := Command{}
		switch {
		case len(deduped) > 0:
			reference = deduped[0]
		case len(incoming) > 0:
			reference = incoming[0]
		default:
			reference = carried[0].command
		}
		b.journalEvent("iot_offline_merge", sessionID, reference, map[string]any{
			"merged":   len(deduped),
			"carried":  len(carried),
			"incoming": len(incoming),
		})
	}
	return acks, nil
}

// ResetSession clears the session's counter and drops its queued commands.
func (b *Bridge) ResetSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessionCounts, sessionID)
	var remaining []deferredCommand
	for _, record := range b.deferred {
		if record.sessionID != sessionID {
			remaining = append(remaining, record)
		}
	}
	b.deferred = remaining
}

// DeferredLen reports the number of queued commands.
func (b *Bridge) DeferredLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.deferred)
}

func (b *Bridge) executeLocked(sessionID string, command Command, confirmer Confirmer) (Ack, error) {
	if !b.policy.IsAllowed(command.DeviceID, command.Action) {
		b.journalEvent("iot_denied", sessionID, command, nil)
		return Ack{}, fmt.Errorf("%w: %s on %s", ErrNotAllowed, command.Action, command.DeviceID)
	}

	current := b.sessionCounts[sessionID]
	if b.policy.MaxActionsPerSession > 0 && current+1 > b.policy.MaxActionsPerSession {
		b.journalEvent("iot_rate_limited", sessionID, command, nil)
		return Ack{}, ErrRateLimited
	}

	if command.RequiresConfirmation || b.policy.NeedsConfirmation(command.DeviceID, command.Action) {
		if confirmer == nil || !confirmer(command) {
			b.journalEvent("iot_unconfirmed", sessionID, command, nil)
			return Ack{}, ErrConfirmationRequired
		}
	}

	count := current + 1
	b.sessionCounts[sessionID] = count
	ack := Ack{
		DeviceID:   command.DeviceID,
		Action:     command.Action,
		Parameters: copyParameters(command.Parameters),
		Status:     "executed",
		SessionID:  sessionID,
		Count:      count,
	}
	b.journalEvent("iot_executed", sessionID, command, map[string]any{"status": ack.Status, "count": ack.Count})
	b.mirrorToSensorHub(sessionID, command)
	return ack, nil
}

func (b *Bridge) mirrorToSensorHub(sessionID string, command Command) {
	if b.sensorHub == nil {
		return
	}
	value := 1.0
	if raw, ok := command.Parameters["value"]; ok {
		if parsed, ok := toFloat(raw); ok {
			value = parsed
		}
	}
	timestamp := float64(b.now().UnixNano()) / float64(time.Second)
	if raw, ok := command.Parameters["timestamp"]; ok {
		if parsed, ok := toFloat(raw); ok {
			timestamp = parsed
		}
	}
	baseSignal := command.DeviceID + "::" + command.Action
	if raw, ok := command.Parameters["signal_type"].(string); ok && raw != "" {
		baseSignal = raw
	}
	signalType := baseSignal
	if b.signalPrefix != "" {
		signalType = b.signalPrefix + "::" + baseSignal
	}
	event := encoder.SensorEvent{
		Source:     sessionID,
		SignalType: signalType,
		Value:      value,
		Timestamp:  timestamp,
	}
	b.sensorHub.Ingest(event)
	b.journalEvent("iot_sensor_sync", sessionID, command, map[string]any{
		"signal_type": event.SignalType,
		"value":       event.Value,
		"timestamp":   event.Timestamp,
	})
}

func (b *Bridge) journalEvent(event, sessionID string, command Command, extra map[string]any) {
	if b.journal == nil {
		return
	}
	payload := map[string]any{
		"session_id": sessionID,
		"device_id":  command.DeviceID,
		"action":     command.Action,
		"parameters": copyParameters(command.Parameters),
	}
	for key, value := range extra {
		payload[key] = value
	}
	b.journal.Append(event, payload)
}

// commandSignature builds the dedup key (device, action, sorted parameters).
func commandSignature(command Command) string {
	keys := make([]string, 0, len(command.Parameters))
	for key := range command.Parameters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	signature := command.DeviceID + "|" + command.Action
	for _, key := range keys {
		signature += "|" + key + "=" + fmt.Sprintf("%v", command.Parameters[key])
	}
	return signature
}

func copyParameters(parameters map[string]any) map[string]any {
	out := make(map[string]any, len(parameters))
	for key, value := range parameters {
		out[key] = value
	}
	return out
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}
