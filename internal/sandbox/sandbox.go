package sandbox

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"kolibri/internal/journal"
	"kolibri/internal/logging"
	"kolibri/internal/skills"
)

// Executor is the contract a skill implementation fulfils. The payload and
// result are plain JSON-compatible maps; the context carries the deadline and
// the memory guard for the invocation.
type Executor interface {
	Invoke(ctx context.Context, payload map[string]any) (map[string]any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, payload map[string]any) (map[string]any, error)

func (f ExecutorFunc) Invoke(ctx context.Context, payload map[string]any) (map[string]any, error) {
	return f(ctx, payload)
}

// Usage accumulates per-skill resource consumption across invocations.
type Usage struct {
	Invocations int64 `json:"invocations"`
	CPUMillis   int64 `json:"cpu_ms"`
	WallMillis  int64 `json:"wall_ms"`
	NetBytes    int64 `json:"net_bytes"`
	FSBytes     int64 `json:"fs_bytes"`
	FSOps       int64 `json:"fs_ops"`
}

const (
	// DefaultTimeLimit bounds a single skill invocation's wall clock.
	DefaultTimeLimit = 5 * time.Second
	// DefaultMemoryLimitMB bounds cooperative memory reservations per run.
	DefaultMemoryLimitMB = 256
	// DefaultMaxWorkers caps concurrently executing skill workers.
	DefaultMaxWorkers = 8
)

type registration struct {
	executor Executor
	quota    skills.Quota
}

// Sandbox runs skill executors in isolated workers with wall-clock, memory
// and quota enforcement. Every abnormal outcome is written to the journal
// before the error is returned to the caller.
type Sandbox struct {
	mu        sync.Mutex
	executors map[string]registration
	usage     map[string]*Usage

	timeLimit     time.Duration
	memoryLimitMB int64
	workers       *semaphore.Weighted

	journal *journal.Journal
	log     *zap.Logger
}

// Option configures a Sandbox.
type Option func(*Sandbox)

// WithTimeLimit overrides the per-invocation wall-clock limit.
func WithTimeLimit(d time.Duration) Option {
	return func(s *Sandbox) {
		if d > 0 {
			s.timeLimit = d
		}
	}
}

// WithMemoryLimit overrides the per-invocation memory cap in megabytes.
func WithMemoryLimit(mb int64) Option {
	return func(s *Sandbox) {
		if mb > 0 {
			s.memoryLimitMB = mb
		}
	}
}

// WithMaxWorkers bounds how many skills may execute concurrently.
func WithMaxWorkers(n int64) Option {
	return func(s *Sandbox) {
		if n > 0 {
			s.workers = semaphore.NewWeighted(n)
		}
	}
}

// New creates a sandbox that journals execution outcomes to j.
func New(j *journal.Journal, opts ...Option) *Sandbox {
	s := &Sandbox{
		executors:     make(map[string]registration),
		usage:         make(map[string]*Usage),
		timeLimit:     DefaultTimeLimit,
		memoryLimitMB: DefaultMemoryLimitMB,
		workers:       semaphore.NewWeighted(DefaultMaxWorkers),
		journal:       j,
		log:           logging.Get(logging.CategorySandbox),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register binds an executor to a skill name along with its quota. A zero
// quota disables resource limits for the skill.
func (s *Sandbox) Register(name string, executor Executor, quota skills.Quota) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executors[name] = registration{executor: executor, quota: quota}
	if _, ok := s.usage[name]; !ok {
		s.usage[name] = &Usage{}
	}
}

// Registered reports whether an executor is bound to the skill name.
func (s *Sandbox) Registered(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.executors[name]
	return ok
}

// UsageSnapshot returns a copy of the accumulated usage for a skill.
func (s *Sandbox) UsageSnapshot(name string) Usage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.usage[name]; ok {
		return *u
	}
	return Usage{}
}

// RecordIO charges network and filesystem consumption observed outside the
// worker (proxied IO) to a skill and enforces the corresponding quotas.
func (s *Sandbox) RecordIO(name string, netBytes, fsBytes, fsOps int64) error {
	s.mu.Lock()
	reg, ok := s.executors[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("sandbox: %w: %s", ErrUnknownSkill, name)
	}
	u := s.usage[name]
	u.NetBytes += netBytes
	u.FSBytes += fsBytes
	u.FSOps += fsOps
	violation := quotaViolation(reg.quota, *u)
	s.mu.Unlock()

	if violation != nil {
		s.journalQuotaBlocked(name, violation)
		return violation
	}
	return nil
}

type workerResult struct {
	result map[string]any
	err    error
}

// Execute runs the named skill's executor against the payload. It enforces
// the invocation quota before starting, then the wall-clock and memory limits
// while the worker runs. Abnormal terminations are journaled and surfaced as
// typed errors.
func (s *Sandbox) Execute(ctx context.Context, name string, payload map[string]any) (map[string]any, error) {
	s.mu.Lock()
	reg, ok := s.executors[name]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("sandbox: %w: %s", ErrUnknownSkill, name)
	}
	u := s.usage[name]
	if violation := quotaViolation(reg.quota, *u); violation != nil {
		s.mu.Unlock()
		s.journalQuotaBlocked(name, violation)
		return nil, violation
	}
	u.Invocations++
	s.mu.Unlock()

	if err := s.workers.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("sandbox: acquire worker for %s: %w", name, err)
	}
	defer s.workers.Release(1)

	limitMB := s.memoryLimitMB
	if reg.quota.RAMMB > 0 && reg.quota.RAMMB < limitMB {
		limitMB = reg.quota.RAMMB
	}
	guard := NewMemoryGuard(limitMB)
	workerCtx, cancel := context.WithTimeout(withMemoryGuard(ctx, guard), s.timeLimit)
	defer cancel()

	started := time.Now()
	cpuStart := processCPUTime()
	done := make(chan workerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("skill worker panic",
					zap.String("skill", name),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
				done <- workerResult{err: &CrashError{Skill: name, Reason: fmt.Sprint(r)}}
			}
		}()
		result, err := reg.executor.Invoke(workerCtx, payload)
		done <- workerResult{result: result, err: err}
	}()

	var out workerResult
	select {
	case out = <-done:
	case <-workerCtx.Done():
		if workerCtx.Err() == context.DeadlineExceeded {
			s.chargeRun(name, started, cpuStart)
			s.journalEvent("skill_timeout", map[string]any{
				"skill":      name,
				"error_type": "skill_timeout",
				"time_limit": s.timeLimit.Seconds(),
			})
			return nil, &TimeoutError{Skill: name, Limit: s.timeLimit}
		}
		// Caller cancelled; the worker's result is abandoned.
		s.chargeRun(name, started, cpuStart)
		return nil, workerCtx.Err()
	}

	s.chargeRun(name, started, cpuStart)

	switch err := out.err.(type) {
	case nil:
	case *CrashError:
		s.journalEvent("skill_process_terminated", map[string]any{
			"skill":        name,
			"error_type":   "skill_process_terminated",
			"message":      err.Reason,
			"payload_keys": payloadKeys(payload),
		})
		return nil, err
	case *MemoryLimitError:
		if err.Skill == "" {
			err.Skill = name
		}
		if err.LimitMB == 0 {
			err.LimitMB = limitMB
		}
		s.journalEvent("skill_memory_limit_exceeded", map[string]any{
			"skill":      name,
			"error_type": "skill_memory_limit_exceeded",
			"limit_mb":   err.LimitMB,
		})
		return nil, err
	default:
		s.journalEvent("skill_execution_error", map[string]any{
			"skill":        name,
			"error_type":   "skill_execution_error",
			"message":      err.Error(),
			"payload_keys": payloadKeys(payload),
		})
		return nil, err
	}

	if out.result == nil {
		s.journalEvent("skill_execution_error", map[string]any{
			"skill":        name,
			"error_type":   "skill_execution_error",
			"message":      ErrNilResult.Error(),
			"payload_keys": payloadKeys(payload),
		})
		return nil, fmt.Errorf("sandbox: %s: %w", name, ErrNilResult)
	}
	return out.result, nil
}

// chargeRun accumulates the wall and CPU time of a finished or abandoned run.
func (s *Sandbox) chargeRun(name string, started time.Time, cpuStart time.Duration) {
	wall := time.Since(started)
	cpu := processCPUTime() - cpuStart
	if cpu < 0 {
		cpu = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.usage[name]; ok {
		u.WallMillis += wall.Milliseconds()
		u.CPUMillis += cpu.Milliseconds()
	}
}

// quotaViolation returns the first exhausted resource, checked in a fixed
// order so repeated violations report deterministically.
func quotaViolation(q skills.Quota, u Usage) *QuotaExceededError {
	type check struct {
		resource string
		limit    int64
		used     int64
	}
	checks := []check{
		{"invocations", q.Invocations, u.Invocations},
		{"cpu_ms", q.CPUMillis, u.CPUMillis},
		{"wall_ms", q.WallMillis, u.WallMillis},
		{"net_bytes", q.NetBytes, u.NetBytes},
		{"fs_bytes", q.FSBytes, u.FSBytes},
		{"fs_ops", q.FSOps, u.FSOps},
	}
	for _, c := range checks {
		if c.limit > 0 && c.used >= c.limit {
			return &QuotaExceededError{Resource: c.resource, Limit: c.limit, Used: c.used}
		}
	}
	return nil
}

func (s *Sandbox) journalQuotaBlocked(name string, violation *QuotaExceededError) {
	violation.Skill = name
	s.journalEvent("skill_quota_blocked", map[string]any{
		"skill":      name,
		"error_type": "skill_quota_blocked",
		"resource":   violation.Resource,
		"limit":      violation.Limit,
		"used":       violation.Used,
	})
}

func (s *Sandbox) journalEvent(event string, payload map[string]any) {
	if s.journal == nil {
		return
	}
	s.journal.Append(event, payload)
}

func payloadKeys(payload map[string]any) []string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
