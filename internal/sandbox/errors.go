package sandbox

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownSkill is returned when no executor is registered for a name.
var ErrUnknownSkill = errors.New("unknown skill executor")

// ErrNilResult is returned when an executor produces no result mapping.
var ErrNilResult = errors.New("skill returned no result mapping")

// TimeoutError reports an execution that exceeded the sandbox time limit.
type TimeoutError struct {
	Skill string
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("skill %q exceeded time limit %s", e.Skill, e.Limit)
}

// MemoryLimitError reports an allocation beyond the sandbox memory cap.
type MemoryLimitError struct {
	Skill     string
	LimitMB   int64
	Requested int64
}

func (e *MemoryLimitError) Error() string {
	return fmt.Sprintf("skill %q exceeded memory limit %d MB (requested %d bytes)", e.Skill, e.LimitMB, e.Requested)
}

// CrashError reports a worker that terminated without producing a response.
type CrashError struct {
	Skill  string
	Reason string
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("skill %q worker terminated: %s", e.Skill, e.Reason)
}

// QuotaExceededError reports a named resource beyond its configured limit.
type QuotaExceededError struct {
	Skill    string
	Resource string
	Limit    int64
	Used     int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("skill %q quota exceeded: %s used %d of %d", e.Skill, e.Resource, e.Used, e.Limit)
}
