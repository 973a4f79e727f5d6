package engine

import "time"

// Settings are the run-wide tunables. They are fixed once a run starts;
// only an explicit replan override may change them mid-run.
type Settings struct {
	MaxSteps           int           `json:"maxSteps"`
	MaxStepAttempts    int           `json:"maxStepAttempts"`
	MaxReplanCalls     int           `json:"maxReplanCalls"`
	ReplanEverySteps   int           `json:"replanEverySteps"`
	MaxSelfChecks      int           `json:"maxSelfChecks"`
	LoopGuardThreshold int           `json:"loopGuardThreshold"`
	LoopBackoffBase    time.Duration `json:"loopBackoffBaseMs"`
	LoopBackoffMax     time.Duration `json:"loopBackoffMaxMs"`
}

// DefaultSettings returns the tunables used when a run supplies none.
func DefaultSettings() Settings {
	return Settings{
		MaxSteps:           40,
		MaxStepAttempts:    3,
		MaxReplanCalls:     5,
		ReplanEverySteps:   5,
		MaxSelfChecks:      2,
		LoopGuardThreshold: 3,
		LoopBackoffBase:    500 * time.Millisecond,
		LoopBackoffMax:     30 * time.Second,
	}
}

// normalized fills zero fields from defaults so a partially specified
// settings document never disables a safety bound.
func (s Settings) normalized() Settings {
	d := DefaultSettings()
	if s.MaxSteps <= 0 {
		s.MaxSteps = d.MaxSteps
	}
	if s.MaxStepAttempts <= 0 {
		s.MaxStepAttempts = d.MaxStepAttempts
	}
	if s.MaxReplanCalls <= 0 {
		s.MaxReplanCalls = d.MaxReplanCalls
	}
	if s.ReplanEverySteps <= 0 {
		s.ReplanEverySteps = d.ReplanEverySteps
	}
	if s.MaxSelfChecks <= 0 {
		s.MaxSelfChecks = d.MaxSelfChecks
	}
	if s.LoopGuardThreshold <= 0 {
		s.LoopGuardThreshold = d.LoopGuardThreshold
	}
	if s.LoopBackoffBase <= 0 {
		s.LoopBackoffBase = d.LoopBackoffBase
	}
	if s.LoopBackoffMax <= 0 {
		s.LoopBackoffMax = d.LoopBackoffMax
	}
	return s
}
