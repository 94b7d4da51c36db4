// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package resilience protects calls to flaky network-bound dependencies.
//
// It provides two composable mechanisms:
//
//   - Retry with exponential backoff for transient failures
//     (timeouts, refused connections, rate limits).
//   - A per-dependency circuit breaker that fails fast while a
//     dependency is known to be down.
//
// Both are combined by Do / DoValue, which every external call in the
// question pipeline goes through.
package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// BreakerState represents the state of a circuit breaker.
//
// # State Diagram
//
//	CLOSED ──[failure threshold within window]──► OPEN
//	   ▲                                            │
//	   │                                       [cooldown]
//	   └────[trial succeeds]── HALF_OPEN ◄──────────┘
//	                               │
//	                     [trial fails]──► OPEN
type BreakerState int

const (
	// StateClosed is the normal operating state.
	StateClosed BreakerState = iota

	// StateOpen means the circuit has tripped and calls fail immediately.
	StateOpen

	// StateHalfOpen permits exactly one trial call to probe recovery.
	StateHalfOpen
)

// String returns a human-readable state name.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// ErrCircuitOpen is returned when a breaker rejects a call without
// attempting the network operation.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig controls how a circuit breaker trips and recovers.
type BreakerConfig struct {
	// FailureThreshold is the number of failures within FailureWindow
	// that opens the circuit. Default: 5.
	FailureThreshold int

	// FailureWindow bounds how long failures are counted toward the
	// threshold. Failures older than the window are forgotten.
	// Default: 1 minute.
	FailureWindow time.Duration

	// Cooldown is how long the circuit stays open before permitting a
	// half-open trial call. Default: 30 seconds.
	Cooldown time.Duration

	// OnStateChange is invoked asynchronously on every transition.
	OnStateChange func(dependency string, from, to BreakerState)
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		FailureWindow:    time.Minute,
		Cooldown:         30 * time.Second,
	}
}

// Breaker is a circuit breaker guarding a single named dependency.
//
// # Description
//
// Tracks a rolling failure count and stops issuing calls once the
// dependency is considered down, preventing cascading latency. After the
// cooldown a single trial call is allowed through; its outcome decides
// whether the circuit closes again or re-opens and resets the cooldown.
//
// # Thread Safety
//
// Breaker is safe for concurrent use across pipeline instances.
type Breaker struct {
	name   string
	config BreakerConfig

	mu            sync.Mutex
	state         BreakerState
	failures      int
	windowStart   time.Time
	openedAt      time.Time
	trialInFlight bool

	// now is swapped out in tests to drive the clock.
	now func() time.Time
}

// NewBreaker creates a closed breaker for the named dependency.
func NewBreaker(name string, config BreakerConfig) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.FailureWindow <= 0 {
		config.FailureWindow = time.Minute
	}
	if config.Cooldown <= 0 {
		config.Cooldown = 30 * time.Second
	}
	return &Breaker{
		name:   name,
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// Allow reports whether a call may proceed right now.
//
// In the half-open state only one in-flight trial is permitted; callers
// that lose the race are rejected with the circuit still counted as open.
// A caller that receives true MUST report the outcome via Record.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.config.Cooldown {
			b.transitionTo(StateHalfOpen)
			b.trialInFlight = true
			return true
		}
		return false

	case StateHalfOpen:
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true

	default:
		return false
	}
}

// Record reports the outcome of a call previously admitted by Allow.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.trialInFlight = false
		if err != nil {
			// Trial failed: back to open, cooldown restarts.
			b.openedAt = b.now()
			b.transitionTo(StateOpen)
			return
		}
		b.failures = 0
		b.transitionTo(StateClosed)
		return
	}

	if err == nil {
		b.failures = 0
		return
	}

	now := b.now()
	if b.failures == 0 || now.Sub(b.windowStart) > b.config.FailureWindow {
		b.windowStart = now
		b.failures = 0
	}
	b.failures++

	if b.state == StateClosed && b.failures >= b.config.FailureThreshold {
		b.openedAt = now
		b.transitionTo(StateOpen)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the failure count in the current window.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset forces the breaker back to closed, clearing all counters.
// Use when the dependency is known to have been fixed externally.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.trialInFlight = false
	b.transitionTo(StateClosed)
}

// transitionTo changes state. Caller must hold b.mu.
func (b *Breaker) transitionTo(state BreakerState) {
	if b.state == state {
		return
	}
	old := b.state
	b.state = state
	if b.config.OnStateChange != nil {
		// Fire without the lock held to avoid deadlocks.
		go b.config.OnStateChange(b.name, old, state)
	}
}

// Registry manages one breaker per named external dependency.
//
// # Thread Safety
//
// Registry is safe for concurrent use.
type Registry struct {
	defaultConfig BreakerConfig
	mu            sync.RWMutex
	breakers      map[string]*Breaker
}

// NewRegistry creates an empty registry with a default breaker config.
func NewRegistry(defaultConfig BreakerConfig) *Registry {
	return &Registry{
		defaultConfig: defaultConfig,
		breakers:      make(map[string]*Breaker),
	}
}

// Get returns the breaker for a dependency, creating it if needed.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring the write lock.
	if b, ok = r.breakers[name]; ok {
		return b
	}
	b = NewBreaker(name, r.defaultConfig)
	r.breakers[name] = b
	return b
}

// States returns the current state of every registered breaker.
func (r *Registry) States() map[string]BreakerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]BreakerState, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
