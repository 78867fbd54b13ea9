// Package ratelimit implements the shared token-bucket admission controller
// for the KIS open API.
//
// Every process that talks to the brokerage (loaders, watchdog, viewer) debits
// the same bucket. Capacity refills continuously; a configurable reserve band
// is withheld from low-priority bulk collection so that latency-sensitive
// calls are never starved behind it.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Priority selects the admission threshold for an acquisition.
type Priority int

const (
	// Low is bulk collection; it must leave the reserve band untouched.
	Low Priority = iota
	// High is latency-sensitive traffic; it needs only a single token.
	High
)

func (p Priority) String() string {
	if p == High {
		return "HIGH"
	}
	return "LOW"
}

// ParsePriority maps "HIGH"/"LOW" (any case) onto a Priority, defaulting to Low.
func ParsePriority(s string) Priority {
	switch s {
	case "HIGH", "high", "High":
		return High
	default:
		return Low
	}
}

// State is the persisted bucket balance. LastUpdate is epoch seconds so the
// on-disk format stays readable by anything that can parse JSON.
type State struct {
	Tokens     float64 `json:"tokens"`
	LastUpdate float64 `json:"last_update"`
}

// SharedCounter grants exclusive read-modify-write access to the bucket state.
// fn receives the current state and returns the new state plus whether a token
// was debited; the new state is persisted only when fn admits, so a denied
// attempt leaves the stored balance untouched for other processes.
type SharedCounter interface {
	Update(fn func(s State) (State, bool)) (bool, error)
}

// ErrAcquireTimeout is returned when no token became available inside the
// acquisition window. Callers treat it like any other transient failure.
var ErrAcquireTimeout = errors.New("ratelimit: acquire timed out")

// pollSlice caps the sleep between admission checks so token arrivals from
// other processes are observed at up to 10x/sec.
const pollSlice = 100 * time.Millisecond

// Limiter is a priority-aware token bucket over a SharedCounter backend.
type Limiter struct {
	max     float64
	refill  float64
	reserve float64
	timeout time.Duration
	counter SharedCounter
}

// Config carries the bucket sizing knobs.
type Config struct {
	MaxTokens      float64
	RefillRate     float64
	Reserve        float64
	AcquireTimeout time.Duration
}

// New builds a Limiter on top of the given counter backend.
func New(cfg Config, counter SharedCounter) *Limiter {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 20
	}
	if cfg.RefillRate <= 0 {
		cfg.RefillRate = 10
	}
	if cfg.Reserve < 0 {
		cfg.Reserve = 0
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	return &Limiter{
		max:     cfg.MaxTokens,
		refill:  cfg.RefillRate,
		reserve: cfg.Reserve,
		timeout: cfg.AcquireTimeout,
		counter: counter,
	}
}

// Sizing derives bucket capacity from the number of active credentials and the
// safe per-key request interval, so the shared budget scales with the pool.
func Sizing(numSessions int, perKeyInterval time.Duration) Config {
	if numSessions < 1 {
		numSessions = 1
	}
	interval := perKeyInterval.Seconds()
	if interval < 0.01 {
		interval = 0.01
	}
	totalTPS := float64(numSessions) / interval
	maxTokens := totalTPS * 2
	if maxTokens < 10 {
		maxTokens = 10
	}
	reserve := totalTPS * 0.2
	if reserve < 5 {
		reserve = 5
	}
	return Config{MaxTokens: maxTokens, RefillRate: totalTPS, Reserve: reserve}
}

// Acquire blocks until one token can be debited at the given priority, the
// context is cancelled, or the limiter's acquire timeout elapses.
func (l *Limiter) Acquire(ctx context.Context, pri Priority) error {
	deadline := time.Now().Add(l.timeout)
	threshold := 1.0
	if pri == Low {
		threshold = 1.0 + l.reserve
	}

	for {
		var missing float64
		admitted, err := l.counter.Update(func(s State) (State, bool) {
			now := time.Now()
			nowSec := float64(now.UnixNano()) / float64(time.Second)
			elapsed := nowSec - s.LastUpdate
			if elapsed < 0 {
				elapsed = 0
			}
			tokens := s.Tokens + elapsed*l.refill
			if tokens > l.max {
				tokens = l.max
			}
			if tokens >= threshold {
				return State{Tokens: tokens - 1.0, LastUpdate: nowSec}, true
			}
			missing = threshold - tokens
			return s, false
		})
		if err != nil {
			return err
		}
		if admitted {
			return nil
		}

		wait := time.Duration(missing / l.refill * float64(time.Second))
		if wait > pollSlice {
			wait = pollSlice
		}
		if wait <= 0 {
			wait = time.Millisecond
		}
		if time.Now().Add(wait).After(deadline) {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return ErrAcquireTimeout
			}
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if !time.Now().Before(deadline) {
			return ErrAcquireTimeout
		}
	}
}
