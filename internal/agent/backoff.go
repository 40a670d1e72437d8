package agent

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig tunes the reconnect delay curve.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// DefaultBackoffConfig returns the standard reconnect curve: 1s
// doubling to a 60s ceiling with 20% jitter so a fleet of devices does
// not re-dial in lockstep after a relay restart.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Backoff produces successive reconnect delays.
type Backoff struct {
	cfg     BackoffConfig
	attempt int
}

// NewBackoff creates a backoff, filling zero fields from the defaults.
func NewBackoff(cfg BackoffConfig) *Backoff {
	def := DefaultBackoffConfig()
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	return &Backoff{cfg: cfg}
}

// Next returns the delay before the next attempt and advances the
// curve.
func (b *Backoff) Next() time.Duration {
	d := b.delayFor(b.attempt)
	b.attempt++
	return b.jitter(d)
}

// Reset rewinds the curve after a healthy session.
func (b *Backoff) Reset() { b.attempt = 0 }

// Attempts returns how many delays have been handed out since the
// last reset.
func (b *Backoff) Attempts() int { return b.attempt }

func (b *Backoff) delayFor(attempt int) time.Duration {
	if attempt <= 0 {
		return b.cfg.InitialDelay
	}
	d := float64(b.cfg.InitialDelay) * math.Pow(b.cfg.Multiplier, float64(attempt))
	if d > float64(b.cfg.MaxDelay) {
		return b.cfg.MaxDelay
	}
	return time.Duration(d)
}

func (b *Backoff) jitter(d time.Duration) time.Duration {
	if b.cfg.Jitter <= 0 {
		return d
	}
	span := float64(d) * b.cfg.Jitter
	out := time.Duration(float64(d) + (rand.Float64()*2-1)*span)
	if out < 0 {
		return d
	}
	return out
}
