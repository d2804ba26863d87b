// Package retry decides whether and when a failed task runs again.
package retry

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Class is the retry classification of an error.
type Class string

const (
	ClassTransient Class = "transient"
	ClassPermanent Class = "permanent"
)

// Policy configures exponential backoff.
type Policy struct {
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	Factor       float64       `yaml:"factor" json:"factor"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay"`
	Jitter       bool          `yaml:"jitter" json:"jitter"`
}

// DefaultPolicy returns 2s initial delay doubling up to one minute.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 2 * time.Second,
		Factor:       2.0,
		MaxDelay:     time.Minute,
		Jitter:       false,
	}
}

// Decision is the outcome of ShouldRetry.
type Decision struct {
	Retry bool
	Delay time.Duration
	Class Class
}

// ShouldRetry reports whether a task that failed on attempt (1-indexed)
// should run again. It has no side effects.
func (p Policy) ShouldRetry(attempt, maxAttempts int, err error) Decision {
	return p.ShouldRetrySeeded(attempt, maxAttempts, err, "")
}

// ShouldRetrySeeded is ShouldRetry with a jitter seed, typically the task id.
func (p Policy) ShouldRetrySeeded(attempt, maxAttempts int, err error, seed string) Decision {
	class := Classify(err)
	if class != ClassTransient || attempt >= maxAttempts {
		return Decision{Retry: false, Class: class}
	}
	return Decision{
		Retry: true,
		Delay: p.DelayForAttempt(attempt, fmt.Sprintf("%s:%d", seed, attempt)),
		Class: class,
	}
}

// DelayForAttempt returns initial*factor^(attempt-1), capped at MaxDelay.
// With jitter enabled the result is scaled by a seed-derived factor in
// [0.5, 1.5).
func (p Policy) DelayForAttempt(attempt int, seed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.InitialDelay <= 0 {
		return 0
	}
	factor := p.Factor
	if factor <= 0 {
		factor = 1
	}

	d := float64(p.InitialDelay) * math.Pow(factor, float64(attempt-1))
	if p.MaxDelay > 0 {
		d = math.Min(d, float64(p.MaxDelay))
	}
	if p.Jitter {
		d *= 0.5 + jitterUnit(seed)
	}
	if d < 0 || math.IsNaN(d) {
		d = 0
	}
	return time.Duration(d)
}

func jitterUnit(seed string) float64 {
	sum := blake3.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8]) >> 11
	return float64(u) / float64(uint64(1)<<53)
}

// --- Classification ---

type classified struct {
	err   error
	class Class
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, class: ClassTransient}
}

// Permanent marks err as never retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, class: ClassPermanent}
}

// Permanentf formats a permanent error.
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

type retryable interface {
	Retryable() bool
}

// Classify decides whether err is transient or permanent. Unknown errors
// are permanent.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}

	var c *classified
	if errors.As(err, &c) {
		return c.class
	}
	var r retryable
	if errors.As(err, &r) {
		if r.Retryable() {
			return ClassTransient
		}
		return ClassPermanent
	}

	if errors.Is(err, context.Canceled) {
		return ClassPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTransient
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return ClassTransient
	}

	if looksTransient(err.Error()) {
		return ClassTransient
	}
	return ClassPermanent
}

var transientHints = []string{
	"rate limit",
	"ratelimit",
	"too many requests",
	"429",
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"broken pipe",
	"service unavailable",
	"bad gateway",
	"gateway timeout",
	"502",
	"503",
	"504",
	"temporary failure",
	"temporarily unavailable",
	"overloaded",
	"unexpected eof",
}

func looksTransient(msg string) bool {
	s := strings.ToLower(msg)
	for _, h := range transientHints {
		if strings.Contains(s, h) {
			return true
		}
	}
	return false
}
