// Package backoff computes retry delays for failed workflow steps from the
// attempt count, worker-provided HTTP headers, an optional error context,
// and an optional explicit backoff hint, following a fixed precedence order
// (spec.md §4.10).
package backoff

import (
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"
)

// HintType is the closed set of explicit backoff hints a worker can attach
// to a step execution result's metadata.
type HintType string

const (
	HintServerRequested  HintType = "server_requested"
	HintRateLimit        HintType = "rate_limit"
	HintServiceUnavailable HintType = "service_unavailable"
	HintCustom           HintType = "custom"
)

// Hint is an explicit, worker-supplied backoff instruction.
type Hint struct {
	Type         HintType
	DelaySeconds int
	Context      string
}

// Context is every input the calculator considers for one step retry.
type Context struct {
	Attempt     int
	Headers     map[string]string
	ErrorContext string
	Hint        *Hint
}

// Kind records which precedence rule actually produced the delay, so callers
// can log and test which branch fired.
type Kind string

const (
	KindHandlerRequested Kind = "handler_requested"
	KindServiceUnavailable Kind = "service_unavailable"
	KindHeaderHonored    Kind = "header_honored"
	KindExponentialJitter Kind = "exponential_jitter"
)

// Result is the calculator's output: a delay and the absolute retry time it
// implies, plus which rule produced it.
type Result struct {
	Kind         Kind
	DelaySeconds int
	NextRetryAt  time.Time
}

// Config bounds the exponential-backoff fallback branch.
type Config struct {
	BaseSeconds int
	CapSeconds  int
	// ServiceUnavailableMultiplier scales every ServiceUnavailable hint's
	// delay_seconds, whatever the attempt count.
	ServiceUnavailableMultiplier int
}

// DefaultConfig: 1s base, 300s (5m) cap, 4x multiplier for
// ServiceUnavailable hints. cmd/orchestrator-core takes base and cap from
// internal/config instead (2s and 300s by default) and only the
// multiplier from here.
func DefaultConfig() Config {
	return Config{BaseSeconds: 1, CapSeconds: 300, ServiceUnavailableMultiplier: 4}
}

// Calculator computes retry delays. It carries no mutable state; a single
// instance is safe for concurrent use across steps.
type Calculator struct {
	cfg Config
	now func() time.Time
}

// New builds a Calculator from cfg.
func New(cfg Config) *Calculator {
	return &Calculator{cfg: cfg, now: time.Now}
}

// Calculate applies the precedence order from spec.md §4.10:
//  1. an explicit ServerRequested or Custom hint's delay_seconds, used
//     directly;
//  2. a ServiceUnavailable hint, whose delay is scaled up by
//     ServiceUnavailableMultiplier;
//  3. a RateLimit hint, or a recognized Retry-After / X-RateLimit-Reset
//     header;
//  4. otherwise, full-jitter exponential backoff capped at CapSeconds.
func (c *Calculator) Calculate(ctx Context) Result {
	if ctx.Hint != nil {
		switch ctx.Hint.Type {
		case HintServerRequested, HintCustom:
			return c.result(KindHandlerRequested, ctx.Hint.DelaySeconds)
		case HintServiceUnavailable:
			return c.result(KindServiceUnavailable, ctx.Hint.DelaySeconds*c.cfg.ServiceUnavailableMultiplier)
		case HintRateLimit:
			if seconds, ok := headerDelaySeconds(ctx.Headers, c.now()); ok {
				return c.result(KindHeaderHonored, seconds)
			}
			return c.result(KindHeaderHonored, ctx.Hint.DelaySeconds)
		}
	}

	if seconds, ok := headerDelaySeconds(ctx.Headers, c.now()); ok {
		return c.result(KindHeaderHonored, seconds)
	}

	return c.result(KindExponentialJitter, c.fullJitter(ctx.Attempt))
}

func (c *Calculator) result(kind Kind, seconds int) Result {
	if seconds < 0 {
		seconds = 0
	}
	return Result{
		Kind:         kind,
		DelaySeconds: seconds,
		NextRetryAt:  c.now().Add(time.Duration(seconds) * time.Second),
	}
}

// fullJitter implements delay = rand(0, min(cap, base*2^attempt)) — the
// "full jitter" strategy, chosen over equal/decorrelated jitter because it
// gives the widest possible retry spread for a given attempt and is the
// simplest to reason about when cap is small relative to base*2^attempt.
func (c *Calculator) fullJitter(attempt int) int {
	if attempt < 0 {
		attempt = 0
	}
	exp := float64(c.cfg.BaseSeconds) * math.Pow(2, float64(attempt))
	capped := math.Min(exp, float64(c.cfg.CapSeconds))
	if capped <= 0 {
		return 0
	}
	return rand.Intn(int(capped) + 1)
}

// headerDelaySeconds recognizes Retry-After (seconds or HTTP-date) and
// X-RateLimit-Reset (unix timestamp) headers, case-insensitively.
func headerDelaySeconds(headers map[string]string, now time.Time) (int, bool) {
	if headers == nil {
		return 0, false
	}
	lookup := func(name string) (string, bool) {
		for k, v := range headers {
			if strings.EqualFold(k, name) {
				return v, true
			}
		}
		return "", false
	}

	if v, ok := lookup("Retry-After"); ok {
		if seconds, err := strconv.Atoi(v); err == nil {
			return seconds, true
		}
		if t, err := time.Parse(time.RFC1123, v); err == nil {
			d := int(t.Sub(now).Seconds())
			if d < 0 {
				d = 0
			}
			return d, true
		}
	}

	if v, ok := lookup("X-RateLimit-Reset"); ok {
		if unix, err := strconv.ParseInt(v, 10, 64); err == nil {
			d := int(time.Unix(unix, 0).Sub(now).Seconds())
			if d < 0 {
				d = 0
			}
			return d, true
		}
	}

	return 0, false
}
