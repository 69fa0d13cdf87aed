// Package refgen assigns human-readable reference codes of the form
// PREFIX-YYYY-NNNNN to analyses.
//
// The suffix comes from a per-year counter in Redis. When the counter is
// unreachable the generator falls back to time+random candidates checked
// against the store, and finally to UUID-derived candidates. Every path is
// bounded and every returned code has been checked against the store.
package refgen

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultPrefix      = "AUD"
	DefaultMaxAttempts = 10

	// uuidAttempts bounds the last-resort UUID-derived candidates.
	uuidAttempts = 3
	suffixSpace  = 100000
)

// ErrExhausted is returned when every candidate collided with a stored code.
var ErrExhausted = errors.New("refgen: reference candidates exhausted")

// ErrCounterOverflow is returned when the yearly counter no longer fits in
// the five-digit suffix.
var ErrCounterOverflow = errors.New("refgen: yearly counter exceeds suffix range")

// Counter hands out monotonically increasing sequence numbers per year.
type Counter interface {
	Next(ctx context.Context, year int) (int64, error)
}

// Checker reports whether a reference code is already persisted.
type Checker interface {
	ReferenceExists(ctx context.Context, reference string) (bool, error)
}

// Config tunes a Generator. Zero values take the defaults.
type Config struct {
	Prefix      string `mapstructure:"prefix"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

// Generator produces reference codes. It is safe for concurrent use.
type Generator struct {
	prefix      string
	maxAttempts int
	counter     Counter
	checker     Checker

	now     func() time.Time
	newUUID func() uuid.UUID

	mu  sync.Mutex
	rnd *rand.Rand
}

// New builds a Generator. counter may be nil, in which case every call uses
// the fallback path.
func New(cfg Config, counter Counter, checker Checker) *Generator {
	prefix := strings.ToUpper(strings.TrimSpace(cfg.Prefix))
	if prefix == "" {
		prefix = DefaultPrefix
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	return &Generator{
		prefix:      prefix,
		maxAttempts: attempts,
		counter:     counter,
		checker:     checker,
		now:         time.Now,
		newUUID:     uuid.New,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Generate returns an unused reference for a record created at createdAt.
func (g *Generator) Generate(ctx context.Context, createdAt time.Time) (string, error) {
	year := createdAt.UTC().Year()

	if g.counter != nil {
		ref, err := g.fromCounter(ctx, year)
		if err == nil {
			return ref, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		log.WithError(err).WithField("year", year).Warn("Reference counter unavailable, using fallback")
	}

	ref, err := g.fromClock(ctx, year)
	if err == nil {
		return ref, nil
	}
	if !errors.Is(err, ErrExhausted) {
		return "", err
	}
	log.WithField("year", year).Warn("Reference fallback collided on every attempt, using UUID-derived code")
	return g.fromUUID(ctx, year)
}

// fromCounter takes sequence numbers until one is free. A clash only happens
// if the counter was reset, so the loop is bounded like the fallback.
func (g *Generator) fromCounter(ctx context.Context, year int) (string, error) {
	for i := 0; i < g.maxAttempts; i++ {
		n, err := g.counter.Next(ctx, year)
		if err != nil {
			return "", err
		}
		if n < 0 || n >= suffixSpace {
			return "", fmt.Errorf("counter for %d returned %d: %w", year, n, ErrCounterOverflow)
		}
		ref := g.format(year, n)
		taken, err := g.checker.ReferenceExists(ctx, ref)
		if err != nil {
			return "", err
		}
		if !taken {
			return ref, nil
		}
		log.WithField("reference", ref).Warn("Counter produced a reference that is already in use")
	}
	return "", fmt.Errorf("counter for %d: %w", year, ErrExhausted)
}

func (g *Generator) fromClock(ctx context.Context, year int) (string, error) {
	for i := 0; i < g.maxAttempts; i++ {
		ref := g.format(year, g.clockSuffix())
		ok, err := g.free(ctx, ref)
		if err != nil {
			return "", err
		}
		if ok {
			return ref, nil
		}
	}
	return "", ErrExhausted
}

func (g *Generator) fromUUID(ctx context.Context, year int) (string, error) {
	for i := 0; i < uuidAttempts; i++ {
		id := strings.ReplaceAll(g.newUUID().String(), "-", "")
		ref := fmt.Sprintf("%s-%d-%s", g.prefix, year, strings.ToUpper(id[:8]))
		ok, err := g.free(ctx, ref)
		if err != nil {
			return "", err
		}
		if ok {
			return ref, nil
		}
	}
	return "", ErrExhausted
}

func (g *Generator) free(ctx context.Context, ref string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	taken, err := g.checker.ReferenceExists(ctx, ref)
	if err != nil {
		return false, fmt.Errorf("check reference %s: %w", ref, err)
	}
	return !taken, nil
}

// clockSuffix mixes the sub-second clock with a random offset.
func (g *Generator) clockSuffix() int64 {
	g.mu.Lock()
	jitter := g.rnd.Int63n(suffixSpace)
	g.mu.Unlock()
	sub := int64(g.now().Nanosecond() / int(time.Microsecond))
	return (sub + jitter) % suffixSpace
}

func (g *Generator) format(year int, n int64) string {
	return fmt.Sprintf("%s-%d-%05d", g.prefix, year, n)
}
