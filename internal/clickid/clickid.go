// Package clickid generates the external identifiers assigned to tracked clicks.
//
// An identifier is the base-36 millisecond timestamp followed by two random
// base-36 groups, uppercased. Timestamps are forced to increase within a
// process so identifiers from one Generator sort by creation order.
package clickid

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	randomWidth = 8
	extraWidth  = 4

	// MinLength is the shortest identifier Generate can return.
	MinLength = 20

	// MaxLength bounds identifiers accepted from callers.
	MaxLength = 64
)

var idFormat = regexp.MustCompile(`^[0-9A-Za-z]+$`)

// Generator produces click identifiers. The zero value is not usable; use
// NewGenerator.
type Generator struct {
	mu     sync.Mutex
	lastMs int64

	now     func() time.Time
	random  io.Reader
	counter atomic.Uint64
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithRandom overrides the random source. Mostly useful in tests.
func WithRandom(r io.Reader) Option {
	return func(g *Generator) { g.random = r }
}

// NewGenerator creates a Generator backed by crypto/rand and the wall clock.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		now:    time.Now,
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

var defaultGenerator = NewGenerator()

// New returns an identifier from the process-wide generator.
func New() string {
	return defaultGenerator.Generate()
}

// Generate returns a new identifier. It never fails.
func (g *Generator) Generate() string {
	ms := g.nextMillis()

	var b strings.Builder
	b.Grow(MinLength + 4)
	b.WriteString(strconv.FormatInt(ms, 36))
	b.WriteString(g.randomPart(randomWidth))
	b.WriteString(g.randomPart(extraWidth))

	id := strings.ToUpper(b.String())
	// Timestamps before 1973 encode to fewer than 8 base-36 digits.
	for len(id) < MinLength {
		id = "0" + id
	}
	return id
}

// nextMillis returns the current time in milliseconds, bumped past the last
// value handed out when the clock has not advanced.
func (g *Generator) nextMillis() int64 {
	ms := g.now().UnixMilli()

	g.mu.Lock()
	defer g.mu.Unlock()
	if ms <= g.lastMs {
		ms = g.lastMs + 1
	}
	g.lastMs = ms
	return ms
}

// randomPart returns width base-36 digits of randomness. When the random
// source fails, a process-local counter mixed with the clock is used.
func (g *Generator) randomPart(width int) string {
	var buf [8]byte
	var v uint64
	if _, err := io.ReadFull(g.random, buf[:]); err == nil {
		v = binary.BigEndian.Uint64(buf[:])
	} else {
		v = g.counter.Add(1)*0x9E3779B97F4A7C15 ^ uint64(g.now().UnixNano())
	}

	s := strconv.FormatUint(v, 36)
	if len(s) >= width {
		return s[len(s)-width:]
	}
	return strings.Repeat("0", width-len(s)) + s
}

// Valid reports whether id is acceptable as a click identifier: non-empty,
// alphanumeric and at most MaxLength characters. Every generated identifier
// is valid; externally supplied ones only need to be safe to embed in a URL.
func Valid(id string) bool {
	return len(id) <= MaxLength && idFormat.MatchString(id)
}
