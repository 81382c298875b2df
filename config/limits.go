package config

import (
	"errors"

	"code.cloudfoundry.org/bytefmt"

	"github.com/xtaci/p2pconn/wire"
)

// ErrInvalidBounds is returned by NewBounds when min <= expected <= max
// does not hold.
var ErrInvalidBounds = errors.New("config: maintenance bounds require min <= expected <= max")

// Limits holds the chunk/queue sizing parsed at the process boundary
// (maintenance bounds are the separate Bounds type below; spec.md §4.1
// check_binary_chunks_size, §9's Open Question on the chunk-size
// unit). Every field is a plain int counted in bytes: the canonical
// unit decision recorded in DESIGN.md. Human-readable strings like
// "64KB" are only ever parsed once, by ParseByteSize below, on the way
// into one of these fields — nothing downstream re-parses a string.
type Limits struct {
	// ChunksSize is the plaintext chunk size Writer splits outbound
	// messages into (spec.md §4.4's chunks_size), validated against
	// wire.CheckBinaryChunksSize.
	ChunksSize int

	// InboundQueueBytes/OutboundQueueBytes are the byte budgets
	// conn.Reader/conn.Writer's bounded queues enforce by default.
	InboundQueueBytes  int
	OutboundQueueBytes int

	// InboundQueueBytesByKind overrides InboundQueueBytes for specific
	// message kinds, resolving SPEC_FULL.md's per-message-type queue
	// sizing supplement. A kind absent from this map falls back to
	// InboundQueueBytes.
	InboundQueueBytesByKind map[wire.MessageKind]int
}

// InboundQueueBytesFor returns the configured budget for kind, falling
// back to the default when no per-kind override is set.
func (l Limits) InboundQueueBytesFor(kind wire.MessageKind) int {
	if l.InboundQueueBytesByKind != nil {
		if n, ok := l.InboundQueueBytesByKind[kind]; ok {
			return n
		}
	}
	return l.InboundQueueBytes
}

// Validate checks ChunksSize against wire's bit-exact bounds, the
// config-boundary validation spec.md §9 asks for.
func (l Limits) Validate() error {
	return wire.CheckBinaryChunksSize(l.ChunksSize)
}

// DefaultChunksSize is a conservative default comfortably under the
// 65535 wire maximum, leaving headroom for envelope framing overhead.
const DefaultChunksSize = 16 * 1024

// DefaultLimits returns sane defaults: a 16KB chunk size and 1MB
// queues in each direction.
func DefaultLimits() Limits {
	return Limits{
		ChunksSize:         DefaultChunksSize,
		InboundQueueBytes:  1 << 20,
		OutboundQueueBytes: 1 << 20,
	}
}

// ParseByteSize resolves the bytes-vs-kilobytes Open Question
// (spec.md §9) at the config boundary: any CLI flag, env var, or file
// value destined for a Limits field should be run through this once,
// via code.cloudfoundry.org/bytefmt, so "64KB"/"1MB"/"2048" are all
// accepted and every downstream consumer only ever sees a plain byte
// count.
func ParseByteSize(s string) (int, error) {
	n, err := bytefmt.ToBytes(s)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Bounds is the maintenance bounds record of spec.md §3, derived from
// (min, expected, max). The four derived thresholds/targets are
// computed once by NewBounds rather than recomputed on every
// maintenance tick.
type Bounds struct {
	Min, Expected, Max int

	MinThreshold int
	MinTarget    int
	MaxTarget    int
	MaxThreshold int
}

// NewBounds derives the four thresholds from (min, expected, max) per
// spec.md §3's formulas, validating min <= expected <= max.
func NewBounds(min, expected, max int) (Bounds, error) {
	if !(min <= expected && expected <= max) {
		return Bounds{}, ErrInvalidBounds
	}
	b := Bounds{Min: min, Expected: expected, Max: max}
	b.MinThreshold = min + (expected-min)/3
	b.MinTarget = min + 2*(expected-min)/3
	b.MaxTarget = max - 2*(max-expected)/3
	b.MaxThreshold = max - (max-expected)/3
	return b, nil
}
