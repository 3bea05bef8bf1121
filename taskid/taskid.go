package taskid

import (
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Generator produces task identifiers.
type Generator struct {
	rand     io.Reader // nil means the uuid package default
	fallback *Fallback
}

// Option configures a Generator.
type Option func(*Generator)

// WithRandSource sets the random source used for UUIDv4 generation.
func WithRandSource(r io.Reader) Option {
	return func(g *Generator) {
		g.rand = r
	}
}

// NewGenerator creates a generator.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{
		fallback: NewFallback(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Next returns a new identifier. It never fails.
func (g *Generator) Next() string {
	var (
		id  uuid.UUID
		err error
	)
	if g.rand != nil {
		id, err = uuid.NewRandomFromReader(g.rand)
	} else {
		id, err = uuid.NewRandom()
	}
	if err != nil {
		return g.fallback.Next()
	}
	return id.String()
}

var defaultGenerator = NewGenerator()

// New returns a new identifier from the package default generator.
func New() string {
	return defaultGenerator.Next()
}

// Fallback is a deterministic identifier generator for environments without a
// usable random source. Uniqueness holds within a process; the seed mixes in
// the process id and start time to separate concurrent processes.
type Fallback struct {
	seed    [8]byte
	counter atomic.Uint64
}

// NewFallback creates a fallback generator seeded from the current process.
func NewFallback() *Fallback {
	return newFallbackWithSeed(uint64(time.Now().UnixNano()), uint32(os.Getpid()))
}

func newFallbackWithSeed(start uint64, pid uint32) *Fallback {
	f := &Fallback{}
	binary.BigEndian.PutUint64(f.seed[:], start^uint64(pid)<<32)
	return f
}

// Next returns the next fallback identifier.
// Layout: 8 seed bytes, 8 counter bytes, with the version nibble set to 8 so
// fallback ids are distinguishable from UUIDv4 values.
func (f *Fallback) Next() string {
	var b [16]byte
	copy(b[:8], f.seed[:])
	binary.BigEndian.PutUint64(b[8:], f.counter.Add(1))
	b[6] = (b[6] & 0x0f) | 0x80
	b[8] = (b[8] & 0x3f) | 0x80

	var out [36]byte
	hex.Encode(out[0:8], b[0:4])
	out[8] = '-'
	hex.Encode(out[9:13], b[4:6])
	out[13] = '-'
	hex.Encode(out[14:18], b[6:8])
	out[18] = '-'
	hex.Encode(out[19:23], b[8:10])
	out[23] = '-'
	hex.Encode(out[24:], b[10:])
	return string(out[:])
}

// IsFallback reports whether id was produced by a Fallback generator.
func IsFallback(id string) bool {
	return len(id) == 36 && id[14] == '8'
}
