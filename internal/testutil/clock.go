package testutil

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/google/uuid"

	"giro/internal/giro"
)

var (
	_ giro.Clock       = (*StubClock)(nil)
	_ giro.IDGenerator = (*StubIDGenerator)(nil)
)

// StubClock is a giro.Clock that only moves when a test moves it.
type StubClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewStubClock(t time.Time) *StubClock {
	return &StubClock{now: t.UTC()}
}

// FixedClock starts mid-morning on a trading day, 2024-01-15 10:30 UTC.
func FixedClock() *StubClock {
	return NewStubClock(time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC))
}

func (c *StubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock by d and returns the new time. Negative values
// simulate a till whose clock runs behind.
func (c *StubClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// stubNamespace seeds StubIDGenerator so its ids never collide with random ones.
var stubNamespace = uuid.MustParse("6f1c2d3e-4b5a-4c7d-9e8f-0a1b2c3d4e5f")

// StubIDGenerator hands out deterministic UUIDs, one per call, so queued
// items and licenses carry ids of the production shape.
type StubIDGenerator struct {
	mu sync.Mutex
	n  uint64
}

func NewStubIDGenerator() *StubIDGenerator {
	return &StubIDGenerator{}
}

func (g *StubIDGenerator) New() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return uuid.NewSHA1(stubNamespace, binary.BigEndian.AppendUint64(nil, g.n)).String()
}
