package netclient

import (
	"time"
)

// StateKind is the coarse connection state of a Satellite.
type StateKind string

const (
	Disconnected StateKind = "disconnected"
	Searching    StateKind = "searching"
	Connecting   StateKind = "connecting"
	Connected    StateKind = "connected"
)

// State carries the master address while connecting or connected.
type State struct {
	Kind StateKind
	Addr string
}

func (s State) String() string {
	if s.Addr == "" {
		return string(s.Kind)
	}
	return string(s.Kind) + "(" + s.Addr + ")"
}

// Backoff yields exponentially growing reconnect delays: base, 2·base,
// 4·base and so on, capped at max.
type Backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max}
}

// Next records a failed attempt and returns the delay before the next one.
func (b *Backoff) Next() time.Duration {
	b.attempt++
	d := b.base
	for i := 1; i < b.attempt; i++ {
		d *= 2
		if d >= b.max {
			return b.max
		}
	}
	return d
}

func (b *Backoff) Reset() { b.attempt = 0 }

// Attempt is the number of delays handed out since the last Reset.
func (b *Backoff) Attempt() int { return b.attempt }
