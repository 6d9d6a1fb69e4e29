// Package clock implements the scalar Lamport logical clock carried by every
// process.
//
// Two rules drive the clock: any local event or send increments it by one,
// and a receive of remote timestamp t sets it to max(clock, t) + 1. The value
// never decreases and is never reset for the lifetime of its process.
package clock

import "sync/atomic"

// Timestamp is a Lamport time value.
type Timestamp uint64

// Clock is a Lamport logical clock. The zero value is a clock at 0, ready to
// use. Mutation is expected from the owning process loop only; Now may be
// called from any goroutine.
type Clock struct {
    v atomic.Uint64
}

// TickLocal records a local event not involving a message.
func (c *Clock) TickLocal() Timestamp { return Timestamp(c.v.Add(1)) }

// TickSend returns the value to stamp on an outgoing message.
func (c *Clock) TickSend() Timestamp { return Timestamp(c.v.Add(1)) }

// ObserveReceive merges a received timestamp: clock = max(clock, remote) + 1.
func (c *Clock) ObserveReceive(remote Timestamp) Timestamp {
    for {
        cur := c.v.Load()
        next := cur
        if uint64(remote) > next { next = uint64(remote) }
        next++
        if c.v.CompareAndSwap(cur, next) {
            return Timestamp(next)
        }
    }
}

// Now returns the current value without advancing it.
func (c *Clock) Now() Timestamp { return Timestamp(c.v.Load()) }

// Stamp identifies an event by its Lamport time and the process it happened on.
type Stamp struct {
    Time    Timestamp `json:"time"`
    Process string    `json:"process"`
}

// Less is the Lamport total order: time first, process id breaks ties.
func (s Stamp) Less(o Stamp) bool {
    if s.Time != o.Time {
        return s.Time < o.Time
    }
    return s.Process < o.Process
}
