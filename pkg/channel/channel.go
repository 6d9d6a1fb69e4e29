// Package channel provides the directed FIFO link between two processes.
//
// A Channel is unbounded and lossless: messages are delivered exactly once,
// in send order. It is the only structure shared by two processes; the
// sender enqueues and the receiver dequeues, each under the channel's lock.
//
// Snapshot recording lives here too. While a snapshot id is recording, every
// application message handed to the receiver is appended to that id's
// recording, so the receiving process never tracks in-flight traffic itself.
package channel

import (
    "strings"
    "sync"
)

// ID names a directed channel as "<from>-><to>".
type ID string

func MakeID(from, to string) ID { return ID(from + "->" + to) }

// Ends splits an ID back into its endpoints.
func (id ID) Ends() (from, to string, ok bool) {
    return strings.Cut(string(id), "->")
}

type Channel struct {
    id   ID
    from string
    to   string

    mu        sync.Mutex
    queue     []Message
    head      int
    recording map[string][]Message
    notify    func()
}

// New creates the channel from → to.
func New(from, to string) *Channel {
    return &Channel{id: MakeID(from, to), from: from, to: to, recording: make(map[string][]Message)}
}

func (c *Channel) ID() ID       { return c.id }
func (c *Channel) From() string { return c.from }
func (c *Channel) To() string   { return c.to }

// OnEnqueue installs a hook run after every Send, outside the channel lock.
// The receiving process uses it to wake its loop.
func (c *Channel) OnEnqueue(fn func()) {
    c.mu.Lock()
    c.notify = fn
    c.mu.Unlock()
}

// Send appends m to the queue. Messages sent earlier are delivered earlier.
func (c *Channel) Send(m Message) {
    c.mu.Lock()
    c.queue = append(c.queue, m)
    fn := c.notify
    c.mu.Unlock()
    if fn != nil { fn() }
}

// DeliverNext pops the next message in order, or reports false if the channel
// is currently empty.
func (c *Channel) DeliverNext() (Message, bool) {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.head >= len(c.queue) {
        return Message{}, false
    }
    m := c.queue[c.head]
    c.queue[c.head] = Message{}
    c.head++
    // compact once the consumed prefix dominates
    if c.head > 64 && c.head*2 >= len(c.queue) {
        c.queue = append([]Message(nil), c.queue[c.head:]...)
        c.head = 0
    }
    if m.Kind == KindApplication {
        for id, rec := range c.recording {
            c.recording[id] = append(rec, m)
        }
    }
    return m, true
}

// Len is the number of queued, undelivered messages.
func (c *Channel) Len() int {
    c.mu.Lock()
    defer c.mu.Unlock()
    return len(c.queue) - c.head
}

// StartRecording begins an empty recording for snapshotID. Calling it again
// for an id that is already recording has no effect.
func (c *Channel) StartRecording(snapshotID string) {
    c.mu.Lock()
    defer c.mu.Unlock()
    if _, ok := c.recording[snapshotID]; ok {
        return
    }
    c.recording[snapshotID] = []Message{}
}

// StopRecording ends the recording for snapshotID and returns the messages
// delivered while it was active, in delivery order. It returns nil if the id
// was not recording.
func (c *Channel) StopRecording(snapshotID string) []Message {
    c.mu.Lock()
    defer c.mu.Unlock()
    rec, ok := c.recording[snapshotID]
    if !ok {
        return nil
    }
    delete(c.recording, snapshotID)
    return rec
}

// Recording reports whether snapshotID is currently recording on c.
func (c *Channel) Recording(snapshotID string) bool {
    c.mu.Lock()
    defer c.mu.Unlock()
    _, ok := c.recording[snapshotID]
    return ok
}
