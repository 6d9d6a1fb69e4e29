// Package election picks a coordinator among live candidates by strength.
//
// An election started at some candidate challenges the strongest active
// candidate above it; the challenged one continues the election from its own
// position. The candidate with nobody stronger above it wins. Strength ties
// go to the lexically higher id.
package election

import (
    "errors"
    "fmt"
    "log"
    "sync"

    "github.com/wangjia184/sortedset"

    "github.com/amirimatin/go-snapshot/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-snapshot/pkg/observability/metrics"
)

var (
    ErrUnknownCandidate  = errors.New("election: unknown candidate")
    ErrInactiveCandidate = errors.New("election: candidate is not active")
    ErrNoCandidates      = errors.New("election: no active candidates")
)

// Candidate is one participant.
type Candidate struct {
    ID       string `json:"id"`
    Strength int64  `json:"strength"`
    Active   bool   `json:"active"`
}

// beats reports whether c outranks o.
func (c Candidate) beats(o Candidate) bool {
    if c.Strength != o.Strength { return c.Strength > o.Strength }
    return c.ID > o.ID
}

// Result describes one finished election.
type Result struct {
    Winner    string `json:"winner"`
    Initiator string `json:"initiator"`
    // Challenges lists "challenger->challenged" hops in order.
    Challenges []string `json:"challenges,omitempty"`
}

// Elector holds the candidate set ordered by strength.
type Elector struct {
    mu     sync.Mutex
    set    *sortedset.SortedSet
    log    logutil.Component
    leader string
}

func New(logger *log.Logger) *Elector {
    if logger == nil { logger = log.Default() }
    return &Elector{set: sortedset.New(), log: logutil.For(logger, "election")}
}

// Upsert adds or updates a candidate, keeping its active flag if present.
// New candidates start active.
func (e *Elector) Upsert(id string, strength int64) {
    e.mu.Lock()
    defer e.mu.Unlock()
    c := Candidate{ID: id, Strength: strength, Active: true}
    if n := e.set.GetByKey(id); n != nil {
        c.Active = n.Value.(Candidate).Active
    }
    e.set.AddOrUpdate(id, sortedset.SCORE(strength), c)
}

func (e *Elector) SetActive(id string, active bool) error {
    e.mu.Lock()
    defer e.mu.Unlock()
    n := e.set.GetByKey(id)
    if n == nil { return fmt.Errorf("%w: %s", ErrUnknownCandidate, id) }
    c := n.Value.(Candidate)
    c.Active = active
    e.set.AddOrUpdate(id, n.Score(), c)
    return nil
}

func (e *Elector) Remove(id string) {
    e.mu.Lock()
    e.set.Remove(id)
    if e.leader == id { e.leader = "" }
    e.mu.Unlock()
}

func (e *Elector) Get(id string) (Candidate, bool) {
    e.mu.Lock()
    defer e.mu.Unlock()
    n := e.set.GetByKey(id)
    if n == nil { return Candidate{}, false }
    return n.Value.(Candidate), true
}

// Candidates returns every candidate, strongest first.
func (e *Elector) Candidates() []Candidate {
    e.mu.Lock()
    defer e.mu.Unlock()
    return e.descendingLocked()
}

func (e *Elector) descendingLocked() []Candidate {
    if e.set.GetCount() == 0 { return nil }
    nodes := e.set.GetByRankRange(-1, 1, false)
    out := make([]Candidate, 0, len(nodes))
    for _, n := range nodes { out = append(out, n.Value.(Candidate)) }
    // the set orders equal scores by key; make ties explicit
    for i := 1; i < len(out); i++ {
        for j := i; j > 0 && out[j].beats(out[j-1]); j-- {
            out[j], out[j-1] = out[j-1], out[j]
        }
    }
    return out
}

// Leader returns the winner of the last successful Run.
func (e *Elector) Leader() (string, bool) {
    e.mu.Lock()
    defer e.mu.Unlock()
    return e.leader, e.leader != ""
}

// Run holds an election started by initiator.
func (e *Elector) Run(initiator string) (Result, error) {
    e.mu.Lock()
    defer e.mu.Unlock()
    n := e.set.GetByKey(initiator)
    if n == nil {
        obsmetrics.Elections.WithLabelValues("error").Inc()
        return Result{}, fmt.Errorf("%w: %s", ErrUnknownCandidate, initiator)
    }
    cur := n.Value.(Candidate)
    if !cur.Active {
        obsmetrics.Elections.WithLabelValues("error").Inc()
        return Result{}, fmt.Errorf("%w: %s", ErrInactiveCandidate, initiator)
    }
    res := Result{Initiator: initiator}
    all := e.descendingLocked()
    for {
        var next *Candidate
        for i := range all {
            if all[i].Active && all[i].beats(cur) {
                next = &all[i]
                break
            }
        }
        if next == nil { break }
        e.log.Debugf("%s challenges %s", cur.ID, next.ID)
        res.Challenges = append(res.Challenges, cur.ID+"->"+next.ID)
        cur = *next
    }
    res.Winner = cur.ID
    e.leader = cur.ID
    obsmetrics.Elections.WithLabelValues("won").Inc()
    e.log.Infof("%s won the election started by %s", res.Winner, initiator)
    return res, nil
}

// RunAny starts the election from the weakest active candidate, so every
// stronger candidate is considered.
func (e *Elector) RunAny() (Result, error) {
    e.mu.Lock()
    all := e.descendingLocked()
    e.mu.Unlock()
    for i := len(all) - 1; i >= 0; i-- {
        if all[i].Active { return e.Run(all[i].ID) }
    }
    obsmetrics.Elections.WithLabelValues("error").Inc()
    return Result{}, ErrNoCandidates
}
