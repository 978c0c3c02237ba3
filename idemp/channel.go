// Package idemp implements the Idempotency Channel (C6): clients set up
// a channel, tag mutating requests with (channel_id, req_id), and the
// server guarantees at-most-once application per req_id.
//
// Grounded on original_source/src/server/service_handler.c's channel
// table (in-flight/finished req_id bookkeeping per connection) and on
// store.BlockIndex's striped-lock-by-key shape (C1) for the channel
// table's own striping by channel_id.
package idemp

import (
	"math/rand"
	"sync"
	"time"

	"github.com/faststore/fstore/cmn"
)

// ChannelID identifies a client's idempotency channel.
type ChannelID uint32

// Key is the secret a user task presents to rebind to a channel.
type Key uint32

// ReqID is a client-assigned identifier, unique per channel, for one
// mutating request.
type ReqID uint64

type reqState int

const (
	stateInFlight reqState = iota
	stateFinished
)

type reqEntry struct {
	state    reqState
	response []byte
	at       time.Time
}

// Channel is one client's idempotency channel (spec.md §4.6). The task
// that called Table.Setup is its holder; an explicit close by the holder
// (Table.CloseHolder) invalidates the channel outright
// (Channel.invalidate). A plain disconnect, of the holder or of a user
// task (one that attached via Table.Rebind), does not affect validity.
type Channel struct {
	mu sync.Mutex

	id    ChannelID
	key   Key
	valid bool

	reqs map[ReqID]*reqEntry
}

func newChannel(id ChannelID, key Key) *Channel {
	return &Channel{id: id, key: key, valid: true, reqs: make(map[ReqID]*reqEntry)}
}

// Outcome is what Begin tells the caller to do with a mutating request.
type Outcome int

const (
	// OutcomeProceed: this is a new req_id, apply it and call Finish.
	OutcomeProceed Outcome = iota
	// OutcomeAgain: a concurrent call with the same req_id is still
	// in flight; the client should retry (spec.md §4.6 step 2, "AGAIN").
	OutcomeAgain
	// OutcomeCached: req_id already finished; Response holds the
	// original reply bytes verbatim.
	OutcomeCached
)

// Begin implements spec.md §4.6 steps 1-2 for one request. The caller
// must already hold the correct channel (looked up via Table.Get).
func (c *Channel) Begin(req ReqID) (Outcome, []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid {
		return OutcomeAgain, nil // caller re-checks validity separately; defensive default
	}
	if e, ok := c.reqs[req]; ok {
		switch e.state {
		case stateFinished:
			return OutcomeCached, e.response
		default:
			return OutcomeAgain, nil
		}
	}
	c.reqs[req] = &reqEntry{state: stateInFlight}
	return OutcomeProceed, nil
}

// Finish records req's outcome (spec.md §4.6 step 3).
func (c *Channel) Finish(req ReqID, response []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reqs[req] = &reqEntry{state: stateFinished, response: response, at: time.Now()}
}

// prune drops finished entries older than reserve, returning the count
// removed.
func (c *Channel) prune(reserve time.Duration, now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, e := range c.reqs {
		if e.state == stateFinished && now.Sub(e.at) > reserve {
			delete(c.reqs, id)
			n++
		}
	}
	return n
}

// invalidate marks the channel unusable (holder closed it).
func (c *Channel) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.valid = false
}

func (c *Channel) isValid(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.valid && c.key == key
}

func randomKey() Key {
	return Key(rand.Uint32())
}

// asChannelInvalid is the canonical error for every channel-lookup
// failure path (spec.md §4.6 step 1, §7).
func asChannelInvalid(format string, args ...interface{}) error {
	return cmn.NewError(cmn.KindChannelInvalid, format, args...)
}
