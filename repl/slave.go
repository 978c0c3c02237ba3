package repl

import (
	"sync"

	"github.com/faststore/fstore/cluster"
	"github.com/faststore/fstore/cmn"
)

// queueBound is the per-slave pending-frame bound beyond which the
// master stops queuing for that slave (spec.md §4.5 "Backpressure").
const queueBound = 4096

// fallBehindThreshold is how many un-acked versions a slave may
// accumulate before it is demoted OFFLINE.
const fallBehindThreshold = 8192

// slaveQueue is one slave connection's pending-frame queue plus its
// sender goroutine. The master never blocks on a slow slave: once the
// queue is full, frames are dropped and the slave is demoted.
type slaveQueue struct {
	group  cluster.GroupID
	server cluster.ServerID
	sender Sender
	sink   StatusSink

	mu              sync.Mutex
	cond            *sync.Cond
	pending         []Frame
	stopped         bool
	offline         bool
	lastSentVersion cluster.DataVersion
	confirmed       cluster.DataVersion
	wg              sync.WaitGroup
}

func newSlaveQueue(group cluster.GroupID, server cluster.ServerID, sender Sender, sink StatusSink) *slaveQueue {
	q := &slaveQueue{group: group, server: server, sender: sender, sink: sink}
	q.cond = sync.NewCond(&q.mu)
	q.wg.Add(1)
	go q.run()
	return q
}

// Enqueue appends a frame for delivery; never blocks the caller (the
// data-thread worker that produced it). If the slave is already marked
// offline, the frame is silently dropped — the slave will pick it up via
// resync instead.
func (q *slaveQueue) Enqueue(f Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped || q.offline {
		return
	}
	if len(q.pending) >= queueBound {
		q.demoteLocked()
		return
	}
	q.pending = append(q.pending, f)
	q.cond.Signal()
}

// Ack advances the slave's confirmed_version watermark.
func (q *slaveQueue) Ack(version cluster.DataVersion) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if version > q.confirmed {
		q.confirmed = version
	}
}

// ConfirmedVersion returns the highest data_version this slave has
// acknowledged.
func (q *slaveQueue) ConfirmedVersion() cluster.DataVersion {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.confirmed
}

// checkLag demotes the slave if the gap between what was sent and what
// was confirmed exceeds fallBehindThreshold (spec.md §4.5).
func (q *slaveQueue) checkLag() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.offline || q.stopped {
		return
	}
	if q.lastSentVersion > q.confirmed && uint64(q.lastSentVersion-q.confirmed) > fallBehindThreshold {
		q.demoteLocked()
	}
}

func (q *slaveQueue) demoteLocked() {
	if q.offline {
		return
	}
	q.offline = true
	q.pending = nil
	cmn.Warningf("repl: group %d slave %d demoted to OFFLINE (fell behind or disconnected)", q.group, q.server)
	if q.sink != nil {
		q.sink.SetStatus(q.group, q.server, cluster.StatusOffline)
	}
}

func (q *slaveQueue) run() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if q.stopped && len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		for _, f := range batch {
			if err := q.sender.Send(f); err != nil {
				cmn.Warningf("repl: send to group %d slave %d failed: %v", q.group, q.server, err)
				q.mu.Lock()
				q.demoteLocked()
				q.mu.Unlock()
				break
			}
			q.mu.Lock()
			q.lastSentVersion = f.Version
			q.mu.Unlock()
		}
	}
}

func (q *slaveQueue) stop() {
	q.mu.Lock()
	q.stopped = true
	q.cond.Signal()
	q.mu.Unlock()
	q.wg.Wait()
}

// markOnline clears a demotion, used once a slave finishes resync and
// rejoins (repl doesn't decide READY/ACTIVE itself, C7 does, but it must
// stop treating the link as offline so Enqueue resumes working).
func (q *slaveQueue) markOnline() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.offline = false
	q.lastSentVersion = q.confirmed
}
