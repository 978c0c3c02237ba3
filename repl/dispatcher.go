package repl

import (
	"sync"
	"time"

	"github.com/faststore/fstore/binlog"
	"github.com/faststore/fstore/cluster"
	"github.com/faststore/fstore/cmn"
)

// lagCheckInterval is how often the dispatcher's single ticking
// goroutine sweeps every slave queue for fall-behind/idle slaves —
// one collector for all queues, the way transport's StreamCollector
// owns every stream's idle timer instead of each stream ticking for
// itself.
const lagCheckInterval = 2 * time.Second

// Dispatcher is C5, scoped to one data group (dthread.Pool's master
// workers enqueue onto one Dispatcher per group they own).
type Dispatcher struct {
	group cluster.GroupID
	sink  StatusSink

	mu     sync.RWMutex
	slaves map[cluster.ServerID]*slaveQueue

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewDispatcher(group cluster.GroupID, sink StatusSink) *Dispatcher {
	d := &Dispatcher{
		group:  group,
		sink:   sink,
		slaves: make(map[cluster.ServerID]*slaveQueue),
		stopCh: make(chan struct{}),
	}
	d.wg.Add(1)
	go d.tick()
	return d
}

// AddSlave registers (or replaces) the link used to reach server.
func (d *Dispatcher) AddSlave(server cluster.ServerID, sender Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if old, ok := d.slaves[server]; ok {
		old.stop()
	}
	d.slaves[server] = newSlaveQueue(d.group, server, sender, d.sink)
}

// RemoveSlave tears down the queue for a server that has left the
// group entirely (not merely disconnected — disconnection is handled by
// the sender returning an error, which demotes the slave in place).
func (d *Dispatcher) RemoveSlave(server cluster.ServerID) {
	d.mu.Lock()
	q, ok := d.slaves[server]
	delete(d.slaves, server)
	d.mu.Unlock()
	if ok {
		q.stop()
	}
}

// Enqueue implements dthread.ReplicationSink: fan out one mutation to
// every slave of the group (spec.md §4.2, §4.5).
func (d *Dispatcher) Enqueue(rec cluster.MutationRecord, version cluster.DataVersion, payload []byte) {
	f := Frame{Group: rec.Group, Version: version, Op: rec.Op, Key: rec.Key, Payload: payload}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, q := range d.slaves {
		q.Enqueue(f)
	}
}

// Ack records a slave's acknowledgement of a data_version.
func (d *Dispatcher) Ack(server cluster.ServerID, version cluster.DataVersion) {
	d.mu.RLock()
	q, ok := d.slaves[server]
	d.mu.RUnlock()
	if ok {
		q.Ack(version)
	}
}

// ConfirmedVersion returns the watermark up to which every currently
// tracked slave has acknowledged (the minimum across slaves, 0 if there
// are no slaves). An offline slave still counts with its last
// acknowledged version.
func (d *Dispatcher) ConfirmedVersion() cluster.DataVersion {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var min cluster.DataVersion
	first := true
	for _, q := range d.slaves {
		v := q.ConfirmedVersion()
		if first || v < min {
			min = v
			first = false
		}
	}
	return min
}

// Resync streams every binlog record after a reconnecting slave's last
// applied data_version to it directly (bypassing the normal queue, since
// this is a bulk catch-up, not live traffic) — spec.md §4.5 "the master
// streams binlog records from the reader".
func (d *Dispatcher) Resync(server cluster.ServerID, reader *binlog.Reader, fromVersion cluster.DataVersion) error {
	d.mu.RLock()
	q, ok := d.slaves[server]
	d.mu.RUnlock()
	if !ok {
		return cmn.NewError(cmn.KindNotFound, "resync: unknown slave %d for group %d", server, d.group)
	}

	records, err := reader.Since(fromVersion)
	if err != nil {
		return err
	}
	for _, r := range records {
		f := Frame{
			Group:   d.group,
			Version: r.Version,
			Op:      r.Op,
			Key: cluster.SKey{
				BKey:        cluster.BKey{ObjectID: r.ObjectID, BlockOffset: r.BlockOffset},
				SliceOffset: r.SliceOffset,
				SliceLength: r.SliceLength,
			},
		}
		if err := q.sender.Send(f); err != nil {
			q.mu.Lock()
			q.demoteLocked()
			q.mu.Unlock()
			return cmn.NewError(cmn.KindIO, "resync send to slave %d: %v", server, err)
		}
		q.mu.Lock()
		q.lastSentVersion = f.Version
		q.mu.Unlock()
	}
	q.markOnline()
	return nil
}

func (d *Dispatcher) tick() {
	defer d.wg.Done()
	ticker := time.NewTicker(lagCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.mu.RLock()
			queues := make([]*slaveQueue, 0, len(d.slaves))
			for _, q := range d.slaves {
				queues = append(queues, q)
			}
			d.mu.RUnlock()
			for _, q := range queues {
				q.checkLag()
			}
		case <-d.stopCh:
			return
		}
	}
}

// Shutdown stops the lag-check ticker and every slave's sender goroutine.
func (d *Dispatcher) Shutdown() {
	close(d.stopCh)
	d.wg.Wait()
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, q := range d.slaves {
		q.stop()
	}
}
