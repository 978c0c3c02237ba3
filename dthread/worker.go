package dthread

import (
	"sync"
	"time"

	"github.com/faststore/fstore/cluster"
	"github.com/faststore/fstore/cmn"
)

// Engine executes one operation against the block/slice index and trunk
// layer (C3). Execute runs synchronously on the calling worker goroutine —
// Go's native goroutine blocking already gives the "one worker, one
// operation at a time, parked until storage I/O completes" behavior the
// spec's condvar-based design describes, without a hand-rolled
// callback+condvar continuation (see spec.md §9's note on task
// continuation: we keep that pattern only where it crosses a goroutine
// boundary, i.e. at the RPC front-end).
type Engine interface {
	Execute(ctx *Context) error
}

// BinlogAppender is C4's write side, as seen by a C2 worker.
type BinlogAppender interface {
	// Append durably records rec, assigning the next data_version for
	// rec.Group. Used on the master path (OpSource == SourceMasterService).
	Append(rec cluster.MutationRecord) (cluster.DataVersion, error)
	// AppendReplay durably records rec at an already-assigned version,
	// used when replaying a mutation received from the group's master.
	AppendReplay(rec cluster.MutationRecord, version cluster.DataVersion) error
}

// ReplicationSink is C5's ingress, as seen by a C2 worker: fan out a
// just-committed master mutation to the group's slaves.
type ReplicationSink interface {
	Enqueue(rec cluster.MutationRecord, version cluster.DataVersion, payload []byte)
}

// Worker owns one shard: a FIFO queue and a single goroutine that drains
// it batch-at-a-time, applying operations to completion before the next
// (spec.md §4.2 "Worker loop", §5 "Schedules are cooperative within a
// single data worker").
type Worker struct {
	engine Engine
	binlog BinlogAppender
	repl   ReplicationSink // nil for slave-array workers: they don't re-forward

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []*Context
	draining bool
	stopped  bool
	wg       sync.WaitGroup
}

func newWorker(engine Engine, binlog BinlogAppender, repl ReplicationSink) *Worker {
	w := &Worker{engine: engine, binlog: binlog, repl: repl}
	w.cond = sync.NewCond(&w.mu)
	w.wg.Add(1)
	go w.loop()
	return w
}

// Submit enqueues ctx for this shard. Completion is observed via ctx.Wait.
func (w *Worker) Submit(ctx *Context) {
	w.mu.Lock()
	if w.draining {
		w.mu.Unlock()
		ctx.Err = cmn.NewError(cmn.KindShuttingDown, "worker shutting down")
		ctx.Notify()
		return
	}
	w.queue = append(w.queue, ctx)
	w.mu.Unlock()
	w.cond.Signal()
}

func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.stopped {
			w.cond.Wait()
		}
		if len(w.queue) == 0 && w.stopped {
			w.mu.Unlock()
			return
		}
		batch := w.queue
		w.queue = nil
		w.mu.Unlock()

		for _, ctx := range batch {
			w.process(ctx)
		}
	}
}

func (w *Worker) process(ctx *Context) {
	err := w.engine.Execute(ctx)
	ctx.Err = err

	if err != nil || !ctx.Kind.IsMutating() {
		ctx.Notify()
		return
	}

	rec := cluster.MutationRecord{
		Group:     ctx.Group,
		Op:        ctx.Kind.toOpType(),
		Source:    ctx.Source.toClusterSource(),
		Key:       ctx.Key,
		Timestamp: time.Now().UnixNano(),
	}

	if ctx.Source == SourceReplication {
		// Slave applying a replayed mutation: append at the version the
		// master assigned; never re-forward (spec.md §4.5 — only the
		// master dispatches to slaves).
		if aerr := w.binlog.AppendReplay(rec, ctx.ReplayVersion); aerr != nil {
			ctx.Err = aerr
		} else {
			ctx.Version = ctx.ReplayVersion
		}
		ctx.Notify()
		return
	}

	// Master path. The binlog append assigns the data_version; slaves
	// need that version to apply records in order, so fan-out follows the
	// append rather than preceding it (spec.md §9 Open Question (a): a
	// failed append still reports the already-applied bytes/space delta
	// to the caller; we additionally skip fan-out in that case, since
	// there is no data_version to attach a replica record to).
	version, aerr := w.binlog.Append(rec)
	if aerr != nil {
		cmn.Warningf("binlog append failed after applying %s: %v", ctx.Key, aerr)
		ctx.Notify()
		return
	}
	ctx.Version = version

	if w.repl != nil {
		w.repl.Enqueue(rec, version, ctx.Data)
	}
	ctx.Notify()
}

// Shutdown terminates the worker once its queue has drained, synthesizing
// a SHUTTING_DOWN error for anything submitted afterward (spec.md §4.2
// "Cancellation", §5).
func (w *Worker) Shutdown() {
	w.mu.Lock()
	w.draining = true
	w.stopped = true
	w.mu.Unlock()
	w.cond.Signal()
	w.wg.Wait()
}
