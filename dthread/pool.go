package dthread

import (
	"github.com/OneOfOne/xxhash"
	"github.com/faststore/fstore/cluster"
)

// ShardOf hashes (object_id, block_offset) to a worker index in [0, n)
// (spec.md §4.2 "Requests are hashed by hash(object_id, block_offset) mod N
// and routed to the single worker that owns that shard").
func ShardOf(k cluster.BKey, n int) int {
	if n <= 0 {
		return 0
	}
	var buf [16]byte
	putI64(buf[0:8], k.ObjectID)
	putI64(buf[8:16], k.BlockOffset)
	h := xxhash.Checksum64(buf[:])
	return int(h % uint64(n))
}

func putI64(b []byte, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (8 * uint(i)))
	}
}

// Pool is the Data-Thread Pool (C2): two arrays of workers, master and
// slave, each sized (data_thread_count+1)/2 (spec.md §4.2).
type Pool struct {
	master []*Worker
	slave  []*Worker
}

// NewPool wires engine/binlog/repl into n workers split across the master
// and slave arrays. repl may be nil for a server that is never a master
// for any group it hosts (still created — masterhood can change at
// runtime via the registry).
func NewPool(n int, engine Engine, binlog BinlogAppender, repl ReplicationSink) *Pool {
	if n < 2 {
		n = 2
	}
	half := (n + 1) / 2
	p := &Pool{
		master: make([]*Worker, half),
		slave:  make([]*Worker, half),
	}
	for i := range p.master {
		p.master[i] = newWorker(engine, binlog, repl)
	}
	for i := range p.slave {
		// slave-array workers never forward further: a slave applying a
		// replayed record doesn't fan out to its own peers.
		p.slave[i] = newWorker(engine, binlog, nil)
	}
	return p
}

// Submit routes ctx to the single worker owning its block's shard in the
// array selected by ctx.Source.
func (p *Pool) Submit(ctx *Context) {
	arr := p.master
	if ctx.Source == SourceReplication {
		arr = p.slave
	}
	idx := ShardOf(ctx.Key.BKey, len(arr))
	arr[idx].Submit(ctx)
}

// Shutdown drains and stops every worker in both arrays.
func (p *Pool) Shutdown() {
	for _, w := range p.master {
		w.Shutdown()
	}
	for _, w := range p.slave {
		w.Shutdown()
	}
}
