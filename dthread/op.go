// Package dthread implements the Data-Thread Pool (C2): a hash-sharded
// worker pool that serializes every mutation/read touching the same block
// and pipes completed mutations to the binlog and replication dispatcher.
//
// Grounded on the teacher's reb package: reb/global.go's per-mpath jogger
// goroutines plus reb/bcast.go's bounded-wait-and-retry shape are the
// closest analogue to "one worker owns one shard, drains its queue,
// waits on completions."
package dthread

import (
	"github.com/faststore/fstore/cluster"
)

// OpKind is the kind of operation a Context carries (spec.md §4.2
// "Operation record").
type OpKind int

const (
	OpSliceRead OpKind = iota
	OpSliceWrite
	OpSliceAlloc
	OpSliceDelete
	OpBlockDelete
)

// OpSource distinguishes a client-facing RPC from a replayed mutation
// arriving from the group's master (spec.md §4.2).
type OpSource int

const (
	SourceMasterService OpSource = iota
	SourceReplication
)

// Context is the per-operation record threaded through C2/C3: keys,
// buffers, result, and a completion notifier (spec.md §4.2).
type Context struct {
	Kind   OpKind
	Source OpSource
	Group  cluster.GroupID

	Key      cluster.SKey // for OpBlockDelete only Key.BKey is meaningful
	Data     []byte       // write payload in; read bytes out
	FileSize int64        // object size, for hole/short-read semantics

	// Set by a replay (SourceReplication): the data_version this mutation
	// must be applied and appended at, bypassing the local allocator.
	ReplayVersion cluster.DataVersion

	// Results, filled by the engine and then by the worker.
	Err          error
	WrittenBytes int32
	SpaceChanged int64
	Version      cluster.DataVersion

	done chan struct{}
}

func NewContext() *Context {
	return &Context{done: make(chan struct{})}
}

// Notify signals completion to whoever is waiting on Wait — the RPC
// front-end's connection goroutine, resumed the way spec.md §9 describes
// ("the worker sends a completion message to the network loop").
func (c *Context) Notify() { close(c.done) }

// Wait blocks until Notify has been called.
func (c *Context) Wait() { <-c.done }

// IsMutating reports whether Kind changes C1 state and therefore needs a
// binlog record and replication fan-out.
func (k OpKind) IsMutating() bool {
	return k != OpSliceRead
}

func (k OpKind) String() string {
	switch k {
	case OpSliceRead:
		return "SLICE_READ"
	case OpSliceWrite:
		return "SLICE_WRITE"
	case OpSliceAlloc:
		return "SLICE_ALLOC"
	case OpSliceDelete:
		return "SLICE_DELETE"
	case OpBlockDelete:
		return "BLOCK_DELETE"
	default:
		return "UNKNOWN"
	}
}

func (k OpKind) toOpType() cluster.OpType {
	switch k {
	case OpSliceWrite:
		return cluster.OpWriteSlice
	case OpSliceAlloc:
		return cluster.OpAllocSlice
	case OpSliceDelete:
		return cluster.OpDelSlice
	case OpBlockDelete:
		return cluster.OpDelBlock
	default:
		return cluster.OpNoOp
	}
}

func (s OpSource) toClusterSource() cluster.Source {
	if s == SourceReplication {
		return cluster.SourceReplay
	}
	return cluster.SourceRPC
}
