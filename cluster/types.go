// Package cluster holds the domain vocabulary shared by every other
// package in fstore: block/slice keys, trunk locations, data-group and
// data-version identities (spec.md §3 "DATA MODEL").
package cluster

import "fmt"

// BKey identifies a block: a fixed-size placement unit. BlockOffset is
// always a multiple of the cluster-wide FileBlockSize.
type BKey struct {
	ObjectID    int64
	BlockOffset int64
}

func (k BKey) String() string {
	return fmt.Sprintf("blk[%d:%d]", k.ObjectID, k.BlockOffset)
}

// SKey identifies a slice: a byte range within a block, the unit of I/O
// and trunk allocation.
type SKey struct {
	BKey
	SliceOffset int32
	SliceLength int32
}

func (k SKey) String() string {
	return fmt.Sprintf("slc[%d:%d+%d,%d]", k.ObjectID, k.BlockOffset, k.SliceOffset, k.SliceLength)
}

// End returns the exclusive end offset of the slice within its block.
func (k SKey) End() int32 { return k.SliceOffset + k.SliceLength }

// Overlaps reports whether k and other cover any common byte within the
// same block.
func (k SKey) Overlaps(other SKey) bool {
	if k.BKey != other.BKey {
		return false
	}
	return k.SliceOffset < other.End() && other.SliceOffset < k.End()
}

// SliceKind distinguishes a reserved-but-unwritten slice from one that
// holds real bytes (spec.md §3 "Slice record").
type SliceKind int

const (
	KindAlloc SliceKind = iota
	KindWrite
)

func (k SliceKind) String() string {
	if k == KindAlloc {
		return "ALLOC"
	}
	return "WRITE"
}

// TrunkLoc is the opaque location the external trunk allocator hands back
// for a slice's bytes. Its internal format is that allocator's contract;
// fstore only ever copies it around and compares (TrunkID, InnerOffset, Length).
type TrunkLoc struct {
	TrunkID     int64
	InnerOffset int64
	Length      int32
}

// SliceRecord is one entry of the per-block ordered slice set (C1).
type SliceRecord struct {
	SKey
	Loc  TrunkLoc
	Kind SliceKind
}

// SpaceDelta reports a change in trunk-space usage, emitted by C1 mutation
// operations for the trunk reclaimer (spec.md §4.1).
type SpaceDelta struct {
	Loc   TrunkLoc
	Freed bool // true: Loc's bytes are dead and may be reclaimed
}

// DataVersion is the per-data-group monotonic mutation counter.
type DataVersion uint64

// GroupID identifies a data group (a replication set / shard of the
// object-id space).
type GroupID uint32

// ServerID identifies a physical server within the cluster.
type ServerID uint32

// ServerStatus is the per-group, per-server lifecycle state (spec.md §3
// "Data-server state").
type ServerStatus int

const (
	StatusInit ServerStatus = iota
	StatusRebuilding
	StatusOffline
	StatusOnline
	StatusSyncing
	StatusActive
)

func (s ServerStatus) String() string {
	switch s {
	case StatusInit:
		return "INIT"
	case StatusRebuilding:
		return "REBUILDING"
	case StatusOffline:
		return "OFFLINE"
	case StatusOnline:
		return "ONLINE"
	case StatusSyncing:
		return "SYNCING"
	case StatusActive:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// OpType is the kind of mutation a binlog record / dthread operation
// carries (spec.md §3 "Replica binlog record").
type OpType int

const (
	OpWriteSlice OpType = iota
	OpAllocSlice
	OpDelSlice
	OpDelBlock
	OpNoOp
)

func (o OpType) String() string {
	switch o {
	case OpWriteSlice:
		return "WRITE_SLICE"
	case OpAllocSlice:
		return "ALLOC_SLICE"
	case OpDelSlice:
		return "DEL_SLICE"
	case OpDelBlock:
		return "DEL_BLOCK"
	case OpNoOp:
		return "NO_OP"
	default:
		return "UNKNOWN"
	}
}

// Source distinguishes where a mutation originated (spec.md §3, §4.2).
type Source int

const (
	SourceRPC Source = iota
	SourceReplay
	SourceRebuild
)

func (s Source) String() string {
	switch s {
	case SourceRPC:
		return "RPC"
	case SourceReplay:
		return "REPLAY"
	case SourceRebuild:
		return "REBUILD"
	default:
		return "UNKNOWN"
	}
}

// MutationRecord is the shared shape a completed mutation takes on its way
// from the data-thread pool (C2) to the binlog (C4) and the replication
// dispatcher (C5) — kept here, rather than in either package, so neither
// has to import the other (spec.md §3 "Replica binlog record").
type MutationRecord struct {
	Group     GroupID
	Op        OpType
	Source    Source
	Key       SKey // BlockOffset/ObjectID always set; for OpDelBlock only BKey is meaningful
	Timestamp int64
}

