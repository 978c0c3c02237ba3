// Package sliceop implements the Slice Operation Engine (C3): the pure
// per-operation logic that reads and mutates the Block/Slice Index (C1)
// against the trunk layer (fs.Trunk).
//
// Grounded on mirror/dpromote.go's small-struct-plus-walk shape for the
// write/allocate/delete paths, and on
// original_source/src/fsapi/fs_api_file.c for the read-side hole/short-
// read precedence (see SPEC_FULL.md §4 "fs_api_file.c short-write / hole
// accounting").
package sliceop

import (
	"errors"
	"os"
	"syscall"

	"github.com/faststore/fstore/cluster"
	"github.com/faststore/fstore/cmn"
	"github.com/faststore/fstore/dthread"
	"github.com/faststore/fstore/fs"
	"github.com/faststore/fstore/store"
)

// Engine is C3. It implements dthread.Engine and therefore always runs on
// a single C2 worker goroutine — it assumes exclusive access to the
// block's slice list for the duration of one Execute call (spec.md §4.3
// "Concurrency").
type Engine struct {
	index     *store.BlockIndex
	trunk     fs.Trunk
	reclaimer *fs.Reclaimer
}

func NewEngine(index *store.BlockIndex, trunk fs.Trunk, reclaimer *fs.Reclaimer) *Engine {
	return &Engine{index: index, trunk: trunk, reclaimer: reclaimer}
}

// wrapTrunkErr classifies a fs.Trunk failure (spec.md §7 "Storage-layer
// errors surface as IO"): a severe, non-retriable failure (disk full,
// read-only remount, stale handle, ...) is KindIO, anything else from the
// trunk is treated as transient and left retriable.
func wrapTrunkErr(op string, err error) error {
	if cmn.IsIOError(err) {
		return cmn.NewError(cmn.KindIO, "%s: %v", op, err)
	}
	return cmn.NewError(cmn.KindAgain, "%s: %v", op, err)
}

func (e *Engine) Execute(ctx *dthread.Context) error {
	switch ctx.Kind {
	case dthread.OpSliceWrite:
		return e.write(ctx)
	case dthread.OpSliceAlloc:
		return e.allocate(ctx)
	case dthread.OpSliceDelete:
		return e.deleteRange(ctx)
	case dthread.OpBlockDelete:
		return e.deleteBlock(ctx)
	case dthread.OpSliceRead:
		return e.read(ctx)
	default:
		return cmn.NewError(cmn.KindInvalid, "unknown operation kind %v", ctx.Kind)
	}
}

// write implements SLICE_WRITE (spec.md §4.3): allocate trunk space,
// persist bytes (possibly short), upsert a WRITE record, report
// written_bytes and space_changed.
func (e *Engine) write(ctx *dthread.Context) error {
	key := ctx.Key
	if key.SliceOffset < 0 || key.SliceLength < 0 {
		return cmn.NewError(cmn.KindInvalid, "negative slice range %s", key)
	}

	loc, err := e.trunk.Allocate(key.SliceLength)
	if err != nil {
		return wrapTrunkErr("allocate", err)
	}
	n, err := e.trunk.WriteAt(loc, ctx.Data)
	if err != nil && n == 0 {
		return wrapTrunkErr("write", err)
	}
	// Partial completion is allowed on short write (spec.md §4.3); clip
	// the record to what actually landed.
	written := int32(n)
	rec := cluster.SliceRecord{
		SKey: cluster.SKey{BKey: key.BKey, SliceOffset: key.SliceOffset, SliceLength: written},
		Loc:  cluster.TrunkLoc{TrunkID: loc.TrunkID, InnerOffset: loc.InnerOffset, Length: written},
		Kind: cluster.KindWrite,
	}
	deltas := e.index.Upsert(rec)
	e.reclaimer.Submit(deltas)

	ctx.WrittenBytes = written
	ctx.Key.SliceLength = written
	ctx.SpaceChanged = int64(written) - freedBytes(deltas)
	return nil
}

// allocate implements SLICE_ALLOCATE (fallocate): reserve trunk space, no
// payload, insert an ALLOC record.
func (e *Engine) allocate(ctx *dthread.Context) error {
	key := ctx.Key
	loc, err := e.trunk.Allocate(key.SliceLength)
	if err != nil {
		return wrapTrunkErr("allocate", err)
	}
	rec := cluster.SliceRecord{SKey: key, Loc: loc, Kind: cluster.KindAlloc}
	deltas := e.index.Upsert(rec)
	e.reclaimer.Submit(deltas)

	ctx.SpaceChanged = int64(key.SliceLength) - freedBytes(deltas)
	return nil
}

// deleteRange implements SLICE_DELETE: remove overlapping content,
// reporting the negative space delta.
func (e *Engine) deleteRange(ctx *dthread.Context) error {
	key := ctx.Key
	deltas := e.index.DeleteRange(key.BKey, key.SliceOffset, key.SliceLength)
	e.reclaimer.Submit(deltas)
	ctx.SpaceChanged = -freedBytes(deltas)
	return nil
}

// deleteBlock implements BLOCK_DELETE: drop the whole block entry.
func (e *Engine) deleteBlock(ctx *dthread.Context) error {
	deltas := e.index.DeleteBlock(ctx.Key.BKey)
	e.reclaimer.Submit(deltas)
	ctx.SpaceChanged = -freedBytes(deltas)
	return nil
}

// read implements SLICE_READ: overlapping records are read from the
// trunk; gaps within FileSize are zero-filled (a "hole"); anything beyond
// FileSize is a short read (spec.md §4.3, §8 P6).
func (e *Engine) read(ctx *dthread.Context) error {
	key := ctx.Key
	want := key.SliceLength
	if int64(key.SliceOffset) >= ctx.FileSize {
		ctx.Data = nil
		ctx.WrittenBytes = 0
		return nil
	}
	if int64(key.SliceOffset)+int64(want) > ctx.FileSize {
		want = int32(ctx.FileSize - int64(key.SliceOffset))
	}

	out := make([]byte, want)
	recs := e.index.GetSlices(key.BKey, key.SliceOffset, want)
	cursor := key.SliceOffset
	for _, r := range recs {
		if r.SliceOffset > cursor {
			// Hole before this record, strictly inside FileSize/want: zero-fill.
			cursor = r.SliceOffset
		}
		readStart := cursor
		readEnd := r.End()
		if readEnd > key.SliceOffset+want {
			readEnd = key.SliceOffset + want
		}
		if readEnd <= readStart {
			continue
		}
		innerOff := r.Loc.InnerOffset + int64(readStart-r.SliceOffset)
		n, err := e.trunk.ReadAt(
			cluster.TrunkLoc{TrunkID: r.Loc.TrunkID, InnerOffset: innerOff, Length: readEnd - readStart},
			out[readStart-key.SliceOffset:readEnd-key.SliceOffset],
		)
		if err != nil && !errors.Is(err, syscall.ENODATA) && !errors.Is(err, os.ErrNotExist) {
			return wrapTrunkErr("read", err)
		}
		_ = n // a short read from a known slice still reports the requested hole-filled buffer; ENODATA is handled as zero-fill by leaving out[...] at its zero value
		cursor = readEnd
	}
	ctx.Data = out
	ctx.WrittenBytes = int32(len(out))
	return nil
}

func freedBytes(deltas []cluster.SpaceDelta) int64 {
	var n int64
	for _, d := range deltas {
		if d.Freed {
			n += int64(d.Loc.Length)
		}
	}
	return n
}
