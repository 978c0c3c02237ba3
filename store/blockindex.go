// Package store implements the Block/Slice Index (C1): an in-memory map
// from block key to its ordered, non-overlapping set of slice records.
//
// Grounded on the teacher's mirror package (mirror/dpromote.go): a
// small owning struct per unit-of-work plus explicit lock scoping, rather
// than a single global mutex.
package store

import (
	"sort"
	"sync"

	"github.com/faststore/fstore/cluster"
)

// bucketCount is the number of lock stripes the index is split across.
// Actual serialization of writers is the data-thread pool's job (C2); this
// striping only bounds reader/writer contention on the index itself
// (spec.md §4.1 "fine-grained per-bucket lock").
const bucketCount = 256

type blockEntry struct {
	mu     sync.RWMutex
	slices []cluster.SliceRecord // sorted by SliceOffset, non-overlapping
}

type indexBucket struct {
	mu      sync.RWMutex
	entries map[cluster.BKey]*blockEntry
}

// BlockIndex is C1.
type BlockIndex struct {
	buckets [bucketCount]indexBucket
}

func NewBlockIndex() *BlockIndex {
	bi := &BlockIndex{}
	for i := range bi.buckets {
		bi.buckets[i].entries = make(map[cluster.BKey]*blockEntry)
	}
	return bi
}

func (bi *BlockIndex) bucket(k cluster.BKey) *indexBucket {
	h := hashBKey(k) % bucketCount
	return &bi.buckets[h]
}

func hashBKey(k cluster.BKey) uint32 {
	// FNV-1a, kept local and dependency-free: this is an internal bucket
	// pick, not the client-visible shard hash (that's dthread.ShardOf,
	// which uses xxhash per spec.md §4.2).
	h := uint32(2166136261)
	for _, b := range []byte{
		byte(k.ObjectID), byte(k.ObjectID >> 8), byte(k.ObjectID >> 16), byte(k.ObjectID >> 24),
		byte(k.ObjectID >> 32), byte(k.ObjectID >> 40), byte(k.ObjectID >> 48), byte(k.ObjectID >> 56),
		byte(k.BlockOffset), byte(k.BlockOffset >> 8), byte(k.BlockOffset >> 16), byte(k.BlockOffset >> 24),
		byte(k.BlockOffset >> 32), byte(k.BlockOffset >> 40), byte(k.BlockOffset >> 48), byte(k.BlockOffset >> 56),
	} {
		h ^= uint32(b)
		h *= 16777619
	}
	return h
}

// trimLeft returns r clipped to [r.SliceOffset, newEnd), shrinking its
// TrunkLoc to the matching leading sub-range — trimming is a metadata
// operation on both the slice range and the trunk bytes it maps to, not
// just the former (spec.md §4.1 "existing records outside the overlap
// survive as separate trimmed records").
func trimLeft(r cluster.SliceRecord, newEnd int32) cluster.SliceRecord {
	r.SliceLength = newEnd - r.SliceOffset
	r.Loc.Length = r.SliceLength
	return r
}

// trimRight returns r clipped to [newStart, r.End()), shifting its
// TrunkLoc's InnerOffset forward by the amount trimmed off the front.
func trimRight(r cluster.SliceRecord, newStart int32) cluster.SliceRecord {
	shift := int64(newStart - r.SliceOffset)
	r.SliceOffset = newStart
	r.SliceLength -= int32(shift)
	r.Loc.InnerOffset += shift
	r.Loc.Length = r.SliceLength
	return r
}

func (bi *BlockIndex) getEntry(k cluster.BKey, create bool) *blockEntry {
	buck := bi.bucket(k)
	buck.mu.RLock()
	e, ok := buck.entries[k]
	buck.mu.RUnlock()
	if ok || !create {
		return e
	}
	buck.mu.Lock()
	defer buck.mu.Unlock()
	if e, ok = buck.entries[k]; ok {
		return e
	}
	e = &blockEntry{}
	buck.entries[k] = e
	return e
}

// GetSlices returns all records intersecting [off, off+length), clipped
// metadata unchanged (spec.md §4.1 "get_slices").
func (bi *BlockIndex) GetSlices(k cluster.BKey, off, length int32) []cluster.SliceRecord {
	e := bi.getEntry(k, false)
	if e == nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	end := off + length
	out := make([]cluster.SliceRecord, 0, len(e.slices))
	for _, r := range e.slices {
		if r.SliceOffset < end && off < r.End() {
			out = append(out, r)
		}
	}
	return out
}

// Upsert inserts rec, splitting or trimming any existing record whose
// range overlaps. The new record wins for the overlap extent; existing
// records outside the overlap survive as separate trimmed records
// (spec.md §4.1 "upsert"). Returns the SpaceDelta events for bytes freed
// on trunks by the overlap.
func (bi *BlockIndex) Upsert(rec cluster.SliceRecord) []cluster.SpaceDelta {
	e := bi.getEntry(rec.BKey, true)
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.slices[:0:0]
	var deltas []cluster.SpaceDelta
	for _, r := range e.slices {
		if !r.Overlaps(rec.SKey) {
			kept = append(kept, r)
			continue
		}
		// Split r around the overlap with rec: the non-overlapping
		// remainder(s) survive as separate trimmed records (with their
		// TrunkLoc shrunk/shifted to match); only the overlapping extent's
		// old trunk bytes are freed.
		freedOff, freedEnd := r.SliceOffset, r.End()
		if r.SliceOffset < rec.SliceOffset {
			kept = append(kept, trimLeft(r, rec.SliceOffset))
			freedOff = rec.SliceOffset
		}
		if r.End() > rec.End() {
			kept = append(kept, trimRight(r, rec.End()))
			freedEnd = rec.End()
		}
		deltas = append(deltas, cluster.SpaceDelta{
			Loc:   cluster.TrunkLoc{TrunkID: r.Loc.TrunkID, InnerOffset: r.Loc.InnerOffset + int64(freedOff-r.SliceOffset), Length: freedEnd - freedOff},
			Freed: true,
		})
	}
	kept = append(kept, rec)
	sort.Slice(kept, func(i, j int) bool { return kept[i].SliceOffset < kept[j].SliceOffset })
	e.slices = kept
	return deltas
}

// DeleteRange removes all slice content overlapping [off, off+length),
// splitting surviving parts, and returns the freed-bytes SpaceDelta events
// (spec.md §4.1 "delete_range").
func (bi *BlockIndex) DeleteRange(k cluster.BKey, off, length int32) []cluster.SpaceDelta {
	e := bi.getEntry(k, false)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	end := off + length
	kept := e.slices[:0:0]
	var deltas []cluster.SpaceDelta
	for _, r := range e.slices {
		if r.SliceOffset >= end || off >= r.End() {
			kept = append(kept, r)
			continue
		}
		freedOff, freedEnd := r.SliceOffset, r.End()
		if r.SliceOffset < off {
			kept = append(kept, trimLeft(r, off))
			freedOff = off
		}
		if r.End() > end {
			kept = append(kept, trimRight(r, end))
			freedEnd = end
		}
		deltas = append(deltas, cluster.SpaceDelta{
			Loc:   cluster.TrunkLoc{TrunkID: r.Loc.TrunkID, InnerOffset: r.Loc.InnerOffset + int64(freedOff-r.SliceOffset), Length: freedEnd - freedOff},
			Freed: true,
		})
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].SliceOffset < kept[j].SliceOffset })
	e.slices = kept
	return deltas
}

// DeleteBlock drops the entire entry for k, returning a SpaceDelta per
// surviving record (spec.md §4.1 "delete_block").
func (bi *BlockIndex) DeleteBlock(k cluster.BKey) []cluster.SpaceDelta {
	buck := bi.bucket(k)
	buck.mu.Lock()
	e, ok := buck.entries[k]
	if ok {
		delete(buck.entries, k)
	}
	buck.mu.Unlock()
	if !ok {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	deltas := make([]cluster.SpaceDelta, 0, len(e.slices))
	for _, r := range e.slices {
		deltas = append(deltas, cluster.SpaceDelta{Loc: r.Loc, Freed: true})
	}
	return deltas
}
