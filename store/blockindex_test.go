package store

import (
	"testing"

	"github.com/faststore/fstore/cluster"
)

func rec(off, length int32, trunk int64) cluster.SliceRecord {
	return cluster.SliceRecord{
		SKey: cluster.SKey{BKey: cluster.BKey{ObjectID: 1, BlockOffset: 0}, SliceOffset: off, SliceLength: length},
		Loc:  cluster.TrunkLoc{TrunkID: trunk, Length: length},
		Kind: cluster.KindWrite,
	}
}

// scenario 1 from spec.md §8: overlap split.
func TestUpsertOverlapSplit(t *testing.T) {
	bi := NewBlockIndex()
	bkey := cluster.BKey{ObjectID: 1, BlockOffset: 0}

	bi.Upsert(rec(0, 100, 1))
	deltas := bi.Upsert(rec(50, 100, 2))
	if len(deltas) != 1 || !deltas[0].Freed || deltas[0].Loc.TrunkID != 1 {
		t.Fatalf("expected one freed delta for trunk 1, got %+v", deltas)
	}

	got := bi.GetSlices(bkey, 0, 200)
	if len(got) != 2 {
		t.Fatalf("expected 2 records after split, got %d: %+v", len(got), got)
	}
	if got[0].SliceOffset != 0 || got[0].SliceLength != 50 {
		t.Fatalf("expected trimmed first record (0,50), got %+v", got[0])
	}
	if got[1].SliceOffset != 50 || got[1].SliceLength != 100 {
		t.Fatalf("expected new record (50,100), got %+v", got[1])
	}
}

func TestDeleteRangeSplitsSurvivors(t *testing.T) {
	bi := NewBlockIndex()
	bkey := cluster.BKey{ObjectID: 1, BlockOffset: 0}
	bi.Upsert(rec(0, 1000, 1))

	deltas := bi.DeleteRange(bkey, 200, 400)
	if len(deltas) != 1 {
		t.Fatalf("expected 1 delta, got %d", len(deltas))
	}

	got := bi.GetSlices(bkey, 0, 1000)
	if len(got) != 2 {
		t.Fatalf("expected 2 surviving records, got %d: %+v", len(got), got)
	}
	if got[0].SliceOffset != 0 || got[0].SliceLength != 200 {
		t.Fatalf("left remainder wrong: %+v", got[0])
	}
	if got[1].SliceOffset != 600 || got[1].SliceLength != 400 {
		t.Fatalf("right remainder wrong: %+v", got[1])
	}
}

func TestDeleteBlockDropsEntry(t *testing.T) {
	bi := NewBlockIndex()
	bkey := cluster.BKey{ObjectID: 7, BlockOffset: 0}
	bi.Upsert(cluster.SliceRecord{
		SKey: cluster.SKey{BKey: bkey, SliceOffset: 0, SliceLength: 10},
		Loc:  cluster.TrunkLoc{TrunkID: 9},
	})
	deltas := bi.DeleteBlock(bkey)
	if len(deltas) != 1 {
		t.Fatalf("expected 1 delta, got %d", len(deltas))
	}
	if got := bi.GetSlices(bkey, 0, 100); len(got) != 0 {
		t.Fatalf("expected empty after delete_block, got %+v", got)
	}
}

// P1: for any sequence of mutations the slice set stays sorted and
// pairwise non-overlapping.
func TestCoherenceInvariant(t *testing.T) {
	bi := NewBlockIndex()
	bkey := cluster.BKey{ObjectID: 2, BlockOffset: 0}
	ops := []struct {
		off, length int32
	}{{0, 100}, {50, 30}, {10, 200}, {300, 50}, {0, 500}}
	for i, op := range ops {
		bi.Upsert(rec(op.off, op.length, int64(i)))
	}
	got := bi.GetSlices(bkey, 0, 1<<20)
	for i := 1; i < len(got); i++ {
		if got[i-1].SliceOffset > got[i].SliceOffset {
			t.Fatalf("not sorted: %+v", got)
		}
		if got[i-1].End() > got[i].SliceOffset {
			t.Fatalf("overlap detected between %+v and %+v", got[i-1], got[i])
		}
	}
}
