package sliceop

import (
	"bytes"
	"errors"
	"syscall"
	"testing"

	"github.com/faststore/fstore/cluster"
	"github.com/faststore/fstore/cmn"
	"github.com/faststore/fstore/dthread"
	"github.com/faststore/fstore/fs"
	"github.com/faststore/fstore/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	trunk, err := fs.NewFileTrunk(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileTrunk: %v", err)
	}
	idx := store.NewBlockIndex()
	r := fs.NewReclaimer(trunk)
	t.Cleanup(r.Stop)
	return NewEngine(idx, trunk, r)
}

func writeCtx(bkey cluster.BKey, off, length int32, data []byte) *dthread.Context {
	ctx := dthread.NewContext()
	ctx.Kind = dthread.OpSliceWrite
	ctx.Key = cluster.SKey{BKey: bkey, SliceOffset: off, SliceLength: length}
	ctx.Data = data
	return ctx
}

func readCtx(bkey cluster.BKey, off, length int32, fileSize int64) *dthread.Context {
	ctx := dthread.NewContext()
	ctx.Kind = dthread.OpSliceRead
	ctx.Key = cluster.SKey{BKey: bkey, SliceOffset: off, SliceLength: length}
	ctx.FileSize = fileSize
	return ctx
}

// scenario 1: overlap split.
func TestScenarioOverlapSplit(t *testing.T) {
	e := newTestEngine(t)
	bkey := cluster.BKey{ObjectID: 1, BlockOffset: 0}

	a := bytes.Repeat([]byte{'A'}, 100)
	b := bytes.Repeat([]byte{'B'}, 100)

	c1 := writeCtx(bkey, 0, 100, a)
	if err := e.Execute(c1); err != nil {
		t.Fatalf("write A: %v", err)
	}
	c2 := writeCtx(bkey, 50, 100, b)
	if err := e.Execute(c2); err != nil {
		t.Fatalf("write B: %v", err)
	}

	rc := readCtx(bkey, 0, 200, 200)
	if err := e.Execute(rc); err != nil {
		t.Fatalf("read: %v", err)
	}
	want := append(append([]byte{}, bytes.Repeat([]byte{'A'}, 50)...), bytes.Repeat([]byte{'B'}, 100)...)
	want = append(want, make([]byte, 50)...) // zero-fill tail within FileSize
	if !bytes.Equal(rc.Data, want) {
		t.Fatalf("read mismatch:\ngot  %q\nwant %q", rc.Data, want)
	}
}

// scenario 2: hole fill via ALLOCATE.
func TestScenarioHoleFill(t *testing.T) {
	e := newTestEngine(t)
	bkey := cluster.BKey{ObjectID: 2, BlockOffset: 0}

	ac := dthread.NewContext()
	ac.Kind = dthread.OpSliceAlloc
	ac.Key = cluster.SKey{BKey: bkey, SliceOffset: 0, SliceLength: 4096}
	if err := e.Execute(ac); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if ac.SpaceChanged != 4096 {
		t.Fatalf("expected inc_alloc=4096, got %d", ac.SpaceChanged)
	}

	rc := readCtx(bkey, 0, 4096, 4096)
	if err := e.Execute(rc); err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rc.Data) != 4096 {
		t.Fatalf("expected 4096 bytes, got %d", len(rc.Data))
	}
	for i, b := range rc.Data {
		if b != 0 {
			t.Fatalf("expected all-zero read at byte %d, got %v", i, b)
		}
	}
}

// scenario 6: delete then read.
func TestScenarioDeleteThenRead(t *testing.T) {
	e := newTestEngine(t)
	bkey := cluster.BKey{ObjectID: 3, BlockOffset: 0}

	data := bytes.Repeat([]byte{'X'}, 1000)
	wc := writeCtx(bkey, 0, 1000, data)
	if err := e.Execute(wc); err != nil {
		t.Fatalf("write: %v", err)
	}

	dc := dthread.NewContext()
	dc.Kind = dthread.OpSliceDelete
	dc.Key = cluster.SKey{BKey: bkey, SliceOffset: 200, SliceLength: 400}
	if err := e.Execute(dc); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if dc.SpaceChanged != -400 {
		t.Fatalf("expected space_changed=-400, got %d", dc.SpaceChanged)
	}

	rc := readCtx(bkey, 0, 1000, 1000)
	if err := e.Execute(rc); err != nil {
		t.Fatalf("read: %v", err)
	}
	want := append(append([]byte{}, data[:200]...), make([]byte, 400)...)
	want = append(want, data[600:]...)
	if !bytes.Equal(rc.Data, want) {
		t.Fatalf("read mismatch:\ngot  %q\nwant %q", rc.Data, want)
	}
}

func TestWrapTrunkErrClassifiesBySeverity(t *testing.T) {
	if err := wrapTrunkErr("write", syscall.ENOSPC); cmn.AsError(err).Kind != cmn.KindIO {
		t.Fatalf("expected ENOSPC to classify as KindIO, got %v", cmn.AsError(err).Kind)
	}
	if err := wrapTrunkErr("write", errors.New("transient hiccup")); cmn.AsError(err).Kind != cmn.KindAgain {
		t.Fatalf("expected an unclassified trunk error to classify as KindAgain, got %v", cmn.AsError(err).Kind)
	}
}

func TestReadBeyondFileSizeIsShort(t *testing.T) {
	e := newTestEngine(t)
	bkey := cluster.BKey{ObjectID: 4, BlockOffset: 0}
	rc := readCtx(bkey, 900, 200, 1000)
	if err := e.Execute(rc); err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rc.Data) != 100 {
		t.Fatalf("expected short read of 100 bytes, got %d", len(rc.Data))
	}
}
