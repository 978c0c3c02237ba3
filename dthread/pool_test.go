package dthread

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/faststore/fstore/cluster"
)

type fakeEngine struct{ calls int32 }

func (e *fakeEngine) Execute(ctx *Context) error {
	atomic.AddInt32(&e.calls, 1)
	ctx.WrittenBytes = int32(len(ctx.Data))
	return nil
}

type fakeBinlog struct {
	mu   sync.Mutex
	next cluster.DataVersion
	recs []cluster.MutationRecord
}

func (b *fakeBinlog) Append(rec cluster.MutationRecord) (cluster.DataVersion, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.recs = append(b.recs, rec)
	return b.next, nil
}

func (b *fakeBinlog) AppendReplay(rec cluster.MutationRecord, version cluster.DataVersion) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recs = append(b.recs, rec)
	if version > b.next {
		b.next = version
	}
	return nil
}

type fakeRepl struct {
	mu    sync.Mutex
	count int
}

func (r *fakeRepl) Enqueue(cluster.MutationRecord, cluster.DataVersion, []byte) {
	r.mu.Lock()
	r.count++
	r.mu.Unlock()
}

func TestPoolAppliesInEnqueueOrderWithinShard(t *testing.T) {
	engine := &fakeEngine{}
	binlog := &fakeBinlog{}
	repl := &fakeRepl{}
	pool := NewPool(4, engine, binlog, repl)
	defer pool.Shutdown()

	bkey := cluster.BKey{ObjectID: 1, BlockOffset: 0}
	var ctxs []*Context
	for i := 0; i < 20; i++ {
		ctx := NewContext()
		ctx.Kind = OpSliceWrite
		ctx.Source = SourceMasterService
		ctx.Group = 1
		ctx.Key = cluster.SKey{BKey: bkey, SliceOffset: int32(i), SliceLength: 1}
		ctx.Data = []byte{byte(i)}
		pool.Submit(ctx)
		ctxs = append(ctxs, ctx)
	}
	for _, ctx := range ctxs {
		ctx.Wait()
		if ctx.Err != nil {
			t.Fatalf("unexpected error: %v", ctx.Err)
		}
	}
	for i := 1; i < len(ctxs); i++ {
		if ctxs[i].Version <= ctxs[i-1].Version {
			t.Fatalf("versions not monotonic within shard: %d then %d", ctxs[i-1].Version, ctxs[i].Version)
		}
	}
	if repl.count != 20 {
		t.Fatalf("expected 20 replication enqueues, got %d", repl.count)
	}
}

func TestPoolShutdownRejectsNewSubmits(t *testing.T) {
	engine := &fakeEngine{}
	binlog := &fakeBinlog{}
	pool := NewPool(2, engine, binlog, nil)
	pool.Shutdown()

	ctx := NewContext()
	ctx.Kind = OpSliceRead
	ctx.Source = SourceMasterService
	ctx.Key = cluster.SKey{BKey: cluster.BKey{ObjectID: 1}}
	pool.Submit(ctx)
	ctx.Wait()
	if ctx.Err == nil {
		t.Fatal("expected SHUTTING_DOWN error after pool shutdown")
	}
}
