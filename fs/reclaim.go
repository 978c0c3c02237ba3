package fs

import (
	"sync"

	"github.com/faststore/fstore/cluster"
	"github.com/faststore/fstore/cmn"
)

// reclaimBatchSize is how many SpaceDelta events the reclaimer drains
// before calling Free on the trunk, mirroring the batch-then-release loop
// of original_source/src/server/storage/trunk_reclaim.c.
const reclaimBatchSize = 256

// Reclaimer is the background trunk-space reclamation worker (spec.md §1,
// §4.1 "Freed byte ranges on trunks are emitted as SpaceDelta events to
// the trunk reclaimer"). It owns one unbounded queue and one goroutine,
// the same shape as the C source's single reclaim thread plus fc_queue.
type Reclaimer struct {
	trunk Trunk

	mu      sync.Mutex
	cond    *sync.Cond
	pending []cluster.SpaceDelta
	done    bool
	wg      sync.WaitGroup
}

func NewReclaimer(trunk Trunk) *Reclaimer {
	r := &Reclaimer{trunk: trunk}
	r.cond = sync.NewCond(&r.mu)
	r.wg.Add(1)
	go r.run()
	return r
}

// Submit enqueues deltas for eventual reclamation. Never blocks the
// calling data-thread worker.
func (r *Reclaimer) Submit(deltas []cluster.SpaceDelta) {
	if len(deltas) == 0 {
		return
	}
	r.mu.Lock()
	r.pending = append(r.pending, deltas...)
	r.mu.Unlock()
	r.cond.Signal()
}

func (r *Reclaimer) run() {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		for len(r.pending) == 0 && !r.done {
			r.cond.Wait()
		}
		if len(r.pending) == 0 && r.done {
			r.mu.Unlock()
			return
		}
		n := len(r.pending)
		if n > reclaimBatchSize {
			n = reclaimBatchSize
		}
		batch := r.pending[:n]
		r.pending = r.pending[n:]
		r.mu.Unlock()

		for _, d := range batch {
			if !d.Freed {
				continue
			}
			if err := r.trunk.Free(d.Loc); err != nil {
				cmn.Errorf("reclaim: free %v failed: %v", d.Loc, err)
			}
		}
	}
}

// Stop drains any remaining pending deltas and terminates the worker,
// matching the §5 shutdown contract ("queues are terminated, workers
// drain pending operations").
func (r *Reclaimer) Stop() {
	r.mu.Lock()
	r.done = true
	r.mu.Unlock()
	r.cond.Signal()
	r.wg.Wait()
}
