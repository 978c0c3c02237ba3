package repl

import (
	"sync"
	"testing"
	"time"

	"github.com/faststore/fstore/cluster"
)

type fakeSender struct {
	mu     sync.Mutex
	frames []Frame
	fail   bool
}

func (s *fakeSender) Send(f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errSendFailed
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

var errSendFailed = &sendError{}

type sendError struct{}

func (*sendError) Error() string { return "send failed" }

type fakeSink struct {
	mu      sync.Mutex
	statuss map[cluster.ServerID]cluster.ServerStatus
}

func newFakeSink() *fakeSink {
	return &fakeSink{statuss: make(map[cluster.ServerID]cluster.ServerStatus)}
}

func (s *fakeSink) SetStatus(group cluster.GroupID, server cluster.ServerID, status cluster.ServerStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuss[server] = status
}

func (s *fakeSink) statusOf(server cluster.ServerID) cluster.ServerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuss[server]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %v", timeout)
	}
}

func TestEnqueueFansOutToAllSlaves(t *testing.T) {
	sink := newFakeSink()
	d := NewDispatcher(1, sink)
	defer d.Shutdown()

	s1, s2 := &fakeSender{}, &fakeSender{}
	d.AddSlave(10, s1)
	d.AddSlave(11, s2)

	rec := cluster.MutationRecord{Group: 1, Op: cluster.OpWriteSlice, Key: cluster.SKey{BKey: cluster.BKey{ObjectID: 1}}}
	d.Enqueue(rec, 1, nil)

	waitFor(t, time.Second, func() bool { return s1.count() == 1 && s2.count() == 1 })
}

func TestAckAdvancesConfirmedVersionWatermark(t *testing.T) {
	sink := newFakeSink()
	d := NewDispatcher(1, sink)
	defer d.Shutdown()

	d.AddSlave(10, &fakeSender{})
	d.AddSlave(11, &fakeSender{})

	d.Ack(10, 5)
	d.Ack(11, 3)
	if got := d.ConfirmedVersion(); got != 3 {
		t.Fatalf("expected watermark 3 (min across slaves), got %d", got)
	}
}

func TestSendFailureDemotesSlaveToOffline(t *testing.T) {
	sink := newFakeSink()
	d := NewDispatcher(1, sink)
	defer d.Shutdown()

	failing := &fakeSender{fail: true}
	d.AddSlave(10, failing)

	rec := cluster.MutationRecord{Group: 1, Op: cluster.OpWriteSlice, Key: cluster.SKey{BKey: cluster.BKey{ObjectID: 1}}}
	d.Enqueue(rec, 1, nil)

	waitFor(t, time.Second, func() bool { return sink.statusOf(10) == cluster.StatusOffline })
}

func TestQueueOverflowDemotesSlave(t *testing.T) {
	sink := newFakeSink()
	d := NewDispatcher(1, sink)
	defer d.Shutdown()

	// A sender that blocks forever so the queue backs up.
	block := make(chan struct{})
	defer close(block)
	d.AddSlave(10, sendFunc(func(Frame) error {
		<-block
		return nil
	}))

	rec := cluster.MutationRecord{Group: 1, Op: cluster.OpWriteSlice, Key: cluster.SKey{BKey: cluster.BKey{ObjectID: 1}}}
	for i := 0; i < queueBound+10; i++ {
		d.Enqueue(rec, cluster.DataVersion(i+1), nil)
	}

	waitFor(t, time.Second, func() bool { return sink.statusOf(10) == cluster.StatusOffline })
}

type sendFunc func(Frame) error

func (f sendFunc) Send(fr Frame) error { return f(fr) }
