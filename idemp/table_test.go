package idemp

import (
	"testing"
	"time"
)

// P4: for any channel and req_id, the number of distinct applied
// effects is 1 regardless of retries.
func TestBeginFinishDedup(t *testing.T) {
	tbl := NewTable(time.Hour, 1000)
	defer tbl.Shutdown()

	id, _, err := tbl.Setup()
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	ch, err := tbl.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	applied := 0
	for i := 0; i < 5; i++ {
		outcome, cached := ch.Begin(42)
		switch outcome {
		case OutcomeProceed:
			applied++
			ch.Finish(42, []byte("result"))
		case OutcomeCached:
			if string(cached) != "result" {
				t.Fatalf("expected cached response, got %q", cached)
			}
		case OutcomeAgain:
			t.Fatalf("unexpected AGAIN on a serialized retry sequence")
		}
	}
	if applied != 1 {
		t.Fatalf("expected exactly 1 apply, got %d", applied)
	}
}

func TestBeginReturnsAgainWhileInFlight(t *testing.T) {
	tbl := NewTable(time.Hour, 1000)
	defer tbl.Shutdown()
	id, _, _ := tbl.Setup()
	ch, _ := tbl.Get(id)

	outcome, _ := ch.Begin(7)
	if outcome != OutcomeProceed {
		t.Fatalf("expected first Begin to proceed, got %v", outcome)
	}
	outcome2, _ := ch.Begin(7)
	if outcome2 != OutcomeAgain {
		t.Fatalf("expected concurrent retry to get AGAIN, got %v", outcome2)
	}
}

func TestRebindWrongKeyIsChannelInvalid(t *testing.T) {
	tbl := NewTable(time.Hour, 1000)
	defer tbl.Shutdown()
	id, key, _ := tbl.Setup()

	if _, err := tbl.Rebind(id, key+1); err == nil {
		t.Fatalf("expected CHANNEL_INVALID for wrong key")
	}
	if _, err := tbl.Rebind(id, key); err != nil {
		t.Fatalf("expected rebind with correct key to succeed, got %v", err)
	}
}

// An explicit holder close removes the channel: both Get and a rebind
// with the right key return CHANNEL_INVALID afterwards.
func TestHolderCloseInvalidatesChannel(t *testing.T) {
	tbl := NewTable(time.Hour, 1000)
	defer tbl.Shutdown()
	id, key, _ := tbl.Setup()
	ch, _ := tbl.Get(id)
	ch.Begin(1)
	ch.Finish(1, []byte("ok"))

	tbl.CloseHolder(id)

	if _, err := tbl.Get(id); err == nil {
		t.Fatalf("expected CHANNEL_INVALID after holder close")
	}
	if _, err := tbl.Rebind(id, key); err == nil {
		t.Fatalf("expected rebind to also fail once the channel is gone")
	}
}

func TestSetupRejectsWhenTableFull(t *testing.T) {
	tbl := NewTable(time.Hour, 2)
	defer tbl.Shutdown()
	if _, _, err := tbl.Setup(); err != nil {
		t.Fatalf("Setup 1: %v", err)
	}
	if _, _, err := tbl.Setup(); err != nil {
		t.Fatalf("Setup 2: %v", err)
	}
	if _, _, err := tbl.Setup(); err == nil {
		t.Fatalf("expected BUSY once the table is full")
	}
}

func TestPruneDropsOldFinishedEntries(t *testing.T) {
	tbl := NewTable(time.Hour, 1000)
	defer tbl.Shutdown()
	id, _, _ := tbl.Setup()
	ch, _ := tbl.Get(id)
	ch.Begin(1)
	ch.Finish(1, []byte("x"))

	removed := ch.prune(0, time.Now().Add(time.Second))
	if removed != 1 {
		t.Fatalf("expected prune to remove 1 entry, got %d", removed)
	}
	outcome, _ := ch.Begin(1)
	if outcome != OutcomeProceed {
		t.Fatalf("expected a pruned req_id to be treated as new, got %v", outcome)
	}
}
