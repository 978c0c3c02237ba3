package binlog

import (
	"testing"

	"github.com/faststore/fstore/cluster"
)

func mkRec(objID int64, op cluster.OpType) cluster.MutationRecord {
	return cluster.MutationRecord{
		Group:  1,
		Op:     op,
		Source: cluster.SourceRPC,
		Key:    cluster.SKey{BKey: cluster.BKey{ObjectID: objID, BlockOffset: 0}, SliceOffset: 0, SliceLength: 10},
	}
}

func TestFormatParseRoundTrip(t *testing.T) {
	rec := FromMutation(mkRec(7, cluster.OpWriteSlice), 42)
	rec.Timestamp = 1234567890
	line := rec.Format()
	got, err := ParseRecord(line)
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	if got != rec {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, rec)
	}
}

func TestFormatOmitsSliceFieldsForBlockDelete(t *testing.T) {
	rec := FromMutation(mkRec(7, cluster.OpDelBlock), 1)
	line := rec.Format()
	got, err := ParseRecord(line)
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	if got.SliceOffset != 0 || got.SliceLength != 0 {
		t.Fatalf("expected zero slice fields for block delete, got %+v", got)
	}
}

// P3: data_version is monotonically increasing per group, with no gaps,
// across repeated Append calls.
func TestAppendIsMonotonicWithNoGaps(t *testing.T) {
	w, err := NewWriter(t.TempDir(), cluster.GroupID(1))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	var last cluster.DataVersion
	for i := 0; i < 50; i++ {
		v, err := w.Append(mkRec(int64(i), cluster.OpWriteSlice))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if v != last+1 {
			t.Fatalf("expected version %d, got %d", last+1, v)
		}
		last = v
	}
}

func TestAppendReplayIsIdempotentForAlreadyAppliedVersions(t *testing.T) {
	w, err := NewWriter(t.TempDir(), cluster.GroupID(2))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	rec := mkRec(1, cluster.OpWriteSlice)
	if err := w.AppendReplay(rec, 1); err != nil {
		t.Fatalf("AppendReplay v1: %v", err)
	}
	if err := w.AppendReplay(rec, 1); err != nil {
		t.Fatalf("replaying an already-applied version should be a no-op, got: %v", err)
	}
	if w.LastVersion() != 1 {
		t.Fatalf("expected last version 1, got %d", w.LastVersion())
	}
}

func TestAppendReplayRejectsGap(t *testing.T) {
	w, err := NewWriter(t.TempDir(), cluster.GroupID(3))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	err = w.AppendReplay(mkRec(1, cluster.OpWriteSlice), 5)
	if err == nil {
		t.Fatalf("expected an error for a non-contiguous replay version")
	}
}

// Scenario 4: a slave that reconnects after a gap catches up via
// Reader.Since.
func TestReaderSinceYieldsCatchUpRecords(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, cluster.GroupID(4))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := w.Append(mkRec(int64(i), cluster.OpWriteSlice)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	w.Close()

	r, err := NewReader(dir, cluster.GroupID(4))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	recs, err := r.Since(5)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(recs) != 5 {
		t.Fatalf("expected 5 catch-up records, got %d", len(recs))
	}
	for i, rec := range recs {
		if rec.Version != cluster.DataVersion(6+i) {
			t.Fatalf("record %d: expected version %d, got %d", i, 6+i, rec.Version)
		}
	}
}

func TestCheckConsistencyDetectsDivergence(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, cluster.GroupID(5))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := w.Append(mkRec(int64(i), cluster.OpWriteSlice)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	w.Close()

	r, err := NewReader(dir, cluster.GroupID(5))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	masterRecs, err := r.Since(0)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}

	peer := append([]Record{}, masterRecs...)
	peer[2].ObjectID = 999 // corrupt one record to simulate divergence

	v, err := CheckConsistency(r, peer)
	if err != nil {
		t.Fatalf("CheckConsistency: %v", err)
	}
	if v != peer[2].Version {
		t.Fatalf("expected divergence at version %d, got %d", peer[2].Version, v)
	}
}

// A slave's own binlog stamps Source=SourceReplay and a locally-taken
// Timestamp when it applies a replayed record (dthread/worker.go's
// AppendReplay path), so a genuinely matching prefix must not be flagged
// as diverging just because those two fields differ from the master's.
func TestCheckConsistencyIgnoresSourceAndTimestamp(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, cluster.GroupID(7))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := w.Append(mkRec(int64(i), cluster.OpWriteSlice)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	w.Close()

	r, err := NewReader(dir, cluster.GroupID(7))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	masterRecs, err := r.Since(0)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}

	peer := append([]Record{}, masterRecs...)
	for i := range peer {
		peer[i].Source = cluster.SourceReplay
		peer[i].Timestamp += 123456 // a slave applies at a different wall-clock time
	}

	v, err := CheckConsistency(r, peer)
	if err != nil {
		t.Fatalf("CheckConsistency: %v", err)
	}
	if v != 0 {
		t.Fatalf("expected a matching prefix despite Source/Timestamp differing, got divergence at %d", v)
	}
}

func TestCheckConsistencyCleanPrefixReturnsZero(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, cluster.GroupID(6))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := w.Append(mkRec(int64(i), cluster.OpWriteSlice)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	w.Close()

	r, err := NewReader(dir, cluster.GroupID(6))
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	masterRecs, err := r.Since(0)
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	v, err := CheckConsistency(r, masterRecs)
	if err != nil {
		t.Fatalf("CheckConsistency: %v", err)
	}
	if v != 0 {
		t.Fatalf("expected clean prefix, got divergence at %d", v)
	}
}
