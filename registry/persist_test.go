package registry

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/faststore/fstore/cluster"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "data_group.info"))
	snap := &Snapshot{
		IsLeader: true,
		Version:  7,
		Groups: []PersistedGroup{
			{
				ID:     1,
				Master: 10,
				Servers: []PersistedServer{
					{ID: 10, Status: cluster.StatusActive, DataVersion: 42},
					{ID: 11, Status: cluster.StatusOnline, DataVersion: 40},
				},
			},
		},
	}
	if err := store.Save(snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.IsLeader != true || got.Version != 7 {
		t.Fatalf("top-level fields mismatch: %+v", got)
	}
	if len(got.Groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(got.Groups))
	}
	g := got.Groups[0]
	if g.ID != 1 || len(g.Servers) != 2 {
		t.Fatalf("group mismatch: %+v", g)
	}
}

func TestLoadMissingFileReturnsNilSnapshot(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "does-not-exist.info"))
	snap, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap != nil {
		t.Fatalf("expected nil snapshot for a missing file, got %+v", snap)
	}
}

func TestFormatMatchesSpecSectionLayout(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "data_group.info"))
	snap := &Snapshot{Version: 1, Groups: []PersistedGroup{
		{ID: 3, Servers: []PersistedServer{{ID: 5, Status: cluster.StatusOnline, DataVersion: 9}}},
	}}
	if err := store.Save(snap); err != nil {
		t.Fatalf("Save: %v", err)
	}
	raw, err := store.readRaw()
	if err != nil {
		t.Fatalf("readRaw: %v", err)
	}
	if !strings.Contains(raw, "[data-group-3]") {
		t.Fatalf("expected a [data-group-3] section, got:\n%s", raw)
	}
	if !strings.Contains(raw, "server=5,3,9") {
		t.Fatalf("expected a server=5,3,9 line, got:\n%s", raw)
	}
}
