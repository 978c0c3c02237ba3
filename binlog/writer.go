package binlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/faststore/fstore/cluster"
	"github.com/faststore/fstore/cmn"
	"github.com/sdomino/scribble"
)

var checkpointJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// rotateSize is the per-file size boundary (spec.md §4.4 "Files rotate by
// size").
const rotateSize = 64 << 20 // 64MiB

// tailState is the sidecar record letting a restart find the append
// point in O(1) (spec.md §4.4 "a small index recording (last_version,
// file_index, file_offset)").
type tailState struct {
	LastVersion cluster.DataVersion `json:"last_version"`
	FileIndex   int                 `json:"file_index"`
	FileOffset  int64               `json:"file_offset"`
}

// checkpoint marks the first version written to a given file, letting
// Reader binary-search file boundaries before scanning within one file.
type checkpoint struct {
	FirstVersion cluster.DataVersion `json:"first_version"`
	FileIndex    int                 `json:"file_index"`
}

// Writer is C4's append side for one data group.
type Writer struct {
	dir   string
	group cluster.GroupID
	idx   *scribble.Driver

	mu          sync.Mutex
	file        *os.File
	fileIndex   int
	fileOffset  int64
	lastVersion cluster.DataVersion
	checkpoints []checkpoint
}

// NewWriter opens (or creates) the binlog directory for group and
// recovers its tail position from the sidecar index.
func NewWriter(baseDir string, group cluster.GroupID) (*Writer, error) {
	dir := filepath.Join(baseDir, "replica", fmt.Sprintf("%d", group))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	idx, err := scribble.New(filepath.Join(dir, "_index"), nil)
	if err != nil {
		return nil, err
	}
	w := &Writer{dir: dir, group: group, idx: idx}

	var ts tailState
	if err := idx.Read("tail", "state", &ts); err == nil {
		w.lastVersion = ts.LastVersion
		w.fileIndex = ts.FileIndex
		w.fileOffset = ts.FileOffset
	}
	w.loadCheckpoints()

	f, err := os.OpenFile(w.filePath(w.fileIndex), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	w.file = f
	if len(w.checkpoints) == 0 {
		w.checkpoints = append(w.checkpoints, checkpoint{FirstVersion: w.lastVersion + 1, FileIndex: w.fileIndex})
		w.persistCheckpoint(w.checkpoints[0])
	}
	return w, nil
}

func (w *Writer) filePath(index int) string {
	return filepath.Join(w.dir, fmt.Sprintf("binlog-%06d", index))
}

func (w *Writer) loadCheckpoints() {
	names, err := w.idx.ReadAll("checkpoints")
	if err != nil {
		return
	}
	for _, raw := range names {
		var cp checkpoint
		if checkpointJSON.Unmarshal([]byte(raw), &cp) == nil {
			w.checkpoints = append(w.checkpoints, cp)
		}
	}
	sort.Slice(w.checkpoints, func(i, j int) bool { return w.checkpoints[i].FirstVersion < w.checkpoints[j].FirstVersion })
}

func (w *Writer) persistCheckpoint(cp checkpoint) {
	_ = w.idx.Write("checkpoints", fmt.Sprintf("%d", cp.FileIndex), cp)
}

func (w *Writer) persistTail() {
	_ = w.idx.Write("tail", "state", tailState{
		LastVersion: w.lastVersion,
		FileIndex:   w.fileIndex,
		FileOffset:  w.fileOffset,
	})
}

// Append assigns the next data_version for the group, writes the record,
// and flushes before bumping the in-memory "last durable version"
// (spec.md §4.4 "the in-memory last durable version is bumped only after
// flush").
func (w *Writer) Append(rec cluster.MutationRecord) (cluster.DataVersion, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	version := w.lastVersion + 1
	if err := w.writeLocked(FromMutation(rec, version)); err != nil {
		return 0, cmn.NewError(cmn.KindIO, "binlog append: %v", err)
	}
	w.lastVersion = version
	w.persistTail()
	return version, nil
}

// AppendReplay writes rec at an already-assigned version (a slave
// applying a mutation replayed from its master). A version at or below
// the current tail is treated as an already-applied duplicate and is a
// no-op, so a resync retry after a partial ack is safe.
func (w *Writer) AppendReplay(rec cluster.MutationRecord, version cluster.DataVersion) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if version <= w.lastVersion {
		return nil
	}
	if version != w.lastVersion+1 {
		return cmn.NewError(cmn.KindDataVersionTooOld, "replay gap: have %d, got %d", w.lastVersion, version)
	}
	if err := w.writeLocked(FromMutation(rec, version)); err != nil {
		return cmn.NewError(cmn.KindIO, "binlog replay append: %v", err)
	}
	w.lastVersion = version
	w.persistTail()
	return nil
}

func (w *Writer) writeLocked(r Record) error {
	line := r.Format() + "\n"
	if w.fileOffset+int64(len(line)) > rotateSize && w.fileOffset > 0 {
		if err := w.rotateLocked(r.Version); err != nil {
			return err
		}
	}
	n, err := w.file.WriteString(line)
	if err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.fileOffset += int64(n)
	return nil
}

func (w *Writer) rotateLocked(nextVersion cluster.DataVersion) error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.fileIndex++
	w.fileOffset = 0
	f, err := os.OpenFile(w.filePath(w.fileIndex), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.file = f
	cp := checkpoint{FirstVersion: nextVersion, FileIndex: w.fileIndex}
	w.checkpoints = append(w.checkpoints, cp)
	w.persistCheckpoint(cp)
	return nil
}

// LastVersion returns the last durably-written data_version.
func (w *Writer) LastVersion() cluster.DataVersion {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastVersion
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
