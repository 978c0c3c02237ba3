package binlog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/faststore/fstore/cluster"
	"github.com/faststore/fstore/cmn"
	"github.com/sdomino/scribble"
)

// Reader is the replay/catch-up side of C4: given a slave's last known
// data_version, it locates the first record after it and yields records
// sequentially from there (spec.md §4.5 "a slave resyncs by asking its
// master for everything after its own last applied data_version").
type Reader struct {
	dir string
	idx *scribble.Driver
}

func NewReader(baseDir string, group cluster.GroupID) (*Reader, error) {
	dir := filepath.Join(baseDir, "replica", fmt.Sprintf("%d", group))
	idx, err := scribble.New(filepath.Join(dir, "_index"), nil)
	if err != nil {
		return nil, err
	}
	return &Reader{dir: dir, idx: idx}, nil
}

func (r *Reader) filePath(index int) string {
	return filepath.Join(r.dir, fmt.Sprintf("binlog-%06d", index))
}

func (r *Reader) loadCheckpoints() ([]checkpoint, error) {
	names, err := r.idx.ReadAll("checkpoints")
	if err != nil {
		return nil, err
	}
	cps := make([]checkpoint, 0, len(names))
	for _, raw := range names {
		var cp checkpoint
		if checkpointJSON.Unmarshal([]byte(raw), &cp) == nil {
			cps = append(cps, cp)
		}
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i].FirstVersion < cps[j].FirstVersion })
	return cps, nil
}

// oldestVersion is the lowest data_version still retrievable from disk —
// anything before it has been rotated away.
func (r *Reader) oldestVersion() (cluster.DataVersion, error) {
	cps, err := r.loadCheckpoints()
	if err != nil || len(cps) == 0 {
		return 0, err
	}
	return cps[0].FirstVersion, nil
}

// fileForVersion binary-searches the checkpoint list for the file that
// contains startVersion (the last checkpoint whose FirstVersion <=
// startVersion).
func (r *Reader) fileForVersion(startVersion cluster.DataVersion) (int, error) {
	cps, err := r.loadCheckpoints()
	if err != nil {
		return 0, err
	}
	if len(cps) == 0 {
		return 0, cmn.NewError(cmn.KindDataVersionTooOld, "no binlog data for group")
	}
	i := sort.Search(len(cps), func(i int) bool { return cps[i].FirstVersion > startVersion })
	if i == 0 {
		return 0, cmn.NewError(cmn.KindDataVersionTooOld, "requested version %d predates retained binlog (oldest %d)", startVersion, cps[0].FirstVersion)
	}
	return cps[i-1].FileIndex, nil
}

// Since returns every record with Version > afterVersion, in order,
// across as many rotated files as needed. It is used both for slave
// catch-up (spec.md §8 scenario 4) and for CheckConsistency.
func (r *Reader) Since(afterVersion cluster.DataVersion) ([]Record, error) {
	startFile, err := r.fileForVersion(afterVersion + 1)
	if err != nil {
		return nil, err
	}
	var out []Record
	for fi := startFile; ; fi++ {
		path := r.filePath(fi)
		f, err := os.Open(path)
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return nil, err
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			rec, perr := ParseRecord(line)
			if perr != nil {
				f.Close()
				return nil, cmn.NewError(cmn.KindIO, "corrupt binlog %s: %v", path, perr)
			}
			if rec.Version > afterVersion {
				out = append(out, rec)
			}
		}
		serr := scanner.Err()
		f.Close()
		if serr != nil {
			return nil, cmn.NewError(cmn.KindIO, "reading %s: %v", path, serr)
		}
	}
	return out, nil
}
