package registry

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/faststore/fstore/cluster"
	"github.com/faststore/fstore/cmn"
)

const (
	itemIsLeader = "is_leader"
	itemVersion  = "version"
	itemServer   = "server"
	itemMaster   = "master"
	sectionPrefix = "data-group-"
)

// PersistedServer is one server= line within a group section.
type PersistedServer struct {
	ID          cluster.ServerID
	Status      cluster.ServerStatus
	DataVersion cluster.DataVersion
}

// PersistedGroup is one [data-group-N] section.
type PersistedGroup struct {
	ID      cluster.GroupID
	Master  cluster.ServerID
	Servers []PersistedServer
}

// Snapshot is the full contents of data_group.info (spec.md §6
// "Persisted state").
type Snapshot struct {
	IsLeader bool
	Version  uint64
	Groups   []PersistedGroup
}

// Store reads/writes data_group.info at a fixed path.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load parses the persisted file, or returns (nil, nil) if it doesn't
// exist yet (a fresh cluster).
func (s *Store) Load() (*Snapshot, error) {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, cmn.NewError(cmn.KindIO, "open %s: %v", s.path, err)
	}
	defer f.Close()

	snap := &Snapshot{}
	byGroup := make(map[cluster.GroupID]*PersistedGroup)
	var current *PersistedGroup

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			name := strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
			if !strings.HasPrefix(name, sectionPrefix) {
				continue
			}
			idNum, err := strconv.ParseUint(strings.TrimPrefix(name, sectionPrefix), 10, 32)
			if err != nil {
				return nil, cmn.NewError(cmn.KindIO, "bad section name %q: %v", name, err)
			}
			id := cluster.GroupID(idNum)
			g, ok := byGroup[id]
			if !ok {
				g = &PersistedGroup{ID: id}
				byGroup[id] = g
			}
			current = g
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch {
		case current == nil && key == itemIsLeader:
			snap.IsLeader = value == "1"
		case current == nil && key == itemVersion:
			v, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, cmn.NewError(cmn.KindIO, "bad version %q: %v", value, err)
			}
			snap.Version = v
		case current != nil && key == itemMaster:
			id, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				return nil, cmn.NewError(cmn.KindIO, "bad master %q: %v", value, err)
			}
			current.Master = cluster.ServerID(id)
		case current != nil && key == itemServer:
			se, err := parseServerLine(value)
			if err != nil {
				return nil, err
			}
			current.Servers = append(current.Servers, se)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, cmn.NewError(cmn.KindIO, "reading %s: %v", s.path, err)
	}

	for _, g := range byGroup {
		snap.Groups = append(snap.Groups, *g)
	}
	return snap, nil
}

func parseServerLine(value string) (PersistedServer, error) {
	fields := strings.Split(value, ",")
	if len(fields) != 3 {
		return PersistedServer{}, cmn.NewError(cmn.KindIO, "malformed server line %q", value)
	}
	id, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return PersistedServer{}, cmn.NewError(cmn.KindIO, "bad server id %q: %v", fields[0], err)
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return PersistedServer{}, cmn.NewError(cmn.KindIO, "bad status %q: %v", fields[1], err)
	}
	version, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return PersistedServer{}, cmn.NewError(cmn.KindIO, "bad data_version %q: %v", fields[2], err)
	}
	return PersistedServer{ID: cluster.ServerID(id), Status: cluster.ServerStatus(status), DataVersion: cluster.DataVersion(version)}, nil
}

// Save rewrites data_group.info atomically (write to a temp file, then
// rename) — spec.md §4.7 "refreshed on change".
func (s *Store) Save(snap *Snapshot) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s=%d\n", itemIsLeader, boolToInt(snap.IsLeader))
	fmt.Fprintf(&b, "%s=%d\n", itemVersion, snap.Version)
	for _, g := range snap.Groups {
		fmt.Fprintf(&b, "[%s%d]\n", sectionPrefix, g.ID)
		fmt.Fprintf(&b, "%s=%d\n", itemMaster, g.Master)
		for _, se := range g.Servers {
			fmt.Fprintf(&b, "%s=%d,%d,%d\n", itemServer, se.ID, se.Status, se.DataVersion)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return cmn.NewError(cmn.KindIO, "write %s: %v", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return cmn.NewError(cmn.KindIO, "rename %s: %v", tmp, err)
	}
	return nil
}

// TouchMtime refreshes the file's modification time without rewriting
// its content (spec.md §4.7 "one-minute heartbeat (mtime touch only)").
func (s *Store) TouchMtime() error {
	now := time.Now()
	if err := os.Chtimes(s.path, now, now); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return cmn.NewError(cmn.KindIO, "touch %s: %v", s.path, err)
	}
	return nil
}

// LastShutdown returns the persisted file's mtime — the original
// implementation derives "last shutdown time" from it (spec.md §4.7,
// original_source/src/server/server_group_info.c
// get_server_group_info_file_mtime).
func (s *Store) LastShutdown() (time.Time, error) {
	info, err := os.Stat(s.path)
	if os.IsNotExist(err) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, cmn.NewError(cmn.KindIO, "stat %s: %v", s.path, err)
	}
	return info.ModTime(), nil
}

func (s *Store) readRaw() (string, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
