package binlog

import "github.com/faststore/fstore/cluster"

// CheckConsistency compares a slave-supplied tail of its own binlog
// against the master's binlog for the same group, returning the first
// data_version at which the two disagree (0 if peerRecords is a clean
// prefix match). A returned version older than the master's oldest
// retained record means no prefix match can be verified. Dispatcher.Resync
// does not call it; Resync streams from the slave's stated version as is.
func CheckConsistency(masterReader *Reader, peerRecords []Record) (cluster.DataVersion, error) {
	if len(peerRecords) == 0 {
		return 0, nil
	}
	oldest, err := masterReader.oldestVersion()
	if err != nil {
		return 0, err
	}
	first := peerRecords[0].Version
	if first < oldest {
		// The peer's earliest offered record predates everything this
		// master still retains: there is no way to verify a prefix match,
		// so the caller must fall back to a full rebuild.
		return first, nil
	}

	masterRecords, err := masterReader.Since(first - 1)
	if err != nil {
		return 0, err
	}
	byVersion := make(map[cluster.DataVersion]Record, len(masterRecords))
	for _, r := range masterRecords {
		byVersion[r.Version] = r
	}

	for _, peer := range peerRecords {
		master, ok := byVersion[peer.Version]
		if !ok || !sameMutation(master, peer) {
			return peer.Version, nil
		}
	}
	return 0, nil
}

// sameMutation compares the fields that identify what a record mutated,
// ignoring Source and Timestamp: a slave's own binlog stamps those at
// apply time (AppendReplay, dthread/worker.go), so they legitimately
// differ from the master's record for the very same mutation.
func sameMutation(a, b Record) bool {
	return a.Op == b.Op &&
		a.ObjectID == b.ObjectID &&
		a.BlockOffset == b.BlockOffset &&
		a.SliceOffset == b.SliceOffset &&
		a.SliceLength == b.SliceLength
}
