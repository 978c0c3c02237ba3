// Package repl implements the Replication Dispatcher (C5): on a master,
// fan out every accepted mutation to the data group's slaves, track
// per-slave ack'd data_version, and demote slaves that disconnect or
// fall too far behind.
//
// Grounded on transport/collect.go's single ticking collector governing
// many per-stream idle timers — the same shape drives each slaveQueue's
// backpressure/staleness check here, one tick loop per Dispatcher rather
// than per connection.
package repl

import "github.com/faststore/fstore/cluster"

// Frame is one replica RPC body: "(data_version, op_type, keys,
// payload_or_ptr)" (spec.md §4.5).
type Frame struct {
	Group   cluster.GroupID
	Version cluster.DataVersion
	Op      cluster.OpType
	Key     cluster.SKey
	Payload []byte
}

// Sender delivers one frame onto the wire to a specific slave. repl only
// ever sees this interface so it never owns a socket; the caller of
// Dispatcher.AddSlave supplies the implementation, and none ships in this
// repository outside tests.
type Sender interface {
	Send(Frame) error
}

// StatusSink lets the dispatcher push status transitions into the
// Cluster Group Registry (C7) without importing it directly.
type StatusSink interface {
	SetStatus(group cluster.GroupID, server cluster.ServerID, status cluster.ServerStatus)
}
