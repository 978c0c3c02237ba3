// Package binlog implements the Replica Binlog (C4): a per-data-group,
// append-only, line-oriented log of mutations tagged with a monotonic
// data_version, plus the small sidecar index that lets a restart or a
// resyncing slave find the tail/a given version in O(1)/binary search.
//
// Grounded on original_source/src/server/binlog/replica_binlog.h for the
// record fields and the "text format, rotated by size" file layout, and
// on the teacher's downloader/db.go for the sidecar-index idiom (a tiny
// JSON document store next to the primary data, via scribble).
package binlog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/faststore/fstore/cluster"
)

// Record is one line of the binlog (spec.md §3 "Replica binlog record").
type Record struct {
	Timestamp   int64
	Version     cluster.DataVersion
	Source      cluster.Source
	Op          cluster.OpType
	ObjectID    int64
	BlockOffset int64
	SliceOffset int32
	SliceLength int32
}

func isSliceLevel(op cluster.OpType) bool {
	return op == cluster.OpWriteSlice || op == cluster.OpAllocSlice || op == cluster.OpDelSlice
}

// Format renders r as the fixed-field text line spec.md §4.4 describes:
// "timestamp version source op_type object_id block_offset
// [slice_offset slice_length]".
func (r Record) Format() string {
	fields := []string{
		strconv.FormatInt(r.Timestamp, 10),
		strconv.FormatUint(uint64(r.Version), 10),
		strconv.Itoa(int(r.Source)),
		strconv.Itoa(int(r.Op)),
		strconv.FormatInt(r.ObjectID, 10),
		strconv.FormatInt(r.BlockOffset, 10),
	}
	if isSliceLevel(r.Op) {
		fields = append(fields, strconv.Itoa(int(r.SliceOffset)), strconv.Itoa(int(r.SliceLength)))
	}
	return strings.Join(fields, " ")
}

// ParseRecord parses one binlog line produced by Format.
func ParseRecord(line string) (Record, error) {
	fields := strings.Fields(line)
	if len(fields) != 6 && len(fields) != 8 {
		return Record{}, fmt.Errorf("malformed binlog record %q", line)
	}
	var r Record
	var err error
	nums := make([]int64, len(fields))
	for i, f := range fields {
		nums[i], err = strconv.ParseInt(f, 10, 64)
		if err != nil {
			return Record{}, fmt.Errorf("malformed binlog field %q: %w", f, err)
		}
	}
	r.Timestamp = nums[0]
	r.Version = cluster.DataVersion(nums[1])
	r.Source = cluster.Source(nums[2])
	r.Op = cluster.OpType(nums[3])
	r.ObjectID = nums[4]
	r.BlockOffset = nums[5]
	if len(fields) == 8 {
		r.SliceOffset = int32(nums[6])
		r.SliceLength = int32(nums[7])
	}
	return r, nil
}

// FromMutation builds a Record from a dthread-assigned mutation.
func FromMutation(rec cluster.MutationRecord, version cluster.DataVersion) Record {
	return Record{
		Timestamp:   rec.Timestamp,
		Version:     version,
		Source:      rec.Source,
		Op:          rec.Op,
		ObjectID:    rec.Key.ObjectID,
		BlockOffset: rec.Key.BlockOffset,
		SliceOffset: rec.Key.SliceOffset,
		SliceLength: rec.Key.SliceLength,
	}
}
