package rpc

import (
	"encoding/binary"

	"github.com/faststore/fstore/cluster"
	"github.com/faststore/fstore/cmn"
	"github.com/faststore/fstore/idemp"
	"github.com/faststore/fstore/registry"
)

// sliceKeyLen is {object_id i64, block_offset i64, slice_offset i32,
// slice_length i32} (spec.md §6).
const sliceKeyLen = 8 + 8 + 4 + 4

// idempotencyPrefixLen is {channel_id u32, req_id u64} (spec.md §4.6/§4.8).
const idempotencyPrefixLen = 4 + 8

func decodeSliceKey(b []byte) (cluster.SKey, error) {
	if len(b) < sliceKeyLen {
		return cluster.SKey{}, cmn.NewError(cmn.KindInvalid, "short slice key body: %d bytes", len(b))
	}
	objID := int64(binary.BigEndian.Uint64(b[0:8]))
	blkOff := int64(binary.BigEndian.Uint64(b[8:16]))
	sliceOff := int32(binary.BigEndian.Uint32(b[16:20]))
	sliceLen := int32(binary.BigEndian.Uint32(b[20:24]))
	return cluster.SKey{
		BKey:        cluster.BKey{ObjectID: objID, BlockOffset: blkOff},
		SliceOffset: sliceOff,
		SliceLength: sliceLen,
	}, nil
}

func encodeSliceKey(k cluster.SKey) []byte {
	b := make([]byte, sliceKeyLen)
	binary.BigEndian.PutUint64(b[0:8], uint64(k.ObjectID))
	binary.BigEndian.PutUint64(b[8:16], uint64(k.BlockOffset))
	binary.BigEndian.PutUint32(b[16:20], uint32(k.SliceOffset))
	binary.BigEndian.PutUint32(b[20:24], uint32(k.SliceLength))
	return b
}

// idempotencyPrefix is the optional (channel_id, req_id) pair a user
// channel's mutating requests are tagged with (spec.md §4.8).
type idempotencyPrefix struct {
	Channel idemp.ChannelID
	Req     idemp.ReqID
}

func decodeIdempotencyPrefix(b []byte) (idempotencyPrefix, []byte, error) {
	if len(b) < idempotencyPrefixLen {
		return idempotencyPrefix{}, nil, cmn.NewError(cmn.KindInvalid, "short idempotency prefix: %d bytes", len(b))
	}
	p := idempotencyPrefix{
		Channel: idemp.ChannelID(binary.BigEndian.Uint32(b[0:4])),
		Req:     idemp.ReqID(binary.BigEndian.Uint64(b[4:12])),
	}
	return p, b[idempotencyPrefixLen:], nil
}

func encodeWriteResp(writtenBytes int32, incAlloc int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], uint32(writtenBytes))
	binary.BigEndian.PutUint32(b[4:8], uint32(incAlloc))
	return b
}

func decodeWriteResp(b []byte) (writtenBytes int32, incAlloc int64, err error) {
	if len(b) < 8 {
		return 0, 0, cmn.NewError(cmn.KindInvalid, "short write response: %d bytes", len(b))
	}
	return int32(binary.BigEndian.Uint32(b[0:4])), int64(int32(binary.BigEndian.Uint32(b[4:8]))), nil
}

func encodeServerResp(id cluster.ServerID, ip [16]byte, port uint16) []byte {
	b := make([]byte, 4+16+2)
	binary.BigEndian.PutUint32(b[0:4], uint32(id))
	copy(b[4:20], ip[:])
	binary.BigEndian.PutUint16(b[20:22], port)
	return b
}

func encodeSetupChannelResp(id idemp.ChannelID, key idemp.Key) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], uint32(id))
	binary.BigEndian.PutUint32(b[4:8], uint32(key))
	return b
}

func decodeChannelAndKey(b []byte) (idemp.ChannelID, idemp.Key, error) {
	if len(b) < 8 {
		return 0, 0, cmn.NewError(cmn.KindInvalid, "short channel/key body: %d bytes", len(b))
	}
	return idemp.ChannelID(binary.BigEndian.Uint32(b[0:4])), idemp.Key(binary.BigEndian.Uint32(b[4:8])), nil
}

// clusterStatRowLen is {group_id u32, server_id u32, is_master u8,
// status u8, data_version u64} — a compact stand-in for spec.md §6's
// CLUSTER_STAT_REQ row (ip/port/is_preseted are dropped since this
// implementation, unlike the original, doesn't track per-server network
// addresses in the registry's in-memory rows).
const clusterStatRowLen = 4 + 4 + 1 + 1 + 8

func encodeClusterStat(stats []registry.GroupStat) []byte {
	b := make([]byte, 4+clusterStatRowLen*len(stats))
	binary.BigEndian.PutUint32(b[0:4], uint32(len(stats)))
	off := 4
	for _, s := range stats {
		binary.BigEndian.PutUint32(b[off:off+4], uint32(s.Group))
		binary.BigEndian.PutUint32(b[off+4:off+8], uint32(s.Server))
		if s.IsMaster {
			b[off+8] = 1
		}
		b[off+9] = byte(s.Status)
		binary.BigEndian.PutUint64(b[off+10:off+18], uint64(s.DataVersion))
		off += clusterStatRowLen
	}
	return b
}

func decodeGroupID(b []byte) (cluster.GroupID, error) {
	if len(b) < 4 {
		return 0, cmn.NewError(cmn.KindInvalid, "short group id body: %d bytes", len(b))
	}
	return cluster.GroupID(binary.BigEndian.Uint32(b[0:4])), nil
}

// encodeFinishResult/decodeFinishResult let an idempotency channel cache a
// failed attempt's status alongside its body, so a retry replays the same
// failure instead of permanently reading back as AGAIN (spec.md §5 "stays
// in-flight until the worker eventually finishes, which then becomes a
// finished result").
func encodeFinishResult(status Status, body []byte) []byte {
	b := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(b[0:2], uint16(status))
	copy(b[2:], body)
	return b
}

func decodeFinishResult(b []byte) (Status, []byte) {
	if len(b) < 2 {
		return StatusOK, nil
	}
	return Status(binary.BigEndian.Uint16(b[0:2])), b[2:]
}
