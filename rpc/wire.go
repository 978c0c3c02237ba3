// Package rpc implements the Service RPC Front-End (C8): a framed
// binary request/response protocol in front of the rest of the server.
//
// Grounded on spec.md §4.8/§6 for the frame shape and command set, and
// on dthread.Context's Notify/Wait pair (§9 DESIGN NOTES "task
// continuation via condvar... model as explicit message passing") for
// how a connection goroutine suspends on a mutating request without
// sharing mutable state with the worker that completes it.
package rpc

import (
	"encoding/binary"
	"io"

	"github.com/faststore/fstore/cmn"
)

// Cmd identifies a request/response pair (spec.md §6).
type Cmd uint16

const (
	CmdClientJoin Cmd = iota + 1
	CmdSliceWrite
	CmdSliceAllocate
	CmdSliceDelete
	CmdBlockDelete
	CmdSliceRead
	CmdGetMaster
	CmdGetLeader
	CmdGetReadableServer
	CmdClusterStat
	CmdSetupChannel
	CmdCloseChannel
	CmdReportReqReceipt
	CmdRebindChannel
	CmdActiveTest
)

// respBit marks a frame as a response, echoing cmd|respBit (spec.md §4.8).
const respBit Cmd = 0x8000

// Flag bits carried in Header.Flags.
const (
	// FlagIdempotent marks a mutating request body as prefixed with
	// (channel_id, req_id) — spec.md §4.8 "strip the idempotency prefix
	// if the task's channel is a user channel".
	FlagIdempotent uint32 = 1 << 0
	// FlagKeepalive is the supplemental keep-alive bit from
	// SPEC_FULL.md §4 (CLIENT_JOIN_REQ flags).
	FlagKeepalive uint32 = 1 << 1
)

// Status mirrors cmn.Kind on the wire (0 = success).
type Status uint16

const (
	StatusOK Status = iota
	StatusInvalid
	StatusNotFound
	StatusExists
	StatusPermission
	StatusBusy
	StatusOverflow
	StatusNoServer
	StatusChannelInvalid
	StatusDataVersionTooOld
	StatusAgain
	StatusIO
	StatusShuttingDown
)

// StatusFromKind maps a cmn.Kind to its wire status code.
func StatusFromKind(k cmn.Kind) Status {
	switch k {
	case cmn.KindInvalid:
		return StatusInvalid
	case cmn.KindNotFound:
		return StatusNotFound
	case cmn.KindExists:
		return StatusExists
	case cmn.KindPermission:
		return StatusPermission
	case cmn.KindBusy:
		return StatusBusy
	case cmn.KindOverflow:
		return StatusOverflow
	case cmn.KindNoServer:
		return StatusNoServer
	case cmn.KindChannelInvalid:
		return StatusChannelInvalid
	case cmn.KindDataVersionTooOld:
		return StatusDataVersionTooOld
	case cmn.KindAgain:
		return StatusAgain
	case cmn.KindShuttingDown:
		return StatusShuttingDown
	default:
		return StatusIO
	}
}

// headerSize is the fixed 16-byte frame header (spec.md §6): cmd u16,
// status u16, body_len u32, flags u32, reserved u32.
const headerSize = 16

// Header is one frame's fixed prefix.
type Header struct {
	Cmd     Cmd
	Status  Status
	BodyLen uint32
	Flags   uint32
	Reserved uint32
}

func (h Header) encode() []byte {
	b := make([]byte, headerSize)
	binary.BigEndian.PutUint16(b[0:2], uint16(h.Cmd))
	binary.BigEndian.PutUint16(b[2:4], uint16(h.Status))
	binary.BigEndian.PutUint32(b[4:8], h.BodyLen)
	binary.BigEndian.PutUint32(b[8:12], h.Flags)
	binary.BigEndian.PutUint32(b[12:16], h.Reserved)
	return b
}

func decodeHeader(b []byte) Header {
	return Header{
		Cmd:     Cmd(binary.BigEndian.Uint16(b[0:2])),
		Status:  Status(binary.BigEndian.Uint16(b[2:4])),
		BodyLen: binary.BigEndian.Uint32(b[4:8]),
		Flags:   binary.BigEndian.Uint32(b[8:12]),
		Reserved: binary.BigEndian.Uint32(b[12:16]),
	}
}

// maxBodyLen bounds a single frame's body to guard against a corrupt or
// hostile body_len (spec.md §6 OVERFLOW).
const maxBodyLen = 64 << 20

// Frame is one decoded request/response.
type Frame struct {
	Header Header
	Body   []byte
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	hb := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hb); err != nil {
		return Frame{}, err
	}
	h := decodeHeader(hb)
	if h.BodyLen > maxBodyLen {
		return Frame{}, cmn.NewError(cmn.KindOverflow, "frame body_len %d exceeds limit", h.BodyLen)
	}
	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	return Frame{Header: h, Body: body}, nil
}

// WriteFrame writes a response frame, cmd tagged with respBit.
func WriteFrame(w io.Writer, cmd Cmd, status Status, body []byte) error {
	h := Header{Cmd: cmd | respBit, Status: status, BodyLen: uint32(len(body))}
	if _, err := w.Write(h.encode()); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	return err
}
