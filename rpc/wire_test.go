package rpc

import (
	"bytes"
	"testing"
)

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := Header{Cmd: CmdSliceWrite, Status: StatusBusy, BodyLen: 1234, Flags: FlagIdempotent, Reserved: 0}
	got := decodeHeader(h.encode())
	if got != h {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
	}
}

func TestReadWriteFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, CmdActiveTest, StatusOK, []byte("hello")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	f, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Header.Cmd != CmdActiveTest|respBit {
		t.Fatalf("expected response bit set, got cmd %v", f.Header.Cmd)
	}
	if string(f.Body) != "hello" {
		t.Fatalf("expected body %q, got %q", "hello", f.Body)
	}
}

func TestReadFrameRejectsOversizedBody(t *testing.T) {
	var buf bytes.Buffer
	h := Header{Cmd: CmdSliceWrite, BodyLen: maxBodyLen + 1}
	buf.Write(h.encode())
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatalf("expected an OVERFLOW error for an oversized body_len")
	}
}

func TestSliceKeyEncodeDecodeRoundTrip(t *testing.T) {
	k := decodeSliceKeyMustRoundTrip(t, 7, 4096, 100, 200)
	if k.ObjectID != 7 || k.BlockOffset != 4096 || k.SliceOffset != 100 || k.SliceLength != 200 {
		t.Fatalf("unexpected key: %+v", k)
	}
}

func decodeSliceKeyMustRoundTrip(t *testing.T, objID, blkOff int64, sliceOff, sliceLen int32) (out struct {
	ObjectID, BlockOffset int64
	SliceOffset, SliceLength int32
}) {
	t.Helper()
	encoded := make([]byte, sliceKeyLen)
	be64put(encoded[0:8], uint64(objID))
	be64put(encoded[8:16], uint64(blkOff))
	be32put(encoded[16:20], uint32(sliceOff))
	be32put(encoded[20:24], uint32(sliceLen))
	k, err := decodeSliceKey(encoded)
	if err != nil {
		t.Fatalf("decodeSliceKey: %v", err)
	}
	out.ObjectID, out.BlockOffset, out.SliceOffset, out.SliceLength = k.ObjectID, k.BlockOffset, k.SliceOffset, k.SliceLength
	return out
}

func be64put(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*uint(i)))
	}
}
