package rpc

import (
	"github.com/faststore/fstore/cluster"
	"github.com/faststore/fstore/cmn"
	"github.com/faststore/fstore/dthread"
	"github.com/faststore/fstore/idemp"
)

// submitAndWait enqueues ctx onto the data-thread pool and blocks this
// connection's goroutine until the owning worker notifies completion
// (spec.md §4.8 "enqueue onto C2 and return a continue marker; the
// worker's notifier resumes the handler").
func submitAndWait(ctx *ServerContext, dctx *dthread.Context) error {
	ctx.Pool.Submit(dctx)
	dctx.Wait()
	return dctx.Err
}

// beginIdempotent strips and applies the idempotency prefix for a
// mutating request if FlagIdempotent is set (spec.md §4.8). It returns
// the remaining body; if hasCached is true the request already finished
// and (cachedStatus, cachedBody) is the verbatim original response;
// otherwise finish must be called exactly once with the operation's
// outcome, success or failure, so a retry of this req_id replays that
// same outcome instead of finding it stuck in flight forever.
func (c *Conn) beginIdempotent(f Frame) (body []byte, cachedStatus Status, cachedBody []byte, hasCached bool, finish func(Status, []byte), err error) {
	body = f.Body
	if f.Header.Flags&FlagIdempotent == 0 {
		return body, 0, nil, false, func(Status, []byte) {}, nil
	}
	prefix, rest, derr := decodeIdempotencyPrefix(body)
	if derr != nil {
		return nil, 0, nil, false, nil, derr
	}
	ch, gerr := c.ctx.Channels.Get(prefix.Channel)
	if gerr != nil {
		return nil, 0, nil, false, nil, gerr
	}
	outcome, resp := ch.Begin(prefix.Req)
	switch outcome {
	case idemp.OutcomeCached:
		status, respBody := decodeFinishResult(resp)
		return rest, status, respBody, true, nil, nil
	case idemp.OutcomeAgain:
		return nil, 0, nil, false, nil, cmn.NewError(cmn.KindAgain, "request %d still in flight", prefix.Req)
	default:
		return rest, 0, nil, false, func(status Status, respBytes []byte) {
			ch.Finish(prefix.Req, encodeFinishResult(status, respBytes))
		}, nil
	}
}

func handleSliceWrite(c *Conn, f Frame) (Status, []byte, error) {
	body, cachedStatus, cachedBody, hasCached, finish, err := c.beginIdempotent(f)
	if err != nil {
		return 0, nil, err
	}
	if hasCached {
		return cachedStatus, cachedBody, nil
	}
	key, err := decodeSliceKey(body)
	if err != nil {
		status, errBody := statusAndBody(err)
		finish(status, errBody)
		return status, errBody, nil
	}
	data := body[sliceKeyLen:]

	dctx := dthread.NewContext()
	dctx.Kind = dthread.OpSliceWrite
	dctx.Source = dthread.SourceMasterService
	dctx.Group = c.ctx.Group
	dctx.Key = key
	dctx.Data = data
	if err := submitAndWait(c.ctx, dctx); err != nil {
		status, errBody := statusAndBody(err)
		finish(status, errBody)
		return status, errBody, nil
	}
	resp := encodeWriteResp(dctx.WrittenBytes, dctx.SpaceChanged)
	finish(StatusOK, resp)
	return StatusOK, resp, nil
}

func handleSliceAllocate(c *Conn, f Frame) (Status, []byte, error) {
	return mutatingNoPayload(c, f, dthread.OpSliceAlloc)
}

func handleSliceDelete(c *Conn, f Frame) (Status, []byte, error) {
	return mutatingNoPayload(c, f, dthread.OpSliceDelete)
}

func handleBlockDelete(c *Conn, f Frame) (Status, []byte, error) {
	return mutatingNoPayload(c, f, dthread.OpBlockDelete)
}

// mutatingNoPayload handles SLICE_ALLOCATE/SLICE_DELETE/BLOCK_DELETE:
// same key layout, empty payload (spec.md §6).
func mutatingNoPayload(c *Conn, f Frame, kind dthread.OpKind) (Status, []byte, error) {
	body, cachedStatus, cachedBody, hasCached, finish, err := c.beginIdempotent(f)
	if err != nil {
		return 0, nil, err
	}
	if hasCached {
		return cachedStatus, cachedBody, nil
	}
	key, err := decodeSliceKey(body)
	if err != nil {
		status, errBody := statusAndBody(err)
		finish(status, errBody)
		return status, errBody, nil
	}

	dctx := dthread.NewContext()
	dctx.Kind = kind
	dctx.Source = dthread.SourceMasterService
	dctx.Group = c.ctx.Group
	dctx.Key = key
	if err := submitAndWait(c.ctx, dctx); err != nil {
		status, errBody := statusAndBody(err)
		finish(status, errBody)
		return status, errBody, nil
	}
	resp := encodeWriteResp(0, dctx.SpaceChanged)
	finish(StatusOK, resp)
	return StatusOK, resp, nil
}

func handleSliceRead(c *Conn, f Frame) (Status, []byte, error) {
	key, err := decodeSliceKey(f.Body)
	if err != nil {
		return 0, nil, err
	}

	dctx := dthread.NewContext()
	dctx.Kind = dthread.OpSliceRead
	dctx.Source = dthread.SourceMasterService
	dctx.Key = key
	// The client-facing wire protocol has no separate file_size field
	// (spec.md §6 SLICE_READ_REQ); treat the requested range itself as
	// the readable window, so every byte of it is either live content or
	// a hole to zero-fill, never a short read truncated at an
	// externally-tracked file boundary.
	dctx.FileSize = int64(key.SliceOffset) + int64(key.SliceLength)
	if err := submitAndWait(c.ctx, dctx); err != nil {
		return 0, nil, err
	}
	return StatusOK, dctx.Data, nil
}

func handleGetMaster(c *Conn, f Frame) (Status, []byte, error) {
	group, err := decodeGroupID(f.Body)
	if err != nil {
		return 0, nil, err
	}
	id, err := c.ctx.Registry.GetMaster(group)
	if err != nil {
		return 0, nil, err
	}
	return StatusOK, encodeServerResp(id, [16]byte{}, 0), nil
}

func handleGetLeader(c *Conn, f Frame) (Status, []byte, error) {
	id, err := c.ctx.Registry.GetLeader()
	if err != nil {
		return 0, nil, err
	}
	return StatusOK, encodeServerResp(id, [16]byte{}, 0), nil
}

func handleGetReadableServer(c *Conn, f Frame) (Status, []byte, error) {
	group, err := decodeGroupID(f.Body)
	if err != nil {
		return 0, nil, err
	}
	id, err := c.ctx.Registry.GetReadableServer(group)
	if err != nil {
		return 0, nil, err
	}
	return StatusOK, encodeServerResp(id, [16]byte{}, 0), nil
}

func handleClusterStat(c *Conn, f Frame) (Status, []byte, error) {
	var groups []cluster.GroupID
	for i := 0; i+4 <= len(f.Body); i += 4 {
		g, _ := decodeGroupID(f.Body[i : i+4])
		groups = append(groups, g)
	}
	stats := c.ctx.Registry.ClusterStat(groups)
	return StatusOK, encodeClusterStat(stats), nil
}

func handleSetupChannel(c *Conn, f Frame) (Status, []byte, error) {
	id, key, err := c.ctx.Channels.Setup()
	if err != nil {
		return 0, nil, err
	}
	ch, err := c.ctx.Channels.Get(id)
	if err != nil {
		return 0, nil, err
	}
	c.mu.Lock()
	c.channel = ch
	c.mu.Unlock()
	return StatusOK, encodeSetupChannelResp(id, key), nil
}

func handleCloseChannel(c *Conn, f Frame) (Status, []byte, error) {
	group, err := decodeGroupID(f.Body) // channel_id shares the u32 layout
	if err != nil {
		return 0, nil, err
	}
	c.ctx.Channels.CloseHolder(idemp.ChannelID(group))
	c.mu.Lock()
	c.channel = nil
	c.mu.Unlock()
	return StatusOK, nil, nil
}

func handleRebindChannel(c *Conn, f Frame) (Status, []byte, error) {
	id, key, err := decodeChannelAndKey(f.Body)
	if err != nil {
		return 0, nil, err
	}
	ch, err := c.ctx.Channels.Rebind(id, key)
	if err != nil {
		return 0, nil, err
	}
	c.mu.Lock()
	c.channel = ch
	c.mu.Unlock()
	return StatusOK, nil, nil
}

func handleReportReqReceipt(c *Conn, f Frame) (Status, []byte, error) {
	// Acknowledges a client's receipt of a finished response, letting
	// the channel evict the cached entry early instead of waiting for
	// the reserve-interval prune; the table has no eager-evict path yet,
	// so this is a documented no-op (the periodic prune still reclaims
	// it) rather than a silent no-such-command.
	return StatusOK, nil, nil
}

func handleActiveTest(c *Conn, f Frame) (Status, []byte, error) {
	return StatusOK, nil, nil
}

func handleClientJoin(c *Conn, f Frame) (Status, []byte, error) {
	if len(f.Body) < 20 {
		return 0, nil, cmn.NewError(cmn.KindInvalid, "short CLIENT_JOIN_REQ body")
	}
	groupCount := be32(f.Body[0:4])
	blockSize := be32(f.Body[4:8])
	if groupCount != c.ctx.GroupCount || blockSize != c.ctx.FileBlockSize {
		return 0, nil, cmn.NewError(cmn.KindInvalid, "block-size/group-count mismatch: got (%d,%d) want (%d,%d)",
			groupCount, blockSize, c.ctx.GroupCount, c.ctx.FileBlockSize)
	}
	if f.Header.Flags&FlagKeepalive != 0 {
		c.mu.Lock()
		c.keepalive = true
		c.mu.Unlock()
	}
	resp := make([]byte, 4)
	be32put(resp, maxBodyLen)
	return StatusOK, resp, nil
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func be32put(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
