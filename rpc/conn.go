package rpc

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/faststore/fstore/cmn"
	"github.com/faststore/fstore/idemp"
)

// Conn is one client connection: request parsing and response emission
// run on this single goroutine; a mutating request suspends it on
// dthread.Context.Wait() until the owning C2 worker calls Notify
// (spec.md §5 "network loops never suspend inside handler code... rely
// on the data worker to resume the task via a wakeup notification" —
// here the "wakeup" is the Context's own completion channel).
type Conn struct {
	nc  net.Conn
	ctx *ServerContext

	mu        sync.Mutex
	closed    bool
	keepalive bool           // set by a CLIENT_JOIN_REQ with FlagKeepalive; exempts the conn from IdleTimeout
	channel   *idemp.Channel // set once this connection holds or is bound to a channel
}

func newConn(nc net.Conn, ctx *ServerContext) *Conn {
	return &Conn{nc: nc, ctx: ctx}
}

// close tears down the socket on a plain disconnect. It deliberately does
// not call idemp.Table.CloseHolder: only an explicit CLOSE_CHANNEL_REQ
// invalidates a channel (SPEC_FULL.md §5 open question (c)), so a holder
// that merely drops its connection can REBIND_CHANNEL back in later.
func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	_ = c.nc.Close()
}

func (c *Conn) serve() {
	defer c.close()
	for {
		if c.ctx.IdleTimeout > 0 {
			c.mu.Lock()
			keepalive := c.keepalive
			c.mu.Unlock()
			if !keepalive {
				_ = c.nc.SetReadDeadline(time.Now().Add(c.ctx.IdleTimeout))
			} else {
				_ = c.nc.SetReadDeadline(time.Time{})
			}
		}
		frame, err := ReadFrame(c.nc)
		if err != nil {
			if err != io.EOF {
				cmn.Warningf("rpc: read frame: %v", err)
			}
			return
		}
		status, body := c.dispatch(frame)
		if err := WriteFrame(c.nc, frame.Header.Cmd, status, body); err != nil {
			cmn.Warningf("rpc: write frame: %v", err)
			return
		}
	}
}

func (c *Conn) dispatch(f Frame) (Status, []byte) {
	handler, ok := handlers[f.Header.Cmd]
	if !ok {
		return StatusInvalid, []byte("unknown command")
	}
	status, body, err := handler(c, f)
	if err != nil {
		return statusAndBody(err)
	}
	return status, body
}

// handlerFunc decodes a frame's body, performs the operation, and
// returns the response body. A non-nil error is converted to a status
// and body via statusAndBody at the dispatch layer; the mutating handlers
// also return a non-OK status with a nil error when they have already
// converted the failure themselves (to record it in the idempotency
// channel).
type handlerFunc func(c *Conn, f Frame) (Status, []byte, error)

var handlers = map[Cmd]handlerFunc{
	CmdClientJoin:         handleClientJoin,
	CmdSliceWrite:         handleSliceWrite,
	CmdSliceAllocate:      handleSliceAllocate,
	CmdSliceDelete:        handleSliceDelete,
	CmdBlockDelete:        handleBlockDelete,
	CmdSliceRead:          handleSliceRead,
	CmdGetMaster:          handleGetMaster,
	CmdGetLeader:          handleGetLeader,
	CmdGetReadableServer:  handleGetReadableServer,
	CmdClusterStat:        handleClusterStat,
	CmdSetupChannel:       handleSetupChannel,
	CmdCloseChannel:       handleCloseChannel,
	CmdRebindChannel:      handleRebindChannel,
	CmdReportReqReceipt:   handleReportReqReceipt,
	CmdActiveTest:         handleActiveTest,
}
