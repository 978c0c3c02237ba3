package rpc

import (
	"net"
	"sync"
	"time"

	"github.com/faststore/fstore/cluster"
	"github.com/faststore/fstore/cmn"
	"github.com/faststore/fstore/dthread"
	"github.com/faststore/fstore/idemp"
	"github.com/faststore/fstore/registry"
)

// ServerContext replaces the source's global `g_*` structs (spec.md §9
// "Global singletons... replace with an explicit ServerContext object
// threaded through handlers; test fixtures can instantiate multiple
// contexts in one process"). One process hosts one data group's worker
// pool/binlog/dispatcher (the deployment unit is "one fstored per
// group"); Registry still tracks every group's membership cluster-wide
// since GET_MASTER/GET_READABLE_SERVER/CLUSTER_STAT answer for groups
// this process doesn't itself host.
type ServerContext struct {
	Pool     *dthread.Pool
	Registry *registry.Registry
	Channels *idemp.Table

	// Group is the single data group this process's Pool/binlog/dispatcher
	// serve; every mutating request on this connection is stamped with it.
	Group cluster.GroupID

	GroupCount    uint32
	FileBlockSize uint32

	// IdleTimeout closes a connection that sends no frames for this long,
	// unless the connection's CLIENT_JOIN_REQ set FlagKeepalive. Zero
	// disables the timeout.
	IdleTimeout time.Duration
}

// Server owns the listener and spawns one connection goroutine per
// client — the Go equivalent of the source's "N network I/O loops"
// (spec.md §5), since goroutines are cheap enough that one per
// connection needs no event-loop multiplexing.
type Server struct {
	ctx *ServerContext
	ln  net.Listener

	mu       sync.Mutex
	conns    map[*Conn]struct{}
	draining bool
	wg       sync.WaitGroup
}

func NewServer(ctx *ServerContext) *Server {
	return &Server{ctx: ctx, conns: make(map[*Conn]struct{})}
}

func (s *Server) Serve(ln net.Listener) error {
	s.ln = ln
	for {
		nc, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			draining := s.draining
			s.mu.Unlock()
			if draining {
				return nil
			}
			return err
		}
		c := newConn(nc, s.ctx)
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.serve()
			s.mu.Lock()
			delete(s.conns, c)
			s.mu.Unlock()
		}()
	}
}

// Shutdown stops accepting new connections and waits for in-flight ones
// to finish their current frame (spec.md §5 "on shutdown... workers
// drain").
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Lock()
	for c := range s.conns {
		c.close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func statusAndBody(err error) (Status, []byte) {
	e := cmn.AsError(err)
	return StatusFromKind(e.Kind), []byte(e.Message)
}
