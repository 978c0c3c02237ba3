// Command fstored is the data-plane server: one process hosts one data
// group's worker pool, binlog, and replication dispatcher, and answers
// the C8 wire protocol for clients of any group via the cluster registry.
//
// Flag parsing follows ais/setup/aisnode.go -> ais.Run and
// cli/commands/common.go's use of github.com/urfave/cli.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/urfave/cli"

	"github.com/faststore/fstore/binlog"
	"github.com/faststore/fstore/cluster"
	"github.com/faststore/fstore/cmn"
	"github.com/faststore/fstore/dthread"
	"github.com/faststore/fstore/fs"
	"github.com/faststore/fstore/idemp"
	"github.com/faststore/fstore/registry"
	"github.com/faststore/fstore/repl"
	"github.com/faststore/fstore/rpc"
	"github.com/faststore/fstore/sliceop"
	"github.com/faststore/fstore/store"
)

func main() {
	app := cli.NewApp()
	app.Name = "fstored"
	app.Usage = "fstore data-plane daemon"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "path to the JSON config file"},
		cli.StringFlag{Name: "logdir", Usage: "glog log directory"},
		cli.StringFlag{Name: "datadir", Usage: "base data directory (binlogs, trunks, registry)", Value: "./data"},
		cli.StringFlag{Name: "groupinfo", Usage: "path to data_group.info (default <datadir>/data_group.info)"},
		cli.UintFlag{Name: "group", Usage: "data group id this process hosts", Value: 1},
		cli.UintFlag{Name: "server", Usage: "this server's id within the group", Value: 1},
		cli.StringFlag{Name: "peers", Usage: "comma-separated server ids of the group's other members"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		cmn.Errorf("fstored: %v", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := cmn.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if dir := c.String("logdir"); dir != "" {
		cfg.LogDir = dir
	}
	cfg.DataDir = c.String("datadir")
	cmn.GCO.Put(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("data dir %q: %w", cfg.DataDir, err)
	}

	groupID := cluster.GroupID(c.Uint("group"))
	serverID := cluster.ServerID(c.Uint("server"))

	trunk, err := fs.NewFileTrunk(cfg.DataDir + "/trunk")
	if err != nil {
		return fmt.Errorf("open trunk: %w", err)
	}
	reclaimer := fs.NewReclaimer(trunk)
	index := store.NewBlockIndex()
	engine := sliceop.NewEngine(index, trunk, reclaimer)

	writer, err := binlog.NewWriter(cfg.DataDir, groupID)
	if err != nil {
		return fmt.Errorf("open binlog: %w", err)
	}

	groupInfoPath := c.String("groupinfo")
	if groupInfoPath == "" {
		groupInfoPath = cfg.DataDir + "/data_group.info"
	}
	regStore := registry.NewStore(groupInfoPath)
	reg, err := registry.NewRegistry(regStore)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	servers := []cluster.ServerID{serverID}
	for _, p := range parsePeers(c.String("peers")) {
		servers = append(servers, p)
	}
	if _, err := reg.GetMaster(groupID); err != nil {
		reg.AddGroup(groupID, serverID, servers)
	}
	reg.SetStatus(groupID, serverID, cluster.StatusActive)

	dispatcher := repl.NewDispatcher(groupID, reg)
	for _, p := range servers {
		if p == serverID {
			continue
		}
		// Peer transport (dialing the slave's own fstored and framing
		// MutationRecords over it) is a deployment-time wiring concern
		// outside this spec's component list; Dispatcher is ready to
		// AddSlave once a repl.Sender exists for that peer.
		cmn.Infof("fstored: group %d peer %d configured, awaiting transport wiring", groupID, p)
	}

	pool := dthread.NewPool(cfg.DataThreadCount, engine, writer, dispatcher)

	channels := idemp.NewTable(cfg.IdempotencyChannelReserveInterval, cfg.MaxChannelCount)

	ctx := &rpc.ServerContext{
		Pool:          pool,
		Registry:      reg,
		Channels:      channels,
		Group:         groupID,
		GroupCount:    1,
		FileBlockSize: uint32(cfg.FileBlockSize),
		IdleTimeout:   cfg.IdleTimeout,
	}
	server := rpc.NewServer(ctx)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddr, cfg.ServicePort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	cmn.Infof("fstored: group %d server %d listening on %s", groupID, serverID, addr)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ln) }()

	sig := waitForShutdownSignal()
	select {
	case err := <-errCh:
		if err != nil {
			cmn.Errorf("fstored: serve: %v", err)
		}
	case <-sig:
		cmn.Infof("fstored: shutting down")
	}

	server.Shutdown()
	dispatcher.Shutdown()
	channels.Shutdown()
	reg.Shutdown()
	reclaimer.Stop()
	pool.Shutdown()
	if err := writer.Close(); err != nil {
		cmn.Warningf("fstored: closing binlog: %v", err)
	}
	return nil
}

func parsePeers(s string) []cluster.ServerID {
	if s == "" {
		return nil
	}
	var out []cluster.ServerID
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		id, err := strconv.ParseUint(field, 10, 32)
		if err != nil {
			cmn.Warningf("fstored: ignoring malformed peer id %q: %v", field, err)
			continue
		}
		out = append(out, cluster.ServerID(id))
	}
	return out
}

func waitForShutdownSignal() <-chan struct{} {
	ch := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		close(ch)
	}()
	return ch
}
