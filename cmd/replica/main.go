// Command replica is a runnable example process wiring Topology ->
// Network -> Consensus -> an in-memory KV StateMachine together, the
// way the teacher's NewUnity composition root wires a Transport ->
// GroupState -> Unity. It reads its membership and self id from the
// environment rather than flags: parsing a CLI surface is explicitly
// out of scope (SPEC_FULL.md Non-goals), so configuration here is the
// smallest thing that lets the binary actually run.
//
// Example:
//
//	REPLICA_SELF=node-0 \
//	REPLICA_MEMBERS=node-0=127.0.0.1:9000,node-1=127.0.0.1:9001,node-2=127.0.0.1:9002 \
//	./replica
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/jabolina/rabia/pkg/rabia/consensus"
	"github.com/jabolina/rabia/pkg/rabia/definition"
	"github.com/jabolina/rabia/pkg/rabia/network"
	"github.com/jabolina/rabia/pkg/rabia/result"
	"github.com/jabolina/rabia/pkg/rabia/router"
	"github.com/jabolina/rabia/pkg/rabia/statemachine"
	"github.com/jabolina/rabia/pkg/rabia/storage"
	"github.com/jabolina/rabia/pkg/rabia/topology"
	"github.com/jabolina/rabia/pkg/rabia/wire"
)

func main() {
	cfg, listenAddr, err := configFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "replica:", err)
		os.Exit(1)
	}

	log := definition.NewDefaultLogger(cfg.Self)
	rtr := router.New(log)
	sched := result.NewScheduler()
	serializer := wire.NewMsgpackSerializer()

	topo, err := topology.NewManager(cfg, rtr, sched, log)
	if err != nil {
		log.Fatalf("replica: failed building topology: %v", err)
	}

	net := network.New(cfg, topo, rtr, serializer, sched, log)

	sm := statemachine.NewKV()
	store := storage.NewInMemory()
	engine := consensus.NewEngine(cfg, topo, rtr, net, serializer, sched, sm, store, log)

	if errs := rtr.Validate(); len(errs) > 0 {
		log.Fatalf("replica: router has duplicate registrations: %v", errs)
	}

	if err := net.Listen(listenAddr); err != nil {
		log.Fatalf("replica: failed listening on %s: %v", listenAddr, err)
	}
	net.Start()
	engine.Start()

	log.Infof("replica %s listening on %s, cluster size %d, quorum %d", cfg.Self, listenAddr, topo.ClusterSize(), topo.QuorumSize())

	awaitShutdown(log)

	engine.Stop()
	net.Stop()
	sched.Stop()
}

// awaitShutdown blocks until SIGINT/SIGTERM, mirroring the teacher's
// poweroff-channel shutdown but driven by the process signal instead
// of an RPC.
func awaitShutdown(log definition.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	log.Infof("replica: received %s, shutting down", s)
}

// configFromEnv builds a definition.Config and this node's listen
// address from REPLICA_SELF and REPLICA_MEMBERS ("id=host:port,...").
func configFromEnv() (definition.Config, string, error) {
	self := os.Getenv("REPLICA_SELF")
	if self == "" {
		return definition.Config{}, "", fmt.Errorf("REPLICA_SELF is required")
	}

	members := os.Getenv("REPLICA_MEMBERS")
	if members == "" {
		return definition.Config{}, "", fmt.Errorf("REPLICA_MEMBERS is required")
	}

	var nodes []definition.CoreNode
	var listenAddr string
	for _, entry := range strings.Split(members, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		idAndAddr := strings.SplitN(entry, "=", 2)
		if len(idAndAddr) != 2 {
			return definition.Config{}, "", fmt.Errorf("malformed member entry %q, want id=host:port", entry)
		}
		id := idAndAddr[0]
		hostAndPort := strings.SplitN(idAndAddr[1], ":", 2)
		if len(hostAndPort) != 2 {
			return definition.Config{}, "", fmt.Errorf("malformed address %q for %s, want host:port", idAndAddr[1], id)
		}
		port, err := strconv.Atoi(hostAndPort[1])
		if err != nil {
			return definition.Config{}, "", fmt.Errorf("malformed port in %q: %w", idAndAddr[1], err)
		}
		nodes = append(nodes, definition.CoreNode{ID: id, Host: hostAndPort[0], Port: port})
		if id == self {
			listenAddr = idAndAddr[1]
		}
	}
	if listenAddr == "" {
		return definition.Config{}, "", fmt.Errorf("REPLICA_SELF %q not present in REPLICA_MEMBERS", self)
	}

	return definition.Config{Self: self, CoreNodes: nodes}, listenAddr, nil
}
