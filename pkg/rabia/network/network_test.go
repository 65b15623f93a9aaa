package network

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jabolina/rabia/pkg/rabia/definition"
	"github.com/jabolina/rabia/pkg/rabia/result"
	"github.com/jabolina/rabia/pkg/rabia/router"
	"github.com/jabolina/rabia/pkg/rabia/topology"
	"github.com/jabolina/rabia/pkg/rabia/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	net   *Network
	topo  *topology.Manager
	rtr   *router.Router
	sched *result.Scheduler
	log   definition.Logger
}

func newHarness(t *testing.T, cfg definition.Config) *harness {
	t.Helper()
	log := definition.NewDefaultLogger("test")
	rtr := router.New(log)
	sched := result.NewScheduler()

	topo, err := topology.NewManager(cfg, rtr, sched, log)
	require.NoError(t, err)

	n := New(cfg, topo, rtr, wire.NewMsgpackSerializer(), sched, log)
	return &harness{net: n, topo: topo, rtr: rtr, sched: sched, log: log}
}

// freePort claims and immediately releases a loopback port, for wiring
// a deterministic config before Listen is called.
func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func twoNodeConfig(selfID string, portA, portB int) definition.Config {
	return definition.Config{
		Self: selfID,
		CoreNodes: []definition.CoreNode{
			{ID: "node-a", Host: "127.0.0.1", Port: portA},
			{ID: "node-b", Host: "127.0.0.1", Port: portB},
		},
		HelloTimeout: 2 * time.Second,
		PingInterval: 200 * time.Millisecond,
	}
}

func awaitRoute(t *testing.T, rtr *router.Router, sample router.Message, timeout time.Duration) <-chan router.Message {
	ch := make(chan router.Message, 8)
	rtr.Register(sample, func(msg router.Message) {
		select {
		case ch <- msg:
		default:
		}
	})
	return ch
}

func TestNetwork_HelloHandshakeEstablishesLinkAndQuorum(t *testing.T) {
	portA, portB := freePort(t), freePort(t)
	cfgA := twoNodeConfig("node-a", portA, portB)
	cfgB := twoNodeConfig("node-b", portA, portB)

	hA := newHarness(t, cfgA)
	hB := newHarness(t, cfgB)
	defer hA.sched.Stop()
	defer hB.sched.Stop()

	quorumA := awaitRoute(t, hA.rtr, QuorumEstablished{}, time.Second)
	establishedB := awaitRoute(t, hB.rtr, ConnectionEstablished{}, time.Second)

	require.NoError(t, hA.net.Listen("127.0.0.1:"+strconv.Itoa(portA)))
	require.NoError(t, hB.net.Listen("127.0.0.1:"+strconv.Itoa(portB)))
	defer hA.net.Stop()
	defer hB.net.Stop()

	hA.net.Start()
	hB.net.Start()

	// Node A dials node B directly, bypassing reconciliation timing.
	hA.rtr.Route(topology.ConnectNode{ID: "node-b"})

	select {
	case <-quorumA:
	case <-time.After(3 * time.Second):
		t.Fatal("node-a never reached quorum")
	}

	select {
	case msg := <-establishedB:
		require.Equal(t, topology.NodeId("node-a"), msg.(ConnectionEstablished).ID)
	case <-time.After(3 * time.Second):
		t.Fatal("node-b never observed the inbound connection")
	}
}
