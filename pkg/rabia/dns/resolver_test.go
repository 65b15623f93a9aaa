package dns

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jabolina/rabia/pkg/rabia/definition"
	"github.com/jabolina/rabia/pkg/rabia/result"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeServer answers every A query for `domain` with `ip` at the given
// TTL, on a UDP socket bound to loopback, until Close is called.
type fakeServer struct {
	pc     net.PacketConn
	domain string
	ip     net.IP
	ttl    uint32
}

func startFakeServer(t *testing.T, domain string, ip net.IP, ttl uint32) *fakeServer {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{pc: pc, domain: dns.Fqdn(domain), ip: ip, ttl: ttl}
	go s.serve()
	return s
}

func (s *fakeServer) addr() string {
	return s.pc.LocalAddr().String()
}

func (s *fakeServer) serve() {
	buf := make([]byte, 512)
	for {
		n, addr, err := s.pc.ReadFrom(buf)
		if err != nil {
			return
		}
		msg := new(dns.Msg)
		if err := msg.Unpack(buf[:n]); err != nil {
			continue
		}
		reply := new(dns.Msg)
		reply.SetReply(msg)
		if len(msg.Question) == 1 && msg.Question[0].Name == s.domain {
			rr := &dns.A{
				Hdr: dns.RR_Header{Name: s.domain, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: s.ttl},
				A:   s.ip,
			}
			reply.Answer = append(reply.Answer, rr)
		} else {
			reply.Rcode = dns.RcodeNameError
		}
		out, err := reply.Pack()
		if err != nil {
			continue
		}
		_, _ = s.pc.WriteTo(out, addr)
	}
}

func (s *fakeServer) Close() { _ = s.pc.Close() }

func TestResolver_ResolvesFromServerAndCaches(t *testing.T) {
	srv := startFakeServer(t, "replica-a.cluster.internal", net.IPv4(10, 0, 0, 1), 60)
	defer srv.Close()

	sched := result.NewScheduler()
	defer sched.Stop()
	r := NewResolver([]string{srv.addr()}, sched, definition.NewDefaultLogger("test"))

	res := r.Resolve("replica-a.cluster.internal").Await(2 * time.Second)
	require.True(t, res.Ok)
	require.True(t, res.Value.Equal(net.IPv4(10, 0, 0, 1)))

	// Second lookup should hit the cache without needing the server.
	srv.Close()
	res2 := r.Resolve("replica-a.cluster.internal").Await(time.Second)
	require.True(t, res2.Ok)
	require.True(t, res2.Value.Equal(net.IPv4(10, 0, 0, 1)))
}

func TestResolver_LocalhostSeededUnbounded(t *testing.T) {
	sched := result.NewScheduler()
	defer sched.Stop()
	r := NewResolver(nil, sched, definition.NewDefaultLogger("test"))

	res := r.Resolve("localhost").Await(time.Second)
	require.True(t, res.Ok)
	require.True(t, res.Value.Equal(net.IPv4(127, 0, 0, 1)))
}

// TestResolver_CachedEntryEvictedAfterTTL exercises spec.md section 8's
// invariant 6 and scenario S7: a cached entry is evicted within ±ε of
// its TTL deadline, rather than lingering or being dropped early.
func TestResolver_CachedEntryEvictedAfterTTL(t *testing.T) {
	srv := startFakeServer(t, "replica-a.cluster.internal", net.IPv4(10, 0, 0, 1), 1)
	defer srv.Close()

	sched := result.NewScheduler()
	defer sched.Stop()
	r := NewResolver([]string{srv.addr()}, sched, definition.NewDefaultLogger("test"))

	res := r.Resolve("replica-a.cluster.internal").Await(2 * time.Second)
	require.True(t, res.Ok)

	_, ok := r.fromCache("replica-a.cluster.internal")
	require.True(t, ok, "expected the entry to be cached immediately after a successful lookup")

	// Within the 1s TTL, a second lookup must still hit the cache.
	res2 := r.Resolve("replica-a.cluster.internal").Await(time.Second)
	require.True(t, res2.Ok)

	time.Sleep(1300 * time.Millisecond)

	_, ok = r.fromCache("replica-a.cluster.internal")
	require.False(t, ok, "expected the entry to be evicted once its TTL deadline passed")
}

func TestResolver_UnknownDomainFailsAfterAllServersMiss(t *testing.T) {
	srv := startFakeServer(t, "replica-a.cluster.internal", net.IPv4(10, 0, 0, 1), 60)
	defer srv.Close()

	sched := result.NewScheduler()
	defer sched.Stop()
	r := NewResolver([]string{srv.addr()}, sched, definition.NewDefaultLogger("test"))

	res := r.Resolve("does-not-exist.cluster.internal").Await(2 * time.Second)
	require.False(t, res.Ok)
	require.Equal(t, result.KindDNS, res.Err.Kind)
}
