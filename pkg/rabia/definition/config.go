package definition

import "time"

// CoreNode is one statically-configured cluster member, as accepted in
// Config.CoreNodes. It is intentionally a plain (id, host, port) triple
// rather than the richer topology.NodeInfo -- config is the external,
// unopinionated boundary; topology.NodeInfo is the internal type built
// from it.
type CoreNode struct {
	ID   string
	Host string
	Port int
}

// TLSProfile configures optional transport-layer security for the
// cluster network. A zero-value TLSProfile means plaintext TCP.
type TLSProfile struct {
	// Identity is the path to this node's certificate+key pair.
	Identity string
	// Trust is the path to the CA bundle used to validate peers.
	Trust string
	// RequireClientAuth turns on mutual TLS (server also verifies the
	// client certificate) instead of server-only TLS.
	RequireClientAuth bool
}

// Enabled reports whether a TLS profile was actually configured.
func (t TLSProfile) Enabled() bool {
	return t.Identity != "" || t.Trust != ""
}

// Config carries every option spec.md section 6 recognizes. It is a
// plain struct: this module does not parse JSON/TOML/flags on its own
// behalf -- that belongs to the calling process.
type Config struct {
	// Self is the NodeId of this process.
	Self string

	// CoreNodes is the initial membership list.
	CoreNodes []CoreNode

	// ReconciliationInterval is the topology reconcile period.
	ReconciliationInterval time.Duration

	// PingInterval is the base liveness period; the actual interval
	// used is uniformly jittered by +/-30%.
	PingInterval time.Duration

	// HelloTimeout bounds how long a new channel may stay pending
	// before the handshake must complete.
	HelloTimeout time.Duration

	// MaxFrameSize caps the length-prefixed frame payload, in bytes.
	MaxFrameSize int

	// BatchSize caps how many pending commands a single Propose may
	// carry.
	BatchSize int

	// PipelineDepth bounds how many phases may be in flight
	// simultaneously in the consensus engine's slotState, per spec.md
	// section 4.5.
	PipelineDepth int

	// TLS is the optional transport security profile.
	TLS TLSProfile
}

// DefaultMaxFrameSize is used when Config.MaxFrameSize is left at zero.
const DefaultMaxFrameSize = 1 << 20 // 1 MiB, per spec.md section 6.

// FrameSizeOrDefault returns the configured max frame size, or the 1
// MiB default when unset.
func (c Config) FrameSizeOrDefault() int {
	if c.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return c.MaxFrameSize
}

// DefaultPingInterval is used when Config.PingInterval is left at zero.
const DefaultPingInterval = 2 * time.Second

// PingIntervalOrDefault returns the configured base ping interval, or
// the default when unset.
func (c Config) PingIntervalOrDefault() time.Duration {
	if c.PingInterval <= 0 {
		return DefaultPingInterval
	}
	return c.PingInterval
}

// DefaultHelloTimeout is used when Config.HelloTimeout is left at zero.
const DefaultHelloTimeout = 5 * time.Second

// HelloTimeoutOrDefault returns the configured handshake timeout, or
// the default when unset.
func (c Config) HelloTimeoutOrDefault() time.Duration {
	if c.HelloTimeout <= 0 {
		return DefaultHelloTimeout
	}
	return c.HelloTimeout
}

// DefaultPipelineDepth is used when Config.PipelineDepth is left at zero.
const DefaultPipelineDepth = 16

// PipelineDepthOrDefault returns the configured in-flight phase bound,
// or the default when unset.
func (c Config) PipelineDepthOrDefault() int {
	if c.PipelineDepth <= 0 {
		return DefaultPipelineDepth
	}
	return c.PipelineDepth
}

// DefaultReconciliationInterval is used when Config.ReconciliationInterval
// is left at zero.
const DefaultReconciliationInterval = 10 * time.Second

// ReconciliationIntervalOrDefault returns the configured reconcile
// period, or the default when unset.
func (c Config) ReconciliationIntervalOrDefault() time.Duration {
	if c.ReconciliationInterval <= 0 {
		return DefaultReconciliationInterval
	}
	return c.ReconciliationInterval
}

// DefaultBatchSize is used when Config.BatchSize is left at zero.
const DefaultBatchSize = 64

// BatchSizeOrDefault returns the configured proposal batch cap, or the
// default when unset.
func (c Config) BatchSizeOrDefault() int {
	if c.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return c.BatchSize
}
