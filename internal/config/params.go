// Package config models the Open-MX module parameters as a validated Go
// struct: zero-value defaults are filled in and hard failures are
// returned as errors rather than silently clamped. cmd/omxd parses these
// off cobra/pflag flags; nothing in this package depends on a flag
// library, keeping it testable without a CLI in the loop.
package config

import "fmt"

// PacketLossInjector is a per-packet-type drop-probability setting.
// Validate checks its range; no package reads it, so no frame is dropped.
type PacketLossInjector struct {
	// Probability is in [0, 1]: the fraction of frames of this type to
	// drop.
	Probability float64
}

// Params is the full module-parameter surface. Every field corresponds
// to a named module parameter or flag. engine.New acts on MaxIfaces,
// EndpointsPerIface, MaxPeers and Hostname; it hands IfNames to
// internal/iface and the DMA fields to internal/pull, which store them
// without acting on them. The remaining fields are validated and carried,
// and no package reads them.
type Params struct {
	// IfNames lists netdev names; empty is legal. Nothing attaches from
	// it: interfaces are attached by explicit AttachInterface calls.
	IfNames []string
	// MaxIfaces bounds the interface table ("ifaces" module parameter).
	MaxIfaces int
	// EndpointsPerIface bounds each interface's endpoint table
	// ("endpoints" module parameter).
	EndpointsPerIface int
	// MaxPeers bounds the peer table ("peers" module parameter).
	MaxPeers int
	// SKBFrags bounds the number of fragments a MEDIUM send may use
	// ("skbfrags" module parameter).
	SKBFrags int
	// SKBCopy forces a full linear copy instead of zero-copy fragment
	// chaining on the send path ("skbcopy" module parameter).
	SKBCopy bool
	// DemandPin enables demand paging for user regions instead of
	// pinning eagerly at creation ("demandpin" module parameter).
	DemandPin bool
	// PinChunk is a pin chunk size in bytes ("pinchunk" module
	// parameter); internal/region's pin loop starts from its own
	// PinChunkPagesMin and does not read it.
	PinChunk uint64
	// DMAEngine is the "dmaengine" module parameter; internal/pull has no
	// offloaded-copy path to gate.
	DMAEngine bool
	// DMAAsyncThreshold and DMAAsyncMessageThreshold are the pull
	// engine's offload-eligibility thresholds.
	DMAAsyncThreshold        uint32
	DMAAsyncMessageThreshold uint32
	// CopyBench enables the copy-throughput benchmarking instrumentation
	// ("copybench" module parameter).
	CopyBench bool
	// Debug enables verbose protocol-level logging ("debug" module
	// parameter).
	Debug bool
	// Hostname is advertised in HOST_REPLY frames ("SET_HOSTNAME" ioctl
	// equivalent).
	Hostname string
	// PacketLoss maps a wire.PacketType (by its numeric value, avoiding
	// an import of internal/wire here) to its fault injector.
	PacketLoss map[uint8]PacketLossInjector
}

// Defaults mirror the per-package DefaultConfig()s (internal/pull.DefaultConfig,
// internal/iface.DefaultMaxIfaces, internal/iface.DefaultEndpointsPerIface).
const (
	DefaultMaxPeers          = 1024
	DefaultSKBFrags          = 8
	DefaultPinChunk          = 1 << 20 // 1 MiB
	DefaultMaxIfaces         = 32      // mirrors internal/iface.DefaultMaxIfaces
	DefaultEndpointsPerIface = 256     // mirrors internal/iface.DefaultEndpointsPerIface
)

// DefaultParams returns a Params with every field at its spec-typical
// default and demand paging/DMA offload disabled.
func DefaultParams() Params {
	return Params{
		MaxIfaces:                DefaultMaxIfaces,
		EndpointsPerIface:        DefaultEndpointsPerIface,
		MaxPeers:                 DefaultMaxPeers,
		SKBFrags:                 DefaultSKBFrags,
		PinChunk:                 DefaultPinChunk,
		DMAAsyncThreshold:        2048,
		DMAAsyncMessageThreshold: 65536,
	}
}

// Validate fills in zero-value defaults and rejects values the rest of
// the engine cannot operate on. It never silently clamps a value the
// caller explicitly set past a floor — an explicit out-of-range value is
// an error, not a quiet correction.
func (p *Params) Validate() error {
	if p.MaxIfaces < 0 {
		return fmt.Errorf("config: MaxIfaces must not be negative, got %d", p.MaxIfaces)
	}
	if p.MaxIfaces == 0 {
		p.MaxIfaces = DefaultMaxIfaces
	}
	if p.EndpointsPerIface < 0 {
		return fmt.Errorf("config: EndpointsPerIface must not be negative, got %d", p.EndpointsPerIface)
	}
	if p.EndpointsPerIface == 0 {
		p.EndpointsPerIface = DefaultEndpointsPerIface
	}
	if p.MaxPeers == 0 {
		p.MaxPeers = DefaultMaxPeers
	}
	if p.MaxPeers < 0 {
		return fmt.Errorf("config: MaxPeers must not be negative, got %d", p.MaxPeers)
	}
	if p.SKBFrags == 0 {
		p.SKBFrags = DefaultSKBFrags
	}
	if p.SKBFrags < 0 {
		return fmt.Errorf("config: SKBFrags must not be negative, got %d", p.SKBFrags)
	}
	if p.PinChunk == 0 {
		p.PinChunk = DefaultPinChunk
	}
	if p.DMAAsyncThreshold == 0 {
		p.DMAAsyncThreshold = 2048
	}
	if p.DMAAsyncMessageThreshold == 0 {
		p.DMAAsyncMessageThreshold = 65536
	}
	for typ, inj := range p.PacketLoss {
		if inj.Probability < 0 || inj.Probability > 1 {
			return fmt.Errorf("config: packet loss probability for type %d must be in [0,1], got %f", typ, inj.Probability)
		}
	}
	return nil
}
