//go:build linux

package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/open-mx/omx/internal/config"
)

// addParamFlags registers the module-parameter flags shared by every
// subcommand that builds an engine.Core. Only --ifaces, --endpoints and
// --peers change how the engine runs; the other flags are validated and
// stored in config.Params, and no package acts on them.
func addParamFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int("ifaces", config.DefaultMaxIfaces, "maximum number of attached interfaces")
	f.Int("endpoints", config.DefaultEndpointsPerIface, "endpoints per interface")
	f.Int("peers", config.DefaultMaxPeers, "maximum peer table size")
	f.Int("skbfrags", config.DefaultSKBFrags, "maximum fragments per MEDIUM send")
	f.Bool("skbcopy", false, "force a full linear copy instead of zero-copy fragment chaining")
	f.Bool("demandpin", false, "demand-page user regions instead of pinning eagerly")
	f.Uint64("pinchunk", config.DefaultPinChunk, "progressive pin chunk size in bytes")
	f.Bool("dmaengine", false, "enable the pull engine's offloaded-copy fast path")
	f.Uint32("dma-async-threshold", 2048, "minimum block size eligible for DMA offload")
	f.Uint32("dma-async-message-threshold", 65536, "minimum message size eligible for DMA offload")
	f.Bool("copybench", false, "enable copy-throughput benchmarking instrumentation")
	f.Bool("debug", false, "enable verbose protocol-level logging")
}

// buildParams assembles an internal/config.Params from the flags
// registered by addParamFlags plus the persistent --hostname flag.
func buildParams(cmd *cobra.Command) (config.Params, error) {
	f := cmd.Flags()

	maxIfaces, err := f.GetInt("ifaces")
	if err != nil {
		return config.Params{}, err
	}
	endpointsPerIface, err := f.GetInt("endpoints")
	if err != nil {
		return config.Params{}, err
	}
	maxPeers, err := f.GetInt("peers")
	if err != nil {
		return config.Params{}, err
	}
	skbFrags, err := f.GetInt("skbfrags")
	if err != nil {
		return config.Params{}, err
	}
	skbCopy, err := f.GetBool("skbcopy")
	if err != nil {
		return config.Params{}, err
	}
	demandPin, err := f.GetBool("demandpin")
	if err != nil {
		return config.Params{}, err
	}
	pinChunk, err := f.GetUint64("pinchunk")
	if err != nil {
		return config.Params{}, err
	}
	dmaEngine, err := f.GetBool("dmaengine")
	if err != nil {
		return config.Params{}, err
	}
	dmaAsyncThreshold, err := f.GetUint32("dma-async-threshold")
	if err != nil {
		return config.Params{}, err
	}
	dmaAsyncMessageThreshold, err := f.GetUint32("dma-async-message-threshold")
	if err != nil {
		return config.Params{}, err
	}
	copyBench, err := f.GetBool("copybench")
	if err != nil {
		return config.Params{}, err
	}
	debug, err := f.GetBool("debug")
	if err != nil {
		return config.Params{}, err
	}

	hostname, err := cmd.Root().PersistentFlags().GetString("hostname")
	if err != nil {
		return config.Params{}, err
	}
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		}
	}

	cfg := config.Params{
		MaxIfaces:                maxIfaces,
		EndpointsPerIface:        endpointsPerIface,
		MaxPeers:                 maxPeers,
		SKBFrags:                 skbFrags,
		SKBCopy:                  skbCopy,
		DemandPin:                demandPin,
		PinChunk:                 pinChunk,
		DMAEngine:                dmaEngine,
		DMAAsyncThreshold:        dmaAsyncThreshold,
		DMAAsyncMessageThreshold: dmaAsyncMessageThreshold,
		CopyBench:                copyBench,
		Debug:                    debug,
		Hostname:                 hostname,
	}
	return cfg, cfg.Validate()
}

// rootVerbose reads the persistent --verbose flag from anywhere in the
// command tree.
func rootVerbose(cmd *cobra.Command) bool {
	v, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	return v
}

// rootMetricsAddr reads the persistent --metrics-addr flag.
func rootMetricsAddr(cmd *cobra.Command) string {
	a, _ := cmd.Root().PersistentFlags().GetString("metrics-addr")
	return a
}
