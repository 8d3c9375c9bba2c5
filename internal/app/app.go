// Package app contains the top-level orchestration for a debug session:
// it wires the pairing record, the tunnel, the stream multiplexer, the
// service catalog and the debug client together, then hands control to
// the interactive shell.
package app

import (
	"context"
	"fmt"
	"os"

	"github.com/CelloSerenity/idevice/internal/adapter"
	"github.com/CelloSerenity/idevice/internal/config"
	"github.com/CelloSerenity/idevice/internal/debugproxy"
	"github.com/CelloSerenity/idevice/internal/pairing"
	"github.com/CelloSerenity/idevice/internal/provider"
	"github.com/CelloSerenity/idevice/internal/rsd"
	"github.com/CelloSerenity/idevice/internal/tunnel"
	"github.com/CelloSerenity/idevice/internal/util"
)

// Run executes one full session against the device described by cfg:
//
//  1. Load and validate the pairing record
//  2. Dial the device and negotiate the tunnel
//  3. Start the stream multiplexer on top of it
//  4. Fetch the service catalog from the discovery port
//  5. Open a stream to the debug service
//  6. Drive the interactive shell until quit or hangup
//
// Run blocks until the shell exits. Session setup errors abort
// immediately; once the shell is running, per-command failures stay
// inside the loop.
func Run(ctx context.Context, cfg *config.Config) error {
	// ── 1. Pairing record ──────────────────────────────────────────────
	// Loaded before any network I/O so a bad credential fails fast.
	rec, err := pairing.Load(cfg.PairingPath)
	if err != nil {
		return err
	}
	util.LogDebug("Loaded pairing record (host %s)", rec.HostID)

	// ── 2. Tunnel ──────────────────────────────────────────────────────
	var popts []provider.Option
	if cfg.Transport == config.TransportQUIC {
		popts = append(popts, provider.WithTransport(provider.TransportQUIC))
	}
	prov, err := provider.New(cfg.DeviceAddress, rec, cfg.Label, popts...)
	if err != nil {
		return err
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout.Duration)
	sess, err := tunnel.Connect(connectCtx, prov)
	cancel()
	if err != nil {
		return err
	}
	fmt.Printf("✓ Tunnel to %s established (discovery port %d)\n", prov.Address(), sess.DiscoveryPort())

	// ── 3. Multiplexer ─────────────────────────────────────────────────
	var aopts []adapter.Option
	if cfg.CapturePath != "" {
		aopts = append(aopts, adapter.WithCapture(cfg.CapturePath))
		util.LogInfo("Capturing tunnel traffic to %s", cfg.CapturePath)
	}
	adp, err := adapter.New(sess, aopts...)
	if err != nil {
		sess.Close()
		return err
	}
	defer adp.Close()

	// ── 4. Service catalog ─────────────────────────────────────────────
	hsCtx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout.Duration)
	services, err := fetchCatalog(hsCtx, adp, sess.DiscoveryPort())
	cancel()
	if err != nil {
		return err
	}
	fmt.Printf("✓ Service catalog fetched (%d services)\n", services.Len())

	// ── 5. Debug service ───────────────────────────────────────────────
	client, err := debugproxy.ConnectRSD(ctx, adp, services,
		debugproxy.WithReplyTimeout(cfg.ReplyTimeout.Duration),
		debugproxy.WithDrainTimeout(cfg.DrainTimeout.Duration))
	if err != nil {
		return err
	}
	defer client.Close()
	fmt.Println("✓ Debug service connected")

	// ── 6. Shell ───────────────────────────────────────────────────────
	statsCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	util.StartStatsReporter(statsCtx)

	fmt.Println("Type a command and press enter. \"quit\" exits.")
	return runShell(os.Stdin, os.Stdout, client)
}

// fetchCatalog opens a short-lived stream to the discovery port and runs
// the catalog handshake over it. The stream is closed as soon as the
// catalog is in hand; later service connections use their own streams.
func fetchCatalog(ctx context.Context, adp *adapter.Adapter, port uint16) (*rsd.ServiceMap, error) {
	stream, err := adp.Connect(ctx, port)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	return rsd.NewClient(stream).Handshake(ctx)
}
