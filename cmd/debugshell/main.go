// Debugshell — CLI entry point.
//
// This tool opens a debug session against a paired device: it negotiates
// the remote service tunnel, multiplexes streams over it, fetches the
// service catalog and drops into an interactive shell speaking the debug
// serial protocol.
//
// Usage: debugshell [flags] [device-address]
//
// It can be launched interactively (no device address) or non-interactively
// via CLI flags (-pairing, -label, -transport, -capture, -config,
// -discover).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"

	"github.com/CelloSerenity/idevice/internal/app"
	"github.com/CelloSerenity/idevice/internal/config"
	"github.com/CelloSerenity/idevice/internal/discover"
	"github.com/CelloSerenity/idevice/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	configPath := flag.String("config", "", "TOML config file with session defaults")
	pairingPath := flag.String("pairing", "", "Path to the pairing record plist")
	label := flag.String("label", "", "Client label announced to the device")
	transport := flag.String("transport", "", "Tunnel transport: tcp or quic")
	capturePath := flag.String("capture", "", "Write all tunnel frames to this pcap file")
	discoverMode := flag.Bool("discover", false, "Browse the local network for devices and exit")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Debugshell — v%s", version))
	pterm.Println()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	// Flag overrides beat the config file.
	if *pairingPath != "" {
		cfg.PairingPath = *pairingPath
	}
	if *label != "" {
		cfg.Label = *label
	}
	if *transport != "" {
		cfg.Transport = config.Transport(*transport)
	}
	if *capturePath != "" {
		cfg.CapturePath = *capturePath
	}
	if cfg.Debug {
		util.EnableDebug()
	}

	if *discoverMode {
		runDiscover(ctx, cfg)
		return
	}

	if addr := flag.Arg(0); addr != "" {
		cfg.DeviceAddress = addr
	}

	// No device address or pairing record yet → interactive prompts.
	if cfg.DeviceAddress == "" {
		cfg.DeviceAddress = askAddress(ctx, cfg)
	}
	if cfg.PairingPath == "" {
		cfg.PairingPath = askPairingPath()
	}

	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if err := app.Run(ctx, cfg); err != nil {
		util.LogError("session failed: %v", err)
		os.Exit(1)
	}

	util.LogInfo("session closed")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runDiscover browses the local network once and prints what answered.
func runDiscover(ctx context.Context, cfg *config.Config) {
	devices, err := discover.Browse(ctx, cfg.DiscoverWindow.Duration)
	if err != nil {
		util.LogError("discovery failed: %v", err)
		os.Exit(1)
	}
	if len(devices) == 0 {
		fmt.Println("No devices answered.")
		return
	}

	fmt.Printf("Found %d device(s):\n", len(devices))
	for _, d := range devices {
		fmt.Printf("  %-32s %s\n", d.Name, d.Endpoint())
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// askAddress offers the devices mDNS finds and falls back to manual entry.
func askAddress(ctx context.Context, cfg *config.Config) string {
	const manual = "Type an address manually"

	devices, err := discover.Browse(ctx, cfg.DiscoverWindow.Duration)
	if err != nil {
		util.LogDebug("discovery skipped: %v", err)
	}
	if len(devices) > 0 {
		options := make([]string, 0, len(devices)+1)
		for _, d := range devices {
			options = append(options, fmt.Sprintf("%s (%s)", d.Name, d.Endpoint()))
		}
		options = append(options, manual)

		choice, _ := pterm.DefaultInteractiveSelect.
			WithOptions(options).
			WithDefaultText("Select a device").
			Show()

		pterm.Println()

		for i, d := range devices {
			if choice == options[i] {
				return d.Endpoint()
			}
		}
	}

	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Device address (host or host:port)").
			Show()

		if addr := strings.TrimSpace(raw); addr != "" {
			pterm.Println()
			return addr
		}

		util.LogWarning("address must not be empty")
		pterm.Println()
	}
}

// askPairingPath prompts until a non-empty pairing record path is entered.
func askPairingPath() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Pairing record plist path").
			Show()

		if path := strings.TrimSpace(raw); path != "" {
			pterm.Println()
			return path
		}

		util.LogWarning("pairing record path must not be empty")
		pterm.Println()
	}
}
