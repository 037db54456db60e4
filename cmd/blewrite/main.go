package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/blewrite/internal/ble"
	"github.com/chaz8081/blewrite/internal/config"
)

func main() {
	status := 1
	defer func() {
		os.Exit(status)
	}()

	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/blewrite/config.yaml)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	name := flag.String("name", "", "override target.name")
	address := flag.String("address", "", "override target.address")
	backend := flag.String("backend", "", "override adapter.backend (tinygo or hci)")
	once := flag.Bool("once", false, "connect, write payload.level/payload.flag once, then exit")
	reconnect := flag.Bool("reconnect", false, "start scanning at once and reconnect with backoff after failures")
	trace := flag.Bool("trace", false, "log every advertising report while scanning")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		switch {
		case err != nil:
			fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
			return
		case path == "":
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		default:
			fmt.Printf("Wrote %s\n", path)
		}
		status = 0
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return
	}
	applyTargetFlags(cfg, *name, *address)
	if *backend != "" {
		cfg.Adapter.Backend = *backend
	}
	if *trace {
		cfg.Target.TraceReports = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config validation: %v\n", err)
		return
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	printBanner(cfg)

	adapter, err := newAdapter(cfg)
	if err != nil {
		slog.Error("[BLE] adapter unavailable", "backend", cfg.Adapter.Backend, "error", err)
		return
	}
	if closer, ok := adapter.(io.Closer); ok {
		defer closer.Close()
	}

	sink := ble.NewAsyncSink(ble.SlogSink{}, 256)
	defer sink.Close()

	ctrl, err := ble.NewController(adapter, sessionOptions(cfg), sink)
	if err != nil {
		slog.Error("[BLE] invalid session options", "error", err)
		return
	}

	// Signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *once {
		status = runOnce(ctx, ctrl, cfg)
		return
	}
	status = runInteractiveShell(ctx, ctrl, cfg, *reconnect)
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		slog.Info("[CONFIG] loaded", "path", defaultPath)
		return cfg, nil
	}

	slog.Info("[CONFIG] no config file found, using defaults")
	return config.Default(), nil
}

// applyTargetFlags overrides the configured target. An -address given
// without -name selects by address alone.
func applyTargetFlags(cfg *config.Config, name, address string) {
	if address != "" {
		cfg.Target.Address = address
		cfg.Target.Name = name
	}
	if name != "" {
		cfg.Target.Name = name
	}
}

// sessionOptions maps a validated config onto controller options.
func sessionOptions(cfg *config.Config) ble.Options {
	opts := ble.DefaultOptions()
	opts.Selector = ble.Selector{Name: cfg.Target.Name, Address: cfg.Target.Address}
	opts.ScanTimeout = cfg.Target.ScanTimeout
	opts.TraceReports = cfg.Target.TraceReports
	opts.ConnectTimeout = cfg.ConnectTimeout
	opts.Attribute = cfg.AttributeSelector()
	opts.Variant = cfg.PayloadVariant()
	opts.NoResponse = cfg.Write.WithoutResponse
	return opts
}

func newAdapter(cfg *config.Config) (ble.Adapter, error) {
	if cfg.Adapter.Backend == config.BackendHCI {
		return newHCIAdapter(cfg.Adapter.ID)
	}
	return ble.NewTinyGoAdapter(), nil
}

// runOnce performs a single scan-connect-write cycle.
func runOnce(ctx context.Context, ctrl *ble.Controller, cfg *config.Config) int {
	defer ctrl.Close()

	if err := ctrl.Start(); err != nil {
		slog.Error("[BLE] start failed", "error", err)
		return 1
	}
	ev, err := ctrl.Await(ctx, ble.EventReady, ble.EventScanTimedOut, ble.EventScanFailed,
		ble.EventConnectFailed, ble.EventDiscoveryFailed, ble.EventDisconnected)
	if err != nil {
		slog.Warn("[BLE] interrupted", "error", err)
		return 1
	}
	if ev.Kind != ble.EventReady {
		slog.Error("[BLE] session did not become ready", "event", ev, "error", ev.Err)
		return 1
	}

	req, err := ctrl.Write(cfg.Payload.Level, cfg.Payload.Flag)
	if err != nil {
		slog.Error("[BLE] write rejected", "error", err)
		return 1
	}
	ev, err = ctrl.Await(ctx, ble.EventWriteSucceeded, ble.EventWriteFailed, ble.EventDisconnected)
	if err != nil {
		slog.Warn("[BLE] interrupted", "error", err)
		return 1
	}
	if ev.Kind != ble.EventWriteSucceeded {
		slog.Error("[BLE] write failed", "payload", fmt.Sprintf("%x", req.Payload), "code", ev.Code(), "error", ev.Err)
		return 1
	}
	fmt.Printf("Wrote %x to %s\n", req.Payload, req.CharacteristicUUID)
	return 0
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== blewrite ===")
	fmt.Printf("  Target:    %s\n", ble.Selector{Name: cfg.Target.Name, Address: cfg.Target.Address})
	fmt.Printf("  Scan:      %s\n", cfg.Target.ScanTimeout)
	fmt.Printf("  Attribute: %s\n", cfg.AttributeSelector())
	fmt.Printf("  Payload:   %s (write without response: %v)\n", cfg.Payload.Variant, cfg.Write.WithoutResponse)
	fmt.Printf("  Backend:   %s\n", cfg.Adapter.Backend)
	fmt.Printf("  Log:       %s\n", cfg.LogLevel)
	fmt.Println("================")
}
