// Command ble-kermit bridges a SLATE device's BLE data channel to a Kermit
// file server rooted at a local directory.
//
// Usage:
//
//	ble-kermit [-config path] [AA:BB:CC:DD:EE:FF]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/ble-kermit/internal/ble"
	"github.com/chaz8081/ble-kermit/internal/config"
	"github.com/chaz8081/ble-kermit/internal/history"
	"github.com/chaz8081/ble-kermit/internal/monitor"
	"github.com/chaz8081/ble-kermit/internal/session"
)

// exitUsage matches the invalid-argument category code.
const exitUsage = 22

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/ble-kermit/config.yaml)")
	writeConfig := flag.Bool("write-config", false, "write the default config file and exit")
	flag.Usage = usage
	flag.Parse()

	// A bad address is rejected before any setup.
	addr := flag.Arg(0)
	if flag.NArg() > 1 || (addr != "" && !config.ValidAddress(addr)) {
		usage()
		os.Exit(exitUsage)
	}

	if *writeConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return
		}
		fmt.Printf("Wrote %s\n", path)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if addr != "" {
		cfg.Device.Address = addr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}
	if cfg.Device.Address == "" {
		fmt.Fprintln(os.Stderr, "No device address given on the command line or in device.address.")
		usage()
		os.Exit(exitUsage)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg)

	if err := os.MkdirAll(cfg.Transfer.Root, 0o755); err != nil {
		log.Fatalf("transfer root: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		cat := session.Classify(err)
		slog.Error("exiting", "error", err, "category", cat.Name)
		stop()
		os.Exit(1)
	}
	log.Println("Goodbye!")
}

// run wires the journal, the monitor and the state machine, then drives the
// machine until ctx is cancelled or it fails.
func run(ctx context.Context, cfg *config.Config) error {
	bus := monitor.NewEventBus()
	reporters := session.Reporters{bus}

	var journal *history.DB
	if cfg.History.Path != "" {
		db, err := history.Open(cfg.History.Path)
		if err != nil {
			return err
		}
		defer db.Close()
		journal = db
		reporters = append(reporters, db)
		slog.Info("History journal open", "path", cfg.History.Path)
	}

	opts, err := machineOptions(cfg, cfg.Device.Address, reporters)
	if err != nil {
		return err
	}
	machine, err := ble.NewMachine(ble.NewBlueZAdapter(), opts)
	if err != nil {
		return err
	}
	go bus.Forward(ctx, machine.Events())

	if cfg.Monitor.Listen != "" {
		mopts := monitor.Options{
			Root:   cfg.Transfer.Root,
			DirMax: cfg.Transfer.DirMax,
			State:  machine,
		}
		if journal != nil {
			mopts.Journal = journal
		}
		go func() {
			if err := monitor.ListenAndServe(ctx, cfg.Monitor.Listen, monitor.NewRouter(bus, mopts)); err != nil {
				slog.Error("[MON] server stopped", "error", err)
			}
		}()
	}

	log.Println("Ready! Waiting for", cfg.Device.Address, "Ctrl+C to quit.")
	if err := machine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] [device-address]\n\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "device-address is a MAC address such as AA:BB:CC:DD:EE:FF or AABBCCDDEEFF.")
	fmt.Fprintln(os.Stderr, "It overrides device.address from the config file.")
	fmt.Fprintln(os.Stderr)
	flag.PrintDefaults()
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
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	journal := cfg.History.Path
	if journal == "" {
		journal = "off"
	}
	listen := cfg.Monitor.Listen
	if listen == "" {
		listen = "off"
	}
	fmt.Println("=== ble-kermit ===")
	fmt.Printf("  Device:   %s\n", cfg.Device.Address)
	fmt.Printf("  Root:     %s\n", cfg.Transfer.Root)
	fmt.Printf("  Chunks:   %d bytes every %s\n", cfg.Transfer.ChunkSize, cfg.Transfer.ChunkDelay)
	fmt.Printf("  Kermit:   timeout %ds, %d retries, max len %d\n", cfg.Protocol.Timeout, cfg.Protocol.Retries, cfg.Protocol.MaxLen)
	fmt.Printf("  History:  %s\n", journal)
	fmt.Printf("  Monitor:  %s\n", listen)
	fmt.Printf("  Log:      %s\n", cfg.LogLevel)
	fmt.Println("==================")
}
