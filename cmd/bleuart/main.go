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

	"github.com/chaz8081/bleuart/internal/autoconnect"
	"github.com/chaz8081/bleuart/internal/ble"
	"github.com/chaz8081/bleuart/internal/config"
	"github.com/chaz8081/bleuart/internal/relay"
	"github.com/chaz8081/bleuart/internal/telemetry"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/bleuart/config.yaml)")
	initConfig := flag.Bool("init", false, "write the default config file and exit")
	address := flag.String("address", "", "connect to this peripheral address (overrides device.address)")
	newline := flag.Bool("newline", false, "append \\n to every line sent")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return
	}

	// Load configuration
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *address != "" {
		cfg.Device = config.DeviceConfig{Address: *address}
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg)

	core := ble.New(ble.NewTinyGoPlatform(), cfg.CoreOptions())
	series := telemetry.NewSeries(cfg.Telemetry.Window)

	devices := core.ObserveDevices()
	status := core.ObserveConnectionStatus()
	payload := core.ObservePayload()

	if err := core.StartScan(); err != nil {
		_ = core.Close()
		log.Fatalf("Failed to start scan: %v\n\nEnsure Bluetooth is enabled and this process is allowed to use it.", err)
	}
	log.Printf("Scanning for %s...", cfg.Timeouts.ScanWindow)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Keep the configured target connected
	if cfg.Device.Enabled() {
		supervisor := autoconnect.New(core, cfg.Device.Matches, cfg.AutoconnectOptions())
		go func() {
			if err := supervisor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("ERROR: autoconnect stopped: %v", err)
			}
		}()
	}

	// Relay stdin lines to the peripheral
	terminator := ""
	if *newline {
		terminator = "\n"
	}
	relayDone := make(chan error, 1)
	go func() {
		relayDone <- relay.New(core, terminator).Run(ctx, os.Stdin)
	}()

	// Signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case list := <-devices.C():
			if !cfg.Device.Enabled() {
				printDevices(list)
			}

		case st := <-status.C():
			switch {
			case st.State == ble.StateReady:
				series.Reset()
				log.Printf("Connected to %s. Type a line and press Enter to send.", st.Address)
			case st.State == ble.StateDisconnected && st.Err != nil:
				log.Printf("Disconnected from %s: %v", st.Address, st.Err)
			case st.State == ble.StateDisconnected && st.Address != "":
				log.Printf("Disconnected from %s", st.Address)
			default:
				slog.Debug("[BLE] state", "state", st.State, "address", st.Address)
			}

		case text := <-payload.C():
			if text == "" {
				continue
			}
			if !series.Add(text) {
				fmt.Printf("< %s\n", text)
				continue
			}
			latest, _ := series.Latest()
			lo, hi, _ := series.Range()
			fmt.Printf("< %s  (latest %.2f, min %.2f, max %.2f over %d)\n", text, latest, lo, hi, series.Len())

		case err := <-relayDone:
			if err != nil {
				log.Printf("ERROR: %v", err)
			}
			log.Println("Input closed, shutting down...")
			cancel()
			shutdown(core)
			return

		case sig := <-sigCh:
			log.Printf("Received %s, shutting down...", sig)
			cancel()
			shutdown(core)
			return
		}
	}
}

func shutdown(core *ble.Core) {
	if err := core.Close(); err != nil && !errors.Is(err, ble.ErrClosed) {
		log.Printf("ERROR: close failed: %v", err)
	}
	log.Println("Goodbye!")
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		log.Printf("Config loaded from %s", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	log.Println("No config file found, using defaults")
	return config.Default(), nil
}

func printDevices(list []ble.Peripheral) {
	fmt.Printf("--- %d device(s) ---\n", len(list))
	for _, p := range list {
		fmt.Printf("  %-20s %s\n", p.Address, p.Name)
	}
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	target := "none (scan only)"
	switch {
	case cfg.Device.Address != "":
		target = cfg.Device.Address
	case cfg.Device.Name != "":
		target = fmt.Sprintf("name %q", cfg.Device.Name)
	}
	fmt.Println("=== bleuart ===")
	fmt.Printf("  Service: %s\n", cfg.UART.ServiceUUID)
	fmt.Printf("  Target:  %s\n", target)
	fmt.Printf("  Scan:    %s window\n", cfg.Timeouts.ScanWindow)
	fmt.Printf("  Frames:  %d bytes, queue %d\n", cfg.UART.MaxWriteBytes, cfg.UART.QueueSize)
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("===============")
}
