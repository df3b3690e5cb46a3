// Command bleuart-scan is a manual test for the scan controller.
// It runs one scan window and prints every peripheral sighted.
// With --send it connects to the given address afterwards, sends one
// line and prints replies until Ctrl+C.
//
// Usage:
//
//	go run ./cmd/bleuart-scan [--window 10s] [--send AA:BB:CC:DD:EE:FF] [--text ping]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/bleuart/internal/ble"
)

func main() {
	window := flag.Duration("window", 10*time.Second, "scan window")
	address := flag.String("send", "", "peripheral address to connect to after scanning")
	text := flag.String("text", "Hello from bleuart!", "line to send")
	flag.Parse()

	opts := ble.DefaultOptions()
	opts.ScanWindow = *window
	core := ble.New(ble.NewTinyGoPlatform(), opts)
	defer core.Close()

	if err := core.StartScan(); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}
	fmt.Printf("Scanning for %s...\n", *window)

	scanning := core.ObserveScanning()
	for active := range scanning.C() {
		if !active {
			break
		}
	}
	scanning.Close()
	devices := core.Devices()
	fmt.Printf("\nFound %d device(s):\n", len(devices))
	for _, p := range devices {
		fmt.Printf("  %-20s %s\n", p.Address, p.Name)
	}

	if *address == "" {
		return
	}

	status := core.ObserveConnectionStatus()
	payload := core.ObservePayload()
	if err := core.Connect(*address); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case st := <-status.C():
			fmt.Printf("state: %s %s\n", st.State, st.Address)
			switch st.State {
			case ble.StateReady:
				if err := core.Send(*text); err != nil {
					fmt.Printf("Error: %v\n", err)
				} else {
					fmt.Printf("> %s\n", *text)
				}
			case ble.StateDisconnected:
				if st.Err != nil {
					fmt.Printf("Error: %v\n", st.Err)
					return
				}
			}
		case p := <-payload.C():
			if p != "" {
				fmt.Printf("< %s\n", p)
			}
		case <-sigCh:
			fmt.Println("\nDone!")
			return
		}
	}
}
