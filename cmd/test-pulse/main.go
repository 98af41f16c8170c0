// Command test-pulse is a manual test for the Lumi link.
// It connects to the nearest Lumi, sends one command, waits, then sends OFF.
// Power on the device and keep it within range.
//
// Usage:
//
//	go run ./cmd/test-pulse [--command WATER] [--duration 1.5s] [--address AA:BB:CC:DD:EE:FF]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/chaz8081/lumid/internal/ble"
)

func main() {
	command := flag.String("command", "WATER", "command to pulse: OFF, WATER, BALANCED, UNBALANCED, GREAT_FINISH, BAD_FINISH")
	duration := flag.Duration("duration", 1500*time.Millisecond, "how long the command stays on")
	address := flag.String("address", "", "device address (default: best match by name)")
	scan := flag.Duration("scan", 10*time.Second, "scan timeout")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *verbose {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	cmd, err := ble.ParseCommand(*command)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(2)
	}

	opts := ble.DefaultManagerOptions()
	opts.Filter.Address = *address
	opts.ReconnectAttempts = -1
	m := ble.NewManager(ble.NewTinyGoTransport(*scan), opts)

	fmt.Println("Scanning for Lumi...")
	ctx := context.Background()
	if err := m.Connect(ctx); err != nil {
		fmt.Printf("Error: %v\n", err)
		if hint := ble.Remediation(err); hint != "" {
			fmt.Println(hint)
		}
		os.Exit(1)
	}
	defer m.Close()

	st := m.Status()
	fmt.Printf("Connected to %s (%s) via %s path, characteristic %s\n", st.Device, st.Address, st.ResolutionPath, st.Characteristic)

	fmt.Printf("Pulsing %s for %s...\n", cmd, *duration)
	if err := m.Pulse(ctx, cmd, *duration); err != nil {
		fmt.Printf("Error: %v\n", err)
		return
	}

	fmt.Println("\nDone!")
}
