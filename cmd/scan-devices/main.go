// Command scan-devices is a manual test for BLE discovery. It prints every
// advertising device as it is seen, with its advertisement fields, until
// Ctrl+C.
//
// Usage:
//
//	go run ./cmd/scan-devices [-service UUID] [-name "ESP32 BLE Clock"]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/clocklink/internal/ble"
	"github.com/chaz8081/clocklink/internal/discovery"
)

func main() {
	service := flag.String("service", "", "only report devices advertising this service UUID")
	name := flag.String("name", "", "only report devices with this exact name")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	// Handle Ctrl+C
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	transport := ble.NewTinyGoTransport(logger)
	if err := transport.Enable(); err != nil {
		fmt.Fprintf(os.Stderr, "enable bluetooth: %v\n", err)
		os.Exit(1)
	}

	advs, err := transport.Scan(ctx, ble.ScanFilter{ServiceUUID: *service})
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Scanning... Press Ctrl+C to exit.")

	reg := discovery.NewRegistry()
	for adv := range advs {
		if *name != "" && adv.Name != *name {
			continue
		}
		d, isNew := reg.Upsert(adv, time.Now())
		if !isNew {
			continue
		}
		fmt.Printf("[%s] %s  %s  RSSI %d\n", d.Timestamp.Format("15:04:05"), d.ID, d.DisplayName(), d.RSSI)
		fmt.Print(indent(d.Describe()))
	}
	fmt.Printf("\n%d device(s) seen\n", reg.Len())
}

func indent(s string) string {
	var b strings.Builder
	for _, line := range strings.Split(strings.TrimRight(s, "\n"), "\n") {
		b.WriteString("    " + line + "\n")
	}
	return b.String()
}
