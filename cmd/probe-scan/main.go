// Command probe-scan is a manual test for BLE discovery. It scans for
// probes for a while and prints what it found.
//
// Usage:
//
//	go run ./cmd/probe-scan [-prefix CUS-] [-duration 10s]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/chaz8081/probelink/internal/ble"
	"github.com/chaz8081/probelink/internal/probe"
	"github.com/chaz8081/probelink/internal/transport"
)

func main() {
	prefix := flag.String("prefix", "CUS-", "advertisement name prefix of probes")
	duration := flag.Duration("duration", 10*time.Second, "how long to scan")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	registry := probe.NewRegistry()
	registry.Observe(func(u probe.Update) {
		if u.Change == probe.ChangeDiscovered {
			fmt.Printf("+ %s  %s\n", u.Identity.Name, u.Identity.Address)
		}
	})

	link := ble.NewLink(ble.NewTinyGoAdapter(), registry, ble.LinkOptions{
		NamePrefix:  *prefix,
		ScanTimeout: *duration,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	sink := func(ev transport.Event) {
		if ev.Kind != transport.EventScan {
			return
		}
		switch ev.Scan {
		case transport.ScanError:
			fmt.Fprintf(os.Stderr, "scan failed: %v\n", ev.Err)
			close(done)
		case transport.ScanStopped:
			close(done)
		}
	}

	fmt.Printf("Scanning for %s* for %s... (Ctrl+C to stop early)\n", *prefix, *duration)
	if err := link.StartScan(sink); err != nil {
		fmt.Fprintf(os.Stderr, "scan: %v\n", err)
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
		link.StopScan()
		<-done
	case <-done:
	}

	probes := registry.List()
	fmt.Printf("\nFound %d probe(s):\n", len(probes))
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tNETWORK ID")
	for _, p := range probes {
		networkID := p.NetworkID
		if networkID == "" {
			networkID = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.Name, p.Address, networkID)
	}
	w.Flush()
}
