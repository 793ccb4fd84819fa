// Command probe-certs downloads the OEM probe certificates available to an
// API token and stores them for session certificate pinning.
//
// Usage:
//
//	probe-certs -token TOKEN [-config path] [-dir path]
//
// The token may also be given in PROBELINK_OEM_TOKEN.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/chaz8081/probelink/internal/certs"
	"github.com/chaz8081/probelink/internal/config"
)

func main() {
	token := flag.String("token", os.Getenv("PROBELINK_OEM_TOKEN"), "cloud API token")
	configPath := flag.String("config", "", "path to config file (default: ~/.config/probelink/config.yaml)")
	dir := flag.String("dir", "", "certificate directory, overriding the config")
	flag.Parse()

	cfg := config.Default()
	path := *configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath()); err == nil {
			path = config.DefaultConfigPath()
		}
	}
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *dir != "" {
		cfg.Session.CertDir = *dir
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Printf("Fetching certificates from %s\n", cfg.Session.CloudURL)
	list, err := certs.Fetch(ctx, &http.Client{}, cfg.Session.CloudURL, *token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	store := certs.NewStore(cfg.Session.CertDir)
	n, err := store.SaveAll(list)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	for _, c := range list {
		fmt.Printf("  %s\n", c.Serial)
	}
	fmt.Printf("Saved %d certificate(s) to %s\n", n, cfg.Session.CertDir)
}
