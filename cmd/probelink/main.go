// Command probelink brings a probe online: it connects the BLE control
// link, joins the probe's Wi-Fi network, opens the device session, and
// loads the imaging application, then waits for imaging toggles.
//
// Usage:
//
//	probelink [-config path] [-probe CUS-1234] [-init-config]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/chaz8081/probelink/internal/ble"
	"github.com/chaz8081/probelink/internal/certs"
	"github.com/chaz8081/probelink/internal/config"
	"github.com/chaz8081/probelink/internal/hotkey"
	"github.com/chaz8081/probelink/internal/orchestrator"
	"github.com/chaz8081/probelink/internal/probe"
	"github.com/chaz8081/probelink/internal/session"
	"github.com/chaz8081/probelink/internal/wifi"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: ~/.config/probelink/config.yaml)")
	probeName := flag.String("probe", "", "probe to connect to, overriding the config")
	initConfig := flag.Bool("init-config", false, "write the default config file and exit")
	flag.Parse()

	if *initConfig {
		path, err := config.WriteDefault()
		if err != nil {
			fatal("config", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
		} else {
			fmt.Printf("Wrote default config to %s\n", path)
		}
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal("config", err)
	}
	if *probeName != "" {
		cfg.Probe = *probeName
	}
	if err := cfg.Validate(); err != nil {
		fatal("config validation", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		fatal("probelink", err)
	}
	slog.Info("Goodbye!")
	// Exit directly to avoid gohook's C cleanup crash.
	os.Exit(0)
}

func run(ctx context.Context, cfg *config.Config) error {
	registry := probe.NewRegistry()

	control := ble.NewLink(ble.NewTinyGoAdapter(), registry, ble.LinkOptions{
		NamePrefix:     cfg.ControlLink.NamePrefix,
		ScanTimeout:    cfg.ControlLink.ScanTimeout,
		ConnectTimeout: cfg.ControlLink.ConnectTimeout,
	})
	defer control.Close()

	nm, err := wifi.NewDBusManager()
	if err != nil {
		return err
	}
	data := wifi.NewLink(nm, wifi.Options{
		Interface:   cfg.DataLink.Interface,
		JoinTimeout: cfg.DataLink.JoinTimeout,
	})

	sess := session.New(session.Options{
		DialTimeout: cfg.Session.DialTimeout,
		Certs:       certs.NewStore(cfg.Session.CertDir),
	})

	orch := orchestrator.New(registry, control, data, sess, orchestrator.Options{
		ProbeModel:  cfg.Session.ProbeModel,
		Application: cfg.Session.Application,
	})
	defer orch.Disconnect()

	var last orchestrator.Step = -1
	orch.OnChange(func(s orchestrator.Status) {
		if s.Step != last {
			last = s.Step
			slog.Info("[ORCH] step", "step", s.Step, "probe", s.Selected)
		}
		if s.LastError != nil {
			slog.Debug("[ORCH] last error", "error", s.LastError)
		}
	})

	if cfg.Probe != "" {
		orch.Select(cfg.Probe)
	} else {
		registry.Observe(autoSelectFirst(orch))
	}
	orch.Connect()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Hotkey.Enabled {
		listener := hotkey.NewListener(cfg.Hotkey.Keys)
		g.Go(func() error {
			listener.Start()
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			listener.Stop()
			return nil
		})
		g.Go(func() error {
			for range listener.Events() {
				if err := orch.ToggleImaging(); err != nil {
					slog.Warn("Imaging toggle ignored", "error", err)
				}
			}
			return nil
		})
		slog.Info("Hotkey ready", "keys", strings.Join(cfg.Hotkey.Keys, "+"))
	}

	g.Go(func() error {
		<-ctx.Done()
		slog.Info("Shutting down...")
		return nil
	})

	return g.Wait()
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
// selector is the part of the orchestrator autoSelectFirst drives.
type selector interface {
	Select(name string)
	Connect()
}

// autoSelectFirst returns a registry observer that selects and connects the
// first discovered probe. Later discoveries are ignored, even when they are
// published concurrently with the first.
func autoSelectFirst(s selector) func(probe.Update) {
	var picked atomic.Bool
	return func(u probe.Update) {
		if u.Change != probe.ChangeDiscovered || !picked.CompareAndSwap(false, true) {
			return
		}
		slog.Info("Selecting first probe found", "probe", u.Identity.Name)
		s.Select(u.Identity.Name)
		s.Connect()
	}
}

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
		slog.Info("Config loaded", "path", defaultPath)
		return cfg, nil
	}

	slog.Info("No config file found, using defaults")
	return config.Default(), nil
}

func fatal(what string, err error) {
	slog.Error(what, "error", err)
	os.Exit(1)
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	probeName := cfg.Probe
	if probeName == "" {
		probeName = "(first " + cfg.ControlLink.NamePrefix + "* found)"
	}
	fmt.Println("=== probelink ===")
	fmt.Printf("  Probe:       %s\n", probeName)
	fmt.Printf("  Interface:   %s\n", cfg.DataLink.Interface)
	fmt.Printf("  Application: %s / %s\n", cfg.Session.ProbeModel, cfg.Session.Application)
	if cfg.Hotkey.Enabled {
		fmt.Printf("  Hotkey:      %s\n", strings.Join(cfg.Hotkey.Keys, "+"))
	}
	fmt.Printf("  Log:         %s\n", cfg.LogLevel)
	fmt.Println("=================")
}
