// Package wifi joins the probe's access point through NetworkManager and
// reports the data link state.
package wifi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/probelink/internal/ble/protocol"
	"github.com/chaz8081/probelink/internal/transport"
)

// ErrNoSSID is returned when the credentials carry no network name.
var ErrNoSSID = errors.New("wifi: credentials have no SSID")

// Options configures the data link.
type Options struct {
	Interface   string        // wireless interface, e.g. wlan0
	JoinTimeout time.Duration // give up if not activated within this long
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{Interface: "wlan0", JoinTimeout: 45 * time.Second}
}

// Link is the Wi-Fi data link. It implements transport.DataLink.
type Link struct {
	mgr  Manager
	opts Options

	mu      sync.Mutex
	attempt uint64
	cancel  context.CancelFunc
	active  Activation
	joined  bool
}

var _ transport.DataLink = (*Link)(nil)

// NewLink creates a data link that drives mgr.
func NewLink(mgr Manager, opts Options) *Link {
	def := DefaultOptions()
	if opts.Interface == "" {
		opts.Interface = def.Interface
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = def.JoinTimeout
	}
	return &Link{mgr: mgr, opts: opts}
}

// Join leaves any current network and joins the one described by creds in
// the background. networkID pins the access point BSSID when known.
func (l *Link) Join(creds protocol.Credentials, networkID string, sink transport.Sink) error {
	if creds.SSID == "" {
		return ErrNoSSID
	}
	l.Leave()

	ctx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.attempt++
	attempt := l.attempt
	l.cancel = cancel
	l.mu.Unlock()

	slog.Info("[WIFI] joining", "ssid", creds.SSID, "bssid", networkID, "iface", l.opts.Interface)
	go l.run(ctx, attempt, ConnectionSettings(creds, networkID), sink)
	return nil
}

// current reports whether attempt is still the live one.
func (l *Link) current(attempt uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempt == attempt
}

func (l *Link) run(ctx context.Context, attempt uint64, settings Settings, sink transport.Sink) {
	// Ends the state watch on every return, not only on Leave.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fail := func(err error) {
		if l.current(attempt) {
			slog.Warn("[WIFI] join failed", "error", err)
			sink(transport.Failed("data-link", err))
		}
	}

	act, err := l.mgr.Activate(l.opts.Interface, settings)
	if err != nil {
		fail(err)
		return
	}

	l.mu.Lock()
	if l.attempt != attempt {
		l.mu.Unlock()
		l.teardown(act)
		return
	}
	l.active = act
	l.mu.Unlock()

	states, err := l.mgr.Watch(ctx, act)
	if err != nil {
		l.abandon(attempt, act)
		fail(err)
		return
	}

	// The connection may have come up before the watch was registered.
	initial, err := l.mgr.State(act)
	if err != nil {
		initial = StateUnknown
	}

	timeout := time.NewTimer(l.opts.JoinTimeout)
	defer timeout.Stop()

	joined := false
	handle := func(s ActiveState) (done bool) {
		slog.Debug("[WIFI] state", "state", s)
		switch s {
		case StateActivated:
			if joined {
				return false
			}
			joined = true
			timeout.Stop()
			l.onJoined(attempt, sink)
		case StateDeactivated:
			l.abandon(attempt, act)
			if joined {
				if l.current(attempt) {
					slog.Warn("[WIFI] network lost")
					sink(transport.DataLinkChanged(false, ""))
				}
			} else {
				fail(fmt.Errorf("wifi: activation failed"))
			}
			return true
		}
		return false
	}

	if handle(initial) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-timeout.C:
			if !joined {
				l.abandon(attempt, act)
				fail(fmt.Errorf("wifi: not joined within %s", l.opts.JoinTimeout))
				return
			}
		case s, ok := <-states:
			if !ok {
				return
			}
			if handle(s) {
				return
			}
		}
	}
}

// onJoined reports the joined network with the access point's BSSID.
func (l *Link) onJoined(attempt uint64, sink transport.Sink) {
	bssid, err := l.mgr.BSSID(l.opts.Interface)
	if err != nil {
		slog.Debug("[WIFI] could not read BSSID", "error", err)
	} else if hw, err := protocol.ParseAddress(bssid); err == nil {
		bssid = protocol.FormatAddress(hw)
	}

	l.mu.Lock()
	if l.attempt != attempt {
		l.mu.Unlock()
		return
	}
	l.joined = true
	l.mu.Unlock()

	slog.Info("[WIFI] joined", "bssid", bssid)
	sink(transport.DataLinkChanged(true, bssid))
}

// abandon forgets act if it belongs to the live attempt and removes it.
func (l *Link) abandon(attempt uint64, act Activation) {
	l.mu.Lock()
	if l.attempt == attempt {
		l.active = Activation{}
		l.joined = false
	}
	l.mu.Unlock()
	l.teardown(act)
}

func (l *Link) teardown(act Activation) {
	if err := l.mgr.Deactivate(act); err != nil {
		slog.Debug("[WIFI] teardown", "error", err)
	}
}

// Leave abandons any join in progress and disconnects from the network
// without reporting to the sink.
func (l *Link) Leave() {
	l.mu.Lock()
	l.attempt++
	cancel := l.cancel
	l.cancel = nil
	act := l.active
	l.active = Activation{}
	wasJoined := l.joined
	l.joined = false
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if act != (Activation{}) {
		if wasJoined {
			slog.Info("[WIFI] leaving network")
		}
		l.teardown(act)
	}
}

// Joined reports whether the link is currently on the probe's network.
func (l *Link) Joined() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.joined
}
