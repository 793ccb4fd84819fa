package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/probelink/internal/ble/protocol"
	"github.com/chaz8081/probelink/internal/probe"
	"github.com/chaz8081/probelink/internal/transport"
)

// ErrNotConnected is returned for operations that need a live connection.
var ErrNotConnected = errors.New("ble: not connected")

// LinkOptions configures the control link.
type LinkOptions struct {
	NamePrefix     string        // only advertisements with this name prefix are probes
	ScanTimeout    time.Duration // scans stop on their own after this long
	ConnectTimeout time.Duration // per connection attempt
	ReconnectMax   int           // max connect backoff in seconds
}

// DefaultLinkOptions returns sensible defaults.
func DefaultLinkOptions() LinkOptions {
	return LinkOptions{
		NamePrefix:     "CUS-",
		ScanTimeout:    30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ReconnectMax:   30,
	}
}

// characteristic handles discovered after connecting.
var linkCharacteristics = []struct {
	service, char string
}{
	{PowerServiceUUID, PowerPublishedUUID},
	{PowerServiceUUID, PowerRequestUUID},
	{NetworkServiceUUID, NetworkPublishedUUID},
	{NetworkServiceUUID, NetworkRequestUUID},
}

// Link is the BLE control link to one probe at a time. It implements
// transport.ControlLink.
type Link struct {
	adapter  Adapter
	registry *probe.Registry
	opts     LinkOptions
	queue    *Queue
	backoff  func(attempt int) time.Duration

	mu            sync.Mutex
	enabled       bool
	scanCancel    context.CancelFunc
	connectCancel context.CancelFunc
	attempt       uint64
	conn          Connection
	probeName     string
	sink          transport.Sink
	chars         map[string]Characteristic // keyed by characteristic UUID
}

var _ transport.ControlLink = (*Link)(nil)

// NewLink creates a control link that records discovered probes and their
// telemetry in registry.
func NewLink(adapter Adapter, registry *probe.Registry, opts LinkOptions) *Link {
	def := DefaultLinkOptions()
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = def.ScanTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = def.ReconnectMax
	}
	l := &Link{
		adapter:  adapter,
		registry: registry,
		opts:     opts,
		queue:    &Queue{},
	}
	l.backoff = func(attempt int) time.Duration {
		return backoffDelay(attempt, opts.ReconnectMax)
	}
	return l
}

// enable powers on the adapter once.
func (l *Link) enable() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.enabled {
		return nil
	}
	if err := l.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	l.enabled = true
	return nil
}

// StartScan scans for probes in the background until StopScan, Connect, or
// the scan timeout. Probes are added to the registry as they are seen.
func (l *Link) StartScan(sink transport.Sink) error {
	if err := l.enable(); err != nil {
		sink(transport.ScanChanged(transport.ScanError, err))
		return err
	}

	l.mu.Lock()
	if l.scanCancel != nil {
		l.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.opts.ScanTimeout)
	l.scanCancel = cancel
	l.mu.Unlock()

	slog.Info("[BLE] scanning", "prefix", l.opts.NamePrefix, "timeout", l.opts.ScanTimeout)
	sink(transport.ScanChanged(transport.ScanScanning, nil))

	go func() {
		defer cancel()
		err := l.adapter.Scan(ctx, l.onDevice)

		l.mu.Lock()
		l.scanCancel = nil
		l.mu.Unlock()

		if err != nil && ctx.Err() == nil {
			slog.Warn("[BLE] scan failed", "error", err)
			sink(transport.ScanChanged(transport.ScanError, fmt.Errorf("ble: scan: %w", err)))
			return
		}
		slog.Info("[BLE] scan stopped", "probes", l.registry.Len())
		sink(transport.ScanChanged(transport.ScanStopped, nil))
	}()
	return nil
}

// onDevice records advertisements whose name marks them as probes.
func (l *Link) onDevice(d Device) {
	if d.Name == "" || !strings.HasPrefix(d.Name, l.opts.NamePrefix) {
		return
	}
	if l.registry.UpsertFromScan(d.MAC, d.Name) {
		slog.Info("[BLE] found probe", "probe", d.Name, "mac", d.MAC, "rssi", d.RSSI)
	}
}

// StopScan ends a running scan.
func (l *Link) StopScan() {
	l.mu.Lock()
	cancel := l.scanCancel
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Connect stops scanning, drops any existing connection, and connects to
// the probe in the background, retrying with backoff until it succeeds or
// Disconnect is called.
func (l *Link) Connect(id probe.Identity, sink transport.Sink) error {
	if id.Address == "" {
		return fmt.Errorf("ble: probe %s has no address", id.Name)
	}
	l.StopScan()
	l.Disconnect()
	if err := l.enable(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.attempt++
	attempt := l.attempt
	l.connectCancel = cancel
	l.probeName = id.Name
	l.sink = sink
	l.mu.Unlock()

	go l.connectLoop(ctx, attempt, id)
	return nil
}

// backoffDelay returns the reconnection delay for attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	delay := time.Duration(1<<uint(attempt)) * time.Second
	max := time.Duration(maxSeconds) * time.Second
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

// connectLoop attempts to connect with exponential backoff.
func (l *Link) connectLoop(ctx context.Context, attempt uint64, id probe.Identity) {
	for try := 0; ; try++ {
		// On the first try, connect immediately; subsequent tries use backoff.
		if try > 0 {
			delay := l.backoff(try - 1)
			slog.Info("[BLE] connect backoff", "probe", id.Name, "attempt", try+1, "delay", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		tryCtx, cancel := context.WithTimeout(ctx, l.opts.ConnectTimeout)
		conn, err := l.adapter.Connect(tryCtx, id.Address)
		cancel()
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Disconnect()
			}
			return
		}
		if err != nil {
			slog.Warn("[BLE] connect failed", "probe", id.Name, "error", err, "attempt", try+1)
			if sink := l.currentSink(attempt); sink != nil {
				sink(transport.Failed("control-link", fmt.Errorf("ble: connect to %s: %w", id.Address, err)))
			}
			continue
		}

		l.mu.Lock()
		if l.attempt != attempt {
			l.mu.Unlock()
			_ = conn.Disconnect()
			return
		}
		l.conn = conn
		l.chars = make(map[string]Characteristic)
		sink := l.sink
		l.mu.Unlock()

		conn.OnDisconnect(func() { l.dropped(conn) })
		slog.Info("[BLE] connected", "probe", id.Name, "mac", id.Address)
		sink(transport.ControlLinkChanged(true))
		l.setup(conn)
		return
	}
}

func (l *Link) currentSink(attempt uint64) transport.Sink {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.attempt != attempt {
		return nil
	}
	return l.sink
}

// setup queues the post-connect sequence: discovery, both subscriptions,
// then an initial read of both published characteristics.
func (l *Link) setup(conn Connection) {
	l.queue.Submit(Command{Name: "discover", Run: func() error {
		go func() {
			l.discover(conn)
			l.finish(conn)
		}()
		return nil
	}})
	l.queue.Submit(l.subscribeCommand(conn, PowerPublishedUUID, l.onPower))
	l.queue.Submit(l.subscribeCommand(conn, NetworkPublishedUUID, l.onNetwork))
	l.queue.Submit(l.readCommand(conn, PowerPublishedUUID, l.onPower))
	l.queue.Submit(l.readCommand(conn, NetworkPublishedUUID, l.onNetwork))
}

func (l *Link) discover(conn Connection) {
	found := make(map[string]Characteristic)
	for _, c := range linkCharacteristics {
		char, err := conn.DiscoverCharacteristic(c.service, c.char)
		if err != nil {
			slog.Warn("[BLE] characteristic not found", "service", c.service, "char", c.char, "error", err)
			continue
		}
		found[c.char] = char
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != conn {
		return
	}
	for uuid, char := range found {
		l.chars[uuid] = char
	}
}

func (l *Link) subscribeCommand(conn Connection, uuid string, handle func(Connection, []byte)) Command {
	return Command{Name: "subscribe " + uuid, Run: func() error {
		char, err := l.characteristic(conn, uuid)
		if err != nil {
			return err
		}
		go func() {
			if err := char.Subscribe(func(data []byte) { handle(conn, data) }); err != nil {
				slog.Warn("[BLE] subscribe failed", "char", uuid, "error", err)
			}
			l.finish(conn)
		}()
		return nil
	}}
}

func (l *Link) readCommand(conn Connection, uuid string, handle func(Connection, []byte)) Command {
	return Command{Name: "read " + uuid, Run: func() error {
		char, err := l.characteristic(conn, uuid)
		if err != nil {
			return err
		}
		go func() {
			data, err := char.Read()
			if err != nil {
				slog.Warn("[BLE] read failed", "char", uuid, "error", err)
			} else {
				handle(conn, data)
			}
			l.finish(conn)
		}()
		return nil
	}}
}

// SetPower queues a write of the power request.
func (l *Link) SetPower(on bool) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	payload := protocol.EncodePowerRequest(on)
	l.queue.Submit(Command{Name: "write power", Run: func() error {
		char, err := l.characteristic(conn, PowerRequestUUID)
		if err != nil {
			return err
		}
		go func() {
			if err := char.Write(payload); err != nil {
				slog.Warn("[BLE] power request failed", "on", on, "error", err)
			} else {
				slog.Info("[BLE] power requested", "on", on)
			}
			l.finish(conn)
		}()
		return nil
	}})
	return nil
}

// characteristic looks up a discovered characteristic on conn.
func (l *Link) characteristic(conn Connection, uuid string) (Characteristic, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != conn || conn == nil {
		return nil, ErrNotConnected
	}
	char, ok := l.chars[uuid]
	if !ok {
		return nil, fmt.Errorf("ble: characteristic %s not discovered", uuid)
	}
	return char, nil
}

// finish completes the running command if conn is still the live
// connection. Answers from a dropped connection are ignored.
func (l *Link) finish(conn Connection) {
	l.mu.Lock()
	live := l.conn == conn
	l.mu.Unlock()
	if live {
		l.queue.Complete()
	}
}

// probeFor returns the probe name if conn is still live.
func (l *Link) probeFor(conn Connection) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != conn || conn == nil {
		return "", false
	}
	return l.probeName, true
}

func (l *Link) onPower(conn Connection, data []byte) {
	name, ok := l.probeFor(conn)
	if !ok {
		return
	}
	powered := protocol.DecodePower(data)
	slog.Debug("[BLE] power state", "probe", name, "powered", powered)
	l.registry.UpdatePower(name, powered)
}

func (l *Link) onNetwork(conn Connection, data []byte) {
	name, ok := l.probeFor(conn)
	if !ok || data == nil {
		return
	}
	creds := protocol.DecodeCredentials(string(data))
	slog.Debug("[BLE] network info", "probe", name, "creds", creds.String())
	l.registry.UpdateCredentials(name, creds)
}

// dropped handles the peripheral going away.
func (l *Link) dropped(conn Connection) {
	l.mu.Lock()
	if l.conn != conn {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	l.chars = nil
	sink := l.sink
	name := l.probeName
	l.mu.Unlock()

	l.queue.Clear()
	slog.Warn("[BLE] disconnected", "probe", name)
	if sink != nil {
		sink(transport.ControlLinkChanged(false))
	}
}

// Disconnect cancels any connect in progress, drops the connection and the
// command queue. It reports nothing to the sink.
func (l *Link) Disconnect() {
	l.mu.Lock()
	l.attempt++
	cancel := l.connectCancel
	l.connectCancel = nil
	conn := l.conn
	l.conn = nil
	l.chars = nil
	l.sink = nil
	l.probeName = ""
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	l.queue.Clear()
	if conn != nil {
		if err := conn.Disconnect(); err != nil {
			slog.Debug("[BLE] disconnect", "error", err)
		}
	}
}

// Close stops scanning and disconnects.
func (l *Link) Close() error {
	l.StopScan()
	l.Disconnect()
	return nil
}

// QueueState exposes the command queue for diagnostics.
func (l *Link) QueueState() (running bool, pending int) {
	return l.queue.Running(), l.queue.Pending()
}
