package ble

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/probelink/internal/probe"
	"github.com/chaz8081/probelink/internal/transport"
)

const (
	testProbe = "CUS-1234"
	testMAC   = "AA:BB:CC:DD:EE:0A"
)

// eventLog is a thread-safe transport.Sink.
type eventLog struct {
	mu     sync.Mutex
	events []transport.Event
}

func (l *eventLog) sink(e transport.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(match func(transport.Event) bool) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if match(e) {
			n++
		}
	}
	return n
}

func linkState(connected bool) func(transport.Event) bool {
	return func(e transport.Event) bool {
		return e.Kind == transport.EventControlLink && e.Connected == connected
	}
}

func scanState(state transport.ScanState) func(transport.Event) bool {
	return func(e transport.Event) bool {
		return e.Kind == transport.EventScan && e.Scan == state
	}
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestLink(adapter *mockAdapter) (*Link, *probe.Registry) {
	reg := probe.NewRegistry()
	link := NewLink(adapter, reg, DefaultLinkOptions())
	link.backoff = func(int) time.Duration { return 0 }
	return link, reg
}

// connectProbe registers the test probe, connects, and waits for the
// post-connect sequence to drain.
func connectProbe(t *testing.T, link *Link, reg *probe.Registry, log *eventLog) {
	t.Helper()
	reg.UpsertFromScan(testMAC, testProbe)
	id, _ := reg.Get(testProbe)
	if err := link.Connect(id, log.sink); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	waitFor(t, "connected", func() bool { return log.count(linkState(true)) == 1 })
	waitFor(t, "setup drained", func() bool {
		running, pending := link.QueueState()
		return !running && pending == 0
	})
}

func TestLinkScanFiltersByPrefix(t *testing.T) {
	adapter := newMockAdapter([]Device{
		{Name: "CUS-1234", MAC: testMAC, RSSI: -40},
		{Name: "Headphones", MAC: "11:22:33:44:55:66", RSSI: -60},
		{Name: "", MAC: "11:22:33:44:55:67", RSSI: -70},
		{Name: "CUS-1234", MAC: "AA:BB:CC:DD:EE:FF", RSSI: -50},
		{Name: "CUS-5678", MAC: "AA:BB:CC:DD:EE:0B", RSSI: -55},
	})
	link, reg := newTestLink(adapter)
	log := &eventLog{}

	if err := link.StartScan(log.sink); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	waitFor(t, "two probes", func() bool { return reg.Len() == 2 })

	id, ok := reg.Get(testProbe)
	if !ok {
		t.Fatal("CUS-1234 not registered")
	}
	if id.Address != testMAC {
		t.Errorf("Address = %q, want first sighting %q", id.Address, testMAC)
	}
	if log.count(scanState(transport.ScanScanning)) != 1 {
		t.Error("expected one scanning event")
	}

	link.StopScan()
	waitFor(t, "scan stopped", func() bool { return log.count(scanState(transport.ScanStopped)) == 1 })
}

func TestLinkStartScanTwiceIsNoop(t *testing.T) {
	link, _ := newTestLink(newMockAdapter(nil))
	log := &eventLog{}

	if err := link.StartScan(log.sink); err != nil {
		t.Fatal(err)
	}
	if err := link.StartScan(log.sink); err != nil {
		t.Fatal(err)
	}
	if n := log.count(scanState(transport.ScanScanning)); n != 1 {
		t.Errorf("scanning events = %d, want 1", n)
	}
	link.StopScan()
	waitFor(t, "scan stopped", func() bool { return log.count(scanState(transport.ScanStopped)) == 1 })
}

func TestLinkConnectReadsTelemetry(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.prepare = func(c *mockConnection) {
		c.char(PowerPublishedUUID).setValue([]byte{0x01})
		c.char(NetworkPublishedUUID).setValue([]byte("state: connected\nssid: DIRECT-CUS-1234\nip4: 192.168.1.1\nctl: 5828\n"))
	}
	link, reg := newTestLink(adapter)
	log := &eventLog{}
	connectProbe(t, link, reg, log)

	conn := adapter.latestConnection()
	if !conn.char(PowerPublishedUUID).subscribed() || !conn.char(NetworkPublishedUUID).subscribed() {
		t.Error("expected both published characteristics to be subscribed")
	}

	id, _ := reg.Get(testProbe)
	if !id.Powered {
		t.Error("Powered = false after reading 0x01")
	}
	if !id.Credentials.Ready() {
		t.Errorf("Credentials = %v, want ready", id.Credentials)
	}
	if id.Credentials.ControlPort != 5828 {
		t.Errorf("ControlPort = %d, want 5828", id.Credentials.ControlPort)
	}
}

func TestLinkNotificationsUpdateRegistry(t *testing.T) {
	adapter := newMockAdapter(nil)
	link, reg := newTestLink(adapter)
	log := &eventLog{}
	connectProbe(t, link, reg, log)

	conn := adapter.latestConnection()
	conn.char(PowerPublishedUUID).SimulateNotification([]byte{0x01})
	conn.char(NetworkPublishedUUID).SimulateNotification([]byte("state: connected\nip4: 10.0.0.1\nctl: 1\n"))

	id, _ := reg.Get(testProbe)
	if !id.Powered {
		t.Error("Powered = false after notification")
	}
	if id.Credentials == nil || id.Credentials.IPAddr != "10.0.0.1" {
		t.Errorf("Credentials = %v, want ip4 10.0.0.1", id.Credentials)
	}
}

func TestLinkSetPower(t *testing.T) {
	adapter := newMockAdapter(nil)
	link, reg := newTestLink(adapter)
	log := &eventLog{}

	if err := link.SetPower(true); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SetPower() before connect error = %v, want ErrNotConnected", err)
	}

	connectProbe(t, link, reg, log)
	if err := link.SetPower(true); err != nil {
		t.Fatalf("SetPower() error = %v", err)
	}

	req := adapter.latestConnection().char(PowerRequestUUID)
	waitFor(t, "power write", func() bool { return len(req.written()) == 1 })
	if got := req.written()[0]; len(got) != 1 || got[0] != 0x01 {
		t.Errorf("power request = %x, want 01", got)
	}
}

func TestLinkDropReportsAndIgnoresStaleNotifications(t *testing.T) {
	adapter := newMockAdapter(nil)
	link, reg := newTestLink(adapter)
	log := &eventLog{}
	connectProbe(t, link, reg, log)

	conn := adapter.latestConnection()
	conn.SimulateDisconnect()

	if n := log.count(linkState(false)); n != 1 {
		t.Fatalf("disconnected events = %d, want 1", n)
	}
	if err := link.SetPower(true); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SetPower() after drop error = %v, want ErrNotConnected", err)
	}

	conn.char(PowerPublishedUUID).SimulateNotification([]byte{0x01})
	if id, _ := reg.Get(testProbe); id.Powered {
		t.Error("notification from a dropped connection updated the registry")
	}

	// A second drop callback for the same connection is ignored.
	conn.SimulateDisconnect()
	if n := log.count(linkState(false)); n != 1 {
		t.Errorf("disconnected events = %d, want 1", n)
	}
}

func TestLinkDisconnectIsSilent(t *testing.T) {
	adapter := newMockAdapter(nil)
	link, reg := newTestLink(adapter)
	log := &eventLog{}
	connectProbe(t, link, reg, log)

	conn := adapter.latestConnection()
	link.Disconnect()

	if !conn.isDisconnected() {
		t.Error("connection was not closed")
	}
	conn.SimulateDisconnect()
	if n := log.count(linkState(false)); n != 0 {
		t.Errorf("disconnected events = %d, want 0 after explicit Disconnect", n)
	}
	if running, pending := link.QueueState(); running || pending != 0 {
		t.Errorf("queue running=%v pending=%d after Disconnect", running, pending)
	}
}

func TestLinkConnectRequiresAddress(t *testing.T) {
	link, _ := newTestLink(newMockAdapter(nil))
	if err := link.Connect(probe.Identity{Name: testProbe}, func(transport.Event) {}); err == nil {
		t.Error("Connect() without address should fail")
	}
}
