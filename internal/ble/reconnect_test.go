package ble

import (
	"testing"
	"time"

	"github.com/chaz8081/probelink/internal/transport"
)

func TestReconnectBackoff(t *testing.T) {
	delays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second, // still capped
	}

	for i, want := range delays {
		got := backoffDelay(i, 30)
		if got != want {
			t.Errorf("backoffDelay(%d, 30) = %v, want %v", i, got, want)
		}
	}
}

func TestBackoffDelayOverflowProtection(t *testing.T) {
	// Attempt=100 would cause 1<<100 overflow without the cap
	got := backoffDelay(100, 30)
	want := 30 * time.Second
	if got != want {
		t.Errorf("backoffDelay(100, 30) = %v, want %v (capped at max)", got, want)
	}

	got = backoffDelay(31, 60)
	if got <= 0 {
		t.Errorf("backoffDelay(31, 60) = %v, should be positive", got)
	}
	if got > 60*time.Second {
		t.Errorf("backoffDelay(31, 60) = %v, should not exceed 60s", got)
	}
}

func TestConnectRetriesUntilSuccess(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.connectErrs = 2
	link, reg := newTestLink(adapter)
	log := &eventLog{}

	connectProbe(t, link, reg, log)

	if got := adapter.connectCount(); got != 3 {
		t.Errorf("connect attempts = %d, want 3", got)
	}
	failures := log.count(func(e transport.Event) bool { return e.Kind == transport.EventError })
	if failures != 2 {
		t.Errorf("error events = %d, want 2", failures)
	}
}

func TestDisconnectStopsConnectLoop(t *testing.T) {
	adapter := newMockAdapter(nil)
	adapter.connectErrs = 1 << 30
	link, reg := newTestLink(adapter)
	link.backoff = func(int) time.Duration { return 5 * time.Millisecond }
	log := &eventLog{}

	reg.UpsertFromScan(testMAC, testProbe)
	id, _ := reg.Get(testProbe)
	if err := link.Connect(id, log.sink); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "a few attempts", func() bool { return adapter.connectCount() >= 2 })

	link.Disconnect()
	time.Sleep(20 * time.Millisecond)
	after := adapter.connectCount()
	time.Sleep(30 * time.Millisecond)
	if got := adapter.connectCount(); got != after {
		t.Errorf("connect attempts kept running after Disconnect: %d -> %d", after, got)
	}
}
