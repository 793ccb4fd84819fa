package ble

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"
)

// readBufferSize bounds a single characteristic read. The network-info
// characteristic is the largest value the probe publishes.
const readBufferSize = 512

// TinyGoAdapter wraps tinygo-org/bluetooth (BlueZ on Linux, CoreBluetooth
// on macOS). On macOS peripheral addresses are CoreBluetooth UUIDs rather
// than MACs; the Device.MAC field carries whichever the platform reports.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*tinyGoConnection // keyed by Address.String()
}

// NewTinyGoAdapter creates a BLE adapter on the platform default radio.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*tinyGoConnection),
	}
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// The adapter-level handler is the only place tinygo reports a
	// peripheral dropping, so route it to the matching connection.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		if ok {
			delete(a.connections, id)
		}
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})

	return nil
}

func (a *TinyGoAdapter) Scan(ctx context.Context, onDevice func(Device)) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		onDevice(Device{
			Name: result.LocalName(),
			MAC:  result.Address.String(),
			RSSI: int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *TinyGoAdapter) Connect(ctx context.Context, mac string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(mac)

	// tinygo/bluetooth's Connect blocks with its own timeout; wrap it so
	// ctx cancellation returns promptly.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// A late success is torn down so the radio does not keep a link
		// nobody owns.
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return nil, fmt.Errorf("ble: connect to %s: %w", mac, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", mac, result.err)
		}
		conn := &tinyGoConnection{device: result.device}

		a.mu.Lock()
		a.connections[result.device.Address.String()] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

type tinyGoConnection struct {
	device bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
}

func (c *tinyGoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svcUUID, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	charUUIDParsed, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	svcs, err := c.device.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}

	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{charUUIDParsed})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}

	return &tinyGoCharacteristic{char: chars[0]}, nil
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *tinyGoConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinyGoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c *tinyGoCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, readBufferSize)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("ble: read characteristic: %w", err)
	}
	return buf[:n], nil
}

func (c *tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		// tinygo reuses buf between notifications.
		data := make([]byte, len(buf))
		copy(data, buf)
		cb(data)
	})
}
