// Package ble provides the BLE control link to a probe: discovery, the
// connection, the power request, and decoding of the power and network-info
// characteristics into the probe registry. All GATT operations on a
// connection go through a Queue because the peripheral processes one
// request at a time.
package ble

import "context"

// Probe GATT UUIDs. These must match the probe firmware exactly.
const (
	PowerServiceUUID   = "8c853b6a-2297-44c1-8277-73627c8d2abc"
	PowerPublishedUUID = "8c853b6a-2297-44c1-8277-73627c8d2abd" // notify/read: power state
	PowerRequestUUID   = "8c853b6a-2297-44c1-8277-73627c8d2abe" // write: 0x00 off, 0x01 on

	NetworkServiceUUID   = "f9eb3fae-947a-4e5b-ab7c-c799e91ed780"
	NetworkPublishedUUID = "f9eb3fae-947a-4e5b-ab7c-c799e91ed781" // notify/read: credential text
	NetworkRequestUUID   = "f9eb3fae-947a-4e5b-ab7c-c799e91ed782" // write

	// ClientConfigDescriptorUUID is the standard CCCD written to enable
	// notifications. Adapters that subscribe natively write it themselves.
	ClientConfigDescriptorUUID = "00002902-0000-1000-8000-00805f9b34fb"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Read returns the current value of the characteristic.
	Read() ([]byte, error)
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name string
	MAC  string
	RSSI int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID within a service.
	DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan reports advertising peripherals to onDevice until ctx is done.
	// The same peripheral may be reported many times.
	Scan(ctx context.Context, onDevice func(Device)) error
	// Connect establishes a connection to the device with the given MAC address.
	Connect(ctx context.Context, mac string) (Connection, error)
}
