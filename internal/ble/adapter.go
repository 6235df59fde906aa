// Package ble drives a Bluetooth Low Energy central. It pairs the lifecycle
// state machine in package fsm with a hardware adapter, performing radio
// operations only after the machine accepts the matching event.
package ble

import (
	"context"

	"github.com/chaz8081/bluekit/internal/ble/fsm"
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name    string
	Address string // MAC on Linux/Windows, CoreBluetooth UUID on macOS
	RSSI    int
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
	// Scan discovers BLE peripherals advertising the given service UUID,
	// or every advertiser when serviceUUID is empty. Returns discovered
	// devices once ctx is done.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, address string) (Connection, error)
}

// PowerState is a radio availability report from the platform.
// Cause is only meaningful when Powered is false.
type PowerState struct {
	Powered bool
	Cause   fsm.Cause
}

// PowerMonitor reports radio power changes. Watch delivers the current
// state first and then every change until ctx is done.
type PowerMonitor interface {
	Watch(ctx context.Context, fn func(PowerState)) error
}
