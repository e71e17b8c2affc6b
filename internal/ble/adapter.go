// Package ble drives the link to a SLATE device: it waits for the target to
// advertise, connects, runs the vendor handshake, and carries file transfer
// bytes over the MLDP data characteristic.
package ble

import "context"

// Characteristic represents a remote BLE GATT characteristic.
type Characteristic interface {
	// Write sends data and waits for the peer's write response.
	Write(data []byte) error
	// WriteWithoutResponse sends data as a write command.
	WriteWithoutResponse(data []byte) error
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

// WriteHandler receives writes the peer makes to our data characteristic.
// value is only valid for the duration of the call.
type WriteHandler func(offset int, value []byte)

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals advertising the given service UUID.
	// Returns discovered devices until ctx is cancelled or timeout.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// ScanFor blocks until the device with the given address advertises.
	ScanFor(ctx context.Context, mac string) (Device, error)
	// Connect establishes a connection to the device with the given MAC address.
	Connect(ctx context.Context, mac string) (Connection, error)
	// ServeData publishes the local MLDP service and routes peer writes on
	// its data characteristic to h.
	ServeData(h WriteHandler) error
}
