package ble

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/ble-kermit/internal/ble/protocol"
)

// BlueZAdapter wraps tinygo-org/bluetooth, which talks to BlueZ over D-Bus
// on Linux.
type BlueZAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map.
	mu          sync.Mutex
	connections map[string]*bluezConnection // keyed by upper-case MAC
}

// NewBlueZAdapter creates a new BLE adapter on the default controller.
func NewBlueZAdapter() *BlueZAdapter {
	return &BlueZAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*bluezConnection),
	}
}

func (a *BlueZAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// The adapter-level handler is the only place link loss is reported.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		mac := strings.ToUpper(device.Address.String())
		a.mu.Lock()
		conn, ok := a.connections[mac]
		delete(a.connections, mac)
		a.mu.Unlock()
		if ok {
			conn.fireDisconnect()
		}
	})
	return nil
}

func (a *BlueZAdapter) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}

	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	stop := a.stopScanOnDone(ctx)
	defer stop()

	err = a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if !result.HasServiceUUID(uuid) {
			return
		}
		mac := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[mac] {
			return
		}
		seen[mac] = true
		devices = append(devices, Device{
			Name: result.LocalName(),
			MAC:  mac,
			RSSI: int(result.RSSI),
		})
	})
	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	return devices, nil
}

func (a *BlueZAdapter) ScanFor(ctx context.Context, mac string) (Device, error) {
	want := protocol.NormalizeAddress(mac)
	var found *Device

	stop := a.stopScanOnDone(ctx)
	defer stop()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if found != nil || !strings.EqualFold(result.Address.String(), want) {
			return
		}
		found = &Device{
			Name: result.LocalName(),
			MAC:  want,
			RSSI: int(result.RSSI),
		}
		adapter.StopScan()
	})
	if ctx.Err() != nil {
		return Device{}, ctx.Err()
	}
	if err != nil {
		return Device{}, fmt.Errorf("ble: scan for %s: %w", want, err)
	}
	if found == nil {
		return Device{}, fmt.Errorf("ble: scan for %s ended without a match", want)
	}
	return *found, nil
}

// stopScanOnDone stops a running scan when ctx ends. The returned func
// releases the watcher once the scan has returned.
func (a *BlueZAdapter) stopScanOnDone(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func (a *BlueZAdapter) Connect(ctx context.Context, mac string) (Connection, error) {
	mac = protocol.NormalizeAddress(mac)
	var addr bluetooth.Address
	addr.Set(mac)

	// tinygo/bluetooth's Connect blocks internally with its own timeout.
	// We wrap it to also respect our ctx cancellation.
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
		return nil, fmt.Errorf("ble: connect to %s: %w", mac, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", mac, result.err)
		}
		conn := &bluezConnection{device: result.device}

		a.mu.Lock()
		a.connections[mac] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

func (a *BlueZAdapter) ServeData(h WriteHandler) error {
	svcUUID, err := bluetooth.ParseUUID(protocol.MLDPServiceUUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}
	dataUUID, err := bluetooth.ParseUUID(protocol.MLDPDataCharUUID)
	if err != nil {
		return fmt.Errorf("ble: parse data UUID: %w", err)
	}
	ctrlUUID, err := bluetooth.ParseUUID(protocol.MLDPCtrlCharUUID)
	if err != nil {
		return fmt.Errorf("ble: parse ctrl UUID: %w", err)
	}

	var dataChar, ctrlChar bluetooth.Characteristic
	err = a.adapter.AddService(&bluetooth.Service{
		UUID: svcUUID,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &dataChar,
				UUID:   dataUUID,
				Flags: bluetooth.CharacteristicWritePermission |
					bluetooth.CharacteristicWriteWithoutResponsePermission |
					bluetooth.CharacteristicNotifyPermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					h(offset, bytes.Clone(value))
				},
			},
			{
				Handle: &ctrlChar,
				UUID:   ctrlUUID,
				Flags:  bluetooth.CharacteristicReadPermission | bluetooth.CharacteristicWritePermission,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ble: add MLDP service: %w", err)
	}
	return nil
}

// Compile-time check that BlueZAdapter implements Adapter.
var _ Adapter = (*BlueZAdapter)(nil)

type bluezConnection struct {
	device bluetooth.Device

	mu           sync.Mutex
	disconnectCb func()
}

func (c *bluezConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
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

	return &bluezCharacteristic{char: chars[0]}, nil
}

func (c *bluezConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *bluezConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *bluezConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type bluezCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *bluezCharacteristic) Write(data []byte) error {
	_, err := c.char.Write(data)
	return err
}

func (c *bluezCharacteristic) WriteWithoutResponse(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}
