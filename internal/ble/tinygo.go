package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tinygo.org/x/bluetooth"
)

// TinyGoAdapter drives the platform radio through tinygo-org/bluetooth.
// Addresses are MACs on Linux and Windows and CoreBluetooth UUIDs on macOS;
// links are keyed by the library's own rendering of the address so that
// drop notifications find them regardless of how the caller spelled it.
type TinyGoAdapter struct {
	radio *bluetooth.Adapter

	mu    sync.Mutex
	links map[string]*tinyGoConnection
}

// NewTinyGoAdapter returns an adapter for the platform default radio.
func NewTinyGoAdapter() *TinyGoAdapter {
	return &TinyGoAdapter{
		radio: bluetooth.DefaultAdapter,
		links: make(map[string]*tinyGoConnection),
	}
}

var _ Adapter = (*TinyGoAdapter)(nil)

func (a *TinyGoAdapter) Enable() error {
	if err := a.radio.Enable(); err != nil {
		return err
	}
	a.radio.SetConnectHandler(a.connectionChanged)
	return nil
}

// connectionChanged receives every link up/down from the library. Only
// drops matter here: the link is unregistered and its owner told.
func (a *TinyGoAdapter) connectionChanged(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	if link := a.release(device.Address.String()); link != nil {
		link.dropped()
	}
}

func (a *TinyGoAdapter) register(key string, link *tinyGoConnection) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.links[key] = link
}

func (a *TinyGoAdapter) release(key string) *tinyGoConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	link := a.links[key]
	delete(a.links, key)
	return link
}

// advertises builds the scan filter for serviceUUID; empty matches all.
func advertises(serviceUUID string) (func(bluetooth.ScanResult) bool, error) {
	if serviceUUID == "" {
		return func(bluetooth.ScanResult) bool { return true }, nil
	}
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}
	return func(r bluetooth.ScanResult) bool { return r.HasServiceUUID(uuid) }, nil
}

// Scan collects distinct advertisers until ctx ends. Hitting the deadline
// is the normal way out and is not an error.
func (a *TinyGoAdapter) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	match, err := advertises(serviceUUID)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		devices []Device
		seen    = make(map[string]struct{})
	)

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			if err := a.radio.StopScan(); err != nil {
				slog.Debug("[BLE] stop scan", "error", err)
			}
		case <-finished:
		}
	}()

	err = a.radio.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
		if !match(r) {
			return
		}
		key := r.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		devices = append(devices, Device{Name: r.LocalName(), Address: key, RSSI: int(r.RSSI)})
	})
	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	return devices, nil
}

type dialResult struct {
	device bluetooth.Device
	err    error
}

// Connect dials address. The library call cannot be interrupted, so when
// ctx ends first the dial is left running and a late success is torn down
// instead of leaking an unowned link.
func (a *TinyGoAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)
	key := addr.String()

	dialed := make(chan dialResult, 1)
	go func() {
		device, err := a.radio.Connect(addr, bluetooth.ConnectionParams{})
		dialed <- dialResult{device, err}
	}()

	select {
	case <-ctx.Done():
		go discardLate(key, dialed)
		return nil, fmt.Errorf("ble: connect to %s: %w", address, ctx.Err())
	case res := <-dialed:
		if res.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, res.err)
		}
		link := &tinyGoConnection{device: res.device}
		a.register(key, link)
		return link, nil
	}
}

// discardLate waits out an abandoned dial and disconnects it if it landed.
func discardLate(key string, dialed <-chan dialResult) {
	res := <-dialed
	if res.err != nil {
		return
	}
	slog.Debug("[BLE] closing connection that completed after cancel", "address", key)
	if err := res.device.Disconnect(); err != nil {
		slog.Warn("[BLE] close late connection", "address", key, "error", err)
	}
}

type tinyGoConnection struct {
	device bluetooth.Device

	mu     sync.Mutex
	onDrop func()
}

func (c *tinyGoConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	svc, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, err
	}
	chr, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, err
	}

	services, err := c.device.DiscoverServices([]bluetooth.UUID{svc})
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	if len(services) == 0 {
		return nil, fmt.Errorf("ble: service %s not found", serviceUUID)
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{chr})
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("ble: characteristic %s not found", charUUID)
	}
	return tinyGoCharacteristic{char: chars[0]}, nil
}

func (c *tinyGoConnection) Disconnect() error {
	return c.device.Disconnect()
}

func (c *tinyGoConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	c.onDrop = cb
	c.mu.Unlock()
}

func (c *tinyGoConnection) dropped() {
	c.mu.Lock()
	cb := c.onDrop
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinyGoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.WriteWithoutResponse(data)
	return err
}

func (c tinyGoCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(cb)
}
