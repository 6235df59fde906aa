package ble

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

// mockCharacteristic records writes and allows subscribing.
type mockCharacteristic struct {
	mu       sync.Mutex
	writes   [][]byte
	callback func([]byte)
}

func (c *mockCharacteristic) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

func (c *mockCharacteristic) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return nil
}

// mockConnection simulates a BLE connection.
type mockConnection struct {
	mu           sync.Mutex
	address      string
	chars        map[string]*mockCharacteristic
	disconnectCb func()
	disconnected bool
}

func newMockConnection(address string) *mockConnection {
	return &mockConnection{
		address: address,
		chars:   make(map[string]*mockCharacteristic),
	}
}

func (c *mockConnection) DiscoverCharacteristic(serviceUUID, charUUID string) (Characteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.chars[charUUID]
	if !ok {
		return nil, fmt.Errorf("mock: unknown characteristic UUID %q", charUUID)
	}
	return ch, nil
}

func (c *mockConnection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
	return nil
}

func (c *mockConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *mockConnection) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// SimulateDisconnect triggers the disconnect callback.
func (c *mockConnection) SimulateDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// mockAdapter simulates the BLE adapter.
type mockAdapter struct {
	mu           sync.Mutex
	devices      []Device
	enableErr    error
	scanErr      error
	blockScan    bool // Scan waits for ctx instead of returning at once
	holdFirst    chan struct{} // when set, the first Scan ignores ctx and waits on it
	scanCalls    int
	scanStarted  chan struct{}
	connectFails int // number of leading Connect calls that fail
	connectCalls int
	scannedUUID  string
	connection   *mockConnection // most recent connection for test assertions
}

func newMockAdapter(devices []Device) *mockAdapter {
	return &mockAdapter{
		devices:     devices,
		scanStarted: make(chan struct{}, 1),
	}
}

func (a *mockAdapter) Enable() error { return a.enableErr }

func (a *mockAdapter) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	a.mu.Lock()
	a.scannedUUID = serviceUUID
	a.scanCalls++
	block, hold := a.blockScan, a.holdFirst
	if a.scanCalls > 1 {
		hold = nil
	}
	a.mu.Unlock()

	select {
	case a.scanStarted <- struct{}{}:
	default:
	}
	switch {
	case hold != nil:
		<-hold
	case block:
		<-ctx.Done()
	}
	if a.scanErr != nil {
		return nil, a.scanErr
	}
	return a.devices, nil
}

func (a *mockAdapter) Connect(_ context.Context, address string) (Connection, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connectCalls++
	if a.connectCalls <= a.connectFails {
		return nil, fmt.Errorf("mock: connect attempt %d refused", a.connectCalls)
	}
	conn := newMockConnection(address)
	a.connection = conn
	return conn, nil
}

// latestConnection returns the most recently created connection (thread-safe).
func (a *mockAdapter) latestConnection() *mockConnection {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connection
}

func (a *mockAdapter) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connectCalls
}

// mockPower is a PowerMonitor driven by the test.
type mockPower struct {
	mu       sync.Mutex
	initial  PowerState
	watchErr error
	fn       func(PowerState)
	ctx      context.Context
}

func (p *mockPower) Watch(ctx context.Context, fn func(PowerState)) error {
	if p.watchErr != nil {
		return p.watchErr
	}
	p.mu.Lock()
	p.fn = fn
	p.ctx = ctx
	p.mu.Unlock()
	fn(p.initial)
	return nil
}

// Report delivers ps unless the watch context has ended.
func (p *mockPower) Report(ps PowerState) {
	p.mu.Lock()
	fn, ctx := p.fn, p.ctx
	p.mu.Unlock()
	if fn == nil || ctx.Err() != nil {
		return
	}
	fn(ps)
}

func (p *mockPower) watchDone() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ctx != nil && p.ctx.Err() != nil
}

func TestMockAdapterImplementsInterface(t *testing.T) {
	var _ Adapter = (*mockAdapter)(nil)
}

func TestMockConnectionImplementsInterface(t *testing.T) {
	var _ Connection = (*mockConnection)(nil)
}

func TestMockCharacteristicImplementsInterface(t *testing.T) {
	var _ Characteristic = (*mockCharacteristic)(nil)
}

func TestMockPowerImplementsInterface(t *testing.T) {
	var _ PowerMonitor = (*mockPower)(nil)
}
