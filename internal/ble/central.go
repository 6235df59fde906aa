package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/bluekit/internal/ble/fsm"
)

var (
	// ErrNotConnected is returned by Disconnect for an address with no
	// pooled connection.
	ErrNotConnected = errors.New("ble: not connected")

	// ErrStopped is returned when the central was stopped while an
	// operation was in flight.
	ErrStopped = errors.New("ble: central stopped")
)

// CentralOptions configures the central controller.
type CentralOptions struct {
	ScanTimeout     time.Duration // upper bound for a single Scan call
	ConnectTimeout  time.Duration // per connection attempt
	ConnectAttempts int           // attempts before Connect gives up
	BackoffMax      int           // cap in seconds for the delay between attempts
	Power           PowerMonitor  // optional; nil means assume powered after Enable
}

// DefaultCentralOptions returns sensible defaults.
func DefaultCentralOptions() CentralOptions {
	return CentralOptions{
		ScanTimeout:     10 * time.Second,
		ConnectTimeout:  10 * time.Second,
		ConnectAttempts: 3,
		BackoffMax:      30,
	}
}

// Observer is called after every state change with the old and new state.
type Observer func(from, to fsm.State)

type observerEntry struct {
	id int
	fn Observer
}

// Central owns the lifecycle state machine of the local BLE radio and
// performs adapter operations once the machine has accepted them. Safe for
// concurrent use.
type Central struct {
	adapter Adapter
	opts    CentralOptions
	sleep   func(ctx context.Context, d time.Duration) error

	mu         sync.Mutex
	machine    *fsm.Machine
	gen        uint64 // bumped on Start and Stop; stale callbacks compare against it
	conns      map[string]Connection
	observers  []observerEntry
	nextObsID  int
	stopWatch  context.CancelFunc
	scanCancel context.CancelFunc
	scanSeq    uint64 // identifies the scan that owns scanCancel
}

// NewCentral creates a central in the Initialized state.
func NewCentral(adapter Adapter, opts CentralOptions) *Central {
	def := DefaultCentralOptions()
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = def.ScanTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = def.ConnectTimeout
	}
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = def.ConnectAttempts
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = def.BackoffMax
	}
	return &Central{
		adapter: adapter,
		opts:    opts,
		sleep:   sleepCtx,
		machine: fsm.New(),
		conns:   make(map[string]Connection),
	}
}

// State returns the current lifecycle state.
func (c *Central) State() fsm.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.State()
}

// Can reports whether an event of kind k would be accepted right now.
func (c *Central) Can(k fsm.EventKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machine.Can(k)
}

// Subscribe registers fn for state change notifications. Observers run on
// the goroutine that caused the change, after the internal lock has been
// released. The returned func removes the observer.
func (c *Central) Subscribe(fn Observer) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextObsID
	c.nextObsID++
	c.observers = append(c.observers, observerEntry{id: id, fn: fn})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, o := range c.observers {
			if o.id == id {
				c.observers = append(c.observers[:i], c.observers[i+1:]...)
				return
			}
		}
	}
}

// handleLocked feeds ev to the machine (caller must hold mu). The returned
// func delivers observer notifications and must be called after unlocking.
func (c *Central) handleLocked(ev fsm.Event) (notify func(), err error) {
	from := c.machine.State()
	if err := c.machine.Handle(ev); err != nil {
		return func() {}, err
	}
	to := c.machine.State()
	if from == to {
		return func() {}, nil
	}
	observers := make([]Observer, len(c.observers))
	for i, o := range c.observers {
		observers[i] = o.fn
	}
	slog.Debug("[BLE] state changed", "event", ev.String(), "from", from.String(), "to", to.String())
	return func() {
		for _, fn := range observers {
			fn(from, to)
		}
	}, nil
}

// Start moves the central out of Initialized and enables the adapter.
// Availability is then driven by the power monitor, if configured; without
// one the central becomes Available as soon as the adapter is enabled.
// Power watching ends when ctx is done or the central is stopped.
func (c *Central) Start(ctx context.Context) error {
	c.mu.Lock()
	notify, err := c.handleLocked(fsm.EventStart())
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("ble: start: %w", err)
	}
	c.gen++
	gen := c.gen
	watchCtx, cancel := context.WithCancel(ctx)
	c.stopWatch = cancel
	c.mu.Unlock()
	notify()

	if err := c.adapter.Enable(); err != nil {
		c.applyPower(gen, PowerState{Cause: fsm.CauseUnsupported})
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	if c.opts.Power != nil {
		err := c.opts.Power.Watch(watchCtx, func(ps PowerState) {
			c.applyPower(gen, ps)
		})
		if err == nil {
			return nil
		}
		slog.Warn("[BLE] power monitor unavailable, assuming powered", "error", err)
	}

	c.applyPower(gen, PowerState{Powered: true})
	return nil
}

// applyPower translates a power report into SetAvailable/SetUnavailable.
// Reports from a previous Start are dropped.
func (c *Central) applyPower(gen uint64, ps PowerState) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}

	ev := fsm.EventSetAvailable()
	if !ps.Powered {
		ev = fsm.EventSetUnavailable(ps.Cause)
	} else if c.machine.State().Kind == fsm.Scanning {
		// Already powered and busy; a refresh must not cut the scan short.
		c.mu.Unlock()
		return
	}

	notify, err := c.handleLocked(ev)
	var scanCancel context.CancelFunc
	if err == nil && !ps.Powered {
		scanCancel = c.scanCancel
	}
	c.mu.Unlock()

	if err != nil {
		slog.Debug("[BLE] ignoring power report", "powered", ps.Powered, "error", err)
		return
	}
	if scanCancel != nil {
		scanCancel()
	}
	if ps.Powered {
		slog.Info("[BLE] radio available")
	} else {
		slog.Warn("[BLE] radio unavailable", "cause", ps.Cause.String())
	}
	notify()
}

// Scan discovers peripherals advertising serviceUUID (all when empty). It
// runs for at most ScanTimeout and returns the central to Available when
// done, unless power was lost in the meantime.
func (c *Central) Scan(ctx context.Context, serviceUUID string) ([]Device, error) {
	c.mu.Lock()
	notify, err := c.handleLocked(fsm.EventScan())
	if err != nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("ble: scan: %w", err)
	}
	gen := c.gen
	c.scanSeq++
	seq := c.scanSeq
	scanCtx, cancel := context.WithTimeout(ctx, c.opts.ScanTimeout)
	c.scanCancel = cancel
	c.mu.Unlock()
	notify()

	slog.Info("[BLE] scanning", "service", serviceUUID, "timeout", c.opts.ScanTimeout)
	devices, scanErr := c.adapter.Scan(scanCtx, serviceUUID)
	cancel()

	c.mu.Lock()
	done := func() {}
	// A newer scan may own the Scanning state by now; leave it alone.
	if c.gen == gen && c.scanSeq == seq {
		c.scanCancel = nil
		if c.machine.State().Kind == fsm.Scanning {
			done, _ = c.handleLocked(fsm.EventSetAvailable())
		}
	}
	c.mu.Unlock()
	done()

	if scanErr != nil {
		return nil, fmt.Errorf("ble: scan: %w", scanErr)
	}
	slog.Info("[BLE] scan finished", "devices", len(devices))
	return devices, nil
}

// backoffDelay returns the delay before retry attempt n, capped at maxSeconds.
func backoffDelay(attempt int, maxSeconds int) time.Duration {
	max := time.Duration(maxSeconds) * time.Second
	if attempt >= 30 {
		return max
	}
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > max {
		return max
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Connect dials the peripheral at address. The central must be Available
// or Scanning; the check is repeated before every attempt so a power loss
// aborts the retries. A successful connection is pooled until it drops or
// Disconnect/Stop is called.
func (c *Central) Connect(ctx context.Context, address string) (Connection, error) {
	if address == "" {
		return nil, fmt.Errorf("ble: connect: address must not be empty")
	}
	address = normalizeAddress(address)

	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	var lastErr error
	attempts := 0
	for attempt := 0; attempt < c.opts.ConnectAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, c.opts.BackoffMax)
			slog.Info("[BLE] connect backoff", "address", address, "attempt", attempt+1, "delay", delay)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("ble: connect to %s: %w", address, err)
			}
		}

		if err := c.checkConnectable(gen); err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", address, err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
		conn, err := c.adapter.Connect(attemptCtx, address)
		cancel()
		attempts++
		if err != nil {
			lastErr = err
			slog.Warn("[BLE] connect failed", "address", address, "attempt", attempts, "error", err)
			if ctx.Err() != nil {
				return nil, fmt.Errorf("ble: connect to %s: cancelled after %d attempts: %w", address, attempts, ctx.Err())
			}
			continue
		}

		if err := c.track(gen, address, conn); err != nil {
			_ = conn.Disconnect()
			return nil, fmt.Errorf("ble: connect to %s: %w", address, err)
		}
		slog.Info("[BLE] connected", "address", address)
		return conn, nil
	}
	return nil, fmt.Errorf("ble: connect to %s: %d attempts failed: %w", address, attempts, lastErr)
}

// normalizeAddress gives each device one pool key: MAC addresses in any
// accepted notation become upper-case colon form, anything else (macOS
// CoreBluetooth UUIDs) is lower-cased.
func normalizeAddress(address string) string {
	if hw, err := net.ParseMAC(address); err == nil && len(hw) == 6 {
		return strings.ToUpper(hw.String())
	}
	return strings.ToLower(address)
}

// checkConnectable validates the Connect event against the current state.
func (c *Central) checkConnectable(gen uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.machine.Handle(fsm.EventConnect()); err != nil {
		return err
	}
	if c.gen != gen {
		return ErrStopped
	}
	return nil
}

// track pools conn under address, replacing any previous connection.
func (c *Central) track(gen uint64, address string, conn Connection) error {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return ErrStopped
	}
	if err := c.machine.Handle(fsm.EventConnect()); err != nil {
		c.mu.Unlock()
		return err
	}
	prev := c.conns[address]
	c.conns[address] = conn
	c.mu.Unlock()

	if prev != nil && prev != conn {
		_ = prev.Disconnect()
	}
	conn.OnDisconnect(func() {
		c.forget(address, conn)
	})
	return nil
}

// forget drops address from the pool if it still maps to conn.
func (c *Central) forget(address string, conn Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.conns[address]; ok && cur == conn {
		delete(c.conns, address)
		slog.Warn("[BLE] disconnected", "address", address)
	}
}

// Disconnect closes and unpools the connection to address.
func (c *Central) Disconnect(address string) error {
	address = normalizeAddress(address)
	c.mu.Lock()
	conn, ok := c.conns[address]
	delete(c.conns, address)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConnected, address)
	}
	if err := conn.Disconnect(); err != nil {
		return fmt.Errorf("ble: disconnect %s: %w", address, err)
	}
	return nil
}

// Connections returns the addresses of pooled connections, sorted.
func (c *Central) Connections() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	addrs := make([]string, 0, len(c.conns))
	for addr := range c.conns {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

// Stop resets the central to Initialized, ending power watching and any
// running scan and closing every pooled connection.
func (c *Central) Stop() error {
	c.mu.Lock()
	notify, err := c.handleLocked(fsm.EventStop())
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("ble: stop: %w", err)
	}
	c.gen++
	conns := c.conns
	c.conns = make(map[string]Connection)
	stopWatch, scanCancel := c.stopWatch, c.scanCancel
	c.stopWatch, c.scanCancel = nil, nil
	c.mu.Unlock()

	if stopWatch != nil {
		stopWatch()
	}
	if scanCancel != nil {
		scanCancel()
	}
	for addr, conn := range conns {
		if err := conn.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect on stop failed", "address", addr, "error", err)
		}
	}
	slog.Info("[BLE] stopped", "closed", len(conns))
	notify()
	return nil
}
