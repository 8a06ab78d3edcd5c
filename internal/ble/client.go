package ble

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultTimeout bounds every blocking Client call.
const DefaultTimeout = 10 * time.Second

// ErrBusy is returned when a Client operation is started while another one
// is still outstanding.
var ErrBusy = errors.New("ble: operation already in progress")

// ClientOptions configures the Client.
type ClientOptions struct {
	PeripheralID   string        // platform identifier of the target light
	Service        UUID          // service to scan for and discover
	Characteristic UUID          // characteristic that receives color commands
	Timeout        time.Duration // bound for each blocking call
}

// DefaultClientOptions returns the identifiers of the notti light and a
// 10 second timeout.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		PeripheralID:   DefaultPeripheralID,
		Service:        ColorServiceUUID,
		Characteristic: ColorReceiverUUID,
		Timeout:        DefaultTimeout,
	}
}

// pendingOp is the single outstanding wait. Each blocking call arms a fresh
// one, so a completion can only ever reach the call that armed it.
type pendingOp struct {
	seq   uint64
	name  string
	match func(Event) bool
	done  chan Event
}

// Client exposes the stack as a set of blocking calls, one at a time. Every
// call returns a failure value (false or nil) on timeout instead of an error.
type Client struct {
	stack Stack
	opts  ClientOptions
	busy  *semaphore.Weighted

	// mu guards pending, which is shared with the event goroutine.
	mu      sync.Mutex
	pending *pendingOp
	seq     uint64

	// lastErr is only touched by the calling goroutine.
	lastErr error
}

// NewClient creates a Client and installs it as the stack's event handler.
func NewClient(stack Stack, opts ClientOptions) *Client {
	def := DefaultClientOptions()
	if opts.PeripheralID == "" {
		opts.PeripheralID = def.PeripheralID
	}
	if opts.Service == (UUID{}) {
		opts.Service = def.Service
	}
	if opts.Characteristic == (UUID{}) {
		opts.Characteristic = def.Characteristic
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	c := &Client{
		stack: stack,
		opts:  opts,
		busy:  semaphore.NewWeighted(1),
	}
	stack.SetEventHandler(c.handleEvent)
	return c
}

// Options returns the effective options.
func (c *Client) Options() ClientOptions {
	return c.opts
}

// LastError returns the platform error recorded by the most recent call, if
// any. Timeouts and not-found results leave it nil.
func (c *Client) LastError() error {
	return c.lastErr
}

// AwaitPoweredOn reports whether the radio is powered on, waiting for one
// state change if it is not yet.
func (c *Client) AwaitPoweredOn() bool {
	release, ok := c.begin("power on")
	if !ok {
		return false
	}
	defer release()

	if c.stack.State() == StatePoweredOn {
		return true
	}

	op := c.arm("power on", func(ev Event) bool {
		return ev.Kind == EventStateChanged
	})
	// The state may have flipped between the first check and arming.
	if c.stack.State() == StatePoweredOn {
		c.disarm(op)
		return true
	}
	if _, ok := c.wait(op); !ok {
		return false
	}

	// The state after waking is authoritative, not the event payload.
	state := c.stack.State()
	if state != StatePoweredOn {
		c.lastErr = fmt.Errorf("ble: radio is %s", state)
		return false
	}
	return true
}

// FindPeripheral returns the target peripheral, or nil if it was not seen
// within the timeout. An already connected peripheral is returned without
// scanning.
func (c *Client) FindPeripheral() Peripheral {
	release, ok := c.begin("find peripheral")
	if !ok {
		return nil
	}
	defer release()

	for _, p := range c.stack.RetrieveConnected(c.opts.Service) {
		if SameID(p.ID(), c.opts.PeripheralID) {
			slog.Debug("[BLE] retrieved connected peripheral", "peripheral", p.ID(), "name", p.Name())
			return p
		}
	}

	op := c.arm("find peripheral", func(ev Event) bool {
		return ev.Kind == EventPeripheralDiscovered && SameID(ev.peripheralID(), c.opts.PeripheralID)
	})
	err := c.stack.Scan(c.opts.Service)
	defer c.stopScan()
	if err != nil {
		c.reject(op, fmt.Errorf("ble: scan: %w", err))
		return nil
	}

	ev, ok := c.wait(op)
	if !ok {
		return nil
	}
	slog.Debug("[BLE] found peripheral", "peripheral", ev.Peripheral.ID(), "name", ev.Peripheral.Name(), "rssi", ev.RSSI)
	return ev.Peripheral
}

// Connect reports whether p is connected after requesting a connection.
func (c *Client) Connect(p Peripheral) bool {
	release, ok := c.begin("connect")
	if !ok {
		return false
	}
	defer release()

	if p.Connected() {
		return true
	}

	op := c.arm("connect", func(ev Event) bool {
		return (ev.Kind == EventConnected || ev.Kind == EventConnectFailed) && SameID(ev.peripheralID(), p.ID())
	})
	if err := c.stack.Connect(p); err != nil {
		c.reject(op, fmt.Errorf("ble: connect: %w", err))
		return false
	}

	ev, ok := c.wait(op)
	if !ok {
		return false
	}
	if ev.Kind == EventConnectFailed {
		c.lastErr = ev.Err
		slog.Warn("[BLE] connect failed", "peripheral", p.ID(), "error", ev.Err)
	}
	return p.Connected()
}

// DiscoverService returns the target service on p, or nil if it is not the
// first service the peripheral reports.
func (c *Client) DiscoverService(p Peripheral) Service {
	release, ok := c.begin("discover service")
	if !ok {
		return nil
	}
	defer release()

	if s := c.firstService(p); s != nil {
		return s
	}

	op := c.arm("discover service", func(ev Event) bool {
		return ev.Kind == EventServicesDiscovered && SameID(ev.peripheralID(), p.ID())
	})
	if err := c.stack.DiscoverServices(p, []UUID{c.opts.Service}); err != nil {
		c.reject(op, fmt.Errorf("ble: discover services: %w", err))
		return nil
	}

	ev, ok := c.wait(op)
	if !ok {
		return nil
	}
	c.lastErr = ev.Err
	return c.firstService(p)
}

// DiscoverCharacteristic returns the target characteristic of s, or nil if
// it is not the first characteristic the service reports.
func (c *Client) DiscoverCharacteristic(p Peripheral, s Service) Characteristic {
	release, ok := c.begin("discover characteristic")
	if !ok {
		return nil
	}
	defer release()

	if ch := c.firstCharacteristic(s); ch != nil {
		return ch
	}

	op := c.arm("discover characteristic", func(ev Event) bool {
		if ev.Kind != EventCharacteristicsDiscovered || !SameID(ev.peripheralID(), p.ID()) {
			return false
		}
		return ev.Service == nil || ev.Service.UUID() == s.UUID()
	})
	if err := c.stack.DiscoverCharacteristics(p, s, []UUID{c.opts.Characteristic}); err != nil {
		c.reject(op, fmt.Errorf("ble: discover characteristics: %w", err))
		return nil
	}

	ev, ok := c.wait(op)
	if !ok {
		return nil
	}
	c.lastErr = ev.Err
	return c.firstCharacteristic(s)
}

// Write sends data to ch as an acknowledged write and reports whether the
// peripheral confirmed it without error.
func (c *Client) Write(p Peripheral, ch Characteristic, data []byte) bool {
	release, ok := c.begin("write")
	if !ok {
		return false
	}
	defer release()

	op := c.arm("write", func(ev Event) bool {
		if ev.Kind != EventWriteCompleted || !SameID(ev.peripheralID(), p.ID()) {
			return false
		}
		return ev.Characteristic == nil || ev.Characteristic.UUID() == ch.UUID()
	})
	if err := c.stack.WriteValue(p, ch, data, WithResponse); err != nil {
		c.reject(op, fmt.Errorf("ble: write: %w", err))
		return false
	}

	ev, ok := c.wait(op)
	if !ok {
		return false
	}
	c.lastErr = ev.Err
	return ev.Err == nil
}

// Disconnect cancels the connection to p and reports whether the
// disconnection completed without error.
func (c *Client) Disconnect(p Peripheral) bool {
	release, ok := c.begin("disconnect")
	if !ok {
		return false
	}
	defer release()

	op := c.arm("disconnect", func(ev Event) bool {
		return ev.Kind == EventDisconnected && SameID(ev.peripheralID(), p.ID())
	})
	if err := c.stack.CancelConnection(p); err != nil {
		c.reject(op, fmt.Errorf("ble: cancel connection: %w", err))
		return false
	}

	ev, ok := c.wait(op)
	if !ok {
		return false
	}
	c.lastErr = ev.Err
	return ev.Err == nil
}

// handleEvent runs on the stack's event goroutine.
func (c *Client) handleEvent(ev Event) {
	slog.Debug("[BLE] event", ev.logAttrs()...)

	c.mu.Lock()
	op := c.pending
	if op == nil {
		c.mu.Unlock()
		slog.Debug("[BLE] no pending operation, event dropped", "event", ev.Kind.String())
		return
	}
	if !op.match(ev) {
		c.mu.Unlock()
		slog.Debug("[BLE] event does not complete pending operation", "event", ev.Kind.String(), "op", op.name, "seq", op.seq)
		return
	}
	c.pending = nil
	c.mu.Unlock()

	op.done <- ev
}

// begin claims the single operation slot. Overlapping calls are a
// programming error and are refused.
func (c *Client) begin(name string) (release func(), ok bool) {
	if !c.busy.TryAcquire(1) {
		slog.Error("[BLE] operation already in progress, refusing", "op", name)
		return nil, false
	}
	c.lastErr = nil
	return func() { c.busy.Release(1) }, true
}

// arm installs a fresh pending operation. It must be called before the
// request that triggers the awaited event.
func (c *Client) arm(name string, match func(Event) bool) *pendingOp {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	op := &pendingOp{
		seq:   c.seq,
		name:  name,
		match: match,
		done:  make(chan Event, 1),
	}
	c.pending = op
	slog.Debug("[BLE] armed", "op", name, "seq", op.seq, "timeout", c.opts.Timeout)
	return op
}

// disarm clears op if it is still pending. It returns false if the event
// goroutine has already claimed op, in which case a completion is in flight
// on op.done.
func (c *Client) disarm(op *pendingOp) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending != op {
		return false
	}
	c.pending = nil
	return true
}

// reject disarms op after its request could not be submitted.
func (c *Client) reject(op *pendingOp, err error) {
	c.disarm(op)
	c.lastErr = err
	slog.Warn("[BLE] request rejected", "op", op.name, "error", err)
}

// wait blocks until op completes or the timeout expires.
func (c *Client) wait(op *pendingOp) (Event, bool) {
	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()

	select {
	case ev := <-op.done:
		return ev, true
	case <-timer.C:
	}

	if !c.disarm(op) {
		// Claimed by the event goroutine just as the timer fired.
		return <-op.done, true
	}
	slog.Debug("[BLE] timed out", "op", op.name, "seq", op.seq, "timeout", c.opts.Timeout)
	return Event{}, false
}

func (c *Client) stopScan() {
	if err := c.stack.StopScan(); err != nil {
		slog.Warn("[BLE] stop scan failed", "error", err)
	}
}

func (c *Client) firstService(p Peripheral) Service {
	svcs := p.Services()
	if len(svcs) == 0 || svcs[0].UUID() != c.opts.Service {
		return nil
	}
	return svcs[0]
}

func (c *Client) firstCharacteristic(s Service) Characteristic {
	chars := s.Characteristics()
	if len(chars) == 0 || chars[0].UUID() != c.opts.Characteristic {
		return nil
	}
	return chars[0]
}
