package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"tinygo.org/x/bluetooth"
)

// TinygoOptions configures a TinygoStack.
type TinygoOptions struct {
	AdapterID string // BlueZ adapter watched for power state on Linux (default hci0)
	QueueSize int    // event buffer between request goroutines and the dispatcher
}

// TinygoStack implements Stack on top of tinygo-org/bluetooth. The library's
// calls block, so each request runs on its own goroutine and posts its
// outcome as an event; a single dispatcher goroutine delivers events in order.
type TinygoStack struct {
	adapter *bluetooth.Adapter
	radio   radioMonitor

	events chan Event
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	mu          sync.Mutex
	handler     func(Event)
	state       RadioState
	peripherals map[string]*tinygoPeripheral // keyed by upper-cased ID
	scanning    bool
	stopScan    bool
}

// NewTinygoStack creates a stack on the default host adapter. Call Start
// before issuing requests.
func NewTinygoStack(opts TinygoOptions) *TinygoStack {
	if opts.AdapterID == "" {
		opts.AdapterID = "hci0"
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	return &TinygoStack{
		adapter:     bluetooth.DefaultAdapter,
		radio:       newRadioMonitor(opts.AdapterID),
		events:      make(chan Event, opts.QueueSize),
		peripherals: make(map[string]*tinygoPeripheral),
	}
}

// Start enables the adapter in the background and begins delivering events.
// The first StateChanged event reports the radio state once known.
func (s *TinygoStack) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.group, ctx = errgroup.WithContext(s.ctx)

	s.group.Go(func() error {
		for {
			select {
			case ev := <-s.events:
				s.mu.Lock()
				h := s.handler
				s.mu.Unlock()
				if h != nil {
					h(ev)
				}
			case <-ctx.Done():
				return nil
			}
		}
	})

	s.group.Go(func() error {
		if err := s.adapter.Enable(); err != nil {
			slog.Error("[BLE] enable adapter", "error", err)
			s.setState(StatePoweredOff)
			return nil
		}
		s.adapter.SetConnectHandler(s.onConnectionChange)
		if err := s.radio.watch(ctx, s.setState); err != nil {
			slog.Warn("[BLE] radio state unavailable", "error", err)
		}
		return nil
	})
}

// Close stops event delivery and any scan in progress.
func (s *TinygoStack) Close() error {
	if s.cancel == nil {
		return nil
	}
	_ = s.StopScan()
	s.cancel()
	return s.group.Wait()
}

func (s *TinygoStack) SetEventHandler(handler func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

func (s *TinygoStack) State() RadioState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RetrieveConnected only knows about connections made by this process;
// tinygo-org/bluetooth cannot enumerate system-wide connections.
func (s *TinygoStack) RetrieveConnected(service UUID) []Peripheral {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Peripheral
	for _, p := range s.peripherals {
		if p.Connected() && p.hasService(service) {
			out = append(out, p)
		}
	}
	return out
}

func (s *TinygoStack) Scan(service UUID) error {
	s.mu.Lock()
	if s.scanning {
		s.mu.Unlock()
		return errors.New("ble: already scanning")
	}
	s.scanning = true
	s.stopScan = false
	s.mu.Unlock()

	go func() {
		err := s.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			s.mu.Lock()
			stop := s.stopScan
			s.mu.Unlock()
			if stop {
				// StopScan raced with the start of the scan.
				_ = adapter.StopScan()
				return
			}
			if !result.HasServiceUUID(service) {
				return
			}
			p := s.peripheral(result.Address, result.LocalName())
			s.post(Event{Kind: EventPeripheralDiscovered, Peripheral: p, RSSI: int(result.RSSI)})
		})
		s.mu.Lock()
		s.scanning = false
		s.mu.Unlock()
		if err != nil {
			slog.Warn("[BLE] scan ended", "error", err)
		}
	}()
	return nil
}

func (s *TinygoStack) StopScan() error {
	s.mu.Lock()
	if !s.scanning || s.stopScan {
		s.mu.Unlock()
		return nil
	}
	s.stopScan = true
	s.mu.Unlock()

	if err := s.adapter.StopScan(); err != nil {
		// The scan callback will stop it once the scan is running.
		slog.Debug("[BLE] stop scan deferred", "error", err)
	}
	return nil
}

func (s *TinygoStack) Connect(p Peripheral) error {
	tp, err := s.own(p)
	if err != nil {
		return err
	}
	go func() {
		device, err := s.adapter.Connect(tp.addr, bluetooth.ConnectionParams{})
		if err != nil {
			s.post(Event{Kind: EventConnectFailed, Peripheral: tp, Err: err})
			return
		}
		tp.setDevice(&device)
		tp.connected.Store(true)
		s.post(Event{Kind: EventConnected, Peripheral: tp})
	}()
	return nil
}

func (s *TinygoStack) CancelConnection(p Peripheral) error {
	tp, err := s.own(p)
	if err != nil {
		return err
	}
	device := tp.getDevice()
	if device == nil {
		return fmt.Errorf("ble: %s is not connected", tp.id)
	}
	go func() {
		if err := device.Disconnect(); err != nil {
			s.post(Event{Kind: EventDisconnected, Peripheral: tp, Err: err})
			return
		}
		// The connect handler may have reported it already.
		if tp.connected.CompareAndSwap(true, false) {
			s.post(Event{Kind: EventDisconnected, Peripheral: tp})
		}
	}()
	return nil
}

func (s *TinygoStack) DiscoverServices(p Peripheral, filter []UUID) error {
	tp, err := s.own(p)
	if err != nil {
		return err
	}
	device := tp.getDevice()
	if device == nil {
		return fmt.Errorf("ble: %s is not connected", tp.id)
	}
	go func() {
		svcs, err := device.DiscoverServices(filter)
		if err == nil {
			tp.setServices(svcs)
		}
		s.post(Event{Kind: EventServicesDiscovered, Peripheral: tp, Err: err})
	}()
	return nil
}

func (s *TinygoStack) DiscoverCharacteristics(p Peripheral, svc Service, filter []UUID) error {
	tp, err := s.own(p)
	if err != nil {
		return err
	}
	ts, ok := svc.(*tinygoService)
	if !ok {
		return fmt.Errorf("ble: service %s was not discovered by this stack", svc.UUID())
	}
	go func() {
		chars, err := ts.svc.DiscoverCharacteristics(filter)
		if err == nil {
			ts.setCharacteristics(chars)
		}
		s.post(Event{Kind: EventCharacteristicsDiscovered, Peripheral: tp, Service: ts, Err: err})
	}()
	return nil
}

func (s *TinygoStack) WriteValue(p Peripheral, c Characteristic, data []byte, typ WriteType) error {
	tp, err := s.own(p)
	if err != nil {
		return err
	}
	tc, ok := c.(*tinygoCharacteristic)
	if !ok {
		return fmt.Errorf("ble: characteristic %s was not discovered by this stack", c.UUID())
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	go func() {
		err := writeCharacteristic(tc.char, buf, typ)
		s.post(Event{Kind: EventWriteCompleted, Peripheral: tp, Characteristic: tc, Err: err})
	}()
	return nil
}

// Compile-time check that TinygoStack implements Stack.
var _ Stack = (*TinygoStack)(nil)

func (s *TinygoStack) post(ev Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *TinygoStack) setState(state RadioState) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()
	if changed {
		s.post(Event{Kind: EventStateChanged, State: state})
	}
}

// onConnectionChange is the adapter-level handler. Only disconnections are
// reported from here; connections are reported when Connect returns.
func (s *TinygoStack) onConnectionChange(device bluetooth.Device, connected bool) {
	if connected {
		return
	}
	s.mu.Lock()
	tp, ok := s.peripherals[normalizeID(device.Address.String())]
	s.mu.Unlock()
	if ok && tp.connected.CompareAndSwap(true, false) {
		s.post(Event{Kind: EventDisconnected, Peripheral: tp})
	}
}

func (s *TinygoStack) peripheral(addr bluetooth.Address, name string) *tinygoPeripheral {
	id := addr.String()
	key := normalizeID(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peripherals[key]
	if !ok {
		p = &tinygoPeripheral{addr: addr, id: id}
		s.peripherals[key] = p
	}
	if name != "" {
		p.setName(name)
	}
	return p
}

func (s *TinygoStack) own(p Peripheral) (*tinygoPeripheral, error) {
	tp, ok := p.(*tinygoPeripheral)
	if !ok {
		return nil, fmt.Errorf("ble: peripheral %s was not discovered by this stack", p.ID())
	}
	return tp, nil
}

type tinygoPeripheral struct {
	addr      bluetooth.Address
	id        string
	connected atomic.Bool

	mu       sync.Mutex
	name     string
	device   *bluetooth.Device
	services []*tinygoService
}

func (p *tinygoPeripheral) ID() string      { return p.id }
func (p *tinygoPeripheral) Connected() bool { return p.connected.Load() }

func (p *tinygoPeripheral) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

func (p *tinygoPeripheral) Services() []Service {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Service, len(p.services))
	for i, s := range p.services {
		out[i] = s
	}
	return out
}

func (p *tinygoPeripheral) String() string {
	return fmt.Sprintf("%s (%s)", p.id, p.Name())
}

func (p *tinygoPeripheral) setName(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.name = name
}

func (p *tinygoPeripheral) setDevice(d *bluetooth.Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.device = d
}

func (p *tinygoPeripheral) getDevice() *bluetooth.Device {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.device
}

// setServices replaces the discovered services. Services discovered before
// keep their characteristics.
func (p *tinygoPeripheral) setServices(svcs []bluetooth.DeviceService) {
	p.mu.Lock()
	defer p.mu.Unlock()
	known := make(map[UUID]*tinygoService, len(p.services))
	for _, s := range p.services {
		known[s.UUID()] = s
	}
	p.services = p.services[:0]
	for _, svc := range svcs {
		if s, ok := known[svc.UUID()]; ok {
			p.services = append(p.services, s)
			continue
		}
		p.services = append(p.services, &tinygoService{svc: svc})
	}
}

func (p *tinygoPeripheral) hasService(uuid UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.services {
		if s.UUID() == uuid {
			return true
		}
	}
	return false
}

type tinygoService struct {
	svc bluetooth.DeviceService

	mu    sync.Mutex
	chars []Characteristic
}

func (s *tinygoService) UUID() UUID { return s.svc.UUID() }

func (s *tinygoService) Characteristics() []Characteristic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Characteristic(nil), s.chars...)
}

func (s *tinygoService) setCharacteristics(chars []bluetooth.DeviceCharacteristic) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chars = s.chars[:0]
	for i := range chars {
		s.chars = append(s.chars, &tinygoCharacteristic{char: &chars[i]})
	}
}

type tinygoCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *tinygoCharacteristic) UUID() UUID { return c.char.UUID() }

// radioMonitor reports the host radio power state until ctx is done.
type radioMonitor interface {
	watch(ctx context.Context, notify func(RadioState)) error
}
