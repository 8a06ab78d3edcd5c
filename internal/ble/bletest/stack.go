// Package bletest provides a scripted, in-memory ble.Stack for tests.
//
// Like a platform stack, it answers requests asynchronously: every outcome is
// delivered as an event on a single dispatcher goroutine, after a
// configurable latency. Behaviors can make a request fail, be rejected
// outright, or never be answered at all.
package bletest

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/nottictl/internal/ble"
)

// Op names a stack request.
type Op int

const (
	OpScan Op = iota
	OpStopScan
	OpConnect
	OpCancelConnection
	OpDiscoverServices
	OpDiscoverCharacteristics
	OpWrite
)

// Behavior scripts how the stack answers one kind of request.
type Behavior struct {
	Latency      time.Duration // delay before the outcome event is delivered
	Silent       bool          // never deliver an outcome event
	Err          error         // error carried by the outcome event
	Reject       error         // error returned synchronously by the request
	IgnoreFilter bool          // discovery reports every offered attribute
}

// Characteristic is a fake GATT characteristic.
type Characteristic struct {
	uuid ble.UUID
}

// NewCharacteristic creates a characteristic with the given UUID.
func NewCharacteristic(uuid ble.UUID) *Characteristic {
	return &Characteristic{uuid: uuid}
}

func (c *Characteristic) UUID() ble.UUID { return c.uuid }

// Service is a fake GATT service. Its characteristics become visible once
// discovered.
type Service struct {
	uuid    ble.UUID
	offered []*Characteristic

	mu    sync.Mutex
	known []ble.Characteristic
}

// NewService creates a service offering chars for discovery.
func NewService(uuid ble.UUID, chars ...*Characteristic) *Service {
	return &Service{uuid: uuid, offered: chars}
}

func (s *Service) UUID() ble.UUID { return s.uuid }

func (s *Service) Characteristics() []ble.Characteristic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ble.Characteristic(nil), s.known...)
}

// MarkDiscovered makes all offered characteristics visible immediately.
func (s *Service) MarkDiscovered() {
	s.discover(nil)
}

func (s *Service) discover(filter []ble.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.known = s.known[:0]
	for _, c := range s.offered {
		if matches(filter, c.uuid) {
			s.known = append(s.known, c)
		}
	}
}

// Peripheral is a fake remote device. Its services become visible once
// discovered.
type Peripheral struct {
	id      string
	name    string
	offered []*Service

	connected atomic.Bool

	mu    sync.Mutex
	known []ble.Service
}

// NewPeripheral creates a peripheral offering services for discovery.
func NewPeripheral(id, name string, services ...*Service) *Peripheral {
	return &Peripheral{id: id, name: name, offered: services}
}

func (p *Peripheral) ID() string          { return p.id }
func (p *Peripheral) Name() string        { return p.name }
func (p *Peripheral) Connected() bool     { return p.connected.Load() }
func (p *Peripheral) SetConnected(v bool) { p.connected.Store(v) }

func (p *Peripheral) Services() []ble.Service {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ble.Service(nil), p.known...)
}

// MarkDiscovered makes all offered services and their characteristics
// visible immediately.
func (p *Peripheral) MarkDiscovered() {
	p.discover(nil)
	for _, s := range p.offered {
		s.MarkDiscovered()
	}
}

func (p *Peripheral) discover(filter []ble.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.known = p.known[:0]
	for _, s := range p.offered {
		if matches(filter, s.uuid) {
			p.known = append(p.known, s)
		}
	}
}

func matches(filter []ble.UUID, uuid ble.UUID) bool {
	if len(filter) == 0 {
		return true
	}
	for _, f := range filter {
		if f == uuid {
			return true
		}
	}
	return false
}

// Stack is a scripted ble.Stack.
type Stack struct {
	queue chan func()
	done  chan struct{}
	once  sync.Once

	mu          sync.Mutex
	handler     func(ble.Event)
	state       ble.RadioState
	advertising []*Peripheral
	connected   []*Peripheral
	scanning    bool
	behaviors   map[Op]Behavior
	calls       map[Op]int
	writes      [][]byte
}

// NewStack creates a stack in the given radio state and starts its
// dispatcher. Call Close when done.
func NewStack(state ble.RadioState) *Stack {
	s := &Stack{
		queue:     make(chan func(), 64),
		done:      make(chan struct{}),
		state:     state,
		behaviors: make(map[Op]Behavior),
		calls:     make(map[Op]int),
	}
	go s.dispatch()
	return s
}

// Close stops the dispatcher. Pending events are discarded.
func (s *Stack) Close() {
	s.once.Do(func() { close(s.done) })
}

// SetBehavior scripts the answer to op.
func (s *Stack) SetBehavior(op Op, b Behavior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behaviors[op] = b
}

// Advertise makes p visible to scans, discovered after latency.
func (s *Stack) Advertise(p *Peripheral) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advertising = append(s.advertising, p)
}

// AddConnected reports p from RetrieveConnected.
func (s *Stack) AddConnected(p *Peripheral) {
	p.SetConnected(true)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = append(s.connected, p)
}

// ChangeState switches the radio state after delay and delivers a
// StateChanged event.
func (s *Stack) ChangeState(delay time.Duration, state ble.RadioState) {
	s.later(delay, func() (ble.Event, bool) {
		s.mu.Lock()
		s.state = state
		s.mu.Unlock()
		return ble.Event{Kind: ble.EventStateChanged, State: state}, true
	})
}

// Inject delivers ev after delay, as if the platform had produced it.
func (s *Stack) Inject(delay time.Duration, ev ble.Event) {
	s.later(delay, func() (ble.Event, bool) { return ev, true })
}

// Calls returns how many times op was requested.
func (s *Stack) Calls(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Writes returns the payloads of all write requests, in order.
func (s *Stack) Writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.writes))
	copy(out, s.writes)
	return out
}

// Scanning reports whether a scan is active.
func (s *Stack) Scanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scanning
}

func (s *Stack) SetEventHandler(handler func(ble.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
}

func (s *Stack) State() ble.RadioState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Stack) RetrieveConnected(service ble.UUID) []ble.Peripheral {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ble.Peripheral
	for _, p := range s.connected {
		for _, svc := range p.offered {
			if svc.uuid == service && p.Connected() {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

func (s *Stack) Scan(service ble.UUID) error {
	b, err := s.record(OpScan)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.scanning {
		s.mu.Unlock()
		return errors.New("bletest: already scanning")
	}
	s.scanning = true
	advertising := append([]*Peripheral(nil), s.advertising...)
	s.mu.Unlock()

	if b.Silent {
		return nil
	}
	for _, p := range advertising {
		if !offers(p, service) {
			continue
		}
		p := p
		s.later(b.Latency, func() (ble.Event, bool) {
			if !s.Scanning() {
				return ble.Event{}, false
			}
			return ble.Event{Kind: ble.EventPeripheralDiscovered, Peripheral: p, RSSI: -50}, true
		})
	}
	return nil
}

func (s *Stack) StopScan() error {
	if _, err := s.record(OpStopScan); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanning = false
	return nil
}

func (s *Stack) Connect(p ble.Peripheral) error {
	b, err := s.record(OpConnect)
	if err != nil {
		return err
	}
	fp := p.(*Peripheral)
	s.answer(b, func() ble.Event {
		if b.Err != nil {
			return ble.Event{Kind: ble.EventConnectFailed, Peripheral: fp, Err: b.Err}
		}
		fp.SetConnected(true)
		return ble.Event{Kind: ble.EventConnected, Peripheral: fp}
	})
	return nil
}

func (s *Stack) CancelConnection(p ble.Peripheral) error {
	b, err := s.record(OpCancelConnection)
	if err != nil {
		return err
	}
	fp := p.(*Peripheral)
	s.answer(b, func() ble.Event {
		fp.SetConnected(false)
		return ble.Event{Kind: ble.EventDisconnected, Peripheral: fp, Err: b.Err}
	})
	return nil
}

func (s *Stack) DiscoverServices(p ble.Peripheral, filter []ble.UUID) error {
	b, err := s.record(OpDiscoverServices)
	if err != nil {
		return err
	}
	fp := p.(*Peripheral)
	if b.IgnoreFilter {
		filter = nil
	}
	s.answer(b, func() ble.Event {
		if b.Err == nil {
			fp.discover(filter)
		}
		return ble.Event{Kind: ble.EventServicesDiscovered, Peripheral: fp, Err: b.Err}
	})
	return nil
}

func (s *Stack) DiscoverCharacteristics(p ble.Peripheral, svc ble.Service, filter []ble.UUID) error {
	b, err := s.record(OpDiscoverCharacteristics)
	if err != nil {
		return err
	}
	fs := svc.(*Service)
	if b.IgnoreFilter {
		filter = nil
	}
	s.answer(b, func() ble.Event {
		if b.Err == nil {
			fs.discover(filter)
		}
		return ble.Event{Kind: ble.EventCharacteristicsDiscovered, Peripheral: p, Service: fs, Err: b.Err}
	})
	return nil
}

func (s *Stack) WriteValue(p ble.Peripheral, c ble.Characteristic, data []byte, _ ble.WriteType) error {
	b, err := s.record(OpWrite)
	if err != nil {
		return err
	}
	buf := append([]byte(nil), data...)
	s.mu.Lock()
	s.writes = append(s.writes, buf)
	s.mu.Unlock()
	s.answer(b, func() ble.Event {
		return ble.Event{Kind: ble.EventWriteCompleted, Peripheral: p, Characteristic: c, Err: b.Err}
	})
	return nil
}

// Compile-time check that Stack implements ble.Stack.
var _ ble.Stack = (*Stack)(nil)

func offers(p *Peripheral, service ble.UUID) bool {
	for _, s := range p.offered {
		if s.uuid == service {
			return true
		}
	}
	return false
}

// record counts a request and returns its behavior, or the scripted
// rejection.
func (s *Stack) record(op Op) (Behavior, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[op]++
	b := s.behaviors[op]
	return b, b.Reject
}

func (s *Stack) answer(b Behavior, outcome func() ble.Event) {
	if b.Silent {
		return
	}
	s.later(b.Latency, func() (ble.Event, bool) { return outcome(), true })
}

// later runs produce on the dispatcher after delay and delivers its event.
func (s *Stack) later(delay time.Duration, produce func() (ble.Event, bool)) {
	time.AfterFunc(delay, func() {
		select {
		case s.queue <- func() {
			ev, ok := produce()
			if !ok {
				return
			}
			s.mu.Lock()
			h := s.handler
			s.mu.Unlock()
			if h != nil {
				h(ev)
			}
		}:
		case <-s.done:
		}
	})
}

func (s *Stack) dispatch() {
	for {
		select {
		case fn := <-s.queue:
			fn()
		case <-s.done:
			return
		}
	}
}
