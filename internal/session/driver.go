// Package session runs the fixed GATT sequence that sets the light's color:
// power check, discovery, connection, service and characteristic discovery,
// one write, and disconnection.
package session

import (
	"fmt"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/chaz8081/nottictl/internal/ble"
)

// State is a step of the pipeline.
type State int

const (
	Start State = iota
	PowerCheck
	Discover
	Connect
	ServiceDiscover
	CharacteristicDiscover
	Write
	Disconnect
	Done
)

var stateNames = [...]string{
	Start:                  "start",
	PowerCheck:             "power check",
	Discover:               "discover",
	Connect:                "connect",
	ServiceDiscover:        "service discover",
	CharacteristicDiscover: "characteristic discover",
	Write:                  "write",
	Disconnect:             "disconnect",
	Done:                   "done",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Failure names the step that stopped the pipeline.
type Failure int

const (
	PowerOff Failure = iota + 1
	NotFound
	ConnectFailed
	ServiceNotFound
	CharacteristicNotFound
	WriteFailed
	DisconnectFailed
)

var failureInfo = map[Failure]struct{ name, action string }{
	PowerOff:               {"PowerOff", "power on"},
	NotFound:               {"NotFound", "find notti"},
	ConnectFailed:          {"ConnectFailed", "connect"},
	ServiceNotFound:        {"ServiceNotFound", "discover service"},
	CharacteristicNotFound: {"CharacteristicNotFound", "discover characteristic"},
	WriteFailed:            {"WriteFailed", "write data"},
	DisconnectFailed:       {"DisconnectFailed", "disconnect"},
}

func (f Failure) String() string {
	if info, ok := failureInfo[f]; ok {
		return info.name
	}
	return fmt.Sprintf("failure(%d)", int(f))
}

// Action describes the failed step for user-facing messages, as in
// "Failed to <action>."
func (f Failure) Action() string {
	if info, ok := failureInfo[f]; ok {
		return info.action
	}
	return "run"
}

// StepError reports the first step that failed.
type StepError struct {
	Failure Failure
	Object  string // the peripheral, service or data involved
	Err     error  // platform cause, or a description of the missing answer
}

func (e *StepError) Error() string {
	if e.Object == "" {
		return fmt.Sprintf("failed to %s: %v", e.Failure.Action(), e.Err)
	}
	return fmt.Sprintf("failed to %s (%s): %v", e.Failure.Action(), e.Object, e.Err)
}

// Cause supports github.com/pkg/errors.Cause.
func (e *StepError) Cause() error { return e.Err }

func (e *StepError) Unwrap() error { return e.Err }

// Operations are the blocking GATT calls the pipeline is built from.
// *ble.Client implements it.
type Operations interface {
	AwaitPoweredOn() bool
	FindPeripheral() ble.Peripheral
	Connect(p ble.Peripheral) bool
	DiscoverService(p ble.Peripheral) ble.Service
	DiscoverCharacteristic(p ble.Peripheral, s ble.Service) ble.Characteristic
	Write(p ble.Peripheral, c ble.Characteristic, data []byte) bool
	Disconnect(p ble.Peripheral) bool
	LastError() error
}

var _ Operations = (*ble.Client)(nil)

// Result records how far a run got and what it found.
type Result struct {
	State          State
	Peripheral     ble.Peripheral
	Service        ble.Service
	Characteristic ble.Characteristic
}

// Driver sequences Operations. Each step is attempted exactly once.
type Driver struct {
	ops Operations
}

// NewDriver creates a Driver over ops.
func NewDriver(ops Operations) *Driver {
	return &Driver{ops: ops}
}

// Run writes payload to the light. It stops at the first failing step and
// returns a *StepError naming it. Once connected, it always disconnects on
// the way out; a disconnect failure is only reported when nothing failed
// before it.
func (d *Driver) Run(payload []byte) (res *Result, err error) {
	res = &Result{State: Start}

	enter(res, PowerCheck)
	if !d.ops.AwaitPoweredOn() {
		return res, d.fail(PowerOff, "radio", "radio did not power on")
	}

	enter(res, Discover)
	p := d.ops.FindPeripheral()
	if p == nil {
		return res, d.fail(NotFound, "", "peripheral not seen")
	}
	res.Peripheral = p
	slog.Debug("[session] found peripheral", "peripheral", p.ID(), "name", p.Name())

	enter(res, Connect)
	if !d.ops.Connect(p) {
		return res, d.fail(ConnectFailed, p.ID(), "not connected")
	}

	defer func() {
		if err == nil {
			enter(res, Disconnect)
		}
		if d.ops.Disconnect(p) {
			if err == nil {
				enter(res, Done)
			}
			return
		}
		derr := d.fail(DisconnectFailed, p.ID(), "no disconnect confirmation")
		if err != nil {
			// The earlier failure is the one worth reporting.
			slog.Warn("[session] cleanup disconnect failed", "error", derr)
			return
		}
		err = derr
	}()

	enter(res, ServiceDiscover)
	svc := d.ops.DiscoverService(p)
	if svc == nil {
		return res, d.fail(ServiceNotFound, p.ID(), "service not found")
	}
	res.Service = svc
	slog.Debug("[session] discovered service", "service", svc.UUID().String())

	enter(res, CharacteristicDiscover)
	ch := d.ops.DiscoverCharacteristic(p, svc)
	if ch == nil {
		return res, d.fail(CharacteristicNotFound, svc.UUID().String(), "characteristic not found")
	}
	res.Characteristic = ch
	slog.Debug("[session] discovered characteristic", "characteristic", ch.UUID().String())

	enter(res, Write)
	slog.Debug("[session] writing", "data", fmt.Sprintf("% x", payload))
	if !d.ops.Write(p, ch, payload) {
		return res, d.fail(WriteFailed, fmt.Sprintf("% x", payload), "write not acknowledged")
	}
	return res, nil
}

func enter(res *Result, s State) {
	res.State = s
	slog.Debug("[session] step", "state", s.String())
}

// fail builds the StepError for f, preferring the platform's own error over
// the generic description.
func (d *Driver) fail(f Failure, object, missing string) *StepError {
	cause := d.ops.LastError()
	if cause == nil {
		cause = errors.New(missing)
	}
	return &StepError{Failure: f, Object: object, Err: cause}
}
