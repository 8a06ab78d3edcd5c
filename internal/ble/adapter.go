// Package ble drives a single BLE color light through a callback-driven
// platform stack. The platform delivers its results as events; Client turns
// each request/event pair into one blocking, timeout-bounded call.
package ble

import (
	"fmt"
	"strconv"
	"strings"

	"tinygo.org/x/bluetooth"
)

// UUID is a 16- or 128-bit BLE attribute identifier.
type UUID = bluetooth.UUID

// Notti color light GATT identifiers.
var (
	ColorServiceUUID  = bluetooth.New16BitUUID(0xFFF0)
	ColorReceiverUUID = bluetooth.New16BitUUID(0xFFF3)
)

// DefaultPeripheralID identifies the light this tool was built for.
const DefaultPeripheralID = "3587105E-2D8C-4B57-8985-BD534EB44640"

// RadioState mirrors the host radio states reported by the platform.
type RadioState int

const (
	StateUnknown RadioState = iota
	StateResetting
	StateUnsupported
	StateUnauthorized
	StatePoweredOff
	StatePoweredOn
)

func (s RadioState) String() string {
	switch s {
	case StateResetting:
		return "resetting"
	case StateUnsupported:
		return "unsupported"
	case StateUnauthorized:
		return "unauthorized"
	case StatePoweredOff:
		return "powered off"
	case StatePoweredOn:
		return "powered on"
	default:
		return "unknown"
	}
}

// WriteType selects acknowledged or unacknowledged GATT writes.
type WriteType int

const (
	WithResponse WriteType = iota
	WithoutResponse
)

// Characteristic is a discovered GATT characteristic.
type Characteristic interface {
	UUID() UUID
}

// Service is a discovered GATT service. Characteristics returns what has been
// discovered so far, in discovery order.
type Service interface {
	UUID() UUID
	Characteristics() []Characteristic
}

// Peripheral is a remote device known to the stack.
type Peripheral interface {
	// ID is the platform identifier: a CoreBluetooth UUID on macOS, a MAC
	// address elsewhere.
	ID() string
	Name() string
	Connected() bool
	// Services returns what has been discovered so far, in discovery order.
	Services() []Service
}

// Stack is the platform BLE central. Request methods only report whether the
// request could be submitted; outcomes arrive later as events. Events are
// delivered one at a time on a single goroutine owned by the stack.
type Stack interface {
	// SetEventHandler installs the receiver for all events.
	SetEventHandler(handler func(Event))
	// State returns the current radio state.
	State() RadioState
	// RetrieveConnected lists peripherals already connected to the host that
	// expose the given service.
	RetrieveConnected(service UUID) []Peripheral
	// Scan starts discovery of peripherals advertising service.
	Scan(service UUID) error
	// StopScan ends a scan started by Scan. It is safe to call when idle.
	StopScan() error
	Connect(p Peripheral) error
	CancelConnection(p Peripheral) error
	DiscoverServices(p Peripheral, filter []UUID) error
	DiscoverCharacteristics(p Peripheral, s Service, filter []UUID) error
	WriteValue(p Peripheral, c Characteristic, data []byte, typ WriteType) error
}

// SameID reports whether two platform identifiers name the same peripheral.
func SameID(a, b string) bool {
	return strings.EqualFold(a, b)
}

func normalizeID(id string) string {
	return strings.ToUpper(id)
}

// ParseUUID accepts either a 16-bit short form ("fff0", "0xFFF0") or a full
// 128-bit UUID string.
func ParseUUID(s string) (UUID, error) {
	short := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(short) == 4 {
		v, err := strconv.ParseUint(short, 16, 16)
		if err != nil {
			return UUID{}, fmt.Errorf("ble: invalid 16-bit UUID %q: %w", s, err)
		}
		return bluetooth.New16BitUUID(uint16(v)), nil
	}
	u, err := bluetooth.ParseUUID(s)
	if err != nil {
		return UUID{}, fmt.Errorf("ble: invalid UUID %q: %w", s, err)
	}
	return u, nil
}
