package ble

import "fmt"

// EventKind tags an Event.
type EventKind int

const (
	EventStateChanged EventKind = iota + 1
	EventPeripheralDiscovered
	EventConnected
	EventConnectFailed
	EventDisconnected
	EventServicesDiscovered
	EventCharacteristicsDiscovered
	EventWriteCompleted
)

var eventKindNames = map[EventKind]string{
	EventStateChanged:              "state-changed",
	EventPeripheralDiscovered:      "peripheral-discovered",
	EventConnected:                 "connected",
	EventConnectFailed:             "connect-failed",
	EventDisconnected:              "disconnected",
	EventServicesDiscovered:        "services-discovered",
	EventCharacteristicsDiscovered: "characteristics-discovered",
	EventWriteCompleted:            "write-completed",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is a single asynchronous notification from the stack. Only the
// fields relevant to Kind are set.
type Event struct {
	Kind EventKind

	State          RadioState     // StateChanged
	Peripheral     Peripheral     // all but StateChanged
	Service        Service        // CharacteristicsDiscovered
	Characteristic Characteristic // WriteCompleted
	RSSI           int            // PeripheralDiscovered
	Err            error          // ConnectFailed, Disconnected, *Discovered, WriteCompleted
}

func (e Event) peripheralID() string {
	if e.Peripheral == nil {
		return ""
	}
	return e.Peripheral.ID()
}

// logAttrs renders the event for debug logging.
func (e Event) logAttrs() []any {
	attrs := []any{"event", e.Kind.String()}
	switch e.Kind {
	case EventStateChanged:
		attrs = append(attrs, "state", e.State.String())
	default:
		attrs = append(attrs, "peripheral", e.peripheralID())
	}
	if e.Kind == EventPeripheralDiscovered && e.Peripheral != nil {
		attrs = append(attrs, "name", e.Peripheral.Name(), "rssi", e.RSSI)
	}
	if e.Service != nil {
		attrs = append(attrs, "service", e.Service.UUID().String())
	}
	if e.Characteristic != nil {
		attrs = append(attrs, "characteristic", e.Characteristic.UUID().String())
	}
	if e.Err != nil {
		attrs = append(attrs, "error", e.Err)
	}
	return attrs
}
