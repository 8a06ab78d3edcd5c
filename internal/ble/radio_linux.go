package ble

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBusName      = "org.bluez"
	bluezAdapterIface = "org.bluez.Adapter1"
	propertiesIface   = "org.freedesktop.DBus.Properties"
	propertiesChanged = propertiesIface + ".PropertiesChanged"
	dbusUnknownObject = "org.freedesktop.DBus.Error.UnknownObject"
)

// bluezRadio follows org.bluez.Adapter1.Powered, which tinygo-org/bluetooth
// does not expose.
type bluezRadio struct {
	adapterID string
}

func newRadioMonitor(adapterID string) radioMonitor {
	return &bluezRadio{adapterID: adapterID}
}

func (r *bluezRadio) watch(ctx context.Context, notify func(RadioState)) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("ble: connect system bus: %w", err)
	}
	defer conn.Close()

	path := dbus.ObjectPath("/org/bluez/" + r.adapterID)
	powered, err := conn.Object(bluezBusName, path).GetProperty(bluezAdapterIface + ".Powered")
	if err != nil {
		var dbusErr dbus.Error
		if errors.As(err, &dbusErr) && dbusErr.Name == dbusUnknownObject {
			notify(StateUnsupported)
			return fmt.Errorf("ble: adapter %s does not exist", path)
		}
		return fmt.Errorf("ble: read %s.Powered: %w", bluezAdapterIface, err)
	}
	on, _ := powered.Value().(bool)
	notify(poweredState(on))

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(path),
		dbus.WithMatchInterface(propertiesIface),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return fmt.Errorf("ble: watch %s: %w", path, err)
	}

	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			if on, ok := poweredChange(sig, path); ok {
				notify(poweredState(on))
			}
		}
	}
}

// poweredChange extracts a Powered update from a PropertiesChanged signal
// emitted by the adapter at path.
func poweredChange(sig *dbus.Signal, path dbus.ObjectPath) (on bool, ok bool) {
	if sig == nil || sig.Name != propertiesChanged || sig.Path != path || len(sig.Body) < 2 {
		return false, false
	}
	if iface, _ := sig.Body[0].(string); iface != bluezAdapterIface {
		return false, false
	}
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	v, found := changed["Powered"]
	if !found {
		return false, false
	}
	on, ok = v.Value().(bool)
	return on, ok
}

func poweredState(on bool) RadioState {
	if on {
		return StatePoweredOn
	}
	return StatePoweredOff
}
