package ble

import (
	"context"
	"fmt"
)

// Device describes a peripheral seen while scanning.
type Device struct {
	ID   string
	Name string
	RSSI int
}

// ScanForDevices lists peripherals advertising the configured service until
// ctx is done. Each peripheral is reported once, with its latest RSSI.
func (c *Client) ScanForDevices(ctx context.Context) ([]Device, error) {
	release, ok := c.begin("scan")
	if !ok {
		return nil, ErrBusy
	}
	defer release()

	// devices is only touched by the match func, which runs under c.mu, and
	// read after disarm takes c.mu.
	var devices []Device
	seen := make(map[string]int)
	op := c.arm("scan", func(ev Event) bool {
		if ev.Kind != EventPeripheralDiscovered || ev.Peripheral == nil {
			return false
		}
		id := normalizeID(ev.Peripheral.ID())
		if i, ok := seen[id]; ok {
			devices[i].RSSI = ev.RSSI
			if name := ev.Peripheral.Name(); name != "" {
				devices[i].Name = name
			}
			return false
		}
		seen[id] = len(devices)
		devices = append(devices, Device{
			ID:   ev.Peripheral.ID(),
			Name: ev.Peripheral.Name(),
			RSSI: ev.RSSI,
		})
		return false
	})

	err := c.stack.Scan(c.opts.Service)
	defer c.stopScan()
	if err != nil {
		c.disarm(op)
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	<-ctx.Done()
	c.disarm(op)
	return devices, nil
}
