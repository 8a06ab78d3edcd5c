//go:build !linux

package ble

import "context"

// enabledRadio assumes the radio is on once the adapter is enabled; on
// macOS and Windows tinygo-org/bluetooth only returns from Enable when it is.
type enabledRadio struct{}

func newRadioMonitor(string) radioMonitor {
	return enabledRadio{}
}

func (enabledRadio) watch(ctx context.Context, notify func(RadioState)) error {
	notify(StatePoweredOn)
	<-ctx.Done()
	return nil
}
