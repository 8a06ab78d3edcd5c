//go:build !linux

package ble

// characteristicWriter is the part of bluetooth.DeviceCharacteristic used for
// writes on macOS and Windows.
type characteristicWriter interface {
	Write(p []byte) (int, error)
	WriteWithoutResponse(p []byte) (int, error)
}

func writeCharacteristic(c characteristicWriter, data []byte, typ WriteType) error {
	var err error
	if typ == WithResponse {
		_, err = c.Write(data)
	} else {
		_, err = c.WriteWithoutResponse(data)
	}
	return err
}
