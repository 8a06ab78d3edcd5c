package ble

// characteristicWriter is the part of bluetooth.DeviceCharacteristic used for
// writes on Linux.
type characteristicWriter interface {
	WriteWithoutResponse(p []byte) (int, error)
}

// writeCharacteristic writes data to c. The BlueZ backend of
// tinygo-org/bluetooth has no Write method: its WriteWithoutResponse calls
// GattCharacteristic1.WriteValue without a "type" option, which BlueZ sends
// as an acknowledged write request and which blocks until the peripheral
// confirms. Both write types therefore go through it.
func writeCharacteristic(c characteristicWriter, data []byte, typ WriteType) error {
	_, err := c.WriteWithoutResponse(data)
	return err
}
