package ble_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/nottictl/internal/ble"
	"github.com/chaz8081/nottictl/internal/ble/bletest"
)

const (
	testTimeout = 100 * time.Millisecond
	testLatency = 10 * time.Millisecond
	// early is the upper bound for calls answered before the timeout.
	early = testTimeout * 3 / 4
	// overrun is how far past the timeout a failed call may return.
	overrun = 300 * time.Millisecond

	targetID = "3587105E-2D8C-4B57-8985-BD534EB44640"
	decoyID  = "B1C06DCE-8935-4E0D-8AED-8432F2DBC73C"
)

func newNotti(id string) *bletest.Peripheral {
	return bletest.NewPeripheral(id, "notti",
		bletest.NewService(ble.ColorServiceUUID,
			bletest.NewCharacteristic(ble.ColorReceiverUUID)))
}

func newTestClient(t *testing.T, state ble.RadioState) (*ble.Client, *bletest.Stack) {
	t.Helper()
	stack := bletest.NewStack(state)
	t.Cleanup(stack.Close)
	opts := ble.DefaultClientOptions()
	opts.PeripheralID = targetID
	opts.Timeout = testTimeout
	return ble.NewClient(stack, opts), stack
}

func assertEarly(t *testing.T, start time.Time) {
	t.Helper()
	if elapsed := time.Since(start); elapsed >= early {
		t.Errorf("call took %v, want < %v", elapsed, early)
	}
}

func assertTimedOut(t *testing.T, start time.Time) {
	t.Helper()
	elapsed := time.Since(start)
	if elapsed < testTimeout {
		t.Errorf("call returned after %v, before the %v timeout", elapsed, testTimeout)
	}
	if elapsed > testTimeout+overrun {
		t.Errorf("call returned after %v, want <= %v", elapsed, testTimeout+overrun)
	}
}

func TestNewClientFillsDefaults(t *testing.T) {
	stack := bletest.NewStack(ble.StatePoweredOn)
	t.Cleanup(stack.Close)

	got := ble.NewClient(stack, ble.ClientOptions{Timeout: testTimeout}).Options()
	want := ble.DefaultClientOptions()
	want.Timeout = testTimeout
	if got != want {
		t.Errorf("Options() = %+v, want %+v", got, want)
	}
}

func TestAwaitPoweredOnAlreadyOn(t *testing.T) {
	client, _ := newTestClient(t, ble.StatePoweredOn)

	start := time.Now()
	if !client.AwaitPoweredOn() {
		t.Fatal("AwaitPoweredOn() = false, want true")
	}
	assertEarly(t, start)
}

func TestAwaitPoweredOnAfterStateChange(t *testing.T) {
	client, stack := newTestClient(t, ble.StateUnknown)
	stack.ChangeState(testLatency, ble.StatePoweredOn)

	start := time.Now()
	if !client.AwaitPoweredOn() {
		t.Fatal("AwaitPoweredOn() = false, want true")
	}
	assertEarly(t, start)
}

func TestAwaitPoweredOnChecksStateAfterEvent(t *testing.T) {
	client, stack := newTestClient(t, ble.StateUnknown)
	stack.ChangeState(testLatency, ble.StatePoweredOff)

	start := time.Now()
	if client.AwaitPoweredOn() {
		t.Fatal("AwaitPoweredOn() = true for a powered-off radio")
	}
	assertEarly(t, start)
	if client.LastError() == nil {
		t.Error("LastError() = nil, want radio state error")
	}
}

func TestAwaitPoweredOnTimeout(t *testing.T) {
	client, _ := newTestClient(t, ble.StateUnknown)

	start := time.Now()
	if client.AwaitPoweredOn() {
		t.Fatal("AwaitPoweredOn() = true, want false")
	}
	assertTimedOut(t, start)
}

func TestFindPeripheralRetrievesConnected(t *testing.T) {
	client, stack := newTestClient(t, ble.StatePoweredOn)
	notti := newNotti(targetID)
	stack.AddConnected(notti)

	p := client.FindPeripheral()
	if p != notti {
		t.Fatalf("FindPeripheral() = %v, want the connected notti", p)
	}
	if n := stack.Calls(bletest.OpScan); n != 0 {
		t.Errorf("Scan called %d times, want 0", n)
	}
}

func TestFindPeripheralIgnoresOtherConnected(t *testing.T) {
	client, stack := newTestClient(t, ble.StatePoweredOn)
	stack.AddConnected(newNotti(decoyID))
	notti := newNotti(targetID)
	stack.Advertise(notti)
	stack.SetBehavior(bletest.OpScan, bletest.Behavior{Latency: testLatency})

	if p := client.FindPeripheral(); p != notti {
		t.Fatalf("FindPeripheral() = %v, want the advertising notti", p)
	}
	if n := stack.Calls(bletest.OpScan); n != 1 {
		t.Errorf("Scan called %d times, want 1", n)
	}
}

func TestFindPeripheralScansForTarget(t *testing.T) {
	client, stack := newTestClient(t, ble.StatePoweredOn)
	stack.Advertise(newNotti(decoyID))
	notti := newNotti(targetID)
	stack.Advertise(notti)
	stack.SetBehavior(bletest.OpScan, bletest.Behavior{Latency: testLatency})

	start := time.Now()
	p := client.FindPeripheral()
	if p != notti {
		t.Fatalf("FindPeripheral() = %v, want notti %s", p, targetID)
	}
	assertEarly(t, start)
	if n := stack.Calls(bletest.OpStopScan); n != 1 {
		t.Errorf("StopScan called %d times, want 1", n)
	}
	if stack.Scanning() {
		t.Error("scan still active after FindPeripheral returned")
	}
}

func TestFindPeripheralMatchesIDCaseInsensitively(t *testing.T) {
	client, stack := newTestClient(t, ble.StatePoweredOn)
	notti := newNotti("3587105e-2d8c-4b57-8985-bd534eb44640")
	stack.Advertise(notti)

	if p := client.FindPeripheral(); p != notti {
		t.Fatalf("FindPeripheral() = %v, want lower-cased notti", p)
	}
}

func TestFindPeripheralTimeoutStopsScan(t *testing.T) {
	client, stack := newTestClient(t, ble.StatePoweredOn)
	stack.Advertise(newNotti(decoyID))

	start := time.Now()
	if p := client.FindPeripheral(); p != nil {
		t.Fatalf("FindPeripheral() = %v, want nil", p)
	}
	assertTimedOut(t, start)
	if n := stack.Calls(bletest.OpStopScan); n != 1 {
		t.Errorf("StopScan called %d times, want 1", n)
	}
	for _, op := range []bletest.Op{bletest.OpConnect, bletest.OpDiscoverServices, bletest.OpWrite} {
		if n := stack.Calls(op); n != 0 {
			t.Errorf("op %d called %d times, want 0", op, n)
		}
	}
}

func TestFindPeripheralScanRejected(t *testing.T) {
	client, stack := newTestClient(t, ble.StatePoweredOn)
	stack.SetBehavior(bletest.OpScan, bletest.Behavior{Reject: errors.New("radio busy")})

	start := time.Now()
	if p := client.FindPeripheral(); p != nil {
		t.Fatalf("FindPeripheral() = %v, want nil", p)
	}
	assertEarly(t, start)
	if client.LastError() == nil {
		t.Error("LastError() = nil, want scan rejection")
	}
}

func TestConnectAlreadyConnected(t *testing.T) {
	client, stack := newTestClient(t, ble.StatePoweredOn)
	notti := newNotti(targetID)
	notti.SetConnected(true)

	if !client.Connect(notti) {
		t.Fatal("Connect() = false, want true")
	}
	if n := stack.Calls(bletest.OpConnect); n != 0 {
		t.Errorf("Connect requested %d times, want 0", n)
	}
}

func TestConnect(t *testing.T) {
	client, stack := newTestClient(t, ble.StatePoweredOn)
	stack.SetBehavior(bletest.OpConnect, bletest.Behavior{Latency: testLatency})
	notti := newNotti(targetID)

	start := time.Now()
	if !client.Connect(notti) {
		t.Fatal("Connect() = false, want true")
	}
	assertEarly(t, start)
	if !notti.Connected() {
		t.Error("peripheral not connected after Connect()")
	}
}

func TestConnectFailureWakesEarly(t *testing.T) {
	client, stack := newTestClient(t, ble.StatePoweredOn)
	connErr := errors.New("peer removed pairing information")
	stack.SetBehavior(bletest.OpConnect, bletest.Behavior{Latency: testLatency, Err: connErr})

	start := time.Now()
	if client.Connect(newNotti(targetID)) {
		t.Fatal("Connect() = true, want false")
	}
	assertEarly(t, start)
	if !errors.Is(client.LastError(), connErr) {
		t.Errorf("LastError() = %v, want %v", client.LastError(), connErr)
	}
}

func TestConnectTimeout(t *testing.T) {
	client, stack := newTestClient(t, ble.StatePoweredOn)
	stack.SetBehavior(bletest.OpConnect, bletest.Behavior{Silent: true})

	start := time.Now()
	if client.Connect(newNotti(targetID)) {
		t.Fatal("Connect() = true, want false")
	}
	assertTimedOut(t, start)
}

func TestDiscoverServiceCached(t *testing.T) {
	client, stack := newTestClient(t, ble.StatePoweredOn)
	notti := newNotti(targetID)
	notti.MarkDiscovered()

	if s := client.DiscoverService(notti); s == nil || s.UUID() != ble.ColorServiceUUID {
		t.Fatalf("DiscoverService() = %v, want color service", s)
	}
	if n := stack.Calls(bletest.OpDiscoverServices); n != 0 {
		t.Errorf("DiscoverServices requested %d times, want 0", n)
	}
}

func TestDiscoverService(t *testing.T) {
	client, stack := newTestClient(t, ble.StatePoweredOn)
	stack.SetBehavior(bletest.OpDiscoverServices, bletest.Behavior{Latency: testLatency})
	notti := newNotti(targetID)

	start := time.Now()
	s := client.DiscoverService(notti)
	if s == nil || s.UUID() != ble.ColorServiceUUID {
		t.Fatalf("DiscoverService() = %v, want color service", s)
	}
	assertEarly(t, start)
}

func TestDiscoverServiceMissing(t *testing.T) {
	client, stack := newTestClient(t, ble.StatePoweredOn)
	stack.SetBehavior(bletest.OpDiscoverServices, bletest.Behavior{Latency: testLatency})
	other := bletest.NewPeripheral(targetID, "notti", bletest.NewService(ble.ColorReceiverUUID))

	start := time.Now()
	if s := client.DiscoverService(other); s != nil {
		t.Fatalf("DiscoverService() = %v, want nil", s)
	}
	assertEarly(t, start)
}

func TestDiscoverServiceOtherServiceFirst(t *testing.T) {
	client, stack := newTestClient(t, ble.StatePoweredOn)
	stack.SetBehavior(bletest.OpDiscoverServices, bletest.Behavior{Latency: testLatency, IgnoreFilter: true})
	battery := bletest.NewService(bluetooth.New16BitUUID(0x180f))
	notti := bletest.NewPeripheral(targetID, "notti", battery,
		bletest.NewService(ble.ColorServiceUUID, bletest.NewCharacteristic(ble.ColorReceiverUUID)))

	start := time.Now()
	if s := client.DiscoverService(notti); s != nil {
		t.Fatalf("DiscoverService() = %v, want nil when the color service is not first", s)
	}
	assertEarly(t, start)
	if n := len(notti.Services()); n != 2 {
		t.Errorf("peripheral reports %d services, want 2", n)
	}
}

func TestDiscoverServiceTimeout(t *testing.T) {
	client, stack := newTestClient(t, ble.StatePoweredOn)
	stack.SetBehavior(bletest.OpDiscoverServices, bletest.Behavior{Silent: true})

	start := time.Now()
	if s := client.DiscoverService(newNotti(targetID)); s != nil {
		t.Fatalf("DiscoverService() = %v, want nil", s)
	}
	assertTimedOut(t, start)
}

func TestDiscoverCharacteristic(t *testing.T) {
	client, stack := newTestClient(t, ble.StatePoweredOn)
	stack.SetBehavior(bletest.OpDiscoverCharacteristics, bletest.Behavior{Latency: testLatency})
	notti := newNotti(targetID)
	svc := client.DiscoverService(notti)
	if svc == nil {
		t.Fatal("DiscoverService() = nil")
	}

	start := time.Now()
	ch := client.DiscoverCharacteristic(notti, svc)
	if ch == nil || ch.UUID() != ble.ColorReceiverUUID {
		t.Fatalf("DiscoverCharacteristic() = %v, want color receiver", ch)
	}
	assertEarly(t, start)

	// Second lookup is served from the discovered attributes.
	if ch := client.DiscoverCharacteristic(notti, svc); ch == nil {
		t.Fatal("second DiscoverCharacteristic() = nil")
	}
	if n := stack.Calls(bletest.OpDiscoverCharacteristics); n != 1 {
		t.Errorf("DiscoverCharacteristics requested %d times, want 1", n)
	}
}

func TestDiscoverCharacteristicOtherCharacteristicFirst(t *testing.T) {
	client, stack := newTestClient(t, ble.StatePoweredOn)
	stack.SetBehavior(bletest.OpDiscoverCharacteristics, bletest.Behavior{Latency: testLatency, IgnoreFilter: true})
	notti := bletest.NewPeripheral(targetID, "notti",
		bletest.NewService(ble.ColorServiceUUID,
			bletest.NewCharacteristic(bluetooth.New16BitUUID(0xfff1)),
			bletest.NewCharacteristic(ble.ColorReceiverUUID)))
	svc := client.DiscoverService(notti)
	if svc == nil {
		t.Fatal("DiscoverService() = nil")
	}

	start := time.Now()
	if ch := client.DiscoverCharacteristic(notti, svc); ch != nil {
		t.Fatalf("DiscoverCharacteristic() = %v, want nil when the receiver is not first", ch)
	}
	assertEarly(t, start)
	if n := len(svc.Characteristics()); n != 2 {
		t.Errorf("service reports %d characteristics, want 2", n)
	}
}

func TestDiscoverCharacteristicTimeout(t *testing.T) {
	client, stack := newTestClient(t, ble.StatePoweredOn)
	stack.SetBehavior(bletest.OpDiscoverCharacteristics, bletest.Behavior{Silent: true})
	notti := newNotti(targetID)
	svc := client.DiscoverService(notti)

	start := time.Now()
	if ch := client.DiscoverCharacteristic(notti, svc); ch != nil {
		t.Fatalf("DiscoverCharacteristic() = %v, want nil", ch)
	}
	assertTimedOut(t, start)
}

func discovered(t *testing.T, client *ble.Client) (*bletest.Peripheral, ble.Characteristic) {
	t.Helper()
	notti := newNotti(targetID)
	notti.MarkDiscovered()
	svc := client.DiscoverService(notti)
	if svc == nil {
		t.Fatal("DiscoverService() = nil")
	}
	ch := client.DiscoverCharacteristic(notti, svc)
	if ch == nil {
		t.Fatal("DiscoverCharacteristic() = nil")
	}
	return notti, ch
}

func TestWrite(t *testing.T) {
	client, stack := newTestClient(t, ble.StatePoweredOn)
	stack.SetBehavior(bletest.OpWrite, bletest.Behavior{Latency: testLatency})
	notti, ch := discovered(t, client)
	payload := []byte{0x06, 0x01, 0xFF, 0x88, 0x00}

	start := time.Now()
	if !client.Write(notti, ch, payload) {
		t.Fatalf("Write() = false, LastError() = %v", client.LastError())
	}
	assertEarly(t, start)

	writes := stack.Writes()
	if len(writes) != 1 || !bytes.Equal(writes[0], payload) {
		t.Errorf("writes = %x, want [%x]", writes, payload)
	}
}

func TestWriteError(t *testing.T) {
	client, stack := newTestClient(t, ble.StatePoweredOn)
	writeErr := errors.New("write not permitted")
	stack.SetBehavior(bletest.OpWrite, bletest.Behavior{Latency: testLatency, Err: writeErr})
	notti, ch := discovered(t, client)

	if client.Write(notti, ch, []byte{0x06, 0x01, 0, 0, 0}) {
		t.Fatal("Write() = true, want false")
	}
	if !errors.Is(client.LastError(), writeErr) {
		t.Errorf("LastError() = %v, want %v", client.LastError(), writeErr)
	}
}

func TestWriteTimeout(t *testing.T) {
	client, stack := newTestClient(t, ble.StatePoweredOn)
	stack.SetBehavior(bletest.OpWrite, bletest.Behavior{Silent: true})
	notti, ch := discovered(t, client)

	start := time.Now()
	if client.Write(notti, ch, []byte{0x06, 0x01, 0, 0, 0}) {
		t.Fatal("Write() = true, want false")
	}
	assertTimedOut(t, start)
}

func TestDisconnect(t *testing.T) {
	client, stack := newTestClient(t, ble.StatePoweredOn)
	stack.SetBehavior(bletest.OpCancelConnection, bletest.Behavior{Latency: testLatency})
	notti := newNotti(targetID)
	notti.SetConnected(true)

	start := time.Now()
	if !client.Disconnect(notti) {
		t.Fatal("Disconnect() = false, want true")
	}
	assertEarly(t, start)
	if notti.Connected() {
		t.Error("peripheral still connected")
	}
}

func TestDisconnectError(t *testing.T) {
	client, stack := newTestClient(t, ble.StatePoweredOn)
	stack.SetBehavior(bletest.OpCancelConnection, bletest.Behavior{Latency: testLatency, Err: errors.New("link loss")})
	notti := newNotti(targetID)
	notti.SetConnected(true)

	if client.Disconnect(notti) {
		t.Fatal("Disconnect() = true, want false")
	}
	if client.LastError() == nil {
		t.Error("LastError() = nil, want link loss")
	}
}

func TestLateEventIgnored(t *testing.T) {
	client, stack := newTestClient(t, ble.StatePoweredOn)
	stack.SetBehavior(bletest.OpWrite, bletest.Behavior{Silent: true})
	stack.SetBehavior(bletest.OpCancelConnection, bletest.Behavior{Latency: 3 * testLatency})
	notti, ch := discovered(t, client)
	notti.SetConnected(true)

	if client.Write(notti, ch, []byte{0x06, 0x01, 0, 0, 0}) {
		t.Fatal("Write() = true, want false")
	}

	// The write completion shows up while the disconnect is pending.
	stack.Inject(testLatency, ble.Event{
		Kind:           ble.EventWriteCompleted,
		Peripheral:     notti,
		Characteristic: ch,
		Err:            errors.New("stale"),
	})
	if !client.Disconnect(notti) {
		t.Fatalf("Disconnect() = false, LastError() = %v", client.LastError())
	}
}

func TestEventFromOtherPeripheralIgnored(t *testing.T) {
	client, stack := newTestClient(t, ble.StatePoweredOn)
	stack.SetBehavior(bletest.OpConnect, bletest.Behavior{Silent: true})
	notti := newNotti(targetID)
	decoy := newNotti(decoyID)
	stack.Inject(testLatency, ble.Event{Kind: ble.EventConnected, Peripheral: decoy})

	start := time.Now()
	if client.Connect(notti) {
		t.Fatal("Connect() = true after another peripheral connected")
	}
	assertTimedOut(t, start)
}

func TestOverlappingCallRefused(t *testing.T) {
	client, stack := newTestClient(t, ble.StateUnknown)
	stack.ChangeState(testTimeout/2, ble.StatePoweredOn)

	var wg sync.WaitGroup
	wg.Add(1)
	var first bool
	go func() {
		defer wg.Done()
		first = client.AwaitPoweredOn()
	}()

	time.Sleep(testLatency)
	start := time.Now()
	if client.Connect(newNotti(targetID)) {
		t.Error("overlapping Connect() = true, want false")
	}
	assertEarly(t, start)
	if n := stack.Calls(bletest.OpConnect); n != 0 {
		t.Errorf("overlapping Connect reached the stack %d times", n)
	}

	wg.Wait()
	if !first {
		t.Error("first AwaitPoweredOn() = false, want true")
	}
}

func TestScanForDevices(t *testing.T) {
	client, stack := newTestClient(t, ble.StatePoweredOn)
	stack.Advertise(newNotti(targetID))
	stack.Advertise(newNotti(decoyID))
	stack.Advertise(bletest.NewPeripheral("AA:BB:CC:DD:EE:FF", "heart rate",
		bletest.NewService(ble.ColorReceiverUUID)))
	stack.SetBehavior(bletest.OpScan, bletest.Behavior{Latency: testLatency})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	devices, err := client.ScanForDevices(ctx)
	if err != nil {
		t.Fatalf("ScanForDevices() error = %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2: %+v", len(devices), devices)
	}
	ids := map[string]bool{}
	for _, d := range devices {
		ids[d.ID] = true
	}
	if !ids[targetID] || !ids[decoyID] {
		t.Errorf("devices = %+v, want %s and %s", devices, targetID, decoyID)
	}
	if n := stack.Calls(bletest.OpStopScan); n != 1 {
		t.Errorf("StopScan called %d times, want 1", n)
	}
}

func TestScanForDevicesRejected(t *testing.T) {
	client, stack := newTestClient(t, ble.StatePoweredOn)
	stack.SetBehavior(bletest.OpScan, bletest.Behavior{Reject: errors.New("unsupported")})

	if _, err := client.ScanForDevices(context.Background()); err == nil {
		t.Fatal("ScanForDevices() error = nil, want rejection")
	}
}
