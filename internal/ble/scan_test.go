package ble

import (
	"errors"
	"testing"
	"time"
)

func TestScanDeduplicatesAdvertisements(t *testing.T) {
	p := &mockPlatform{}
	c := newTestCore(t, p, testOptions())

	if err := c.StartScan(); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	p.Advertise("AA:BB", "X")
	p.Advertise("AA:BB", "Y")
	c.flush()

	got := c.Devices()
	if len(got) != 1 || got[0] != (Peripheral{Address: "AA:BB", Name: "X"}) {
		t.Errorf("Devices() = %+v, want [{AA:BB X}]", got)
	}
}

func TestScanPublishesOnlyOnChange(t *testing.T) {
	p := &mockPlatform{}
	c := newTestCore(t, p, testOptions())
	sub := c.ObserveDevices()
	defer sub.Close()

	if err := c.StartScan(); err != nil {
		t.Fatalf("StartScan() error = %v", err)
	}
	c.flush()
	_ = drain(sub)

	p.Advertise("AA:BB", "X")
	c.flush()
	if n := len(drain(sub)); n != 1 {
		t.Fatalf("new device produced %d snapshots, want 1", n)
	}

	p.Advertise("AA:BB", "X")
	c.flush()
	if n := len(drain(sub)); n != 0 {
		t.Errorf("duplicate advertisement produced %d snapshots, want 0", n)
	}
}

func TestScanCapabilityDenied(t *testing.T) {
	p := &mockPlatform{denyScan: true}
	c := newTestCore(t, p, testOptions())

	err := c.StartScan()
	if !errors.Is(err, ErrCapabilityDenied) {
		t.Fatalf("StartScan() error = %v, want ErrCapabilityDenied", err)
	}
	if c.scanning.Value() {
		t.Error("denied scan should not be active")
	}
}

func TestScanRestartClearsRegistryAndRearms(t *testing.T) {
	p := &mockPlatform{}
	c := newTestCore(t, p, testOptions())

	_ = c.StartScan()
	p.Advertise("AA:BB", "X")
	c.flush()
	first := p.latestScan()

	if err := c.StartScan(); err != nil {
		t.Fatalf("second StartScan() error = %v", err)
	}
	if first.stopCount() != 1 {
		t.Errorf("first scan handle stopped %d times, want 1", first.stopCount())
	}
	if len(c.Devices()) != 0 {
		t.Errorf("Devices() = %+v, want empty after restart", c.Devices())
	}

	p.Advertise("CC:DD", "Z")
	c.flush()
	if got := c.Devices(); len(got) != 1 || got[0].Address != "CC:DD" {
		t.Errorf("Devices() = %+v, want [CC:DD]", got)
	}
}

func TestStopScanIsIdempotent(t *testing.T) {
	p := &mockPlatform{}
	c := newTestCore(t, p, testOptions())
	sub := c.scanning.Subscribe(8)
	defer sub.Close()

	_ = c.StartScan()
	c.StopScan()
	c.StopScan()
	c.StopScan()

	got := drain(sub)
	want := []bool{false, true, false}
	if len(got) != len(want) {
		t.Fatalf("scanning values = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("scanning values = %v, want %v", got, want)
			break
		}
	}
	if n := p.latestScan().stopCount(); n != 1 {
		t.Errorf("scan handle stopped %d times, want 1", n)
	}
}

func TestStopScanWithoutSession(t *testing.T) {
	p := &mockPlatform{}
	c := newTestCore(t, p, testOptions())
	c.StopScan()
	if p.latestScan() != nil {
		t.Error("StopScan() without a session should not touch the platform")
	}
}

func TestAdvertisementAfterStopIsDiscarded(t *testing.T) {
	p := &mockPlatform{}
	c := newTestCore(t, p, testOptions())

	_ = c.StartScan()
	c.StopScan()
	p.Advertise("AA:BB", "X")
	c.flush()

	if len(c.Devices()) != 0 {
		t.Errorf("Devices() = %+v, want empty (stale scan callback)", c.Devices())
	}
}

func TestScanWindowStopsButKeepsDevices(t *testing.T) {
	p := &mockPlatform{}
	opts := testOptions()
	opts.ScanWindow = 100 * time.Millisecond
	c := newTestCore(t, p, opts)
	sub := c.scanning.Subscribe(8)
	defer sub.Close()

	_ = c.StartScan()
	p.Advertise("AA:BB", "X")
	waitFor(t, sub, func(v bool) bool { return v })
	waitFor(t, sub, func(v bool) bool { return !v })

	if n := p.latestScan().stopCount(); n != 1 {
		t.Errorf("scan handle stopped %d times, want 1", n)
	}
	if got := c.Devices(); len(got) != 1 {
		t.Errorf("Devices() = %+v, want the device kept after timeout", got)
	}

	p.Advertise("CC:DD", "late")
	c.flush()
	if got := c.Devices(); len(got) != 1 {
		t.Errorf("Devices() = %+v, advertisement after window should be dropped", got)
	}
}

func TestRestartedWindowIgnoresOldTimer(t *testing.T) {
	p := &mockPlatform{}
	opts := testOptions()
	opts.ScanWindow = 200 * time.Millisecond
	c := newTestCore(t, p, opts)

	_ = c.StartScan()
	time.Sleep(120 * time.Millisecond)
	_ = c.StartScan()
	time.Sleep(120 * time.Millisecond)
	c.flush()

	// Past the first window but only halfway into the second.
	if !c.scanning.Value() {
		t.Error("restarted scan was stopped by the previous window's timer")
	}
}

func TestDevicesReturnsCopy(t *testing.T) {
	p := &mockPlatform{}
	c := newTestCore(t, p, testOptions())
	discovered(t, c, p, "AA:BB")

	got := c.Devices()
	got[0].Name = "mutated"

	if again := c.Devices(); again[0].Name != "ESP32" {
		t.Errorf("Devices()[0].Name = %q after caller mutation, want %q", again[0].Name, "ESP32")
	}
}
