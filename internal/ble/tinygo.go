package ble

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"tinygo.org/x/bluetooth"
)

// TinyGoPlatform implements Platform with tinygo-org/bluetooth (BlueZ on
// Linux, CoreBluetooth on macOS, WinRT on Windows). On macOS peripheral
// addresses are CoreBluetooth UUIDs rather than MAC addresses.
type TinyGoPlatform struct {
	adapter *bluetooth.Adapter

	// mu protects enabled and the links map.
	mu      sync.Mutex
	enabled bool
	links   map[string]*tinyGoLink // keyed by address
}

// NewTinyGoPlatform creates a platform on the default adapter. The adapter
// is enabled lazily by the first request.
func NewTinyGoPlatform() *TinyGoPlatform {
	return &TinyGoPlatform{
		adapter: bluetooth.DefaultAdapter,
		links:   make(map[string]*tinyGoLink),
	}
}

// Compile-time check that TinyGoPlatform implements Platform.
var _ Platform = (*TinyGoPlatform)(nil)

// enable powers on the adapter. A failure means the radio is off or we
// lack permission, and is retried on the next request.
func (p *TinyGoPlatform) enable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.enabled {
		return nil
	}
	if err := p.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: enable adapter: %v", ErrCapabilityDenied, err)
	}

	// tinygo fires this with connected=false when a peripheral drops,
	// whether we asked for it or not.
	p.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		p.mu.Lock()
		l, ok := p.links[device.Address.String()]
		p.mu.Unlock()
		if ok {
			l.emit(func(cb LinkCallbacks) { cb.OnLinkStateChanged(false) })
		}
	})
	p.enabled = true
	return nil
}

func (p *TinyGoPlatform) RequestScan(onAdvertisement func(address, name string)) (ScanHandle, error) {
	if err := p.enable(); err != nil {
		return nil, err
	}

	h := &tinyGoScan{adapter: p.adapter}
	go func() {
		err := p.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
			if h.stopped.Load() {
				// Stop raced the scan start; end it from here.
				_ = adapter.StopScan()
				return
			}
			onAdvertisement(result.Address.String(), result.LocalName())
		})
		if err != nil && !h.stopped.Load() {
			slog.Warn("[BLE] scan ended with error", "error", err)
		}
	}()
	return h, nil
}

type tinyGoScan struct {
	adapter *bluetooth.Adapter
	stopped atomic.Bool
}

func (h *tinyGoScan) Stop() error {
	if !h.stopped.CompareAndSwap(false, true) {
		return nil
	}
	return h.adapter.StopScan()
}

func (p *TinyGoPlatform) RequestConnect(address string, cb LinkCallbacks) (Link, error) {
	if err := p.enable(); err != nil {
		return nil, err
	}

	var addr bluetooth.Address
	addr.Set(address)

	l := &tinyGoLink{platform: p, address: address, cb: cb}
	p.mu.Lock()
	p.links[address] = l
	p.mu.Unlock()

	go l.connect(addr)
	return l, nil
}

type charKey struct {
	service bluetooth.UUID
	char    bluetooth.UUID
}

// hangupper ends a physical link; *bluetooth.Device satisfies it.
type hangupper interface {
	Disconnect() error
}

type tinyGoLink struct {
	platform *TinyGoPlatform
	address  string

	mu        sync.Mutex
	cb        LinkCallbacks
	device    *bluetooth.Device
	hangup    hangupper
	chars     map[charKey]*bluetooth.DeviceCharacteristic
	notifying *bluetooth.DeviceCharacteristic
	cancelled bool
	closed    bool
}

// emit delivers a callback unless the link has been closed.
func (l *tinyGoLink) emit(fn func(LinkCallbacks)) {
	l.mu.Lock()
	cb, closed := l.cb, l.closed
	l.mu.Unlock()
	if !closed {
		fn(cb)
	}
}

func (l *tinyGoLink) connect(addr bluetooth.Address) {
	device, err := l.platform.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		slog.Warn("[BLE] connect failed", "address", l.address, "error", err)
		l.emit(func(cb LinkCallbacks) { cb.OnLinkStateChanged(false) })
		return
	}

	l.mu.Lock()
	if l.cancelled {
		l.mu.Unlock()
		_ = device.Disconnect()
		return
	}
	l.device = &device
	l.hangup = &device
	l.mu.Unlock()

	l.emit(func(cb LinkCallbacks) { cb.OnLinkStateChanged(true) })
}

func (l *tinyGoLink) connected() (*bluetooth.Device, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.device == nil {
		return nil, errors.New("ble: link not established")
	}
	return l.device, nil
}

func (l *tinyGoLink) DiscoverServices() error {
	device, err := l.connected()
	if err != nil {
		return err
	}

	go func() {
		svcs, err := device.DiscoverServices(nil)
		if err != nil {
			slog.Warn("[BLE] discover services failed", "address", l.address, "error", err)
			l.emit(func(cb LinkCallbacks) { cb.OnServicesDiscovered(statusGATTFailed, nil) })
			return
		}

		chars := make(map[charKey]*bluetooth.DeviceCharacteristic)
		services := make([]Service, 0, len(svcs))
		for i := range svcs {
			dcs, err := svcs[i].DiscoverCharacteristics(nil)
			if err != nil {
				slog.Warn("[BLE] discover characteristics failed", "service", svcs[i].UUID().String(), "error", err)
				l.emit(func(cb LinkCallbacks) { cb.OnServicesDiscovered(statusGATTFailed, nil) })
				return
			}
			svc := Service{UUID: svcs[i].UUID().String()}
			for j := range dcs {
				svc.Characteristics = append(svc.Characteristics, dcs[j].UUID().String())
				chars[charKey{service: svcs[i].UUID(), char: dcs[j].UUID()}] = &dcs[j]
			}
			services = append(services, svc)
		}

		l.mu.Lock()
		l.chars = chars
		l.mu.Unlock()
		l.emit(func(cb LinkCallbacks) { cb.OnServicesDiscovered(statusSuccess, services) })
	}()
	return nil
}

func (l *tinyGoLink) characteristic(serviceUUID, charUUID string) (*bluetooth.DeviceCharacteristic, error) {
	svc, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse service UUID: %w", err)
	}
	ch, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, fmt.Errorf("ble: parse characteristic UUID: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	dc, ok := l.chars[charKey{service: svc, char: ch}]
	if !ok {
		return nil, fmt.Errorf("ble: characteristic %s not discovered", charUUID)
	}
	return dc, nil
}

func (l *tinyGoLink) EnableNotifications(serviceUUID, charUUID string) error {
	dc, err := l.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	err = dc.EnableNotifications(func(buf []byte) {
		data := bytes.Clone(buf)
		l.emit(func(cb LinkCallbacks) { cb.OnCharacteristicChanged(charUUID, data) })
	})
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.notifying = dc
	l.mu.Unlock()
	return nil
}

func (l *tinyGoLink) Write(serviceUUID, charUUID string, data []byte) error {
	dc, err := l.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	data = bytes.Clone(data)
	go func() {
		status := statusSuccess
		if _, err := dc.WriteWithoutResponse(data); err != nil {
			slog.Warn("[BLE] write failed", "address", l.address, "error", err)
			status = statusGATTFailed
		}
		l.emit(func(cb LinkCallbacks) { cb.OnCharacteristicWritten(charUUID, status) })
	}()
	return nil
}

// Disconnect requests the link be dropped and returns at once. The host
// stack can block here for seconds, so the call runs on its own goroutine
// and confirmation arrives through OnLinkStateChanged.
func (l *tinyGoLink) Disconnect() error {
	l.mu.Lock()
	hangup := l.hangup
	if hangup == nil {
		// Connect is still pending; drop the link as soon as it lands.
		l.cancelled = true
	}
	l.mu.Unlock()
	if hangup == nil {
		return nil
	}
	go func() {
		if err := hangup.Disconnect(); err != nil {
			slog.Warn("[BLE] disconnect failed", "address", l.address, "error", err)
		}
	}()
	return nil
}

func (l *tinyGoLink) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	notifying := l.notifying
	l.notifying = nil
	l.chars = nil
	l.mu.Unlock()

	if notifying != nil {
		// Best effort; not every backend supports unsubscribing.
		go func() { _ = notifying.EnableNotifications(nil) }()
	}

	p := l.platform
	p.mu.Lock()
	if p.links[l.address] == l {
		delete(p.links, l.address)
	}
	p.mu.Unlock()
}
