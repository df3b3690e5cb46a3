// Package ble is the BLE connectivity core for talking to a single UART-style
// peripheral (an ESP32 running a Nordic UART Service sketch, for example).
// It handles discovery, the connection lifecycle, and text exchange over
// one write characteristic and one notify characteristic.
package ble

import (
	"errors"
	"fmt"
)

// Nordic UART Service UUIDs. RX is written by the central, TX notifies.
const (
	ServiceUUID      = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"
	WriteCharUUID    = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"
	NotifyCharUUID   = "6E400003-B5A3-F393-E0A9-E50E24DCCA9E"
	unknownName      = "Unknown"
	statusSuccess    = 0
	statusGATTFailed = 0x85
)

var (
	// ErrCapabilityDenied is returned when the permission or radio
	// precondition for an operation is not met. The operation had no effect.
	ErrCapabilityDenied  = errors.New("ble: capability denied")
	ErrUnknownAddress    = errors.New("ble: address not in device registry")
	ErrAlreadyConnecting = errors.New("ble: connection already in progress")
	ErrServiceNotFound   = errors.New("ble: target service not found")
	ErrDiscoveryFailed   = errors.New("ble: service discovery failed")
	ErrLinkLost          = errors.New("ble: link lost")
	ErrNotReady          = errors.New("ble: connection not ready")
	ErrQueueFull         = errors.New("ble: write queue full")
	ErrClosed            = errors.New("ble: core closed")
)

// DiscoveryError carries the platform status of a failed service discovery.
type DiscoveryError struct {
	Status int
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("ble: service discovery failed with status %d", e.Status)
}

// Is reports ErrDiscoveryFailed as a match.
func (e *DiscoveryError) Is(target error) bool {
	return target == ErrDiscoveryFailed
}

// Service is a discovered GATT service and the UUIDs of its characteristics.
type Service struct {
	UUID            string
	Characteristics []string
}

// ScanHandle is a running platform scan.
type ScanHandle interface {
	// Stop ends the scan. After Stop returns the advertisement callback
	// is never invoked again.
	Stop() error
}

// LinkCallbacks is the surface the core implements for a single link.
// Implementations may deliver callbacks from any goroutine.
type LinkCallbacks interface {
	OnLinkStateChanged(connected bool)
	OnServicesDiscovered(status int, services []Service)
	OnCharacteristicChanged(charUUID string, data []byte)
	OnCharacteristicWritten(charUUID string, status int)
}

// Link is a (possibly not yet established) connection to a peripheral.
type Link interface {
	// DiscoverServices starts discovery. The result arrives through
	// OnServicesDiscovered.
	DiscoverServices() error
	// EnableNotifications subscribes to a characteristic. Values arrive
	// through OnCharacteristicChanged.
	EnableNotifications(serviceUUID, charUUID string) error
	// Write starts a characteristic write. Completion arrives through
	// OnCharacteristicWritten.
	Write(serviceUUID, charUUID string, data []byte) error
	// Disconnect requests link teardown. Confirmation arrives through
	// OnLinkStateChanged(false).
	Disconnect() error
	// Close releases the callback registration.
	Close()
}

// Platform abstracts the BLE radio for testing.
type Platform interface {
	// RequestScan starts discovering peripherals. onAdvertisement is called
	// for every advertisement seen until the handle is stopped.
	RequestScan(onAdvertisement func(address, name string)) (ScanHandle, error)
	// RequestConnect starts connecting to address. Link state is reported
	// to cb.
	RequestConnect(address string, cb LinkCallbacks) (Link, error)
}
