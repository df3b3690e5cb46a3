package ble

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/chaz8081/bleuart/internal/ble/framing"
)

// Options configures the core.
type Options struct {
	ServiceUUID       string
	WriteCharUUID     string
	NotifyCharUUID    string
	ScanWindow        time.Duration // how long a scan runs before stopping itself
	DisconnectTimeout time.Duration // how long to wait for the platform to confirm a disconnect
	MaxWriteBytes     int           // largest single characteristic write
	QueueSize         int           // max frames waiting behind an in-flight write
	StatusBuffer      int           // per-observer buffer of connection status values
}

// DefaultOptions returns the Nordic UART profile with a 10 second scan window.
func DefaultOptions() Options {
	return Options{
		ServiceUUID:       ServiceUUID,
		WriteCharUUID:     WriteCharUUID,
		NotifyCharUUID:    NotifyCharUUID,
		ScanWindow:        10 * time.Second,
		DisconnectTimeout: 5 * time.Second,
		MaxWriteBytes:     framing.DefaultMaxFrameBytes,
		QueueSize:         64,
		StatusBuffer:      8,
	}
}

func (o *Options) fillDefaults() {
	def := DefaultOptions()
	if o.ServiceUUID == "" {
		o.ServiceUUID = def.ServiceUUID
	}
	if o.WriteCharUUID == "" {
		o.WriteCharUUID = def.WriteCharUUID
	}
	if o.NotifyCharUUID == "" {
		o.NotifyCharUUID = def.NotifyCharUUID
	}
	if o.ScanWindow <= 0 {
		o.ScanWindow = def.ScanWindow
	}
	if o.DisconnectTimeout <= 0 {
		o.DisconnectTimeout = def.DisconnectTimeout
	}
	if o.MaxWriteBytes <= 0 {
		o.MaxWriteBytes = def.MaxWriteBytes
	}
	if o.QueueSize <= 0 {
		o.QueueSize = def.QueueSize
	}
	if o.StatusBuffer <= 0 {
		o.StatusBuffer = def.StatusBuffer
	}
}

// Core connects to one UART peripheral at a time. All state is owned by a
// single event loop; commands and platform callbacks are queued to it in
// arrival order. Safe for concurrent use.
type Core struct {
	platform Platform
	opts     Options

	mb        mailbox
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the event loop.
	registry *Registry
	scan     scanSession
	conn     *connection
	linkGen  uint64

	devices  *Broadcaster[[]Peripheral]
	scanning *Broadcaster[bool]
	status   *Broadcaster[Status]
	payload  *Broadcaster[string]
}

// New creates a core backed by platform and starts its event loop.
// Zero-valued options take their defaults.
func New(platform Platform, opts Options) *Core {
	opts.fillDefaults()
	c := &Core{
		platform: platform,
		opts:     opts,
		mb:       mailbox{wake: make(chan struct{}, 1)},
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		registry: NewRegistry(),
		devices:  NewBroadcaster([]Peripheral{}),
		scanning: NewBroadcaster(false),
		status:   NewBroadcaster(Status{State: StateDisconnected}),
		payload:  NewBroadcaster(""),
	}
	go c.run()
	return c
}

func (c *Core) run() {
	defer close(c.done)
	for {
		select {
		case <-c.quit:
			return
		case <-c.mb.wake:
			for _, fn := range c.mb.take() {
				fn()
			}
		}
	}
}

// call runs fn on the event loop and waits for its result.
func (c *Core) call(fn func() error) error {
	reply := make(chan error, 1)
	c.mb.post(func() { reply <- fn() })
	select {
	case err := <-reply:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// StartScan begins a scan window, clearing previously discovered
// peripherals. Calling it during an active scan restarts the window.
func (c *Core) StartScan() error {
	return c.call(c.startScan)
}

// StopScan ends the current scan. It is a no-op when no scan is active.
func (c *Core) StopScan() {
	_ = c.call(func() error {
		c.stopScan("stopped")
		return nil
	})
}

// Connect starts connecting to a peripheral from the current registry.
func (c *Core) Connect(address string) error {
	return c.call(func() error { return c.connect(address) })
}

// Disconnect tears down the current connection. It is a no-op when there
// is nothing to disconnect.
func (c *Core) Disconnect() error {
	return c.call(c.disconnect)
}

// Send writes text to the peripheral's write characteristic.
func (c *Core) Send(text string) error {
	return c.call(func() error { return c.send(text) })
}

// ObserveDevices streams registry snapshots. Every subscriber receives
// the same slice; treat it as read-only.
func (c *Core) ObserveDevices() *Subscription[[]Peripheral] {
	return c.devices.Subscribe(1)
}

// ObserveScanning streams whether a scan window is active.
func (c *Core) ObserveScanning() *Subscription[bool] {
	return c.scanning.Subscribe(1)
}

// ObserveConnectionStatus streams connection state transitions.
func (c *Core) ObserveConnectionStatus() *Subscription[Status] {
	return c.status.Subscribe(c.opts.StatusBuffer)
}

// ObservePayload streams decoded notification text. Only the latest value
// is kept.
func (c *Core) ObservePayload() *Subscription[string] {
	return c.payload.Subscribe(1)
}

// Devices returns a copy of the current registry snapshot.
func (c *Core) Devices() []Peripheral { return slices.Clone(c.devices.Value()) }

// Status returns the current connection status.
func (c *Core) Status() Status { return c.status.Value() }

// Close stops scanning, drops any connection, and stops the event loop.
// Observer channels are closed.
func (c *Core) Close() error {
	c.closeOnce.Do(func() {
		_ = c.call(func() error {
			c.stopScan("closing")
			if conn := c.conn; conn != nil {
				if err := conn.link.Disconnect(); err != nil {
					slog.Warn("[BLE] disconnect on close failed", "error", err)
				}
				c.teardown(conn, nil)
			}
			return nil
		})
		close(c.quit)
		<-c.done
		c.devices.Close()
		c.scanning.Close()
		c.status.Close()
		c.payload.Close()
	})
	return nil
}

func (c *Core) publishDevices() {
	c.devices.Publish(c.registry.Snapshot())
}

// mailbox is an unbounded FIFO of work for the event loop. post never
// blocks, so platform callbacks may fire from inside a platform request.
type mailbox struct {
	mu    sync.Mutex
	items []func()
	wake  chan struct{}
}

func (m *mailbox) post(fn func()) {
	m.mu.Lock()
	m.items = append(m.items, fn)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}
