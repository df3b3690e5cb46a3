package ble

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// State is a connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateDiscovering
	StateReady
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateDiscovering:
		return "discovering"
	case StateReady:
		return "ready"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status is one connection state transition. Err is set on the
// Disconnected transition that ends a failed or lost connection.
type Status struct {
	State   State
	Address string
	Err     error
}

// connection is the context of one connection attempt. It exists from an
// accepted Connect until the Disconnected transition.
type connection struct {
	address    string
	state      State
	gen        uint64
	link       Link
	linkUp     bool
	pendingErr error // reported once the link is down
	timer      *time.Timer
	uart       *uart
}

// linkCallbacks binds platform callbacks to one connection generation.
type linkCallbacks struct {
	c   *Core
	gen uint64
}

func (cb *linkCallbacks) OnLinkStateChanged(connected bool) {
	cb.c.mb.post(func() { cb.c.onLinkStateChanged(cb.gen, connected) })
}

func (cb *linkCallbacks) OnServicesDiscovered(status int, services []Service) {
	cb.c.mb.post(func() { cb.c.onServicesDiscovered(cb.gen, status, services) })
}

func (cb *linkCallbacks) OnCharacteristicChanged(charUUID string, data []byte) {
	data = bytes.Clone(data)
	cb.c.mb.post(func() { cb.c.onCharacteristicChanged(cb.gen, charUUID, data) })
}

func (cb *linkCallbacks) OnCharacteristicWritten(charUUID string, status int) {
	cb.c.mb.post(func() { cb.c.onCharacteristicWritten(cb.gen, charUUID, status) })
}

// current returns the connection for gen, or nil if gen is stale.
func (c *Core) current(gen uint64) *connection {
	if c.conn == nil || c.conn.gen != gen {
		return nil
	}
	return c.conn
}

func (c *Core) setState(conn *connection, s State, err error) {
	conn.state = s
	c.status.Publish(Status{State: s, Address: conn.address, Err: err})
	if err != nil {
		slog.Warn("[BLE] connection state", "address", conn.address, "state", s, "error", err)
		return
	}
	slog.Info("[BLE] connection state", "address", conn.address, "state", s)
}

func (c *Core) connect(address string) error {
	if c.conn != nil {
		return ErrAlreadyConnecting
	}
	if !c.registry.Contains(address) {
		return fmt.Errorf("%w: %s", ErrUnknownAddress, address)
	}

	c.linkGen++
	conn := &connection{address: address, gen: c.linkGen}
	link, err := c.platform.RequestConnect(address, &linkCallbacks{c: c, gen: conn.gen})
	if err != nil {
		return fmt.Errorf("ble: connect to %s: %w", address, err)
	}
	conn.link = link
	conn.uart = newUART(link, c.opts)
	c.conn = conn
	c.setState(conn, StateConnecting, nil)
	return nil
}

func (c *Core) disconnect() error {
	conn := c.conn
	if conn == nil || conn.state == StateDisconnecting {
		return nil
	}
	c.beginDisconnect(conn)
	return nil
}

// abort ends a connection attempt that failed, reporting err once the
// link is down.
func (c *Core) abort(conn *connection, err error) {
	conn.pendingErr = err
	c.beginDisconnect(conn)
}

func (c *Core) beginDisconnect(conn *connection) {
	c.setState(conn, StateDisconnecting, nil)
	conn.uart.reset()
	if err := conn.link.Disconnect(); err != nil {
		slog.Warn("[BLE] disconnect request failed", "address", conn.address, "error", err)
	}
	if !conn.linkUp {
		c.teardown(conn, conn.pendingErr)
		return
	}

	gen := conn.gen
	conn.timer = time.AfterFunc(c.opts.DisconnectTimeout, func() {
		c.mb.post(func() {
			if cur := c.current(gen); cur != nil {
				slog.Warn("[BLE] disconnect not confirmed, forcing", "address", cur.address, "timeout", c.opts.DisconnectTimeout)
				c.teardown(cur, cur.pendingErr)
			}
		})
	})
}

// teardown releases everything held by conn and enters Disconnected.
// Runs exactly once per connection; later callbacks for its generation are
// stale.
func (c *Core) teardown(conn *connection, err error) {
	if conn.timer != nil {
		conn.timer.Stop()
	}
	conn.uart.reset()
	conn.link.Close()
	c.conn = nil

	c.registry.Clear()
	c.publishDevices()
	c.setState(conn, StateDisconnected, err)
}

func (c *Core) onLinkStateChanged(gen uint64, connected bool) {
	conn := c.current(gen)
	if conn == nil {
		slog.Debug("[BLE] dropping stale link state", "connected", connected)
		return
	}

	if connected {
		if conn.state != StateConnecting {
			return
		}
		conn.linkUp = true
		c.setState(conn, StateDiscovering, nil)
		if err := conn.link.DiscoverServices(); err != nil {
			c.abort(conn, fmt.Errorf("ble: discover services: %w", err))
		}
		return
	}

	conn.linkUp = false
	if conn.state == StateDisconnecting {
		c.teardown(conn, conn.pendingErr)
		return
	}
	c.teardown(conn, ErrLinkLost)
}

func (c *Core) onServicesDiscovered(gen uint64, status int, services []Service) {
	conn := c.current(gen)
	if conn == nil || conn.state != StateDiscovering {
		slog.Debug("[BLE] dropping stale service discovery", "status", status)
		return
	}
	if status != statusSuccess {
		c.abort(conn, &DiscoveryError{Status: status})
		return
	}

	svc, ok := findService(services, c.opts.ServiceUUID)
	if !ok {
		c.abort(conn, fmt.Errorf("%w: %s", ErrServiceNotFound, c.opts.ServiceUUID))
		return
	}
	for _, want := range []string{c.opts.WriteCharUUID, c.opts.NotifyCharUUID} {
		if !hasCharacteristic(svc, want) {
			c.abort(conn, fmt.Errorf("%w: characteristic %s missing", ErrServiceNotFound, want))
			return
		}
	}

	if err := conn.link.EnableNotifications(c.opts.ServiceUUID, c.opts.NotifyCharUUID); err != nil {
		c.abort(conn, fmt.Errorf("ble: enable notifications: %w", err))
		return
	}
	c.setState(conn, StateReady, nil)
}

func (c *Core) onCharacteristicChanged(gen uint64, charUUID string, data []byte) {
	conn := c.current(gen)
	if conn == nil || conn.state != StateReady {
		return
	}
	if text, ok := conn.uart.decode(charUUID, data); ok {
		c.payload.Publish(text)
	}
}

func (c *Core) onCharacteristicWritten(gen uint64, charUUID string, status int) {
	conn := c.current(gen)
	if conn == nil || conn.state != StateReady {
		slog.Debug("[BLE] dropping stale write completion", "char", charUUID)
		return
	}
	conn.uart.written(status)
}

func (c *Core) send(text string) error {
	conn := c.conn
	if conn == nil || conn.state != StateReady {
		return ErrNotReady
	}
	return conn.uart.send(text)
}

func findService(services []Service, uuid string) (Service, bool) {
	for _, s := range services {
		if sameUUID(s.UUID, uuid) {
			return s, true
		}
	}
	return Service{}, false
}

func hasCharacteristic(svc Service, uuid string) bool {
	for _, ch := range svc.Characteristics {
		if sameUUID(ch, uuid) {
			return true
		}
	}
	return false
}

func sameUUID(a, b string) bool {
	return strings.EqualFold(a, b)
}
