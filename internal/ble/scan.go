package ble

import (
	"fmt"
	"log/slog"
	"time"
)

// scanSession is the live scan window, if any. gen identifies the
// platform callback registration; bumping it orphans late advertisements
// and timer firings.
type scanSession struct {
	active    bool
	startedAt time.Time
	gen       uint64
	handle    ScanHandle
	timer     *time.Timer
}

func (c *Core) startScan() error {
	if c.scan.active {
		c.stopScan("restarting")
	}

	c.scan.gen++
	gen := c.scan.gen
	handle, err := c.platform.RequestScan(func(address, name string) {
		c.mb.post(func() { c.onAdvertisement(gen, address, name) })
	})
	if err != nil {
		return fmt.Errorf("ble: start scan: %w", err)
	}

	c.registry.Clear()
	c.publishDevices()

	c.scan.active = true
	c.scan.startedAt = time.Now()
	c.scan.handle = handle
	c.scan.timer = time.AfterFunc(c.opts.ScanWindow, func() {
		c.mb.post(func() {
			if c.scan.gen == gen {
				c.stopScan("window elapsed")
			}
		})
	})
	c.scanning.Publish(true)
	slog.Info("[BLE] scan started", "window", c.opts.ScanWindow)
	return nil
}

// stopScan ends the active session. Discovered peripherals are kept.
func (c *Core) stopScan(reason string) {
	if !c.scan.active {
		return
	}
	if c.scan.timer != nil {
		c.scan.timer.Stop()
	}
	if err := c.scan.handle.Stop(); err != nil {
		slog.Warn("[BLE] stop scan failed", "error", err)
	}
	elapsed := time.Since(c.scan.startedAt).Round(time.Millisecond)
	c.scan = scanSession{gen: c.scan.gen + 1}
	c.scanning.Publish(false)
	slog.Info("[BLE] scan stopped", "reason", reason, "elapsed", elapsed, "devices", c.registry.Len())
}

func (c *Core) onAdvertisement(gen uint64, address, name string) {
	if !c.scan.active || gen != c.scan.gen {
		return
	}
	if c.registry.RecordSighting(address, name) {
		slog.Debug("[BLE] peripheral discovered", "address", address, "name", name)
		c.publishDevices()
	}
}
