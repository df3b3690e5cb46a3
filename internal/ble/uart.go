package ble

import (
	"fmt"
	"log/slog"

	"github.com/chaz8081/bleuart/internal/ble/framing"
)

// uart maps text onto the write/notify characteristic pair of one
// connection. At most one write is outstanding; later frames wait in
// queue until the platform reports completion. Owned by the event loop.
type uart struct {
	link      Link
	serviceID string
	writeID   string
	notifyID  string
	maxWrite  int
	queueSize int
	writing   bool
	queue     [][]byte
}

func newUART(link Link, opts Options) *uart {
	return &uart{
		link:      link,
		serviceID: opts.ServiceUUID,
		writeID:   opts.WriteCharUUID,
		notifyID:  opts.NotifyCharUUID,
		maxWrite:  opts.MaxWriteBytes,
		queueSize: opts.QueueSize,
	}
}

func (u *uart) send(text string) error {
	frames := framing.Encode(text, u.maxWrite)
	if len(frames) == 0 {
		return nil
	}
	// A payload is queued whole or not at all.
	queued := len(frames)
	if !u.writing {
		queued--
	}
	if len(u.queue)+queued > u.queueSize {
		return fmt.Errorf("%w: %d frames pending, %d more needed, limit %d",
			ErrQueueFull, len(u.queue), queued, u.queueSize)
	}

	if u.writing {
		u.queue = append(u.queue, frames...)
		return nil
	}
	if err := u.link.Write(u.serviceID, u.writeID, frames[0]); err != nil {
		return fmt.Errorf("ble: write: %w", err)
	}
	u.writing = true
	u.queue = append(u.queue, frames[1:]...)
	return nil
}

// written handles a write completion and issues the next queued frame.
// Frames that cannot be issued are logged and dropped.
func (u *uart) written(status int) {
	u.writing = false
	if status != statusSuccess {
		slog.Warn("[BLE] write failed", "status", status)
	}
	for len(u.queue) > 0 {
		next := u.queue[0]
		u.queue = u.queue[1:]
		if err := u.link.Write(u.serviceID, u.writeID, next); err != nil {
			slog.Error("[BLE] failed to write queued frame", "error", err)
			continue
		}
		u.writing = true
		return
	}
}

func (u *uart) decode(charUUID string, data []byte) (string, bool) {
	if !sameUUID(charUUID, u.notifyID) {
		return "", false
	}
	return framing.Decode(data), true
}

// reset discards queued frames and forgets any in-flight write.
func (u *uart) reset() {
	u.writing = false
	u.queue = nil
}
