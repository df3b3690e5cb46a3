// Package relay forwards lines of text from a reader to the connected
// peripheral.
package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/chaz8081/bleuart/internal/ble"
)

// Sender is the interface the BLE core exposes for sending text.
type Sender interface {
	Send(text string) error
}

// Relay sends each non-empty input line to a Sender.
type Relay struct {
	sender     Sender
	terminator string
}

// New creates a Relay backed by the given sender. terminator is appended
// to every line sent ("" sends lines bare).
// Panics if sender is nil (programmer error).
func New(sender Sender, terminator string) *Relay {
	if sender == nil {
		panic("relay: New called with nil sender")
	}
	return &Relay{sender: sender, terminator: terminator}
}

// SendLine sends one line. Empty lines are skipped.
func (r *Relay) SendLine(line string) error {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil
	}
	return r.sender.Send(line + r.terminator)
}

// Run reads lines from in until EOF or ctx is cancelled. Lines that cannot
// be sent because no peripheral is ready or the write queue is full are
// dropped with a warning; any other send error stops the relay.
func (r *Relay) Run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := r.SendLine(scanner.Text())
		switch {
		case err == nil:
		case errors.Is(err, ble.ErrNotReady):
			slog.Warn("[relay] dropped line, peripheral not ready")
		case errors.Is(err, ble.ErrQueueFull):
			slog.Warn("[relay] dropped line, write queue full", "error", err)
		case errors.Is(err, ble.ErrClosed):
			return nil
		default:
			return fmt.Errorf("relay: sending line: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("relay: reading input: %w", err)
	}
	return nil
}
