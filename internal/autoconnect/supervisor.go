// Package autoconnect keeps a configured peripheral connected: it connects
// when the target is sighted and rescans after the link drops. Repeated
// failed attempts trip a circuit breaker so a misbehaving peripheral is
// left alone for a cooldown period.
package autoconnect

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/chaz8081/bleuart/internal/ble"
)

// Default supervisor settings.
const (
	DefaultMaxFailures uint32        = 5
	DefaultCooldown    time.Duration = 30 * time.Second
	DefaultMinInterval time.Duration = 2 * time.Second
)

// Core is the part of ble.Core the supervisor drives.
type Core interface {
	StartScan() error
	StopScan()
	Connect(address string) error
	ObserveDevices() *ble.Subscription[[]ble.Peripheral]
	ObserveScanning() *ble.Subscription[bool]
	ObserveConnectionStatus() *ble.Subscription[ble.Status]
}

// errDroppedBeforeReady records an attempt that ended without an error
// before reaching Ready, such as a local disconnect.
var errDroppedBeforeReady = errors.New("autoconnect: link dropped before ready")

// Compile-time interface satisfaction check.
var _ Core = (*ble.Core)(nil)

// Options configures a Supervisor. Zero values use the defaults.
type Options struct {
	// MaxFailures is the number of consecutive failed attempts that opens
	// the circuit.
	MaxFailures uint32
	// Cooldown is how long the circuit stays open before one probe
	// attempt is allowed.
	Cooldown time.Duration
	// MinInterval is the minimum spacing between scan restarts.
	MinInterval time.Duration
}

// Supervisor connects to the first sighted peripheral accepted by match.
type Supervisor struct {
	core    Core
	match   func(ble.Peripheral) bool
	breaker *gobreaker.TwoStepCircuitBreaker[struct{}]
	limiter *rate.Limiter

	// owned by Run
	state    ble.State
	scanning bool
	pending  func(err error)
}

// New creates a Supervisor for core. match selects the target.
// Panics if core or match is nil (programmer error).
func New(core Core, match func(ble.Peripheral) bool, opts Options) *Supervisor {
	if core == nil || match == nil {
		panic("autoconnect: New called with nil core or match")
	}
	if opts.MaxFailures == 0 {
		opts.MaxFailures = DefaultMaxFailures
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}

	breaker := gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "autoconnect",
		MaxRequests: 1, // allow 1 probe in half-open state
		Timeout:     opts.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("[autoconnect] circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Supervisor{
		core:    core,
		match:   match,
		breaker: breaker,
		limiter: rate.NewLimiter(rate.Every(opts.MinInterval), 1),
		state:   ble.StateDisconnected,
	}
}

// Breaker reports the circuit breaker state.
func (s *Supervisor) Breaker() gobreaker.State {
	return s.breaker.State()
}

// Run drives the core until ctx is cancelled or the core is closed.
// Scanning must already have been started by the caller.
func (s *Supervisor) Run(ctx context.Context) error {
	devices := s.core.ObserveDevices()
	defer devices.Close()
	scanning := s.core.ObserveScanning()
	defer scanning.Close()
	status := s.core.ObserveConnectionStatus()
	defer status.Close()

	for {
		select {
		case <-ctx.Done():
			s.settle(ctx.Err())
			return ctx.Err()

		case list, ok := <-devices.C():
			if !ok {
				return nil
			}
			s.onDevices(list)

		case active, ok := <-scanning.C():
			if !ok {
				return nil
			}
			ended := s.scanning && !active
			s.scanning = active
			if ended && s.state == ble.StateDisconnected && s.pending == nil {
				slog.Info("[autoconnect] target not sighted, scanning again")
				s.rescan(ctx)
			}

		case st, ok := <-status.C():
			if !ok {
				return nil
			}
			s.onStatus(ctx, st)
		}
	}
}

func (s *Supervisor) onDevices(list []ble.Peripheral) {
	if s.state != ble.StateDisconnected || s.pending != nil {
		return
	}
	for _, p := range list {
		if !s.match(p) {
			continue
		}
		done, err := s.breaker.Allow()
		if err != nil {
			slog.Debug("[autoconnect] attempt suppressed", "address", p.Address, "error", err)
			return
		}
		slog.Info("[autoconnect] connecting", "address", p.Address, "name", p.Name)
		if err := s.core.Connect(p.Address); err != nil {
			done(err)
			if !errors.Is(err, ble.ErrClosed) {
				slog.Warn("[autoconnect] connect failed", "address", p.Address, "error", err)
			}
			return
		}
		s.pending = done
		return
	}
}

func (s *Supervisor) onStatus(ctx context.Context, st ble.Status) {
	prev := s.state
	s.state = st.State
	switch {
	case st.State == ble.StateReady:
		s.settle(nil)
		s.core.StopScan()
	case st.State == ble.StateDisconnected && prev != ble.StateDisconnected:
		err := st.Err
		if err == nil {
			err = errDroppedBeforeReady
		}
		s.settle(err)
		slog.Info("[autoconnect] link down, rescanning", "address", st.Address, "error", st.Err)
		s.rescan(ctx)
	}
}

// settle reports the outcome of the attempt in flight, if any. A nil err
// counts as a success.
func (s *Supervisor) settle(err error) {
	if s.pending != nil {
		s.pending(err)
		s.pending = nil
	}
}

func (s *Supervisor) rescan(ctx context.Context) {
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	if err := s.core.StartScan(); err != nil && !errors.Is(err, ble.ErrClosed) {
		slog.Warn("[autoconnect] scan restart failed", "error", err)
	}
}
