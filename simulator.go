// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package modbus

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Simulator is the facade a presentation layer drives. It owns the one
// long-lived store, the event relay and the page geometry, and runs at most
// one transport session at a time. Register values survive any number of
// sessions.
type Simulator struct {
	store   *Store
	relay   *Relay
	paging  *Paging
	factory *Factory
	logger  *slog.Logger

	// mu serializes opening and closing transports.
	mu     sync.Mutex
	closed bool

	active      atomic.Pointer[Session]
	totalsMu    sync.Mutex
	retired     MetricsTotals
	logRequests atomic.Bool
	cells       *Subscription
}

// NewSimulator creates a simulator with a zeroed store and no session.
func NewSimulator(opts ...SimulatorOption) *Simulator {
	options := defaultSimulatorOptions()
	for _, opt := range opts {
		opt(options)
	}

	sim := &Simulator{
		store:  NewStore(),
		relay:  NewRelay(options.relayOpts...),
		paging: NewPaging(),
		logger: options.logger,
	}
	sim.logRequests.Store(options.logRequests)

	sessionOpts := []SessionOption{
		WithRelay(sim.relay),
		WithRequestLogging(sim.logRequests.Load),
		WithOnStopped(sim.onStopped),
	}
	sessionOpts = append(sessionOpts, options.sessionOpts...)

	factoryOpts := append([]FactoryOption{WithFactoryLogger(options.logger)}, options.factoryOpts...)
	factoryOpts = append(factoryOpts, WithSessionOptions(sessionOpts...))
	sim.factory = NewFactory(sim.store, factoryOpts...)

	sim.cells = sim.store.Subscribe(func(c CellChange) {
		var id string
		if s := sim.active.Load(); s != nil {
			id = s.ID()
		}
		sim.relay.PublishCell(id, c)
	})
	return sim
}

// Store returns the register store.
func (sim *Simulator) Store() *Store {
	return sim.store
}

// Relay returns the event relay, for pause, resume and clear.
func (sim *Simulator) Relay() *Relay {
	return sim.relay
}

// Paging returns the page geometry state.
func (sim *Simulator) Paging() *Paging {
	return sim.paging
}

// Ports enumerates the serial ports present on the system.
func (sim *Simulator) Ports() ([]string, error) {
	return sim.factory.Ports()
}

// Active returns the current or most recent session, or nil.
func (sim *Simulator) Active() *Session {
	return sim.active.Load()
}

// CanOpen reports whether a transport of the given kind may be opened now.
// While any session is starting, listening or stopping, every kind is
// refused: serial and network transports are mutually exclusive.
func (sim *Simulator) CanOpen(kind TransportKind) bool {
	if kind > KindASCII {
		return false
	}
	sim.mu.Lock()
	defer sim.mu.Unlock()
	if sim.closed {
		return false
	}
	s := sim.active.Load()
	return s == nil || !s.State().Active()
}

// OpenTransport builds and starts a session. It fails with ErrTransportBusy
// while another session is active, ErrConfigurationInvalid for rejected
// settings and ErrResourceUnavailable when the port or socket cannot be
// acquired.
func (sim *Simulator) OpenTransport(ctx context.Context, kind TransportKind, cfg Config) (*Session, error) {
	sim.mu.Lock()
	defer sim.mu.Unlock()

	if sim.closed {
		return nil, ErrClosed
	}
	cur := sim.active.Load()
	if cur != nil && cur.State().Active() {
		return nil, fmt.Errorf("%w: %s session %s is %s", ErrTransportBusy, cur.Kind(), cur.ID(), cur.State())
	}

	s, err := sim.factory.Build(ctx, kind, cfg)
	if err != nil {
		return nil, err
	}
	sim.totalsMu.Lock()
	if cur != nil {
		sim.retired.add(cur.Metrics())
	}
	sim.active.Store(s)
	sim.totalsMu.Unlock()
	if err := s.Start(ctx); err != nil {
		return s, err
	}
	sim.logger.Info("transport opened",
		slog.String("session", s.ID()),
		slog.String("transport", kind.String()),
		slog.String("addr", s.Addr()))
	return s, nil
}

// CloseTransport stops a session. A nil session or one that is not active
// is a no-op.
func (sim *Simulator) CloseTransport(s *Session) error {
	if s == nil {
		return nil
	}
	sim.mu.Lock()
	defer sim.mu.Unlock()
	return s.Close()
}

func (sim *Simulator) onStopped(s *Session, err error) {
	sim.logger.Warn("transport stopped",
		slog.String("session", s.ID()),
		slog.String("error", err.Error()))
}

// ReadCell returns a cell value: 0/1 for discretes, 0..65535 for registers.
func (sim *Simulator) ReadCell(b Bank, index int) (int, error) {
	return sim.store.Get(b, index)
}

// ReadCellSigned returns a register value as signed 16-bit.
func (sim *Simulator) ReadCellSigned(b Bank, index int) (int16, error) {
	return sim.store.GetSigned(b, index)
}

// WriteCell sets a cell from the presentation side. Any bank may be edited,
// including the two input banks masters can only read.
func (sim *Simulator) WriteCell(b Bank, index, value int) error {
	return sim.store.Set(b, index, value)
}

// SubscribeEvents returns the relay's event sequence; see Relay.Subscribe.
func (sim *Simulator) SubscribeEvents(ctx context.Context) iter.Seq[Entry] {
	return sim.relay.Subscribe(ctx)
}

// ToPage maps a linear address to a grid coordinate within the visible rows.
func (sim *Simulator) ToPage(b Bank, linear int) (row, col int, err error) {
	return sim.paging.ToPage(b, linear)
}

// ToLinear maps a grid coordinate within the visible rows to a linear address.
func (sim *Simulator) ToLinear(b Bank, row, col int) (int, error) {
	return sim.paging.ToLinear(b, row, col)
}

// RowLabel returns the address span label of a row.
func (sim *Simulator) RowLabel(b Bank, row int) (string, error) {
	return RowLabel(b, row, PageWidth(b))
}

// SetPageWidth sets the number of visible rows of a bank; see Paging.SetPageWidth.
func (sim *Simulator) SetPageWidth(b Bank, rowCap int) error {
	return sim.paging.SetPageWidth(b, rowCap)
}

// Rows returns the number of visible rows of a bank.
func (sim *Simulator) Rows(b Bank) int {
	return sim.paging.Rows(b)
}

// SetRequestLogging enables or disables publishing master requests to the
// relay. Disabling also discards the pending request log.
func (sim *Simulator) SetRequestLogging(enabled bool) {
	sim.logRequests.Store(enabled)
	if !enabled {
		sim.relay.ClearKind(RequestLogged)
	}
}

// RequestLogging reports whether master requests are published to the relay.
func (sim *Simulator) RequestLogging() bool {
	return sim.logRequests.Load()
}

// Metrics returns the metrics of the current or most recent session, or nil.
func (sim *Simulator) Metrics() *SessionMetrics {
	if s := sim.active.Load(); s != nil {
		return s.Metrics()
	}
	return nil
}

// Totals returns the session counters accumulated over the simulator's
// lifetime, including the current session.
func (sim *Simulator) Totals() MetricsTotals {
	sim.totalsMu.Lock()
	defer sim.totalsMu.Unlock()
	t := sim.retired
	if s := sim.active.Load(); s != nil {
		t.add(s.Metrics())
	}
	return t
}

// Close stops the active session and detaches the relay from the store.
func (sim *Simulator) Close() error {
	sim.mu.Lock()
	defer sim.mu.Unlock()
	if sim.closed {
		return nil
	}
	sim.closed = true

	var err error
	if s := sim.active.Load(); s != nil {
		err = s.Close()
	}
	sim.cells.Unsubscribe()
	return err
}
