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
	"iter"
	"sync"
	"time"
)

// EventKind categorizes relay entries.
type EventKind uint8

const (
	RequestLogged EventKind = iota
	CellChanged
	ConnectionStatus
)

const numEventKinds = 3

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case RequestLogged:
		return "request"
	case CellChanged:
		return "cell"
	case ConnectionStatus:
		return "status"
	default:
		return "unknown"
	}
}

// Default relay capacities per category.
const (
	DefaultRequestLogCapacity = 2048
	DefaultCellChangeCapacity = 16384
	DefaultStatusCapacity     = 256
)

// Entry is one event carried from the transport side to the presentation
// side.
type Entry struct {
	Kind    EventKind
	Seq     uint64
	Time    time.Time
	Session string

	// Text is set for RequestLogged and ConnectionStatus entries.
	Text string

	// Bank, Index and Value are set for CellChanged entries.
	Bank  Bank
	Index int
	Value uint16
}

type ring struct {
	buf  []Entry
	head int
	n    int
}

func (r *ring) push(e Entry) (evicted bool) {
	if len(r.buf) == 0 {
		return true
	}
	if r.n == len(r.buf) {
		r.buf[r.head] = e
		r.head = (r.head + 1) % len(r.buf)
		return true
	}
	r.buf[(r.head+r.n)%len(r.buf)] = e
	r.n++
	return false
}

func (r *ring) peek() (Entry, bool) {
	if r.n == 0 {
		return Entry{}, false
	}
	return r.buf[r.head], true
}

func (r *ring) pop() {
	r.buf[r.head] = Entry{}
	r.head = (r.head + 1) % len(r.buf)
	r.n--
}

func (r *ring) reset() {
	clear(r.buf)
	r.head, r.n = 0, 0
}

// RelayOption is a functional option for configuring a Relay.
type RelayOption func(*relayOptions)

type relayOptions struct {
	capacity     [numEventKinds]int
	pollInterval time.Duration
}

func defaultRelayOptions() *relayOptions {
	return &relayOptions{
		capacity: [numEventKinds]int{
			RequestLogged:    DefaultRequestLogCapacity,
			CellChanged:      DefaultCellChangeCapacity,
			ConnectionStatus: DefaultStatusCapacity,
		},
		pollInterval: 100 * time.Millisecond,
	}
}

// WithCapacity sets the ring capacity of one event category.
func WithCapacity(kind EventKind, n int) RelayOption {
	return func(o *relayOptions) {
		if int(kind) < numEventKinds && n >= 0 {
			o.capacity[kind] = n
		}
	}
}

// WithPollInterval sets how often Subscribe polls when no publish wakes it.
func WithPollInterval(d time.Duration) RelayOption {
	return func(o *relayOptions) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// Relay is a bounded, ordered event buffer between transport workers and the
// presentation layer. Each category has its own FIFO ring; publishing past a
// ring's capacity evicts that category's oldest entry.
type Relay struct {
	opts *relayOptions

	mu      sync.Mutex
	rings   [numEventKinds]ring
	seq     uint64
	paused  bool
	dropped Counter

	ready chan struct{}
}

// NewRelay creates a Relay.
func NewRelay(opts ...RelayOption) *Relay {
	options := defaultRelayOptions()
	for _, opt := range opts {
		opt(options)
	}

	r := &Relay{
		opts:  options,
		ready: make(chan struct{}, 1),
	}
	for i := range r.rings {
		r.rings[i].buf = make([]Entry, options.capacity[i])
	}
	return r
}

// Publish appends an entry, assigning its sequence number and, if unset, its
// timestamp. It never blocks on consumers.
func (r *Relay) Publish(e Entry) {
	if int(e.Kind) >= numEventKinds {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	r.mu.Lock()
	r.seq++
	e.Seq = r.seq
	if r.rings[e.Kind].push(e) {
		r.dropped.Add(1)
	}
	paused := r.paused
	r.mu.Unlock()

	if !paused {
		r.notify()
	}
}

// PublishRequest records a master request description.
func (r *Relay) PublishRequest(session, text string) {
	r.Publish(Entry{Kind: RequestLogged, Session: session, Text: text})
}

// PublishCell records a committed cell change.
func (r *Relay) PublishCell(session string, c CellChange) {
	r.Publish(Entry{Kind: CellChanged, Session: session, Bank: c.Bank, Index: c.Index, Value: c.Value})
}

// PublishStatus records a connection status message.
func (r *Relay) PublishStatus(session, text string) {
	r.Publish(Entry{Kind: ConnectionStatus, Session: session, Text: text})
}

func (r *Relay) notify() {
	select {
	case r.ready <- struct{}{}:
	default:
	}
}

// Drain yields every entry published before the call, in publish order, and
// removes it from the relay. It never blocks. While the relay is paused it
// yields nothing.
func (r *Relay) Drain() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		r.mu.Lock()
		limit := r.seq
		r.mu.Unlock()

		for {
			e, ok := r.next(limit)
			if !ok {
				return
			}
			if !yield(e) {
				return
			}
		}
	}
}

// next pops the oldest entry across all rings with Seq <= limit.
func (r *Relay) next(limit uint64) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.paused {
		return Entry{}, false
	}
	best := -1
	var bestSeq uint64
	for i := range r.rings {
		e, ok := r.rings[i].peek()
		if !ok || e.Seq > limit {
			continue
		}
		if best < 0 || e.Seq < bestSeq {
			best, bestSeq = i, e.Seq
		}
	}
	if best < 0 {
		return Entry{}, false
	}
	e, _ := r.rings[best].peek()
	r.rings[best].pop()
	return e, true
}

// Subscribe returns an unbounded sequence of entries. It drains, then waits
// for a publish or the poll interval, until ctx is done or the consumer
// stops. Subscribing again resumes from whatever is pending.
func (r *Relay) Subscribe(ctx context.Context) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		ticker := time.NewTicker(r.opts.pollInterval)
		defer ticker.Stop()

		for {
			for e := range r.Drain() {
				if !yield(e) {
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-r.ready:
			case <-ticker.C:
			}
		}
	}
}

// Pause stops delivery. Entries keep accumulating, subject to eviction.
func (r *Relay) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

// Resume restarts delivery.
func (r *Relay) Resume() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
	r.notify()
}

// Paused reports whether delivery is paused.
func (r *Relay) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// Clear discards every pending entry.
func (r *Relay) Clear() {
	r.mu.Lock()
	for i := range r.rings {
		r.rings[i].reset()
	}
	r.mu.Unlock()
}

// ClearKind discards the pending entries of one category.
func (r *Relay) ClearKind(kind EventKind) {
	if int(kind) >= numEventKinds {
		return
	}
	r.mu.Lock()
	r.rings[kind].reset()
	r.mu.Unlock()
}

// Len returns the number of pending entries.
func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for i := range r.rings {
		n += r.rings[i].n
	}
	return n
}

// LenOf returns the number of pending entries of one category.
func (r *Relay) LenOf(kind EventKind) int {
	if int(kind) >= numEventKinds {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rings[kind].n
}

// Capacity returns the ring capacity of one category.
func (r *Relay) Capacity(kind EventKind) int {
	if int(kind) >= numEventKinds {
		return 0
	}
	return r.opts.capacity[kind]
}

// Dropped returns the number of entries evicted since creation.
func (r *Relay) Dropped() int64 {
	return r.dropped.Value()
}
