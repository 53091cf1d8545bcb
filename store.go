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
	"fmt"
	"sync"
	"sync/atomic"
)

// StoreSize is the number of addressable cells per bank. Valid linear
// indices are [0, StoreSize).
const StoreSize = 65535

// cellSlots includes the reserved slot 0; index i lives in slot i+1.
const cellSlots = StoreSize + 1

// CellChange describes one committed cell write.
type CellChange struct {
	Bank  Bank
	Index int
	Value uint16
}

// Signed returns the change's value as a signed 16-bit quantity.
func (c CellChange) Signed() int16 {
	return int16(c.Value)
}

type bankCells struct {
	mu    sync.RWMutex
	cells []uint16

	// deliver orders notifications. It is acquired while mu is still held,
	// so listeners observe writes to this bank in commit order.
	deliver sync.Mutex
}

// Store holds the four register banks shared by every session and the
// presentation layer. It is safe for concurrent use.
type Store struct {
	banks [len(Banks)]bankCells

	subMu  sync.RWMutex
	subs   map[uint64]func(CellChange)
	nextID atomic.Uint64

	writes Counter
}

// NewStore creates a store with every cell zeroed.
func NewStore() *Store {
	s := &Store{
		subs: make(map[uint64]func(CellChange)),
	}
	for i := range s.banks {
		s.banks[i].cells = make([]uint16, cellSlots)
	}
	return s
}

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	store *Store
	id    uint64
	once  sync.Once
}

// Unsubscribe stops delivery to the listener. It is safe to call more than once.
func (sub *Subscription) Unsubscribe() {
	if sub == nil {
		return
	}
	sub.once.Do(func() {
		sub.store.subMu.Lock()
		delete(sub.store.subs, sub.id)
		sub.store.subMu.Unlock()
	})
}

// Subscribe registers a listener invoked synchronously after every
// successful write. Listeners run on the writer's goroutine and must not
// write to the store.
func (s *Store) Subscribe(listener func(CellChange)) *Subscription {
	id := s.nextID.Add(1)
	s.subMu.Lock()
	s.subs[id] = listener
	s.subMu.Unlock()
	return &Subscription{store: s, id: id}
}

// Writes returns the number of cells written since creation.
func (s *Store) Writes() int64 {
	return s.writes.Value()
}

func (s *Store) bank(b Bank) (*bankCells, error) {
	if !b.valid() {
		return nil, fmt.Errorf("%w: unknown bank %d", ErrAddressOutOfRange, uint8(b))
	}
	return &s.banks[b], nil
}

func checkRange(start, qty int) error {
	if start < 0 || qty < 1 || start+qty > StoreSize {
		return fmt.Errorf("%w: [%d, %d)", ErrAddressOutOfRange, start, start+qty)
	}
	return nil
}

// Get returns the value at index: 0 or 1 for discretes, 0..65535 for registers.
func (s *Store) Get(b Bank, index int) (int, error) {
	bc, err := s.bank(b)
	if err != nil {
		return 0, err
	}
	if err := checkRange(index, 1); err != nil {
		return 0, err
	}
	bc.mu.RLock()
	v := bc.cells[index+1]
	bc.mu.RUnlock()
	return int(v), nil
}

// GetSigned returns a register value interpreted as signed 16-bit.
func (s *Store) GetSigned(b Bank, index int) (int16, error) {
	if b.IsDiscrete() {
		return 0, fmt.Errorf("%w: %s holds bits", ErrBankMismatch, b)
	}
	v, err := s.Get(b, index)
	if err != nil {
		return 0, err
	}
	return int16(uint16(v)), nil
}

// GetBool returns a discrete value.
func (s *Store) GetBool(b Bank, index int) (bool, error) {
	if b.valid() && !b.IsDiscrete() {
		return false, fmt.Errorf("%w: %s holds registers", ErrBankMismatch, b)
	}
	v, err := s.Get(b, index)
	return v != 0, err
}

// Set writes value at index. Discretes accept 0 or 1. Registers accept
// [-32768, 65535], stored as the 16-bit two's complement pattern.
func (s *Store) Set(b Bank, index int, value int) error {
	raw, err := encodeValue(b, value)
	if err != nil {
		return err
	}
	return s.write(b, index, []uint16{raw})
}

// SetBool writes a discrete value.
func (s *Store) SetBool(b Bank, index int, value bool) error {
	if b.valid() && !b.IsDiscrete() {
		return fmt.Errorf("%w: %s holds registers", ErrBankMismatch, b)
	}
	return s.write(b, index, []uint16{boolCell(value)})
}

// ReadBools returns qty discretes starting at start.
func (s *Store) ReadBools(b Bank, start, qty int) ([]bool, error) {
	if b.valid() && !b.IsDiscrete() {
		return nil, fmt.Errorf("%w: %s holds registers", ErrBankMismatch, b)
	}
	raw, err := s.read(b, start, qty)
	if err != nil {
		return nil, err
	}
	values := make([]bool, len(raw))
	for i, v := range raw {
		values[i] = v != 0
	}
	return values, nil
}

// ReadRegisters returns qty registers starting at start.
func (s *Store) ReadRegisters(b Bank, start, qty int) ([]uint16, error) {
	if b.IsDiscrete() {
		return nil, fmt.Errorf("%w: %s holds bits", ErrBankMismatch, b)
	}
	return s.read(b, start, qty)
}

// WriteBools writes consecutive discretes under a single bank lock.
func (s *Store) WriteBools(b Bank, start int, values []bool) error {
	if b.valid() && !b.IsDiscrete() {
		return fmt.Errorf("%w: %s holds registers", ErrBankMismatch, b)
	}
	raw := make([]uint16, len(values))
	for i, v := range values {
		raw[i] = boolCell(v)
	}
	return s.write(b, start, raw)
}

// WriteRegisters writes consecutive registers under a single bank lock.
func (s *Store) WriteRegisters(b Bank, start int, values []uint16) error {
	if b.IsDiscrete() {
		return fmt.Errorf("%w: %s holds bits", ErrBankMismatch, b)
	}
	return s.write(b, start, values)
}

// Modify applies fn to the register at index as one atomic read-modify-write
// and returns the stored result.
func (s *Store) Modify(b Bank, index int, fn func(uint16) uint16) (uint16, error) {
	if b.IsDiscrete() {
		return 0, fmt.Errorf("%w: %s holds bits", ErrBankMismatch, b)
	}
	bc, err := s.bank(b)
	if err != nil {
		return 0, err
	}
	if err := checkRange(index, 1); err != nil {
		return 0, err
	}

	bc.mu.Lock()
	v := fn(bc.cells[index+1])
	bc.cells[index+1] = v
	bc.deliver.Lock()
	bc.mu.Unlock()
	s.notify(b, index, []uint16{v})
	bc.deliver.Unlock()
	s.writes.Add(1)
	return v, nil
}

// ReadCells returns qty raw cell values of any bank starting at start.
func (s *Store) ReadCells(b Bank, start, qty int) ([]uint16, error) {
	return s.read(b, start, qty)
}

// Snapshot copies a whole bank. Element i is the value at linear index i.
func (s *Store) Snapshot(b Bank) ([]uint16, error) {
	return s.read(b, 0, StoreSize)
}

func (s *Store) read(b Bank, start, qty int) ([]uint16, error) {
	bc, err := s.bank(b)
	if err != nil {
		return nil, err
	}
	if err := checkRange(start, qty); err != nil {
		return nil, err
	}
	out := make([]uint16, qty)
	bc.mu.RLock()
	copy(out, bc.cells[start+1:start+1+qty])
	bc.mu.RUnlock()
	return out, nil
}

func (s *Store) write(b Bank, start int, values []uint16) error {
	bc, err := s.bank(b)
	if err != nil {
		return err
	}
	if err := checkRange(start, len(values)); err != nil {
		return err
	}
	if b.IsDiscrete() {
		for _, v := range values {
			if v > 1 {
				return fmt.Errorf("%w: %d is not a bit", ErrValueOutOfRange, v)
			}
		}
	}

	bc.mu.Lock()
	copy(bc.cells[start+1:], values)
	bc.deliver.Lock()
	bc.mu.Unlock()
	s.notify(b, start, values)
	bc.deliver.Unlock()

	s.writes.Add(int64(len(values)))
	return nil
}

func (s *Store) notify(b Bank, start int, values []uint16) {
	s.subMu.RLock()
	if len(s.subs) == 0 {
		s.subMu.RUnlock()
		return
	}
	listeners := make([]func(CellChange), 0, len(s.subs))
	for _, fn := range s.subs {
		listeners = append(listeners, fn)
	}
	s.subMu.RUnlock()

	for i, v := range values {
		change := CellChange{Bank: b, Index: start + i, Value: v}
		for _, fn := range listeners {
			fn(change)
		}
	}
}

func encodeValue(b Bank, value int) (uint16, error) {
	if b.IsDiscrete() {
		if value != 0 && value != 1 {
			return 0, fmt.Errorf("%w: %s accepts 0 or 1, got %d", ErrValueOutOfRange, b, value)
		}
		return uint16(value), nil
	}
	if value < -32768 || value > 65535 {
		return 0, fmt.Errorf("%w: %s accepts -32768..65535, got %d", ErrValueOutOfRange, b, value)
	}
	if value < 0 {
		return uint16(int16(value)), nil
	}
	return uint16(value), nil
}

func boolCell(v bool) uint16 {
	if v {
		return 1
	}
	return 0
}
