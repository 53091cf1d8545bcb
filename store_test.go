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
	"errors"
	"sync"
	"testing"
)

func TestStoreReadYourWrite(t *testing.T) {
	s := NewStore()

	tests := []struct {
		bank  Bank
		index int
		value int
		read  int
	}{
		{CoilDiscretes, 0, 1, 1},
		{InputDiscretes, 65534, 1, 1},
		{InputRegisters, 100, 65535, 65535},
		{HoldingRegisters, 0, 1234, 1234},
		{HoldingRegisters, 1, -1, 65535},
		{HoldingRegisters, 2, -32768, 32768},
	}

	for _, tt := range tests {
		if err := s.Set(tt.bank, tt.index, tt.value); err != nil {
			t.Fatalf("Set(%s, %d, %d): %v", tt.bank, tt.index, tt.value, err)
		}
		got, err := s.Get(tt.bank, tt.index)
		if err != nil {
			t.Fatalf("Get(%s, %d): %v", tt.bank, tt.index, err)
		}
		if got != tt.read {
			t.Errorf("%s[%d]: expected %d, got %d", tt.bank, tt.index, tt.read, got)
		}
	}
}

func TestStoreSignedView(t *testing.T) {
	s := NewStore()

	if err := s.Set(InputRegisters, 65534, 65535); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	v, err := s.GetSigned(InputRegisters, 65534)
	if err != nil {
		t.Fatalf("GetSigned failed: %v", err)
	}
	if v != -1 {
		t.Errorf("expected -1, got %d", v)
	}

	if _, err := s.GetSigned(CoilDiscretes, 0); !errors.Is(err, ErrBankMismatch) {
		t.Errorf("GetSigned on coils: expected ErrBankMismatch, got %v", err)
	}
}

func TestStoreAddressOutOfRange(t *testing.T) {
	s := NewStore()

	for _, index := range []int{-1, StoreSize, 70000} {
		if _, err := s.Get(HoldingRegisters, index); !errors.Is(err, ErrAddressOutOfRange) {
			t.Errorf("Get(%d): expected ErrAddressOutOfRange, got %v", index, err)
		}
		if err := s.Set(HoldingRegisters, index, 1); !errors.Is(err, ErrAddressOutOfRange) {
			t.Errorf("Set(%d): expected ErrAddressOutOfRange, got %v", index, err)
		}
	}

	if err := s.WriteRegisters(HoldingRegisters, StoreSize-1, []uint16{1, 2}); !errors.Is(err, ErrAddressOutOfRange) {
		t.Errorf("range past end: expected ErrAddressOutOfRange, got %v", err)
	}
	if v, _ := s.Get(HoldingRegisters, StoreSize-1); v != 0 {
		t.Errorf("rejected range write must not mutate, got %d", v)
	}
}

func TestStoreValueOutOfRange(t *testing.T) {
	s := NewStore()

	tests := []struct {
		name  string
		bank  Bank
		value int
	}{
		{"coil 2", CoilDiscretes, 2},
		{"discrete -1", InputDiscretes, -1},
		{"register too large", HoldingRegisters, 65536},
		{"register too small", InputRegisters, -32769},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Set(tt.bank, 5, tt.value); !errors.Is(err, ErrValueOutOfRange) {
				t.Errorf("expected ErrValueOutOfRange, got %v", err)
			}
			if v, _ := s.Get(tt.bank, 5); v != 0 {
				t.Errorf("rejected write must not mutate, got %d", v)
			}
		})
	}
}

func TestStoreTypedAccessors(t *testing.T) {
	s := NewStore()

	if err := s.SetBool(CoilDiscretes, 3, true); err != nil {
		t.Fatalf("SetBool failed: %v", err)
	}
	v, err := s.GetBool(CoilDiscretes, 3)
	if err != nil || !v {
		t.Errorf("GetBool: expected true, got %v (%v)", v, err)
	}

	if err := s.SetBool(HoldingRegisters, 3, true); !errors.Is(err, ErrBankMismatch) {
		t.Errorf("SetBool on registers: expected ErrBankMismatch, got %v", err)
	}
	if _, err := s.ReadRegisters(CoilDiscretes, 0, 1); !errors.Is(err, ErrBankMismatch) {
		t.Errorf("ReadRegisters on coils: expected ErrBankMismatch, got %v", err)
	}
	if err := s.WriteBools(InputRegisters, 0, []bool{true}); !errors.Is(err, ErrBankMismatch) {
		t.Errorf("WriteBools on registers: expected ErrBankMismatch, got %v", err)
	}
}

func TestStoreRangeAccess(t *testing.T) {
	s := NewStore()

	if err := s.WriteRegisters(HoldingRegisters, 10, []uint16{1, 2, 3}); err != nil {
		t.Fatalf("WriteRegisters failed: %v", err)
	}
	regs, err := s.ReadRegisters(HoldingRegisters, 9, 5)
	if err != nil {
		t.Fatalf("ReadRegisters failed: %v", err)
	}
	expected := []uint16{0, 1, 2, 3, 0}
	for i := range expected {
		if regs[i] != expected[i] {
			t.Errorf("register %d: expected %d, got %d", 9+i, expected[i], regs[i])
		}
	}

	if err := s.WriteBools(CoilDiscretes, 0, []bool{true, false, true}); err != nil {
		t.Fatalf("WriteBools failed: %v", err)
	}
	bits, err := s.ReadBools(CoilDiscretes, 0, 3)
	if err != nil {
		t.Fatalf("ReadBools failed: %v", err)
	}
	if !bits[0] || bits[1] || !bits[2] {
		t.Errorf("expected [true false true], got %v", bits)
	}
}

func TestStoreModify(t *testing.T) {
	s := NewStore()
	s.Set(HoldingRegisters, 4, 0x12)

	v, err := s.Modify(HoldingRegisters, 4, func(cur uint16) uint16 {
		return (cur & 0xF2) | (0x25 &^ 0xF2)
	})
	if err != nil {
		t.Fatalf("Modify failed: %v", err)
	}
	if v != 0x17 {
		t.Errorf("expected 0x17, got 0x%02X", v)
	}
	if got := s.Writes(); got != 2 {
		t.Errorf("Writes: expected 2 after Set and Modify, got %d", got)
	}
}

func TestStoreSubscribe(t *testing.T) {
	s := NewStore()

	var mu sync.Mutex
	var changes []CellChange
	sub := s.Subscribe(func(c CellChange) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	s.Set(HoldingRegisters, 0, 1234)
	s.WriteRegisters(HoldingRegisters, 1, []uint16{7, 8})
	s.Set(HoldingRegisters, 0, 99999) // rejected, no notification

	mu.Lock()
	got := append([]CellChange(nil), changes...)
	mu.Unlock()

	expected := []CellChange{
		{Bank: HoldingRegisters, Index: 0, Value: 1234},
		{Bank: HoldingRegisters, Index: 1, Value: 7},
		{Bank: HoldingRegisters, Index: 2, Value: 8},
	}
	if len(got) != len(expected) {
		t.Fatalf("expected %d notifications, got %d", len(expected), len(got))
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Errorf("notification %d: expected %+v, got %+v", i, expected[i], got[i])
		}
	}

	sub.Unsubscribe()
	sub.Unsubscribe()
	s.Set(HoldingRegisters, 0, 1)

	mu.Lock()
	defer mu.Unlock()
	if len(changes) != len(expected) {
		t.Errorf("no delivery after Unsubscribe: got %d notifications", len(changes))
	}
}

func TestStoreNotificationOrder(t *testing.T) {
	s := NewStore()

	var mu sync.Mutex
	var seen []uint16
	s.Subscribe(func(c CellChange) {
		mu.Lock()
		seen = append(seen, c.Value)
		mu.Unlock()
	})

	const writers = 8
	const perWriter = 200
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				s.Set(HoldingRegisters, 0, w*perWriter+i)
			}
		}(w)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != writers*perWriter {
		t.Fatalf("expected %d notifications, got %d", writers*perWriter, len(seen))
	}

	// The last notification must carry the committed value.
	final, _ := s.Get(HoldingRegisters, 0)
	if int(seen[len(seen)-1]) != final {
		t.Errorf("last notification %d does not match stored value %d", seen[len(seen)-1], final)
	}

	// Each writer's values must arrive in the order it wrote them.
	last := make(map[int]int)
	for _, v := range seen {
		w := int(v) / perWriter
		if prev, ok := last[w]; ok && int(v) <= prev {
			t.Fatalf("writer %d: %d delivered after %d", w, v, prev)
		}
		last[w] = int(v)
	}
}

func TestStoreConcurrentBanks(t *testing.T) {
	s := NewStore()

	var wg sync.WaitGroup
	for _, b := range Banks {
		wg.Add(1)
		go func(b Bank) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				v := i % 2
				if err := s.Set(b, i, v); err != nil {
					t.Errorf("Set(%s, %d): %v", b, i, err)
					return
				}
				if got, _ := s.Get(b, i); got != v {
					t.Errorf("%s[%d]: expected %d, got %d", b, i, v, got)
					return
				}
			}
		}(b)
	}
	wg.Wait()

	if got := s.Writes(); got != 4000 {
		t.Errorf("Writes: expected 4000, got %d", got)
	}
}
