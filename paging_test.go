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
	"testing"
)

func TestPageWidth(t *testing.T) {
	tests := []struct {
		bank    Bank
		width   int
		maxRows int
	}{
		{CoilDiscretes, 16, 4096},
		{InputDiscretes, 16, 4096},
		{InputRegisters, 10, 6554},
		{HoldingRegisters, 10, 6554},
	}

	for _, tt := range tests {
		t.Run(tt.bank.String(), func(t *testing.T) {
			if got := PageWidth(tt.bank); got != tt.width {
				t.Errorf("PageWidth: expected %d, got %d", tt.width, got)
			}
			if got := MaxRows(tt.width); got != tt.maxRows {
				t.Errorf("MaxRows: expected %d, got %d", tt.maxRows, got)
			}
		})
	}
}

func TestToPageToLinearRoundTrip(t *testing.T) {
	for _, b := range Banks {
		width := PageWidth(b)
		for linear := 0; linear < AddressSpace; linear++ {
			row, col, err := ToPage(b, linear, width)
			if err != nil {
				t.Fatalf("%s ToPage(%d): %v", b, linear, err)
			}
			if col < 1 || col > width {
				t.Fatalf("%s ToPage(%d): column %d out of 1..%d", b, linear, col, width)
			}
			back, err := ToLinear(b, row, col, width)
			if err != nil {
				t.Fatalf("%s ToLinear(%d, %d): %v", b, row, col, err)
			}
			if back != linear {
				t.Fatalf("%s round trip: expected %d, got %d", b, linear, back)
			}
		}
	}
}

func TestToPageFirstHoldingRegister(t *testing.T) {
	row, col, err := ToPage(HoldingRegisters, 0, RegisterPageWidth)
	if err != nil {
		t.Fatalf("ToPage failed: %v", err)
	}
	if row != 0 || col != 1 {
		t.Errorf("expected (0, 1), got (%d, %d)", row, col)
	}

	label, err := RowLabel(HoldingRegisters, row, RegisterPageWidth)
	if err != nil {
		t.Fatalf("RowLabel failed: %v", err)
	}
	if label != "400001-400010" {
		t.Errorf("expected 400001-400010, got %s", label)
	}
}

func TestInvalidCoordinates(t *testing.T) {
	tests := []struct {
		name     string
		bank     Bank
		row, col int
	}{
		{"label column", HoldingRegisters, 0, 0},
		{"past width", HoldingRegisters, 0, 11},
		{"negative row", CoilDiscretes, -1, 1},
		{"partial last register row", HoldingRegisters, 6553, 7},
		{"row past geometry", CoilDiscretes, 4096, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ToLinear(tt.bank, tt.row, tt.col, PageWidth(tt.bank))
			if !errors.Is(err, ErrInvalidCoordinate) {
				t.Errorf("expected ErrInvalidCoordinate, got %v", err)
			}
		})
	}

	if _, _, err := ToPage(CoilDiscretes, AddressSpace, DiscretePageWidth); !errors.Is(err, ErrInvalidCoordinate) {
		t.Errorf("ToPage past address space: expected ErrInvalidCoordinate, got %v", err)
	}
	if _, _, err := ToPage(CoilDiscretes, 0, 0); !errors.Is(err, ErrInvalidCoordinate) {
		t.Errorf("ToPage zero width: expected ErrInvalidCoordinate, got %v", err)
	}
}

func TestRowLabel(t *testing.T) {
	tests := []struct {
		bank   Bank
		row    int
		expect string
	}{
		{CoilDiscretes, 0, "000001-000016"},
		{InputDiscretes, 1, "100017-100032"},
		{InputRegisters, 2, "300021-300030"},
		{HoldingRegisters, 6553, "465531-465536"},
		{CoilDiscretes, 4095, "065521-065536"},
	}

	for _, tt := range tests {
		t.Run(tt.expect, func(t *testing.T) {
			got, err := RowLabel(tt.bank, tt.row, PageWidth(tt.bank))
			if err != nil {
				t.Fatalf("RowLabel failed: %v", err)
			}
			if got != tt.expect {
				t.Errorf("expected %s, got %s", tt.expect, got)
			}
		})
	}

	if _, err := RowLabel(HoldingRegisters, 6554, RegisterPageWidth); !errors.Is(err, ErrInvalidCoordinate) {
		t.Errorf("row past geometry: expected ErrInvalidCoordinate, got %v", err)
	}
}

func TestCellLabel(t *testing.T) {
	got, err := CellLabel(HoldingRegisters, 0)
	if err != nil {
		t.Fatalf("CellLabel failed: %v", err)
	}
	if got != "400001" {
		t.Errorf("expected 400001, got %s", got)
	}
	got, _ = CellLabel(CoilDiscretes, 65535)
	if got != "065536" {
		t.Errorf("expected 065536, got %s", got)
	}
}

func TestPagingRowCap(t *testing.T) {
	p := NewPaging()

	if got := p.Rows(HoldingRegisters); got != DefaultRows {
		t.Errorf("default rows: expected %d, got %d", DefaultRows, got)
	}

	// Row 20 is beyond the default cap.
	if _, _, err := p.ToPage(HoldingRegisters, 200); !errors.Is(err, ErrInvalidCoordinate) {
		t.Errorf("beyond cap: expected ErrInvalidCoordinate, got %v", err)
	}
	if _, err := p.ToLinear(HoldingRegisters, 20, 1); !errors.Is(err, ErrInvalidCoordinate) {
		t.Errorf("beyond cap: expected ErrInvalidCoordinate, got %v", err)
	}

	p.MarkMaterialized(HoldingRegisters)
	if err := p.SetPageWidth(HoldingRegisters, RowsMax); err != nil {
		t.Fatalf("SetPageWidth failed: %v", err)
	}
	if got := p.Rows(HoldingRegisters); got != 6554 {
		t.Errorf("max rows: expected 6554, got %d", got)
	}
	if p.Materialized(HoldingRegisters) {
		t.Error("changing the row cap should clear the materialized flag")
	}

	row, col, err := p.ToPage(HoldingRegisters, 65534)
	if err != nil {
		t.Fatalf("ToPage failed: %v", err)
	}
	if row != 6553 || col != 5 {
		t.Errorf("expected (6553, 5), got (%d, %d)", row, col)
	}

	if got := p.Rows(CoilDiscretes); got != DefaultRows {
		t.Errorf("other banks keep their cap: expected %d, got %d", DefaultRows, got)
	}

	if err := p.SetPageWidth(CoilDiscretes, 0); !errors.Is(err, ErrInvalidCoordinate) {
		t.Errorf("zero cap: expected ErrInvalidCoordinate, got %v", err)
	}
}
