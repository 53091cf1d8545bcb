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
)

// Page geometry.
const (
	// AddressSpace is the number of linear addresses the page geometry covers.
	// It is one more than StoreSize: the last cell is displayable but not
	// addressable through the store.
	AddressSpace = 65536

	// DiscretePageWidth is the number of value columns per row for bit banks.
	DiscretePageWidth = 16

	// RegisterPageWidth is the number of value columns per row for register banks.
	RegisterPageWidth = 10

	// DefaultRows is the row cap a bank starts with.
	DefaultRows = 20

	// RowsMax selects the full geometry in SetPageWidth.
	RowsMax = -1
)

// PageWidth returns the number of value columns per row for a bank.
func PageWidth(b Bank) int {
	if b.IsDiscrete() {
		return DiscretePageWidth
	}
	return RegisterPageWidth
}

// MaxRows returns the number of rows needed to show every linear address.
func MaxRows(width int) int {
	if width <= 0 {
		return 0
	}
	return (AddressSpace + width - 1) / width
}

func checkGeometry(b Bank, width int) error {
	if !b.valid() {
		return fmt.Errorf("%w: unknown bank %d", ErrInvalidCoordinate, uint8(b))
	}
	if width <= 0 {
		return fmt.Errorf("%w: width %d", ErrInvalidCoordinate, width)
	}
	return nil
}

// ToPage maps a linear address to a (row, column) grid coordinate. Column 0
// holds the row label, so value columns are 1..width.
func ToPage(b Bank, linear, width int) (row, col int, err error) {
	if err := checkGeometry(b, width); err != nil {
		return 0, 0, err
	}
	if linear < 0 || linear >= AddressSpace {
		return 0, 0, fmt.Errorf("%w: linear address %d", ErrInvalidCoordinate, linear)
	}
	return linear / width, linear%width + 1, nil
}

// ToLinear maps a grid coordinate back to a linear address. Coordinates past
// the partial last row are rejected.
func ToLinear(b Bank, row, col, width int) (int, error) {
	if err := checkGeometry(b, width); err != nil {
		return 0, err
	}
	if row < 0 || col < 1 || col > width {
		return 0, fmt.Errorf("%w: (%d, %d)", ErrInvalidCoordinate, row, col)
	}
	linear := row*width + col - 1
	if linear >= AddressSpace {
		return 0, fmt.Errorf("%w: (%d, %d) is past the last address", ErrInvalidCoordinate, row, col)
	}
	return linear, nil
}

// RowLabel returns the 1-based address span of a row, such as "400001-400010".
func RowLabel(b Bank, row, width int) (string, error) {
	if err := checkGeometry(b, width); err != nil {
		return "", err
	}
	if row < 0 || row >= MaxRows(width) {
		return "", fmt.Errorf("%w: row %d", ErrInvalidCoordinate, row)
	}
	lo := row*width + 1
	hi := min(lo+width-1, AddressSpace)
	p := b.Prefix()
	return fmt.Sprintf("%c%05d-%c%05d", p, lo, p, hi), nil
}

// CellLabel returns the 1-based conventional address of one cell, such as "400001".
func CellLabel(b Bank, linear int) (string, error) {
	if !b.valid() || linear < 0 || linear >= AddressSpace {
		return "", fmt.Errorf("%w: linear address %d", ErrInvalidCoordinate, linear)
	}
	return fmt.Sprintf("%c%05d", b.Prefix(), linear+1), nil
}

// Paging holds the active row cap of each bank's grid. It is safe for
// concurrent use.
type Paging struct {
	mu           sync.Mutex
	rows         [len(Banks)]int
	materialized [len(Banks)]bool
}

// NewPaging creates a Paging with every bank at DefaultRows.
func NewPaging() *Paging {
	p := &Paging{}
	for i := range p.rows {
		p.rows[i] = DefaultRows
	}
	return p
}

// SetPageWidth sets the number of rows shown for a bank. RowsMax, or any
// value at or above the bank's maximum, selects the full geometry. Changing
// the cap clears the bank's materialized flag.
func (p *Paging) SetPageWidth(b Bank, rowCap int) error {
	if !b.valid() {
		return fmt.Errorf("%w: unknown bank %d", ErrInvalidCoordinate, uint8(b))
	}
	limit := MaxRows(PageWidth(b))
	switch {
	case rowCap == RowsMax || rowCap > limit:
		rowCap = limit
	case rowCap < 1:
		return fmt.Errorf("%w: row cap %d", ErrInvalidCoordinate, rowCap)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rows[b] != rowCap {
		p.rows[b] = rowCap
		p.materialized[b] = false
	}
	return nil
}

// Rows returns the active row cap of a bank.
func (p *Paging) Rows(b Bank) int {
	if !b.valid() {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rows[b]
}

// ToPage maps a linear address to a coordinate within the active rows.
func (p *Paging) ToPage(b Bank, linear int) (row, col int, err error) {
	row, col, err = ToPage(b, linear, PageWidth(b))
	if err != nil {
		return 0, 0, err
	}
	if rows := p.Rows(b); row >= rows {
		return 0, 0, fmt.Errorf("%w: row %d beyond %d visible rows", ErrInvalidCoordinate, row, rows)
	}
	return row, col, nil
}

// ToLinear maps a coordinate within the active rows to a linear address.
func (p *Paging) ToLinear(b Bank, row, col int) (int, error) {
	if rows := p.Rows(b); row >= rows {
		return 0, fmt.Errorf("%w: row %d beyond %d visible rows", ErrInvalidCoordinate, row, rows)
	}
	return ToLinear(b, row, col, PageWidth(b))
}

// Materialized reports whether the bank's grid has been populated since the
// last row cap change.
func (p *Paging) Materialized(b Bank) bool {
	if !b.valid() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.materialized[b]
}

// MarkMaterialized records that the bank's grid has been populated.
func (p *Paging) MarkMaterialized(b Bank) {
	if !b.valid() {
		return
	}
	p.mu.Lock()
	p.materialized[b] = true
	p.mu.Unlock()
}
