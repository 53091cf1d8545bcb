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
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
)

// Request describes one decoded master request.
type Request struct {
	Unit     UnitID
	Function FunctionCode
	Address  uint16
	Quantity uint16

	// Exception is non-zero when the request was answered with an exception.
	Exception ExceptionCode
}

// String returns a one-line description suitable for a request log.
func (r Request) String() string {
	s := fmt.Sprintf("unit=%d fc=%02X %s", r.Unit, uint8(r.Function), r.Function)
	switch r.Function {
	case FuncReadExceptionStatus, FuncGetCommEventCounter, FuncReportServerID, FuncDiagnostics:
	default:
		s += fmt.Sprintf(" addr=%d qty=%d", r.Address, r.Quantity)
	}
	if r.Exception != 0 {
		s += " -> " + r.Exception.String()
	}
	return s
}

// Access describes a store access performed on behalf of a master.
type Access struct {
	Bank   Bank
	Start  int
	Values []uint16
	Write  bool
}

// Engine decodes request PDUs, applies them to a Store and builds the
// response PDUs. It is shared by every transport and safe for concurrent use.
type Engine struct {
	store *Store
	opts  *engineOptions

	events Counter
}

// NewEngine creates an engine serving store.
func NewEngine(store *Store, opts ...EngineOption) *Engine {
	options := defaultEngineOptions()
	for _, opt := range opts {
		opt(options)
	}
	return &Engine{store: store, opts: options}
}

// Process handles one request PDU and returns the response PDU. Malformed or
// unsupported requests yield exception responses; Process never fails.
func (e *Engine) Process(unit UnitID, pdu []byte) []byte {
	if len(pdu) < 1 {
		return Exception(0, ExceptionIllegalFunction)
	}

	fc := FunctionCode(pdu[0])
	req := Request{Unit: unit, Function: fc}
	if len(pdu) >= 5 {
		req.Address = binary.BigEndian.Uint16(pdu[1:3])
		req.Quantity = binary.BigEndian.Uint16(pdu[3:5])
	}

	e.opts.logger.Debug("processing request",
		slog.Uint64("unit_id", uint64(unit)),
		slog.String("func", fc.String()))

	var resp []byte
	var err error

	switch fc {
	case FuncReadCoils:
		resp, err = e.handleReadBits(fc, CoilDiscretes, MaxQuantityCoils, pdu)
	case FuncReadDiscreteInputs:
		resp, err = e.handleReadBits(fc, InputDiscretes, MaxQuantityDiscreteInputs, pdu)
	case FuncReadHoldingRegisters:
		resp, err = e.handleReadRegisters(fc, HoldingRegisters, pdu)
	case FuncReadInputRegisters:
		resp, err = e.handleReadRegisters(fc, InputRegisters, pdu)
	case FuncWriteSingleCoil:
		resp, err = e.handleWriteSingleCoil(pdu)
	case FuncWriteSingleRegister:
		resp, err = e.handleWriteSingleRegister(pdu)
	case FuncReadExceptionStatus:
		resp = []byte{byte(FuncReadExceptionStatus), 0}
	case FuncDiagnostics:
		resp = e.handleDiagnostics(pdu)
	case FuncGetCommEventCounter:
		resp = make([]byte, 5)
		resp[0] = byte(FuncGetCommEventCounter)
		binary.BigEndian.PutUint16(resp[3:5], uint16(e.events.Value()))
	case FuncWriteMultipleCoils:
		resp, err = e.handleWriteMultipleCoils(pdu)
	case FuncWriteMultipleRegisters:
		resp, err = e.handleWriteMultipleRegisters(pdu)
	case FuncReportServerID:
		resp = e.handleReportServerID()
	case FuncMaskWriteRegister:
		resp, err = e.handleMaskWriteRegister(pdu)
	case FuncReadWriteMultipleRegisters:
		resp, err = e.handleReadWriteMultipleRegisters(pdu)
	default:
		resp = Exception(fc, ExceptionIllegalFunction)
	}

	if err != nil {
		resp = e.handleError(fc, err)
	}

	if IsExceptionPDU(resp) {
		req.Exception = ExceptionCode(resp[1])
	} else if fc != FuncGetCommEventCounter && fc != FuncReadExceptionStatus {
		e.events.Add(1)
	}
	if e.opts.onRequest != nil {
		e.opts.onRequest(req)
	}
	return resp
}

func (e *Engine) handleError(fc FunctionCode, err error) []byte {
	var modbusErr *ModbusError
	switch {
	case errors.As(err, &modbusErr):
		return Exception(fc, modbusErr.ExceptionCode)
	case errors.Is(err, ErrAddressOutOfRange):
		return Exception(fc, ExceptionIllegalDataAddress)
	case errors.Is(err, ErrValueOutOfRange):
		return Exception(fc, ExceptionIllegalDataValue)
	}
	e.opts.logger.Error("store error",
		slog.String("func", fc.String()),
		slog.String("error", err.Error()))
	return Exception(fc, ExceptionServerDeviceFailure)
}

func (e *Engine) accessed(a Access) {
	if e.opts.onAccess != nil {
		e.opts.onAccess(a)
	}
}

// checkSpan validates a start/quantity pair against the store's index domain.
func checkSpan(fc FunctionCode, addr, qty uint16, maxQty int) error {
	if qty < 1 || int(qty) > maxQty {
		return NewModbusError(fc, ExceptionIllegalDataValue)
	}
	if int(addr)+int(qty) > StoreSize {
		return NewModbusError(fc, ExceptionIllegalDataAddress)
	}
	return nil
}

func (e *Engine) handleReadBits(fc FunctionCode, b Bank, maxQty int, pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return Exception(fc, ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])
	if err := checkSpan(fc, addr, qty, maxQty); err != nil {
		return nil, err
	}

	values, err := e.store.ReadBools(b, int(addr), int(qty))
	if err != nil {
		return nil, err
	}
	e.accessed(Access{Bank: b, Start: int(addr), Values: boolsToCells(values)})

	packed := packBools(values)
	resp := make([]byte, 2+len(packed))
	resp[0] = byte(fc)
	resp[1] = byte(len(packed))
	copy(resp[2:], packed)
	return resp, nil
}

func (e *Engine) handleReadRegisters(fc FunctionCode, b Bank, pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return Exception(fc, ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])
	if err := checkSpan(fc, addr, qty, MaxQuantityRegisters); err != nil {
		return nil, err
	}

	values, err := e.store.ReadRegisters(b, int(addr), int(qty))
	if err != nil {
		return nil, err
	}
	e.accessed(Access{Bank: b, Start: int(addr), Values: values})

	resp := make([]byte, 2+2*len(values))
	resp[0] = byte(fc)
	resp[1] = byte(2 * len(values))
	putRegisters(resp[2:], values)
	return resp, nil
}

func (e *Engine) handleWriteSingleCoil(pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return Exception(FuncWriteSingleCoil, ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	value := binary.BigEndian.Uint16(pdu[3:5])

	var on bool
	switch value {
	case CoilOn:
		on = true
	case CoilOff:
	default:
		return Exception(FuncWriteSingleCoil, ExceptionIllegalDataValue), nil
	}
	if err := checkSpan(FuncWriteSingleCoil, addr, 1, 1); err != nil {
		return nil, err
	}

	if err := e.store.SetBool(CoilDiscretes, int(addr), on); err != nil {
		return nil, err
	}
	e.accessed(Access{Bank: CoilDiscretes, Start: int(addr), Values: []uint16{boolCell(on)}, Write: true})

	// Echo request as response (copy to avoid sharing slice)
	resp := make([]byte, 5)
	copy(resp, pdu[:5])
	return resp, nil
}

func (e *Engine) handleWriteSingleRegister(pdu []byte) ([]byte, error) {
	if len(pdu) < 5 {
		return Exception(FuncWriteSingleRegister, ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	value := binary.BigEndian.Uint16(pdu[3:5])
	if err := checkSpan(FuncWriteSingleRegister, addr, 1, 1); err != nil {
		return nil, err
	}

	if err := e.store.WriteRegisters(HoldingRegisters, int(addr), []uint16{value}); err != nil {
		return nil, err
	}
	e.accessed(Access{Bank: HoldingRegisters, Start: int(addr), Values: []uint16{value}, Write: true})

	resp := make([]byte, 5)
	copy(resp, pdu[:5])
	return resp, nil
}

func (e *Engine) handleDiagnostics(pdu []byte) []byte {
	if len(pdu) < 3 {
		return Exception(FuncDiagnostics, ExceptionIllegalDataValue)
	}
	if sub := binary.BigEndian.Uint16(pdu[1:3]); sub != DiagReturnQueryData {
		return Exception(FuncDiagnostics, ExceptionIllegalFunction)
	}
	resp := make([]byte, len(pdu))
	copy(resp, pdu)
	return resp
}

func (e *Engine) handleWriteMultipleCoils(pdu []byte) ([]byte, error) {
	if len(pdu) < 6 {
		return Exception(FuncWriteMultipleCoils, ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])
	byteCount := int(pdu[5])
	if err := checkSpan(FuncWriteMultipleCoils, addr, qty, MaxQuantityCoils); err != nil {
		return nil, err
	}
	if byteCount != (int(qty)+7)/8 || len(pdu) < 6+byteCount {
		return Exception(FuncWriteMultipleCoils, ExceptionIllegalDataValue), nil
	}

	values := unpackBools(pdu[6:], int(qty))
	if err := e.store.WriteBools(CoilDiscretes, int(addr), values); err != nil {
		return nil, err
	}
	e.accessed(Access{Bank: CoilDiscretes, Start: int(addr), Values: boolsToCells(values), Write: true})

	resp := make([]byte, 5)
	resp[0] = byte(FuncWriteMultipleCoils)
	binary.BigEndian.PutUint16(resp[1:3], addr)
	binary.BigEndian.PutUint16(resp[3:5], qty)
	return resp, nil
}

func (e *Engine) handleWriteMultipleRegisters(pdu []byte) ([]byte, error) {
	if len(pdu) < 6 {
		return Exception(FuncWriteMultipleRegisters, ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	qty := binary.BigEndian.Uint16(pdu[3:5])
	byteCount := int(pdu[5])
	if err := checkSpan(FuncWriteMultipleRegisters, addr, qty, MaxQuantityWriteRegisters); err != nil {
		return nil, err
	}
	if byteCount != 2*int(qty) || len(pdu) < 6+byteCount {
		return Exception(FuncWriteMultipleRegisters, ExceptionIllegalDataValue), nil
	}

	values := getRegisters(pdu[6:], int(qty))
	if err := e.store.WriteRegisters(HoldingRegisters, int(addr), values); err != nil {
		return nil, err
	}
	e.accessed(Access{Bank: HoldingRegisters, Start: int(addr), Values: values, Write: true})

	resp := make([]byte, 5)
	resp[0] = byte(FuncWriteMultipleRegisters)
	binary.BigEndian.PutUint16(resp[1:3], addr)
	binary.BigEndian.PutUint16(resp[3:5], qty)
	return resp, nil
}

func (e *Engine) handleReportServerID() []byte {
	id := e.opts.serverID
	if len(id) > 250 {
		id = id[:250]
	}
	// Byte count covers the id and the run indicator.
	resp := make([]byte, 0, 3+len(id))
	resp = append(resp, byte(FuncReportServerID), byte(len(id)+1))
	resp = append(resp, id...)
	return append(resp, 0xFF)
}

func (e *Engine) handleMaskWriteRegister(pdu []byte) ([]byte, error) {
	if len(pdu) < 7 {
		return Exception(FuncMaskWriteRegister, ExceptionIllegalDataValue), nil
	}
	addr := binary.BigEndian.Uint16(pdu[1:3])
	andMask := binary.BigEndian.Uint16(pdu[3:5])
	orMask := binary.BigEndian.Uint16(pdu[5:7])
	if err := checkSpan(FuncMaskWriteRegister, addr, 1, 1); err != nil {
		return nil, err
	}

	v, err := e.store.Modify(HoldingRegisters, int(addr), func(cur uint16) uint16 {
		return (cur & andMask) | (orMask &^ andMask)
	})
	if err != nil {
		return nil, err
	}
	e.accessed(Access{Bank: HoldingRegisters, Start: int(addr), Values: []uint16{v}, Write: true})

	resp := make([]byte, 7)
	copy(resp, pdu[:7])
	return resp, nil
}

func (e *Engine) handleReadWriteMultipleRegisters(pdu []byte) ([]byte, error) {
	fc := FuncReadWriteMultipleRegisters
	if len(pdu) < 10 {
		return Exception(fc, ExceptionIllegalDataValue), nil
	}
	readAddr := binary.BigEndian.Uint16(pdu[1:3])
	readQty := binary.BigEndian.Uint16(pdu[3:5])
	writeAddr := binary.BigEndian.Uint16(pdu[5:7])
	writeQty := binary.BigEndian.Uint16(pdu[7:9])
	byteCount := int(pdu[9])

	if err := checkSpan(fc, readAddr, readQty, MaxQuantityRegisters); err != nil {
		return nil, err
	}
	if err := checkSpan(fc, writeAddr, writeQty, MaxQuantityReadWriteRegisters); err != nil {
		return nil, err
	}
	if byteCount != 2*int(writeQty) || len(pdu) < 10+byteCount {
		return Exception(fc, ExceptionIllegalDataValue), nil
	}

	// The write is performed before the read.
	values := getRegisters(pdu[10:], int(writeQty))
	if err := e.store.WriteRegisters(HoldingRegisters, int(writeAddr), values); err != nil {
		return nil, err
	}
	e.accessed(Access{Bank: HoldingRegisters, Start: int(writeAddr), Values: values, Write: true})

	read, err := e.store.ReadRegisters(HoldingRegisters, int(readAddr), int(readQty))
	if err != nil {
		return nil, err
	}
	e.accessed(Access{Bank: HoldingRegisters, Start: int(readAddr), Values: read})

	resp := make([]byte, 2+2*len(read))
	resp[0] = byte(fc)
	resp[1] = byte(2 * len(read))
	putRegisters(resp[2:], read)
	return resp, nil
}

func boolsToCells(values []bool) []uint16 {
	cells := make([]uint16, len(values))
	for i, v := range values {
		cells[i] = boolCell(v)
	}
	return cells
}
