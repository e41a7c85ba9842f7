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

// Package slave connects remote accesses to the local register map with
// the IO side of the board.
package slave

import (
	"strings"
	"sync/atomic"
	"time"

	modbus "github.com/edgeo-scada/modbus-gateway"
	"github.com/edgeo-scada/modbus-gateway/internal/registers"
)

// EventKind is a bit in the access event mask.
type EventKind uint8

// Access event kinds.
const (
	HoldingRead EventKind = 1 << iota
	HoldingWrite
	InputRead
	DiscreteRead
	CoilRead
	CoilWrite

	AllEvents = HoldingRead | HoldingWrite | InputRead | DiscreteRead | CoilRead | CoilWrite
)

// String returns the names of the bits set in k.
func (k EventKind) String() string {
	names := []string{"holding-read", "holding-write", "input-read", "discrete-read", "coil-read", "coil-write"}
	var parts []string
	for i, name := range names {
		if k&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// AccessEvent describes one completed remote access.
type AccessEvent struct {
	Kind   EventKind
	Offset uint16
	Size   uint16
	Time   time.Time
}

// Handler serves the register store to the slave server and reports every
// successful access on its event channel.
type Handler struct {
	store   *registers.Store
	events  chan AccessEvent
	dropped uint64
}

// NewHandler wraps store. buffer is the event channel depth.
func NewHandler(store *registers.Store, buffer int) *Handler {
	if buffer <= 0 {
		buffer = 64
	}
	return &Handler{
		store:  store,
		events: make(chan AccessEvent, buffer),
	}
}

// Events returns the access event stream.
func (h *Handler) Events() <-chan AccessEvent {
	return h.events
}

// Dropped returns how many events were lost to a full buffer.
func (h *Handler) Dropped() uint64 {
	return atomic.LoadUint64(&h.dropped)
}

func (h *Handler) post(kind EventKind, offset, size uint16) {
	select {
	case h.events <- AccessEvent{Kind: kind, Offset: offset, Size: size, Time: time.Now()}:
	default:
		atomic.AddUint64(&h.dropped, 1)
	}
}

// ReadCoils implements modbus.Handler.
func (h *Handler) ReadCoils(unitID modbus.UnitID, addr, qty uint16) ([]bool, error) {
	v, err := h.store.ReadCoils(unitID, addr, qty)
	if err == nil {
		h.post(CoilRead, addr, qty)
	}
	return v, err
}

// ReadDiscreteInputs implements modbus.Handler.
func (h *Handler) ReadDiscreteInputs(unitID modbus.UnitID, addr, qty uint16) ([]bool, error) {
	v, err := h.store.ReadDiscreteInputs(unitID, addr, qty)
	if err == nil {
		h.post(DiscreteRead, addr, qty)
	}
	return v, err
}

// WriteSingleCoil implements modbus.Handler.
func (h *Handler) WriteSingleCoil(unitID modbus.UnitID, addr uint16, value bool) error {
	err := h.store.WriteSingleCoil(unitID, addr, value)
	if err == nil {
		h.post(CoilWrite, addr, 1)
	}
	return err
}

// WriteMultipleCoils implements modbus.Handler.
func (h *Handler) WriteMultipleCoils(unitID modbus.UnitID, addr uint16, values []bool) error {
	err := h.store.WriteMultipleCoils(unitID, addr, values)
	if err == nil {
		h.post(CoilWrite, addr, uint16(len(values)))
	}
	return err
}

// ReadHoldingRegisters implements modbus.Handler.
func (h *Handler) ReadHoldingRegisters(unitID modbus.UnitID, addr, qty uint16) ([]uint16, error) {
	v, err := h.store.ReadHoldingRegisters(unitID, addr, qty)
	if err == nil {
		h.post(HoldingRead, addr, qty)
	}
	return v, err
}

// ReadInputRegisters implements modbus.Handler.
func (h *Handler) ReadInputRegisters(unitID modbus.UnitID, addr, qty uint16) ([]uint16, error) {
	v, err := h.store.ReadInputRegisters(unitID, addr, qty)
	if err == nil {
		h.post(InputRead, addr, qty)
	}
	return v, err
}

// WriteSingleRegister implements modbus.Handler.
func (h *Handler) WriteSingleRegister(unitID modbus.UnitID, addr, value uint16) error {
	err := h.store.WriteSingleRegister(unitID, addr, value)
	if err == nil {
		h.post(HoldingWrite, addr, 1)
	}
	return err
}

// WriteMultipleRegisters implements modbus.Handler.
func (h *Handler) WriteMultipleRegisters(unitID modbus.UnitID, addr uint16, values []uint16) error {
	err := h.store.WriteMultipleRegisters(unitID, addr, values)
	if err == nil {
		h.post(HoldingWrite, addr, uint16(len(values)))
	}
	return err
}
