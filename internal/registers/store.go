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

// Package registers holds the register map served by the local slave.
package registers

import (
	"fmt"
	"math"
	"sync"

	modbus "github.com/edgeo-scada/modbus-gateway"
	"github.com/edgeo-scada/modbus-gateway/internal/syslog"
)

// Register map dimensions.
const (
	HoldingFloats = 4
	InputFloats   = 8
	CoilCount     = 8
	DiscreteCount = 8

	HoldingRegisters = 2 * HoldingFloats

	// Input register layout.
	InputVoltage     = 0
	InputTemperature = 2
	InputLogIndex    = 2 * InputFloats
	InputSyslog      = InputLogIndex + 2
	InputRegisters   = InputSyslog + 4
)

// Store is the shared register map. Each data area has its own lock, so a
// remote write to one area never waits on a local update of another.
type Store struct {
	holdingMu sync.Mutex
	holding   [HoldingRegisters]uint16

	inputMu sync.Mutex
	input   [InputRegisters]uint16

	coilMu sync.Mutex
	coils  byte

	discreteMu sync.Mutex
	discrete   byte
}

// New creates a zeroed store.
func New() *Store {
	return &Store{}
}

func putFloat(regs []uint16, v float32) {
	bits := math.Float32bits(v)
	regs[0] = uint16(bits >> 16)
	regs[1] = uint16(bits)
}

func getFloat(regs []uint16) float32 {
	return math.Float32frombits(uint32(regs[0])<<16 | uint32(regs[1]))
}

func checkRange(addr, qty uint16, size int) error {
	if int(addr)+int(qty) > size {
		return fmt.Errorf("%w: %d+%d beyond %d", modbus.ErrInvalidAddress, addr, qty, size)
	}
	return nil
}

// HoldingFloat returns holding slot i.
func (s *Store) HoldingFloat(i int) float32 {
	s.holdingMu.Lock()
	defer s.holdingMu.Unlock()
	return getFloat(s.holding[2*i:])
}

// SetHoldingFloat sets holding slot i.
func (s *Store) SetHoldingFloat(i int, v float32) {
	s.holdingMu.Lock()
	defer s.holdingMu.Unlock()
	putFloat(s.holding[2*i:], v)
}

// InputFloat returns input slot i.
func (s *Store) InputFloat(i int) float32 {
	s.inputMu.Lock()
	defer s.inputMu.Unlock()
	return getFloat(s.input[2*i:])
}

// SetInputFloat sets input slot i. Slot 0 carries the supply voltage and
// slot 1 the board temperature.
func (s *Store) SetInputFloat(i int, v float32) {
	s.inputMu.Lock()
	defer s.inputMu.Unlock()
	putFloat(s.input[2*i:], v)
}

// PublishSyslog mirrors the latest syslog entry into the input registers.
func (s *Store) PublishSyslog(seq uint32, e syslog.Entry) {
	s.inputMu.Lock()
	defer s.inputMu.Unlock()
	s.input[InputLogIndex] = uint16(seq >> 16)
	s.input[InputLogIndex+1] = uint16(seq)
	s.input[InputSyslog] = uint16(e.Timestamp >> 16)
	s.input[InputSyslog+1] = uint16(e.Timestamp)
	s.input[InputSyslog+2] = uint16(e.Event)
	s.input[InputSyslog+3] = e.Index
}

// LastSyslog returns the mirrored log index and entry.
func (s *Store) LastSyslog() (uint32, syslog.Entry) {
	s.inputMu.Lock()
	defer s.inputMu.Unlock()
	seq := uint32(s.input[InputLogIndex])<<16 | uint32(s.input[InputLogIndex+1])
	return seq, syslog.Entry{
		Timestamp: uint32(s.input[InputSyslog])<<16 | uint32(s.input[InputSyslog+1]),
		Event:     syslog.Event(s.input[InputSyslog+2]),
		Index:     s.input[InputSyslog+3],
	}
}

// Coils returns the coil byte.
func (s *Store) Coils() byte {
	s.coilMu.Lock()
	defer s.coilMu.Unlock()
	return s.coils
}

// SetCoils replaces the coil byte.
func (s *Store) SetCoils(b byte) {
	s.coilMu.Lock()
	s.coils = b
	s.coilMu.Unlock()
}

// Discrete returns the discrete input byte.
func (s *Store) Discrete() byte {
	s.discreteMu.Lock()
	defer s.discreteMu.Unlock()
	return s.discrete
}

// SetDiscrete replaces the discrete input byte.
func (s *Store) SetDiscrete(b byte) {
	s.discreteMu.Lock()
	s.discrete = b
	s.discreteMu.Unlock()
}

func bits(b byte, addr, qty uint16) []bool {
	out := make([]bool, qty)
	for i := range out {
		out[i] = b&(1<<(int(addr)+i)) != 0
	}
	return out
}

// ReadCoils implements modbus.Handler.
func (s *Store) ReadCoils(_ modbus.UnitID, addr, qty uint16) ([]bool, error) {
	if err := checkRange(addr, qty, CoilCount); err != nil {
		return nil, err
	}
	return bits(s.Coils(), addr, qty), nil
}

// ReadDiscreteInputs implements modbus.Handler.
func (s *Store) ReadDiscreteInputs(_ modbus.UnitID, addr, qty uint16) ([]bool, error) {
	if err := checkRange(addr, qty, DiscreteCount); err != nil {
		return nil, err
	}
	return bits(s.Discrete(), addr, qty), nil
}

// WriteSingleCoil implements modbus.Handler.
func (s *Store) WriteSingleCoil(unitID modbus.UnitID, addr uint16, value bool) error {
	return s.WriteMultipleCoils(unitID, addr, []bool{value})
}

// WriteMultipleCoils implements modbus.Handler. The coil byte is updated
// as a whole under the coil lock.
func (s *Store) WriteMultipleCoils(_ modbus.UnitID, addr uint16, values []bool) error {
	if err := checkRange(addr, uint16(len(values)), CoilCount); err != nil {
		return err
	}
	s.coilMu.Lock()
	defer s.coilMu.Unlock()
	b := s.coils
	for i, v := range values {
		mask := byte(1) << (int(addr) + i)
		if v {
			b |= mask
		} else {
			b &^= mask
		}
	}
	s.coils = b
	return nil
}

// ReadHoldingRegisters implements modbus.Handler.
func (s *Store) ReadHoldingRegisters(_ modbus.UnitID, addr, qty uint16) ([]uint16, error) {
	if err := checkRange(addr, qty, HoldingRegisters); err != nil {
		return nil, err
	}
	s.holdingMu.Lock()
	defer s.holdingMu.Unlock()
	out := make([]uint16, qty)
	copy(out, s.holding[addr:])
	return out, nil
}

// ReadInputRegisters implements modbus.Handler.
func (s *Store) ReadInputRegisters(_ modbus.UnitID, addr, qty uint16) ([]uint16, error) {
	if err := checkRange(addr, qty, InputRegisters); err != nil {
		return nil, err
	}
	s.inputMu.Lock()
	defer s.inputMu.Unlock()
	out := make([]uint16, qty)
	copy(out, s.input[addr:])
	return out, nil
}

// WriteSingleRegister implements modbus.Handler.
func (s *Store) WriteSingleRegister(unitID modbus.UnitID, addr, value uint16) error {
	return s.WriteMultipleRegisters(unitID, addr, []uint16{value})
}

// WriteMultipleRegisters implements modbus.Handler.
func (s *Store) WriteMultipleRegisters(_ modbus.UnitID, addr uint16, values []uint16) error {
	if err := checkRange(addr, uint16(len(values)), HoldingRegisters); err != nil {
		return err
	}
	s.holdingMu.Lock()
	defer s.holdingMu.Unlock()
	copy(s.holding[addr:], values)
	return nil
}

// Snapshot is a point-in-time copy of the register map.
type Snapshot struct {
	Holding   []float32    `json:"holding"`
	Input     []float32    `json:"input"`
	LogIndex  uint32       `json:"log_index"`
	LastEvent syslog.Entry `json:"last_event"`
	Coils     byte         `json:"coils"`
	Discrete  byte         `json:"discrete"`
}

// Snapshot copies every data area. Areas are read one at a time, so the
// result is consistent per area only.
func (s *Store) Snapshot() Snapshot {
	snap := Snapshot{
		Holding: make([]float32, HoldingFloats),
		Input:   make([]float32, InputFloats),
	}
	for i := range snap.Holding {
		snap.Holding[i] = s.HoldingFloat(i)
	}
	for i := range snap.Input {
		snap.Input[i] = s.InputFloat(i)
	}
	snap.LogIndex, snap.LastEvent = s.LastSyslog()
	snap.Coils = s.Coils()
	snap.Discrete = s.Discrete()
	return snap
}
