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
	"fmt"
	"io"
)

// MBAPHeader represents the Modbus Application Protocol header for TCP.
type MBAPHeader struct {
	TransactionID uint16 // Transaction identifier
	ProtocolID    uint16 // Protocol identifier (always 0 for Modbus)
	Length        uint16 // Number of following bytes (Unit ID + PDU)
	UnitID        UnitID // Unit identifier (slave address)
}

// Encode encodes the MBAP header to bytes.
func (h *MBAPHeader) Encode() []byte {
	buf := make([]byte, MBAPHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], h.TransactionID)
	binary.BigEndian.PutUint16(buf[2:4], h.ProtocolID)
	binary.BigEndian.PutUint16(buf[4:6], h.Length)
	buf[6] = byte(h.UnitID)
	return buf
}

// Decode decodes the MBAP header from bytes.
func (h *MBAPHeader) Decode(data []byte) error {
	if len(data) < MBAPHeaderSize {
		return fmt.Errorf("%w: MBAP header too short", ErrInvalidFrame)
	}
	h.TransactionID = binary.BigEndian.Uint16(data[0:2])
	h.ProtocolID = binary.BigEndian.Uint16(data[2:4])
	h.Length = binary.BigEndian.Uint16(data[4:6])
	h.UnitID = UnitID(data[6])
	return nil
}

// Frame represents a complete Modbus TCP frame (MBAP header + PDU).
type Frame struct {
	Header MBAPHeader
	PDU    []byte
}

// Encode encodes the frame to bytes. The protocol ID is always emitted as 0.
func (f *Frame) Encode() []byte {
	f.Header.ProtocolID = ProtocolID
	f.Header.Length = uint16(len(f.PDU) + 1) // PDU length + Unit ID
	buf := make([]byte, MBAPHeaderSize+len(f.PDU))
	copy(buf, f.Header.Encode())
	copy(buf[MBAPHeaderSize:], f.PDU)
	return buf
}

// Decode decodes a frame from bytes.
func (f *Frame) Decode(data []byte) error {
	if err := f.Header.Decode(data); err != nil {
		return err
	}
	if err := validateHeader(&f.Header); err != nil {
		return err
	}
	pduLen := int(f.Header.Length) - 1
	if len(data) < MBAPHeaderSize+pduLen {
		return fmt.Errorf("%w: incomplete frame", ErrInvalidFrame)
	}
	f.PDU = make([]byte, pduLen)
	copy(f.PDU, data[MBAPHeaderSize:MBAPHeaderSize+pduLen])
	return nil
}

func validateHeader(h *MBAPHeader) error {
	if h.ProtocolID != ProtocolID {
		return fmt.Errorf("%w: invalid protocol ID %d", ErrInvalidFrame, h.ProtocolID)
	}
	pduLen := int(h.Length) - 1
	if pduLen < 1 || pduLen > MaxPDUSize {
		return fmt.Errorf("%w: invalid PDU length %d", ErrInvalidFrame, pduLen)
	}
	return nil
}

// ReadFrame reads a complete Modbus TCP frame from a reader. Header fields
// are validated before the PDU is read, so a bad length never causes an
// oversized read.
func ReadFrame(r io.Reader) (*Frame, error) {
	header := make([]byte, MBAPHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	var f Frame
	if err := f.Header.Decode(header); err != nil {
		return nil, err
	}
	if err := validateHeader(&f.Header); err != nil {
		return nil, err
	}

	f.PDU = make([]byte, int(f.Header.Length)-1)
	if _, err := io.ReadFull(r, f.PDU); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return &f, nil
}

// Request is an inbound gateway request decoded from a frame.
type Request struct {
	TransactionID uint16
	UnitID        UnitID
	FunctionCode  FunctionCode
	Address       uint16
	Quantity      uint16
	Data          []byte
}

// DecodeRequest extracts the addressing fields of a request frame. Register
// reads need the full address/quantity pair; other function codes carry
// them when present and are forwarded as opaque data otherwise.
func DecodeRequest(f *Frame) (*Request, error) {
	if len(f.PDU) < 1 {
		return nil, fmt.Errorf("%w: empty PDU", ErrInvalidFrame)
	}
	req := &Request{
		TransactionID: f.Header.TransactionID,
		UnitID:        f.Header.UnitID,
		FunctionCode:  FunctionCode(f.PDU[0]),
		Data:          f.PDU[1:],
	}
	if len(f.PDU) >= 5 {
		req.Address = binary.BigEndian.Uint16(f.PDU[1:3])
		req.Quantity = binary.BigEndian.Uint16(f.PDU[3:5])
	} else if req.FunctionCode.IsRegisterRead() {
		return req, fmt.Errorf("%w: %s needs 4 data bytes, got %d", ErrShortPDU, req.FunctionCode, len(req.Data))
	}
	return req, nil
}

// SerialRequest maps the request 1:1 onto a serial bus request.
func (r *Request) SerialRequest() *SerialRequest {
	data := make([]byte, len(r.Data))
	copy(data, r.Data)
	return &SerialRequest{
		UnitID:       r.UnitID,
		FunctionCode: r.FunctionCode,
		Address:      r.Address,
		Quantity:     r.Quantity,
		Data:         data,
	}
}

// ReadResponseSize is the frame size of a successful read of qty registers.
func ReadResponseSize(qty uint16) int {
	return MBAPHeaderSize + 2 + 2*int(qty)
}

// NewReadRegistersResponse builds the reply to a register read. regs holds
// the raw big-endian register bytes.
func NewReadRegistersResponse(tid uint16, unit UnitID, fc FunctionCode, regs []byte) (*Frame, error) {
	if len(regs)%2 != 0 {
		return nil, fmt.Errorf("%w: odd register byte count %d", ErrInvalidResponse, len(regs))
	}
	if MBAPHeaderSize+2+len(regs) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d register bytes", ErrResponseTooLarge, len(regs))
	}
	pdu := make([]byte, 2+len(regs))
	pdu[0] = byte(fc)
	pdu[1] = byte(len(regs))
	copy(pdu[2:], regs)
	return &Frame{
		Header: MBAPHeader{TransactionID: tid, UnitID: unit},
		PDU:    pdu,
	}, nil
}

// NewPassthroughResponse relays a device reply PDU verbatim.
func NewPassthroughResponse(tid uint16, unit UnitID, resp *SerialResponse) (*Frame, error) {
	if MBAPHeaderSize+1+len(resp.Data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d data bytes", ErrResponseTooLarge, len(resp.Data))
	}
	pdu := make([]byte, 1+len(resp.Data))
	pdu[0] = byte(resp.FunctionCode)
	copy(pdu[1:], resp.Data)
	return &Frame{
		Header: MBAPHeader{TransactionID: tid, UnitID: unit},
		PDU:    pdu,
	}, nil
}

// NewExceptionResponse builds a 9-byte exception frame.
func NewExceptionResponse(tid uint16, unit UnitID, fc FunctionCode, ec ExceptionCode) *Frame {
	return &Frame{
		Header: MBAPHeader{TransactionID: tid, UnitID: unit},
		PDU:    []byte{byte(fc) | 0x80, byte(ec)},
	}
}

// IsExceptionResponse checks if the PDU is an exception response.
func IsExceptionResponse(pdu []byte) bool {
	return len(pdu) > 0 && (pdu[0]&0x80) != 0
}

// ParseExceptionResponse parses an exception response.
func ParseExceptionResponse(pdu []byte) *ModbusError {
	if len(pdu) < 2 {
		return nil
	}
	return &ModbusError{
		FunctionCode:  FunctionCode(pdu[0] & 0x7F),
		ExceptionCode: ExceptionCode(pdu[1]),
	}
}
