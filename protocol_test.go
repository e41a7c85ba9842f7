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
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestMBAPHeader_Encode(t *testing.T) {
	header := MBAPHeader{
		TransactionID: 0x0001,
		ProtocolID:    0x0000,
		Length:        0x0006,
		UnitID:        0x01,
	}

	expected := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01}
	result := header.Encode()

	if !bytes.Equal(result, expected) {
		t.Errorf("Expected %x, got %x", expected, result)
	}
}

func TestMBAPHeader_Decode(t *testing.T) {
	data := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01}

	var header MBAPHeader
	if err := header.Decode(data); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if header.TransactionID != 0x0001 {
		t.Errorf("TransactionID: expected 0x0001, got 0x%04X", header.TransactionID)
	}
	if header.ProtocolID != 0x0000 {
		t.Errorf("ProtocolID: expected 0x0000, got 0x%04X", header.ProtocolID)
	}
	if header.Length != 0x0006 {
		t.Errorf("Length: expected 0x0006, got 0x%04X", header.Length)
	}
	if header.UnitID != 0x01 {
		t.Errorf("UnitID: expected 0x01, got 0x%02X", header.UnitID)
	}
}

func TestMBAPHeader_Decode_TooShort(t *testing.T) {
	data := []byte{0x00, 0x01, 0x00}

	var header MBAPHeader
	err := header.Decode(data)
	if err == nil {
		t.Error("Expected error for short data")
	}
}

func TestFrame_Encode(t *testing.T) {
	frame := Frame{
		Header: MBAPHeader{
			TransactionID: 0x0001,
			ProtocolID:    0x0000,
			UnitID:        0x01,
		},
		PDU: []byte{0x03, 0x00, 0x00, 0x00, 0x0A}, // Read holding registers
	}

	result := frame.Encode()

	// Header should have Length = PDU length + 1 (for UnitID)
	expectedLength := len(frame.PDU) + 1
	actualLength := int(result[4])<<8 | int(result[5])
	if actualLength != expectedLength {
		t.Errorf("Length: expected %d, got %d", expectedLength, actualLength)
	}

	// Check PDU is appended correctly
	if !bytes.Equal(result[7:], frame.PDU) {
		t.Errorf("PDU mismatch: expected %x, got %x", frame.PDU, result[7:])
	}
}

func TestFrame_Decode(t *testing.T) {
	data := []byte{
		0x00, 0x01, // Transaction ID
		0x00, 0x00, // Protocol ID
		0x00, 0x06, // Length
		0x01,                               // Unit ID
		0x03, 0x00, 0x00, 0x00, 0x0A, // PDU
	}

	var frame Frame
	if err := frame.Decode(data); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if frame.Header.TransactionID != 0x0001 {
		t.Errorf("TransactionID: expected 0x0001, got 0x%04X", frame.Header.TransactionID)
	}
	expectedPDU := []byte{0x03, 0x00, 0x00, 0x00, 0x0A}
	if !bytes.Equal(frame.PDU, expectedPDU) {
		t.Errorf("PDU: expected %x, got %x", expectedPDU, frame.PDU)
	}
}

func TestIsExceptionResponse(t *testing.T) {
	// Normal response
	normalPDU := []byte{0x03, 0x02, 0x00, 0x01}
	if IsExceptionResponse(normalPDU) {
		t.Error("Normal response should not be exception")
	}

	// Exception response (FC 0x83 = 0x03 | 0x80)
	exceptionPDU := []byte{0x83, 0x02}
	if !IsExceptionResponse(exceptionPDU) {
		t.Error("Exception response should be detected")
	}
}

func TestParseExceptionResponse(t *testing.T) {
	pdu := []byte{0x83, 0x02}
	err := ParseExceptionResponse(pdu)

	if err == nil {
		t.Fatal("Expected error")
	}
	if err.FunctionCode != FuncReadHoldingRegisters {
		t.Errorf("FunctionCode: expected %d, got %d", FuncReadHoldingRegisters, err.FunctionCode)
	}
	if err.ExceptionCode != ExceptionIllegalDataAddress {
		t.Errorf("ExceptionCode: expected %d, got %d", ExceptionIllegalDataAddress, err.ExceptionCode)
	}
}

func TestReadFrame(t *testing.T) {
	data := []byte{
		0x00, 0x01, // Transaction ID
		0x00, 0x00, // Protocol ID
		0x00, 0x05, // Length
		0x01,                         // Unit ID
		0x03, 0x02, 0x00, 0x0A, // PDU
	}

	r := bytes.NewReader(data)
	frame, err := ReadFrame(r)
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}

	if frame.Header.TransactionID != 0x0001 {
		t.Errorf("TransactionID: expected 0x0001, got 0x%04X", frame.Header.TransactionID)
	}
	if frame.Header.UnitID != 0x01 {
		t.Errorf("UnitID: expected 0x01, got 0x%02X", frame.Header.UnitID)
	}

	expectedPDU := []byte{0x03, 0x02, 0x00, 0x0A}
	if !bytes.Equal(frame.PDU, expectedPDU) {
		t.Errorf("PDU: expected %x, got %x", expectedPDU, frame.PDU)
	}
}

func TestReadFrame_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"bad protocol id", []byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x06, 0x01, 0x03, 0x00, 0x00, 0x00, 0x01}},
		{"zero length", []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x01}},
		{"unit id only", []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x01}},
		{"oversized length", []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0xFF, 0x01, 0x03}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.data))
			if !errors.Is(err, ErrInvalidFrame) {
				t.Errorf("expected ErrInvalidFrame, got %v", err)
			}
		})
	}
}

func TestReadFrame_Truncated(t *testing.T) {
	data := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x00}
	_, err := ReadFrame(bytes.NewReader(data))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestDecodeRequest(t *testing.T) {
	frame := &Frame{
		Header: MBAPHeader{TransactionID: 0x1234, UnitID: 0x11},
		PDU:    []byte{0x03, 0x00, 0x6B, 0x00, 0x03},
	}

	req, err := DecodeRequest(frame)
	if err != nil {
		t.Fatalf("DecodeRequest failed: %v", err)
	}
	if req.TransactionID != 0x1234 || req.UnitID != 0x11 {
		t.Errorf("ids: got tid=%04X unit=%02X", req.TransactionID, req.UnitID)
	}
	if req.FunctionCode != FuncReadHoldingRegisters || req.Address != 0x006B || req.Quantity != 3 {
		t.Errorf("request: got %+v", req)
	}

	sreq := req.SerialRequest()
	if sreq.UnitID != 0x11 || !bytes.Equal(sreq.Data, []byte{0x00, 0x6B, 0x00, 0x03}) {
		t.Errorf("serial request: got %+v", sreq)
	}
}

func TestDecodeRequest_Short(t *testing.T) {
	frame := &Frame{PDU: []byte{0x04, 0x00, 0x01}}
	if _, err := DecodeRequest(frame); !errors.Is(err, ErrShortPDU) {
		t.Errorf("expected ErrShortPDU, got %v", err)
	}

	// Opaque function codes may be shorter than an address/quantity pair.
	frame = &Frame{PDU: []byte{0x07}}
	req, err := DecodeRequest(frame)
	if err != nil {
		t.Fatalf("DecodeRequest failed: %v", err)
	}
	if len(req.Data) != 0 {
		t.Errorf("Data: expected empty, got %x", req.Data)
	}
}

func TestNewReadRegistersResponse(t *testing.T) {
	frame, err := NewReadRegistersResponse(0x0001, 0x01, FuncReadHoldingRegisters, []byte{0x41, 0x20, 0x00, 0x00})
	if err != nil {
		t.Fatalf("NewReadRegistersResponse failed: %v", err)
	}

	expected := []byte{0x00, 0x01, 0x00, 0x00, 0x00, 0x07, 0x01, 0x03, 0x04, 0x41, 0x20, 0x00, 0x00}
	if got := frame.Encode(); !bytes.Equal(got, expected) {
		t.Errorf("Expected % X, got % X", expected, got)
	}

	if _, err := NewReadRegistersResponse(1, 1, FuncReadHoldingRegisters, make([]byte, 248)); !errors.Is(err, ErrResponseTooLarge) {
		t.Errorf("expected ErrResponseTooLarge, got %v", err)
	}
}

func TestNewExceptionResponse(t *testing.T) {
	frame := NewExceptionResponse(0xBEEF, 0x05, FuncReadInputRegisters, ExceptionGatewayTargetDeviceFailedToRespond)

	expected := []byte{0xBE, 0xEF, 0x00, 0x00, 0x00, 0x03, 0x05, 0x84, 0x0B}
	if got := frame.Encode(); !bytes.Equal(got, expected) {
		t.Errorf("Expected % X, got % X", expected, got)
	}
}

func TestReadResponseSize(t *testing.T) {
	if ReadResponseSize(123) != 255 {
		t.Errorf("ReadResponseSize(123): expected 255, got %d", ReadResponseSize(123))
	}
	if ReadResponseSize(124) <= MaxFrameSize {
		t.Error("ReadResponseSize(124) should exceed MaxFrameSize")
	}
}
