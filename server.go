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
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// timeNow is a variable for testing
var timeNow = time.Now

// Server is the local Modbus TCP slave. It serves the data areas exposed
// by its Handler.
type Server struct {
	handler Handler
	opts    *serverOptions

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   int32
	wg       sync.WaitGroup
	metrics  *ServerMetrics
}

// NewServer creates a new Modbus TCP slave server.
func NewServer(handler Handler, opts ...ServerOption) *Server {
	options := defaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}

	return &Server{
		handler: handler,
		opts:    options,
		conns:   make(map[net.Conn]struct{}),
		metrics: &ServerMetrics{},
	}
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *ServerMetrics {
	return s.metrics
}

// ListenAndServeContext starts the server and closes it when ctx is done.
func (s *Server) ListenAndServeContext(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.Close()
	}()

	return s.Serve(listener)
}

// Serve starts serving connections on the given listener. Connections
// beyond the limit are refused.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.opts.logger.Info("slave server started", slog.String("addr", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 1 {
				return nil
			}
			s.opts.logger.Error("accept error", slog.String("error", err.Error()))
			continue
		}

		s.mu.Lock()
		if len(s.conns) >= s.opts.maxConns {
			s.mu.Unlock()
			s.opts.logger.Warn("max connections reached, rejecting",
				slog.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.metrics.ActiveConns.Add(1)
		s.metrics.TotalConns.Add(1)
		s.wg.Add(1)
		s.mu.Unlock()

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		go s.handleConn(conn)
	}
}

// Close shuts down the server gracefully.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.opts.logger.Info("slave server stopped")
	return err
}

// Addr returns the server's address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.opts.logger.Error("panic in connection handler",
				slog.String("remote", conn.RemoteAddr().String()),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}

		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.metrics.ActiveConns.Add(-1)
		s.mu.Unlock()
		s.wg.Done()
	}()

	for {
		if s.opts.readTimeout > 0 {
			conn.SetReadDeadline(timeNow().Add(s.opts.readTimeout))
		}

		frame, err := ReadFrame(conn)
		if err != nil {
			if err != io.EOF && atomic.LoadInt32(&s.closed) == 0 {
				var netErr net.Error
				if !errors.As(err, &netErr) || !netErr.Timeout() {
					s.opts.logger.Debug("read error",
						slog.String("remote", conn.RemoteAddr().String()),
						slog.String("error", err.Error()))
				}
			}
			return
		}

		s.metrics.RequestsTotal.Add(1)
		response := s.processRequest(frame)

		if _, err := conn.Write(response.Encode()); err != nil {
			s.metrics.RequestsErrors.Add(1)
			return
		}
		s.metrics.RequestsSuccess.Add(1)
	}
}

func (s *Server) processRequest(req *Frame) *Frame {
	fc := FunctionCode(req.PDU[0])
	unitID := req.Header.UnitID

	s.opts.logger.Debug("processing request",
		slog.Uint64("tx_id", uint64(req.Header.TransactionID)),
		slog.Uint64("unit_id", uint64(unitID)),
		slog.String("func", fc.String()))

	var pdu []byte
	var err error

	switch fc {
	case FuncReadCoils:
		pdu, err = s.readBits(fc, req.PDU, func(addr, qty uint16) ([]bool, error) {
			return s.handler.ReadCoils(unitID, addr, qty)
		})
	case FuncReadDiscreteInputs:
		pdu, err = s.readBits(fc, req.PDU, func(addr, qty uint16) ([]bool, error) {
			return s.handler.ReadDiscreteInputs(unitID, addr, qty)
		})
	case FuncReadHoldingRegisters:
		pdu, err = s.readRegisters(fc, req.PDU, func(addr, qty uint16) ([]uint16, error) {
			return s.handler.ReadHoldingRegisters(unitID, addr, qty)
		})
	case FuncReadInputRegisters:
		pdu, err = s.readRegisters(fc, req.PDU, func(addr, qty uint16) ([]uint16, error) {
			return s.handler.ReadInputRegisters(unitID, addr, qty)
		})
	case FuncWriteSingleCoil:
		pdu, err = s.writeSingleCoil(unitID, req.PDU)
	case FuncWriteSingleRegister:
		pdu, err = s.writeSingle(fc, req.PDU, func(addr, value uint16) error {
			return s.handler.WriteSingleRegister(unitID, addr, value)
		})
	case FuncWriteMultipleCoils:
		pdu, err = s.writeMultipleCoils(unitID, req.PDU)
	case FuncWriteMultipleRegisters:
		pdu, err = s.writeMultipleRegisters(unitID, req.PDU)
	default:
		pdu = buildException(fc, ExceptionIllegalFunction)
	}

	if err != nil {
		pdu = s.handleError(fc, err)
	}

	return &Frame{
		Header: MBAPHeader{
			TransactionID: req.Header.TransactionID,
			UnitID:        unitID,
		},
		PDU: pdu,
	}
}

func buildException(fc FunctionCode, ec ExceptionCode) []byte {
	return []byte{byte(fc) | 0x80, byte(ec)}
}

func (s *Server) handleError(fc FunctionCode, err error) []byte {
	var modbusErr *ModbusError
	if errors.As(err, &modbusErr) {
		return buildException(fc, modbusErr.ExceptionCode)
	}
	if errors.Is(err, ErrInvalidAddress) {
		return buildException(fc, ExceptionIllegalDataAddress)
	}
	s.opts.logger.Error("handler error",
		slog.String("func", fc.String()),
		slog.String("error", err.Error()))
	return buildException(fc, ExceptionServerDeviceFailure)
}

// addressRange validates the address/quantity pair of a read or multi-write.
func addressRange(fc FunctionCode, pdu []byte, minLen int, maxQty uint16) (addr, qty uint16, exc []byte) {
	if len(pdu) < minLen {
		return 0, 0, buildException(fc, ExceptionIllegalDataValue)
	}
	addr = binary.BigEndian.Uint16(pdu[1:3])
	qty = binary.BigEndian.Uint16(pdu[3:5])
	if qty < 1 || qty > maxQty {
		return 0, 0, buildException(fc, ExceptionIllegalDataValue)
	}
	if uint32(addr)+uint32(qty) > 65536 {
		return 0, 0, buildException(fc, ExceptionIllegalDataAddress)
	}
	return addr, qty, nil
}

func (s *Server) readBits(fc FunctionCode, pdu []byte, read func(addr, qty uint16) ([]bool, error)) ([]byte, error) {
	addr, qty, exc := addressRange(fc, pdu, 5, MaxQuantityCoils)
	if exc != nil {
		return exc, nil
	}

	values, err := read(addr, qty)
	if err != nil {
		return nil, err
	}
	if uint16(len(values)) != qty {
		return buildException(fc, ExceptionServerDeviceFailure), nil
	}

	resp := make([]byte, 2+(qty+7)/8)
	resp[0] = byte(fc)
	resp[1] = byte((qty + 7) / 8)
	for i, v := range values {
		if v {
			resp[2+i/8] |= 1 << (i % 8)
		}
	}
	return resp, nil
}

func (s *Server) readRegisters(fc FunctionCode, pdu []byte, read func(addr, qty uint16) ([]uint16, error)) ([]byte, error) {
	addr, qty, exc := addressRange(fc, pdu, 5, MaxQuantityRegisters)
	if exc != nil {
		return exc, nil
	}

	values, err := read(addr, qty)
	if err != nil {
		return nil, err
	}
	if uint16(len(values)) != qty {
		return buildException(fc, ExceptionServerDeviceFailure), nil
	}

	resp := make([]byte, 2+2*qty)
	resp[0] = byte(fc)
	resp[1] = byte(2 * qty)
	for i, v := range values {
		binary.BigEndian.PutUint16(resp[2+2*i:], v)
	}
	return resp, nil
}

func (s *Server) writeSingle(fc FunctionCode, pdu []byte, write func(addr, value uint16) error) ([]byte, error) {
	if len(pdu) < 5 {
		return buildException(fc, ExceptionIllegalDataValue), nil
	}
	if err := write(binary.BigEndian.Uint16(pdu[1:3]), binary.BigEndian.Uint16(pdu[3:5])); err != nil {
		return nil, err
	}
	// Echo request as response
	resp := make([]byte, 5)
	copy(resp, pdu[:5])
	return resp, nil
}

func (s *Server) writeSingleCoil(unitID UnitID, pdu []byte) ([]byte, error) {
	return s.writeSingle(FuncWriteSingleCoil, pdu, func(addr, value uint16) error {
		if value != CoilOn && value != CoilOff {
			return NewModbusError(FuncWriteSingleCoil, ExceptionIllegalDataValue)
		}
		return s.handler.WriteSingleCoil(unitID, addr, value == CoilOn)
	})
}

func (s *Server) writeMultipleCoils(unitID UnitID, pdu []byte) ([]byte, error) {
	fc := FuncWriteMultipleCoils
	addr, qty, exc := addressRange(fc, pdu, 6, MaxQuantityCoils)
	if exc != nil {
		return exc, nil
	}
	byteCount := int(pdu[5])
	if byteCount != int((qty+7)/8) || len(pdu) < 6+byteCount {
		return buildException(fc, ExceptionIllegalDataValue), nil
	}

	values := make([]bool, qty)
	for i := uint16(0); i < qty; i++ {
		values[i] = pdu[6+i/8]&(1<<(i%8)) != 0
	}
	if err := s.handler.WriteMultipleCoils(unitID, addr, values); err != nil {
		return nil, err
	}
	return multiWriteAck(fc, addr, qty), nil
}

func (s *Server) writeMultipleRegisters(unitID UnitID, pdu []byte) ([]byte, error) {
	fc := FuncWriteMultipleRegisters
	addr, qty, exc := addressRange(fc, pdu, 6, MaxQuantityWriteRegisters)
	if exc != nil {
		return exc, nil
	}
	byteCount := int(pdu[5])
	if byteCount != int(2*qty) || len(pdu) < 6+byteCount {
		return buildException(fc, ExceptionIllegalDataValue), nil
	}

	values := make([]uint16, qty)
	for i := range values {
		values[i] = binary.BigEndian.Uint16(pdu[6+2*i:])
	}
	if err := s.handler.WriteMultipleRegisters(unitID, addr, values); err != nil {
		return nil, err
	}
	return multiWriteAck(fc, addr, qty), nil
}

func multiWriteAck(fc FunctionCode, addr, qty uint16) []byte {
	resp := make([]byte, 5)
	resp[0] = byte(fc)
	binary.BigEndian.PutUint16(resp[1:3], addr)
	binary.BigEndian.PutUint16(resp[3:5], qty)
	return resp
}
