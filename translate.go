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
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Translator turns one gateway request frame into exactly one response
// frame, executing it on the serial bus when it is well formed.
type Translator struct {
	bus     Bus
	logger  *slog.Logger
	metrics *GatewayMetrics
}

// NewTranslator creates a translator over bus. A nil metrics set is
// replaced by a private one.
func NewTranslator(bus Bus, logger *slog.Logger, metrics *GatewayMetrics) *Translator {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewGatewayMetrics()
	}
	return &Translator{bus: bus, logger: logger, metrics: metrics}
}

// Translate executes the request carried by f and returns the frame to send
// back. The transaction and unit identifiers are always echoed.
func (t *Translator) Translate(ctx context.Context, f *Frame) *Frame {
	t.metrics.RequestsTotal.Add(1)
	tid, unit := f.Header.TransactionID, f.Header.UnitID

	req, err := DecodeRequest(f)
	if err != nil {
		var fc FunctionCode
		if len(f.PDU) > 0 {
			fc = FunctionCode(f.PDU[0])
		}
		t.logger.Debug("rejecting short request",
			slog.Uint64("tx_id", uint64(tid)),
			slog.String("error", err.Error()))
		return t.exception(tid, unit, fc, ExceptionIllegalDataValue)
	}

	fm := t.metrics.ForFunction(req.FunctionCode)
	fm.Requests.Add(1)

	if req.FunctionCode.IsRegisterRead() && ReadResponseSize(req.Quantity) > MaxFrameSize {
		t.metrics.Oversized.Add(1)
		fm.Errors.Add(1)
		t.logger.Warn("register read exceeds frame size",
			slog.Uint64("tx_id", uint64(tid)),
			slog.Uint64("quantity", uint64(req.Quantity)))
		return t.exception(tid, unit, req.FunctionCode, ExceptionGatewayTargetDeviceFailedToRespond)
	}

	start := timeNow()
	resp, err := t.bus.Execute(ctx, req.SerialRequest())
	elapsed := time.Since(start)
	t.metrics.Latency.Observe(elapsed)
	fm.Latency.Observe(elapsed)

	if err != nil {
		t.metrics.BusErrors.Add(1)
		fm.Errors.Add(1)
		t.logger.Warn("serial request failed",
			slog.Uint64("tx_id", uint64(tid)),
			slog.Uint64("unit_id", uint64(unit)),
			slog.String("func", req.FunctionCode.String()),
			slog.String("error", err.Error()))
		return t.exception(tid, unit, req.FunctionCode, ExceptionGatewayTargetDeviceFailedToRespond)
	}

	if resp.FunctionCode&0x80 != 0 {
		t.metrics.DeviceExceptions.Add(1)
		fm.Errors.Add(1)
	}

	frame, err := t.compose(req, resp)
	if err != nil {
		if errors.Is(err, ErrResponseTooLarge) {
			t.metrics.Oversized.Add(1)
		} else {
			t.metrics.BusErrors.Add(1)
		}
		fm.Errors.Add(1)
		t.logger.Warn("unusable device response",
			slog.Uint64("tx_id", uint64(tid)),
			slog.String("error", err.Error()))
		return t.exception(tid, unit, req.FunctionCode, ExceptionGatewayTargetDeviceFailedToRespond)
	}
	return frame
}

func (t *Translator) compose(req *Request, resp *SerialResponse) (*Frame, error) {
	if !req.FunctionCode.IsRegisterRead() || resp.FunctionCode&0x80 != 0 {
		return NewPassthroughResponse(req.TransactionID, req.UnitID, resp)
	}

	want := 2 * int(req.Quantity)
	if len(resp.Data) < 1 || int(resp.Data[0]) != want || len(resp.Data) < 1+want {
		return nil, fmt.Errorf("%w: register byte count mismatch (want %d)", ErrInvalidResponse, want)
	}
	return NewReadRegistersResponse(req.TransactionID, req.UnitID, req.FunctionCode, resp.Data[1:1+want])
}

func (t *Translator) exception(tid uint16, unit UnitID, fc FunctionCode, ec ExceptionCode) *Frame {
	t.metrics.Exceptions.Add(1)
	return NewExceptionResponse(tid, unit, fc, ec)
}
