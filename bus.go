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
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	serialmb "github.com/goburrow/modbus"
	"github.com/goburrow/serial"
)

// SerialMode selects the framing used on the serial line.
type SerialMode string

// Supported serial framings.
const (
	ModeRTU   SerialMode = "rtu"
	ModeASCII SerialMode = "ascii"
)

// SerialConfig describes the serial line behind the gateway.
type SerialConfig struct {
	Device   string
	Mode     SerialMode
	BaudRate int
	DataBits int
	StopBits int
	Parity   string // "N", "E" or "O"

	// RS485 enables half-duplex direction control on the port.
	RS485              bool
	RS485DelayBeforeTx time.Duration
	RS485DelayAfterTx  time.Duration

	// IdleTimeout closes the port after a quiet period; it reopens on demand.
	IdleTimeout time.Duration
}

// serialLink performs one request/response exchange with a serial slave.
type serialLink interface {
	Connect() error
	Close() error
	Exchange(slaveID byte, pdu *serialmb.ProtocolDataUnit) (*serialmb.ProtocolDataUnit, error)
}

type clientHandler interface {
	serialmb.Packager
	serialmb.Transporter
	Connect() error
	Close() error
}

// handlerLink drives a goburrow client handler one ADU at a time.
type handlerLink struct {
	handler clientHandler
	slaveID *byte
}

func (l *handlerLink) Connect() error { return l.handler.Connect() }
func (l *handlerLink) Close() error   { return l.handler.Close() }

func (l *handlerLink) Exchange(slaveID byte, pdu *serialmb.ProtocolDataUnit) (*serialmb.ProtocolDataUnit, error) {
	*l.slaveID = slaveID
	adu, err := l.handler.Encode(pdu)
	if err != nil {
		return nil, err
	}
	raw, err := l.handler.Send(adu)
	if err != nil {
		return nil, err
	}
	if err := l.handler.Verify(adu, raw); err != nil {
		return nil, err
	}
	return l.handler.Decode(raw)
}

func newHandlerLink(cfg SerialConfig, timeout time.Duration, logger *slog.Logger) (*handlerLink, error) {
	line := serial.Config{
		Address:  cfg.Device,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
		Timeout:  timeout,
		RS485: serial.RS485Config{
			Enabled:            cfg.RS485,
			DelayRtsBeforeSend: cfg.RS485DelayBeforeTx,
			DelayRtsAfterSend:  cfg.RS485DelayAfterTx,
			RtsHighDuringSend:  cfg.RS485,
		},
	}

	var frameLog *slog.Logger
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		frameLog = logger.With(slog.String("component", "serial"))
	}

	switch cfg.Mode {
	case ModeRTU, "":
		h := serialmb.NewRTUClientHandler(cfg.Device)
		h.Config = line
		h.IdleTimeout = cfg.IdleTimeout
		if frameLog != nil {
			h.Logger = slog.NewLogLogger(frameLog.Handler(), slog.LevelDebug)
		}
		return &handlerLink{handler: h, slaveID: &h.SlaveId}, nil
	case ModeASCII:
		h := serialmb.NewASCIIClientHandler(cfg.Device)
		h.Config = line
		h.IdleTimeout = cfg.IdleTimeout
		if frameLog != nil {
			h.Logger = slog.NewLogLogger(frameLog.Handler(), slog.LevelDebug)
		}
		return &handlerLink{handler: h, slaveID: &h.SlaveId}, nil
	default:
		return nil, fmt.Errorf("modbus: unsupported serial mode %q", cfg.Mode)
	}
}

// SerialTransport is the single Modbus master on the serial bus. Execute
// holds the bus lock for exactly one exchange.
type SerialTransport struct {
	mu      sync.Mutex // bus lock
	link    serialLink
	opts    *busOptions
	open    int32
	metrics *BusMetrics
}

// NewSerialTransport creates a transport for the given serial line. The
// port is not touched until Open is called.
func NewSerialTransport(cfg SerialConfig, opts ...BusOption) (*SerialTransport, error) {
	options := defaultBusOptions()
	for _, opt := range opts {
		opt(options)
	}
	link, err := newHandlerLink(cfg, options.timeout, options.logger)
	if err != nil {
		return nil, err
	}
	return newSerialTransport(link, options), nil
}

func newSerialTransport(link serialLink, opts *busOptions) *SerialTransport {
	return &SerialTransport{
		link:    link,
		opts:    opts,
		metrics: NewBusMetrics(),
	}
}

// Metrics returns the transport metrics.
func (t *SerialTransport) Metrics() *BusMetrics {
	return t.metrics
}

// Open configures the serial line. It must succeed before Execute is used.
func (t *SerialTransport) Open() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if atomic.LoadInt32(&t.open) == 1 {
		return nil
	}
	if err := t.link.Connect(); err != nil {
		return fmt.Errorf("modbus: open serial line: %w", err)
	}
	atomic.StoreInt32(&t.open, 1)
	t.opts.logger.Info("serial bus opened")
	return nil
}

// Close releases the serial line.
func (t *SerialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !atomic.CompareAndSwapInt32(&t.open, 1, 0) {
		return nil
	}
	return t.link.Close()
}

// Execute sends req to the addressed device and waits for its reply. Every
// failure is returned as a *BusError; nothing is retried.
func (t *SerialTransport) Execute(ctx context.Context, req *SerialRequest) (*SerialResponse, error) {
	fail := func(err error) (*SerialResponse, error) {
		t.metrics.Errors.Add(1)
		return nil, &BusError{UnitID: req.UnitID, FunctionCode: req.FunctionCode, Err: err}
	}

	t.metrics.Requests.Add(1)
	if atomic.LoadInt32(&t.open) == 0 {
		return fail(ErrBusClosed)
	}

	t.mu.Lock()
	if err := ctx.Err(); err != nil {
		t.mu.Unlock()
		return fail(err)
	}
	start := timeNow()
	pdu, err := t.link.Exchange(byte(req.UnitID), &serialmb.ProtocolDataUnit{
		FunctionCode: byte(req.FunctionCode),
		Data:         req.Data,
	})
	t.mu.Unlock()
	t.metrics.Latency.Observe(time.Since(start))

	if err != nil {
		return fail(err)
	}
	if pdu == nil {
		return fail(ErrInvalidResponse)
	}
	if pdu.FunctionCode&0x7F != byte(req.FunctionCode) {
		return fail(fmt.Errorf("%w: function code 0x%02X for request 0x%02X",
			ErrInvalidResponse, pdu.FunctionCode, uint8(req.FunctionCode)))
	}
	if len(pdu.Data) > MaxSerialPayload {
		return fail(fmt.Errorf("%w: %d bytes", ErrResponseTooLarge, len(pdu.Data)))
	}

	data := make([]byte, len(pdu.Data))
	copy(data, pdu.Data)
	return &SerialResponse{FunctionCode: FunctionCode(pdu.FunctionCode), Data: data}, nil
}
