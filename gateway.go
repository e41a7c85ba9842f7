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
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Gateway accepts Modbus TCP clients and relays their requests to the
// serial bus. At most maxConns sessions run at once; while saturated the
// accept loop stops accepting and further clients wait in the backlog.
type Gateway struct {
	translator *Translator
	opts       *gatewayOptions

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	sessions map[net.Conn]string
	active   int32
	closed   int32
	wg       sync.WaitGroup
	metrics  *GatewayMetrics
}

// NewGateway creates a gateway relaying to bus.
func NewGateway(bus Bus, opts ...GatewayOption) *Gateway {
	options := defaultGatewayOptions()
	for _, opt := range opts {
		opt(options)
	}

	metrics := NewGatewayMetrics()
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		translator: NewTranslator(bus, options.logger, metrics),
		opts:       options,
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[net.Conn]string),
		metrics:    metrics,
	}
}

// Metrics returns the gateway metrics.
func (g *Gateway) Metrics() *GatewayMetrics {
	return g.metrics
}

// ListenAndServe starts the gateway on the given address.
func (g *Gateway) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return g.Serve(listener)
}

// ListenAndServeContext starts the gateway and closes it when ctx is done.
func (g *Gateway) ListenAndServeContext(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		g.Close()
	}()

	return g.Serve(listener)
}

// Serve accepts connections on listener until Close is called.
func (g *Gateway) Serve(listener net.Listener) error {
	g.mu.Lock()
	g.listener = listener
	g.mu.Unlock()
	g.opts.logger.Info("gateway started",
		slog.String("addr", listener.Addr().String()),
		slog.Int("max_sessions", g.opts.maxConns))

	for {
		if !g.awaitAdmission() {
			return nil
		}

		conn, err := listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&g.closed) == 1 {
				return nil
			}
			g.opts.logger.Error("accept error", slog.String("error", err.Error()))
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(30 * time.Second)
		}

		id := uuid.NewString()
		g.mu.Lock()
		if atomic.LoadInt32(&g.closed) == 1 {
			g.mu.Unlock()
			conn.Close()
			return nil
		}
		g.sessions[conn] = id
		atomic.AddInt32(&g.active, 1)
		g.metrics.ActiveSessions.Add(1)
		g.metrics.TotalSessions.Add(1)
		g.wg.Add(1)
		g.mu.Unlock()

		go g.serveSession(conn, id)
	}
}

// awaitAdmission blocks while every session slot is taken. It reports
// false once the gateway is closed.
func (g *Gateway) awaitAdmission() bool {
	logged := false
	for atomic.LoadInt32(&g.active) >= int32(g.opts.maxConns) {
		if atomic.LoadInt32(&g.closed) == 1 {
			return false
		}
		if !logged {
			g.opts.logger.Debug("session limit reached, deferring accept",
				slog.Int("active", int(atomic.LoadInt32(&g.active))))
			logged = true
		}
		g.metrics.Deferrals.Add(1)
		time.Sleep(g.opts.admissionPoll)
	}
	return atomic.LoadInt32(&g.closed) == 0
}

// Close stops accepting, closes every session and waits for them to exit.
func (g *Gateway) Close() error {
	if !atomic.CompareAndSwapInt32(&g.closed, 0, 1) {
		return nil
	}
	g.cancel()

	g.mu.Lock()
	var err error
	if g.listener != nil {
		err = g.listener.Close()
	}
	for conn := range g.sessions {
		conn.Close()
	}
	g.mu.Unlock()

	g.wg.Wait()
	g.opts.logger.Info("gateway stopped")
	return err
}

// Addr returns the gateway's listen address.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener != nil {
		return g.listener.Addr()
	}
	return nil
}

// ActiveSessions returns the number of sessions being served.
func (g *Gateway) ActiveSessions() int {
	return int(atomic.LoadInt32(&g.active))
}

func (g *Gateway) serveSession(conn net.Conn, id string) {
	logger := g.opts.logger.With(
		slog.String("session", id),
		slog.String("remote", conn.RemoteAddr().String()))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic in gateway session",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}

		conn.Close()
		g.mu.Lock()
		delete(g.sessions, conn)
		g.mu.Unlock()
		atomic.AddInt32(&g.active, -1)
		g.metrics.ActiveSessions.Add(-1)
		g.wg.Done()
		logger.Debug("session closed")
	}()

	logger.Debug("session opened")

	for {
		if g.opts.readTimeout > 0 {
			conn.SetReadDeadline(timeNow().Add(g.opts.readTimeout))
		}

		frame, err := ReadFrame(conn)
		if err != nil {
			switch {
			case errors.Is(err, ErrInvalidFrame):
				g.metrics.FramingErrors.Add(1)
				logger.Warn("malformed frame, closing session", slog.String("error", err.Error()))
			case err != io.EOF && atomic.LoadInt32(&g.closed) == 0:
				logger.Debug("read error", slog.String("error", err.Error()))
			}
			return
		}

		logger.Debug("request received",
			slog.Uint64("tx_id", uint64(frame.Header.TransactionID)),
			slog.Int("bytes", MBAPHeaderSize+len(frame.PDU)))

		out := g.translator.Translate(g.ctx, frame).Encode()

		if _, err := conn.Write(out); err != nil {
			logger.Debug("write error", slog.String("error", err.Error()))
			return
		}
		g.metrics.ResponsesSent.Add(1)

		logger.Debug("response sent",
			slog.Uint64("tx_id", uint64(frame.Header.TransactionID)),
			slog.Int("bytes", len(out)))
	}
}
