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
	"log/slog"
	"time"
)

// GatewayOption is a functional option for configuring the gateway.
type GatewayOption func(*gatewayOptions)

type gatewayOptions struct {
	logger *slog.Logger

	// Admission control
	maxConns      int
	admissionPoll time.Duration

	// Zero disables idle eviction; a stalled client keeps its slot.
	readTimeout time.Duration
}

func defaultGatewayOptions() *gatewayOptions {
	return &gatewayOptions{
		logger:        slog.Default(),
		maxConns:      DefaultMaxConnections,
		admissionPoll: 100 * time.Millisecond,
	}
}

// WithLogger sets the logger for the gateway.
func WithLogger(logger *slog.Logger) GatewayOption {
	return func(o *gatewayOptions) {
		o.logger = logger
	}
}

// WithGatewayMaxConnections sets the number of sessions served at once.
// Further connections wait in the listen backlog.
func WithGatewayMaxConnections(n int) GatewayOption {
	return func(o *gatewayOptions) {
		if n > 0 {
			o.maxConns = n
		}
	}
}

// WithAdmissionPoll sets how long the accept loop sleeps while saturated.
func WithAdmissionPoll(d time.Duration) GatewayOption {
	return func(o *gatewayOptions) {
		if d > 0 {
			o.admissionPoll = d
		}
	}
}

// WithSessionReadTimeout closes sessions idle for longer than d.
func WithSessionReadTimeout(d time.Duration) GatewayOption {
	return func(o *gatewayOptions) {
		o.readTimeout = d
	}
}

// ServerOption is a functional option for configuring the server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger      *slog.Logger
	maxConns    int
	readTimeout time.Duration
}

func defaultServerOptions() *serverOptions {
	return &serverOptions{
		logger:      slog.Default(),
		maxConns:    DefaultMaxConnections,
		readTimeout: 30 * time.Second,
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// WithMaxConnections sets the maximum number of concurrent connections.
func WithMaxConnections(n int) ServerOption {
	return func(o *serverOptions) {
		o.maxConns = n
	}
}

// WithReadTimeout sets the read timeout for client connections.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.readTimeout = d
	}
}

// BusOption is a functional option for configuring the serial transport.
type BusOption func(*busOptions)

type busOptions struct {
	logger  *slog.Logger
	timeout time.Duration
}

func defaultBusOptions() *busOptions {
	return &busOptions{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
}

// WithBusLogger sets the logger for the serial transport.
func WithBusLogger(logger *slog.Logger) BusOption {
	return func(o *busOptions) {
		o.logger = logger
	}
}

// WithBusTimeout sets the per-call response timeout on the serial line.
func WithBusTimeout(d time.Duration) BusOption {
	return func(o *busOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}
