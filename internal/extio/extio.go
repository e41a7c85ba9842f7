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

// Package extio drives the 8-bit GPIO expanders behind the coil and
// discrete input areas.
package extio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/edgeo-scada/modbus-gateway/internal/registers"
	"github.com/edgeo-scada/modbus-gateway/internal/syslog"
)

// Expander is one 8-bit IO port.
type Expander interface {
	ReadByte() (byte, error)
	WriteByte(b byte) error
}

// MemExpander is an in-memory port, used when no hardware is attached.
type MemExpander struct {
	mu     sync.Mutex
	value  byte
	writes int
}

// NewMemExpander creates a port holding initial.
func NewMemExpander(initial byte) *MemExpander {
	return &MemExpander{value: initial}
}

// ReadByte returns the current port value.
func (m *MemExpander) ReadByte() (byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value, nil
}

// WriteByte sets the port value.
func (m *MemExpander) WriteByte(b byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.value = b
	m.writes++
	return nil
}

// Set changes the port value as if driven externally.
func (m *MemExpander) Set(b byte) { m.WriteByte(b) }

// Writes returns how many times the port was written.
func (m *MemExpander) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Config holds the task settings.
type Config struct {
	Input  Expander
	Output Expander

	// InputIRQ, when set, triggers an immediate input scan.
	InputIRQ <-chan struct{}
	// CoilWrites wakes the output path after remote coil writes.
	CoilWrites <-chan struct{}

	PollInterval time.Duration
	// ActiveLow inverts both ports, for expanders wired with pull-ups.
	ActiveLow bool

	Logger *slog.Logger
}

// Task mirrors the input expander into the discrete inputs and the coils
// into the output expander, recording every edge in the syslog queue.
type Task struct {
	cfg   Config
	store *registers.Store
	queue *syslog.Queue
	now   func() time.Time

	ready      bool
	lastInputs byte
	lastCoils  byte
}

// NewTask creates a peripheral task.
func NewTask(cfg Config, store *registers.Store, queue *syslog.Queue) *Task {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Task{cfg: cfg, store: store, queue: queue, now: time.Now}
}

func (t *Task) level(b byte) byte {
	if t.cfg.ActiveLow {
		return ^b
	}
	return b
}

// Init loads the input port into the discrete inputs and drives the
// output port from the current coils. No edges are recorded.
func (t *Task) Init() error {
	raw, err := t.cfg.Input.ReadByte()
	if err != nil {
		return fmt.Errorf("extio: read inputs: %w", err)
	}
	t.lastInputs = t.level(raw)
	t.store.SetDiscrete(t.lastInputs)

	t.lastCoils = t.store.Coils()
	if err := t.cfg.Output.WriteByte(t.level(t.lastCoils)); err != nil {
		return fmt.Errorf("extio: write outputs: %w", err)
	}
	t.ready = true
	return nil
}

// Run services the ports until ctx is cancelled, calling Init first
// unless it already succeeded.
func (t *Task) Run(ctx context.Context) error {
	if !t.ready {
		if err := t.Init(); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.cfg.CoilWrites:
			t.ApplyCoils()
		case <-t.cfg.InputIRQ:
			t.ScanInputs()
		case <-ticker.C:
			t.ScanInputs()
		}
	}
}

// ScanInputs reads the input port and records input edges.
func (t *Task) ScanInputs() {
	raw, err := t.cfg.Input.ReadByte()
	if err != nil {
		t.cfg.Logger.Warn("input expander read failed", slog.String("error", err.Error()))
		return
	}
	cur := t.level(raw)
	if cur == t.lastInputs {
		return
	}
	t.store.SetDiscrete(cur)
	t.record(syslog.Edges(t.lastInputs, cur, syslog.InputOn, syslog.InputOff, t.now()))
	t.lastInputs = cur
}

// ApplyCoils writes the coil byte to the output port and records output
// edges.
func (t *Task) ApplyCoils() {
	cur := t.store.Coils()
	if err := t.cfg.Output.WriteByte(t.level(cur)); err != nil {
		t.cfg.Logger.Warn("output expander write failed", slog.String("error", err.Error()))
		return
	}
	t.record(syslog.Edges(t.lastCoils, cur, syslog.OutputOn, syslog.OutputOff, t.now()))
	t.lastCoils = cur
}

func (t *Task) record(entries []syslog.Entry) {
	for _, e := range entries {
		t.cfg.Logger.Info("io edge",
			slog.String("event", e.Event.String()),
			slog.Uint64("index", uint64(e.Index)))
		if !t.queue.Record(e) {
			t.cfg.Logger.Debug("syslog queue full, entry dropped")
		}
	}
}
