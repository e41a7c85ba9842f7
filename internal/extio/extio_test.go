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

package extio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/edgeo-scada/modbus-gateway/internal/registers"
	"github.com/edgeo-scada/modbus-gateway/internal/syslog"
)

func newTestTask(in, out Expander, activeLow bool, capacity int) (*Task, *registers.Store, *syslog.Queue) {
	store := registers.New()
	queue := syslog.NewQueue(capacity)
	task := NewTask(Config{
		Input:     in,
		Output:    out,
		ActiveLow: activeLow,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, store, queue)
	task.now = func() time.Time { return time.Unix(1700000000, 0) }
	return task, store, queue
}

func TestInitLoadsPorts(t *testing.T) {
	in := NewMemExpander(0xF0)
	out := NewMemExpander(0x00)
	task, store, queue := newTestTask(in, out, true, 8)
	store.SetCoils(0x03)

	if err := task.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	if got := store.Discrete(); got != 0x0F {
		t.Errorf("Discrete() = %02X, want 0F", got)
	}
	if got, _ := out.ReadByte(); got != 0xFC {
		t.Errorf("output port = %02X, want FC", got)
	}
	if queue.Len() != 0 {
		t.Errorf("Init recorded %d entries, want 0", queue.Len())
	}
}

func TestScanInputsRecordsEdges(t *testing.T) {
	in := NewMemExpander(0x00)
	task, store, queue := newTestTask(in, NewMemExpander(0), false, 8)
	if err := task.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	in.Set(0x05)
	task.ScanInputs()
	task.ScanInputs() // unchanged, no new entries

	if got := store.Discrete(); got != 0x05 {
		t.Errorf("Discrete() = %02X, want 05", got)
	}
	got := queue.Drain(0)
	want := []syslog.Entry{
		{Timestamp: 1700000000, Event: syslog.InputOn, Index: 0},
		{Timestamp: 1700000000, Event: syslog.InputOn, Index: 2},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestApplyCoilsRecordsEdges(t *testing.T) {
	out := NewMemExpander(0)
	task, store, queue := newTestTask(NewMemExpander(0), out, false, 8)
	store.SetCoils(0x80)
	if err := task.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	store.SetCoils(0x01)
	task.ApplyCoils()

	if got, _ := out.ReadByte(); got != 0x01 {
		t.Errorf("output port = %02X, want 01", got)
	}
	got := queue.Drain(0)
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2: %+v", len(got), got)
	}
	if got[0].Event != syslog.OutputOn || got[0].Index != 0 {
		t.Errorf("first entry = %+v", got[0])
	}
	if got[1].Event != syslog.OutputOff || got[1].Index != 7 {
		t.Errorf("second entry = %+v", got[1])
	}
}

func TestFullQueueDropsSilently(t *testing.T) {
	in := NewMemExpander(0x00)
	task, _, queue := newTestTask(in, NewMemExpander(0), false, 2)
	if err := task.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	in.Set(0xFF)
	task.ScanInputs()

	if queue.Len() != 2 {
		t.Errorf("Len() = %d, want 2", queue.Len())
	}
	if queue.Dropped() != 6 {
		t.Errorf("Dropped() = %d, want 6", queue.Dropped())
	}
}

type failingExpander struct{}

func (failingExpander) ReadByte() (byte, error) { return 0, errors.New("i2c nack") }
func (failingExpander) WriteByte(byte) error    { return errors.New("i2c nack") }

func TestInitReportsExpanderFailure(t *testing.T) {
	task, _, _ := newTestTask(failingExpander{}, NewMemExpander(0), false, 2)
	if err := task.Init(); err == nil {
		t.Fatal("expected error from failing input expander")
	}
}

func TestRunPollsInputs(t *testing.T) {
	in := NewMemExpander(0x00)
	task, store, _ := newTestTask(in, NewMemExpander(0), false, 8)
	task.cfg.PollInterval = 2 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- task.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	in.Set(0x10)

	deadline := time.Now().Add(time.Second)
	for store.Discrete() != 0x10 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()

	if got := store.Discrete(); got != 0x10 {
		t.Errorf("Discrete() = %02X, want 10", got)
	}
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}
}
