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

package indicator

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordOutput struct {
	mu     sync.Mutex
	level  bool
	writes int
}

func (r *recordOutput) Set(on bool) {
	r.mu.Lock()
	r.level = on
	r.writes++
	r.mu.Unlock()
}

func (r *recordOutput) Level() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.level
}

func TestPatternSequence(t *testing.T) {
	out := &recordOutput{}
	led := NewLED(out)
	led.SetPattern(NewPattern("test", 2, 2, Stop))

	if !out.Level() {
		t.Fatal("output should switch on when the pattern starts")
	}

	// Each phase lasts duration+1 ticks; the Stop tick closes the off phase.
	want := []bool{
		true, true, false, false, false, false,
		true, true, false, false, false, false,
		true, true, false,
	}
	for i, w := range want {
		led.Tick()
		if got := out.Level(); got != w {
			t.Errorf("tick %d: level %v, want %v", i+1, got, w)
		}
	}
}

func TestSetPatternIdempotent(t *testing.T) {
	out := &recordOutput{}
	led := NewLED(out)
	led.SetPattern(FastFlash)
	led.Tick()
	led.Tick()
	led.Tick() // now in the off phase

	led.SetPattern(FastFlash)
	if out.Level() {
		t.Error("re-selecting the active pattern restarted it")
	}
	if led.Pattern() != FastFlash {
		t.Error("Pattern() should still be FastFlash")
	}

	led.SetPattern(SlowFlash)
	if !out.Level() {
		t.Error("switching pattern should restart at an on phase")
	}
}

func TestOnOffClearPattern(t *testing.T) {
	out := &recordOutput{}
	led := NewLED(out)
	led.SetPattern(SOS)

	led.On()
	if led.Pattern() != nil {
		t.Error("On() should clear the pattern")
	}
	for i := 0; i < 100; i++ {
		led.Tick()
	}
	if !out.Level() {
		t.Error("ticks changed a static level")
	}

	led.Off()
	led.Tick()
	if out.Level() {
		t.Error("Off() level not held")
	}

	// A pattern set after On/Off starts fresh even if it was set before.
	led.SetPattern(SOS)
	if led.Pattern() != SOS {
		t.Error("SetPattern after Off did not start SOS")
	}
}

func TestZeroDurationHoldsLevel(t *testing.T) {
	out := &recordOutput{}
	led := NewLED(out)
	led.SetPattern(NewPattern("hold", 1, 0, 1))

	led.Tick() // on
	led.Tick() // advance to the zero step, level held
	if !out.Level() {
		t.Error("zero-duration step should hold the on level")
	}
}

func TestNewPatternAppendsStop(t *testing.T) {
	p := NewPattern("x", 3, 4)
	if len(p.steps) != 3 || p.steps[2] != Stop {
		t.Errorf("steps = %v, want [3 4 255]", p.steps)
	}
	if NewPattern("y", 1, Stop).steps[1] != Stop {
		t.Error("explicit Stop was not kept")
	}
}

func TestEmptyPatternSwitchesOff(t *testing.T) {
	for _, p := range []*Pattern{NewPattern("empty"), NewPattern("stop", Stop)} {
		t.Run(p.Name(), func(t *testing.T) {
			out := &recordOutput{}
			led := NewLED(out)
			led.On()

			led.SetPattern(p)
			if out.Level() {
				t.Error("output should be off")
			}
			if led.Pattern() != nil {
				t.Errorf("Pattern() = %v, want nil", led.Pattern())
			}
			for i := 0; i < 600; i++ {
				led.Tick()
			}
			if out.Level() {
				t.Error("output switched on while idle")
			}
		})
	}
}

func TestLeadingZeroStartsOff(t *testing.T) {
	out := &recordOutput{}
	led := NewLED(out)
	led.On()

	led.SetPattern(NewPattern("late", 0, 2, 3))
	if out.Level() {
		t.Error("a zero first step should start with the output off")
	}
	if led.Pattern() == nil {
		t.Error("pattern should be active")
	}
}

func TestSchedulerTicks(t *testing.T) {
	out := &recordOutput{}
	led := NewLED(out)
	led.SetPattern(NewPattern("blink", 1, 1))
	base := out.writes

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewScheduler(time.Millisecond, led).Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	out.mu.Lock()
	writes := out.writes - base
	out.mu.Unlock()
	if writes < 10 {
		t.Errorf("only %d output updates in 50ms at 1ms ticks", writes)
	}
}
