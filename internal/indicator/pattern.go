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

// Package indicator plays on/off patterns on LEDs and buzzers.
package indicator

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Stop marks the end of a pattern table.
const Stop byte = 0xFF

// DefaultTick is the scheduler period; pattern durations count ticks.
const DefaultTick = 10 * time.Millisecond

// Pattern is an immutable table of tick durations. Even positions are on
// phases, odd positions off phases, and a zero duration holds the current
// level. Patterns are compared by identity.
type Pattern struct {
	name  string
	steps []byte
}

// NewPattern creates a pattern, appending Stop if missing.
func NewPattern(name string, steps ...byte) *Pattern {
	s := make([]byte, 0, len(steps)+1)
	s = append(s, steps...)
	if len(s) == 0 || s[len(s)-1] != Stop {
		s = append(s, Stop)
	}
	return &Pattern{name: name, steps: s}
}

// Name returns the pattern name.
func (p *Pattern) Name() string { return p.name }

// Built-in patterns.
var (
	SlowFlash   = NewPattern("slow", 50, 50)
	NormalFlash = NewPattern("normal", 25, 25)
	FastFlash   = NewPattern("fast", 2, 2)
	SOS         = NewPattern("sos", 10, 10, 10, 10, 10, 40, 40, 10, 40, 10, 40, 40, 10, 10, 10, 10, 10, 70)
)

// Output drives one physical indicator.
type Output interface {
	Set(on bool)
}

// LogOutput reports level changes to a logger.
type LogOutput struct {
	Name   string
	Logger *slog.Logger

	mu    sync.Mutex
	level bool
	init  bool
}

// Set implements Output.
func (o *LogOutput) Set(on bool) {
	o.mu.Lock()
	changed := !o.init || o.level != on
	o.level, o.init = on, true
	o.mu.Unlock()
	if changed && o.Logger != nil {
		o.Logger.Debug("indicator", slog.String("name", o.Name), slog.Bool("on", on))
	}
}

// LED plays patterns on an Output. All methods are safe for concurrent use.
type LED struct {
	mu      sync.Mutex
	out     Output
	pattern *Pattern
	pos     int
	tick    int
	active  bool
	repeat  bool
}

// NewLED creates an LED on out, initially off.
func NewLED(out Output) *LED {
	out.Set(false)
	return &LED{out: out}
}

// SetPattern starts p from the beginning, looping. Selecting the pattern
// that is already playing does nothing. A pattern with no steps switches
// the output off.
func (l *LED) SetPattern(p *Pattern) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p == nil || p == l.pattern {
		return
	}
	if p.steps[0] == Stop {
		l.pattern = nil
		l.active = false
		l.out.Set(false)
		return
	}
	l.pattern = p
	l.pos = 0
	l.tick = 0
	l.active = true
	l.repeat = true
	l.out.Set(p.steps[0] != 0)
}

// Pattern returns the active pattern, or nil.
func (l *LED) Pattern() *Pattern {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.active {
		return nil
	}
	return l.pattern
}

// On switches the output on and clears any pattern.
func (l *LED) On() { l.static(true) }

// Off switches the output off and clears any pattern.
func (l *LED) Off() { l.static(false) }

func (l *LED) static(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pattern = nil
	l.active = false
	l.out.Set(on)
}

// Tick advances the pattern by one scheduler period.
func (l *LED) Tick() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.active || l.pattern == nil {
		return
	}

	steps := l.pattern.steps
	l.tick++
	if l.tick > int(steps[l.pos]) {
		l.pos++
		l.tick = 0
		if steps[l.pos] == Stop {
			l.out.Set(false)
			if l.repeat {
				l.pos = 0
			} else {
				l.active = false
			}
			return
		}
	}

	if steps[l.pos] == 0 {
		return
	}
	l.out.Set(l.pos%2 == 0)
}

// Scheduler ticks a fixed set of LEDs at a constant period.
type Scheduler struct {
	period time.Duration
	leds   []*LED
}

// NewScheduler creates a scheduler. A zero period selects DefaultTick.
func NewScheduler(period time.Duration, leds ...*LED) *Scheduler {
	if period <= 0 {
		period = DefaultTick
	}
	return &Scheduler{period: period, leds: leds}
}

// Run ticks every LED once per period until ctx is cancelled. Deadlines
// are absolute, so a late wake-up shortens the next wait instead of
// accumulating drift.
func (s *Scheduler) Run(ctx context.Context) error {
	next := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		next = next.Add(s.period)
		timer.Reset(time.Until(next))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		for _, l := range s.leds {
			l.Tick()
		}
	}
}
