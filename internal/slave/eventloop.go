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

package slave

import (
	"context"
	"log/slog"
)

// EventLoop consumes access events and wakes the peripheral task after
// coil writes.
type EventLoop struct {
	events   <-chan AccessEvent
	mask     EventKind
	coilWake chan struct{}
	logger   *slog.Logger
}

// NewEventLoop creates a loop over events. Only kinds in mask are handled.
func NewEventLoop(events <-chan AccessEvent, mask EventKind, logger *slog.Logger) *EventLoop {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLoop{
		events:   events,
		mask:     mask,
		coilWake: make(chan struct{}, 1),
		logger:   logger,
	}
}

// CoilWrites delivers one notification per burst of coil writes.
func (l *EventLoop) CoilWrites() <-chan struct{} {
	return l.coilWake
}

// Run handles events until ctx is cancelled.
func (l *EventLoop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-l.events:
			if !ok {
				return nil
			}
			l.handle(ev)
		}
	}
}

func (l *EventLoop) handle(ev AccessEvent) {
	if ev.Kind&l.mask == 0 {
		return
	}

	l.logger.Info("register access",
		slog.String("kind", ev.Kind.String()),
		slog.Uint64("offset", uint64(ev.Offset)),
		slog.Uint64("size", uint64(ev.Size)),
		slog.Time("time", ev.Time))

	if ev.Kind&CoilWrite != 0 {
		select {
		case l.coilWake <- struct{}{}:
		default:
		}
	}
}
