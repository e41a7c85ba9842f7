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

// Package syslog records IO edge events in a bounded, non-blocking queue.
package syslog

import (
	"fmt"
	"sync/atomic"
	"time"
)

// DefaultCapacity is the queue depth used when none is configured.
const DefaultCapacity = 4096

// Event identifies what happened on an IO line.
type Event uint16

// Event kinds.
const (
	InputOn Event = iota + 1
	InputOff
	OutputOn
	OutputOff
	Alarm
	System
)

// String returns the display name of the event.
func (e Event) String() string {
	switch e {
	case InputOn:
		return "Input ON"
	case InputOff:
		return "Input OFF"
	case OutputOn:
		return "Output ON"
	case OutputOff:
		return "Output OFF"
	case Alarm:
		return "Alarm"
	case System:
		return "System"
	default:
		return fmt.Sprintf("Event(%d)", uint16(e))
	}
}

// Entry is one syslog record. Index is the bit number that changed.
type Entry struct {
	Timestamp uint32 `json:"timestamp"`
	Event     Event  `json:"event"`
	Index     uint16 `json:"index"`
}

// Time returns the entry timestamp as a time.Time.
func (e Entry) Time() time.Time {
	return time.Unix(int64(e.Timestamp), 0)
}

// Edges compares two snapshots of an 8-bit port and returns one entry per
// changed bit, lowest bit first. rising/falling select the event kinds.
func Edges(prev, cur byte, rising, falling Event, at time.Time) []Entry {
	diff := prev ^ cur
	if diff == 0 {
		return nil
	}
	ts := uint32(at.Unix())
	entries := make([]Entry, 0, 8)
	for i := 0; i < 8; i++ {
		mask := byte(1) << i
		if diff&mask == 0 {
			continue
		}
		ev := falling
		if cur&mask != 0 {
			ev = rising
		}
		entries = append(entries, Entry{Timestamp: ts, Event: ev, Index: uint16(i)})
	}
	return entries
}

// Queue is a fixed-capacity FIFO of entries. Producers never block: a
// full queue drops the entry and counts it.
type Queue struct {
	ch       chan Entry
	recorded uint64
	dropped  uint64
	observer func(seq uint32, e Entry)
}

// NewQueue creates a queue holding at most capacity entries.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{ch: make(chan Entry, capacity)}
}

// OnRecord registers fn to be called with every accepted entry and its
// sequence number. It must be set before the queue is shared.
func (q *Queue) OnRecord(fn func(seq uint32, e Entry)) {
	q.observer = fn
}

// Record appends e, reporting false if the queue was full.
func (q *Queue) Record(e Entry) bool {
	select {
	case q.ch <- e:
		seq := atomic.AddUint64(&q.recorded, 1)
		if q.observer != nil {
			q.observer(uint32(seq), e)
		}
		return true
	default:
		atomic.AddUint64(&q.dropped, 1)
		return false
	}
}

// RecordAll records each entry and returns how many were accepted.
func (q *Queue) RecordAll(entries []Entry) int {
	n := 0
	for _, e := range entries {
		if q.Record(e) {
			n++
		}
	}
	return n
}

// Drain removes up to limit entries without blocking. limit <= 0 drains
// everything queued.
func (q *Queue) Drain(limit int) []Entry {
	var out []Entry
	for limit <= 0 || len(out) < limit {
		select {
		case e := <-q.ch:
			out = append(out, e)
		default:
			return out
		}
	}
	return out
}

// Entries exposes the queue for a blocking consumer.
func (q *Queue) Entries() <-chan Entry {
	return q.ch
}

// Len returns the number of queued entries.
func (q *Queue) Len() int { return len(q.ch) }

// Available returns the remaining capacity.
func (q *Queue) Available() int { return cap(q.ch) - len(q.ch) }

// Recorded returns the number of entries accepted so far.
func (q *Queue) Recorded() uint64 { return atomic.LoadUint64(&q.recorded) }

// Dropped returns the number of entries lost to a full queue.
func (q *Queue) Dropped() uint64 { return atomic.LoadUint64(&q.dropped) }
