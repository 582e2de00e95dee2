// Package eventbus fans scheduler events out to observers (journal, metrics,
// debug log) without ever blocking the publisher.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types.
const (
	TypeTransition    = "signal.transition"
	TypePulse         = "signal.pulse"
	TypeGrantBegin    = "grant.begin"
	TypeGrantEnd      = "grant.end"
	TypeWakeScheduled = "wake.scheduled"
	TypeWakeFailed    = "wake.failed"
	TypeLease         = "lease"
	TypeCommand       = "command"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Data is one of the payload structs below.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Transition is the payload of TypeTransition.
type Transition struct {
	Kind  string `json:"kind"`
	From  string `json:"from"`
	To    string `json:"to"`
	Cause string `json:"cause"`
}

// Pulse is the payload of TypePulse. Err is empty on success.
type Pulse struct {
	Kind string `json:"kind"`
	Err  string `json:"err,omitempty"`
}

// Grant is the payload of TypeGrantBegin and TypeGrantEnd.
type Grant struct {
	Token  string `json:"token"`
	Reason string `json:"reason,omitempty"`
}

// Wake is the payload of TypeWakeScheduled and TypeWakeFailed.
type Wake struct {
	Identifier string        `json:"identifier"`
	NotBefore  time.Duration `json:"not_before"`
	Attempt    int           `json:"attempt,omitempty"`
	Err        string        `json:"err,omitempty"`
}

// Lease is the payload of TypeLease.
type Lease struct {
	Held bool `json:"held"`
}

// Command is the payload of TypeCommand.
type Command struct {
	Method string `json:"method"`
	Source string `json:"source,omitempty"`
	Err    string `json:"err,omitempty"`
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns a simple in-memory fanout bus.
//
// It does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Discard is a Bus that drops everything.
var Discard Bus = discard{}

type discard struct{}

func (discard) Publish(Event) {}
func (discard) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while sending.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch; recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
