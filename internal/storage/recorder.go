package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"pulsekeeper/internal/eventbus"
	logx "pulsekeeper/pkg/logx"
)

const appendTimeout = 2 * time.Second

// Recorder copies bus events into a Store.
type Recorder struct {
	store Store
	bus   eventbus.Bus
	log   logx.Logger
}

func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, bus: bus, log: log}
}

// Run journals events until ctx is done. Append failures are logged and the
// event is dropped.
func (r *Recorder) Run(ctx context.Context) error {
	ch, unsub := r.bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			e, ok := EntryFor(ev)
			if !ok {
				continue
			}
			actx, cancel := context.WithTimeout(ctx, appendTimeout)
			err := r.store.Append(actx, e)
			cancel()
			if err != nil {
				r.log.Warn("journal append failed", logx.String("event", e.Event), logx.Err(err))
			}
		}
	}
}

// EntryFor maps a bus event to a journal entry. Pulses are not journaled;
// they are counted by metrics instead.
func EntryFor(ev eventbus.Event) (Entry, bool) {
	e := Entry{ID: uuid.NewString(), At: ev.Time, Event: ev.Type}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	switch d := ev.Data.(type) {
	case eventbus.Transition:
		e.Kind, e.From, e.To, e.Detail = d.Kind, d.From, d.To, d.Cause
	case eventbus.Grant:
		e.Detail = d.Token
		if d.Reason != "" {
			e.Detail += " " + d.Reason
		}
	case eventbus.Wake:
		e.Detail = d.Identifier
		if d.Attempt > 0 {
			e.Detail += " attempt=" + strconv.Itoa(d.Attempt)
		}
		if d.Err != "" {
			e.Detail += " err=" + d.Err
		}
	case eventbus.Lease:
		e.To = strconv.FormatBool(d.Held)
	case eventbus.Command:
		e.Kind, e.Detail = d.Method, d.Source
		if d.Err != "" {
			e.To = "error"
			e.Detail += " " + d.Err
		} else {
			e.To = "ok"
		}
	default:
		return Entry{}, false
	}
	return e, true
}
