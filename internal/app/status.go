package app

import (
	"fmt"
	"strings"
	"time"

	"pulsekeeper/internal/runtime/supervisor"
	"pulsekeeper/internal/scheduler"
	"pulsekeeper/internal/storage"
)

const statusJournalLines = 5

// renderStatus formats the /status reply.
func renderStatus(snap scheduler.Snapshot, goroutines []supervisor.Stats, recent []storage.Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "period: %s\n", snap.Period)
	fmt.Fprintf(&b, "background: %s, grant: %s, lease: %s\n", yesNo(snap.Background), yesNo(snap.GrantHeld), yesNo(snap.LeaseHeld))
	for _, k := range snap.Kinds {
		fmt.Fprintf(&b, "%s: %s (desired %s, session %s)\n", k.Kind, k.State, onOff(k.Desired), yesNo(k.SessionOpen))
	}

	var down []string
	for _, st := range goroutines {
		if !st.Running {
			down = append(down, st.Name)
		}
	}
	if len(down) > 0 {
		fmt.Fprintf(&b, "stopped: %s\n", strings.Join(down, ", "))
	}

	if len(recent) > 0 {
		b.WriteString("recent:\n")
		for _, e := range recent {
			fmt.Fprintf(&b, "  %s %s", e.At.Format(time.TimeOnly), e.Event)
			if e.Kind != "" {
				fmt.Fprintf(&b, " %s", e.Kind)
			}
			if e.From != "" || e.To != "" {
				fmt.Fprintf(&b, " %s->%s", e.From, e.To)
			}
			if e.Detail != "" {
				fmt.Fprintf(&b, " (%s)", e.Detail)
			}
			b.WriteByte('\n')
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}
