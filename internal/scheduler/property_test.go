package scheduler

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"pulsekeeper/internal/signal"
)

type op struct {
	start bool
	kind  signal.Kind
}

func (o op) String() string {
	if o.start {
		return "start(" + o.kind.String() + ")"
	}
	return "stop(" + o.kind.String() + ")"
}

// checkInvariants verifies, at rest, that each session exists iff its kind is
// desired and that the lease and grant are held iff any kind is desired.
func checkInvariants(h *harness) error {
	snap, err := h.s.Snapshot(h.ctx)
	if err != nil {
		return err
	}
	anyDesired := false
	for _, ks := range snap.Kinds {
		if ks.SessionOpen != ks.Desired {
			return fmt.Errorf("%s: session_open=%v desired=%v", ks.Kind, ks.SessionOpen, ks.Desired)
		}
		if h.drivers[ks.Kind].SessionOpen() != ks.Desired {
			return fmt.Errorf("%s: driver session disagrees with desired=%v", ks.Kind, ks.Desired)
		}
		anyDesired = anyDesired || ks.Desired
	}
	if snap.LeaseHeld != anyDesired {
		return fmt.Errorf("lease_held=%v any_desired=%v", snap.LeaseHeld, anyDesired)
	}
	if h.leaseSim.Active() > 1 {
		return fmt.Errorf("lease acquired %d times concurrently", h.leaseSim.Active())
	}
	if snap.GrantHeld != anyDesired {
		return fmt.Errorf("grant_held=%v any_desired=%v", snap.GrantHeld, anyDesired)
	}
	if h.host.LiveGrants() > 1 {
		return fmt.Errorf("%d grants live", h.host.LiveGrants())
	}
	return nil
}

func apply(h *harness, o op) error {
	if o.start {
		return h.s.Start(h.ctx, o.kind)
	}
	return h.s.Stop(h.ctx, o.kind)
}

func permutations(ops []op) [][]op {
	if len(ops) <= 1 {
		return [][]op{append([]op(nil), ops...)}
	}
	var out [][]op
	for i := range ops {
		rest := make([]op, 0, len(ops)-1)
		rest = append(rest, ops[:i]...)
		rest = append(rest, ops[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]op{ops[i]}, p...))
		}
	}
	return out
}

func TestRefcountHoldsAcrossAllOrderings(t *testing.T) {
	t.Parallel()
	ops := []op{
		{start: true, kind: signal.Light},
		{start: true, kind: signal.Haptic},
		{start: false, kind: signal.Light},
		{start: false, kind: signal.Haptic},
	}
	perms := permutations(ops)
	if len(perms) != 24 {
		t.Fatalf("got %d orderings, want 24", len(perms))
	}
	for _, seq := range perms {
		seq := seq
		t.Run(fmt.Sprint(seq), func(t *testing.T) {
			t.Parallel()
			h := newHarness(t)
			for i, o := range seq {
				if err := apply(h, o); err != nil {
					t.Fatalf("step %d %s: %v", i, o, err)
				}
				if err := checkInvariants(h); err != nil {
					t.Fatalf("after step %d %s: %v", i, o, err)
				}
			}
		})
	}
}

func TestSessionMatchesDesiredForAnySequence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	// Each step encodes start/stop in bit 0 and the kind in bit 1.
	properties.Property("session open iff desired after every step", prop.ForAll(
		func(steps []int) bool {
			h := buildHarness()
			defer h.close()
			for i, v := range steps {
				o := op{start: v&1 == 1, kind: signal.Light}
				if v&2 == 2 {
					o.kind = signal.Haptic
				}
				if err := apply(h, o); err != nil {
					t.Logf("step %d %s: %v", i, o, err)
					return false
				}
				if err := checkInvariants(h); err != nil {
					t.Logf("after step %d %s: %v", i, o, err)
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 3)),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}
