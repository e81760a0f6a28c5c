package arbitration

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/ctxmeter/internal/domain/usage/snapshot"
)

// --- Mock ---

type recordingRelay struct {
	mu     sync.Mutex
	events []snapshot.Event
}

func (r *recordingRelay) Publish(_ context.Context, ev snapshot.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingRelay) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

var t0 = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func network(total int, at time.Time) snapshot.Event {
	return snapshot.NewEvent(snapshot.New(0, 0, 0, total), snapshot.SourceNetwork, "ctx", at)
}

func fallback(total int, at time.Time) snapshot.Event {
	return snapshot.NewEvent(snapshot.Estimated(total, 0), snapshot.SourceFallbackEstimate, "ctx", at)
}

// --- Decide ---

func TestDecide_Table(t *testing.T) {
	netState := State{LastSource: snapshot.SourceNetwork, LastAt: t0}
	fbState := State{LastSource: snapshot.SourceFallbackEstimate, LastAt: t0}

	tests := []struct {
		name   string
		state  State
		source snapshot.Source
		now    time.Time
		accept bool
	}{
		{"fresh network", State{}, snapshot.SourceNetwork, t0, true},
		{"fresh fallback", State{}, snapshot.SourceFallbackEstimate, t0, true},
		{"network after network", netState, snapshot.SourceNetwork, t0.Add(time.Millisecond), true},
		{"network after fallback", fbState, snapshot.SourceNetwork, t0, true},
		{"fallback inside window", netState, snapshot.SourceFallbackEstimate, t0.Add(4999 * time.Millisecond), false},
		{"fallback at window start", netState, snapshot.SourceFallbackEstimate, t0, false},
		{"fallback at window edge", netState, snapshot.SourceFallbackEstimate, t0.Add(5000 * time.Millisecond), true},
		{"fallback after fallback", fbState, snapshot.SourceFallbackEstimate, t0.Add(time.Millisecond), true},
		{"unknown source", State{}, snapshot.Source("dom"), t0, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			next, ok := Decide(tc.state, tc.source, tc.now, snapshot.TrustWindow)
			if ok != tc.accept {
				t.Fatalf("accept = %v, want %v", ok, tc.accept)
			}
			if !ok && next != tc.state {
				t.Errorf("rejected input mutated state: %+v -> %+v", tc.state, next)
			}
			if ok && (next.LastSource != tc.source || !next.LastAt.Equal(tc.now)) {
				t.Errorf("accepted input not recorded: %+v", next)
			}
		})
	}
}

func TestPhaseOf(t *testing.T) {
	if p := PhaseOf(State{}, t0, snapshot.TrustWindow); p != PhaseStale {
		t.Errorf("empty state: %s", p)
	}
	s := State{LastSource: snapshot.SourceNetwork, LastAt: t0}
	if p := PhaseOf(s, t0.Add(time.Second), snapshot.TrustWindow); p != PhaseNetworkRecent {
		t.Errorf("within window: %s", p)
	}
	if p := PhaseOf(s, t0.Add(5*time.Second), snapshot.TrustWindow); p != PhaseStale {
		t.Errorf("after window: %s", p)
	}
}

// --- Engine scenarios ---

func TestEngine_FreshStateAcceptsNetwork(t *testing.T) {
	relay := &recordingRelay{}
	e := New(relay, zap.NewNop())

	ev := snapshot.NewEvent(snapshot.New(120, 45, 0, 165), snapshot.SourceNetwork, "ctx", t0)
	if !e.Submit(context.Background(), ev) {
		t.Fatal("expected network snapshot to be accepted")
	}
	if relay.count() != 1 {
		t.Fatalf("expected relay to fire once, got %d", relay.count())
	}
	if relay.events[0].Data != snapshot.New(120, 45, 0, 165) {
		t.Errorf("relayed %v", relay.events[0].Data)
	}
	if e.Phase(t0) != PhaseNetworkRecent {
		t.Errorf("phase = %s", e.Phase(t0))
	}
}

func TestEngine_FallbackInsideWindowDropped(t *testing.T) {
	relay := &recordingRelay{}
	e := New(relay, zap.NewNop())

	e.Submit(context.Background(), network(100, t0))
	before := e.State()

	if e.Submit(context.Background(), fallback(50, t0.Add(2000*time.Millisecond))) {
		t.Fatal("expected fallback to be dropped")
	}
	if relay.count() != 1 {
		t.Errorf("expected no extra relay, got %d events", relay.count())
	}
	if e.State() != before {
		t.Errorf("state changed: %+v -> %+v", before, e.State())
	}
}

func TestEngine_FallbackAfterWindowAccepted(t *testing.T) {
	relay := &recordingRelay{}
	e := New(relay, zap.NewNop())

	e.Submit(context.Background(), network(100, t0))

	at := t0.Add(6000 * time.Millisecond)
	if !e.Submit(context.Background(), fallback(50, at)) {
		t.Fatal("expected fallback to be accepted")
	}
	if relay.count() != 2 {
		t.Fatalf("expected 2 relayed events, got %d", relay.count())
	}
	if relay.events[1].Source != snapshot.SourceFallbackEstimate || relay.events[1].Data.Total() != 50 {
		t.Errorf("relayed %+v", relay.events[1])
	}
	if got := e.State(); got.LastSource != snapshot.SourceFallbackEstimate || !got.LastAt.Equal(at) {
		t.Errorf("state = %+v", got)
	}
	if e.Phase(at) != PhaseStale {
		t.Errorf("phase = %s", e.Phase(at))
	}
}

func TestEngine_WouldAcceptDoesNotMutate(t *testing.T) {
	e := New(&recordingRelay{}, zap.NewNop())
	e.Submit(context.Background(), network(1, t0))
	before := e.State()

	if e.WouldAccept(snapshot.SourceFallbackEstimate, t0.Add(time.Second)) {
		t.Error("fallback inside window should not be acceptable")
	}
	if !e.WouldAccept(snapshot.SourceNetwork, t0.Add(time.Second)) {
		t.Error("network should always be acceptable")
	}
	if e.State() != before {
		t.Error("WouldAccept mutated state")
	}
}

// TestEngine_RandomSequences checks network precedence, window release and
// network-always-wins over random input sequences.
func TestEngine_RandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 200; run++ {
		relay := &recordingRelay{}
		e := New(relay, zap.NewNop())
		now := t0
		var lastNetwork time.Time
		haveNetwork := false

		for step := 0; step < 50; step++ {
			now = now.Add(time.Duration(rng.Intn(3000)) * time.Millisecond)
			before := e.State()
			relayed := relay.count()

			if rng.Intn(3) == 0 {
				if !e.Submit(context.Background(), network(step, now)) {
					t.Fatalf("run %d step %d: network rejected", run, step)
				}
				lastNetwork, haveNetwork = now, true
				continue
			}

			accepted := e.Submit(context.Background(), fallback(step, now))
			inWindow := before.LastSource == snapshot.SourceNetwork && now.Sub(lastNetwork) < snapshot.TrustWindow
			switch {
			case inWindow && accepted:
				t.Fatalf("run %d step %d: fallback accepted %v after network", run, step, now.Sub(lastNetwork))
			case inWindow && (e.State() != before || relay.count() != relayed):
				t.Fatalf("run %d step %d: rejected fallback changed state or relayed", run, step)
			case !inWindow && !accepted:
				t.Fatalf("run %d step %d: fallback rejected outside window (network=%v)", run, step, haveNetwork)
			}
		}
	}
}

func TestEngine_ConcurrentSubmitsSerialized(t *testing.T) {
	relay := &recordingRelay{}
	e := New(relay, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e.Submit(context.Background(), network(i, t0.Add(time.Duration(i)*time.Millisecond)))
		}(i)
	}
	wg.Wait()

	if relay.count() != 50 {
		t.Errorf("expected 50 relayed network events, got %d", relay.count())
	}
}
