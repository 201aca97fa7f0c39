package typing

import (
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/koi-chat/koi/internal/event"
)

type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) record(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recorder) last(t *testing.T) Snapshot {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		t.Fatal("no snapshots recorded")
	}
	return r.snaps[len(r.snaps)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snaps)
}

func startEvent(userID string) *event.Event {
	return &event.Event{Type: event.TypingStart, User: &event.User{ID: userID}}
}

func userIDs(s Snapshot) []string {
	ids := make([]string, 0, len(s.Users))
	for _, u := range s.Users {
		ids = append(ids, u.ID)
	}
	return ids
}

func TestStartSignalAddsUser(t *testing.T) {
	rec := &recorder{}
	a := NewAggregator("messaging:general", rec.record, WithClock(clock.NewMock()))

	a.ProcessSignal("amy", startEvent("amy"))

	if got := userIDs(rec.last(t)); !reflect.DeepEqual(got, []string{"amy"}) {
		t.Errorf("typing users = %v, want [amy]", got)
	}
}

func TestExplicitStopRemovesImmediately(t *testing.T) {
	rec := &recorder{}
	a := NewAggregator("messaging:general", rec.record, WithClock(clock.NewMock()))

	a.ProcessSignal("amy", startEvent("amy"))
	a.ProcessSignal("amy", nil)

	if got := userIDs(rec.last(t)); len(got) != 0 {
		t.Errorf("typing users = %v, want empty after stop", got)
	}
}

// A start signal not renewed within the window is evicted as if a stop
// had arrived.
func TestEvictionAfterWindow(t *testing.T) {
	mock := clock.NewMock()
	rec := &recorder{}
	a := NewAggregator("messaging:general", rec.record, WithClock(mock))

	a.ProcessSignal("amy", startEvent("amy"))
	mock.Add(DefaultWindow + time.Millisecond)

	if got := userIDs(rec.last(t)); len(got) != 0 {
		t.Errorf("typing users = %v, want empty after window elapsed", got)
	}
}

// Two start signals 2.5s apart with a 7s window: at t=7s+ε the user is still
// present because the second signal restarted the countdown; the user is
// evicted only once the window elapses from the second signal.
func TestRenewalRestartsCountdown(t *testing.T) {
	mock := clock.NewMock()
	rec := &recorder{}
	a := NewAggregator("messaging:general", rec.record, WithClock(mock))

	a.ProcessSignal("amy", startEvent("amy"))
	mock.Add(2500 * time.Millisecond)
	a.ProcessSignal("amy", startEvent("amy"))

	// t = 7s + ε after the first signal: 4.5s into the second countdown.
	mock.Add(4501 * time.Millisecond)
	if got := userIDs(rec.last(t)); !reflect.DeepEqual(got, []string{"amy"}) {
		t.Errorf("typing users = %v, want [amy] (countdown restarted)", got)
	}

	// Window elapses from the second signal.
	mock.Add(2500 * time.Millisecond)
	if got := userIDs(rec.last(t)); len(got) != 0 {
		t.Errorf("typing users = %v, want empty after second window", got)
	}
}

// A rapid duplicate signal must not double-fire eviction.
func TestDuplicateSignalDoesNotDoubleEvict(t *testing.T) {
	mock := clock.NewMock()
	rec := &recorder{}
	a := NewAggregator("messaging:general", rec.record, WithClock(mock))

	a.ProcessSignal("amy", startEvent("amy"))
	a.ProcessSignal("amy", startEvent("amy"))

	before := rec.count()
	mock.Add(DefaultWindow + time.Millisecond)

	// Exactly one eviction notification.
	if got := rec.count() - before; got != 1 {
		t.Errorf("got %d eviction notifications, want 1", got)
	}
	if got := userIDs(rec.last(t)); len(got) != 0 {
		t.Errorf("typing users = %v, want empty", got)
	}
}

// The listener is invoked once per processed signal even when the
// composition is unchanged.
func TestListenerCalledPerSignal(t *testing.T) {
	rec := &recorder{}
	a := NewAggregator("messaging:general", rec.record, WithClock(clock.NewMock()))

	a.ProcessSignal("amy", startEvent("amy"))
	a.ProcessSignal("amy", startEvent("amy"))
	a.ProcessSignal("bob", nil) // stop for a user who never started

	if got := rec.count(); got != 3 {
		t.Errorf("listener called %d times, want 3", got)
	}
}

func TestInsertionOrderPreserved(t *testing.T) {
	rec := &recorder{}
	a := NewAggregator("messaging:general", rec.record, WithClock(clock.NewMock()))

	a.ProcessSignal("amy", startEvent("amy"))
	a.ProcessSignal("bob", startEvent("bob"))
	a.ProcessSignal("cal", startEvent("cal"))
	// Renewal must not move amy to the back.
	a.ProcessSignal("amy", startEvent("amy"))

	if got := userIDs(rec.last(t)); !reflect.DeepEqual(got, []string{"amy", "bob", "cal"}) {
		t.Errorf("typing users = %v, want [amy bob cal]", got)
	}
}

func TestCustomWindow(t *testing.T) {
	mock := clock.NewMock()
	rec := &recorder{}
	a := NewAggregator("messaging:general", rec.record,
		WithClock(mock), WithWindow(2*time.Second))

	a.ProcessSignal("amy", startEvent("amy"))
	mock.Add(2*time.Second + time.Millisecond)

	if got := userIDs(rec.last(t)); len(got) != 0 {
		t.Errorf("typing users = %v, want empty after custom window", got)
	}
}

func TestStopCancelsAllTimers(t *testing.T) {
	mock := clock.NewMock()
	rec := &recorder{}
	a := NewAggregator("messaging:general", rec.record, WithClock(mock))

	a.ProcessSignal("amy", startEvent("amy"))
	a.ProcessSignal("bob", startEvent("bob"))
	a.Stop()

	before := rec.count()
	mock.Add(DefaultWindow * 2)
	if rec.count() != before {
		t.Error("timers fired after Stop")
	}
	if len(a.Users()) != 0 {
		t.Error("entries remain after Stop")
	}
}

// Snapshots are delivered in mutation order: the last one the listener sees
// is always the aggregator's final state, even under concurrent signals.
func TestSnapshotsDeliverInMutationOrder(t *testing.T) {
	rec := &recorder{}
	a := NewAggregator("messaging:general", rec.record, WithClock(clock.NewMock()))

	users := []string{"amy", "bob", "cal", "dee"}
	var wg sync.WaitGroup
	for _, id := range users {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				a.ProcessSignal(id, startEvent(id))
				a.ProcessSignal(id, nil)
			}
		}(id)
	}
	wg.Wait()

	final := userIDs(Snapshot{Users: a.Users()})
	if got := userIDs(rec.last(t)); !reflect.DeepEqual(got, final) {
		t.Errorf("last delivered snapshot = %v, want final state %v", got, final)
	}
}

func TestIndependentChannels(t *testing.T) {
	mock := clock.NewMock()
	recA := &recorder{}
	recB := &recorder{}
	a := NewAggregator("messaging:a", recA.record, WithClock(mock))
	b := NewAggregator("messaging:b", recB.record, WithClock(mock))

	a.ProcessSignal("amy", startEvent("amy"))
	b.ProcessSignal("bob", startEvent("bob"))

	if got := userIDs(recA.last(t)); !reflect.DeepEqual(got, []string{"amy"}) {
		t.Errorf("channel a users = %v", got)
	}
	if got := userIDs(recB.last(t)); !reflect.DeepEqual(got, []string{"bob"}) {
		t.Errorf("channel b users = %v", got)
	}
	if recA.last(t).ChannelID != "messaging:a" {
		t.Errorf("snapshot channel = %q", recA.last(t).ChannelID)
	}
}
