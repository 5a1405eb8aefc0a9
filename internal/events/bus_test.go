package events

import (
	"testing"
	"time"

	"go.uber.org/goleak"

	"redforge/internal/campaign"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func collect(sub *Subscription, n int, timeout time.Duration) []Event {
	got := make([]Event, 0, n)
	deadline := time.After(timeout)
	for len(got) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-deadline:
			return got
		}
	}
	return got
}

func TestSequenceMonotonicPerCampaign(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub := bus.Subscribe(16)
	defer sub.Close()

	bus.Publish("/campaign_aa", campaign.PhaseRecon, TypePhaseStarted, "", nil)
	bus.Publish("/campaign_bb", campaign.PhaseRecon, TypePhaseStarted, "", nil)
	bus.Publish("/campaign_aa", campaign.PhaseRecon, TypePhaseProgress, "", nil)
	bus.Publish("/campaign_aa", campaign.PhaseRecon, TypePhaseCompleted, "", nil)
	bus.Publish("/campaign_bb", campaign.PhaseRecon, TypePhaseProgress, "", nil)

	got := collect(sub, 5, time.Second)
	if len(got) != 5 {
		t.Fatalf("expected 5 events, got %d", len(got))
	}

	lastSeq := map[string]uint64{}
	for _, ev := range got {
		if ev.Seq != lastSeq[ev.CampaignID]+1 {
			t.Errorf("campaign %s: seq %d after %d", ev.CampaignID, ev.Seq, lastSeq[ev.CampaignID])
		}
		lastSeq[ev.CampaignID] = ev.Seq
	}
	if lastSeq["/campaign_aa"] != 3 || lastSeq["/campaign_bb"] != 2 {
		t.Errorf("unexpected final seqs: %v", lastSeq)
	}
}

// newDetachedSubscription builds a subscription with no pump so the
// queue eviction policy can be inspected directly.
func newDetachedSubscription(max int) *Subscription {
	return &Subscription{
		max:    max,
		out:    make(chan Event),
		notify: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func TestOverflowDropsOldestProgressFirst(t *testing.T) {
	sub := newDetachedSubscription(3)

	sub.enqueue(Event{Type: TypePhaseStarted, Message: "started"})
	sub.enqueue(Event{Type: TypePhaseProgress, Message: "p1"})
	sub.enqueue(Event{Type: TypePhaseProgress, Message: "p2"})
	// Queue now full; this lifecycle event must evict the oldest progress (p1)
	sub.enqueue(Event{Type: TypePhaseCompleted, Message: "completed"})

	if len(sub.queue) != 3 {
		t.Fatalf("expected queue length 3, got %d", len(sub.queue))
	}

	want := []string{"started", "p2", "completed"}
	for i := range want {
		if sub.queue[i].Message != want[i] {
			t.Errorf("queue[%d]: got %q, want %q", i, sub.queue[i].Message, want[i])
		}
	}
}

func TestOverflowNeverDropsLifecycle(t *testing.T) {
	sub := newDetachedSubscription(2)

	sub.enqueue(Event{Type: TypePhaseStarted, Message: "e1"})
	sub.enqueue(Event{Type: TypePhaseCompleted, Message: "e2"})
	// Queue is full of lifecycle events: incoming progress is the one to lose
	sub.enqueue(Event{Type: TypePhaseProgress, Message: "p"})
	// Incoming lifecycle grows the queue past its bound instead of being lost
	sub.enqueue(Event{Type: TypePhaseFailed, Message: "e3"})

	if len(sub.queue) != 3 {
		t.Fatalf("expected queue length 3, got %d", len(sub.queue))
	}
	for i, want := range []string{"e1", "e2", "e3"} {
		if sub.queue[i].Message != want {
			t.Errorf("queue[%d]: got %q, want %q", i, sub.queue[i].Message, want)
		}
	}
}

func TestFanOut(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub1 := bus.Subscribe(8)
	defer sub1.Close()
	sub2 := bus.Subscribe(8)
	defer sub2.Close()

	bus.Publish("/campaign_ee", campaign.PhaseExploit, TypePhaseStarted, "go", nil)

	for i, sub := range []*Subscription{sub1, sub2} {
		got := collect(sub, 1, time.Second)
		if len(got) != 1 || got[0].Message != "go" {
			t.Errorf("subscriber %d: expected one event, got %v", i, got)
		}
	}
}

func TestCloseTerminatesSubscribers(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe(4)

	bus.Publish("/campaign_ff", campaign.PhaseRecon, TypePhaseStarted, "", nil)
	bus.Close()

	// Channel must eventually close
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription channel never closed")
		}
	}
}

func TestPublishAfterCloseIsNoop(t *testing.T) {
	bus := NewBus()
	bus.Close()

	// Must not panic or register a seq
	bus.Publish("/campaign_gg", campaign.PhaseRecon, TypePhaseStarted, "", nil)
	if seq := bus.LastSeq("/campaign_gg"); seq != 0 {
		t.Errorf("expected no seq after close, got %d", seq)
	}

	// Subscribing after close yields a closed channel
	sub := bus.Subscribe(4)
	if _, ok := <-sub.Events(); ok {
		t.Error("expected closed channel from post-close subscribe")
	}
}
