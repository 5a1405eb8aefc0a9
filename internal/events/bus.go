// Package events carries campaign progress from the pipeline to
// subscribers (CLI, TUI, tests). Every event gets a per-campaign
// monotonic sequence number. Subscriber buffers are bounded: on
// overflow the oldest phase_progress event is discarded first so
// lifecycle events are never lost.
package events

import (
	"sync"
	"time"

	"redforge/internal/campaign"
)

// Type identifies an event kind.
type Type string

const (
	TypeCampaignStarted Type = "/campaign_started"
	TypePhaseStarted    Type = "/phase_started"
	TypePhaseProgress   Type = "/phase_progress"
	TypePhaseCompleted  Type = "/phase_completed"
	TypePhaseFailed     Type = "/phase_failed"
	TypeCampaignDone    Type = "/campaign_done"
)

// IsLifecycle reports whether an event type must survive buffer overflow.
func (t Type) IsLifecycle() bool {
	return t != TypePhaseProgress
}

// Event is a single pipeline notification.
type Event struct {
	Seq        uint64         `json:"seq"`
	CampaignID string         `json:"campaign_id"`
	Phase      campaign.Phase `json:"phase,omitempty"`
	Type       Type           `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	Message    string         `json:"message,omitempty"`
	Data       any            `json:"data,omitempty"`
}

// Bus fans events out to subscribers.
type Bus struct {
	mu     sync.Mutex
	seqs   map[string]uint64
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{
		seqs: make(map[string]uint64),
		subs: make(map[*Subscription]struct{}),
	}
}

// Publish stamps the event with a sequence number and timestamp and
// delivers it to every live subscriber. Publish never blocks.
func (b *Bus) Publish(campaignID string, phase campaign.Phase, eventType Type, message string, data any) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	b.seqs[campaignID]++
	ev := Event{
		Seq:        b.seqs[campaignID],
		CampaignID: campaignID,
		Phase:      phase,
		Type:       eventType,
		Timestamp:  time.Now(),
		Message:    message,
		Data:       data,
	}

	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.enqueue(ev)
	}
}

// Subscribe registers a subscriber with the given buffer size.
// A buffer of 0 uses the default (64).
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}

	s := &Subscription{
		bus:    b,
		max:    buffer,
		out:    make(chan Event),
		notify: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.closed = true
		close(s.out)
		close(s.done)
		return s
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.pump()
	return s
}

// Close shuts down the bus and all subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}

// LastSeq returns the last sequence number issued for a campaign.
func (b *Bus) LastSeq(campaignID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seqs[campaignID]
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	bus *Bus

	mu     sync.Mutex
	queue  []Event
	max    int
	closed bool

	out    chan Event
	notify chan struct{}
	quit   chan struct{}
	done   chan struct{}
}

// Events returns the subscriber's receive channel. The channel is
// closed when the subscription or the bus shuts down.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Close detaches the subscription from the bus.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.close()
}

func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.quit)
	<-s.done
}

// enqueue appends an event, evicting the oldest phase_progress event
// when the buffer is full. Lifecycle events may grow the queue past
// its bound rather than be dropped.
func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	if len(s.queue) >= s.max {
		evicted := false
		for i, queued := range s.queue {
			if queued.Type == TypePhaseProgress {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted && !ev.Type.IsLifecycle() {
			// Full of lifecycle events; the incoming progress
			// event is the one to lose.
			s.mu.Unlock()
			return
		}
	}

	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump moves events from the queue to the out channel.
func (s *Subscription) pump() {
	defer close(s.done)
	defer close(s.out)

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.notify:
				continue
			case <-s.quit:
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.quit:
			return
		}
	}
}
