// Package events fans job lifecycle notifications out to live subscribers,
// grouped into one room per organization. Delivery is best effort.
package events

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ionsec/maes-platform-sub001/internal/obs"
)

// Event names published by the orchestrator.
const (
	ExtractionStarted = "extraction.started"
	ExtractionUpdated = "extraction.updated"
	AnalysisStarted   = "analysis.started"
	AnalysisUpdated   = "analysis.updated"
	JobCancelled      = "job.cancelled"
)

const defaultBuffer = 16

// Event is one notification addressed to an organization room.
type Event struct {
	OrganizationID string    `json:"organizationId"`
	Name           string    `json:"event"`
	Payload        any       `json:"payload,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Broadcaster routes published events to the subscribers that joined the
// event's organization room. A subscriber whose buffer is full misses the event.
type Broadcaster struct {
	mu     sync.RWMutex
	rooms  map[string]map[int]*Subscription
	subs   map[int]*Subscription
	next   int
	buffer int
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Broadcaster)

// WithBuffer sets the per-subscriber channel capacity.
func WithBuffer(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.buffer = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Broadcaster) {
		if l != nil {
			b.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) {
		if now != nil {
			b.now = now
		}
	}
}

func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		rooms:  make(map[string]map[int]*Subscription),
		subs:   make(map[int]*Subscription),
		buffer: defaultBuffer,
		now:    time.Now,
		logger: obs.Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription is one live listener. It starts in no room.
type Subscription struct {
	b      *Broadcaster
	id     int
	ch     chan Event
	rooms  map[string]struct{}
	closed bool
}

// Subscribe registers a listener. The channel is closed when ctx ends.
func (b *Broadcaster) Subscribe(ctx context.Context) *Subscription {
	sub := &Subscription{
		b:     b,
		ch:    make(chan Event, b.buffer),
		rooms: make(map[string]struct{}),
	}

	b.mu.Lock()
	sub.id = b.next
	b.next++
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(sub)
	}()

	return sub
}

func (b *Broadcaster) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	for room := range sub.rooms {
		b.leaveLocked(sub, room)
	}
	delete(b.subs, sub.id)
	sub.closed = true
	close(sub.ch)
}

func (b *Broadcaster) leaveLocked(sub *Subscription, room string) {
	members := b.rooms[room]
	delete(members, sub.id)
	if len(members) == 0 {
		delete(b.rooms, room)
	}
	delete(sub.rooms, room)
}

// Events returns the delivery channel.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Join adds the subscriber to an organization room. Callers must have
// checked that the subscriber may see that organization.
func (s *Subscription) Join(organizationID string) {
	if organizationID == "" {
		return
	}
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return
	}
	members, ok := b.rooms[organizationID]
	if !ok {
		members = make(map[int]*Subscription)
		b.rooms[organizationID] = members
	}
	members[s.id] = s
	s.rooms[organizationID] = struct{}{}
}

// Leave removes the subscriber from a room. Leaving a room never joined is a no-op.
func (s *Subscription) Leave(organizationID string) {
	b := s.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := s.rooms[organizationID]; !ok {
		return
	}
	b.leaveLocked(s, organizationID)
}

// Rooms lists the joined rooms in sorted order.
func (s *Subscription) Rooms() []string {
	s.b.mu.RLock()
	defer s.b.mu.RUnlock()
	out := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// Publish delivers an event to every subscriber of the organization room.
// It never blocks and returns the number of subscribers reached.
func (b *Broadcaster) Publish(organizationID, name string, payload any) int {
	evt := Event{
		OrganizationID: organizationID,
		Name:           name,
		Payload:        payload,
		Timestamp:      b.now().UTC(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	delivered := 0
	for _, sub := range b.rooms[organizationID] {
		select {
		case sub.ch <- evt:
			delivered++
		default:
			obs.EventsDropped.Inc()
			b.logger.Debug("event dropped for slow subscriber",
				zap.String("event", name),
				zap.String("organization_id", organizationID),
				zap.Int("subscriber", sub.id))
		}
	}
	return delivered
}

// RoomSize reports how many subscribers joined the room.
func (b *Broadcaster) RoomSize(organizationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[organizationID])
}
