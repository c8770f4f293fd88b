// Package progress streams ingestion progress from a single producer to any
// number of sequential observers per user.
package progress

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// DefaultBuffer is the per-user queue capacity. When full, the oldest queued
// event is dropped so the newest percentage always gets through.
const DefaultBuffer = 64

// Event is a progress update or a keep-alive marker
type Event struct {
	Progress  int
	KeepAlive bool
}

// MarshalJSON renders {"progress": N} or {"progress": "keep-alive"}
func (e Event) MarshalJSON() ([]byte, error) {
	if e.KeepAlive {
		return json.Marshal(map[string]string{"progress": "keep-alive"})
	}
	return json.Marshal(map[string]int{"progress": e.Progress})
}

// RunStatus reports whether a user's ingestion is still running
type RunStatus interface {
	IsRunning(userID string) bool
}

// Hub owns one Channel per user
type Hub struct {
	mu       sync.Mutex
	channels map[string]*Channel
	status   RunStatus
	wait     time.Duration
	buffer   int
}

// NewHub creates a hub whose subscribers wait at most wait for an event
// before checking status.
func NewHub(status RunStatus, wait time.Duration) *Hub {
	return &Hub{
		channels: make(map[string]*Channel),
		status:   status,
		wait:     wait,
		buffer:   DefaultBuffer,
	}
}

// Channel is one run's progress queue
type Channel struct {
	events chan Event

	mu        sync.Mutex
	last      int
	hasLast   bool
	finished  bool
	discarded chan struct{}
	closeOnce sync.Once
}

func newChannel(buffer int) *Channel {
	return &Channel{
		events:    make(chan Event, buffer),
		discarded: make(chan struct{}),
	}
}

// Open creates a fresh channel for a run. Any previous channel for the user is
// discarded without draining.
func (h *Hub) Open(userID string) *Channel {
	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.channels[userID]; ok {
		old.discard()
	}
	ch := newChannel(h.buffer)
	h.channels[userID] = ch
	return ch
}

// Finish marks the producer done. Queued events stay readable; the channel
// is removed from the hub once nothing is queued.
func (h *Hub) Finish(userID string, ch *Channel) {
	ch.mu.Lock()
	ch.finished = true
	ch.mu.Unlock()

	if len(ch.events) == 0 {
		h.remove(userID, ch)
	}
}

// Discard tears down a channel immediately, dropping queued events
func (h *Hub) Discard(userID string, ch *Channel) {
	ch.discard()
	h.remove(userID, ch)
}

// Last returns the most recent percentage for the user's current channel
func (h *Hub) Last(userID string) (int, bool) {
	h.mu.Lock()
	ch, ok := h.channels[userID]
	h.mu.Unlock()
	if !ok {
		return 0, false
	}
	return ch.Last()
}

// Subscribe attaches an observer to the user's channel, creating an empty one
// when none exists. While a run is active the last observed percentage is
// delivered first.
func (h *Hub) Subscribe(userID string) *Subscription {
	h.mu.Lock()
	ch, ok := h.channels[userID]
	if !ok {
		ch = newChannel(h.buffer)
		h.channels[userID] = ch
	}
	h.mu.Unlock()

	sub := &Subscription{hub: h, userID: userID, ch: ch}
	if h.status.IsRunning(userID) {
		if last, ok := ch.Last(); ok {
			sub.pending = &Event{Progress: last}
			sub.floor = last
			sub.hasFloor = true
		}
	}
	return sub
}

func (h *Hub) current(userID string) (*Channel, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[userID]
	return ch, ok
}

func (h *Hub) remove(userID string, ch *Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.channels[userID] == ch {
		delete(h.channels, userID)
	}
}

// Publish queues a percentage without blocking
func (c *Channel) Publish(percent int) {
	c.mu.Lock()
	if c.finished || c.isDiscarded() {
		c.mu.Unlock()
		return
	}
	c.last = percent
	c.hasLast = true
	c.mu.Unlock()

	ev := Event{Progress: percent}
	for {
		select {
		case c.events <- ev:
			return
		default:
		}
		select {
		case <-c.events:
		default:
		}
	}
}

// Last returns the most recently published percentage
func (c *Channel) Last() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.hasLast
}

func (c *Channel) isFinished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

func (c *Channel) discard() {
	c.closeOnce.Do(func() { close(c.discarded) })
}

func (c *Channel) isDiscarded() bool {
	select {
	case <-c.discarded:
		return true
	default:
		return false
	}
}

// Subscription is one observer's cursor on a user's progress
type Subscription struct {
	hub     *Hub
	userID  string
	ch      *Channel
	pending *Event

	// queued events at or below a replayed percentage are stale
	floor    int
	hasFloor bool
}

// Next blocks until the next event. It returns a keep-alive when nothing
// arrives within the hub's wait while the run is still active, and ok=false
// once no more events will arrive.
func (s *Subscription) Next(ctx context.Context) (Event, bool) {
	if s.pending != nil {
		ev := *s.pending
		s.pending = nil
		return ev, true
	}

	for {
		if s.ch.isFinished() {
			select {
			case ev := <-s.ch.events:
				if s.stale(ev) {
					continue
				}
				return ev, true
			default:
				s.hub.remove(s.userID, s.ch)
				return Event{}, false
			}
		}

		timer := time.NewTimer(s.hub.wait)
		select {
		case ev := <-s.ch.events:
			timer.Stop()
			if s.stale(ev) {
				continue
			}
			return ev, true

		case <-s.ch.discarded:
			timer.Stop()
			// A new run replaced this channel: follow it
			if next, ok := s.hub.current(s.userID); ok && next != s.ch {
				s.ch = next
				s.hasFloor = false
				continue
			}
			return Event{}, false

		case <-ctx.Done():
			timer.Stop()
			return Event{}, false

		case <-timer.C:
			if s.ch.isFinished() || len(s.ch.events) > 0 {
				continue
			}
			if !s.hub.status.IsRunning(s.userID) {
				s.hub.remove(s.userID, s.ch)
				return Event{}, false
			}
			return Event{KeepAlive: true}, true
		}
	}
}

func (s *Subscription) stale(ev Event) bool {
	return s.hasFloor && ev.Progress <= s.floor
}
