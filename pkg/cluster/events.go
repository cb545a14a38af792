package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/amirimatin/go-raft/pkg/consensus"
	"github.com/amirimatin/go-raft/pkg/raftlog"
)

type EventType string

const (
	EventLeaderChanged EventType = "leader_changed"
	EventMemberJoin    EventType = "member_join"
	EventMemberLeave   EventType = "member_leave"
	EventMemberUpdate  EventType = "member_update"
)

// Event is an application-consumable event describing cluster state changes.
// Only relevant fields for an event type are populated.
type Event struct {
	Type   EventType
	At     time.Time
	Leader *consensus.LeaderInfo
	Member *raftlog.Member
	Term   uint64
}

// Subscribe returns a channel of events. The returned channel is buffered and
// closed automatically when ctx is done. Events may be dropped if the consumer
// is too slow (best-effort delivery) to avoid back-pressuring internals.
func (c *Cluster) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 64)
	c.eb.add(ch)
	go func() {
		<-ctx.Done()
		c.eb.remove(ch)
		close(ch)
	}()
	return ch
}

// internal event bus
type eventBus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
	e.mu.Lock()
	if e.subs == nil {
		e.subs = make(map[chan Event]struct{})
	}
	e.subs[ch] = struct{}{}
	e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
	e.mu.Lock()
	if e.subs != nil {
		delete(e.subs, ch)
	}
	e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
	e.mu.Lock()
	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
			// drop if receiver is slow
		}
	}
	e.mu.Unlock()
}

// memberEvents compares two configurations and returns the membership
// events leading from prev to cur.
func memberEvents(prev, cur []raftlog.Member, at time.Time) []Event {
	old := make(map[string]raftlog.Member, len(prev))
	for _, m := range prev {
		old[m.ID] = m
	}
	var out []Event
	for _, m := range cur {
		m := m
		p, ok := old[m.ID]
		delete(old, m.ID)
		switch {
		case !ok:
			out = append(out, Event{Type: EventMemberJoin, At: at, Member: &m})
		case p.Addr != m.Addr || !sameMeta(p.Meta, m.Meta):
			out = append(out, Event{Type: EventMemberUpdate, At: at, Member: &m})
		}
	}
	for _, m := range prev {
		if _, gone := old[m.ID]; gone {
			m := m
			out = append(out, Event{Type: EventMemberLeave, At: at, Member: &m})
		}
	}
	return out
}

func sameMeta(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
