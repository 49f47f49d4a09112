package relay

import (
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/nerrad567/dslink-core/internal/metrics"
)

// DefaultBuffer is the member channel capacity used when New is given zero.
const DefaultBuffer = 256

// Relay is a set of zone-keyed broadcast groups. It is safe for concurrent use.
type Relay struct {
	groups cmap.ConcurrentMap[string, *group]
	buffer int
	nextID atomic.Uint64
}

type group struct {
	mu      sync.RWMutex
	members map[uint64]*Subscription
}

// Subscription is one client link's membership of a zone group.
type Subscription struct {
	relay *Relay
	zone  string
	id    uint64
	ch    chan []byte
	once  sync.Once
}

// New creates a relay whose member channels buffer up to buffer messages.
func New(buffer int) *Relay {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Relay{
		groups: cmap.New[*group](),
		buffer: buffer,
	}
}

// Join adds a member to the zone's group, creating the group if needed.
// The caller must Leave when done.
func (r *Relay) Join(zone string) *Subscription {
	sub := &Subscription{
		relay: r,
		zone:  zone,
		id:    r.nextID.Add(1),
		ch:    make(chan []byte, r.buffer),
	}

	r.groups.Upsert(zone, nil, func(exists bool, g *group, _ *group) *group {
		if !exists {
			g = &group{members: make(map[uint64]*Subscription)}
		}
		g.mu.Lock()
		g.members[sub.id] = sub
		g.mu.Unlock()
		return g
	})
	metrics.SetRelayGroups(r.groups.Count())

	return sub
}

// Publish delivers msg to every member of the zone's group and returns the
// number of members that received it. Members with a full buffer are skipped.
// Publishing to a zone without members is a no-op.
func (r *Relay) Publish(zone string, msg []byte) int {
	g, ok := r.groups.Get(zone)
	if !ok {
		return 0
	}

	delivered, dropped := 0, 0
	g.mu.RLock()
	for _, m := range g.members {
		select {
		case m.ch <- msg:
			delivered++
		default:
			dropped++
		}
	}
	g.mu.RUnlock()

	metrics.RecordRelayPublish(dropped)
	return delivered
}

// GroupCount returns the number of zones with at least one member.
func (r *Relay) GroupCount() int {
	return r.groups.Count()
}

func (r *Relay) leave(s *Subscription) {
	r.groups.RemoveCb(s.zone, func(_ string, g *group, exists bool) bool {
		if !exists {
			return false
		}
		g.mu.Lock()
		defer g.mu.Unlock()
		delete(g.members, s.id)
		return len(g.members) == 0
	})
	metrics.SetRelayGroups(r.groups.Count())
}

// C returns the channel messages for this member arrive on. It is never closed.
func (s *Subscription) C() <-chan []byte {
	return s.ch
}

// Zone returns the zone this subscription belongs to.
func (s *Subscription) Zone() string {
	return s.zone
}

// Leave removes the member from its group. Safe to call more than once.
func (s *Subscription) Leave() {
	s.once.Do(func() { s.relay.leave(s) })
}
