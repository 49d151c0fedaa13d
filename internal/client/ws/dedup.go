package ws

import (
	"sync"
	"time"

	"github.com/omochice/chatsync/pkg/protocol"
)

const defaultRingSize = 256

type seenEntry struct {
	key    string
	seenAt time.Time
}

// ring is a fixed-size window of recently seen keys for one event kind.
type ring struct {
	entries []seenEntry
	next    int
}

func (r *ring) seen(key string, now time.Time, window time.Duration) bool {
	for _, e := range r.entries {
		if e.key == key && now.Sub(e.seenAt) < window {
			return true
		}
	}
	return false
}

func (r *ring) add(key string, now time.Time, size int) {
	if len(r.entries) < size {
		r.entries = append(r.entries, seenEntry{key: key, seenAt: now})
		return
	}
	r.entries[r.next] = seenEntry{key: key, seenAt: now}
	r.next = (r.next + 1) % size
}

// Deduper drops repeated deliveries of the same event.
//
// A key is a duplicate when it was seen for the same event kind within the
// window, or when a delivery with that key is still being processed.
type Deduper struct {
	mu       sync.Mutex
	window   time.Duration
	size     int
	rings    map[protocol.Event]*ring
	inFlight map[protocol.Event]map[string]struct{}
	now      func() time.Time
}

// NewDeduper creates a Deduper remembering up to size keys per event kind.
func NewDeduper(window time.Duration, size int) *Deduper {
	if size <= 0 {
		size = defaultRingSize
	}
	return &Deduper{
		window:   window,
		size:     size,
		rings:    make(map[protocol.Event]*ring),
		inFlight: make(map[protocol.Event]map[string]struct{}),
		now:      time.Now,
	}
}

// Begin reports whether the event should be processed and, if so, marks it
// in flight. Every successful Begin must be paired with Done.
func (d *Deduper) Begin(event protocol.Event, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, busy := d.inFlight[event][key]; busy {
		return false
	}
	now := d.now()
	r, ok := d.rings[event]
	if !ok {
		r = &ring{}
		d.rings[event] = r
	}
	if r.seen(key, now, d.window) {
		return false
	}
	r.add(key, now, d.size)

	set, ok := d.inFlight[event]
	if !ok {
		set = make(map[string]struct{})
		d.inFlight[event] = set
	}
	set[key] = struct{}{}
	return true
}

// Done clears the in-flight mark set by Begin.
func (d *Deduper) Done(event protocol.Event, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight[event], key)
}

// Reset forgets every key.
func (d *Deduper) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rings = make(map[protocol.Event]*ring)
	d.inFlight = make(map[protocol.Event]map[string]struct{})
}
