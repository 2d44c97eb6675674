package threat

import (
	"slices"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/agies-dev/agies-guard/pkg/schema"
)

const maxPerSource = 512

// observation is an AttackEvent plus the attack type it was attributed to.
type observation struct {
	event      schema.AttackEvent
	attackType string
}

// History is the bounded record of past AttackEvents, kept in timestamp order.
// Entries older than the window are pruned on every insert; nothing is
// deleted explicitly.
type History struct {
	mu       sync.RWMutex
	window   time.Duration
	max      int
	events   []observation
	bySource *lru.Cache[string, []observation]
}

// NewHistory creates a history holding at most maxEvents events within window,
// indexed for at most maxSources distinct source addresses.
func NewHistory(window time.Duration, maxEvents, maxSources int) *History {
	if maxSources <= 0 {
		maxSources = 4096
	}
	if maxEvents <= 0 {
		maxEvents = 10000
	}
	index, _ := lru.New[string, []observation](maxSources)
	return &History{
		window:   window,
		max:      maxEvents,
		bySource: index,
	}
}

// Add records an event attributed to attackType and drops events older than
// the window ending at now.
func (h *History) Add(ev schema.AttackEvent, attackType string, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	obs := observation{event: ev, attackType: attackType}
	cutoff := now.Add(-h.window)

	h.events = pruneBefore(insertSorted(h.events, obs), cutoff)
	if len(h.events) > h.max {
		h.events = h.events[len(h.events)-h.max:]
	}

	src, _ := h.bySource.Get(ev.SourceAddress)
	src = pruneBefore(insertSorted(src, obs), cutoff)
	if len(src) > maxPerSource {
		src = src[len(src)-maxPerSource:]
	}
	if len(src) == 0 {
		h.bySource.Remove(ev.SourceAddress)
		return
	}
	h.bySource.Add(ev.SourceAddress, src)
}

// FromSource returns the events from source at or after since, oldest first.
func (h *History) FromSource(source string, since time.Time) []observation {
	h.mu.RLock()
	defer h.mu.RUnlock()

	src, ok := h.bySource.Peek(source)
	if !ok {
		return nil
	}
	var out []observation
	for _, o := range src {
		if !o.event.Timestamp.Before(since) {
			out = append(out, o)
		}
	}
	return out
}

// CountSince counts all events at or after since.
func (h *History) CountSince(since time.Time) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for i := len(h.events) - 1; i >= 0; i-- {
		if h.events[i].event.Timestamp.Before(since) {
			break
		}
		n++
	}
	return n
}

// Last returns up to n of the most recent events.
func (h *History) Last(n int) []schema.AttackEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()

	start := len(h.events) - n
	if start < 0 {
		start = 0
	}
	out := make([]schema.AttackEvent, 0, len(h.events)-start)
	for _, o := range h.events[start:] {
		out = append(out, o.event)
	}
	return out
}

// Len returns the number of retained events.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.events)
}

// Reset drops every retained event.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = nil
	h.bySource.Purge()
}

// insertSorted places o after every observation at or before its timestamp.
func insertSorted(obs []observation, o observation) []observation {
	i := sort.Search(len(obs), func(i int) bool {
		return obs[i].event.Timestamp.After(o.event.Timestamp)
	})
	return slices.Insert(obs, i, o)
}

// pruneBefore drops the leading observations older than cutoff. The slice is
// sorted by timestamp.
func pruneBefore(obs []observation, cutoff time.Time) []observation {
	i := 0
	for i < len(obs) && obs[i].event.Timestamp.Before(cutoff) {
		i++
	}
	return obs[i:]
}
