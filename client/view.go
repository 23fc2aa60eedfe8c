package client

import (
	"sort"
	"sync"
	"time"

	"go-tabletop/entities"
)

type Status int

const (
	StatusOffline Status = iota
	StatusConnecting
	StatusOnline
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusOnline:
		return "online"
	default:
		return "offline"
	}
}

// Listener receives redraw notifications. Card events only ever describe
// cards the local player is allowed to see.
type Listener interface {
	CardAdded(card entities.Card)
	CardChanged(card entities.Card)
	CardRemoved(uniqueID string)
	StatusChanged(status Status)
}

type NopListener struct{}

func (NopListener) CardAdded(entities.Card)   {}
func (NopListener) CardChanged(entities.Card) {}
func (NopListener) CardRemoved(string)        {}
func (NopListener) StatusChanged(Status)      {}

// View 本地副本：乐观更新 + 权威覆盖
type View struct {
	mu       sync.Mutex
	self     string
	state    *entities.RoomState
	pending  map[string]int64
	listener Listener
}

func NewView(listener Listener) *View {
	if listener == nil {
		listener = NopListener{}
	}
	return &View{
		state:    entities.NewRoomState("", time.Now()),
		pending:  make(map[string]int64),
		listener: listener,
	}
}

func (v *View) PlayerID() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.self
}

func (v *View) SetPlayerID(id string) {
	v.mutate(func() { v.self = id })
}

// ApplySnapshot replaces the local state with an authoritative snapshot.
func (v *View) ApplySnapshot(state *entities.RoomState) {
	if state == nil {
		return
	}
	v.mutate(func() {
		v.state = state.Clone()
		v.pending = make(map[string]int64)
	})
}

// ApplyLocal applies updates optimistically and returns them stamped for
// sending. A gesture is always stamped later than the card it touches, so a
// skewed local clock cannot make it lose against the record it started from.
func (v *View) ApplyLocal(updates []entities.CardUpdate, now time.Time) []entities.CardUpdate {
	var stamped []entities.CardUpdate
	v.mutate(func() {
		pending := make([]entities.CardUpdate, len(updates))
		for i, u := range updates {
			if u.LastTimestamp == 0 {
				u.LastTimestamp = now.UnixMilli()
				if c, ok := v.state.Cards[u.UniqueID]; ok && c.LastTimestamp >= u.LastTimestamp {
					u.LastTimestamp = c.LastTimestamp + 1
				}
			}
			pending[i] = u
		}
		stamped = v.state.Apply(pending, now)
		for _, u := range stamped {
			v.pending[u.UniqueID] = u.LastTimestamp
		}
	})
	return stamped
}

// ApplyRemote merges updates relayed from sender. Updates from the local
// player are ignored. An unattributed update carrying the exact stamp of a
// pending local write is our own echo and is dropped too.
func (v *View) ApplyRemote(sender string, updates []entities.CardUpdate) {
	v.mutate(func() {
		if sender != "" && sender == v.self {
			return
		}
		accepted := make([]entities.CardUpdate, 0, len(updates))
		for _, u := range updates {
			if ts, ok := v.pending[u.UniqueID]; ok {
				if sender == "" && u.LastTimestamp == ts {
					continue
				}
				if u.LastTimestamp >= ts {
					delete(v.pending, u.UniqueID)
				}
			}
			accepted = append(accepted, u)
		}
		v.state.Apply(accepted, time.Now())
	})
}

// ApplyCorrection replaces the local cards and discard pile with the
// authority's complete set. Local ids the correction does not carry are gone.
func (v *View) ApplyCorrection(cards []entities.Card, discard []string) {
	v.mutate(func() {
		v.state.Cards = make(map[string]entities.Card, len(cards))
		for _, c := range cards {
			v.state.Cards[c.UniqueID] = c
		}
		pile := make([]string, 0, len(discard))
		seen := make(map[string]bool, len(discard))
		for _, id := range discard {
			if _, ok := v.state.Cards[id]; ok && !seen[id] {
				seen[id] = true
				pile = append(pile, id)
			}
		}
		v.state.DiscardPile = pile
		v.pending = make(map[string]int64)
		v.state.RecountHands()
	})
}

func (v *View) Remove(ids []string) {
	v.mutate(func() {
		v.state.Remove(ids)
		for _, id := range ids {
			delete(v.pending, id)
		}
	})
}

func (v *View) Reset() {
	v.mutate(func() {
		v.state.Reset()
		v.pending = make(map[string]int64)
	})
}

// Visible returns the cards the local player may render, sorted by id.
func (v *View) Visible() []entities.Card {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]entities.Card, 0, len(v.state.Cards))
	for _, c := range v.state.CardList() {
		if c.VisibleTo(v.self) {
			out = append(out, c)
		}
	}
	return out
}

// SharedCards returns the cards every replica holds identically.
func (v *View) SharedCards() []entities.Card {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]entities.Card, 0, len(v.state.Cards))
	for _, c := range v.state.CardList() {
		if c.PrivateTo == "" {
			out = append(out, c)
		}
	}
	return out
}

// Card looks up a card the local player can see.
func (v *View) Card(id string) (entities.Card, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.state.Cards[id]
	if !ok || !c.VisibleTo(v.self) {
		return entities.Card{}, false
	}
	return c, true
}

func (v *View) InDiscard(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state.InDiscard(id)
}

// TopZOrder returns the highest zOrder on the table.
func (v *View) TopZOrder() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	var top int64
	for _, c := range v.state.Cards {
		if c.ZOrder > top {
			top = c.ZOrder
		}
	}
	return top
}

func (v *View) LatestTimestamp() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	var latest int64
	for _, c := range v.state.Cards {
		if c.LastTimestamp > latest {
			latest = c.LastTimestamp
		}
	}
	return latest
}

func (v *View) visibleLocked() map[string]entities.Card {
	out := make(map[string]entities.Card, len(v.state.Cards))
	for id, c := range v.state.Cards {
		if c.VisibleTo(v.self) {
			out[id] = c
		}
	}
	return out
}

// mutate runs fn under the lock, then reports the visible diff to the
// listener outside it.
func (v *View) mutate(fn func()) {
	v.mu.Lock()
	before := v.visibleLocked()
	fn()
	after := v.visibleLocked()
	listener := v.listener
	v.mu.Unlock()

	for _, id := range sortedKeys(before) {
		if _, ok := after[id]; !ok {
			listener.CardRemoved(id)
		}
	}
	for _, id := range sortedKeys(after) {
		c := after[id]
		old, ok := before[id]
		switch {
		case !ok:
			listener.CardAdded(c)
		case old != c:
			listener.CardChanged(c)
		}
	}
}

func sortedKeys(m map[string]entities.Card) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
