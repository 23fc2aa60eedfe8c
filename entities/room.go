package entities

import (
	"sort"
	"time"
)

type Player struct {
	Alias    string `json:"alias"`
	LastSeen int64  `json:"lastSeen"`
	Online   bool   `json:"online"`
}

// RoomState 房间的权威快照
type RoomState struct {
	RoomCode     string            `json:"roomCode"`
	Cards        map[string]Card   `json:"cards"`
	DiscardPile  []string          `json:"discardPile"`
	Players      map[string]Player `json:"players"`
	HandCounts   map[string]int    `json:"handCounts"`
	LastActivity int64             `json:"lastActivity"`
}

func NewRoomState(roomCode string, now time.Time) *RoomState {
	return &RoomState{
		RoomCode:     roomCode,
		Cards:        make(map[string]Card),
		DiscardPile:  []string{},
		Players:      make(map[string]Player),
		HandCounts:   make(map[string]int),
		LastActivity: now.UnixMilli(),
	}
}

func (s *RoomState) Touch(now time.Time) {
	s.LastActivity = now.UnixMilli()
}

// IdleFor reports how long the room has gone without an accepted message.
func (s *RoomState) IdleFor(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(s.LastActivity))
}

// Apply merges every update into the room. Updates without a timestamp are
// stamped with now. It returns the updates as applied (stamped) so they can be
// relayed verbatim.
func (s *RoomState) Apply(updates []CardUpdate, now time.Time) []CardUpdate {
	stamped := make([]CardUpdate, 0, len(updates))
	for _, u := range updates {
		if u.UniqueID == "" {
			continue
		}
		if u.LastTimestamp == 0 {
			u.LastTimestamp = now.UnixMilli()
		}
		stamped = append(stamped, u)

		existing, ok := s.Cards[u.UniqueID]
		merged, applied := Merge(existing, ok, u)
		if !applied {
			continue
		}
		s.Cards[u.UniqueID] = merged

		// location 缺省时保持弃牌堆成员关系不变
		if u.Location.Set {
			if merged.Location == LocationDiscardPile {
				s.addDiscard(u.UniqueID)
			} else {
				s.removeDiscard(u.UniqueID)
			}
		}
	}
	s.RecountHands()
	return stamped
}

// Remove deletes cards that were shuffled back into a deck.
func (s *RoomState) Remove(ids []string) []string {
	removed := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := s.Cards[id]; !ok {
			continue
		}
		delete(s.Cards, id)
		s.removeDiscard(id)
		removed = append(removed, id)
	}
	s.RecountHands()
	return removed
}

func (s *RoomState) Reset() {
	s.Cards = make(map[string]Card)
	s.DiscardPile = []string{}
	s.HandCounts = make(map[string]int)
}

func (s *RoomState) InDiscard(id string) bool {
	for _, d := range s.DiscardPile {
		if d == id {
			return true
		}
	}
	return false
}

func (s *RoomState) addDiscard(id string) {
	if !s.InDiscard(id) {
		s.DiscardPile = append(s.DiscardPile, id)
	}
}

func (s *RoomState) removeDiscard(id string) {
	for i, d := range s.DiscardPile {
		if d == id {
			s.DiscardPile = append(s.DiscardPile[:i], s.DiscardPile[i+1:]...)
			return
		}
	}
}

// RecountHands rebuilds the per-player private card counts.
func (s *RoomState) RecountHands() {
	counts := make(map[string]int)
	for _, c := range s.Cards {
		if c.PrivateTo != "" {
			counts[c.PrivateTo]++
		}
	}
	s.HandCounts = counts
}

// CardList returns the cards ordered by UniqueID.
func (s *RoomState) CardList() []Card {
	list := make([]Card, 0, len(s.Cards))
	for _, c := range s.Cards {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UniqueID < list[j].UniqueID })
	return list
}

func (s *RoomState) Clone() *RoomState {
	out := &RoomState{
		RoomCode:     s.RoomCode,
		Cards:        make(map[string]Card, len(s.Cards)),
		DiscardPile:  append([]string{}, s.DiscardPile...),
		Players:      make(map[string]Player, len(s.Players)),
		HandCounts:   make(map[string]int, len(s.HandCounts)),
		LastActivity: s.LastActivity,
	}
	for k, v := range s.Cards {
		out.Cards[k] = v
	}
	for k, v := range s.Players {
		out.Players[k] = v
	}
	for k, v := range s.HandCounts {
		out.HandCounts[k] = v
	}
	return out
}
