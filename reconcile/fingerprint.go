package reconcile

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cespare/xxhash/v2"

	"go-tabletop/dto"
	"go-tabletop/entities"
)

// digestEntry is the part of a card that replicas must agree on.
type digestEntry struct {
	UniqueID  string            `json:"uniqueId"`
	Position  entities.Position `json:"position"`
	IsFlipped bool              `json:"isFlipped"`
	PrivateTo string            `json:"privateTo"`
	ZOrder    int64             `json:"zOrder"`
}

// Fingerprint hashes cards in uniqueId order, so the input order does not matter.
func Fingerprint(cards []entities.Card) string {
	entries := make([]digestEntry, 0, len(cards))
	for _, c := range cards {
		entries = append(entries, digestEntry{
			UniqueID:  c.UniqueID,
			Position:  c.Position,
			IsFlipped: c.IsFlipped,
			PrivateTo: c.PrivateTo,
			ZOrder:    c.ZOrder,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].UniqueID < entries[j].UniqueID })

	h := xxhash.New()
	for _, e := range entries {
		// 结构体字段固定，Marshal 不会失败
		raw, _ := json.Marshal(e)
		_, _ = h.Write(raw)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Digest builds the hash a replica gossips for its card set.
func Digest(playerID string, cards []entities.Card) dto.StateHash {
	var latest int64
	for _, c := range cards {
		if c.LastTimestamp > latest {
			latest = c.LastTimestamp
		}
	}
	return dto.StateHash{
		Fingerprint: Fingerprint(cards),
		CardCount:   len(cards),
		Timestamp:   latest,
		PlayerID:    playerID,
	}
}

// ShouldCorrect reports whether local should ask for a correction after
// hearing remote: the fingerprints differ and the peer is at least as recent,
// or the peer has cards while local has none.
func ShouldCorrect(local, remote dto.StateHash) bool {
	if remote.PlayerID == local.PlayerID || remote.Fingerprint == local.Fingerprint {
		return false
	}
	if remote.CardCount > 0 && local.CardCount == 0 {
		return true
	}
	return remote.Timestamp >= local.Timestamp
}
