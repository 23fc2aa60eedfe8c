package entities

import (
	"fmt"

	"github.com/google/uuid"
)

// Location 决定卡牌的广播与可见规则
type Location string

const (
	LocationTable       Location = "table"
	LocationDiscardPile Location = "discardPile"
	LocationPrivateHand Location = "privateHand"
)

func (l Location) Valid() bool {
	switch l {
	case LocationTable, LocationDiscardPile, LocationPrivateHand:
		return true
	}
	return false
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Content is the display payload supplied by the deck provider. It is never
// interpreted by the table and never changes once the card exists.
type Content struct {
	Title       string `json:"title"`
	Symbol      string `json:"symbol,omitempty"`
	Description string `json:"description,omitempty"`
	Color       string `json:"color,omitempty"`
	Image       string `json:"image,omitempty"`
}

// Card 一张桌面卡牌的共享状态
type Card struct {
	UniqueID      string   `json:"uniqueId"`
	Content       Content  `json:"content"`
	Position      Position `json:"position"`
	IsFlipped     bool     `json:"isFlipped"`
	ZOrder        int64    `json:"zOrder"`
	Location      Location `json:"location"`
	PrivateTo     string   `json:"privateTo,omitempty"`
	LastTimestamp int64    `json:"lastTimestamp"` // unix 毫秒
}

// VisibleTo reports whether playerID may render the card.
func (c Card) VisibleTo(playerID string) bool {
	return c.PrivateTo == "" || c.PrivateTo == playerID
}

var cardNamespace = uuid.MustParse("6f1c3b0e-8a4d-4e7b-9a51-2f0d4c7e9b13")

// CardID derives a stable id from the card content and the copy index, so two
// copies of the same card stay distinguishable.
func CardID(content Content, copyIndex int) string {
	name := fmt.Sprintf("%s|%s|%s|%s|%s#%d",
		content.Title, content.Symbol, content.Description, content.Color, content.Image, copyIndex)
	return uuid.NewSHA1(cardNamespace, []byte(name)).String()
}

// Merge applies update on top of existing using last-writer-wins on
// LastTimestamp. Fields the update omits keep their previous value. The
// returned bool is false when the update lost against a newer record.
func Merge(existing Card, exists bool, update CardUpdate) (Card, bool) {
	if exists && update.LastTimestamp < existing.LastTimestamp {
		return existing, false
	}

	next := existing
	if !exists {
		next = Card{UniqueID: update.UniqueID, Location: LocationTable}
		if update.Content.Set && !update.Content.Null {
			next.Content = update.Content.Value
		}
	}

	if update.Position.Set && !update.Position.Null {
		next.Position = update.Position.Value
	}
	if update.IsFlipped.Set {
		next.IsFlipped = update.IsFlipped.Value
	}
	if update.ZOrder.Set {
		next.ZOrder = update.ZOrder.Value
	}
	if update.Location.Set && !update.Location.Null && update.Location.Value.Valid() {
		next.Location = update.Location.Value
	}
	if update.PrivateTo.Set {
		// null 与空字符串都表示取消私有
		next.PrivateTo = update.PrivateTo.Value
	}
	next.LastTimestamp = update.LastTimestamp
	return next, true
}
