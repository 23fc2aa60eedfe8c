package entities

import (
	"bytes"
	"encoding/json"
)

var jsonNull = []byte("null")

// Optional distinguishes an omitted JSON field from one that was sent. A field
// sent as null is Set with Null true.
type Optional[T any] struct {
	Set   bool
	Null  bool
	Value T
}

func Some[T any](v T) Optional[T] {
	return Optional[T]{Set: true, Value: v}
}

func Null[T any]() Optional[T] {
	return Optional[T]{Set: true, Null: true}
}

func (o Optional[T]) IsZero() bool {
	return !o.Set
}

func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.Set || o.Null {
		return jsonNull, nil
	}
	return json.Marshal(o.Value)
}

// UnmarshalJSON only runs when the key is present in the payload.
func (o *Optional[T]) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(data), jsonNull) {
		var zero T
		o.Null = true
		o.Value = zero
		return nil
	}
	o.Null = false
	return json.Unmarshal(data, &o.Value)
}

// CardUpdate is a partial card record. Only fields that are Set are applied.
type CardUpdate struct {
	UniqueID      string             `json:"uniqueId"`
	Content       Optional[Content]  `json:"content,omitzero"`
	Position      Optional[Position] `json:"position,omitzero"`
	IsFlipped     Optional[bool]     `json:"isFlipped,omitzero"`
	ZOrder        Optional[int64]    `json:"zOrder,omitzero"`
	Location      Optional[Location] `json:"location,omitzero"`
	PrivateTo     Optional[string]   `json:"privateTo,omitzero"`
	LastTimestamp int64              `json:"lastTimestamp,omitempty"`
}
