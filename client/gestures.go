package client

import (
	"context"

	"go-tabletop/dto"
	"go-tabletop/entities"
)

// SendUpdate applies updates to the local view at once and sends them to
// the room. The optimistic change stays even when sending fails.
func (m *Manager) SendUpdate(_ context.Context, updates []entities.CardUpdate) error {
	stamped := m.view.ApplyLocal(updates, m.now())
	if len(stamped) == 0 {
		return nil
	}
	return m.send(dto.ClientMessage{Type: dto.TypeUpdateCardState, CardStates: stamped})
}

func (m *Manager) card(id string) (entities.Card, error) {
	c, ok := m.view.Card(id)
	if !ok {
		return entities.Card{}, ErrUnknownCard
	}
	return c, nil
}

// MoveCard drags a card to pos and brings it to the front. Dropping it
// inside the private zone takes it into the local hand, dragging a held card
// out puts it back on the table.
func (m *Manager) MoveCard(ctx context.Context, id string, pos entities.Position) error {
	c, err := m.card(id)
	if err != nil {
		return err
	}
	if entities.InPrivateZone(pos) {
		return m.DropInPrivateZone(ctx, id, pos)
	}

	u := entities.CardUpdate{
		UniqueID: id,
		Position: entities.Some(pos),
		ZOrder:   entities.Some(m.view.TopZOrder() + 1),
	}
	if c.Location == entities.LocationPrivateHand {
		u.Location = entities.Some(entities.LocationTable)
		u.PrivateTo = entities.Null[string]()
	}
	return m.SendUpdate(ctx, []entities.CardUpdate{u})
}

func (m *Manager) FlipCard(ctx context.Context, id string) error {
	c, err := m.card(id)
	if err != nil {
		return err
	}
	return m.SendUpdate(ctx, []entities.CardUpdate{{
		UniqueID:  id,
		IsFlipped: entities.Some(!c.IsFlipped),
	}})
}

func (m *Manager) DiscardCard(ctx context.Context, id string) error {
	if _, err := m.card(id); err != nil {
		return err
	}
	return m.SendUpdate(ctx, []entities.CardUpdate{{
		UniqueID:  id,
		Location:  entities.Some(entities.LocationDiscardPile),
		PrivateTo: entities.Null[string](),
		ZOrder:    entities.Some(m.view.TopZOrder() + 1),
	}})
}

// DropInPrivateZone 放入自己的手牌区，其他玩家看不到
func (m *Manager) DropInPrivateZone(ctx context.Context, id string, pos entities.Position) error {
	if _, err := m.card(id); err != nil {
		return err
	}
	return m.SendUpdate(ctx, []entities.CardUpdate{{
		UniqueID:  id,
		Position:  entities.Some(pos),
		Location:  entities.Some(entities.LocationPrivateHand),
		PrivateTo: entities.Some(m.view.PlayerID()),
	}})
}

// PlaceCard creates a card from deck content. copyIndex tells apart copies of
// the same content. It returns the new card's id.
func (m *Manager) PlaceCard(ctx context.Context, content entities.Content, copyIndex int, pos entities.Position) (string, error) {
	id := entities.CardID(content, copyIndex)
	err := m.SendUpdate(ctx, []entities.CardUpdate{{
		UniqueID: id,
		Content:  entities.Some(content),
		Position: entities.Some(pos),
		ZOrder:   entities.Some(m.view.TopZOrder() + 1),
		Location: entities.Some(entities.LocationTable),
	}})
	return id, err
}

// ShuffleIntoDeck destroys the records of cards returned to the deck.
func (m *Manager) ShuffleIntoDeck(_ context.Context, ids []string) error {
	m.view.Remove(ids)
	return m.send(dto.ClientMessage{Type: dto.TypeRemoveCards, UniqueIDs: ids})
}

func (m *Manager) ResetTable(_ context.Context) error {
	m.view.Reset()
	return m.send(dto.ClientMessage{Type: dto.TypeResetGame})
}

func (m *Manager) RequestFullState(_ context.Context) error {
	return m.send(dto.ClientMessage{Type: dto.TypeRequestFullState})
}
