package codecks

import "context"

// ListCards returns the cards of a deck matching filter.
func (c *Client) ListCards(ctx context.Context, deckID string, filter CardFilter) ([]Card, error) {
	return c.ListCardsAsync(ctx, deckID, filter).Wait()
}

// ListCardsAsync is the asynchronous form of ListCards.
func (c *Client) ListCardsAsync(ctx context.Context, deckID string, filter CardFilter) *Future[[]Card] {
	op := listCardsOp{DeckID: deckID, Filter: filter}
	return startCall(c, ctx, op.Name(), c.observeCards, func(ctx context.Context, cl *call) ([]Card, error) {
		var cards []Card
		err := c.roundTrip(ctx, cl, op, func(resp ApiResponse, secrets []string) error {
			var err error
			cards, err = c.decoder.DecodeCards(resp, secrets...)
			return err
		})
		return cards, err
	})
}

// CreateCard creates a card in a deck. Retries reuse one idempotency key so
// the service creates at most one card per call.
func (c *Client) CreateCard(ctx context.Context, deckID string, fields CardFields) (Card, error) {
	return c.CreateCardAsync(ctx, deckID, fields).Wait()
}

// CreateCardAsync is the asynchronous form of CreateCard.
func (c *Client) CreateCardAsync(ctx context.Context, deckID string, fields CardFields) *Future[Card] {
	op := createCardOp{DeckID: deckID, Fields: fields}
	return startCall(c, ctx, op.Name(), c.observeCard, func(ctx context.Context, cl *call) (Card, error) {
		return c.cardCall(ctx, cl, op)
	})
}

// UpdateCard applies patch to a card provided the server still holds
// expectedRevision. A stale revision fails with a Conflict error and leaves
// the record store untouched; re-read the card and retry.
func (c *Client) UpdateCard(ctx context.Context, cardID string, expectedRevision int64, patch CardPatch) (Card, error) {
	return c.UpdateCardAsync(ctx, cardID, expectedRevision, patch).Wait()
}

// UpdateCardAsync is the asynchronous form of UpdateCard.
func (c *Client) UpdateCardAsync(ctx context.Context, cardID string, expectedRevision int64, patch CardPatch) *Future[Card] {
	op := updateCardOp{CardID: cardID, ExpectedRevision: expectedRevision, Patch: patch}
	return startCall(c, ctx, op.Name(), c.observeCard, func(ctx context.Context, cl *call) (Card, error) {
		return c.cardCall(ctx, cl, op)
	})
}

func (c *Client) cardCall(ctx context.Context, cl *call, op Operation) (Card, error) {
	var card Card
	err := c.roundTrip(ctx, cl, op, func(resp ApiResponse, secrets []string) error {
		var err error
		card, err = c.decoder.DecodeCard(resp, secrets...)
		return err
	})
	return card, err
}

func (c *Client) observeCard(card Card) {
	c.records.ObserveCards(card)
}

func (c *Client) observeCards(cards []Card) {
	c.records.ObserveCards(cards...)
}
