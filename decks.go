package codecks

import "context"

// QueryDecks lists the decks visible to the credential.
func (c *Client) QueryDecks(ctx context.Context, filter DeckFilter) ([]Deck, error) {
	return c.QueryDecksAsync(ctx, filter).Wait()
}

// QueryDecksAsync is the asynchronous form of QueryDecks.
func (c *Client) QueryDecksAsync(ctx context.Context, filter DeckFilter) *Future[[]Deck] {
	op := queryDecksOp{Filter: filter}
	commit := func(decks []Deck) { c.records.ObserveDecks(decks...) }
	return startCall(c, ctx, op.Name(), commit, func(ctx context.Context, cl *call) ([]Deck, error) {
		var decks []Deck
		err := c.roundTrip(ctx, cl, op, func(resp ApiResponse, secrets []string) error {
			var err error
			decks, err = c.decoder.DecodeDecks(resp, secrets...)
			return err
		})
		return decks, err
	})
}
