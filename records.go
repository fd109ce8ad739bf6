package codecks

import "sync"

// RecordStore is the session view of server records. It keeps the newest
// revision observed per id; older observations are ignored because the
// server is authoritative and revisions only grow.
type RecordStore struct {
	mu    sync.RWMutex
	cards map[string]Card
	decks map[string]Deck
}

// NewRecordStore returns an empty store.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		cards: make(map[string]Card),
		decks: make(map[string]Deck),
	}
}

// ObserveCards records cards, keeping the newest revision per id. It
// returns how many entries changed.
func (s *RecordStore) ObserveCards(cards ...Card) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, c := range cards {
		if cur, ok := s.cards[c.ID]; ok && cur.Revision >= c.Revision {
			continue
		}
		s.cards[c.ID] = cloneCard(c)
		changed++
	}
	return changed
}

// ObserveDecks records decks, keeping the newest revision per id.
func (s *RecordStore) ObserveDecks(decks ...Deck) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, d := range decks {
		if cur, ok := s.decks[d.ID]; ok && cur.Revision > d.Revision {
			continue
		}
		s.decks[d.ID] = d
		changed++
	}
	return changed
}

// Card returns the newest observed copy of the card.
func (s *RecordStore) Card(id string) (Card, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cards[id]
	if !ok {
		return Card{}, false
	}
	return cloneCard(c), true
}

// Deck returns the newest observed copy of the deck.
func (s *RecordStore) Deck(id string) (Deck, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.decks[id]
	return d, ok
}

// IsStale reports whether a newer revision of c has been observed.
func (s *RecordStore) IsStale(c Card) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.cards[c.ID]
	return ok && cur.Revision > c.Revision
}

// Len returns the number of cards and decks held.
func (s *RecordStore) Len() (cards, decks int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cards), len(s.decks)
}

// Reset drops everything, e.g. after switching accounts.
func (s *RecordStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards = make(map[string]Card)
	s.decks = make(map[string]Deck)
}

func cloneCard(c Card) Card {
	if c.Tags != nil {
		c.Tags = append([]string(nil), c.Tags...)
	}
	return c
}
