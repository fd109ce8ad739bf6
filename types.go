package codecks

import (
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// HeaderField is one header line. ApiRequest and ApiResponse keep headers as
// an ordered list so a built request is byte-for-byte reproducible.
type HeaderField struct {
	Name  string
	Value string
}

// ApiRequest is a fully built, authenticated request. It is never mutated
// after Build returns.
type ApiRequest struct {
	Operation      string
	Method         string
	Path           string
	Query          url.Values
	Header         []HeaderField
	Body           []byte
	ContentType    string
	IdempotencyKey string
	// BaseURL overrides the transport's base URL (report endpoint).
	BaseURL string
}

// HeaderValue returns the first header with the given name.
func (r ApiRequest) HeaderValue(name string) string {
	return headerValue(r.Header, name)
}

// ApiResponse is the raw outcome of one transport round trip.
type ApiResponse struct {
	StatusCode int
	Header     []HeaderField
	Body       []byte
	Latency    time.Duration
}

// HeaderValue returns the first header with the given name.
func (r ApiResponse) HeaderValue(name string) string {
	return headerValue(r.Header, name)
}

func headerValue(h []HeaderField, name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

func headerFields(h http.Header) []HeaderField {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)
	fields := make([]HeaderField, 0, len(names))
	for _, name := range names {
		for _, v := range h[name] {
			fields = append(fields, HeaderField{Name: name, Value: v})
		}
	}
	return fields
}

// CardStatus is the workflow state of a card.
type CardStatus string

const (
	StatusNotStarted CardStatus = "not_started"
	StatusStarted    CardStatus = "started"
	StatusBlocked    CardStatus = "blocked"
	StatusReview     CardStatus = "review"
	StatusDone       CardStatus = "done"
)

// Card is a server-owned record. Revision increases on every server-side
// change; a local copy is stale once a newer revision has been observed.
type Card struct {
	ID        string
	DeckID    string
	Title     string
	Content   string
	Status    CardStatus
	Assignee  string
	Tags      []string
	Revision  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasTag reports whether the card carries tag.
func (c Card) HasTag(tag string) bool {
	i := sort.SearchStrings(c.Tags, tag)
	return i < len(c.Tags) && c.Tags[i] == tag
}

// Deck groups cards.
type Deck struct {
	ID        string
	Title     string
	SpaceID   string
	CardCount int
	Revision  int64
}

// CardFilter narrows ListCards. Zero values mean "any".
type CardFilter struct {
	Status   CardStatus `validate:"omitempty,oneof=not_started started blocked review done"`
	Assignee string
	Tag      string
	Search   string
	Limit    int `validate:"gte=0,lte=500"`
}

// CardFields are the fields of a new card.
type CardFields struct {
	Title    string     `json:"title" validate:"required,max=500"`
	Content  string     `json:"content,omitempty"`
	Status   CardStatus `json:"status,omitempty" validate:"omitempty,oneof=not_started started blocked review done"`
	Assignee string     `json:"assignee,omitempty"`
	Tags     []string   `json:"tags,omitempty" validate:"dive,required"`
}

// CardPatch lists the fields UpdateCard changes. Nil means unchanged.
type CardPatch struct {
	Title    *string     `json:"title,omitempty" validate:"omitempty,min=1,max=500"`
	Content  *string     `json:"content,omitempty"`
	Status   *CardStatus `json:"status,omitempty" validate:"omitempty,oneof=not_started started blocked review done"`
	Assignee *string     `json:"assignee,omitempty"`
	Tags     *[]string   `json:"tags,omitempty"`
}

func (p CardPatch) empty() bool {
	return p.Title == nil && p.Content == nil && p.Status == nil && p.Assignee == nil && p.Tags == nil
}

// DeckFilter narrows QueryDecks.
type DeckFilter struct {
	SpaceID string
	Search  string
}

// normalizeTags returns tags as a sorted set.
func normalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Middleware wraps a transport round trip (auth, logging, tracing, etc.).
type Middleware func(req *http.Request, next RoundTripper) (*http.Response, error)

// RoundTripper represents the HTTP transport interface.
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc is a helper type for middleware.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// RateLimiter is a client-side token bucket pacing outgoing sends.
type RateLimiter struct {
	tokens     int64
	maxTokens  int64
	refillRate time.Duration
	lastRefill int64
}

// Option configures a Client.
type Option func(*Client)
