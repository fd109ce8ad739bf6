package codecks

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

const excerptLimit = 256

// Decoder turns raw responses into typed values or typed errors. It is
// synchronous and pure apart from the clock used for HTTP-date Retry-After.
type Decoder struct {
	validate *validator.Validate
	now      func() time.Time
}

// NewDecoder returns a Decoder using the wall clock.
func NewDecoder() *Decoder {
	return &Decoder{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
	}
}

// Decode decodes a 2xx body into out (a pointer to a struct or slice) and
// enforces its validate tags. Non-2xx responses become an *Error. secrets
// are scrubbed from any body excerpt placed in an error.
func (d *Decoder) Decode(resp ApiResponse, out any, secrets ...string) error {
	if resp.StatusCode >= 400 {
		return d.decodeError(resp, secrets)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{
			Kind:       KindMalformedError,
			Message:    "unexpected status",
			StatusCode: resp.StatusCode,
			Excerpt:    excerpt(resp.Body, secrets),
		}
	}
	if out == nil {
		return nil
	}

	body := bytes.TrimSpace(resp.Body)
	if len(body) == 0 {
		return schemaMismatch(resp, secrets, "empty body", nil)
	}
	if err := json.Unmarshal(body, out); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return schemaMismatch(resp, secrets, fmt.Sprintf("field %q: expected %s, got %s", typeErr.Field, typeErr.Type, typeErr.Value), err)
		}
		return schemaMismatch(resp, secrets, "invalid JSON", err)
	}
	if err := d.validateShape(out); err != nil {
		return schemaMismatch(resp, secrets, err.Error(), err)
	}
	return nil
}

func (d *Decoder) validateShape(out any) error {
	v := reflect.ValueOf(out)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	switch v.Kind() {
	case reflect.Struct:
		return d.validate.Struct(v.Interface())
	case reflect.Slice:
		if v.Type().Elem().Kind() != reflect.Struct {
			return nil
		}
		for i := 0; i < v.Len(); i++ {
			if err := d.validate.Struct(v.Index(i).Interface()); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
	}
	return nil
}

type errorEnvelope struct {
	Error *struct {
		Code    string       `json:"code"`
		Message string       `json:"message"`
		Details []FieldError `json:"details"`
	} `json:"error"`
}

func (d *Decoder) decodeError(resp ApiResponse, secrets []string) *Error {
	e := &Error{
		Kind:       kindForStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
	}
	if e.Kind == KindRateLimited {
		e.RetryAfter = parseRetryAfter(resp.HeaderValue("Retry-After"), d.now())
	}

	var env errorEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil || env.Error == nil {
		if e.Kind == KindRateLimited || e.Kind == KindServerError {
			// Proxies and gateways answer these with bare or HTML bodies;
			// the status alone drives the retry decision.
			e.Message = http.StatusText(resp.StatusCode)
			e.Excerpt = excerpt(resp.Body, secrets)
			return e
		}
		return &Error{
			Kind:       KindMalformedError,
			Message:    fmt.Sprintf("unparseable error body for status %d (%s)", resp.StatusCode, e.Kind),
			StatusCode: resp.StatusCode,
			RetryAfter: e.RetryAfter,
			Excerpt:    excerpt(resp.Body, secrets),
			Cause:      err,
		}
	}
	e.Code = env.Error.Code
	e.Message = scrub(env.Error.Message, secrets)
	e.Details = env.Error.Details
	if e.Message == "" {
		e.Message = http.StatusText(resp.StatusCode)
	}
	return e
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusForbidden:
		return KindForbidden
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindServerError
	default:
		return KindClientError
	}
}

func schemaMismatch(resp ApiResponse, secrets []string, msg string, cause error) *Error {
	return &Error{
		Kind:       KindSchemaMismatch,
		Message:    msg,
		StatusCode: resp.StatusCode,
		Excerpt:    excerpt(resp.Body, secrets),
		Cause:      cause,
	}
}

// excerpt truncates body for diagnostics and removes secrets.
func excerpt(body []byte, secrets []string) string {
	s := scrub(string(body), secrets)
	if len(s) <= excerptLimit {
		return s
	}
	n := excerptLimit
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}

func scrub(s string, secrets []string) string {
	for _, secret := range secrets {
		if secret != "" {
			s = strings.ReplaceAll(s, secret, "[REDACTED]")
		}
	}
	return s
}

type wireCard struct {
	ID        *string    `json:"id" validate:"required,min=1"`
	DeckID    string     `json:"deckId"`
	Title     *string    `json:"title" validate:"required"`
	Content   string     `json:"content"`
	Status    string     `json:"status"`
	Assignee  string     `json:"assignee"`
	Tags      []string   `json:"tags"`
	Revision  *int64     `json:"revision" validate:"required,gte=0"`
	CreatedAt *time.Time `json:"createdAt"`
	UpdatedAt *time.Time `json:"updatedAt"`
}

func (w wireCard) card() Card {
	c := Card{
		ID:       *w.ID,
		DeckID:   w.DeckID,
		Title:    *w.Title,
		Content:  w.Content,
		Status:   CardStatus(w.Status),
		Assignee: w.Assignee,
		Tags:     normalizeTags(w.Tags),
		Revision: *w.Revision,
	}
	if w.CreatedAt != nil {
		c.CreatedAt = *w.CreatedAt
	}
	if w.UpdatedAt != nil {
		c.UpdatedAt = *w.UpdatedAt
	}
	return c
}

type wireDeck struct {
	ID        *string `json:"id" validate:"required,min=1"`
	Title     *string `json:"title" validate:"required"`
	SpaceID   string  `json:"spaceId"`
	CardCount int     `json:"cardCount" validate:"gte=0"`
	Revision  int64   `json:"revision" validate:"gte=0"`
}

func (w wireDeck) deck() Deck {
	return Deck{
		ID:        *w.ID,
		Title:     *w.Title,
		SpaceID:   w.SpaceID,
		CardCount: w.CardCount,
		Revision:  w.Revision,
	}
}

// DecodeCard decodes a single card.
func (d *Decoder) DecodeCard(resp ApiResponse, secrets ...string) (Card, error) {
	var w wireCard
	if err := d.Decode(resp, &w, secrets...); err != nil {
		return Card{}, err
	}
	return w.card(), nil
}

// DecodeCards decodes a JSON array of cards.
func (d *Decoder) DecodeCards(resp ApiResponse, secrets ...string) ([]Card, error) {
	var ws []wireCard
	if err := d.Decode(resp, &ws, secrets...); err != nil {
		return nil, err
	}
	cards := make([]Card, 0, len(ws))
	for _, w := range ws {
		cards = append(cards, w.card())
	}
	return cards, nil
}

// DecodeDecks decodes a JSON array of decks.
func (d *Decoder) DecodeDecks(resp ApiResponse, secrets ...string) ([]Deck, error) {
	var ws []wireDeck
	if err := d.Decode(resp, &ws, secrets...); err != nil {
		return nil, err
	}
	decks := make([]Deck, 0, len(ws))
	for _, w := range ws {
		decks = append(decks, w.deck())
	}
	return decks, nil
}
