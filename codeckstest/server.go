// Package codeckstest provides an in-process fake of the Codecks API for
// tests and examples. It serves TLS, keeps cards and decks in memory,
// enforces bearer and report-token auth, honours idempotency keys and
// optimistic revisions, and can inject faults per request path.
package codeckstest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// Card is the wire form of a card.
type Card struct {
	ID        string    `json:"id"`
	DeckID    string    `json:"deckId"`
	Title     string    `json:"title"`
	Content   string    `json:"content,omitempty"`
	Status    string    `json:"status"`
	Assignee  string    `json:"assignee,omitempty"`
	Tags      []string  `json:"tags"`
	Revision  int64     `json:"revision"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Deck is the wire form of a deck.
type Deck struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	SpaceID   string `json:"spaceId,omitempty"`
	CardCount int    `json:"cardCount"`
	Revision  int64  `json:"revision"`
}

// Fault replaces the next response for a method and path.
type Fault struct {
	Status int
	Header map[string]string
	Body   string
	// Delay holds the response back; the handler gives up early when the
	// client goes away.
	Delay time.Duration
}

// Request is a recorded incoming request.
type Request struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
	At     time.Time
}

// Report is a received user report.
type Report struct {
	Content   string   `json:"content"`
	Severity  string   `json:"severity,omitempty"`
	UserEmail string   `json:"userEmail,omitempty"`
	FileNames []string `json:"fileNames"`
}

// Upload is a received attachment upload.
type Upload struct {
	FileName    string
	Fields      map[string]string
	FieldOrder  []string
	ContentType string
	Data        []byte
}

// Server is a fake Codecks API. Use URL and Client from the embedded
// httptest.Server.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	token       string
	reportToken string
	decks       map[string]*Deck
	cards       map[string]*Card
	nextID      int
	idempotent  map[string]idempotentReply
	faults      map[string][]Fault
	requests    []Request
	reports     []Report
	uploads     []Upload
	now         func() time.Time
}

type idempotentReply struct {
	status int
	body   []byte
}

// NewServer starts a TLS fake accepting bearer token and report token.
func NewServer(token, reportToken string) *Server {
	s := &Server{
		token:       token,
		reportToken: reportToken,
		decks:       make(map[string]*Deck),
		cards:       make(map[string]*Card),
		idempotent:  make(map[string]idempotentReply),
		faults:      make(map[string][]Fault),
		now:         func() time.Time { return time.Now().UTC().Truncate(time.Second) },
	}
	s.Server = httptest.NewTLSServer(s.routes())
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.record, s.injectFaults)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireBearer)
		r.Get("/decks", s.listDecks)
		r.Get("/decks/{deckID}/cards", s.listCards)
		r.Post("/decks/{deckID}/cards", s.createCard)
		r.Patch("/cards/{cardID}", s.updateCard)
	})
	r.Post("/user-report/v1/create-report", s.createReport)
	r.Post("/upload/{fileName}", s.upload)
	return r
}

// SetToken changes the accepted bearer token, e.g. to force a refresh.
func (s *Server) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// AddDeck seeds a deck.
func (s *Server) AddDeck(id, title, spaceID string) Deck {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := &Deck{ID: id, Title: title, SpaceID: spaceID, Revision: 1}
	s.decks[id] = d
	return *d
}

// AddCard seeds a card in an existing deck at revision 1.
func (s *Server) AddCard(deckID, title string, tags ...string) Card {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.insertCard(deckID, cardFields{Title: title, Tags: tags})
	return *c
}

// Card returns the stored card.
func (s *Server) Card(id string) (Card, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[id]
	if !ok {
		return Card{}, false
	}
	return *c, true
}

// Fail queues faults for method and path; each fault replaces one response.
func (s *Server) Fail(method, path string, faults ...Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := method + " " + path
	s.faults[key] = append(s.faults[key], faults...)
}

// Requests returns every request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// RequestsTo returns the requests received for method and path.
func (s *Server) RequestsTo(method, path string) []Request {
	var out []Request
	for _, r := range s.Requests() {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// Reports returns the reports received.
func (s *Server) Reports() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Report(nil), s.reports...)
}

// Uploads returns the attachments received.
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(strings.NewReader(string(body)))
		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Header: r.Header.Clone(),
			Body:   body,
			At:     time.Now(),
		})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) injectFaults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		s.mu.Lock()
		queue := s.faults[key]
		var fault *Fault
		if len(queue) > 0 {
			fault = &queue[0]
			s.faults[key] = queue[1:]
		}
		s.mu.Unlock()

		if fault == nil {
			next.ServeHTTP(w, r)
			return
		}
		if fault.Delay > 0 {
			select {
			case <-time.After(fault.Delay):
			case <-r.Context().Done():
				return
			}
		}
		if fault.Status == 0 {
			next.ServeHTTP(w, r)
			return
		}
		for k, v := range fault.Header {
			w.Header().Set(k, v)
		}
		if fault.Body != "" && w.Header().Get("Content-Type") == "" {
			w.Header().Set("Content-Type", "application/json")
		}
		w.WriteHeader(fault.Status)
		_, _ = io.WriteString(w, fault.Body)
	})
}

func (s *Server) requireBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		want := "Bearer " + s.token
		s.mu.Unlock()
		if r.Header.Get("Authorization") != want {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) listDecks(w http.ResponseWriter, r *http.Request) {
	spaceID := r.URL.Query().Get("spaceId")
	search := strings.ToLower(r.URL.Query().Get("search"))

	s.mu.Lock()
	decks := make([]Deck, 0, len(s.decks))
	for _, d := range s.decks {
		if spaceID != "" && d.SpaceID != spaceID {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(d.Title), search) {
			continue
		}
		decks = append(decks, *d)
	}
	s.mu.Unlock()

	sort.Slice(decks, func(i, j int) bool { return decks[i].ID < decks[j].ID })
	writeJSON(w, http.StatusOK, decks)
}

func (s *Server) listCards(w http.ResponseWriter, r *http.Request) {
	deckID := chi.URLParam(r, "deckID")
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", []fieldError{{Field: "limit", Message: "must be a non-negative integer"}})
			return
		}
		limit = n
	}

	s.mu.Lock()
	if _, ok := s.decks[deckID]; !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "deck not found", nil)
		return
	}
	cards := make([]Card, 0)
	for _, c := range s.cards {
		if c.DeckID != deckID || !matches(c, q.Get("status"), q.Get("assignee"), q.Get("tag"), q.Get("search")) {
			continue
		}
		cards = append(cards, *c)
	}
	s.mu.Unlock()

	sort.Slice(cards, func(i, j int) bool { return cards[i].ID < cards[j].ID })
	if limit > 0 && len(cards) > limit {
		cards = cards[:limit]
	}
	writeJSON(w, http.StatusOK, cards)
}

func matches(c *Card, status, assignee, tag, search string) bool {
	if status != "" && c.Status != status {
		return false
	}
	if assignee != "" && c.Assignee != assignee {
		return false
	}
	if tag != "" {
		found := false
		for _, t := range c.Tags {
			if t == tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if search != "" {
		needle := strings.ToLower(search)
		if !strings.Contains(strings.ToLower(c.Title), needle) && !strings.Contains(strings.ToLower(c.Content), needle) {
			return false
		}
	}
	return true
}

type cardFields struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Status   string   `json:"status"`
	Assignee string   `json:"assignee"`
	Tags     []string `json:"tags"`
}

func (s *Server) createCard(w http.ResponseWriter, r *http.Request) {
	deckID := chi.URLParam(r, "deckID")
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing Idempotency-Key", nil)
		return
	}

	var in cardFields
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", nil)
		return
	}
	if strings.TrimSpace(in.Title) == "" {
		writeError(w, http.StatusBadRequest, "validation_failed", "title is required", []fieldError{{Field: "title", Message: "required"}})
		return
	}

	s.mu.Lock()
	if reply, ok := s.idempotent[key]; ok {
		s.mu.Unlock()
		writeRaw(w, reply.status, reply.body)
		return
	}
	if _, ok := s.decks[deckID]; !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "not_found", "deck not found", nil)
		return
	}
	c := s.insertCard(deckID, in)
	body, _ := json.Marshal(c)
	s.idempotent[key] = idempotentReply{status: http.StatusCreated, body: body}
	s.mu.Unlock()

	writeRaw(w, http.StatusCreated, body)
}

// insertCard requires s.mu.
func (s *Server) insertCard(deckID string, in cardFields) *Card {
	s.nextID++
	now := s.now()
	status := in.Status
	if status == "" {
		status = "not_started"
	}
	tags := append([]string{}, in.Tags...)
	sort.Strings(tags)
	c := &Card{
		ID:        "card-" + strconv.Itoa(s.nextID),
		DeckID:    deckID,
		Title:     strings.TrimSpace(in.Title),
		Content:   in.Content,
		Status:    status,
		Assignee:  in.Assignee,
		Tags:      tags,
		Revision:  1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.cards[c.ID] = c
	if d, ok := s.decks[deckID]; ok {
		d.CardCount++
		d.Revision++
	}
	return c
}

type cardPatch struct {
	ExpectedRevision int64     `json:"expectedRevision"`
	Title            *string   `json:"title"`
	Content          *string   `json:"content"`
	Status           *string   `json:"status"`
	Assignee         *string   `json:"assignee"`
	Tags             *[]string `json:"tags"`
}

func (s *Server) updateCard(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "cardID")
	var in cardPatch
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", nil)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[cardID]
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "card not found", nil)
		return
	}
	if in.ExpectedRevision != c.Revision {
		writeError(w, http.StatusConflict, "revision_conflict",
			fmt.Sprintf("card is at revision %d, expected %d", c.Revision, in.ExpectedRevision),
			[]fieldError{{Field: "expectedRevision", Message: "stale"}})
		return
	}
	if in.Title != nil {
		c.Title = *in.Title
	}
	if in.Content != nil {
		c.Content = *in.Content
	}
	if in.Status != nil {
		c.Status = *in.Status
	}
	if in.Assignee != nil {
		c.Assignee = *in.Assignee
	}
	if in.Tags != nil {
		c.Tags = append([]string{}, (*in.Tags)...)
		sort.Strings(c.Tags)
	}
	c.Revision++
	c.UpdatedAt = s.now()
	writeJSON(w, http.StatusOK, c)
}

type uploadURL struct {
	FileName string            `json:"fileName"`
	URL      string            `json:"url"`
	Fields   map[string]string `json:"fields"`
}

func (s *Server) createReport(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	want := s.reportToken
	s.mu.Unlock()
	if r.URL.Query().Get("token") != want {
		writeJSON(w, http.StatusOK, map[string]any{"ok": false, "message": "Invalid token"})
		return
	}

	var in Report
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", nil)
		return
	}

	urls := make([]uploadURL, 0, len(in.FileNames))
	for _, name := range in.FileNames {
		urls = append(urls, uploadURL{
			FileName: name,
			URL:      s.URL + "/upload/" + name,
			Fields: map[string]string{
				"key":              "reports/" + name,
				"acl":              "private",
				"bucket":           "codecks-uploads",
				"X-Amz-Algorithm":  "AWS4-HMAC-SHA256",
				"X-Amz-Credential": "test/credential",
				"X-Amz-Date":       "20240101T000000Z",
				"Policy":           "cG9saWN5",
				"X-Amz-Signature":  "signature",
			},
		})
	}

	s.mu.Lock()
	s.reports = append(s.reports, in)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "message": "Report created", "uploadUrls": urls})
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, "<Error><Code>MalformedPOSTRequest</Code></Error>")
		return
	}
	up := Upload{FileName: chi.URLParam(r, "fileName"), Fields: map[string]string{}}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, "<Error><Code>MalformedPOSTRequest</Code></Error>")
			return
		}
		data, _ := io.ReadAll(part)
		if part.FormName() == "file" {
			up.ContentType = part.Header.Get("Content-Type")
			up.Data = data
			continue
		}
		up.Fields[part.FormName()] = string(data)
		up.FieldOrder = append(up.FieldOrder, part.FormName())
	}

	s.mu.Lock()
	s.uploads = append(s.uploads, up)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details []fieldError) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeRaw(w, status, body)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
