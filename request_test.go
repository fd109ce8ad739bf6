package codecks

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"testing"
)

func fixedKeyBuilder(keys ...string) *RequestBuilder {
	b := NewRequestBuilder("codecks-test/1.0")
	i := 0
	b.newKey = func() string {
		k := keys[i%len(keys)]
		i++
		return k
	}
	return b
}

var testCred = Credential{Token: "tok-123", Account: "acme"}

func TestBuildIsDeterministic(t *testing.T) {
	b := fixedKeyBuilder("key-1")
	title := "Renamed"
	op := updateCardOp{CardID: "card-7", ExpectedRevision: 4, Patch: CardPatch{Title: &title}}

	first, err := b.Build(op, testCred, "idem-1")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	second, err := b.Build(op, testCred, "idem-1")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Build() not deterministic:\n%+v\n%+v", first, second)
	}

	third, err := b.Build(op, testCred, "idem-2")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if third.IdempotencyKey != "idem-2" || !bytes.Equal(first.Body, third.Body) {
		t.Errorf("only the idempotency key should differ: %+v", third)
	}
}

func TestBuildGeneratesIdempotencyKey(t *testing.T) {
	b := fixedKeyBuilder("generated-1")
	req, err := b.Build(createCardOp{DeckID: "deck-1", Fields: CardFields{Title: "New"}}, testCred, "")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if req.IdempotencyKey != "generated-1" || req.HeaderValue("Idempotency-Key") != "generated-1" {
		t.Errorf("IdempotencyKey = %q, header %q", req.IdempotencyKey, req.HeaderValue("Idempotency-Key"))
	}

	read, err := b.Build(listCardsOp{DeckID: "deck-1"}, testCred, "")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if read.IdempotencyKey != "" || read.HeaderValue("Idempotency-Key") != "" {
		t.Error("read operations must not carry an idempotency key")
	}
}

func TestBuildHeaders(t *testing.T) {
	b := fixedKeyBuilder("k")
	req, err := b.Build(createCardOp{DeckID: "deck-1", Fields: CardFields{Title: "New"}}, testCred, "idem")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	want := []HeaderField{
		{Name: "Authorization", Value: "Bearer tok-123"},
		{Name: "X-Account", Value: "acme"},
		{Name: "Accept", Value: "application/json"},
		{Name: "User-Agent", Value: "codecks-test/1.0"},
		{Name: "Content-Type", Value: "application/json"},
		{Name: "Idempotency-Key", Value: "idem"},
	}
	if !reflect.DeepEqual(req.Header, want) {
		t.Errorf("Header =\n%v\nwant\n%v", req.Header, want)
	}
	if req.Method != http.MethodPost || req.Path != "/v1/decks/deck-1/cards" {
		t.Errorf("unexpected target %s %s", req.Method, req.Path)
	}
}

func TestBuildListCardsQuery(t *testing.T) {
	b := NewRequestBuilder("")
	req, err := b.Build(listCardsOp{
		DeckID: "deck/1",
		Filter: CardFilter{Status: StatusStarted, Tag: "crash", Limit: 20},
	}, testCred, "")
	if err == nil {
		t.Fatalf("expected invalid deck id, got %+v", req)
	}

	req, err = b.Build(listCardsOp{
		DeckID: "deck-1",
		Filter: CardFilter{Status: StatusStarted, Tag: "crash", Limit: 20},
	}, testCred, "")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if got := req.Query.Encode(); got != "limit=20&status=started&tag=crash" {
		t.Errorf("Query = %q", got)
	}
	if req.Body != nil {
		t.Error("GET must not carry a body")
	}
}

func TestBuildNormalizesCardFields(t *testing.T) {
	b := fixedKeyBuilder("k")
	req, err := b.Build(createCardOp{
		DeckID: "deck-1",
		Fields: CardFields{Title: "  Crash on start  ", Tags: []string{"ui", "crash", "ui", " "}},
	}, testCred, "")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	var body map[string]any
	if err := json.Unmarshal(req.Body, &body); err != nil {
		t.Fatal(err)
	}
	if body["title"] != "Crash on start" {
		t.Errorf("title = %v", body["title"])
	}
	if tags, _ := body["tags"].([]any); len(tags) != 2 || tags[0] != "crash" || tags[1] != "ui" {
		t.Errorf("tags = %v, want [crash ui]", body["tags"])
	}
}

func TestBuildUpdateCardBody(t *testing.T) {
	b := fixedKeyBuilder("k")
	status := StatusDone
	req, err := b.Build(updateCardOp{CardID: "card-1", ExpectedRevision: 3, Patch: CardPatch{Status: &status}}, testCred, "")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if string(req.Body) != `{"expectedRevision":3,"status":"done"}` {
		t.Errorf("Body = %s", req.Body)
	}
	if req.Method != http.MethodPatch || req.Path != "/v1/cards/card-1" {
		t.Errorf("unexpected target %s %s", req.Method, req.Path)
	}
}

func TestBuildValidation(t *testing.T) {
	b := NewRequestBuilder("")
	long := strings.Repeat("x", 501)
	bad := CardStatus("archived")
	empty := ""

	tests := []struct {
		name  string
		op    Operation
		cred  Credential
		field string
	}{
		{"missing deck", listCardsOp{}, testCred, "DeckID"},
		{"negative limit", listCardsOp{DeckID: "d", Filter: CardFilter{Limit: -1}}, testCred, "Filter.Limit"},
		{"unknown status filter", listCardsOp{DeckID: "d", Filter: CardFilter{Status: "archived"}}, testCred, "Filter.Status"},
		{"missing title", createCardOp{DeckID: "d"}, testCred, "Fields.Title"},
		{"long title", createCardOp{DeckID: "d", Fields: CardFields{Title: long}}, testCred, "Fields.Title"},
		{"blank title", createCardOp{DeckID: "d", Fields: CardFields{Title: "   "}}, testCred, ""},
		{"zero revision", updateCardOp{CardID: "c", Patch: CardPatch{Status: &bad}}, testCred, "ExpectedRevision"},
		{"empty patch", updateCardOp{CardID: "c", ExpectedRevision: 1}, testCred, ""},
		{"empty title patch", updateCardOp{CardID: "c", ExpectedRevision: 1, Patch: CardPatch{Title: &empty}}, testCred, "Patch.Title"},
		{"missing credential", queryDecksOp{}, Credential{}, ""},
		{"missing report token", createReportOp{Report: Report{Content: "x"}}, testCred, "Token"},
		{"bad email", createReportOp{Report: Report{Content: "x", UserEmail: "nope"}, Token: "t"}, testCred, "Report.UserEmail"},
		{"duplicate attachments", createReportOp{Report: Report{Content: "x", Files: []Attachment{{Filename: "a"}, {Filename: "a"}}}, Token: "t"}, testCred, "Report.Files"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Build(tt.op, tt.cred, "")
			if !errors.Is(err, ErrInvalidParameter) {
				t.Fatalf("Build() error = %v, want InvalidParameter", err)
			}
			if tt.field == "" {
				return
			}
			var e *Error
			errors.As(err, &e)
			found := false
			for _, d := range e.Details {
				if d.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("Details %v do not name %s", e.Details, tt.field)
			}
		})
	}
}

func TestBuildReportUsesQueryToken(t *testing.T) {
	b := NewRequestBuilder("")
	req, err := b.Build(createReportOp{
		Report: Report{
			Content:  "It crashed",
			Severity: SeverityCritical,
			Files:    []Attachment{{Filename: "log.txt"}, {Filename: "shot.png"}},
		},
		Token:   "report-secret",
		BaseURL: "https://reports.example.test",
	}, Credential{}, "")
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if req.HeaderValue("Authorization") != "" {
		t.Error("report requests must not send the bearer token")
	}
	if req.Query.Get("token") != "report-secret" {
		t.Errorf("token query = %q", req.Query.Get("token"))
	}
	if req.BaseURL != "https://reports.example.test" || req.Path != "/user-report/v1/create-report" {
		t.Errorf("unexpected target %s%s", req.BaseURL, req.Path)
	}
	want := `{"content":"It crashed","severity":"critical","fileNames":["log.txt","shot.png"]}`
	if string(req.Body) != want {
		t.Errorf("Body = %s, want %s", req.Body, want)
	}
}

func TestBuildNilOperation(t *testing.T) {
	if _, err := NewRequestBuilder("").Build(nil, testCred, ""); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("Build(nil) error = %v", err)
	}
}
