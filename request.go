package codecks

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Operation is one typed API call the RequestBuilder knows how to encode.
type Operation interface {
	// Name labels metrics, logs and spans.
	Name() string
	// Mutating operations carry an idempotency key.
	Mutating() bool
	endpoint() (endpointSpec, error)
}

type authScheme int

const (
	authBearer authScheme = iota
	authReportToken
)

type endpointSpec struct {
	method  string
	path    string
	query   url.Values
	body    any
	auth    authScheme
	baseURL string
}

// RequestBuilder turns operations into ApiRequests. Given the same
// operation, credential and idempotency key it produces byte-identical
// requests.
type RequestBuilder struct {
	validate  *validator.Validate
	userAgent string
	newKey    func() string
}

// NewRequestBuilder returns a builder stamping userAgent on every request.
func NewRequestBuilder(userAgent string) *RequestBuilder {
	if userAgent == "" {
		userAgent = DefaultUserAgent()
	}
	return &RequestBuilder{
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		userAgent: userAgent,
		newKey:    uuid.NewString,
	}
}

// NewIdempotencyKey returns a fresh key for one logical mutating call.
func (b *RequestBuilder) NewIdempotencyKey() string {
	return b.newKey()
}

// Build validates op and encodes it. idempotencyKey is reused verbatim for
// mutating operations; when empty a new one is generated.
func (b *RequestBuilder) Build(op Operation, cred Credential, idempotencyKey string) (ApiRequest, error) {
	if op == nil {
		return ApiRequest{}, invalidParameter("operation is required")
	}
	if err := b.validate.Struct(op); err != nil {
		return ApiRequest{}, validationToError(op.Name(), err)
	}
	spec, err := op.endpoint()
	if err != nil {
		return ApiRequest{}, err
	}

	req := ApiRequest{
		Operation: op.Name(),
		Method:    spec.method,
		Path:      spec.path,
		Query:     url.Values{},
		BaseURL:   spec.baseURL,
	}
	for k, v := range spec.query {
		req.Query[k] = append([]string(nil), v...)
	}

	switch spec.auth {
	case authBearer:
		if cred.IsZero() {
			return ApiRequest{}, invalidParameter("%s: credential is required", op.Name())
		}
		req.Header = append(req.Header, HeaderField{Name: "Authorization", Value: "Bearer " + cred.Token})
		if cred.Account != "" {
			req.Header = append(req.Header, HeaderField{Name: "X-Account", Value: cred.Account})
		}
	case authReportToken:
		// The report token travels in the query string.
	}

	req.Header = append(req.Header,
		HeaderField{Name: "Accept", Value: "application/json"},
		HeaderField{Name: "User-Agent", Value: b.userAgent},
	)

	if spec.body != nil {
		body, err := json.Marshal(spec.body)
		if err != nil {
			return ApiRequest{}, invalidParameter("%s: encode body: %v", op.Name(), err)
		}
		req.Body = body
		req.ContentType = "application/json"
		req.Header = append(req.Header, HeaderField{Name: "Content-Type", Value: req.ContentType})
	}

	if op.Mutating() {
		if idempotencyKey == "" {
			idempotencyKey = b.newKey()
		}
		req.IdempotencyKey = idempotencyKey
		req.Header = append(req.Header, HeaderField{Name: "Idempotency-Key", Value: idempotencyKey})
	}

	return req, nil
}

func validationToError(opName string, err error) *Error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return invalidParameter("%s: %v", opName, err)
	}
	details := make([]FieldError, 0, len(verrs))
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		msg := "failed " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		details = append(details, FieldError{Field: field, Message: msg})
		msgs = append(msgs, field+" "+msg)
	}
	e := invalidParameter("%s: %s", opName, strings.Join(msgs, ", "))
	e.Details = details
	return e
}

type listCardsOp struct {
	DeckID string `validate:"required,excludesall=/?# "`
	Filter CardFilter
}

func (listCardsOp) Name() string   { return "list_cards" }
func (listCardsOp) Mutating() bool { return false }

func (op listCardsOp) endpoint() (endpointSpec, error) {
	q := url.Values{}
	if op.Filter.Status != "" {
		q.Set("status", string(op.Filter.Status))
	}
	if op.Filter.Assignee != "" {
		q.Set("assignee", op.Filter.Assignee)
	}
	if op.Filter.Tag != "" {
		q.Set("tag", op.Filter.Tag)
	}
	if op.Filter.Search != "" {
		q.Set("search", op.Filter.Search)
	}
	if op.Filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(op.Filter.Limit))
	}
	return endpointSpec{
		method: http.MethodGet,
		path:   "/v1/decks/" + url.PathEscape(op.DeckID) + "/cards",
		query:  q,
	}, nil
}

type createCardOp struct {
	DeckID string `validate:"required,excludesall=/?# "`
	Fields CardFields
}

func (createCardOp) Name() string   { return "create_card" }
func (createCardOp) Mutating() bool { return true }

func (op createCardOp) endpoint() (endpointSpec, error) {
	fields := op.Fields
	fields.Title = strings.TrimSpace(fields.Title)
	if fields.Title == "" {
		return endpointSpec{}, invalidParameter("create_card: Fields.Title must not be blank")
	}
	fields.Tags = normalizeTags(fields.Tags)
	return endpointSpec{
		method: http.MethodPost,
		path:   "/v1/decks/" + url.PathEscape(op.DeckID) + "/cards",
		body:   fields,
	}, nil
}

type updateCardOp struct {
	CardID           string `validate:"required,excludesall=/?# "`
	ExpectedRevision int64  `validate:"gt=0"`
	Patch            CardPatch
}

type updateCardBody struct {
	ExpectedRevision int64 `json:"expectedRevision"`
	CardPatch
}

func (updateCardOp) Name() string   { return "update_card" }
func (updateCardOp) Mutating() bool { return true }

func (op updateCardOp) endpoint() (endpointSpec, error) {
	if op.Patch.empty() {
		return endpointSpec{}, invalidParameter("update_card: patch changes nothing")
	}
	patch := op.Patch
	if patch.Tags != nil {
		tags := normalizeTags(*patch.Tags)
		if tags == nil {
			tags = []string{}
		}
		patch.Tags = &tags
	}
	return endpointSpec{
		method: http.MethodPatch,
		path:   "/v1/cards/" + url.PathEscape(op.CardID),
		body:   updateCardBody{ExpectedRevision: op.ExpectedRevision, CardPatch: patch},
	}, nil
}

type queryDecksOp struct {
	Filter DeckFilter
}

func (queryDecksOp) Name() string   { return "query_decks" }
func (queryDecksOp) Mutating() bool { return false }

func (op queryDecksOp) endpoint() (endpointSpec, error) {
	q := url.Values{}
	if op.Filter.SpaceID != "" {
		q.Set("spaceId", op.Filter.SpaceID)
	}
	if op.Filter.Search != "" {
		q.Set("search", op.Filter.Search)
	}
	return endpointSpec{method: http.MethodGet, path: "/v1/decks", query: q}, nil
}

type createReportOp struct {
	Report  Report
	Token   string `validate:"required"`
	BaseURL string
}

type createReportBody struct {
	Content   string   `json:"content"`
	Severity  string   `json:"severity,omitempty"`
	UserEmail string   `json:"userEmail,omitempty"`
	FileNames []string `json:"fileNames"`
}

func (createReportOp) Name() string { return "create_report" }

// Mutating is false: the report endpoint predates idempotency keys and the
// client never retries it blindly (see CreateReport).
func (createReportOp) Mutating() bool { return false }

func (op createReportOp) endpoint() (endpointSpec, error) {
	body := createReportBody{
		Content:   op.Report.Content,
		UserEmail: strings.TrimSpace(op.Report.UserEmail),
		FileNames: make([]string, 0, len(op.Report.Files)),
	}
	if op.Report.Severity != SeverityNone {
		sev, ok := severityNames[op.Report.Severity]
		if !ok {
			return endpointSpec{}, invalidParameter("create_report: unknown severity %d", op.Report.Severity)
		}
		body.Severity = sev
	}
	for _, f := range op.Report.Files {
		body.FileNames = append(body.FileNames, f.Filename)
	}
	q := url.Values{}
	q.Set("token", op.Token)
	return endpointSpec{
		method:  http.MethodPost,
		path:    "/user-report/v1/create-report",
		query:   q,
		body:    body,
		auth:    authReportToken,
		baseURL: op.BaseURL,
	}, nil
}
