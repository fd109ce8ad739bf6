package codecks

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

// Severity of a user report.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "low",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

func (s Severity) String() string {
	if s == SeverityNone {
		return "none"
	}
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// FileType selects the content type an attachment is uploaded with.
type FileType int

const (
	FileBinary FileType = iota
	FilePlainText
	FileJSON
	FilePNG
	FileJPG
)

// ContentType returns the MIME type sent for the attachment.
func (t FileType) ContentType() string {
	switch t {
	case FilePlainText:
		return "text/plain"
	case FileJSON:
		return "application/json"
	case FilePNG:
		return "image/png"
	case FileJPG:
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

// Attachment is a file uploaded alongside a report, e.g. a screenshot or a
// log excerpt captured by the host.
type Attachment struct {
	Filename string `validate:"required"`
	Type     FileType
	Data     []byte
}

// Report is a user-submitted bug or feedback report.
type Report struct {
	Content   string       `validate:"required"`
	Severity  Severity     `validate:"gte=0,lte=3"`
	UserEmail string       `validate:"omitempty,email"`
	Files     []Attachment `validate:"unique=Filename,dive"`
}

// ReportStatus is the overall outcome of CreateReport.
type ReportStatus int

const (
	// ReportFailed means no report was created.
	ReportFailed ReportStatus = iota
	// ReportCreated means the report and every attachment were stored.
	ReportCreated
	// ReportPartial means the report exists but some attachment is missing.
	ReportPartial
)

func (s ReportStatus) String() string {
	switch s {
	case ReportCreated:
		return "created"
	case ReportPartial:
		return "partial"
	case ReportFailed:
		return "failed"
	default:
		return fmt.Sprintf("ReportStatus(%d)", int(s))
	}
}

// ReportResult describes what CreateReport achieved. Failed lists the
// attachments that could not be uploaded.
type ReportResult struct {
	Status  ReportStatus
	Message string
	Failed  []string
}

type reportResponse struct {
	OK         *bool        `json:"ok" validate:"required"`
	Message    string       `json:"message"`
	UploadURLs []uploadSlot `json:"uploadUrls" validate:"dive"`
}

type uploadSlot struct {
	FileName string            `json:"fileName" validate:"required"`
	URL      string            `json:"url" validate:"required,url"`
	Fields   map[string]string `json:"fields"`
}

// Presigned POST fields in the order the storage service expects them.
var uploadFieldOrder = []string{
	"key",
	"Cache-Control",
	"acl",
	"bucket",
	"X-Amz-Algorithm",
	"X-Amz-Credential",
	"X-Amz-Date",
	"Policy",
	"X-Amz-Signature",
}

// CreateReport posts r to the user-report endpoint, authorised by the
// configured report token, then uploads every attachment to the presigned
// URL the service returns. The error is non-nil only when no report was
// created; a report with missing attachments is ReportPartial.
func (c *Client) CreateReport(ctx context.Context, r Report) (ReportResult, error) {
	res, err := c.CreateReportAsync(ctx, r).Wait()
	if err != nil {
		return ReportResult{Status: ReportFailed, Message: err.Error()}, err
	}
	return res, nil
}

// CreateReportAsync is the asynchronous form of CreateReport.
func (c *Client) CreateReportAsync(ctx context.Context, r Report) *Future[ReportResult] {
	op := createReportOp{Report: r, Token: c.cfg.ReportToken, BaseURL: c.cfg.reportBaseURL()}
	return startCall(c, ctx, op.Name(), nil, func(ctx context.Context, cl *call) (ReportResult, error) {
		var resp reportResponse
		err := c.roundTrip(ctx, cl, op, func(raw ApiResponse, secrets []string) error {
			return c.decoder.Decode(raw, &resp, secrets...)
		})
		if err != nil {
			return ReportResult{Status: ReportFailed, Message: err.Error()}, err
		}
		if !*resp.OK {
			msg := resp.Message
			if msg == "" {
				msg = "Unknown Error"
			}
			return ReportResult{Status: ReportFailed, Message: msg}, &Error{
				Kind:    KindClientError,
				Message: "report rejected: " + msg,
			}
		}
		return c.uploadAttachments(ctx, cl, r.Files, resp), nil
	})
}

func (c *Client) uploadAttachments(ctx context.Context, cl *call, files []Attachment, resp reportResponse) ReportResult {
	result := ReportResult{Status: ReportCreated, Message: resp.Message}
	if len(files) == 0 {
		return result
	}

	slots := make(map[string]uploadSlot, len(resp.UploadURLs))
	for _, s := range resp.UploadURLs {
		slots[s.FileName] = s
	}

	for _, f := range files {
		slot, ok := slots[f.Filename]
		if !ok {
			c.logger.Warn("no upload slot for attachment", "call_id", cl.handle, "file", f.Filename)
			result.Failed = append(result.Failed, f.Filename)
			continue
		}
		if err := c.upload(ctx, cl, slot, f); err != nil {
			c.logger.Warn("attachment upload failed", "call_id", cl.handle, "file", f.Filename, "error", err)
			result.Failed = append(result.Failed, f.Filename)
		}
	}

	if len(result.Failed) > 0 {
		result.Status = ReportPartial
		result.Message = fmt.Sprintf("%d of %d attachments failed to upload", len(result.Failed), len(files))
	}
	return result
}

// upload sends one attachment as multipart/form-data: the presigned fields
// first, then Content-Type, then the file part.
func (c *Client) upload(ctx context.Context, cl *call, slot uploadSlot, f Attachment) error {
	req, err := buildUpload(slot, f, c.builder.userAgent)
	if err != nil {
		return err
	}
	resp, err := c.send(ctx, cl, req)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || bytes.Contains(resp.Body, []byte("Error")) {
		return &Error{
			Kind:       kindForStatus(resp.StatusCode),
			Message:    "upload rejected",
			StatusCode: resp.StatusCode,
			Operation:  req.Operation,
			Excerpt:    excerpt(resp.Body, nil),
		}
	}
	return nil
}

func buildUpload(slot uploadSlot, f Attachment, userAgent string) (ApiRequest, error) {
	u, err := url.Parse(slot.URL)
	if err != nil || u.Host == "" {
		return ApiRequest{}, invalidParameter("upload %s: invalid URL", f.Filename)
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	for _, name := range uploadFieldOrder {
		value, ok := slot.Fields[name]
		if !ok {
			continue
		}
		if err := w.WriteField(name, value); err != nil {
			return ApiRequest{}, err
		}
	}
	contentType := f.Type.ContentType()
	if err := w.WriteField("Content-Type", contentType); err != nil {
		return ApiRequest{}, err
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", contentType)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, f.Filename))
	part, err := w.CreatePart(h)
	if err != nil {
		return ApiRequest{}, err
	}
	if _, err := part.Write(f.Data); err != nil {
		return ApiRequest{}, err
	}
	if err := w.Close(); err != nil {
		return ApiRequest{}, err
	}

	req := ApiRequest{
		Operation:   "upload_attachment",
		Method:      http.MethodPost,
		Path:        u.EscapedPath(),
		Query:       u.Query(),
		Body:        body.Bytes(),
		ContentType: w.FormDataContentType(),
		BaseURL:     u.Scheme + "://" + u.Host,
	}
	req.Header = []HeaderField{
		{Name: "User-Agent", Value: userAgent},
		{Name: "Content-Type", Value: req.ContentType},
	}
	if !strings.HasPrefix(req.Path, "/") {
		req.Path = "/" + req.Path
	}
	return req, nil
}

// retryable limits report creation to retries the server explicitly asked
// for; the endpoint has no idempotency key, so a lost response must not
// produce a duplicate report.
func (createReportOp) retryable(err error) bool {
	return KindOf(err) == KindRateLimited
}
