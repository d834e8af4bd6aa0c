package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"github.com/vyrodovalexey/avacord/internal/util"
)

// File is an attachment uploaded with a multipart request.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Request describes one REST call.
type Request struct {
	Method string
	// Path is relative to the API base URL, e.g. "/channels/123/messages".
	Path  string
	Query url.Values
	// Body is encoded as JSON. With Files it is sent as the payload_json part.
	Body  any
	Files []File
	// Reason is recorded in the audit log of the affected guild.
	Reason string
	// NoAuth omits the Authorization header.
	NoAuth bool
}

// Response is a successful REST response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the JSON body into out.
func (r *Response) Decode(out any) error {
	if out == nil || len(r.Body) == 0 || r.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}

var allowedMethods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

func (r *Request) validate() error {
	if r == nil {
		return util.NewValidationError("request is nil")
	}
	verr := util.NewValidationError("invalid request")
	if !allowedMethods[r.Method] {
		verr.AddField("method", fmt.Sprintf("unsupported method %q", r.Method))
	}
	if !strings.HasPrefix(r.Path, "/") {
		verr.AddField("path", "must start with /")
	}
	if verr.HasErrors() {
		return verr
	}
	return nil
}

// encodeBody returns the request body and its content type.
func (r *Request) encodeBody() (io.Reader, string, error) {
	if len(r.Files) == 0 {
		if r.Body == nil {
			return nil, "", nil
		}
		data, err := json.Marshal(r.Body)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode request body: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for i, f := range r.Files {
		field := "files[" + strconv.Itoa(i) + "]"
		if len(r.Files) == 1 {
			field = "file"
		}
		part, err := mw.CreatePart(filePartHeader(field, f))
		if err != nil {
			return nil, "", fmt.Errorf("failed to create file part: %w", err)
		}
		if _, err := part.Write(f.Data); err != nil {
			return nil, "", fmt.Errorf("failed to write file part: %w", err)
		}
	}
	if r.Body != nil {
		data, err := json.Marshal(r.Body)
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode request body: %w", err)
		}
		if err := mw.WriteField("payload_json", string(data)); err != nil {
			return nil, "", fmt.Errorf("failed to write payload part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finish multipart body: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

func filePartHeader(field string, f File) textproto.MIMEHeader {
	contentType := f.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return textproto.MIMEHeader{
		"Content-Disposition": {fmt.Sprintf(`form-data; name=%q; filename=%q`, field, f.Name)},
		"Content-Type":        {contentType},
	}
}

// build creates the HTTP request. The body is rebuilt on every attempt.
func (c *Client) build(ctx context.Context, r *Request, requestID string) (*http.Request, error) {
	body, contentType, err := r.encodeBody()
	if err != nil {
		return nil, err
	}

	target := c.baseURL + r.Path
	if len(r.Query) > 0 {
		target += "?" + r.Query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", requestID)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if !r.NoAuth && c.token != "" {
		req.Header.Set("Authorization", c.token)
	}
	if r.Reason != "" {
		req.Header.Set(HeaderAuditLogReason, url.PathEscape(r.Reason))
	}
	return req, nil
}
