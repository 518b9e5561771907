package device

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"

	apperrors "github.com/alexjbarnes/paper-sync/internal/errors"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// APIError is a non-2xx response from the device. The device reports
// failures as {"error_code": "...", "message": "..."}.
type APIError struct {
	Endpoint string
	Status   int
	Code     string
	Message  string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("device API %s (%d): %s %s", e.Endpoint, e.Status, e.Code, e.Message)
	}

	return fmt.Sprintf("device API %s returned status %d: %s", e.Endpoint, e.Status, e.Message)
}

// Is maps a 404 to ErrEntryNotFound so callers can use errors.Is.
func (e *APIError) Is(target error) bool {
	return target == apperrors.ErrEntryNotFound && e.Status == http.StatusNotFound
}

const (
	// maxRedirects matches the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout bounds a single request, including document
	// transfers of large PDFs.
	httpClientTimeout = 5 * time.Minute

	// maxResponseBytes caps response body reads. Document downloads are
	// the largest responses.
	maxResponseBytes = 1 << 30

	// maxRetries is the number of retries after a transient failure.
	maxRetries = 3

	credentialsCookie = "Credentials"
)

// Client talks to the Digital Paper REST API.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	credentials string
	logger      *slog.Logger

	// newBackOff builds the retry policy for one request.
	newBackOff func() backoff.BackOff
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the credential cookie never
// leaves the device.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewHTTPClient returns the http.Client used to reach the device. The
// device serves a self-signed certificate, so verification is skipped
// when insecureTLS is set.
func NewHTTPClient(insecureTLS bool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // device certificate is self-signed
	}

	return &http.Client{
		Timeout:       httpClientTimeout,
		Transport:     transport,
		CheckRedirect: sameHostRedirectPolicy,
	}
}

// Option configures a Client.
type Option func(*Client)

// WithBackOff replaces the per-request retry policy.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = fn }
}

// NewClient creates a device client. If httpClient is nil, a client
// that verifies TLS is used.
func NewClient(baseURL, credentials string, httpClient *http.Client, logger *slog.Logger, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(false)
	}

	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		httpClient:  httpClient,
		baseURL:     strings.TrimRight(baseURL, "/"),
		credentials: credentials,
		logger:      logger,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxElapsedTime = 30 * time.Second

			return b
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// BaseURL returns the device endpoint the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// Credentials returns the session credential sent with each request.
func (c *Client) Credentials() string { return c.credentials }

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// request sends one API call, retrying transient failures with
// exponential backoff. payload is re-sent verbatim on each attempt.
func (c *Client) request(ctx context.Context, method, endpoint string, payload []byte, contentType string) ([]byte, error) {
	var body []byte

	attempt := 0
	op := func() error {
		attempt++

		b, err := c.roundTrip(ctx, method, endpoint, payload, contentType)
		if err != nil {
			if IsTransient(err) {
				c.logger.Debug("transient device error",
					slog.String("endpoint", endpoint),
					slog.Int("attempt", attempt),
					slog.String("error", err.Error()),
				)

				return err
			}

			return backoff.Permanent(err)
		}

		body = b

		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), maxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}

	return body, nil
}

func (c *Client) roundTrip(ctx context.Context, method, endpoint string, payload []byte, contentType string) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	if c.credentials != "" {
		req.AddCookie(&http.Cookie{Name: credentialsCookie, Value: c.credentials})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, &TransientError{Err: fmt.Errorf("%w: %s %s: %w", apperrors.ErrAPIRequest, method, endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading response from %s: %w", endpoint, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Endpoint: endpoint, Status: resp.StatusCode}
		if gjson.ValidBytes(respBody) {
			apiErr.Code = gjson.GetBytes(respBody, "error_code").String()
			apiErr.Message = gjson.GetBytes(respBody, "message").String()
		}

		if apiErr.Message == "" && apiErr.Code == "" {
			apiErr.Message = sanitizeResponseBody(respBody)
		}

		if isTransientStatus(resp.StatusCode) {
			return nil, &TransientError{Err: apiErr}
		}

		return nil, apiErr
	}

	return respBody, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint string) ([]byte, error) {
	body, err := c.request(ctx, http.MethodGet, endpoint, nil, "")
	if err != nil {
		return nil, err
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: %s returned invalid JSON: %s", apperrors.ErrAPIResponse, endpoint, sanitizeResponseBody(body))
	}

	return body, nil
}

func (c *Client) sendJSON(ctx context.Context, method, endpoint string, in any) ([]byte, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("marshalling request body: %w", err)
	}

	return c.request(ctx, method, endpoint, payload, "application/json")
}

// --- Listing ---

// ListAll returns every document and folder below the root collection.
func (c *Client) ListAll(ctx context.Context) ([]Entry, error) {
	body, err := c.getJSON(ctx, "/documents2?entry_type=all")
	if err != nil {
		return nil, fmt.Errorf("listing all entries: %w", err)
	}

	return parseEntryList(body, c.logger), nil
}

// resolve looks up the entry at remotePath.
func (c *Client) resolve(ctx context.Context, remotePath string) (Entry, error) {
	remotePath = strings.Trim(remotePath, "/")

	body, err := c.getJSON(ctx, "/resolve/entry/path/"+url.PathEscape(remotePath))
	if err != nil {
		if errors.Is(err, apperrors.ErrEntryNotFound) {
			return Entry{}, fmt.Errorf("%w: %s", apperrors.ErrEntryNotFound, remotePath)
		}

		return Entry{}, fmt.Errorf("resolving %s: %w", remotePath, err)
	}

	e, ok := parseEntry(gjson.ParseBytes(body))
	if !ok {
		return Entry{}, fmt.Errorf("%w: malformed entry for %s", apperrors.ErrAPIResponse, remotePath)
	}

	return e, nil
}

// Stat returns the entry at remotePath.
func (c *Client) Stat(ctx context.Context, remotePath string) (Entry, error) {
	return c.resolve(ctx, remotePath)
}

// IsFolder reports whether remotePath names a folder.
func (c *Client) IsFolder(ctx context.Context, remotePath string) (bool, error) {
	e, err := c.resolve(ctx, remotePath)
	if err != nil {
		return false, err
	}

	return e.IsFolder(), nil
}

// ListFolder returns the direct children of the folder at remotePath.
func (c *Client) ListFolder(ctx context.Context, remotePath string) ([]Entry, error) {
	folder, err := c.resolve(ctx, remotePath)
	if err != nil {
		return nil, err
	}

	if !folder.IsFolder() {
		return nil, fmt.Errorf("%s is not a folder", remotePath)
	}

	body, err := c.getJSON(ctx, "/folders/"+url.PathEscape(folder.ID)+"/entries")
	if err != nil {
		return nil, fmt.Errorf("listing folder %s: %w", remotePath, err)
	}

	return parseEntryList(body, c.logger), nil
}

// TraverseFolder returns every entry below the folder at remotePath,
// at any depth.
func (c *Client) TraverseFolder(ctx context.Context, remotePath string) ([]Entry, error) {
	remotePath = strings.Trim(remotePath, "/")

	all, err := c.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	prefix := remotePath + "/"

	var out []Entry

	for _, e := range all {
		if strings.HasPrefix(e.Path, prefix) {
			out = append(out, e)
		}
	}

	return out, nil
}

// --- Documents ---

// Download returns the bytes of the document at remotePath.
func (c *Client) Download(ctx context.Context, remotePath string) ([]byte, error) {
	doc, err := c.resolve(ctx, remotePath)
	if err != nil {
		return nil, err
	}

	if !doc.IsDocument() {
		return nil, fmt.Errorf("%w: %s", apperrors.ErrNotADocument, remotePath)
	}

	data, err := c.request(ctx, http.MethodGet, "/documents/"+url.PathEscape(doc.ID)+"/file", nil, "")
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", remotePath, err)
	}

	return data, nil
}

// Upload stores the contents of r as the document at remotePath,
// creating missing parent folders.
func (c *Client) Upload(ctx context.Context, r io.Reader, remotePath string) error {
	remotePath = strings.Trim(remotePath, "/")

	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading upload source for %s: %w", remotePath, err)
	}

	parentID, err := c.ensureFolder(ctx, path.Dir(remotePath))
	if err != nil {
		return fmt.Errorf("preparing parent of %s: %w", remotePath, err)
	}

	name := path.Base(remotePath)

	body, err := c.sendJSON(ctx, http.MethodPost, "/documents2", map[string]string{
		"file_name":        name,
		"parent_folder_id": parentID,
		"document_source":  "",
	})
	if err != nil {
		return fmt.Errorf("creating document %s: %w", remotePath, err)
	}

	docID := gjson.GetBytes(body, "document_id").String()
	if docID == "" {
		return fmt.Errorf("%w: no document_id for %s", apperrors.ErrAPIResponse, remotePath)
	}

	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return fmt.Errorf("building upload body: %w", err)
	}

	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("building upload body: %w", err)
	}

	if err := mw.Close(); err != nil {
		return fmt.Errorf("building upload body: %w", err)
	}

	if _, err := c.request(ctx, http.MethodPut, "/documents/"+url.PathEscape(docID)+"/file", buf.Bytes(), mw.FormDataContentType()); err != nil {
		return fmt.Errorf("uploading %s: %w", remotePath, err)
	}

	return nil
}

// DeleteDocument removes the document at remotePath.
func (c *Client) DeleteDocument(ctx context.Context, remotePath string) error {
	doc, err := c.resolve(ctx, remotePath)
	if err != nil {
		return err
	}

	if !doc.IsDocument() {
		return fmt.Errorf("%w: %s", apperrors.ErrNotADocument, remotePath)
	}

	if _, err := c.request(ctx, http.MethodDelete, "/documents/"+url.PathEscape(doc.ID), nil, ""); err != nil {
		return fmt.Errorf("deleting %s: %w", remotePath, err)
	}

	return nil
}

// --- Folders ---

// NewFolder creates the folder at remotePath. Its parent must exist.
func (c *Client) NewFolder(ctx context.Context, remotePath string) (string, error) {
	remotePath = strings.Trim(remotePath, "/")

	parent, err := c.resolve(ctx, path.Dir(remotePath))
	if err != nil {
		return "", err
	}

	if !parent.IsFolder() {
		return "", fmt.Errorf("parent of %s is not a folder", remotePath)
	}

	body, err := c.sendJSON(ctx, http.MethodPost, "/folders2", map[string]string{
		"folder_name":      path.Base(remotePath),
		"parent_folder_id": parent.ID,
	})
	if err != nil {
		return "", fmt.Errorf("creating folder %s: %w", remotePath, err)
	}

	id := gjson.GetBytes(body, "folder_id").String()
	if id == "" {
		return "", fmt.Errorf("%w: no folder_id for %s", apperrors.ErrAPIResponse, remotePath)
	}

	return id, nil
}

// ensureFolder returns the ID of the folder at remotePath, creating it
// and any missing ancestors.
func (c *Client) ensureFolder(ctx context.Context, remotePath string) (string, error) {
	e, err := c.resolve(ctx, remotePath)
	if err == nil {
		if !e.IsFolder() {
			return "", fmt.Errorf("%s exists and is not a folder", remotePath)
		}

		return e.ID, nil
	}

	if !errors.Is(err, apperrors.ErrEntryNotFound) {
		return "", err
	}

	parent := path.Dir(remotePath)
	if parent == "." || parent == remotePath {
		return "", err
	}

	if _, err := c.ensureFolder(ctx, parent); err != nil {
		return "", err
	}

	c.logger.Debug("creating device folder", slog.String("path", remotePath))

	return c.NewFolder(ctx, remotePath)
}

// DeleteFolder removes the folder at remotePath and its contents.
func (c *Client) DeleteFolder(ctx context.Context, remotePath string) error {
	folder, err := c.resolve(ctx, remotePath)
	if err != nil {
		return err
	}

	if !folder.IsFolder() {
		return fmt.Errorf("%s is not a folder", remotePath)
	}

	if _, err := c.request(ctx, http.MethodDelete, "/folders/"+url.PathEscape(folder.ID), nil, ""); err != nil {
		return fmt.Errorf("deleting folder %s: %w", remotePath, err)
	}

	return nil
}

// Move moves or renames the entry at oldPath to newPath. The parent of
// newPath must exist.
func (c *Client) Move(ctx context.Context, oldPath, newPath string) error {
	newPath = strings.Trim(newPath, "/")

	src, err := c.resolve(ctx, oldPath)
	if err != nil {
		return err
	}

	parent, err := c.resolve(ctx, path.Dir(newPath))
	if err != nil {
		return err
	}

	if !parent.IsFolder() {
		return fmt.Errorf("destination parent of %s is not a folder", newPath)
	}

	endpoint := "/documents/" + url.PathEscape(src.ID)
	body := map[string]string{"parent_folder_id": parent.ID, "file_name": path.Base(newPath)}

	if src.IsFolder() {
		endpoint = "/folders/" + url.PathEscape(src.ID)
		body = map[string]string{"parent_folder_id": parent.ID, "folder_name": path.Base(newPath)}
	}

	if _, err := c.sendJSON(ctx, http.MethodPut, endpoint, body); err != nil {
		return fmt.Errorf("moving %s to %s: %w", oldPath, newPath, err)
	}

	return nil
}

// --- Status ---

// Info returns the device registration information.
func (c *Client) Info(ctx context.Context) (json.RawMessage, error) {
	return c.status(ctx, "/register/information")
}

// Battery returns the device battery status.
func (c *Client) Battery(ctx context.Context) (json.RawMessage, error) {
	return c.status(ctx, "/system/status/battery")
}

// Storage returns the device storage status.
func (c *Client) Storage(ctx context.Context) (json.RawMessage, error) {
	return c.status(ctx, "/system/status/storage")
}

func (c *Client) status(ctx context.Context, endpoint string) (json.RawMessage, error) {
	body, err := c.getJSON(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", endpoint, err)
	}

	return json.RawMessage(body), nil
}
