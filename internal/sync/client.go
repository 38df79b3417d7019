package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/ledgersync/internal/errors"
	"github.com/kimhsiao/ledgersync/internal/logging"
	"github.com/kimhsiao/ledgersync/internal/models"
	"github.com/kimhsiao/ledgersync/internal/uuid"
)

// HTTPClient talks JSON to the ledger server.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewHTTPClient creates a client for baseURL authenticated with token.
func NewHTTPClient(baseURL, token string, httpClient *http.Client) *HTTPClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 2,
		baseDelay:  500 * time.Millisecond,
		maxDelay:   5 * time.Second,
	}
}

// SetRetry overrides the retry budget and the first backoff step.
func (c *HTTPClient) SetRetry(maxRetries int, baseDelay time.Duration) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	c.maxRetries = maxRetries
	c.baseDelay = baseDelay
}

// Token returns the bearer token.
func (c *HTTPClient) Token() string {
	return c.token
}

// Create implements Remote.
func (c *HTTPClient) Create(ctx context.Context, rec models.Record) (models.Record, error) {
	out, err := models.NewRecord(rec.Kind())
	if err != nil {
		return nil, err
	}
	err = c.doJSON(ctx, http.MethodPost, "/"+string(rec.Kind()), rec, out)

	var dup *duplicateError
	if errors.As(err, &dup) {
		existing, decodeErr := decodeConflict(rec.Kind(), dup.payload)
		if decodeErr != nil {
			return nil, apperrors.Wrap(apperrors.ErrSyncFailed, "failed to decode conflict body", decodeErr)
		}
		return existing, &ConflictError{Kind: rec.Kind(), CID: rec.Meta().CID, Existing: existing}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Update implements Remote.
func (c *HTTPClient) Update(ctx context.Context, rec models.Record) (models.Record, error) {
	m := rec.Meta()
	if m.ServerID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "update requires a server id")
	}
	out, err := models.NewRecord(rec.Kind())
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("/%s/%s", rec.Kind(), url.PathEscape(m.ServerID))
	if err := c.doJSON(ctx, http.MethodPut, path, rec, out); err != nil {
		return nil, updateError(err)
	}
	return out, nil
}

// UpdateEntryStatus implements Remote.
func (c *HTTPClient) UpdateEntryStatus(ctx context.Context, serverID string, update models.StatusUpdate) (*models.Entry, error) {
	var out models.Entry
	path := fmt.Sprintf("/%s/%s/status", models.KindEntry, url.PathEscape(serverID))
	if err := c.doJSON(ctx, http.MethodPut, path, update, &out); err != nil {
		return nil, updateError(err)
	}
	return &out, nil
}

// List implements Remote. Records that fail to decode are skipped and
// counted so one bad row never blocks the page.
func (c *HTTPClient) List(ctx context.Context, kind models.Kind, q ListQuery) (*ListResult, error) {
	params := url.Values{}
	if q.OwnerID != "" {
		params.Set("ownerId", q.OwnerID)
	}
	params.Set("since", strconv.FormatInt(q.Since, 10))
	params.Set("page", strconv.Itoa(q.Page))
	params.Set("limit", strconv.Itoa(q.Limit))

	var page struct {
		Data  []json.RawMessage `json:"data"`
		Total int               `json:"total"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/"+string(kind)+"?"+params.Encode(), nil, &page); err != nil {
		return nil, err
	}

	result := &ListResult{Total: page.Total}
	for _, raw := range page.Data {
		rec, err := models.NewRecord(kind)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, rec); err != nil {
			result.Skipped++
			logging.Warn("skipping undecodable remote record", map[string]interface{}{
				"kind":    kind,
				"error":   err.Error(),
				"payload": string(raw),
			})
			continue
		}
		result.Records = append(result.Records, rec)
	}
	return result, nil
}

// Health implements Remote. It is a single attempt; the caller owns the timeout.
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/health", "", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrNetwork, "health probe failed", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperrors.New(apperrors.ErrNetwork, fmt.Sprintf("health probe returned %d", resp.StatusCode))
	}
	return nil
}

// Upload posts a media blob as multipart/form-data to /media.
func (c *HTTPClient) Upload(ctx context.Context, req models.UploadRequest) (*models.UploadResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("ownerId", req.OwnerID)
	_ = mw.WriteField("cid", req.CID)
	part, err := mw.CreateFormFile("file", req.CID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMediaUploadFailed, "failed to build upload body", err)
	}
	if _, err := io.Copy(part, req.Body); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMediaUploadFailed, "failed to read blob", err)
	}
	if err := mw.Close(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMediaUploadFailed, "failed to build upload body", err)
	}

	var out models.UploadResult
	status, payload, err := c.send(ctx, http.MethodPost, "/media", mw.FormDataContentType(), buf.Bytes(), req.Progress)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMediaUploadFailed, "media upload failed", err)
	}
	if status < 200 || status > 299 {
		return nil, apperrors.Wrap(apperrors.ErrMediaUploadFailed, "media upload rejected", httpError(status, payload))
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrMediaUploadFailed, "failed to decode upload response", err)
	}
	return &out, nil
}

// duplicateError is the internal form of a 409 before it is decoded.
type duplicateError struct {
	payload []byte
}

func (e *duplicateError) Error() string { return "http 409: duplicate" }

// updateError turns a 409 on an update into a plain HTTPError; only creates
// carry an adoptable record.
func updateError(err error) error {
	var dup *duplicateError
	if errors.As(err, &dup) {
		return httpError(http.StatusConflict, dup.payload)
	}
	return err
}

func decodeConflict(kind models.Kind, payload []byte) (models.Record, error) {
	rec, err := models.NewRecord(kind)
	if err != nil {
		return nil, err
	}
	var body struct {
		Record json.RawMessage `json:"record"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, err
	}
	if len(body.Record) == 0 {
		return nil, fmt.Errorf("conflict response carries no record")
	}
	if err := json.Unmarshal(body.Record, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body, out interface{}) error {
	var bodyBytes []byte
	contentType := ""
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrValidation, "failed to encode request", err)
		}
		contentType = "application/json"
	}

	status, payload, err := c.send(ctx, method, requestPath, contentType, bodyBytes, nil)
	if err != nil {
		return err
	}
	switch {
	case status >= 200 && status <= 299:
		if out == nil || len(payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return apperrors.Wrap(apperrors.ErrSyncFailed, "failed to decode response", err)
		}
		return nil
	case status == http.StatusConflict:
		return &duplicateError{payload: payload}
	}
	return httpError(status, payload)
}

// send performs the request, retrying dispatch failures, 429 and 5xx with
// exponential backoff. The final non-retryable status is returned as-is.
func (c *HTTPClient) send(ctx context.Context, method, requestPath, contentType string, body []byte, progress func(sent, total int64)) (int, []byte, error) {
	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
			if progress != nil {
				reader = &progressReader{r: reader, total: int64(len(body)), fn: progress}
			}
		}
		req, err := c.newRequest(ctx, method, requestPath, contentType, reader)
		if err != nil {
			return 0, nil, err
		}
		if body != nil {
			req.ContentLength = int64(len(body))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return 0, nil, ctx.Err()
			}
			if attempt < c.maxRetries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return 0, nil, waitErr
				}
				continue
			}
			return 0, nil, apperrors.Wrap(apperrors.ErrNetwork, method+" "+requestPath+" failed", err)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return 0, nil, apperrors.Wrap(apperrors.ErrNetwork, "failed to read response", readErr)
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if retryable && attempt < c.maxRetries {
			logging.Debug("retrying request", map[string]interface{}{
				"method":  method,
				"path":    requestPath,
				"status":  resp.StatusCode,
				"attempt": attempt + 1,
			})
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return 0, nil, waitErr
			}
			continue
		}
		return resp.StatusCode, payload, nil
	}
}

func (c *HTTPClient) newRequest(ctx context.Context, method, requestPath, contentType string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, body)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to build request", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("X-Request-Id", uuid.NewRequestID())
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

func httpError(status int, payload []byte) *HTTPError {
	var body struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.Unmarshal(payload, &body)
	msg := body.Message
	if msg == "" {
		msg = body.Error
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &HTTPError{StatusCode: status, Code: body.Code, Message: msg}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    func(sent, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.fn(p.sent, p.total)
	}
	return n, err
}
