package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-outbound/core"
)

const (
	defaultClientTimeout            = 10 * time.Second
	defaultResponseBodyLimit  int64 = 1 << 20
	IdempotencyKeyHeader            = "Idempotency-Key"
	defaultSendPath                 = "/messages"
	defaultLookupPathTemplate       = "/messages/%s"
)

// TransientError is returned for provider 5xx responses and transport
// failures.
type TransientError = core.TransientProviderError

var ErrMissingProviderMessageID = errors.New("provider: response did not include a message id")

type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the delivery provider REST API.
type Client struct {
	BaseURL              string
	Token                string
	HTTP                 HTTPDoer
	DefaultHeaders       map[string]string
	MaxResponseBodyBytes int64
	Timeout              time.Duration
}

func NewClient(cfg core.ProviderConfig, doer HTTPDoer) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	if doer == nil {
		doer = &http.Client{Timeout: timeout}
	}
	return &Client{
		BaseURL:              strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		Token:                strings.TrimSpace(cfg.Token),
		HTTP:                 doer,
		DefaultHeaders:       map[string]string{},
		MaxResponseBodyBytes: defaultResponseBodyLimit,
		Timeout:              timeout,
	}
}

type sendRequest struct {
	TenantID  string `json:"tenant_id"`
	MessageID string `json:"message_id"`
}

type sendResponse struct {
	MessageID         string `json:"MessageID"`
	ProviderMessageID string `json:"message_id"`
	EventID           string `json:"event_id"`
	ErrorCode         int    `json:"ErrorCode"`
	Message           string `json:"Message"`
}

type lookupResponse struct {
	TenantID string `json:"tenant_id"`
	Metadata struct {
		TenantID string `json:"tenant_id"`
	} `json:"Metadata"`
}

// Send submits one message. The idempotency key is derived from the
// tenant and message id so provider-side dedupe matches ours.
func (c *Client) Send(ctx context.Context, tenantID string, messageID string) (core.ProviderSendResult, error) {
	tenantID = strings.TrimSpace(tenantID)
	messageID = strings.TrimSpace(messageID)
	if tenantID == "" || messageID == "" {
		return core.ProviderSendResult{}, providerError(
			"provider: tenant id and message id are required",
			goerrors.CategoryBadInput,
			http.StatusBadRequest,
			nil,
		)
	}
	body, err := json.Marshal(sendRequest{TenantID: tenantID, MessageID: messageID})
	if err != nil {
		return core.ProviderSendResult{}, err
	}
	status, payload, err := c.do(ctx, http.MethodPost, defaultSendPath, body, map[string]string{
		IdempotencyKeyHeader: tenantID + ":" + messageID,
	})
	if err != nil {
		return core.ProviderSendResult{}, err
	}
	if status >= http.StatusInternalServerError {
		return core.ProviderSendResult{}, &TransientError{
			StatusCode: status,
			Err:        fmt.Errorf("provider: send returned %d: %s", status, snippet(payload)),
		}
	}
	if status < 200 || status > 299 {
		return core.ProviderSendResult{}, providerError(
			fmt.Sprintf("provider: send rejected with status %d", status),
			goerrors.CategoryExternal,
			http.StatusBadGateway,
			map[string]any{"status_code": status, "body": snippet(payload)},
		)
	}

	var decoded sendResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return core.ProviderSendResult{}, fmt.Errorf("provider: decode send response: %w", err)
	}
	if decoded.ErrorCode != 0 {
		return core.ProviderSendResult{}, providerError(
			fmt.Sprintf("provider: send error %d: %s", decoded.ErrorCode, decoded.Message),
			goerrors.CategoryExternal,
			http.StatusBadGateway,
			map[string]any{"error_code": decoded.ErrorCode},
		)
	}
	providerMessageID := strings.TrimSpace(decoded.MessageID)
	if providerMessageID == "" {
		providerMessageID = strings.TrimSpace(decoded.ProviderMessageID)
	}
	if providerMessageID == "" {
		return core.ProviderSendResult{}, ErrMissingProviderMessageID
	}
	return core.ProviderSendResult{
		ProviderMessageID: providerMessageID,
		ProviderEventID:   strings.TrimSpace(decoded.EventID),
	}, nil
}

// LookupByProviderMessageID resolves the owning tenant. A 404 is reported
// as found=false.
func (c *Client) LookupByProviderMessageID(ctx context.Context, providerMessageID string) (string, bool, error) {
	providerMessageID = strings.TrimSpace(providerMessageID)
	if providerMessageID == "" {
		return "", false, nil
	}
	path := fmt.Sprintf(defaultLookupPathTemplate, url.PathEscape(providerMessageID))
	status, payload, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return "", false, err
	}
	switch {
	case status == http.StatusNotFound:
		return "", false, nil
	case status >= http.StatusInternalServerError:
		return "", false, &TransientError{
			StatusCode: status,
			Err:        fmt.Errorf("provider: lookup returned %d", status),
		}
	case status < 200 || status > 299:
		return "", false, providerError(
			fmt.Sprintf("provider: lookup rejected with status %d", status),
			goerrors.CategoryExternal,
			http.StatusBadGateway,
			map[string]any{"status_code": status},
		)
	}
	var decoded lookupResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", false, fmt.Errorf("provider: decode lookup response: %w", err)
	}
	tenantID := strings.TrimSpace(decoded.TenantID)
	if tenantID == "" {
		tenantID = strings.TrimSpace(decoded.Metadata.TenantID)
	}
	if tenantID == "" {
		return "", false, nil
	}
	return tenantID, true, nil
}

func (c *Client) do(
	ctx context.Context,
	method string,
	path string,
	body []byte,
	headers map[string]string,
) (int, []byte, error) {
	if c == nil || c.HTTP == nil {
		return 0, nil, providerError("provider: client requires an http doer", goerrors.CategoryInternal, http.StatusInternalServerError, nil)
	}
	if c.BaseURL == "" {
		return 0, nil, providerError("provider: base url is required", goerrors.CategoryBadInput, http.StatusBadRequest, nil)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	requestCtx := ctx
	cancel := func() {}
	if c.Timeout > 0 {
		requestCtx, cancel = context.WithTimeout(ctx, c.Timeout)
	}
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(requestCtx, method, c.BaseURL+path, reader)
	if err != nil {
		return 0, nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "provider: create http request").
			WithCode(http.StatusBadRequest).
			WithTextCode(core.ErrorBadInput)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	for key, value := range c.DefaultHeaders {
		if strings.TrimSpace(key) != "" {
			req.Header.Set(strings.TrimSpace(key), strings.TrimSpace(value))
		}
	}
	for key, value := range headers {
		if strings.TrimSpace(key) != "" {
			req.Header.Set(strings.TrimSpace(key), strings.TrimSpace(value))
		}
	}

	res, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, &TransientError{Err: err}
	}
	defer res.Body.Close()

	limit := c.MaxResponseBodyBytes
	if limit <= 0 {
		limit = defaultResponseBodyLimit
	}
	payload, err := io.ReadAll(io.LimitReader(res.Body, limit+1))
	if err != nil {
		return 0, nil, &TransientError{StatusCode: res.StatusCode, Err: err}
	}
	if int64(len(payload)) > limit {
		return 0, nil, providerError(
			fmt.Sprintf("provider: response body exceeds limit of %d bytes", limit),
			goerrors.CategoryExternal,
			http.StatusBadGateway,
			map[string]any{"status_code": res.StatusCode},
		)
	}
	return res.StatusCode, payload, nil
}

func providerError(message string, category goerrors.Category, code int, metadata map[string]any) error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(core.ErrorProviderFailed)
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

func snippet(payload []byte) string {
	const maxSnippet = 256
	text := strings.TrimSpace(string(payload))
	if len(text) > maxSnippet {
		return text[:maxSnippet]
	}
	return text
}

var _ core.ProviderClient = (*Client)(nil)
