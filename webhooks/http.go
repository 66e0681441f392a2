package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/goliatone/go-outbound/core"
)

const DefaultMaxBodyBytes int64 = 1 << 20

type Ingester interface {
	Ingest(ctx context.Context, req core.InboundRequest) (core.InboundResult, error)
}

type HandlerOptions struct {
	MaxBodyBytes int64
	// TrustForwardedFor takes the client address from X-Forwarded-For. Only
	// enable behind a proxy that overwrites the header.
	TrustForwardedFor bool
	// TenantParam names a query parameter carrying a tenant hint.
	TenantParam string
	Now         func() time.Time
}

type handler struct {
	ingester Ingester
	opts     HandlerOptions
}

// NewHTTPHandler exposes an Ingester over HTTP. The raw body is passed
// through untouched so signatures can be checked over the exact bytes.
func NewHTTPHandler(ingester Ingester, opts HandlerOptions) http.Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	return &handler{ingester: ingester, opts: opts}
}

type responseBody struct {
	Accepted bool           `json:"accepted"`
	Error    string         `json:"error,omitempty"`
	Code     string         `json:"code,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, responseBody{Error: "method not allowed"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, responseBody{Error: "payload too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, responseBody{Error: "read body failed"})
		return
	}

	req := core.InboundRequest{
		SourceIP:   h.sourceIP(r),
		Headers:    flattenHeaders(r.Header),
		Body:       body,
		ReceivedAt: h.now(),
		Metadata:   map[string]any{},
	}
	if param := strings.TrimSpace(h.opts.TenantParam); param != "" {
		if tenant := strings.TrimSpace(r.URL.Query().Get(param)); tenant != "" {
			req.Metadata["tenant_id"] = tenant
		}
	}

	result, err := h.ingester.Ingest(r.Context(), req)
	status := result.StatusCode
	if status == 0 {
		status = http.StatusOK
		if err != nil {
			status = http.StatusInternalServerError
		}
	}
	response := responseBody{Accepted: result.Accepted, Metadata: result.Metadata}
	if err != nil {
		mapped := core.MapError(err)
		response.Code = mapped.TextCode
		// Rejections carry no detail back to the caller.
		response.Error = http.StatusText(status)
	}
	writeJSON(w, status, response)
}

func (h *handler) sourceIP(r *http.Request) string {
	if h.opts.TrustForwardedFor {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

func (h *handler) now() time.Time {
	if h.opts.Now != nil {
		return h.opts.Now().UTC()
	}
	return time.Now().UTC()
}

func flattenHeaders(headers http.Header) map[string]string {
	flat := make(map[string]string, len(headers))
	for key, values := range headers {
		flat[key] = strings.Join(values, ",")
	}
	return flat
}

func writeJSON(w http.ResponseWriter, status int, body responseBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
