package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dskow/findata-core/apierr"
)

// maxBodyBytes caps how much of a response body is read into memory.
const maxBodyBytes = 16 << 20 // 16 MB

// HTTPTransport is the default Transport. It authenticates with an API-key
// query parameter, the scheme the remote financial-data service uses.
type HTTPTransport struct {
	base      *url.URL
	apiKey    string
	client    *http.Client
	userAgent string
	logger    *slog.Logger
}

// NewHTTP creates an HTTPTransport for the given base URL. The http.Client's
// own timeout is left zero — per-call deadlines arrive via context.
func NewHTTP(baseURL, apiKey, userAgent string, logger *slog.Logger) (*HTTPTransport, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, &apierr.ConfigError{Field: "api.base_url", Message: fmt.Sprintf("invalid URL: %v", err)}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &apierr.ConfigError{Field: "api.base_url", Message: fmt.Sprintf("scheme must be http or https, got %q", u.Scheme)}
	}
	if u.Host == "" {
		return nil, &apierr.ConfigError{Field: "api.base_url", Message: "host is required"}
	}
	if apiKey == "" {
		return nil, &apierr.ConfigError{Field: "api.api_key", Message: "is required"}
	}
	return &HTTPTransport{
		base:      u,
		apiKey:    apiKey,
		client:    &http.Client{},
		userAgent: userAgent,
		logger:    logger,
	}, nil
}

// Invoke performs the HTTP call and classifies the outcome. The context
// deadline (set by the caller from chunk size) bounds the whole exchange;
// exceeding it is a transient, retryable failure.
func (t *HTTPTransport) Invoke(ctx context.Context, req *Request) (*Response, error) {
	u := *t.base
	u.Path = strings.TrimRight(u.Path, "/") + req.Path

	q := u.Query()
	for k, vals := range req.Query {
		for _, v := range vals {
			q.Add(k, v)
		}
	}
	q.Set("apikey", t.apiKey)
	u.RawQuery = q.Encode()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, &apierr.ValidationError{Op: req.Path, Message: fmt.Sprintf("building request: %v", err)}
	}
	if t.userAgent != "" {
		httpReq.Header.Set("User-Agent", t.userAgent)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, classifyNetErr(req.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &apierr.TransientError{Op: req.Path, Err: err}
	}

	if err := classifyStatus(req.Path, resp); err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// classifyNetErr maps transport-level failures. Context cancellation keeps
// its own identity so callers can distinguish "caller gave up" from "network
// flaked"; everything else at this layer — timeouts included — is transient.
func classifyNetErr(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return &apierr.TransientError{Op: op, Err: err}
}

// classifyStatus maps non-2xx statuses into the taxonomy.
func classifyStatus(op string, resp *http.Response) error {
	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &apierr.AuthError{Op: op, Status: status}
	case status == http.StatusTooManyRequests:
		return &apierr.RateLimitedError{Op: op, RetryAfter: retryAfter(resp.Header)}
	case status >= 500:
		return &apierr.ServerError{Op: op, Status: status}
	default:
		// Remaining 4xx: the request itself was wrong.
		return &apierr.ValidationError{Op: op, Message: fmt.Sprintf("rejected by remote (status %d)", status)}
	}
}

// retryAfter parses a Retry-After header given in seconds. HTTP-date values
// are rare from this service and are ignored.
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
