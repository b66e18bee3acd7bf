package findata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dskow/findata-core/apierr"
	"github.com/dskow/findata-core/bulk"
	"github.com/dskow/findata-core/circuitbreaker"
	"github.com/dskow/findata-core/config"
	"github.com/dskow/findata-core/metrics"
	"github.com/dskow/findata-core/ratelimit"
	"github.com/dskow/findata-core/retry"
	"github.com/dskow/findata-core/transport"
)

// Client is a resilient client for the remote financial-data service. Every
// call runs through the full protection chain: retry manager outermost, then
// circuit breaker, then local rate limiter, then the transport. Safe for
// concurrent use.
type Client struct {
	transport transport.Transport
	breakers  *circuitbreaker.Registry
	limiters  *ratelimit.Registry
	retryer   *retry.Retryer
	bulk      *bulk.Coordinator
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error

	// mu guards the reloadable settings below.
	mu       sync.RWMutex
	policy   retry.Policy
	bulkOpts bulk.Options
}

// Option customizes a Client at construction.
type Option func(*clientOptions)

type clientOptions struct {
	transport transport.Transport
	logger    *slog.Logger
	store     circuitbreaker.StateStore
}

// WithTransport replaces the default HTTP transport. Used by tests and by
// callers that need custom dialing behavior.
func WithTransport(t transport.Transport) Option {
	return func(o *clientOptions) { o.transport = t }
}

// WithLogger sets the logger components emit to. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// WithBreakerStore enables circuit breaker state persistence. Without it,
// breaker state is in-memory only and resets on process restart.
func WithBreakerStore(s circuitbreaker.StateStore) Option {
	return func(o *clientOptions) { o.store = s }
}

// CallOption adjusts a single multi-symbol call.
type CallOption func(*callOptions)

type callOptions struct {
	failFast bool
}

// FailFast aborts a multi-symbol call at the first failed chunk instead of
// continuing with the remaining chunks. The partial result gathered so far is
// returned alongside the failing chunk's error.
func FailFast() CallOption {
	return func(o *callOptions) { o.failFast = true }
}

// New builds a Client from a validated configuration.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	t := o.transport
	if t == nil {
		ht, err := transport.NewHTTP(cfg.API.BaseURL, cfg.API.APIKey, cfg.API.UserAgent, o.logger)
		if err != nil {
			return nil, err
		}
		t = ht
	}

	breakers, err := circuitbreaker.NewRegistry(breakerConfig(cfg.CircuitBreaker), o.store, o.logger)
	if err != nil {
		return nil, err
	}

	limiters, err := ratelimit.NewRegistry(rateConfig(cfg.RateLimit), rateOverrides(cfg.RateOverrides), o.logger)
	if err != nil {
		return nil, err
	}

	coordinator, err := bulk.NewCoordinator(cfg.Bulk.MaxItems, symbolPattern, o.logger)
	if err != nil {
		return nil, err
	}

	policy := retryPolicy(cfg.Retry)
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	return &Client{
		transport: t,
		breakers:  breakers,
		limiters:  limiters,
		retryer:   retry.New(nil, o.logger),
		bulk:      coordinator,
		logger:    o.logger,
		sleep:     sleepCtx,
		policy:    policy,
		bulkOpts:  bulkOptions(cfg.Bulk),
	}, nil
}

// ApplyConfig applies the reloadable parts of a freshly loaded configuration:
// rate limits, retry policy, and bulk pacing. Breaker thresholds and the
// transport are fixed at construction. Intended as a config.Reloader callback.
func (c *Client) ApplyConfig(cfg *config.Config) error {
	policy := retryPolicy(cfg.Retry)
	if err := policy.Validate(); err != nil {
		return err
	}

	if err := c.limiters.UpdateConfig(rateConfig(cfg.RateLimit), rateOverrides(cfg.RateOverrides)); err != nil {
		return err
	}

	c.mu.Lock()
	c.policy = policy
	c.bulkOpts = bulkOptions(cfg.Bulk)
	c.mu.Unlock()

	c.logger.Info("client configuration applied",
		"max_attempts", policy.MaxAttempts,
		"backoff", string(policy.Backoff),
	)
	return nil
}

// BreakerSnapshots returns a diagnostic view of every circuit breaker the
// client has created so far.
func (c *Client) BreakerSnapshots() []circuitbreaker.Snapshot {
	return c.breakers.Snapshots()
}

// LimiterSnapshots returns a diagnostic view of every rate limiter the client
// has created so far.
func (c *Client) LimiterSnapshots() []ratelimit.Snapshot {
	return c.limiters.Snapshots()
}

// ResetBreakers forces every breaker back to closed. Operator escape hatch
// after a known upstream incident has been resolved.
func (c *Client) ResetBreakers() {
	c.breakers.ResetAll()
}

// Quote fetches the real-time quote for one symbol.
func (c *Client) Quote(ctx context.Context, symbol string) (*Quote, error) {
	quotes, _, err := c.Quotes(ctx, []string{symbol})
	if err != nil {
		return nil, unwrapSingle(err)
	}
	if len(quotes) == 0 {
		return nil, &apierr.ValidationError{Op: epQuote.name, Message: fmt.Sprintf("no data for %q", symbol)}
	}
	return &quotes[0], nil
}

// Quotes fetches real-time quotes for many symbols, chunked to the endpoint's
// per-call limit. The bulk.Result carries per-chunk failure detail; by
// default a partial failure returns the successful rows plus a Result whose
// counts the caller must inspect, while FailFast() aborts at the first failed
// chunk.
func (c *Client) Quotes(ctx context.Context, symbols []string, opts ...CallOption) ([]Quote, *bulk.Result, error) {
	res, err := c.executeBulk(ctx, epQuote, symbols, opts...)
	if err != nil {
		return nil, res, err
	}
	quotes, err := decodeRows[Quote](res.Payload)
	if err != nil {
		return nil, res, &apierr.TransientError{Op: epQuote.name, Err: fmt.Errorf("decoding rows: %w", err)}
	}
	return quotes, res, nil
}

// Profile fetches the company profile for one symbol.
func (c *Client) Profile(ctx context.Context, symbol string) (*Profile, error) {
	profiles, _, err := c.Profiles(ctx, []string{symbol})
	if err != nil {
		return nil, unwrapSingle(err)
	}
	if len(profiles) == 0 {
		return nil, &apierr.ValidationError{Op: epProfile.name, Message: fmt.Sprintf("no data for %q", symbol)}
	}
	return &profiles[0], nil
}

// Profiles fetches company profiles for many symbols, chunked to the
// endpoint's per-call limit. FailFast() aborts at the first failed chunk.
func (c *Client) Profiles(ctx context.Context, symbols []string, opts ...CallOption) ([]Profile, *bulk.Result, error) {
	res, err := c.executeBulk(ctx, epProfile, symbols, opts...)
	if err != nil {
		return nil, res, err
	}
	profiles, err := decodeRows[Profile](res.Payload)
	if err != nil {
		return nil, res, &apierr.TransientError{Op: epProfile.name, Err: fmt.Errorf("decoding rows: %w", err)}
	}
	return profiles, res, nil
}

// HistoricalPrices fetches daily OHLCV history for one symbol. Zero from/to
// values are omitted, letting the service apply its default range.
func (c *Client) HistoricalPrices(ctx context.Context, symbol string, from, to time.Time) ([]HistoricalBar, error) {
	sym, err := c.normalizeOne(symbol, epHistorical.name)
	if err != nil {
		return nil, err
	}

	req := &transport.Request{Path: epHistorical.path + "/" + sym}
	q := map[string][]string{}
	if !from.IsZero() {
		q["from"] = []string{from.Format("2006-01-02")}
	}
	if !to.IsZero() {
		q["to"] = []string{to.Format("2006-01-02")}
	}
	if len(q) > 0 {
		req.Query = q
	}

	resp, err := c.call(ctx, epHistorical, req)
	if err != nil {
		return nil, err
	}

	var env historicalEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, &apierr.TransientError{Op: epHistorical.name, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return env.Historical, nil
}

// Search finds symbols matching a free-text query. limit caps the result
// count; zero means the service default.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &apierr.ValidationError{Op: epSearch.name, Message: "query is empty"}
	}

	req := &transport.Request{
		Path:  epSearch.path,
		Query: map[string][]string{"query": {query}},
	}
	if limit > 0 {
		req.Query["limit"] = []string{fmt.Sprintf("%d", limit)}
	}

	resp, err := c.call(ctx, epSearch, req)
	if err != nil {
		return nil, err
	}

	var results []SearchResult
	if err := json.Unmarshal(resp.Body, &results); err != nil {
		return nil, &apierr.TransientError{Op: epSearch.name, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return results, nil
}

// executeBulk runs a multi-symbol fetch through the bulk coordinator. Each
// chunk is one protected call; the endpoint's response is a JSON array whose
// rows merge into the result payload.
func (c *Client) executeBulk(ctx context.Context, ep endpointSpec, symbols []string, callOpts ...CallOption) (*bulk.Result, error) {
	var co callOptions
	for _, opt := range callOpts {
		opt(&co)
	}

	opts := c.currentBulkOpts()
	opts.MaxPerCall = ep.maxPerCall
	opts.FailFast = co.failFast

	exec := func(ctx context.Context, items []string) ([]json.RawMessage, error) {
		req := &transport.Request{Path: ep.path + "/" + strings.Join(items, ",")}
		resp, err := c.call(ctx, ep, req)
		if err != nil {
			return nil, err
		}
		var rows []json.RawMessage
		if err := json.Unmarshal(resp.Body, &rows); err != nil {
			return nil, &apierr.TransientError{Op: ep.name, Err: fmt.Errorf("decoding response: %w", err)}
		}
		return rows, nil
	}

	return c.bulk.Execute(ctx, symbols, ep.name, exec, opts)
}

// call runs one request through the protection chain. The retry manager is
// outermost so an open circuit — classified fatal — is returned immediately
// and never consumes a retry attempt or backoff sleep.
func (c *Client) call(ctx context.Context, ep endpointSpec, req *transport.Request) (*transport.Response, error) {
	breaker := c.breakers.GetOrCreate(ep.name)
	limiter := c.limiters.GetOrCreate(ep.category)
	policy := c.currentPolicy()

	var resp *transport.Response
	err := c.retryer.Do(ctx, ep.name, policy, func(ctx context.Context) error {
		return breaker.Do(func() error {
			if err := c.awaitAdmission(ctx, limiter); err != nil {
				return err
			}

			start := time.Now()
			r, err := c.transport.Invoke(ctx, req)
			metrics.RequestDuration.WithLabelValues(ep.name).Observe(time.Since(start).Seconds())
			if err != nil {
				metrics.RequestsTotal.WithLabelValues(ep.name, outcomeLabel(err)).Inc()
				return err
			}
			metrics.RequestsTotal.WithLabelValues(ep.name, "success").Inc()
			resp = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// awaitAdmission loops on the rate limiter until a slot is granted, sleeping
// the limiter's wait hint between checks. Waiting consumes no limiter state,
// so a caller that gives up (context cancelled) leaves nothing to roll back.
func (c *Client) awaitAdmission(ctx context.Context, l *ratelimit.Limiter) error {
	for {
		wait := l.CheckAndReserve()
		if wait == 0 {
			return nil
		}
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// normalizeOne validates and uppercases a single symbol for the non-bulk
// endpoints, using the same format rule the bulk coordinator applies.
func (c *Client) normalizeOne(symbol, op string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	if !symbolRe.MatchString(sym) {
		return "", &apierr.ValidationError{Op: op, Message: "malformed symbol", Items: []string{symbol}}
	}
	return sym, nil
}

func (c *Client) currentPolicy() retry.Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy
}

func (c *Client) currentBulkOpts() bulk.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bulkOpts
}

// unwrapSingle strips the all-chunks-failed envelope when a bulk request
// carried exactly one chunk, so the single-symbol helpers surface the cause
// directly instead of a one-entry BulkError.
func unwrapSingle(err error) error {
	var bulkErr *apierr.BulkError
	if errors.As(err, &bulkErr) && len(bulkErr.ChunkErrors) == 1 {
		return bulkErr.ChunkErrors[0].Err
	}
	return err
}

// outcomeLabel maps an error to its metric outcome label. Taxonomy errors use
// their stable code; anything else (context cancellation, mostly) is "other".
func outcomeLabel(err error) string {
	if code := apierr.CodeOf(err); code != "" {
		return string(code)
	}
	return "other"
}

func breakerConfig(cfg config.CircuitBreakerConfig) circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold: cfg.FailureThreshold,
		RecoveryTimeout:  cfg.RecoveryTimeout,
		SuccessThreshold: cfg.SuccessThreshold,
		HalfOpenMax:      cfg.HalfOpenMax,
	}
}

func rateConfig(cfg config.RateLimitConfig) ratelimit.Config {
	return ratelimit.Config{
		MaxRequests: cfg.MaxRequests,
		Window:      cfg.Window,
		Strategy:    ratelimit.Strategy(cfg.Strategy),
		Burst:       cfg.Burst,
		Disabled:    cfg.Disabled,
	}
}

func rateOverrides(overrides map[string]config.RateLimitConfig) map[string]ratelimit.Config {
	if len(overrides) == 0 {
		return nil
	}
	out := make(map[string]ratelimit.Config, len(overrides))
	for k, v := range overrides {
		out[k] = rateConfig(v)
	}
	return out
}

func retryPolicy(cfg config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     retry.Backoff(cfg.Backoff),
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		Jitter:      cfg.JitterEnabled(),
		Multiplier:  cfg.Multiplier,
	}
}

func bulkOptions(cfg config.BulkConfig) bulk.Options {
	return bulk.Options{
		InterChunkDelay: cfg.InterChunkDelay,
		TimeoutBase:     cfg.TimeoutBase,
		TimeoutPerItem:  cfg.TimeoutPerItem,
		TimeoutMax:      cfg.TimeoutMax,
	}
}

// sleepCtx blocks for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
