// Package bulk splits multi-item requests into chunks sized to per-endpoint
// limits, executes them sequentially, and merges partial results and partial
// failures into one outcome.
package bulk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/dskow/findata-core/apierr"
	"github.com/dskow/findata-core/metrics"
)

// ChunkFunc executes one chunk of items against the remote service and
// returns the payload rows. The context carries the chunk's scaled timeout.
type ChunkFunc func(ctx context.Context, items []string) ([]json.RawMessage, error)

// Options control one bulk execution.
type Options struct {
	MaxPerCall      int           // endpoint-specific max items per call (>= 1)
	InterChunkDelay time.Duration // pause after each successful chunk
	FailFast        bool          // abort on the first failed chunk
	TimeoutBase     time.Duration // per-chunk timeout floor
	TimeoutPerItem  time.Duration // added per item in the chunk
	TimeoutMax      time.Duration // per-chunk timeout ceiling
}

// Result is the merged outcome of a bulk execution. In non-fail-fast mode a
// partially failed run still returns a Result (with ChunkErrors populated);
// callers must inspect the counts.
type Result struct {
	Payload      []json.RawMessage
	Requested    int
	SuccessCount int
	FailureCount int
	SuccessRate  float64
	ChunkErrors  []apierr.ChunkError
}

// Coordinator validates, chunks, executes, and merges bulk operations.
// One instance is shared by all endpoints of a client.
type Coordinator struct {
	maxItems int // absolute cap on items in one bulk request
	itemRe   *regexp.Regexp
	sleep    func(ctx context.Context, d time.Duration) error
	logger   *slog.Logger
}

// NewCoordinator creates a Coordinator. maxItems caps a single bulk request;
// itemPattern is the format every normalized item must match.
func NewCoordinator(maxItems int, itemPattern string, logger *slog.Logger) (*Coordinator, error) {
	if maxItems < 1 {
		return nil, &apierr.ConfigError{Field: "bulk.max_items", Message: "must be positive"}
	}
	re, err := regexp.Compile(itemPattern)
	if err != nil {
		return nil, &apierr.ConfigError{Field: "bulk.item_pattern", Message: fmt.Sprintf("invalid pattern: %v", err)}
	}
	return &Coordinator{
		maxItems: maxItems,
		itemRe:   re,
		sleep:    sleepCtx,
		logger:   logger,
	}, nil
}

// Execute runs the bulk operation for endpoint. Items are deduplicated and
// case-normalized before chunking; a single surviving item issues exactly one
// call. Chunks run sequentially so shared rate limiter and breaker state
// observe calls in order.
//
// Error contract: invalid input returns *apierr.ValidationError; all chunks
// failing returns *apierr.BulkError with the full per-chunk error list. In
// fail-fast mode the partial Result is returned alongside the triggering
// error. Partial failure in non-fail-fast mode is not an error.
func (c *Coordinator) Execute(ctx context.Context, items []string, endpoint string, exec ChunkFunc, opts Options) (*Result, error) {
	if opts.MaxPerCall < 1 {
		return nil, &apierr.ConfigError{Field: "bulk.max_per_call", Message: "must be positive"}
	}

	normalized, err := c.normalize(items, endpoint)
	if err != nil {
		return nil, err
	}

	res := &Result{Requested: len(normalized)}
	chunks := split(normalized, opts.MaxPerCall)

	for i, chunk := range chunks {
		rows, err := c.runChunk(ctx, chunk, exec, opts)
		if err != nil {
			res.FailureCount += len(chunk)
			res.ChunkErrors = append(res.ChunkErrors, apierr.ChunkError{Items: chunk, Err: err})
			metrics.BulkChunksTotal.WithLabelValues(endpoint, "failure").Inc()
			metrics.BulkItemsTotal.WithLabelValues(endpoint, "failure").Add(float64(len(chunk)))
			c.logger.Warn("bulk chunk failed",
				"endpoint", endpoint,
				"chunk", i+1,
				"chunks", len(chunks),
				"items", len(chunk),
				"error", err,
			)
			if opts.FailFast {
				res.finish()
				return res, err
			}
			continue
		}

		res.Payload = append(res.Payload, rows...)
		res.SuccessCount += len(chunk)
		metrics.BulkChunksTotal.WithLabelValues(endpoint, "success").Inc()
		metrics.BulkItemsTotal.WithLabelValues(endpoint, "success").Add(float64(len(chunk)))

		if opts.InterChunkDelay > 0 && i < len(chunks)-1 {
			if err := c.sleep(ctx, opts.InterChunkDelay); err != nil {
				res.finish()
				return res, err
			}
		}
	}

	if res.SuccessCount == 0 {
		return nil, &apierr.BulkError{
			Op:          endpoint,
			Requested:   res.Requested,
			ChunkErrors: res.ChunkErrors,
		}
	}

	res.finish()
	return res, nil
}

// runChunk executes one chunk under its size-scaled timeout: larger chunks
// take proportionally longer upstream.
func (c *Coordinator) runChunk(ctx context.Context, chunk []string, exec ChunkFunc, opts Options) ([]json.RawMessage, error) {
	timeout := chunkTimeout(len(chunk), opts)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return exec(ctx, chunk)
}

// chunkTimeout scales the per-call timeout by chunk size, capped at the
// configured ceiling.
func chunkTimeout(size int, opts Options) time.Duration {
	d := opts.TimeoutBase + time.Duration(size)*opts.TimeoutPerItem
	if opts.TimeoutMax > 0 && d > opts.TimeoutMax {
		d = opts.TimeoutMax
	}
	return d
}

// normalize validates the raw item list, then deduplicates and uppercases it,
// preserving first-seen order.
func (c *Coordinator) normalize(items []string, endpoint string) ([]string, error) {
	if len(items) == 0 {
		return nil, &apierr.ValidationError{Op: endpoint, Message: "item list is empty"}
	}
	if len(items) > c.maxItems {
		return nil, &apierr.ValidationError{
			Op:      endpoint,
			Message: fmt.Sprintf("too many items: %d exceeds cap of %d", len(items), c.maxItems),
		}
	}

	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	var bad []string
	for _, raw := range items {
		item := strings.ToUpper(strings.TrimSpace(raw))
		if !c.itemRe.MatchString(item) {
			bad = append(bad, raw)
			continue
		}
		if seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	if len(bad) > 0 {
		return nil, &apierr.ValidationError{Op: endpoint, Message: "malformed items", Items: bad}
	}
	return out, nil
}

// finish computes the derived counts on a completed result.
func (r *Result) finish() {
	if r.Requested > 0 {
		r.SuccessRate = float64(r.SuccessCount) / float64(r.Requested)
	}
}

// split partitions items into chunks of at most size each.
func split(items []string, size int) [][]string {
	var chunks [][]string
	for len(items) > size {
		chunks = append(chunks, items[:size])
		items = items[size:]
	}
	return append(chunks, items)
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
