package bulk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dskow/findata-core/apierr"
	"github.com/dskow/findata-core/metrics"
)

func init() {
	metrics.Init()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testPattern = `^[A-Z0-9.\-^=]{1,20}$`

func newTestCoordinator(t *testing.T, maxItems int) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(maxItems, testPattern, testLogger())
	if err != nil {
		t.Fatalf("NewCoordinator() error: %v", err)
	}
	return c
}

func symbols(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("SYM%04d", i)
	}
	return out
}

// echoExec returns one row per item.
func echoExec(_ context.Context, items []string) ([]json.RawMessage, error) {
	rows := make([]json.RawMessage, len(items))
	for i, it := range items {
		rows[i] = json.RawMessage(fmt.Sprintf("{%q:%q}", "symbol", it))
	}
	return rows, nil
}

func opts(maxPerCall int) Options {
	return Options{MaxPerCall: maxPerCall, TimeoutBase: time.Second, TimeoutPerItem: 10 * time.Millisecond, TimeoutMax: 5 * time.Second}
}

func TestExecuteChunksToCeilKOverL(t *testing.T) {
	c := newTestCoordinator(t, 500)

	tests := []struct {
		items, limit, wantChunks int
	}{
		{75, 30, 3},
		{30, 30, 1},
		{31, 30, 2},
		{1, 30, 1},
		{100, 1, 100},
	}
	for _, tt := range tests {
		var sizes []int
		exec := func(ctx context.Context, items []string) ([]json.RawMessage, error) {
			sizes = append(sizes, len(items))
			return echoExec(ctx, items)
		}
		res, err := c.Execute(context.Background(), symbols(tt.items), "quote", exec, opts(tt.limit))
		if err != nil {
			t.Fatalf("%d/%d: Execute() error: %v", tt.items, tt.limit, err)
		}
		if len(sizes) != tt.wantChunks {
			t.Fatalf("%d/%d: %d chunks, want %d", tt.items, tt.limit, len(sizes), tt.wantChunks)
		}
		if res.SuccessCount != tt.items || len(res.Payload) != tt.items {
			t.Fatalf("%d/%d: SuccessCount = %d, payload = %d", tt.items, tt.limit, res.SuccessCount, len(res.Payload))
		}
	}
}

func TestExecutePartialFailureScenario(t *testing.T) {
	// 75 items, limit 30, failFast off, second chunk fails: the result merges
	// the surviving 45 with one chunk error carrying the failed 30.
	c := newTestCoordinator(t, 500)

	chunkN := 0
	serverErr := &apierr.ServerError{Op: "quote", Status: 502}
	exec := func(ctx context.Context, items []string) ([]json.RawMessage, error) {
		chunkN++
		if chunkN == 2 {
			return nil, serverErr
		}
		return echoExec(ctx, items)
	}

	res, err := c.Execute(context.Background(), symbols(75), "quote", exec, opts(30))
	if err != nil {
		t.Fatalf("partial failure must not be an error in non-fail-fast mode, got %v", err)
	}
	if res.Requested != 75 {
		t.Fatalf("Requested = %d, want 75", res.Requested)
	}
	if res.SuccessCount != 45 {
		t.Fatalf("SuccessCount = %d, want 45", res.SuccessCount)
	}
	if res.FailureCount != 30 {
		t.Fatalf("FailureCount = %d, want 30", res.FailureCount)
	}
	if res.SuccessRate != 0.6 {
		t.Fatalf("SuccessRate = %v, want 0.6", res.SuccessRate)
	}
	if len(res.ChunkErrors) != 1 {
		t.Fatalf("%d chunk errors, want 1", len(res.ChunkErrors))
	}
	ce := res.ChunkErrors[0]
	if len(ce.Items) != 30 {
		t.Fatalf("chunk error carries %d items, want 30", len(ce.Items))
	}
	if !errors.Is(ce.Err, serverErr) {
		t.Fatalf("chunk error cause = %v", ce.Err)
	}
	if len(res.Payload) != 45 {
		t.Fatalf("payload rows = %d, want 45", len(res.Payload))
	}
}

func TestExecuteFailFastAbortsWithPartialResult(t *testing.T) {
	c := newTestCoordinator(t, 500)

	chunkN := 0
	serverErr := &apierr.ServerError{Op: "quote", Status: 502}
	exec := func(ctx context.Context, items []string) ([]json.RawMessage, error) {
		chunkN++
		if chunkN == 2 {
			return nil, serverErr
		}
		return echoExec(ctx, items)
	}

	o := opts(30)
	o.FailFast = true
	res, err := c.Execute(context.Background(), symbols(75), "quote", exec, o)
	if !errors.Is(err, serverErr) {
		t.Fatalf("fail-fast must surface the chunk error, got %v", err)
	}
	if chunkN != 2 {
		t.Fatalf("executed %d chunks, want 2 (third chunk skipped)", chunkN)
	}
	if res == nil || res.SuccessCount != 30 {
		t.Fatalf("partial result should carry the first chunk, got %+v", res)
	}
}

func TestExecuteAllChunksFailedReturnsBulkError(t *testing.T) {
	c := newTestCoordinator(t, 500)
	exec := func(context.Context, []string) ([]json.RawMessage, error) {
		return nil, &apierr.TransientError{Op: "quote", Err: errors.New("down")}
	}

	res, err := c.Execute(context.Background(), symbols(75), "quote", exec, opts(30))
	if res != nil {
		t.Fatalf("total failure should return a nil result, got %+v", res)
	}
	var bulkErr *apierr.BulkError
	if !errors.As(err, &bulkErr) {
		t.Fatalf("got %T, want *apierr.BulkError", err)
	}
	if bulkErr.Requested != 75 || len(bulkErr.ChunkErrors) != 3 {
		t.Fatalf("BulkError{Requested: %d, chunks: %d}, want 75/3", bulkErr.Requested, len(bulkErr.ChunkErrors))
	}
}

func TestExecuteValidatesInput(t *testing.T) {
	c := newTestCoordinator(t, 10)

	// Empty list.
	_, err := c.Execute(context.Background(), nil, "quote", echoExec, opts(5))
	if apierr.CodeOf(err) != apierr.CodeValidation {
		t.Fatalf("empty list: got %v, want ValidationError", err)
	}

	// Over the absolute cap.
	_, err = c.Execute(context.Background(), symbols(11), "quote", echoExec, opts(5))
	if apierr.CodeOf(err) != apierr.CodeValidation {
		t.Fatalf("over cap: got %v, want ValidationError", err)
	}

	// Malformed items are reported together, with the raw spelling.
	_, err = c.Execute(context.Background(), []string{"AAPL", "not a symbol", "@@"}, "quote", echoExec, opts(5))
	var verr *apierr.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("malformed: got %v, want ValidationError", err)
	}
	if len(verr.Items) != 2 {
		t.Fatalf("offending items = %v, want the 2 malformed entries", verr.Items)
	}

	// Zero MaxPerCall is a configuration error.
	_, err = c.Execute(context.Background(), symbols(3), "quote", echoExec, Options{})
	if apierr.CodeOf(err) != apierr.CodeConfig {
		t.Fatalf("zero MaxPerCall: got %v, want ConfigError", err)
	}
}

func TestExecuteNormalizesAndDeduplicates(t *testing.T) {
	c := newTestCoordinator(t, 10)

	var seen []string
	exec := func(ctx context.Context, items []string) ([]json.RawMessage, error) {
		seen = append(seen, items...)
		return echoExec(ctx, items)
	}

	res, err := c.Execute(context.Background(), []string{" aapl ", "MSFT", "AAPL", "msft", "goog"}, "quote", exec, opts(10))
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	want := []string{"AAPL", "MSFT", "GOOG"}
	if len(seen) != len(want) {
		t.Fatalf("executed items = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("item %d = %q, want %q (first-seen order)", i, seen[i], want[i])
		}
	}
	if res.Requested != 3 {
		t.Fatalf("Requested counts normalized items: got %d, want 3", res.Requested)
	}
}

func TestExecuteSingleItemIssuesOneCall(t *testing.T) {
	c := newTestCoordinator(t, 10)
	calls := 0
	exec := func(ctx context.Context, items []string) ([]json.RawMessage, error) {
		calls++
		return echoExec(ctx, items)
	}
	res, err := c.Execute(context.Background(), []string{"AAPL"}, "quote", exec, opts(30))
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if res.SuccessCount != 1 || res.SuccessRate != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestExecuteInterChunkDelayOnlyBetweenSuccesses(t *testing.T) {
	c := newTestCoordinator(t, 500)

	var slept []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	o := opts(30)
	o.InterChunkDelay = 50 * time.Millisecond
	_, err := c.Execute(context.Background(), symbols(75), "quote", echoExec, o)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}

	// Three chunks: a pause after the first two, none after the last.
	if len(slept) != 2 {
		t.Fatalf("slept %d times, want 2", len(slept))
	}
	for _, d := range slept {
		if d != 50*time.Millisecond {
			t.Fatalf("slept %v, want 50ms", d)
		}
	}
}

func TestChunkTimeoutScalesWithSizeAndCaps(t *testing.T) {
	o := Options{TimeoutBase: time.Second, TimeoutPerItem: 100 * time.Millisecond, TimeoutMax: 3 * time.Second}

	if d := chunkTimeout(5, o); d != 1500*time.Millisecond {
		t.Fatalf("chunkTimeout(5) = %v, want 1.5s", d)
	}
	if d := chunkTimeout(50, o); d != 3*time.Second {
		t.Fatalf("chunkTimeout(50) = %v, want capped 3s", d)
	}
}

func TestExecuteAppliesChunkDeadline(t *testing.T) {
	c := newTestCoordinator(t, 10)

	o := opts(10)
	exec := func(ctx context.Context, items []string) ([]json.RawMessage, error) {
		deadline, ok := ctx.Deadline()
		if !ok {
			t.Fatal("chunk context has no deadline")
		}
		if remaining := time.Until(deadline); remaining > o.TimeoutBase+time.Duration(len(items))*o.TimeoutPerItem {
			t.Fatalf("deadline too generous: %v remaining", remaining)
		}
		return echoExec(ctx, items)
	}
	if _, err := c.Execute(context.Background(), symbols(5), "quote", exec, o); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
}
