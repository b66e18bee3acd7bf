// Package findata is a resilient client for a remote financial-data HTTP
// service. Every outbound call is wrapped in a protection chain — retry with
// configurable backoff, a per-endpoint circuit breaker, and a local rate
// limiter — and multi-symbol requests are chunked to per-endpoint limits by a
// bulk coordinator that merges partial results and partial failures.
//
// Construct a Client from a config.Config:
//
//	cfg, err := config.Load("findata.yaml")
//	if err != nil { ... }
//	client, err := findata.New(cfg)
//	if err != nil { ... }
//
//	quotes, result, err := client.Quotes(ctx, []string{"AAPL", "MSFT", "GOOG"})
//
// Failures carry stable machine-readable codes (package apierr); callers
// classify on codes, never on message text. Partial bulk failure in the
// default mode is not an error: inspect result.SuccessCount and
// result.ChunkErrors.
package findata
