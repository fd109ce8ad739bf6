// Package codecks is a typed client for the Codecks card service:
//
//   - Cards: list by deck, create, update with optimistic concurrency
//   - Decks: query by space or search term
//   - User reports with presigned attachment uploads
//   - Retries with windowed exponential backoff + jitter and Retry-After
//   - Single-flight credential refresh on Unauthorized
//   - Exactly-once resolution of every call through a pending-call registry
//   - Optional circuit breaker, client-side rate limiting and middleware
//   - Prometheus metrics, OpenTelemetry spans and slog logging
//
// Every operation has a blocking form and an Async form returning a
// *Future. Futures resolve once: with a value, a typed *Error, Timeout at
// the call deadline, or Cancelled. Then delivers through the configured
// Dispatcher, so hosts with a main thread can use a QueueDispatcher and
// Drain it from their tick.
//
// Typical usage:
//
//	cfg, err := codecks.LoadConfig("codecks.yaml")
//	if err != nil {
//	    return err
//	}
//	client, err := codecks.New(cfg,
//	    codecks.WithLogger(slog.Default()),
//	    codecks.WithRefresher(refresh),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	card, err := client.CreateCard(ctx, "deck-1", codecks.CardFields{Title: "Fix bug"})
//	if errors.Is(err, codecks.ErrConflict) {
//	    // re-read and retry
//	}
//
// Errors are always *Error; match them with errors.Is against the Err*
// sentinels or inspect Kind with KindOf.
package codecks
