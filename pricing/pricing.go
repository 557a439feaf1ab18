// Package pricing computes request cost. Per spec §1 "Non-goals", the
// price tables and the cost computation formulas themselves are an
// external collaborator; this package only owns the narrow
// cost(model, usage, costMultiplier) function signature the rest of the
// engine calls, plus a Calculator interface so a concrete price-table
// implementation can be swapped in without the caller changing.
package pricing

// Usage is the token/unit accounting extracted from a provider response.
// Fields beyond Input/Output are vendor-specific extensions (cache reads,
// cache writes) that a concrete Calculator may or may not price.
type Usage struct {
	InputTokens       int64
	OutputTokens      int64
	CacheReadTokens   int64
	CacheWriteTokens  int64
}

// Calculator is the pure-function cost model consumed by the response
// handler's post-hoc bookkeeping (spec §4.8) and by the rate limiter's
// estimate-before-send step (spec §4.2). Implementations must be safe for
// concurrent use and must not perform I/O on the hot path; a
// table-refresh, if any, is the implementation's concern.
type Calculator interface {
	// Cost returns the USD cost of usage against model, scaled by the
	// provider's CostMultiplier.
	Cost(model string, usage Usage, costMultiplier float64) float64

	// EstimateUpperBound returns a conservative upper-bound cost used to
	// size a rate-limit lease before the actual usage is known (spec §4.2
	// "a small %-of-limit lease, bounded by a cap").
	EstimateUpperBound(model string, costMultiplier float64) float64
}

// NoopCalculator always returns zero cost. It exists so the engine can be
// wired and tested without a real price table present; it is not a
// production default.
type NoopCalculator struct{}

func (NoopCalculator) Cost(string, Usage, float64) float64         { return 0 }
func (NoopCalculator) EstimateUpperBound(string, float64) float64   { return 0 }
