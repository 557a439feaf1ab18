// Package httpapi is the L4 HTTP entrypoint described in spec §2: it maps
// an incoming request onto one of the wire-surface paths in spec §6,
// builds the per-request core.RequestContext, runs the guard chain, then
// the forwarder and response handler, and owns the "finally" block that
// decrements session concurrency exactly once per non-probe request that
// passed the guard chain, however the request exits after that (a request
// the guard chain rejects is not decremented). It is the repository's
// counterpart to this repository's own cmd/agentflow/middleware.go
// always-call-next HTTP middleware, generalized into a single handler
// that drives the full guard→forward→respond pipeline instead of a
// middleware chain terminating in a fixed business handler.
package httpapi
