// Package transform defines the narrow interface the forwarder uses to
// translate a request/response body between client and provider wire
// formats when they differ. The actual per-vendor conversion logic (the
// wire-format protocols themselves) is out of scope for this repository
// per spec §1 "Non-goals": this package only owns the registry that maps
// a (from, to) pair to the pair of transformer functions and the
// identity fallback when no translation is needed. See spec §9 "Dynamic
// dispatch over wire formats".
package transform

import (
	"github.com/cch-gateway/cch-gateway/core"
)

// RequestTransformer rewrites a request body from one wire format to
// another. body is the raw bytes read from the client; it returns the
// bytes to send upstream.
type RequestTransformer func(body []byte, model string) ([]byte, error)

// StreamChunkTransformer rewrites one SSE/chunked-JSON frame from the
// provider's wire format to the client's.
type StreamChunkTransformer func(chunk []byte) ([]byte, error)

// NonStreamResponseTransformer rewrites a complete non-streaming response
// body from the provider's wire format to the client's.
type NonStreamResponseTransformer func(body []byte) ([]byte, error)

// pairKey identifies one (from, to) wire format pair.
type pairKey struct {
	From core.WireFormat
	To   core.WireFormat
}

// Entry bundles the three transformer functions registered for one pair.
type Entry struct {
	Request    RequestTransformer
	Stream     StreamChunkTransformer
	NonStream  NonStreamResponseTransformer
}

func identityRequest(body []byte, _ string) ([]byte, error) { return body, nil }
func identityChunk(chunk []byte) ([]byte, error)            { return chunk, nil }
func identityBody(body []byte) ([]byte, error)              { return body, nil }

var identityEntry = Entry{Request: identityRequest, Stream: identityChunk, NonStream: identityBody}

// Registry is a {from,to} -> Entry lookup table, indexed by the tagged
// core.WireFormat enum rather than subtype polymorphism, per spec §9.
type Registry struct {
	entries map[pairKey]Entry
}

// NewRegistry builds an empty registry. Callers register every pair this
// deployment needs to translate with Register; any (from, to) pair with
// from == to always resolves to the identity entry regardless of what
// was registered, and any unregistered, non-identity pair resolves to the
// identity entry as a safe no-op (the spec treats wire-format converters
// as an external collaborator, so a registry with no entries at all is a
// valid, if inert, configuration).
func NewRegistry() *Registry {
	return &Registry{entries: make(map[pairKey]Entry)}
}

// Register installs the transformer trio for one (from, to) pair.
func (r *Registry) Register(from, to core.WireFormat, entry Entry) {
	r.entries[pairKey{From: from, To: to}] = entry
}

// Resolve returns the transformer trio for (from, to). Same-format pairs
// and unregistered pairs both resolve to the identity trio.
func (r *Registry) Resolve(from, to core.WireFormat) Entry {
	if from == to {
		return identityEntry
	}
	if e, ok := r.entries[pairKey{From: from, To: to}]; ok {
		return e
	}
	return identityEntry
}
