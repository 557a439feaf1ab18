package respond

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cch-gateway/cch-gateway/core"
	"github.com/cch-gateway/cch-gateway/pricing"
)

type recordingSink struct {
	mu   sync.Mutex
	rows []Bookkeeping
}

func (s *recordingSink) Enqueue(_ context.Context, row Bookkeeping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, row)
	return nil
}

func (s *recordingSink) snapshot() []Bookkeeping {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Bookkeeping(nil), s.rows...)
}

func waitForRows(t *testing.T, sink *recordingSink, n int) []Bookkeeping {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if rows := sink.snapshot(); len(rows) >= n {
			return rows
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d bookkeeping rows", n)
	return nil
}

type fakeReadCloser struct{ io.Reader }

func (fakeReadCloser) Close() error { return nil }

func TestHandler_DeliverBuffered_WritesBodyAndSchedulesBookkeeping(t *testing.T) {
	sink := &recordingSink{}
	h := New(pricing.NoopCalculator{}, nil, sink, nil, nil, zap.NewNop())
	rc := &core.RequestContext{Model: "claude-3", Provider: &core.Provider{ID: 7, CostMultiplier: 1}}
	resp := &core.Response{StatusCode: 200, Body: []byte(`{"ok":true}`)}

	var out bytes.Buffer
	gwErr := h.Deliver(context.Background(), rc, resp, &out, nil, nil)
	require.Nil(t, gwErr)
	assert.Equal(t, `{"ok":true}`, out.String())

	rows := waitForRows(t, sink, 1)
	assert.Equal(t, int64(7), rows[0].ProviderID)
	assert.Equal(t, 200, rows[0].StatusCode)
}

func TestHandler_DeliverBuffered_EmptyBodyIsFake200(t *testing.T) {
	sink := &recordingSink{}
	h := New(pricing.NoopCalculator{}, nil, sink, nil, nil, zap.NewNop())
	rc := &core.RequestContext{}
	resp := &core.Response{StatusCode: 200, Body: []byte("")}

	var out bytes.Buffer
	gwErr := h.Deliver(context.Background(), rc, resp, &out, nil, nil)
	require.NotNil(t, gwErr)
	assert.Equal(t, 0, out.Len())
}

func TestHandler_DeliverBuffered_JSONErrorFieldIsFake200(t *testing.T) {
	sink := &recordingSink{}
	h := New(pricing.NoopCalculator{}, nil, sink, nil, nil, zap.NewNop())
	rc := &core.RequestContext{}
	resp := &core.Response{StatusCode: 200, Body: []byte(`{"error":{"message":"boom"}}`)}

	gwErr := h.Deliver(context.Background(), rc, resp, &bytes.Buffer{}, nil, nil)
	require.NotNil(t, gwErr)
}

func TestHandler_DeliverStream_CopiesChunksAndTranslates(t *testing.T) {
	sink := &recordingSink{}
	h := New(pricing.NoopCalculator{}, nil, sink, nil, nil, zap.NewNop())
	rc := &core.RequestContext{ClientAbort: make(chan struct{})}
	upstream := fakeReadCloser{strings.NewReader("data: a\n\ndata: b\n\n")}
	resp := &core.Response{
		StatusCode: 200,
		Stream:     &core.StreamResponse{Body: upstream, Cancel: func() {}},
	}

	upper := func(chunk []byte) ([]byte, error) { return bytes.ToUpper(chunk), nil }

	var out bytes.Buffer
	gwErr := h.Deliver(context.Background(), rc, resp, &out, nil, upper)
	require.Nil(t, gwErr)
	assert.Equal(t, strings.ToUpper("data: a\n\ndata: b\n\n"), out.String())

	waitForRows(t, sink, 1)
}

func TestHandler_DeliverStream_ClientAbortStopsAndSchedulesBookkeeping(t *testing.T) {
	sink := &recordingSink{}
	h := New(pricing.NoopCalculator{}, nil, sink, nil, nil, zap.NewNop())
	abort := make(chan struct{})
	close(abort)
	rc := &core.RequestContext{ClientAbort: abort}
	cancelled := false
	resp := &core.Response{
		StatusCode: 200,
		Stream:     &core.StreamResponse{Body: fakeReadCloser{strings.NewReader("data: x\n\n")}, Cancel: func() { cancelled = true }},
	}

	gwErr := h.Deliver(context.Background(), rc, resp, &bytes.Buffer{}, nil, nil)
	require.NotNil(t, gwErr)
	assert.True(t, cancelled)

	rows := waitForRows(t, sink, 1)
	assert.True(t, rows[0].ClientAbort)
}
