// MessageRequestWriter is the single-writer append-only sink for the
// bookkeeping rows respond.Handler enqueues after every completed request
// (spec §4.8). It buffers rows in an auto-sized channel and flushes them in
// batches on a fixed interval or when the buffer fills, trading a small
// bookkeeping delay (and, on crash, a small loss window) for not putting a
// database round trip on the request's hot path.
package repository

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/cch-gateway/cch-gateway/internal/channel"
	"github.com/cch-gateway/cch-gateway/internal/database"
	"github.com/cch-gateway/cch-gateway/internal/pool"
	"github.com/cch-gateway/cch-gateway/respond"
)

// writeRetries bounds the PoolManager.WithTransactionRetry backoff loop
// for one flushed chunk; a batch write is retried on deadlock/serialization
// failures and transient connection errors (see database.isRetryableError)
// but must not retry forever and hold up the next flush tick.
const writeRetries = 3

// writeChunkSize caps how many rows go into a single transaction so one
// slow or retried chunk doesn't stall the rest of a large flush; chunks of
// a batch are written concurrently via errgroup.
const writeChunkSize = 100

// WriterConfig tunes the async message-request write buffer. See spec §6
// "MESSAGE_REQUEST_WRITE_MODE" and its async_* tuning knobs.
type WriterConfig struct {
	FlushInterval time.Duration
	BatchSize     int
	MaxPending    int
}

func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		FlushInterval: 2 * time.Second,
		BatchSize:     200,
		MaxPending:    10000,
	}
}

// MessageRequestWriter implements respond.Sink with a channel.TunableChannel
// drained by a background flush loop. The channel grows under burst load
// (many requests completing at once) and shrinks back once the burst
// passes, rather than a fixed-capacity channel that either over-allocates
// for the common case or blocks during a spike. The flush itself runs
// under the same panic-recovering worker discipline as any other
// background task, via internal/pool.GoroutinePool.
type MessageRequestWriter struct {
	db     *database.PoolManager
	logger *zap.Logger
	cfg    WriterConfig

	rows *channel.TunableChannel[MessageRequestRow]
	pool *pool.GoroutinePool

	closeOnce sync.Once
	done      chan struct{}
}

func NewMessageRequestWriter(db *database.PoolManager, cfg WriterConfig, logger *zap.Logger) *MessageRequestWriter {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultWriterConfig().FlushInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultWriterConfig().BatchSize
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultWriterConfig().MaxPending
	}
	chanCfg := channel.DefaultTunableConfig()
	chanCfg.InitialSize = cfg.BatchSize * 2
	chanCfg.MaxSize = cfg.MaxPending
	if chanCfg.InitialSize > chanCfg.MaxSize {
		chanCfg.InitialSize = chanCfg.MaxSize
	}

	w := &MessageRequestWriter{
		db:     db,
		logger: logger.With(zap.String("component", "message_request_writer")),
		cfg:    cfg,
		rows:   channel.NewTunableChannel[MessageRequestRow](chanCfg),
		pool:   pool.NewGoroutinePool(pool.DefaultGoroutinePoolConfig()),
		done:   make(chan struct{}),
	}
	return w
}

// Enqueue implements respond.Sink. It never blocks on the database: a full
// buffer drops the row with a warning rather than stalling the caller,
// which runs from respond.Handler's detached bookkeeping goroutine.
func (w *MessageRequestWriter) Enqueue(ctx context.Context, bk respond.Bookkeeping) error {
	row := MessageRequestRow{
		SessionID:    bk.SessionID,
		KeyID:        bk.KeyID,
		UserID:       bk.UserID,
		ProviderID:   bk.ProviderID,
		EndpointID:   bk.EndpointID,
		Model:        bk.Model,
		StatusCode:   bk.StatusCode,
		DurationMs:   bk.DurationMs,
		InputTokens:  bk.Usage.InputTokens,
		OutputTokens: bk.Usage.OutputTokens,
		CostUsd:      bk.CostUsd,
		ClientAbort:  bk.ClientAbort,
		CompletedAt:  bk.CompletedAt,
	}
	if !w.rows.TrySend(row) {
		w.logger.Warn("message_request write buffer full, dropping row", zap.String("sessionId", bk.SessionID))
	}
	return nil
}

// Run drains the buffer until ctx is cancelled, flushing every
// FlushInterval or whenever BatchSize rows have accumulated. It must be
// started once at process boot and is the last background task to stop
// during shutdown, so already-enqueued rows are not lost.
func (w *MessageRequestWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()
	tuneTicker := time.NewTicker(10 * time.Second)
	defer tuneTicker.Stop()

	batch := make([]MessageRequestRow, 0, w.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		toWrite := batch
		batch = make([]MessageRequestRow, 0, w.cfg.BatchSize)
		if err := w.pool.Submit(context.Background(), func(taskCtx context.Context) error {
			return w.writeBatch(taskCtx, toWrite)
		}); err != nil {
			w.logger.Warn("failed to submit message_request flush", zap.Error(err), zap.Int("rows", len(toWrite)))
		}
	}

	for {
		select {
		case <-ctx.Done():
			w.drainRemaining(&batch)
			flush()
			w.pool.Close()
			close(w.done)
			return nil
		case row, ok := <-w.rows.Chan():
			if !ok {
				continue
			}
			batch = append(batch, row)
			if len(batch) >= w.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-tuneTicker.C:
			w.rows.Tune()
		}
	}
}

// drainRemaining empties whatever is already buffered without blocking, so
// a shutdown flush captures rows enqueued just before ctx was cancelled.
func (w *MessageRequestWriter) drainRemaining(batch *[]MessageRequestRow) {
	for {
		row, ok := w.rows.TryReceive()
		if !ok {
			return
		}
		*batch = append(*batch, row)
	}
}

// writeBatch splits a flushed batch into fixed-size chunks and writes them
// concurrently, each chunk going through PoolManager.WithTransactionRetry
// so a deadlock or a transient connection error (spec §7 "Database
// failures during request bookkeeping are buffered and retried") is
// retried with backoff instead of silently dropping the chunk.
func (w *MessageRequestWriter) writeBatch(ctx context.Context, rows []MessageRequestRow) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, chunk := range chunkRows(rows, writeChunkSize) {
		chunk := chunk
		g.Go(func() error {
			return w.db.WithTransactionRetry(gctx, writeRetries, func(tx *gorm.DB) error {
				return tx.CreateInBatches(chunk, len(chunk)).Error
			})
		})
	}
	if err := g.Wait(); err != nil {
		w.logger.Error("failed to write message_request batch", zap.Error(err), zap.Int("rows", len(rows)))
		return err
	}
	return nil
}

// chunkRows splits rows into contiguous slices of at most size elements.
func chunkRows(rows []MessageRequestRow, size int) [][]MessageRequestRow {
	if len(rows) == 0 {
		return nil
	}
	chunks := make([][]MessageRequestRow, 0, (len(rows)+size-1)/size)
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, rows[start:end])
	}
	return chunks
}

// Wait blocks until Run has finished its shutdown flush. Call after
// cancelling the context passed to Run.
func (w *MessageRequestWriter) Wait() {
	<-w.done
}
