// Write-behind persistence for the matching engine.
// Matching never waits for the database: results are queued here and flushed
// in batches by a single worker, so writes for one order keep their order.

package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/Aidin1998/predex/internal/trading/model"
	"github.com/Aidin1998/predex/pkg/fixedpoint"
	"github.com/Aidin1998/predex/pkg/metrics"
	"go.uber.org/zap"
)

// OpType names a queued write.
type OpType string

const (
	OpSaveOrder   OpType = "order"
	OpAppendTrade OpType = "trade"
	OpUnfreeze    OpType = "unfreeze"
	OpMakerVolume OpType = "maker_volume"
)

// Operation is one queued write.
type Operation struct {
	Type     OpType
	Order    *model.Order
	Trade    *model.Trade
	UserID   string
	Amount   fixedpoint.Amount
	Rebate   fixedpoint.Amount
	Attempts int
}

// WriterConfig tunes the write-behind queue.
type WriterConfig struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	OpTimeout     time.Duration
}

// DefaultWriterConfig returns conservative defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		QueueSize:     10_000,
		BatchSize:     100,
		FlushInterval: 50 * time.Millisecond,
		MaxRetries:    3,
		OpTimeout:     5 * time.Second,
	}
}

// Writer queues writes to a Store and applies them asynchronously.
type Writer struct {
	store  Store
	cfg    WriterConfig
	queue  chan Operation
	logger *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewWriter creates a writer; call Start before queueing.
func NewWriter(store Store, cfg WriterConfig, logger *zap.Logger) *Writer {
	def := DefaultWriterConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}
	return &Writer{
		store:  store,
		cfg:    cfg,
		queue:  make(chan Operation, cfg.QueueSize),
		logger: logger.Named("write_behind"),
		stopCh: make(chan struct{}),
	}
}

// Start launches the flush worker.
func (w *Writer) Start() {
	w.wg.Add(1)
	go w.worker()
}

// Stop drains the queue, flushes what is left and waits for the worker.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Enqueue adds op without blocking. A full queue drops op and logs it.
func (w *Writer) Enqueue(op Operation) {
	select {
	case w.queue <- op:
		metrics.PersistenceQueue.Set(float64(len(w.queue)))
	default:
		metrics.PersistenceFailures.WithLabelValues(string(op.Type)).Inc()
		w.logger.Error("Write queue full, dropping operation",
			zap.String("op", string(op.Type)),
			zap.String("user_id", op.UserID),
			zap.Int64("amount", op.Amount.Int64()))
	}
}

// SaveOrders queues full-state upserts.
func (w *Writer) SaveOrders(orders ...*model.Order) {
	for _, o := range orders {
		w.Enqueue(Operation{Type: OpSaveOrder, Order: o.Clone()})
	}
}

// AppendTrades queues trade rows.
func (w *Writer) AppendTrades(trades ...*model.Trade) {
	for _, t := range trades {
		c := *t
		w.Enqueue(Operation{Type: OpAppendTrade, Trade: &c})
	}
}

// Unfreeze queues a fund release.
func (w *Writer) Unfreeze(userID string, amount fixedpoint.Amount) {
	if amount <= 0 {
		return
	}
	w.Enqueue(Operation{Type: OpUnfreeze, UserID: userID, Amount: amount})
}

// RecordMakerVolume queues rebate accounting for one fill.
func (w *Writer) RecordMakerVolume(userID string, notional, rebate fixedpoint.Amount) {
	w.Enqueue(Operation{Type: OpMakerVolume, UserID: userID, Amount: notional, Rebate: rebate})
}

func (w *Writer) worker() {
	defer w.wg.Done()
	batch := make([]Operation, 0, w.cfg.BatchSize)
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			for {
				select {
				case op := <-w.queue:
					batch = append(batch, op)
				default:
					for i := 0; len(batch) > 0 && i <= w.cfg.MaxRetries; i++ {
						batch = w.flush(batch)
					}
					return
				}
			}
		case op := <-w.queue:
			batch = append(batch, op)
			if len(batch) >= w.cfg.BatchSize {
				batch = w.flush(batch)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				batch = w.flush(batch)
			}
		}
		metrics.PersistenceQueue.Set(float64(len(w.queue)))
	}
}

// flush applies batch and returns the operations to retry, reusing its storage.
func (w *Writer) flush(batch []Operation) []Operation {
	if len(batch) == 0 {
		return batch
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.OpTimeout)
	defer cancel()

	var retry []Operation
	fail := func(op Operation, err error) {
		op.Attempts++
		if op.Attempts > w.cfg.MaxRetries {
			metrics.PersistenceFailures.WithLabelValues(string(op.Type)).Inc()
			w.logger.Error("Persistence operation abandoned",
				zap.String("op", string(op.Type)), zap.Int("attempts", op.Attempts), zap.Error(err))
			return
		}
		retry = append(retry, op)
	}

	var trades []*model.Trade
	var tradeOps []Operation
	for _, op := range batch {
		if op.Type == OpAppendTrade {
			trades = append(trades, op.Trade)
			tradeOps = append(tradeOps, op)
		}
	}
	if len(trades) > 0 {
		if err := w.store.AppendTrades(ctx, trades); err != nil {
			w.logger.Warn("Trade batch persist failed", zap.Int("trades", len(trades)), zap.Error(err))
			for _, op := range tradeOps {
				fail(op, err)
			}
		}
	}

	// Later snapshots of the same order supersede earlier ones.
	last := make(map[string]int)
	for i, op := range batch {
		if op.Type == OpSaveOrder {
			last[op.Order.ID] = i
		}
	}
	for i, op := range batch {
		var err error
		switch op.Type {
		case OpSaveOrder:
			if last[op.Order.ID] != i {
				continue
			}
			err = w.store.SaveOrder(ctx, op.Order)
		case OpUnfreeze:
			err = w.store.UnfreezeFunds(ctx, op.UserID, op.Amount)
		case OpMakerVolume:
			err = w.store.RecordMakerVolume(ctx, op.UserID, op.Amount, op.Rebate)
		default:
			continue
		}
		if err != nil {
			w.logger.Warn("Persistence operation failed", zap.String("op", string(op.Type)), zap.Error(err))
			fail(op, err)
		}
	}

	batch = batch[:0]
	return append(batch, retry...)
}
