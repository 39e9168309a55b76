package manager

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"goflare.io/muninn/internal/models"
)

// DefaultQueueSize is the capacity of a handler's replication queue.
const DefaultQueueSize = 1024

var errHandlerClosed = errors.New("handler is closed")

type operation int

const (
	opAdd operation = iota
	opInsert
	opUpdate
	opRemove
	opClear
)

func (o operation) String() string {
	switch o {
	case opAdd:
		return "add"
	case opInsert:
		return "insert"
	case opUpdate:
		return "update"
	case opRemove:
		return "remove"
	case opClear:
		return "clear"
	default:
		return "unknown"
	}
}

// command is one queued replication request.
type command struct {
	ctx   context.Context
	op    operation
	key   string
	entry *models.Entry
	// done receives the result of a clear
	done chan models.Result
}

// Handler owns a tier and the single worker that applies replicated operations to it in FIFO order.
type Handler struct {
	name    string
	tier    Tier
	execute Executor
	logger  *zap.Logger
	metrics *models.Metrics

	queue chan command
	wg    sync.WaitGroup

	// sendMutex guards closed and the queue channel close
	sendMutex sync.RWMutex
	closed    bool

	pendingMutex sync.Mutex
	pending      map[string]int
	pendingClear int
}

// NewHandler creates a handler and starts its worker.
func NewHandler(name string, tier Tier, execute Executor, queueSize int, logger *zap.Logger, metrics *models.Metrics) *Handler {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if execute == nil {
		execute = direct
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = models.NewMetrics()
	}

	h := &Handler{
		name:    name,
		tier:    tier,
		execute: execute,
		logger:  logger.Named(name + "-handler"),
		metrics: metrics,
		queue:   make(chan command, queueSize),
		pending: make(map[string]int),
	}
	h.wg.Add(1)
	go h.run()
	return h
}

// Name identifies the handler in logs.
func (h *Handler) Name() string {
	return h.name
}

// Tier returns the replicated tier.
func (h *Handler) Tier() Tier {
	return h.tier
}

// Get reads key from the tier.
func (h *Handler) Get(ctx context.Context, key string) models.Result {
	return h.tier.Get(ctx, key)
}

// GetAll reads every entry from the tier.
func (h *Handler) GetAll(ctx context.Context, tracking bool) ([]*models.Entry, error) {
	return h.tier.GetAll(ctx, tracking)
}

// Behind reports whether operations affecting key are still queued. Reads of such a key would
// observe a state older than the resident tier.
func (h *Handler) Behind(key string) bool {
	h.pendingMutex.Lock()
	defer h.pendingMutex.Unlock()
	return h.pendingClear > 0 || h.pending[key] > 0
}

// replicate queues an entry operation without blocking. It reports false when the queue is full
// or the handler is closed.
func (h *Handler) replicate(ctx context.Context, op operation, key string, entry *models.Entry) bool {
	h.sendMutex.RLock()
	defer h.sendMutex.RUnlock()
	if h.closed {
		return false
	}

	h.track(op, key, 1)
	select {
	case h.queue <- command{ctx: ctx, op: op, key: key, entry: entry}:
		return true
	default:
		h.track(op, key, -1)
		return false
	}
}

// Clear queues a clear behind the pending operations and waits for it to be applied.
func (h *Handler) Clear(ctx context.Context) models.Result {
	done := make(chan models.Result, 1)
	if err := h.enqueueWait(ctx, command{ctx: ctx, op: opClear, done: done}); err != nil {
		if errors.Is(err, errHandlerClosed) {
			return models.Failure(h.name+" handler is closed", err)
		}
		return models.CancelledResult(h.name+" clear", err)
	}

	select {
	case result := <-done:
		return result
	case <-ctx.Done():
		return models.CancelledResult(h.name+" clear", ctx.Err())
	}
}

func (h *Handler) enqueueWait(ctx context.Context, cmd command) error {
	h.sendMutex.RLock()
	defer h.sendMutex.RUnlock()
	if h.closed {
		return errHandlerClosed
	}

	h.track(cmd.op, cmd.key, 1)
	select {
	case h.queue <- cmd:
		return nil
	case <-ctx.Done():
		h.track(cmd.op, cmd.key, -1)
		return ctx.Err()
	}
}

// Close stops accepting operations and waits until the queued ones have been applied.
func (h *Handler) Close() {
	h.sendMutex.Lock()
	if !h.closed {
		h.closed = true
		close(h.queue)
	}
	h.sendMutex.Unlock()

	h.wg.Wait()
}

func (h *Handler) run() {
	defer h.wg.Done()

	for cmd := range h.queue {
		result := h.apply(cmd)
		h.track(cmd.op, cmd.key, -1)

		if cmd.done != nil {
			cmd.done <- result
		}
		h.report(cmd, result)
	}
	h.logger.Debug("Replication worker stopped")
}

func (h *Handler) apply(cmd command) models.Result {
	return h.execute(cmd.ctx, cmd.op.String(), cmd.key, func(ctx context.Context) models.Result {
		switch cmd.op {
		case opAdd:
			return h.tier.Add(ctx, cmd.entry)
		case opInsert:
			return h.tier.Insert(ctx, cmd.entry)
		case opUpdate:
			return h.tier.Update(ctx, cmd.entry)
		case opRemove:
			return h.tier.Remove(ctx, cmd.key)
		default:
			return h.tier.Clear(ctx)
		}
	})
}

func (h *Handler) report(cmd command, result models.Result) {
	switch {
	case result.Successful:
		h.logger.Debug("Replicated", zap.String("operation", cmd.op.String()), zap.String("key", cmd.key))
	case result.Cancelled:
		h.logger.Debug("Replication cancelled", zap.String("operation", cmd.op.String()), zap.String("key", cmd.key))
	case cmd.op == opAdd && result.IsAlreadyExists():
		// the mirror already holds the key, e.g. after warming from persistence
		h.logger.Debug("Replicated add skipped", zap.String("key", cmd.key))
	default:
		h.metrics.ReplicationFailures.Inc()
		h.logger.Warn("Replication failed",
			zap.String("operation", cmd.op.String()),
			zap.String("key", cmd.key),
			zap.String("message", result.Message),
			zap.Error(result.Err))
	}
}

func (h *Handler) track(op operation, key string, delta int) {
	h.pendingMutex.Lock()
	defer h.pendingMutex.Unlock()

	if op == opClear {
		h.pendingClear += delta
		return
	}
	h.pending[key] += delta
	if h.pending[key] <= 0 {
		delete(h.pending, key)
	}
}
