// Package apply orders stream operations per key and writes them to the target store.
package apply

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"regionsync/internal/checkpoint"
	"regionsync/internal/convert"
	"regionsync/internal/domain"
	"regionsync/internal/hashroute"
	"regionsync/internal/metadata"
	"regionsync/internal/metrics"
	"regionsync/internal/storage"
)

var (
	ErrCanceled = errors.New("apply engine canceled")
	ErrClosed   = errors.New("apply engine closed")

	errHeadMismatch = errors.New("completion does not match queue head")
)

// Metadata is the table and region metadata the engine consults.
type Metadata interface {
	convert.Metadata
	Table(name string) (*domain.Table, bool)
	MarkDropped(id int64)
	WaitForRefresh(ctx context.Context, id int64, version int) (*domain.Table, error)
}

// Requester grants the stream transport credit to deliver more operations.
type Requester interface {
	Request(n int)
}

type Config struct {
	SourceRegion     string
	MaxConcurrentOps int
	RetryDelay       time.Duration

	Scheduler Scheduler
	Metrics   *metrics.Stream
	// OnFatal is called once when the engine stops on an unrecoverable error.
	OnFatal func(error)
}

func (c *Config) withDefaults() {
	if c.MaxConcurrentOps <= 0 {
		c.MaxConcurrentOps = 64
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	if c.Scheduler == nil {
		c.Scheduler = realScheduler{}
	}
}

func (c Config) Validate() error {
	if c.SourceRegion == "" {
		return errors.New("apply: source region is required")
	}
	return nil
}

type pendingQueue struct {
	index int

	mu  sync.Mutex
	ops []domain.StreamOperation
}

// Engine owns N FIFO queues. The head of each non-empty queue is the only operation of that
// queue being written; a queue advances only when its head completes.
type Engine struct {
	cfg        Config
	meta       Metadata
	conv       *convert.Converter
	store      storage.TargetStore
	watermarks *checkpoint.Watermarks
	logger     *zap.Logger

	requester atomic.Pointer[Requester]

	queues []*pendingQueue

	subMu     sync.Mutex
	submitted domain.StreamPosition

	// ctx ends refresh waits on close or fatal error; writes run on writeCtx, which
	// neither cancels.
	ctx      context.Context
	cancel   context.CancelFunc
	writeCtx context.Context
	closed   atomic.Bool
	fatalErr atomic.Pointer[error]

	timerMu sync.Mutex
	timers  map[*attempt]Timer
	running sync.WaitGroup

	now func() time.Time
}

func NewEngine(cfg Config, meta Metadata, store storage.TargetStore, wm *checkpoint.Watermarks, logger *zap.Logger) (*Engine, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if wm == nil {
		wm = checkpoint.NewWatermarks(cfg.MaxConcurrentOps)
	}
	if wm.Len() != cfg.MaxConcurrentOps {
		return nil, fmt.Errorf("apply: %d watermark slots for %d queues", wm.Len(), cfg.MaxConcurrentOps)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("sourceRegion", cfg.SourceRegion))

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg,
		meta:       meta,
		conv:       convert.New(meta, cfg.Metrics, logger),
		store:      store,
		watermarks: wm,
		logger:     logger,
		queues:     make([]*pendingQueue, cfg.MaxConcurrentOps),
		submitted:  domain.StreamPosition{},
		ctx:        ctx,
		cancel:     cancel,
		writeCtx:   context.WithoutCancel(ctx),
		timers:     map[*attempt]Timer{},
		now:        time.Now,
	}
	for i := range e.queues {
		e.queues[i] = &pendingQueue{index: i}
	}
	return e, nil
}

func (e *Engine) SetRequester(r Requester) {
	e.requester.Store(&r)
}

func (e *Engine) Watermarks() *checkpoint.Watermarks { return e.watermarks }

// Err returns the error that stopped the engine, if any.
func (e *Engine) Err() error {
	if p := e.fatalErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Submit enqueues op behind every earlier operation on the same key.
func (e *Engine) Submit(op domain.StreamOperation) error {
	if err := e.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCanceled, err)
	}
	if e.closed.Load() {
		return ErrClosed
	}
	q := e.queues[hashroute.QueueForKey(routingKey(op), len(e.queues))]

	q.mu.Lock()
	q.ops = append(q.ops, op)
	isHead := len(q.ops) == 1
	depth := len(q.ops)
	q.mu.Unlock()

	// Advanced after the append so a drained queue never claims a position it has not seen.
	e.subMu.Lock()
	e.submitted.Advance(op.Shard, op.Position)
	e.subMu.Unlock()

	e.cfg.Metrics.QueueDepth(q.index, depth)
	if isHead {
		e.dispatch(q, &attempt{op: op})
	}
	return nil
}

func routingKey(op domain.StreamOperation) string {
	if op.Key != "" {
		return op.Row.Table + "\x00" + op.Key
	}
	return hashroute.CanonicalKey(op.Row.Table, op.Row.PrimaryKey, op.Row.Fields)
}

// QueueDepths reports the pending operations per queue.
func (e *Engine) QueueDepths() []int {
	out := make([]int, len(e.queues))
	for i, q := range e.queues {
		q.mu.Lock()
		out[i] = len(q.ops)
		q.mu.Unlock()
	}
	return out
}

// RefreshWatermarks raises every queue's marks to what it provably holds nothing below:
// the last submitted position for shards with nothing pending in the queue, and one short
// of the first pending operation otherwise.
func (e *Engine) RefreshWatermarks() {
	snap := e.submittedSnapshot()
	for _, q := range e.queues {
		q.mu.Lock()
		e.refreshLocked(q, snap)
		q.mu.Unlock()
	}
}

func (e *Engine) submittedSnapshot() domain.StreamPosition {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	return e.submitted.Clone()
}

func (e *Engine) refreshLocked(q *pendingQueue, snap domain.StreamPosition) {
	marks := snap.Clone()
	for _, op := range q.ops {
		if _, ok := marks[op.Shard]; !ok {
			continue
		}
		if op.Position == 0 {
			delete(marks, op.Shard)
			continue
		}
		if op.Position-1 < marks[op.Shard] {
			marks[op.Shard] = op.Position - 1
		}
	}
	e.watermarks.AdvanceAll(q.index, marks)
}

func (e *Engine) dispatch(q *pendingQueue, a *attempt) {
	if e.stopped() {
		return
	}
	if a.dispatched.IsZero() {
		a.dispatched = e.now()
	}
	e.running.Add(1)
	go func() {
		defer e.running.Done()
		e.process(q, a)
	}()
}

func (e *Engine) stopped() bool {
	return e.closed.Load() || e.fatalErr.Load() != nil
}

// process converts the head operation against the current table definition and writes
// it. Every exit either completes the head, schedules it again or stops the engine.
func (e *Engine) process(q *pendingQueue, a *attempt) {
	for {
		if e.stopped() {
			return
		}
		op := a.op
		target, _ := e.meta.Table(op.Row.Table)
		row, err := e.conv.Convert(op.Type, e.sourceRegion(op), op.Row, target)
		if errors.Is(err, convert.ErrNotApplicable) {
			e.cfg.Metrics.Skipped(op.Row.Table, skipReason(err))
			e.logger.Debug("operation not applicable", zap.String("table", op.Row.Table), zap.Error(err))
			e.complete(q, op)
			return
		}
		if err != nil {
			e.fail(fmt.Errorf("convert %s on %q: %w", op.Type, op.Row.Table, err))
			return
		}

		won, err := e.write(row, op.Type)
		if e.stopped() {
			// Shutdown or a fatal error elsewhere; the result no longer counts.
			e.logger.Debug("write finished after stop", zap.String("table", row.Table), zap.Error(err))
			return
		}
		switch classify(err) {
		case outcomeDone:
			e.cfg.Metrics.Applied(row.Table, op.Type.String(), storage.ApproxSize(row), won, e.now().Sub(a.dispatched))
			e.complete(q, op)
			return
		case outcomeRetry:
			a.tries++
			e.cfg.Metrics.Retry(row.Table, "transient")
			e.logger.Warn("transient write failure, retrying",
				zap.String("table", row.Table), zap.Int("tries", a.tries),
				zap.Duration("delay", e.cfg.RetryDelay), zap.Error(err))
			e.scheduleRetry(q, a)
			return
		case outcomeDropped:
			e.meta.MarkDropped(row.TableID)
			e.cfg.Metrics.Skipped(row.Table, "table_dropped")
			e.logger.Info("target table dropped, skipping", zap.String("table", row.Table), zap.Int64("tableID", row.TableID))
			e.complete(q, op)
			return
		case outcomeRefresh:
			e.cfg.Metrics.Retry(row.Table, "schema_mismatch")
			e.logger.Info("table version mismatch, waiting for metadata refresh",
				zap.String("table", row.Table), zap.Int("version", row.TableVersion))
			_, werr := e.meta.WaitForRefresh(e.ctx, row.TableID, row.TableVersion)
			switch {
			case errors.Is(werr, metadata.ErrTableRemoved):
				e.meta.MarkDropped(row.TableID)
				e.cfg.Metrics.Skipped(row.Table, "table_dropped")
				e.complete(q, op)
				return
			case werr != nil:
				// Only cancellation ends the wait; the engine is stopping.
				return
			}
			a.tries++
		default:
			e.fail(fmt.Errorf("write %s on %q: %w", op.Type, row.Table, err))
			return
		}
	}
}

func (e *Engine) sourceRegion(op domain.StreamOperation) string {
	if op.SourceRegion != "" {
		return op.SourceRegion
	}
	return e.cfg.SourceRegion
}

func (e *Engine) write(row domain.Row, op domain.OpType) (bool, error) {
	if op == domain.OpDelete {
		return e.store.Delete(e.writeCtx, row)
	}
	return e.store.Put(e.writeCtx, row)
}

func skipReason(err error) string {
	if errors.Is(err, domain.ErrIncompatible) {
		return "incompatible"
	}
	return "not_applicable"
}

func (e *Engine) scheduleRetry(q *pendingQueue, a *attempt) {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.stopped() {
		return
	}
	e.running.Add(1)
	e.timers[a] = e.cfg.Scheduler.AfterFunc(e.cfg.RetryDelay, func() {
		defer e.running.Done()
		e.timerMu.Lock()
		delete(e.timers, a)
		e.timerMu.Unlock()
		e.process(q, a)
	})
}

// complete pops the head of q, records its position and dispatches the next head.
// It does nothing once the engine has stopped.
func (e *Engine) complete(q *pendingQueue, op domain.StreamOperation) {
	if e.stopped() {
		return
	}
	q.mu.Lock()
	if len(q.ops) == 0 {
		q.mu.Unlock()
		e.fail(fmt.Errorf("%w: queue %d is empty, completed shard %d position %d", errHeadMismatch, q.index, op.Shard, op.Position))
		return
	}
	if head := q.ops[0]; !sameOperation(head, op) {
		q.mu.Unlock()
		e.fail(fmt.Errorf("%w: queue %d head is shard %d position %d, completed shard %d position %d",
			errHeadMismatch, q.index, head.Shard, head.Position, op.Shard, op.Position))
		return
	}
	q.ops[0] = domain.StreamOperation{}
	q.ops = q.ops[1:]
	e.watermarks.Advance(q.index, op.Shard, op.Position)
	if len(q.ops) == 0 {
		q.ops = nil
		e.refreshLocked(q, e.submittedSnapshot())
	}
	var next *attempt
	if len(q.ops) > 0 {
		next = &attempt{op: q.ops[0]}
	}
	depth := len(q.ops)
	q.mu.Unlock()

	e.cfg.Metrics.QueueDepth(q.index, depth)
	if r := e.requester.Load(); r != nil && !e.stopped() {
		(*r).Request(1)
	}
	if next != nil {
		e.dispatch(q, next)
	}
}

func sameOperation(a, b domain.StreamOperation) bool {
	return a.Shard == b.Shard && a.Position == b.Position && a.Type == b.Type && routingKey(a) == routingKey(b)
}

func (e *Engine) fail(err error) {
	if !e.fatalErr.CompareAndSwap(nil, &err) {
		return
	}
	e.logger.Error("apply engine stopped", zap.Error(err))
	e.cancel()
	e.stopTimers()
	if e.cfg.OnFatal != nil {
		e.cfg.OnFatal(err)
	}
}

func (e *Engine) stopTimers() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	for a, t := range e.timers {
		if t.Stop() {
			e.running.Done()
		}
		delete(e.timers, a)
	}
}

// Close stops dispatching, abandons pending retries and waits for in-flight writes to
// finish on their own. Their completions are discarded.
func (e *Engine) Close(ctx context.Context) error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.cancel()
	e.stopTimers()

	done := make(chan struct{})
	go func() {
		e.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
