// Package checkpoint decides when a stream position is safe to resume from and records it.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"regionsync/internal/domain"
	"regionsync/internal/metrics"
	"regionsync/internal/storage"
)

// PositionSource reports how far the stream transport has delivered.
type PositionSource interface {
	CurrentPosition() domain.StreamPosition
}

// Committer acknowledges a safe position to the stream transport.
type Committer interface {
	Checkpoint(ctx context.Context, pos domain.StreamPosition) error
}

// Refresher lets queues with nothing pending catch their marks up before a safety check.
type Refresher interface {
	RefreshWatermarks()
}

type Config struct {
	Identity Identity
	// Interval and IntervalOps trigger a candidate independently; zero disables one.
	Interval           time.Duration
	IntervalOps        int64
	CandidateQueueSize int
	PollTimeout        time.Duration
	SafetyRecheck      time.Duration

	Metrics *metrics.Stream
}

func (c *Config) withDefaults() {
	if c.CandidateQueueSize <= 0 {
		c.CandidateQueueSize = 16
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = time.Second
	}
	if c.SafetyRecheck <= 0 {
		c.SafetyRecheck = 50 * time.Millisecond
	}
}

func (c Config) Validate() error {
	if err := c.Identity.Validate(); err != nil {
		return err
	}
	if c.Interval <= 0 && c.IntervalOps <= 0 {
		return errors.New("checkpoint: interval or interval ops must be set")
	}
	return nil
}

type Manager struct {
	cfg        Config
	watermarks *Watermarks
	source     PositionSource
	store      storage.CheckpointStore
	logger     *zap.Logger

	committer Committer
	refresher Refresher

	candidates chan domain.StreamPosition

	mu         sync.Mutex
	lastQueued domain.StreamPosition
	lastTime   time.Time
	opsSince   int64

	last atomic.Pointer[storage.CheckpointRecord]

	now func() time.Time
}

func NewManager(cfg Config, wm *Watermarks, source PositionSource, store storage.CheckpointStore, logger *zap.Logger) (*Manager, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:        cfg,
		watermarks: wm,
		source:     source,
		store:      store,
		logger:     logger.With(zap.String("checkpoint", cfg.Identity.Name())),
		candidates: make(chan domain.StreamPosition, cfg.CandidateQueueSize),
		now:        time.Now,
	}
	m.lastTime = m.now()
	return m, nil
}

func (m *Manager) SetCommitter(c Committer) { m.committer = c }

func (m *Manager) SetRefresher(r Refresher) { m.refresher = r }

// Resume loads the last committed position of this identity.
func (m *Manager) Resume(ctx context.Context) (domain.StreamPosition, bool, error) {
	rec, ok, err := m.store.LoadCheckpoint(ctx, m.cfg.Identity.Name())
	if err != nil || !ok {
		return nil, false, err
	}
	m.last.Store(&rec)
	return rec.Position.Clone(), true, nil
}

func (m *Manager) LastCommitted() (storage.CheckpointRecord, bool) {
	rec := m.last.Load()
	if rec == nil {
		return storage.CheckpointRecord{}, false
	}
	return *rec, true
}

// QueueCandidateIfNeeded is called once per received operation.
func (m *Manager) QueueCandidateIfNeeded() {
	m.trigger(true)
}

func (m *Manager) trigger(countOp bool) {
	now := m.now()
	m.mu.Lock()
	if countOp {
		m.opsSince++
	}
	byOps := m.cfg.IntervalOps > 0 && m.opsSince >= m.cfg.IntervalOps
	byTime := m.cfg.Interval > 0 && now.Sub(m.lastTime) >= m.cfg.Interval
	if byOps {
		m.opsSince = 0
	}
	if byTime {
		m.lastTime = now
	}
	m.mu.Unlock()

	if byOps || byTime {
		m.enqueue()
	}
}

func (m *Manager) enqueue() {
	pos := m.source.CurrentPosition()
	if len(pos) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if pos.Equal(m.lastQueued) {
		return
	}
	select {
	case m.candidates <- pos:
		m.lastQueued = pos
	default:
		m.logger.Debug("candidate queue full, dropping candidate")
	}
}

// Run commits candidates in order, each only once every queue has applied everything up
// to it. It returns nil on shutdown and an error when a candidate cannot be recorded.
func (m *Manager) Run(ctx context.Context) error {
	poll := time.NewTimer(m.cfg.PollTimeout)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cand := <-m.candidates:
			if err := m.commitWhenSafe(ctx, cand); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		case <-poll.C:
			// Quiet streams still checkpoint their tail.
			m.trigger(false)
		}
		if !poll.Stop() {
			select {
			case <-poll.C:
			default:
			}
		}
		poll.Reset(m.cfg.PollTimeout)
	}
}

func (m *Manager) commitWhenSafe(ctx context.Context, cand domain.StreamPosition) error {
	for {
		if m.refresher != nil {
			m.refresher.RefreshWatermarks()
		}
		ok, shard := m.watermarks.Covers(cand)
		if ok {
			break
		}
		m.logger.Debug("candidate not yet safe", zap.Int32("shard", int32(shard)), zap.Uint64("position", cand[shard]))
		if err := sleep(ctx, m.cfg.SafetyRecheck); err != nil {
			return err
		}
	}

	for {
		err := m.commit(ctx, cand)
		if err == nil {
			return nil
		}
		if !domain.IsTransient(err) {
			return err
		}
		m.logger.Warn("checkpoint commit failed, retrying", zap.Error(err))
		if err := sleep(ctx, m.cfg.SafetyRecheck); err != nil {
			return err
		}
	}
}

func (m *Manager) commit(ctx context.Context, pos domain.StreamPosition) error {
	rec := storage.CheckpointRecord{Name: m.cfg.Identity.Name(), Position: pos.Clone(), CommittedAt: m.now().UTC()}
	if err := m.store.SaveCheckpoint(ctx, rec); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", rec.Name, err)
	}
	if m.committer != nil {
		if err := m.committer.Checkpoint(ctx, pos); err != nil {
			return fmt.Errorf("commit stream position: %w", err)
		}
	}
	m.last.Store(&rec)
	m.cfg.Metrics.CheckpointCommitted(rec.CommittedAt)
	m.logger.Debug("checkpoint committed", zap.Any("position", map[domain.ShardID]uint64(pos)))

	m.onCheckpointComplete(ctx)
	return nil
}

func (m *Manager) onCheckpointComplete(ctx context.Context) {
	if err := m.DropStaleIfPossible(ctx); err != nil {
		m.logger.Warn("stale checkpoint cleanup failed", zap.Error(err))
	}
}

// DropStaleIfPossible removes checkpoint records left by an earlier group shape of the same
// region pair. Only group index 0 does this, and only once every index of the current shape
// has recorded a checkpoint.
func (m *Manager) DropStaleIfPossible(ctx context.Context) error {
	me := m.cfg.Identity
	if me.GroupIndex != 0 {
		return nil
	}
	recs, err := m.store.ListCheckpoints(ctx, me.Prefix())
	if err != nil {
		return err
	}
	current := map[int]bool{}
	var stale []string
	for _, rec := range recs {
		id, err := ParseIdentity(rec.Name)
		if err != nil || id.SourceRegion != me.SourceRegion || id.TargetRegion != me.TargetRegion {
			continue
		}
		if id.GroupTotal == me.GroupTotal {
			current[id.GroupIndex] = true
			continue
		}
		stale = append(stale, rec.Name)
	}
	if len(stale) == 0 {
		return nil
	}
	if len(current) < me.GroupTotal {
		m.logger.Debug("deferring stale checkpoint cleanup",
			zap.Int("present", len(current)), zap.Int("groupTotal", me.GroupTotal))
		return nil
	}
	for _, name := range stale {
		if err := m.store.DeleteCheckpoint(ctx, name); err != nil {
			return fmt.Errorf("delete stale checkpoint %s: %w", name, err)
		}
		m.logger.Info("deleted stale checkpoint", zap.String("name", name))
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
