package checkpoint

import (
	"context"
	"sync"
	"testing"
	"testing/quick"
	"time"

	"regionsync/internal/domain"
	"regionsync/internal/storage"
	"regionsync/internal/storage/sqlite"
)

type fixedSource struct {
	mu  sync.Mutex
	pos domain.StreamPosition
}

func (s *fixedSource) set(p domain.StreamPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = p.Clone()
}

func (s *fixedSource) CurrentPosition() domain.StreamPosition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos.Clone()
}

type recordingCommitter struct {
	mu        sync.Mutex
	committed []domain.StreamPosition
}

func (c *recordingCommitter) Checkpoint(_ context.Context, pos domain.StreamPosition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = append(c.committed, pos.Clone())
	return nil
}

func (c *recordingCommitter) all() []domain.StreamPosition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.StreamPosition(nil), c.committed...)
}

func newSQLiteStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func identity(total, index int) Identity {
	return Identity{SourceRegion: "iad", TargetRegion: "ord", GroupTotal: total, GroupIndex: index}
}

func newTestManager(t *testing.T, wm *Watermarks, src PositionSource, store storage.CheckpointStore, cfg Config) (*Manager, *recordingCommitter) {
	t.Helper()
	if cfg.Identity == (Identity{}) {
		cfg.Identity = identity(1, 0)
	}
	if cfg.IntervalOps == 0 && cfg.Interval == 0 {
		cfg.IntervalOps = 1
	}
	cfg.SafetyRecheck = 5 * time.Millisecond
	cfg.PollTimeout = 20 * time.Millisecond
	m, err := NewManager(cfg, wm, src, store, nil)
	if err != nil {
		t.Fatal(err)
	}
	c := &recordingCommitter{}
	m.SetCommitter(c)
	return m, c
}

func TestCandidateWaitsForLaggingQueue(t *testing.T) {
	wm := NewWatermarks(2)
	wm.Advance(0, 0, 10)
	wm.Advance(0, 1, 4)
	wm.Advance(1, 0, 3)
	wm.Advance(1, 1, 4)
	src := &fixedSource{pos: domain.StreamPosition{0: 10, 1: 4}}
	store := newSQLiteStore(t)
	m, committer := newTestManager(t, wm, src, store, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	m.QueueCandidateIfNeeded()
	time.Sleep(60 * time.Millisecond)
	if got := committer.all(); len(got) != 0 {
		t.Fatalf("committed %v while queue 1 lags at shard 0", got)
	}
	if _, ok := m.LastCommitted(); ok {
		t.Fatalf("record written before safety held")
	}

	wm.Advance(1, 0, 10)
	deadline := time.After(2 * time.Second)
	for len(committer.all()) == 0 {
		select {
		case <-deadline:
			t.Fatalf("candidate never committed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	got := committer.all()[0]
	if !got.Equal(domain.StreamPosition{0: 10, 1: 4}) {
		t.Fatalf("committed %v", got)
	}
	rec, ok, err := store.LoadCheckpoint(context.Background(), "ckpt.iad.ord.g1.i0")
	if err != nil || !ok || !rec.Position.Equal(got) {
		t.Fatalf("durable record = %+v, %t, %v", rec, ok, err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestShardMissingFromAQueueIsNotReady(t *testing.T) {
	wm := NewWatermarks(2)
	wm.Advance(0, 0, 10)
	wm.Advance(0, 1, 10)
	wm.Advance(1, 0, 10)
	if ok, shard := wm.Covers(domain.StreamPosition{0: 5, 1: 5}); ok || shard != 1 {
		t.Fatalf("covers = %t at shard %d", ok, shard)
	}
	low, unready := wm.Min()
	if len(unready) != 1 || unready[0] != 1 || low[0] != 10 {
		t.Fatalf("min = %v unready = %v", low, unready)
	}
}

func TestShutdownAbandonsUnsafeCandidate(t *testing.T) {
	wm := NewWatermarks(1)
	src := &fixedSource{pos: domain.StreamPosition{0: 7}}
	store := newSQLiteStore(t)
	m, committer := newTestManager(t, wm, src, store, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	m.QueueCandidateIfNeeded()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not stop")
	}
	if len(committer.all()) != 0 {
		t.Fatalf("unsafe candidate committed on shutdown")
	}
	if _, ok, _ := store.LoadCheckpoint(context.Background(), "ckpt.iad.ord.g1.i0"); ok {
		t.Fatalf("unsafe candidate recorded on shutdown")
	}
}

func TestTriggersResetIndependently(t *testing.T) {
	wm := NewWatermarks(1)
	src := &fixedSource{pos: domain.StreamPosition{0: 1}}
	m, _ := newTestManager(t, wm, src, newSQLiteStore(t), Config{IntervalOps: 3, Interval: time.Hour})
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	m.lastTime = clock

	m.QueueCandidateIfNeeded()
	m.QueueCandidateIfNeeded()
	if len(m.candidates) != 0 {
		t.Fatalf("queued before op threshold")
	}
	m.QueueCandidateIfNeeded()
	if len(m.candidates) != 1 {
		t.Fatalf("op threshold did not queue a candidate")
	}

	// Same position again: never queued twice in a row.
	m.QueueCandidateIfNeeded()
	m.QueueCandidateIfNeeded()
	m.QueueCandidateIfNeeded()
	if len(m.candidates) != 1 {
		t.Fatalf("duplicate candidate queued")
	}

	src.set(domain.StreamPosition{0: 2})
	clock = clock.Add(time.Hour)
	m.QueueCandidateIfNeeded()
	if len(m.candidates) != 2 {
		t.Fatalf("time threshold did not queue a candidate")
	}
	if m.opsSince != 1 {
		t.Fatalf("time trigger reset the op counter: %d", m.opsSince)
	}
}

func TestDropStaleWaitsForWholeGroup(t *testing.T) {
	ctx := context.Background()
	store := newSQLiteStore(t)
	save := func(id Identity) {
		t.Helper()
		if err := store.SaveCheckpoint(ctx, storage.CheckpointRecord{Name: id.Name(), Position: domain.StreamPosition{0: 1}, CommittedAt: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}
	save(identity(2, 0))
	save(identity(2, 1))
	save(identity(3, 0))
	save(identity(3, 1))
	save(Identity{SourceRegion: "phx", TargetRegion: "ord", GroupTotal: 2, GroupIndex: 0})

	leader, _ := newTestManager(t, NewWatermarks(1), &fixedSource{}, store, Config{Identity: identity(3, 0)})
	follower, _ := newTestManager(t, NewWatermarks(1), &fixedSource{}, store, Config{Identity: identity(3, 2)})

	count := func(prefix string) int {
		recs, err := store.ListCheckpoints(ctx, prefix)
		if err != nil {
			t.Fatal(err)
		}
		return len(recs)
	}

	if err := leader.DropStaleIfPossible(ctx); err != nil {
		t.Fatal(err)
	}
	if n := count("ckpt.iad.ord."); n != 4 {
		t.Fatalf("removed records with 2 of 3 peers present: %d left", n)
	}

	save(identity(3, 2))
	if err := follower.DropStaleIfPossible(ctx); err != nil {
		t.Fatal(err)
	}
	if n := count("ckpt.iad.ord."); n != 5 {
		t.Fatalf("non-zero index removed records: %d left", n)
	}

	if err := leader.DropStaleIfPossible(ctx); err != nil {
		t.Fatal(err)
	}
	if n := count("ckpt.iad.ord.g2."); n != 0 {
		t.Fatalf("stale records survived: %d", n)
	}
	if n := count("ckpt.iad.ord.g3."); n != 3 {
		t.Fatalf("current records = %d", n)
	}
	if n := count("ckpt.phx."); n != 1 {
		t.Fatalf("other region pair touched")
	}
}

func TestIdentityRoundTrip(t *testing.T) {
	id := identity(4, 3)
	if id.Name() != "ckpt.iad.ord.g4.i3" {
		t.Fatalf("name = %q", id.Name())
	}
	got, err := ParseIdentity(id.Name())
	if err != nil || got != id {
		t.Fatalf("parse = %+v, %v", got, err)
	}
	for _, bad := range []string{"ckpt.iad.ord.g4", "x.iad.ord.g4.i3", "ckpt.iad.ord.g2.i2", "ckpt.iad.ord.gx.i0"} {
		if _, err := ParseIdentity(bad); err == nil {
			t.Fatalf("parsed malformed name %q", bad)
		}
	}
}

func TestWatermarksNeverDecrease(t *testing.T) {
	f := func(steps []uint16) bool {
		wm := NewWatermarks(1)
		var high uint64
		for _, s := range steps {
			wm.Advance(0, 0, uint64(s))
			if uint64(s) > high {
				high = uint64(s)
			}
			if got := wm.Slot(0)[0]; len(steps) > 0 && got != high {
				return false
			}
		}
		return true
	}
	if err := quick.Check(f, nil); err != nil {
		t.Fatal(err)
	}
}
