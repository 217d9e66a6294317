package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"regionsync/internal/config"
	"regionsync/internal/domain"
	"regionsync/internal/ingest/kafka"
	"regionsync/internal/metadata"
	"regionsync/internal/region"
	"regionsync/internal/storage"
	"regionsync/internal/storage/sqlite"
)

// fakeTransport replays ops, one per credit, then idles until stopped.
type fakeTransport struct {
	ops []domain.StreamOperation
	err error

	mu        sync.Mutex
	credit    int
	pos       domain.StreamPosition
	committed []domain.StreamPosition
	wake      chan struct{}
}

func newFakeTransport(ops []domain.StreamOperation) *fakeTransport {
	return &fakeTransport{ops: ops, pos: domain.StreamPosition{}, wake: make(chan struct{}, 1)}
}

func (f *fakeTransport) Request(n int) {
	f.mu.Lock()
	f.credit += n
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *fakeTransport) take(ctx context.Context) error {
	for {
		f.mu.Lock()
		if f.credit > 0 {
			f.credit--
			f.mu.Unlock()
			return nil
		}
		f.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.wake:
		}
	}
}

func (f *fakeTransport) run(ctx context.Context, sub kafka.Subscriber) error {
	sub.OnSubscribe(f)
	for _, op := range f.ops {
		if err := f.take(ctx); err != nil {
			return err
		}
		f.mu.Lock()
		f.pos.Advance(op.Shard, op.Position)
		f.mu.Unlock()
		if err := sub.OnNext(op); err != nil {
			return err
		}
	}
	if f.err != nil {
		sub.OnError(f.err)
		return f.err
	}
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeTransport) CurrentPosition() domain.StreamPosition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos.Clone()
}

func (f *fakeTransport) Checkpoint(_ context.Context, pos domain.StreamPosition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, pos.Clone())
	return nil
}

type boundTransport struct {
	*fakeTransport
	sub kafka.Subscriber
}

func (b boundTransport) Start(ctx context.Context) error { return b.run(ctx, b.sub) }

func testConfig() config.Config {
	return config.Config{
		Agent: config.AgentConfig{
			LocalRegion:      "ord",
			SourceRegions:    []string{"iad"},
			GroupTotal:       1,
			MaxConcurrentOps: 4,
			RetryDelay:       10 * time.Millisecond,
			ShutdownTimeout:  time.Second,
		},
		Checkpoint: config.CheckpointConfig{IntervalOps: 1, PollTimeout: 20 * time.Millisecond, SafetyRecheck: 5 * time.Millisecond},
		Tables: []config.TableConfig{{
			ID:         10,
			Name:       "users",
			PrimaryKey: []string{"id"},
			Fields: []config.FieldConfig{
				{Name: "id", Type: "string"},
				{Name: "age", Type: "long", Optional: true},
			},
		}},
	}
}

func userOp(pos uint64, key string, age int, mod time.Time) domain.StreamOperation {
	return domain.StreamOperation{
		Type:     domain.OpPut,
		Key:      key,
		Shard:    0,
		Position: pos,
		ModTime:  mod,
		Row: domain.Row{
			Table:      "users",
			PrimaryKey: []string{"id"},
			Fields:     map[string]any{"id": key, "age": age},
			RegionID:   domain.RegionIDLocal,
			ModTime:    mod,
		},
	}
}

func newTestAgent(t *testing.T, cfg config.Config, tr *fakeTransport) (*Agent, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	catalog := metadata.NewCatalog(region.NewTranslator(region.Snapshot{Local: "ord", IDs: map[string]domain.RegionID{"iad": 7}}), nil)
	factory := func(source string, start domain.StreamPosition, sub kafka.Subscriber, _ *zap.Logger) (Transport, error) {
		return boundTransport{fakeTransport: tr, sub: sub}, nil
	}
	return New(cfg, catalog, store, nil, WithTransportFactory(factory)), store
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAgentReplicatesAndCheckpoints(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tr := newFakeTransport([]domain.StreamOperation{
		userOp(0, "u1", 1, base),
		userOp(1, "u2", 2, base),
		userOp(2, "u1", 3, base.Add(time.Second)),
	})
	a, store := newTestAgent(t, testConfig(), tr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	waitFor(t, "checkpoint at position 2", func() bool {
		rec, ok, err := store.LoadCheckpoint(context.Background(), "ckpt.iad.ord.g1.i0")
		return err == nil && ok && rec.Position.Equal(domain.StreamPosition{0: 2})
	})

	row, ok, err := store.Get(context.Background(), "users", map[string]any{"id": "u1"})
	if err != nil || !ok {
		t.Fatalf("get u1: %t, %v", ok, err)
	}
	if fmt.Sprint(row.Fields["age"]) != "3" || row.RegionID != 7 {
		t.Fatalf("unexpected u1: %+v", row)
	}

	status := a.Status()
	if len(status) != 1 || status[0].SubscriptionID == "" || status[0].Error != "" {
		t.Fatalf("unexpected status: %+v", status)
	}
	if !a.Healthy() {
		t.Fatalf("healthy stream reported unhealthy")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if n := len(tr.committed); n == 0 || !tr.committed[n-1].Equal(domain.StreamPosition{0: 2}) {
		t.Fatalf("transport commits = %v", tr.committed)
	}
}

func TestAgentResumesFromCheckpoint(t *testing.T) {
	tr := newFakeTransport(nil)
	cfg := testConfig()
	store, err := sqlite.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if err := store.SaveCheckpoint(context.Background(), storage.CheckpointRecord{
		Name: "ckpt.iad.ord.g1.i0", Position: domain.StreamPosition{0: 41, 1: 7}, CommittedAt: time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	var gotStart domain.StreamPosition
	started := make(chan struct{})
	catalog := metadata.NewCatalog(region.NewTranslator(region.Snapshot{Local: "ord"}), nil)
	a := New(cfg, catalog, store, nil, WithTransportFactory(func(_ string, start domain.StreamPosition, sub kafka.Subscriber, _ *zap.Logger) (Transport, error) {
		gotStart = start
		close(started)
		return boundTransport{fakeTransport: tr, sub: sub}, nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	<-started
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if !gotStart.Equal(domain.StreamPosition{0: 41, 1: 7}) {
		t.Fatalf("transport started at %v", gotStart)
	}
}

func TestTransportFailureStopsRun(t *testing.T) {
	tr := newFakeTransport(nil)
	tr.err = errors.New("broker gone")
	a, _ := newTestAgent(t, testConfig(), tr)

	select {
	case err := <-runAsync(a):
		if !errors.Is(err, tr.err) {
			t.Fatalf("run = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not stop on transport failure")
	}
	if a.Healthy() {
		t.Fatalf("failed stream reported healthy")
	}
}

func TestUnassignedRegionIsFatal(t *testing.T) {
	op := userOp(0, "u1", 1, time.Now())
	op.Row.RegionID = domain.RegionIDNull
	tr := newFakeTransport([]domain.StreamOperation{op})
	a, _ := newTestAgent(t, testConfig(), tr)

	select {
	case err := <-runAsync(a):
		if !errors.Is(err, domain.ErrUnassignedRegion) {
			t.Fatalf("run = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not stop on fatal engine error")
	}
}

func runAsync(a *Agent) <-chan error {
	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()
	return done
}
