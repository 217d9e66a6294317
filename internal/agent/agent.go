// Package agent runs one replication stream per source region into the local region.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"regionsync/internal/apply"
	"regionsync/internal/checkpoint"
	"regionsync/internal/config"
	"regionsync/internal/domain"
	"regionsync/internal/ingest/kafka"
	"regionsync/internal/metadata"
	"regionsync/internal/metadata/amqpwatch"
	"regionsync/internal/metrics"
	"regionsync/internal/storage"
	"regionsync/internal/storage/sqlite"
	"regionsync/internal/transfer"
)

// Store is the local table and checkpoint store.
type Store interface {
	storage.TableStore
	storage.CheckpointStore
}

// Transport is one source region's change stream.
type Transport interface {
	Start(ctx context.Context) error
	CurrentPosition() domain.StreamPosition
	Checkpoint(ctx context.Context, pos domain.StreamPosition) error
}

// TransportFactory opens the stream of sourceRegion positioned after start.
type TransportFactory func(sourceRegion string, start domain.StreamPosition, sub kafka.Subscriber, logger *zap.Logger) (Transport, error)

type Option func(*Agent)

func WithTransportFactory(f TransportFactory) Option {
	return func(a *Agent) { a.newTransport = f }
}

type Agent struct {
	cfg     config.Config
	catalog *metadata.Catalog
	store   Store
	logger  *zap.Logger

	newTransport TransportFactory

	mu      sync.Mutex
	streams map[string]*stream
}

func New(cfg config.Config, catalog *metadata.Catalog, store Store, logger *zap.Logger, opts ...Option) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Agent{
		cfg:     cfg,
		catalog: catalog,
		store:   store,
		logger:  logger.With(zap.String("localRegion", cfg.Agent.LocalRegion)),
		streams: map[string]*stream{},
	}
	a.newTransport = a.kafkaTransport
	for _, opt := range opts {
		opt(a)
	}
	catalog.OnChange(a.syncTable)
	return a
}

// syncTable keeps the store's table definitions in step with the catalog.
func (a *Agent) syncTable(name string, t *domain.Table) {
	ctx := context.Background()
	if t == nil {
		if err := a.store.DropTable(ctx, name); err != nil {
			a.logger.Error("drop table failed", zap.String("table", name), zap.Error(err))
		}
		return
	}
	if err := a.store.EnsureTable(ctx, t); err != nil {
		a.logger.Error("install table failed", zap.String("table", name), zap.Int("version", t.Version), zap.Error(err))
	}
}

func (a *Agent) kafkaTransport(source string, start domain.StreamPosition, sub kafka.Subscriber, logger *zap.Logger) (Transport, error) {
	k := a.cfg.Kafka
	ad, err := kafka.NewAdapter(kafka.Config{
		Brokers:        k.Brokers,
		Topic:          k.Topic(source),
		GroupID:        a.cfg.ConsumerGroup(source),
		ClientID:       k.ClientID,
		SourceRegion:   source,
		MaxPollRecords: k.MaxPollRecords,
		ParseMode:      k.ParseMode,
		StartPosition:  start,
		Auth: kafka.AuthConfig{
			SASL: kafka.SASLConfig{Enabled: k.SASL.Enabled, Mechanism: k.SASL.Mechanism, Username: k.SASL.Username, Password: k.SASL.Password},
			TLS:  kafka.TLSConfig{Enabled: k.TLS.Enabled, InsecureSkipVerify: k.TLS.InsecureSkipVerify},
		},
		Fetch: kafka.FetchConfig{MaxWait: k.FetchMaxWait, MaxBytes: k.FetchMaxBytes},
	}, sub, logger)
	if err != nil {
		return nil, err
	}
	return ad, nil
}

// Run seeds the catalog, starts the schema watcher when enabled and replicates every
// source region until ctx ends. The first unrecoverable stream failure stops all streams
// and is returned.
func (a *Agent) Run(ctx context.Context) error {
	tables, err := a.cfg.TableDefinitions()
	if err != nil {
		return err
	}
	for _, t := range tables {
		if _, err := a.catalog.PutTable(t); err != nil {
			return fmt.Errorf("seed table %q: %w", t.Name, err)
		}
	}

	if a.cfg.RabbitMQ.Enabled {
		w, err := amqpwatch.New(watcherConfig(a.cfg.RabbitMQ), a.catalog, a.logger)
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		defer w.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, source := range a.cfg.Agent.SourceRegions {
		source := source
		g.Go(func() error {
			if err := a.runStream(gctx, source); err != nil {
				return fmt.Errorf("stream %s: %w", source, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func watcherConfig(c config.RabbitMQConfig) amqpwatch.Config {
	return amqpwatch.Config{
		URL:           c.URL,
		Endpoints:     c.Endpoints,
		Exchange:      c.Exchange,
		Queue:         c.Queue,
		RoutingKeys:   c.RoutingKeys,
		PrefetchCount: c.PrefetchCount,
		Auth:          amqpwatch.AuthConfig{Username: c.Username, Password: c.Password},
		TLS: amqpwatch.TLSConfig{
			Enabled:            c.TLS.Enabled,
			InsecureSkipVerify: c.TLS.InsecureSkipVerify,
			ServerName:         c.TLS.ServerName,
			CAFile:             c.TLS.CAFile,
			CertFile:           c.TLS.CertFile,
			KeyFile:            c.TLS.KeyFile,
		},
	}
}

func (a *Agent) runStream(ctx context.Context, source string) error {
	id := checkpoint.Identity{
		SourceRegion: source,
		TargetRegion: a.cfg.Agent.LocalRegion,
		GroupTotal:   a.cfg.Agent.GroupTotal,
		GroupIndex:   a.cfg.Agent.GroupIndex,
	}
	st := newStream(source, a.cfg.Agent.MaxConcurrentOps, a.logger)
	m := metrics.ForRegion(source)

	wm := checkpoint.NewWatermarks(a.cfg.Agent.MaxConcurrentOps)
	engine, err := apply.NewEngine(apply.Config{
		SourceRegion:     source,
		MaxConcurrentOps: a.cfg.Agent.MaxConcurrentOps,
		RetryDelay:       a.cfg.Agent.RetryDelay,
		Metrics:          m,
		OnFatal:          st.report,
	}, a.catalog, a.store, wm, st.logger)
	if err != nil {
		return err
	}
	manager, err := checkpoint.NewManager(checkpoint.Config{
		Identity:           id,
		Interval:           a.cfg.Checkpoint.Interval,
		IntervalOps:        a.cfg.Checkpoint.IntervalOps,
		CandidateQueueSize: a.cfg.Checkpoint.QueueSize,
		PollTimeout:        a.cfg.Checkpoint.PollTimeout,
		SafetyRecheck:      a.cfg.Checkpoint.SafetyRecheck,
		Metrics:            m,
	}, wm, st, a.store, st.logger)
	if err != nil {
		return err
	}
	start, resumed, err := manager.Resume(ctx)
	if err != nil {
		return fmt.Errorf("load checkpoint %s: %w", id.Name(), err)
	}
	if resumed {
		st.logger.Info("resuming from checkpoint", zap.Any("position", map[domain.ShardID]uint64(start)))
	}
	st.engine, st.manager = engine, manager

	transport, err := a.newTransport(source, start, st, st.logger)
	if err != nil {
		_ = engine.Close(ctx)
		return err
	}
	st.setTransport(transport)
	manager.SetCommitter(transport)
	manager.SetRefresher(engine)

	a.mu.Lock()
	a.streams[source] = st
	a.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error { return ignoreCanceled(transport.Start(gctx)) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-st.fatal:
			return err
		}
	})
	err = g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Agent.ShutdownTimeout)
	defer cancel()
	if cerr := engine.Close(closeCtx); cerr != nil {
		st.logger.Warn("engine did not drain before shutdown", zap.Error(cerr))
	}
	if err != nil {
		st.fail(err)
		return err
	}
	st.logger.Info("stream stopped")
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Transfer copies one table from the store snapshot of sourceRegion into the local store.
func (a *Agent) Transfer(ctx context.Context, sourceRegion, table string) (transfer.Stats, error) {
	tables, err := a.cfg.TableDefinitions()
	if err != nil {
		return transfer.Stats{}, err
	}
	for _, t := range tables {
		if _, ok := a.catalog.Table(t.Name); ok {
			continue
		}
		if _, err := a.catalog.PutTable(t); err != nil {
			return transfer.Stats{}, fmt.Errorf("seed table %q: %w", t.Name, err)
		}
	}

	dir, ok := a.cfg.Transfer.SourceDirs[sourceRegion]
	if !ok {
		return transfer.Stats{}, fmt.Errorf("transfer.source_dirs has no entry for %q", sourceRegion)
	}
	src, err := sqlite.NewStore(dir)
	if err != nil {
		return transfer.Stats{}, fmt.Errorf("open source store: %w", err)
	}
	defer src.Close()

	tr, err := transfer.New(transfer.Config{SourceRegion: sourceRegion, RowsPerSecond: a.cfg.Transfer.RowsPerSecond}, a.catalog, src, a.store, a.logger)
	if err != nil {
		return transfer.Stats{}, err
	}
	if a.cfg.Transfer.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.Transfer.Timeout)
		defer cancel()
	}
	return tr.Run(ctx, table)
}

// StreamStatus is a point-in-time view of one source region's stream.
type StreamStatus struct {
	SourceRegion   string                `json:"source_region"`
	SubscriptionID string                `json:"subscription_id"`
	Position       domain.StreamPosition `json:"position"`
	Checkpoint     domain.StreamPosition `json:"checkpoint,omitempty"`
	CheckpointAt   *time.Time            `json:"checkpoint_at,omitempty"`
	QueueDepths    []int                 `json:"queue_depths"`
	Error          string                `json:"error,omitempty"`
}

func (a *Agent) Status() []StreamStatus {
	a.mu.Lock()
	streams := make([]*stream, 0, len(a.streams))
	for _, st := range a.streams {
		streams = append(streams, st)
	}
	a.mu.Unlock()
	sort.Slice(streams, func(i, j int) bool { return streams[i].source < streams[j].source })

	out := make([]StreamStatus, 0, len(streams))
	for _, st := range streams {
		out = append(out, st.status())
	}
	return out
}

// Healthy reports false once any stream has failed.
func (a *Agent) Healthy() bool {
	for _, s := range a.Status() {
		if s.Error != "" {
			return false
		}
	}
	return true
}
