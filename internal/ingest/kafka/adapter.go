// Package kafka delivers one source region's change stream from a Kafka topic. Each
// partition is a shard and each record offset a position within it.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
	"go.uber.org/zap"

	"regionsync/internal/domain"
	"regionsync/internal/metrics"
)

const (
	ParseModeJSON     = "json_envelope"
	ParseModeProtobuf = "protobuf_envelope"
	ParseModeCustom   = "custom_mapper"
)

// Requester grants the adapter credit to deliver more operations.
type Requester interface {
	Request(n int)
}

// Subscriber receives the operations of the stream. OnNext is called from the poll loop,
// in offset order per partition, and consumes one credit per call. A non-nil error from
// OnNext stops the subscription.
type Subscriber interface {
	OnSubscribe(r Requester)
	OnNext(op domain.StreamOperation) error
	OnError(err error)
}

type Mapper interface {
	MapKafkaRecord(*kgo.Record) (domain.StreamOperation, error)
}

type Config struct {
	Brokers        []string
	Topic          string
	GroupID        string
	ClientID       string
	SourceRegion   string
	MaxPollRecords int
	ParseMode      string
	Auth           AuthConfig
	Fetch          FetchConfig

	// StartPosition is the last durable checkpoint. Records at or below it were applied
	// before and are not delivered again.
	StartPosition domain.StreamPosition

	CustomMapper Mapper
}

type AuthConfig struct {
	SASL SASLConfig
	TLS  TLSConfig
}

type SASLConfig struct {
	Enabled   bool
	Mechanism string
	Username  string
	Password  string
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

type Adapter struct {
	cfg     Config
	client  *kgo.Client
	sub     Subscriber
	logger  *zap.Logger
	metrics *metrics.Stream

	creditMu sync.Mutex
	credit   int
	creditCh chan struct{}

	pauseMux sync.Mutex
	paused   bool

	posMu     sync.Mutex
	delivered domain.StreamPosition

	markCommit   func(map[string]map[int32]kgo.EpochOffset)
	commitMarked func(context.Context) error
	pauseFetch   func(...string)
	resumeFetch  func(...string)
}

func NewAdapter(cfg Config, sub Subscriber, logger *zap.Logger, opts ...kgo.Opt) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.Auth.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.Auth.TLS.InsecureSkipVerify}))
	}
	if cfg.Auth.SASL.Enabled {
		mech, err := saslMechanism(cfg.Auth.SASL)
		if err != nil {
			return nil, err
		}
		kopts = append(kopts, kgo.SASL(mech))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	a := newAdapter(cfg, sub, logger)
	a.client = cl
	a.markCommit = func(offsets map[string]map[int32]kgo.EpochOffset) { cl.MarkCommitOffsets(offsets) }
	a.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	a.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	a.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }
	return a, nil
}

func newAdapter(cfg Config, sub Subscriber, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	delivered := cfg.StartPosition.Clone()
	return &Adapter{
		cfg:       cfg,
		sub:       sub,
		logger:    logger.With(zap.String("sourceRegion", cfg.SourceRegion), zap.String("topic", cfg.Topic)),
		metrics:   metrics.ForRegion(cfg.SourceRegion),
		creditCh:  make(chan struct{}, 1),
		delivered: delivered,
	}
}

func saslMechanism(c SASLConfig) (sasl.Mechanism, error) {
	switch strings.ToUpper(c.Mechanism) {
	case "", "PLAIN":
		return plain.Auth{User: c.Username, Pass: c.Password}.AsMechanism(), nil
	case "SCRAM-SHA-256":
		return scram.Auth{User: c.Username, Pass: c.Password}.AsSha256Mechanism(), nil
	case "SCRAM-SHA-512":
		return scram.Auth{User: c.Username, Pass: c.Password}.AsSha512Mechanism(), nil
	default:
		return nil, fmt.Errorf("unsupported sasl mechanism %q", c.Mechanism)
	}
}

func (c *Config) withDefaults() {
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.ParseMode == "" {
		c.ParseMode = ParseModeJSON
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if c.Topic == "" {
		return errors.New("kafka.topic is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	if c.SourceRegion == "" {
		return errors.New("kafka: source region is required")
	}
	switch c.ParseMode {
	case ParseModeJSON, ParseModeProtobuf:
	case ParseModeCustom:
		if c.CustomMapper == nil {
			return errors.New("kafka: custom mapper not configured")
		}
	default:
		return fmt.Errorf("unsupported parse mode %q", c.ParseMode)
	}
	return nil
}

// Start polls until ctx ends or the stream fails. A fetch failure is reported to OnError
// and returned.
func (a *Adapter) Start(ctx context.Context) error {
	defer a.client.Close()
	a.sub.OnSubscribe(a)
	a.logger.Info("stream subscription started", zap.Any("startPosition", map[domain.ShardID]uint64(a.cfg.StartPosition)))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fetches := a.client.PollRecords(ctx, a.cfg.MaxPollRecords)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return ctx.Err()
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			err := fmt.Errorf("fetch %s/%d: %w", errs[0].Topic, errs[0].Partition, errs[0].Err)
			a.sub.OnError(err)
			return err
		}
		var err error
		fetches.EachRecord(func(rec *kgo.Record) {
			if err == nil {
				err = a.deliver(ctx, rec)
			}
		})
		a.client.AllowRebalance()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

func (a *Adapter) deliver(ctx context.Context, rec *kgo.Record) error {
	shard, seq := domain.ShardID(rec.Partition), uint64(rec.Offset)
	if done, ok := a.cfg.StartPosition[shard]; ok && seq <= done {
		return nil
	}
	op, err := a.normalizeRecord(rec)
	if err != nil {
		// The record takes no credit and does not move the position itself; the next
		// decoded record on this partition moves the position, and checkpoints, past it.
		a.logger.Warn("undecodable stream record skipped",
			zap.Int32("partition", rec.Partition), zap.Int64("offset", rec.Offset), zap.Error(err))
		a.metrics.Skipped("", "undecodable")
		return nil
	}
	if err := a.acquire(ctx); err != nil {
		return err
	}
	a.posMu.Lock()
	a.delivered.Advance(shard, seq)
	a.posMu.Unlock()
	return a.sub.OnNext(op)
}

// Request adds n credits; each delivered operation consumes one.
func (a *Adapter) Request(n int) {
	if n <= 0 {
		return
	}
	a.creditMu.Lock()
	a.credit += n
	a.creditMu.Unlock()
	select {
	case a.creditCh <- struct{}{}:
	default:
	}
}

func (a *Adapter) acquire(ctx context.Context) error {
	for {
		a.creditMu.Lock()
		if a.credit > 0 {
			a.credit--
			a.creditMu.Unlock()
			a.maybeResume()
			return nil
		}
		a.creditMu.Unlock()
		a.maybePause()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.creditCh:
		}
	}
}

// CurrentPosition is the highest offset delivered per partition.
func (a *Adapter) CurrentPosition() domain.StreamPosition {
	a.posMu.Lock()
	defer a.posMu.Unlock()
	return a.delivered.Clone()
}

// Checkpoint commits pos to the consumer group. Kafka stores the next offset to read, so
// each partition is committed at offset+1.
func (a *Adapter) Checkpoint(ctx context.Context, pos domain.StreamPosition) error {
	if len(pos) == 0 {
		return nil
	}
	offsets := make(map[int32]kgo.EpochOffset, len(pos))
	for shard, seq := range pos {
		offsets[int32(shard)] = kgo.EpochOffset{Epoch: -1, Offset: int64(seq) + 1}
	}
	a.markCommit(map[string]map[int32]kgo.EpochOffset{a.cfg.Topic: offsets})
	if err := a.commitMarked(ctx); err != nil {
		if kerr.IsRetriable(err) {
			return fmt.Errorf("commit offsets: %w: %v", domain.ErrTransient, err)
		}
		return fmt.Errorf("commit offsets: %w", err)
	}
	return nil
}

func (a *Adapter) maybePause() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if a.paused {
		return
	}
	a.pauseFetch(a.cfg.Topic)
	a.paused = true
	a.logger.Debug("fetching paused, no credit")
}

func (a *Adapter) maybeResume() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if !a.paused {
		return
	}
	a.resumeFetch(a.cfg.Topic)
	a.paused = false
}
