// Package amqpwatch keeps the table catalog current from schema notices published on
// RabbitMQ. Notices are applied one at a time in delivery order.
package amqpwatch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"regionsync/internal/domain"
	"regionsync/internal/region"
)

const (
	ActionUpsert  = "upsert"
	ActionDrop    = "drop"
	ActionRegions = "regions"
)

// Catalog receives the decoded notices.
type Catalog interface {
	PutTable(t *domain.Table) (*domain.Table, error)
	RemoveTable(name string) bool
	Translator() *region.Translator
}

type Config struct {
	URL           string
	Endpoints     []string
	Exchange      string
	Queue         string
	RoutingKeys   []string
	ConsumerTag   string
	PrefetchCount int
	TLS           TLSConfig
	Auth          AuthConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

type AuthConfig struct {
	Username string
	Password string
}

// notice is the message body. Table is set for upsert, Name (or Table.Name) for drop and
// Regions for a region map change.
type notice struct {
	Action  string         `json:"action"`
	Table   *domain.Table  `json:"table"`
	Name    string         `json:"name"`
	Regions *regionsNotice `json:"regions"`
}

type regionsNotice struct {
	Local string                                `json:"local"`
	Views map[string]map[domain.RegionID]string `json:"views"`
	IDs   map[string]domain.RegionID            `json:"ids"`
}

type Watcher struct {
	cfg     Config
	catalog Catalog
	logger  *zap.Logger

	conn    *amqp091.Connection
	ch      *amqp091.Channel
	deliver <-chan amqp091.Delivery

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
	wg        sync.WaitGroup
}

func (c Config) Validate() error {
	if c.Queue == "" {
		return fmt.Errorf("rabbitmq queue is required")
	}
	if c.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}
	if c.PrefetchCount < 1 {
		return fmt.Errorf("rabbitmq prefetch_count must be >= 1")
	}
	if c.endpoint() == "" {
		return fmt.Errorf("rabbitmq url or endpoints is required")
	}
	return nil
}

func (c Config) endpoint() string {
	if strings.TrimSpace(c.URL) != "" {
		return strings.TrimSpace(c.URL)
	}
	for _, e := range c.Endpoints {
		if strings.TrimSpace(e) != "" {
			return strings.TrimSpace(e)
		}
	}
	return ""
}

func New(cfg Config, catalog Catalog, logger *zap.Logger) (*Watcher, error) {
	if cfg.PrefetchCount == 0 {
		cfg.PrefetchCount = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}
	if cfg.ConsumerTag == "" {
		cfg.ConsumerTag = "regionsync-schema"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{cfg: cfg, catalog: catalog, logger: logger.With(zap.String("queue", cfg.Queue)), closed: make(chan struct{})}, nil
}

// Start connects, declares the topology and begins consuming in the background.
func (w *Watcher) Start(ctx context.Context) error {
	dialCfg := amqp091.Config{}
	if w.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: w.cfg.Auth.Username, Password: w.cfg.Auth.Password}}
	}
	if tlsCfg, err := w.buildTLSConfig(); err != nil {
		return err
	} else if tlsCfg != nil {
		dialCfg.TLSClientConfig = tlsCfg
	}
	conn, err := amqp091.DialConfig(w.cfg.endpoint(), dialCfg)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	fail := func(err error) error {
		ch.Close()
		conn.Close()
		return err
	}
	if err := ch.Qos(w.cfg.PrefetchCount, 0, false); err != nil {
		return fail(fmt.Errorf("set prefetch: %w", err))
	}
	if err := ch.ExchangeDeclare(w.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fail(fmt.Errorf("declare exchange: %w", err))
	}
	if _, err := ch.QueueDeclare(w.cfg.Queue, true, false, false, false, nil); err != nil {
		return fail(fmt.Errorf("declare queue: %w", err))
	}
	routingKeys := w.cfg.RoutingKeys
	if len(routingKeys) == 0 {
		routingKeys = []string{"#"}
	}
	for _, key := range routingKeys {
		if err := ch.QueueBind(w.cfg.Queue, key, w.cfg.Exchange, false, nil); err != nil {
			return fail(fmt.Errorf("bind queue key=%s: %w", key, err))
		}
	}
	deliveries, err := ch.Consume(w.cfg.Queue, w.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fail(fmt.Errorf("consume queue: %w", err))
	}
	w.conn, w.ch, w.deliver = conn, ch, deliveries

	w.wg.Add(1)
	go w.readLoop(ctx)
	w.logger.Info("schema watcher started", zap.String("exchange", w.cfg.Exchange))
	return nil
}

func (w *Watcher) Close() error {
	w.closeOnce.Do(func() {
		close(w.closed)
		if w.ch != nil {
			_ = w.ch.Cancel(w.cfg.ConsumerTag, false)
		}
		w.wg.Wait()
		var errs []error
		if w.ch != nil {
			if err := w.ch.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if w.conn != nil {
			if err := w.conn.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		w.closeErr = errors.Join(errs...)
	})
	return w.closeErr
}

func (w *Watcher) readLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.closed:
			return
		case d, ok := <-w.deliver:
			if !ok {
				return
			}
			w.processDelivery(d)
		}
	}
}

func (w *Watcher) processDelivery(d amqp091.Delivery) {
	n, err := parseNotice(d.Body)
	if err != nil {
		w.logger.Warn("malformed schema notice dropped", zap.Uint64("deliveryTag", d.DeliveryTag), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	if err := w.apply(n); err != nil {
		if domain.IsTransient(err) {
			_ = d.Nack(false, true)
			return
		}
		w.logger.Warn("schema notice rejected", zap.String("action", n.Action), zap.Error(err))
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

func parseNotice(body []byte) (notice, error) {
	var n notice
	if err := json.Unmarshal(body, &n); err != nil {
		return n, fmt.Errorf("unmarshal notice: %w", err)
	}
	switch n.Action {
	case ActionUpsert:
		if n.Table == nil {
			return n, fmt.Errorf("upsert notice without table")
		}
	case ActionDrop:
		if n.Name == "" && n.Table != nil {
			n.Name = n.Table.Name
		}
		if n.Name == "" {
			return n, fmt.Errorf("drop notice without table name")
		}
	case ActionRegions:
		if n.Regions == nil || n.Regions.Local == "" {
			return n, fmt.Errorf("regions notice without local region")
		}
	default:
		return n, fmt.Errorf("unsupported action %q", n.Action)
	}
	return n, nil
}

func (w *Watcher) apply(n notice) error {
	switch n.Action {
	case ActionUpsert:
		t, err := w.catalog.PutTable(n.Table)
		if err != nil {
			return err
		}
		w.logger.Info("table definition applied", zap.String("table", t.Name), zap.Int64("tableID", t.ID), zap.Int("version", t.Version))
	case ActionDrop:
		if !w.catalog.RemoveTable(n.Name) {
			w.logger.Debug("drop notice for unknown table", zap.String("table", n.Name))
			return nil
		}
		w.logger.Info("table removed from replication", zap.String("table", n.Name))
	case ActionRegions:
		w.catalog.Translator().Update(region.Snapshot{Local: n.Regions.Local, Views: n.Regions.Views, IDs: n.Regions.IDs})
		w.logger.Info("region map updated", zap.Int("regions", len(n.Regions.IDs)))
	}
	return nil
}

func (w *Watcher) buildTLSConfig() (*tls.Config, error) {
	if !w.cfg.TLS.Enabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: w.cfg.TLS.InsecureSkipVerify, ServerName: w.cfg.TLS.ServerName}
	if w.cfg.TLS.CAFile != "" {
		pemBytes, err := os.ReadFile(w.cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read rabbitmq ca_file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("parse rabbitmq ca_file")
		}
		tlsCfg.RootCAs = pool
	}
	if w.cfg.TLS.CertFile != "" || w.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(w.cfg.TLS.CertFile, w.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load rabbitmq cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
