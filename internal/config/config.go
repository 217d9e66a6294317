package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"regionsync/internal/domain"
	"regionsync/internal/region"
)

type Config struct {
	Agent      AgentConfig      `mapstructure:"agent"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	RabbitMQ   RabbitMQConfig   `mapstructure:"rabbitmq"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Transfer   TransferConfig   `mapstructure:"transfer"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Regions    RegionsConfig    `mapstructure:"regions"`
	Tables     []TableConfig    `mapstructure:"tables"`
}

type AgentConfig struct {
	LocalRegion      string        `mapstructure:"local_region"`
	SourceRegions    []string      `mapstructure:"source_regions"`
	GroupTotal       int           `mapstructure:"group_total"`
	GroupIndex       int           `mapstructure:"group_index"`
	MaxConcurrentOps int           `mapstructure:"max_concurrent_ops"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
}

type CheckpointConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	IntervalOps   int64         `mapstructure:"interval_ops"`
	QueueSize     int           `mapstructure:"queue_size"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout"`
	SafetyRecheck time.Duration `mapstructure:"safety_recheck"`
}

type KafkaConfig struct {
	Brokers        []string      `mapstructure:"brokers"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	GroupID        string        `mapstructure:"group_id"`
	ClientID       string        `mapstructure:"client_id"`
	MaxPollRecords int           `mapstructure:"max_poll_records"`
	ParseMode      string        `mapstructure:"parse_mode"`
	SASL           SASLConfig    `mapstructure:"sasl"`
	TLS            TLSConfig     `mapstructure:"tls"`
	FetchMaxWait   time.Duration `mapstructure:"fetch_max_wait"`
	FetchMaxBytes  int32         `mapstructure:"fetch_max_bytes"`
}

type SASLConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Mechanism string `mapstructure:"mechanism"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
}

type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
	ServerName         string `mapstructure:"server_name"`
	CAFile             string `mapstructure:"ca_file"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
}

type RabbitMQConfig struct {
	Enabled       bool      `mapstructure:"enabled"`
	URL           string    `mapstructure:"url"`
	Endpoints     []string  `mapstructure:"endpoints"`
	Exchange      string    `mapstructure:"exchange"`
	Queue         string    `mapstructure:"queue"`
	RoutingKeys   []string  `mapstructure:"routing_keys"`
	PrefetchCount int       `mapstructure:"prefetch_count"`
	Username      string    `mapstructure:"username"`
	Password      string    `mapstructure:"password"`
	TLS           TLSConfig `mapstructure:"tls"`
}

type StorageConfig struct {
	Dir string `mapstructure:"dir"`
}

type TransferConfig struct {
	RowsPerSecond float64       `mapstructure:"rows_per_second"`
	Timeout       time.Duration `mapstructure:"timeout"`
	// SourceDirs maps a source region to the directory of its store snapshot.
	SourceDirs map[string]string `mapstructure:"source_dirs"`
}

type AdminConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type RegionsConfig struct {
	// IDs maps region names to ids in the local numbering.
	IDs map[string]int `mapstructure:"ids"`
	// Views maps a source region to its own id -> region name table.
	Views map[string]map[string]string `mapstructure:"views"`
}

type TableConfig struct {
	ID         int64         `mapstructure:"id"`
	Name       string        `mapstructure:"name"`
	PrimaryKey []string      `mapstructure:"primary_key"`
	Flexible   bool          `mapstructure:"flexible"`
	Fields     []FieldConfig `mapstructure:"fields"`
}

type FieldConfig struct {
	Name         string   `mapstructure:"name"`
	Type         string   `mapstructure:"type"`
	Counter      bool     `mapstructure:"counter"`
	Optional     bool     `mapstructure:"optional"`
	Default      any      `mapstructure:"default"`
	CounterPaths []string `mapstructure:"counter_paths"`
}

// Load reads path (yaml or toml) when set; REGIONSYNC_* environment variables override it.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("regionsync")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.group_total", 1)
	v.SetDefault("agent.group_index", 0)
	v.SetDefault("agent.max_concurrent_ops", 64)
	v.SetDefault("agent.retry_delay", "100ms")
	v.SetDefault("agent.shutdown_timeout", "30s")
	v.SetDefault("checkpoint.interval", "10s")
	v.SetDefault("checkpoint.interval_ops", 10000)
	v.SetDefault("checkpoint.queue_size", 16)
	v.SetDefault("checkpoint.poll_timeout", "1s")
	v.SetDefault("checkpoint.safety_recheck", "50ms")
	v.SetDefault("kafka.topic_prefix", "regionsync.changes.")
	v.SetDefault("kafka.parse_mode", "json_envelope")
	v.SetDefault("kafka.max_poll_records", 500)
	v.SetDefault("rabbitmq.exchange", "regionsync.schema")
	v.SetDefault("rabbitmq.prefetch_count", 1)
	v.SetDefault("storage.dir", "data")
	v.SetDefault("transfer.timeout", "1h")
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.listen", ":9464")
	v.SetDefault("logging.level", "info")
}

func (c Config) Validate() error {
	if c.Agent.LocalRegion == "" {
		return fmt.Errorf("agent.local_region is required")
	}
	if len(c.Agent.SourceRegions) == 0 {
		return fmt.Errorf("agent.source_regions is required")
	}
	for _, r := range append([]string{c.Agent.LocalRegion}, c.Agent.SourceRegions...) {
		if strings.Contains(r, ".") {
			return fmt.Errorf("region %q: names must not contain '.'", r)
		}
	}
	for _, r := range c.Agent.SourceRegions {
		if r == c.Agent.LocalRegion {
			return fmt.Errorf("agent.source_regions must not contain the local region %q", r)
		}
	}
	if c.Agent.GroupTotal < 1 {
		return fmt.Errorf("agent.group_total must be >= 1")
	}
	if c.Agent.GroupIndex < 0 || c.Agent.GroupIndex >= c.Agent.GroupTotal {
		return fmt.Errorf("agent.group_index %d outside [0,%d)", c.Agent.GroupIndex, c.Agent.GroupTotal)
	}
	if c.Checkpoint.Interval <= 0 && c.Checkpoint.IntervalOps <= 0 {
		return fmt.Errorf("checkpoint.interval or checkpoint.interval_ops must be set")
	}
	if c.RabbitMQ.Enabled && c.RabbitMQ.Queue == "" {
		return fmt.Errorf("rabbitmq.queue is required when rabbitmq is enabled")
	}
	if c.Transfer.RowsPerSecond < 0 {
		return fmt.Errorf("transfer.rows_per_second must be >= 0")
	}
	if _, err := c.RegionSnapshot(); err != nil {
		return err
	}
	if _, err := c.TableDefinitions(); err != nil {
		return err
	}
	return nil
}

// Topic is the change stream topic of a source region.
func (c KafkaConfig) Topic(sourceRegion string) string {
	return c.TopicPrefix + sourceRegion
}

// ConsumerGroup defaults to one group per local region and source region pair.
func (c Config) ConsumerGroup(sourceRegion string) string {
	if c.Kafka.GroupID != "" {
		return c.Kafka.GroupID + "." + sourceRegion
	}
	return "regionsync." + c.Agent.LocalRegion + "." + sourceRegion
}

func (c Config) RegionSnapshot() (region.Snapshot, error) {
	s := region.Snapshot{
		Local: c.Agent.LocalRegion,
		IDs:   make(map[string]domain.RegionID, len(c.Regions.IDs)),
		Views: make(map[string]map[domain.RegionID]string, len(c.Regions.Views)),
	}
	for name, id := range c.Regions.IDs {
		if !domain.RegionID(id).Valid() {
			return s, fmt.Errorf("regions.ids.%s: %d is not a region id", name, id)
		}
		s.IDs[name] = domain.RegionID(id)
	}
	for src, view := range c.Regions.Views {
		m := make(map[domain.RegionID]string, len(view))
		for k, name := range view {
			id, err := strconv.Atoi(k)
			if err != nil || !domain.RegionID(id).Valid() {
				return s, fmt.Errorf("regions.views.%s: %q is not a region id", src, k)
			}
			m[domain.RegionID(id)] = name
		}
		s.Views[src] = m
	}
	return s, nil
}

func (c Config) TableDefinitions() ([]*domain.Table, error) {
	out := make([]*domain.Table, 0, len(c.Tables))
	for _, tc := range c.Tables {
		t := &domain.Table{ID: tc.ID, Name: tc.Name, PrimaryKey: tc.PrimaryKey, Flexible: tc.Flexible}
		if t.Name == "" || len(t.PrimaryKey) == 0 {
			return nil, fmt.Errorf("tables: name and primary_key are required (id %d)", tc.ID)
		}
		for _, fc := range tc.Fields {
			var ft domain.FieldType
			if err := ft.UnmarshalText([]byte(fc.Type)); err != nil {
				return nil, fmt.Errorf("tables.%s.%s: %w", tc.Name, fc.Name, err)
			}
			t.Fields = append(t.Fields, domain.Field{
				Name:         fc.Name,
				Type:         ft,
				Counter:      fc.Counter,
				Optional:     fc.Optional,
				Default:      fc.Default,
				CounterPaths: fc.CounterPaths,
			})
		}
		out = append(out, t)
	}
	return out, nil
}
