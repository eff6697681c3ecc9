package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/golden-vcr/micro-catalog/catalog"
	"github.com/golden-vcr/micro-catalog/db"
	"github.com/golden-vcr/micro-catalog/rmq"
)

// PathEnv names the environment variable that may point at a config file
const PathEnv = "CATALOG_CONFIG"

// candidatePaths are checked, in order, if no config file is named explicitly
var candidatePaths = []string{
	"config.yaml",
	"config/config.yaml",
	"/etc/micro-catalog/config.yaml",
}

type Config struct {
	App      AppConfig      `koanf:"app"`
	HTTP     ServerConfig   `koanf:"http"`
	GRPC     ServerConfig   `koanf:"grpc"`
	RabbitMQ RabbitMQConfig `koanf:"rabbitmq"`
	Postgres PostgresConfig `koanf:"postgres"`
	Sync     SyncConfig     `koanf:"sync"`
	Feed     FeedConfig     `koanf:"feed"`
}

type AppConfig struct {
	Name     string `koanf:"name"`
	LogLevel string `koanf:"log_level"`
}

type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

type RabbitMQConfig struct {
	URIs              []string         `koanf:"uris"`
	ConnectionName    string           `koanf:"connection_name"`
	Heartbeat         time.Duration    `koanf:"heartbeat"`
	DialTimeout       time.Duration    `koanf:"dial_timeout"`
	ReconnectDelay    time.Duration    `koanf:"reconnect_delay"`
	MaxReconnectDelay time.Duration    `koanf:"max_reconnect_delay"`
	Prefetch          int              `koanf:"prefetch"`
	Concurrency       int              `koanf:"concurrency"`
	Exchanges         []ExchangeConfig `koanf:"exchanges"`
}

type ExchangeConfig struct {
	Name       string         `koanf:"name"`
	Type       string         `koanf:"type"`
	Durable    bool           `koanf:"durable"`
	AutoDelete bool           `koanf:"auto_delete"`
	Internal   bool           `koanf:"internal"`
	Arguments  map[string]any `koanf:"arguments"`
}

type PostgresConfig struct {
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Database string `koanf:"database"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	SSLMode  string `koanf:"sslmode"`
}

type SyncConfig struct {
	Exchange           string `koanf:"exchange"`
	QueuePrefix        string `koanf:"queue_prefix"`
	DeadLetterExchange string `koanf:"dead_letter_exchange"`
}

type FeedConfig struct {
	HistorySize int           `koanf:"history_size"`
	Keepalive   time.Duration `koanf:"keepalive"`
}

// DeterminePath resolves the config file to load: an explicit path (e.g. from a -config
// flag) wins, then CATALOG_CONFIG, then the first candidate file that exists. Returns an
// empty string if there's no config file, in which case defaults and environment
// variables alone are used.
func DeterminePath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if path, ok := os.LookupEnv(PathEnv); ok && path != "" {
		return path
	}
	for _, path := range candidatePaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// Load reads the config file at path (if any), fills in defaults, applies environment
// variable overrides, and validates the result
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	applyEnvOverrides(k)
	applyDefaults(k)

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(k *koanf.Koanf) {
	setDefault(k, "app.name", "micro-catalog")
	setDefault(k, "app.log_level", "info")

	setDefault(k, "http.host", "0.0.0.0")
	setDefault(k, "http.port", 8080)
	setDefault(k, "grpc.host", "0.0.0.0")
	setDefault(k, "grpc.port", 9090)

	setDefault(k, "rabbitmq.uris", []string{rmq.FormatConnectionString("localhost", 5672, "", "guest", "guest")})
	setDefault(k, "rabbitmq.connection_name", "micro-catalog")
	setDefault(k, "rabbitmq.heartbeat", 10*time.Second)
	setDefault(k, "rabbitmq.dial_timeout", 30*time.Second)
	setDefault(k, "rabbitmq.reconnect_delay", 5*time.Second)
	setDefault(k, "rabbitmq.max_reconnect_delay", 2*time.Minute)
	setDefault(k, "rabbitmq.prefetch", 10)
	setDefault(k, "rabbitmq.concurrency", 0)

	setDefault(k, "postgres.host", "localhost")
	setDefault(k, "postgres.port", 5432)
	setDefault(k, "postgres.database", "catalog")
	setDefault(k, "postgres.user", "catalog")
	setDefault(k, "postgres.sslmode", "disable")

	setDefault(k, "sync.exchange", catalog.DefaultExchange)
	setDefault(k, "sync.queue_prefix", catalog.DefaultQueuePrefix)

	setDefault(k, "feed.history_size", 256)
	setDefault(k, "feed.keepalive", 30*time.Second)
}

func applyEnvOverrides(k *koanf.Koanf) {
	if level := getString("LOG_LEVEL"); level != "" {
		k.Set("app.log_level", level)
	}

	if port := getInt("HTTP_PORT"); port > 0 {
		k.Set("http.port", port)
	}
	if port := getInt("GRPC_PORT"); port > 0 {
		k.Set("grpc.port", port)
	}

	// Broker URIs may be given outright, or assembled from their parts
	if uris := getList("RABBITMQ_URIS"); len(uris) > 0 {
		k.Set("rabbitmq.uris", uris)
	} else if host := getString("RABBITMQ_HOST"); host != "" {
		port := getInt("RABBITMQ_PORT")
		if port == 0 {
			port = 5672
		}
		user := getStringOr("RABBITMQ_USER", "guest")
		password := getStringOr("RABBITMQ_PASSWORD", "guest")
		k.Set("rabbitmq.uris", []string{rmq.FormatConnectionString(host, port, getString("RABBITMQ_VHOST"), user, password)})
	}
	if prefetch := getInt("RABBITMQ_PREFETCH"); prefetch > 0 {
		k.Set("rabbitmq.prefetch", prefetch)
	}

	// Postgres is configured via the standard libpq variables
	if host := getString("PGHOST"); host != "" {
		k.Set("postgres.host", host)
	}
	if port := getInt("PGPORT"); port > 0 {
		k.Set("postgres.port", port)
	}
	if database := getString("PGDATABASE"); database != "" {
		k.Set("postgres.database", database)
	}
	if user := getString("PGUSER"); user != "" {
		k.Set("postgres.user", user)
	}
	if password := getString("PGPASSWORD"); password != "" {
		k.Set("postgres.password", password)
	}
	if sslmode := getString("PGSSLMODE"); sslmode != "" {
		k.Set("postgres.sslmode", sslmode)
	}

	if dlx := getString("SYNC_DEAD_LETTER_EXCHANGE"); dlx != "" {
		k.Set("sync.dead_letter_exchange", dlx)
	}
}

// setDefault only sets the value if the key doesn't already exist
func setDefault(k *koanf.Koanf, key string, value any) {
	if !k.Exists(key) {
		k.Set(key, value)
	}
}

var validExchangeTypes = map[string]struct{}{
	amqp.ExchangeDirect:  {},
	amqp.ExchangeFanout:  {},
	amqp.ExchangeTopic:   {},
	amqp.ExchangeHeaders: {},
}

// Validate reports every problem with the config at once
func (c *Config) Validate() error {
	var errs []error
	if len(c.RabbitMQ.URIs) == 0 {
		errs = append(errs, errors.New("rabbitmq.uris: at least one URI is required"))
	}
	for i, uri := range c.RabbitMQ.URIs {
		if uri == "" {
			errs = append(errs, fmt.Errorf("rabbitmq.uris[%d]: URI is empty", i))
		}
	}
	for i, ex := range c.RabbitMQ.Exchanges {
		if ex.Name == "" {
			errs = append(errs, fmt.Errorf("rabbitmq.exchanges[%d]: name is required", i))
		}
		if _, ok := validExchangeTypes[ex.Type]; !ok {
			errs = append(errs, fmt.Errorf("rabbitmq.exchanges[%d]: unsupported exchange type '%s'", i, ex.Type))
		}
	}
	if c.RabbitMQ.Prefetch < 0 {
		errs = append(errs, errors.New("rabbitmq.prefetch: must not be negative"))
	}
	if c.RabbitMQ.Concurrency < 0 {
		errs = append(errs, errors.New("rabbitmq.concurrency: must not be negative"))
	}
	for name, port := range map[string]int{"http.port": c.HTTP.Port, "grpc.port": c.GRPC.Port, "postgres.port": c.Postgres.Port} {
		if port <= 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s: %d is not a valid port", name, port))
		}
	}
	if c.Sync.Exchange == "" {
		errs = append(errs, errors.New("sync.exchange: exchange is required"))
	}
	if dlx := c.Sync.DeadLetterExchange; dlx != "" && !c.RabbitMQ.declares(dlx) {
		errs = append(errs, fmt.Errorf("sync.dead_letter_exchange: exchange '%s' must be listed in rabbitmq.exchanges", dlx))
	}
	if c.Feed.Keepalive <= 0 {
		errs = append(errs, fmt.Errorf("feed.keepalive: %s is not a positive interval", c.Feed.Keepalive))
	}
	if c.Feed.HistorySize < 0 {
		errs = append(errs, errors.New("feed.history_size: must not be negative"))
	}
	return errors.Join(errs...)
}

// declares reports whether the named exchange will exist once our topology has been
// asserted: either it's configured, or it's one the broker predeclares
func (c RabbitMQConfig) declares(name string) bool {
	if strings.HasPrefix(name, "amq.") {
		return true
	}
	for _, ex := range c.Exchanges {
		if ex.Name == name {
			return true
		}
	}
	return false
}

// Broker converts the RabbitMQ settings for use by an rmq.ConnectionManager
func (c RabbitMQConfig) Broker() rmq.BrokerConfig {
	exchanges := make([]rmq.ExchangeSpec, 0, len(c.Exchanges))
	for _, ex := range c.Exchanges {
		var args amqp.Table
		if len(ex.Arguments) > 0 {
			args = amqp.Table(ex.Arguments)
		}
		exchanges = append(exchanges, rmq.ExchangeSpec{
			Name:       ex.Name,
			Type:       ex.Type,
			Durable:    ex.Durable,
			AutoDelete: ex.AutoDelete,
			Internal:   ex.Internal,
			Arguments:  args,
		})
	}
	return rmq.BrokerConfig{
		URIs:              c.URIs,
		ConnectionName:    c.ConnectionName,
		Heartbeat:         c.Heartbeat,
		DialTimeout:       c.DialTimeout,
		ReconnectDelay:    c.ReconnectDelay,
		MaxReconnectDelay: c.MaxReconnectDelay,
		Exchanges:         exchanges,
	}
}

// DB converts the postgres settings for use with db.Open
func (c PostgresConfig) DB() db.Config {
	return db.Config{
		Host:     c.Host,
		Port:     c.Port,
		Name:     c.Database,
		User:     c.User,
		Password: c.Password,
		SSLMode:  c.SSLMode,
	}
}

// Catalog converts the sync settings for use by the catalog sync services
func (c SyncConfig) Catalog() catalog.SyncConfig {
	return catalog.SyncConfig{
		Exchange:           c.Exchange,
		QueuePrefix:        c.QueuePrefix,
		DeadLetterExchange: c.DeadLetterExchange,
	}
}
