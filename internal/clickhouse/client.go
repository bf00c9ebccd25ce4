package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/SteelMorgan/timeline-indexer/internal/retry"
	"github.com/rs/zerolog/log"
)

const (
	DefaultHost     = "localhost"
	DefaultPort     = 9000
	DefaultDatabase = "timeline"
	DefaultTable    = "documents"
)

// Config holds ClickHouse connection settings
type Config struct {
	Host     string
	Port     int
	Database string
	Table    string
	Username string
	Password string
}

func (c Config) withDefaults() Config {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Database == "" {
		c.Database = DefaultDatabase
	}
	if c.Table == "" {
		c.Table = DefaultTable
	}
	if c.Username == "" {
		c.Username = "default"
	}
	return c
}

// Client wraps ClickHouse connection
type Client struct {
	conn clickhouse.Conn
	cfg  Config
}

// NewClient creates a new ClickHouse client with default retry config
func NewClient(cfg Config) (*Client, error) {
	return NewClientWithRetry(context.Background(), cfg, retry.DefaultConfig())
}

// NewClientWithRetry opens a connection and pings it until the server answers
// or the retry policy gives up
func NewClientWithRetry(ctx context.Context, cfg Config, retryCfg retry.Config) (*Client, error) {
	cfg = cfg.withDefaults()

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	if err := retry.Do(ctx, retryCfg, func() error {
		return conn.Ping(ctx)
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Database).
		Msg("Connected to ClickHouse")

	return &Client{conn: conn, cfg: cfg}, nil
}

// Conn returns the underlying ClickHouse connection
func (c *Client) Conn() clickhouse.Conn {
	return c.conn
}

// Sink returns a bulk sink writing to the configured table
func (c *Client) Sink() *Sink {
	return NewSink(c.conn, c.cfg.Database, c.cfg.Table)
}

// Close closes the connection
func (c *Client) Close() error {
	log.Info().Msg("Closing ClickHouse connection")
	return c.conn.Close()
}
