package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"family-vault/internal/config"
	"family-vault/internal/util"
)

// ClickHouseClient holds the analytics connection that receives batched
// security events.
type ClickHouseClient struct {
	conn driver.Conn
}

const createSecurityEventsTable = `CREATE TABLE IF NOT EXISTS security_events (
	event_id   String,
	event_time DateTime64(3, 'UTC'),
	event_date Date,
	member_id  String,
	action     LowCardinality(String),
	success    Bool,
	ip_address String,
	user_agent String,
	details    String
) ENGINE = MergeTree
PARTITION BY toYYYYMM(event_date)
ORDER BY (event_date, action, event_time)
TTL event_date + INTERVAL 1 YEAR`

// clickhouseEndpoint is a parsed CLICKHOUSE_URL. Bare host:port values use
// the native protocol; https:// and clickhouses:// switch TLS on.
type clickhouseEndpoint struct {
	Addr   string
	Host   string
	Secure bool
}

func parseClickhouseURL(raw string) (clickhouseEndpoint, error) {
	if !strings.Contains(raw, "://") {
		raw = "clickhouse://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return clickhouseEndpoint{}, fmt.Errorf("invalid ClickHouse URL: %w", err)
	}
	if u.Hostname() == "" {
		return clickhouseEndpoint{}, errors.New("invalid ClickHouse URL: missing host")
	}

	ep := clickhouseEndpoint{Host: u.Hostname()}
	switch u.Scheme {
	case "https", "clickhouses":
		ep.Secure = true
	case "http", "clickhouse", "tcp":
	default:
		return clickhouseEndpoint{}, fmt.Errorf("invalid ClickHouse URL: unsupported scheme %q", u.Scheme)
	}

	port := u.Port()
	if port == "" {
		port = "9000"
		if ep.Secure {
			port = "9440"
		}
	}
	ep.Addr = net.JoinHostPort(ep.Host, port)
	return ep, nil
}

func NewClickHouseClient(ctx context.Context, cfg *config.Config) (*ClickHouseClient, error) {
	chConfig := cfg.Clickhouse

	ep, err := parseClickhouseURL(chConfig.URL)
	if err != nil {
		return nil, err
	}

	opts := &ch.Options{
		Addr: []string{ep.Addr},
		Auth: ch.Auth{
			Username: chConfig.Username,
			Password: chConfig.Password,
			Database: chConfig.Database,
		},
		DialTimeout:      10 * time.Second,
		MaxOpenConns:     5,
		MaxIdleConns:     2,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: ch.ConnOpenInOrder,
		Compression:      &ch.Compression{Method: ch.CompressionLZ4},
	}

	if ep.Secure || cfg.IsProduction() {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: ep.Host,
		}
		if chConfig.CAFile != "" {
			caCert, err := os.ReadFile(chConfig.CAFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read ClickHouse CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caCert) {
				return nil, errors.New("clickhouse CA file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		opts.TLS = tlsConfig
	}

	conn, err := ch.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := conn.Ping(initCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	if err := conn.Exec(initCtx, createSecurityEventsTable); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create security_events table: %w", err)
	}

	util.Info("ClickHouse client initialized",
		zap.String("addr", ep.Addr),
		zap.String("database", chConfig.Database),
		zap.Bool("tls_enabled", opts.TLS != nil),
	)

	return &ClickHouseClient{conn: conn}, nil
}

// BatchInsert sends every row in one prepared batch.
func (c *ClickHouseClient) BatchInsert(ctx context.Context, query string, data [][]interface{}) error {
	batch, err := c.conn.PrepareBatch(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, row := range data {
		if err := batch.Append(row...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append row to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch of %d rows: %w", len(data), err)
	}
	return nil
}

func (c *ClickHouseClient) HealthCheck(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *ClickHouseClient) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("failed to close ClickHouse connection: %w", err)
	}
	return nil
}
