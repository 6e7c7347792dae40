package storage

import (
	"context"
	"fmt"
	"net"
	"time"

	"bkaudit/config"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// ClickHouse holds the event database connection. Operation logs live here;
// SQLite stays the metadata store.
type ClickHouse struct {
	Conn   driver.Conn
	Logger *zap.SugaredLogger
}

// NewClickHouse connects to ClickHouse and ensures the events table.
func NewClickHouse(cfg *config.Config, logger *zap.SugaredLogger) (*ClickHouse, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	options := &clickhouse.Options{
		Addr: cfg.ClickHouse.Addrs,
		Auth: clickhouse.Auth{
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 10 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns:     10,
		MaxIdleConns:     5,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
		DialContext: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			d.Timeout = 10 * time.Second
			d.KeepAlive = 30 * time.Second
			return d.DialContext(ctx, "tcp", addr)
		},
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	ch := &ClickHouse{Conn: conn, Logger: logger}
	if err := ch.ensureTables(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure event tables: %w", err)
	}
	logger.Info("Connected to ClickHouse")
	return ch, nil
}

func (ch *ClickHouse) ensureTables(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_events (
		event_id String,
		source_system String,
		timestamp DateTime64(3, 'UTC'),
		username String,
		action_id String,
		resource_type String,
		instance_id String,
		result_code String,
		result_content String,
		extend_data String
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMMDD(timestamp)
	ORDER BY (source_system, timestamp, event_id)
	TTL toDateTime(timestamp) + INTERVAL 180 DAY
	`
	if err := ch.Conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create audit_events table: %w", err)
	}
	return nil
}

// Close closes the connection.
func (ch *ClickHouse) Close() error {
	return ch.Conn.Close()
}
