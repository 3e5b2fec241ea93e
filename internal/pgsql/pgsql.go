package pgsql

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/config"
)

// ConnString builds a pgx connection string from database config.
func ConnString(cfg config.DatabaseConfig) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   "/" + cfg.Name,
	}
	q := u.Query()
	q.Set("connect_timeout", "10")
	u.RawQuery = q.Encode()
	return u.String()
}

// Connect opens a connection to the database at the configured address.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, ConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("connect %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return conn, nil
}

// CurrentTimestamp reads the server's transaction timestamp. Restore targets
// captured this way share the server's timezone and microsecond precision, so
// PITR comparisons stay consistent between driver and workload.
func CurrentTimestamp(ctx context.Context, conn *pgx.Conn) (time.Time, error) {
	var ts time.Time
	if err := conn.QueryRow(ctx, "SELECT current_timestamp;").Scan(&ts); err != nil {
		return time.Time{}, fmt.Errorf("current_timestamp: %w", err)
	}
	return ts, nil
}

// TableExists checks information_schema for a table in the public schema.
func TableExists(ctx context.Context, conn *pgx.Conn, name string) (bool, error) {
	var exists bool
	err := conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT FROM information_schema.tables"+
			" WHERE table_schema = 'public' AND table_name = $1);", name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("table exists %s: %w", name, err)
	}
	return exists, nil
}

// RowCount counts the rows of a table.
func RowCount(ctx context.Context, conn *pgx.Conn, name string) (int, error) {
	var n int
	// Table names cannot be bound parameters; name is validated upstream.
	err := conn.QueryRow(ctx, fmt.Sprintf("SELECT COUNT(1) FROM %s;", pgx.Identifier{name}.Sanitize())).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("row count %s: %w", name, err)
	}
	return n, nil
}

// SwitchWAL forces the server onto a new WAL segment.
func SwitchWAL(ctx context.Context, conn *pgx.Conn) error {
	if _, err := conn.Exec(ctx, "SELECT pg_switch_wal();"); err != nil {
		return fmt.Errorf("pg_switch_wal: %w", err)
	}
	log.Debug().Str("action", "pg_switch_wal").Msg("WAL segment switched")
	return nil
}
