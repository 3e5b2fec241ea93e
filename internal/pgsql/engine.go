package pgsql

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/config"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/retry"
)

// Engine runs statements against a live PostgreSQL server and produces base
// snapshots with pg_dump / psql subprocesses.
type Engine struct {
	cfg config.DatabaseConfig
	ro  retry.Options

	mu   sync.Mutex
	conn *pgx.Conn
}

func NewEngine(cfg config.DatabaseConfig, ro retry.Options) *Engine {
	return &Engine{cfg: cfg, ro: ro}
}

// Apply executes a single statement, reconnecting on connection loss.
func (e *Engine) Apply(ctx context.Context, stmt string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	attempt := 0
	applyOnce := func(ctx context.Context) error {
		attempt++
		conn, err := e.connLocked(ctx)
		if err != nil {
			return err
		}
		if _, err := conn.Exec(ctx, stmt); err != nil {
			log.Debug().Err(err).Str("action", "pg_apply").Int("attempt", attempt).Msg("attempt failed")
			e.dropConnLocked(ctx)
			return err
		}
		return nil
	}
	if err := retry.Do(ctx, e.ro, isPgRetryable, applyOnce); err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	return nil
}

// Dump produces a plain-format SQL dump of the database.
func (e *Engine) Dump(ctx context.Context) ([]byte, error) {
	startTotal := time.Now()

	var out []byte
	attempt := 0
	dumpOnce := func(ctx context.Context) error {
		attempt++
		log.Debug().Str("action", "pg_dump").Int("attempt", attempt).Msg("starting attempt")

		cmd := exec.CommandContext(ctx, "pg_dump",
			"--format=plain",
			"--no-owner",
			"--no-privileges",
			ConnString(e.cfg),
		)
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			log.Debug().Err(err).Str("action", "pg_dump").Int("attempt", attempt).
				Str("stderr", trimOutput(stderr.String())).Msg("attempt failed")
			return fmt.Errorf("pg_dump: %w: %s", err, trimOutput(stderr.String()))
		}
		out = stdout.Bytes()
		return nil
	}
	if err := retry.Do(ctx, e.ro, isPgRetryable, dumpOnce); err != nil {
		log.Error().Err(err).Str("action", "pg_dump").Int("attempts", attempt).
			Dur("total_elapsed_ms", time.Since(startTotal)).Msg("dump failed")
		return nil, err
	}

	log.Info().Str("action", "pg_dump").Int("attempts", attempt).Int("size", len(out)).
		Dur("total_elapsed_ms", time.Since(startTotal)).Msg("dump OK")
	return out, nil
}

// Load wipes the public schema and feeds a dump back through psql.
func (e *Engine) Load(ctx context.Context, data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	conn, err := e.connLocked(ctx)
	if err != nil {
		return err
	}
	if _, err := conn.Exec(ctx, "DROP SCHEMA public CASCADE; CREATE SCHEMA public;"); err != nil {
		return fmt.Errorf("reset schema: %w", err)
	}

	startTotal := time.Now()
	attempt := 0
	loadOnce := func(ctx context.Context) error {
		attempt++
		log.Debug().Str("action", "pg_load").Int("attempt", attempt).Msg("starting attempt")

		cmd := exec.CommandContext(ctx, "psql",
			"--set", "ON_ERROR_STOP=1",
			"--quiet",
			ConnString(e.cfg),
		)
		cmd.Stdin = bytes.NewReader(data)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			log.Debug().Err(err).Str("action", "pg_load").Int("attempt", attempt).
				Str("stderr", trimOutput(stderr.String())).Msg("attempt failed")
			return fmt.Errorf("psql: %w: %s", err, trimOutput(stderr.String()))
		}
		return nil
	}
	if err := retry.Do(ctx, e.ro, isPgRetryable, loadOnce); err != nil {
		log.Error().Err(err).Str("action", "pg_load").Int("attempts", attempt).
			Dur("total_elapsed_ms", time.Since(startTotal)).Msg("load failed")
		return err
	}

	log.Info().Str("action", "pg_load").Int("attempts", attempt).Int("size", len(data)).
		Dur("total_elapsed_ms", time.Since(startTotal)).Msg("load OK")
	return nil
}

// Close releases the held connection.
func (e *Engine) Close(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dropConnLocked(ctx)
}

func (e *Engine) connLocked(ctx context.Context) (*pgx.Conn, error) {
	if e.conn != nil && !e.conn.IsClosed() {
		return e.conn, nil
	}
	conn, err := Connect(ctx, e.cfg)
	if err != nil {
		return nil, err
	}
	e.conn = conn
	return conn, nil
}

func (e *Engine) dropConnLocked(ctx context.Context) {
	if e.conn != nil {
		_ = e.conn.Close(ctx)
		e.conn = nil
	}
}

// isPgRetryable: timeouts, connection exceptions (class 08) and server
// shutdown/recovery states (class 57) are transient.
func isPgRetryable(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		class := pgErr.Code
		if len(class) >= 2 {
			class = class[:2]
		}
		return class == "08" || class == "57"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// pg_dump/psql exit 1 on server-side failures, which includes the
		// server still starting up; worth another attempt.
		return exitErr.ExitCode() == 1
	}
	return false
}

func trimOutput(s string) string {
	s = strings.TrimSpace(s)
	const max = 512
	if len(s) > max {
		return s[:max] + "... (" + strconv.Itoa(len(s)-max) + " more bytes)"
	}
	return s
}
