package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/action"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/cluster"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/config"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/logx"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/restore"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/retry"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/status"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/version"

	_ "github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/provider/azure"
	_ "github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/provider/memory"
	_ "github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/provider/s3"
)

// Test seams, overridden in unit tests. Keep signatures in sync with packages.
var (
	loadConfig func() (config.Config, error)                 = config.Load
	newCluster func(config.Config) (*cluster.Cluster, error) = cluster.New
	exit       func(int)                                     = os.Exit
)

// restoreWait bounds how long the restore subcommand waits for the unit to
// reach a terminal status. The background run times out well before this.
const restoreWait = 15 * time.Minute

const usage = `
Usage:
  operator backup
  operator list
  operator restore <backup-id> [restore-to-time]
  operator sync-credentials <access-key> <secret-key>
  operator cleanup
  operator version | --version | -v
  operator help    | --help    | -h

Notes:
  - Storage is configured via env: BACKUP_PROVIDER (s3|gcs|azure|memory),
    S3_ENDPOINT, S3_BUCKET, S3_PATH, S3_REGION, S3_ACCESS_KEY, S3_SECRET_KEY.
  - Database connection: PG_HOST, PG_PORT, PG_USER, PG_PASSWORD, PG_DATABASE.
  - restore-to-time accepts PostgreSQL timestamp text or RFC 3339.
`

// main wires CLI -> config -> cluster -> actions.
// Exit codes: 0 success, 1 runtime error, 2 usage error.
func main() {
	_ = godotenv.Load() // best-effort
	logx.InitFromEnv()

	args := os.Args[1:]
	if len(args) < 1 {
		fmt.Print(usage)
		exit(2)
	}
	cmd := strings.ToLower(args[0])

	if cmd == "version" || cmd == "--version" || cmd == "-v" {
		fmt.Println(version.Info())
		exit(0)
	}
	if cmd == "help" || cmd == "--help" || cmd == "-h" {
		fmt.Print(usage)
		exit(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Error().Err(err).Msg("config error")
		exit(1)
	}

	c, err := newCluster(cfg)
	if err != nil {
		log.Error().Err(err).Str("provider", cfg.Provider).Msg("cluster init error")
		exit(1)
	}

	ctx := withSignals(context.Background())

	switch cmd {
	case "backup":
		res, err := runAction(ctx, c, "create-backup", nil)
		if err != nil {
			log.Error().Err(err).Str("action", "create-backup").Msg("backup failed")
			exit(1)
		}
		fmt.Println(res.Results["backup-status"])

	case "list":
		res, err := runAction(ctx, c, "list-backups", nil)
		if err != nil {
			log.Error().Err(err).Str("action", "list-backups").Msg("listing failed")
			exit(1)
		}
		fmt.Println(res.Results["backups"])

	case "restore":
		if len(args) < 2 {
			fmt.Print(usage)
			exit(2)
		}
		params := map[string]string{"backup-id": args[1]}
		if len(args) > 2 {
			params["restore-to-time"] = args[2]
		}

		// The restore trigger races the unit's own readiness checks; the
		// whole call is re-issued under backoff, not just waited on.
		start := time.Now()
		var res action.Result
		err := retry.Do(ctx, retry.Restore, isRestoreRetryable, func(ctx context.Context) error {
			var rerr error
			res, rerr = runAction(ctx, c, "restore", params)
			return rerr
		})
		if err != nil {
			log.Error().Err(err).Str("action", "restore").Str("backup_id", args[1]).
				Dur("elapsed_ms", time.Since(start)).Msg("restore failed")
			exit(1)
		}
		fmt.Println(res.Results["restore-status"])

		// The restore converges in the background; hold the process open
		// until the unit reaches a terminal status. Exiting earlier would
		// kill the run mid-flight.
		err = c.Status().WaitFor(ctx, restoreWait, func(level status.Level, _ string) bool {
			return level == status.Blocked
		})
		if err != nil {
			log.Error().Err(err).Str("action", "restore").Str("backup_id", args[1]).
				Msg("restore did not reach a terminal status")
			exit(1)
		}
		msg := c.Status().Message()
		fmt.Println(msg)
		if msg != status.MoveRestoredCluster {
			log.Error().Str("action", "restore").Str("backup_id", args[1]).
				Str("status_message", msg).Msg("restore did not converge")
			exit(1)
		}

	case "sync-credentials":
		if len(args) < 3 {
			fmt.Print(usage)
			exit(2)
		}
		_, err := runAction(ctx, c, "sync-s3-credentials", map[string]string{
			"access-key": args[1],
			"secret-key": args[2],
		})
		if err != nil {
			log.Error().Err(err).Str("action", "sync-s3-credentials").Msg("credential sync failed")
			exit(1)
		}
		fmt.Println("credentials synced")

	case "cleanup":
		if err := c.Cleanup(ctx); err != nil {
			log.Error().Err(err).Str("action", "cleanup").Msg("cleanup failed")
			exit(1)
		}
		fmt.Println("storage prefix cleaned")

	default:
		fmt.Print(usage)
		exit(2)
	}
	exit(0)
}

// runAction invokes a cluster action and surfaces a failed result as an error.
func runAction(ctx context.Context, c *cluster.Cluster, name string, params map[string]string) (action.Result, error) {
	task, err := c.Actions().Run(ctx, name, params)
	if err != nil {
		return action.Result{}, err
	}
	res, err := task.Wait(ctx)
	if err != nil {
		return action.Result{}, err
	}
	if res.Status != action.StatusCompleted {
		return res, errors.New(res.Message)
	}
	return res, nil
}

// isRestoreRetryable: only a busy unit is worth re-triggering; malformed
// input or an unknown backup fails immediately.
func isRestoreRetryable(err error) bool {
	return strings.Contains(err.Error(), restore.ErrBusy.Error())
}

func withSignals(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()
	return ctx
}
