package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/action"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/backup"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/config"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/creds"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/engine"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/logx"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/pgsql"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/provider"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/restore"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/status"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/wal"
)

// Cluster is the workload unit: the database engine plus the backup, restore,
// WAL archiving and status machinery, exposed through a remote-action surface.
type Cluster struct {
	cfg       config.Config
	store     *swappableProvider
	eng       engine.Engine
	mem       *engine.Memory // non-nil under the testing profile
	arch      *wal.Archiver
	tracker   *status.Tracker
	backups   *backup.Service
	restorer  *restore.Service
	actions   *action.Runner
	credStore *creds.Store
	logger    zerolog.Logger

	now func() time.Time // test seam
}

// New builds a cluster from config: provider, engine per profile, archiver,
// services and action registrations.
func New(cfg config.Config) (*Cluster, error) {
	credStore := creds.NewStore(cfg)

	p, err := buildProvider(cfg, credStore)
	if err != nil {
		return nil, fmt.Errorf("provider init: %w", err)
	}
	store := &swappableProvider{inner: p}

	c := &Cluster{
		cfg:       cfg,
		store:     store,
		tracker:   status.NewTracker(),
		credStore: credStore,
		logger:    logx.With("cluster"),
		now:       time.Now,
	}

	switch cfg.Profile {
	case config.ProfileTesting:
		c.mem = engine.NewMemory()
		c.eng = c.mem
	default:
		c.eng = pgsql.NewEngine(cfg.Database, cfg.RetryOptions())
	}

	c.arch = wal.NewArchiver(store, cfg.Storage.Path+"/wal", cfg.WALSegmentRecords)
	if err := c.arch.Hydrate(context.Background()); err != nil {
		return nil, fmt.Errorf("hydrate wal archive: %w", err)
	}
	c.backups = backup.NewService(store, c.eng, c.arch, c.tracker, cfg.Storage.Path+"/backup")
	c.restorer = restore.NewService(c.backups, c.eng, c.arch, c.tracker)
	c.actions = action.NewRunner()
	c.registerActions()

	return c, nil
}

// Exec applies a statement and records it in the WAL.
func (c *Cluster) Exec(ctx context.Context, stmt string) error {
	if err := c.eng.Apply(ctx, stmt); err != nil {
		return err
	}
	return c.arch.Append(ctx, stmt, c.now().UTC())
}

// SwitchWAL archives the open WAL segment.
func (c *Cluster) SwitchWAL(ctx context.Context) error {
	return c.arch.Switch(ctx)
}

// CurrentTimestamp returns the cluster's notion of now. Restore targets are
// compared against commit times stamped by the same clock, which keeps PITR
// timezone and precision semantics consistent.
func (c *Cluster) CurrentTimestamp() time.Time {
	return c.now().UTC()
}

// SyncCredentials stores a new key pair and rebinds the storage provider.
func (c *Cluster) SyncCredentials(accessKey, secretKey string) error {
	if err := c.credStore.Sync(accessKey, secretKey); err != nil {
		return err
	}
	kp, _ := c.credStore.Current()
	cfg := c.cfg
	cfg.Storage.AccessKey = kp.AccessKey
	cfg.Storage.SecretKey = kp.SecretKey
	p, err := provider.New(cfg.Provider, cfg)
	if err != nil {
		return fmt.Errorf("rebind provider: %w", err)
	}
	c.store.swap(p)
	c.logger.Info().Str("action", "sync_credentials").Str("provider", p.Name()).Msg("storage provider rebound")
	return nil
}

// Cleanup deletes every object under the configured path prefix.
func (c *Cluster) Cleanup(ctx context.Context) error {
	return c.store.DeletePrefix(ctx, c.cfg.Storage.Path)
}

// SetClock overrides the cluster clock (and the backup service's) for
// deterministic tests.
func (c *Cluster) SetClock(now func() time.Time) {
	c.now = now
	c.backups.SetClock(now)
}

func (c *Cluster) Actions() *action.Runner    { return c.actions }
func (c *Cluster) Status() *status.Tracker    { return c.tracker }
func (c *Cluster) Backups() *backup.Service   { return c.backups }
func (c *Cluster) Restorer() *restore.Service { return c.restorer }
func (c *Cluster) Provider() provider.Provider {
	return c.store
}

// Memory returns the testing-profile engine, or nil under postgres.
func (c *Cluster) Memory() *engine.Memory { return c.mem }

func (c *Cluster) registerActions() {
	c.actions.Register("create-backup", func(ctx context.Context, _ map[string]string) (map[string]string, error) {
		if c.cfg.Provider != "memory" {
			if _, ok := c.credStore.Current(); !ok {
				return nil, errors.New("create-backup: no storage credentials configured")
			}
		}
		m, err := c.backups.Create(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]string{
			"backup-status": fmt.Sprintf("backup %s completed", m.ID),
		}, nil
	})

	c.actions.Register("list-backups", func(ctx context.Context, _ map[string]string) (map[string]string, error) {
		listing, err := c.backups.List(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]string{"backups": listing}, nil
	})

	c.actions.Register("restore", func(ctx context.Context, params map[string]string) (map[string]string, error) {
		backupID := params["backup-id"]
		if backupID == "" {
			return nil, errors.New("restore: backup-id is required")
		}
		restoreStatus, err := c.restorer.Restore(ctx, backupID, params["restore-to-time"])
		if err != nil {
			return nil, err
		}
		return map[string]string{"restore-status": restoreStatus}, nil
	})

	c.actions.Register("sync-s3-credentials", func(_ context.Context, params map[string]string) (map[string]string, error) {
		if err := c.SyncCredentials(params["access-key"], params["secret-key"]); err != nil {
			return nil, err
		}
		return map[string]string{"credentials": "synced"}, nil
	})
}

func buildProvider(cfg config.Config, credStore *creds.Store) (provider.Provider, error) {
	if kp, ok := credStore.Current(); ok {
		cfg.Storage.AccessKey = kp.AccessKey
		cfg.Storage.SecretKey = kp.SecretKey
	}
	return provider.New(cfg.Provider, cfg)
}
