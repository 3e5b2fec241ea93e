package cluster

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/action"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/config"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/status"

	_ "github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/provider/memory"
)

const targetLayout = "2006-01-02 15:04:05.999999-07"

// fakeClock advances one second per reading, so every commit and every
// captured target gets a distinct timestamp.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestCluster(t *testing.T) (*Cluster, config.Config) {
	t.Helper()
	cfg := config.Config{
		Provider: "memory",
		Profile:  config.ProfileTesting,
		Storage: config.StorageConfig{
			Path: fmt.Sprintf("/postgresql/%s-%d", t.Name(), time.Now().UnixNano()),
		},
		WALSegmentRecords: 4,
	}
	c, err := New(cfg)
	require.NoError(t, err)
	c.SetClock((&fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}).Now)
	return c, cfg
}

func runAction(t *testing.T, c *Cluster, name string, params map[string]string) action.Result {
	t.Helper()
	task, err := c.Actions().Run(context.Background(), name, params)
	require.NoError(t, err)
	res, err := task.Wait(context.Background())
	require.NoError(t, err)
	return res
}

func createBackup(t *testing.T, c *Cluster) string {
	t.Helper()
	res := runAction(t, c, "create-backup", nil)
	require.Equal(t, action.StatusCompleted, res.Status, res.Message)
	fields := strings.Fields(res.Results["backup-status"])
	require.Len(t, fields, 3)
	return fields[1]
}

func TestBackupAndFullRestore(t *testing.T) {
	c, _ := newTestCluster(t)
	ctx := context.Background()

	require.NoError(t, c.Exec(ctx, "CREATE TABLE backup_table_1 (test_column INT);"))
	require.NoError(t, c.Exec(ctx, "INSERT INTO backup_table_1 VALUES (1), (2), (3), (4), (5);"))

	id := createBackup(t, c)

	// Written after the backup; a plain restore must not bring it back.
	require.NoError(t, c.Exec(ctx, "CREATE TABLE backup_table_2 (test_column INT);"))
	require.True(t, c.Memory().TableExists("backup_table_2"))

	res := runAction(t, c, "restore", map[string]string{"backup-id": id})
	require.Equal(t, action.StatusCompleted, res.Status, res.Message)
	require.Equal(t, "restore started", res.Results["restore-status"])

	require.NoError(t, c.Status().WaitForMessage(ctx, 5*time.Second, status.MoveRestoredCluster))

	assert.True(t, c.Memory().TableExists("backup_table_1"))
	assert.Equal(t, 5, c.Memory().RowCount("backup_table_1"))
	assert.False(t, c.Memory().TableExists("backup_table_2"))

	level, _ := c.Status().Current()
	assert.Equal(t, status.Blocked, level)
}

// Point-in-time recovery: every write committed strictly before the target is
// present, everything at or after it is absent, even when the later writes
// were flushed into an archived WAL segment before the restore.
func TestRestorePointInTime(t *testing.T) {
	c, _ := newTestCluster(t)
	ctx := context.Background()

	require.NoError(t, c.Exec(ctx, "CREATE TABLE backup_table_1 (test_column INT);"))
	require.NoError(t, c.Exec(ctx, "INSERT INTO backup_table_1 VALUES (1), (2), (3), (4), (5);"))

	id := createBackup(t, c)

	require.NoError(t, c.Exec(ctx, "INSERT INTO backup_table_1 VALUES (6);"))

	target := c.CurrentTimestamp()

	require.NoError(t, c.Exec(ctx, "CREATE TABLE backup_table_2 (test_column INT);"))
	require.NoError(t, c.SwitchWAL(ctx))

	res := runAction(t, c, "restore", map[string]string{
		"backup-id":       id,
		"restore-to-time": target.Format(targetLayout),
	})
	require.Equal(t, action.StatusCompleted, res.Status, res.Message)

	require.NoError(t, c.Status().WaitForMessage(ctx, 5*time.Second, status.MoveRestoredCluster))

	assert.True(t, c.Memory().TableExists("backup_table_1"))
	assert.Equal(t, 6, c.Memory().RowCount("backup_table_1"))
	assert.False(t, c.Memory().TableExists("backup_table_2"))
}

// The backup is taken before any rows exist, so the five rows come back
// purely through WAL replay up to the target.
func TestRestorePointInTimeReplayOnly(t *testing.T) {
	c, _ := newTestCluster(t)
	ctx := context.Background()

	require.NoError(t, c.Exec(ctx, "CREATE TABLE backup_table_1 (test_column INT);"))

	id := createBackup(t, c)

	for i := 1; i <= 5; i++ {
		require.NoError(t, c.Exec(ctx, fmt.Sprintf("INSERT INTO backup_table_1 VALUES (%d);", i)))
	}

	target := c.CurrentTimestamp()

	require.NoError(t, c.Exec(ctx, "CREATE TABLE backup_table_2 (test_column INT);"))
	require.NoError(t, c.SwitchWAL(ctx))

	res := runAction(t, c, "restore", map[string]string{
		"backup-id":       id,
		"restore-to-time": target.Format(targetLayout),
	})
	require.Equal(t, action.StatusCompleted, res.Status, res.Message)

	require.NoError(t, c.Status().WaitForMessage(ctx, 5*time.Second, status.MoveRestoredCluster))

	assert.True(t, c.Memory().TableExists("backup_table_1"))
	assert.Equal(t, 5, c.Memory().RowCount("backup_table_1"))
	assert.False(t, c.Memory().TableExists("backup_table_2"))
}

// A fresh unit over the same storage prefix rebuilds its archive state, so a
// reachable target archived by a previous unit still restores.
func TestRestorePointInTimeFromFreshUnit(t *testing.T) {
	first, cfg := newTestCluster(t)
	ctx := context.Background()

	require.NoError(t, first.Exec(ctx, "CREATE TABLE backup_table_1 (test_column INT);"))
	require.NoError(t, first.Exec(ctx, "INSERT INTO backup_table_1 VALUES (1), (2), (3), (4), (5);"))

	id := createBackup(t, first)

	require.NoError(t, first.Exec(ctx, "INSERT INTO backup_table_1 VALUES (6);"))
	target := first.CurrentTimestamp()
	require.NoError(t, first.Exec(ctx, "CREATE TABLE backup_table_2 (test_column INT);"))
	require.NoError(t, first.SwitchWAL(ctx))

	second, err := New(cfg)
	require.NoError(t, err)

	res := runAction(t, second, "restore", map[string]string{
		"backup-id":       id,
		"restore-to-time": target.Format(targetLayout),
	})
	require.Equal(t, action.StatusCompleted, res.Status, res.Message)

	require.NoError(t, second.Status().WaitForMessage(ctx, 5*time.Second, status.MoveRestoredCluster))

	assert.Equal(t, 6, second.Memory().RowCount("backup_table_1"))
	assert.False(t, second.Memory().TableExists("backup_table_2"))
}

// A fresh unit must also continue the LSN chain instead of restarting it.
func TestBackupFromFreshUnitContinuesChain(t *testing.T) {
	first, cfg := newTestCluster(t)
	ctx := context.Background()

	require.NoError(t, first.Exec(ctx, "CREATE TABLE t (x INT);"))
	require.NoError(t, first.SwitchWAL(ctx))
	firstBackup := createBackup(t, first)

	second, err := New(cfg)
	require.NoError(t, err)
	second.SetClock((&fakeClock{t: time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)}).Now)

	require.NoError(t, second.Exec(ctx, "CREATE TABLE IF NOT EXISTS t (x INT);"))
	secondBackup := createBackup(t, second)

	m1, err := second.Backups().Get(ctx, firstBackup)
	require.NoError(t, err)
	m2, err := second.Backups().Get(ctx, secondBackup)
	require.NoError(t, err)
	assert.Greater(t, m2.StartLSN, m1.StartLSN)
}

func TestRestoreArchivingStaysOff(t *testing.T) {
	c, cfg := newTestCluster(t)
	ctx := context.Background()

	require.NoError(t, c.Exec(ctx, "CREATE TABLE t (x INT);"))
	id := createBackup(t, c)

	res := runAction(t, c, "restore", map[string]string{"backup-id": id})
	require.Equal(t, action.StatusCompleted, res.Status, res.Message)
	require.NoError(t, c.Status().WaitForMessage(ctx, 5*time.Second, status.MoveRestoredCluster))

	before, err := c.Provider().List(ctx, cfg.Storage.Path+"/wal/")
	require.NoError(t, err)

	// Writes still apply, but nothing new reaches the archive.
	require.NoError(t, c.Exec(ctx, "INSERT INTO t VALUES (1);"))
	require.NoError(t, c.SwitchWAL(ctx))

	after, err := c.Provider().List(ctx, cfg.Storage.Path+"/wal/")
	require.NoError(t, err)
	assert.Len(t, after, len(before))
	assert.Equal(t, 1, c.Memory().RowCount("t"))
}

func TestRestoreUnreachableTargetBlocks(t *testing.T) {
	c, _ := newTestCluster(t)
	ctx := context.Background()

	require.NoError(t, c.Exec(ctx, "CREATE TABLE backup_table_1 (test_column INT);"))
	id := createBackup(t, c)

	require.NoError(t, c.Exec(ctx, "CREATE TABLE backup_table_2 (test_column INT);"))
	require.NoError(t, c.SwitchWAL(ctx))

	// Far past the last archived commit.
	target := c.CurrentTimestamp().Add(24 * time.Hour)

	res := runAction(t, c, "restore", map[string]string{
		"backup-id":       id,
		"restore-to-time": target.Format(targetLayout),
	})
	require.Equal(t, action.StatusCompleted, res.Status, res.Message)

	require.NoError(t, c.Status().WaitForMessage(ctx, 5*time.Second, status.CannotRestorePITR))

	// The data was left untouched.
	assert.True(t, c.Memory().TableExists("backup_table_1"))
	assert.True(t, c.Memory().TableExists("backup_table_2"))
}

func TestRestoreTargetBeforeBackupBlocks(t *testing.T) {
	c, _ := newTestCluster(t)
	ctx := context.Background()

	require.NoError(t, c.Exec(ctx, "CREATE TABLE t (x INT);"))
	id := createBackup(t, c)
	require.NoError(t, c.Exec(ctx, "INSERT INTO t VALUES (1);"))
	require.NoError(t, c.SwitchWAL(ctx))

	res := runAction(t, c, "restore", map[string]string{
		"backup-id":       id,
		"restore-to-time": "2001-01-01 00:00:00+00",
	})
	require.Equal(t, action.StatusCompleted, res.Status, res.Message)
	require.NoError(t, c.Status().WaitForMessage(ctx, 5*time.Second, status.CannotRestorePITR))
}

func TestRestoreMalformedTargetFailsAction(t *testing.T) {
	c, _ := newTestCluster(t)
	ctx := context.Background()

	require.NoError(t, c.Exec(ctx, "CREATE TABLE t (x INT);"))
	id := createBackup(t, c)

	res := runAction(t, c, "restore", map[string]string{
		"backup-id":       id,
		"restore-to-time": "the day before yesterday",
	})
	require.Equal(t, action.StatusFailed, res.Status)
	assert.Contains(t, res.Message, "not a valid timestamp")

	// Nothing was scheduled: the unit is still active.
	level, _ := c.Status().Current()
	assert.Equal(t, status.Active, level)
}

func TestRestoreMissingBackupID(t *testing.T) {
	c, _ := newTestCluster(t)
	res := runAction(t, c, "restore", nil)
	require.Equal(t, action.StatusFailed, res.Status)
	assert.Contains(t, res.Message, "backup-id is required")
}

func TestListBackups(t *testing.T) {
	c, _ := newTestCluster(t)
	ctx := context.Background()

	require.NoError(t, c.Exec(ctx, "CREATE TABLE t (x INT);"))
	first := createBackup(t, c)
	second := createBackup(t, c)
	require.NotEqual(t, first, second)

	res := runAction(t, c, "list-backups", nil)
	require.Equal(t, action.StatusCompleted, res.Status, res.Message)
	listing := res.Results["backups"]

	lines := strings.Split(listing, "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, first, strings.Fields(lines[2])[0])
	assert.Equal(t, second, strings.Fields(lines[3])[0])

	// Stable until a new backup is created.
	again := runAction(t, c, "list-backups", nil)
	assert.Equal(t, listing, again.Results["backups"])
}

func TestSyncS3Credentials(t *testing.T) {
	c, _ := newTestCluster(t)
	ctx := context.Background()

	require.NoError(t, c.Exec(ctx, "CREATE TABLE t (x INT);"))
	id := createBackup(t, c)

	res := runAction(t, c, "sync-s3-credentials", map[string]string{
		"access-key": "AKIA-new",
		"secret-key": "shhh",
	})
	require.Equal(t, action.StatusCompleted, res.Status, res.Message)

	// The rebound provider still sees the existing backups.
	listing := runAction(t, c, "list-backups", nil)
	require.Equal(t, action.StatusCompleted, listing.Status)
	assert.Contains(t, listing.Results["backups"], id)
}

func TestSyncS3Credentials_PartialPairRejected(t *testing.T) {
	c, _ := newTestCluster(t)
	res := runAction(t, c, "sync-s3-credentials", map[string]string{"access-key": "only"})
	require.Equal(t, action.StatusFailed, res.Status)
}

func TestCleanup(t *testing.T) {
	c, cfg := newTestCluster(t)
	ctx := context.Background()

	require.NoError(t, c.Exec(ctx, "CREATE TABLE t (x INT);"))
	id := createBackup(t, c)

	require.NoError(t, c.Cleanup(ctx))

	objs, err := c.Provider().List(ctx, cfg.Storage.Path)
	require.NoError(t, err)
	assert.Empty(t, objs)

	listing := runAction(t, c, "list-backups", nil)
	require.Equal(t, action.StatusCompleted, listing.Status)
	assert.NotContains(t, listing.Results["backups"], id)
}
