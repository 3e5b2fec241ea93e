package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/engine"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/provider"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/status"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/util"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/wal"
)

// idLayout names backups by their start time, pgbackrest-style. The ID is the
// first whitespace-delimited token of a listing line and is what restore takes.
const idLayout = "20060102-150405F"

// Manifest describes one base backup stored in the bucket.
type Manifest struct {
	ID          string    `json:"id"`
	StartLSN    uint64    `json:"start_lsn"` // first LSN not contained in the snapshot
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	SizeBytes   int64     `json:"size_bytes"`
	SHA256      string    `json:"sha256"`
	SnapshotKey string    `json:"snapshot_key"`
}

// Service creates, lists and fetches base backups.
type Service struct {
	store   provider.Provider
	eng     engine.Engine
	arch    *wal.Archiver
	tracker *status.Tracker
	prefix  string

	now func() time.Time // test seam
}

func NewService(store provider.Provider, eng engine.Engine, arch *wal.Archiver, tracker *status.Tracker, prefix string) *Service {
	return &Service{
		store:   store,
		eng:     eng,
		arch:    arch,
		tracker: tracker,
		prefix:  provider.NormalizeKey(prefix),
		now:     time.Now,
	}
}

// SetClock overrides the service clock. Used by deterministic tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Create takes a base backup: archive pending WAL, dump the engine, upload
// snapshot and manifest. The unit must be active.
func (s *Service) Create(ctx context.Context) (*Manifest, error) {
	if level, msg := s.tracker.Current(); level != status.Active {
		return nil, fmt.Errorf("cannot create backup: unit is %s (%s)", level, msg)
	}

	started := s.now().UTC()
	s.tracker.SetMaintenance("creating backup")

	// Close the open segment first so the manifest's StartLSN marks the exact
	// replay boundary.
	if err := s.arch.Switch(ctx); err != nil {
		s.tracker.SetActive()
		return nil, fmt.Errorf("switch wal: %w", err)
	}

	data, err := s.eng.Dump(ctx)
	if err != nil {
		s.tracker.SetActive()
		return nil, fmt.Errorf("dump: %w", err)
	}

	m := &Manifest{
		ID:        started.Format(idLayout),
		StartLSN:  s.arch.NextLSN(),
		StartedAt: started,
		SizeBytes: int64(len(data)),
		SHA256:    util.SHA256Bytes(data),
	}
	m.SnapshotKey = fmt.Sprintf("%s/%s/snapshot.dump", s.prefix, m.ID)

	if err := s.store.Upload(ctx, m.SnapshotKey, data); err != nil {
		s.tracker.SetActive()
		return nil, fmt.Errorf("upload snapshot: %w", err)
	}

	m.FinishedAt = s.now().UTC()
	manifestJSON, err := json.Marshal(m)
	if err != nil {
		s.tracker.SetActive()
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := s.store.Upload(ctx, s.manifestKey(m.ID), manifestJSON); err != nil {
		s.tracker.SetActive()
		return nil, fmt.Errorf("upload manifest: %w", err)
	}

	s.tracker.SetActive()
	log.Info().Str("action", "backup_create").Str("backup_id", m.ID).
		Int64("size", m.SizeBytes).Uint64("start_lsn", m.StartLSN).
		Dur("elapsed_ms", time.Since(started)).Msg("backup OK")
	return m, nil
}

// Get fetches the manifest for a backup ID.
func (s *Service) Get(ctx context.Context, id string) (*Manifest, error) {
	data, err := s.store.Download(ctx, s.manifestKey(id))
	if err != nil {
		return nil, fmt.Errorf("backup %s not found: %w", id, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", id, err)
	}
	return &m, nil
}

// Snapshot fetches the base snapshot a manifest points at, verifying its
// checksum.
func (s *Service) Snapshot(ctx context.Context, m *Manifest) ([]byte, error) {
	data, err := s.store.Download(ctx, m.SnapshotKey)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot %s: %w", m.ID, err)
	}
	if sum := util.SHA256Bytes(data); sum != m.SHA256 {
		return nil, fmt.Errorf("snapshot %s corrupt: sha256 mismatch", m.ID)
	}
	return data, nil
}

// List renders the newline-delimited backup listing: a header, a separator and
// one row per backup, oldest first. The first token of each row is the backup
// ID. The listing is stable between calls until a new backup is created.
func (s *Service) List(ctx context.Context) (string, error) {
	manifests, err := s.manifests(ctx)
	if err != nil {
		return "", err
	}
	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].FinishedAt.Before(manifests[j].FinishedAt)
	})

	var b strings.Builder
	b.WriteString("backup-id            | backup-type | finished-at          | size-bytes\n")
	b.WriteString("--------------------------------------------------------------------------\n")
	for _, m := range manifests {
		fmt.Fprintf(&b, "%-20s | %-11s | %-20s | %d\n",
			m.ID, "full", m.FinishedAt.UTC().Format(time.RFC3339), m.SizeBytes)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (s *Service) manifests(ctx context.Context) ([]*Manifest, error) {
	objects, err := s.store.List(ctx, s.prefix+"/")
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	var out []*Manifest
	for _, obj := range objects {
		if !strings.HasSuffix(obj.Key, "/manifest.json") {
			continue
		}
		data, err := s.store.Download(ctx, obj.Key)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", obj.Key, err)
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", obj.Key, err)
		}
		out = append(out, &m)
	}
	return out, nil
}

func (s *Service) manifestKey(id string) string {
	return fmt.Sprintf("%s/%s/manifest.json", s.prefix, id)
}
