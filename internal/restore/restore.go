package restore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/backup"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/engine"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/status"
	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/wal"
)

var (
	// ErrInvalidTarget rejects a restore-to-time that does not parse. The
	// triggering call fails synchronously; nothing is scheduled.
	ErrInvalidTarget = errors.New("restore-to-time is not a valid timestamp")

	// ErrBusy means a restore is already converging. Transient: callers are
	// expected to re-trigger under backoff.
	ErrBusy = errors.New("another restore is in progress")
)

// targetLayouts are the accepted restore-to-time formats: the textual form of
// a PostgreSQL current_timestamp first, then common reduced forms.
var targetLayouts = []string{
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05-07",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	time.RFC3339,
}

// ParseTarget parses a recovery target timestamp.
func ParseTarget(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range targetLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTarget, s)
}

// Service triggers and runs restores. Triggering is synchronous validation
// only; the restore itself converges in the background and reports through
// the status tracker.
type Service struct {
	backups *backup.Service
	eng     engine.Engine
	arch    *wal.Archiver
	tracker *status.Tracker

	mu       sync.Mutex
	inFlight bool

	runTimeout time.Duration
}

func NewService(backups *backup.Service, eng engine.Engine, arch *wal.Archiver, tracker *status.Tracker) *Service {
	return &Service{
		backups:    backups,
		eng:        eng,
		arch:       arch,
		tracker:    tracker,
		runTimeout: 10 * time.Minute,
	}
}

// Restore validates and schedules a restore of backupID, optionally to a
// point in time. Returns a non-empty status once the restore is accepted.
//
// Failure modes, in contract order:
//   - malformed restoreToTime: synchronous error, nothing scheduled
//   - unknown backup ID: synchronous error
//   - restore already converging: ErrBusy, caller retries with backoff
//   - target outside WAL coverage: accepted, then the unit blocks with
//     status.CannotRestorePITR; the data is left untouched
func (s *Service) Restore(ctx context.Context, backupID, restoreToTime string) (string, error) {
	var upTo time.Time
	pitr := restoreToTime != ""
	if pitr {
		var err error
		if upTo, err = ParseTarget(restoreToTime); err != nil {
			return "", err
		}
	}

	m, err := s.backups.Get(ctx, backupID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return "", ErrBusy
	}
	s.inFlight = true
	s.mu.Unlock()

	s.tracker.SetMaintenance("restoring backup " + backupID)
	log.Info().Str("action", "restore_trigger").Str("backup_id", backupID).
		Bool("pitr", pitr).Time("target", upTo).Msg("restore accepted")

	go s.run(m, upTo, pitr)

	return "restore started", nil
}

func (s *Service) run(m *backup.Manifest, upTo time.Time, pitr bool) {
	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	// The triggering call has returned; the restore gets its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
	defer cancel()

	start := time.Now()

	// Reachability is checked before anything is loaded so an impossible
	// target never corrupts the current data.
	if pitr && !s.reachable(m, upTo) {
		log.Error().Str("action", "restore_run").Str("backup_id", m.ID).
			Time("target", upTo).Msg("recovery target outside WAL coverage")
		s.tracker.SetBlocked(status.CannotRestorePITR)
		return
	}

	snap, err := s.backups.Snapshot(ctx, m)
	if err != nil {
		log.Error().Err(err).Str("action", "restore_run").Str("backup_id", m.ID).Msg("snapshot fetch failed")
		s.tracker.SetBlocked("failed to restore backup " + m.ID)
		return
	}
	if err := s.eng.Load(ctx, snap); err != nil {
		log.Error().Err(err).Str("action", "restore_run").Str("backup_id", m.ID).Msg("snapshot load failed")
		s.tracker.SetBlocked("failed to restore backup " + m.ID)
		return
	}

	if pitr {
		applied, err := s.arch.Replay(ctx, m.StartLSN, upTo, func(rec wal.Record) error {
			return s.eng.Apply(ctx, rec.Statement)
		})
		if err != nil {
			log.Error().Err(err).Str("action", "restore_run").Str("backup_id", m.ID).
				Int("applied", applied).Msg("wal replay failed")
			s.tracker.SetBlocked("failed to restore backup " + m.ID)
			return
		}
		log.Info().Str("action", "restore_run").Str("backup_id", m.ID).
			Int("applied", applied).Msg("wal replay OK")
	}

	// A restored cluster keeps archiving off: writing new segments into the
	// same prefix would overwrite the chain it was restored from.
	s.arch.Disable()
	s.tracker.SetBlocked(status.MoveRestoredCluster)

	log.Info().Str("action", "restore_run").Str("backup_id", m.ID).Bool("pitr", pitr).
		Dur("elapsed_ms", time.Since(start)).Msg("restore OK")
}

// reachable reports whether the target lies in the replayable range of this
// backup: not before the backup started, and not past the last archived
// commit (inclusive at the edge).
func (s *Service) reachable(m *backup.Manifest, upTo time.Time) bool {
	if upTo.Before(m.StartedAt) {
		return false
	}
	_, last, ok := s.arch.Coverage()
	if !ok {
		return false
	}
	return !upTo.After(last)
}
