package wal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/postgres-pitr-backup-restore/internal/provider"
)

// Record is a single committed change in the write-ahead log.
type Record struct {
	LSN        uint64    `json:"lsn"`
	CommitTime time.Time `json:"commit_time"`
	Statement  string    `json:"statement"`
}

// segment is the archived unit: a contiguous run of records.
type segment struct {
	StartLSN uint64   `json:"start_lsn"`
	EndLSN   uint64   `json:"end_lsn"`
	Records  []Record `json:"records"`
}

// Archiver accumulates committed records and ships closed segments to object
// storage. Only archived segments count as replayable WAL coverage: a restore
// starts from a base backup fetched from the same store and can only replay
// what the store holds.
type Archiver struct {
	store      provider.Provider
	prefix     string
	segmentCap int

	mu            sync.Mutex
	enabled       bool
	nextLSN       uint64
	current       []Record
	firstArchived time.Time
	lastArchived  time.Time
	segments      int
}

// NewArchiver returns an enabled archiver writing segments under prefix.
func NewArchiver(store provider.Provider, prefix string, segmentCap int) *Archiver {
	if segmentCap <= 0 {
		segmentCap = 16
	}
	return &Archiver{
		store:      store,
		prefix:     provider.NormalizeKey(prefix),
		segmentCap: segmentCap,
		enabled:    true,
		nextLSN:    1,
	}
}

// Append records a committed statement. The segment is switched automatically
// once it reaches capacity. Appends are dropped while archiving is disabled
// (the state of a freshly restored cluster).
func (a *Archiver) Append(ctx context.Context, stmt string, commit time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.enabled {
		log.Debug().Str("action", "wal_append").Msg("archiving disabled, record dropped")
		return nil
	}

	rec := Record{LSN: a.nextLSN, CommitTime: commit, Statement: stmt}
	a.nextLSN++
	a.current = append(a.current, rec)

	if len(a.current) >= a.segmentCap {
		return a.switchLocked(ctx)
	}
	return nil
}

// Switch closes the open segment and uploads it. A no-op when the segment is
// empty or archiving is disabled.
func (a *Archiver) Switch(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.enabled {
		return nil
	}
	return a.switchLocked(ctx)
}

func (a *Archiver) switchLocked(ctx context.Context) error {
	if len(a.current) == 0 {
		return nil
	}
	seg := segment{
		StartLSN: a.current[0].LSN,
		EndLSN:   a.current[len(a.current)-1].LSN,
		Records:  a.current,
	}
	data, err := json.Marshal(seg)
	if err != nil {
		return fmt.Errorf("encode segment: %w", err)
	}
	key := fmt.Sprintf("%s/%016X-%016X.json", a.prefix, seg.StartLSN, seg.EndLSN)
	if err := a.store.Upload(ctx, key, data); err != nil {
		return fmt.Errorf("archive segment %s: %w", key, err)
	}

	if a.firstArchived.IsZero() {
		a.firstArchived = seg.Records[0].CommitTime
	}
	a.lastArchived = seg.Records[len(seg.Records)-1].CommitTime
	a.segments++
	a.current = nil

	log.Info().Str("action", "wal_switch").Str("key", key).
		Uint64("start_lsn", seg.StartLSN).Uint64("end_lsn", seg.EndLSN).
		Int("records", len(seg.Records)).Msg("segment archived")
	return nil
}

// Hydrate rebuilds archive state from the store: segment count, replayable
// coverage and the LSN counter. A new process over an existing prefix must not
// restart LSNs at 1 or report an empty archive.
func (a *Archiver) Hydrate(ctx context.Context) error {
	objects, err := a.store.List(ctx, a.prefix+"/")
	if err != nil {
		return fmt.Errorf("list wal segments: %w", err)
	}
	if len(objects) == 0 {
		return nil
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })

	first, err := a.fetchSegment(ctx, objects[0].Key)
	if err != nil {
		return err
	}
	last := first
	if len(objects) > 1 {
		if last, err = a.fetchSegment(ctx, objects[len(objects)-1].Key); err != nil {
			return err
		}
	}

	a.mu.Lock()
	a.segments = len(objects)
	a.firstArchived = first.Records[0].CommitTime
	a.lastArchived = last.Records[len(last.Records)-1].CommitTime
	a.nextLSN = last.EndLSN + 1
	a.mu.Unlock()

	log.Info().Str("action", "wal_hydrate").Int("segments", len(objects)).
		Uint64("next_lsn", last.EndLSN+1).Msg("archive state rebuilt")
	return nil
}

// Coverage reports the commit-time range replayable from the archive. ok is
// false when nothing has been archived yet.
func (a *Archiver) Coverage() (first, last time.Time, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.segments == 0 {
		return time.Time{}, time.Time{}, false
	}
	return a.firstArchived, a.lastArchived, true
}

// NextLSN returns the LSN the next record will receive.
func (a *Archiver) NextLSN() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextLSN
}

// Disable stops archiving. Restored clusters run with archiving off so they
// cannot overwrite the backup chain they were restored from.
func (a *Archiver) Disable() {
	a.mu.Lock()
	a.enabled = false
	a.mu.Unlock()
	log.Info().Str("action", "wal_disable").Msg("archiving disabled")
}

// Enabled reports whether records are being archived.
func (a *Archiver) Enabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// Replay fetches archived segments and applies, in LSN order, every record
// with LSN >= fromLSN committed strictly before upTo. Records at or after
// upTo are never applied, even mid-segment. Returns the number applied.
func (a *Archiver) Replay(ctx context.Context, fromLSN uint64, upTo time.Time, apply func(Record) error) (int, error) {
	objects, err := a.store.List(ctx, a.prefix+"/")
	if err != nil {
		return 0, fmt.Errorf("list wal segments: %w", err)
	}
	// Keys embed zero-padded LSNs, so lexical order is replay order.
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })

	applied := 0
	for _, obj := range objects {
		seg, err := a.fetchSegment(ctx, obj.Key)
		if err != nil {
			return applied, err
		}
		for _, rec := range seg.Records {
			if rec.LSN < fromLSN {
				continue
			}
			if !rec.CommitTime.Before(upTo) {
				log.Debug().Str("action", "wal_replay").Uint64("lsn", rec.LSN).
					Time("commit_time", rec.CommitTime).Msg("reached recovery target")
				return applied, nil
			}
			if err := apply(rec); err != nil {
				return applied, fmt.Errorf("replay lsn %d: %w", rec.LSN, err)
			}
			applied++
		}
	}
	return applied, nil
}

func (a *Archiver) fetchSegment(ctx context.Context, key string) (segment, error) {
	data, err := a.store.Download(ctx, key)
	if err != nil {
		return segment{}, fmt.Errorf("fetch segment %s: %w", key, err)
	}
	var seg segment
	if err := json.Unmarshal(data, &seg); err != nil {
		return segment{}, fmt.Errorf("decode segment %s: %w", key, err)
	}
	return seg, nil
}
