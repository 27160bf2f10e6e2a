// Package diagstore persists coordinator diagnostics in BadgerDB: drift and
// stale-call warnings of the collective logger, failed bootstrap sessions and
// the reason of fail-fast exits. Records expire after a retention period.
package diagstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"

	"github.com/piwi3910/hcclrt/internal/bootstrap"
	"github.com/piwi3910/hcclrt/internal/verify"
	"github.com/piwi3910/hcclrt/pkg/hccltypes"
)

const (
	prefixDrift   = "drift/"
	prefixSession = "session/"
	prefixDump    = "dump/"

	defaultRetention = 7 * 24 * time.Hour
	dumpHookName     = "diagstore"
)

// Config configures the store.
type Config struct {
	// Dir is the badger directory. Empty keeps everything in memory.
	Dir string
	// Retention is how long records are kept.
	Retention time.Duration
}

// DriftRecord is one drift or stale-call warning.
type DriftRecord struct {
	At        time.Time        `json:"at"`
	Comm      string           `json:"comm"`
	Kind      string           `json:"kind"`
	Signature string           `json:"signature"`
	Missing   []hccltypes.Rank `json:"missing,omitempty"`
	Drift     time.Duration    `json:"drift"`
}

// DumpRecord is the reason of one fail-fast exit.
type DumpRecord struct {
	At     time.Time `json:"at"`
	Reason string    `json:"reason"`
}

// Store is a badger-backed diagnostics store.
type Store struct {
	db        *badger.DB
	now       func() time.Time
	retention time.Duration
	seq       atomic.Uint64
}

var _ bootstrap.SessionSink = (*Store)(nil)

// Open opens or creates the store.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.Dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}

	s := &Store{db: db, now: time.Now, retention: cfg.Retention}
	verify.RegisterDump(dumpHookName, s.recordDump)

	log.Info().Str("dir", cfg.Dir).Dur("retention", cfg.Retention).Msg("Diagnostics store opened")

	return s, nil
}

// Close flushes and closes the store.
func (s *Store) Close() error {
	verify.UnregisterDump(dumpHookName)
	return s.db.Close()
}

// Ping checks that the store answers reads.
func (s *Store) Ping() error {
	return s.db.View(func(*badger.Txn) error { return nil })
}

// key orders records of one prefix by time; the sequence keeps keys of the
// same nanosecond distinct.
func (s *Store) key(prefix, scope string, at time.Time) []byte {
	return fmt.Appendf(nil, "%s%s%020d-%08d", prefix, scope, at.UnixNano(), s.seq.Add(1))
}

func (s *Store) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, data).WithTTL(s.retention))
	})
}

// RecordDrift stores a collective-logger warning.
func (s *Store) RecordDrift(comm hccltypes.UniqueID, kind, signature string, drift time.Duration, missing []hccltypes.Rank) {
	rec := DriftRecord{
		At:        s.now(),
		Comm:      comm.String(),
		Kind:      kind,
		Signature: signature,
		Missing:   missing,
		Drift:     drift,
	}

	if err := s.put(s.key(prefixDrift, rec.Comm+"/", rec.At), rec); err != nil {
		log.Error().Err(err).Str("comm", rec.Comm).Msg("Failed to store drift warning")
	}
}

// RecordSession stores the final state of a bootstrap session.
func (s *Store) RecordSession(info bootstrap.SessionInfo) {
	if err := s.put(s.key(prefixSession, info.Key+"/", s.now()), info); err != nil {
		log.Error().Err(err).Str("comm", info.Key).Msg("Failed to store session")
	}
}

func (s *Store) recordDump(reason string) {
	rec := DumpRecord{At: s.now(), Reason: reason}
	if err := s.put(s.key(prefixDump, "", rec.At), rec); err != nil {
		log.Error().Err(err).Msg("Failed to store fatal dump")
		return
	}

	// The process exits right after the hooks ran.
	_ = s.db.Sync()
}

// Drifts returns the stored warnings of comm, oldest first. A zero comm
// returns the warnings of every communicator.
func (s *Store) Drifts(comm hccltypes.UniqueID) ([]DriftRecord, error) {
	prefix := prefixDrift
	if !comm.IsZero() {
		prefix += comm.String() + "/"
	}

	recs, err := scan[DriftRecord](s.db, []byte(prefix))
	if err != nil {
		return nil, err
	}

	sort.SliceStable(recs, func(i, j int) bool { return recs[i].At.Before(recs[j].At) })

	return recs, nil
}

// Sessions returns every stored session record, oldest update first.
func (s *Store) Sessions() ([]bootstrap.SessionInfo, error) {
	recs, err := scan[bootstrap.SessionInfo](s.db, []byte(prefixSession))
	if err != nil {
		return nil, err
	}

	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Updated.Before(recs[j].Updated) })

	return recs, nil
}

// Dumps returns the reasons of previous fail-fast exits.
func (s *Store) Dumps() ([]DumpRecord, error) {
	return scan[DumpRecord](s.db, []byte(prefixDump))
}

func scan[T any](db *badger.DB, prefix []byte) ([]T, error) {
	var out []T

	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var v T

			err := it.Item().Value(func(data []byte) error {
				return json.Unmarshal(data, &v)
			})
			if err != nil {
				return err
			}

			out = append(out, v)
		}

		return nil
	})

	return out, err
}
