// Package store implements the data store pipeline: the encrypted durable
// local buffer and the remote store that drains it to a sink.
package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mutecomm/go-sqlcipher/v4" // registers the sqlite3 driver with SQLCipher support
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/probelab/sensd/internal/domain"
	"github.com/probelab/sensd/internal/sched"
)

const localDBName = "local.db"

// ProbeSource is the local store's weak back-reference to its owning
// protocol: navigation only, the protocol owns all lifetimes.
type ProbeSource interface {
	Probes() []domain.Probe
}

// LocalStore is the durable on-device buffer. Probe buffers are drained
// into an SQLCipher-encrypted SQLite database on a repeating commit cycle;
// committed items are cleared from each probe by identity.
type LocalStore struct {
	dir             string
	key             []byte
	commitInterval  time.Duration
	forwardToRemote bool
	scheduler       *sched.Scheduler
	logger          *zap.Logger

	mu            sync.Mutex
	running       bool
	db            *sql.DB
	callbackID    string
	owner         ProbeSource
	lastCommitErr error
}

// NewLocalStore creates a local store rooted at dir. The database file is
// created lazily on Start. The key is the SQLCipher passphrase.
func NewLocalStore(dir string, key []byte, commitInterval time.Duration, forwardToRemote bool, scheduler *sched.Scheduler, logger *zap.Logger) *LocalStore {
	return &LocalStore{
		dir:             dir,
		key:             key,
		commitInterval:  commitInterval,
		forwardToRemote: forwardToRemote,
		scheduler:       scheduler,
		logger:          logger,
	}
}

// SetOwner re-parents the store to a protocol. The back-reference is
// replaced, not shared.
func (s *LocalStore) SetOwner(owner ProbeSource) {
	s.mu.Lock()
	s.owner = owner
	s.mu.Unlock()
}

// ForwardToRemote reports whether committed data should be drained to the
// remote store.
func (s *LocalStore) ForwardToRemote() bool { return s.forwardToRemote }

// CommitInterval is how often the commit cycle runs.
func (s *LocalStore) CommitInterval() time.Duration { return s.commitInterval }

// Path returns the database file path.
func (s *LocalStore) Path() string { return filepath.Join(s.dir, localDBName) }

// Running reports whether the store is started.
func (s *LocalStore) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start opens the encrypted database and schedules the commit cycle.
// No-op when already running.
func (s *LocalStore) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	keyHex := hex.EncodeToString(s.key)
	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", s.Path(), keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("failed to open encrypted store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("failed to connect to encrypted store: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS datum (
		id TEXT PRIMARY KEY,
		probe_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		payload BLOB NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return fmt.Errorf("failed to create schema: %w", err)
	}

	callbackID, err := s.scheduler.ScheduleRepeating(s.commitInterval, s.commitInterval, "", s.runCommit)
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to schedule commit cycle: %w", err)
	}

	s.db = db
	s.callbackID = callbackID
	s.running = true
	s.lastCommitErr = nil
	s.logger.Info("local store started",
		zap.String("path", s.Path()),
		zap.Duration("commit_interval", s.commitInterval))
	return nil
}

// Stop unschedules the commit cycle and closes the database. Buffered probe
// data stays in the probes; durable rows stay on disk. No-op when stopped.
func (s *LocalStore) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.scheduler.Unschedule(s.callbackID)
	s.callbackID = ""
	s.running = false

	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("failed to close local store: %w", err)
	}
	s.logger.Info("local store stopped")
	return nil
}

// Restart is Stop followed by Start.
func (s *LocalStore) Restart() error {
	if err := s.Stop(); err != nil {
		return err
	}
	return s.Start()
}

// TestHealth reports degradation: the store not running, or the most recent
// commit cycle failing.
func (s *LocalStore) TestHealth() domain.HealthResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result domain.HealthResult
	if !s.running {
		result.Degraded = true
		result.Error = "local store is not running"
		return result
	}
	if s.lastCommitErr != nil {
		result.Degraded = true
		result.Warning = fmt.Sprintf("local store last commit failed: %v", s.lastCommitErr)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM datum`).Scan(&count); err != nil {
		result.Degraded = true
		result.Warning = fmt.Sprintf("local store unreadable: %v", err)
		return result
	}
	result.Misc = fmt.Sprintf("local store holds %d items", count)
	return result
}

// AddNonProbeDatum writes a datum (e.g. a protocol report) through the same
// durable path as probe data.
func (s *LocalStore) AddNonProbeDatum(d domain.Datum) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return fmt.Errorf("local store is not running")
	}
	return insertData(s.db, []domain.Datum{d})
}

// CommitNow runs one commit cycle synchronously. Used by tests and the
// shutdown path; the scheduled cycle goes through the same body.
func (s *LocalStore) CommitNow(ctx context.Context) error {
	s.runCommit(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCommitErr
}

// runCommit drains every owned probe's buffer into the database, then
// clears exactly the committed snapshot from each probe.
func (s *LocalStore) runCommit(ctx context.Context) {
	s.mu.Lock()
	db := s.db
	owner := s.owner
	running := s.running
	s.mu.Unlock()

	if !running || owner == nil {
		return
	}

	var commitErr error
	for _, p := range owner.Probes() {
		if ctx.Err() != nil {
			s.logger.Debug("commit cycle canceled")
			break
		}

		snapshot := p.GetCollectedData()
		if len(snapshot) == 0 {
			continue
		}

		if err := insertData(db, snapshot); err != nil {
			commitErr = multierr.Append(commitErr,
				fmt.Errorf("failed to commit %s data: %w", p.Kind(), err))
			s.logger.Warn("probe commit failed",
				zap.String("probe", p.Kind()),
				zap.Error(err))
			continue
		}

		// Clear exactly what was committed; concurrently collected data
		// stays in the probe.
		p.ClearCommittedData(snapshot)
		s.logger.Debug("probe data committed",
			zap.String("probe", p.Kind()),
			zap.Int("count", len(snapshot)))
	}

	s.mu.Lock()
	s.lastCommitErr = commitErr
	s.mu.Unlock()
}

// Unsent returns up to limit durably stored items not yet drained to the
// remote store, oldest first. limit <= 0 means no limit.
func (s *LocalStore) Unsent(limit int) ([]domain.Datum, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil, fmt.Errorf("local store is not running")
	}

	query := `SELECT id, probe_id, kind, timestamp, payload FROM datum ORDER BY timestamp`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Datum
	for rows.Next() {
		var d domain.Datum
		var ts int64
		if err := rows.Scan(&d.ID, &d.ProbeID, &d.Kind, &ts, (*[]byte)(&d.Payload)); err != nil {
			return nil, err
		}
		d.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

// ClearSent deletes exactly the given items, by identity.
func (s *LocalStore) ClearSent(data []domain.Datum) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return fmt.Errorf("local store is not running")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, d := range data {
		if _, err := tx.Exec(`DELETE FROM datum WHERE id = ?`, d.ID); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func insertData(db *sql.DB, data []domain.Datum) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	for _, d := range data {
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO datum (id, probe_id, kind, timestamp, payload) VALUES (?, ?, ?, ?, ?)`,
			d.ID, d.ProbeID, d.Kind, d.Timestamp.UnixNano(), []byte(d.Payload),
		)
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

var _ domain.DataStore = (*LocalStore)(nil)
