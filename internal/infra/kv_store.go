package infra

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	_ "github.com/mutecomm/go-sqlcipher/v4" // registers the sqlite3 driver
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/flowagent/internal/domain"
)

const (
	storeDBName = "state.db"

	// defaultWatchPoll catches writes that file events miss (or when the
	// platform gives none).
	defaultWatchPoll = 2 * time.Second
)

// EncryptedKVStore implements domain.KVStore and domain.AlarmStore on a
// SQLCipher encrypted SQLite database. Every write bumps a sequence number so
// that watchers in any process can pick up changes made by any writer.
type EncryptedKVStore struct {
	db           *sql.DB
	dbPath       string
	pollInterval time.Duration
	logger       *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewEncryptedKVStore opens (or creates) the encrypted store in dataDir.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedKVStore(dataDir string, key []byte, logger *zap.Logger) (*EncryptedKVStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, storeDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096&_busy_timeout=5000", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}
	// SQLite takes one writer at a time; a single connection serializes access.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	s := &EncryptedKVStore{
		db:           db,
		dbPath:       dbPath,
		pollInterval: defaultWatchPoll,
		logger:       logger,
	}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// SetPollInterval overrides how often Watch re-checks without a file event.
func (s *EncryptedKVStore) SetPollInterval(d time.Duration) {
	if d > 0 {
		s.pollInterval = d
	}
}

// Path returns the database file path.
func (s *EncryptedKVStore) Path() string {
	return s.dbPath
}

func (s *EncryptedKVStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		seq INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS kv_seq ON kv (seq);

	CREATE TABLE IF NOT EXISTS kv_removed (
		key TEXT PRIMARY KEY,
		seq INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS alarms (
		name TEXT PRIMARY KEY,
		at INTEGER NOT NULL,
		period_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	INSERT OR IGNORE INTO meta (key, value) VALUES ('seq', 0);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- domain.KVStore implementation ---

func (s *EncryptedKVStore) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	query := `SELECT key, value FROM kv`
	args := make([]any, 0, len(keys))
	if len(keys) > 0 {
		query += ` WHERE key IN (?` + strings.Repeat(`, ?`, len(keys)-1) + `)`
		for _, k := range keys {
			args = append(args, k)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = json.RawMessage(v)
	}
	return out, rows.Err()
}

func (s *EncryptedKVStore) Set(ctx context.Context, items map[string]json.RawMessage) error {
	if len(items) == 0 {
		return nil
	}
	return s.writeTx(ctx, func(tx *sql.Tx, seq int64) error {
		for k, v := range items {
			if !json.Valid(v) {
				return fmt.Errorf("value for %q is not valid JSON", k)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO kv (key, value, seq) VALUES (?, ?, ?)`, k, string(v), seq); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv_removed WHERE key = ?`, k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *EncryptedKVStore) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.writeTx(ctx, func(tx *sql.Tx, seq int64) error {
		for _, k := range keys {
			res, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, k)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR REPLACE INTO kv_removed (key, seq) VALUES (?, ?)`, k, seq); err != nil {
				return err
			}
		}
		return nil
	})
}

// writeTx runs fn in a transaction stamped with the next sequence number.
func (s *EncryptedKVStore) writeTx(ctx context.Context, fn func(tx *sql.Tx, seq int64) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE meta SET value = value + 1 WHERE key = 'seq'`); err != nil {
		return err
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'seq'`).Scan(&seq); err != nil {
		return err
	}
	if err := fn(tx, seq); err != nil {
		return err
	}
	return tx.Commit()
}

// Watch streams change batches written by any process, including this one.
// File events from fsnotify trigger a check; a slow poll covers the rest.
func (s *EncryptedKVStore) Watch(ctx context.Context) (<-chan []domain.StorageChange, error) {
	cursor, err := s.currentSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("read sequence: %w", err)
	}

	var events chan fsnotify.Event
	var watchErrs chan error
	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if err = watcher.Add(filepath.Dir(s.dbPath)); err != nil {
			watcher.Close()
			watcher = nil
		}
	}
	if err != nil {
		s.logger.Warn("file events unavailable, polling storage", zap.Error(err))
	} else {
		events = watcher.Events
		watchErrs = watcher.Errors
	}

	out := make(chan []domain.StorageChange, 16)
	go func() {
		defer close(out)
		if watcher != nil {
			defer watcher.Close()
		}
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		check := func() bool {
			changes, next, err := s.changesSince(ctx, cursor)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Debug("failed to read storage changes", zap.Error(err))
				}
				return true
			}
			cursor = next
			if len(changes) == 0 {
				return true
			}
			select {
			case out <- changes:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if !strings.HasPrefix(filepath.Base(ev.Name), storeDBName) {
					continue
				}
				if !check() {
					return
				}
			case err, ok := <-watchErrs:
				if !ok {
					watchErrs = nil
					continue
				}
				s.logger.Debug("file watch error", zap.Error(err))
			case <-ticker.C:
				if !check() {
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *EncryptedKVStore) currentSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'seq'`).Scan(&seq)
	return seq, err
}

// changesSince returns every key written or removed after cursor, sorted by
// key, and the new cursor.
func (s *EncryptedKVStore) changesSince(ctx context.Context, cursor int64) ([]domain.StorageChange, int64, error) {
	next := cursor
	var changes []domain.StorageChange

	rows, err := s.db.QueryContext(ctx, `SELECT key, value, seq FROM kv WHERE seq > ?`, cursor)
	if err != nil {
		return nil, cursor, err
	}
	for rows.Next() {
		var k, v string
		var seq int64
		if err := rows.Scan(&k, &v, &seq); err != nil {
			rows.Close()
			return nil, cursor, err
		}
		changes = append(changes, domain.StorageChange{Key: k, Value: json.RawMessage(v)})
		if seq > next {
			next = seq
		}
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT key, seq FROM kv_removed WHERE seq > ?`, cursor)
	if err != nil {
		return nil, cursor, err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var seq int64
		if err := rows.Scan(&k, &seq); err != nil {
			return nil, cursor, err
		}
		changes = append(changes, domain.StorageChange{Key: k, Removed: true})
		if seq > next {
			next = seq
		}
	}
	if err := rows.Err(); err != nil {
		return nil, cursor, err
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Key < changes[j].Key })
	return changes, next, nil
}

// --- domain.AlarmStore implementation ---

func (s *EncryptedKVStore) SaveAlarm(ctx context.Context, alarm domain.Alarm) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO alarms (name, at, period_ms) VALUES (?, ?, ?)`,
		alarm.Name, alarm.At.UnixMilli(), alarm.Period.Milliseconds())
	return err
}

func (s *EncryptedKVStore) DeleteAlarm(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM alarms WHERE name = ?`, name)
	return err
}

func (s *EncryptedKVStore) LoadAlarms(ctx context.Context) ([]domain.Alarm, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, at, period_ms FROM alarms ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alarms []domain.Alarm
	for rows.Next() {
		var name string
		var at, periodMs int64
		if err := rows.Scan(&name, &at, &periodMs); err != nil {
			return nil, err
		}
		alarms = append(alarms, domain.Alarm{
			Name:   name,
			At:     time.UnixMilli(at),
			Period: time.Duration(periodMs) * time.Millisecond,
		})
	}
	return alarms, rows.Err()
}

// Close releases the database connection.
func (s *EncryptedKVStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.db.Close()
	})
	return err
}

// Ensure EncryptedKVStore implements both interfaces.
var _ domain.KVStore = (*EncryptedKVStore)(nil)
var _ domain.AlarmStore = (*EncryptedKVStore)(nil)
