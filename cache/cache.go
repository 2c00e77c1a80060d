// Package cache stores compiled programs in a SQL database so unchanged
// scripts skip compilation. Entries are keyed by a BLAKE2b hash of the
// source text and hold the CBOR wire form of the top-level function.
package cache

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tliron/commonlog"
	"golang.org/x/crypto/blake2b"

	"github.com/chazu/loxvm/pkg/bytecode"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrUnsupportedDriver is returned by Open for drivers other than sqlite
// and postgres.
var ErrUnsupportedDriver = errors.New("unsupported cache driver")

// dialect holds the statements that differ between drivers.
type dialect struct {
	createTable string
	selectSQL   string
	insertSQL   string
	deleteSQL   string
}

var dialects = map[string]dialect{
	DriverSQLite: {
		createTable: `CREATE TABLE IF NOT EXISTS compiled_programs (
			key TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			program BLOB NOT NULL
		)`,
		selectSQL: "SELECT version, program FROM compiled_programs WHERE key = ?",
		insertSQL: "INSERT OR REPLACE INTO compiled_programs (key, version, program) VALUES (?, ?, ?)",
		deleteSQL: "DELETE FROM compiled_programs WHERE key = ?",
	},
	DriverPostgres: {
		createTable: `CREATE TABLE IF NOT EXISTS compiled_programs (
			key TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			program BYTEA NOT NULL
		)`,
		selectSQL: "SELECT version, program FROM compiled_programs WHERE key = $1",
		insertSQL: `INSERT INTO compiled_programs (key, version, program) VALUES ($1, $2, $3)
			ON CONFLICT (key) DO UPDATE SET version = EXCLUDED.version, program = EXCLUDED.program`,
		deleteSQL: "DELETE FROM compiled_programs WHERE key = $1",
	},
}

// Store is a compiled-program cache backed by database/sql.
type Store struct {
	db      *sql.DB
	dialect dialect
	log     commonlog.Logger

	mu     sync.Mutex
	hits   int
	misses int
}

// Open connects to the cache database and creates its table if needed.
// For sqlite, dsn is a file path whose parent directory is created.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	if driver == DriverSQLite && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("creating cache dir: %w", err)
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}
	if driver == DriverSQLite {
		// One connection so an in-memory database is shared by every query.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting busy timeout: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, d.createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	return &Store{
		db:      db,
		dialect: d,
		log:     commonlog.GetLogger("loxvm.cache"),
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Key returns the cache key for source. The wire version is hashed in so
// a format change never reads stale entries.
func Key(source string) string {
	h, _ := blake2b.New256(nil)
	fmt.Fprintf(h, "loxvm/%d\x00", bytecode.WireVersion)
	h.Write([]byte(source))
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached function for key. A missing entry, or one written
// with another wire version, reports false with no error.
func (s *Store) Get(ctx context.Context, key string) (*bytecode.Function, bool, error) {
	var version int
	var program []byte
	err := s.db.QueryRowContext(ctx, s.dialect.selectSQL, key).Scan(&version, &program)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.count(false)
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("querying program: %w", err)
	}
	if version != int(bytecode.WireVersion) {
		s.count(false)
		return nil, false, nil
	}

	fn, err := bytecode.UnmarshalFunction(program)
	if err != nil {
		return nil, false, fmt.Errorf("decoding cached program %s: %w", key, err)
	}
	s.count(true)
	return fn, true, nil
}

// Put stores fn under key, replacing any previous entry.
func (s *Store) Put(ctx context.Context, key string, fn *bytecode.Function) error {
	program, err := bytecode.MarshalFunction(fn)
	if err != nil {
		return fmt.Errorf("encoding program: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.dialect.insertSQL, key, int(bytecode.WireVersion), program); err != nil {
		return fmt.Errorf("saving program: %w", err)
	}
	return nil
}

// Delete removes the entry for key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.dialect.deleteSQL, key); err != nil {
		return fmt.Errorf("deleting program: %w", err)
	}
	return nil
}

// Stats returns the number of hits and misses since the store was opened.
func (s *Store) Stats() (hits, misses int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits, s.misses
}

func (s *Store) count(hit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hit {
		s.hits++
	} else {
		s.misses++
	}
}

// Compiler wraps compile with the cache. Compile errors are never cached,
// and a failing cache only costs a recompile.
func (s *Store) Compiler(compile func(source string) (*bytecode.Function, error)) func(source string) (*bytecode.Function, error) {
	return func(source string) (*bytecode.Function, error) {
		ctx := context.Background()
		key := Key(source)

		fn, ok, err := s.Get(ctx, key)
		if err != nil {
			s.log.Warningf("cache read failed: %s", err)
		}
		if ok {
			s.log.Debugf("cache hit %s", key[:12])
			return fn, nil
		}

		fn, err = compile(source)
		if err != nil {
			return nil, err
		}
		if err := s.Put(ctx, key, fn); err != nil {
			s.log.Warningf("cache write failed: %s", err)
		}
		return fn, nil
	}
}
