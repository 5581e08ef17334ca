// Package buildstore keeps a history of protected builds in SQLite, with
// recently used bundles cached in memory.
package buildstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/chazu/krak/artifact"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("krak.buildstore")

const driverName = "sqlite"

// DefaultCacheSize is used when Open is given a non-positive size.
const DefaultCacheSize = 64

var (
	// ErrNotFound indicates no build matches the query.
	ErrNotFound = errors.New("buildstore: build not found")

	// ErrAmbiguous indicates a prefix matches more than one build.
	ErrAmbiguous = errors.New("buildstore: ambiguous build prefix")
)

// Record describes a stored build without its payload.
type Record struct {
	ID       uuid.UUID
	Name     string
	Source   string
	Checksum uint64
	Size     int
	Dynamic  int
	Built    time.Time
}

// Store is a build history backed by a SQLite database.
type Store struct {
	db    *sql.DB
	path  string
	cache *lru.Cache[uuid.UUID, *artifact.Bundle]
	mu    sync.Mutex
}

// Open opens or creates the store at path. The special path ":memory:"
// gives a store that lives as long as the Store.
func Open(path string, cacheSize int) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection: an in-memory database is per connection, and
	// writes are serialized by the store anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS builds (
		id       TEXT PRIMARY KEY,
		name     TEXT NOT NULL,
		source   TEXT NOT NULL,
		checksum TEXT NOT NULL,
		size     INTEGER NOT NULL,
		dynamic  INTEGER NOT NULL,
		built    TEXT NOT NULL,
		bundle   BLOB NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	cache, err := lru.New[uuid.UUID, *artifact.Bundle](cacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cache: %w", err)
	}
	return &Store{db: db, path: path, cache: cache}, nil
}

// Path returns the database location.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Save records a bundle. Saving a bundle whose build ID is already stored
// replaces the earlier entry.
func (s *Store) Save(b *artifact.Bundle) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, err := b.Program.Code()
	if err != nil {
		return Record{}, err
	}
	data, err := artifact.MarshalBundle(b)
	if err != nil {
		return Record{}, fmt.Errorf("encoding bundle: %w", err)
	}
	rec := Record{
		ID:       b.Set.ID,
		Name:     b.Set.Name,
		Source:   b.Source,
		Checksum: b.Program.Checksum,
		Size:     len(code),
		Dynamic:  len(b.Set.Dynamic),
		Built:    b.Built.UTC(),
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO builds (id, name, source, checksum, size, dynamic, built, bundle)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.Name, rec.Source, strconv.FormatUint(rec.Checksum, 16),
		rec.Size, rec.Dynamic, rec.Built.Format(timeLayout), data,
	)
	if err != nil {
		return Record{}, fmt.Errorf("saving build: %w", err)
	}
	s.cache.Add(rec.ID, b)
	log.Debugf("saved build %s (%d bytes)", rec.Name, rec.Size)
	return rec, nil
}

// Load returns the bundle of a build.
func (s *Store) Load(id uuid.UUID) (*artifact.Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.cache.Get(id); ok {
		return b, nil
	}

	var data []byte
	err := s.db.QueryRow("SELECT bundle FROM builds WHERE id = ?", id.String()).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("querying build: %w", err)
	}
	b, err := artifact.UnmarshalBundle(data)
	if err != nil {
		return nil, err
	}
	s.cache.Add(id, b)
	return b, nil
}

// Find resolves a build by name or by a prefix of its ID.
func (s *Store) Find(query string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		"SELECT "+recordColumns+" FROM builds WHERE name = ? OR id LIKE ? || '%' LIMIT 2",
		query, query,
	)
	if err != nil {
		return Record{}, fmt.Errorf("querying builds: %w", err)
	}
	recs, err := scanRecords(rows)
	if err != nil {
		return Record{}, err
	}
	switch len(recs) {
	case 0:
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, query)
	case 1:
		return recs[0], nil
	}
	return Record{}, fmt.Errorf("%w: %s", ErrAmbiguous, query)
}

// List returns up to limit builds, newest first. A non-positive limit
// returns all of them.
func (s *Store) List(limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query("SELECT "+recordColumns+" FROM builds ORDER BY built DESC, id LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("listing builds: %w", err)
	}
	return scanRecords(rows)
}

// Delete removes a build.
func (s *Store) Delete(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM builds WHERE id = ?", id.String())
	if err != nil {
		return fmt.Errorf("deleting build: %w", err)
	}
	s.cache.Remove(id)
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

const recordColumns = "id, name, source, checksum, size, dynamic, built"

// timeLayout is fixed width so that stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func scanRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			rec            Record
			id, sum, built string
		)
		if err := rows.Scan(&id, &rec.Name, &rec.Source, &sum, &rec.Size, &rec.Dynamic, &built); err != nil {
			return nil, fmt.Errorf("scanning build: %w", err)
		}
		var err error
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("build id %q: %w", id, err)
		}
		if rec.Checksum, err = strconv.ParseUint(sum, 16, 64); err != nil {
			return nil, fmt.Errorf("build %s checksum: %w", id, err)
		}
		if rec.Built, err = time.Parse(timeLayout, built); err != nil {
			return nil, fmt.Errorf("build %s time: %w", id, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
