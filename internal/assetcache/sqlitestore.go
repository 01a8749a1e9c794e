package assetcache

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"vidsync/internal/fingerprint"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists records as JSON payloads in a single SQLite table.
// WAL mode with synchronous=FULL makes each committed Save durable.
type SQLiteStore struct {
	conn *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, &StorageError{Op: "open", Backend: "sqlite", Err: err}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &StorageError{Op: "open", Backend: "sqlite", Err: err}
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, &StorageError{Op: "open", Backend: "sqlite", Err: err}
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, &StorageError{Op: "open", Backend: "sqlite", Err: errors.Wrap(err, pragma)}
		}
	}

	s := &SQLiteStore{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, &StorageError{Op: "migrate", Backend: "sqlite", Err: err}
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	migrations, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}

	for _, m := range migrations {
		if m.IsDir() {
			continue
		}
		name := m.Name()
		if s.isMigrationApplied(name) {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return errors.Wrapf(err, "read migration %s", name)
		}
		if _, err := s.conn.Exec(string(content)); err != nil {
			return errors.Wrapf(err, "execute migration %s", name)
		}
		if _, err := s.conn.Exec("INSERT INTO _migrations (name) VALUES (?)", name); err != nil {
			return errors.Wrapf(err, "record migration %s", name)
		}
		logrus.WithField("migration", name).Debug("Applied asset cache migration")
	}
	return nil
}

func (s *SQLiteStore) isMigrationApplied(name string) bool {
	var applied int
	err := s.conn.QueryRow("SELECT 1 FROM _migrations WHERE name = ?", name).Scan(&applied)
	return err == nil && applied == 1
}

// LoadAll reads every record row.
func (s *SQLiteStore) LoadAll(ctx context.Context) ([]*Record, error) {
	rows, err := s.conn.QueryContext(ctx, "SELECT fingerprint, payload FROM asset_records")
	if err != nil {
		return nil, &StorageError{Op: "load", Backend: "sqlite", Err: err}
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var fp, payload string
		if err := rows.Scan(&fp, &payload); err != nil {
			return nil, &StorageError{Op: "load", Backend: "sqlite", Err: err}
		}
		rec := &Record{}
		if err := json.Unmarshal([]byte(payload), rec); err != nil || string(rec.Fingerprint) != fp {
			return nil, &StorageError{Op: "load", Backend: "sqlite", ID: fp, Err: ErrStorageCorrupt}
		}
		rec.normalize()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "load", Backend: "sqlite", Err: err}
	}
	return records, nil
}

// Save upserts the record row.
func (s *SQLiteStore) Save(ctx context.Context, rec *Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return &StorageError{Op: "save", Backend: "sqlite", ID: string(rec.Fingerprint), Err: err}
	}
	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO asset_records (fingerprint, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		string(rec.Fingerprint), string(payload), rec.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return &StorageError{Op: "save", Backend: "sqlite", ID: string(rec.Fingerprint), Err: err}
	}
	return nil
}

// Delete removes the record row.
func (s *SQLiteStore) Delete(ctx context.Context, fp fingerprint.Hash) error {
	if _, err := s.conn.ExecContext(ctx, "DELETE FROM asset_records WHERE fingerprint = ?", string(fp)); err != nil {
		return &StorageError{Op: "delete", Backend: "sqlite", ID: string(fp), Err: err}
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}
