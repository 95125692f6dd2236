package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MacJediWizard/serialkeeper/internal/models"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps license records in a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSQLiteStore opens (and creates if needed) the database at dbPath.
func NewSQLiteStore(dbPath string, logger zerolog.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "sqlite_store").Logger(),
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	store.logger.Debug().Str("path", dbPath).Msg("license database initialized")

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS license_records (
			subject_id TEXT PRIMARY KEY,
			serial TEXT,
			expires_on TEXT,
			is_admin INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// GetLicenseRecord retrieves the record for subjectID.
func (s *SQLiteStore) GetLicenseRecord(ctx context.Context, subjectID string) (*models.LicenseRecord, error) {
	query := `
		SELECT subject_id, serial, expires_on, is_admin, updated_at
		FROM license_records
		WHERE subject_id = ?
	`

	var (
		rec       models.LicenseRecord
		serial    sql.NullString
		expiresOn sql.NullString
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx, query, subjectID).Scan(
		&rec.SubjectID, &serial, &expiresOn, &rec.IsAdmin, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("get license record: %w", err)
	}

	rec.Serial = serial.String
	rec.ExpiresOn = expiresOn.String
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = t
	}

	return &rec, nil
}

// SaveLicense upserts the serial and expiry for subjectID.
func (s *SQLiteStore) SaveLicense(ctx context.Context, subjectID, serial, expiresOn string) error {
	query := `
		INSERT INTO license_records (subject_id, serial, expires_on, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(subject_id) DO UPDATE SET
			serial = excluded.serial,
			expires_on = excluded.expires_on,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		subjectID,
		nullString(serial),
		nullString(expiresOn),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save license: %w", err)
	}

	s.logger.Debug().Str("subject_id", subjectID).Str("expires_on", expiresOn).Msg("license saved")
	return nil
}

// SetAdmin sets the admin flag for subjectID.
func (s *SQLiteStore) SetAdmin(ctx context.Context, subjectID string, isAdmin bool) error {
	query := `
		INSERT INTO license_records (subject_id, is_admin, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(subject_id) DO UPDATE SET
			is_admin = excluded.is_admin,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query, subjectID, isAdmin, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("set admin: %w", err)
	}
	return nil
}

// Ping checks that the database file is still usable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// nullString converts a string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
