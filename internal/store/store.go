// Package store persists license records and the local serial file.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/MacJediWizard/serialkeeper/internal/config"
	"github.com/MacJediWizard/serialkeeper/internal/models"
	"github.com/rs/zerolog"
)

// ErrRecordNotFound is returned when no record exists for a subject.
var ErrRecordNotFound = errors.New("license record not found")

// Store is the license record store, keyed by subject id.
type Store interface {
	// GetLicenseRecord returns ErrRecordNotFound for unknown subjects.
	GetLicenseRecord(ctx context.Context, subjectID string) (*models.LicenseRecord, error)
	// SaveLicense writes serial and expiresOn together, creating the record
	// if needed. Concurrent writers for one subject are last-writer-wins.
	SaveLicense(ctx context.Context, subjectID, serial, expiresOn string) error
	// SetAdmin sets the admin flag, creating the record if needed.
	SetAdmin(ctx context.Context, subjectID string, isAdmin bool) error
	Ping(ctx context.Context) error
	Close() error
}

// Open returns the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite, "":
		return NewSQLiteStore(cfg.Path, logger)
	case config.DriverPostgres:
		return NewPostgresStore(ctx, DefaultPostgresConfig(cfg.URL), logger)
	default:
		return nil, fmt.Errorf("unknown store driver: %q", cfg.Driver)
	}
}
