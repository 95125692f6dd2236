package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/MacJediWizard/serialkeeper/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises the behaviour every Store must share.
func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("unknown subject", func(t *testing.T) {
		_, err := s.GetLicenseRecord(ctx, "nobody")
		assert.True(t, errors.Is(err, ErrRecordNotFound))
	})

	t.Run("save creates record", func(t *testing.T) {
		require.NoError(t, s.SaveLicense(ctx, "alice", "serial-1", "2026-11-17"))

		rec, err := s.GetLicenseRecord(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "alice", rec.SubjectID)
		assert.Equal(t, "serial-1", rec.Serial)
		assert.Equal(t, "2026-11-17", rec.ExpiresOn)
		assert.False(t, rec.IsAdmin)
		assert.False(t, rec.UpdatedAt.IsZero())
	})

	t.Run("save supersedes serial and expiry together", func(t *testing.T) {
		require.NoError(t, s.SetAdmin(ctx, "alice", true))
		require.NoError(t, s.SaveLicense(ctx, "alice", "serial-2", "2027-11-17"))

		rec, err := s.GetLicenseRecord(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "serial-2", rec.Serial)
		assert.Equal(t, "2027-11-17", rec.ExpiresOn)
		assert.True(t, rec.IsAdmin, "saving a license must not reset the admin flag")
	})

	t.Run("admin without license", func(t *testing.T) {
		require.NoError(t, s.SetAdmin(ctx, "root", true))

		rec, err := s.GetLicenseRecord(ctx, "root")
		require.NoError(t, err)
		assert.True(t, rec.IsAdmin)
		assert.False(t, rec.HasSerial())
		assert.Empty(t, rec.ExpiresOn)
	})

	t.Run("concurrent writers leave one whole record", func(t *testing.T) {
		var wg sync.WaitGroup
		pairs := [][2]string{
			{"serial-a", "2030-01-01"},
			{"serial-b", "2031-02-02"},
			{"serial-c", "2032-03-03"},
		}
		for _, p := range pairs {
			wg.Add(1)
			go func(serial, exp string) {
				defer wg.Done()
				assert.NoError(t, s.SaveLicense(ctx, "carol", serial, exp))
			}(p[0], p[1])
		}
		wg.Wait()

		rec, err := s.GetLicenseRecord(ctx, "carol")
		require.NoError(t, err)
		assert.Contains(t, pairs, [2]string{rec.Serial, rec.ExpiresOn})
	})
}

func TestSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "data", "licenses.db")
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)

	s, err := NewSQLiteStore(dbPath, logger)
	require.NoError(t, err)
	defer s.Close()

	runStoreContract(t, s)
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "licenses.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.SaveLicense(ctx, "alice", "tok", "2026-12-01"))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(dbPath, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	rec, err := reopened.GetLicenseRecord(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "tok", rec.Serial)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.StoreConfig{Driver: config.DriverSQLite, Path: filepath.Join(t.TempDir(), "x.db")}, zerolog.Nop())
	require.NoError(t, err)
	s.Close()

	_, err = Open(ctx, config.StoreConfig{Driver: "mysql"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestSerialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "serial.txt")
	f := NewSerialFile(path)

	_, err := f.Read()
	assert.ErrorIs(t, err, ErrNoSerial)

	require.NoError(t, f.Write("first"))
	require.NoError(t, f.Write("second"))

	got, err := f.Read()
	require.NoError(t, err)
	assert.Equal(t, "second", got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")

	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0600))
	_, err = f.Read()
	assert.ErrorIs(t, err, ErrNoSerial)
}
