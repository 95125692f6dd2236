package updater

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Applier installs a verified package.
type Applier interface {
	Apply(ctx context.Context, archivePath string) error
}

// rollbackManifest records every replacement made by one Apply so it can be
// undone, including after a crash.
type rollbackManifest struct {
	ID        string          `json:"id"`
	TargetDir string          `json:"target_dir"`
	StartedAt time.Time       `json:"started_at"`
	Entries   []rollbackEntry `json:"entries"`
	// Dirs lists directories created under TargetDir, parents first.
	Dirs []string `json:"dirs,omitempty"`
}

type rollbackEntry struct {
	// Path is relative to TargetDir.
	Path string `json:"path"`
	// Backup holds the original contents; empty when the file was new.
	Backup string      `json:"backup,omitempty"`
	Mode   fs.FileMode `json:"mode,omitempty"`
}

// Installer replaces files under a target directory with the contents of an
// update archive. Each file is swapped in with an atomic rename and every
// swap is recorded so a failure restores the previous installation.
type Installer struct {
	targetDir  string
	scratchDir string
	maxBytes   int64
	logger     zerolog.Logger
}

// NewInstaller creates an Installer. maxBytes bounds the total extracted
// size; zero uses DefaultMaxDownloadBytes.
func NewInstaller(targetDir, scratchDir string, maxBytes int64, logger zerolog.Logger) *Installer {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxDownloadBytes
	}
	return &Installer{
		targetDir:  targetDir,
		scratchDir: scratchDir,
		maxBytes:   maxBytes,
		logger:     logger.With().Str("component", "installer").Logger(),
	}
}

// Apply extracts archivePath into a staging directory and installs it.
func (i *Installer) Apply(ctx context.Context, archivePath string) error {
	if err := os.MkdirAll(i.scratchDir, 0700); err != nil {
		return &ApplyError{Op: "create scratch dir", Path: i.scratchDir, Err: err}
	}

	staging, err := os.MkdirTemp(i.scratchDir, "staging-*")
	if err != nil {
		return &ApplyError{Op: "create staging dir", Path: i.scratchDir, Err: err}
	}
	defer os.RemoveAll(staging)

	files, err := i.extract(archivePath, staging)
	if err != nil {
		return err
	}

	m := &rollbackManifest{
		ID:        uuid.New().String(),
		TargetDir: i.targetDir,
		StartedAt: time.Now().UTC(),
	}
	backupDir := filepath.Join(i.scratchDir, "backup-"+m.ID)
	manifestPath := filepath.Join(i.scratchDir, "rollback-"+m.ID+".json")

	i.logger.Info().
		Str("run_id", m.ID).
		Str("target", i.targetDir).
		Int("files", len(files)).
		Msg("applying update")

	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return i.fail(m, manifestPath, backupDir, &ApplyError{Op: "apply", Err: err})
		}
		if err := i.replace(m, manifestPath, backupDir, staging, rel); err != nil {
			return i.fail(m, manifestPath, backupDir, err)
		}
	}

	_ = os.Remove(manifestPath)
	_ = os.RemoveAll(backupDir)

	i.logger.Info().Str("run_id", m.ID).Msg("update applied")
	return nil
}

// Recover rolls back any apply that was interrupted before it finished.
func (i *Installer) Recover() error {
	matches, err := filepath.Glob(filepath.Join(i.scratchDir, "rollback-*.json"))
	if err != nil {
		return err
	}

	var errs []error
	for _, manifestPath := range matches {
		data, err := os.ReadFile(manifestPath)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		var m rollbackManifest
		if err := json.Unmarshal(data, &m); err != nil {
			errs = append(errs, fmt.Errorf("parse %s: %w", manifestPath, err))
			continue
		}

		i.logger.Warn().Str("run_id", m.ID).Msg("rolling back interrupted update")
		if err := rollback(&m); err != nil {
			errs = append(errs, &ApplyError{Op: "recover", Path: manifestPath, Err: err})
			continue
		}
		_ = os.Remove(manifestPath)
		_ = os.RemoveAll(filepath.Join(i.scratchDir, "backup-"+m.ID))
	}
	return errors.Join(errs...)
}

func (i *Installer) fail(m *rollbackManifest, manifestPath, backupDir string, applyErr error) error {
	var ae *ApplyError
	if !errors.As(applyErr, &ae) {
		ae = &ApplyError{Op: "apply", Err: applyErr}
	}

	i.logger.Error().Err(ae.Err).Str("run_id", m.ID).Msg("update failed, rolling back")

	if err := rollback(m); err != nil {
		ae.Rollback = err
		i.logger.Error().Err(err).Str("run_id", m.ID).Msg("rollback incomplete")
		return ae
	}

	_ = os.Remove(manifestPath)
	_ = os.RemoveAll(backupDir)
	return ae
}

// replace swaps one staged file into the target directory.
func (i *Installer) replace(m *rollbackManifest, manifestPath, backupDir, staging, rel string) error {
	src := filepath.Join(staging, rel)
	dst := filepath.Join(i.targetDir, rel)

	info, err := os.Stat(src)
	if err != nil {
		return &ApplyError{Op: "stat staged file", Path: rel, Err: err}
	}
	if created := missingDirs(filepath.Dir(dst)); len(created) > 0 {
		m.Dirs = append(m.Dirs, created...)
		if err := writeManifest(manifestPath, m); err != nil {
			m.Dirs = m.Dirs[:len(m.Dirs)-len(created)]
			return &ApplyError{Op: "write rollback manifest", Path: manifestPath, Err: err}
		}
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return &ApplyError{Op: "create directory", Path: rel, Err: err}
	}

	tmp, err := writeTemp(filepath.Dir(dst), src, info.Mode().Perm())
	if err != nil {
		return &ApplyError{Op: "write", Path: rel, Err: err}
	}

	entry := rollbackEntry{Path: rel}
	if orig, err := os.Lstat(dst); err == nil {
		if !orig.Mode().IsRegular() {
			_ = os.Remove(tmp)
			return &ApplyError{Op: "replace", Path: rel, Err: errors.New("target is not a regular file")}
		}
		backup := filepath.Join(backupDir, rel)
		if err := os.MkdirAll(filepath.Dir(backup), 0700); err != nil {
			_ = os.Remove(tmp)
			return &ApplyError{Op: "backup", Path: rel, Err: err}
		}
		if err := copyFile(dst, backup, orig.Mode().Perm()); err != nil {
			_ = os.Remove(tmp)
			return &ApplyError{Op: "backup", Path: rel, Err: err}
		}
		entry.Backup = backup
		entry.Mode = orig.Mode().Perm()
	} else if !errors.Is(err, fs.ErrNotExist) {
		_ = os.Remove(tmp)
		return &ApplyError{Op: "stat target", Path: rel, Err: err}
	}

	// Recorded before the rename so a crash between the two is recoverable.
	m.Entries = append(m.Entries, entry)
	if err := writeManifest(manifestPath, m); err != nil {
		m.Entries = m.Entries[:len(m.Entries)-1]
		_ = os.Remove(tmp)
		return &ApplyError{Op: "write rollback manifest", Path: manifestPath, Err: err}
	}

	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return &ApplyError{Op: "rename", Path: rel, Err: err}
	}
	return nil
}

// rollback restores every recorded entry in reverse order.
func rollback(m *rollbackManifest) error {
	var errs []error
	for idx := len(m.Entries) - 1; idx >= 0; idx-- {
		e := m.Entries[idx]
		dst := filepath.Join(m.TargetDir, e.Path)

		if e.Backup == "" {
			if err := os.Remove(dst); err != nil && !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, fmt.Errorf("remove %s: %w", e.Path, err))
			}
			continue
		}

		tmp, err := writeTemp(filepath.Dir(dst), e.Backup, e.Mode)
		if err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", e.Path, err))
			continue
		}
		if err := os.Rename(tmp, dst); err != nil {
			_ = os.Remove(tmp)
			errs = append(errs, fmt.Errorf("restore %s: %w", e.Path, err))
		}
	}

	for idx := len(m.Dirs) - 1; idx >= 0; idx-- {
		if err := os.Remove(m.Dirs[idx]); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove directory %s: %w", m.Dirs[idx], err))
		}
	}
	return errors.Join(errs...)
}

// missingDirs returns dir and each of its ancestors that do not exist yet,
// outermost first.
func missingDirs(dir string) []string {
	var missing []string
	for {
		if _, err := os.Lstat(dir); err == nil || !errors.Is(err, fs.ErrNotExist) {
			break
		}
		missing = append(missing, dir)
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	slices.Reverse(missing)
	return missing
}

// extract unpacks archivePath into dir and returns the relative paths of the
// regular files it wrote. A single top-level directory is stripped.
func (i *Installer) extract(archivePath, dir string) ([]string, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, &ApplyError{Op: "open archive", Path: archivePath, Err: err}
	}
	defer zr.Close()

	prefix := commonRoot(zr.File)

	var (
		files []string
		total int64
	)
	for _, f := range zr.File {
		name, err := entryName(f.Name, prefix)
		if err != nil {
			return nil, &ApplyError{Op: "extract", Path: f.Name, Err: err}
		}

		mode := f.Mode()
		switch {
		case mode&fs.ModeSymlink != 0:
			return nil, &ApplyError{Op: "extract", Path: f.Name, Err: errors.New("symlinks are not allowed")}
		case mode.IsDir() || name == "":
			continue
		case !mode.IsRegular():
			return nil, &ApplyError{Op: "extract", Path: f.Name, Err: errors.New("unsupported file type")}
		}

		total += int64(f.UncompressedSize64)
		if total > i.maxBytes {
			return nil, &ApplyError{Op: "extract", Path: f.Name, Err: ErrDownloadTooLarge}
		}

		perm := mode.Perm()
		if perm == 0 {
			perm = 0644
		}
		if err := extractFile(f, filepath.Join(dir, filepath.FromSlash(name)), perm); err != nil {
			return nil, &ApplyError{Op: "extract", Path: f.Name, Err: err}
		}
		files = append(files, filepath.FromSlash(name))
	}

	if len(files) == 0 {
		return nil, &ApplyError{Op: "extract", Path: archivePath, Err: errors.New("archive contains no files")}
	}
	sort.Strings(files)
	return files, nil
}

// commonRoot returns "root/" when every entry lives under one top-level
// directory, as in GitHub source archives.
func commonRoot(files []*zip.File) string {
	var root string
	for _, f := range files {
		name := strings.TrimPrefix(f.Name, "./")
		idx := strings.IndexByte(name, '/')
		if idx <= 0 {
			return ""
		}
		if root == "" {
			root = name[:idx+1]
		} else if name[:idx+1] != root {
			return ""
		}
	}
	return root
}

// entryName validates a zip entry name and strips prefix from it.
func entryName(name, prefix string) (string, error) {
	if strings.Contains(name, "\\") {
		return "", errors.New("backslash in path")
	}
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", errors.New("absolute path")
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", errors.New("path traversal")
		}
	}

	name = strings.TrimPrefix(strings.TrimPrefix(name, "./"), prefix)
	name = strings.TrimSuffix(path.Clean("/"+name), "/")
	return strings.TrimPrefix(name, "/"), nil
}

func extractFile(f *zip.File, dst string, perm fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0700); err != nil {
		return err
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// writeTemp copies src into a new temp file in dir, fsyncs it and returns
// its path.
func writeTemp(dir, src string, perm fs.FileMode) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(dir, ".update-*")
	if err != nil {
		return "", err
	}
	name := tmp.Name()

	_, err = io.Copy(tmp, in)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(name, perm)
	}
	if err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return name, nil
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	_, err = io.Copy(out, in)
	if err == nil {
		err = out.Sync()
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return err
}

func writeManifest(path string, m *rollbackManifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
