package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoSerial is returned when the serial file is missing or empty.
var ErrNoSerial = errors.New("no serial stored")

// SerialFile is the local text file holding the last issued serial.
type SerialFile struct {
	path string
}

// NewSerialFile returns a SerialFile at path.
func NewSerialFile(path string) *SerialFile {
	return &SerialFile{path: path}
}

// Path returns the file location.
func (f *SerialFile) Path() string {
	return f.path
}

// Read returns the stored serial without surrounding whitespace.
func (f *SerialFile) Read() (string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoSerial
		}
		return "", fmt.Errorf("read serial file: %w", err)
	}

	serial := strings.TrimSpace(string(data))
	if serial == "" {
		return "", ErrNoSerial
	}
	return serial, nil
}

// Write replaces the stored serial. The file is swapped in with a rename so
// readers never see a partial token.
func (f *SerialFile) Write(serial string) error {
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create serial directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".serial-*")
	if err != nil {
		return fmt.Errorf("create temp serial file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.WriteString(serial + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("write serial: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync serial: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close serial: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return fmt.Errorf("chmod serial: %w", err)
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("replace serial file: %w", err)
	}
	return nil
}
