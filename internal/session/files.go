package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/chaz8081/ble-kermit/internal/crcfile"
)

// ErrBadName is returned for names that do not refer to a file in the root.
var ErrBadName = errors.New("session: bad file name")

// Files is the transfer root on the local filesystem. Only the root's
// first level is reachable: any directory part of a name is dropped.
type Files struct {
	root   string
	dirMax int
}

// NewFiles creates a store rooted at root, listing at most dirMax entries.
func NewFiles(root string, dirMax int) *Files {
	return &Files{root: root, dirMax: dirMax}
}

func (f *Files) path(name string) (string, error) {
	base := filepath.Base(name)
	switch base {
	case ".", "..", string(filepath.Separator):
		return "", fmt.Errorf("%w: %q", ErrBadName, name)
	}
	return filepath.Join(f.root, base), nil
}

// Access fails unless name exists in the root.
func (f *Files) Access(name string) error {
	p, err := f.path(name)
	if err != nil {
		return err
	}
	_, err = os.Stat(p)
	return err
}

func (f *Files) Open(name string) (io.ReadCloser, error) {
	p, err := f.path(name)
	if err != nil {
		return nil, err
	}
	return os.Open(p)
}

// Create truncates or creates name, making the root if needed.
func (f *Files) Create(name string) (io.WriteCloser, error) {
	p, err := f.path(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(f.root, 0o755); err != nil {
		return nil, fmt.Errorf("session: create root: %w", err)
	}
	return os.Create(p)
}

func (f *Files) Remove(name string) error {
	p, err := f.path(name)
	if err != nil {
		return err
	}
	return os.Remove(p)
}

// List returns the JSON listing of the root.
func (f *Files) List() (string, error) {
	return ListDir(f.root, f.dirMax)
}

// Entry is one file in a directory listing. Etag is the file's CRC-32 as
// eight lowercase hex digits.
type Entry struct {
	Filename string `json:"filename"`
	Etag     string `json:"etag"`
}

// ScanDir returns up to limit entries for the regular files and symlinks in
// root. Files that cannot be opened are left out. A file whose checksum
// cannot be computed is left out too, except dotfiles, which get a zero
// etag.
func ScanDir(root string, limit int) ([]Entry, error) {
	dirents, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("session: read dir %s: %w", root, err)
	}
	entries := make([]Entry, 0, len(dirents))
	for _, d := range dirents {
		if limit > 0 && len(entries) >= limit {
			break
		}
		if !d.Type().IsRegular() && d.Type()&os.ModeSymlink == 0 {
			continue
		}
		name := d.Name()
		if !utf8.ValidString(name) {
			// JSON would replace the invalid bytes with U+FFFD.
			slog.Debug("[FT] listing: skip non UTF-8 name", "file", []byte(name))
			continue
		}
		crc, err := fileCRC(filepath.Join(root, name))
		switch {
		case errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
			slog.Debug("[FT] listing: skip unreadable file", "file", name, "error", err)
			continue
		case err != nil && !strings.HasPrefix(name, "."):
			slog.Debug("[FT] listing: skip file", "file", name, "error", err)
			continue
		case err != nil:
			crc = 0
		}
		entries = append(entries, Entry{Filename: name, Etag: fmt.Sprintf("%08x", crc)})
	}
	return entries, nil
}

func fileCRC(path string) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return crcfile.ComputeFile(f, 0, 0)
}

// ListDir renders ScanDir as a compact JSON array.
func ListDir(root string, limit int) (string, error) {
	entries, err := ScanDir(root, limit)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(entries); err != nil {
		return "", fmt.Errorf("session: encode listing: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
