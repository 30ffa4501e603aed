package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iago/pdfqueue-back/internal/domain"
)

const DefaultMaxUploadBytes int64 = 16 << 20

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// LocalStorage keeps uploaded PDFs in a single directory on disk.
type LocalStorage struct {
	dir      string
	maxBytes int64
	now      func() time.Time
}

func NewLocalStorage(dir string, maxBytes int64) (*LocalStorage, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = "uploads"
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &LocalStorage{dir: dir, maxBytes: maxBytes, now: time.Now}, nil
}

func (s *LocalStorage) MaxBytes() int64 {
	return s.maxBytes
}

// Stored describes a saved upload.
type Stored struct {
	Filename string
	Locator  string
	Size     int64
}

// Save writes a PDF under a timestamped, sanitized name. The original name
// must carry a .pdf extension.
func (s *LocalStorage) Save(originalName string, content io.Reader) (Stored, error) {
	if !AllowedFile(originalName) {
		return Stored{}, fmt.Errorf("invalid file type, upload a PDF file: %w", domain.ErrValidation)
	}
	safe := SecureFilename(originalName)
	if safe == "" {
		return Stored{}, fmt.Errorf("invalid file name: %w", domain.ErrValidation)
	}

	stamp := s.now().Format("20060102_150405")
	filename := stamp + "_" + safe
	locator := filepath.Join(s.dir, filename)

	file, err := os.OpenFile(locator, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, os.ErrExist) {
		filename = stamp + "_" + uuid.NewString()[:8] + "_" + safe
		locator = filepath.Join(s.dir, filename)
		file, err = os.OpenFile(locator, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	}
	if err != nil {
		return Stored{}, fmt.Errorf("create upload file: %w: %w", domain.ErrPersistence, err)
	}

	written, err := io.Copy(file, io.LimitReader(content, s.maxBytes+1))
	closeErr := file.Close()
	if err == nil && written > s.maxBytes {
		err = fmt.Errorf("file exceeds %d bytes: %w", s.maxBytes, domain.ErrValidation)
	} else if err != nil {
		err = fmt.Errorf("write upload file: %w: %w", domain.ErrPersistence, err)
	} else if closeErr != nil {
		err = fmt.Errorf("close upload file: %w: %w", domain.ErrPersistence, closeErr)
	}
	if err != nil {
		_ = os.Remove(locator)
		return Stored{}, err
	}

	return Stored{Filename: filename, Locator: locator, Size: written}, nil
}

// Open returns a stored file by the name Save produced.
func (s *LocalStorage) Open(filename string) (*os.File, error) {
	if filename == "" || filename != filepath.Base(filename) || strings.HasPrefix(filename, ".") {
		return nil, domain.ErrNotFound
	}
	file, err := os.Open(filepath.Join(s.dir, filename))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("open upload: %w: %w", domain.ErrPersistence, err)
	}
	return file, nil
}

func AllowedFile(filename string) bool {
	return strings.EqualFold(filepath.Ext(strings.TrimSpace(filename)), ".pdf")
}

// SecureFilename strips directories and any character outside
// [A-Za-z0-9_.-] so the name is safe to join under the upload dir.
func SecureFilename(filename string) string {
	filename = strings.ReplaceAll(filename, "\\", "/")
	filename = filepath.Base(filename)
	filename = strings.Join(strings.Fields(filename), "_")
	filename = unsafeFilenameChars.ReplaceAllString(filename, "")
	filename = strings.Trim(filename, "._")
	return filename
}

// Remove deletes a stored file; a missing file is not an error.
func (s *LocalStorage) Remove(filename string) error {
	if filename == "" || filename != filepath.Base(filename) {
		return nil
	}
	err := os.Remove(filepath.Join(s.dir, filename))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove upload: %w: %w", domain.ErrPersistence, err)
	}
	return nil
}
