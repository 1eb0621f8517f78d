package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"schoolchat/logging"
)

// Saver persists a downloaded attachment and returns where it went.
// Platform pickers implement it outside this module.
type Saver interface {
	Save(filename string, data []byte, contentType string) (string, error)
}

// DirSaver writes attachments into a directory. Existing files are never
// overwritten; a " (n)" suffix is added instead.
type DirSaver struct {
	dir    string
	logger *zap.Logger

	mu sync.Mutex
}

// NewDirSaver returns a Saver writing into dir.
func NewDirSaver(dir string, logger *zap.Logger) *DirSaver {
	return &DirSaver{dir: dir, logger: logging.OrNop(logger).Named("saver")}
}

// Save writes data to a temp file and renames it into place.
func (s *DirSaver) Save(filename string, data []byte, contentType string) (string, error) {
	name, ok := sanitizeFilename(filename)
	if !ok {
		return "", fmt.Errorf("invalid filename %q", filename)
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return "", fmt.Errorf("create downloads dir: %w", err)
	}

	tempPath := filepath.Join(s.dir, "."+uuid.NewString()+".part")
	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("write temp file: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	finalPath, err := availablePath(s.dir, name)
	if err != nil {
		_ = os.Remove(tempPath)
		return "", err
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return "", fmt.Errorf("finalize download: %w", err)
	}

	s.logger.Info("attachment saved",
		zap.String("path", finalPath),
		zap.Int("bytes", len(data)),
		zap.String("content_type", contentType),
	)
	return finalPath, nil
}

func availablePath(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	candidate := filepath.Join(dir, name)
	for n := 1; n < 10000; n++ {
		_, err := os.Stat(candidate)
		if errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", fmt.Errorf("stat %q: %w", candidate, err)
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
	}
	return "", fmt.Errorf("no free filename for %q", name)
}
