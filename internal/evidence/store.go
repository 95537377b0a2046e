package evidence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"proctorhub/pkg/interfaces"
	"proctorhub/pkg/types"
)

var ErrEmptyEvidence = errors.New("evidence data is empty")

// FileStore writes evidence payloads to a local directory, one file per
// event, and returns the file path as the storage reference. Losing a
// capture never fails the owning event; callers treat Save errors as
// best-effort.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create evidence directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Save persists the raw capture bytes under the event ID. Event IDs are
// UUIDs, so the filename needs no sanitizing.
func (s *FileStore) Save(ctx context.Context, eventID string, ev *types.Evidence) (string, error) {
	if ev == nil || len(ev.Data) == 0 {
		return "", ErrEmptyEvidence
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path := filepath.Join(s.dir, eventID)
	if err := os.WriteFile(path, ev.Data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write evidence file: %w", err)
	}
	return path, nil
}

var _ interfaces.EvidenceStore = (*FileStore)(nil)
