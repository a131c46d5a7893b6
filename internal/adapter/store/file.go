package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gridsense/gridsense2mqtt/internal/core/domain"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var ErrDuplicateEntry = errors.New("config entry id already exists")

type fileDocument struct {
	Version int                  `yaml:"version"`
	Entries []domain.ConfigEntry `yaml:"entries"`
}

const fileDocumentVersion = 1

// FileRepository keeps config entries in a YAML document. Every mutation
// rewrites the whole file through a temp file and a rename.
type FileRepository struct {
	mu      sync.Mutex
	path    string
	entries []domain.ConfigEntry
	logger  *zap.Logger
}

func NewFileRepository(path string, logger *zap.Logger) (*FileRepository, error) {
	repo := &FileRepository{
		path:   path,
		logger: logger,
	}
	if err := repo.load(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *FileRepository) load() error {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		r.logger.Info("store: no entries file yet", zap.String("path", r.path))
		return nil
	}
	if err != nil {
		return err
	}
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("store: cannot parse %s: %w", r.path, err)
	}
	r.entries = doc.Entries
	r.logger.Info("store: entries loaded", zap.String("path", r.path), zap.Int("count", len(r.entries)))
	return nil
}

func (r *FileRepository) save() error {
	data, err := yaml.Marshal(fileDocument{
		Version: fileDocumentVersion,
		Entries: r.entries,
	})
	if err != nil {
		return err
	}
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".entries-*.yaml")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), r.path)
}

func (r *FileRepository) indexOf(id string) int {
	for i, e := range r.entries {
		if e.Id == id {
			return i
		}
	}
	return -1
}

func (r *FileRepository) List(_ context.Context) ([]domain.ConfigEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ConfigEntry{}, r.entries...), nil
}

func (r *FileRepository) Get(_ context.Context, id string) (*domain.ConfigEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOf(id)
	if i < 0 {
		return nil, domain.ErrEntryNotFound
	}
	entry := r.entries[i]
	return &entry, nil
}

func (r *FileRepository) Add(_ context.Context, entry domain.ConfigEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexOf(entry.Id) >= 0 {
		return ErrDuplicateEntry
	}
	r.entries = append(r.entries, entry)
	if err := r.save(); err != nil {
		r.entries = r.entries[:len(r.entries)-1]
		return err
	}
	return nil
}

func (r *FileRepository) Update(_ context.Context, entry domain.ConfigEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOf(entry.Id)
	if i < 0 {
		return domain.ErrEntryNotFound
	}
	prev := r.entries[i]
	r.entries[i] = entry
	if err := r.save(); err != nil {
		r.entries[i] = prev
		return err
	}
	return nil
}

func (r *FileRepository) Remove(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOf(id)
	if i < 0 {
		return domain.ErrEntryNotFound
	}
	prev := r.entries
	r.entries = append(append([]domain.ConfigEntry{}, prev[:i]...), prev[i+1:]...)
	if err := r.save(); err != nil {
		r.entries = prev
		return err
	}
	return nil
}
