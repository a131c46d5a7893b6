package service

import (
	"context"
	"errors"
	"sync"

	"github.com/gridsense/gridsense2mqtt/internal/core/domain"
	"github.com/gridsense/gridsense2mqtt/internal/core/port"

	"go.uber.org/zap"
)

var ErrAlreadyConfigured = errors.New("gateway already configured")

// ConfigEntries owns the stored entries and keeps their runtime in sync.
type ConfigEntries struct {
	mu        sync.Mutex
	repo      port.EntryRepository
	lifecycle port.EntryLifecycle
	logger    *zap.Logger
}

func NewConfigEntries(repo port.EntryRepository, lifecycle port.EntryLifecycle, logger *zap.Logger) *ConfigEntries {
	return &ConfigEntries{
		repo:      repo,
		lifecycle: lifecycle,
		logger:    logger.With(zap.String("service", "config_entries")),
	}
}

// SetupAll starts every stored entry. Failing entries are logged and skipped.
func (c *ConfigEntries) SetupAll(ctx context.Context) error {
	entries, err := c.repo.List(ctx)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := c.lifecycle.Setup(ctx, entry); err != nil {
			c.logger.Error("config_entries: setup failed", zap.String("entry_id", entry.Id), zap.Error(err))
			continue
		}
		c.logger.Info("config_entries: entry set up", zap.String("entry_id", entry.Id), zap.String("host", entry.Host))
	}
	return nil
}

func (c *ConfigEntries) List(ctx context.Context) ([]domain.ConfigEntry, error) {
	return c.repo.List(ctx)
}

func (c *ConfigEntries) Get(ctx context.Context, id string) (*domain.ConfigEntry, error) {
	return c.repo.Get(ctx, id)
}

// ByHost returns the entry configured for host, or nil.
func (c *ConfigEntries) ByHost(ctx context.Context, host string) (*domain.ConfigEntry, error) {
	return c.find(ctx, func(e domain.ConfigEntry) bool { return e.Host == host })
}

// ByUniqueId returns the entry with the given unique id, or nil.
func (c *ConfigEntries) ByUniqueId(ctx context.Context, uniqueId string) (*domain.ConfigEntry, error) {
	if uniqueId == "" {
		return nil, nil
	}
	return c.find(ctx, func(e domain.ConfigEntry) bool { return e.UniqueId == uniqueId })
}

func (c *ConfigEntries) find(ctx context.Context, pred func(domain.ConfigEntry) bool) (*domain.ConfigEntry, error) {
	entries, err := c.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if pred(entries[i]) {
			return &entries[i], nil
		}
	}
	return nil, nil
}

// Create stores a new entry and sets it up. It fails with ErrAlreadyConfigured
// when another entry owns the same host or unique id.
func (c *ConfigEntries) Create(ctx context.Context, entry domain.ConfigEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, err := c.ByHost(ctx, entry.Host)
	if err != nil {
		return err
	}
	if existing == nil {
		existing, err = c.ByUniqueId(ctx, entry.UniqueId)
		if err != nil {
			return err
		}
	}
	if existing != nil {
		return ErrAlreadyConfigured
	}

	if err := c.repo.Add(ctx, entry); err != nil {
		return err
	}
	c.logger.Info("config_entries: entry created", zap.String("entry_id", entry.Id), zap.String("title", entry.Title))
	if err := c.lifecycle.Setup(ctx, entry); err != nil {
		c.logger.Error("config_entries: setup failed", zap.String("entry_id", entry.Id), zap.Error(err))
	}
	return nil
}

// UpdateHost changes the host of an entry and reloads it. Same host is a no-op.
func (c *ConfigEntries) UpdateHost(ctx context.Context, entry domain.ConfigEntry, host string) error {
	return c.updateHost(ctx, entry, host, false)
}

func (c *ConfigEntries) updateHost(ctx context.Context, entry domain.ConfigEntry, host string, forceReload bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry.Host == host && !forceReload {
		return nil
	}
	entry.Host = host
	if err := c.repo.Update(ctx, entry); err != nil {
		return err
	}
	c.logger.Info("config_entries: reloading entry", zap.String("entry_id", entry.Id), zap.String("host", host))
	return c.lifecycle.Reload(ctx, entry)
}

// SetUniqueId assigns a unique id without reloading the entry.
func (c *ConfigEntries) SetUniqueId(ctx context.Context, entry domain.ConfigEntry, uniqueId string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry.UniqueId == uniqueId {
		return nil
	}
	entry.UniqueId = uniqueId
	return c.repo.Update(ctx, entry)
}

func (c *ConfigEntries) Reload(ctx context.Context, id string) error {
	entry, err := c.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	return c.lifecycle.Reload(ctx, *entry)
}

// Remove unloads the entry, withdraws its entities and deletes it.
func (c *ConfigEntries) Remove(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.repo.Get(ctx, id); err != nil {
		return err
	}
	if err := c.lifecycle.Unload(ctx, id, true); err != nil && !errors.Is(err, domain.ErrEntryNotLoaded) {
		return err
	}
	if err := c.repo.Remove(ctx, id); err != nil {
		return err
	}
	c.logger.Info("config_entries: entry removed", zap.String("entry_id", id))
	return nil
}

func (c *ConfigEntries) State(ctx context.Context, id string) (*domain.EntryState, error) {
	if _, err := c.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return c.lifecycle.State(ctx, id)
}
