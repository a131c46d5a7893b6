package port

import (
	"context"

	"github.com/gridsense/gridsense2mqtt/internal/core/domain"
	"github.com/gridsense/gridsense2mqtt/internal/gridsense"
)

// EntryRepository persists config entries. Get returns domain.ErrEntryNotFound
// for unknown ids.
type EntryRepository interface {
	List(ctx context.Context) ([]domain.ConfigEntry, error)
	Get(ctx context.Context, id string) (*domain.ConfigEntry, error)
	Add(ctx context.Context, entry domain.ConfigEntry) error
	Update(ctx context.Context, entry domain.ConfigEntry) error
	Remove(ctx context.Context, id string) error
}

type GatewayClient interface {
	FetchDevices(ctx context.Context, host string) (gridsense.Payload, error)
}

// EntryLifecycle starts and stops the runtime side (coordinator) of an entry.
type EntryLifecycle interface {
	Setup(ctx context.Context, entry domain.ConfigEntry) error
	Reload(ctx context.Context, entry domain.ConfigEntry) error
	Unload(ctx context.Context, entryId string, remove bool) error
	State(ctx context.Context, entryId string) (*domain.EntryState, error)
}
