package actor

import (
	"context"
	"errors"
	"time"

	"github.com/gridsense/gridsense2mqtt/internal/core/domain"

	"github.com/asynkron/protoactor-go/actor"
)

const LIFECYCLE_REQUEST_TIMEOUT = 5 * time.Second

// EntryLifecycle drives coordinators through the master actor.
type EntryLifecycle struct {
	root    *actor.RootContext
	master  *actor.PID
	timeout time.Duration
}

func NewEntryLifecycle(root *actor.RootContext, master *actor.PID) *EntryLifecycle {
	return &EntryLifecycle{
		root:    root,
		master:  master,
		timeout: LIFECYCLE_REQUEST_TIMEOUT,
	}
}

func (l *EntryLifecycle) request(ctx context.Context, msg any) (domain.ActorResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	timeout := l.timeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	res, err := l.root.RequestFuture(l.master, msg, timeout).Result()
	if err != nil {
		return nil, err
	}
	resp, ok := res.(domain.ActorResponse)
	if !ok {
		return nil, errors.New("unexpected response from master actor")
	}
	return resp, resp.GetResponseError()
}

func (l *EntryLifecycle) Setup(ctx context.Context, entry domain.ConfigEntry) error {
	_, err := l.request(ctx, domain.SetupEntryRequest{Entry: entry})
	return err
}

func (l *EntryLifecycle) Reload(ctx context.Context, entry domain.ConfigEntry) error {
	_, err := l.request(ctx, domain.ReloadEntryRequest{
		EntryRequestMixIn: domain.ForEntry(entry.Id),
		Entry:             entry,
	})
	return err
}

func (l *EntryLifecycle) Unload(ctx context.Context, entryId string, remove bool) error {
	_, err := l.request(ctx, domain.UnloadEntryRequest{
		EntryRequestMixIn: domain.ForEntry(entryId),
		Remove:            remove,
	})
	return err
}

// State returns the coordinator snapshot, or a not_loaded state for an entry
// without a running coordinator.
func (l *EntryLifecycle) State(ctx context.Context, entryId string) (*domain.EntryState, error) {
	resp, err := l.request(ctx, domain.GetEntryStateRequest{
		EntryRequestMixIn: domain.ForEntry(entryId),
	})
	if errors.Is(err, domain.ErrEntryNotLoaded) {
		return &domain.EntryState{
			EntryId:  entryId,
			State:    domain.ENTRY_STATE_NOT_LOADED,
			Entities: []domain.EntityState{},
		}, nil
	}
	if err != nil {
		return nil, err
	}
	state := resp.(domain.GetEntryStateResponse).State
	return &state, nil
}
