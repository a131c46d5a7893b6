package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gridsense/gridsense2mqtt/internal/core/domain"
	"github.com/gridsense/gridsense2mqtt/internal/gridsense"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memoryRepo struct {
	mu      sync.Mutex
	entries []domain.ConfigEntry
}

func (r *memoryRepo) List(_ context.Context) ([]domain.ConfigEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ConfigEntry(nil), r.entries...), nil
}

func (r *memoryRepo) Get(_ context.Context, id string) (*domain.ConfigEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.Id == id {
			return &e, nil
		}
	}
	return nil, domain.ErrEntryNotFound
}

func (r *memoryRepo) Add(_ context.Context, entry domain.ConfigEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *memoryRepo) Update(_ context.Context, entry domain.ConfigEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].Id == entry.Id {
			r.entries[i] = entry
			return nil
		}
	}
	return domain.ErrEntryNotFound
}

func (r *memoryRepo) Remove(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].Id == id {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return nil
		}
	}
	return domain.ErrEntryNotFound
}

type fakeValidator struct {
	reachable map[string]bool
	calls     []string
}

func (v *fakeValidator) FetchDevices(_ context.Context, host string) (gridsense.Payload, error) {
	v.calls = append(v.calls, host)
	if v.reachable[host] {
		return gridsense.Payload{}, nil
	}
	return nil, errors.New("Error communicating with GridSense Gateway at " + host)
}

type fakeLifecycle struct {
	setups   []string
	reloads  []domain.ConfigEntry
	unloads  []string
	removals int
}

func (l *fakeLifecycle) Setup(_ context.Context, entry domain.ConfigEntry) error {
	l.setups = append(l.setups, entry.Id)
	return nil
}

func (l *fakeLifecycle) Reload(_ context.Context, entry domain.ConfigEntry) error {
	l.reloads = append(l.reloads, entry)
	return nil
}

func (l *fakeLifecycle) Unload(_ context.Context, entryId string, remove bool) error {
	l.unloads = append(l.unloads, entryId)
	if remove {
		l.removals++
	}
	return nil
}

func (l *fakeLifecycle) State(_ context.Context, entryId string) (*domain.EntryState, error) {
	return &domain.EntryState{EntryId: entryId, State: domain.ENTRY_STATE_LOADED}, nil
}

type flowFixture struct {
	repo      *memoryRepo
	validator *fakeValidator
	lifecycle *fakeLifecycle
	entries   *ConfigEntries
	flows     *FlowManager
}

func newFlowFixture(reachable ...string) *flowFixture {
	fx := &flowFixture{
		repo:      &memoryRepo{},
		validator: &fakeValidator{reachable: map[string]bool{}},
		lifecycle: &fakeLifecycle{},
	}
	for _, h := range reachable {
		fx.validator.reachable[h] = true
	}
	logger := zap.NewNop()
	fx.entries = NewConfigEntries(fx.repo, fx.lifecycle, logger)
	fx.flows = NewFlowManager(fx.entries, fx.validator, logger)
	return fx
}

func discovery(host, hostname, uuid string) domain.DiscoveryInfo {
	props := map[string]string{}
	if uuid != "" {
		props["uuid"] = uuid
	}
	return domain.DiscoveryInfo{
		Host:       host,
		Port:       3000,
		Hostname:   hostname,
		Name:       "GridSense._gridsense._tcp.local.",
		Properties: props,
	}
}

func TestUserFlowShowsForm(t *testing.T) {
	fx := newFlowFixture()
	res, err := fx.flows.StartUser(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, FLOW_RESULT_FORM, res.Type)
	assert.Equal(t, STEP_USER, res.StepId)
	assert.Empty(t, res.Errors)
	assert.Len(t, fx.flows.InProgress(), 1)
}

func TestUserFlowCreatesEntry(t *testing.T) {
	fx := newFlowFixture("10.0.0.5")
	ctx := context.Background()

	res, err := fx.flows.StartUser(ctx, &UserInput{Host: "  10.0.0.5 "})
	require.NoError(t, err)
	assert.Equal(t, FLOW_RESULT_CREATE_ENTRY, res.Type)
	assert.Equal(t, "GridSense Gateway 10.0.0.5", res.Title)
	require.NotNil(t, res.Entry)
	assert.Equal(t, "10.0.0.5", res.Entry.Host)
	assert.Empty(t, res.Entry.UniqueId)

	entries, _ := fx.repo.List(ctx)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{entries[0].Id}, fx.lifecycle.setups)
	assert.Empty(t, fx.flows.InProgress())

	// same host again
	res, err = fx.flows.StartUser(ctx, &UserInput{Host: "10.0.0.5"})
	require.NoError(t, err)
	assert.Equal(t, FLOW_RESULT_ABORT, res.Type)
	assert.Equal(t, ABORT_ALREADY_CONFIGURED, res.Reason)
}

func TestUserFlowCannotConnect(t *testing.T) {
	fx := newFlowFixture()
	ctx := context.Background()

	res, err := fx.flows.StartUser(ctx, &UserInput{Host: "10.0.0.9"})
	require.NoError(t, err)
	assert.Equal(t, FLOW_RESULT_FORM, res.Type)
	assert.Equal(t, STEP_USER, res.StepId)
	assert.Equal(t, map[string]string{ERROR_BASE: ERROR_CANNOT_CONNECT}, res.Errors)

	// the flow stays open and can be retried
	fx.validator.reachable["10.0.0.9"] = true
	res, err = fx.flows.Configure(ctx, res.FlowId, &UserInput{Host: "10.0.0.9"})
	require.NoError(t, err)
	assert.Equal(t, FLOW_RESULT_CREATE_ENTRY, res.Type)
}

func TestUserFlowEmptyHost(t *testing.T) {
	fx := newFlowFixture()
	res, err := fx.flows.StartUser(context.Background(), &UserInput{Host: "   "})
	require.NoError(t, err)
	assert.Equal(t, ERROR_CANNOT_CONNECT, res.Errors[ERROR_BASE])
	assert.Empty(t, fx.validator.calls)
}

func TestZeroconfFlowNoUUID(t *testing.T) {
	fx := newFlowFixture()
	res, err := fx.flows.StartZeroconf(context.Background(), discovery("10.0.0.5", "gridsense-ab12-homeassistant.local.", "\x00 "))
	require.NoError(t, err)
	assert.Equal(t, FLOW_RESULT_ABORT, res.Type)
	assert.Equal(t, ABORT_NO_UUID, res.Reason)
	assert.Empty(t, fx.flows.InProgress())
}

func TestZeroconfFlowConfirm(t *testing.T) {
	fx := newFlowFixture("10.0.0.5")
	ctx := context.Background()

	res, err := fx.flows.StartZeroconf(ctx, discovery("10.0.0.5", "GridSense-AB12-HomeAssistant.local.", "0f8fad5b-d9cb-469f-a165-70867728950e"))
	require.NoError(t, err)
	assert.Equal(t, FLOW_RESULT_FORM, res.Type)
	assert.Equal(t, STEP_CONFIRM, res.StepId)
	assert.Equal(t, map[string]string{"host": "10.0.0.5", "name": "ab12"}, res.DescriptionPlaceholders)

	// a second announcement of the same gateway
	dup, err := fx.flows.StartZeroconf(ctx, discovery("10.0.0.5", "gridsense-ab12-homeassistant.local.", "0f8fad5b-d9cb-469f-a165-70867728950e"))
	require.NoError(t, err)
	assert.Equal(t, ABORT_ALREADY_IN_PROGRESS, dup.Reason)

	res, err = fx.flows.Configure(ctx, res.FlowId, &UserInput{})
	require.NoError(t, err)
	assert.Equal(t, FLOW_RESULT_CREATE_ENTRY, res.Type)
	assert.Equal(t, "GridSense Gateway ab12", res.Title)
	assert.Equal(t, "0f8fad5b-d9cb-469f-a165-70867728950e", res.Entry.UniqueId)
	assert.Equal(t, "10.0.0.5", res.Entry.Host)
}

func TestZeroconfFlowTitleFallsBackToUUID(t *testing.T) {
	fx := newFlowFixture("10.0.0.7")
	ctx := context.Background()

	info := discovery("10.0.0.7", "", "0f8fad5b-d9cb-469f-a165-70867728950e")
	info.Name = "other-device.local."
	res, err := fx.flows.StartZeroconf(ctx, info)
	require.NoError(t, err)
	assert.Equal(t, "0f8fad5b", res.DescriptionPlaceholders["name"])

	res, err = fx.flows.Configure(ctx, res.FlowId, &UserInput{})
	require.NoError(t, err)
	assert.Equal(t, "GridSense Gateway 0f8fad5b", res.Title)
}

func TestZeroconfFlowUpdatesKnownGateway(t *testing.T) {
	fx := newFlowFixture()
	ctx := context.Background()
	require.NoError(t, fx.repo.Add(ctx, domain.ConfigEntry{Id: "e1", UniqueId: "uuid-1", Host: "10.0.0.5"}))

	// same host: nothing changes
	res, err := fx.flows.StartZeroconf(ctx, discovery("10.0.0.5", "gridsense-ab12-homeassistant.local.", "uuid-1"))
	require.NoError(t, err)
	assert.Equal(t, ABORT_ALREADY_CONFIGURED, res.Reason)
	assert.Empty(t, fx.lifecycle.reloads)

	// new address: host updated and entry reloaded
	res, err = fx.flows.StartZeroconf(ctx, discovery("10.0.0.6", "gridsense-ab12-homeassistant.local.", "uuid-1"))
	require.NoError(t, err)
	assert.Equal(t, ABORT_ALREADY_CONFIGURED, res.Reason)
	require.Len(t, fx.lifecycle.reloads, 1)
	assert.Equal(t, "10.0.0.6", fx.lifecycle.reloads[0].Host)

	entry, err := fx.repo.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.6", entry.Host)
}

func TestZeroconfFlowAdoptsManualEntry(t *testing.T) {
	fx := newFlowFixture()
	ctx := context.Background()
	require.NoError(t, fx.repo.Add(ctx, domain.ConfigEntry{Id: "e1", Host: "10.0.0.5"}))

	res, err := fx.flows.StartZeroconf(ctx, discovery("10.0.0.5", "gridsense-ab12-homeassistant.local.", "uuid-1"))
	require.NoError(t, err)
	assert.Equal(t, ABORT_ALREADY_CONFIGURED, res.Reason)

	entry, err := fx.repo.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "uuid-1", entry.UniqueId)
	assert.Empty(t, fx.lifecycle.reloads)
}

func TestReauthFlow(t *testing.T) {
	fx := newFlowFixture("10.0.0.8")
	ctx := context.Background()
	require.NoError(t, fx.repo.Add(ctx, domain.ConfigEntry{Id: "e1", Host: "10.0.0.5"}))

	res, err := fx.flows.StartReauth(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, FLOW_RESULT_FORM, res.Type)
	assert.Equal(t, STEP_USER, res.StepId)
	assert.Equal(t, "10.0.0.5", res.DefaultHost)

	failed, err := fx.flows.Configure(ctx, res.FlowId, &UserInput{Host: "10.0.0.5"})
	require.NoError(t, err)
	assert.Equal(t, ERROR_CANNOT_CONNECT, failed.Errors[ERROR_BASE])

	done, err := fx.flows.Configure(ctx, res.FlowId, &UserInput{Host: "10.0.0.8"})
	require.NoError(t, err)
	assert.Equal(t, FLOW_RESULT_ABORT, done.Type)
	assert.Equal(t, ABORT_REAUTH_SUCCESSFUL, done.Reason)
	require.Len(t, fx.lifecycle.reloads, 1)

	entry, err := fx.repo.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.8", entry.Host)

	_, err = fx.flows.StartReauth(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrEntryNotFound)
}

func TestFlowAbortAndUnknown(t *testing.T) {
	fx := newFlowFixture()
	ctx := context.Background()

	res, err := fx.flows.StartUser(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, fx.flows.Abort(res.FlowId))
	assert.ErrorIs(t, fx.flows.Abort(res.FlowId), ErrFlowNotFound)

	_, err = fx.flows.Configure(ctx, res.FlowId, &UserInput{Host: "x"})
	assert.ErrorIs(t, err, ErrFlowNotFound)
}

func TestIdleFlowsExpire(t *testing.T) {
	fx := newFlowFixture("10.0.0.5")
	ctx := context.Background()
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	fx.flows.now = func() time.Time { return clock }

	info := discovery("10.0.0.5", "gridsense-ab12-homeassistant.local.", "0f8fad5b-d9cb-469f-a165-70867728950e")
	stale, err := fx.flows.StartZeroconf(ctx, info)
	require.NoError(t, err)
	require.Equal(t, FLOW_RESULT_FORM, stale.Type)

	user, err := fx.flows.StartUser(ctx, nil)
	require.NoError(t, err)

	clock = clock.Add(FLOW_TTL / 2)
	// answering a form keeps the flow alive
	user, err = fx.flows.Configure(ctx, user.FlowId, &UserInput{Host: "10.0.0.99"})
	require.NoError(t, err)
	assert.Equal(t, ERROR_CANNOT_CONNECT, user.Errors[ERROR_BASE])

	clock = clock.Add(FLOW_TTL/2 + time.Minute)
	inProgress := fx.flows.InProgress()
	require.Len(t, inProgress, 1)
	assert.Equal(t, user.FlowId, inProgress[0].FlowId)

	_, err = fx.flows.Configure(ctx, stale.FlowId, &UserInput{})
	assert.ErrorIs(t, err, ErrFlowNotFound)

	// the gateway can be discovered again once the old flow is gone
	fresh, err := fx.flows.StartZeroconf(ctx, info)
	require.NoError(t, err)
	assert.Equal(t, FLOW_RESULT_FORM, fresh.Type)
	assert.NotEqual(t, stale.FlowId, fresh.FlowId)
}

func TestRemoveEntry(t *testing.T) {
	fx := newFlowFixture()
	ctx := context.Background()
	require.NoError(t, fx.repo.Add(ctx, domain.ConfigEntry{Id: "e1", Host: "10.0.0.5"}))

	require.NoError(t, fx.entries.Remove(ctx, "e1"))
	assert.Equal(t, []string{"e1"}, fx.lifecycle.unloads)
	assert.Equal(t, 1, fx.lifecycle.removals)
	assert.ErrorIs(t, fx.entries.Remove(ctx, "e1"), domain.ErrEntryNotFound)
}

func TestMdnsHelpers(t *testing.T) {
	assert.Equal(t, "gridsense-ab12-homeassistant.local", NormalizeMdnsName("gridsense-ab12-homeassistant.local."))
	assert.Equal(t, "", NormalizeMdnsName(""))
	assert.Equal(t, "ab12", ExtractGatewayId("GridSense-AB12-HomeAssistant.local."))
	assert.Equal(t, "", ExtractGatewayId("gridsense.local."))
	assert.Equal(t, "", ExtractGatewayId(""))
	assert.Equal(t, "abc", ExtractUUID(map[string]string{"uuid": " abc\x00"}))
	assert.Equal(t, "", ExtractUUID(map[string]string{"id": "abc"}))
	assert.Equal(t, "", ExtractUUID(nil))
}
