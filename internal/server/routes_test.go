package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gridsense/gridsense2mqtt/internal/core/domain"
	"github.com/gridsense/gridsense2mqtt/internal/core/service"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeEntries struct {
	entries  []domain.ConfigEntry
	reloaded []string
	removed  []string
}

func (f *fakeEntries) find(id string) error {
	for _, e := range f.entries {
		if e.Id == id {
			return nil
		}
	}
	return domain.ErrEntryNotFound
}

func (f *fakeEntries) List(context.Context) ([]domain.ConfigEntry, error) {
	return f.entries, nil
}

func (f *fakeEntries) State(_ context.Context, id string) (*domain.EntryState, error) {
	if err := f.find(id); err != nil {
		return nil, err
	}
	return &domain.EntryState{EntryId: id, State: domain.ENTRY_STATE_LOADED, Entities: []domain.EntityState{}}, nil
}

func (f *fakeEntries) Reload(_ context.Context, id string) error {
	if err := f.find(id); err != nil {
		return err
	}
	f.reloaded = append(f.reloaded, id)
	return nil
}

func (f *fakeEntries) Remove(_ context.Context, id string) error {
	if err := f.find(id); err != nil {
		return err
	}
	f.removed = append(f.removed, id)
	return nil
}

type fakeFlows struct {
	started    []*service.UserInput
	configured map[string]*service.UserInput
}

func (f *fakeFlows) StartUser(_ context.Context, input *service.UserInput) (service.FlowResult, error) {
	f.started = append(f.started, input)
	if input == nil {
		return service.FlowResult{FlowId: "f1", Type: service.FLOW_RESULT_FORM, StepId: service.STEP_USER}, nil
	}
	return service.FlowResult{FlowId: "f1", Type: service.FLOW_RESULT_CREATE_ENTRY, Title: "GridSense Gateway " + input.Host}, nil
}

func (f *fakeFlows) StartReauth(_ context.Context, entryId string) (service.FlowResult, error) {
	if entryId != "e1" {
		return service.FlowResult{}, domain.ErrEntryNotFound
	}
	return service.FlowResult{FlowId: "f2", Type: service.FLOW_RESULT_FORM, StepId: service.STEP_USER}, nil
}

func (f *fakeFlows) Configure(_ context.Context, flowId string, input *service.UserInput) (service.FlowResult, error) {
	if flowId != "f1" {
		return service.FlowResult{}, service.ErrFlowNotFound
	}
	f.configured[flowId] = input
	return service.FlowResult{FlowId: flowId, Type: service.FLOW_RESULT_ABORT, Reason: service.ABORT_ALREADY_CONFIGURED}, nil
}

func (f *fakeFlows) Abort(flowId string) error {
	if flowId != "f1" {
		return service.ErrFlowNotFound
	}
	return nil
}

func (f *fakeFlows) InProgress() []service.FlowResult {
	return []service.FlowResult{{FlowId: "f1", Type: service.FLOW_RESULT_FORM}}
}

func newTestServer(t *testing.T, healthy bool) (http.Handler, *fakeEntries, *fakeFlows) {
	t.Helper()
	as := actor.NewActorSystem()
	t.Cleanup(as.Shutdown)
	master := as.Root.Spawn(actor.PropsFromFunc(func(ctx actor.Context) {
		if _, ok := ctx.Message().(domain.ActorHealthRequest); ok {
			ctx.Respond(domain.ActorHealthResponse{Id: domain.ACTOR_ID_MASTER, Healthy: healthy})
		}
	}))
	entries := &fakeEntries{entries: []domain.ConfigEntry{{Id: "e1", Title: "GridSense Gateway ab12", Host: "10.0.0.5"}}}
	flows := &fakeFlows{configured: map[string]*service.UserInput{}}
	s := &Server{
		rootContext: as.Root,
		masterActor: master,
		entries:     entries,
		flows:       flows,
		logger:      zap.NewNop(),
	}
	return s.RegisterRoutes(), entries, flows
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthCheck(t *testing.T) {

	h, _, _ := newTestServer(t, true)
	rec := do(h, http.MethodGet, "/healthcheck", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "health_check: OK", rec.Body.String())

	h, _, _ = newTestServer(t, false)
	rec = do(h, http.MethodGet, "/healthcheck", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestEntryRoutes(t *testing.T) {

	h, entries, _ := newTestServer(t, true)

	rec := do(h, http.MethodGet, "/api/v1/entries", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []domain.ConfigEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "10.0.0.5", list[0].Host)

	rec = do(h, http.MethodGet, "/api/v1/entries/e1/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var state domain.EntryState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, domain.ENTRY_STATE_LOADED, state.State)

	rec = do(h, http.MethodGet, "/api/v1/entries/nope/state", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(h, http.MethodPost, "/api/v1/entries/e1/reload", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"e1"}, entries.reloaded)

	rec = do(h, http.MethodPost, "/api/v1/entries/e1/reauth", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"flow_id":"f2"`)

	rec = do(h, http.MethodDelete, "/api/v1/entries/e1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"e1"}, entries.removed)

	rec = do(h, http.MethodDelete, "/api/v1/entries/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFlowRoutes(t *testing.T) {

	h, _, flows := newTestServer(t, true)

	rec := do(h, http.MethodPost, "/api/v1/flows", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, flows.started[0], "no body shows the form")
	assert.Contains(t, rec.Body.String(), `"step_id":"user"`)

	rec = do(h, http.MethodPost, "/api/v1/flows", `{"host":"10.0.0.9"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var result service.FlowResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, service.FLOW_RESULT_CREATE_ENTRY, result.Type)
	assert.Equal(t, "10.0.0.9", flows.started[1].Host)

	rec = do(h, http.MethodPost, "/api/v1/flows", `{"host":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodPost, "/api/v1/flows/f1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, flows.configured["f1"], "confirm submits empty input")
	assert.Contains(t, rec.Body.String(), `"reason":"already_configured"`)

	rec = do(h, http.MethodPost, "/api/v1/flows/unknown", `{"host":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(h, http.MethodGet, "/api/v1/flows", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"flow_id":"f1"`)

	rec = do(h, http.MethodDelete, "/api/v1/flows/f1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(h, http.MethodDelete, "/api/v1/flows/f9", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
