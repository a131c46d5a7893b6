package actor

import (
	"context"
	"errors"
	"testing"
	"time"

	adactor "github.com/gridsense/gridsense2mqtt/internal/adapter/actor"
	"github.com/gridsense/gridsense2mqtt/internal/core/domain"
	"github.com/gridsense/gridsense2mqtt/internal/gridsense"
	"github.com/gridsense/gridsense2mqtt/internal/util"
	"github.com/gridsense/gridsense2mqtt/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type payloadClient struct {
	payload gridsense.Payload
}

func (c payloadClient) FetchDevices(_ context.Context, host string) (gridsense.Payload, error) {
	if c.payload == nil {
		return nil, errors.New("Error communicating with GridSense Gateway at " + host)
	}
	return c.payload, nil
}

func spawnMaster(t *testing.T, recorder *adactor.MQTTRecorder) (*actor.ActorSystem, *actor.PID) {
	t.Helper()

	cfg := util.LoadTestConfig()
	logCfg := zap.NewDevelopmentConfig()
	logCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	logger := zap.Must(logCfg.Build())

	as := actorutil.NewActorSystemWithZapLogger(logger)

	payload, err := gridsense.DecodePayload([]byte(coordinatorPayload))
	require.NoError(t, err)

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewMasterOfPuppetsActor(cfg, ChildProviders{
			Gateway: func() *adactor.GatewayActor {
				return adactor.NewGatewayActor(payloadClient{payload: payload}, logger)
			},
			MQTT: func(es *eventstream.EventStream) *adactor.MQTTActor {
				return adactor.NewTestMQTTActor(&cfg, es, recorder, logger)
			},
		}, logger)
	})
	pid, err := as.Root.SpawnNamed(props, "master")
	require.NoError(t, err)
	return as, pid
}

func TestMasterActor(t *testing.T) {

	recorder := &adactor.MQTTRecorder{}
	as, pid := spawnMaster(t, recorder)
	context := as.Root

	time.Sleep(500 * time.Millisecond)

	res, err := context.RequestFuture(pid, domain.ActorHealthRequest{}, 10*time.Second).Result()
	require.NoError(t, err)
	healthResp, ok := res.(domain.ActorHealthResponse)
	assert.True(t, ok)
	assert.True(t, healthResp.Healthy, "healthy is true")

	// bridge announced once MQTT is healthy
	assert.Eventually(t, func() bool {
		return len(recorder.Discovery()) == 1
	}, 2*time.Second, 50*time.Millisecond)
	assert.Equal(t, domain.SENSOR_ID_BRIDGE_STATE, recorder.Discovery()[0].Id)

	context.Stop(pid)

	as.Shutdown()
}

func TestMasterEntryLifecycle(t *testing.T) {

	recorder := &adactor.MQTTRecorder{}
	as, pid := spawnMaster(t, recorder)
	defer as.Shutdown()

	lifecycle := NewEntryLifecycle(as.Root, pid)
	ctx := context.Background()
	entry := domain.ConfigEntry{Id: "entry1", Title: "GridSense Gateway ab12", Host: "10.0.0.5"}

	state, err := lifecycle.State(ctx, entry.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.ENTRY_STATE_NOT_LOADED, state.State)
	assert.ErrorIs(t, lifecycle.Unload(ctx, entry.Id, false), domain.ErrEntryNotLoaded)

	require.NoError(t, lifecycle.Setup(ctx, entry))
	assert.ErrorIs(t, lifecycle.Setup(ctx, entry), domain.ErrEntryLoaded)

	assert.Eventually(t, func() bool {
		s, err := lifecycle.State(ctx, entry.Id)
		return err == nil && s.State == domain.ENTRY_STATE_LOADED
	}, 3*time.Second, 50*time.Millisecond)

	// coordinators take part in the health check
	res, err := as.Root.RequestFuture(pid, domain.ActorHealthRequest{}, 5*time.Second).Result()
	require.NoError(t, err)
	assert.True(t, res.(domain.ActorHealthResponse).Healthy)

	// bridge, gateway connectivity and every entity
	announced := 2 + len(domain.InverterSensors) + len(domain.BatterySensors)
	assert.Eventually(t, func() bool {
		return len(recorder.Discovery()) == announced
	}, 2*time.Second, 50*time.Millisecond)

	// Home Assistant restart triggers a new announcement of everything
	as.Root.Send(pid, adactor.HAStatusChanged{Online: true})
	assert.Eventually(t, func() bool {
		return len(recorder.Discovery()) == 2*announced
	}, 2*time.Second, 50*time.Millisecond)

	entry.Host = "10.0.0.6"
	require.NoError(t, lifecycle.Reload(ctx, entry))
	assert.Eventually(t, func() bool {
		s, err := lifecycle.State(ctx, entry.Id)
		return err == nil && s.State == domain.ENTRY_STATE_LOADED && s.Host == "10.0.0.6"
	}, 3*time.Second, 50*time.Millisecond)

	require.NoError(t, lifecycle.Unload(ctx, entry.Id, true))
	assert.Eventually(t, func() bool {
		return len(recorder.Cleared()) > 0
	}, 2*time.Second, 50*time.Millisecond)
	state, err = lifecycle.State(ctx, entry.Id)
	require.NoError(t, err)
	assert.Equal(t, domain.ENTRY_STATE_NOT_LOADED, state.State)
}
