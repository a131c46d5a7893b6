package actor

import (
	"fmt"
	"time"

	"github.com/gridsense/gridsense2mqtt/internal/config"
	"github.com/gridsense/gridsense2mqtt/internal/core/domain"
	"github.com/gridsense/gridsense2mqtt/internal/core/events"
	"github.com/gridsense/gridsense2mqtt/internal/gridsense"
	. "github.com/gridsense/gridsense2mqtt/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/asynkron/protoactor-go/scheduler"
	"go.uber.org/zap"
)

const (
	SETUP_RETRY_INITIAL_DELAY = 5 * time.Second
	// slack over the gateway request timeout before a refresh is failed
	REFRESH_TIMEOUT_SLACK = 10 * time.Second
)

// CoordinatorActor polls the gateway of one config entry and publishes the
// values of its entities.
type CoordinatorActor struct {
	behavior   actor.Behavior
	scheduler  *scheduler.TimerScheduler
	cancelTick scheduler.CancelFunc

	config       *config.Config
	entry        domain.ConfigEntry
	gatewayActor *actor.PID
	mqttActor    *actor.PID
	eventStream  *eventstream.EventStream
	bridgeDevice domain.Device

	entities          []domain.Entity
	payload           gridsense.Payload
	state             string
	refreshing        bool
	lastUpdateSuccess bool
	lastUpdate        *time.Time
	lastError         string
	retryDelay        time.Duration
	failureLogged     bool

	logger *zap.Logger
}

type refreshTick struct {
}

// RepublishDiscovery asks an actor to announce its sensors and values
// again, after Home Assistant came back online.
type RepublishDiscovery struct {
}

func NewCoordinatorActor(config *config.Config, entry domain.ConfigEntry, gatewayActor *actor.PID, mqttActor *actor.PID, eventStream *eventstream.EventStream, logger *zap.Logger) *CoordinatorActor {
	act := &CoordinatorActor{
		config:       config,
		entry:        entry,
		gatewayActor: gatewayActor,
		mqttActor:    mqttActor,
		eventStream:  eventStream,
		bridgeDevice: domain.BridgeDevice(config.MQTT.BaseTopic),
		behavior:     actor.NewBehavior(),
		state:        domain.ENTRY_STATE_NOT_LOADED,
		retryDelay:   SETUP_RETRY_INITIAL_DELAY,
		logger: ActorLogger(domain.ACTOR_ID_COORDINATOR, logger).With(
			zap.String("entry_id", entry.Id),
			zap.String("host", entry.Host)),
	}
	act.behavior.Become(act.SetupReceive)
	return act
}

func (state *CoordinatorActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

// SetupReceive runs until the first successful refresh.
func (state *CoordinatorActor) SetupReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("coordinator@setup started")
		state.scheduler = scheduler.NewTimerScheduler(ctx)
		ctx.Send(ctx.Self(), refreshTick{})
	case refreshTick:
		state.refresh(ctx)
	case domain.FetchDevicesResponse:
		state.refreshing = false
		now := time.Now()
		state.lastUpdate = &now
		if msg.HasResponseError() {
			state.lastUpdateSuccess = false
			state.lastError = msg.GetResponseError().Error()
			state.state = domain.ENTRY_STATE_SETUP_RETRY
			state.logger.Warn("coordinator@setup first refresh failed, retrying",
				zap.Duration("retry_in", state.retryDelay), zap.Error(msg.GetResponseError()))
			state.schedule(ctx, state.retryDelay)
			state.retryDelay = min(state.retryDelay*2, state.config.Gateway.ScanInterval())
			return
		}
		state.lastUpdateSuccess = true
		state.lastError = ""
		state.payload = msg.Payload
		state.entities = domain.BuildEntities(state.entry.Id, domain.GatewayDeviceId(state.entry.Id), msg.Payload)
		state.state = domain.ENTRY_STATE_LOADED
		state.logger.Info("coordinator@setup entry loaded", zap.Int("entities", len(state.entities)))

		state.announce(ctx)
		state.publish(now)
		state.schedule(ctx, state.config.Gateway.ScanInterval())
		state.behavior.Become(state.LoadedReceive)
	case RepublishDiscovery:
		// nothing announced yet
	default:
		state.commonReceive(ctx)
	}
}

func (state *CoordinatorActor) LoadedReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case refreshTick:
		state.refresh(ctx)
	case domain.FetchDevicesResponse:
		state.refreshing = false
		now := time.Now()
		state.lastUpdate = &now
		if msg.HasResponseError() {
			state.lastUpdateSuccess = false
			state.lastError = msg.GetResponseError().Error()
			if !state.failureLogged {
				state.logger.Error("coordinator@loaded gateway unavailable", zap.Error(msg.GetResponseError()))
				state.failureLogged = true
			}
		} else {
			if state.failureLogged {
				state.logger.Info("coordinator@loaded gateway back online")
				state.failureLogged = false
			}
			state.lastUpdateSuccess = true
			state.lastError = ""
			state.payload = msg.Payload
		}
		state.publish(now)
		state.schedule(ctx, state.config.Gateway.ScanInterval())
	case RepublishDiscovery:
		state.logger.Debug("coordinator@loaded republish")
		state.announce(ctx)
		ts := time.Now()
		if state.lastUpdate != nil {
			ts = *state.lastUpdate
		}
		state.publish(ts)
	default:
		state.commonReceive(ctx)
	}
}

func (state *CoordinatorActor) commonReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      state.entry.Id,
			Healthy: true,
			State:   state.state,
		})
	case domain.GetEntryStateRequest:
		ForRequest(msg).Respond(ctx, domain.GetEntryStateResponse{
			State: state.snapshot(),
		})
	case domain.UnloadEntryRequest:
		state.logger.Info("coordinator: unloading entry", zap.Bool("remove", msg.Remove))
		state.unload(ctx, msg.Remove)
		ForRequest(msg).Respond(ctx, domain.UnloadEntryResponse{})
		ctx.Stop(ctx.Self())
	case *actor.Stopping:
		state.cancel()
	case *actor.Restarting:
		state.cancel()
	default:
		state.logger.Debug("coordinator: unhandled", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *CoordinatorActor) refresh(ctx actor.Context) {
	if state.refreshing {
		return
	}
	state.refreshing = true
	host := state.entry.Host
	timeout := state.config.Gateway.RequestTimeout() + REFRESH_TIMEOUT_SLACK
	PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.gatewayActor, domain.FetchDevicesRequest{Host: host}, timeout), func(err error) any {
		return domain.FetchDevicesResponse{
			ActorResponseMixIn: domain.ActorResponseMixIn{
				ResponseError: err,
			},
			Host: host,
		}
	})
}

func (state *CoordinatorActor) schedule(ctx actor.Context, delay time.Duration) {
	state.cancel()
	state.cancelTick = state.scheduler.RequestOnce(delay, ctx.Self(), refreshTick{})
}

func (state *CoordinatorActor) cancel() {
	if state.cancelTick != nil {
		state.cancelTick()
		state.cancelTick = nil
	}
}

func (state *CoordinatorActor) sensors() []domain.GenericSensor {
	return events.EntrySensors(state.entry, state.bridgeDevice.Id, state.entities)
}

func (state *CoordinatorActor) announce(ctx actor.Context) {
	if state.mqttActor == nil || !state.config.MQTT.HADiscoveryEnable {
		return
	}
	ctx.Send(state.mqttActor, domain.PublishDiscoveryRequest{
		Sensors: state.sensors(),
	})
}

func (state *CoordinatorActor) publish(ts time.Time) {
	state.eventStream.Publish(events.GatewayConnectivityEvent(state.entry.Id, state.lastUpdateSuccess))
	for _, ev := range events.EntityUpdateEvents(state.entities, state.payload, state.lastUpdateSuccess, ts) {
		state.eventStream.Publish(ev)
	}
}

func (state *CoordinatorActor) unload(ctx actor.Context, remove bool) {
	state.cancel()
	if state.entities == nil {
		return
	}
	if remove {
		if state.mqttActor != nil {
			ctx.Send(state.mqttActor, domain.ClearDiscoveryRequest{
				Sensors: state.sensors(),
			})
		}
	} else {
		state.lastUpdateSuccess = false
		state.publish(time.Now())
	}
	state.state = domain.ENTRY_STATE_NOT_LOADED
}

func (state *CoordinatorActor) snapshot() domain.EntryState {
	snapshot := domain.EntryState{
		EntryId:           state.entry.Id,
		Host:              state.entry.Host,
		State:             state.state,
		LastUpdateSuccess: state.lastUpdateSuccess,
		LastUpdate:        state.lastUpdate,
		LastError:         state.lastError,
		Entities:          events.EntityStates(state.entities, state.payload, state.lastUpdateSuccess),
	}
	return snapshot
}
