package actor

import (
	"errors"
	"fmt"
	"log"
	"time"

	adactor "github.com/gridsense/gridsense2mqtt/internal/adapter/actor"
	"github.com/gridsense/gridsense2mqtt/internal/config"
	"github.com/gridsense/gridsense2mqtt/internal/core/domain"
	. "github.com/gridsense/gridsense2mqtt/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"
)

type MQTTActorProvider func(*eventstream.EventStream) *adactor.MQTTActor

type GatewayActorProvider func() *adactor.GatewayActor

type InfluxDBActorProvider func(*eventstream.EventStream) *adactor.InfluxDBActor

type NATSActorProvider func(*eventstream.EventStream) *adactor.NATSActor

// ChildProviders builds the infrastructure children of the master. Sinks
// are optional.
type ChildProviders struct {
	Gateway  GatewayActorProvider
	MQTT     MQTTActorProvider
	InfluxDB InfluxDBActorProvider
	NATS     NATSActorProvider
}

type MasterOfPuppetsActor struct {
	config   config.Config
	behavior actor.Behavior
	stash    *Stash

	currentHealthCheck healthCheckResult
	eventStream        *eventstream.EventStream
	gatewayActor       *actor.PID
	mqttActor          *actor.PID
	haDiscoveryActor   *actor.PID
	sinkActors         []*actor.PID
	coordinators       map[string]*actor.PID
	generation         int
	providers          ChildProviders
	logger             *zap.Logger
}

type healthCheckResult struct {
	expected       int
	checksReceived int
	unhealthy      []string
	respondTo      *actor.PID
}

func NewMasterOfPuppetsActor(config config.Config, providers ChildProviders, logger *zap.Logger) *MasterOfPuppetsActor {
	act := &MasterOfPuppetsActor{
		config:       config,
		behavior:     actor.NewBehavior(),
		stash:        &Stash{},
		logger:       ActorLogger(domain.ACTOR_ID_MASTER, logger),
		eventStream:  &eventstream.EventStream{},
		coordinators: map[string]*actor.PID{},
		providers:    providers,
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *MasterOfPuppetsActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

// EventStream carries the sensor updates of every coordinator.
func (state *MasterOfPuppetsActor) EventStream() *eventstream.EventStream {
	return state.eventStream
}

func (state *MasterOfPuppetsActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("master@starting started")

		// start Gateway child
		gatewayActorPID, err := state.startGatewayActor(ctx)
		if err != nil {
			panic(err)
		}
		state.gatewayActor = gatewayActorPID

		// start MQTT child
		mqttActorPID, err := state.startMQTTActor(ctx)
		if err != nil {
			panic(err)
		}
		state.mqttActor = mqttActorPID

		// start HA Discovery
		if state.config.MQTT.HADiscoveryEnable {
			haDiscPID, err := state.startHADiscoveryActor(ctx)
			if err != nil {
				panic(err)
			}
			state.haDiscoveryActor = haDiscPID
		}

		// start sinks
		if state.config.InfluxDB.Enable && state.providers.InfluxDB != nil {
			pid, err := state.startSinkActor(ctx, domain.ACTOR_ID_INFLUXDB, func() actor.Actor {
				return state.providers.InfluxDB(state.eventStream)
			})
			if err != nil {
				panic(err)
			}
			state.sinkActors = append(state.sinkActors, pid)
		}
		if state.config.NATS.Enable && state.providers.NATS != nil {
			pid, err := state.startSinkActor(ctx, domain.ACTOR_ID_NATS, func() actor.Actor {
				return state.providers.NATS(state.eventStream)
			})
			if err != nil {
				panic(err)
			}
			state.sinkActors = append(state.sinkActors, pid)
		}

		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	default:
		state.logger.Debug("master@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterOfPuppetsActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("master@default ActorHealthRequest")
		state.currentHealthCheck.reset()
		state.currentHealthCheck.respondTo = ctx.Sender()

		state.requestHealth(ctx, state.gatewayActor, domain.ACTOR_ID_GATEWAY)
		state.requestHealth(ctx, state.mqttActor, domain.ACTOR_ID_MQTT)
		for _, pid := range state.sinkActors {
			state.requestHealth(ctx, pid, pid.Id)
		}
		for entryId, pid := range state.coordinators {
			state.requestHealth(ctx, pid, entryId)
		}

		ctx.SetReceiveTimeout(1 * time.Second)

		state.behavior.BecomeStacked(state.HealthCheckReceive)
	case domain.SetupEntryRequest:
		state.logger.Debug("master@default SetupEntryRequest", zap.String("entry_id", msg.Entry.Id))
		var resp domain.SetupEntryResponse
		if _, ok := state.coordinators[msg.Entry.Id]; ok {
			resp.ResponseError = domain.ErrEntryLoaded
		} else if err := state.startCoordinator(ctx, msg.Entry); err != nil {
			resp.ResponseError = err
		}
		ForRequest(msg).Respond(ctx, resp)
	case domain.ReloadEntryRequest:
		state.logger.Debug("master@default ReloadEntryRequest", zap.String("entry_id", msg.EntryRef()))
		if pid, ok := state.coordinators[msg.EntryRef()]; ok {
			delete(state.coordinators, msg.EntryRef())
			ctx.Send(pid, domain.UnloadEntryRequest{
				EntryRequestMixIn: domain.ForEntry(msg.EntryRef()),
			})
		}
		var resp domain.ReloadEntryResponse
		if err := state.startCoordinator(ctx, msg.Entry); err != nil {
			resp.ResponseError = err
		}
		ForRequest(msg).Respond(ctx, resp)
	case domain.UnloadEntryRequest:
		pid, ok := state.coordinators[msg.EntryRef()]
		if !ok {
			ForRequest(msg).Respond(ctx, domain.UnloadEntryResponse{
				ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: domain.ErrEntryNotLoaded},
			})
			return
		}
		delete(state.coordinators, msg.EntryRef())
		state.forward(ctx, pid, msg)
	case domain.GetEntryStateRequest:
		pid, ok := state.coordinators[msg.EntryRef()]
		if !ok {
			ForRequest(msg).Respond(ctx, domain.GetEntryStateResponse{
				ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: domain.ErrEntryNotLoaded},
			})
			return
		}
		state.forward(ctx, pid, msg)
	case domain.UnloadEntryResponse:
		// reply of an unload issued by a reload
	case adactor.HAStatusChanged:
		state.logger.Info("master@default Home Assistant status", zap.Bool("online", msg.Online))
		if msg.Online {
			if state.haDiscoveryActor != nil {
				ctx.Send(state.haDiscoveryActor, RepublishDiscovery{})
			}
			for _, pid := range state.coordinators {
				ctx.Send(pid, RepublishDiscovery{})
			}
		}
	case *actor.Terminated:
		// if some infrastructure actor fails for good, terminate
		switch msg.Who.Id {
		case state.gatewayActor.Id:
			state.logger.Error("master@default gateway actor terminated")
			panic(errors.New("gateway terminated"))
		case state.mqttActor.Id:
			state.logger.Error("master@default mqtt actor terminated")
			panic(errors.New("mqtt terminated"))
		}
		for entryId, pid := range state.coordinators {
			if pid.Equal(msg.Who) {
				state.logger.Warn("master@default coordinator terminated", zap.String("entry_id", entryId))
				delete(state.coordinators, entryId)
			}
		}
	default:
		state.logger.Debug("master@default unhandled", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *MasterOfPuppetsActor) HealthCheckReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.ReceiveTimeout:
		// if some actor does not respond to healthCheck, assume not healthy
		state.logger.Warn("master@healthcheck timeout",
			zap.Int("expected", state.currentHealthCheck.expected),
			zap.Int("received", state.currentHealthCheck.checksReceived))
		state.currentHealthCheck.unhealthy = append(state.currentHealthCheck.unhealthy, "timeout")
		state.finishHealthCheck(ctx)
	case domain.ActorHealthResponse:
		state.logger.Debug("master@healthcheck ActorHealthResponse", zap.String("sender", msg.Id), zap.Bool("healthy", msg.Healthy))
		state.currentHealthCheck.checksReceived++
		if !msg.Healthy {
			state.currentHealthCheck.unhealthy = append(state.currentHealthCheck.unhealthy, msg.Id)
		}
		if state.currentHealthCheck.allReceived() {
			state.finishHealthCheck(ctx)
		} else {
			ctx.SetReceiveTimeout(1 * time.Second)
		}
	default:
		state.logger.Debug("master@healthcheck stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterOfPuppetsActor) finishHealthCheck(ctx actor.Context) {
	ctx.CancelReceiveTimeout()
	state.currentHealthCheck.respond(ctx)
	state.behavior.UnbecomeStacked()
	state.stash.UnstashAll(ctx)
}

func (state *MasterOfPuppetsActor) requestHealth(ctx actor.Context, pid *actor.PID, id string) {
	state.currentHealthCheck.expected++
	PipeToSelfWithRecover(ctx, ctx.RequestFuture(pid, domain.ActorHealthRequest{}, 500*time.Millisecond), func(err error) any {
		return domain.ActorHealthResponse{
			Id:      id,
			Healthy: false,
		}
	})
}

// forward hands an entry request to its coordinator, which replies to the
// original sender.
func (state *MasterOfPuppetsActor) forward(ctx actor.Context, pid *actor.PID, msg domain.EntryRequest) {
	replyTo := (*domain.ActorRef)(ForRequest(msg).ReplyTo(ctx))
	switch req := msg.(type) {
	case domain.UnloadEntryRequest:
		req.ReplyToRef = replyTo
		ctx.Send(pid, req)
	case domain.GetEntryStateRequest:
		req.ReplyToRef = replyTo
		ctx.Send(pid, req)
	}
}

func (state *MasterOfPuppetsActor) startCoordinator(ctx actor.Context, entry domain.ConfigEntry) error {

	decider := func(reason interface{}) actor.Directive {
		log.Printf("handling failure for coordinator. reason: %v", reason)
		return actor.RestartDirective
	}
	supervisor := actor.NewOneForOneStrategy(3, 30*time.Second, decider)

	state.generation++
	props := actor.PropsFromProducer(func() actor.Actor {
		return NewCoordinatorActor(&state.config, entry, state.gatewayActor, state.mqttActor, state.eventStream, state.logger)
	}, actor.WithSupervisor(supervisor))
	pid, err := ctx.SpawnNamed(props, fmt.Sprintf("entry_%s_%d", entry.Id, state.generation))
	if err != nil {
		return err
	}
	state.coordinators[entry.Id] = pid
	state.logger.Info("master: coordinator started", zap.String("entry_id", entry.Id), zap.String("host", entry.Host))
	return nil
}

func (state *MasterOfPuppetsActor) startGatewayActor(ctx actor.Context) (*actor.PID, error) {

	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)

	gatewayProps := actor.PropsFromProducer(func() actor.Actor {
		return state.providers.Gateway()
	}, actor.WithSupervisor(supervisor))
	gatewayActorPID, err := ctx.SpawnNamed(gatewayProps, domain.ACTOR_ID_GATEWAY)
	if err != nil {
		return nil, err
	}

	return gatewayActorPID, nil
}

func (state *MasterOfPuppetsActor) startHADiscoveryActor(ctx actor.Context) (*actor.PID, error) {

	decider := func(reason interface{}) actor.Directive {
		log.Printf("handling failure for child. reason: %v", reason)
		return actor.RestartDirective
	}
	supervisor := actor.NewOneForOneStrategy(10, 60*time.Second, decider)

	haDiscProps := actor.PropsFromProducer(func() actor.Actor {
		return NewHADiscoveryActor(&state.config, state.mqttActor, state.logger)
	}, actor.WithSupervisor(supervisor))
	haDiscPID, err := ctx.SpawnNamed(haDiscProps, domain.ACTOR_ID_HA_DISCOVERY)
	if err != nil {
		return nil, err
	}

	return haDiscPID, nil
}

func (state *MasterOfPuppetsActor) startMQTTActor(ctx actor.Context) (*actor.PID, error) {

	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)

	mqttProps := actor.PropsFromProducer(func() actor.Actor {
		return state.providers.MQTT(state.eventStream)
	}, actor.WithSupervisor(supervisor))
	mqttActorPID, err := ctx.SpawnNamed(mqttProps, domain.ACTOR_ID_MQTT)
	if err != nil {
		return nil, err
	}

	return mqttActorPID, nil
}

func (state *MasterOfPuppetsActor) startSinkActor(ctx actor.Context, name string, producer actor.Producer) (*actor.PID, error) {

	supervisor := actor.NewExponentialBackoffStrategy(30*time.Second, 2*time.Second)

	props := actor.PropsFromProducer(producer, actor.WithSupervisor(supervisor))
	return ctx.SpawnNamed(props, name)
}

func (state *healthCheckResult) reset() {
	state.expected = 0
	state.checksReceived = 0
	state.unhealthy = nil
	state.respondTo = nil
}

func (state *healthCheckResult) allReceived() bool {
	return state.checksReceived >= state.expected
}

func (state *healthCheckResult) allHealthy() bool {
	return len(state.unhealthy) == 0
}

func (state *healthCheckResult) respond(ctx actor.Context) {
	resp := domain.ActorHealthResponse{
		Id:      domain.ACTOR_ID_MASTER,
		Healthy: state.allHealthy(),
	}
	if !resp.Healthy {
		resp.State = fmt.Sprintf("unhealthy: %v", state.unhealthy)
	}
	if state.respondTo != nil {
		ctx.Send(state.respondTo, resp)
	}
}
