package actor

import (
	"context"
	"fmt"
	"time"

	"github.com/gridsense/gridsense2mqtt/internal/core/domain"
	"github.com/gridsense/gridsense2mqtt/internal/core/port"
	"github.com/gridsense/gridsense2mqtt/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"
)

// GatewayActor performs HTTP fetches against GridSense gateways. Requests for
// different gateways run concurrently.
type GatewayActor struct {
	behavior actor.Behavior
	client   port.GatewayClient
	timeout  timeoutProvider
	inFlight int
	logger   *zap.Logger
}

type timeoutProvider interface {
	Timeout() time.Duration
}

type backgroundTaskResult struct {
	message any
	replyTo *actor.PID
}

func NewGatewayActor(client port.GatewayClient, logger *zap.Logger) *GatewayActor {
	act := &GatewayActor{
		client:   client,
		behavior: actor.NewBehavior(),
		logger:   actorutil.ActorLogger(domain.ACTOR_ID_GATEWAY, logger),
	}
	if tp, ok := client.(timeoutProvider); ok {
		act.timeout = tp
	}
	act.behavior.Become(act.DefaultReceive)
	return act
}

func (state *GatewayActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *GatewayActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("gateway@default started")
	case domain.ActorHealthRequest:
		state.logger.Debug("gateway@default: ActorHealthRequest")
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_GATEWAY,
			Healthy: true,
			State:   state.stateName(),
		})
	case domain.FetchDevicesRequest:
		state.logger.Debug("gateway@default: FetchDevicesRequest", zap.String("host", msg.Host))
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)
		host := msg.Host

		task := actorutil.MapBackgroundTask(actorutil.NewBackgroundTask(ctx, func() (*domain.FetchDevicesResponse, error) {
			return state.fetchDevices(host)
		}), mapTaskResult[domain.FetchDevicesResponse](sender)).Recover(func(err error) backgroundTaskResult {
			return backgroundTaskResult{
				message: domain.FetchDevicesResponse{
					ActorResponseMixIn: domain.ActorResponseMixIn{
						ResponseError: err,
					},
					Host: host,
				},
				replyTo: sender,
			}
		})
		if state.timeout != nil {
			// backstop over the client's own timeout
			task = task.WithTimeout(state.timeout.Timeout() + 5*time.Second)
		}
		state.inFlight++
		task.PipeTo(ctx.Self())
	case backgroundTaskResult:
		state.inFlight--
		state.logger.Debug("gateway@default backgroundTaskResult", zap.String("type", fmt.Sprintf("%T", msg.message)))
		if msg.replyTo != nil {
			ctx.Send(msg.replyTo, msg.message)
		}
	default:
		state.logger.Debug("gateway@default default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *GatewayActor) stateName() string {
	if state.inFlight > 0 {
		return "fetching"
	}
	return "idle"
}

func (state *GatewayActor) fetchDevices(host string) (*domain.FetchDevicesResponse, error) {
	payload, err := state.client.FetchDevices(context.Background(), host)
	if err != nil {
		state.logger.Debug("gateway: fetch failed", zap.String("host", host), zap.Error(err))
		return &domain.FetchDevicesResponse{
			ActorResponseMixIn: domain.ActorResponseMixIn{
				ResponseError: err,
			},
			Host: host,
		}, nil
	}
	return &domain.FetchDevicesResponse{
		Host:    host,
		Payload: payload,
	}, nil
}

func mapTaskResult[T any](replyTo *actor.PID) func(*T) *backgroundTaskResult {
	return func(result *T) *backgroundTaskResult {
		return &backgroundTaskResult{
			message: *result,
			replyTo: replyTo,
		}
	}
}
