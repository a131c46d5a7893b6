package actor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gridsense/gridsense2mqtt/internal/config"
	"github.com/gridsense/gridsense2mqtt/internal/core/domain"
	"github.com/gridsense/gridsense2mqtt/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSPublisher is the subset of *nats.Conn used by the sink.
type NATSPublisher interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSActor mirrors sensor updates to NATS subjects.
type NATSActor struct {
	config       config.NATSConfig
	behavior     actor.Behavior
	eventStream  *eventstream.EventStream
	subscription *eventstream.Subscription
	conn         NATSPublisher
	published    uint64
	failed       uint64
	logger       *zap.Logger
}

// SensorUpdateMessage is the JSON body published for each sensor update.
type SensorUpdateMessage struct {
	EntryId   string   `json:"entry_id"`
	DeviceId  string   `json:"device_id"`
	UniqueId  string   `json:"unique_id"`
	Key       string   `json:"key"`
	Value     *float64 `json:"value"`
	Available bool     `json:"available"`
	Timestamp int64    `json:"ts"`
}

func NewNATSActor(cfg config.NATSConfig, eventStream *eventstream.EventStream, conn NATSPublisher, logger *zap.Logger) *NATSActor {
	act := &NATSActor{
		config:      cfg,
		eventStream: eventStream,
		conn:        conn,
		behavior:    actor.NewBehavior(),
		logger:      actorutil.ActorLogger(domain.ACTOR_ID_NATS, logger),
	}
	act.behavior.Become(act.DefaultReceive)
	return act
}

func (state *NATSActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *NATSActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("nats@default started")
		if state.conn == nil {
			url := state.config.URL
			if url == "" {
				url = nats.DefaultURL
			}
			nc, err := nats.Connect(url,
				nats.Name("gridsense2mqtt"),
				nats.RetryOnFailedConnect(true),
				nats.MaxReconnects(-1),
				nats.ReconnectWait(2*time.Second),
			)
			if err != nil {
				state.logger.Error("nats: connect failed", zap.String("url", url), zap.Error(err))
				panic(err)
			}
			state.conn = nc
		}
		root := ctx.ActorSystem().Root
		self := ctx.Self()
		state.subscription = state.eventStream.Subscribe(func(evt any) {
			if event, ok := evt.(domain.FloatSensorUpdateEvent); ok {
				root.Send(self, event)
			}
		})
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_NATS,
			Healthy: state.conn != nil,
			State:   fmt.Sprintf("published=%d failed=%d", state.published, state.failed),
		})
	case domain.FloatSensorUpdateEvent:
		subject, data, err := SensorEventToNATS(state.config.SubjectPrefix, msg)
		if err != nil {
			state.logger.Error("nats@default encode failed", zap.String("sensor", msg.SensorId()), zap.Error(err))
			return
		}
		if err := state.conn.Publish(subject, data); err != nil {
			state.failed++
			state.logger.Warn("nats@default publish failed", zap.String("subject", subject), zap.Error(err))
			return
		}
		state.published++
	case *actor.Stopping:
		state.stop()
	case *actor.Restarting:
		state.stop()
	default:
		state.logger.Debug("nats@default unhandled", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *NATSActor) stop() {
	if state.subscription != nil {
		state.eventStream.Unsubscribe(state.subscription)
		state.subscription = nil
	}
	if state.conn != nil {
		if err := state.conn.Drain(); err != nil {
			state.logger.Warn("nats: drain failed", zap.Error(err))
		}
		state.conn = nil
	}
}

// SensorEventToNATS returns the subject <prefix>.<entry_id>.<sensor_id> and
// the JSON body for a sensor update.
func SensorEventToNATS(prefix string, event domain.FloatSensorUpdateEvent) (string, []byte, error) {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	data, err := json.Marshal(SensorUpdateMessage{
		EntryId:   event.EntryId,
		DeviceId:  event.DeviceId,
		UniqueId:  event.UniqueId,
		Key:       event.Key,
		Value:     event.Value,
		Available: event.Available,
		Timestamp: ts.UnixMilli(),
	})
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("%s.%s.%s", prefix, event.EntryId, event.SensorId()), data, nil
}
