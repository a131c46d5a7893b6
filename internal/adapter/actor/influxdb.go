package actor

import (
	"context"
	"fmt"
	"time"

	"github.com/gridsense/gridsense2mqtt/internal/config"
	"github.com/gridsense/gridsense2mqtt/internal/core/domain"
	"github.com/gridsense/gridsense2mqtt/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/asynkron/protoactor-go/scheduler"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

const (
	INFLUX_MEASUREMENT    = "gridsense"
	INFLUX_FLUSH_INTERVAL = 2 * time.Second
	INFLUX_WRITE_TIMEOUT  = 10 * time.Second
	INFLUX_MAX_BUFFERED   = 10000
)

// InfluxWriter is the subset of api.WriteAPIBlocking used by the sink.
type InfluxWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxDBActor mirrors sensor values into an InfluxDB bucket in batches.
type InfluxDBActor struct {
	config       config.InfluxDBConfig
	behavior     actor.Behavior
	scheduler    *scheduler.TimerScheduler
	eventStream  *eventstream.EventStream
	subscription *eventstream.Subscription
	client       influxdb2.Client
	writer       InfluxWriter
	buffer       []*write.Point
	writing      bool
	logger       *zap.Logger
}

type influxFlushTick struct {
}

type influxWriteResult struct {
	Written int
	Error   error
}

func NewInfluxDBActor(cfg config.InfluxDBConfig, eventStream *eventstream.EventStream, writer InfluxWriter, logger *zap.Logger) *InfluxDBActor {
	act := &InfluxDBActor{
		config:      cfg,
		eventStream: eventStream,
		writer:      writer,
		behavior:    actor.NewBehavior(),
		logger:      actorutil.ActorLogger(domain.ACTOR_ID_INFLUXDB, logger),
	}
	act.behavior.Become(act.DefaultReceive)
	return act
}

func (state *InfluxDBActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *InfluxDBActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("influxdb@default started")
		if state.writer == nil {
			state.client = influxdb2.NewClient(state.config.URL, state.config.Token)
			state.writer = state.client.WriteAPIBlocking(state.config.Org, state.config.Bucket)
		}
		root := ctx.ActorSystem().Root
		self := ctx.Self()
		state.subscription = state.eventStream.Subscribe(func(evt any) {
			if event, ok := evt.(domain.FloatSensorUpdateEvent); ok {
				root.Send(self, event)
			}
		})
		state.scheduler = scheduler.NewTimerScheduler(ctx)
		state.scheduler.RequestOnce(INFLUX_FLUSH_INTERVAL, ctx.Self(), influxFlushTick{})
	case domain.ActorHealthRequest:
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_INFLUXDB,
			Healthy: true,
			State:   fmt.Sprintf("buffered=%d", len(state.buffer)),
		})
	case domain.FloatSensorUpdateEvent:
		point := SensorEventToPoint(msg)
		if point == nil {
			return
		}
		if len(state.buffer) >= INFLUX_MAX_BUFFERED {
			state.logger.Warn("influxdb@default buffer full, dropping oldest point")
			state.buffer = state.buffer[1:]
		}
		state.buffer = append(state.buffer, point)
	case influxFlushTick:
		state.flush(ctx)
		state.scheduler.RequestOnce(INFLUX_FLUSH_INTERVAL, ctx.Self(), influxFlushTick{})
	case influxWriteResult:
		state.writing = false
		if msg.Error != nil {
			state.logger.Error("influxdb@default write failed", zap.Int("points", msg.Written), zap.Error(msg.Error))
		} else {
			state.logger.Debug("influxdb@default points written", zap.Int("points", msg.Written))
		}
	case *actor.Stopping:
		state.stop()
	case *actor.Restarting:
		state.stop()
	default:
		state.logger.Debug("influxdb@default unhandled", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *InfluxDBActor) flush(ctx actor.Context) {
	if state.writing || len(state.buffer) == 0 {
		return
	}
	points := state.buffer
	state.buffer = nil
	state.writing = true
	writer := state.writer

	actorutil.NewBackgroundTask(ctx, func() (*influxWriteResult, error) {
		wctx, cancel := context.WithTimeout(context.Background(), INFLUX_WRITE_TIMEOUT)
		defer cancel()
		err := writer.WritePoint(wctx, points...)
		return &influxWriteResult{Written: len(points), Error: err}, nil
	}).WithTimeout(INFLUX_WRITE_TIMEOUT + time.Second).Recover(func(err error) influxWriteResult {
		return influxWriteResult{Written: len(points), Error: err}
	}).PipeTo(ctx.Self())
}

func (state *InfluxDBActor) stop() {
	if state.subscription != nil {
		state.eventStream.Unsubscribe(state.subscription)
		state.subscription = nil
	}
	if len(state.buffer) > 0 && state.writer != nil {
		wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := state.writer.WritePoint(wctx, state.buffer...); err != nil {
			state.logger.Error("influxdb: final flush failed", zap.Error(err))
		}
		cancel()
		state.buffer = nil
	}
	if state.client != nil {
		state.client.Close()
		state.client = nil
		state.writer = nil
	}
}

// SensorEventToPoint maps a sensor value to a point. Unknown or unavailable
// values produce no point.
func SensorEventToPoint(event domain.FloatSensorUpdateEvent) *write.Point {
	if event.Value == nil || !event.Available {
		return nil
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return influxdb2.NewPoint(
		INFLUX_MEASUREMENT,
		map[string]string{
			"entry_id":  event.EntryId,
			"device_id": event.DeviceId,
			"entity":    event.UniqueId,
			"key":       event.Key,
		},
		map[string]any{
			"value": *event.Value,
		},
		ts,
	)
}
