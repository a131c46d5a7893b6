package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gridsense/gridsense2mqtt/internal/config"
	"github.com/gridsense/gridsense2mqtt/internal/core/domain"
	"github.com/gridsense/gridsense2mqtt/internal/core/service"

	"github.com/asynkron/protoactor-go/actor"
	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"
)

// EntriesService is the config entry registry used by the API.
type EntriesService interface {
	List(ctx context.Context) ([]domain.ConfigEntry, error)
	State(ctx context.Context, id string) (*domain.EntryState, error)
	Reload(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
}

// FlowService runs config flows for the API.
type FlowService interface {
	StartUser(ctx context.Context, input *service.UserInput) (service.FlowResult, error)
	StartReauth(ctx context.Context, entryId string) (service.FlowResult, error)
	Configure(ctx context.Context, flowId string, input *service.UserInput) (service.FlowResult, error)
	Abort(flowId string) error
	InProgress() []service.FlowResult
}

type Server struct {
	port        uint
	httpLog     bool
	rootContext *actor.RootContext
	masterActor *actor.PID
	entries     EntriesService
	flows       FlowService
	logger      *zap.Logger
}

func NewServer(cfg config.Config, rootContext *actor.RootContext, masterActor *actor.PID, entries EntriesService, flows FlowService, logger *zap.Logger) *http.Server {
	NewServer := &Server{
		port:        cfg.Port,
		rootContext: rootContext,
		masterActor: masterActor,
		httpLog:     cfg.HttpLog,
		entries:     entries,
		flows:       flows,
		logger:      logger.With(zap.String("component", "http")),
	}

	// Declare Server config
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", NewServer.port),
		Handler:      NewServer.RegisterRoutes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return server
}
