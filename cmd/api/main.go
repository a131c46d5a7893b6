package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	adactor "github.com/gridsense/gridsense2mqtt/internal/adapter/actor"
	"github.com/gridsense/gridsense2mqtt/internal/adapter/store"
	"github.com/gridsense/gridsense2mqtt/internal/adapter/zeroconf"
	"github.com/gridsense/gridsense2mqtt/internal/config"
	"github.com/gridsense/gridsense2mqtt/internal/core/actor"
	"github.com/gridsense/gridsense2mqtt/internal/core/port"
	"github.com/gridsense/gridsense2mqtt/internal/core/service"
	"github.com/gridsense/gridsense2mqtt/internal/gridsense"
	"github.com/gridsense/gridsense2mqtt/internal/server"
	"github.com/gridsense/gridsense2mqtt/internal/util/actorutil"

	pactor "github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func gracefulShutdown(apiServer *http.Server, scanner *zeroconf.Scanner, done chan bool) {
	// Create context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Listen for the interrupt signal.
	<-ctx.Done()

	log.Println("shutting down gracefully, press Ctrl+C again to force")

	// The context is used to inform the server it has 5 seconds to finish
	// the request it is currently handling
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if scanner != nil {
		scanner.Stop(ctx)
	}
	if err := apiServer.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown with error: %v", err)
	}

	log.Println("Server exiting")

	// Notify the main goroutine that the shutdown is complete
	done <- true
}

func main() {

	// load and print config
	cfg, err := initConfig()
	if err != nil {
		slog.Error("config errors", "error", err)
		os.Exit(1)
	}
	safePrintConfig(*cfg)

	// zap logger
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)

	logger := zap.Must(zapCfg.Build())
	defer logger.Sync()

	// init actor system
	as := actorutil.NewActorSystemWithZapLogger(logger)
	ctx := as.Root

	// entry storage
	repo, closeRepo, err := openRepository(cfg, logger)
	if err != nil {
		logger.Fatal("cannot open entry store", zap.Error(err))
	}
	defer closeRepo.Close()

	gatewayClient := gridsense.NewClient(cfg.Gateway.Port, cfg.Gateway.RequestTimeout(), logger)

	props := pactor.PropsFromProducer(func() pactor.Actor {
		return actor.NewMasterOfPuppetsActor(*cfg, actor.ChildProviders{
			Gateway:  gatewayActorProvider(gatewayClient, logger),
			MQTT:     mqttActorProvider(cfg, logger),
			InfluxDB: influxDBActorProvider(cfg, logger),
			NATS:     natsActorProvider(cfg, logger),
		}, logger)
	})
	pid, err := ctx.SpawnNamed(props, "master")
	if err != nil {
		logger.Fatal("cannot start master actor", zap.Error(err))
	}

	// config entries and flows
	entries := service.NewConfigEntries(repo, actor.NewEntryLifecycle(ctx, pid), logger)
	flows := service.NewFlowManager(entries, gatewayClient, logger)

	setupCtx, cancelSetup := context.WithTimeout(context.Background(), 30*time.Second)
	if err := entries.SetupAll(setupCtx); err != nil {
		logger.Error("cannot set up stored entries", zap.Error(err))
	}
	cancelSetup()

	// mDNS discovery
	var scanner *zeroconf.Scanner
	if cfg.Discovery.Enable {
		scanner = zeroconf.NewScanner(cfg.Discovery, zeroconf.NewResolverBrowser, flows, logger)
		if err := scanner.Start(context.Background()); err != nil {
			logger.Error("mDNS discovery disabled", zap.Error(err))
			scanner = nil
		}
	}

	server := server.NewServer(*cfg, ctx, pid, entries, flows, logger)
	// Create a done channel to signal when the shutdown is complete
	done := make(chan bool, 1)

	// Run graceful shutdown in a separate goroutine
	go gracefulShutdown(server, scanner, done)

	err = server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		panic(fmt.Sprintf("http server error: %s", err))
	}

	// Wait for the graceful shutdown to complete
	<-done
	log.Println("Graceful shutdown complete.")

	if err := ctx.StopFuture(pid).Wait(); err != nil {
		logger.Warn("master actor did not stop cleanly", zap.Error(err))
	}
	as.Shutdown()
}

func initConfig() (*config.Config, error) {

	// alias PORT => GRIDSENSE_PORT
	if port := os.Getenv("PORT"); port != "" {
		os.Setenv("GRIDSENSE_PORT", port)
	}

	setConfigDefaults()

	viper.SetEnvPrefix("gridsense")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// if defined, try to load config from yaml file
	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		if _, err := os.Stat(cfgFile); err == nil {
			slog.Info("Using config", "file", cfgFile)
			viper.SetConfigFile(cfgFile)

			err = viper.ReadInConfig()
			if err != nil {
				slog.Error("Error reading config file", "error", err)
			}
		}
	}

	var cfg config.Config

	err := viper.Unmarshal(&cfg)
	if err != nil {
		return nil, err
	}

	// parse log level
	switch viper.GetString("log_level") {
	case "trace":
		cfg.LogLevel = zap.DebugLevel
	case "debug":
		cfg.LogLevel = zap.DebugLevel
	case "info":
		cfg.LogLevel = zap.InfoLevel
	case "error":
		cfg.LogLevel = zap.ErrorLevel
	case "warn":
		cfg.LogLevel = zap.WarnLevel
	case "fatal":
		cfg.LogLevel = zap.FatalLevel
	default:
		cfg.LogLevel = zap.InfoLevel
	}

	// check and fix base topic
	baseTopic, err := config.CheckMQTTTopic(cfg.MQTT.BaseTopic)
	if err != nil {
		return nil, errors.New("invalid base topic. can only contain letters, numbers and underscores")
	}
	cfg.MQTT.BaseTopic = baseTopic

	// check and fix homeassistant discovery topic
	hadBaseTopic, err := config.CheckMQTTTopic(cfg.MQTT.HADiscoveryTopic)
	if err != nil {
		return nil, errors.New("invalid homeassistant discovery topic. can only contain letters, numbers and underscores")
	}
	cfg.MQTT.HADiscoveryTopic = hadBaseTopic

	// check bounds
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}

func openRepository(cfg *config.Config, logger *zap.Logger) (port.EntryRepository, io.Closer, error) {
	switch cfg.Store.Driver {
	case config.STORE_DRIVER_POSTGRES:
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		repo, err := store.OpenPostgres(ctx, cfg.Store.DSN, logger)
		if err != nil {
			return nil, nil, err
		}
		return repo, repo, nil
	default:
		repo, err := store.NewFileRepository(cfg.Store.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		return repo, closerFunc(func() error { return nil }), nil
	}
}

func gatewayActorProvider(client *gridsense.Client, logger *zap.Logger) actor.GatewayActorProvider {
	return func() *adactor.GatewayActor {
		return adactor.NewGatewayActor(client, logger)
	}
}

func mqttActorProvider(cfg *config.Config, logger *zap.Logger) actor.MQTTActorProvider {
	return func(es *eventstream.EventStream) *adactor.MQTTActor {
		return adactor.NewMQTTActor(cfg, es, logger)
	}
}

func influxDBActorProvider(cfg *config.Config, logger *zap.Logger) actor.InfluxDBActorProvider {
	return func(es *eventstream.EventStream) *adactor.InfluxDBActor {
		return adactor.NewInfluxDBActor(cfg.InfluxDB, es, nil, logger)
	}
}

func natsActorProvider(cfg *config.Config, logger *zap.Logger) actor.NATSActorProvider {
	return func(es *eventstream.EventStream) *adactor.NATSActor {
		return adactor.NewNATSActor(cfg.NATS, es, nil, logger)
	}
}

func setConfigDefaults() {
	viper.SetDefault("log_level", "warn")
	viper.SetDefault("gateway.port", gridsense.DEFAULT_PORT)
	viper.SetDefault("gateway.scan_interval_seconds", 30)
	viper.SetDefault("gateway.request_timeout_seconds", 15)
	viper.SetDefault("mqtt.host", "localhost")
	viper.SetDefault("mqtt.port", 1883)
	viper.SetDefault("mqtt.ha_discovery_enable", true)
	viper.SetDefault("mqtt.base_topic", "gridsense")
	viper.SetDefault("mqtt.ha_discovery_topic", "homeassistant")
	viper.SetDefault("store.driver", config.STORE_DRIVER_FILE)
	viper.SetDefault("store.path", "data/gridsense_entries.yaml")
	viper.SetDefault("store.dsn", "")
	viper.SetDefault("discovery.enable", true)
	viper.SetDefault("discovery.service", "_gridsense._tcp")
	viper.SetDefault("discovery.domain", "local.")
	viper.SetDefault("discovery.interval_seconds", 300)
	viper.SetDefault("discovery.browse_timeout_seconds", 5)
	viper.SetDefault("discovery.auto_confirm", false)
	viper.SetDefault("influxdb.enable", false)
	viper.SetDefault("influxdb.url", "http://localhost:8086")
	viper.SetDefault("influxdb.token", "")
	viper.SetDefault("influxdb.org", "")
	viper.SetDefault("influxdb.bucket", "gridsense")
	viper.SetDefault("nats.enable", false)
	viper.SetDefault("nats.url", "nats://localhost:4222")
	viper.SetDefault("nats.subject_prefix", "gridsense")
	viper.SetDefault("http_log", false)
	viper.SetDefault("port", 8080)
}

func safePrintConfig(cfg config.Config) {
	cfg.MQTT.Username = "*redacted*"
	cfg.MQTT.Password = "*redacted*"
	if cfg.Store.DSN != "" {
		cfg.Store.DSN = "*redacted*"
	}
	if cfg.InfluxDB.Token != "" {
		cfg.InfluxDB.Token = "*redacted*"
	}
	slog.Info("Using", "config", cfg)
}
