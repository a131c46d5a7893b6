package util

import (
	"github.com/gridsense/gridsense2mqtt/internal/config"

	"go.uber.org/zap"
)

func LoadTestConfig() config.Config {
	return config.Config{
		LogLevel: zap.DebugLevel,
		Gateway: config.GatewayConfig{
			Port:                  3000,
			ScanIntervalSeconds:   30,
			RequestTimeoutSeconds: 15,
		},
		MQTT: config.MQTTConfig{
			Host:              "localhost",
			Port:              1883,
			BaseTopic:         "gridsense",
			HADiscoveryEnable: true,
			HADiscoveryTopic:  "homeassistant",
		},
		Store: config.StoreConfig{
			Driver: config.STORE_DRIVER_FILE,
			Path:   "gridsense_entries.yaml",
		},
		Discovery: config.DiscoveryConfig{
			Service:              "_gridsense._tcp",
			Domain:               "local.",
			IntervalSeconds:      300,
			BrowseTimeoutSeconds: 5,
		},
		NATS: config.NATSConfig{
			SubjectPrefix: "gridsense",
		},
		Port: 8080,
	}
}
