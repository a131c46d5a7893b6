package config

import (
	"errors"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
)

const (
	STORE_DRIVER_FILE     = "file"
	STORE_DRIVER_POSTGRES = "postgres"
)

type Config struct {
	LogLevel  zapcore.Level
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Store     StoreConfig     `mapstructure:"store"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	InfluxDB  InfluxDBConfig  `mapstructure:"influxdb"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Port      uint            `mapstructure:"port"`
	HttpLog   bool            `mapstructure:"http_log"`
}

type GatewayConfig struct {
	Port                  uint   `mapstructure:"port"`
	ScanIntervalSeconds   uint32 `mapstructure:"scan_interval_seconds"`
	RequestTimeoutSeconds uint32 `mapstructure:"request_timeout_seconds"`
}

func (c GatewayConfig) ScanInterval() time.Duration {
	return time.Duration(c.ScanIntervalSeconds) * time.Second
}

func (c GatewayConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	DSN    string `mapstructure:"dsn"`
}

type DiscoveryConfig struct {
	Enable               bool   `mapstructure:"enable"`
	Service              string `mapstructure:"service"`
	Domain               string `mapstructure:"domain"`
	IntervalSeconds      uint32 `mapstructure:"interval_seconds"`
	BrowseTimeoutSeconds uint32 `mapstructure:"browse_timeout_seconds"`
	AutoConfirm          bool   `mapstructure:"auto_confirm"`
}

type MQTTConfig struct {
	Host              string
	Port              int
	Username          string
	Password          string
	BaseTopic         string `mapstructure:"base_topic"`
	HADiscoveryEnable bool   `mapstructure:"ha_discovery_enable"`
	HADiscoveryTopic  string `mapstructure:"ha_discovery_topic"`
}

type InfluxDBConfig struct {
	Enable bool   `mapstructure:"enable"`
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`
}

type NATSConfig struct {
	Enable        bool   `mapstructure:"enable"`
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

func CheckMQTTTopic(baseTopic string) (string, error) {
	// check and fix base topic
	lowerBaseTopic := strings.ToLower(baseTopic)
	baseTopicRegexp := regexp.MustCompile("^[a-z0-9_]+$")
	matches := baseTopicRegexp.FindAllStringSubmatch(lowerBaseTopic, 1)
	if len(matches) <= 0 {
		return "", errors.New("invalid topic. can only contain letters, numbers and underscores")
	}
	return lowerBaseTopic, nil
}

// Validate checks bounds that viper defaults cannot enforce.
func (cfg *Config) Validate() error {
	if cfg.Gateway.Port == 0 || cfg.Gateway.Port > 65535 {
		return errors.New("config param gateway.port should be in 1..65535")
	}
	if cfg.Gateway.ScanIntervalSeconds < 5 {
		return errors.New("config param gateway.scan_interval_seconds should be >= 5")
	}
	if cfg.Gateway.RequestTimeoutSeconds < 1 {
		return errors.New("config param gateway.request_timeout_seconds should be >= 1")
	}
	if cfg.Gateway.RequestTimeoutSeconds >= cfg.Gateway.ScanIntervalSeconds {
		return errors.New("config param gateway.request_timeout_seconds must be < gateway.scan_interval_seconds")
	}
	switch cfg.Store.Driver {
	case STORE_DRIVER_FILE:
		if cfg.Store.Path == "" {
			return errors.New("config param store.path is required for the file driver")
		}
	case STORE_DRIVER_POSTGRES:
		if cfg.Store.DSN == "" {
			return errors.New("config param store.dsn is required for the postgres driver")
		}
	default:
		return errors.New("config param store.driver should be one of: file, postgres")
	}
	if cfg.Discovery.Enable {
		if cfg.Discovery.IntervalSeconds < 30 {
			return errors.New("config param discovery.interval_seconds should be >= 30")
		}
		if cfg.Discovery.BrowseTimeoutSeconds < 1 || cfg.Discovery.BrowseTimeoutSeconds >= cfg.Discovery.IntervalSeconds {
			return errors.New("config param discovery.browse_timeout_seconds should be >= 1 and < discovery.interval_seconds")
		}
	}
	if cfg.InfluxDB.Enable && (cfg.InfluxDB.URL == "" || cfg.InfluxDB.Org == "" || cfg.InfluxDB.Bucket == "") {
		return errors.New("config params influxdb.url, influxdb.org and influxdb.bucket are required when influxdb is enabled")
	}
	if cfg.NATS.Enable && cfg.NATS.SubjectPrefix == "" {
		return errors.New("config param nats.subject_prefix is required when nats is enabled")
	}
	return nil
}
