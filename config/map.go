package config

import (
	"strings"

	"github.com/vinayprograms/agentrelay/delivery"
	"github.com/vinayprograms/agentrelay/events"
	"github.com/vinayprograms/agentrelay/heartbeat"
	"github.com/vinayprograms/agentrelay/logging"
	"github.com/vinayprograms/agentrelay/router"
	"github.com/vinayprograms/agentrelay/telemetry"
)

// Level returns the configured console log level.
func (c *Config) Level() logging.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// Logger builds a logger honoring the configured level.
func (c *Config) Logger() *logging.Logger {
	logger := logging.New()
	logger.SetLevel(c.Level())
	return logger
}

// RouterConfig maps the [router] section onto a router configuration.
// Collaborators (registry, delivery channel, bus) are the caller's to
// wire.
func (c *Config) RouterConfig() router.Config {
	sec := c.Router

	rates := make(map[events.Priority]int, len(sec.DispatchRates))
	for name, rate := range sec.DispatchRates {
		rates[events.Priority(name)] = rate
	}

	return router.Config{
		QueueCapacity:   sec.QueueCapacity,
		DispatchRates:   rates,
		RetryBaseDelay:  sec.RetryBaseDelay.Duration,
		MaxRetries:      sec.MaxRetries,
		DeliverTimeout:  sec.DeliverTimeout.Duration,
		DequeueInterval: sec.DequeueInterval.Duration,
		RetryInterval:   sec.RetryInterval.Duration,
		StatsInterval:   sec.StatsInterval.Duration,
		BroadcastTypes:  sec.BroadcastTypes,
		Logger:          c.Logger(),
	}
}

// BusConfig maps the [events] section onto a bus configuration.
func (c *Config) BusConfig() events.Config {
	sec := c.Events
	return events.Config{
		BufferSize:          sec.BufferSize,
		HistorySize:         sec.HistorySize,
		ReplaySize:          sec.ReplaySize,
		BatchQueueSize:      sec.BatchQueueSize,
		FlushInterval:       sec.FlushInterval.Duration,
		MaintenanceInterval: sec.MaintenanceInterval.Duration,
		ReplayDelay:         sec.ReplayDelay.Duration,
		IdleThreshold:       sec.IdleThreshold.Duration,
		DeliverTimeout:      sec.DeliverTimeout.Duration,
		Logger:              c.Logger(),
	}
}

// NATSConfig maps the [nats] section onto a NATS channel
// configuration.
func (c *Config) NATSConfig() delivery.NATSConfig {
	sec := c.NATS
	return delivery.NATSConfig{
		Config: delivery.Config{
			BufferSize: sec.BufferSize,
			AckTimeout: sec.AckTimeout.Duration,
		},
		URL:            sec.URL,
		Name:           sec.Name,
		Token:          sec.Token,
		User:           sec.User,
		Password:       sec.Password,
		ReconnectWait:  sec.ReconnectWait.Duration,
		MaxReconnects:  sec.MaxReconnects,
		ConnectTimeout: sec.ConnectTimeout.Duration,
	}
}

// SenderConfig maps the [heartbeat] section onto a beat sender
// configuration. Bus and AgentID are the caller's to fill.
func (c *Config) SenderConfig() heartbeat.SenderConfig {
	return heartbeat.SenderConfig{
		Interval: c.Heartbeat.Interval.Duration,
		Logger:   c.Logger(),
	}
}

// MonitorConfig maps the [heartbeat] section onto a silence monitor
// configuration. Bus and Registry are the caller's to fill.
func (c *Config) MonitorConfig() heartbeat.MonitorConfig {
	return heartbeat.MonitorConfig{
		Timeout:       c.Heartbeat.Timeout.Duration,
		CheckInterval: c.Heartbeat.CheckInterval.Duration,
		Logger:        c.Logger(),
	}
}

// TelemetryConfig maps the [telemetry] section onto a provider
// configuration. Check Telemetry.Enabled before initializing the
// provider.
func (c *Config) TelemetryConfig() telemetry.ProviderConfig {
	sec := c.Telemetry
	return telemetry.ProviderConfig{
		ServiceName:    sec.ServiceName,
		ServiceVersion: sec.ServiceVersion,
		Endpoint:       sec.Endpoint,
		Protocol:       sec.Protocol,
		Insecure:       sec.Insecure,
		Debug:          sec.Debug,
		Headers:        sec.Headers,
		SampleRatio:    sec.SampleRatio,
		BatchTimeout:   sec.BatchTimeout.Duration,
		ExportTimeout:  sec.ExportTimeout.Duration,
	}
}
