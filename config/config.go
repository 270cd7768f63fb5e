package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vinayprograms/agentrelay/delivery"
	"github.com/vinayprograms/agentrelay/events"
	"github.com/vinayprograms/agentrelay/heartbeat"
	"github.com/vinayprograms/agentrelay/router"
)

// Common errors.
var (
	ErrInvalid = errors.New("invalid configuration")
)

// Duration decodes TOML duration strings like "500ms" or "1m30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the relay configuration file. Absent keys keep the
// defaults baked in by New, so a partial file tunes only what it
// names.
type Config struct {
	// LogLevel sets the minimum console log level: debug, info, warn,
	// or error.
	LogLevel string `toml:"log_level"`

	Router    RouterSection    `toml:"router"`
	Events    EventsSection    `toml:"events"`
	NATS      NATSSection      `toml:"nats"`
	Heartbeat HeartbeatSection `toml:"heartbeat"`
	Telemetry TelemetrySection `toml:"telemetry"`
}

// RouterSection tunes the message router.
type RouterSection struct {
	QueueCapacity   int      `toml:"queue_capacity"`
	RetryBaseDelay  Duration `toml:"retry_base_delay"`
	MaxRetries      int      `toml:"max_retries"`
	DeliverTimeout  Duration `toml:"deliver_timeout"`
	DequeueInterval Duration `toml:"dequeue_interval"`
	RetryInterval   Duration `toml:"retry_interval"`
	StatsInterval   Duration `toml:"stats_interval"`
	BroadcastTypes  []string `toml:"broadcast_types"`

	// DispatchRates maps priority names to per-second drain rates.
	// Keys from a file merge over the defaults.
	DispatchRates map[string]int `toml:"dispatch_rates"`
}

// EventsSection tunes the event bus.
type EventsSection struct {
	BufferSize          int      `toml:"buffer_size"`
	HistorySize         int      `toml:"history_size"`
	ReplaySize          int      `toml:"replay_size"`
	BatchQueueSize      int      `toml:"batch_queue_size"`
	FlushInterval       Duration `toml:"flush_interval"`
	MaintenanceInterval Duration `toml:"maintenance_interval"`
	ReplayDelay         Duration `toml:"replay_delay"`
	IdleThreshold       Duration `toml:"idle_threshold"`
	DeliverTimeout      Duration `toml:"deliver_timeout"`
}

// NATSSection configures the NATS delivery channel.
type NATSSection struct {
	URL            string   `toml:"url"`
	Name           string   `toml:"name"`
	Token          string   `toml:"token"`
	User           string   `toml:"user"`
	Password       string   `toml:"password"`
	ReconnectWait  Duration `toml:"reconnect_wait"`
	MaxReconnects  int      `toml:"max_reconnects"`
	ConnectTimeout Duration `toml:"connect_timeout"`
	BufferSize     int      `toml:"buffer_size"`
	AckTimeout     Duration `toml:"ack_timeout"`
}

// HeartbeatSection tunes liveness beats and the silence monitor.
type HeartbeatSection struct {
	Interval      Duration `toml:"interval"`
	Timeout       Duration `toml:"timeout"`
	CheckInterval Duration `toml:"check_interval"`
}

// TelemetrySection configures tracing export. Disabled unless
// enabled is set.
type TelemetrySection struct {
	Enabled        bool              `toml:"enabled"`
	ServiceName    string            `toml:"service_name"`
	ServiceVersion string            `toml:"service_version"`
	Endpoint       string            `toml:"endpoint"`
	Protocol       string            `toml:"protocol"`
	Insecure       bool              `toml:"insecure"`
	Debug          bool              `toml:"debug"`
	Headers        map[string]string `toml:"headers"`
	SampleRatio    float64           `toml:"sample_ratio"`
	BatchTimeout   Duration          `toml:"batch_timeout"`
	ExportTimeout  Duration          `toml:"export_timeout"`
}

// New returns a configuration carrying every component's defaults.
func New() *Config {
	rc := router.DefaultConfig()
	bc := events.DefaultConfig()
	nc := delivery.DefaultNATSConfig()
	hs := heartbeat.DefaultSenderConfig()
	hm := heartbeat.DefaultMonitorConfig()

	rates := make(map[string]int, len(rc.DispatchRates))
	for p, n := range rc.DispatchRates {
		rates[string(p)] = n
	}

	return &Config{
		LogLevel: "info",
		Router: RouterSection{
			QueueCapacity:   rc.QueueCapacity,
			RetryBaseDelay:  Duration{rc.RetryBaseDelay},
			MaxRetries:      rc.MaxRetries,
			DeliverTimeout:  Duration{rc.DeliverTimeout},
			DequeueInterval: Duration{rc.DequeueInterval},
			RetryInterval:   Duration{rc.RetryInterval},
			StatsInterval:   Duration{rc.StatsInterval},
			DispatchRates:   rates,
		},
		Events: EventsSection{
			BufferSize:          bc.BufferSize,
			HistorySize:         bc.HistorySize,
			ReplaySize:          bc.ReplaySize,
			BatchQueueSize:      bc.BatchQueueSize,
			FlushInterval:       Duration{bc.FlushInterval},
			MaintenanceInterval: Duration{bc.MaintenanceInterval},
			ReplayDelay:         Duration{bc.ReplayDelay},
			IdleThreshold:       Duration{bc.IdleThreshold},
			DeliverTimeout:      Duration{bc.DeliverTimeout},
		},
		NATS: NATSSection{
			URL:            nc.URL,
			ReconnectWait:  Duration{nc.ReconnectWait},
			MaxReconnects:  nc.MaxReconnects,
			ConnectTimeout: Duration{nc.ConnectTimeout},
			BufferSize:     nc.BufferSize,
			AckTimeout:     Duration{nc.AckTimeout},
		},
		Heartbeat: HeartbeatSection{
			Interval:      Duration{hs.Interval},
			Timeout:       Duration{hm.Timeout},
			CheckInterval: Duration{hm.CheckInterval},
		},
		Telemetry: TelemetrySection{
			ServiceName: "agentrelay",
			Protocol:    "grpc",
		},
	}
}

// Validate rejects values that cannot be mapped onto components.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log_level %q", ErrInvalid, c.LogLevel)
	}

	for name, rate := range c.Router.DispatchRates {
		if !events.Priority(name).Valid() {
			return fmt.Errorf("%w: unknown priority %q in dispatch_rates", ErrInvalid, name)
		}
		if rate < 0 {
			return fmt.Errorf("%w: negative dispatch rate for %q", ErrInvalid, name)
		}
	}

	// An empty endpoint is fine: the provider falls back to
	// OTEL_EXPORTER_OTLP_ENDPOINT.
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("%w: unknown telemetry protocol %q", ErrInvalid, c.Telemetry.Protocol)
	}

	return nil
}
