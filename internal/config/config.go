package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
	StdoutTraces   bool   `yaml:"stdout_traces"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	ClientName    string              `yaml:"client_name"`
	Environment   string              `yaml:"environment"`
	HTTP          HTTPConfig          `yaml:"http"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
	Session       SessionConfig       `yaml:"session"`
	Credentials   CredentialsConfig   `yaml:"credentials"`
	ResultChannel ResultChannelConfig `yaml:"result_channel"`
	Relay         RelayConfig         `yaml:"relay"`
	Capture       CaptureConfig       `yaml:"capture"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Status        StatusConfig        `yaml:"status"`
	Loopback      LoopbackConfig      `yaml:"loopback"`
}

// SessionConfig selects the transport strategy and failure policy.
type SessionConfig struct {
	Transport       string `yaml:"transport"`      // relay, direct, hybrid
	DeviceFailure   string `yaml:"device_failure"` // fatal, degrade
	Language        string `yaml:"language"`
	LevelIntervalMS int    `yaml:"level_interval_ms"`
	AutoConnect     bool   `yaml:"auto_connect"`
}

type CredentialsConfig struct {
	Endpoint        string `yaml:"endpoint"`
	RoomName        string `yaml:"room_name"`
	ParticipantName string `yaml:"participant_name"`
	TimeoutMS       int    `yaml:"timeout_ms"`
}

type ResultChannelConfig struct {
	URL                string `yaml:"url"`
	HandshakeTimeoutMS int    `yaml:"handshake_timeout_ms"`
	WriteTimeoutMS     int    `yaml:"write_timeout_ms"`
}

type RelayConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type CaptureConfig struct {
	Mode            string `yaml:"mode"` // silence, exec, wav, audiosocket
	Command         string `yaml:"command"`
	File            string `yaml:"file"`
	Listen          string `yaml:"listen"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	FrameDurationMS int    `yaml:"frame_duration_ms"`
	Loop            bool   `yaml:"loop"`
}

type ArchiveConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type StatusConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// LoopbackConfig runs a development recognizer on the relay: it consumes the
// audio frames clients publish and answers with transcripts on the room's
// data subject.
type LoopbackConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Recognizer     string `yaml:"recognizer"` // mock, exec
	Command        string `yaml:"command"`
	PartialEveryMS int    `yaml:"partial_every_ms"`
	SegmentMS      int    `yaml:"segment_ms"`
}

func Default() Config {
	return Config{
		ClientName:  "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8090,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPInsecure:   true,
			PrometheusBind: ":9092",
		},
		Session: SessionConfig{
			Transport:       "direct",
			DeviceFailure:   "fatal",
			Language:        "en",
			LevelIntervalMS: 50,
		},
		Credentials: CredentialsConfig{
			TimeoutMS: 5000,
		},
		ResultChannel: ResultChannelConfig{
			URL:                "ws://localhost:8000/ws",
			HandshakeTimeoutMS: 5000,
			WriteTimeoutMS:     2000,
		},
		Relay: RelayConfig{
			Embedded:       false,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Capture: CaptureConfig{
			Mode:            "silence",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 100,
		},
		Archive: ArchiveConfig{
			Path:          "./data/loqa-scribe.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Status: StatusConfig{
			ChannelPrefix: "scribe.session",
		},
		Loopback: LoopbackConfig{
			Recognizer:     "mock",
			PartialEveryMS: 500,
			SegmentMS:      3000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.ClientName, "LOQA_SCRIBE_CLIENT_NAME")
	overrideString(&cfg.Environment, "LOQA_SCRIBE_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_SCRIBE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Telemetry.StdoutTraces, "LOQA_SCRIBE_TELEMETRY_STDOUT_TRACES")
	overrideString(&cfg.Session.Transport, "LOQA_SCRIBE_SESSION_TRANSPORT")
	overrideString(&cfg.Session.DeviceFailure, "LOQA_SCRIBE_SESSION_DEVICE_FAILURE")
	overrideString(&cfg.Session.Language, "LOQA_SCRIBE_SESSION_LANGUAGE")
	overrideInt(&cfg.Session.LevelIntervalMS, "LOQA_SCRIBE_SESSION_LEVEL_INTERVAL_MS")
	overrideBool(&cfg.Session.AutoConnect, "LOQA_SCRIBE_SESSION_AUTO_CONNECT")
	overrideString(&cfg.Credentials.Endpoint, "LOQA_SCRIBE_CREDENTIALS_ENDPOINT")
	overrideString(&cfg.Credentials.RoomName, "LOQA_SCRIBE_CREDENTIALS_ROOM_NAME")
	overrideString(&cfg.Credentials.ParticipantName, "LOQA_SCRIBE_CREDENTIALS_PARTICIPANT_NAME")
	overrideInt(&cfg.Credentials.TimeoutMS, "LOQA_SCRIBE_CREDENTIALS_TIMEOUT_MS")
	overrideString(&cfg.ResultChannel.URL, "LOQA_SCRIBE_RESULT_CHANNEL_URL")
	overrideInt(&cfg.ResultChannel.HandshakeTimeoutMS, "LOQA_SCRIBE_RESULT_CHANNEL_HANDSHAKE_TIMEOUT_MS")
	overrideInt(&cfg.ResultChannel.WriteTimeoutMS, "LOQA_SCRIBE_RESULT_CHANNEL_WRITE_TIMEOUT_MS")
	overrideBool(&cfg.Relay.Embedded, "LOQA_SCRIBE_RELAY_EMBEDDED")
	overrideInt(&cfg.Relay.Port, "LOQA_SCRIBE_RELAY_PORT")
	overrideString(&cfg.Relay.StoreDir, "LOQA_SCRIBE_RELAY_STORE_DIR")
	overrideStringSlice(&cfg.Relay.Servers, "LOQA_SCRIBE_RELAY_SERVERS")
	overrideString(&cfg.Relay.Username, "LOQA_SCRIBE_RELAY_USERNAME")
	overrideString(&cfg.Relay.Password, "LOQA_SCRIBE_RELAY_PASSWORD")
	overrideString(&cfg.Relay.Token, "LOQA_SCRIBE_RELAY_TOKEN")
	overrideBool(&cfg.Relay.TLSInsecure, "LOQA_SCRIBE_RELAY_TLS_INSECURE")
	overrideInt(&cfg.Relay.ConnectTimeout, "LOQA_SCRIBE_RELAY_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Capture.Mode, "LOQA_SCRIBE_CAPTURE_MODE")
	overrideString(&cfg.Capture.Command, "LOQA_SCRIBE_CAPTURE_COMMAND")
	overrideString(&cfg.Capture.File, "LOQA_SCRIBE_CAPTURE_FILE")
	overrideString(&cfg.Capture.Listen, "LOQA_SCRIBE_CAPTURE_LISTEN")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_SCRIBE_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LOQA_SCRIBE_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.FrameDurationMS, "LOQA_SCRIBE_CAPTURE_FRAME_DURATION_MS")
	overrideBool(&cfg.Capture.Loop, "LOQA_SCRIBE_CAPTURE_LOOP")
	overrideString(&cfg.Archive.Path, "LOQA_SCRIBE_ARCHIVE_PATH")
	overrideString(&cfg.Archive.RetentionMode, "LOQA_SCRIBE_ARCHIVE_RETENTION_MODE")
	overrideInt(&cfg.Archive.RetentionDays, "LOQA_SCRIBE_ARCHIVE_RETENTION_DAYS")
	overrideInt(&cfg.Archive.MaxSessions, "LOQA_SCRIBE_ARCHIVE_MAX_SESSIONS")
	overrideBool(&cfg.Archive.VacuumOnStart, "LOQA_SCRIBE_ARCHIVE_VACUUM_ON_START")
	overrideString(&cfg.Status.RedisAddr, "LOQA_SCRIBE_STATUS_REDIS_ADDR")
	overrideString(&cfg.Status.ChannelPrefix, "LOQA_SCRIBE_STATUS_CHANNEL_PREFIX")
	overrideBool(&cfg.Loopback.Enabled, "LOQA_SCRIBE_LOOPBACK_ENABLED")
	overrideString(&cfg.Loopback.Recognizer, "LOQA_SCRIBE_LOOPBACK_RECOGNIZER")
	overrideString(&cfg.Loopback.Command, "LOQA_SCRIBE_LOOPBACK_COMMAND")
	overrideInt(&cfg.Loopback.PartialEveryMS, "LOQA_SCRIBE_LOOPBACK_PARTIAL_EVERY_MS")
	overrideInt(&cfg.Loopback.SegmentMS, "LOQA_SCRIBE_LOOPBACK_SEGMENT_MS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

// Validate reports the first configuration problem found.
func Validate(cfg Config) error {
	if cfg.ClientName == "" {
		return errors.New("client_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}

	switch cfg.Session.Transport {
	case "relay", "direct", "hybrid":
	default:
		return errors.New("session.transport must be one of relay|direct|hybrid")
	}
	switch cfg.Session.DeviceFailure {
	case "fatal", "degrade":
	default:
		return errors.New("session.device_failure must be one of fatal|degrade")
	}
	if cfg.Session.LevelIntervalMS <= 0 {
		return errors.New("session.level_interval_ms must be positive")
	}

	usesRelay := cfg.Session.Transport == "relay" || cfg.Session.Transport == "hybrid"
	usesResult := cfg.Session.Transport == "direct" || cfg.Session.Transport == "hybrid"
	if usesRelay {
		// relay transports join a room: either the token service names it or
		// the config does
		if cfg.Credentials.Endpoint == "" && cfg.Credentials.RoomName == "" {
			return errors.New("credentials.endpoint or credentials.room_name must be set when transport uses the relay")
		}
		if cfg.Relay.Embedded {
			if cfg.Relay.Port <= 0 || cfg.Relay.Port > 65535 {
				return errors.New("relay.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Relay.Servers) == 0 {
			return errors.New("relay.servers must not be empty when embedded mode is disabled")
		}
	}
	if usesResult && cfg.ResultChannel.URL == "" {
		return errors.New("result_channel.url must be set when transport uses the result channel")
	}
	if cfg.Credentials.TimeoutMS < 0 {
		return errors.New("credentials.timeout_ms must be >= 0")
	}

	switch cfg.Capture.Mode {
	case "silence":
	case "exec":
		if cfg.Capture.Command == "" {
			return errors.New("capture.command must be set when mode=exec")
		}
	case "wav":
		if cfg.Capture.File == "" {
			return errors.New("capture.file must be set when mode=wav")
		}
	case "audiosocket":
		if cfg.Capture.Listen == "" {
			return errors.New("capture.listen must be set when mode=audiosocket")
		}
	default:
		return errors.New("capture.mode must be one of silence|exec|wav|audiosocket")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.FrameDurationMS <= 0 {
		return errors.New("capture.frame_duration_ms must be positive")
	}

	switch cfg.Archive.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.Archive.Path == "" {
			return errors.New("archive.path must not be empty")
		}
	default:
		return errors.New("archive.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.Archive.RetentionDays < 0 {
		return errors.New("archive.retention_days must be >= 0")
	}
	if cfg.Status.RedisAddr != "" && cfg.Status.ChannelPrefix == "" {
		return errors.New("status.channel_prefix must not be empty when redis_addr is set")
	}

	if cfg.Loopback.Enabled {
		switch cfg.Loopback.Recognizer {
		case "mock":
		case "exec":
			if cfg.Loopback.Command == "" {
				return errors.New("loopback.command must be set when recognizer=exec")
			}
		default:
			return errors.New("loopback.recognizer must be one of mock|exec")
		}
		if cfg.Loopback.SegmentMS <= 0 {
			return errors.New("loopback.segment_ms must be positive")
		}
		if !cfg.Relay.Embedded && len(cfg.Relay.Servers) == 0 {
			return errors.New("loopback requires relay.embedded or relay.servers")
		}
	}
	return nil
}
