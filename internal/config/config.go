package config

import (
	"errors"
	"fmt"
	"log/slog"
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
	TraceStdout    bool   `yaml:"trace_stdout"`
	// TraceSampleRatio is the share of root spans kept, 0 to 1.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// Level maps LogLevel onto a slog level. Unknown names are info.
func (t TelemetryConfig) Level() slog.Level {
	switch strings.ToLower(strings.TrimSpace(t.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Providers   ProvidersConfig  `yaml:"providers"`
	Cache       CacheConfig      `yaml:"cache"`
	Buffer      BufferConfig     `yaml:"buffer"`
	Segmenter   SegmenterConfig  `yaml:"segmenter"`
	TTS         TTSConfig        `yaml:"tts"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
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

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// ProviderConfig describes one remote text source. Order in the list is the
// fallback order.
type ProviderConfig struct {
	Name    string `yaml:"name"` // bibleapi, labs, getbible
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
}

type ProvidersConfig struct {
	TimeoutMS     int              `yaml:"timeout_ms"`
	MinTextLength int              `yaml:"min_text_length"`
	UserAgent     string           `yaml:"user_agent"`
	Sources       []ProviderConfig `yaml:"sources"`
}

type CacheConfig struct {
	Enabled    bool `yaml:"enabled"`
	Size       int  `yaml:"size"`
	TTLMinutes int  `yaml:"ttl_minutes"`
}

type BufferConfig struct {
	Capacity     int `yaml:"capacity"`
	LowWatermark int `yaml:"low_watermark"`
}

type SegmenterConfig struct {
	ChunkSize int `yaml:"chunk_size"`
}

type TTSConfig struct {
	Mode         string  `yaml:"mode"` // mock, exec
	Command      string  `yaml:"command"`
	ModelsDir    string  `yaml:"models_dir"`
	DefaultModel string  `yaml:"default_model"`
	DefaultVoice string  `yaml:"default_voice"`
	DefaultSpeed float64 `yaml:"default_speed"`
	SampleRate   int     `yaml:"sample_rate"`
	Channels     int     `yaml:"channels"`
	TimeoutMS    int     `yaml:"timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "scriptured",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 5003,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			PrometheusBind:   ":9091",
			TraceSampleRatio: 1,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/scripture-events.db",
			RetentionMode: "ephemeral",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Providers: ProvidersConfig{
			TimeoutMS:     10000,
			MinTextLength: 100,
			UserAgent:     "scriptured/0.1",
			Sources: []ProviderConfig{
				{Name: "bibleapi", Enabled: true, BaseURL: "https://bible-api.com"},
				{Name: "labs", Enabled: true, BaseURL: "https://labs.bible.org/api/"},
				{Name: "getbible", Enabled: true, BaseURL: "https://getbible.net/json"},
			},
		},
		Cache: CacheConfig{
			Enabled:    true,
			Size:       64,
			TTLMinutes: 60,
		},
		Buffer: BufferConfig{
			Capacity:     3,
			LowWatermark: 2,
		},
		Segmenter: SegmenterConfig{
			ChunkSize: 3,
		},
		TTS: TTSConfig{
			Mode:         "mock",
			ModelsDir:    "./kokoro_models",
			DefaultModel: "kokoro-v1.0",
			DefaultVoice: "af_sky",
			DefaultSpeed: 1.0,
			SampleRate:   24000,
			Channels:     1,
			TimeoutMS:    60000,
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
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SCRIPTURE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIPTURE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIPTURE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIPTURE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIPTURE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIPTURE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIPTURE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SCRIPTURE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Telemetry.TraceStdout, "SCRIPTURE_TELEMETRY_TRACE_STDOUT")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "SCRIPTURE_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideBool(&cfg.Bus.Enabled, "SCRIPTURE_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SCRIPTURE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIPTURE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SCRIPTURE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIPTURE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIPTURE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIPTURE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIPTURE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIPTURE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIPTURE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "SCRIPTURE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SCRIPTURE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SCRIPTURE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SCRIPTURE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SCRIPTURE_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Providers.TimeoutMS, "SCRIPTURE_PROVIDERS_TIMEOUT_MS")
	overrideInt(&cfg.Providers.MinTextLength, "SCRIPTURE_PROVIDERS_MIN_TEXT_LENGTH")
	overrideString(&cfg.Providers.UserAgent, "SCRIPTURE_PROVIDERS_USER_AGENT")
	overrideBool(&cfg.Cache.Enabled, "SCRIPTURE_CACHE_ENABLED")
	overrideInt(&cfg.Cache.Size, "SCRIPTURE_CACHE_SIZE")
	overrideInt(&cfg.Cache.TTLMinutes, "SCRIPTURE_CACHE_TTL_MINUTES")
	overrideInt(&cfg.Buffer.Capacity, "SCRIPTURE_BUFFER_CAPACITY")
	overrideInt(&cfg.Buffer.LowWatermark, "SCRIPTURE_BUFFER_LOW_WATERMARK")
	overrideInt(&cfg.Segmenter.ChunkSize, "SCRIPTURE_SEGMENTER_CHUNK_SIZE")
	overrideString(&cfg.TTS.Mode, "SCRIPTURE_TTS_MODE")
	overrideString(&cfg.TTS.Command, "SCRIPTURE_TTS_COMMAND")
	overrideString(&cfg.TTS.ModelsDir, "SCRIPTURE_TTS_MODELS_DIR")
	overrideString(&cfg.TTS.DefaultModel, "SCRIPTURE_TTS_DEFAULT_MODEL")
	overrideString(&cfg.TTS.DefaultVoice, "SCRIPTURE_TTS_DEFAULT_VOICE")
	overrideFloat(&cfg.TTS.DefaultSpeed, "SCRIPTURE_TTS_DEFAULT_SPEED")
	overrideInt(&cfg.TTS.SampleRate, "SCRIPTURE_TTS_SAMPLE_RATE")
	overrideInt(&cfg.TTS.Channels, "SCRIPTURE_TTS_CHANNELS")
	overrideInt(&cfg.TTS.TimeoutMS, "SCRIPTURE_TTS_TIMEOUT_MS")
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

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Providers.TimeoutMS <= 0 {
		return errors.New("providers.timeout_ms must be positive")
	}
	if cfg.Providers.MinTextLength < 0 {
		return errors.New("providers.min_text_length must be >= 0")
	}
	enabled := 0
	for i, src := range cfg.Providers.Sources {
		switch src.Name {
		case "bibleapi", "labs", "getbible":
		default:
			return fmt.Errorf("providers.sources[%d].name must be one of bibleapi|labs|getbible", i)
		}
		if src.Enabled {
			if src.BaseURL == "" {
				return fmt.Errorf("providers.sources[%d].base_url must be set", i)
			}
			enabled++
		}
	}
	if enabled == 0 {
		return errors.New("providers.sources must enable at least one provider")
	}
	if cfg.Cache.Enabled {
		if cfg.Cache.Size <= 0 {
			return errors.New("cache.size must be positive when cache is enabled")
		}
		if cfg.Cache.TTLMinutes < 0 {
			return errors.New("cache.ttl_minutes must be >= 0")
		}
	}
	if cfg.Buffer.Capacity <= 0 {
		return errors.New("buffer.capacity must be positive")
	}
	if cfg.Buffer.LowWatermark <= 0 || cfg.Buffer.LowWatermark > cfg.Buffer.Capacity {
		return errors.New("buffer.low_watermark must be between 1 and buffer.capacity")
	}
	if cfg.Segmenter.ChunkSize <= 0 {
		return errors.New("segmenter.chunk_size must be positive")
	}
	switch cfg.TTS.Mode {
	case "mock", "exec":
	default:
		return errors.New("tts.mode must be one of mock|exec")
	}
	if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
		return errors.New("tts.command must be set when mode=exec")
	}
	if cfg.TTS.ModelsDir == "" {
		return errors.New("tts.models_dir must not be empty")
	}
	if cfg.TTS.SampleRate <= 0 {
		return errors.New("tts.sample_rate must be positive")
	}
	if cfg.TTS.Channels <= 0 {
		return errors.New("tts.channels must be positive")
	}
	if cfg.TTS.DefaultSpeed <= 0 {
		return errors.New("tts.default_speed must be positive")
	}
	return nil
}
