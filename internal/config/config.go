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
	LogLevel         string  `yaml:"log_level"`
	OTLPEndpoint     string  `yaml:"otlp_endpoint"`
	OTLPInsecure     bool    `yaml:"otlp_insecure"`
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
	PrometheusBind   string  `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	EventStore   EventStoreConfig   `yaml:"event_store"`
	VoiceClasses []VoiceClassConfig `yaml:"voice_classes"`
	Admission    AdmissionConfig    `yaml:"admission"`
	Synth        SynthConfig        `yaml:"synth"`
	Artifacts    ArtifactsConfig    `yaml:"artifacts"`
	Narration    NarrationConfig    `yaml:"narration"`
}

type BusConfig struct {
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
	MaxRequests   int    `yaml:"max_requests"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// VoiceClassConfig is one row of the backend's published limits table.
type VoiceClassConfig struct {
	Name                 string `yaml:"name"`
	MaxRequestsPerSecond int    `yaml:"max_requests_per_second"`
	MaxCharsPerRequest   int    `yaml:"max_chars_per_request"`
}

type AdmissionConfig struct {
	PacingDelayMS  int `yaml:"pacing_delay_ms"`
	MinBackoffMS   int `yaml:"min_backoff_ms"`
	SafetyMarginMS int `yaml:"safety_margin_ms"`
}

type SynthConfig struct {
	Mode                     string  `yaml:"mode"` // mock, exec, http
	Command                  string  `yaml:"command"`
	Endpoint                 string  `yaml:"endpoint"`
	APIKey                   string  `yaml:"api_key"`
	OutputFormat             string  `yaml:"output_format"`
	TimeoutMS                int     `yaml:"timeout_ms"`
	WordsPerSecond           float64 `yaml:"words_per_second"`
	ThrottleMaxAttempts      int     `yaml:"throttle_max_attempts"`
	ThrottleInitialBackoffMS int     `yaml:"throttle_initial_backoff_ms"`
	ThrottleMaxBackoffMS     int     `yaml:"throttle_max_backoff_ms"`
	BackendErrorAttempts     int     `yaml:"backend_error_attempts"`
	MockLatencyMS            int     `yaml:"mock_latency_ms"`
}

type ArtifactsConfig struct {
	Mode   string `yaml:"mode"` // objectstore, none
	Bucket string `yaml:"bucket"`
}

type NarrationConfig struct {
	Enabled          bool `yaml:"enabled"`
	RequestTimeoutMS int  `yaml:"request_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-narrator",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			TraceSampleRatio: 1,
			PrometheusBind:   ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/narrator-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxRequests:   10000,
		},
		VoiceClasses: []VoiceClassConfig{
			{Name: "economy", MaxRequestsPerSecond: 8, MaxCharsPerRequest: 3000},
			{Name: "enhanced", MaxRequestsPerSecond: 4, MaxCharsPerRequest: 3000},
			{Name: "premium", MaxRequestsPerSecond: 2, MaxCharsPerRequest: 3000},
		},
		Admission: AdmissionConfig{
			PacingDelayMS:  20,
			MinBackoffMS:   50,
			SafetyMarginMS: 25,
		},
		Synth: SynthConfig{
			Mode:                     "mock",
			OutputFormat:             "mp3",
			TimeoutMS:                30000,
			WordsPerSecond:           2.5,
			ThrottleMaxAttempts:      4,
			ThrottleInitialBackoffMS: 200,
			ThrottleMaxBackoffMS:     5000,
			BackendErrorAttempts:     2,
			MockLatencyMS:            50,
		},
		Artifacts: ArtifactsConfig{
			Mode:   "objectstore",
			Bucket: "narration-artifacts",
		},
		Narration: NarrationConfig{
			Enabled:          true,
			RequestTimeoutMS: 300000,
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
	overrideString(&cfg.RuntimeName, "NARRATOR_RUNTIME_NAME")
	overrideString(&cfg.Environment, "NARRATOR_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "NARRATOR_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "NARRATOR_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "NARRATOR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "NARRATOR_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "NARRATOR_TELEMETRY_OTLP_INSECURE")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "NARRATOR_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideString(&cfg.Telemetry.PrometheusBind, "NARRATOR_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "NARRATOR_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "NARRATOR_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "NARRATOR_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "NARRATOR_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "NARRATOR_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "NARRATOR_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "NARRATOR_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "NARRATOR_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "NARRATOR_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "NARRATOR_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "NARRATOR_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "NARRATOR_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxRequests, "NARRATOR_EVENT_STORE_MAX_REQUESTS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "NARRATOR_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Admission.PacingDelayMS, "NARRATOR_ADMISSION_PACING_DELAY_MS")
	overrideInt(&cfg.Admission.MinBackoffMS, "NARRATOR_ADMISSION_MIN_BACKOFF_MS")
	overrideInt(&cfg.Admission.SafetyMarginMS, "NARRATOR_ADMISSION_SAFETY_MARGIN_MS")
	overrideString(&cfg.Synth.Mode, "NARRATOR_SYNTH_MODE")
	overrideString(&cfg.Synth.Command, "NARRATOR_SYNTH_COMMAND")
	overrideString(&cfg.Synth.Endpoint, "NARRATOR_SYNTH_ENDPOINT")
	overrideString(&cfg.Synth.APIKey, "NARRATOR_SYNTH_API_KEY")
	overrideString(&cfg.Synth.OutputFormat, "NARRATOR_SYNTH_OUTPUT_FORMAT")
	overrideInt(&cfg.Synth.TimeoutMS, "NARRATOR_SYNTH_TIMEOUT_MS")
	overrideFloat(&cfg.Synth.WordsPerSecond, "NARRATOR_SYNTH_WORDS_PER_SECOND")
	overrideInt(&cfg.Synth.ThrottleMaxAttempts, "NARRATOR_SYNTH_THROTTLE_MAX_ATTEMPTS")
	overrideInt(&cfg.Synth.ThrottleInitialBackoffMS, "NARRATOR_SYNTH_THROTTLE_INITIAL_BACKOFF_MS")
	overrideInt(&cfg.Synth.ThrottleMaxBackoffMS, "NARRATOR_SYNTH_THROTTLE_MAX_BACKOFF_MS")
	overrideInt(&cfg.Synth.BackendErrorAttempts, "NARRATOR_SYNTH_BACKEND_ERROR_ATTEMPTS")
	overrideInt(&cfg.Synth.MockLatencyMS, "NARRATOR_SYNTH_MOCK_LATENCY_MS")
	overrideString(&cfg.Artifacts.Mode, "NARRATOR_ARTIFACTS_MODE")
	overrideString(&cfg.Artifacts.Bucket, "NARRATOR_ARTIFACTS_BUCKET")
	overrideBool(&cfg.Narration.Enabled, "NARRATOR_NARRATION_ENABLED")
	overrideInt(&cfg.Narration.RequestTimeoutMS, "NARRATOR_NARRATION_REQUEST_TIMEOUT_MS")
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
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
		if cfg.Bus.StoreDir == "" {
			return errors.New("bus.store_dir must not be empty when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
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
	if len(cfg.VoiceClasses) == 0 {
		return errors.New("voice_classes must not be empty")
	}
	seen := make(map[string]struct{}, len(cfg.VoiceClasses))
	for i, vc := range cfg.VoiceClasses {
		if strings.TrimSpace(vc.Name) == "" {
			return fmt.Errorf("voice_classes[%d].name must not be empty", i)
		}
		if _, dup := seen[vc.Name]; dup {
			return fmt.Errorf("voice_classes[%d].name %q is duplicated", i, vc.Name)
		}
		seen[vc.Name] = struct{}{}
		if vc.MaxRequestsPerSecond <= 0 {
			return fmt.Errorf("voice_classes[%d].max_requests_per_second must be positive", i)
		}
		if vc.MaxCharsPerRequest <= 0 {
			return fmt.Errorf("voice_classes[%d].max_chars_per_request must be positive", i)
		}
	}
	if cfg.Admission.PacingDelayMS < 0 || cfg.Admission.MinBackoffMS < 0 || cfg.Admission.SafetyMarginMS < 0 {
		return errors.New("admission delays must be >= 0")
	}
	switch cfg.Synth.Mode {
	case "mock", "exec", "http":
	default:
		return errors.New("synth.mode must be one of mock|exec|http")
	}
	if cfg.Synth.Mode == "exec" && cfg.Synth.Command == "" {
		return errors.New("synth.command must be set when mode=exec")
	}
	if cfg.Synth.Mode == "http" && cfg.Synth.Endpoint == "" {
		return errors.New("synth.endpoint must be set when mode=http")
	}
	if cfg.Synth.WordsPerSecond <= 0 {
		return errors.New("synth.words_per_second must be positive")
	}
	if cfg.Synth.ThrottleMaxAttempts < 1 {
		return errors.New("synth.throttle_max_attempts must be >= 1")
	}
	if cfg.Synth.BackendErrorAttempts < 1 {
		return errors.New("synth.backend_error_attempts must be >= 1")
	}
	switch cfg.Artifacts.Mode {
	case "objectstore":
		if cfg.Artifacts.Bucket == "" {
			return errors.New("artifacts.bucket must be set when mode=objectstore")
		}
	case "none":
	default:
		return errors.New("artifacts.mode must be one of objectstore|none")
	}
	return nil
}
