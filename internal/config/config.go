package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DuplicateReject  = "reject"
	DuplicateReplace = "replace"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	TraceExporter  string `yaml:"trace_exporter"` // none, stdout, otlp
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type ControlConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Bind      string `yaml:"bind"`
	Port      int    `yaml:"port"`
	ReadLimit int64  `yaml:"read_limit_bytes"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	Subject        string   `yaml:"subject"`
}

type DispatchConfig struct {
	Workers        int `yaml:"workers"`
	QueueSize      int `yaml:"queue_size"`
	ReapIntervalMS int `yaml:"reap_interval_ms"`
}

type DeliveryConfig struct {
	// PipeDir is joined with relative sink names. Absolute names are used as given.
	PipeDir string `yaml:"pipe_dir"`
}

type ExecEngineConfig struct {
	Command   string `yaml:"command"`
	ProbeText string `yaml:"probe_text"`
}

type MockEngineConfig struct {
	SampleRate int `yaml:"sample_rate"`
}

type ModelsConfig struct {
	Root               string           `yaml:"root"`
	ManifestName       string           `yaml:"manifest_name"`
	DefaultEngine      string           `yaml:"default_engine"`
	DuplicatePolicy    string           `yaml:"duplicate_policy"`
	NumThreads         int              `yaml:"num_threads"`
	StreamChunkSamples int              `yaml:"stream_chunk_samples"`
	Exec               ExecEngineConfig `yaml:"exec"`
	Mock               MockEngineConfig `yaml:"mock"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxTasks      int    `yaml:"max_tasks"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Control     ControlConfig    `yaml:"control"`
	Bus         BusConfig        `yaml:"bus"`
	Dispatch    DispatchConfig   `yaml:"dispatch"`
	Delivery    DeliveryConfig   `yaml:"delivery"`
	Models      ModelsConfig     `yaml:"models"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-tts",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "127.0.0.1",
			Port:    8081,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			TraceExporter:  "none",
			OTLPInsecure:   true,
			MetricsEnabled: true,
		},
		Control: ControlConfig{
			Enabled:   true,
			Bind:      "127.0.0.1",
			Port:      45678,
			ReadLimit: 1 << 20,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			Subject:        "tts.control",
		},
		Dispatch: DispatchConfig{
			Workers:        4,
			QueueSize:      256,
			ReapIntervalMS: 200,
		},
		Delivery: DeliveryConfig{
			PipeDir: os.TempDir(),
		},
		Models: ModelsConfig{
			ManifestName:       "conf.json",
			DefaultEngine:      "exec",
			DuplicatePolicy:    DuplicateReject,
			NumThreads:         1,
			StreamChunkSamples: 4096,
			Exec: ExecEngineConfig{
				Command:   "sherpa-onnx-offline-tts --vits-model={model} --vits-tokens={tokens} --provider={provider} --num-threads={threads} --output-filename={output} {text}",
				ProbeText: "ok",
			},
			Mock: MockEngineConfig{
				SampleRate: 22050,
			},
		},
		EventStore: EventStoreConfig{
			Path:          "./data/loqa-tts.db",
			RetentionMode: "session",
			RetentionDays: 7,
			MaxTasks:      10000,
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

// Validate re-checks a config after callers mutate it (e.g. from command line flags).
func Validate(cfg Config) error {
	return validate(cfg)
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_TTS_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_TTS_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "LOQA_TTS_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "LOQA_TTS_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_TTS_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TTS_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.TraceExporter, "LOQA_TTS_TELEMETRY_TRACE_EXPORTER")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TTS_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TTS_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Telemetry.MetricsEnabled, "LOQA_TTS_TELEMETRY_METRICS_ENABLED")
	overrideBool(&cfg.Control.Enabled, "LOQA_TTS_CONTROL_ENABLED")
	overrideString(&cfg.Control.Bind, "LOQA_TTS_CONTROL_BIND")
	overrideInt(&cfg.Control.Port, "LOQA_TTS_CONTROL_PORT")
	overrideInt64(&cfg.Control.ReadLimit, "LOQA_TTS_CONTROL_READ_LIMIT_BYTES")
	overrideBool(&cfg.Bus.Enabled, "LOQA_TTS_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_TTS_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_TTS_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_TTS_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_TTS_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_TTS_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_TTS_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_TTS_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_TTS_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.Subject, "LOQA_TTS_BUS_SUBJECT")
	overrideInt(&cfg.Dispatch.Workers, "LOQA_TTS_DISPATCH_WORKERS")
	overrideInt(&cfg.Dispatch.QueueSize, "LOQA_TTS_DISPATCH_QUEUE_SIZE")
	overrideInt(&cfg.Dispatch.ReapIntervalMS, "LOQA_TTS_DISPATCH_REAP_INTERVAL_MS")
	overrideString(&cfg.Delivery.PipeDir, "LOQA_TTS_DELIVERY_PIPE_DIR")
	overrideString(&cfg.Models.Root, "LOQA_TTS_MODELS_ROOT")
	overrideString(&cfg.Models.ManifestName, "LOQA_TTS_MODELS_MANIFEST_NAME")
	overrideString(&cfg.Models.DefaultEngine, "LOQA_TTS_MODELS_DEFAULT_ENGINE")
	overrideString(&cfg.Models.DuplicatePolicy, "LOQA_TTS_MODELS_DUPLICATE_POLICY")
	overrideInt(&cfg.Models.NumThreads, "LOQA_TTS_MODELS_NUM_THREADS")
	overrideInt(&cfg.Models.StreamChunkSamples, "LOQA_TTS_MODELS_STREAM_CHUNK_SAMPLES")
	overrideString(&cfg.Models.Exec.Command, "LOQA_TTS_MODELS_EXEC_COMMAND")
	overrideString(&cfg.Models.Exec.ProbeText, "LOQA_TTS_MODELS_EXEC_PROBE_TEXT")
	overrideInt(&cfg.Models.Mock.SampleRate, "LOQA_TTS_MODELS_MOCK_SAMPLE_RATE")
	overrideString(&cfg.EventStore.Path, "LOQA_TTS_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_TTS_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_TTS_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxTasks, "LOQA_TTS_EVENT_STORE_MAX_TASKS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_TTS_EVENT_STORE_VACUUM_ON_START")
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

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
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

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch cfg.Telemetry.TraceExporter {
	case "none", "stdout":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of none|stdout|otlp")
	}
	if !cfg.Control.Enabled && !cfg.Bus.Enabled {
		return errors.New("at least one of control.enabled or bus.enabled must be true")
	}
	if cfg.Control.Enabled {
		if cfg.Control.Port <= 0 || cfg.Control.Port > 65535 {
			return errors.New("control.port must be between 1 and 65535")
		}
		if cfg.Control.ReadLimit <= 0 {
			return errors.New("control.read_limit_bytes must be positive")
		}
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.Subject == "" {
			return errors.New("bus.subject must not be empty")
		}
	}
	if cfg.Dispatch.Workers <= 0 {
		return errors.New("dispatch.workers must be >= 1")
	}
	if cfg.Dispatch.QueueSize < 0 {
		return errors.New("dispatch.queue_size must be >= 0")
	}
	if cfg.Dispatch.ReapIntervalMS <= 0 {
		return errors.New("dispatch.reap_interval_ms must be positive")
	}
	if cfg.Models.ManifestName == "" {
		return errors.New("models.manifest_name must not be empty")
	}
	switch cfg.Models.DefaultEngine {
	case "exec":
		if strings.TrimSpace(cfg.Models.Exec.Command) == "" {
			return errors.New("models.exec.command must be set when default_engine=exec")
		}
	case "mock":
	default:
		return errors.New("models.default_engine must be one of exec|mock")
	}
	switch cfg.Models.DuplicatePolicy {
	case DuplicateReject, DuplicateReplace:
	default:
		return errors.New("models.duplicate_policy must be one of reject|replace")
	}
	if cfg.Models.NumThreads <= 0 {
		return errors.New("models.num_threads must be >= 1")
	}
	if cfg.Models.StreamChunkSamples <= 0 {
		return errors.New("models.stream_chunk_samples must be positive")
	}
	if cfg.Models.Mock.SampleRate <= 0 {
		return errors.New("models.mock.sample_rate must be positive")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral":
	case "session", "persistent":
		if cfg.EventStore.Path == "" {
			return errors.New("event_store.path must not be empty")
		}
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	return nil
}
