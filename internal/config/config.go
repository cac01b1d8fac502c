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
	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

// RecorderConfig drives the external screen+audio capture process.
// Command and AudioCommand are templates expanded with {x} {y} {width}
// {height} {output} {device} before being split into argv.
type RecorderConfig struct {
	Command        string `yaml:"command"`
	AudioCommand   string `yaml:"audio_command"`
	AudioDevice    string `yaml:"audio_device"`
	OutputDir      string `yaml:"output_dir"`
	PollIntervalMS int    `yaml:"poll_interval_ms"`
	GraceTimeoutMS int    `yaml:"grace_timeout_ms"`
}

type AudioConfig struct {
	SampleRate   int `yaml:"sample_rate"`
	Channels     int `yaml:"channels"`
	BlockSeconds int `yaml:"block_seconds"`
	QueueSize    int `yaml:"queue_size"`
}

type STTConfig struct {
	Mode      string `yaml:"mode"`
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
}

type StorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	PublicURL string `yaml:"public_url"`
}

type WebhookConfig struct {
	URL       string `yaml:"url"`
	Secret    string `yaml:"secret"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type LiveFeedConfig struct {
	URL       string `yaml:"url"`
	TimeoutMS int    `yaml:"timeout_ms"`
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

type RetryConfig struct {
	IntervalMinutes     int   `yaml:"interval_minutes"`
	StartupDelaySeconds int   `yaml:"startup_delay_seconds"`
	MaxRetries          int   `yaml:"max_retries"`
	BackoffMinutes      []int `yaml:"backoff_minutes"`
}

type Config struct {
	RuntimeName string          `yaml:"runtime_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Store       StoreConfig     `yaml:"store"`
	Recorder    RecorderConfig  `yaml:"recorder"`
	Audio       AudioConfig     `yaml:"audio"`
	STT         STTConfig       `yaml:"stt"`
	Storage     StorageConfig   `yaml:"storage"`
	Webhook     WebhookConfig   `yaml:"webhook"`
	LiveFeed    LiveFeedConfig  `yaml:"livefeed"`
	Bus         BusConfig       `yaml:"bus"`
	Retry       RetryConfig     `yaml:"retry"`
}

func Default() Config {
	return Config{
		RuntimeName: "fyemeetrec",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 5000,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Store: StoreConfig{
			Path: "./data/recordings.db",
		},
		Recorder: RecorderConfig{
			Command: "ffmpeg -y -loglevel error " +
				"-f gdigrab -framerate 5 -offset_x {x} -offset_y {y} -video_size {width}x{height} -i desktop " +
				"-f dshow -i audio={device} " +
				"-vf scale=1280:-1 -c:v libx265 -preset fast -crf 32 -pix_fmt yuv420p " +
				"-c:a libopus -b:a 64k -ac 1 -ar 48000 -movflags +faststart {output}",
			AudioCommand:   "ffmpeg -y -loglevel quiet -f dshow -i audio={device} -ac 1 -ar 16000 -f s16le -",
			AudioDevice:    "Voicemeeter Out B1 (VB-Audio Voicemeeter VAIO)",
			OutputDir:      "./recordings",
			PollIntervalMS: 500,
			GraceTimeoutMS: 5000,
		},
		Audio: AudioConfig{
			SampleRate:   16000,
			Channels:     1,
			BlockSeconds: 3,
			QueueSize:    32,
		},
		STT: STTConfig{
			Mode:     "mock",
			Language: "en",
		},
		Storage: StorageConfig{
			Endpoint: "",
			Region:   "us-west-1",
			Bucket:   "fyemeet",
		},
		Webhook: WebhookConfig{
			TimeoutMS: 30000,
		},
		LiveFeed: LiveFeedConfig{
			TimeoutMS: 5000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Retry: RetryConfig{
			IntervalMinutes:     5,
			StartupDelaySeconds: 10,
			MaxRetries:          5,
			BackoffMinutes:      []int{5, 15, 30, 60, 120},
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
	overrideString(&cfg.RuntimeName, "FYEMEET_RUNTIME_NAME")
	overrideString(&cfg.Environment, "FYEMEET_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "FYEMEET_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "FYEMEET_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "FYEMEET_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "FYEMEET_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "FYEMEET_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Store.Path, "FYEMEET_STORE_PATH")
	overrideString(&cfg.Recorder.Command, "FYEMEET_RECORDER_COMMAND")
	overrideString(&cfg.Recorder.AudioCommand, "FYEMEET_RECORDER_AUDIO_COMMAND")
	overrideString(&cfg.Recorder.AudioDevice, "FYEMEET_RECORDER_AUDIO_DEVICE")
	overrideString(&cfg.Recorder.OutputDir, "FYEMEET_RECORDER_OUTPUT_DIR")
	overrideInt(&cfg.Recorder.PollIntervalMS, "FYEMEET_RECORDER_POLL_INTERVAL_MS")
	overrideInt(&cfg.Recorder.GraceTimeoutMS, "FYEMEET_RECORDER_GRACE_TIMEOUT_MS")
	overrideInt(&cfg.Audio.SampleRate, "FYEMEET_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "FYEMEET_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.BlockSeconds, "FYEMEET_AUDIO_BLOCK_SECONDS")
	overrideInt(&cfg.Audio.QueueSize, "FYEMEET_AUDIO_QUEUE_SIZE")
	overrideString(&cfg.STT.Mode, "FYEMEET_STT_MODE")
	overrideString(&cfg.STT.Command, "FYEMEET_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "FYEMEET_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "FYEMEET_STT_LANGUAGE")
	overrideString(&cfg.Storage.Endpoint, "FYEMEET_STORAGE_ENDPOINT")
	overrideString(&cfg.Storage.Region, "FYEMEET_STORAGE_REGION")
	overrideString(&cfg.Storage.Bucket, "FYEMEET_STORAGE_BUCKET")
	overrideString(&cfg.Storage.AccessKey, "FYEMEET_STORAGE_ACCESS_KEY")
	overrideString(&cfg.Storage.SecretKey, "FYEMEET_STORAGE_SECRET_KEY")
	overrideString(&cfg.Storage.PublicURL, "FYEMEET_STORAGE_PUBLIC_URL")
	overrideString(&cfg.Webhook.URL, "FYEMEET_WEBHOOK_URL")
	overrideString(&cfg.Webhook.Secret, "FYEMEET_WEBHOOK_SECRET")
	overrideInt(&cfg.Webhook.TimeoutMS, "FYEMEET_WEBHOOK_TIMEOUT_MS")
	overrideString(&cfg.LiveFeed.URL, "FYEMEET_LIVEFEED_URL")
	overrideInt(&cfg.LiveFeed.TimeoutMS, "FYEMEET_LIVEFEED_TIMEOUT_MS")
	overrideBool(&cfg.Bus.Enabled, "FYEMEET_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "FYEMEET_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "FYEMEET_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "FYEMEET_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "FYEMEET_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "FYEMEET_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "FYEMEET_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "FYEMEET_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "FYEMEET_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "FYEMEET_BUS_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Retry.IntervalMinutes, "FYEMEET_RETRY_INTERVAL_MINUTES")
	overrideInt(&cfg.Retry.StartupDelaySeconds, "FYEMEET_RETRY_STARTUP_DELAY_SECONDS")
	overrideInt(&cfg.Retry.MaxRetries, "FYEMEET_RETRY_MAX_RETRIES")
	overrideIntSlice(&cfg.Retry.BackoffMinutes, "FYEMEET_RETRY_BACKOFF_MINUTES")
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

func overrideIntSlice(target *[]int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var parsed []int
		for _, p := range parts {
			s := strings.TrimSpace(p)
			if s == "" {
				continue
			}
			n, err := strconv.Atoi(s)
			if err != nil {
				return
			}
			parsed = append(parsed, n)
		}
		if len(parsed) > 0 {
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
	if cfg.Store.Path == "" {
		return errors.New("store.path must not be empty")
	}
	if cfg.Recorder.Command == "" {
		return errors.New("recorder.command must not be empty")
	}
	if cfg.Recorder.AudioCommand == "" {
		return errors.New("recorder.audio_command must not be empty")
	}
	if cfg.Recorder.OutputDir == "" {
		return errors.New("recorder.output_dir must not be empty")
	}
	if cfg.Recorder.PollIntervalMS <= 0 || cfg.Recorder.PollIntervalMS >= 1000 {
		return errors.New("recorder.poll_interval_ms must be positive and sub-second")
	}
	if cfg.Recorder.GraceTimeoutMS <= 0 {
		return errors.New("recorder.grace_timeout_ms must be positive")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels <= 0 {
		return errors.New("audio.channels must be positive")
	}
	if cfg.Audio.BlockSeconds <= 0 {
		return errors.New("audio.block_seconds must be positive")
	}
	if cfg.Audio.QueueSize <= 0 {
		return errors.New("audio.queue_size must be positive")
	}
	switch cfg.STT.Mode {
	case "mock", "exec":
	default:
		return errors.New("stt.mode must be one of mock|exec")
	}
	if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
		return errors.New("stt.command must be set when mode=exec")
	}
	if cfg.Storage.Bucket == "" {
		return errors.New("storage.bucket must not be empty")
	}
	if cfg.Storage.Region == "" {
		return errors.New("storage.region must not be empty")
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
	if cfg.Retry.IntervalMinutes <= 0 {
		return errors.New("retry.interval_minutes must be positive")
	}
	if cfg.Retry.MaxRetries <= 0 {
		return errors.New("retry.max_retries must be positive")
	}
	if len(cfg.Retry.BackoffMinutes) == 0 {
		return errors.New("retry.backoff_minutes must not be empty")
	}
	for _, m := range cfg.Retry.BackoffMinutes {
		if m <= 0 {
			return errors.New("retry.backoff_minutes entries must be positive")
		}
	}
	return nil
}
