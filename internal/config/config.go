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
	TraceExporter    string  `yaml:"trace_exporter"` // otlp, stdout, none
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
	OTLPEndpoint     string  `yaml:"otlp_endpoint"`
	OTLPInsecure     bool    `yaml:"otlp_insecure"`
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
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	TTS         TTSConfig        `yaml:"tts"`
	Speech      SpeechConfig     `yaml:"speech"`
	Chat        ChatConfig       `yaml:"chat"`
	Gateway     GatewayConfig    `yaml:"gateway"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	MaxPayloadKB   int      `yaml:"max_payload_kb"`
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

type STTConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Mode           string `yaml:"mode"`
	Command        string `yaml:"command"`
	ModelPath      string `yaml:"model_path"`
	Language       string `yaml:"language"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	PartialEveryMS int    `yaml:"partial_every_ms"`
	PublishInterim bool   `yaml:"publish_interim"`
}

type LLMConfig struct {
	Mode              string  `yaml:"mode"` // mock, ollama, exec, openai, gemini
	Endpoint          string  `yaml:"endpoint"`
	Command           string  `yaml:"command"`
	Model             string  `yaml:"model"`
	ActionModel       string  `yaml:"action_model"`
	APIKey            string  `yaml:"api_key"`
	GeminiProject     string  `yaml:"gemini_project"`
	GeminiLocation    string  `yaml:"gemini_location"`
	MaxTokens         int     `yaml:"max_tokens"`
	MaxContextTokens  int     `yaml:"max_context_tokens"`
	Temperature       float64 `yaml:"temperature"`
	ActionsEnabled    bool    `yaml:"actions_enabled"`
	RequestTimeoutSec int     `yaml:"request_timeout_sec"`
}

type TTSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Mode       string `yaml:"mode"`
	Command    string `yaml:"command"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

// SpeechConfig controls where synthesized audio lands and how clients reach it.
type SpeechConfig struct {
	Directory string `yaml:"directory"`
	PublicURL string `yaml:"public_url"`
	CacheSize int    `yaml:"cache_size"`
}

// ChatConfig holds per-session conversation policy.
type ChatConfig struct {
	UserName                       string  `yaml:"user_name"`
	CharacterPath                  string  `yaml:"character_path"`
	PauseRecognitionDuringPlayback bool    `yaml:"pause_recognition_during_playback"`
	InterruptMinRatio              float64 `yaml:"interrupt_min_ratio"`
	InterruptMaxRatio              float64 `yaml:"interrupt_max_ratio"`
	InterruptionMarker             string  `yaml:"interruption_marker"`
	TruncationMarker               string  `yaml:"truncation_marker"`
	ActionMaxDistance              int     `yaml:"action_max_distance"`
	FallbackAction                 string  `yaml:"fallback_action"`
}

type GatewayConfig struct {
	SubjectPrefix   string `yaml:"subject_prefix"`
	DrainTimeoutMS  int    `yaml:"drain_timeout_ms"`
	MaxSessions     int    `yaml:"max_sessions"`
	PrivacyScope    string `yaml:"privacy_scope"`
	ResumeHistory   bool   `yaml:"resume_history"`
	HistoryLoadSize int    `yaml:"history_load_size"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-companion",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			TraceExporter:    "none",
			TraceSampleRatio: 1,
			OTLPInsecure:     true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Host:           "0.0.0.0",
			Port:           4222,
			MaxPayloadKB:   1024,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/companion.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		STT: STTConfig{
			Enabled:        false,
			Mode:           "mock",
			SampleRate:     16000,
			Channels:       1,
			PartialEveryMS: 800,
		},
		LLM: LLMConfig{
			Mode:              "mock",
			Endpoint:          "http://localhost:11434",
			MaxTokens:         120,
			MaxContextTokens:  4096,
			Temperature:       0.7,
			ActionsEnabled:    true,
			RequestTimeoutSec: 60,
		},
		TTS: TTSConfig{
			Enabled:    true,
			Mode:       "mock",
			Voice:      "en-US",
			SampleRate: 22050,
			Channels:   1,
		},
		Speech: SpeechConfig{
			Directory: "./data/speech",
			PublicURL: "/speech",
			CacheSize: 256,
		},
		Chat: ChatConfig{
			UserName:                       "User",
			PauseRecognitionDuringPlayback: true,
			InterruptMinRatio:              0.05,
			InterruptMaxRatio:              0.95,
			InterruptionMarker:             "*interrupts {{Bot}}*",
			TruncationMarker:               "...",
			ActionMaxDistance:              3,
			FallbackAction:                 "idle",
		},
		Gateway: GatewayConfig{
			SubjectPrefix:   "companion",
			DrainTimeoutMS:  5000,
			MaxSessions:     64,
			PrivacyScope:    "session",
			ResumeHistory:   true,
			HistoryLoadSize: 200,
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

	if err := applyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// envPrefix namespaces every override, e.g. LOQA_BUS_SERVERS.
const envPrefix = "LOQA_"

// envBinding ties one environment variable to a config field.
type envBinding struct {
	key   string
	apply func(value string) error
}

func envString(key string, target *string) envBinding {
	return envBinding{key, func(v string) error { *target = v; return nil }}
}

func envInt(key string, target *int) envBinding {
	return envBinding{key, func(v string) (err error) { *target, err = strconv.Atoi(v); return err }}
}

func envBool(key string, target *bool) envBinding {
	return envBinding{key, func(v string) (err error) { *target, err = strconv.ParseBool(v); return err }}
}

func envFloat(key string, target *float64) envBinding {
	return envBinding{key, func(v string) (err error) { *target, err = strconv.ParseFloat(v, 64); return err }}
}

// envList reads a comma separated list, dropping blank entries.
func envList(key string, target *[]string) envBinding {
	return envBinding{key, func(v string) error {
		var items []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		if len(items) > 0 {
			*target = items
		}
		return nil
	}}
}

func (c *Config) envBindings() []envBinding {
	return []envBinding{
		envString("RUNTIME_NAME", &c.RuntimeName),
		envString("RUNTIME_ENVIRONMENT", &c.Environment),
		envString("HTTP_BIND", &c.HTTP.Bind),
		envInt("HTTP_PORT", &c.HTTP.Port),

		envString("TELEMETRY_LOG_LEVEL", &c.Telemetry.LogLevel),
		envString("TELEMETRY_TRACE_EXPORTER", &c.Telemetry.TraceExporter),
		envFloat("TELEMETRY_TRACE_SAMPLE_RATIO", &c.Telemetry.TraceSampleRatio),
		envString("TELEMETRY_OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint),
		envBool("TELEMETRY_OTLP_INSECURE", &c.Telemetry.OTLPInsecure),

		envBool("BUS_EMBEDDED", &c.Bus.Embedded),
		envString("BUS_HOST", &c.Bus.Host),
		envInt("BUS_PORT", &c.Bus.Port),
		envInt("BUS_MAX_PAYLOAD_KB", &c.Bus.MaxPayloadKB),
		envList("BUS_SERVERS", &c.Bus.Servers),
		envString("BUS_USERNAME", &c.Bus.Username),
		envString("BUS_PASSWORD", &c.Bus.Password),
		envString("BUS_TOKEN", &c.Bus.Token),
		envBool("BUS_TLS_INSECURE", &c.Bus.TLSInsecure),
		envInt("BUS_CONNECT_TIMEOUT_MS", &c.Bus.ConnectTimeout),

		envString("EVENT_STORE_PATH", &c.EventStore.Path),
		envString("EVENT_STORE_RETENTION_MODE", &c.EventStore.RetentionMode),
		envInt("EVENT_STORE_RETENTION_DAYS", &c.EventStore.RetentionDays),
		envInt("EVENT_STORE_MAX_SESSIONS", &c.EventStore.MaxSessions),
		envBool("EVENT_STORE_VACUUM_ON_START", &c.EventStore.VacuumOnStart),

		envBool("STT_ENABLED", &c.STT.Enabled),
		envString("STT_MODE", &c.STT.Mode),
		envString("STT_COMMAND", &c.STT.Command),
		envString("STT_MODEL_PATH", &c.STT.ModelPath),
		envString("STT_LANGUAGE", &c.STT.Language),
		envInt("STT_SAMPLE_RATE", &c.STT.SampleRate),
		envInt("STT_CHANNELS", &c.STT.Channels),
		envInt("STT_PARTIAL_EVERY_MS", &c.STT.PartialEveryMS),
		envBool("STT_PUBLISH_INTERIM", &c.STT.PublishInterim),

		envString("LLM_MODE", &c.LLM.Mode),
		envString("LLM_ENDPOINT", &c.LLM.Endpoint),
		envString("LLM_COMMAND", &c.LLM.Command),
		envString("LLM_MODEL", &c.LLM.Model),
		envString("LLM_ACTION_MODEL", &c.LLM.ActionModel),
		envString("LLM_API_KEY", &c.LLM.APIKey),
		envString("LLM_GEMINI_PROJECT", &c.LLM.GeminiProject),
		envString("LLM_GEMINI_LOCATION", &c.LLM.GeminiLocation),
		envInt("LLM_MAX_TOKENS", &c.LLM.MaxTokens),
		envInt("LLM_MAX_CONTEXT_TOKENS", &c.LLM.MaxContextTokens),
		envFloat("LLM_TEMPERATURE", &c.LLM.Temperature),
		envBool("LLM_ACTIONS_ENABLED", &c.LLM.ActionsEnabled),
		envInt("LLM_REQUEST_TIMEOUT_SEC", &c.LLM.RequestTimeoutSec),

		envBool("TTS_ENABLED", &c.TTS.Enabled),
		envString("TTS_MODE", &c.TTS.Mode),
		envString("TTS_COMMAND", &c.TTS.Command),
		envString("TTS_VOICE", &c.TTS.Voice),
		envInt("TTS_SAMPLE_RATE", &c.TTS.SampleRate),
		envInt("TTS_CHANNELS", &c.TTS.Channels),

		envString("SPEECH_DIRECTORY", &c.Speech.Directory),
		envString("SPEECH_PUBLIC_URL", &c.Speech.PublicURL),
		envInt("SPEECH_CACHE_SIZE", &c.Speech.CacheSize),

		envString("CHAT_USER_NAME", &c.Chat.UserName),
		envString("CHAT_CHARACTER_PATH", &c.Chat.CharacterPath),
		envBool("CHAT_PAUSE_RECOGNITION_DURING_PLAYBACK", &c.Chat.PauseRecognitionDuringPlayback),
		envFloat("CHAT_INTERRUPT_MIN_RATIO", &c.Chat.InterruptMinRatio),
		envFloat("CHAT_INTERRUPT_MAX_RATIO", &c.Chat.InterruptMaxRatio),
		envInt("CHAT_ACTION_MAX_DISTANCE", &c.Chat.ActionMaxDistance),
		envString("CHAT_FALLBACK_ACTION", &c.Chat.FallbackAction),

		envString("GATEWAY_SUBJECT_PREFIX", &c.Gateway.SubjectPrefix),
		envInt("GATEWAY_DRAIN_TIMEOUT_MS", &c.Gateway.DrainTimeoutMS),
		envInt("GATEWAY_MAX_SESSIONS", &c.Gateway.MaxSessions),
		envBool("GATEWAY_RESUME_HISTORY", &c.Gateway.ResumeHistory),
	}
}

// applyEnvOverrides lets LOQA_* variables win over the file. Blank values
// are ignored; malformed ones fail the load.
func applyEnvOverrides(cfg *Config) error {
	for _, b := range cfg.envBindings() {
		value, ok := os.LookupEnv(envPrefix + b.key)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		if err := b.apply(strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("invalid %s%s: %w", envPrefix, b.key, err)
		}
	}
	return nil
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	switch cfg.Telemetry.TraceExporter {
	case "none", "stdout":
	case "otlp":
		if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) == "" {
			return errors.New("telemetry.otlp_endpoint must be set when trace_exporter=otlp")
		}
	default:
		return errors.New("telemetry.trace_exporter must be one of otlp|stdout|none")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else if len(cfg.Bus.Servers) == 0 {
		return errors.New("bus.servers must not be empty when embedded mode is disabled")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.STT.Enabled {
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "exec", "openai", "gemini":
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec|openai|gemini")
	}
	if cfg.LLM.Mode == "ollama" && cfg.LLM.Endpoint == "" {
		return errors.New("llm.endpoint must be set when mode=ollama")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.Mode == "openai" && cfg.LLM.APIKey == "" {
		return errors.New("llm.api_key must be set when mode=openai")
	}
	if cfg.LLM.Mode == "gemini" && cfg.LLM.APIKey == "" && (cfg.LLM.GeminiProject == "" || cfg.LLM.GeminiLocation == "") {
		return errors.New("llm.api_key or llm.gemini_project and llm.gemini_location must be set when mode=gemini")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	if cfg.TTS.Enabled {
		switch cfg.TTS.Mode {
		case "mock", "exec":
		default:
			return errors.New("tts.mode must be one of mock|exec")
		}
		if cfg.TTS.Mode == "exec" && cfg.TTS.Command == "" {
			return errors.New("tts.command must be set when mode=exec")
		}
		if cfg.TTS.SampleRate <= 0 {
			return errors.New("tts.sample_rate must be positive")
		}
		if cfg.TTS.Channels <= 0 {
			return errors.New("tts.channels must be positive")
		}
		if cfg.Speech.Directory == "" {
			return errors.New("speech.directory must not be empty when tts is enabled")
		}
	}
	if cfg.Speech.CacheSize < 0 {
		return errors.New("speech.cache_size must be >= 0")
	}
	if cfg.Chat.UserName == "" {
		return errors.New("chat.user_name must not be empty")
	}
	if cfg.Chat.InterruptMinRatio < 0 || cfg.Chat.InterruptMaxRatio > 1 || cfg.Chat.InterruptMinRatio >= cfg.Chat.InterruptMaxRatio {
		return errors.New("chat.interrupt_min_ratio and chat.interrupt_max_ratio must satisfy 0 <= min < max <= 1")
	}
	if cfg.Chat.ActionMaxDistance < 0 {
		return errors.New("chat.action_max_distance must be >= 0")
	}
	if cfg.Chat.FallbackAction == "" {
		return errors.New("chat.fallback_action must not be empty")
	}
	if cfg.Gateway.SubjectPrefix == "" {
		return errors.New("gateway.subject_prefix must not be empty")
	}
	if cfg.Gateway.DrainTimeoutMS <= 0 {
		return errors.New("gateway.drain_timeout_ms must be positive")
	}
	return nil
}
