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
	VoiceModeDefault = "default"
	VoiceModeCloned  = "cloned"

	// DefaultClonedSilenceMS is the pause inserted between cloned-voice segments
	// when pipeline.inter_segment_silence_ms is unset.
	DefaultClonedSilenceMS = 300
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

type Config struct {
	RuntimeName  string             `yaml:"runtime_name"`
	Environment  string             `yaml:"environment"`
	HTTP         HTTPConfig         `yaml:"http"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Bus          BusConfig          `yaml:"bus"`
	EventStore   EventStoreConfig   `yaml:"event_store"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Document     DocumentConfig     `yaml:"document"`
	DefaultVoice DefaultVoiceConfig `yaml:"default_voice"`
	ClonedVoice  ClonedVoiceConfig  `yaml:"cloned_voice"`
	Audio        AudioConfig        `yaml:"audio"`
	Service      ServiceConfig      `yaml:"service"`
	Node         NodeConfig         `yaml:"node"`
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
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type PipelineConfig struct {
	Language      string   `yaml:"language"`
	Languages     []string `yaml:"languages"`
	VoiceMode     string   `yaml:"voice_mode"` // default, cloned
	MaxChunkChars int      `yaml:"max_chunk_chars"`
	// nil selects the per-mode default, see SilenceMS.
	InterSegmentSilenceMS *int   `yaml:"inter_segment_silence_ms"`
	OutputDir             string `yaml:"output_dir"`
	WorkDir               string `yaml:"work_dir"`
}

// SilenceMS resolves the inter-segment pause for a voice mode.
func (p PipelineConfig) SilenceMS(voiceMode string) int {
	if p.InterSegmentSilenceMS != nil {
		return *p.InterSegmentSilenceMS
	}
	if voiceMode == VoiceModeCloned {
		return DefaultClonedSilenceMS
	}
	return 0
}

// SupportsLanguage reports whether lang is in the configured language set.
func (p PipelineConfig) SupportsLanguage(lang string) bool {
	for _, l := range p.Languages {
		if strings.EqualFold(l, lang) {
			return true
		}
	}
	return false
}

type DocumentConfig struct {
	Mode    string `yaml:"mode"` // text, exec
	Command string `yaml:"command"`
}

type DefaultVoiceConfig struct {
	Mode       string `yaml:"mode"` // mock, exec, openai, gtts
	Command    string `yaml:"command"`
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Voice      string `yaml:"voice"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type ClonedVoiceConfig struct {
	Mode       string `yaml:"mode"` // mock, exec, replicate
	Command    string `yaml:"command"`
	Model      string `yaml:"model"`
	APIToken   string `yaml:"api_token"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type AudioConfig struct {
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	MP3Command string `yaml:"mp3_command"`
}

type ServiceConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxPending int  `yaml:"max_pending"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-audiobook",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			OTLPEndpoint: "",
			OTLPInsecure: true,
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/audiobook-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Pipeline: PipelineConfig{
			Language:      "en",
			Languages:     []string{"en", "es", "fr"},
			VoiceMode:     VoiceModeDefault,
			MaxChunkChars: 500,
			OutputDir:     "./data/out",
			WorkDir:       os.TempDir(),
		},
		Document: DocumentConfig{
			Mode:    "exec",
			Command: "pdftotext -enc UTF-8 {input} -",
		},
		DefaultVoice: DefaultVoiceConfig{
			Mode:       "mock",
			Model:      "tts-1",
			Voice:      "alloy",
			SampleRate: 22050,
			Channels:   1,
		},
		ClonedVoice: ClonedVoiceConfig{
			Mode:       "mock",
			Model:      "lucataco/xtts-v2:684bc3855b37866c0c65add2ff39c78f3dea3f4ff103a436465326e0f438d55e",
			SampleRate: 24000,
			Channels:   1,
		},
		Audio: AudioConfig{
			SampleRate: 24000,
			Channels:   1,
			MP3Command: "ffmpeg -hide_banner -loglevel error -y -i {input} -codec:a libmp3lame -q:a 4 -f mp3 {output}",
		},
		Service: ServiceConfig{
			Enabled:    true,
			MaxPending: 16,
		},
		Node: NodeConfig{
			ID:                "audiobook-node-1",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
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
	overrideString(&cfg.RuntimeName, "AUDIOBOOK_RUNTIME_NAME")
	overrideString(&cfg.Environment, "AUDIOBOOK_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "AUDIOBOOK_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "AUDIOBOOK_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "AUDIOBOOK_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "AUDIOBOOK_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "AUDIOBOOK_TELEMETRY_OTLP_INSECURE")
	overrideBool(&cfg.Bus.Embedded, "AUDIOBOOK_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "AUDIOBOOK_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "AUDIOBOOK_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "AUDIOBOOK_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "AUDIOBOOK_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "AUDIOBOOK_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "AUDIOBOOK_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "AUDIOBOOK_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "AUDIOBOOK_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "AUDIOBOOK_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "AUDIOBOOK_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "AUDIOBOOK_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "AUDIOBOOK_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "AUDIOBOOK_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Pipeline.Language, "AUDIOBOOK_PIPELINE_LANGUAGE")
	overrideStringSlice(&cfg.Pipeline.Languages, "AUDIOBOOK_PIPELINE_LANGUAGES")
	overrideString(&cfg.Pipeline.VoiceMode, "AUDIOBOOK_PIPELINE_VOICE_MODE")
	overrideInt(&cfg.Pipeline.MaxChunkChars, "AUDIOBOOK_PIPELINE_MAX_CHUNK_CHARS")
	overrideIntPtr(&cfg.Pipeline.InterSegmentSilenceMS, "AUDIOBOOK_PIPELINE_INTER_SEGMENT_SILENCE_MS")
	overrideString(&cfg.Pipeline.OutputDir, "AUDIOBOOK_PIPELINE_OUTPUT_DIR")
	overrideString(&cfg.Pipeline.WorkDir, "AUDIOBOOK_PIPELINE_WORK_DIR")
	overrideString(&cfg.Document.Mode, "AUDIOBOOK_DOCUMENT_MODE")
	overrideString(&cfg.Document.Command, "AUDIOBOOK_DOCUMENT_COMMAND")
	overrideString(&cfg.DefaultVoice.Mode, "AUDIOBOOK_DEFAULT_VOICE_MODE")
	overrideString(&cfg.DefaultVoice.Command, "AUDIOBOOK_DEFAULT_VOICE_COMMAND")
	overrideString(&cfg.DefaultVoice.Endpoint, "AUDIOBOOK_DEFAULT_VOICE_ENDPOINT")
	overrideString(&cfg.DefaultVoice.APIKey, "AUDIOBOOK_DEFAULT_VOICE_API_KEY")
	overrideString(&cfg.DefaultVoice.Model, "AUDIOBOOK_DEFAULT_VOICE_MODEL")
	overrideString(&cfg.DefaultVoice.Voice, "AUDIOBOOK_DEFAULT_VOICE_VOICE")
	overrideInt(&cfg.DefaultVoice.SampleRate, "AUDIOBOOK_DEFAULT_VOICE_SAMPLE_RATE")
	overrideInt(&cfg.DefaultVoice.Channels, "AUDIOBOOK_DEFAULT_VOICE_CHANNELS")
	overrideString(&cfg.ClonedVoice.Mode, "AUDIOBOOK_CLONED_VOICE_MODE")
	overrideString(&cfg.ClonedVoice.Command, "AUDIOBOOK_CLONED_VOICE_COMMAND")
	overrideString(&cfg.ClonedVoice.Model, "AUDIOBOOK_CLONED_VOICE_MODEL")
	overrideString(&cfg.ClonedVoice.APIToken, "AUDIOBOOK_CLONED_VOICE_API_TOKEN")
	overrideInt(&cfg.ClonedVoice.SampleRate, "AUDIOBOOK_CLONED_VOICE_SAMPLE_RATE")
	overrideInt(&cfg.ClonedVoice.Channels, "AUDIOBOOK_CLONED_VOICE_CHANNELS")
	overrideInt(&cfg.Audio.SampleRate, "AUDIOBOOK_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "AUDIOBOOK_AUDIO_CHANNELS")
	overrideString(&cfg.Audio.MP3Command, "AUDIOBOOK_AUDIO_MP3_COMMAND")
	overrideBool(&cfg.Service.Enabled, "AUDIOBOOK_SERVICE_ENABLED")
	overrideInt(&cfg.Service.MaxPending, "AUDIOBOOK_SERVICE_MAX_PENDING")
	overrideString(&cfg.Node.ID, "AUDIOBOOK_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "AUDIOBOOK_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "AUDIOBOOK_NODE_HEARTBEAT_TIMEOUT_MS")
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

func overrideIntPtr(target **int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = &parsed
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
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
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
	if err := validatePipeline(cfg.Pipeline); err != nil {
		return err
	}
	switch cfg.Document.Mode {
	case "text":
	case "exec":
		if cfg.Document.Command == "" {
			return errors.New("document.command must be set when mode=exec")
		}
	default:
		return errors.New("document.mode must be one of text|exec")
	}
	switch cfg.DefaultVoice.Mode {
	case "mock", "gtts":
	case "exec":
		if cfg.DefaultVoice.Command == "" {
			return errors.New("default_voice.command must be set when mode=exec")
		}
	case "openai":
		if cfg.DefaultVoice.Model == "" {
			return errors.New("default_voice.model must be set when mode=openai")
		}
	default:
		return errors.New("default_voice.mode must be one of mock|exec|openai|gtts")
	}
	if cfg.DefaultVoice.SampleRate <= 0 || cfg.DefaultVoice.Channels <= 0 {
		return errors.New("default_voice.sample_rate and default_voice.channels must be positive")
	}
	switch cfg.ClonedVoice.Mode {
	case "mock":
	case "exec":
		if cfg.ClonedVoice.Command == "" {
			return errors.New("cloned_voice.command must be set when mode=exec")
		}
	case "replicate":
		if cfg.ClonedVoice.Model == "" {
			return errors.New("cloned_voice.model must be set when mode=replicate")
		}
	default:
		return errors.New("cloned_voice.mode must be one of mock|exec|replicate")
	}
	if cfg.ClonedVoice.SampleRate <= 0 || cfg.ClonedVoice.Channels <= 0 {
		return errors.New("cloned_voice.sample_rate and cloned_voice.channels must be positive")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.Channels != 1 && cfg.Audio.Channels != 2 {
		return errors.New("audio.channels must be 1 or 2")
	}
	if cfg.Audio.MP3Command == "" {
		return errors.New("audio.mp3_command must not be empty")
	}
	if cfg.Service.Enabled && cfg.Service.MaxPending <= 0 {
		return errors.New("service.max_pending must be >= 1")
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 || cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must exceed a positive node.heartbeat_interval_ms")
	}
	return nil
}

func validatePipeline(p PipelineConfig) error {
	if len(p.Languages) == 0 {
		return errors.New("pipeline.languages must not be empty")
	}
	if !p.SupportsLanguage(p.Language) {
		return fmt.Errorf("pipeline.language %q is not in pipeline.languages", p.Language)
	}
	switch p.VoiceMode {
	case VoiceModeDefault, VoiceModeCloned:
	default:
		return errors.New("pipeline.voice_mode must be one of default|cloned")
	}
	if p.MaxChunkChars < 1 {
		return errors.New("pipeline.max_chunk_chars must be >= 1")
	}
	if p.InterSegmentSilenceMS != nil && *p.InterSegmentSilenceMS < 0 {
		return errors.New("pipeline.inter_segment_silence_ms must be >= 0")
	}
	if p.OutputDir == "" {
		return errors.New("pipeline.output_dir must not be empty")
	}
	if p.WorkDir == "" {
		return errors.New("pipeline.work_dir must not be empty")
	}
	return nil
}
