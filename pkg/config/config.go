package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/tenkv/voicechat/pkg/configutil"
)

// Config is the immutable process configuration. It is constructed once at
// startup and passed by value into component constructors.
type Config struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Debug     bool   `mapstructure:"debug"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	TranscribeURL     string         `mapstructure:"transcribe_url"`
	TranscribeModel   string         `mapstructure:"transcribe_model"`
	TranscribeTimeout time.Duration  `mapstructure:"transcribe_timeout"`
	ASRProvider       string         `mapstructure:"asr_provider"`
	ASRSettings       map[string]any `mapstructure:"asr_settings"`

	LLMURL         string        `mapstructure:"llm_url"`
	LLMAPIKey      string        `mapstructure:"llm_api_key"`
	LLMModel       string        `mapstructure:"llm_model"`
	LLMMaxTokens   int           `mapstructure:"llm_max_tokens"`
	LLMTemperature float64       `mapstructure:"llm_temperature"`
	LLMTimeout     time.Duration `mapstructure:"llm_timeout"`
	SystemPrompt   string        `mapstructure:"system_prompt"`

	TTSURL          string        `mapstructure:"tts_url"`
	TTSModel        string        `mapstructure:"tts_model"`
	TTSVoice        string        `mapstructure:"tts_voice"`
	TTSTimeout      time.Duration `mapstructure:"tts_timeout"`
	TTSDrainTimeout time.Duration `mapstructure:"tts_drain_timeout"`
	TTSYieldEvery   int           `mapstructure:"tts_yield_every"`

	MaxSegmentLen    int `mapstructure:"max_segment_len"`
	MinSegmentLen    int `mapstructure:"min_segment_len"`
	MinAudioSize     int `mapstructure:"min_audio_size"`
	MinTranscriptLen int `mapstructure:"min_transcript_len"`

	MaxConcurrentTTS   int   `mapstructure:"max_concurrent_tts"`
	HTTPMaxConnections int   `mapstructure:"http_max_connections"`
	WSMaxSize          int64 `mapstructure:"ws_max_size"`

	MetricsPath string `mapstructure:"metrics_path"`
	RedactLogs  bool   `mapstructure:"redact_logs"`
}

// Load builds the configuration from environment variables and, when path is
// non-empty, a config file (.env, yaml, json or toml by extension). File
// values are overridden by the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if strings.HasSuffix(path, ".env") {
			v.SetConfigType("env")
		}
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := configutil.RequireString(cfg.LLMAPIKey, "llm_api_key"); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8000)
	v.SetDefault("debug", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")

	v.SetDefault("transcribe_url", "http://127.0.0.1:23006/v1/audio/transcriptions")
	v.SetDefault("transcribe_model", "SenseVoiceSmall")
	v.SetDefault("transcribe_timeout", "5s")
	v.SetDefault("asr_provider", "http")
	v.SetDefault("asr_settings", map[string]any{})

	v.SetDefault("llm_url", "https://api.chatanywhere.tech/v1/chat/completions")
	v.SetDefault("llm_api_key", "")
	v.SetDefault("llm_model", "gpt-4o-ca")
	v.SetDefault("llm_max_tokens", 1000)
	v.SetDefault("llm_temperature", 0.7)
	v.SetDefault("llm_timeout", "15s")
	v.SetDefault("system_prompt", "You are a helpful assistant. Respond naturally and conversationally.")

	v.SetDefault("tts_url", "http://127.0.0.1:23006/v1/audio/speech")
	v.SetDefault("tts_model", "CosyVoice2-0.5B")
	v.SetDefault("tts_voice", "中文女声")
	v.SetDefault("tts_timeout", "8s")
	v.SetDefault("tts_drain_timeout", "10s")
	v.SetDefault("tts_yield_every", 5)

	v.SetDefault("max_segment_len", 25)
	v.SetDefault("min_segment_len", 4)
	v.SetDefault("min_audio_size", 200)
	v.SetDefault("min_transcript_len", 2)

	v.SetDefault("max_concurrent_tts", 3)
	v.SetDefault("http_max_connections", 10)
	v.SetDefault("ws_max_size", 10*1024*1024)

	v.SetDefault("metrics_path", "")
	v.SetDefault("redact_logs", false)
}
