package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/tenkv/voicechat/pkg/api"
	"github.com/tenkv/voicechat/pkg/asr"
	"github.com/tenkv/voicechat/pkg/asr/deepgram"
	"github.com/tenkv/voicechat/pkg/config"
	"github.com/tenkv/voicechat/pkg/configutil"
	"github.com/tenkv/voicechat/pkg/llm"
	"github.com/tenkv/voicechat/pkg/logging"
	"github.com/tenkv/voicechat/pkg/metrics"
	"github.com/tenkv/voicechat/pkg/redact"
	"github.com/tenkv/voicechat/pkg/runner"
	"github.com/tenkv/voicechat/pkg/session"
	"github.com/tenkv/voicechat/pkg/transports/ws"
	"github.com/tenkv/voicechat/pkg/tts"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (.env, yaml, json or toml)")
	host := flag.String("host", "", "override the listen host")
	port := flag.Int("port", 0, "override the listen port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("configuration loaded",
		slog.String("asr_provider", cfg.ASRProvider),
		slog.String("llm_model", cfg.LLMModel),
		slog.String("llm_api_key", redact.Secret(cfg.LLMAPIKey)),
		slog.String("tts_model", cfg.TTSModel))

	stats := metrics.NewSummaryObserver()
	obs, obsCleanup, err := newObserver(cfg, stats)
	if err != nil {
		logger.Error("metrics observer", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer obsCleanup()

	httpc := session.NewHTTPClient(cfg)

	llmClient := llm.NewClient(llm.Config{
		URL:          cfg.LLMURL,
		APIKey:       cfg.LLMAPIKey,
		Model:        cfg.LLMModel,
		SystemPrompt: cfg.SystemPrompt,
		MaxTokens:    cfg.LLMMaxTokens,
		Temperature:  cfg.LLMTemperature,
		Timeout:      cfg.LLMTimeout,
	}, httpc, logger)

	ttsClient := tts.NewClient(tts.Config{
		URL:        cfg.TTSURL,
		Model:      cfg.TTSModel,
		Voice:      cfg.TTSVoice,
		Timeout:    cfg.TTSTimeout,
		YieldEvery: cfg.TTSYieldEvery,
	}, httpc, logger)

	newRecognizer := func() (asr.Recognizer, error) {
		return buildRecognizer(cfg, httpc, logger)
	}

	// One recognizer serves the batch routes for the process lifetime.
	batchRecognizer, err := newRecognizer()
	if err != nil {
		logger.Error("recognizer init", slog.String("error", err.Error()))
		os.Exit(1)
	}
	handlers := api.NewHandlers(batchRecognizer, llmClient, ttsClient, stats, logger)

	factory := func(conn session.Conn) *session.Session {
		rec, err := newRecognizer()
		if err != nil {
			logger.Error("recognizer init", slog.String("error", err.Error()))
			rec = asr.NewClient(asr.Config{
				URL:     cfg.TranscribeURL,
				Model:   cfg.TranscribeModel,
				Timeout: cfg.TranscribeTimeout,
			}, httpc, logger)
		}
		return session.New(conn, cfg, session.Services{
			Recognizer: rec,
			LLM:        llmClient,
			TTS:        ttsClient,
		}, obs, logger)
	}

	transport := ws.New(ws.Config{
		Addr:           net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		MaxMessageSize: cfg.WSMaxSize,
	}, factory, handlers, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lr := runner.New(transport, cfg.TTSDrainTimeout)
	if err := lr.Run(ctx); err != nil {
		logger.Error("shutdown", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func newObserver(cfg config.Config, stats *metrics.SummaryObserver) (metrics.Observer, func(), error) {
	if cfg.MetricsPath == "" {
		return stats, func() {}, nil
	}
	f, err := os.OpenFile(cfg.MetricsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return metrics.Multi{stats, metrics.NewJSONLObserver(f)}, func() { _ = f.Close() }, nil
}

func buildRecognizer(cfg config.Config, httpc *http.Client, logger *slog.Logger) (asr.Recognizer, error) {
	switch cfg.ASRProvider {
	case "", "http":
		return asr.NewClient(asr.Config{
			URL:     cfg.TranscribeURL,
			Model:   cfg.TranscribeModel,
			Timeout: cfg.TranscribeTimeout,
		}, httpc, logger), nil
	case "deepgram":
		var settings deepgram.Settings
		if err := configutil.DecodeSettings(cfg.ASRSettings, &settings); err != nil {
			return nil, fmt.Errorf("asr_settings: %w", err)
		}
		if err := configutil.RequireString(settings.APIKey, "asr_settings.api_key"); err != nil {
			return nil, err
		}
		return deepgram.New(settings, logger), nil
	default:
		return nil, fmt.Errorf("unknown asr_provider %q", cfg.ASRProvider)
	}
}
