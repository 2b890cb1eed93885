// Package app assembles the pipeline from configuration.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/rachel/internal/asr"
	"github.com/antoniostano/rachel/internal/config"
	"github.com/antoniostano/rachel/internal/httpapi"
	"github.com/antoniostano/rachel/internal/llm"
	"github.com/antoniostano/rachel/internal/observability"
	"github.com/antoniostano/rachel/internal/pipeline"
	"github.com/antoniostano/rachel/internal/reliability"
	"github.com/antoniostano/rachel/internal/token"
	"github.com/antoniostano/rachel/internal/transcript"
	"github.com/antoniostano/rachel/internal/tts"
	"github.com/antoniostano/rachel/internal/wake"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Orchestrator *pipeline.Orchestrator
	Metrics      *observability.Metrics

	// Cleanup should be called on shutdown to release external resources
	// (DB pool, recognizer subprocesses).
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, log *zap.Logger) (*BuildResult, error) {
	if log == nil {
		log = zap.NewNop()
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	window := observability.NewStageWindow(256)

	store, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}

	registry := asr.NewRegistry(int64(cfg.ASRMaxConcurrent))
	registry.Register(asr.KindWake, asr.ModelConfig{
		Path:        cfg.WhisperWakeModel,
		Device:      cfg.WhisperDevice,
		ComputeType: cfg.WhisperComputeType,
	}, whisperBuilder(cfg, cfg.WhisperWakeModel))
	registry.Register(asr.KindTranscribe, asr.ModelConfig{
		Path:        cfg.WhisperModel,
		Device:      cfg.WhisperDevice,
		ComputeType: cfg.WhisperComputeType,
	}, whisperBuilder(cfg, cfg.WhisperModel))

	tokens := token.NewStore(cfg.WakeTokenTTL)

	gate := wake.NewGate(registry, tokens, wake.Config{
		Phrase:        cfg.WakeWord,
		Variants:      append([]string{cfg.WakeWord}, cfg.WakeWordAliases...),
		Threshold:     cfg.WakeMatchThreshold,
		RecordSeconds: cfg.WakeRecordSeconds,
		Cue:           cfg.WakeCue,
	}, log)

	engine := asr.NewEngine(registry, tokens, asr.EngineConfig{
		WakeWord:      cfg.WakeWord,
		NearSpellings: cfg.WakeWordAliases,
		Language:      cfg.WhisperLanguage,
		BeamSize:      cfg.WhisperBeamSize,
		RequireToken:  true,
	}, log)

	replies := llm.NewClient(llm.Config{
		BaseURL:       cfg.OllamaBaseURL,
		Model:         cfg.OllamaModel,
		SystemPrompt:  cfg.OllamaSystem,
		Temperature:   cfg.OllamaTemperature,
		TopP:          cfg.OllamaTopP,
		TopK:          cfg.OllamaTopK,
		MaxTokens:     cfg.OllamaMaxTokens,
		RepeatPenalty: cfg.OllamaRepeatPenalty,
		Timeout:       cfg.OllamaTimeout,
	}, log)

	speech := tts.New(tts.Config{
		Executable:     cfg.PiperBin,
		ModelPath:      cfg.PiperModelPath,
		ConfigPath:     cfg.PiperConfigPath,
		SpeakerMap:     tts.ParseSpeakerMap(cfg.PiperSpeakerMap),
		DefaultSpeaker: cfg.PiperDefaultSpeaker,
		NoiseScale:     cfg.PiperNoiseScale,
		NoiseW:         cfg.PiperNoiseW,
		SampleRate:     cfg.PiperSampleRate,
		MaxConcurrent:  int64(cfg.PiperMaxConcurrent),
	}, log)

	orchestrator := pipeline.New(gate, engine, replies, speech, pipeline.Options{
		Models:  registry,
		Tokens:  tokens,
		Store:   store,
		Metrics: metrics,
		Window:  window,
		Log:     log,
	})

	// Load the transcription model up front so the first gated request does
	// not pay construction latency. Failure is fatal: serving requests with
	// no recognizer is worse than failing fast.
	if _, err := registry.Get(asr.KindTranscribe); err != nil {
		_ = store.Close()
		_ = registry.Close()
		return nil, fmt.Errorf("transcription model warmup failed: %w", err)
	}

	probeGeneration(ctx, replies, log)

	api := httpapi.New(orchestrator, httpapi.Options{
		AllowAnyOrigin: cfg.AllowAnyOrigin,
		MaxAudioBytes:  cfg.MaxAudioBytes,
	}, log)

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Orchestrator: orchestrator,
		Metrics:      metrics,
		Cleanup: func() error {
			storeErr := store.Close()
			registryErr := registry.Close()
			if storeErr != nil {
				return storeErr
			}
			return registryErr
		},
	}, nil
}

func whisperBuilder(cfg config.Config, modelPath string) asr.BuildFunc {
	return func(mc asr.ModelConfig) (asr.Model, error) {
		return asr.StartWhisperServer(asr.WhisperConfig{
			ServerBinary: cfg.WhisperServerBin,
			ModelPath:    modelPath,
			Language:     cfg.WhisperLanguage,
			Threads:      cfg.WhisperThreads,
			Device:       mc.Device,
		})
	}
}

// probeGeneration pings the reply backend a few times with backoff. The
// backend being down is not fatal, the respond operation degrades to 502s
// until it comes back.
func probeGeneration(ctx context.Context, replies *llm.Client, log *zap.Logger) {
	const attempts = 3
	for attempt := 0; attempt < attempts; attempt++ {
		if err := replies.Healthcheck(ctx); err == nil {
			return
		} else if attempt == attempts-1 {
			log.Warn("generation backend unreachable, replies will fail until it recovers", zap.Error(err))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reliability.ExponentialBackoff(attempt, 500*time.Millisecond, 5*time.Second)):
		}
	}
}
