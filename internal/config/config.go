package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice pipeline service.
type Config struct {
	BindAddr         string
	MetricsNamespace string
	ShutdownTimeout  time.Duration
	AllowAnyOrigin   bool
	MaxAudioBytes    int64

	WakeWord           string
	WakeWordAliases    []string
	WakeMatchThreshold float64
	WakeRecordSeconds  float64
	WakeCue            string
	WakeTokenTTL       time.Duration

	WhisperServerBin   string
	WhisperWakeModel   string
	WhisperModel       string
	WhisperDevice      string
	WhisperComputeType string
	WhisperLanguage    string
	WhisperBeamSize    int
	WhisperThreads     int
	ASRMaxConcurrent   int

	OllamaBaseURL string
	OllamaModel   string
	OllamaTimeout time.Duration
	OllamaSystem  string

	OllamaTemperature   float64
	OllamaTopP          float64
	OllamaTopK          int
	OllamaMaxTokens     int
	OllamaRepeatPenalty float64

	PiperBin            string
	PiperModelPath      string
	PiperConfigPath     string
	PiperSpeakerMap     string
	PiperDefaultSpeaker string
	PiperNoiseScale     string
	PiperNoiseW         string
	PiperSampleRate     int
	PiperMaxConcurrent  int

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "rachel"),
		ShutdownTimeout:  15 * time.Second,
		MaxAudioBytes:    10 << 20,

		WakeWord: envOrDefault("WAKE_WORD", "rachel"),
		// Frequent recognizer misspellings of the wake word.
		WakeWordAliases:    splitList(envOrDefault("WAKE_WORD_ALIASES", "richel,richelle,rachal,raychel,ra chel,rach el")),
		WakeMatchThreshold: 0.6,
		WakeRecordSeconds:  4.0,
		WakeCue:            stringsTrimSpace("WAKE_CUE"),
		WakeTokenTTL:       30 * time.Second,

		WhisperServerBin:   envOrDefault("WHISPER_SERVER_BIN", "whisper-server"),
		WhisperWakeModel:   envOrDefault("WHISPER_WAKE_MODEL_PATH", ".models/whisper/ggml-tiny.en.bin"),
		WhisperModel:       envOrDefault("WHISPER_MODEL_PATH", ".models/whisper/ggml-base.en.bin"),
		WhisperDevice:      envOrDefault("WHISPER_DEVICE", "cuda"),
		WhisperComputeType: envOrDefault("WHISPER_COMPUTE_TYPE", "float16"),
		WhisperLanguage:    envOrDefault("WHISPER_LANGUAGE", "en"),
		WhisperBeamSize:    5,
		// 0 means "auto" (picked based on CPU count).
		WhisperThreads:   0,
		ASRMaxConcurrent: 1,

		OllamaBaseURL: envOrDefault("OLLAMA_BASE_URL", "http://127.0.0.1:11434"),
		OllamaModel:   envOrDefault("OLLAMA_MODEL", "llama3.1:8b"),
		OllamaTimeout: 30 * time.Second,
		OllamaSystem:  stringsTrimSpace("OLLAMA_SYSTEM_PROMPT"),

		OllamaTemperature:   0.6,
		OllamaTopP:          0.9,
		OllamaTopK:          40,
		OllamaMaxTokens:     128,
		OllamaRepeatPenalty: 1.1,

		PiperBin:            envOrDefault("PIPER_BIN", "piper"),
		PiperModelPath:      stringsTrimSpace("PIPER_MODEL_PATH"),
		PiperConfigPath:     stringsTrimSpace("PIPER_CONFIG_PATH"),
		PiperSpeakerMap:     stringsTrimSpace("PIPER_SPEAKER_MAP"),
		PiperDefaultSpeaker: stringsTrimSpace("PIPER_DEFAULT_SPEAKER"),
		PiperNoiseScale:     stringsTrimSpace("PIPER_NOISE_SCALE"),
		PiperNoiseW:         stringsTrimSpace("PIPER_NOISE_W"),
		PiperSampleRate:     22050,
		PiperMaxConcurrent:  2,

		DatabaseURL: stringsTrimSpace("DATABASE_URL"),
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	maxAudio, err := intFromEnv("APP_MAX_AUDIO_BYTES", int(cfg.MaxAudioBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxAudioBytes = int64(maxAudio)

	cfg.WakeMatchThreshold, err = floatFromEnv("WAKE_MATCH_THRESHOLD", cfg.WakeMatchThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.WakeRecordSeconds, err = floatFromEnv("WAKE_RECORD_SECONDS", cfg.WakeRecordSeconds)
	if err != nil {
		return Config{}, err
	}
	cfg.WakeTokenTTL, err = durationFromEnv("WAKE_TOKEN_TTL", cfg.WakeTokenTTL)
	if err != nil {
		return Config{}, err
	}

	cfg.WhisperBeamSize, err = intFromEnv("WHISPER_BEAM_SIZE", cfg.WhisperBeamSize)
	if err != nil {
		return Config{}, err
	}
	cfg.WhisperThreads, err = intFromEnv("WHISPER_THREADS", cfg.WhisperThreads)
	if err != nil {
		return Config{}, err
	}
	cfg.ASRMaxConcurrent, err = intFromEnv("ASR_MAX_CONCURRENT", cfg.ASRMaxConcurrent)
	if err != nil {
		return Config{}, err
	}

	cfg.OllamaTimeout, err = durationFromEnv("OLLAMA_TIMEOUT", cfg.OllamaTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.OllamaTemperature, err = floatFromEnv("OLLAMA_TEMPERATURE", cfg.OllamaTemperature)
	if err != nil {
		return Config{}, err
	}
	cfg.OllamaTopP, err = floatFromEnv("OLLAMA_TOP_P", cfg.OllamaTopP)
	if err != nil {
		return Config{}, err
	}
	cfg.OllamaTopK, err = intFromEnv("OLLAMA_TOP_K", cfg.OllamaTopK)
	if err != nil {
		return Config{}, err
	}
	cfg.OllamaMaxTokens, err = intFromEnv("OLLAMA_MAX_TOKENS", cfg.OllamaMaxTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.OllamaRepeatPenalty, err = floatFromEnv("OLLAMA_REPEAT_PENALTY", cfg.OllamaRepeatPenalty)
	if err != nil {
		return Config{}, err
	}

	cfg.PiperSampleRate, err = intFromEnv("PIPER_SAMPLE_RATE", cfg.PiperSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.PiperMaxConcurrent, err = intFromEnv("PIPER_MAX_CONCURRENT", cfg.PiperMaxConcurrent)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(cfg.WakeWord) == "" {
		return Config{}, fmt.Errorf("WAKE_WORD must not be empty")
	}
	if cfg.WakeMatchThreshold <= 0 || cfg.WakeMatchThreshold > 1 {
		return Config{}, fmt.Errorf("WAKE_MATCH_THRESHOLD must be in (0, 1]")
	}
	if cfg.WakeRecordSeconds <= 0 {
		return Config{}, fmt.Errorf("WAKE_RECORD_SECONDS must be positive")
	}
	if cfg.WakeTokenTTL < time.Second {
		return Config{}, fmt.Errorf("WAKE_TOKEN_TTL must be at least 1s")
	}
	if cfg.WhisperBeamSize <= 0 {
		return Config{}, fmt.Errorf("WHISPER_BEAM_SIZE must be positive")
	}
	if cfg.WhisperThreads < 0 {
		return Config{}, fmt.Errorf("WHISPER_THREADS must be >= 0")
	}
	if cfg.ASRMaxConcurrent <= 0 {
		return Config{}, fmt.Errorf("ASR_MAX_CONCURRENT must be positive")
	}
	if cfg.OllamaTemperature < 0 {
		return Config{}, fmt.Errorf("OLLAMA_TEMPERATURE must be >= 0")
	}
	if cfg.OllamaTopP <= 0 || cfg.OllamaTopP > 1 {
		return Config{}, fmt.Errorf("OLLAMA_TOP_P must be in (0, 1]")
	}
	if cfg.OllamaTopK <= 0 {
		return Config{}, fmt.Errorf("OLLAMA_TOP_K must be positive")
	}
	if cfg.OllamaMaxTokens <= 0 {
		return Config{}, fmt.Errorf("OLLAMA_MAX_TOKENS must be positive")
	}
	if cfg.OllamaRepeatPenalty <= 0 {
		return Config{}, fmt.Errorf("OLLAMA_REPEAT_PENALTY must be positive")
	}
	if cfg.PiperSampleRate <= 0 {
		return Config{}, fmt.Errorf("PIPER_SAMPLE_RATE must be positive")
	}
	if cfg.PiperMaxConcurrent <= 0 {
		return Config{}, fmt.Errorf("PIPER_MAX_CONCURRENT must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
