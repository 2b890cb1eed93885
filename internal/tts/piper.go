// Package tts wraps the Piper synthesizer subprocess.
package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/antoniostano/rachel/internal/audio"
)

var (
	// ErrModelNotConfigured means no synthesis model path was configured.
	ErrModelNotConfigured = errors.New("piper model path is not configured")
	// ErrExecutableNotFound means the piper binary is not installed or not on PATH.
	ErrExecutableNotFound = errors.New("piper executable not found")
	// ErrNoOutput means piper exited cleanly but produced no audio file.
	ErrNoOutput = errors.New("piper did not generate an output file")
	// ErrVolumeOutOfRange rejects playback volume hints outside [0, 2].
	ErrVolumeOutOfRange = errors.New("volume must be between 0 and 2")
)

// SynthesisError reports a non-zero piper exit with its stderr tail.
type SynthesisError struct {
	Stderr string
}

func (e *SynthesisError) Error() string {
	if e.Stderr == "" {
		return "piper returned a non-zero exit code"
	}
	return "piper failed: " + e.Stderr
}

const (
	DefaultSampleRate = 22050

	speedMin     = 0.1
	speedMax     = 4.0
	speedEpsilon = 1e-3

	volumeMax = 2.0
)

// Config carries the backend invocation surface.
type Config struct {
	Executable string // defaults to "piper"
	ModelPath  string
	ConfigPath string

	// SpeakerMap resolves voice hints to backend speaker identifiers.
	SpeakerMap map[string]string
	// DefaultSpeaker applies when the hint is absent or unmapped; empty
	// means no speaker override at all.
	DefaultSpeaker string

	NoiseScale     string
	NoiseW         string
	SpeakerLatency string

	// SampleRate is reported when the output container cannot be inspected.
	SampleRate int
	// MaxConcurrent bounds simultaneous piper subprocesses.
	MaxConcurrent int64
}

// Request is one synthesis invocation.
type Request struct {
	Text  string  `json:"text"`
	Voice string  `json:"voice,omitempty"`
	Speed float64 `json:"speed,omitempty"`
	// Volume is a client-side playback hint in [0, 2]; the backend never
	// sees it, but out-of-range values are rejected.
	Volume float64 `json:"volume,omitempty"`
	Play   bool    `json:"play,omitempty"`
}

// Result carries the encoded audio and the rate it was produced at.
type Result struct {
	AudioWAV   []byte
	SampleRate int
}

// Synthesizer shells out to piper per request, bounded by a worker
// semaphore so concurrent requests are not serialized behind one another
// while still capping subprocess fan-out.
type Synthesizer struct {
	cfg Config
	sem *semaphore.Weighted
	log *zap.Logger
}

func New(cfg Config, log *zap.Logger) *Synthesizer {
	if cfg.Executable == "" {
		cfg.Executable = "piper"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 2
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Synthesizer{
		cfg: cfg,
		sem: semaphore.NewWeighted(cfg.MaxConcurrent),
		log: log,
	}
}

// Configured reports whether synthesis can run at all. The orchestrator
// skips chained synthesis when this is false; it never skips on failure.
func (s *Synthesizer) Configured() bool {
	return strings.TrimSpace(s.cfg.ModelPath) != ""
}

// Synthesize runs one piper invocation in a private temp directory and reads
// back the produced WAV. Each misconfiguration and failure mode surfaces as
// its own error; none degrade into an empty success.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (Result, error) {
	text := Speakable(req.Text)
	if text == "" {
		return Result{}, fmt.Errorf("empty synthesis text")
	}
	if req.Volume < 0 || req.Volume > volumeMax {
		return Result{}, ErrVolumeOutOfRange
	}
	if !s.Configured() {
		return Result{}, ErrModelNotConfigured
	}

	exePath, err := exec.LookPath(s.cfg.Executable)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %q", ErrExecutableNotFound, s.cfg.Executable)
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return Result{}, err
	}
	defer s.sem.Release(1)

	tmpDir, err := os.MkdirTemp("", "rachel-tts-*")
	if err != nil {
		return Result{}, err
	}
	defer os.RemoveAll(tmpDir)

	outPath := filepath.Join(tmpDir, "out.wav")
	args := s.buildArgs(outPath, req.Voice, req.Speed)

	cmd := exec.CommandContext(ctx, exePath, args...)
	cmd.Stdin = strings.NewReader(text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		detail := strings.TrimSpace(stderr.String())
		if len(detail) > 4<<10 {
			detail = strings.TrimSpace(detail[len(detail)-(4<<10):])
		}
		s.log.Error("piper synthesis failed", zap.String("stderr", detail))
		return Result{}, &SynthesisError{Stderr: detail}
	}

	wav, err := os.ReadFile(outPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Result{}, ErrNoOutput
		}
		return Result{}, err
	}
	if len(wav) == 0 {
		return Result{}, ErrNoOutput
	}

	rate, err := audio.ReadWAVSampleRate(wav)
	if err != nil {
		rate = s.cfg.SampleRate
	}
	return Result{AudioWAV: wav, SampleRate: rate}, nil
}

func (s *Synthesizer) buildArgs(outPath, voice string, speed float64) []string {
	args := []string{"--model", s.cfg.ModelPath, "--output_file", outPath}

	if s.cfg.ConfigPath != "" {
		args = append(args, "--config", s.cfg.ConfigPath)
	}
	if speaker := s.resolveSpeaker(voice); speaker != "" {
		args = append(args, "--speaker", speaker)
	}

	clamped := clampSpeed(speed)
	if math.Abs(clamped-1.0) > speedEpsilon {
		// Piper's length_scale is the inverse of speed: lower is faster.
		lengthScale := math.Round(1.0/clamped*1000) / 1000
		args = append(args, "--length_scale", strconv.FormatFloat(lengthScale, 'f', -1, 64))
	}

	if s.cfg.NoiseScale != "" {
		args = append(args, "--noise_scale", s.cfg.NoiseScale)
	}
	if s.cfg.NoiseW != "" {
		args = append(args, "--noise_w", s.cfg.NoiseW)
	}
	if s.cfg.SpeakerLatency != "" {
		args = append(args, "--speaker_latency", s.cfg.SpeakerLatency)
	}
	return args
}

func (s *Synthesizer) resolveSpeaker(voice string) string {
	if v := strings.ToLower(strings.TrimSpace(voice)); v != "" {
		if speaker, ok := s.cfg.SpeakerMap[v]; ok && speaker != "" {
			return speaker
		}
	}
	return s.cfg.DefaultSpeaker
}

func clampSpeed(speed float64) float64 {
	if speed <= 0 {
		return 1.0
	}
	if speed < speedMin {
		return speedMin
	}
	if speed > speedMax {
		return speedMax
	}
	return speed
}

// ParseSpeakerMap parses "voice:speaker,voice:speaker" configuration text.
// Malformed items are skipped.
func ParseSpeakerMap(raw string) map[string]string {
	mapping := make(map[string]string)
	for _, item := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(item, ":")
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if key != "" && value != "" {
			mapping[key] = value
		}
	}
	return mapping
}
