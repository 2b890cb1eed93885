package asr

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/antoniostano/rachel/internal/audio"
)

var (
	ErrEmptyAudio    = errors.New("empty audio payload")
	ErrInvalidAudio  = errors.New("invalid audio payload")
	ErrTokenRequired = errors.New("wake token required")
	ErrTokenRejected = errors.New("wake token invalid or expired")
)

// TokenConsumer is the slice of the token store the engine needs.
type TokenConsumer interface {
	Consume(tok string) bool
}

// EngineConfig carries decoding defaults and the wake-phrase normalization set.
type EngineConfig struct {
	// WakeWord is the canonical spelling near-spellings are rewritten to.
	WakeWord string
	// NearSpellings are lowercased whole-utterance variants rewritten to
	// WakeWord to stabilize downstream intent matching.
	NearSpellings []string

	Language      string
	BeamSize      int
	InitialPrompt string

	// RequireToken enables wake gating: a token must be consumed before any
	// audio is decoded.
	RequireToken bool
}

// Transcript is the aggregated response for one transcription request.
type Transcript struct {
	Text                string   `json:"text"`
	Words               []Word   `json:"result"`
	Language            string   `json:"language"`
	Duration            float64  `json:"duration"`
	LanguageProbability float64  `json:"language_probability"`
	Translation         bool     `json:"translation"`
	AvgLogProb          *float64 `json:"avg_logprob,omitempty"`
}

// Engine runs gated requests through the heavyweight transcription model and
// flattens the backend's segments into a Transcript.
type Engine struct {
	registry *Registry
	tokens   TokenConsumer
	cfg      EngineConfig
	log      *zap.Logger
}

func NewEngine(registry *Registry, tokens TokenConsumer, cfg EngineConfig, log *zap.Logger) *Engine {
	if cfg.WakeWord == "" {
		cfg.WakeWord = "rachel"
	}
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.BeamSize <= 0 {
		cfg.BeamSize = 5
	}
	if cfg.InitialPrompt == "" {
		cfg.InitialPrompt = cfg.WakeWord + " open play back quit close shut down"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{registry: registry, tokens: tokens, cfg: cfg, log: log}
}

// Transcribe validates the wake token (when gating is enabled), normalizes
// the audio to the canonical rate and decodes it. Authorization is checked
// before any audio or model work so unauthorized requests never pay for
// inference.
func (e *Engine) Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string, beamSize int, wakeToken string) (Transcript, error) {
	if e.cfg.RequireToken {
		tok := strings.TrimSpace(wakeToken)
		if tok == "" {
			return Transcript{}, ErrTokenRequired
		}
		if !e.tokens.Consume(tok) {
			return Transcript{}, ErrTokenRejected
		}
	}

	if len(pcm) == 0 {
		return Transcript{}, ErrEmptyAudio
	}
	samples := audio.DecodePCM16(pcm)
	if len(samples) == 0 {
		return Transcript{}, ErrInvalidAudio
	}
	samples = audio.Resample(samples, sampleRate, audio.CanonicalRate)

	handle, err := e.registry.Get(KindTranscribe)
	if err != nil {
		return Transcript{}, err
	}

	if language == "" {
		language = e.cfg.Language
	}
	beam := beamSize
	if beam <= 0 {
		beam = e.cfg.BeamSize
	}
	if beam < 1 {
		beam = 1
	}
	if beam > 10 {
		beam = 10
	}

	res, err := handle.Model.Transcribe(ctx, samples, DecodeOptions{
		Language:       language,
		BeamSize:       beam,
		BestOf:         1,
		Temperature:    0,
		WordTimestamps: true,
		VADFilter:      true,
		MinSilenceMS:   300,
		SpeechPadMS:    200,
		InitialPrompt:  e.cfg.InitialPrompt,
	})
	if err != nil {
		e.log.Error("transcription failed", zap.Error(err))
		return Transcript{}, err
	}

	return e.aggregate(res), nil
}

func (e *Engine) aggregate(res Result) Transcript {
	var (
		words     []Word
		textParts []string
		logProbs  []float64
	)

	for _, seg := range res.Segments {
		text := strings.TrimSpace(seg.Text)
		if text != "" {
			textParts = append(textParts, text)
		}
		if seg.AvgLogProb != nil {
			logProbs = append(logProbs, *seg.AvgLogProb)
		}
		for _, w := range seg.Words {
			wordText := strings.TrimSpace(w.Text)
			if wordText == "" {
				continue
			}
			word := Word{
				Text:  wordText,
				Start: clampNonNegative(w.Start),
				End:   clampNonNegative(w.End),
			}
			if w.Confidence != nil {
				c := round4(*w.Confidence)
				word.Confidence = &c
			}
			words = append(words, word)
		}
	}

	fullText := strings.Join(textParts, " ")
	fullText = e.normalizeWakePhrase(fullText)
	if fullText == "" && len(words) > 0 {
		parts := make([]string, len(words))
		for i, w := range words {
			parts[i] = w.Text
		}
		fullText = e.normalizeWakePhrase(strings.Join(parts, " "))
	}

	out := Transcript{
		Text:                fullText,
		Words:               words,
		Language:            res.Language,
		Duration:            res.Duration,
		LanguageProbability: res.LanguageProbability,
	}
	if len(logProbs) > 0 {
		sum := 0.0
		for _, v := range logProbs {
			sum += v
		}
		mean := round4(sum / float64(len(logProbs)))
		out.AvgLogProb = &mean
	}
	return out
}

// normalizeWakePhrase rewrites a whole-utterance near-spelling of the wake
// phrase to its canonical form. Anything longer than a single noisy token is
// left untouched.
func (e *Engine) normalizeWakePhrase(text string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	for _, spelling := range e.cfg.NearSpellings {
		if normalized == spelling {
			return e.cfg.WakeWord
		}
	}
	return strings.TrimSpace(text)
}

func clampNonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
