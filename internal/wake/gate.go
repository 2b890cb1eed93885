// Package wake decides from a short audio clip whether the wake phrase was
// spoken and, if so, authorizes one follow-up transcription.
package wake

import (
	"context"
	"strings"

	"github.com/agext/levenshtein"
	"go.uber.org/zap"

	"github.com/antoniostano/rachel/internal/asr"
	"github.com/antoniostano/rachel/internal/audio"
)

// Config carries the wake vocabulary and gating hints.
type Config struct {
	// Phrase is the canonical wake word reported on detection.
	Phrase string
	// Variants are accepted spellings, canonical form included. Recognizer
	// output matching any variant (exactly or fuzzily) counts as detection.
	Variants []string
	// Threshold is the minimum normalized similarity for a fuzzy match.
	// Hand-tuned default of 0.6; not derived empirically.
	Threshold float64

	// RecordSeconds hints how long the client should record the follow-up.
	RecordSeconds float64
	// Cue names an auxiliary playback cue the client may play on detection.
	Cue string
}

// DefaultVariants mirrors the deployed alias list for the "rachel" phrase.
var DefaultVariants = []string{"rachel", "richel", "richelle", "rachal", "raychel", "ra chel", "rach el"}

// TokenIssuer is the slice of the token store the gate needs.
type TokenIssuer interface {
	Issue() string
}

// Detection is the wake decision returned to the client.
type Detection struct {
	Detected      bool     `json:"detected"`
	WakeWord      *string  `json:"wake_word"`
	Confidence    *float64 `json:"confidence"`
	RawText       string   `json:"raw_text"`
	WakeToken     string   `json:"wake_token,omitempty"`
	RecordSeconds float64  `json:"record_seconds,omitempty"`
	Cue           string   `json:"cue,omitempty"`
}

// Gate runs the cheap wake recognizer over normalized audio and issues a
// single-use token on detection.
type Gate struct {
	registry *asr.Registry
	tokens   TokenIssuer
	cfg      Config
	log      *zap.Logger
}

func NewGate(registry *asr.Registry, tokens TokenIssuer, cfg Config, log *zap.Logger) *Gate {
	if cfg.Phrase == "" {
		cfg.Phrase = "rachel"
	}
	if len(cfg.Variants) == 0 {
		cfg.Variants = DefaultVariants
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = 0.6
	}
	if cfg.RecordSeconds <= 0 {
		cfg.RecordSeconds = 4.0
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{registry: registry, tokens: tokens, cfg: cfg, log: log}
}

// Detect normalizes the clip, runs the closed-vocabulary recognizer and
// matches its best guess against the configured variants.
func (g *Gate) Detect(ctx context.Context, pcm []byte, sampleRate int) (Detection, error) {
	if len(pcm) == 0 {
		return Detection{}, asr.ErrEmptyAudio
	}
	samples := audio.DecodePCM16(pcm)
	if len(samples) == 0 {
		return Detection{}, asr.ErrInvalidAudio
	}
	samples = audio.Resample(samples, sampleRate, audio.CanonicalRate)

	handle, err := g.registry.Get(asr.KindWake)
	if err != nil {
		return Detection{}, err
	}

	grammar := make([]string, 0, len(g.cfg.Variants)+1)
	grammar = append(grammar, g.cfg.Variants...)
	grammar = append(grammar, asr.UnknownToken)

	res, err := handle.Model.Transcribe(ctx, samples, asr.DecodeOptions{
		Temperature:    0,
		WordTimestamps: true,
		Grammar:        grammar,
	})
	if err != nil {
		g.log.Error("wake recognition failed", zap.Error(err))
		return Detection{}, err
	}

	raw := recognizedText(res)
	det := Detection{RawText: raw}

	variant, ok := g.matchVariant(raw)
	if !ok {
		return det, nil
	}

	det.Detected = true
	det.WakeWord = &variant
	det.Confidence = maxWordConfidence(res)
	det.WakeToken = g.tokens.Issue()
	det.RecordSeconds = g.cfg.RecordSeconds
	det.Cue = g.cfg.Cue

	g.log.Info("wake phrase detected",
		zap.String("variant", variant),
		zap.String("raw_text", raw))
	return det, nil
}

// matchVariant accepts an exact variant match, otherwise the closest variant
// whose similarity clears the threshold.
func (g *Gate) matchVariant(raw string) (string, bool) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" || raw == asr.UnknownToken {
		return "", false
	}

	for _, v := range g.cfg.Variants {
		if raw == strings.ToLower(v) {
			return v, true
		}
	}

	best := ""
	bestScore := 0.0
	for _, v := range g.cfg.Variants {
		score := levenshtein.Match(raw, strings.ToLower(v), nil)
		if score > bestScore {
			best, bestScore = v, score
		}
	}
	if bestScore >= g.cfg.Threshold {
		return best, true
	}
	return "", false
}

func recognizedText(res asr.Result) string {
	var parts []string
	for _, seg := range res.Segments {
		if t := strings.TrimSpace(seg.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.ToLower(strings.Join(parts, " "))
}

func maxWordConfidence(res asr.Result) *float64 {
	var max *float64
	for _, seg := range res.Segments {
		for _, w := range seg.Words {
			if w.Confidence == nil {
				continue
			}
			if max == nil || *w.Confidence > *max {
				c := *w.Confidence
				max = &c
			}
		}
	}
	return max
}
