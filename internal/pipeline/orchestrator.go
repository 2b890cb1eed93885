// Package pipeline composes the wake gate, the transcription engine, the
// reply backend, and the synthesizer into the voice assistant loop.
package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/rachel/internal/asr"
	"github.com/antoniostano/rachel/internal/observability"
	"github.com/antoniostano/rachel/internal/transcript"
	"github.com/antoniostano/rachel/internal/tts"
	"github.com/antoniostano/rachel/internal/wake"
)

// ErrEmptyText reports a reply request without any usable text.
var ErrEmptyText = errors.New("empty text payload")

// WakeDetector scans audio for the wake phrase.
type WakeDetector interface {
	Detect(ctx context.Context, pcm []byte, sampleRate int) (wake.Detection, error)
}

// Transcriber turns gated audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string, beamSize int, wakeToken string) (asr.Transcript, error)
}

// ReplyBackend generates assistant replies.
type ReplyBackend interface {
	Reply(ctx context.Context, userText string) (string, error)
	Healthcheck(ctx context.Context) error
}

// SpeechBackend renders text to audio.
type SpeechBackend interface {
	Synthesize(ctx context.Context, req tts.Request) (tts.Result, error)
	Configured() bool
}

// ModelReadiness reports whether a recognizer model is loaded.
type ModelReadiness interface {
	Ready(kind asr.Kind) bool
}

// TokenGauge exposes the count of outstanding session tokens.
type TokenGauge interface {
	Active() int
}

// Reply is the respond operation result. Audio fields are present only when
// chained synthesis ran.
type Reply struct {
	Text            string `json:"text"`
	AudioWAVBase64  string `json:"audio_wav_base64,omitempty"`
	AudioSampleRate int    `json:"audio_sample_rate,omitempty"`
}

// Health summarizes backend liveness for the readiness endpoint.
type Health struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// Orchestrator wires the pipeline stages together and records every
// interaction. All dependencies except the four stage backends are optional.
type Orchestrator struct {
	gate    WakeDetector
	engine  Transcriber
	replies ReplyBackend
	speech  SpeechBackend

	models  ModelReadiness
	tokens  TokenGauge
	store   transcript.Store
	metrics *observability.Metrics
	window  *observability.StageWindow
	log     *zap.Logger
}

type Options struct {
	Models  ModelReadiness
	Tokens  TokenGauge
	Store   transcript.Store
	Metrics *observability.Metrics
	Window  *observability.StageWindow
	Log     *zap.Logger
}

func New(gate WakeDetector, engine Transcriber, replies ReplyBackend, speech SpeechBackend, opts Options) *Orchestrator {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		gate:    gate,
		engine:  engine,
		replies: replies,
		speech:  speech,
		models:  opts.Models,
		tokens:  opts.Tokens,
		store:   opts.Store,
		metrics: opts.Metrics,
		window:  opts.Window,
		log:     log,
	}
}

// Wake scans a short audio window for the wake phrase and mints a session
// token on detection.
func (o *Orchestrator) Wake(ctx context.Context, pcm []byte, sampleRate int) (wake.Detection, error) {
	start := time.Now()
	det, err := o.gate.Detect(ctx, pcm, sampleRate)
	o.observeStage("wake", start)
	if err != nil {
		o.countBackendError("wake", err)
		return wake.Detection{}, err
	}

	if o.metrics != nil {
		outcome := "miss"
		if det.Detected {
			outcome = "detected"
			o.metrics.TokensIssued.Inc()
		}
		o.metrics.WakeDetections.WithLabelValues(outcome).Inc()
		o.updateTokenGauge()
	}

	if det.Detected {
		o.saveRecord(ctx, transcript.Record{
			Stage: transcript.StageWake,
			Text:  det.RawText,
		})
	}
	return det, nil
}

// Transcribe redeems the session token and runs full transcription.
func (o *Orchestrator) Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string, beamSize int, wakeToken string) (asr.Transcript, error) {
	start := time.Now()
	tr, err := o.engine.Transcribe(ctx, pcm, sampleRate, language, beamSize, wakeToken)
	o.observeStage("transcribe", start)

	if o.metrics != nil {
		switch {
		case err == nil:
			o.metrics.TokenConsumes.WithLabelValues("accepted").Inc()
		case errors.Is(err, asr.ErrTokenRequired), errors.Is(err, asr.ErrTokenRejected):
			o.metrics.TokenConsumes.WithLabelValues("rejected").Inc()
			if o.window != nil {
				o.window.ObserveIndicator("token_rejected")
			}
		}
		o.updateTokenGauge()
	}
	if err != nil {
		o.countBackendError("transcribe", err)
		return asr.Transcript{}, err
	}

	o.saveRecord(ctx, transcript.Record{
		Stage:    transcript.StageTranscribe,
		Text:     tr.Text,
		Language: tr.Language,
		Duration: tr.Duration,
	})
	return tr, nil
}

// Respond generates a reply for the given text. When speak is true and a
// synthesis model is configured, the reply is also rendered to audio; a
// synthesis failure then fails the whole request rather than silently
// returning text-only.
func (o *Orchestrator) Respond(ctx context.Context, text string, speak bool, voice string, speed float64) (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, ErrEmptyText
	}

	start := time.Now()
	answer, err := o.replies.Reply(ctx, text)
	o.observeStage("respond", start)
	if err != nil {
		o.countBackendError("respond", err)
		return Reply{}, err
	}

	reply := Reply{Text: answer}
	if speak && o.speech.Configured() {
		res, err := o.Synthesize(ctx, tts.Request{Text: answer, Voice: voice, Speed: speed})
		if err != nil {
			return Reply{}, err
		}
		reply.AudioWAVBase64 = base64.StdEncoding.EncodeToString(res.AudioWAV)
		reply.AudioSampleRate = res.SampleRate
	}

	o.saveRecord(ctx, transcript.Record{
		Stage: transcript.StageRespond,
		Text:  text,
		Reply: answer,
	})
	return reply, nil
}

// Synthesize renders text to a WAV payload.
func (o *Orchestrator) Synthesize(ctx context.Context, req tts.Request) (tts.Result, error) {
	start := time.Now()
	res, err := o.speech.Synthesize(ctx, req)
	o.observeStage("synthesize", start)
	if err != nil {
		o.countBackendError("synthesize", err)
		return tts.Result{}, err
	}
	return res, nil
}

// Recent returns the newest interaction records in chronological order.
func (o *Orchestrator) Recent(ctx context.Context, limit int) ([]transcript.Record, error) {
	if o.store == nil {
		return nil, nil
	}
	return o.store.Recent(ctx, limit)
}

// Healthcheck probes every backend and reports per-component state. Status
// is "degraded" when any component is not ok; the transport decides whether
// degraded still serves traffic.
func (o *Orchestrator) Healthcheck(ctx context.Context) Health {
	components := make(map[string]string)

	if o.models != nil {
		components["wake_model"] = readiness(o.models.Ready(asr.KindWake))
		components["transcribe_model"] = readiness(o.models.Ready(asr.KindTranscribe))
	}
	if err := o.replies.Healthcheck(ctx); err != nil {
		components["generation"] = "unreachable: " + err.Error()
	} else {
		components["generation"] = "ok"
	}
	if o.speech.Configured() {
		components["synthesis"] = "ok"
	} else {
		components["synthesis"] = "not configured"
	}

	status := "ok"
	for _, state := range components {
		if state != "ok" {
			status = "degraded"
			break
		}
	}
	return Health{Status: status, Components: components}
}

// Stats snapshots the rolling stage latency window.
func (o *Orchestrator) Stats() observability.StageSnapshot {
	if o.window == nil {
		return observability.StageSnapshot{}
	}
	return o.window.Snapshot()
}

func (o *Orchestrator) observeStage(stage string, start time.Time) {
	elapsed := time.Since(start)
	if o.metrics != nil {
		o.metrics.ObserveStage(stage, elapsed)
	}
	if o.window != nil {
		o.window.Observe(stage, float64(elapsed.Milliseconds()))
	}
}

func (o *Orchestrator) countBackendError(backend string, err error) {
	if o.metrics == nil || err == nil {
		return
	}
	code := "error"
	switch {
	case errors.Is(err, asr.ErrEmptyAudio), errors.Is(err, asr.ErrInvalidAudio), errors.Is(err, ErrEmptyText):
		code = "bad_input"
	case errors.Is(err, asr.ErrTokenRequired), errors.Is(err, asr.ErrTokenRejected):
		code = "unauthorized"
	case errors.Is(err, tts.ErrModelNotConfigured):
		code = "not_configured"
	}
	o.metrics.BackendErrors.WithLabelValues(backend, code).Inc()
}

func (o *Orchestrator) updateTokenGauge() {
	if o.metrics != nil && o.tokens != nil {
		o.metrics.ActiveTokens.Set(float64(o.tokens.Active()))
	}
}

func (o *Orchestrator) saveRecord(ctx context.Context, record transcript.Record) {
	if o.store == nil {
		return
	}
	if err := o.store.Save(ctx, transcript.Scrub(record)); err != nil {
		o.log.Warn("failed to persist interaction record", zap.Error(err))
	}
}

func readiness(ready bool) string {
	if ready {
		return "ok"
	}
	return "not loaded"
}
