// Package httpapi exposes the voice pipeline over HTTP and websocket.
package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/antoniostano/rachel/internal/asr"
	"github.com/antoniostano/rachel/internal/audio"
	"github.com/antoniostano/rachel/internal/observability"
	"github.com/antoniostano/rachel/internal/pipeline"
	"github.com/antoniostano/rachel/internal/reliability"
	"github.com/antoniostano/rachel/internal/transcript"
	"github.com/antoniostano/rachel/internal/tts"
	"github.com/antoniostano/rachel/internal/wake"
)

// Pipeline is the orchestrator surface the transport depends on.
type Pipeline interface {
	Wake(ctx context.Context, pcm []byte, sampleRate int) (wake.Detection, error)
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string, beamSize int, wakeToken string) (asr.Transcript, error)
	Respond(ctx context.Context, text string, speak bool, voice string, speed float64) (pipeline.Reply, error)
	Synthesize(ctx context.Context, req tts.Request) (tts.Result, error)
	Recent(ctx context.Context, limit int) ([]transcript.Record, error)
	Healthcheck(ctx context.Context) pipeline.Health
	Stats() observability.StageSnapshot
}

// Options tunes transport behavior.
type Options struct {
	// AllowAnyOrigin disables the same-origin websocket check.
	AllowAnyOrigin bool
	// MaxAudioBytes caps raw PCM request bodies. Zero means 10 MiB.
	MaxAudioBytes int64
}

type Server struct {
	pipeline Pipeline
	opts     Options
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func New(p Pipeline, opts Options, log *zap.Logger) *Server {
	if opts.MaxAudioBytes <= 0 {
		opts.MaxAudioBytes = 10 << 20
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		pipeline: p,
		opts:     opts,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections may stream mic audio
				// unless the deployment explicitly opts out.
				if opts.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				return sameOrigin(origin, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/wake", s.handleWake)
	r.Post("/transcribe", s.handleTranscribe)
	r.Post("/respond", s.handleRespond)
	r.Post("/tts", s.handleSynthesize)

	r.Get("/v1/voice/stream", s.handleStream)
	r.Get("/v1/transcripts", s.handleTranscripts)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	health := s.pipeline.Healthcheck(r.Context())
	status := http.StatusOK
	if health.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, health)
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	pcm, sampleRate, err := s.readAudio(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	det, err := s.pipeline.Wake(r.Context(), pcm, sampleRate)
	if err != nil {
		s.respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, det)
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	pcm, sampleRate, err := s.readAudio(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	q := r.URL.Query()
	language := strings.TrimSpace(q.Get("language"))
	beamSize := intQuery(q.Get("beam_size"), 0)
	wakeToken := strings.TrimSpace(q.Get("wake_token"))

	tr, err := s.pipeline.Transcribe(r.Context(), pcm, sampleRate, language, beamSize, wakeToken)
	if err != nil {
		s.respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tr)
}

type respondRequest struct {
	Text  string  `json:"text"`
	Speak bool    `json:"speak,omitempty"`
	Voice string  `json:"voice,omitempty"`
	Speed float64 `json:"speed,omitempty"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	reply, err := s.pipeline.Respond(r.Context(), req.Text, req.Speak, req.Voice, req.Speed)
	if err != nil {
		s.respondPipelineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, reply)
}

func (s *Server) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	var req tts.Request
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}

	res, err := s.pipeline.Synthesize(r.Context(), req)
	if err != nil {
		s.respondPipelineError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, synthesizeResponse{
		AudioWAVBase64: base64.StdEncoding.EncodeToString(res.AudioWAV),
		SampleRate:     res.SampleRate,
	})
}

type synthesizeResponse struct {
	AudioWAVBase64 string `json:"audio_wav_base64"`
	SampleRate     int    `json:"sample_rate"`
}

func (s *Server) handleTranscripts(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r.URL.Query().Get("limit"), 20)
	records, err := s.pipeline.Recent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if records == nil {
		records = []transcript.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.pipeline.Stats())
}

// readAudio reads a raw little-endian PCM16 body and the declared capture
// rate. WAV uploads are also accepted; the container rate then wins over the
// query parameter.
func (s *Server) readAudio(w http.ResponseWriter, r *http.Request) ([]byte, int, error) {
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxAudioBytes)
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, 0, errors.New("audio body too large or unreadable")
	}

	sampleRate := intQuery(r.URL.Query().Get("sample_rate"), audio.CanonicalRate)
	if sampleRate <= 0 {
		return nil, 0, errors.New("sample_rate must be positive")
	}

	if pcm, rate, err := audio.DecodeWAVPCM16(data); err == nil {
		return pcm, rate, nil
	}
	return data, sampleRate, nil
}

func (s *Server) respondPipelineError(w http.ResponseWriter, err error) {
	status := reliability.StatusForError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("pipeline request failed", zap.Int("status", status), zap.Error(err))
	}
	respondError(w, status, errorCode(status), err.Error())
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusBadGateway:
		return "upstream_error"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "internal_error"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func intQuery(raw string, fallback int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func sameOrigin(origin, host string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, host)
}
