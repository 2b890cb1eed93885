package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/antoniostano/rachel/internal/asr"
	"github.com/antoniostano/rachel/internal/audio"
	"github.com/antoniostano/rachel/internal/llm"
	"github.com/antoniostano/rachel/internal/observability"
	"github.com/antoniostano/rachel/internal/pipeline"
	"github.com/antoniostano/rachel/internal/transcript"
	"github.com/antoniostano/rachel/internal/tts"
	"github.com/antoniostano/rachel/internal/wake"
)

type fakePipeline struct {
	wakeDet    wake.Detection
	wakeErr    error
	transcript asr.Transcript
	trErr      error
	reply      pipeline.Reply
	replyErr   error
	synthRes   tts.Result
	synthErr   error
	records    []transcript.Record
	health     pipeline.Health

	lastSampleRate int
	lastToken      string
	lastBeam       int
	lastPCM        []byte
}

func (f *fakePipeline) Wake(_ context.Context, pcm []byte, sampleRate int) (wake.Detection, error) {
	f.lastPCM = append([]byte(nil), pcm...)
	f.lastSampleRate = sampleRate
	return f.wakeDet, f.wakeErr
}

func (f *fakePipeline) Transcribe(_ context.Context, pcm []byte, sampleRate int, _ string, beamSize int, wakeToken string) (asr.Transcript, error) {
	f.lastPCM = append([]byte(nil), pcm...)
	f.lastSampleRate = sampleRate
	f.lastBeam = beamSize
	f.lastToken = wakeToken
	return f.transcript, f.trErr
}

func (f *fakePipeline) Respond(_ context.Context, text string, _ bool, _ string, _ float64) (pipeline.Reply, error) {
	if strings.TrimSpace(text) == "" {
		return pipeline.Reply{}, pipeline.ErrEmptyText
	}
	return f.reply, f.replyErr
}

func (f *fakePipeline) Synthesize(context.Context, tts.Request) (tts.Result, error) {
	return f.synthRes, f.synthErr
}

func (f *fakePipeline) Recent(context.Context, int) ([]transcript.Record, error) {
	return f.records, nil
}

func (f *fakePipeline) Healthcheck(context.Context) pipeline.Health {
	if f.health.Status == "" {
		return pipeline.Health{Status: "ok", Components: map[string]string{}}
	}
	return f.health
}

func (f *fakePipeline) Stats() observability.StageSnapshot {
	return observability.StageSnapshot{}
}

func newTestServer(fp *fakePipeline) *httptest.Server {
	return httptest.NewServer(New(fp, Options{}, nil).Router())
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(&fakePipeline{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestReadyzDegraded(t *testing.T) {
	fp := &fakePipeline{health: pipeline.Health{
		Status:     "degraded",
		Components: map[string]string{"generation": "unreachable: refused"},
	}}
	ts := newTestServer(fp)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestWakePassesSampleRate(t *testing.T) {
	word := "rachel"
	fp := &fakePipeline{wakeDet: wake.Detection{Detected: true, WakeWord: &word, WakeToken: "tok"}}
	ts := newTestServer(fp)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/wake?sample_rate=44100", "application/octet-stream", bytes.NewReader(make([]byte, 64)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if fp.lastSampleRate != 44100 {
		t.Fatalf("sample rate = %d, want 44100", fp.lastSampleRate)
	}

	var det wake.Detection
	if err := json.NewDecoder(resp.Body).Decode(&det); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !det.Detected || det.WakeToken != "tok" {
		t.Fatalf("unexpected detection %+v", det)
	}
}

func TestWakeEmptyAudioBadRequest(t *testing.T) {
	fp := &fakePipeline{wakeErr: asr.ErrEmptyAudio}
	ts := newTestServer(fp)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/wake", "application/octet-stream", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestTranscribeForwardsParamsAndRejectsToken(t *testing.T) {
	fp := &fakePipeline{trErr: asr.ErrTokenRejected}
	ts := newTestServer(fp)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/transcribe?sample_rate=22050&beam_size=7&wake_token=bad", "application/octet-stream", bytes.NewReader(make([]byte, 64)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if fp.lastSampleRate != 22050 || fp.lastBeam != 7 || fp.lastToken != "bad" {
		t.Fatalf("params not forwarded: rate=%d beam=%d token=%q", fp.lastSampleRate, fp.lastBeam, fp.lastToken)
	}

	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Code != "forbidden" {
		t.Fatalf("code = %q, want forbidden", body.Code)
	}
}

func TestRespondUpstreamFailure(t *testing.T) {
	fp := &fakePipeline{replyErr: &llm.GenerationError{Cause: "timeout", Err: errors.New("deadline")}}
	ts := newTestServer(fp)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/respond", "application/json", strings.NewReader(`{"text":"hello"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
}

func TestRespondEmptyText(t *testing.T) {
	ts := newTestServer(&fakePipeline{})
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/respond", "application/json", strings.NewReader(`{"text":"  "}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSynthesizeReturnsBase64JSON(t *testing.T) {
	fp := &fakePipeline{synthRes: tts.Result{AudioWAV: []byte("RIFFaudio"), SampleRate: 22050}}
	ts := newTestServer(fp)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/tts", "application/json", strings.NewReader(`{"text":"hello"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content type = %q, want application/json", ct)
	}
	var body struct {
		AudioWAVBase64 string `json:"audio_wav_base64"`
		SampleRate     int    `json:"sample_rate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.SampleRate != 22050 {
		t.Fatalf("sample_rate = %d, want 22050", body.SampleRate)
	}
	wav, err := base64.StdEncoding.DecodeString(body.AudioWAVBase64)
	if err != nil {
		t.Fatalf("audio_wav_base64 is not valid base64: %v", err)
	}
	if !bytes.Equal(wav, []byte("RIFFaudio")) {
		t.Fatalf("decoded audio = %q, want %q", wav, "RIFFaudio")
	}
}

func TestSynthesizeUnconfigured(t *testing.T) {
	fp := &fakePipeline{synthErr: tts.ErrModelNotConfigured}
	ts := newTestServer(fp)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/tts", "application/json", strings.NewReader(`{"text":"hello"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestTranscriptsEndpoint(t *testing.T) {
	fp := &fakePipeline{records: []transcript.Record{{ID: "r1", Stage: transcript.StageWake, Text: "rachel"}}}
	ts := newTestServer(fp)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/transcripts?limit=5")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Records []transcript.Record `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Records) != 1 || body.Records[0].ID != "r1" {
		t.Fatalf("unexpected records %+v", body.Records)
	}
}

// wavWithListChunk builds a mono PCM16 WAV whose chunk list carries a LIST
// chunk between "fmt " and "data", the layout many recorders emit.
func wavWithListChunk(t *testing.T, pcm []byte, sampleRate int) []byte {
	t.Helper()
	canonical, err := audio.EncodeWAVPCM16LE(pcm, sampleRate)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	// Canonical layout is RIFF header (12) + fmt chunk (24) + data chunk.
	list := []byte{'L', 'I', 'S', 'T', 6, 0, 0, 0, 'I', 'N', 'F', 'O', 'x', 'x'}
	out := make([]byte, 0, len(canonical)+len(list))
	out = append(out, canonical[:36]...)
	out = append(out, list...)
	out = append(out, canonical[36:]...)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(out)-8))
	return out
}

func TestWakeAcceptsNonCanonicalWAV(t *testing.T) {
	pcm := []byte{0x01, 0x00, 0x02, 0x00, 0x03, 0x00, 0x04, 0x00}
	wav := wavWithListChunk(t, pcm, 8000)

	fp := &fakePipeline{wakeDet: wake.Detection{Detected: true, WakeToken: "tok"}}
	ts := newTestServer(fp)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/wake?sample_rate=44100", "audio/wav", bytes.NewReader(wav))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if fp.lastSampleRate != 8000 {
		t.Fatalf("sample rate = %d, want container rate 8000", fp.lastSampleRate)
	}
	if !bytes.Equal(fp.lastPCM, pcm) {
		t.Fatalf("pcm = %v, want data-chunk frames %v", fp.lastPCM, pcm)
	}
}

func TestIntQuery(t *testing.T) {
	if got := intQuery("", 7); got != 7 {
		t.Fatalf("empty = %d, want 7", got)
	}
	if got := intQuery("12", 7); got != 12 {
		t.Fatalf("12 = %d", got)
	}
	if got := intQuery("junk", 7); got != 7 {
		t.Fatalf("junk = %d, want 7", got)
	}
}
