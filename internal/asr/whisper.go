package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/antoniostano/rachel/internal/audio"
)

// WhisperConfig configures a whisper-server subprocess backend.
type WhisperConfig struct {
	ServerBinary string // defaults to "whisper-server"
	ModelPath    string
	Language     string
	Threads      int
	Device       string // "cpu" disables GPU offload
}

type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = 16 << 10
	}
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

// WhisperServer runs a whisper.cpp server subprocess and implements Model
// over its HTTP inference endpoint.
type WhisperServer struct {
	mu      sync.Mutex
	cmd     *exec.Cmd
	baseURL string
	client  *http.Client
	logTail *tailBuffer
	closed  bool
}

// StartWhisperServer launches the subprocess and waits for it to come up.
// It is the default BuildFunc target for both registry kinds.
func StartWhisperServer(cfg WhisperConfig) (*WhisperServer, error) {
	binary := strings.TrimSpace(cfg.ServerBinary)
	if binary == "" {
		binary = "whisper-server"
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.ModelPath) == "" {
		return nil, fmt.Errorf("whisper model path is required")
	}

	port, err := pickFreePort()
	if err != nil {
		return nil, err
	}

	language := strings.TrimSpace(cfg.Language)
	if language == "" {
		language = "en"
	}

	args := []string{
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(port),
		"-m", cfg.ModelPath,
		"-l", language,
	}
	if cfg.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(cfg.Threads))
	}
	if strings.EqualFold(strings.TrimSpace(cfg.Device), "cpu") {
		args = append(args, "--no-gpu")
	}

	tail := newTailBuffer(24 << 10)
	cmd := exec.Command(path, args...)
	cmd.Stdout = tail
	cmd.Stderr = tail

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	client := &http.Client{}

	// Wait until the server is reachable.
	deadline := time.Now().Add(25 * time.Second)
	for time.Now().Before(deadline) {
		req, _ := http.NewRequest(http.MethodGet, baseURL+"/", nil)
		resp, err := client.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return &WhisperServer{
					cmd:     cmd,
					baseURL: baseURL,
					client:  client,
					logTail: tail,
				}, nil
			}
		}
		time.Sleep(80 * time.Millisecond)
	}

	_ = cmd.Process.Kill()
	_ = cmd.Wait()
	msg := tail.String()
	if msg == "" {
		msg = "whisper-server did not become ready"
	}
	return nil, fmt.Errorf("%s", msg)
}

func pickFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close()
	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok || addr == nil || addr.Port == 0 {
		return 0, fmt.Errorf("failed to allocate port")
	}
	return addr.Port, nil
}

func (s *WhisperServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cmd := s.cmd
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	// Best-effort graceful shutdown.
	_ = cmd.Process.Signal(os.Interrupt)
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-time.After(1200 * time.Millisecond):
		_ = cmd.Process.Kill()
		<-done
	case <-done:
	}
	return nil
}

type whisperWord struct {
	Word        string   `json:"word"`
	Start       float64  `json:"start"`
	End         float64  `json:"end"`
	Probability *float64 `json:"probability"`
}

type whisperSegment struct {
	Text       string        `json:"text"`
	AvgLogProb *float64      `json:"avg_logprob"`
	Words      []whisperWord `json:"words"`
}

type whisperResponse struct {
	Text                string           `json:"text"`
	Language            string           `json:"language"`
	LanguageProbability float64          `json:"language_probability"`
	Duration            float64          `json:"duration"`
	Segments            []whisperSegment `json:"segments"`
}

// Transcribe posts the audio as a WAV multipart upload and maps the server's
// verbose JSON response onto Result.
func (s *WhisperServer) Transcribe(ctx context.Context, samples []float32, opts DecodeOptions) (Result, error) {
	if len(samples) == 0 {
		return Result{}, nil
	}
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}

	wav, err := audio.EncodeWAVPCM16LE(audio.EncodePCM16(samples), audio.CanonicalRate)
	if err != nil {
		return Result{}, err
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Result{}, fmt.Errorf("whisper-server closed")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		_ = mw.Close()
		return Result{}, err
	}
	if _, err := fw.Write(wav); err != nil {
		_ = mw.Close()
		return Result{}, err
	}
	writeWhisperFields(mw, opts)
	if err := mw.Close(); err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/inference", &body)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return Result{}, context.Canceled
		}
		return Result{}, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("whisper-server HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var out whisperResponse
	if err := json.Unmarshal(b, &out); err != nil {
		return Result{}, err
	}

	res := Result{
		Language:            out.Language,
		LanguageProbability: out.LanguageProbability,
		Duration:            out.Duration,
	}
	if res.Duration == 0 && audio.CanonicalRate > 0 {
		res.Duration = round4(float64(len(samples)) / float64(audio.CanonicalRate))
	}
	for _, seg := range out.Segments {
		mapped := Segment{Text: seg.Text, AvgLogProb: seg.AvgLogProb}
		for _, w := range seg.Words {
			mapped.Words = append(mapped.Words, Word{
				Text:       w.Word,
				Start:      w.Start,
				End:        w.End,
				Confidence: w.Probability,
			})
		}
		res.Segments = append(res.Segments, mapped)
	}
	if len(res.Segments) == 0 && strings.TrimSpace(out.Text) != "" {
		res.Segments = append(res.Segments, Segment{Text: out.Text})
	}
	return res, nil
}

func writeWhisperFields(mw *multipart.Writer, opts DecodeOptions) {
	_ = mw.WriteField("temperature", strconv.FormatFloat(opts.Temperature, 'f', -1, 64))
	_ = mw.WriteField("response_format", "verbose_json")
	if opts.Language != "" {
		_ = mw.WriteField("language", opts.Language)
	}
	if opts.BeamSize > 0 {
		_ = mw.WriteField("beam_size", strconv.Itoa(opts.BeamSize))
	}
	if opts.BestOf > 0 {
		_ = mw.WriteField("best_of", strconv.Itoa(opts.BestOf))
	}
	if opts.WordTimestamps {
		_ = mw.WriteField("word_timestamps", "true")
	}
	if opts.VADFilter {
		_ = mw.WriteField("vad_filter", "true")
		if opts.MinSilenceMS > 0 {
			_ = mw.WriteField("min_silence_duration_ms", strconv.Itoa(opts.MinSilenceMS))
		}
		if opts.SpeechPadMS > 0 {
			_ = mw.WriteField("speech_pad_ms", strconv.Itoa(opts.SpeechPadMS))
		}
	}
	prompt := strings.TrimSpace(opts.InitialPrompt)
	if len(opts.Grammar) > 0 {
		// Closed-vocabulary decoding: bias the decoder toward the grammar
		// entries; the catch-all token absorbs everything else.
		prompt = strings.TrimSpace(prompt + " " + strings.Join(opts.Grammar, " "))
	}
	if prompt != "" {
		_ = mw.WriteField("prompt", prompt)
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
