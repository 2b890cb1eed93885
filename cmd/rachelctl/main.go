// rachelctl is a command line probe for a running rachel instance. It can
// replay audio through the streaming websocket, hit the one-shot HTTP
// operations, and fetch health or recent transcripts.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/rachel/internal/audio"
)

type options struct {
	baseURL    string
	op         string
	audioPath  string
	sampleRate int
	text       string
	wakeToken  string
	language   string
	beamSize   int
	voice      string
	speed      float64
	speak      bool
	outPath    string
	chunkMS    int
	verbose    bool
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "rachelctl: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "rachelctl: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "rachel base URL")
	flag.StringVar(&cfg.op, "op", "health", "operation: health|wake|transcribe|respond|tts|stream|transcripts")
	flag.StringVar(&cfg.audioPath, "audio", "", "path to raw PCM16 or WAV audio (tone is generated when empty)")
	flag.IntVar(&cfg.sampleRate, "sample-rate", 16000, "capture sample rate for raw PCM input")
	flag.StringVar(&cfg.text, "text", "", "text for respond/tts operations")
	flag.StringVar(&cfg.wakeToken, "wake-token", "", "session token for the transcribe operation")
	flag.StringVar(&cfg.language, "language", "", "transcription language override")
	flag.IntVar(&cfg.beamSize, "beam-size", 0, "decoder beam size override")
	flag.StringVar(&cfg.voice, "voice", "", "synthesis voice hint")
	flag.Float64Var(&cfg.speed, "speed", 0, "synthesis speed (0 means default)")
	flag.BoolVar(&cfg.speak, "speak", false, "also synthesize the respond reply")
	flag.StringVar(&cfg.outPath, "out", "", "write synthesized WAV to this path")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 45, "websocket audio chunk size in milliseconds")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.sampleRate <= 0 {
		return options{}, fmt.Errorf("sample-rate must be positive")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	switch cfg.op {
	case "health", "wake", "transcribe", "respond", "tts", "stream", "transcripts":
	default:
		return options{}, fmt.Errorf("unknown op %q", cfg.op)
	}
	if (cfg.op == "respond" || cfg.op == "tts") && strings.TrimSpace(cfg.text) == "" {
		return options{}, fmt.Errorf("op %s requires -text", cfg.op)
	}
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	client := &http.Client{Timeout: 45 * time.Second}

	switch cfg.op {
	case "health":
		return getJSON(ctx, client, cfg.baseURL+"/readyz")
	case "transcripts":
		return getJSON(ctx, client, cfg.baseURL+"/v1/transcripts?limit=20")
	case "wake":
		pcm, rate, err := loadAudio(cfg)
		if err != nil {
			return err
		}
		return postAudio(ctx, client, fmt.Sprintf("%s/wake?sample_rate=%d", cfg.baseURL, rate), pcm)
	case "transcribe":
		pcm, rate, err := loadAudio(cfg)
		if err != nil {
			return err
		}
		target := fmt.Sprintf("%s/transcribe?sample_rate=%d&wake_token=%s", cfg.baseURL, rate, url.QueryEscape(cfg.wakeToken))
		if cfg.language != "" {
			target += "&language=" + url.QueryEscape(cfg.language)
		}
		if cfg.beamSize > 0 {
			target += fmt.Sprintf("&beam_size=%d", cfg.beamSize)
		}
		return postAudio(ctx, client, target, pcm)
	case "respond":
		payload, _ := json.Marshal(map[string]any{
			"text":  cfg.text,
			"speak": cfg.speak,
			"voice": cfg.voice,
			"speed": cfg.speed,
		})
		return postJSON(ctx, client, cfg.baseURL+"/respond", payload)
	case "tts":
		return synthesize(ctx, client, cfg)
	case "stream":
		return streamAudio(ctx, cfg)
	}
	return nil
}

func loadAudio(cfg options) ([]byte, int, error) {
	if strings.TrimSpace(cfg.audioPath) == "" {
		// 440 Hz tone; enough to exercise the endpoints without a mic.
		return tonePCM16(cfg.sampleRate, 2*time.Second, 440), cfg.sampleRate, nil
	}
	data, err := os.ReadFile(cfg.audioPath)
	if err != nil {
		return nil, 0, err
	}
	if pcm, rate, err := audio.DecodeWAVPCM16(data); err == nil {
		return pcm, rate, nil
	}
	return data, cfg.sampleRate, nil
}

func getJSON(ctx context.Context, client *http.Client, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	return doAndPrint(client, req)
}

func postJSON(ctx context.Context, client *http.Client, target string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doAndPrint(client, req)
}

func postAudio(ctx context.Context, client *http.Client, target string, pcm []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(pcm))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	return doAndPrint(client, req)
}

func doAndPrint(client *http.Client, req *http.Request) error {
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 40<<20))
	if err != nil {
		return err
	}
	fmt.Printf("HTTP %d\n%s\n", res.StatusCode, strings.TrimSpace(string(body)))
	if res.StatusCode >= 400 {
		return fmt.Errorf("request failed")
	}
	return nil
}

func synthesize(ctx context.Context, client *http.Client, cfg options) error {
	payload, _ := json.Marshal(map[string]any{
		"text":  cfg.text,
		"voice": cfg.voice,
		"speed": cfg.speed,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/tts", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 40<<20))
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var result struct {
		AudioWAVBase64 string `json:"audio_wav_base64"`
		SampleRate     int    `json:"sample_rate"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	wav, err := base64.StdEncoding.DecodeString(result.AudioWAVBase64)
	if err != nil {
		return fmt.Errorf("decode audio_wav_base64: %w", err)
	}

	out := cfg.outPath
	if out == "" {
		out = "rachel-tts.wav"
	}
	if err := os.WriteFile(out, wav, 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %d bytes to %s (rate %d)\n", len(wav), out, result.SampleRate)
	return nil
}

func streamAudio(ctx context.Context, cfg options) error {
	pcm, rate, err := loadAudio(cfg)
	if err != nil {
		return err
	}

	wsURL, err := wsURLFor(cfg.baseURL)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	if err := sendChunks(conn, pcm, rate, cfg.chunkMS); err != nil {
		return fmt.Errorf("send audio: %w", err)
	}

	op := "wake"
	if cfg.wakeToken != "" {
		op = "commit"
	}
	ctl := map[string]any{"op": op, "sample_rate": rate}
	if cfg.wakeToken != "" {
		ctl["wake_token"] = cfg.wakeToken
	}
	if cfg.language != "" {
		ctl["language"] = cfg.language
	}
	if err := conn.WriteJSON(ctl); err != nil {
		return err
	}

	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read result: %w", err)
	}
	fmt.Println(strings.TrimSpace(string(data)))
	return nil
}

func sendChunks(conn *websocket.Conn, pcm []byte, sampleRate, chunkMS int) error {
	bytesPerChunk := sampleRate * 2 * chunkMS / 1000
	if bytesPerChunk < 2 {
		bytesPerChunk = 2
	}
	if bytesPerChunk%2 != 0 {
		bytesPerChunk++
	}
	for off := 0; off < len(pcm); off += bytesPerChunk {
		end := off + bytesPerChunk
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, pcm[off:end]); err != nil {
			return err
		}
	}
	return nil
}

func wsURLFor(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/voice/stream"
	return u.String(), nil
}

func tonePCM16(sampleRate int, d time.Duration, freq float64) []byte {
	n := int(float64(sampleRate) * d.Seconds())
	out := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		v := int16(0.3 * math.MaxInt16 * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}
