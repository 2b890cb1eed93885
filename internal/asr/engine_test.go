package asr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/antoniostano/rachel/internal/token"
)

func ptr(v float64) *float64 { return &v }

func newTestEngine(t *testing.T, model Model, cfg EngineConfig, tokens TokenConsumer) *Engine {
	t.Helper()
	r := NewRegistry(2)
	r.Register(KindTranscribe, ModelConfig{Device: "cpu"}, func(ModelConfig) (Model, error) {
		return model, nil
	})
	return NewEngine(r, tokens, cfg, nil)
}

func speechPCM(seconds int) []byte {
	// 16 kHz PCM16 with a simple alternating pattern; content does not matter
	// for the fake model, only that the payload is non-empty.
	pcm := make([]byte, 16000*2*seconds)
	for i := 0; i < len(pcm); i += 2 {
		pcm[i] = 0x10
	}
	return pcm
}

func TestTranscribeAggregatesSegments(t *testing.T) {
	model := &fakeModel{result: Result{
		Language:            "en",
		LanguageProbability: 0.97,
		Duration:            2.0,
		Segments: []Segment{
			{
				Text:       " hello ",
				AvgLogProb: ptr(-0.25),
				Words: []Word{
					{Text: " hello ", Start: 0.1, End: 0.5, Confidence: ptr(0.91238)},
				},
			},
			{
				Text:       "coach",
				AvgLogProb: ptr(-0.35),
				Words: []Word{
					{Text: "coach", Start: -0.1, End: 1.2, Confidence: ptr(0.8)},
					{Text: "   ", Start: 1.2, End: 1.3},
				},
			},
		},
	}}
	e := newTestEngine(t, model, EngineConfig{}, nil)

	got, err := e.Transcribe(context.Background(), speechPCM(2), 16000, "", 0, "")
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}

	if got.Text != "hello coach" {
		t.Errorf("Text = %q, want %q", got.Text, "hello coach")
	}
	if len(got.Words) != 2 {
		t.Fatalf("len(Words) = %d, want 2", len(got.Words))
	}
	if got.Words[0].Text != "hello" {
		t.Errorf("word 0 = %q, want hello", got.Words[0].Text)
	}
	if got.Words[0].Confidence == nil || *got.Words[0].Confidence != 0.9124 {
		t.Errorf("word 0 confidence = %v, want 0.9124", got.Words[0].Confidence)
	}
	if got.Words[1].Start != 0 {
		t.Errorf("word 1 start = %v, want clamped 0", got.Words[1].Start)
	}
	for _, w := range got.Words {
		if w.End < w.Start || w.Start < 0 {
			t.Errorf("word %q has invalid timing: start=%v end=%v", w.Text, w.Start, w.End)
		}
	}
	if got.AvgLogProb == nil || *got.AvgLogProb != -0.3 {
		t.Errorf("AvgLogProb = %v, want -0.3", got.AvgLogProb)
	}
	if got.Language != "en" || got.Duration != 2.0 {
		t.Errorf("metadata = %q/%v, want en/2", got.Language, got.Duration)
	}
}

func TestTranscribeReconstructsTextFromWords(t *testing.T) {
	model := &fakeModel{result: Result{
		Segments: []Segment{
			{Text: "  ", Words: []Word{
				{Text: "start", Start: 0, End: 0.4},
				{Text: "game", Start: 0.4, End: 0.8},
			}},
		},
	}}
	e := newTestEngine(t, model, EngineConfig{}, nil)

	got, err := e.Transcribe(context.Background(), speechPCM(1), 16000, "", 0, "")
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if got.Text != "start game" {
		t.Errorf("Text = %q, want %q", got.Text, "start game")
	}
}

func TestTranscribeWakePhraseNormalization(t *testing.T) {
	near := []string{"rachel", "ra chel", "rachal", "richel", "richelle", "rach el"}
	for _, spelling := range near {
		model := &fakeModel{result: Result{
			Segments: []Segment{{Text: spelling}},
		}}
		e := newTestEngine(t, model, EngineConfig{WakeWord: "rachel", NearSpellings: near}, nil)

		got, err := e.Transcribe(context.Background(), speechPCM(1), 16000, "", 0, "")
		if err != nil {
			t.Fatalf("Transcribe(%q) error = %v", spelling, err)
		}
		if got.Text != "rachel" {
			t.Errorf("Text for %q = %q, want rachel", spelling, got.Text)
		}
	}
}

func TestTranscribeLongUtteranceNotRewritten(t *testing.T) {
	model := &fakeModel{result: Result{
		Segments: []Segment{{Text: "richel please start the game"}},
	}}
	e := newTestEngine(t, model, EngineConfig{
		WakeWord:      "rachel",
		NearSpellings: []string{"richel"},
	}, nil)

	got, err := e.Transcribe(context.Background(), speechPCM(1), 16000, "", 0, "")
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if got.Text != "richel please start the game" {
		t.Errorf("Text = %q, should not be rewritten", got.Text)
	}
}

func TestTranscribeEmptyPayload(t *testing.T) {
	e := newTestEngine(t, &fakeModel{}, EngineConfig{}, nil)
	if _, err := e.Transcribe(context.Background(), nil, 16000, "", 0, ""); !errors.Is(err, ErrEmptyAudio) {
		t.Fatalf("error = %v, want ErrEmptyAudio", err)
	}
	if _, err := e.Transcribe(context.Background(), []byte{0x01}, 16000, "", 0, ""); !errors.Is(err, ErrInvalidAudio) {
		t.Fatalf("error = %v, want ErrInvalidAudio", err)
	}
}

func TestTranscribeTokenGating(t *testing.T) {
	store := token.NewStore(time.Minute)
	invocations := 0
	model := modelFunc(func(ctx context.Context, samples []float32, opts DecodeOptions) (Result, error) {
		invocations++
		return Result{Segments: []Segment{{Text: "how am i doing"}}}, nil
	})
	e := newTestEngine(t, model, EngineConfig{RequireToken: true}, store)

	if _, err := e.Transcribe(context.Background(), speechPCM(1), 16000, "", 0, ""); !errors.Is(err, ErrTokenRequired) {
		t.Fatalf("missing token error = %v, want ErrTokenRequired", err)
	}
	if _, err := e.Transcribe(context.Background(), speechPCM(1), 16000, "", 0, "bogus"); !errors.Is(err, ErrTokenRejected) {
		t.Fatalf("bogus token error = %v, want ErrTokenRejected", err)
	}
	if invocations != 0 {
		t.Fatalf("model invoked %d times for unauthorized requests, want 0", invocations)
	}

	tok := store.Issue()
	got, err := e.Transcribe(context.Background(), speechPCM(2), 16000, "", 0, tok)
	if err != nil {
		t.Fatalf("Transcribe() with valid token error = %v", err)
	}
	if got.Text == "" {
		t.Fatalf("expected non-empty transcript")
	}

	// The token is consumed: the exact same request must now be rejected.
	if _, err := e.Transcribe(context.Background(), speechPCM(2), 16000, "", 0, tok); !errors.Is(err, ErrTokenRejected) {
		t.Fatalf("reused token error = %v, want ErrTokenRejected", err)
	}
	if invocations != 1 {
		t.Fatalf("model invoked %d times, want 1", invocations)
	}
}

func TestTranscribeExpiredToken(t *testing.T) {
	store := token.NewStore(15 * time.Millisecond)
	e := newTestEngine(t, &fakeModel{}, EngineConfig{RequireToken: true}, store)

	tok := store.Issue()
	time.Sleep(40 * time.Millisecond)
	if _, err := e.Transcribe(context.Background(), speechPCM(1), 16000, "", 0, tok); !errors.Is(err, ErrTokenRejected) {
		t.Fatalf("expired token error = %v, want ErrTokenRejected", err)
	}
}

func TestTranscribeBeamSizeClamped(t *testing.T) {
	var seen DecodeOptions
	model := modelFunc(func(ctx context.Context, samples []float32, opts DecodeOptions) (Result, error) {
		seen = opts
		return Result{}, nil
	})
	e := newTestEngine(t, model, EngineConfig{}, nil)

	if _, err := e.Transcribe(context.Background(), speechPCM(1), 16000, "", 99, ""); err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if seen.BeamSize != 10 {
		t.Errorf("BeamSize = %d, want clamped 10", seen.BeamSize)
	}
	if !seen.WordTimestamps || !seen.VADFilter {
		t.Errorf("expected word timestamps and VAD filtering enabled, got %+v", seen)
	}
}

type modelFunc func(ctx context.Context, samples []float32, opts DecodeOptions) (Result, error)

func (f modelFunc) Transcribe(ctx context.Context, samples []float32, opts DecodeOptions) (Result, error) {
	return f(ctx, samples, opts)
}
