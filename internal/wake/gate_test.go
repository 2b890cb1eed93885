package wake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/antoniostano/rachel/internal/asr"
	"github.com/antoniostano/rachel/internal/token"
)

type fixedModel struct {
	result asr.Result
	err    error
	calls  int
	opts   asr.DecodeOptions
}

func (m *fixedModel) Transcribe(_ context.Context, _ []float32, opts asr.DecodeOptions) (asr.Result, error) {
	m.calls++
	m.opts = opts
	return m.result, m.err
}

func ptr(v float64) *float64 { return &v }

func newTestGate(t *testing.T, model asr.Model, cfg Config) (*Gate, *token.Store) {
	t.Helper()
	r := asr.NewRegistry(2)
	r.Register(asr.KindWake, asr.ModelConfig{Device: "cpu"}, func(asr.ModelConfig) (asr.Model, error) {
		return model, nil
	})
	store := token.NewStore(time.Minute)
	return NewGate(r, store, cfg, nil), store
}

func textResult(text string, confidences ...float64) asr.Result {
	seg := asr.Segment{Text: text}
	for _, c := range confidences {
		seg.Words = append(seg.Words, asr.Word{Text: text, Confidence: ptr(c)})
	}
	return asr.Result{Segments: []asr.Segment{seg}}
}

func oneSecondPCM() []byte {
	return make([]byte, 16000*2)
}

func TestDetectExactVariant(t *testing.T) {
	model := &fixedModel{result: textResult("richelle", 0.72, 0.85)}
	g, store := newTestGate(t, model, Config{})

	det, err := g.Detect(context.Background(), oneSecondPCM(), 16000)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if !det.Detected {
		t.Fatalf("Detected = false, want true")
	}
	if det.WakeWord == nil || *det.WakeWord != "richelle" {
		t.Errorf("WakeWord = %v, want richelle", det.WakeWord)
	}
	if det.Confidence == nil || *det.Confidence != 0.85 {
		t.Errorf("Confidence = %v, want max word confidence 0.85", det.Confidence)
	}
	if det.WakeToken == "" {
		t.Fatalf("WakeToken missing on detection")
	}
	if det.RecordSeconds <= 0 {
		t.Errorf("RecordSeconds = %v, want positive hint", det.RecordSeconds)
	}
	if !store.Consume(det.WakeToken) {
		t.Fatalf("issued token should be consumable")
	}
}

func TestDetectFuzzyMatch(t *testing.T) {
	// "rachelle" is not in the variant list but is close to "richelle"
	// and "rachel"; fuzzy matching should accept it.
	model := &fixedModel{result: textResult("rachelle")}
	g, _ := newTestGate(t, model, Config{})

	det, err := g.Detect(context.Background(), oneSecondPCM(), 16000)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if !det.Detected {
		t.Fatalf("Detected = false, want fuzzy match")
	}
	if det.WakeWord == nil {
		t.Fatalf("WakeWord missing")
	}
}

func TestDetectRejectsUnrelatedSpeech(t *testing.T) {
	model := &fixedModel{result: textResult("open the pod bay doors")}
	g, _ := newTestGate(t, model, Config{})

	det, err := g.Detect(context.Background(), oneSecondPCM(), 16000)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if det.Detected {
		t.Fatalf("Detected = true for unrelated speech")
	}
	if det.WakeToken != "" {
		t.Fatalf("WakeToken issued without detection")
	}
	if det.WakeWord != nil {
		t.Fatalf("WakeWord = %v, want nil", det.WakeWord)
	}
	if det.RawText != "open the pod bay doors" {
		t.Errorf("RawText = %q", det.RawText)
	}
}

func TestDetectSilence(t *testing.T) {
	model := &fixedModel{result: asr.Result{}}
	g, _ := newTestGate(t, model, Config{})

	det, err := g.Detect(context.Background(), oneSecondPCM(), 16000)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if det.Detected {
		t.Fatalf("Detected = true for silence")
	}
	if det.WakeToken != "" {
		t.Fatalf("WakeToken issued for silence")
	}
}

func TestDetectUnknownToken(t *testing.T) {
	model := &fixedModel{result: textResult(asr.UnknownToken)}
	g, _ := newTestGate(t, model, Config{})

	det, err := g.Detect(context.Background(), oneSecondPCM(), 16000)
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if det.Detected {
		t.Fatalf("catch-all token must never match a variant")
	}
}

func TestDetectEmptyPayload(t *testing.T) {
	g, _ := newTestGate(t, &fixedModel{}, Config{})
	if _, err := g.Detect(context.Background(), nil, 16000); !errors.Is(err, asr.ErrEmptyAudio) {
		t.Fatalf("error = %v, want ErrEmptyAudio", err)
	}
}

func TestDetectRecognizerFailure(t *testing.T) {
	model := &fixedModel{err: errors.New("backend gone")}
	g, _ := newTestGate(t, model, Config{})

	if _, err := g.Detect(context.Background(), oneSecondPCM(), 16000); err == nil {
		t.Fatalf("expected recognizer failure to surface, not read as no-detection")
	}
}

func TestDetectGrammarIncludesCatchAll(t *testing.T) {
	model := &fixedModel{result: textResult("rachel")}
	g, _ := newTestGate(t, model, Config{})

	if _, err := g.Detect(context.Background(), oneSecondPCM(), 16000); err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	if len(model.opts.Grammar) != len(DefaultVariants)+1 {
		t.Fatalf("grammar size = %d, want variants plus catch-all", len(model.opts.Grammar))
	}
	if model.opts.Grammar[len(model.opts.Grammar)-1] != asr.UnknownToken {
		t.Errorf("grammar must end with the catch-all token")
	}
}

func TestMatchVariantThreshold(t *testing.T) {
	g := NewGate(nil, nil, Config{Variants: []string{"rachel"}, Threshold: 0.6}, nil)

	if _, ok := g.matchVariant("rachel"); !ok {
		t.Errorf("exact spelling rejected")
	}
	if _, ok := g.matchVariant("rachal"); !ok {
		t.Errorf("one-letter variation rejected")
	}
	if _, ok := g.matchVariant("xylophone"); ok {
		t.Errorf("unrelated word accepted")
	}
	if _, ok := g.matchVariant(""); ok {
		t.Errorf("empty text accepted")
	}
}
