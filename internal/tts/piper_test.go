package tts

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
)

func TestParseSpeakerMap(t *testing.T) {
	mapping := ParseSpeakerMap("Alice:3, bob:7,broken,empty:,:9")
	if len(mapping) != 2 {
		t.Fatalf("expected 2 entries, got %d: %v", len(mapping), mapping)
	}
	if mapping["alice"] != "3" {
		t.Fatalf("expected alice mapped to 3, got %q", mapping["alice"])
	}
	if mapping["bob"] != "7" {
		t.Fatalf("expected bob mapped to 7, got %q", mapping["bob"])
	}
}

func TestResolveSpeaker(t *testing.T) {
	s := New(Config{
		ModelPath:      "/models/en.onnx",
		SpeakerMap:     map[string]string{"alice": "3"},
		DefaultSpeaker: "0",
	}, nil)

	if got := s.resolveSpeaker("Alice"); got != "3" {
		t.Fatalf("expected mapped speaker 3, got %q", got)
	}
	if got := s.resolveSpeaker("carol"); got != "0" {
		t.Fatalf("expected default speaker for unmapped voice, got %q", got)
	}
	if got := s.resolveSpeaker(""); got != "0" {
		t.Fatalf("expected default speaker for empty voice, got %q", got)
	}

	bare := New(Config{ModelPath: "/models/en.onnx"}, nil)
	if got := bare.resolveSpeaker("anything"); got != "" {
		t.Fatalf("expected no speaker override, got %q", got)
	}
}

func TestClampSpeed(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{0, 1.0},
		{-2, 1.0},
		{0.01, 0.1},
		{0.5, 0.5},
		{1.0, 1.0},
		{9.9, 4.0},
	}
	for _, tc := range cases {
		if got := clampSpeed(tc.in); got != tc.want {
			t.Fatalf("clampSpeed(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestBuildArgsLengthScale(t *testing.T) {
	s := New(Config{ModelPath: "/models/en.onnx"}, nil)

	args := s.buildArgs("/tmp/out.wav", "", 2.0)
	scale, ok := argValue(args, "--length_scale")
	if !ok {
		t.Fatalf("expected length_scale for speed 2.0, args %v", args)
	}
	if scale != "0.5" {
		t.Fatalf("expected length_scale 0.5, got %q", scale)
	}

	// 1/3 rounds to three decimals.
	args = s.buildArgs("/tmp/out.wav", "", 3.0)
	scale, _ = argValue(args, "--length_scale")
	if scale != "0.333" {
		t.Fatalf("expected length_scale 0.333, got %q", scale)
	}
}

func TestBuildArgsDefaultSpeedOmitsLengthScale(t *testing.T) {
	s := New(Config{ModelPath: "/models/en.onnx"}, nil)
	for _, speed := range []float64{0, 1.0, 1.0005} {
		args := s.buildArgs("/tmp/out.wav", "", speed)
		if _, ok := argValue(args, "--length_scale"); ok {
			t.Fatalf("speed %v should not emit length_scale, args %v", speed, args)
		}
	}
}

func TestBuildArgsOptionalFlags(t *testing.T) {
	s := New(Config{
		ModelPath:      "/models/en.onnx",
		ConfigPath:     "/models/en.onnx.json",
		DefaultSpeaker: "2",
		NoiseScale:     "0.667",
		NoiseW:         "0.8",
		SpeakerLatency: "0.1",
	}, nil)
	args := s.buildArgs("/tmp/out.wav", "", 0)

	for flag, want := range map[string]string{
		"--model":           "/models/en.onnx",
		"--output_file":     "/tmp/out.wav",
		"--config":          "/models/en.onnx.json",
		"--speaker":         "2",
		"--noise_scale":     "0.667",
		"--noise_w":         "0.8",
		"--speaker_latency": "0.1",
	} {
		got, ok := argValue(args, flag)
		if !ok || got != want {
			t.Fatalf("expected %s %q, got %q (present=%v)", flag, want, got, ok)
		}
	}
}

func TestSynthesizeUnconfiguredModel(t *testing.T) {
	s := New(Config{}, nil)
	if s.Configured() {
		t.Fatal("expected synthesizer without model path to report unconfigured")
	}
	_, err := s.Synthesize(context.Background(), Request{Text: "hello"})
	if !errors.Is(err, ErrModelNotConfigured) {
		t.Fatalf("expected ErrModelNotConfigured, got %v", err)
	}
}

func TestSynthesizeVolumeOutOfRange(t *testing.T) {
	s := New(Config{ModelPath: "/models/en.onnx"}, nil)
	for _, volume := range []float64{-0.5, 2.1, 10} {
		_, err := s.Synthesize(context.Background(), Request{Text: "hello", Volume: volume})
		if !errors.Is(err, ErrVolumeOutOfRange) {
			t.Fatalf("volume %v: expected ErrVolumeOutOfRange, got %v", volume, err)
		}
	}

	// Boundary values pass validation and fail later on the missing binary.
	s = New(Config{Executable: "piper-binary-that-does-not-exist", ModelPath: "/models/en.onnx"}, nil)
	for _, volume := range []float64{0, 2} {
		_, err := s.Synthesize(context.Background(), Request{Text: "hello", Volume: volume})
		if !errors.Is(err, ErrExecutableNotFound) {
			t.Fatalf("volume %v: expected ErrExecutableNotFound, got %v", volume, err)
		}
	}
}

func TestSynthesizeMissingExecutable(t *testing.T) {
	s := New(Config{
		Executable: "piper-binary-that-does-not-exist",
		ModelPath:  "/models/en.onnx",
	}, nil)
	_, err := s.Synthesize(context.Background(), Request{Text: "hello"})
	if !errors.Is(err, ErrExecutableNotFound) {
		t.Fatalf("expected ErrExecutableNotFound, got %v", err)
	}
}

func TestSynthesizeEmptyText(t *testing.T) {
	s := New(Config{ModelPath: "/models/en.onnx"}, nil)
	if _, err := s.Synthesize(context.Background(), Request{Text: "   "}); err == nil {
		t.Fatal("expected error for blank text")
	}
}

func TestSynthesisErrorMessage(t *testing.T) {
	err := &SynthesisError{Stderr: "model load failed"}
	if !strings.Contains(err.Error(), "model load failed") {
		t.Fatalf("expected stderr in message, got %q", err.Error())
	}
	if (&SynthesisError{}).Error() == "" {
		t.Fatal("expected non-empty message without stderr")
	}
}

func TestLengthScaleRounding(t *testing.T) {
	// round(1/speed, 3) for a speed that does not divide cleanly
	got := math.Round(1.0/0.7*1000) / 1000
	if got != 1.429 {
		t.Fatalf("expected 1.429, got %v", got)
	}
}

func argValue(args []string, flag string) (string, bool) {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1], true
		}
	}
	return "", false
}
