package asr

import "context"

// Word is a single recognized token with its timing and optional confidence.
type Word struct {
	Text       string   `json:"word"`
	Start      float64  `json:"start"`
	End        float64  `json:"end"`
	Confidence *float64 `json:"confidence"`
}

// Segment is a backend-produced span of recognized speech, finer than the
// full utterance but coarser than a word.
type Segment struct {
	Text       string
	AvgLogProb *float64
	Words      []Word
}

// Result is the raw output of a recognizer backend before aggregation.
type Result struct {
	Segments            []Segment
	Language            string
	LanguageProbability float64
	Duration            float64
}

// DecodeOptions carries per-request decoding parameters. Backends map these
// onto their native knobs and may ignore what they do not support.
type DecodeOptions struct {
	Language       string
	BeamSize       int
	BestOf         int
	Temperature    float64
	WordTimestamps bool

	// VADFilter trims leading/trailing silence before decoding.
	VADFilter    bool
	MinSilenceMS int
	SpeechPadMS  int

	// InitialPrompt biases decoding toward expected vocabulary.
	InitialPrompt string
	// Grammar, when non-empty, constrains decoding to a closed vocabulary.
	// The conventional catch-all entry is UnknownToken.
	Grammar []string
}

// UnknownToken is the closed-grammar catch-all for out-of-vocabulary speech.
const UnknownToken = "[unk]"

// Model is an opaque speech recognizer. Input is mono float32 audio at the
// canonical processing rate; implementations must be safe for concurrent use
// once constructed.
type Model interface {
	Transcribe(ctx context.Context, samples []float32, opts DecodeOptions) (Result, error)
}
