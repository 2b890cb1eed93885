package transcript

import (
	"context"
	"time"
)

// Record stores one pipeline interaction: what was heard, what stage
// produced it, and what the assistant said back.
type Record struct {
	ID        string    `json:"id"`
	Stage     string    `json:"stage"`
	Text      string    `json:"text"`
	Reply     string    `json:"reply,omitempty"`
	Language  string    `json:"language,omitempty"`
	Duration  float64   `json:"duration,omitempty"`
	Redacted  bool      `json:"redacted,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	StageWake       = "wake"
	StageTranscribe = "transcribe"
	StageRespond    = "respond"
)

// Store persists and retrieves interaction records.
type Store interface {
	Save(ctx context.Context, record Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
	Close() error
}
