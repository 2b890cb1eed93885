package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/antoniostano/rachel/internal/audio"
	"github.com/antoniostano/rachel/internal/reliability"
)

// streamControl is a client text frame steering the audio buffer. Binary
// frames carry raw PCM16 and are appended to the buffer as they arrive.
type streamControl struct {
	Op         string `json:"op"` // "wake", "commit" or "reset"
	SampleRate int    `json:"sample_rate,omitempty"`
	Language   string `json:"language,omitempty"`
	BeamSize   int    `json:"beam_size,omitempty"`
	WakeToken  string `json:"wake_token,omitempty"`
}

type streamEvent struct {
	Type   string `json:"type"`
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
	Result any    `json:"result,omitempty"`
}

const (
	streamReadLimit    = 2 << 20
	streamIdleDeadline = 120 * time.Second
	maxBufferedSeconds = 60
)

// handleStream drives a push-to-talk loop over one websocket connection:
// the client streams PCM frames, then issues a control op to run the wake
// scan or the full transcription over everything buffered since the last op.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(streamReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(streamIdleDeadline))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(streamIdleDeadline))
		return nil
	})

	ctx := r.Context()
	var buffer []byte
	sampleRate := audio.CanonicalRate

	writeEvent := func(ev streamEvent) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			return false
		}
		return true
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(streamIdleDeadline))

		switch msgType {
		case websocket.BinaryMessage:
			buffer = append(buffer, data...)
			if max := maxBufferedSeconds * sampleRate * 2; len(buffer) > max {
				buffer = buffer[len(buffer)-max:]
			}

		case websocket.TextMessage:
			var ctl streamControl
			if err := json.Unmarshal(data, &ctl); err != nil {
				if !writeEvent(streamEvent{Type: "error", Code: "invalid_control", Detail: err.Error()}) {
					return
				}
				continue
			}
			if ctl.SampleRate > 0 {
				sampleRate = ctl.SampleRate
			}

			switch ctl.Op {
			case "reset":
				buffer = nil
				if !writeEvent(streamEvent{Type: "reset"}) {
					return
				}

			case "wake":
				det, err := s.pipeline.Wake(ctx, buffer, sampleRate)
				buffer = nil
				if err != nil {
					if !writeEvent(streamErrorEvent(err)) {
						return
					}
					continue
				}
				if !writeEvent(streamEvent{Type: "wake_result", Result: det}) {
					return
				}

			case "commit":
				tr, err := s.pipeline.Transcribe(ctx, buffer, sampleRate, ctl.Language, ctl.BeamSize, ctl.WakeToken)
				buffer = nil
				if err != nil {
					if !writeEvent(streamErrorEvent(err)) {
						return
					}
					continue
				}
				if !writeEvent(streamEvent{Type: "transcript", Result: tr}) {
					return
				}

			default:
				if !writeEvent(streamEvent{Type: "error", Code: "unknown_op", Detail: ctl.Op}) {
					return
				}
			}

		default:
			s.log.Debug("ignoring websocket frame", zap.Int("type", msgType))
		}
	}
}

func streamErrorEvent(err error) streamEvent {
	status := reliability.StatusForError(err)
	return streamEvent{Type: "error", Code: errorCode(status), Detail: err.Error()}
}
