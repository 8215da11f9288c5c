// Package elevenlabs implements tts.Synthesizer against the ElevenLabs
// streaming WebSocket API.
package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coder/websocket"

	"github.com/aveline-ai/aveline/pkg/tts"
)

const (
	wsEndpointFmt    = "wss://api.elevenlabs.io/v1/text-to-speech/%s/stream-input?model_id=%s&output_format=%s"
	defaultModel     = "eleven_flash_v2_5"
	defaultOutputFmt = "pcm_16000"
)

// Option is a functional option for configuring the Synthesizer.
type Option func(*Synthesizer)

// WithModel sets the ElevenLabs model ID (e.g. "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(s *Synthesizer) { s.model = model }
}

// WithOutputFormat sets the audio output format (e.g. "pcm_16000").
func WithOutputFormat(format string) Option {
	return func(s *Synthesizer) { s.outputFormat = format }
}

// WithStability tunes the voice stability setting.
func WithStability(v float64) Option {
	return func(s *Synthesizer) { s.stability = v }
}

// Synthesizer implements tts.Synthesizer backed by ElevenLabs.
type Synthesizer struct {
	apiKey       string
	model        string
	outputFormat string
	stability    float64
	similarity   float64
}

var _ tts.Synthesizer = (*Synthesizer)(nil)

// New creates a Synthesizer. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Synthesizer, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	s := &Synthesizer{
		apiKey:       apiKey,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		stability:    0.5,
		similarity:   0.75,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// textMessage is the per-fragment payload sent over the WebSocket.
type textMessage struct {
	Text          string         `json:"text"`
	VoiceSettings *voiceSettings `json:"voice_settings,omitempty"`
	XiAPIKey      string         `json:"xi_api_key,omitempty"`
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// audioMessage is one message received from ElevenLabs.
type audioMessage struct {
	Audio   string `json:"audio"` // base64 PCM
	IsFinal bool   `json:"isFinal"`
	Message string `json:"message,omitempty"`
}

// SynthesizeStream opens a WebSocket to ElevenLabs, pipes fragments from
// text, and returns a channel of raw PCM chunks. Cancelling ctx aborts the
// synthesis and closes the audio channel.
func (s *Synthesizer) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.Voice) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("elevenlabs: voice.ID must not be empty")
	}

	wsURL := fmt.Sprintf(wsEndpointFmt, voice.ID, s.model, s.outputFormat)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs: dial: %w", err)
	}

	// The opening message authenticates and must carry a non-empty text.
	boi := textMessage{
		Text:          " ",
		VoiceSettings: &voiceSettings{Stability: s.stability, SimilarityBoost: s.similarity},
		XiAPIKey:      s.apiKey,
	}
	boiBytes, _ := json.Marshal(boi)
	if err := conn.Write(ctx, websocket.MessageText, boiBytes); err != nil {
		conn.Close(websocket.StatusInternalError, "handshake failed")
		return nil, fmt.Errorf("elevenlabs: handshake: %w", err)
	}

	audioCh := make(chan []byte, 256)

	go func() {
		defer close(audioCh)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		readDone := make(chan struct{})
		go func() {
			defer close(readDone)
			for {
				_, msg, err := conn.Read(ctx)
				if err != nil {
					return
				}
				var m audioMessage
				if err := json.Unmarshal(msg, &m); err != nil {
					continue
				}
				if m.Audio == "" {
					if m.IsFinal {
						return
					}
					continue
				}
				pcm, err := base64.StdEncoding.DecodeString(m.Audio)
				if err != nil {
					continue
				}
				select {
				case audioCh <- pcm:
				case <-ctx.Done():
					return
				}
			}
		}()

		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					// End of input: an empty text tells ElevenLabs to
					// flush and finish.
					flushBytes, _ := json.Marshal(textMessage{Text: ""})
					_ = conn.Write(ctx, websocket.MessageText, flushBytes)
					<-readDone
					return
				}
				if fragment == "" {
					continue
				}
				msgBytes, _ := json.Marshal(textMessage{Text: fragment})
				if err := conn.Write(ctx, websocket.MessageText, msgBytes); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}
