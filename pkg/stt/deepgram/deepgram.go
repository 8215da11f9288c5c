// Package deepgram implements stt.Transport against the Deepgram streaming
// WebSocket API.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/aveline-ai/aveline/pkg/stt"
)

const (
	endpoint          = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "fr"
	defaultSampleRate = 16000
	defaultEndDelay   = 1000 * time.Millisecond
)

// Option is a functional option for configuring the Transport.
type Option func(*Transport)

// WithModel sets the Deepgram model (e.g. "nova-3", "nova-2").
func WithModel(model string) Option {
	return func(t *Transport) { t.model = model }
}

// WithLanguage sets the default recognition language.
func WithLanguage(language string) Option {
	return func(t *Transport) { t.language = language }
}

// WithSampleRate sets the transport-level default sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(t *Transport) { t.sampleRate = rate }
}

// WithEndpoint overrides the WebSocket endpoint. Used in tests against a
// local server.
func WithEndpoint(u string) Option {
	return func(t *Transport) { t.endpoint = u }
}

// Transport implements stt.Transport backed by Deepgram's live API.
type Transport struct {
	apiKey     string
	endpoint   string
	model      string
	language   string
	sampleRate int
}

// New creates a Transport. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Transport, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	t := &Transport{
		apiKey:     apiKey,
		endpoint:   endpoint,
		model:      defaultModel,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

var _ stt.Transport = (*Transport)(nil)

// Connect opens a live transcription stream.
func (t *Transport) Connect(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	wsURL, err := t.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+t.apiKey)

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusPaymentRequired) {
			return nil, fmt.Errorf("deepgram: dial: %w: %w", stt.ErrQuotaExceeded, err)
		}
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	s := &stream{
		conn:   conn,
		events: make(chan stt.Event, 64),
		audio:  make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop(ctx)
	go s.writeLoop(ctx)
	return s, nil
}

func (t *Transport) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(t.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = t.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = t.sampleRate
	}
	endDelay := cfg.UtteranceEndDelay
	if endDelay == 0 {
		endDelay = defaultEndDelay
	}

	q := u.Query()
	q.Set("model", t.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("interim_results", "true")
	q.Set("vad_events", "true")
	q.Set("utterance_end_ms", strconv.FormatInt(endDelay.Milliseconds(), 10))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	if cfg.Diarize {
		q.Set("diarize", "true")
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ─── stream ───────────────────────────────────────────────────────────────────

// message is the subset of Deepgram's WebSocket payloads the stream decodes.
type message struct {
	Type    string  `json:"type"`
	IsFinal bool    `json:"is_final"`
	Start   float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
				Speaker    *int    `json:"speaker"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description"`
}

type stream struct {
	conn   *websocket.Conn
	events chan stt.Event
	audio  chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

var _ stt.Stream = (*stream)(nil)

func (s *stream) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("deepgram: stream is closed")
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return errors.New("deepgram: stream is closed")
	}
}

func (s *stream) Events() <-chan stt.Event { return s.events }

func (s *stream) Close() error {
	s.once.Do(func() {
		close(s.done)
		// CloseStream makes Deepgram flush buffered audio into one last
		// final before closing its side.
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "stream closed")
	})
	return nil
}

func (s *stream) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		case <-s.done:
			for {
				select {
				case chunk := <-s.audio:
					_ = s.conn.Write(ctx, websocket.MessageBinary, chunk)
				default:
					return
				}
			}
		}
	}
}

func (s *stream) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.events)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				// Closed locally, not an error.
			default:
				s.emit(ctx, stt.Event{Type: stt.EventError, Err: classify(err)})
			}
			return
		}

		ev, ok := parseMessage(msg)
		if !ok {
			continue
		}
		s.emit(ctx, ev)
		if ev.Type == stt.EventError {
			return
		}
	}
}

func (s *stream) emit(ctx context.Context, ev stt.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	case <-ctx.Done():
	}
}

// classify maps a transport error onto the quota sentinel when Deepgram's
// close reason indicates rate or payment limits.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "4029") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "insufficient credit") {
		return fmt.Errorf("deepgram: %w: %w", stt.ErrQuotaExceeded, err)
	}
	return fmt.Errorf("deepgram: read: %w", err)
}

// parseMessage decodes one Deepgram payload. Reports ok=false for messages
// the orchestrator has no use for (metadata, keepalives, empty results).
func parseMessage(data []byte) (stt.Event, bool) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return stt.Event{}, false
	}

	switch m.Type {
	case "SpeechStarted":
		return stt.Event{Type: stt.EventSpeechStarted}, true
	case "UtteranceEnd":
		return stt.Event{Type: stt.EventUtteranceEnd}, true
	case "Error":
		return stt.Event{Type: stt.EventError, Err: fmt.Errorf("deepgram: server error: %s", m.Description)}, true
	case "Results":
	default:
		return stt.Event{}, false
	}

	if len(m.Channel.Alternatives) == 0 {
		return stt.Event{}, false
	}
	alt := m.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return stt.Event{}, false
	}

	words := make([]stt.Word, 0, len(alt.Words))
	speakerVotes := make(map[string]int)
	diarized := false
	for _, w := range alt.Words {
		tag := ""
		if w.Speaker != nil {
			tag = "S" + strconv.Itoa(*w.Speaker)
			diarized = true
		}
		speakerVotes[tag]++
		words = append(words, stt.Word{
			Word:       w.Word,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			Confidence: w.Confidence,
			Speaker:    tag,
		})
	}

	typ := stt.EventPartial
	if m.IsFinal {
		typ = stt.EventFinal
	}
	return stt.Event{
		Type:       typ,
		Text:       alt.Transcript,
		Start:      time.Duration(m.Start * float64(time.Second)),
		End:        time.Duration((m.Start + m.Duration) * float64(time.Second)),
		Speaker:    dominantSpeaker(speakerVotes, diarized),
		Confidence: alt.Confidence,
		Words:      words,
	}, true
}

// dominantSpeaker picks the tag with the most words. Falls back to the
// unknown tag when some words carry speakers but none got a majority.
func dominantSpeaker(votes map[string]int, diarized bool) string {
	if !diarized {
		return ""
	}
	best, bestN := stt.UnknownSpeaker, 0
	for tag, n := range votes {
		if tag == "" {
			continue
		}
		if n > bestN {
			best, bestN = tag, n
		}
	}
	return best
}
