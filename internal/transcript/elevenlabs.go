// Package transcript streams participant audio to a realtime speech-to-text
// provider and emits transcript deltas. Utterance boundaries are decided
// locally from transcript inactivity plus PCM voice energy, so the language
// model is only triggered once the participant has actually stopped talking.
package transcript

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gorilla/websocket"

	"github.com/sergio-bershadsky/pipecat-light/internal/frame"
)

// silenceThreshold is the base inactivity window required before an utterance
// is considered complete. Conservative so learners are not cut off mid-word.
const silenceThreshold = 700 * time.Millisecond

// continuationExtension is added to the threshold when the last word suggests
// the speaker will keep going ("and", "if", "про" and friends).
const continuationExtension = 1200 * time.Millisecond

// stabilizationGrace absorbs late transcript revisions from the provider
// after the silence threshold is crossed, before committing the utterance.
const stabilizationGrace = 250 * time.Millisecond

// ElevenLabsService streams 16 kHz PCM to the ElevenLabs realtime
// speech-to-text endpoint. It implements the pipeline's Transcriber contract.
type ElevenLabsService struct {
	apiKey    string
	baseURL   string
	language  string
	conn      *websocket.Conn
	deltas    chan frame.TranscriptDelta
	audioData chan []byte
	stopCh    chan struct{}
	mu        sync.RWMutex
	connected bool

	// utterance accumulation
	accMu          sync.Mutex
	latestFull     string
	committedFull  string
	lastUpdateTime time.Time
	silenceTimer   *time.Timer
	lastVoiceTime  time.Time
}

type realtimeTranscriptMsg struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type realtimeErrorMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type realtimeAudioMsg struct {
	AudioChunk string `json:"audio_chunk"`
}

// NewElevenLabsService builds a transcription service for one session.
// The language hint helps the model with mixed Russian and English speech.
func NewElevenLabsService(apiKey, language string) *ElevenLabsService {
	return &ElevenLabsService{
		apiKey:    apiKey,
		baseURL:   "wss://api.elevenlabs.io/v1/speech-to-text/realtime",
		language:  language,
		deltas:    make(chan frame.TranscriptDelta, 100),
		audioData: make(chan []byte, 1000),
		stopCh:    make(chan struct{}),
	}
}

// Deltas returns the transcript stream. Partial deltas carry the provider's
// in-progress transcript; a final delta carries one committed utterance.
func (s *ElevenLabsService) Deltas() <-chan frame.TranscriptDelta { return s.deltas }

// Connect opens the realtime WebSocket and starts the reader and sender loops.
func (s *ElevenLabsService) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}
	if s.apiKey == "" {
		return fmt.Errorf("elevenlabs API key is empty")
	}

	params := url.Values{}
	params.Set("model_id", "scribe_v1_realtime")
	params.Set("sample_rate", "16000")
	params.Set("encoding", "pcm_s16le")
	if s.language != "" {
		params.Set("language_code", s.language)
	}

	wsURL := fmt.Sprintf("%s?%s", s.baseURL, params.Encode())
	headers := map[string][]string{"xi-api-key": {s.apiKey}}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			log.Printf("elevenlabs stt connection failed with status: %d", resp.StatusCode)
		}
		return fmt.Errorf("failed to connect to elevenlabs stt: %w", err)
	}

	s.conn = conn
	s.connected = true
	s.lastUpdateTime = time.Now()
	s.lastVoiceTime = time.Now()

	go s.handleMessages()
	go s.sendAudioData()

	log.Println("connected to elevenlabs realtime transcription")
	return nil
}

// SendPCM16KLE queues a chunk of 16-bit little-endian mono PCM at 16 kHz.
func (s *ElevenLabsService) SendPCM16KLE(pcm []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return fmt.Errorf("not connected to elevenlabs stt")
	}
	s.detectVoiceActivity(pcm)
	select {
	case s.audioData <- pcm:
		return nil
	default:
		log.Println("stt audio buffer full, dropping packet")
		return nil
	}
}

// detectVoiceActivity updates lastVoiceTime when the buffer carries voice
// energy above a conservative RMS floor.
func (s *ElevenLabsService) detectVoiceActivity(pcm []byte) {
	const minSamples = 160 // 10ms at 16kHz
	if len(pcm) < minSamples*2 {
		return
	}
	step := 2
	if len(pcm) > 3200 {
		step = 4
	}
	var sumSquares float64
	count := 0
	for i := 0; i+1 < len(pcm); i += 2 * step {
		v := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		sumSquares += float64(v) * float64(v)
		count++
	}
	if count == 0 {
		return
	}
	rms := math.Sqrt(sumSquares / float64(count))
	const voiceRMS = 250.0
	if rms >= voiceRMS {
		s.accMu.Lock()
		s.lastVoiceTime = time.Now()
		s.accMu.Unlock()
	}
}

// RecentlyDetectedVoice reports whether voice energy was seen inside window.
func (s *ElevenLabsService) RecentlyDetectedVoice(window time.Duration) bool {
	s.accMu.Lock()
	last := s.lastVoiceTime
	s.accMu.Unlock()
	return time.Since(last) <= window
}

// Close terminates the connection and flushes any uncommitted utterance.
func (s *ElevenLabsService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil
	}
	close(s.stopCh)
	if s.silenceTimer != nil {
		_ = s.silenceTimer.Stop()
		s.silenceTimer = nil
	}
	if s.conn != nil {
		_ = s.conn.WriteJSON(map[string]string{"type": "close"})
		_ = s.conn.Close()
	}
	s.connected = false
	s.conn = nil
	s.flushPending()
	close(s.audioData)
	// deltas stays open: the silence timer or a late provider message may
	// still race with shutdown, and the pipeline drains via its own context.
	log.Println("elevenlabs stt connection closed")
	return nil
}

func (s *ElevenLabsService) handleMessages() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("recovered from panic in stt message loop: %v", r)
		}
	}()
	for {
		select {
		case <-s.stopCh:
			return
		default:
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn == nil {
				return
			}
			_, message, err := conn.ReadMessage()
			if err != nil {
				log.Printf("stt read: %v", err)
				return
			}
			s.processMessage(message)
		}
	}
}

func (s *ElevenLabsService) processMessage(message []byte) {
	var base map[string]interface{}
	if err := json.Unmarshal(message, &base); err != nil {
		log.Printf("stt: bad message: %v", err)
		return
	}
	msgType, ok := base["type"].(string)
	if !ok {
		log.Printf("stt: message missing type field")
		return
	}
	switch msgType {
	case "session_started":
		log.Printf("elevenlabs stt session started")
	case "partial_transcript", "committed_transcript":
		var msg realtimeTranscriptMsg
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("stt: bad transcript message: %v", err)
			return
		}
		if msg.Text == "" {
			return
		}
		// advisory partial for anyone watching the stream
		select {
		case <-s.stopCh:
			return
		case s.deltas <- frame.TranscriptDelta{Text: msg.Text}:
		default:
		}
		s.accMu.Lock()
		s.latestFull = msg.Text
		s.lastUpdateTime = time.Now()
		if s.silenceTimer == nil {
			s.silenceTimer = time.AfterFunc(silenceThreshold, s.finalizeDueToSilence)
		} else {
			_ = s.silenceTimer.Stop()
			s.silenceTimer.Reset(silenceThreshold)
		}
		s.accMu.Unlock()
	case "session_ended":
		log.Printf("elevenlabs stt session ended")
		s.flushPending()
	case "error":
		var msg realtimeErrorMsg
		if err := json.Unmarshal(message, &msg); err != nil {
			log.Printf("stt: bad error message: %v", err)
			return
		}
		log.Printf("elevenlabs stt error: %s", msg.Message)
	default:
		log.Printf("stt: unknown message type: %s", msgType)
	}
}

// finalizeDueToSilence fires after silenceThreshold of inactivity and emits
// one final delta covering the text since the last committed utterance.
func (s *ElevenLabsService) finalizeDueToSilence() {
	select {
	case <-s.stopCh:
		return
	default:
	}

	s.accMu.Lock()
	now := time.Now()
	threshold := silenceThreshold
	if isContinuationLikely(s.latestFull) {
		threshold += continuationExtension
	}
	sinceText := now.Sub(s.lastUpdateTime)
	sinceVoice := now.Sub(s.lastVoiceTime)
	if sinceText < threshold || sinceVoice < threshold {
		// not quiet long enough, reschedule for the remaining window
		wait := threshold
		if rem := threshold - sinceText; sinceText < threshold && rem < wait {
			wait = rem
		}
		if rem := threshold - sinceVoice; sinceVoice < threshold && rem < wait {
			wait = rem
		}
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		if s.silenceTimer == nil {
			s.silenceTimer = time.AfterFunc(wait, s.finalizeDueToSilence)
		} else {
			_ = s.silenceTimer.Stop()
			s.silenceTimer.Reset(wait)
		}
		s.accMu.Unlock()
		return
	}

	lastUpdateAt := s.lastUpdateTime
	s.accMu.Unlock()

	// absorb late revisions before committing
	time.Sleep(stabilizationGrace)

	s.accMu.Lock()
	now2 := time.Now()
	threshold2 := silenceThreshold
	if isContinuationLikely(s.latestFull) {
		threshold2 += continuationExtension
	}
	if s.lastUpdateTime.After(lastUpdateAt) {
		// a revision arrived during grace, push the timer forward
		wait := threshold2
		if rem := threshold2 - now2.Sub(s.lastUpdateTime); rem > 10*time.Millisecond && rem < wait {
			wait = rem
		}
		if s.silenceTimer == nil {
			s.silenceTimer = time.AfterFunc(wait, s.finalizeDueToSilence)
		} else {
			_ = s.silenceTimer.Stop()
			s.silenceTimer.Reset(wait)
		}
		s.accMu.Unlock()
		return
	}

	delta := s.commitLocked()
	s.accMu.Unlock()

	if delta == "" {
		return
	}
	// deliver without dropping, every committed word reaches the pipeline
	select {
	case <-s.stopCh:
		return
	case s.deltas <- frame.TranscriptDelta{Text: delta, Final: true}:
	}
}

// commitLocked advances committedFull and returns the new utterance text.
// Callers must hold accMu.
func (s *ElevenLabsService) commitLocked() string {
	latest := s.latestFull
	base := s.committedFull
	delta := strings.TrimSpace(strings.TrimPrefix(latest, base))
	if delta == "" && base != "" {
		if idx := strings.LastIndex(latest, base); idx >= 0 && idx+len(base) <= len(latest) {
			delta = strings.TrimSpace(latest[idx+len(base):])
		}
	}
	s.committedFull = latest
	return delta
}

// flushPending emits any uncommitted utterance, best effort on shutdown.
func (s *ElevenLabsService) flushPending() {
	s.accMu.Lock()
	delta := s.commitLocked()
	s.accMu.Unlock()
	if delta == "" {
		return
	}
	select {
	case s.deltas <- frame.TranscriptDelta{Text: delta, Final: true}:
	case <-time.After(200 * time.Millisecond):
		log.Printf("stt flush: timed out delivering final utterance")
	}
}

// isContinuationLikely reports whether the last meaningful word indicates
// the speaker is likely to continue the sentence.
func isContinuationLikely(text string) bool {
	w := lastWord(text)
	if w == "" {
		return false
	}
	_, ok := continuationWords[w]
	return ok
}

func lastWord(text string) string {
	trim := strings.TrimSpace(text)
	if trim == "" {
		return ""
	}
	fields := strings.FieldsFunc(trim, func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

var continuationWords = map[string]struct{}{
	// coordinating conjunctions
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	// subordinating conjunctions and conditionals
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	// fillers and discourse markers
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	// prepositions that rarely end a sentence
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
	// common Russian connectives a beginner lesson runs into
	"и": {}, "а": {}, "но": {}, "или": {}, "что": {}, "как": {}, "про": {},
}

func (s *ElevenLabsService) sendAudioData() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("recovered from panic in stt audio loop: %v", r)
		}
	}()
	for {
		select {
		case <-s.stopCh:
			return
		case pcm, ok := <-s.audioData:
			if !ok {
				return
			}
			s.mu.RLock()
			conn := s.conn
			s.mu.RUnlock()
			if conn == nil {
				return
			}
			msg := realtimeAudioMsg{AudioChunk: base64.StdEncoding.EncodeToString(pcm)}
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("stt audio send: %v", err)
				return
			}
		}
	}
}
