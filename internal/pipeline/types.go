package pipeline

import (
	"context"
	"time"

	"github.com/sergio-bershadsky/pipecat-light/internal/frame"
)

// Transcriber is the capability interface for realtime STT. It accepts
// PCM 16kHz little-endian mono buffers and emits partial and final
// transcript deltas on a single ordered channel.
type Transcriber interface {
	Connect(ctx context.Context) error
	SendPCM16KLE(pcm []byte) error
	Deltas() <-chan frame.TranscriptDelta
	// RecentlyDetectedVoice returns true if voice energy was seen within the given window.
	RecentlyDetectedVoice(window time.Duration) bool
	Close() error
}

// Generator streams a response for the conversation so far: partial deltas
// for low-latency synthesis, then exactly one delta with Final set.
// Cancelling the context stops the stream without leaking resources.
type Generator interface {
	Stream(ctx context.Context, history []frame.ContextMessage) (<-chan frame.GenerationDelta, <-chan error)
}

// Synthesizer streams 48kHz PCM mono audio for the given text.
type Synthesizer interface {
	StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// Transport is the bidirectional bridge to the media room. Frames carries
// inbound AudioChunk and ControlEvent frames; WritePCM48k plays audio into
// the room. ResetPlayback drops queued playback immediately for barge-in.
type Transport interface {
	Connect(ctx context.Context) error
	Frames() <-chan frame.Frame
	WritePCM48k(pcm []byte)
	ResetPlayback()
	Close() error
}
