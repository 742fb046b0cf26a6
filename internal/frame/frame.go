// Package frame defines the typed units of data that flow through a session
// pipeline. Audio, text and control variants all implement Frame; the turn
// sequence tag carried by each frame is what makes stale-frame discard
// possible after a barge-in.
package frame

import "time"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Signal enumerates out-of-band control events.
type Signal int

const (
	SignalParticipantJoined Signal = iota
	SignalParticipantLeft
	SignalInterrupt
	SignalCancel
)

func (s Signal) String() string {
	switch s {
	case SignalParticipantJoined:
		return "participant-joined"
	case SignalParticipantLeft:
		return "participant-left"
	case SignalInterrupt:
		return "interrupt"
	case SignalCancel:
		return "cancel"
	}
	return "unknown"
}

// Frame is a unit of pipeline data. Seq returns the turn sequence the frame
// belongs to; zero means the frame is not bound to a turn (raw input audio,
// most control events).
type Frame interface {
	Seq() uint64
}

// AudioChunk is raw input audio: PCM16LE mono at the transport's input rate.
// Timestamp increases monotonically within a session.
type AudioChunk struct {
	PCM       []byte
	Timestamp time.Duration
}

func (AudioChunk) Seq() uint64 { return 0 }

// TranscriptDelta is recognized text. Partial deltas (Final=false) are
// advisory; only a final delta advances the conversation.
type TranscriptDelta struct {
	TurnSeq uint64
	Text    string
	Final   bool
}

func (d TranscriptDelta) Seq() uint64 { return d.TurnSeq }

// ContextMessage is one entry of the conversation transcript.
type ContextMessage struct {
	Role Role
	Text string
}

func (ContextMessage) Seq() uint64 { return 0 }

// GenerationDelta is partial or final generated text for a turn.
type GenerationDelta struct {
	TurnSeq uint64
	Text    string
	Final   bool
}

func (d GenerationDelta) Seq() uint64 { return d.TurnSeq }

// SynthesizedAudio is playback audio produced for a turn: PCM16LE mono 48kHz.
type SynthesizedAudio struct {
	TurnSeq uint64
	PCM     []byte
}

func (a SynthesizedAudio) Seq() uint64 { return a.TurnSeq }

// ControlEvent is injected out-of-band and may target a specific turn
// (Interrupt/Cancel) or the whole session (participant presence).
type ControlEvent struct {
	TurnSeq uint64
	Signal  Signal
}

func (c ControlEvent) Seq() uint64 { return c.TurnSeq }
