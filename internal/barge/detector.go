// Package barge detects a participant speaking over the agent. It watches
// input audio energy while the agent is speaking and fires a trigger when
// sustained voice is detected, which the pipeline turns into an Interrupt
// control event. Playback audio is fed back as an echo reference so the
// agent's own voice leaking into the microphone is discounted.
package barge

import (
	"encoding/binary"
	"math"
	"sync"
	"time"
)

// Config holds detector thresholds.
type Config struct {
	SampleRate  int     // input rate; the detector segments into 10ms frames
	WindowMs    int     // voting window over 10ms frames
	CooldownMs  int     // minimum gap between triggers
	VoiceRMS    float64 // base energy threshold for speech
	EchoPenalty float64 // threshold boost while playback reference is hot
}

// DefaultConfig matches a headset/browser participant at 16kHz input.
func DefaultConfig() Config {
	return Config{
		SampleRate:  16000,
		WindowMs:    180,
		CooldownMs:  400,
		VoiceRMS:    300.0,
		EchoPenalty: 200.0,
	}
}

// Detector is the voice-activity barge-in detector for one session.
type Detector struct {
	cfg       Config
	onTrigger func(ts time.Time)

	mu           sync.Mutex
	speaking     bool
	votes        []bool
	maxVotes     int
	lastTrigger  time.Time
	lastPlayback time.Time
	pending      []byte
}

// NewDetector constructs a detector. onTrigger fires at most once per
// cooldown window and only while SetSpeaking(true).
func NewDetector(cfg Config, onTrigger func(ts time.Time)) *Detector {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	if cfg.WindowMs == 0 {
		cfg.WindowMs = 180
	}
	return &Detector{
		cfg:       cfg,
		onTrigger: onTrigger,
		maxVotes:  cfg.WindowMs/10 + 1,
	}
}

// SetSpeaking toggles whether the agent is currently producing audio.
// Detection only runs while speaking; toggling off clears the vote window.
func (d *Detector) SetSpeaking(on bool) {
	d.mu.Lock()
	d.speaking = on
	if !on {
		d.votes = d.votes[:0]
	}
	d.mu.Unlock()
}

// Reset clears accumulated state between turns.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.votes = d.votes[:0]
	d.pending = d.pending[:0]
	d.mu.Unlock()
}

// FeedPlayback notes that agent audio is being played into the room; while
// the reference is hot the speech threshold rises to discount echo.
func (d *Detector) FeedPlayback(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	d.mu.Lock()
	d.lastPlayback = time.Now()
	d.mu.Unlock()
}

// FeedMic accepts arbitrary-length PCM16LE input audio at the configured
// sample rate and segments it into 10ms frames for voting.
func (d *Detector) FeedMic(pcm []byte) {
	if len(pcm) < 2 {
		return
	}
	frameBytes := d.cfg.SampleRate / 100 * 2
	d.mu.Lock()
	d.pending = append(d.pending, pcm...)
	var frames [][]byte
	for len(d.pending) >= frameBytes {
		f := make([]byte, frameBytes)
		copy(f, d.pending[:frameBytes])
		frames = append(frames, f)
		d.pending = d.pending[frameBytes:]
	}
	d.mu.Unlock()

	for _, f := range frames {
		d.onFrame(f)
	}
}

func (d *Detector) onFrame(pcm []byte) {
	rms := frameRMS(pcm)

	d.mu.Lock()
	if !d.speaking {
		d.mu.Unlock()
		return
	}
	threshold := d.cfg.VoiceRMS
	if time.Since(d.lastPlayback) < 250*time.Millisecond {
		threshold += d.cfg.EchoPenalty
	}
	d.votes = append(d.votes, rms >= threshold)
	if len(d.votes) > d.maxVotes {
		d.votes = d.votes[len(d.votes)-d.maxVotes:]
	}
	trigger := false
	if len(d.votes) >= d.maxVotes/2 && voteRatio(d.votes) >= 2.0/3.0 {
		cooldown := time.Duration(d.cfg.CooldownMs) * time.Millisecond
		if time.Since(d.lastTrigger) >= cooldown {
			d.lastTrigger = time.Now()
			d.votes = d.votes[:0]
			trigger = true
		}
	}
	fn := d.onTrigger
	d.mu.Unlock()

	if trigger && fn != nil {
		fn(time.Now())
	}
}

func frameRMS(pcm []byte) float64 {
	var sum float64
	n := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i : i+2])))
		sum += v * v
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

func voteRatio(votes []bool) float64 {
	if len(votes) == 0 {
		return 0
	}
	var yes int
	for _, v := range votes {
		if v {
			yes++
		}
	}
	return float64(yes) / float64(len(votes))
}
