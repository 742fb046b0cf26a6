package barge

import (
	"encoding/binary"
	"math"
	"testing"
	"time"
)

func pcmSine(sr int, hz float64, durMs int, amp float64) []byte {
	n := sr * durMs / 1000
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		v := int16(amp * math.Sin(2*math.Pi*hz*float64(i)/float64(sr)))
		binary.LittleEndian.PutUint16(out[i*2:(i+1)*2], uint16(v))
	}
	return out
}

func TestDetector_TriggersOnSpeechWhileSpeaking(t *testing.T) {
	triggered := 0
	d := NewDetector(DefaultConfig(), func(time.Time) { triggered++ })
	d.SetSpeaking(true)
	d.FeedMic(pcmSine(16000, 220, 400, 8000))
	if triggered == 0 {
		t.Fatalf("expected trigger during sustained speech")
	}
}

func TestDetector_SilentWhenNotSpeaking(t *testing.T) {
	triggered := 0
	d := NewDetector(DefaultConfig(), func(time.Time) { triggered++ })
	d.FeedMic(pcmSine(16000, 220, 400, 8000))
	if triggered != 0 {
		t.Fatalf("detector must be inert while agent is not speaking")
	}
}

func TestDetector_IgnoresLowEnergy(t *testing.T) {
	triggered := 0
	d := NewDetector(DefaultConfig(), func(time.Time) { triggered++ })
	d.SetSpeaking(true)
	d.FeedMic(pcmSine(16000, 220, 400, 50))
	if triggered != 0 {
		t.Fatalf("low-energy audio must not trigger")
	}
}

func TestDetector_CooldownLimitsTriggers(t *testing.T) {
	triggered := 0
	cfg := DefaultConfig()
	cfg.CooldownMs = 10000
	d := NewDetector(cfg, func(time.Time) { triggered++ })
	d.SetSpeaking(true)
	d.FeedMic(pcmSine(16000, 220, 1000, 8000))
	if triggered != 1 {
		t.Fatalf("expected exactly one trigger within cooldown, got %d", triggered)
	}
}

func TestDetector_EchoPenaltyRaisesThreshold(t *testing.T) {
	triggered := 0
	cfg := DefaultConfig()
	cfg.VoiceRMS = 3000
	cfg.EchoPenalty = 5000
	d := NewDetector(cfg, func(time.Time) { triggered++ })
	d.SetSpeaking(true)
	d.FeedPlayback([]byte{1, 0, 2, 0})
	// amplitude sits between base threshold and threshold+penalty
	d.FeedMic(pcmSine(16000, 220, 400, 6000))
	if triggered != 0 {
		t.Fatalf("echo-range energy must not trigger while playback is hot")
	}
}
