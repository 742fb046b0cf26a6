package rtc

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v3/pkg/media"
)

type fakeTrack struct{ writes int32 }

func (f *fakeTrack) WriteSample(s media.Sample) error {
	atomic.AddInt32(&f.writes, 1)
	return nil
}

func TestOpusPacedWriter_PacerWritesFrames(t *testing.T) {
	ft := &fakeTrack{}
	w := &OpusPacedWriter{
		enc:          nil, // encoder not needed when frames are pushed directly
		track:        ft,
		frameSamples: 960,
		frames:       make(chan []byte, 8),
		stopCh:       make(chan struct{}),
	}
	done := make(chan struct{})
	go func() { w.pacer(); close(done) }()

	for i := 0; i < 3; i++ {
		w.pushFrame([]byte{0x01, 0x02})
	}

	time.Sleep(50 * time.Millisecond)
	close(w.stopCh)
	<-done

	if atomic.LoadInt32(&ft.writes) == 0 {
		t.Fatalf("expected pacer to write at least one frame")
	}
}

func TestOpusPacedWriter_ResetDrains(t *testing.T) {
	ft := &fakeTrack{}
	w := &OpusPacedWriter{
		enc:          nil,
		track:        ft,
		frameSamples: 960,
		frames:       make(chan []byte, 8),
		stopCh:       make(chan struct{}),
		pcmBuf:       []int16{1, 2, 3},
	}
	w.frames <- []byte{0x01}
	w.frames <- []byte{0x02}
	w.Reset()
	select {
	case <-w.frames:
		t.Fatalf("expected frames channel to be drained")
	default:
	}
	if len(w.pcmBuf) != 0 {
		t.Fatalf("expected pcmBuf to be reset, got len=%d", len(w.pcmBuf))
	}
}

func TestSignalingURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"https://demo.example.co/room-abc", "wss://demo.example.co/room-abc/ws", true},
		{"http://localhost:8080/room", "ws://localhost:8080/room/ws", true},
		{"wss://demo.example.co/room/", "wss://demo.example.co/room/ws", true},
		{"ftp://demo.example.co/room", "", false},
	}
	for _, tc := range cases {
		got, err := signalingURL(tc.in)
		if tc.ok && err != nil {
			t.Fatalf("signalingURL(%q): %v", tc.in, err)
		}
		if !tc.ok {
			if err == nil {
				t.Fatalf("signalingURL(%q): expected error", tc.in)
			}
			continue
		}
		if got != tc.want {
			t.Fatalf("signalingURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRoomTransport_PushStopsAfterClose(t *testing.T) {
	tr := NewRoomTransport("https://demo.example.co/room", "tok")
	_ = tr.Close()
	done := make(chan struct{})
	go func() {
		// must not block even though nothing reads frames
		for i := 0; i < 1024; i++ {
			tr.push(fakeFrame{})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("push blocked after Close")
	}
}

type fakeFrame struct{}

func (fakeFrame) Seq() uint64 { return 0 }
