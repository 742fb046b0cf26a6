package rtc

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/sergio-bershadsky/pipecat-light/internal/frame"
)

// signalMessage is the signaling envelope exchanged with the room. Types:
// "auth", "offer", "answer", "candidate", "ice-complete", "bye", "error".
type signalMessage struct {
	Type string `json:"type"`
	// auth
	Token string `json:"token,omitempty"`
	// offer/answer
	SDP string `json:"sdp,omitempty"`
	// candidate
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	// error
	Error string `json:"error,omitempty"`
}

const (
	// one chunk of 16 kHz PCM16LE handed to transcription, 100ms
	pcm16kChunkBytes = 3200
)

// RoomTransport joins a provisioned room as the agent participant. It
// implements the pipeline's Transport contract: decoded microphone audio and
// presence events come out of Frames, synthesized audio goes in through
// WritePCM48k.
type RoomTransport struct {
	roomURL    string
	token      string
	iceServers []webrtc.ICEServer

	conn   *websocket.Conn
	connMu sync.Mutex
	pc     *webrtc.PeerConnection
	paced  *OpusPacedWriter

	frames    chan frame.Frame
	stopCh    chan struct{}
	stopOnce  sync.Once
	joinOnce  sync.Once
	leaveOnce sync.Once

	startedAt time.Time
}

// NewRoomTransport builds a transport for one room. The meeting token is the
// owner token issued for the agent during provisioning.
func NewRoomTransport(roomURL, token string) *RoomTransport {
	return &RoomTransport{
		roomURL: roomURL,
		token:   token,
		iceServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		frames: make(chan frame.Frame, 256),
		stopCh: make(chan struct{}),
	}
}

// Frames returns decoded microphone audio and presence control events.
func (t *RoomTransport) Frames() <-chan frame.Frame { return t.frames }

// WritePCM48k queues synthesized 48 kHz PCM for paced Opus playback.
func (t *RoomTransport) WritePCM48k(pcm []byte) {
	if t.paced != nil {
		t.paced.WritePCM(pcm)
	}
}

// ResetPlayback discards queued playback audio for immediate barge-in.
func (t *RoomTransport) ResetPlayback() {
	if t.paced != nil {
		t.paced.Reset()
	}
}

// Connect dials the room's signaling endpoint, authenticates with the
// meeting token and negotiates the peer connection. It returns once the
// offer/answer exchange is complete; media flows in the background.
func (t *RoomTransport) Connect(ctx context.Context) error {
	wsURL, err := signalingURL(t.roomURL)
	if err != nil {
		return fmt.Errorf("room url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("signaling dial: status=%d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("signaling dial: %w", err)
	}
	t.conn = conn

	if err := t.writeSignal(signalMessage{Type: "auth", Token: t.token}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("signaling auth: %w", err)
	}

	pc, outTrack, err := t.createPeer()
	if err != nil {
		_ = conn.Close()
		return err
	}
	t.pc = pc

	paced, err := NewOpusPacedWriter(outTrack)
	if err != nil {
		_ = pc.Close()
		_ = conn.Close()
		return fmt.Errorf("opus encoder: %w", err)
	}
	t.paced = paced

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			_ = t.writeSignal(signalMessage{Type: "ice-complete"})
			return
		}
		init := c.ToJSON()
		_ = t.writeSignal(signalMessage{
			Type:          "candidate",
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Printf("room %s: peer state %s", t.roomURL, state)
		switch state {
		case webrtc.PeerConnectionStateConnected:
			t.joinOnce.Do(func() {
				t.push(frame.ControlEvent{Signal: frame.SignalParticipantJoined})
			})
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			t.emitLeave()
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		log.Printf("room %s: remote audio track codec=%s", t.roomURL, remote.Codec().MimeType)
		go t.readMic(remote)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		_ = conn.Close()
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		_ = conn.Close()
		return fmt.Errorf("set local description: %w", err)
	}
	if err := t.writeSignal(signalMessage{Type: "offer", SDP: offer.SDP}); err != nil {
		_ = pc.Close()
		_ = conn.Close()
		return fmt.Errorf("send offer: %w", err)
	}

	if err := t.awaitAnswer(ctx); err != nil {
		_ = pc.Close()
		_ = conn.Close()
		return err
	}

	t.startedAt = time.Now()
	go t.readSignals()
	return nil
}

// Close leaves the room and releases the peer connection.
func (t *RoomTransport) Close() error {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		if t.conn != nil {
			_ = t.writeSignal(signalMessage{Type: "bye"})
			_ = t.conn.Close()
		}
		if t.paced != nil {
			t.paced.FlushTail()
			time.AfterFunc(400*time.Millisecond, t.paced.Close)
		}
		if t.pc != nil {
			_ = t.pc.Close()
		}
	})
	return nil
}

func (t *RoomTransport) createPeer() (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: t.iceServers})
	if err != nil {
		return nil, nil, err
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1},
		"agent-audio", "agent",
	)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	return pc, outTrack, nil
}

// awaitAnswer reads signaling until the remote answer arrives.
func (t *RoomTransport) awaitAnswer(ctx context.Context) error {
	deadline := time.Now().Add(15 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetReadDeadline(deadline)
	defer func() { _ = t.conn.SetReadDeadline(time.Time{}) }()

	for {
		var m signalMessage
		if err := t.conn.ReadJSON(&m); err != nil {
			return fmt.Errorf("awaiting answer: %w", err)
		}
		switch strings.ToLower(m.Type) {
		case "answer":
			if m.SDP == "" {
				return fmt.Errorf("empty answer sdp")
			}
			return t.pc.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeAnswer, SDP: m.SDP,
			})
		case "error":
			return fmt.Errorf("signaling error: %s", m.Error)
		case "candidate":
			// remote candidates may trickle before the answer, buffer via pion
			if m.Candidate != "" {
				_ = t.pc.AddICECandidate(webrtc.ICECandidateInit{
					Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex,
				})
			}
		}
	}
}

// readSignals consumes post-negotiation signaling: trickle candidates and
// the remote bye.
func (t *RoomTransport) readSignals() {
	for {
		var m signalMessage
		if err := t.conn.ReadJSON(&m); err != nil {
			select {
			case <-t.stopCh:
			default:
				log.Printf("room %s: signaling read: %v", t.roomURL, err)
				t.emitLeave()
			}
			return
		}
		switch strings.ToLower(m.Type) {
		case "candidate":
			if m.Candidate != "" {
				_ = t.pc.AddICECandidate(webrtc.ICECandidateInit{
					Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex,
				})
			}
		case "bye":
			t.emitLeave()
			return
		}
	}
}

// readMic decodes the learner's Opus downlink to 16 kHz PCM16LE and emits
// fixed-size audio chunks.
func (t *RoomTransport) readMic(remote *webrtc.TrackRemote) {
	dec, err := opus.NewDecoder(16000, 1)
	if err != nil {
		log.Printf("room %s: opus decoder: %v", t.roomURL, err)
		return
	}
	samples := make([]int16, 1920)
	buf := make([]byte, 0, pcm16kChunkBytes*4)
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}
		pkt, _, readErr := remote.ReadRTP()
		if readErr != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, decErr := dec.Decode(pkt.Payload, samples)
		if decErr != nil {
			continue
		}
		startLen := len(buf)
		need := n * 2
		if cap(buf)-len(buf) < need {
			tmp := make([]byte, len(buf), len(buf)+need+pcm16kChunkBytes)
			copy(tmp, buf)
			buf = tmp
		}
		buf = buf[:len(buf)+need]
		o := buf[startLen:]
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(o[i*2:(i+1)*2], uint16(samples[i]))
		}
		for len(buf) >= pcm16kChunkBytes {
			chunk := make([]byte, pcm16kChunkBytes)
			copy(chunk, buf[:pcm16kChunkBytes])
			t.push(frame.AudioChunk{PCM: chunk, Timestamp: time.Since(t.startedAt)})
			copy(buf, buf[pcm16kChunkBytes:])
			buf = buf[:len(buf)-pcm16kChunkBytes]
		}
	}
}

// push delivers a frame with backpressure; it gives up when Close ran.
func (t *RoomTransport) push(f frame.Frame) {
	select {
	case <-t.stopCh:
	case t.frames <- f:
	}
}

func (t *RoomTransport) emitLeave() {
	t.leaveOnce.Do(func() {
		t.push(frame.ControlEvent{Signal: frame.SignalParticipantLeft})
	})
}

func (t *RoomTransport) writeSignal(m signalMessage) error {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn == nil {
		return fmt.Errorf("signaling not connected")
	}
	return t.conn.WriteJSON(m)
}

// signalingURL rewrites a room URL to its WebSocket signaling endpoint.
func signalingURL(roomURL string) (string, error) {
	u, err := url.Parse(roomURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https", "":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}
