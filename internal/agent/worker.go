// Package agent assembles one conversational worker per session: the room
// transport, the capability adapters and the streaming pipeline that joins
// them. The supervisor launches workers and owns their lifecycle; a worker
// owns its conversation context.
package agent

import (
	"context"
	"log"
	"sync"

	"github.com/sergio-bershadsky/pipecat-light/internal/config"
	"github.com/sergio-bershadsky/pipecat-light/internal/convo"
	"github.com/sergio-bershadsky/pipecat-light/internal/frame"
	"github.com/sergio-bershadsky/pipecat-light/internal/interrupt"
	"github.com/sergio-bershadsky/pipecat-light/internal/llm"
	"github.com/sergio-bershadsky/pipecat-light/internal/pipeline"
	"github.com/sergio-bershadsky/pipecat-light/internal/rtc"
	"github.com/sergio-bershadsky/pipecat-light/internal/transcript"
	"github.com/sergio-bershadsky/pipecat-light/internal/tts"
)

// Worker runs a single voice session end to end.
type Worker struct {
	cfg          *config.Config
	roomURL      string
	agentToken   string
	lessonPrompt string
	onActive     func()

	mu      sync.Mutex
	pipe    *pipeline.Pipeline
	cancel  context.CancelFunc
	stopped bool
}

// NewWorker builds a worker for one provisioned room. The agent token is the
// owner meeting token issued during provisioning; lessonPrompt overrides the
// configured default when non-empty. onActive, if non-nil, is called once
// when the transport reports the participant connected.
func NewWorker(cfg *config.Config, roomURL, agentToken, lessonPrompt string, onActive func()) *Worker {
	if lessonPrompt == "" {
		lessonPrompt = cfg.LessonPrompt
	}
	return &Worker{
		cfg:          cfg,
		roomURL:      roomURL,
		agentToken:   agentToken,
		lessonPrompt: lessonPrompt,
		onActive:     onActive,
	}
}

// Run joins the room and processes the conversation until the participant
// leaves, Stop is called, or a fatal error occurs. It blocks for the life of
// the session.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Publish cancel before dialing so Stop can abort a connect in flight.
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.cancel = cancel
	w.mu.Unlock()

	transport := rtc.NewRoomTransport(w.roomURL, w.agentToken)
	if err := transport.Connect(ctx); err != nil {
		if w.isStopped() {
			return nil
		}
		return &pipeline.FatalWorkerError{Reason: "transport connect", Err: err}
	}
	defer func() { _ = transport.Close() }()

	stt := transcript.NewElevenLabsService(w.cfg.ElevenLabsKey, "ru")
	gen := llm.NewOpenAIClient(w.cfg.OpenAIKey, w.cfg.OpenAIModel)

	var synth pipeline.Synthesizer
	switch w.cfg.TTSProvider {
	case "deepgram":
		synth = tts.NewDeepgramClient(w.cfg.DeepgramKey, "")
	default:
		synth = tts.NewElevenLabsClient(w.cfg.ElevenLabsKey, w.cfg.ElevenLabsVoiceID)
	}

	conv := convo.New(w.lessonPrompt)
	ctrl := interrupt.NewController()

	pipe := pipeline.New(pipeline.DefaultConfig(), pipeline.Deps{
		Transport:   transport,
		Transcriber: stt,
		Generator:   gen,
		Synthesizer: synth,
		Convo:       conv,
		Controller:  ctrl,
		OnActive: func() {
			log.Printf("session %s: participant active", w.roomURL)
			if w.onActive != nil {
				w.onActive()
			}
		},
	})

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.pipe = pipe
	w.mu.Unlock()

	return pipe.Run(ctx)
}

func (w *Worker) isStopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

// Stop requests a graceful drain. Safe to call more than once, before Run
// has started, and while Run is still connecting.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.stopped = true
	pipe, cancel := w.pipe, w.cancel
	w.mu.Unlock()
	if pipe != nil {
		pipe.Inject(frame.ControlEvent{Signal: frame.SignalParticipantLeft})
		return
	}
	if cancel != nil {
		cancel()
	}
}
