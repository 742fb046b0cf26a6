// Package pipeline runs the fixed stage graph for one voice session:
//
//	TransportIn -> Transcribe -> AggregateUser -> Generate -> Synthesize
//	            -> TransportOut -> AggregateAssistant
//
// Stages run concurrently, connected by bounded channels so a slow consumer
// exerts backpressure instead of dropping frames. Every stage checks turn
// liveness at its read boundary; frames tagged with a superseded turn are
// discarded. The pipeline tears down after a participant-left event or a
// fatal error, joining all stage goroutines before Run returns.
package pipeline

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/sergio-bershadsky/pipecat-light/internal/barge"
	"github.com/sergio-bershadsky/pipecat-light/internal/convo"
	"github.com/sergio-bershadsky/pipecat-light/internal/frame"
	"github.com/sergio-bershadsky/pipecat-light/internal/interrupt"
)

// Config tunes pipeline behavior.
type Config struct {
	// QueueSize bounds each inter-stage channel.
	QueueSize int
	// SilenceWindow is how long the participant must be quiet before the
	// agent starts responding; SilenceWaitMax bounds the wait.
	SilenceWindow  time.Duration
	SilenceWaitMax time.Duration
	// GreetOnJoin starts a generation turn from the system prompt alone as
	// soon as the participant connects, so the agent speaks first.
	GreetOnJoin bool
	// Barge configures the voice-activity interrupt detector; nil disables it.
	Barge *barge.Config
}

// DefaultConfig matches a browser participant on a typical connection.
func DefaultConfig() Config {
	bc := barge.DefaultConfig()
	return Config{
		QueueSize:      64,
		SilenceWindow:  500 * time.Millisecond,
		SilenceWaitMax: 3 * time.Second,
		GreetOnJoin:    true,
		Barge:          &bc,
	}
}

// Deps are the collaborators a pipeline threads frames through.
type Deps struct {
	Transport   Transport
	Transcriber Transcriber
	Generator   Generator
	Synthesizer Synthesizer
	Convo       *convo.Context
	Controller  *interrupt.Controller
	// OnActive fires once when the transport reports a connected participant.
	OnActive func()
}

type genTrigger struct {
	seq uint64
}

type playbackItem struct {
	seq   uint64
	pcm   []byte
	final bool
	text  string // full assistant text, set on final
}

type assistItem struct {
	seq  uint64
	text string
}

// Pipeline is the per-session stage graph.
type Pipeline struct {
	cfg      Config
	deps     Deps
	detector *barge.Detector

	control   chan frame.ControlEvent
	leaveCh   chan struct{}
	leaveOnce sync.Once
	genQ      chan genTrigger

	turnMu      sync.Mutex
	turnCancels map[uint64][]context.CancelFunc

	failOnce sync.Once
	runErr   error
	cancel   context.CancelFunc

	activeOnce sync.Once
}

// New assembles a pipeline around the given collaborators.
func New(cfg Config, deps Deps) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	p := &Pipeline{
		cfg:         cfg,
		deps:        deps,
		control:     make(chan frame.ControlEvent, 16),
		leaveCh:     make(chan struct{}),
		turnCancels: make(map[uint64][]context.CancelFunc),
	}
	if cfg.Barge != nil {
		p.detector = barge.NewDetector(*cfg.Barge, func(time.Time) {
			p.Inject(frame.ControlEvent{Signal: frame.SignalInterrupt})
		})
	}
	deps.Controller.OnCancel(p.onTurnCancelled)
	return p
}

// Inject delivers an out-of-band control event to the pipeline. A leave
// signal is latched and can never be lost to a full queue.
func (p *Pipeline) Inject(ev frame.ControlEvent) {
	if ev.Signal == frame.SignalParticipantLeft {
		p.leaveOnce.Do(func() { close(p.leaveCh) })
		return
	}
	select {
	case p.control <- ev:
	default:
		log.Printf("control queue full, dropping %s", ev.Signal)
	}
}

// Run executes the stage graph until a participant-left event (nil return)
// or a fatal error. All stage goroutines are joined before returning.
func (p *Pipeline) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	defer cancel()

	if err := p.deps.Transcriber.Connect(ctx); err != nil {
		return &FatalWorkerError{Reason: "transcriber connect", Err: err}
	}
	defer func() { _ = p.deps.Transcriber.Close() }()

	aggQ := make(chan frame.TranscriptDelta, p.cfg.QueueSize)
	genQ := make(chan genTrigger, p.cfg.QueueSize)
	p.genQ = genQ
	deltaQ := make(chan frame.GenerationDelta, p.cfg.QueueSize)
	outQ := make(chan playbackItem, p.cfg.QueueSize)
	assistQ := make(chan assistItem, p.cfg.QueueSize)

	var wg sync.WaitGroup
	stages := []func(context.Context){
		func(ctx context.Context) { p.stageTransportIn(ctx) },
		func(ctx context.Context) { p.stageTranscribe(ctx, aggQ) },
		func(ctx context.Context) { p.stageAggregateUser(ctx, aggQ, genQ) },
		func(ctx context.Context) { p.stageGenerate(ctx, genQ, deltaQ) },
		func(ctx context.Context) { p.stageSynthesize(ctx, deltaQ, outQ) },
		func(ctx context.Context) { p.stageTransportOut(ctx, outQ, assistQ) },
		func(ctx context.Context) { p.stageAggregateAssistant(ctx, assistQ) },
	}
	wg.Add(len(stages))
	for _, stage := range stages {
		go func(stage func(context.Context)) {
			defer wg.Done()
			stage(ctx)
		}(stage)
	}

	wg.Wait()
	p.deps.Controller.Close()
	return p.runErr
}

// fail records the first fatal error and begins teardown.
func (p *Pipeline) fail(err error) {
	p.failOnce.Do(func() {
		p.runErr = err
		log.Printf("pipeline fatal: %v", err)
		if p.cancel != nil {
			p.cancel()
		}
	})
}

// shutdown tears the pipeline down gracefully (participant left).
func (p *Pipeline) shutdown() {
	p.deps.Controller.Close()
	if p.cancel != nil {
		p.cancel()
	}
}

func (p *Pipeline) onTurnCancelled(seq uint64) {
	p.turnMu.Lock()
	cancels := p.turnCancels[seq]
	delete(p.turnCancels, seq)
	p.turnMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	p.deps.Transport.ResetPlayback()
	if p.detector != nil {
		p.detector.SetSpeaking(false)
		p.detector.Reset()
	}
}

func (p *Pipeline) registerTurn(seq uint64, cancel context.CancelFunc) {
	p.turnMu.Lock()
	p.turnCancels[seq] = append(p.turnCancels[seq], cancel)
	p.turnMu.Unlock()
}

func (p *Pipeline) releaseTurn(seq uint64) {
	p.turnMu.Lock()
	delete(p.turnCancels, seq)
	p.turnMu.Unlock()
}

// stageTransportIn pumps transport frames into the graph and handles
// control events, including out-of-band injections.
func (p *Pipeline) stageTransportIn(ctx context.Context) {
	frames := p.deps.Transport.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.leaveCh:
			p.handleControl(frame.ControlEvent{Signal: frame.SignalParticipantLeft})
			return
		case ev := <-p.control:
			if p.handleControl(ev) {
				return
			}
		case f, ok := <-frames:
			if !ok {
				// transport gone without a leave event
				p.fail(&FatalWorkerError{Reason: "transport connection lost"})
				return
			}
			switch v := f.(type) {
			case frame.AudioChunk:
				if err := p.deps.Transcriber.SendPCM16KLE(v.PCM); err != nil {
					log.Printf("transcriber send: %v", err)
				}
				if p.detector != nil {
					p.detector.FeedMic(v.PCM)
				}
			case frame.ControlEvent:
				if p.handleControl(v) {
					return
				}
			}
		}
	}
}

// handleControl reacts to a control event; it returns true when the
// pipeline should stop reading input.
func (p *Pipeline) handleControl(ev frame.ControlEvent) bool {
	switch ev.Signal {
	case frame.SignalParticipantJoined:
		p.activeOnce.Do(func() {
			log.Printf("participant joined")
			if p.deps.OnActive != nil {
				p.deps.OnActive()
			}
			if p.cfg.GreetOnJoin {
				seq := p.deps.Controller.Begin()
				select {
				case p.genQ <- genTrigger{seq: seq}:
				default:
					log.Printf("generation queue full, skipping greeting")
				}
			}
		})
	case frame.SignalParticipantLeft:
		log.Printf("participant left, draining pipeline")
		p.shutdown()
		return true
	case frame.SignalInterrupt, frame.SignalCancel:
		if seq := p.deps.Controller.CancelLive(); seq != 0 {
			log.Printf("turn %d cancelled (%s)", seq, ev.Signal)
		}
	}
	return false
}

// stageTranscribe forwards final transcript deltas downstream. Partial
// deltas are advisory and only update the barge detector's view.
func (p *Pipeline) stageTranscribe(ctx context.Context, aggQ chan<- frame.TranscriptDelta) {
	defer close(aggQ)
	deltas := p.deps.Transcriber.Deltas()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deltas:
			if !ok {
				return
			}
			if !d.Final {
				continue
			}
			select {
			case aggQ <- d:
			case <-ctx.Done():
				return
			}
		}
	}
}

// stageAggregateUser turns each finalized utterance into a new turn: it
// assigns the sequence, appends the user message, and triggers generation.
func (p *Pipeline) stageAggregateUser(ctx context.Context, aggQ <-chan frame.TranscriptDelta, genQ chan<- genTrigger) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-aggQ:
			if !ok {
				return
			}
			text := strings.TrimSpace(d.Text)
			if text == "" {
				continue
			}
			seq := p.deps.Controller.Begin()
			p.deps.Convo.AppendUser(text)
			log.Printf("turn %d user: %s", seq, text)
			select {
			case genQ <- genTrigger{seq: seq}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// stageGenerate streams model deltas for each triggered turn.
func (p *Pipeline) stageGenerate(ctx context.Context, genQ <-chan genTrigger, deltaQ chan<- frame.GenerationDelta) {
	defer close(deltaQ)
	for {
		select {
		case <-ctx.Done():
			return
		case trig, ok := <-genQ:
			if !ok {
				return
			}
			if !p.deps.Controller.IsLive(trig.seq) {
				continue
			}
			p.generateTurn(ctx, trig.seq, deltaQ)
		}
	}
}

func (p *Pipeline) generateTurn(ctx context.Context, seq uint64, deltaQ chan<- frame.GenerationDelta) {
	// Let the participant finish: require a short quiet window before the
	// agent starts talking back, bounded so a noisy line cannot stall a turn.
	if p.cfg.SilenceWindow > 0 {
		waitUntil := time.Now().Add(p.cfg.SilenceWaitMax)
		for time.Now().Before(waitUntil) && ctx.Err() == nil {
			if !p.deps.Transcriber.RecentlyDetectedVoice(p.cfg.SilenceWindow) {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
	}
	if !p.deps.Controller.IsLive(seq) {
		return
	}

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.registerTurn(seq, cancel)
	defer p.releaseTurn(seq)

	deltas, errs := p.deps.Generator.Stream(turnCtx, p.deps.Convo.Messages())
	for {
		select {
		case <-turnCtx.Done():
			return
		case err, ok := <-errs:
			if ok && err != nil {
				if p.deps.Controller.RecordFailure("generate", err) {
					p.fail(&FatalWorkerError{Reason: "repeated adapter failures", Err: err})
				}
				return
			}
			errs = nil
		case d, ok := <-deltas:
			if !ok {
				return
			}
			if !p.deps.Controller.IsLive(seq) {
				return
			}
			d.TurnSeq = seq
			select {
			case deltaQ <- d:
			case <-turnCtx.Done():
				return
			}
			if d.Final {
				return
			}
		}
	}
}

// stageSynthesize buffers generation deltas into sentence-sized chunks and
// streams synthesized audio for each, never waiting for the full response.
func (p *Pipeline) stageSynthesize(ctx context.Context, deltaQ <-chan frame.GenerationDelta, outQ chan<- playbackItem) {
	defer close(outQ)
	var (
		curSeq  uint64
		pending strings.Builder
		full    strings.Builder
	)
	reset := func() {
		pending.Reset()
		full.Reset()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deltaQ:
			if !ok {
				return
			}
			if d.TurnSeq != curSeq {
				curSeq = d.TurnSeq
				reset()
			}
			if !p.deps.Controller.IsLive(d.TurnSeq) {
				reset()
				continue
			}
			pending.WriteString(d.Text)
			full.WriteString(d.Text)

			chunks, rest := splitSpeakable(pending.String(), d.Final)
			pending.Reset()
			pending.WriteString(rest)
			for _, chunk := range chunks {
				if !p.synthChunk(ctx, d.TurnSeq, chunk, outQ) {
					break
				}
			}
			if d.Final {
				item := playbackItem{seq: d.TurnSeq, final: true, text: strings.TrimSpace(full.String())}
				reset()
				select {
				case outQ <- item:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// synthChunk streams audio for one text chunk; it returns false when the
// turn went stale or the adapter failed.
func (p *Pipeline) synthChunk(ctx context.Context, seq uint64, text string, outQ chan<- playbackItem) bool {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.registerTurn(seq, cancel)
	defer p.releaseTurn(seq)

	pcmCh, errCh := p.deps.Synthesizer.StreamPCM48k(turnCtx, text)
	for {
		select {
		case <-turnCtx.Done():
			return false
		case err, ok := <-errCh:
			if ok && err != nil {
				if p.deps.Controller.RecordFailure("synthesize", err) {
					p.fail(&FatalWorkerError{Reason: "repeated adapter failures", Err: err})
				}
				return false
			}
			errCh = nil
		case b, ok := <-pcmCh:
			if !ok {
				return true
			}
			if !p.deps.Controller.IsLive(seq) {
				return false
			}
			if len(b) == 0 {
				continue
			}
			select {
			case outQ <- playbackItem{seq: seq, pcm: b}:
			case <-turnCtx.Done():
				return false
			}
		}
	}
}

// stageTransportOut plays synthesized audio into the room and, once a
// turn's playback is fully queued, passes the finished turn downstream.
func (p *Pipeline) stageTransportOut(ctx context.Context, outQ <-chan playbackItem, assistQ chan<- assistItem) {
	defer close(assistQ)
	for {
		select {
		case <-ctx.Done():
			return
		case it, ok := <-outQ:
			if !ok {
				return
			}
			if !p.deps.Controller.IsLive(it.seq) {
				continue
			}
			if len(it.pcm) > 0 {
				if p.detector != nil {
					p.detector.SetSpeaking(true)
					p.detector.FeedPlayback(it.pcm)
				}
				p.deps.Transport.WritePCM48k(it.pcm)
			}
			if it.final {
				if p.detector != nil {
					p.detector.SetSpeaking(false)
				}
				select {
				case assistQ <- assistItem{seq: it.seq, text: it.text}:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

// stageAggregateAssistant appends the assistant message for turns that
// survived to the end of the graph. Cancelled turns leave no trace.
func (p *Pipeline) stageAggregateAssistant(ctx context.Context, assistQ <-chan assistItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-assistQ:
			if !ok {
				return
			}
			if !p.deps.Controller.IsLive(a.seq) || a.text == "" {
				continue
			}
			p.deps.Convo.AppendAssistant(a.text)
			p.deps.Controller.Completed(a.seq)
			log.Printf("turn %d assistant: %s", a.seq, a.text)
		}
	}
}

// splitSpeakable returns complete sentence-like chunks ready for synthesis
// and the unfinished remainder. With final set, everything is returned.
func splitSpeakable(text string, final bool) (chunks []string, rest string) {
	var b strings.Builder
	for _, r := range text {
		switch r {
		case '.', '!', '?':
			b.WriteRune(r)
			if chunk := strings.TrimSpace(b.String()); chunk != "" {
				chunks = append(chunks, chunk)
			}
			b.Reset()
		case '\n', '\r':
			if chunk := strings.TrimSpace(b.String()); chunk != "" {
				chunks = append(chunks, chunk)
			}
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	if final {
		if chunk := strings.TrimSpace(b.String()); chunk != "" {
			chunks = append(chunks, chunk)
		}
		return chunks, ""
	}
	return chunks, b.String()
}
