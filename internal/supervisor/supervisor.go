// Package supervisor owns the session table: it provisions rooms through the
// broker, launches one worker per room and guarantees deterministic cleanup.
// Sessions are single-shot; a worker that exits is never restarted.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sergio-bershadsky/pipecat-light/internal/agent"
	"github.com/sergio-bershadsky/pipecat-light/internal/broker"
	"github.com/sergio-bershadsky/pipecat-light/internal/config"
)

// ErrDuplicateSession is returned when a session is already live for a room.
var ErrDuplicateSession = errors.New("session already active for room")

// ProvisioningError wraps a broker failure during session start.
type ProvisioningError struct {
	Op  string
	Err error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning %s: %v", e.Op, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// Status is the lifecycle state of a session.
type Status string

const (
	StatusStarting    Status = "starting"
	StatusActive      Status = "active"
	StatusTerminating Status = "terminating"
	StatusTerminated  Status = "terminated"
)

// Session is the supervisor's record of one live or finished session.
type Session struct {
	ID               string
	RoomName         string
	RoomURL          string
	ParticipantToken string
	AgentToken       string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	Status           Status
}

// Runner is a launched worker, from the supervisor's point of view.
type Runner interface {
	Run(ctx context.Context) error
	Stop()
}

// WorkerFactory builds a worker for a provisioned room. onActive is invoked
// once the worker's transport reports a connected participant.
type WorkerFactory func(roomURL, agentToken, lessonPrompt string, onActive func()) Runner

// StartRequest carries per-session overrides from the front door.
type StartRequest struct {
	ExpirySeconds int
	LessonPrompt  string
}

type entry struct {
	sess    Session
	runner  Runner
	cancel  context.CancelFunc
	done    chan struct{}
	expiry  *time.Timer
	stopped bool
}

// Supervisor provisions, tracks and stops sessions.
type Supervisor struct {
	cfg     *config.Config
	broker  *broker.Client
	factory WorkerFactory

	mu       sync.Mutex
	sessions map[string]*entry // by session ID
	rooms    map[string]string // room URL -> session ID
	wg       sync.WaitGroup
}

// New builds a supervisor. A nil factory launches real agent workers.
func New(cfg *config.Config, b *broker.Client, factory WorkerFactory) *Supervisor {
	if factory == nil {
		factory = func(roomURL, agentToken, lessonPrompt string, onActive func()) Runner {
			return agent.NewWorker(cfg, roomURL, agentToken, lessonPrompt, onActive)
		}
	}
	return &Supervisor{
		cfg:      cfg,
		broker:   b,
		factory:  factory,
		sessions: make(map[string]*entry),
		rooms:    make(map[string]string),
	}
}

// StartSession provisions a room plus two meeting tokens and launches the
// worker. Broker failures come back as *ProvisioningError; a second start
// for the same room URL fails with ErrDuplicateSession.
func (s *Supervisor) StartSession(ctx context.Context, req StartRequest) (Session, error) {
	expirySeconds := req.ExpirySeconds
	if expirySeconds <= 0 {
		expirySeconds = s.cfg.SessionExpirySeconds
	}
	now := time.Now()
	expiresAt := now.Add(time.Duration(expirySeconds) * time.Second)

	room, err := s.broker.CreateRoom(ctx, expiresAt)
	if err != nil {
		return Session{}, &ProvisioningError{Op: "create room", Err: err}
	}
	participantToken, err := s.broker.IssueToken(ctx, room.Name, expiresAt, broker.PrivilegeParticipant, "")
	if err != nil {
		return Session{}, &ProvisioningError{Op: "participant token", Err: err}
	}
	agentToken, err := s.broker.IssueToken(ctx, room.Name, expiresAt, broker.PrivilegeOwner, s.cfg.AgentName)
	if err != nil {
		return Session{}, &ProvisioningError{Op: "agent token", Err: err}
	}

	sess := Session{
		ID:               uuid.NewString(),
		RoomName:         room.Name,
		RoomURL:          room.URL,
		ParticipantToken: participantToken,
		AgentToken:       agentToken,
		CreatedAt:        now,
		ExpiresAt:        expiresAt,
		Status:           StatusStarting,
	}
	if err := s.launch(sess, req.LessonPrompt); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// launch registers the session and starts its worker and reaper. Exactly one
// session may be live per room URL.
func (s *Supervisor) launch(sess Session, lessonPrompt string) error {
	s.mu.Lock()
	if _, exists := s.rooms[sess.RoomURL]; exists {
		s.mu.Unlock()
		return ErrDuplicateSession
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		sess:   sess,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	// Starting until the worker's transport sees the participant.
	e.runner = s.factory(sess.RoomURL, sess.AgentToken, lessonPrompt, func() {
		s.mu.Lock()
		if e.sess.Status == StatusStarting {
			e.sess.Status = StatusActive
		}
		s.mu.Unlock()
		log.Printf("session %s: participant connected", sess.ID)
	})
	s.sessions[sess.ID] = e
	s.rooms[sess.RoomURL] = sess.ID
	e.expiry = time.AfterFunc(time.Until(sess.ExpiresAt), func() {
		log.Printf("session %s: expired, stopping", sess.ID)
		_ = s.StopSession(sess.ID)
	})
	s.mu.Unlock()

	s.wg.Add(1)
	go s.reap(ctx, e)

	log.Printf("session %s: launched for room %s", sess.ID, sess.RoomURL)
	return nil
}

// reap runs the worker and retires the session when it exits.
func (s *Supervisor) reap(ctx context.Context, e *entry) {
	defer s.wg.Done()
	err := e.runner.Run(ctx)
	if err != nil {
		log.Printf("session %s: worker exited: %v", e.sess.ID, err)
	} else {
		log.Printf("session %s: worker finished", e.sess.ID)
	}

	s.mu.Lock()
	e.sess.Status = StatusTerminated
	if e.expiry != nil {
		e.expiry.Stop()
	}
	delete(s.rooms, e.sess.RoomURL)
	s.mu.Unlock()
	e.cancel()
	close(e.done)
}

// StopSession asks the worker to drain and returns immediately. Stopping an
// unknown or already-stopped session is a no-op.
func (s *Supervisor) StopSession(id string) error {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok || e.stopped {
		s.mu.Unlock()
		return nil
	}
	e.stopped = true
	if e.sess.Status == StatusStarting || e.sess.Status == StatusActive {
		e.sess.Status = StatusTerminating
	}
	s.mu.Unlock()

	e.runner.Stop()
	// backstop in case the drain stalls
	time.AfterFunc(10*time.Second, e.cancel)
	return nil
}

// Lookup returns a snapshot of the session record.
func (s *Supervisor) Lookup(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return e.sess, true
}

// ActiveCount reports how many sessions have a live worker.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.sessions {
		if e.sess.Status != StatusTerminated {
			n++
		}
	}
	return n
}

// DrainAll stops every session and waits for the workers to exit or ctx to
// expire. Used on process shutdown.
func (s *Supervisor) DrainAll(ctx context.Context) error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		_ = s.StopSession(id)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
