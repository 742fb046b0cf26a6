package supervisor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sergio-bershadsky/pipecat-light/internal/broker"
	"github.com/sergio-bershadsky/pipecat-light/internal/config"
)

// fakeRunner blocks in Run until stopped, like a live worker.
type fakeRunner struct {
	stopCh   chan struct{}
	stops    int32
	runErr   error
	runCalls int32
}

func newFakeRunner() *fakeRunner { return &fakeRunner{stopCh: make(chan struct{})} }

func (r *fakeRunner) Run(ctx context.Context) error {
	atomic.AddInt32(&r.runCalls, 1)
	select {
	case <-r.stopCh:
	case <-ctx.Done():
	}
	return r.runErr
}

func (r *fakeRunner) Stop() {
	if atomic.AddInt32(&r.stops, 1) == 1 {
		close(r.stopCh)
	}
}

func roomsAPIStub(t *testing.T, roomURL string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/rooms"):
			_, _ = w.Write([]byte(`{"name":"room-abc","url":"` + roomURL + `"}`))
		case strings.HasSuffix(r.URL.Path, "/meeting-tokens"):
			_, _ = w.Write([]byte(`{"token":"tok-123"}`))
		default:
			w.WriteHeader(404)
		}
	}))
}

func testConfig() *config.Config {
	return &config.Config{
		SessionExpirySeconds: 3600,
		AgentName:            "Anya",
	}
}

func newTestSupervisor(t *testing.T, roomURL string, factory WorkerFactory) (*Supervisor, *httptest.Server) {
	t.Helper()
	srv := roomsAPIStub(t, roomURL)
	b := broker.NewClient(srv.URL, "key")
	return New(testConfig(), b, factory), srv
}

func waitStatus(t *testing.T, s *Supervisor, id string, want Status) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if sess, ok := s.Lookup(id); ok && sess.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	sess, _ := s.Lookup(id)
	t.Fatalf("session %s never reached %s, is %s", id, want, sess.Status)
}

func TestStartSession_ProvisionsAndLaunches(t *testing.T) {
	runner := newFakeRunner()
	var onActive func()
	s, srv := newTestSupervisor(t, "https://rooms.example.co/room-abc", func(roomURL, agentToken, lessonPrompt string, active func()) Runner {
		if roomURL != "https://rooms.example.co/room-abc" {
			t.Errorf("unexpected room url %q", roomURL)
		}
		if agentToken != "tok-123" {
			t.Errorf("unexpected agent token %q", agentToken)
		}
		onActive = active
		return runner
	})
	defer srv.Close()

	sess, err := s.StartSession(context.Background(), StartRequest{})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if sess.ID == "" || sess.ParticipantToken != "tok-123" {
		t.Fatalf("incomplete session record: %+v", sess)
	}
	if sess.ExpiresAt.Before(sess.CreatedAt) {
		t.Fatalf("expiry before creation")
	}
	onActive()
	waitStatus(t, s, sess.ID, StatusActive)
	if s.ActiveCount() != 1 {
		t.Fatalf("expected one active session")
	}

	_ = s.StopSession(sess.ID)
	waitStatus(t, s, sess.ID, StatusTerminated)
	if s.ActiveCount() != 0 {
		t.Fatalf("expected no active sessions after stop")
	}
}

func TestSessionStaysStartingUntilParticipantConnects(t *testing.T) {
	runner := newFakeRunner()
	var onActive func()
	s, srv := newTestSupervisor(t, "https://rooms.example.co/room-wait", func(_, _, _ string, active func()) Runner {
		onActive = active
		return runner
	})
	defer srv.Close()

	sess, err := s.StartSession(context.Background(), StartRequest{})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	// the worker is running but nobody has joined the room yet
	time.Sleep(50 * time.Millisecond)
	got, ok := s.Lookup(sess.ID)
	if !ok || got.Status != StatusStarting {
		t.Fatalf("session status before join = %s, want %s", got.Status, StatusStarting)
	}

	onActive()
	waitStatus(t, s, sess.ID, StatusActive)

	_ = s.StopSession(sess.ID)
	waitStatus(t, s, sess.ID, StatusTerminated)
}

func TestStartSession_DuplicateRoom(t *testing.T) {
	s, srv := newTestSupervisor(t, "https://rooms.example.co/room-dup", func(string, string, string, func()) Runner {
		return newFakeRunner()
	})
	defer srv.Close()

	first, err := s.StartSession(context.Background(), StartRequest{})
	if err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := s.StartSession(context.Background(), StartRequest{}); !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("expected ErrDuplicateSession, got %v", err)
	}

	// the slot frees once the first worker exits
	_ = s.StopSession(first.ID)
	waitStatus(t, s, first.ID, StatusTerminated)
	if _, err := s.StartSession(context.Background(), StartRequest{}); err != nil {
		t.Fatalf("restart after terminate: %v", err)
	}
}

func TestStartSession_BrokerFailureIsProvisioningError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer srv.Close()
	s := New(testConfig(), broker.NewClient(srv.URL, "key"), func(string, string, string, func()) Runner {
		return newFakeRunner()
	})

	_, err := s.StartSession(context.Background(), StartRequest{})
	var pe *ProvisioningError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProvisioningError, got %v", err)
	}
	if pe.Op != "create room" {
		t.Fatalf("unexpected op %q", pe.Op)
	}
}

func TestStopSession_Idempotent(t *testing.T) {
	runner := newFakeRunner()
	s, srv := newTestSupervisor(t, "https://rooms.example.co/room-x", func(string, string, string, func()) Runner {
		return runner
	})
	defer srv.Close()

	sess, err := s.StartSession(context.Background(), StartRequest{})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.StopSession(sess.ID); err != nil {
			t.Fatalf("stop %d: %v", i, err)
		}
	}
	if err := s.StopSession("no-such-id"); err != nil {
		t.Fatalf("unknown id must be a no-op: %v", err)
	}
	waitStatus(t, s, sess.ID, StatusTerminated)
	if got := atomic.LoadInt32(&runner.stops); got != 1 {
		t.Fatalf("runner.Stop called %d times, want 1", got)
	}
}

func TestDrainAll_WaitsForWorkers(t *testing.T) {
	runners := []*fakeRunner{newFakeRunner(), newFakeRunner()}
	i := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/rooms"):
			// distinct room per session
			_, _ = w.Write([]byte(`{"name":"room","url":"https://rooms.example.co/room-` +
				time.Now().Format("150405.000000000") + `"}`))
		default:
			_, _ = w.Write([]byte(`{"token":"tok"}`))
		}
	}))
	defer srv.Close()
	s := New(testConfig(), broker.NewClient(srv.URL, "key"), func(string, string, string, func()) Runner {
		r := runners[i]
		i++
		return r
	})

	for range runners {
		if _, err := s.StartSession(context.Background(), StartRequest{}); err != nil {
			t.Fatalf("start: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.DrainAll(ctx); err != nil {
		t.Fatalf("DrainAll: %v", err)
	}
	if s.ActiveCount() != 0 {
		t.Fatalf("sessions still active after drain")
	}
}

func TestExpiryTimerStopsSession(t *testing.T) {
	runner := newFakeRunner()
	s, srv := newTestSupervisor(t, "https://rooms.example.co/room-exp", func(string, string, string, func()) Runner {
		return runner
	})
	defer srv.Close()

	sess, err := s.StartSession(context.Background(), StartRequest{ExpirySeconds: 1})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	waitStatus(t, s, sess.ID, StatusTerminated)
	if got := atomic.LoadInt32(&runner.stops); got == 0 {
		t.Fatalf("expiry did not stop the worker")
	}
}
