package agent

import (
	"context"
	"testing"
	"time"

	"github.com/sergio-bershadsky/pipecat-light/internal/config"
)

func testWorker() *Worker {
	cfg := &config.Config{LessonPrompt: "lesson prompt"}
	return NewWorker(cfg, "https://rooms.example.co/room-w", "tok", "", nil)
}

func TestStopBeforeRunAbortsWithoutConnecting(t *testing.T) {
	w := testWorker()
	w.Stop()

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run after Stop should return nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after Stop")
	}
}

func TestStop_SafeToRepeat(t *testing.T) {
	w := testWorker()
	w.Stop()
	w.Stop()
	w.Stop()
	if !w.isStopped() {
		t.Fatalf("worker should be marked stopped")
	}
}

func TestNewWorker_DefaultsLessonPrompt(t *testing.T) {
	cfg := &config.Config{LessonPrompt: "default prompt"}
	w := NewWorker(cfg, "https://rooms.example.co/room-p", "tok", "", nil)
	if w.lessonPrompt != "default prompt" {
		t.Fatalf("empty prompt should fall back to config, got %q", w.lessonPrompt)
	}
	w = NewWorker(cfg, "https://rooms.example.co/room-p", "tok", "custom", nil)
	if w.lessonPrompt != "custom" {
		t.Fatalf("explicit prompt should win, got %q", w.lessonPrompt)
	}
}
