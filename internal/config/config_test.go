package config

import (
	"os"
	"testing"
)

func TestLoad_DefaultsAndEnv(t *testing.T) {
	os.Setenv("HTTP_ADDRESS", "")
	os.Setenv("ROOMS_API_URL", "")
	os.Setenv("OPENAI_MODEL", "")
	os.Setenv("SESSION_EXPIRY_SECONDS", "")
	os.Setenv("LESSON_PROMPT", "")
	cfg := Load()
	if cfg.HTTPAddress == "" {
		t.Fatalf("expected default http address")
	}
	if cfg.RoomsAPIURL == "" {
		t.Fatalf("expected default rooms api url")
	}
	if cfg.OpenAIModel == "" {
		t.Fatalf("expected default model id")
	}
	if cfg.SessionExpirySeconds != 3600 {
		t.Fatalf("expected default expiry 3600, got %d", cfg.SessionExpirySeconds)
	}
	if cfg.LessonPrompt != DefaultLessonPrompt {
		t.Fatalf("expected default lesson prompt")
	}
}

func TestLoad_InvalidExpiryFallsBack(t *testing.T) {
	os.Setenv("SESSION_EXPIRY_SECONDS", "not-a-number")
	defer os.Unsetenv("SESSION_EXPIRY_SECONDS")
	cfg := Load()
	if cfg.SessionExpirySeconds != 3600 {
		t.Fatalf("expected fallback expiry, got %d", cfg.SessionExpirySeconds)
	}
}

func TestLoad_ExpiryOverride(t *testing.T) {
	os.Setenv("SESSION_EXPIRY_SECONDS", "120")
	defer os.Unsetenv("SESSION_EXPIRY_SECONDS")
	cfg := Load()
	if cfg.SessionExpirySeconds != 120 {
		t.Fatalf("expected expiry 120, got %d", cfg.SessionExpirySeconds)
	}
}
