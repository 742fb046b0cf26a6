package broker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCreateRoom_NoKey(t *testing.T) {
	c := NewClient("https://example.invalid/v1", "")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.CreateRoom(ctx, time.Now().Add(time.Hour)); err == nil {
		t.Fatalf("expected error with missing key")
	}
}

func TestCreateRoom_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rooms" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key" {
			t.Errorf("unexpected auth header %q", got)
		}
		_, _ = w.Write([]byte(`{"name":"abc123","url":"https://rooms.example/abc123"}`))
	}))
	defer srv.Close()
	c := NewClient(srv.URL, "key")
	room, err := c.CreateRoom(context.Background(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	if room.Name != "abc123" || room.URL == "" {
		t.Fatalf("unexpected room %+v", room)
	}
}

func TestCreateRoom_HTTPFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status_non_2xx", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500); _, _ = w.Write([]byte("oops")) }},
		{"bad_json", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("not-json")) }},
		{"missing_fields", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte(`{}`)) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			c := NewClient(srv.URL, "key")
			if _, err := c.CreateRoom(context.Background(), time.Now().Add(time.Hour)); err == nil {
				t.Fatalf("expected error; got nil")
			}
		})
	}
}

func TestIssueToken_PrivilegeAndResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/meeting-tokens" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"token":"tok-1"}`))
	}))
	defer srv.Close()
	c := NewClient(srv.URL, "key")
	tok, err := c.IssueToken(context.Background(), "abc123", time.Now().Add(time.Hour), PrivilegeOwner, "Anya")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if tok != "tok-1" {
		t.Fatalf("unexpected token %q", tok)
	}
}

func TestIssueToken_EmptyToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()
	c := NewClient(srv.URL, "key")
	if _, err := c.IssueToken(context.Background(), "abc123", time.Now().Add(time.Hour), PrivilegeParticipant, "Student"); err == nil {
		t.Fatalf("expected error for empty token")
	}
}
