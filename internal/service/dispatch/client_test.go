package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"log/slog"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTriggerSendsPayloadAndCredential(t *testing.T) {
	var got Request
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode trigger payload: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, discardLogger())
	in := Request{ProjectID: "proj-1", BuildID: "b1", Instruction: "build", RepoName: "repo"}
	if err := c.Trigger(context.Background(), in, "tok-123"); err != nil {
		t.Fatalf("Trigger returned error: %v", err)
	}
	if got != in {
		t.Fatalf("payload = %+v, want %+v", got, in)
	}
	if auth != "Bearer tok-123" {
		t.Fatalf("authorization = %q, want bearer credential", auth)
	}
}

func TestTriggerOmitsAuthorizationWithoutCredential(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, discardLogger())
	if err := c.Trigger(context.Background(), Request{BuildID: "b1"}, ""); err != nil {
		t.Fatalf("Trigger returned error: %v", err)
	}
	if auth != "" {
		t.Fatalf("expected no authorization header, got %q", auth)
	}
}

func TestTriggerNon2xxIsDispatchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, discardLogger())
	err := c.Trigger(context.Background(), Request{BuildID: "b1"}, "")
	if !errors.Is(err, ErrDispatch) {
		t.Fatalf("expected ErrDispatch, got %v", err)
	}
}

func TestTriggerTransportErrorIsDispatchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient(srv.URL, discardLogger())
	err := c.Trigger(context.Background(), Request{BuildID: "b1"}, "")
	if !errors.Is(err, ErrDispatch) {
		t.Fatalf("expected ErrDispatch, got %v", err)
	}
}
