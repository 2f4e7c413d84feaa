package credentials

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

func TestFetchGrant(t *testing.T) {
	var got protocol.TokenRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(protocol.TokenResponse{
			Token:    "jwt-123",
			RoomName: "transcription-1",
			Identity: "user-1",
			RelayURL: "nats://relay.local:4222",
		})
	}))
	defer srv.Close()

	src := NewHTTPSource(config.CredentialsConfig{Endpoint: srv.URL, RoomName: "transcription-1", ParticipantName: "alice", TimeoutMS: 1000}, nil)
	grant, err := src.Fetch(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if grant.Token != "jwt-123" || grant.RoomName != "transcription-1" || grant.RelayURL != "nats://relay.local:4222" {
		t.Fatalf("unexpected grant %+v", grant)
	}
	if got.RoomName != "transcription-1" || got.LegacyParticipantID != "alice" {
		t.Fatalf("unexpected request body %+v", got)
	}
}

func TestFetchSurfacesServerMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message":"LiveKit not configured"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPSource(config.CredentialsConfig{Endpoint: srv.URL}, srv.Client()).Fetch(context.Background())
	if err == nil || err.Error() != "LiveKit not configured" {
		t.Fatalf("expected server message, got %v", err)
	}
}

func TestFetchRejectsMissingToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"roomName":"r"}`))
	}))
	defer srv.Close()

	if _, err := NewHTTPSource(config.CredentialsConfig{Endpoint: srv.URL}, srv.Client()).Fetch(context.Background()); err == nil {
		t.Fatal("expected error when token is missing")
	}
}
