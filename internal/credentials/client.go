package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// Grant is what a channel needs to join a session.
type Grant struct {
	Token    string
	RoomName string
	Identity string
	RelayURL string
}

// Source issues grants. The orchestrator calls it once per connect attempt.
type Source interface {
	Fetch(ctx context.Context) (Grant, error)
}

// Static returns the same grant every time; used when a transport needs no
// token service.
type Static Grant

func (s Static) Fetch(context.Context) (Grant, error) { return Grant(s), nil }

type httpSource struct {
	endpoint    string
	room        string
	participant string
	client      *http.Client
}

// NewHTTPSource posts to the configured token endpoint.
func NewHTTPSource(cfg config.CredentialsConfig, client *http.Client) Source {
	if client == nil {
		client = &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}
	}
	return &httpSource{
		endpoint:    cfg.Endpoint,
		room:        cfg.RoomName,
		participant: cfg.ParticipantName,
		client:      client,
	}
}

func (s *httpSource) Fetch(ctx context.Context) (Grant, error) {
	body, err := json.Marshal(protocol.NewTokenRequest(s.room, s.participant))
	if err != nil {
		return Grant{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return Grant{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Grant{}, fmt.Errorf("request token: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Grant{}, fmt.Errorf("read token response: %w", err)
	}
	var tr protocol.TokenResponse
	decodeErr := json.Unmarshal(raw, &tr)

	if resp.StatusCode >= 300 {
		if decodeErr == nil && tr.Message != "" {
			return Grant{}, errors.New(tr.Message)
		}
		return Grant{}, fmt.Errorf("token endpoint returned status %s", resp.Status)
	}
	if decodeErr != nil {
		return Grant{}, fmt.Errorf("decode token response: %w", decodeErr)
	}
	if tr.Token == "" {
		return Grant{}, errors.New("no token received")
	}
	room := tr.RoomName
	if room == "" {
		room = s.room
	}
	return Grant{
		Token:    tr.Token,
		RoomName: room,
		Identity: tr.Identity,
		RelayURL: tr.URL(),
	}, nil
}
