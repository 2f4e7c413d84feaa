package channel

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/credentials"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

func startRelay(t *testing.T) *natsserver.EmbeddedServer {
	t.Helper()
	srv, err := natsserver.Start(config.RelayConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start relay: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func TestRelayPublishesAudioAndReceivesData(t *testing.T) {
	srv := startRelay(t)

	peer, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("peer connect: %v", err)
	}
	defer peer.Close()
	frames := make(chan *nats.Msg, 4)
	if _, err := peer.ChanSubscribe(protocol.AudioSubject("room-1"), frames); err != nil {
		t.Fatal(err)
	}
	control := make(chan *nats.Msg, 4)
	if _, err := peer.ChanSubscribe(protocol.ControlSubject("room-1"), control); err != nil {
		t.Fatal(err)
	}
	if err := peer.Flush(); err != nil {
		t.Fatal(err)
	}

	relay := NewRelay(config.RelayConfig{ConnectTimeout: 2000}, AudioFormat{SampleRate: 16000, Channels: 1}, newLogger())
	grant := credentials.Grant{Token: "t", RoomName: "room-1", RelayURL: srv.ClientURL()}
	if err := relay.Open(context.Background(), grant); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer relay.Close("test done")
	nextEvent(t, relay, EventOpen)

	if err := relay.Send(protocol.NewAudioChunk([]byte{1, 0, 2, 0}, 0, "en")); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	if err := relay.Send(protocol.NewAudioChunk([]byte{3, 0}, 100*time.Millisecond, "en")); err != nil {
		t.Fatalf("send audio: %v", err)
	}
	for want := 0; want < 2; want++ {
		select {
		case msg := <-frames:
			var frame protocol.AudioFrame
			if err := json.Unmarshal(msg.Data, &frame); err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			if frame.Sequence != want || frame.SampleRate != 16000 || frame.SessionID != "room-1" {
				t.Fatalf("unexpected frame %+v", frame)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for audio frame")
		}
	}

	if err := relay.Send(protocol.NewConfig("fr")); err != nil {
		t.Fatalf("send config: %v", err)
	}
	select {
	case msg := <-control:
		var cfg protocol.Config
		if err := json.Unmarshal(msg.Data, &cfg); err != nil || cfg.Language != "fr" {
			t.Fatalf("unexpected control message %s", msg.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config")
	}

	if err := peer.Publish(protocol.DataSubject("room-1"), []byte(`{"type":"transcript","text":"bonjour"}`)); err != nil {
		t.Fatal(err)
	}
	ev := nextEvent(t, relay, EventMessage)
	if msg, err := protocol.Decode(ev.Data); err != nil || msg.(protocol.Transcript).Text != "bonjour" {
		t.Fatalf("unexpected data message %s (%v)", ev.Data, err)
	}
}

func TestRelayServerLossReportsReconnecting(t *testing.T) {
	srv, err := natsserver.Start(config.RelayConfig{Embedded: true, Port: -1}, newLogger())
	if err != nil {
		t.Fatal(err)
	}
	relay := NewRelay(config.RelayConfig{ConnectTimeout: 500}, AudioFormat{SampleRate: 16000, Channels: 1}, newLogger())
	if err := relay.Open(context.Background(), credentials.Grant{RoomName: "r", RelayURL: srv.ClientURL()}); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer relay.Close("")
	nextEvent(t, relay, EventOpen)

	srv.Shutdown()
	ev := nextEvent(t, relay, EventState)
	for ev.State == StateConnected {
		ev = nextEvent(t, relay, EventState)
	}
	if ev.State != StateConnecting {
		t.Fatalf("expected reconnecting state after server loss, got %s", ev.State)
	}
}

func TestRelayRejectsGrantWithoutRoom(t *testing.T) {
	relay := NewRelay(config.RelayConfig{Servers: []string{"nats://127.0.0.1:1"}}, AudioFormat{}, newLogger())
	if err := relay.Open(context.Background(), credentials.Grant{}); err == nil {
		t.Fatal("expected error for missing room")
	}
}

func TestRelayCloseIsIdempotent(t *testing.T) {
	relay := NewRelay(config.RelayConfig{Servers: []string{"nats://127.0.0.1:1"}}, AudioFormat{}, newLogger())
	if err := relay.Close("a"); err != nil {
		t.Fatal(err)
	}
	if err := relay.Close("b"); err != nil {
		t.Fatal(err)
	}
	if err := relay.Open(context.Background(), credentials.Grant{RoomName: "r"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
