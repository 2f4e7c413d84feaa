package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/session"
	redis "github.com/redis/go-redis/v9"
)

type fakeRedis struct {
	published  map[string][]string
	hashes     map[string]map[string]interface{}
	expiry     map[string]time.Duration
	publishErr error
	closed     bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		published: make(map[string][]string),
		hashes:    make(map[string]map[string]interface{}),
		expiry:    make(map[string]time.Duration),
	}
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if f.publishErr != nil {
		cmd.SetErr(f.publishErr)
		return cmd
	}
	f.published[channel] = append(f.published[channel], string(message.([]byte)))
	cmd.SetVal(1)
	return cmd
}

func (f *fakeRedis) HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	h := f.hashes[key]
	if h == nil {
		h = make(map[string]interface{})
		f.hashes[key] = h
	}
	for i := 0; i+1 < len(values); i += 2 {
		h[values[i].(string)] = values[i+1]
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(values) / 2))
	return cmd
}

func (f *fakeRedis) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	f.expiry[key] = expiration
	cmd := redis.NewBoolCmd(ctx)
	cmd.SetVal(true)
	return cmd
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublishSnapshot(t *testing.T) {
	rdb := newFakeRedis()
	p := newPublisher(rdb, "scribe.session", discardLogger())

	snap := session.Snapshot{
		SessionID: "abc",
		Status:    session.StatusRecording,
		Transport: session.ModeHybrid,
		Capturing: true,
		UpdatedAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := p.Publish(context.Background(), snap); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msgs := rdb.published["scribe.session.abc"]
	if len(msgs) != 1 {
		t.Fatalf("expected one message on the session channel, got %v", rdb.published)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(msgs[0]), &decoded); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if decoded["status"] != "recording" || decoded["session_id"] != "abc" || decoded["transport"] != "hybrid" {
		t.Fatalf("unexpected payload %v", decoded)
	}

	h := rdb.hashes["scribe.session:abc"]
	if h["status"] != "recording" || h["capturing"] != true {
		t.Fatalf("unexpected hash %v", h)
	}
	if rdb.expiry["scribe.session:abc"] != hashTTL {
		t.Fatal("session hash has no ttl")
	}
}

func TestPublishError(t *testing.T) {
	rdb := newFakeRedis()
	rdb.publishErr = errors.New("connection refused")
	p := newPublisher(rdb, "scribe.session", discardLogger())
	err := p.Publish(context.Background(), session.Snapshot{SessionID: "abc"})
	if err == nil || !strings.Contains(err.Error(), "scribe.session.abc") {
		t.Fatalf("expected wrapped publish error, got %v", err)
	}
	if len(rdb.hashes) != 0 {
		t.Fatal("hash written after failed publish")
	}
}

func TestDisabledPublisher(t *testing.T) {
	p, err := NewPublisher(context.Background(), config.StatusConfig{}, discardLogger())
	if err != nil || p != nil {
		t.Fatalf("expected nil publisher without address, got %v %v", p, err)
	}
	if err := p.Publish(context.Background(), session.Snapshot{SessionID: "x"}); err != nil {
		t.Fatalf("nil publisher returned %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("nil close returned %v", err)
	}
}

func TestUnreachableRedis(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := NewPublisher(ctx, config.StatusConfig{RedisAddr: "127.0.0.1:1", ChannelPrefix: "x"}, discardLogger())
	if err == nil {
		t.Fatal("expected ping failure")
	}
}
