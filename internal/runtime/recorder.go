package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/status"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
)

// recorder moves snapshot and segment writes off the orchestrator goroutine.
// Jobs run in order on one worker; when the queue is full they are dropped.
type recorder struct {
	archive *eventstore.Store
	status  *status.Publisher
	log     *slog.Logger

	jobs    chan func(context.Context)
	done    chan struct{}
	wg      sync.WaitGroup
	stopped sync.Once

	// owned by the orchestrator goroutine
	lastKey string
}

func newRecorder(archive *eventstore.Store, publisher *status.Publisher, log *slog.Logger) *recorder {
	r := &recorder{
		archive: archive,
		status:  publisher,
		log:     log.With(slog.String("component", "recorder")),
		jobs:    make(chan func(context.Context), 256),
		done:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

func (r *recorder) run() {
	defer r.wg.Done()
	for {
		select {
		case job := <-r.jobs:
			r.exec(job)
		case <-r.done:
			// drain what was queued before close
			for {
				select {
				case job := <-r.jobs:
					r.exec(job)
				default:
					return
				}
			}
		}
	}
}

func (r *recorder) exec(job func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job(ctx)
}

func (r *recorder) enqueue(job func(context.Context)) {
	select {
	case r.jobs <- job:
	default:
		r.log.Warn("recorder queue full, dropping write")
	}
}

// snapshot records status changes. Snapshots that only differ in their
// timestamp are skipped.
func (r *recorder) snapshot(snap session.Snapshot) {
	key := snapshotKey(snap)
	if key == r.lastKey {
		return
	}
	r.lastKey = key
	r.enqueue(func(ctx context.Context) {
		if snap.Status == session.StatusIdle {
			return
		}
		if err := r.archive.RecordSession(ctx, snap.SessionID, string(snap.Transport), string(snap.Status)); err != nil {
			r.log.Warn("failed to archive session", slog.String("error", err.Error()))
		}
		payload, err := json.Marshal(snap)
		if err == nil {
			err = r.archive.AppendEvent(ctx, eventstore.Event{SessionID: snap.SessionID, Type: "status", Payload: payload})
		}
		if err != nil {
			r.log.Warn("failed to archive status event", slog.String("error", err.Error()))
		}
		if snap.Status == session.StatusDisconnected {
			if err := r.archive.EndSession(ctx, snap.SessionID); err != nil {
				r.log.Warn("failed to end archived session", slog.String("error", err.Error()))
			}
		}
		if err := r.status.Publish(ctx, snap); err != nil {
			r.log.Warn("failed to publish status", slog.String("error", err.Error()))
		}
	})
}

func (r *recorder) segment(sessionID string, seg transcript.Segment) {
	r.enqueue(func(ctx context.Context) {
		if err := r.archive.RecordSegment(ctx, sessionID, seg); err != nil {
			r.log.Warn("failed to archive segment", slog.String("segment_id", seg.ID), slog.String("error", err.Error()))
		}
	})
}

// Close flushes queued writes and stops the worker.
func (r *recorder) Close() {
	r.stopped.Do(func() { close(r.done) })
	r.wg.Wait()
}

func snapshotKey(s session.Snapshot) string {
	backend := ""
	if s.Backend != nil {
		backend = s.Backend.Mode
		if s.Backend.Ready {
			backend += "+ready"
		}
	}
	b, _ := json.Marshal([]any{s.SessionID, s.Status, s.Channels, s.Capturing, s.DeviceReady, s.Error, s.Notice, backend})
	return string(b)
}
