// Package transcript merges interim and final recognition results into an
// ordered segment log.
package transcript

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Segment is one recognized utterance fragment.
type Segment struct {
	ID         string         `json:"id"`
	Offset     time.Duration  `json:"-"`
	Text       string         `json:"text"`
	IsFinal    bool           `json:"isFinal"`
	Confidence *float64       `json:"confidence,omitempty"`
	Speaker    string         `json:"speaker,omitempty"`
	Turnaround *time.Duration `json:"-"`
}

// TimestampMS is the segment offset from capture start in milliseconds.
func (s Segment) TimestampMS() int64 { return s.Offset.Milliseconds() }

func (s Segment) MarshalJSON() ([]byte, error) {
	type wire Segment
	out := struct {
		wire
		Timestamp    int64  `json:"timestamp"`
		TurnaroundMS *int64 `json:"turnaround_ms,omitempty"`
	}{wire: wire(s), Timestamp: s.TimestampMS()}
	if s.Turnaround != nil {
		ms := s.Turnaround.Milliseconds()
		out.TurnaroundMS = &ms
	}
	return json.Marshal(out)
}

// Event is an inbound transcript result. Timestamp is the backend's absolute
// event time when it supplied one.
type Event struct {
	ID         string
	Timestamp  *time.Time
	Text       string
	Confidence *float64
	Speaker    string
	IsFinal    bool
	Turnaround *time.Duration
}

// Reconciler owns the segment log. All mutation goes through Ingest and Reset;
// readers get copies.
type Reconciler struct {
	mu        sync.Mutex
	startedAt time.Time
	segments  []Segment
	finals    map[string]struct{}
	latency   time.Duration
	measured  bool

	now   func() time.Time
	newID func() string
}

func NewReconciler() *Reconciler {
	return &Reconciler{
		finals: make(map[string]struct{}),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Reset clears the log and moves the zero point to startedAt.
func (r *Reconciler) Reset(startedAt time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startedAt = startedAt
	r.segments = nil
	r.finals = make(map[string]struct{})
	r.latency = 0
	r.measured = false
}

// Ingest applies ev and returns the resulting log.
//
// A non-final event takes the single interim slot: it replaces the current
// interim segment where it stands, or is appended. A final event drops the
// interim segment and is appended after the prior finals. Finals with empty
// text and events whose id was already committed as final leave the log
// unchanged.
func (r *Reconciler) Ingest(ev Event) []Segment {
	segs, _ := r.Apply(ev)
	return segs
}

// Apply is Ingest that also reports whether ev changed the log. When it did,
// the segment ev produced is the last element of the returned log.
func (r *Reconciler) Apply(ev Event) ([]Segment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if ev.Timestamp != nil {
		r.latency = Latency(now, *ev.Timestamp)
		r.measured = true
	}

	at := now
	if ev.Timestamp != nil {
		at = *ev.Timestamp
	}
	var offset time.Duration
	if !r.startedAt.IsZero() {
		offset = at.Sub(r.startedAt)
	}
	if offset < 0 {
		offset = 0
	}

	seg := Segment{
		ID:         ev.ID,
		Offset:     offset,
		Text:       ev.Text,
		IsFinal:    ev.IsFinal,
		Confidence: ev.Confidence,
		Speaker:    ev.Speaker,
		Turnaround: ev.Turnaround,
	}

	if seg.ID != "" {
		// late interims and redelivered finals for a committed utterance
		if _, committed := r.finals[seg.ID]; committed {
			return r.snapshot(), false
		}
	}

	if !seg.IsFinal {
		if seg.ID == "" {
			seg.ID = r.newID()
		}
		if i := r.interimIndex(); i >= 0 {
			r.segments[i] = seg
		} else {
			r.segments = append(r.segments, seg)
		}
		return r.snapshot(), true
	}

	if strings.TrimSpace(seg.Text) == "" {
		return r.snapshot(), false
	}
	if seg.ID == "" {
		seg.ID = r.newID()
	}

	if i := r.interimIndex(); i >= 0 {
		r.segments = append(r.segments[:i], r.segments[i+1:]...)
	}
	r.segments = append(r.segments, seg)
	r.finals[seg.ID] = struct{}{}
	return r.snapshot(), true
}

// interimIndex returns the position of the non-final segment or -1.
func (r *Reconciler) interimIndex() int {
	for i := len(r.segments) - 1; i >= 0; i-- {
		if !r.segments[i].IsFinal {
			return i
		}
	}
	return -1
}

func (r *Reconciler) snapshot() []Segment {
	out := make([]Segment, len(r.segments))
	copy(out, r.segments)
	return out
}

// Segments returns a copy of the current log.
func (r *Reconciler) Segments() []Segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot()
}

// Latency returns the last measurement and whether one has been taken since
// the last Reset.
func (r *Reconciler) Latency() (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.latency, r.measured
}

// StartedAt is the current zero point.
func (r *Reconciler) StartedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startedAt
}

// Text joins the final segments with single spaces.
func (r *Reconciler) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b strings.Builder
	for _, s := range r.segments {
		if !s.IsFinal {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(s.Text)
	}
	return b.String()
}

// Latency is now minus the event time, floored at zero to absorb clock skew.
func Latency(now, event time.Time) time.Duration {
	d := now.Sub(event)
	if d < 0 {
		return 0
	}
	return d
}
