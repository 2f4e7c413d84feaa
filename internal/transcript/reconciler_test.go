package transcript

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"reflect"
	"testing"
	"time"
)

func newTestReconciler(now time.Time) *Reconciler {
	r := NewReconciler()
	r.now = func() time.Time { return now }
	seq := 0
	r.newID = func() string {
		seq++
		return fmt.Sprintf("gen-%d", seq)
	}
	r.Reset(now.Add(-10 * time.Second))
	return r
}

func TestInterimUpdatesCollapseIntoFinal(t *testing.T) {
	r := newTestReconciler(time.Now())
	r.Ingest(Event{Text: "hel"})
	r.Ingest(Event{Text: "hello"})
	log := r.Ingest(Event{Text: "hello world", IsFinal: true})

	if len(log) != 1 {
		t.Fatalf("expected 1 segment, got %d: %+v", len(log), log)
	}
	if log[0].Text != "hello world" || !log[0].IsFinal {
		t.Fatalf("unexpected segment %+v", log[0])
	}
}

func TestInterimAppendsAfterFinal(t *testing.T) {
	r := newTestReconciler(time.Now())
	r.Ingest(Event{ID: "s1", Text: "foo", IsFinal: true})
	log := r.Ingest(Event{ID: "s2", Text: "bar"})

	if len(log) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(log))
	}
	if log[0].ID != "s1" || !log[0].IsFinal {
		t.Fatalf("unexpected first segment %+v", log[0])
	}
	if log[1].ID != "s2" || log[1].IsFinal {
		t.Fatalf("unexpected second segment %+v", log[1])
	}
}

func TestRepeatedInterimIDDoesNotDuplicate(t *testing.T) {
	r := newTestReconciler(time.Now())
	for _, text := range []string{"a", "a b", "a b c"} {
		r.Ingest(Event{ID: "hyp-7", Text: text})
	}
	log := r.Segments()
	if len(log) != 1 || log[0].Text != "a b c" {
		t.Fatalf("expected single evolving interim, got %+v", log)
	}
}

func TestEmptyInterimHoldsSlot(t *testing.T) {
	r := newTestReconciler(time.Now())
	r.Ingest(Event{ID: "f", Text: "done", IsFinal: true})
	log := r.Ingest(Event{Text: ""})
	if len(log) != 2 || log[1].IsFinal || log[1].Text != "" {
		t.Fatalf("expected empty interim in slot, got %+v", log)
	}
	if log[1].ID == "" {
		t.Fatal("expected generated id for interim")
	}
}

func TestEmptyFinalIgnored(t *testing.T) {
	r := newTestReconciler(time.Now())
	r.Ingest(Event{Text: "partial"})
	log := r.Ingest(Event{Text: "  ", IsFinal: true})
	if len(log) != 1 || log[0].Text != "partial" {
		t.Fatalf("expected log unchanged, got %+v", log)
	}
}

func TestDuplicateFinalIsRedelivery(t *testing.T) {
	r := newTestReconciler(time.Now())
	r.Ingest(Event{ID: "seg-1", Text: "first", IsFinal: true})
	log := r.Ingest(Event{ID: "seg-1", Text: "first, again", IsFinal: true})
	if len(log) != 1 || log[0].Text != "first" {
		t.Fatalf("expected committed final untouched, got %+v", log)
	}
}

func TestLateInterimForCommittedFinalIgnored(t *testing.T) {
	r := newTestReconciler(time.Now())
	r.Ingest(Event{ID: "u1", Text: "hel"})
	r.Ingest(Event{ID: "u1", Text: "hello", IsFinal: true})

	log, changed := r.Apply(Event{ID: "u1", Text: "hel"})
	if changed {
		t.Fatal("late interim for a committed final changed the log")
	}
	log = r.Ingest(Event{ID: "u1", Text: "hello", IsFinal: true})
	if len(log) != 1 || log[0].Text != "hello" || !log[0].IsFinal {
		t.Fatalf("expected only the committed final, got %+v", log)
	}
}

// Two channels delivering the same utterances in arbitrary order.
func TestInterleavedDeliveryFromTwoSources(t *testing.T) {
	r := newTestReconciler(time.Now())
	events := []Event{
		{ID: "a", Text: "one"},
		{ID: "a", Text: "one two", IsFinal: true},
		{ID: "a", Text: "one"},
		{ID: "b", Text: "three"},
		{ID: "a", Text: "one two", IsFinal: true},
		{ID: "b", Text: "three four", IsFinal: true},
		{ID: "b", Text: "three"},
		{ID: "b", Text: "three four", IsFinal: true},
	}
	var log []Segment
	for _, ev := range events {
		log = r.Ingest(ev)
	}
	if len(log) != 2 || log[0].ID != "a" || log[1].ID != "b" || !log[0].IsFinal || !log[1].IsFinal {
		t.Fatalf("unexpected log %+v", log)
	}
}

func TestApplyReportsChanges(t *testing.T) {
	r := newTestReconciler(time.Now())
	if _, changed := r.Apply(Event{ID: "x", Text: "hi", IsFinal: true}); !changed {
		t.Fatal("expected first final to change the log")
	}
	if _, changed := r.Apply(Event{ID: "x", Text: "hi", IsFinal: true}); changed {
		t.Fatal("redelivered final reported as a change")
	}
	if _, changed := r.Apply(Event{Text: " ", IsFinal: true}); changed {
		t.Fatal("empty final reported as a change")
	}
}

func TestOffsetBeforeAnyResetIsZero(t *testing.T) {
	log := NewReconciler().Ingest(Event{ID: "a", Text: "hello", IsFinal: true})
	if got := log[0].TimestampMS(); got != 0 {
		t.Fatalf("expected offset 0 without a zero point, got %d", got)
	}
}

func TestGeneratedIDsUnique(t *testing.T) {
	r := NewReconciler()
	r.Reset(time.Now())
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		log := r.Ingest(Event{Text: fmt.Sprintf("utterance %d", i), IsFinal: true})
		id := log[len(log)-1].ID
		if seen[id] {
			t.Fatalf("duplicate generated id %q", id)
		}
		seen[id] = true
	}
}

func TestTimestampRelativeToStart(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	r := newTestReconciler(now)
	start := now.Add(-10 * time.Second)

	eventTime := start.Add(2500 * time.Millisecond)
	log := r.Ingest(Event{ID: "a", Text: "with time", IsFinal: true, Timestamp: &eventTime})
	if log[0].TimestampMS() != 2500 {
		t.Fatalf("expected 2500ms offset, got %d", log[0].TimestampMS())
	}

	log = r.Ingest(Event{ID: "b", Text: "wall clock", IsFinal: true})
	if log[1].TimestampMS() != 10000 {
		t.Fatalf("expected wall-clock fallback of 10000ms, got %d", log[1].TimestampMS())
	}

	early := start.Add(-time.Second)
	log = r.Ingest(Event{ID: "c", Text: "before start", IsFinal: true, Timestamp: &early})
	if log[2].Offset != 0 {
		t.Fatalf("expected offset floored at 0, got %v", log[2].Offset)
	}
}

func TestLatencyNeverNegative(t *testing.T) {
	now := time.Now()
	r := newTestReconciler(now)

	future := now.Add(3 * time.Second)
	r.Ingest(Event{Text: "skewed", IsFinal: true, Timestamp: &future})
	lat, ok := r.Latency()
	if !ok || lat != 0 {
		t.Fatalf("expected floored latency 0, got %v (measured=%v)", lat, ok)
	}

	past := now.Add(-180 * time.Millisecond)
	r.Ingest(Event{Text: "normal", IsFinal: true, Timestamp: &past})
	if lat, _ := r.Latency(); lat != 180*time.Millisecond {
		t.Fatalf("expected 180ms latency, got %v", lat)
	}

	if Latency(now, now.Add(time.Hour)) != 0 {
		t.Fatal("expected Latency to clamp at zero")
	}
}

func TestResetClearsLog(t *testing.T) {
	r := newTestReconciler(time.Now())
	r.Ingest(Event{ID: "x", Text: "old", IsFinal: true})
	r.Reset(time.Now())
	if len(r.Segments()) != 0 {
		t.Fatal("expected empty log after reset")
	}
	if _, ok := r.Latency(); ok {
		t.Fatal("expected latency cleared after reset")
	}
	log := r.Ingest(Event{ID: "x", Text: "new session may reuse ids", IsFinal: true})
	if len(log) != 1 {
		t.Fatalf("expected id reuse after reset, got %+v", log)
	}
}

// Random interleavings must keep one trailing interim at most and leave every
// committed final exactly as it was appended.
func TestInvariantsUnderRandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for run := 0; run < 200; run++ {
		r := newTestReconciler(time.Now())
		var committed []Segment
		for step := 0; step < 40; step++ {
			ev := Event{Text: fmt.Sprintf("t%d", step), IsFinal: rng.Intn(3) == 0}
			if rng.Intn(2) == 0 {
				ev.ID = fmt.Sprintf("id-%d", rng.Intn(5))
			}
			log := r.Ingest(ev)

			interims := 0
			for i, s := range log {
				if !s.IsFinal {
					interims++
					if i != len(log)-1 {
						t.Fatalf("run %d: interim at %d of %d", run, i, len(log))
					}
				}
			}
			if interims > 1 {
				t.Fatalf("run %d: %d interim segments", run, interims)
			}

			finals := log
			if len(finals) > 0 && !finals[len(finals)-1].IsFinal {
				finals = finals[:len(finals)-1]
			}
			if len(finals) < len(committed) {
				t.Fatalf("run %d: finals shrank from %d to %d", run, len(committed), len(finals))
			}
			if !reflect.DeepEqual(finals[:len(committed)], committed) {
				t.Fatalf("run %d: committed finals mutated", run)
			}
			committed = append([]Segment(nil), finals...)
		}
	}
}

func TestSnapshotIsolation(t *testing.T) {
	r := newTestReconciler(time.Now())
	log := r.Ingest(Event{ID: "a", Text: "keep me", IsFinal: true})
	log[0].Text = "tampered"
	if r.Segments()[0].Text != "keep me" {
		t.Fatal("snapshot mutation leaked into reconciler")
	}
}

func TestTextJoinsFinals(t *testing.T) {
	r := newTestReconciler(time.Now())
	r.Ingest(Event{Text: "hello", IsFinal: true})
	r.Ingest(Event{Text: "world", IsFinal: true})
	r.Ingest(Event{Text: "pending"})
	if got := r.Text(); got != "hello world" {
		t.Fatalf("unexpected text %q", got)
	}
}

func TestSegmentJSON(t *testing.T) {
	turnaround := 320 * time.Millisecond
	data, err := json.Marshal(Segment{ID: "s", Offset: 1200 * time.Millisecond, Text: "hi", IsFinal: true, Turnaround: &turnaround})
	if err != nil {
		t.Fatal(err)
	}
	var wire map[string]any
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatal(err)
	}
	if wire["timestamp"].(float64) != 1200 || wire["turnaround_ms"].(float64) != 320 || wire["isFinal"] != true {
		t.Fatalf("unexpected json %s", data)
	}
}
