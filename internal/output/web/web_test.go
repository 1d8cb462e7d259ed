package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/satindergrewal/beatbridge/internal/logging"
	"github.com/satindergrewal/beatbridge/internal/telemetry"
)

func TestStatusEndpoint(t *testing.T) {
	s := newSink(false, logging.Discard())
	defer s.Close()

	s.BPMChangedMaster(126)
	s.OriginalBPMChangedMaster(120)
	s.PlaybackSpeedChangedMaster(1.05)
	s.BeatUpdateMaster(17.5)
	s.TrackChangedMaster(telemetry.TrackIdentity{Artist: "A", Title: "T"})
	s.BeatUpdate(3.25, 1)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if got.BPM != 126 || got.OriginalBPM != 120 || got.Beat != 17.5 || got.PlaybackSpeed != 1.05 {
		t.Errorf("master = %+v", got)
	}
	if got.Track.Title != "T" {
		t.Errorf("track = %+v", got.Track)
	}
	if len(got.Decks) != 2 || got.Decks[1].Beat != 3.25 {
		t.Errorf("decks = %+v, want deck 1 at beat 3.25", got.Decks)
	}
}

func TestEventsOncePerBeat(t *testing.T) {
	s := newSink(false, logging.Discard())
	defer s.Close()
	l := s.events.Subscribe()
	defer s.events.Unsubscribe(l)

	s.BeatUpdateMaster(1.2)
	s.BeatUpdateMaster(1.6)
	s.BeatUpdateMaster(2.0)
	if n := len(l.C); n != 2 {
		t.Fatalf("events = %d, want 2", n)
	}
	<-l.C
	if snap := <-l.C; snap.Beat != 2 {
		t.Errorf("second event beat = %v, want 2", snap.Beat)
	}

	s.SlowUpdate()
	s.TrackChangedMaster(telemetry.TrackIdentity{Title: "x"})
	if n := len(l.C); n != 2 {
		t.Errorf("events after slow update and track change = %d, want 2", n)
	}
}

func TestSnapshotIsCopied(t *testing.T) {
	s := newSink(false, logging.Discard())
	defer s.Close()
	s.BPMChanged(100, 0)
	snap := s.snapshot()
	snap.Decks[0].BPM = 1
	if s.snapshot().Decks[0].BPM != 100 {
		t.Error("snapshot shares deck storage with the sink")
	}
}

func TestClickFollowsMaster(t *testing.T) {
	s := newSink(true, logging.Discard())
	defer s.Close()
	s.BPMChangedMaster(128)
	s.BeatUpdateMaster(8)
	_, bpm := s.metro.Position()
	if bpm != 128 {
		t.Errorf("metronome bpm = %v, want 128", bpm)
	}
}

func TestOfferRoute(t *testing.T) {
	s := newSink(false, logging.Discard())
	defer s.Close()
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/offer", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("preflight status = %d", rec.Code)
	}
}
