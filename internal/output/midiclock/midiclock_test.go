package midiclock

import (
	"testing"

	"github.com/satindergrewal/beatbridge/internal/logging"
	"github.com/satindergrewal/beatbridge/internal/telemetry"
)

type fakePort struct {
	msgs   [][]byte
	closed bool
}

func (p *fakePort) Send(data []byte) error {
	p.msgs = append(p.msgs, append([]byte(nil), data...))
	return nil
}
func (p *fakePort) Close() error   { p.closed = true; return nil }
func (p *fakePort) String() string { return "fake" }

func (p *fakePort) count(status byte) int {
	n := 0
	for _, m := range p.msgs {
		if len(m) > 0 && m[0] == status {
			n++
		}
	}
	return n
}

const (
	clock = 0xF8
	start = 0xFA
	cont  = 0xFB
	stop  = 0xFC
	spp   = 0xF2
)

func TestClockPulses(t *testing.T) {
	p := &fakePort{}
	s := newSink(p, 2, logging.Discard())

	s.BeatUpdateMaster(1.0)
	if len(p.msgs) != 1 || p.msgs[0][0] != spp {
		t.Fatalf("first update = % x, want song position", p.msgs)
	}
	// Beat 1 is sixteenth 4.
	if p.msgs[0][1] != 4 || p.msgs[0][2] != 0 {
		t.Errorf("SPP = % x, want f2 04 00", p.msgs[0])
	}

	p.msgs = nil
	s.BeatUpdateMaster(1.25) // 6 pulses
	if p.count(cont) != 1 || p.count(clock) != 6 {
		t.Errorf("after quarter beat: continue %d clock %d, want 1 and 6", p.count(cont), p.count(clock))
	}
	if p.msgs[0][0] != cont {
		t.Errorf("Continue must precede the first clock")
	}
	if p.count(start) != 0 {
		t.Errorf("Start sent after song position; receivers would rewind to 0")
	}

	p.msgs = nil
	s.BeatUpdateMaster(1.26)
	s.BeatUpdateMaster(2.0)
	if p.count(clock) != 18 || p.count(cont) != 0 {
		t.Errorf("to beat 2: clock %d continue %d, want 18 and 0", p.count(clock), p.count(cont))
	}
}

func TestSeekSendsSongPosition(t *testing.T) {
	p := &fakePort{}
	s := newSink(p, 2, logging.Discard())
	s.BeatUpdateMaster(0)
	s.BeatUpdateMaster(0.5)

	p.msgs = nil
	s.BeatUpdateMaster(64) // forward jump
	if p.count(clock) != 0 || p.count(spp) != 1 {
		t.Fatalf("forward seek = % x", p.msgs)
	}
	if got := int(p.msgs[0][1]) | int(p.msgs[0][2])<<7; got != 256 {
		t.Errorf("SPP = %d, want 256 sixteenths", got)
	}

	p.msgs = nil
	s.BeatUpdateMaster(8) // backward jump
	if p.count(spp) != 1 || p.count(clock) != 0 {
		t.Errorf("backward seek = % x", p.msgs)
	}
}

func TestStopWhenIdle(t *testing.T) {
	p := &fakePort{}
	s := newSink(p, 2, logging.Discard())
	s.BeatUpdateMaster(0)
	s.BeatUpdateMaster(0.1)

	s.SlowUpdate() // moved since last slow update
	s.SlowUpdate() // idle 1
	if p.count(stop) != 0 {
		t.Fatalf("stopped too early")
	}
	s.SlowUpdate() // idle 2
	if p.count(stop) != 1 {
		t.Fatalf("stop count = %d, want 1", p.count(stop))
	}
	s.SlowUpdate()
	if p.count(stop) != 1 {
		t.Errorf("stop sent again while stopped")
	}

	p.msgs = nil
	s.BeatUpdateMaster(0.2)
	if p.count(cont) != 1 || p.count(start) != 0 {
		t.Errorf("resume = % x, want Continue and no Start", p.msgs)
	}
	if p.msgs[0][0] != cont {
		t.Errorf("Continue must precede the resumed clock")
	}
}

func TestSeekWhileStoppedResumesFromNewPosition(t *testing.T) {
	p := &fakePort{}
	s := newSink(p, 1, logging.Discard())
	s.BeatUpdateMaster(0)
	s.BeatUpdateMaster(0.1)
	s.SlowUpdate() // moved
	s.SlowUpdate() // idle, stop
	if p.count(stop) != 1 {
		t.Fatalf("stop count = %d, want 1", p.count(stop))
	}

	p.msgs = nil
	s.BeatUpdateMaster(32) // cued elsewhere
	s.BeatUpdateMaster(32.1)
	if len(p.msgs) < 2 || p.msgs[0][0] != spp || p.msgs[1][0] != cont {
		t.Fatalf("seek then play = % x, want song position then Continue", p.msgs)
	}
	if got := int(p.msgs[0][1]) | int(p.msgs[0][2])<<7; got != 128 {
		t.Errorf("SPP = %d, want 128 sixteenths", got)
	}
	if p.count(start) != 0 {
		t.Errorf("Start sent on resume: % x", p.msgs)
	}
}

func TestTrackChangeSendsPosition(t *testing.T) {
	p := &fakePort{}
	s := newSink(p, 2, logging.Discard())
	s.TrackChangedMaster(telemetry.TrackIdentity{Title: "x"})
	if len(p.msgs) != 0 {
		t.Errorf("position sent before any beat")
	}
	s.BeatUpdateMaster(2)
	p.msgs = nil
	s.TrackChangedMaster(telemetry.TrackIdentity{Title: "y"})
	if p.count(spp) != 1 {
		t.Errorf("track change = % x, want song position", p.msgs)
	}
}

func TestCloseStopsRunningClock(t *testing.T) {
	p := &fakePort{}
	s := newSink(p, 2, logging.Discard())
	s.BeatUpdateMaster(0)
	s.BeatUpdateMaster(0.1)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if p.count(stop) != 1 || !p.closed {
		t.Errorf("close: stop %d closed %v", p.count(stop), p.closed)
	}
}

func TestFloorDiv(t *testing.T) {
	if floorDiv(-1, 6) != -1 || floorDiv(5, 6) != 0 || floorDiv(12, 6) != 2 {
		t.Error("floorDiv")
	}
}
