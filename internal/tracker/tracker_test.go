package tracker

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/satindergrewal/beatbridge/internal/telemetry"
)

const tick = 20 * time.Millisecond

// playback simulates a deck playing at a constant tempo with its first
// downbeat at gridOrigin. Positions advance by exactly one tick per step.
type playback struct {
	bpm        float64
	speed      float64
	gridOrigin int64
	pos        int64
	barOffset  int32 // added to the displayed bar, used to fake GUI jitter
}

func (p *playback) samplesPerBeat() float64 {
	return referenceRateF * 60 / p.bpm
}

func (p *playback) trueBeat() float64 {
	return float64(p.pos-p.gridOrigin) / p.samplesPerBeat()
}

func (p *playback) sample() telemetry.TimingSample {
	b := int64(math.Floor(p.trueBeat()))
	return telemetry.TimingSample{
		CurrentBPM:     float32(p.bpm * p.speed),
		PlaybackSpeed:  float32(p.speed),
		SamplePosition: p.pos,
		BeatDisplay:    int32(b%4) + 1,
		BarDisplay:     int32(b/4) + 1 + p.barOffset,
	}
}

func (p *playback) advance() {
	p.pos += int64(tick.Seconds() * referenceRateF * p.speed)
}

func (p *playback) run(tr *Tracker, ticks int) Estimate {
	var est Estimate
	for i := 0; i < ticks; i++ {
		p.advance()
		est = tr.Step(p.sample(), tick)
	}
	return est
}

func TestZeroBPMFallsBackTo120(t *testing.T) {
	tr := New(DefaultOptions())
	est := tr.Step(telemetry.TimingSample{CurrentBPM: 0, PlaybackSpeed: 1, SamplePosition: 22050, BeatDisplay: 1, BarDisplay: 1}, tick)
	if math.IsNaN(est.Beat) || math.IsInf(est.Beat, 0) {
		t.Fatalf("Beat = %v, want finite", est.Beat)
	}
	if est.OriginalBPM != 120 {
		t.Errorf("OriginalBPM = %v, want 120", est.OriginalBPM)
	}
	if est.Sample.CurrentBPM != 120 {
		t.Errorf("Sample.CurrentBPM = %v, want 120", est.Sample.CurrentBPM)
	}
}

func TestZeroPlaybackSpeedStaysFinite(t *testing.T) {
	tr := New(DefaultOptions())
	for i := 0; i < 50; i++ {
		est := tr.Step(telemetry.TimingSample{CurrentBPM: 0, PlaybackSpeed: 0, SamplePosition: 1000, BeatDisplay: 2, BarDisplay: 3}, tick)
		if math.IsNaN(est.Beat) || math.IsInf(est.Beat, 0) {
			t.Fatalf("tick %d: Beat = %v, want finite", i, est.Beat)
		}
		if est.OriginalBPM != 120 {
			t.Fatalf("tick %d: OriginalBPM = %v, want 120", i, est.OriginalBPM)
		}
	}
}

func TestBeatFromPosition(t *testing.T) {
	tr := New(DefaultOptions())
	est := tr.Step(telemetry.TimingSample{CurrentBPM: 120, PlaybackSpeed: 1, SamplePosition: 0, BeatDisplay: 1, BarDisplay: 1}, tick)
	if est.Beat != 0 {
		t.Errorf("Beat at position 0 = %v, want 0", est.Beat)
	}
	est = tr.Step(telemetry.TimingSample{CurrentBPM: 120, PlaybackSpeed: 1, SamplePosition: 22050, BeatDisplay: 1, BarDisplay: 1}, tick)
	if math.Abs(est.Beat-1) > 1e-9 {
		t.Errorf("Beat at position 22050 = %v, want 1", est.Beat)
	}
}

func TestBarOffset(t *testing.T) {
	tests := []struct {
		bar  int32
		want float64
	}{
		{0, 0}, // not analyzed
		{1, 0}, // first bar
		{3, 8}, // third bar
	}
	for _, tt := range tests {
		tr := New(DefaultOptions())
		est := tr.Step(telemetry.TimingSample{CurrentBPM: 120, PlaybackSpeed: 1, BeatDisplay: 1, BarDisplay: tt.bar}, tick)
		if est.Beat != tt.want {
			t.Errorf("bar %d: Beat = %v, want %v", tt.bar, est.Beat, tt.want)
		}
	}
}

func TestOffsetSamples(t *testing.T) {
	tr := New(Options{BarJitterTolerance: 10, OffsetSamples: OffsetFromDelay(250)})
	est := tr.Step(telemetry.TimingSample{CurrentBPM: 120, PlaybackSpeed: 1, BeatDisplay: 1, BarDisplay: 1}, tick)
	if math.Abs(est.Beat-0.5) > 1e-9 {
		t.Errorf("Beat with 250ms compensation = %v, want 0.5", est.Beat)
	}
}

func TestConvergesToGrid(t *testing.T) {
	p := &playback{bpm: 120, speed: 1, gridOrigin: 10000, pos: 200000}
	tr := New(DefaultOptions())

	est := p.run(tr, 250) // five seconds, ten beats
	if len(tr.Measurements()) == 0 {
		t.Fatal("no phase measurements recorded")
	}
	if diff := math.Abs(est.Beat - p.trueBeat()); diff > 0.03 {
		t.Errorf("Beat = %.4f, true beat %.4f (diff %.4f)", est.Beat, p.trueBeat(), diff)
	}
	if gs := tr.GridShift(); gs < 0 || gs >= 88200 {
		t.Errorf("GridShift = %d, want within [0, 88200)", gs)
	}
}

func TestBeatNonDecreasingAfterConvergence(t *testing.T) {
	p := &playback{bpm: 128, speed: 1.04, gridOrigin: 31337, pos: 500000}
	tr := New(DefaultOptions())
	p.run(tr, 400)

	prev := tr.lastCalculatedBeat
	for i := 0; i < 1000; i++ {
		p.advance()
		est := tr.Step(p.sample(), tick)
		if est.Beat < prev {
			t.Fatalf("tick %d: beat went backwards %.5f -> %.5f", i, prev, est.Beat)
		}
		prev = est.Beat
	}
}

func TestMeasurementQueueBounded(t *testing.T) {
	p := &playback{bpm: 174, speed: 1, pos: 100000}
	tr := New(DefaultOptions())
	for i := 0; i < 2000; i++ {
		p.advance()
		tr.Step(p.sample(), tick)
		if n := len(tr.Measurements()); n > MaxMeasurements {
			t.Fatalf("tick %d: %d measurements queued, cap %d", i, n, MaxMeasurements)
		}
	}
	if n := len(tr.Measurements()); n != MaxMeasurements {
		t.Errorf("after 2000 ticks %d measurements queued, want %d", n, MaxMeasurements)
	}
}

func TestUnreliableTickRecordsNoMeasurement(t *testing.T) {
	tests := []struct {
		name    string
		advance int64
	}{
		{"paused", 0},
		{"backwards seek", -50000},
		{"forward seek", 20000},
		{"half speed", 441},
	}
	for _, tt := range tests {
		tr := New(DefaultOptions())
		tr.Step(telemetry.TimingSample{CurrentBPM: 120, PlaybackSpeed: 1, SamplePosition: 100000, BeatDisplay: 1, BarDisplay: 1}, tick)
		tr.Step(telemetry.TimingSample{CurrentBPM: 120, PlaybackSpeed: 1, SamplePosition: 100000 + tt.advance, BeatDisplay: 2, BarDisplay: 1}, tick)
		if n := len(tr.Measurements()); n != 0 {
			t.Errorf("%s: %d measurements recorded, want 0", tt.name, n)
		}
	}
}

func TestMeasurementUsesMidpoint(t *testing.T) {
	tr := New(DefaultOptions())
	tr.Step(telemetry.TimingSample{CurrentBPM: 120, PlaybackSpeed: 1, SamplePosition: 100000, BeatDisplay: 1, BarDisplay: 1}, tick)
	tr.Step(telemetry.TimingSample{CurrentBPM: 120, PlaybackSpeed: 1, SamplePosition: 100882, BeatDisplay: 2, BarDisplay: 1}, tick)

	got := tr.Measurements()
	want := int64(100882 - 441 - 22050)
	if len(got) != 1 || got[0] != want {
		t.Fatalf("Measurements = %v, want [%d]", got, want)
	}
	if gs := tr.GridShift(); gs != want {
		t.Errorf("GridShift = %d, want %d", gs, want)
	}
}

func TestCircularMeanRotationConsistent(t *testing.T) {
	const m = 88200
	const v = 1234
	orders := [][]int64{
		{v, v + m, v - m, v + 5*m},
		{v - 3*m, v, v + m},
		{v + 2*m, v - m, v, v + 7*m, v - 9*m},
	}
	for _, values := range orders {
		if got := circularMean(values, m); got != v {
			t.Errorf("circularMean(%v) = %d, want %d", values, got, v)
		}
	}
}

func TestCircularMeanAcrossSeam(t *testing.T) {
	const m = 88200
	// Values straddling the wraparound average to the seam, not the middle.
	got := circularMean([]int64{m - 100, 100, m - 50, 50}, m)
	if got != 0 {
		t.Errorf("circularMean across seam = %d, want 0", got)
	}
	got = circularMean([]int64{-300, 100}, m)
	if got != m-100 {
		t.Errorf("circularMean(-300, 100) = %d, want %d", got, m-100)
	}
}

func TestTempoDebounce(t *testing.T) {
	tr := New(DefaultOptions())
	s := telemetry.TimingSample{CurrentBPM: 126, PlaybackSpeed: 1, BeatDisplay: 1, BarDisplay: 1}
	for i := 1; i <= 10; i++ {
		if est := tr.Step(s, tick); est.OriginalBPM != 120 {
			t.Fatalf("tick %d: OriginalBPM = %v before settle time", i, est.OriginalBPM)
		}
	}
	if est := tr.Step(s, tick); est.OriginalBPM != 126 {
		t.Errorf("OriginalBPM after settle = %v, want 126", est.OriginalBPM)
	}
}

func TestTempoBlipIgnored(t *testing.T) {
	tr := New(DefaultOptions())
	blip := telemetry.TimingSample{CurrentBPM: 126, PlaybackSpeed: 1}
	steady := telemetry.TimingSample{CurrentBPM: 120, PlaybackSpeed: 1}
	for round := 0; round < 5; round++ {
		for i := 0; i < 8; i++ {
			tr.Step(blip, tick)
		}
		tr.Step(steady, tick)
	}
	if bpm := tr.OriginalBPM(); bpm != 120 {
		t.Errorf("OriginalBPM = %v, want 120 after short blips", bpm)
	}
}

func TestPitchChangeKeepsOriginalTempo(t *testing.T) {
	tr := New(DefaultOptions())
	for i := 0; i < 30; i++ {
		est := tr.Step(telemetry.TimingSample{CurrentBPM: 132, PlaybackSpeed: 1.1}, tick)
		if math.Abs(est.OriginalBPM-120) > 0.001 {
			t.Fatalf("OriginalBPM = %v, want 120 at +10%% pitch", est.OriginalBPM)
		}
	}
}

func TestTempoCommitTrimsQueue(t *testing.T) {
	p := &playback{bpm: 120, speed: 1, pos: 100000}
	tr := New(DefaultOptions())
	p.run(tr, 300)
	before := tr.Measurements()
	if len(before) < 2 {
		t.Fatalf("need at least 2 measurements, have %d", len(before))
	}

	p.bpm = 124 // grid edited in the analysis
	p.run(tr, 11)
	after := tr.Measurements()
	if tr.OriginalBPM() != 124 {
		t.Fatalf("OriginalBPM = %v, want 124", tr.OriginalBPM())
	}
	if len(after) > 2 {
		t.Errorf("%d measurements after tempo commit, want the newest kept (at most one added since)", len(after))
	}
}

func TestTrackChangedClearsQueue(t *testing.T) {
	p := &playback{bpm: 120, speed: 1, pos: 100000}
	tr := New(DefaultOptions())
	p.run(tr, 200)
	if len(tr.Measurements()) == 0 {
		t.Fatal("no measurements to clear")
	}
	tr.MarkTrackChanged()
	tr.Step(telemetry.TimingSample{CurrentBPM: 120, PlaybackSpeed: 1, SamplePosition: 0, BeatDisplay: 1, BarDisplay: 1}, tick)
	if n := len(tr.Measurements()); n != 0 {
		t.Errorf("%d measurements after track change, want 0", n)
	}
	if tr.trackChanged {
		t.Error("track changed flag not consumed")
	}
}

func TestBarJitterAbsorbed(t *testing.T) {
	p := &playback{bpm: 120, speed: 1, gridOrigin: 0, pos: 100000}
	tr := New(Options{BarJitterTolerance: 10})
	prev := p.run(tr, 200).Beat

	// GUI shows the next bar three ticks early.
	p.barOffset = 1
	for i := 0; i < 3; i++ {
		p.advance()
		est := tr.Step(p.sample(), tick)
		if d := est.Beat - prev; d < 0 || d > 0.1 {
			t.Fatalf("jitter tick %d: beat %.4f -> %.4f not absorbed", i, prev, est.Beat)
		}
		prev = est.Beat
	}
	p.barOffset = 0
	p.advance()
	if est := tr.Step(p.sample(), tick); math.Abs(est.Beat-prev) > 0.1 {
		t.Errorf("beat jumped %.4f -> %.4f after jitter ended", prev, est.Beat)
	}
}

func TestBarJumpPassedThroughAfterTolerance(t *testing.T) {
	const tolerance = 10
	p := &playback{bpm: 120, speed: 1, gridOrigin: 0, pos: 100000}
	tr := New(Options{BarJitterTolerance: tolerance})
	prev := p.run(tr, 200).Beat

	p.barOffset = 1
	for i := 1; i <= tolerance; i++ {
		p.advance()
		est := tr.Step(p.sample(), tick)
		jumped := est.Beat-prev > 3.9
		if i < tolerance && jumped {
			t.Fatalf("tick %d: jump passed through before tolerance", i)
		}
		if i == tolerance && !jumped {
			t.Fatalf("tick %d: jump still cancelled at tolerance (%.4f -> %.4f)", i, prev, est.Beat)
		}
		prev = est.Beat
	}
	p.advance()
	if est := tr.Step(p.sample(), tick); math.Abs(est.Beat-prev) > 0.1 {
		t.Errorf("beat not continuous after accepted jump: %.4f -> %.4f", prev, est.Beat)
	}
}

type failingReader struct{ err error }

func (f failingReader) TimingSample(int) (telemetry.TimingSample, error) {
	return telemetry.TimingSample{}, f.err
}

type fixedReader struct{ s telemetry.TimingSample }

func (f fixedReader) TimingSample(int) (telemetry.TimingSample, error) { return f.s, nil }

func TestUpdateReadFailureLeavesStateUntouched(t *testing.T) {
	p := &playback{bpm: 120, speed: 1, gridOrigin: 5000, pos: 100000}
	tr := New(DefaultOptions())
	p.run(tr, 200)

	gridShift, queue, lastPos, lastBeat := tr.GridShift(), tr.Measurements(), tr.lastPos, tr.lastCalculatedBeat
	readErr := telemetry.NewError(telemetry.ReadFailed, errors.New("partial copy"))
	if _, err := tr.Update(failingReader{readErr}, 0, tick); !errors.Is(err, readErr) {
		t.Fatalf("Update error = %v, want %v", err, readErr)
	}
	if tr.GridShift() != gridShift || tr.lastPos != lastPos || tr.lastCalculatedBeat != lastBeat {
		t.Error("tracker state changed by failed read")
	}
	if got := tr.Measurements(); len(got) != len(queue) {
		t.Errorf("queue length %d, want %d", len(got), len(queue))
	}

	p.advance()
	est, err := tr.Update(fixedReader{p.sample()}, 0, tick)
	if err != nil {
		t.Fatal(err)
	}
	if diff := math.Abs(est.Beat - p.trueBeat()); diff > 0.03 {
		t.Errorf("beat after recovery off by %.4f", diff)
	}
}
