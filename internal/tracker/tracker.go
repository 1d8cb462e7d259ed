// Package tracker reconstructs a continuous beat position for one deck from
// the sparse, display-lagged counters the monitored application exposes.
//
// The application reports a sample position that advances smoothly and a GUI
// beat/bar counter that only refreshes now and then. Each time the beat
// counter flips while playback advances normally, the position at that moment
// is a measurement of where the beat grid sits. Measurements are averaged on
// the circular domain of one bar to get the grid shift, and the continuous
// beat is then derived from the sample position alone.
package tracker

import (
	"math"
	"time"

	"github.com/satindergrewal/beatbridge/internal/change"
	"github.com/satindergrewal/beatbridge/internal/telemetry"
)

const (
	// FallbackBPM replaces a displayed tempo of 0 (track not analyzed yet).
	FallbackBPM = 120.0

	// MaxMeasurements is the number of phase measurements averaged.
	MaxMeasurements = 8

	beatsPerBar      = 4
	bpmThreshold     = 0.001
	bpmSettle        = 200 * time.Millisecond
	maxAdvanceError  = 0.5
	barJumpSize      = 4.0
	barJumpWindow    = 0.1
	maxUsableBPM     = 10000.0
	defaultTolerance = 10
	referenceRateF   = float64(telemetry.ReferenceRate)
)

// Options configures a Tracker.
type Options struct {
	// BarJitterTolerance is the number of consecutive ticks a one-bar jump is
	// cancelled before it is accepted as a real seek.
	BarJitterTolerance int
	// OffsetSamples shifts the output to compensate for downstream latency.
	OffsetSamples int64
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{BarJitterTolerance: defaultTolerance}
}

// OffsetFromDelay converts a delay compensation in milliseconds into samples
// at the reference rate.
func OffsetFromDelay(ms float64) int64 {
	return int64(ms * referenceRateF / 1000)
}

// Estimate is the result of one tracker update.
type Estimate struct {
	Beat        float64 // continuous beat count, 0-based
	OriginalBPM float64 // accepted track tempo without playback speed
	Sample      telemetry.TimingSample
}

// SampleReader is the part of telemetry.Source a Tracker reads from.
type SampleReader interface {
	TimingSample(deck int) (telemetry.TimingSample, error)
}

// Tracker holds the beat grid state of one deck. It survives reconnects to
// the telemetry source. Not safe for concurrent use.
type Tracker struct {
	opts Options

	originalBPM    float64
	sinceBPMChange time.Duration

	beatDisplay *change.Tracker[int32]
	lastPos     int64

	gridShift    int64
	measurements []int64 // oldest first, at most MaxMeasurements

	barJumps           int
	lastCalculatedBeat float64
	trackChanged       bool
}

// New creates a Tracker with the given options.
func New(opts Options) *Tracker {
	return &Tracker{
		opts:         opts,
		originalBPM:  FallbackBPM,
		beatDisplay:  change.New[int32](1),
		measurements: make([]int64, 0, MaxMeasurements),
	}
}

// MarkTrackChanged discards all phase measurements on the next update.
func (t *Tracker) MarkTrackChanged() {
	t.trackChanged = true
}

// GridShift returns the current grid offset in samples.
func (t *Tracker) GridShift() int64 {
	return t.gridShift
}

// OriginalBPM returns the accepted track tempo.
func (t *Tracker) OriginalBPM() float64 {
	return t.originalBPM
}

// Measurements returns a copy of the queued phase measurements, oldest first.
func (t *Tracker) Measurements() []int64 {
	return append([]int64(nil), t.measurements...)
}

// Update reads the deck's counters from src and advances the tracker by
// elapsed. A failed read leaves the tracker untouched.
func (t *Tracker) Update(src SampleReader, deck int, elapsed time.Duration) (Estimate, error) {
	sample, err := src.TimingSample(deck)
	if err != nil {
		return Estimate{}, err
	}
	return t.Step(sample, elapsed), nil
}

// Step advances the tracker with an already read sample.
func (t *Tracker) Step(s telemetry.TimingSample, elapsed time.Duration) Estimate {
	if s.CurrentBPM == 0 {
		s.CurrentBPM = FallbackBPM
	}
	speed := float64(s.PlaybackSpeed)

	recalculate := t.debounceTempo(float64(s.CurrentBPM)/speed, elapsed)

	if t.trackChanged {
		t.measurements = t.measurements[:0]
		t.trackChanged = false
	}

	spb := 60 / t.originalBPM
	samplesPerMeasure := int64(math.Round(referenceRateF*spb)) * beatsPerBar

	expected := elapsed.Seconds() * referenceRateF * speed
	advance := s.SamplePosition - t.lastPos
	t.lastPos = s.SamplePosition
	relErr := (expected - float64(advance)) / expected
	reliable := advance > 0 && math.Abs(relErr) < maxAdvanceError

	// The GUI counter flipped somewhere within the last poll interval; the
	// midpoint of the advance is the unbiased guess for when.
	if t.beatDisplay.Set(s.BeatDisplay) && reliable {
		shift := s.SamplePosition - advance/2 - int64(float64(s.BeatDisplay-1)*referenceRateF*spb)
		t.pushMeasurement(shift)
		recalculate = true
	}

	if recalculate && len(t.measurements) > 0 {
		t.gridShift = circularMean(t.measurements, samplesPerMeasure)
	}

	secondsSinceMeasure := float64(s.SamplePosition-t.gridShift+t.opts.OffsetSamples) / referenceRateF
	bar := s.BarDisplay
	if bar > 0 {
		bar--
	}
	beat := math.Mod(secondsSinceMeasure, beatsPerBar*spb)/spb + float64(bar)*beatsPerBar

	beat = t.suppressBarJitter(beat)
	if math.IsNaN(beat) || math.IsInf(beat, 0) {
		beat = 0
	}
	t.lastCalculatedBeat = beat

	return Estimate{
		Beat:        beat,
		OriginalBPM: t.originalBPM,
		Sample:      s,
	}
}

// debounceTempo commits a new original tempo once it has differed from the
// accepted one for longer than bpmSettle. The displayed tempo lags behind a
// playback speed change, so the ratio is briefly wrong after every pitch move.
// Returns true when a new tempo was committed.
func (t *Tracker) debounceTempo(candidate float64, elapsed time.Duration) bool {
	if !usableTempo(candidate) || math.Abs(candidate-t.originalBPM) <= bpmThreshold {
		t.sinceBPMChange = 0
		return false
	}
	t.sinceBPMChange += elapsed
	if t.sinceBPMChange <= bpmSettle {
		return false
	}
	t.originalBPM = candidate
	t.sinceBPMChange = 0

	// Older measurements were taken on the previous grid. The newest one is
	// still a valid phase reference.
	if n := len(t.measurements); n > 1 {
		t.measurements = append(t.measurements[:0], t.measurements[n-1])
	}
	return true
}

func (t *Tracker) pushMeasurement(shift int64) {
	if len(t.measurements) == MaxMeasurements {
		copy(t.measurements, t.measurements[1:])
		t.measurements = t.measurements[:MaxMeasurements-1]
	}
	t.measurements = append(t.measurements, shift)
}

// suppressBarJitter cancels a jump of exactly one bar for up to
// BarJitterTolerance consecutive ticks. The GUI bar counter may flip slightly
// before or after the position crosses the bar line.
func (t *Tracker) suppressBarJitter(beat float64) float64 {
	diff := beat - t.lastCalculatedBeat
	if math.Abs(math.Abs(diff)-barJumpSize) >= barJumpWindow {
		t.barJumps = 0
		return beat
	}
	t.barJumps++
	if t.barJumps < t.opts.BarJitterTolerance {
		beat -= math.Copysign(barJumpSize, diff)
	}
	return beat
}

// circularMean averages values on the circle of size m. The oldest value is
// rotated to the middle of the domain first so the seam falls as far away
// from the cluster as possible. The result is in [0, m).
func circularMean(values []int64, m int64) int64 {
	if m <= 0 || len(values) == 0 {
		return 0
	}
	guess := m/2 - mod(values[0], m)
	var sum int64
	for _, v := range values {
		sum += mod(v+guess, m)
	}
	return mod(sum/int64(len(values))-guess, m)
}

func mod(x, m int64) int64 {
	r := x % m
	if r < 0 {
		r += m
	}
	return r
}

func usableTempo(bpm float64) bool {
	return bpm > 0 && bpm < maxUsableBPM && !math.IsNaN(bpm)
}
