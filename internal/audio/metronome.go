package audio

import (
	"context"
	"math"
	"sync"
	"time"
)

const (
	// BeatsPerBar decides which clicks are accented.
	BeatsPerBar = 4

	clickLength = 30 * time.Millisecond
	clickHz     = 1000.0
	accentHz    = 1500.0
	amplitude   = 0.5 * 32767

	// resyncTolerance is how far, in beats, an external position may drift
	// from the rendered one before the metronome jumps to it.
	resyncTolerance = 0.05
)

// Metronome renders click frames following the master beat and outputs them
// at real-time rate.
type Metronome struct {
	frameCh chan []int16

	mu   sync.RWMutex
	beat float64
	bpm  float64
}

// NewMetronome creates a silent metronome at beat 0.
func NewMetronome() *Metronome {
	return &Metronome{
		frameCh: make(chan []int16, 100),
	}
}

// Frames returns the channel of outgoing PCM frames (20ms each).
func (m *Metronome) Frames() <-chan []int16 {
	return m.frameCh
}

// Set follows the master position. Small differences only update the tempo
// so that a click already sounding is not restarted.
func (m *Metronome) Set(beat, bpm float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bpm = bpm
	if math.Abs(beat-m.beat) > resyncTolerance {
		m.beat = beat
	}
}

// Position returns the beat at the start of the next frame and the tempo.
func (m *Metronome) Position() (beat, bpm float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.beat, m.bpm
}

// Render returns the next frame and advances the position by one frame.
func (m *Metronome) Render() []int16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	frame := renderFrame(m.beat, m.bpm)
	m.beat += m.bpm / 60 * FrameDuration.Seconds()
	return frame
}

// Run starts rendering. Blocks until ctx is cancelled.
func (m *Metronome) Run(ctx context.Context) {
	defer close(m.frameCh)

	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		select {
		case m.frameCh <- m.Render():
		case <-ctx.Done():
			return
		}
	}
}

// renderFrame renders FrameSize stereo samples starting at beat.
func renderFrame(beat, bpm float64) []int16 {
	frame := make([]int16, FrameSamples)
	if bpm <= 0 {
		return frame
	}
	bps := bpm / 60
	length := clickLength.Seconds()
	for i := 0; i < FrameSize; i++ {
		b := beat + float64(i)*bps/SampleRate
		n := math.Floor(b)
		t := (b - n) / bps

		freq := clickHz
		if k := int64(n) % BeatsPerBar; k == 0 {
			freq = accentHz
		}
		s := clip(amplitude * clickEnvelope(t, length) * math.Sin(2*math.Pi*freq*t))
		frame[2*i] = s
		frame[2*i+1] = s
	}
	return frame
}
