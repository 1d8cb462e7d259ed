// Package midiclock drives MIDI gear with a 24 PPQN beat clock locked to the
// master deck.
package midiclock

import (
	"log/slog"
	"math"
	"strings"

	"github.com/pkg/errors"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/satindergrewal/beatbridge/internal/config"
	"github.com/satindergrewal/beatbridge/internal/output"
	"github.com/satindergrewal/beatbridge/internal/telemetry"
)

const (
	// PulsesPerBeat is the MIDI clock resolution.
	PulsesPerBeat = 24
	// maxCatchUp is the largest forward step sent as clock pulses. Larger
	// jumps are seeks and are sent as a song position instead.
	maxCatchUp = PulsesPerBeat
)

// Definition registers the sink under outputs.midiclock.
var Definition = output.Definition{
	ConfigName: "midiclock",
	PrettyName: "MIDI clock",
	Create:     Create,
}

type port interface {
	Send(data []byte) error
	Close() error
	String() string
}

// Sink is the MIDI clock output module.
type Sink struct {
	output.Base
	log       *slog.Logger
	out       port
	drv       *rtmididrv.Driver
	stopAfter int

	pulse     int64
	havePulse bool
	running   bool
	moved     bool
	idle      int
}

// Create opens the first MIDI output whose name contains the "port" option.
// stop_after is the number of slow updates without movement before Stop is
// sent.
func Create(ns config.Namespace, log *slog.Logger) (output.Module, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, errors.Wrap(err, "rtmididrv")
	}
	outs, err := drv.Outs()
	if err != nil {
		drv.Close()
		return nil, errors.Wrap(err, "listing MIDI outputs")
	}
	out, err := pickOut(outs, ns.String("port", ""))
	if err != nil {
		drv.Close()
		return nil, err
	}
	if err := out.Open(); err != nil {
		drv.Close()
		return nil, errors.Wrapf(err, "opening %q", out.String())
	}
	log.Info("sending MIDI clock", "port", out.String())

	s := newSink(out, ns.Int("stop_after", 2), log)
	s.drv = drv
	return s, nil
}

// pickOut returns the first output whose name contains pattern, or the first
// output when pattern is empty.
func pickOut(outs []drivers.Out, pattern string) (drivers.Out, error) {
	for _, o := range outs {
		if pattern == "" || strings.Contains(strings.ToLower(o.String()), strings.ToLower(pattern)) {
			return o, nil
		}
	}
	if pattern == "" {
		return nil, errors.New("no MIDI output available")
	}
	return nil, errors.Errorf("no MIDI output matching %q", pattern)
}

func newSink(out port, stopAfter int, log *slog.Logger) *Sink {
	if stopAfter < 1 {
		stopAfter = 1
	}
	return &Sink{out: out, stopAfter: stopAfter, log: log}
}

func (s *Sink) send(msg midi.Message) {
	if err := s.out.Send(msg); err != nil {
		s.log.Debug("send failed", "msg", msg.String(), "err", err)
	}
}

// songPosition sends the position in sixteenth notes.
func (s *Sink) songPosition() {
	sixteenths := floorDiv(s.pulse, PulsesPerBeat/4)
	sixteenths = max(0, min(sixteenths, math.MaxUint16>>2))
	s.send(midi.SPP(uint16(sixteenths)))
}

func (s *Sink) BeatUpdateMaster(beat float64) {
	pulse := int64(math.Floor(beat * PulsesPerBeat))
	if !s.havePulse {
		s.pulse, s.havePulse = pulse, true
		s.songPosition()
		return
	}
	if pulse == s.pulse {
		return
	}
	s.moved = true
	s.idle = 0

	n := pulse - s.pulse
	s.pulse = pulse
	if n < 0 || n > maxCatchUp {
		s.songPosition()
		return
	}
	// Start would rewind the receivers to the top of the song. Continue
	// resumes from the song position they already hold.
	if !s.running {
		s.running = true
		s.send(midi.Continue())
	}
	for i := int64(0); i < n; i++ {
		s.send(midi.TimingClock())
	}
}

func (s *Sink) TrackChangedMaster(telemetry.TrackIdentity) {
	if s.havePulse {
		s.songPosition()
	}
}

// SlowUpdate stops the receivers once the beat has stood still for
// stopAfter slow updates.
func (s *Sink) SlowUpdate() {
	if s.moved {
		s.moved = false
		return
	}
	if !s.running {
		return
	}
	s.idle++
	if s.idle >= s.stopAfter {
		s.running = false
		s.idle = 0
		s.send(midi.Stop())
	}
}

func (s *Sink) Close() error {
	if s.running {
		s.send(midi.Stop())
	}
	err := s.out.Close()
	if s.drv != nil {
		s.drv.Close()
	}
	return err
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
