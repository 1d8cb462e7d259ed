// Package dmx drives lighting consoles with the master tempo and a beat
// counter on two DMX slots. Frames go out over sACN (E1.31) or an Enttec
// DMX USB Pro interface.
//
// Slot mapping, starting at start_channel:
//
//	+0  BPM rounded and clamped to 0..250
//	+1  beat counter, incremented on every beat and wrapping at 255
package dmx

import (
	"log/slog"
	"math"
	"strings"

	"github.com/pkg/errors"

	"github.com/satindergrewal/beatbridge/internal/config"
	"github.com/satindergrewal/beatbridge/internal/output"
)

const (
	// Slots is the size of one DMX universe.
	Slots = 512
	// MaxBPM is the largest tempo a slot can carry.
	MaxBPM = 250
)

// Definition registers the sink under outputs.dmx.
var Definition = output.Definition{
	ConfigName: "dmx",
	PrettyName: "DMX (sACN / Enttec)",
	Create:     Create,
}

// transport sends one frame: start code followed by slot data.
type transport interface {
	Send(frame []byte) error
	Close() error
	String() string
}

// Sink is the DMX output module.
type Sink struct {
	output.Base
	log       *slog.Logger
	out       transport
	startSlot int
	frame     [1 + Slots]byte // index 0 is the start code

	lastBeatFloor int64
	counter       uint8
}

// Create opens the transport named by the "transport" option, sacn by
// default.
func Create(ns config.Namespace, log *slog.Logger) (output.Module, error) {
	start := ns.Int("start_channel", 1)
	if start < 1 {
		log.Warn("start_channel < 1 invalid, using 1")
		start = 1
	}
	if start > Slots-1 {
		log.Warn("start_channel too high, using 511")
		start = Slots - 1
	}

	var (
		out transport
		err error
	)
	switch kind := strings.ToLower(ns.String("transport", "sacn")); kind {
	case "sacn":
		out, err = newSACN(ns, log)
	case "enttec":
		out, err = newEnttec(ns)
	default:
		return nil, errors.Errorf("unknown transport %q", kind)
	}
	if err != nil {
		return nil, err
	}
	log.Info("dmx output", "transport", out.String(), "start_channel", start)
	return newSink(out, start, log), nil
}

func newSink(out transport, start int, log *slog.Logger) *Sink {
	return &Sink{
		log:           log,
		out:           out,
		startSlot:     start,
		lastBeatFloor: math.MinInt64,
	}
}

// writeSlot sets a 1-based slot; out of range slots are ignored.
func (s *Sink) writeSlot(slot int, v uint8) {
	if slot >= 1 && slot <= Slots {
		s.frame[slot] = v
	}
}

// send transmits only the slots in use.
func (s *Sink) send() {
	last := min(s.startSlot+1, Slots)
	if err := s.out.Send(s.frame[:1+last]); err != nil {
		s.log.Debug("send failed", "err", err)
	}
}

// BPMChangedMaster only updates the slot; the frame goes out with the next
// beat or keepalive.
func (s *Sink) BPMChangedMaster(bpm float32) {
	v := math.Round(float64(bpm))
	v = math.Max(0, math.Min(MaxBPM, v))
	s.writeSlot(s.startSlot, uint8(v))
}

func (s *Sink) BeatUpdateMaster(beat float64) {
	floor := int64(math.Floor(beat))
	if floor == s.lastBeatFloor {
		return
	}
	s.lastBeatFloor = floor
	s.counter++
	s.writeSlot(s.startSlot+1, s.counter)
	s.send()
}

// SlowUpdate resends the frame as a keepalive.
func (s *Sink) SlowUpdate() {
	s.send()
}

func (s *Sink) Close() error {
	return s.out.Close()
}
