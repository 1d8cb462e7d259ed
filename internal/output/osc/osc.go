// Package osc sends timing and track information as Open Sound Control
// messages over UDP.
package osc

import (
	"log/slog"
	"math"
	"net"
	"strconv"

	"github.com/pkg/errors"
	"github.com/scgolang/osc"

	"github.com/satindergrewal/beatbridge/internal/config"
	"github.com/satindergrewal/beatbridge/internal/output"
	"github.com/satindergrewal/beatbridge/internal/telemetry"
)

// Definition registers the sink under outputs.osc.
var Definition = output.Definition{
	ConfigName: "osc",
	PrettyName: "OSC",
	Create:     Create,
}

// Sink is the OSC output module.
type Sink struct {
	output.Base
	conn     *osc.UDPConn
	log      *slog.Logger
	src, dst string
	infoSent bool
	perDeck  bool
}

// Create opens the UDP socket. Options: source (local bind address),
// destination, per_deck (also send per-deck beat and tempo).
func Create(ns config.Namespace, log *slog.Logger) (output.Module, error) {
	src := ns.String("source", "127.0.0.1:8888")
	dst := ns.String("destination", "127.0.0.1:9999")

	laddr, err := net.ResolveUDPAddr("udp", src)
	if err != nil {
		return nil, errors.Wrap(err, "resolving source address")
	}
	raddr, err := net.ResolveUDPAddr("udp", dst)
	if err != nil {
		return nil, errors.Wrap(err, "resolving destination address")
	}
	conn, err := osc.DialUDP("udp", laddr, raddr)
	if err != nil {
		return nil, errors.Wrap(err, "opening connection to receiver")
	}
	return &Sink{
		conn:    conn,
		log:     log,
		src:     laddr.String(),
		dst:     raddr.String(),
		perDeck: ns.Bool("per_deck", false),
	}, nil
}

// send drops the message on error; a receiver that is not listening must not
// stall the keeper.
func (s *Sink) send(addr string, args ...osc.Argument) {
	if err := s.conn.Send(osc.Message{Address: addr, Arguments: args}); err != nil {
		s.log.Debug("send failed", "address", addr, "err", err)
	}
}

func (s *Sink) sendFloat(addr string, v float64) {
	s.send(addr, osc.Float(float32(v)))
}

func (s *Sink) sendString(addr, v string) {
	s.send(addr, osc.String(v))
}

func (s *Sink) BPMChanged(bpm float32, deck int) {
	if s.perDeck {
		s.sendFloat("/bpm/"+strconv.Itoa(deck)+"/current", float64(bpm))
	}
}

func (s *Sink) BPMChangedMaster(bpm float32) {
	s.sendFloat("/bpm/master/current", float64(bpm))
}

func (s *Sink) OriginalBPMChangedMaster(bpm float64) {
	s.sendFloat("/bpm/master/original", bpm)
}

func (s *Sink) BeatUpdate(beat float64, deck int) {
	if s.perDeck {
		s.sendFloat("/beat/"+strconv.Itoa(deck), beat)
	}
}

func (s *Sink) BeatUpdateMaster(beat float64) {
	s.sendFloat("/beat/master", beat)
	s.sendFloat("/beat/master/div1", math.Mod(beat, 1))
	s.sendFloat("/beat/master/div2", math.Mod(beat, 2)/2)
	s.sendFloat("/beat/master/div4", math.Mod(beat, 4)/4)
}

func (s *Sink) TimeUpdateMaster(seconds float64) {
	s.sendFloat("/time/master", seconds)
}

func (s *Sink) PlaybackSpeedChangedMaster(speed float32) {
	s.sendFloat("/playback_speed/master", float64(speed))
}

func (s *Sink) TrackChanged(track telemetry.TrackIdentity, deck int) {
	s.sendTrack("/track/"+strconv.Itoa(deck), track)
}

func (s *Sink) TrackChangedMaster(track telemetry.TrackIdentity) {
	s.sendTrack("/track/master", track)
}

func (s *Sink) sendTrack(prefix string, track telemetry.TrackIdentity) {
	s.sendString(prefix+"/title", track.Title)
	s.sendString(prefix+"/artist", track.Artist)
	s.sendString(prefix+"/album", track.Album)
}

func (s *Sink) SlowUpdate() {
	if !s.infoSent {
		s.infoSent = true
		s.log.Info("sending", "from", s.src, "to", s.dst)
	}
}

func (s *Sink) Close() error {
	return s.conn.Close()
}
