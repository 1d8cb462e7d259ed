// Package oscsync shares the master tempo and beat phase using the oscsync
// protocol. It acts as a pulse master for a list of slaves, and can also
// forward the tempo to a separate oscsync server.
package oscsync

import (
	"log/slog"
	"math"
	"net"

	"github.com/pkg/errors"
	"github.com/scgolang/osc"

	"github.com/satindergrewal/beatbridge/internal/config"
	"github.com/satindergrewal/beatbridge/internal/output"
)

// oscsync addresses and the pulse grid it assumes.
const (
	AddressPulse = "/sync/pulse"
	AddressTempo = "/sync/tempo"

	PulsesPerBeat = 24
	PulsesPerBar  = 4 * PulsesPerBeat
)

// Definition registers the sink under outputs.oscsync.
var Definition = output.Definition{
	ConfigName: "oscsync",
	PrettyName: "oscsync",
	Create:     Create,
}

// Sink sends /sync/pulse to its slaves whenever a new bar starts or the
// tempo changes, and /sync/tempo to the upstream server on tempo changes.
type Sink struct {
	output.Base
	conn   *osc.UDPConn
	log    *slog.Logger
	slaves []net.Addr
	server net.Addr

	tempo     float32
	pulse     int64
	havePulse bool
	announced bool
}

// Create opens the socket. Options: listen (local bind address), slaves
// (host:port list), server (host:port of an oscsync master to forward the
// tempo to).
func Create(ns config.Namespace, log *slog.Logger) (output.Module, error) {
	laddr, err := net.ResolveUDPAddr("udp", ns.String("listen", "0.0.0.0:0"))
	if err != nil {
		return nil, errors.Wrap(err, "resolving listen address")
	}
	s := &Sink{log: log}
	for _, addr := range ns.Strings("slaves") {
		raddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return nil, errors.Wrapf(err, "resolving slave %s", addr)
		}
		s.slaves = append(s.slaves, raddr)
	}
	if addr := ns.String("server", ""); addr != "" {
		raddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return nil, errors.Wrap(err, "resolving server address")
		}
		s.server = raddr
	}
	if len(s.slaves) == 0 && s.server == nil {
		return nil, errors.New("neither slaves nor server configured")
	}

	conn, err := osc.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.Wrap(err, "creating OSC connection")
	}
	s.conn = conn
	return s, nil
}

func (s *Sink) BPMChangedMaster(bpm float32) {
	if bpm == s.tempo {
		return
	}
	s.tempo = bpm
	if s.server != nil {
		if err := s.conn.SendTo(s.server, osc.Message{
			Address:   AddressTempo,
			Arguments: osc.Arguments{osc.Float(bpm)},
		}); err != nil {
			s.log.Debug("sending tempo", "err", err)
		}
	}
	if s.havePulse {
		s.sendPulse()
	}
}

func (s *Sink) BeatUpdateMaster(beat float64) {
	pulse := int64(math.Floor(beat * PulsesPerBeat))
	if s.havePulse && pulse == s.pulse {
		return
	}
	newBar := !s.havePulse || floorDiv(pulse, PulsesPerBar) != floorDiv(s.pulse, PulsesPerBar)
	s.pulse = pulse
	s.havePulse = true
	if newBar {
		s.sendPulse()
	}
}

// sendPulse sends the current pulse to every slave.
func (s *Sink) sendPulse() {
	if s.tempo <= 0 {
		return
	}
	msg := osc.Message{
		Address: AddressPulse,
		Arguments: osc.Arguments{
			osc.Float(s.tempo),
			osc.Int(int32(s.pulse)),
		},
	}
	for _, slave := range s.slaves {
		if err := s.conn.SendTo(slave, msg); err != nil {
			s.log.Debug("sending pulse", "slave", slave.String(), "err", err)
		}
	}
}

func (s *Sink) SlowUpdate() {
	if !s.announced {
		s.announced = true
		server := "none"
		if s.server != nil {
			server = s.server.String()
		}
		s.log.Info("oscsync ready", "slaves", len(s.slaves), "server", server)
	}
}

func (s *Sink) Close() error {
	return s.conn.Close()
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
