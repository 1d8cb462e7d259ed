package dmx

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/satindergrewal/beatbridge/internal/config"
)

// ACNPort is the E1.31 UDP port.
const ACNPort = 5568

// Offsets into an E1.31 data packet.
const (
	rootFlagsOff    = 16
	cidOff          = 22
	framingFlagsOff = 38
	sourceNameOff   = 44
	priorityOff     = 108
	sequenceOff     = 111
	universeOff     = 113
	dmpFlagsOff     = 115
	valueCountOff   = 123
	propertyOff     = 125
)

var acnPacketID = [12]byte{'A', 'S', 'C', '-', 'E', '1', '.', '1', '7', 0, 0, 0}

// sacn sends E1.31 data packets over UDP, multicast or to a target list.
type sacn struct {
	conn     *net.UDPConn
	targets  []*net.UDPAddr
	cid      uuid.UUID
	name     string
	universe uint16
	priority uint8
	seq      uint8
	mode     string
}

func newSACN(ns config.Namespace, log *slog.Logger) (*sacn, error) {
	s := &sacn{
		name:     ns.String("source_name", "beatbridge"),
		universe: uint16(clamp(ns.Int("universe", 1), 1, 63999)),
		priority: uint8(clamp(ns.Int("priority", 100), 1, 200)),
		mode:     strings.ToLower(ns.String("mode", "multicast")),
	}
	if len(s.name) > 63 {
		s.name = s.name[:63]
	}

	s.cid = uuid.New()
	if v := ns.String("cid", ""); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, errors.Wrap(err, "parsing cid")
		}
		s.cid = id
	}

	switch s.mode {
	case "unicast":
		for _, t := range ns.Strings("targets") {
			if !strings.Contains(t, ":") {
				t = net.JoinHostPort(t, fmt.Sprint(ACNPort))
			}
			addr, err := net.ResolveUDPAddr("udp", t)
			if err != nil {
				log.Error("invalid sACN target", "target", t, "err", err)
				continue
			}
			s.targets = append(s.targets, addr)
		}
		if len(s.targets) == 0 {
			return nil, errors.New("unicast mode without valid targets")
		}
	default:
		if s.mode != "multicast" {
			log.Warn("unknown mode, using multicast", "mode", s.mode)
			s.mode = "multicast"
		}
		s.targets = []*net.UDPAddr{multicastAddr(s.universe)}
	}

	laddr, err := net.ResolveUDPAddr("udp", ns.String("source", "0.0.0.0:0"))
	if err != nil {
		return nil, errors.Wrap(err, "resolving source address")
	}
	s.conn, err = net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.Wrap(err, "opening sACN socket")
	}
	return s, nil
}

// multicastAddr is 239.255.<universe hi>.<universe lo>.
func multicastAddr(universe uint16) *net.UDPAddr {
	return &net.UDPAddr{
		IP:   net.IPv4(239, 255, byte(universe>>8), byte(universe)),
		Port: ACNPort,
	}
}

func (s *sacn) Send(frame []byte) error {
	pkt := s.packet(frame)
	s.seq++
	for _, t := range s.targets {
		if _, err := s.conn.WriteToUDP(pkt, t); err != nil {
			return errors.Wrapf(err, "sending to %s", t)
		}
	}
	return nil
}

// packet builds an E1.31 data packet around frame (start code included).
func (s *sacn) packet(frame []byte) []byte {
	n := propertyOff + len(frame)
	p := make([]byte, n)

	// Root layer.
	binary.BigEndian.PutUint16(p[0:], 0x0010)
	binary.BigEndian.PutUint16(p[2:], 0x0000)
	copy(p[4:], acnPacketID[:])
	binary.BigEndian.PutUint16(p[rootFlagsOff:], flagsAndLength(n-rootFlagsOff))
	binary.BigEndian.PutUint32(p[18:], 0x00000004)
	copy(p[cidOff:], s.cid[:])

	// Framing layer.
	binary.BigEndian.PutUint16(p[framingFlagsOff:], flagsAndLength(n-framingFlagsOff))
	binary.BigEndian.PutUint32(p[40:], 0x00000002)
	copy(p[sourceNameOff:sourceNameOff+63], s.name)
	p[priorityOff] = s.priority
	p[sequenceOff] = s.seq
	binary.BigEndian.PutUint16(p[universeOff:], s.universe)

	// DMP layer.
	binary.BigEndian.PutUint16(p[dmpFlagsOff:], flagsAndLength(n-dmpFlagsOff))
	p[117] = 0x02
	p[118] = 0xa1
	binary.BigEndian.PutUint16(p[119:], 0x0000)
	binary.BigEndian.PutUint16(p[121:], 0x0001)
	binary.BigEndian.PutUint16(p[valueCountOff:], uint16(len(frame)))
	copy(p[propertyOff:], frame)
	return p
}

func (s *sacn) Close() error { return s.conn.Close() }

func (s *sacn) String() string {
	return fmt.Sprintf("sacn %s universe=%d priority=%d targets=%d", s.mode, s.universe, s.priority, len(s.targets))
}

func flagsAndLength(n int) uint16 {
	return 0x7000 | uint16(n&0x0fff)
}

func clamp(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
