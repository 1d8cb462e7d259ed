package dmx

import (
	"io"

	"github.com/pkg/errors"
	"go.bug.st/serial"

	"github.com/satindergrewal/beatbridge/internal/config"
)

// Enttec DMX USB Pro message framing.
const (
	enttecStart    = 0x7E
	enttecEnd      = 0xE7
	enttecSendDMX  = 6
	enttecBaudRate = 57600
)

// openPort is replaced in tests.
var openPort = func(name string, mode *serial.Mode) (io.WriteCloser, error) {
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// enttec writes "Output Only Send DMX Packet" messages to a serial port.
type enttec struct {
	port io.WriteCloser
	name string
	buf  []byte
}

func newEnttec(ns config.Namespace) (*enttec, error) {
	name := ns.String("port", "")
	if name == "" {
		ports, err := serial.GetPortsList()
		if err != nil {
			return nil, errors.Wrap(err, "listing serial ports")
		}
		if len(ports) == 0 {
			return nil, errors.New("no serial port found, set port")
		}
		name = ports[0]
	}
	p, err := openPort(name, &serial.Mode{BaudRate: ns.Int("baud", enttecBaudRate)})
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", name)
	}
	return &enttec{port: p, name: name}, nil
}

func (e *enttec) Send(frame []byte) error {
	n := len(frame)
	e.buf = append(e.buf[:0], enttecStart, enttecSendDMX, byte(n), byte(n>>8))
	e.buf = append(e.buf, frame...)
	e.buf = append(e.buf, enttecEnd)
	_, err := e.port.Write(e.buf)
	return errors.Wrap(err, "writing frame")
}

func (e *enttec) Close() error { return e.port.Close() }

func (e *enttec) String() string { return "enttec " + e.name }
