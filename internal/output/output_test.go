package output

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/satindergrewal/beatbridge/internal/config"
)

type stub struct {
	Base
	name     string
	closeErr error
	closed   bool
}

func (s *stub) Close() error {
	s.closed = true
	return s.closeErr
}

func def(name string, fail bool) Definition {
	return Definition{
		ConfigName: name,
		PrettyName: strings.ToUpper(name),
		Create: func(ns config.Namespace, log *slog.Logger) (Module, error) {
			if fail {
				return nil, errors.New("port busy")
			}
			return &stub{name: name}, nil
		},
	}
}

func TestStart(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	cfg := config.Default()
	cfg.Outputs = map[string]config.Namespace{
		"a": {"enabled": true},
		"b": {"enabled": true},
		"c": {"enabled": false},
		"d": {"enabled": true},
	}
	defs := []Definition{def("d", false), def("b", true), def("c", false), def("a", false), def("e", false)}

	running := Start(defs, cfg, log)

	var names []string
	for _, n := range running {
		names = append(names, n.Module.(*stub).name)
	}
	if strings.Join(names, ",") != "d,a" {
		t.Errorf("running = %v, want [d a] in definition order", names)
	}
	out := buf.String()
	if !strings.Contains(out, "module=b") || !strings.Contains(out, "port busy") {
		t.Errorf("failed sink not logged with its scope: %q", out)
	}
	if !strings.Contains(out, "sink init failed") {
		t.Errorf("failure class missing from log: %q", out)
	}
	if len(Modules(running)) != 2 {
		t.Errorf("Modules len = %d, want 2", len(Modules(running)))
	}
}

func TestCloseAll(t *testing.T) {
	a := &stub{name: "a"}
	b := &stub{name: "b", closeErr: errors.New("flush failed")}
	c := &stub{name: "c"}
	named := []Named{
		{Definition{ConfigName: "a"}, a},
		{Definition{ConfigName: "b"}, b},
		{Definition{ConfigName: "c"}, c},
	}

	err := CloseAll(named)
	if err == nil || !strings.Contains(err.Error(), "closing b: flush failed") {
		t.Errorf("CloseAll = %v, want wrapped error from b", err)
	}
	if !a.closed || !b.closed || !c.closed {
		t.Errorf("not every sink was closed: %v %v %v", a.closed, b.closed, c.closed)
	}
}

func TestBaseSatisfiesModule(t *testing.T) {
	var m Module = Base{}
	m.PreUpdate()
	m.BeatUpdateMaster(1)
	if err := m.Close(); err != nil {
		t.Errorf("Base.Close = %v", err)
	}
}
