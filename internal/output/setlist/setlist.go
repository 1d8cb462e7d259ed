// Package setlist appends every master track to a setlist file, stamped with
// the time since the first entry.
package setlist

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/satindergrewal/beatbridge/internal/config"
	"github.com/satindergrewal/beatbridge/internal/output"
	"github.com/satindergrewal/beatbridge/internal/telemetry"
)

// Definition registers the sink under outputs.setlist.
var Definition = output.Definition{
	ConfigName: "setlist",
	PrettyName: "Setlist",
	Create:     Create,
}

// Sink is the setlist output module.
type Sink struct {
	output.Base
	log   *slog.Logger
	f     *os.File
	now   func() time.Time
	start time.Time
	last  string
}

func Create(ns config.Namespace, log *slog.Logger) (output.Module, error) {
	path := ns.String("path", "setlist.txt")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "opening setlist")
	}
	log.Info("recording setlist", "path", path)
	return &Sink{log: log, f: f, now: time.Now}, nil
}

func (s *Sink) TrackChangedMaster(track telemetry.TrackIdentity) {
	name := track.String()
	if name == "" || name == s.last {
		return
	}
	s.last = name

	now := s.now()
	if s.start.IsZero() {
		s.start = now
	}
	if _, err := fmt.Fprintf(s.f, "%s  %s\n", stamp(now.Sub(s.start)), name); err != nil {
		s.log.Warn("setlist entry not written", "err", err)
	}
}

// stamp formats d as HH:MM:SS.
func stamp(d time.Duration) string {
	sec := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", sec/3600, sec/60%60, sec%60)
}

func (s *Sink) Close() error {
	return s.f.Close()
}
