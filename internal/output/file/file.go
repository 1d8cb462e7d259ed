// Package file keeps the master track, as "artist - title", in a text file
// that streaming overlays can watch.
package file

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/satindergrewal/beatbridge/internal/config"
	"github.com/satindergrewal/beatbridge/internal/output"
	"github.com/satindergrewal/beatbridge/internal/telemetry"
)

// Definition registers the sink under outputs.file.
var Definition = output.Definition{
	ConfigName: "file",
	PrettyName: "Now playing file",
	Create:     Create,
}

// Sink is the now playing file output module.
type Sink struct {
	output.Base
	log  *slog.Logger
	path string
}

func Create(ns config.Namespace, log *slog.Logger) (output.Module, error) {
	path := ns.String("path", "current_track.txt")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "creating directory")
	}
	s := &Sink{log: log, path: path}
	if err := s.write(""); err != nil {
		return nil, err
	}
	log.Info("writing master track", "path", path)
	return s, nil
}

// write replaces the file contents in one rename so readers never see a
// partial line.
func (s *Sink) write(text string) error {
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(text), 0o644); err != nil {
		return errors.Wrap(err, "writing track file")
	}
	return errors.Wrap(os.Rename(tmp, s.path), "replacing track file")
}

func (s *Sink) TrackChangedMaster(track telemetry.TrackIdentity) {
	if err := s.write(track.String()); err != nil {
		s.log.Warn("track not written", "err", err)
	}
}
