// Package output defines the sink interface the beat keeper publishes to and
// the registry that builds the configured sinks.
package output

import (
	"log/slog"

	"github.com/pkg/errors"

	"github.com/satindergrewal/beatbridge/internal/config"
	"github.com/satindergrewal/beatbridge/internal/telemetry"
)

// Module receives timing and track events. Every method is called from the
// keeper goroutine and must return quickly. Deck indexes are 0-based.
type Module interface {
	// PreUpdate is called at the start of every tick, before any event.
	PreUpdate()

	BPMChanged(bpm float32, deck int)
	BPMChangedMaster(bpm float32)
	OriginalBPMChanged(bpm float64, deck int)
	OriginalBPMChangedMaster(bpm float64)
	PlaybackSpeedChangedMaster(speed float32)
	BeatUpdate(beat float64, deck int)
	BeatUpdateMaster(beat float64)
	TimeUpdate(seconds float64, deck int)
	TimeUpdateMaster(seconds float64)
	TrackChanged(track telemetry.TrackIdentity, deck int)
	TrackChangedMaster(track telemetry.TrackIdentity)
	AnalysisFileChanged(file telemetry.AnalysisFile, deck int)

	// SlowUpdate is called every Nth tick for housekeeping.
	SlowUpdate()

	Close() error
}

// Base implements Module with no-ops. Sinks embed it and override what they
// need.
type Base struct{}

func (Base) PreUpdate()                                      {}
func (Base) BPMChanged(float32, int)                         {}
func (Base) BPMChangedMaster(float32)                        {}
func (Base) OriginalBPMChanged(float64, int)                 {}
func (Base) OriginalBPMChangedMaster(float64)                {}
func (Base) PlaybackSpeedChangedMaster(float32)              {}
func (Base) BeatUpdate(float64, int)                         {}
func (Base) BeatUpdateMaster(float64)                        {}
func (Base) TimeUpdate(float64, int)                         {}
func (Base) TimeUpdateMaster(float64)                        {}
func (Base) TrackChanged(telemetry.TrackIdentity, int)       {}
func (Base) TrackChangedMaster(telemetry.TrackIdentity)      {}
func (Base) AnalysisFileChanged(telemetry.AnalysisFile, int) {}
func (Base) SlowUpdate()                                     {}
func (Base) Close() error                                    { return nil }

// Definition describes a sink that can be enabled in the configuration.
type Definition struct {
	ConfigName string // key under outputs:
	PrettyName string
	Create     func(ns config.Namespace, log *slog.Logger) (Module, error)
}

// Named pairs a running sink with its definition.
type Named struct {
	Definition
	Module
}

// Start creates every enabled sink in definition order. A sink that fails to
// start is logged and left out; the others still run.
func Start(defs []Definition, cfg *config.Config, log *slog.Logger) []Named {
	var running []Named
	for _, def := range defs {
		ns := cfg.Output(def.ConfigName)
		if !ns.Enabled() {
			continue
		}
		mlog := log.With("module", def.ConfigName)
		m, err := def.Create(ns, mlog)
		if err != nil {
			mlog.Error("module failed to start",
				"class", telemetry.SinkInitFailed.String(), "err", err)
			continue
		}
		running = append(running, Named{Definition: def, Module: m})
	}
	return running
}

// Modules strips the definitions off a running set.
func Modules(named []Named) []Module {
	mods := make([]Module, len(named))
	for i, n := range named {
		mods[i] = n.Module
	}
	return mods
}

// CloseAll closes every sink and returns the first error.
func CloseAll(named []Named) error {
	var first error
	for _, n := range named {
		if err := n.Close(); err != nil && first == nil {
			first = errors.Wrapf(err, "closing %s", n.ConfigName)
		}
	}
	return first
}
