// Package console prints a styled one-line status of the master deck on
// every slow update.
package console

import (
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/satindergrewal/beatbridge/internal/config"
	"github.com/satindergrewal/beatbridge/internal/output"
	"github.com/satindergrewal/beatbridge/internal/telemetry"
)

// Definition registers the sink under outputs.console.
var Definition = output.Definition{
	ConfigName: "console",
	PrettyName: "Console status",
	Create:     Create,
}

const beatsPerBar = 4

var (
	nord3  = lipgloss.Color("#4C566A")
	nord8  = lipgloss.Color("#88C0D0")
	nord13 = lipgloss.Color("#EBCB8B")
	nord14 = lipgloss.Color("#A3BE8C")
)

// Sink is the console output module.
type Sink struct {
	output.Base
	w       io.Writer
	beatBar bool

	bpmStyle   lipgloss.Style
	posStyle   lipgloss.Style
	trackStyle lipgloss.Style
	onStyle    lipgloss.Style
	offStyle   lipgloss.Style

	bpm   float32
	beat  float64
	have  bool
	track telemetry.TrackIdentity
}

// Create writes to stdout, or stderr with stream: stderr. beat_bar adds a
// four-step beat indicator.
func Create(ns config.Namespace, log *slog.Logger) (output.Module, error) {
	var w io.Writer = os.Stdout
	if strings.EqualFold(ns.String("stream", "stdout"), "stderr") {
		w = os.Stderr
	}
	return newSink(w, ns.Bool("beat_bar", false)), nil
}

func newSink(w io.Writer, beatBar bool) *Sink {
	r := lipgloss.NewRenderer(w)
	return &Sink{
		w:          w,
		beatBar:    beatBar,
		bpmStyle:   r.NewStyle().Bold(true).Foreground(nord8),
		posStyle:   r.NewStyle().Foreground(nord13),
		trackStyle: r.NewStyle().Foreground(nord14),
		onStyle:    r.NewStyle().Foreground(nord13),
		offStyle:   r.NewStyle().Foreground(nord3),
	}
}

func (s *Sink) BPMChangedMaster(bpm float32)                 { s.bpm = bpm }
func (s *Sink) BeatUpdateMaster(beat float64)                { s.beat, s.have = beat, true }
func (s *Sink) TrackChangedMaster(t telemetry.TrackIdentity) { s.track = t }

func (s *Sink) SlowUpdate() {
	if !s.have {
		return
	}
	fmt.Fprintln(s.w, s.line())
}

func (s *Sink) line() string {
	n := int64(math.Floor(s.beat))
	bar := floorDiv(n, beatsPerBar) + 1
	inBar := n - (bar-1)*beatsPerBar

	parts := []string{
		s.bpmStyle.Render(fmt.Sprintf("%6.2f bpm", s.bpm)),
		s.posStyle.Render(fmt.Sprintf("bar %4d beat %d", bar, inBar+1)),
	}
	if s.beatBar {
		var b strings.Builder
		for i := int64(0); i < beatsPerBar; i++ {
			if i == inBar {
				b.WriteString(s.onStyle.Render("■"))
			} else {
				b.WriteString(s.offStyle.Render("□"))
			}
		}
		parts = append(parts, b.String())
	}
	if name := s.track.String(); name != "" {
		parts = append(parts, s.trackStyle.Render(name))
	}
	return strings.Join(parts, "  ")
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
