// Package sim is a deterministic stand-in for the DJ application. It keeps a
// virtual mixer running on the wall clock and exposes it through
// telemetry.Source, including the sluggish GUI beat counter the estimator has
// to work around.
package sim

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/satindergrewal/beatbridge/internal/config"
	"github.com/satindergrewal/beatbridge/internal/telemetry"
)

// MaxDecks is the number of deck slots the virtual mixer has.
const MaxDecks = 4

const rate = float64(telemetry.ReferenceRate)

// Track is one entry of the virtual crate.
type Track struct {
	Title  string
	Artist string
	Album  string
	BPM    float64
	Length time.Duration
}

// DefaultTracks is the crate used when none is configured.
var DefaultTracks = []Track{
	{Title: "Night Drive", Artist: "Halcyon Static", Album: "Overpass", BPM: 124, Length: 3 * time.Minute},
	{Title: "Tidewater", Artist: "Mara Lind", Album: "Shorelines", BPM: 122, Length: 4 * time.Minute},
	{Title: "Copper Wire", Artist: "The Relays", Album: "Signal Path", BPM: 128, Length: 150 * time.Second},
	{Title: "Low Orbit", Artist: "Kessler", Album: "Debris", BPM: 174, Length: 2 * time.Minute},
	{Title: "Slow Burn", Artist: "Amberline", Album: "Embers", BPM: 98.5, Length: 3 * time.Minute},
}

var defaultSpeeds = [MaxDecks]float64{1.0, 1.02, 0.97, 1.0}

// Options configures a Mixer.
type Options struct {
	// DisplayLag is how often the GUI beat and bar counters refresh.
	DisplayLag time.Duration
	// AnalysisDelay is how long a freshly loaded track shows bar 0 and tempo 0.
	AnalysisDelay time.Duration
	// MasterEvery rotates the master deck at this interval. Zero pins deck 0.
	MasterEvery time.Duration
	// FailEvery makes a handle fail its reads once it is this old, forcing the
	// caller to reconnect. Zero disables failures.
	FailEvery time.Duration
	Tracks    []Track
	Speeds    []float64
	// Now replaces the wall clock, for tests.
	Now func() time.Time
}

// DefaultOptions returns the options used for an empty source block.
func DefaultOptions() Options {
	return Options{
		DisplayLag:    100 * time.Millisecond,
		AnalysisDelay: 2 * time.Second,
		MasterEvery:   45 * time.Second,
		Tracks:        DefaultTracks,
		Speeds:        defaultSpeeds[:],
	}
}

// OptionsFrom reads the source block of the configuration. Durations are in
// milliseconds.
func OptionsFrom(ns config.Namespace) Options {
	o := DefaultOptions()
	ms := func(key string, def time.Duration) time.Duration {
		return time.Duration(ns.Int(key, int(def/time.Millisecond))) * time.Millisecond
	}
	o.DisplayLag = ms("display_lag", o.DisplayLag)
	o.AnalysisDelay = ms("analysis_delay", o.AnalysisDelay)
	o.MasterEvery = ms("master_every", o.MasterEvery)
	o.FailEvery = ms("fail_every", o.FailEvery)
	return o
}

// deck is the playback state of one slot.
type deck struct {
	track    int
	loadedAt time.Time
	speed    float64
	// gridOffset is the sample position of the first downbeat.
	gridOffset int64
}

// Mixer is the virtual application. Its state outlives the handles created by
// Factory, so a reconnect resumes playback where it was.
type Mixer struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	start   time.Time
	decks   [MaxDecks]deck
	running bool
	warned  map[string]bool
}

// New starts a Mixer with every deck playing.
func New(opts Options, log *slog.Logger) *Mixer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if len(opts.Tracks) == 0 {
		opts.Tracks = DefaultTracks
	}
	if opts.DisplayLag <= 0 {
		opts.DisplayLag = time.Millisecond
	}
	m := &Mixer{
		opts:    opts,
		log:     log,
		start:   opts.Now(),
		running: true,
		warned:  make(map[string]bool),
	}
	for i := range m.decks {
		speed := 1.0
		if i < len(opts.Speeds) && opts.Speeds[i] > 0 {
			speed = opts.Speeds[i]
		}
		m.decks[i] = deck{
			track:      i % len(opts.Tracks),
			loadedAt:   m.start,
			speed:      speed,
			gridOffset: int64(i) * 1000,
		}
	}
	return m
}

// SetRunning simulates the application starting or quitting. While stopped,
// Factory fails with ProcessNotFound and open handles fail every read.
func (m *Mixer) SetRunning(running bool) {
	m.mu.Lock()
	m.running = running
	m.mu.Unlock()
}

// Factory returns a telemetry.Factory creating handles onto this mixer.
func (m *Mixer) Factory() telemetry.Factory {
	return func(decks int) (telemetry.Source, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.running {
			return nil, telemetry.NewError(telemetry.ProcessNotFound, errors.New("mixer is not running"))
		}
		if decks < 1 || decks > MaxDecks {
			return nil, telemetry.NewError(telemetry.ModuleNotFound,
				errors.Errorf("mixer has %d deck slots, %d requested", MaxDecks, decks))
		}
		return &handle{m: m, decks: decks, born: m.opts.Now()}, nil
	}
}

// advance reloads decks whose track has ended. Callers hold mu.
func (m *Mixer) advance(now time.Time) {
	for i := range m.decks {
		d := &m.decks[i]
		for {
			length := m.opts.Tracks[d.track].Length
			if length <= 0 || now.Sub(d.loadedAt) < time.Duration(float64(length)/d.speed) {
				break
			}
			d.loadedAt = d.loadedAt.Add(time.Duration(float64(length) / d.speed))
			d.track = (d.track + MaxDecks) % len(m.opts.Tracks)
		}
	}
}

// position returns the sample position of d at t.
func (d *deck) position(t time.Time) int64 {
	return int64(t.Sub(d.loadedAt).Seconds() * rate * d.speed)
}

func (m *Mixer) timing(i int, now time.Time) telemetry.TimingSample {
	d := &m.decks[i]
	tr := m.opts.Tracks[d.track]
	s := telemetry.TimingSample{
		PlaybackSpeed:  float32(d.speed),
		SamplePosition: d.position(now),
		BeatDisplay:    1,
	}
	if now.Sub(d.loadedAt) < m.opts.AnalysisDelay || tr.BPM <= 0 {
		return s
	}
	s.CurrentBPM = float32(tr.BPM * d.speed)

	// The GUI repaints its counters only every DisplayLag.
	shown := m.start.Add(now.Sub(m.start).Truncate(m.opts.DisplayLag))
	if shown.Before(d.loadedAt) {
		shown = d.loadedAt
	}
	spb := rate * 60 / tr.BPM
	beat := int64(math.Floor(float64(d.position(shown)-d.gridOffset) / spb))
	if beat < 0 {
		beat = 0
	}
	s.BeatDisplay = int32(beat%4) + 1
	s.BarDisplay = int32(beat/4) + 1
	return s
}

// rawIdentity is the text block the application keeps for a deck.
func rawIdentity(t Track) []byte {
	return []byte(fmt.Sprintf("Title: %s\r\nArtist: %s\r\nAlbum: %s\r\n\x00", t.Title, t.Artist, t.Album))
}

func rawAnalysisPath(t Track, deck int) []byte {
	return []byte(fmt.Sprintf("C:\\Users\\dj\\analysis\\%d-%s.DAT  \r\n\x00", deck, t.Title))
}

// degraded logs a decoding failure once per distinct text.
func (m *Mixer) degraded(what string, deck int) {
	key := fmt.Sprintf("%s/%d/%d", what, deck, m.decks[deck].track)
	if m.warned[key] {
		return
	}
	m.warned[key] = true
	if m.log != nil {
		m.log.Warn("text could not be decoded", "field", what, "deck", deck,
			"class", telemetry.DecodeDegraded.String(), "replacement", telemetry.Sentinel)
	}
}

// handle is one connection to the mixer.
type handle struct {
	m     *Mixer
	decks int
	born  time.Time
}

// check runs under mu and validates the handle and deck index.
func (h *handle) check(pointer string, deck int) (time.Time, error) {
	now := h.m.opts.Now()
	if !h.m.running {
		return now, &telemetry.Error{Kind: telemetry.ReadFailed, Pointer: pointer,
			Err: errors.New("process exited")}
	}
	if fe := h.m.opts.FailEvery; fe > 0 && now.Sub(h.born) >= fe {
		return now, &telemetry.Error{Kind: telemetry.ReadFailed, Pointer: pointer,
			Address: 0x7ff6a0000000 + uintptr(deck)*0x10, Err: errors.New("handle expired")}
	}
	if deck < 0 || deck >= h.decks {
		return now, &telemetry.Error{Kind: telemetry.ReadFailed, Pointer: pointer,
			Err: errors.Errorf("deck %d out of range", deck)}
	}
	h.m.advance(now)
	return now, nil
}

func (h *handle) DeckCount() int { return h.decks }

func (h *handle) MasterDeckIndex() (int, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	now, err := h.check("master deck", 0)
	if err != nil {
		return 0, err
	}
	every := h.m.opts.MasterEvery
	if every <= 0 {
		return 0, nil
	}
	return int(now.Sub(h.m.start)/every) % MaxDecks, nil
}

func (h *handle) TimingSample(deck int) (telemetry.TimingSample, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	now, err := h.check("deck timing", deck)
	if err != nil {
		return telemetry.TimingSample{}, err
	}
	return h.m.timing(deck, now), nil
}

func (h *handle) TrackIdentity(deck int) (telemetry.TrackIdentity, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	if _, err := h.check("track info", deck); err != nil {
		return telemetry.TrackIdentity{}, err
	}
	id, degraded := telemetry.DecodeTrackIdentity(rawIdentity(h.m.opts.Tracks[h.m.decks[deck].track]))
	if degraded {
		h.m.degraded("track info", deck)
	}
	return id, nil
}

func (h *handle) AnalysisFile(deck int) (telemetry.AnalysisFile, error) {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	if _, err := h.check("analysis file", deck); err != nil {
		return telemetry.AnalysisFile{}, err
	}
	f, degraded := telemetry.DecodeAnalysisPath(rawAnalysisPath(h.m.opts.Tracks[h.m.decks[deck].track], deck))
	if degraded {
		h.m.degraded("analysis file", deck)
	}
	return f, nil
}
