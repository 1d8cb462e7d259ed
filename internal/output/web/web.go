// Package web serves the live timing state over HTTP: a JSON status
// endpoint, server-sent events, and WebRTC peers that get the same events on
// a data channel plus an audible click.
package web

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/satindergrewal/beatbridge/internal/audio"
	"github.com/satindergrewal/beatbridge/internal/config"
	"github.com/satindergrewal/beatbridge/internal/output"
	"github.com/satindergrewal/beatbridge/internal/stream"
	"github.com/satindergrewal/beatbridge/internal/telemetry"
)

// Definition registers the sink under outputs.web.
var Definition = output.Definition{
	ConfigName: "web",
	PrettyName: "Web (HTTP / SSE / WebRTC)",
	Create:     Create,
}

// Deck is the published state of one deck.
type Deck struct {
	BPM         float32                 `json:"bpm"`
	OriginalBPM float64                 `json:"original_bpm"`
	Beat        float64                 `json:"beat"`
	Time        float64                 `json:"time"`
	Track       telemetry.TrackIdentity `json:"track"`
}

// Snapshot is the state sent to web clients.
type Snapshot struct {
	Deck
	PlaybackSpeed float32 `json:"playback_speed"`
	Decks         []Deck  `json:"decks"`
}

// Sink is the web output module.
type Sink struct {
	output.Base
	log    *slog.Logger
	router *gin.Engine
	srv    *http.Server
	events *stream.Broadcaster[Snapshot]
	rtc    *stream.WebRTCHandler[Snapshot]
	metro  *audio.Metronome
	cancel context.CancelFunc

	mu        sync.RWMutex
	state     Snapshot
	beatFloor int64
}

// Create starts the HTTP server on the "listen" address. With click (the
// default) WebRTC peers also receive a metronome audio track.
func Create(ns config.Namespace, log *slog.Logger) (output.Module, error) {
	listen := ns.String("listen", "127.0.0.1:8080")
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, errors.Wrapf(err, "listening on %s", listen)
	}

	s := newSink(ns.Bool("click", true), log)
	s.srv = &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("web server stopped", "err", err)
		}
	}()
	log.Info("serving web status", "addr", ln.Addr().String(), "click", s.metro != nil)
	return s, nil
}

func newSink(click bool, log *slog.Logger) *Sink {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		log:       log,
		events:    stream.NewBroadcaster[Snapshot](),
		cancel:    cancel,
		beatFloor: math.MinInt64,
	}

	var clicks *stream.Broadcaster[[]int16]
	if click {
		s.metro = audio.NewMetronome()
		clicks = stream.NewBroadcaster[[]int16]()
		go s.metro.Run(ctx)
		go clicks.Run(ctx, s.metro.Frames())
	}
	s.rtc = stream.NewWebRTCHandler(s.events, clicks, log)
	s.router = s.routes()
	return s
}

func (s *Sink) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/status", s.getStatus)
	r.GET("/api/events", gin.WrapH(stream.NewEventsHandler(s.events, "timing", s.log)))
	r.POST("/offer", gin.WrapH(s.rtc))
	r.OPTIONS("/offer", gin.WrapH(s.rtc))
	return r
}

func (s *Sink) getStatus(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.JSON(http.StatusOK, s.snapshot())
}

func (s *Sink) snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := s.state
	snap.Decks = append([]Deck(nil), s.state.Decks...)
	return snap
}

func (s *Sink) publish() {
	s.events.Publish(s.snapshot())
}

// deck returns the state of deck i, growing the list as needed. Callers hold
// s.mu.
func (s *Sink) deck(i int) *Deck {
	for len(s.state.Decks) <= i {
		s.state.Decks = append(s.state.Decks, Deck{})
	}
	return &s.state.Decks[i]
}

func (s *Sink) update(f func()) {
	s.mu.Lock()
	f()
	s.mu.Unlock()
}

func (s *Sink) BPMChanged(bpm float32, deck int) {
	s.update(func() { s.deck(deck).BPM = bpm })
}

func (s *Sink) BPMChangedMaster(bpm float32) {
	s.update(func() { s.state.BPM = bpm })
}

func (s *Sink) OriginalBPMChanged(bpm float64, deck int) {
	s.update(func() { s.deck(deck).OriginalBPM = bpm })
}

func (s *Sink) OriginalBPMChangedMaster(bpm float64) {
	s.update(func() { s.state.OriginalBPM = bpm })
}

func (s *Sink) PlaybackSpeedChangedMaster(speed float32) {
	s.update(func() { s.state.PlaybackSpeed = speed })
}

func (s *Sink) BeatUpdate(beat float64, deck int) {
	s.update(func() { s.deck(deck).Beat = beat })
}

// BeatUpdateMaster moves the click along and pushes an event to listeners
// once per beat.
func (s *Sink) BeatUpdateMaster(beat float64) {
	var bpm float32
	s.update(func() {
		s.state.Beat = beat
		bpm = s.state.BPM
	})
	if s.metro != nil {
		s.metro.Set(beat, float64(bpm))
	}
	if floor := int64(math.Floor(beat)); floor != s.beatFloor {
		s.beatFloor = floor
		s.publish()
	}
}

func (s *Sink) TimeUpdate(seconds float64, deck int) {
	s.update(func() { s.deck(deck).Time = seconds })
}

func (s *Sink) TimeUpdateMaster(seconds float64) {
	s.update(func() { s.state.Time = seconds })
}

func (s *Sink) TrackChanged(track telemetry.TrackIdentity, deck int) {
	s.update(func() { s.deck(deck).Track = track })
}

func (s *Sink) TrackChangedMaster(track telemetry.TrackIdentity) {
	s.update(func() { s.state.Track = track })
	s.publish()
}

func (s *Sink) SlowUpdate() {
	s.publish()
}

func (s *Sink) Close() error {
	s.cancel()
	s.rtc.Close()
	if s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return errors.Wrap(s.srv.Shutdown(ctx), "shutting down web server")
}
