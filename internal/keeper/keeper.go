// Package keeper runs the poll loop: it keeps a connection to the telemetry
// source, drives one beat tracker per deck and publishes changed values of the
// master deck to the output modules.
package keeper

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/satindergrewal/beatbridge/internal/change"
	"github.com/satindergrewal/beatbridge/internal/config"
	"github.com/satindergrewal/beatbridge/internal/output"
	"github.com/satindergrewal/beatbridge/internal/telemetry"
	"github.com/satindergrewal/beatbridge/internal/tracker"
)

// ReconnectBackoff is the wait between failed connection attempts.
const ReconnectBackoff = 3 * time.Second

// Config holds the keeper settings.
type Config struct {
	UpdateRate         int     // ticks per second
	SlowUpdateEveryNth int     // ticks per slow update
	DelayCompensation  float64 // milliseconds
	BarJitterTolerance int
	KeepWarm           bool
	Decks              int
}

// ConfigFrom converts the keeper section of the application configuration.
func ConfigFrom(k config.KeeperConfig) Config {
	return Config{
		UpdateRate:         k.UpdateRate,
		SlowUpdateEveryNth: k.SlowUpdateEveryNth,
		DelayCompensation:  k.DelayCompensation,
		BarJitterTolerance: k.BarJitterTolerance,
		KeepWarm:           k.KeepWarm,
		Decks:              k.Decks,
	}
}

// period is the target duration of one tick.
func (c Config) period() time.Duration {
	if c.UpdateRate < 1 {
		return time.Second
	}
	return time.Second / time.Duration(c.UpdateRate)
}

// deckState is everything the keeper remembers about one deck. It is never
// reset by a reconnect.
type deckState struct {
	tracker *tracker.Tracker

	bpm         *change.Tracker[float32]
	originalBPM *change.Tracker[float64]
	beat        *change.Tracker[float64]
	pos         *change.Tracker[int64]

	track    *change.Tracker[telemetry.TrackIdentity]
	analysis *change.Tracker[telemetry.AnalysisFile]
}

func newDeckState(opts tracker.Options) *deckState {
	return &deckState{
		tracker:     tracker.New(opts),
		bpm:         change.New[float32](tracker.FallbackBPM),
		originalBPM: change.New(tracker.FallbackBPM),
		beat:        change.New(0.0),
		pos:         change.New[int64](0),
		track:       change.New(telemetry.TrackIdentity{}),
		analysis:    change.New(telemetry.AnalysisFile{}),
	}
}

// BeatKeeper is the orchestrator. It is driven from a single goroutine and
// calls the modules synchronously in registration order.
type BeatKeeper struct {
	cfg     Config
	modules []output.Module
	log     *slog.Logger

	decks []*deckState

	master      *change.Tracker[int]
	bpm         *change.Tracker[float32]
	originalBPM *change.Tracker[float64]
	speed       *change.Tracker[float32]
	beat        *change.Tracker[float64]
	pos         *change.Tracker[int64]

	reporter reporter

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// New creates a keeper publishing to modules.
func New(cfg Config, modules []output.Module, log *slog.Logger) *BeatKeeper {
	if cfg.Decks < 1 {
		cfg.Decks = 1
	}
	if cfg.SlowUpdateEveryNth < 1 {
		cfg.SlowUpdateEveryNth = 1
	}
	opts := tracker.Options{
		BarJitterTolerance: cfg.BarJitterTolerance,
		OffsetSamples:      tracker.OffsetFromDelay(cfg.DelayCompensation),
	}

	k := &BeatKeeper{
		cfg:         cfg,
		modules:     modules,
		log:         log,
		master:      change.New(0),
		bpm:         change.New[float32](tracker.FallbackBPM),
		originalBPM: change.New(tracker.FallbackBPM),
		speed:       change.New[float32](1),
		beat:        change.New(0.0),
		pos:         change.New[int64](0),
		reporter:    reporter{log: log},
		now:         time.Now,
		sleep:       sleepCtx,
	}
	for i := 0; i < cfg.Decks; i++ {
		k.decks = append(k.decks, newDeckState(opts))
	}
	return k
}

// Tracker returns the beat tracker of deck, or nil when out of range.
func (k *BeatKeeper) Tracker(deck int) *tracker.Tracker {
	if deck < 0 || deck >= len(k.decks) {
		return nil
	}
	return k.decks[deck].tracker
}

// Run connects to the source produced by factory and ticks at the configured
// rate until ctx is cancelled. Read failures drop the connection and retry
// after ReconnectBackoff. Run only returns when ctx is done.
func (k *BeatKeeper) Run(ctx context.Context, factory telemetry.Factory) error {
	period := k.cfg.period()
	var (
		src  telemetry.Source
		n    int
		last = k.now()
	)
	defer func() { closeSource(src) }()

	k.log.Info("looking for the DJ application", "decks", k.cfg.Decks, "rate", k.cfg.UpdateRate)
	for ctx.Err() == nil {
		if src == nil {
			s, err := factory(k.cfg.Decks)
			if err != nil {
				k.reporter.report(err)
				if !k.sleep(ctx, ReconnectBackoff) {
					break
				}
				continue
			}
			src = s
			k.reporter.reset()
			k.log.Info("connected to the DJ application", "decks", src.DeckCount())
			continue
		}

		start := k.now()
		if err := k.Tick(src, n == 0, start.Sub(last)); err != nil {
			k.reporter.report(err)
			closeSource(src)
			src = nil
			k.log.Warn("connection lost, reconnecting")
			continue
		}
		n = (n + 1) % k.cfg.SlowUpdateEveryNth
		last = start
		if rem := period - k.now().Sub(start); rem > 0 {
			if !k.sleep(ctx, rem) {
				break
			}
		}
	}
	return nil
}

// Tick runs one iteration against src. slow requests the track identity
// refresh and the modules' SlowUpdate. elapsed is the time since the previous
// tick started. A failed read, timing or track, leaves every tracker untouched.
func (k *BeatKeeper) Tick(src telemetry.Source, slow bool, elapsed time.Duration) error {
	for _, m := range k.modules {
		m.PreUpdate()
	}

	idx, err := src.MasterDeckIndex()
	if err != nil {
		return errors.Wrap(err, "reading master deck")
	}
	masterChanged := k.master.Set(idx)

	decks := min(len(k.decks), src.DeckCount())
	// Out of range means the application has no master deck yet.
	haveMaster := idx >= 0 && idx < decks

	var tracks *trackRead
	if slow {
		if tracks, err = readTracks(src, decks); err != nil {
			return err
		}
	}

	if haveMaster {
		if err := k.updateDecks(src, idx, decks, elapsed); err != nil {
			return err
		}
	}

	masterTrackChanged := false
	if slow {
		changed := k.applyTracks(tracks)
		masterTrackChanged = haveMaster && changed[idx]
		for _, m := range k.modules {
			m.SlowUpdate()
		}
	}

	if haveMaster && (masterChanged || masterTrackChanged) {
		track := k.decks[idx].track.Value()
		k.log.Debug("master track changed", "deck", idx+1, "track", track.String())
		for _, m := range k.modules {
			m.TrackChangedMaster(track)
		}
	}
	return nil
}

// updateDecks runs the trackers of the master deck and, with keep warm, of
// every other deck, then publishes what changed. All samples are read before
// any tracker is stepped, so a failed read leaves every deck untouched.
func (k *BeatKeeper) updateDecks(src telemetry.Source, master, decks int, elapsed time.Duration) error {
	samples := make([]*telemetry.TimingSample, decks)
	for i := 0; i < decks; i++ {
		if i != master && !k.cfg.KeepWarm {
			continue
		}
		s, err := src.TimingSample(i)
		if err != nil {
			return errors.Wrapf(err, "reading deck %d", i+1)
		}
		samples[i] = &s
	}

	var masterEst tracker.Estimate
	for i, s := range samples {
		if s == nil {
			continue
		}
		est := k.decks[i].tracker.Step(*s, elapsed)
		k.publishDeck(i, est)
		if i == master {
			masterEst = est
		}
	}
	k.publishMaster(masterEst)
	return nil
}

func (k *BeatKeeper) publishDeck(i int, est tracker.Estimate) {
	d := k.decks[i]
	beatChanged := d.beat.Set(est.Beat)
	posChanged := d.pos.Set(est.Sample.SamplePosition)
	bpmChanged := d.bpm.Set(est.Sample.CurrentBPM)
	originalChanged := d.originalBPM.Set(est.OriginalBPM)
	if !beatChanged && !posChanged && !bpmChanged && !originalChanged {
		return
	}
	seconds := float64(est.Sample.SamplePosition) / telemetry.ReferenceRate
	for _, m := range k.modules {
		if beatChanged {
			m.BeatUpdate(est.Beat, i)
		}
		if posChanged {
			m.TimeUpdate(seconds, i)
		}
		if bpmChanged {
			m.BPMChanged(est.Sample.CurrentBPM, i)
		}
		if originalChanged {
			m.OriginalBPMChanged(est.OriginalBPM, i)
		}
	}
}

func (k *BeatKeeper) publishMaster(est tracker.Estimate) {
	beatChanged := k.beat.Set(est.Beat)
	posChanged := k.pos.Set(est.Sample.SamplePosition)
	bpmChanged := k.bpm.Set(est.Sample.CurrentBPM)
	originalChanged := k.originalBPM.Set(est.OriginalBPM)
	speedChanged := k.speed.Set(est.Sample.PlaybackSpeed)

	seconds := float64(est.Sample.SamplePosition) / telemetry.ReferenceRate
	for _, m := range k.modules {
		if beatChanged {
			m.BeatUpdateMaster(est.Beat)
		}
		if posChanged {
			m.TimeUpdateMaster(seconds)
		}
		if bpmChanged {
			m.BPMChangedMaster(est.Sample.CurrentBPM)
		}
		if originalChanged {
			m.OriginalBPMChangedMaster(est.OriginalBPM)
		}
		if speedChanged {
			m.PlaybackSpeedChangedMaster(est.Sample.PlaybackSpeed)
		}
	}
}

type trackRead struct {
	ids   []telemetry.TrackIdentity
	files []telemetry.AnalysisFile
}

// readTracks reads the identity and analysis file of every deck.
func readTracks(src telemetry.Source, decks int) (*trackRead, error) {
	r := &trackRead{
		ids:   make([]telemetry.TrackIdentity, decks),
		files: make([]telemetry.AnalysisFile, decks),
	}
	for i := 0; i < decks; i++ {
		id, err := src.TrackIdentity(i)
		if err != nil {
			return nil, errors.Wrapf(err, "reading track info of deck %d", i+1)
		}
		f, err := src.AnalysisFile(i)
		if err != nil {
			return nil, errors.Wrapf(err, "reading analysis file of deck %d", i+1)
		}
		r.ids[i], r.files[i] = id, f
	}
	return r, nil
}

// applyTracks notifies the modules of changed tracks and analysis files and
// flags the trackers for a grid reset. It returns which decks changed track.
func (k *BeatKeeper) applyTracks(r *trackRead) []bool {
	changed := make([]bool, len(r.ids))
	for i, id := range r.ids {
		d := k.decks[i]
		if d.track.Set(id) {
			changed[i] = true
			d.tracker.MarkTrackChanged()
			for _, m := range k.modules {
				m.TrackChanged(id, i)
			}
		}
		if f := r.files[i]; d.analysis.Set(f) {
			k.log.Debug("new analysis file", "deck", i+1, "path", f.Path)
			d.tracker.MarkTrackChanged()
			for _, m := range k.modules {
				m.AnalysisFileChanged(f, i)
			}
		}
	}
	return changed
}

func closeSource(src telemetry.Source) {
	if c, ok := src.(io.Closer); ok {
		c.Close()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
