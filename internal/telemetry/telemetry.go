// Package telemetry defines the boundary to the application being monitored:
// the raw per-deck counters, the track identity strings and the Source
// interface that produces them.
package telemetry

// ReferenceRate is the sample rate the application counts positions at,
// regardless of the track's or the audio interface's real rate.
const ReferenceRate = 44100

// TimingSample is the set of raw counters read for one deck every tick.
type TimingSample struct {
	CurrentBPM     float32 // displayed tempo, includes playback speed
	PlaybackSpeed  float32 // multiplier applied to the original tempo
	SamplePosition int64   // position in samples at ReferenceRate
	BeatDisplay    int32   // beat within bar shown by the GUI, 1-4
	BarDisplay     int32   // bar shown by the GUI, 0 before analysis
}

// TrackIdentity identifies the track loaded on a deck.
type TrackIdentity struct {
	Title  string `json:"title" msgpack:"title"`
	Artist string `json:"artist" msgpack:"artist"`
	Album  string `json:"album" msgpack:"album"`
}

// String formats the identity as "artist - title".
func (t TrackIdentity) String() string {
	switch {
	case t.Artist == "" && t.Title == "":
		return ""
	case t.Artist == "":
		return t.Title
	case t.Title == "":
		return t.Artist
	}
	return t.Artist + " - " + t.Title
}

// AnalysisFile points at the precomputed analysis data of a loaded track.
// Only its change matters; the file itself is never read.
type AnalysisFile struct {
	Path string
}

// Source reads values out of the monitored application. Every method may fail
// with an *Error; callers treat any failure as a lost connection.
type Source interface {
	MasterDeckIndex() (int, error)
	TimingSample(deck int) (TimingSample, error)
	TrackIdentity(deck int) (TrackIdentity, error)
	AnalysisFile(deck int) (AnalysisFile, error)
	DeckCount() int
}

// Factory acquires a fresh Source handle for the given number of decks.
type Factory func(decks int) (Source, error)
