package keeper

import (
	"fmt"
	"log/slog"

	"github.com/satindergrewal/beatbridge/internal/telemetry"
)

// reporter logs telemetry errors. A report identical to the previous one is
// dropped until reset is called after a successful connect.
type reporter struct {
	log  *slog.Logger
	last *telemetry.Error
}

// report logs err unless it repeats the previous report. Returns whether it
// was logged.
func (r *reporter) report(err error) bool {
	te := telemetry.AsError(err)
	if te == nil {
		return false
	}
	if r.last != nil && te.Equal(r.last) {
		return false
	}
	r.last = te

	r.log.Error("telemetry error", "kind", te.Kind.String(), "class", te.Class().String(), "err", err)
	for _, h := range hints(te.Kind) {
		r.log.Info("hint: " + h)
	}
	if te.Pointer != "" {
		r.log.Debug("failed pointer", "pointer", te.Pointer)
	}
	if te.Address != 0 {
		r.log.Debug("failed address", "address", fmt.Sprintf("%X", te.Address))
	}
	return true
}

func (r *reporter) reset() {
	r.last = nil
}

func hints(k telemetry.Kind) []string {
	switch k {
	case telemetry.SnapshotFailed:
		return []string{"ensure the DJ application is running"}
	case telemetry.ReadFailed:
		return []string{
			"wait for the DJ application to start and load a track",
			"check the number of decks in the config",
			"run with --debug and include the full log when filing an issue",
		}
	}
	return nil
}
