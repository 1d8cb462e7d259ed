// Package modules lists every output sink the program can run.
package modules

import (
	"github.com/satindergrewal/beatbridge/internal/output"
	"github.com/satindergrewal/beatbridge/internal/output/console"
	"github.com/satindergrewal/beatbridge/internal/output/dmx"
	"github.com/satindergrewal/beatbridge/internal/output/file"
	"github.com/satindergrewal/beatbridge/internal/output/midiclock"
	"github.com/satindergrewal/beatbridge/internal/output/mqtt"
	"github.com/satindergrewal/beatbridge/internal/output/osc"
	"github.com/satindergrewal/beatbridge/internal/output/oscsync"
	"github.com/satindergrewal/beatbridge/internal/output/setlist"
	"github.com/satindergrewal/beatbridge/internal/output/web"
)

// All returns the sink definitions in start order.
func All() []output.Definition {
	return []output.Definition{
		oscsync.Definition,
		osc.Definition,
		dmx.Definition,
		midiclock.Definition,
		mqtt.Definition,
		web.Definition,
		file.Definition,
		setlist.Definition,
		console.Definition,
	}
}
