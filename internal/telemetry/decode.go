package telemetry

import (
	"bytes"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Sentinel replaces text that is not valid UTF-8.
const Sentinel = "ERR"

// cString returns raw up to the first NUL byte.
func cString(raw []byte) []byte {
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		return raw[:i]
	}
	return raw
}

// DecodeTrackIdentity parses a NUL-terminated buffer of "Key: value" lines
// holding title, artist and album in that order. Lines without ": " decode as
// empty fields. degraded is true when the buffer was not valid UTF-8.
func DecodeTrackIdentity(raw []byte) (id TrackIdentity, degraded bool) {
	b := cString(raw)
	text := string(b)
	if !utf8.Valid(b) {
		text = Sentinel
		degraded = true
	}

	var fields [3]string
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i := 0; i < len(fields) && i < len(lines); i++ {
		if _, v, ok := strings.Cut(lines[i], ": "); ok {
			fields[i] = v
		}
	}
	return TrackIdentity{Title: fields[0], Artist: fields[1], Album: fields[2]}, degraded
}

// DecodeAnalysisPath parses a NUL-terminated path, trimming trailing
// whitespace and control characters.
func DecodeAnalysisPath(raw []byte) (f AnalysisFile, degraded bool) {
	b := cString(raw)
	text := string(b)
	if !utf8.Valid(b) {
		text = Sentinel
		degraded = true
	}
	text = strings.TrimRightFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsControl(r)
	})
	return AnalysisFile{Path: text}, degraded
}
