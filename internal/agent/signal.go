package agent

import "strings"

// SignalKind identifies which completion signal an agent emitted.
type SignalKind string

const (
	SignalCompleted     SignalKind = "completed"
	SignalAwaitingInput SignalKind = "awaiting_input"
	SignalBlocked       SignalKind = "blocked"
)

// Signal is a completion signal parsed from streamed agent text.
type Signal struct {
	Kind   SignalKind
	Detail string // summary, needed input, or blockage reason
}

// Markers scanned for, in precedence order: if several implausibly
// co-occur in one scan, completed wins.
var sentinelMarkers = []struct {
	marker string
	kind   SignalKind
}{
	{"TASK_COMPLETED:", SignalCompleted},
	{"AWAITING_INPUT:", SignalAwaitingInput},
	{"TASK_BLOCKED:", SignalBlocked},
}

// maxMarkerLen bounds the carry buffer a Detector keeps between chunks.
const maxMarkerLen = 16 // longest marker is "TASK_COMPLETED:" (15)

// DetectSignal scans text for a completion marker. Pure function: the
// first marker found in precedence order wins, with the detail running
// from the marker to the end of its line.
func DetectSignal(text string) *Signal {
	for _, m := range sentinelMarkers {
		idx := strings.Index(text, m.marker)
		if idx < 0 {
			continue
		}
		detail := text[idx+len(m.marker):]
		if nl := strings.IndexByte(detail, '\n'); nl >= 0 {
			detail = detail[:nl]
		}
		return &Signal{Kind: m.kind, Detail: strings.TrimSpace(detail)}
	}
	return nil
}

// Detector scans streamed text chunks for sentinel markers, carrying a
// tail across chunk boundaries so a marker split between two chunks is
// still caught.
type Detector struct {
	tail string
}

// Feed scans the next chunk. On a match the detector resets, so a run
// resumed after awaiting input can signal again later.
func (d *Detector) Feed(chunk string) *Signal {
	text := d.tail + chunk

	if sig := DetectSignal(text); sig != nil {
		d.tail = ""
		return sig
	}

	// Keep enough of the end to complete a split marker next chunk.
	// Detail capture may still be partial for split markers without a
	// following newline; completeness of the detail is best effort.
	if len(text) > maxMarkerLen {
		text = text[len(text)-maxMarkerLen:]
	}
	d.tail = text
	return nil
}
