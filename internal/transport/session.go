package transport

import (
	"math"

	"github.com/satindergrewal/stagesplit/internal/audio"
	"github.com/satindergrewal/stagesplit/internal/graph"
	"github.com/satindergrewal/stagesplit/internal/meter"
)

// State of the transport.
type State int

const (
	Stopped State = iota
	Playing
	Paused
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Epsilon keeps a per-source offset strictly inside its buffer.
const Epsilon = 0.01

// ClampOffset bounds a requested seek offset to [0, duration-Epsilon].
func ClampOffset(offset, duration float64) float64 {
	if math.IsNaN(offset) {
		return 0
	}
	return math.Max(0, math.Min(offset, math.Max(duration-Epsilon, 0)))
}

// Stem is one loaded track and its signal path.
type Stem struct {
	Index  int
	Label  string
	Color  string
	Buffer *audio.Buffer
	Path   *graph.Path
}

// Session is everything one loaded file owns. No two sessions coexist.
type Session struct {
	ID     string
	Name   string
	Stems  []*Stem
	State  State
	Offset float64 // seconds into the media
	Ready  bool
}

// Schedule records the shared clock reference of the last start.
type Schedule struct {
	Generation uint64
	Now        float64   // context time when the start was computed
	When       float64   // shared start reference
	Offset     float64   // requested media offset
	SyncOffset float64   // seconds folded into When
	Offsets    []float64 // effective per-source offsets
}

// Status is the single human-readable status line.
type Status struct {
	Message string `json:"message"`
	IsError bool   `json:"is_error"`
}

// StemStatus is the per-stem part of a Snapshot.
type StemStatus struct {
	Index    int     `json:"index"`
	Label    string  `json:"label"`
	Color    string  `json:"color"`
	Gain     float64 `json:"gain"`
	Duration float64 `json:"duration"`
	Level    float64 `json:"level"`
}

// Snapshot is a point-in-time copy of the engine for reporting.
type Snapshot struct {
	SessionID        string       `json:"session_id,omitempty"`
	File             string       `json:"file,omitempty"`
	State            State        `json:"state"`
	Ready            bool         `json:"ready"`
	Offset           float64      `json:"offset"`
	Position         float64      `json:"position"`
	AudioRunning     bool         `json:"audio_running"`
	SyncOffsetMillis float64      `json:"sync_offset_ms"`
	Stems            []StemStatus `json:"stems"`
	Status           Status       `json:"status"`
}

func levelFor(levels []meter.Level, i int) float64 {
	for _, l := range levels {
		if l.Index == i {
			return l.Percent
		}
	}
	return 0
}
