package sweep

import (
	"context"
	"time"
)

// Driver moves the physical bias to a new setpoint.
type Driver interface {
	Apply(ctx context.Context, sp Setpoint) error
}

// Recorder persists sweep results.
type Recorder interface {
	RecordDC(ctx context.Context, point DCPoint) error
	RecordPSD(ctx context.Context, point PSDPoint) error
	SweepComplete(ctx context.Context, summary Summary) error
}

// Coordinate indexes VgValues and VdValues.
type Coordinate struct {
	VgIndex int `json:"vg_index"`
	VdIndex int `json:"vd_index"`
}

// Terminal kind of the sweep bias being moved.
type Terminal string

const (
	Gate  Terminal = "vg"
	Drain Terminal = "vd"
)

// Setpoint asks the driver to put terminal at Values[Index].
type Setpoint struct {
	Terminal Terminal `json:"terminal"`
	Index    int      `json:"index"`
	Value    float64  `json:"value"`
}

type DCPoint struct {
	Coordinate
	RunID    string        `json:"run_id"`
	Vg       float64       `json:"vg"`
	Vd       float64       `json:"vd"`
	Channels []string      `json:"channels"`
	Values   []float64     `json:"values"`
	Slope    float64       `json:"slope"`
	TimedOut bool          `json:"timed_out"`
	Elapsed  time.Duration `json:"elapsed"`
}

type PSDPoint struct {
	Coordinate
	RunID       string      `json:"run_id"`
	Vg          float64     `json:"vg"`
	Vd          float64     `json:"vd"`
	Channels    []string    `json:"channels"`
	Frequencies []float64   `json:"frequencies"`
	Power       [][]float64 `json:"power"`
}

// Summary holds every point of a finished sweep in visit order.
type Summary struct {
	RunID    string     `json:"run_id"`
	Channels []string   `json:"channels"`
	VgValues []float64  `json:"vg_values"`
	VdValues []float64  `json:"vd_values"`
	DC       []DCPoint  `json:"dc"`
	PSD      []PSDPoint `json:"psd"`
}

// Progress is a point-in-time view of a running sweep.
type Progress struct {
	RunID      string     `json:"run_id"`
	State      string     `json:"state"`
	Coordinate Coordinate `json:"coordinate"`
	Vg         float64    `json:"vg"`
	Vd         float64    `json:"vd"`
	Points     int        `json:"points"`
	Total      int        `json:"total"`
	Complete   bool       `json:"complete"`
}
