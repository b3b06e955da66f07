// Package sweep walks the nested Vd/Vg bias grid: one stable DC measurement,
// and optionally one spectrum, per coordinate.
package sweep

import (
	"fmt"

	"codeberg.org/mutker/devchar/internal/errors"
	"codeberg.org/mutker/devchar/internal/logger"
	"codeberg.org/mutker/devchar/internal/psd"
	"codeberg.org/mutker/devchar/internal/stability"
)

type State int

const (
	AwaitStability State = iota
	MeasuringPSD
	Advancing
	Complete
)

func (s State) String() string {
	switch s {
	case AwaitStability:
		return "await_stability"
	case MeasuringPSD:
		return "measuring_psd"
	case Advancing:
		return "advancing"
	case Complete:
		return "complete"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type Config struct {
	RunID     string
	Channels  []string
	VgValues  []float64
	VdValues  []float64
	ACEnabled bool
}

func (c Config) Validate() error {
	errFactory := errors.New()
	switch {
	case len(c.Channels) == 0:
		return errFactory.WithData(ErrInvalidConfig, "no channels")
	case len(c.VgValues) == 0:
		return errFactory.WithData(ErrInvalidConfig, "no vg values")
	case len(c.VdValues) == 0:
		return errFactory.WithData(ErrInvalidConfig, "no vd values")
	}
	return nil
}

type setpointKey struct {
	terminal Terminal
	index    int
}

// Machine is not safe for concurrent use; the acquisition pipeline serializes
// every call on its evaluation loop.
type Machine struct {
	cfg       Config
	coord     Coordinate
	state     State
	requested map[setpointKey]bool
	dc        []DCPoint
	psd       []PSDPoint
	log       logger.Logger
}

func NewMachine(cfg Config, log logger.Logger) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.New("sweep")
	}

	return &Machine{
		cfg:       cfg,
		state:     AwaitStability,
		requested: make(map[setpointKey]bool),
		log:       log,
	}, nil
}

// Start returns the setpoints for the first coordinate, Vd before Vg.
func (m *Machine) Start() []Setpoint {
	return []Setpoint{m.request(Drain, 0), m.request(Gate, 0)}
}

// Stable records the DC levels of the current coordinate.
func (m *Machine) Stable(res stability.Result) (DCPoint, error) {
	if m.state != AwaitStability {
		return DCPoint{}, m.invalid("stable")
	}
	if len(res.DC) != len(m.cfg.Channels) {
		return DCPoint{}, errors.New().WithData(ErrInvalidState,
			fmt.Sprintf("got %d dc values for %d channels", len(res.DC), len(m.cfg.Channels)))
	}

	point := DCPoint{
		Coordinate: m.coord,
		RunID:      m.cfg.RunID,
		Vg:         m.cfg.VgValues[m.coord.VgIndex],
		Vd:         m.cfg.VdValues[m.coord.VdIndex],
		Channels:   m.cfg.Channels,
		Values:     append([]float64(nil), res.DC...),
		Slope:      res.Slope,
		TimedOut:   res.TimedOut,
		Elapsed:    res.Elapsed,
	}
	m.dc = append(m.dc, point)

	if m.cfg.ACEnabled {
		m.state = MeasuringPSD
	} else {
		m.state = Advancing
	}

	m.log.Info().
		Int("vg_index", m.coord.VgIndex).
		Int("vd_index", m.coord.VdIndex).
		Float64("vg", point.Vg).
		Float64("vd", point.Vd).
		Bool("timed_out", res.TimedOut).
		Interface("dc", point.Values).
		Msg("DC point recorded")

	return point, nil
}

// Spectrum records the PSD of the current coordinate.
func (m *Machine) Spectrum(res psd.Result) (PSDPoint, error) {
	if m.state != MeasuringPSD {
		return PSDPoint{}, m.invalid("spectrum")
	}

	point := PSDPoint{
		Coordinate:  m.coord,
		RunID:       m.cfg.RunID,
		Vg:          m.cfg.VgValues[m.coord.VgIndex],
		Vd:          m.cfg.VdValues[m.coord.VdIndex],
		Channels:    m.cfg.Channels,
		Frequencies: res.Frequencies,
		Power:       res.Power,
	}
	m.psd = append(m.psd, point)
	m.state = Advancing

	m.log.Info().
		Int("vg_index", m.coord.VgIndex).
		Int("vd_index", m.coord.VdIndex).
		Int("bins", len(res.Frequencies)).
		Msg("PSD point recorded")

	return point, nil
}

// Advance moves to the next coordinate, Vg fastest. It returns the setpoints
// to apply, or done once the last Vd value has been measured.
func (m *Machine) Advance() (setpoints []Setpoint, done bool, err error) {
	if m.state != Advancing {
		return nil, false, m.invalid("advance")
	}

	switch {
	case m.coord.VgIndex+1 < len(m.cfg.VgValues):
		m.coord.VgIndex++
		m.state = AwaitStability
		return []Setpoint{m.request(Gate, m.coord.VgIndex)}, false, nil
	case m.coord.VdIndex+1 < len(m.cfg.VdValues):
		m.coord.VgIndex = 0
		m.coord.VdIndex++
		m.state = AwaitStability
		return []Setpoint{m.request(Drain, m.coord.VdIndex), m.request(Gate, 0)}, false, nil
	}

	// The coordinate stays on the last measured point.
	m.state = Complete
	m.log.Info().Int("points", len(m.dc)).Msg("Sweep complete")

	return nil, true, nil
}

// Confirm checks a setpoint reported back by the bias driver. A setpoint the
// machine never requested is an internal consistency failure.
func (m *Machine) Confirm(sp Setpoint) error {
	if !m.requested[setpointKey{sp.Terminal, sp.Index}] {
		return errors.New().WithData(ErrIndexOverrun,
			fmt.Sprintf("%s index %d was never requested", sp.Terminal, sp.Index))
	}
	return nil
}

func (m *Machine) request(t Terminal, index int) Setpoint {
	values := m.cfg.VgValues
	if t == Drain {
		values = m.cfg.VdValues
	}
	m.requested[setpointKey{t, index}] = true

	return Setpoint{Terminal: t, Index: index, Value: values[index]}
}

func (m *Machine) invalid(op string) error {
	return errors.New().WithData(ErrInvalidState, fmt.Sprintf("%s in state %s", op, m.state))
}

// Summary returns every recorded point in visit order.
func (m *Machine) Summary() Summary {
	return Summary{
		RunID:    m.cfg.RunID,
		Channels: m.cfg.Channels,
		VgValues: m.cfg.VgValues,
		VdValues: m.cfg.VdValues,
		DC:       append([]DCPoint(nil), m.dc...),
		PSD:      append([]PSDPoint(nil), m.psd...),
	}
}

func (m *Machine) Progress() Progress {
	return Progress{
		RunID:      m.cfg.RunID,
		State:      m.state.String(),
		Coordinate: m.coord,
		Vg:         m.cfg.VgValues[m.coord.VgIndex],
		Vd:         m.cfg.VdValues[m.coord.VdIndex],
		Points:     len(m.dc),
		Total:      len(m.cfg.VgValues) * len(m.cfg.VdValues),
		Complete:   m.state == Complete,
	}
}

func (m *Machine) State() State           { return m.state }
func (m *Machine) Coordinate() Coordinate { return m.coord }
func (m *Machine) Config() Config         { return m.cfg }
