package types

import (
	"fmt"
	"strings"
)

// Mode is the source/measure configuration of a single channel.
type Mode int

const (
	// ModeHighImpedance leaves the output floating and measures voltage only.
	ModeHighImpedance Mode = iota
	// ModeSourceVoltage sources voltage and measures current (SVMI).
	ModeSourceVoltage
	// ModeSourceCurrent sources current and measures voltage (SIMV).
	ModeSourceCurrent
	ModeHighImpedanceSplit
	ModeSourceVoltageSplit
	ModeSourceCurrentSplit
)

var modeNames = map[Mode]string{
	ModeHighImpedance:      "hi_z",
	ModeSourceVoltage:      "svmi",
	ModeSourceCurrent:      "simv",
	ModeHighImpedanceSplit: "hi_z_split",
	ModeSourceVoltageSplit: "svmi_split",
	ModeSourceCurrentSplit: "simv_split",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	_, ok := modeNames[m]
	return ok
}

// Sourcing reports whether the channel drives a set point in this mode.
func (m Mode) Sourcing() bool {
	switch m {
	case ModeSourceVoltage, ModeSourceCurrent, ModeSourceVoltageSplit, ModeSourceCurrentSplit:
		return true
	}
	return false
}

// SourcesVoltage reports whether set points are volts (as opposed to amps).
func (m Mode) SourcesVoltage() bool {
	return m == ModeSourceVoltage || m == ModeSourceVoltageSplit
}

// ParseMode accepts the short names ("svmi") as well as a few long aliases.
func ParseMode(s string) (Mode, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	switch key {
	case "hiz", "high_impedance":
		return ModeHighImpedance, nil
	case "source_voltage":
		return ModeSourceVoltage, nil
	case "source_current":
		return ModeSourceCurrent, nil
	}
	for mode, name := range modeNames {
		if name == key {
			return mode, nil
		}
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

func (m *Mode) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := ParseMode(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func (m Mode) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}
