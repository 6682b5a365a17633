package types

import "fmt"

// Descriptor identifies a physically attached unit. It is immutable once
// enumerated and becomes stale as soon as the unit is unplugged.
type Descriptor struct {
	Serial          string `json:"serial" yaml:"serial"`
	Model           string `json:"model" yaml:"model"`
	FirmwareVersion string `json:"firmware_version" yaml:"firmware_version"`
	HardwareVersion string `json:"hardware_version" yaml:"hardware_version"`
	Channels        int    `json:"channels" yaml:"channels"`

	Bus     int `json:"bus,omitempty" yaml:"bus,omitempty"`
	Address int `json:"address,omitempty" yaml:"address,omitempty"`

	DefaultRate int `json:"default_rate" yaml:"default_rate"`
	MinRate     int `json:"min_rate" yaml:"min_rate"`
	MaxRate     int `json:"max_rate" yaml:"max_rate"`
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s %s (fw %s, hw %s)", d.Model, d.Serial, d.FirmwareVersion, d.HardwareVersion)
}

// ChannelName returns the conventional letter for a channel index: A, B, ...
func ChannelName(ch int) string {
	if ch >= 0 && ch < 26 {
		return string(rune('A' + ch))
	}
	return fmt.Sprintf("%d", ch)
}

// ChannelConfig is the acquisition configuration of a single channel.
type ChannelConfig struct {
	Mode       Mode `json:"mode" yaml:"mode"`
	SampleRate int  `json:"sample_rate" yaml:"sample_rate"`
}
