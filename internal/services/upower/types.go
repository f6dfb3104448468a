// Package upower tracks the battery, AC and lid state reported by UPower
// and the active power-profiles-daemon profile.
package upower

import "time"

// BatteryState is UPower's Device.State.
type BatteryState uint32

const (
	StateUnknown BatteryState = iota
	StateCharging
	StateDischarging
	StateEmpty
	StateFullyCharged
	StatePendingCharge
	StatePendingDischarge
)

func (s BatteryState) String() string {
	switch s {
	case StateCharging:
		return "charging"
	case StateDischarging:
		return "discharging"
	case StateEmpty:
		return "empty"
	case StateFullyCharged:
		return "fully-charged"
	case StatePendingCharge:
		return "pending-charge"
	case StatePendingDischarge:
		return "pending-discharge"
	default:
		return "unknown"
	}
}

func (s BatteryState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// WarningLevel is UPower's Device.WarningLevel.
type WarningLevel uint32

const (
	WarningUnknown WarningLevel = iota
	WarningNone
	WarningDischarging
	WarningLow
	WarningCritical
	WarningAction
)

func (w WarningLevel) String() string {
	switch w {
	case WarningNone:
		return "none"
	case WarningDischarging:
		return "discharging"
	case WarningLow:
		return "low"
	case WarningCritical:
		return "critical"
	case WarningAction:
		return "action"
	default:
		return "unknown"
	}
}

func (w WarningLevel) MarshalText() ([]byte, error) {
	return []byte(w.String()), nil
}

// BatteryLevel is UPower's coarse Device.BatteryLevel. The values are not
// contiguous.
type BatteryLevel uint32

const (
	LevelUnknown  BatteryLevel = 0
	LevelNone     BatteryLevel = 1
	LevelLow      BatteryLevel = 3
	LevelCritical BatteryLevel = 4
	LevelNormal   BatteryLevel = 6
	LevelHigh     BatteryLevel = 7
	LevelFull     BatteryLevel = 8
)

func (l BatteryLevel) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelLow:
		return "low"
	case LevelCritical:
		return "critical"
	case LevelNormal:
		return "normal"
	case LevelHigh:
		return "high"
	case LevelFull:
		return "full"
	default:
		return "unknown"
	}
}

func (l BatteryLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// PowerProfile is a power-profiles-daemon profile name.
type PowerProfile string

const (
	ProfileBalanced    PowerProfile = "balanced"
	ProfilePerformance PowerProfile = "performance"
	ProfilePowerSaver  PowerProfile = "power-saver"
	ProfileUnknown     PowerProfile = "unknown"
)

// ParseProfile maps a daemon profile name, returning ProfileUnknown for
// anything unrecognised.
func ParseProfile(s string) PowerProfile {
	switch p := PowerProfile(s); p {
	case ProfileBalanced, ProfilePerformance, ProfilePowerSaver:
		return p
	default:
		return ProfileUnknown
	}
}

// Next cycles balanced, performance, power-saver. Unknown goes to balanced.
func (p PowerProfile) Next() PowerProfile {
	switch p {
	case ProfileBalanced:
		return ProfilePerformance
	case ProfilePerformance:
		return ProfilePowerSaver
	default:
		return ProfileBalanced
	}
}

// Battery is the display device, UPower's composite of all batteries.
type Battery struct {
	Percentage   int           `json:"percentage"`
	State        BatteryState  `json:"state"`
	TimeToEmpty  time.Duration `json:"timeToEmpty,omitempty"`
	TimeToFull   time.Duration `json:"timeToFull,omitempty"`
	Capacity     float64       `json:"capacity,omitempty"`
	Temperature  float64       `json:"temperature,omitempty"`
	EnergyRate   float64       `json:"energyRate,omitempty"`
	WarningLevel WarningLevel  `json:"warningLevel"`
	BatteryLevel BatteryLevel  `json:"batteryLevel"`
	IconName     string        `json:"iconName"`
}

// Charging reports a charging or about-to-charge battery.
func (b Battery) Charging() bool {
	return b.State == StateCharging || b.State == StatePendingCharge
}

// Low reports a warning level of low or worse.
func (b Battery) Low() bool {
	return b.WarningLevel >= WarningLow
}

// Data is the upower snapshot.
type Data struct {
	// Battery is nil on machines without one.
	Battery                *Battery     `json:"battery"`
	PowerProfile           PowerProfile `json:"powerProfile"`
	PowerProfilesAvailable bool         `json:"powerProfilesAvailable"`
	OnBattery              bool         `json:"onBattery"`
	// LidClosed is nil when there is no lid.
	LidClosed *bool `json:"lidClosed"`
}

func (d Data) Clone() Data {
	out := d
	if d.Battery != nil {
		b := *d.Battery
		out.Battery = &b
	}
	if d.LidClosed != nil {
		v := *d.LidClosed
		out.LidClosed = &v
	}
	return out
}

// Default is the snapshot used before the first fetch or when UPower is
// not running.
func Default() Data {
	return Data{PowerProfile: ProfileBalanced}
}
