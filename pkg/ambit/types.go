package ambit

import (
	"fmt"
	"time"
)

// Version represents a major.minor.patch firmware or hardware version
type Version struct {
	Major uint8  `json:"major"`
	Minor uint8  `json:"minor"`
	Patch uint16 `json:"patch"`
}

// String returns the dotted representation
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Less reports whether v is older than o
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor < o.Minor
	}
	return v.Patch < o.Patch
}

// ParseVersion parses "major.minor.patch"
func ParseVersion(s string) (Version, error) {
	var v Version
	if _, err := fmt.Sscanf(s, "%d.%d.%d", &v.Major, &v.Minor, &v.Patch); err != nil {
		return Version{}, fmt.Errorf("parse version %q: %w", s, err)
	}
	return v, nil
}

// Units is the unit system configured on the watch
type Units uint8

const (
	UnitsMetric Units = iota
	UnitsImperial
)

// PersonalSettings holds the user profile stored on the watch
type PersonalSettings struct {
	WeightGrams   uint32 `json:"weightGrams"`
	MaxHeartRate  uint8  `json:"maxHeartRate"`
	RestHeartRate uint8  `json:"restHeartRate"`
	BirthYear     uint16 `json:"birthYear"`
	Units         Units  `json:"units"`
}

// DeviceInfo is the device metadata decoded from the settings block.
// Serial is device-unique and never changes; Battery is refreshed every sync.
type DeviceInfo struct {
	Model    string           `json:"model"`
	Serial   string           `json:"serial"`
	Firmware Version          `json:"firmware"`
	Hardware Version          `json:"hardware"`
	Battery  uint8            `json:"battery"`
	Charging bool             `json:"charging"`
	Settings PersonalSettings `json:"settings"`
}

// ActivityType identifies the sport mode a log was recorded in
type ActivityType uint8

// LogHeader is one entry of the device log index
type LogHeader struct {
	ID        uint32        `json:"id"`
	Address   uint32        `json:"-"`
	Size      uint32        `json:"size"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
	Distance  uint32        `json:"distance"`
	Activity  ActivityType  `json:"activity"`
}

// Stats holds the summary statistics of a training session
type Stats struct {
	AvgHeartRate       uint8   `json:"avgHeartRate"`
	MaxHeartRate       uint8   `json:"maxHeartRate"`
	MinHeartRate       uint8   `json:"minHeartRate"`
	PeakTrainingEffect float64 `json:"peakTrainingEffect"`
	Ascent             uint16  `json:"ascent"`
	Descent            uint16  `json:"descent"`
	Calories           uint16  `json:"calories"`
}

// SampleKind identifies a sample series inside a log body
type SampleKind uint8

const (
	KindHeartRate SampleKind = 1
	KindGPS       SampleKind = 2
	KindAltitude  SampleKind = 3
	KindPace      SampleKind = 4
)

func (k SampleKind) String() string {
	switch k {
	case KindHeartRate:
		return "heart_rate"
	case KindGPS:
		return "gps"
	case KindAltitude:
		return "altitude"
	case KindPace:
		return "pace"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// HeartRateSample is one heart rate reading
type HeartRateSample struct {
	Offset time.Duration `json:"offset"`
	BPM    uint8         `json:"bpm"`
}

// GPSSample is one track point in 1e-7 degree units
type GPSSample struct {
	Offset      time.Duration `json:"offset"`
	LatitudeE7  int32         `json:"lat"`
	LongitudeE7 int32         `json:"lon"`
}

// Latitude returns the latitude in degrees
func (s GPSSample) Latitude() float64 { return float64(s.LatitudeE7) / 1e7 }

// Longitude returns the longitude in degrees
func (s GPSSample) Longitude() float64 { return float64(s.LongitudeE7) / 1e7 }

// AltitudeSample is one altitude reading in centimeters
type AltitudeSample struct {
	Offset      time.Duration `json:"offset"`
	Centimeters int32         `json:"cm"`
}

// Meters returns the altitude in meters
func (s AltitudeSample) Meters() float64 { return float64(s.Centimeters) / 100 }

// PaceSample is one speed reading in cm/s
type PaceSample struct {
	Offset time.Duration `json:"offset"`
	Speed  uint16        `json:"speed"`
}

// Pace returns the time per kilometer, zero when stationary
func (s PaceSample) Pace() time.Duration {
	if s.Speed == 0 {
		return 0
	}
	return time.Duration(float64(time.Second) * 100000 / float64(s.Speed))
}

// LogEntry is a fully decoded training session. It is never mutated after
// decode; re-parsing produces a new instance.
type LogEntry struct {
	Header    LogHeader
	Stats     Stats
	HeartRate Series[HeartRateSample]
	Track     Series[GPSSample]
	Altitude  Series[AltitudeSample]
	Pace      Series[PaceSample]

	// Partial lists the series dropped because their block was corrupt
	Partial []SampleKind
}

// IsPartial reports whether any sample series was dropped
func (e *LogEntry) IsPartial() bool {
	return len(e.Partial) > 0
}
